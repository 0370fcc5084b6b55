package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/invalidation"
	"github.com/colthorp/fitsync-go/internal/mutation"
	"github.com/colthorp/fitsync-go/internal/normalize"
)

// mealTargets writes fn to the meal detail and to the meal inside the day's
// meal list. reconcile may be nil.
func mealTargets[R any](mealID string, d time.Time, fn func(api.Meal) (api.Meal, error), reconcile func(api.Meal, R) (api.Meal, error)) []mutation.Target {
	detail := mutation.Target{
		Key:   cache.MealKey(mealID),
		Apply: mutation.PresentOnly(mutation.ApplyJSON(fn)),
	}
	list := mutation.Target{
		Key:   cache.MealListKey(d),
		Apply: mutation.ApplyJSON(mutation.InMealList(mealID, fn)),
	}
	if reconcile != nil {
		detail.Reconcile = mutation.ReconcileJSON(reconcile)
		list.Reconcile = mutation.ReconcileJSON(mutation.InMealListReconcile(mealID, reconcile))
	}
	return []mutation.Target{detail, list}
}

// dayTargets writes fn to the summary of d, and to today's summary when d is
// today.
func (s *Service) dayTargets(d time.Time, fn func(api.DaySummary) (api.DaySummary, error)) []mutation.Target {
	apply := mutation.PresentOnly(mutation.ApplyJSON(fn))
	targets := []mutation.Target{{Key: cache.DayKey(d), Apply: apply}}
	if core.DateOnly(d).Equal(s.Today()) {
		targets = append(targets, mutation.Target{Key: cache.TodayKey(), Apply: apply})
	}
	return targets
}

// adjustDay shifts consumption of one meal in a day summary.
func adjustDay(mealID string, delta api.Nutrition, items int) func(api.DaySummary) (api.DaySummary, error) {
	return func(d api.DaySummary) (api.DaySummary, error) {
		d.Consumed = d.Consumed.Add(delta)
		d.Remaining = normalize.Remaining(d.Goals, d.Consumed)
		meals := make([]api.MealSummary, len(d.Meals))
		copy(meals, d.Meals)
		for i := range meals {
			if meals[i].ID == mealID {
				meals[i].ItemCount += items
				meals[i].Totals = meals[i].Totals.Add(delta)
			}
		}
		d.Meals = meals
		return d, nil
	}
}

func findItem(m api.Meal, itemID string) (api.MealItem, bool) {
	for _, it := range m.Items {
		if it.ID == itemID {
			return it, true
		}
	}
	return api.MealItem{}, false
}

// AddMealItem logs item into a meal. The item shows up immediately under a
// temporary id and is replaced by the server's item on success.
func (s *Service) AddMealItem(ctx context.Context, mealID string, item api.MealItem) (api.MealItem, error) {
	if item.Content == nil {
		return api.MealItem{}, errors.New("meal item has no content")
	}
	_, d, err := s.mealDate(ctx, mealID)
	if err != nil {
		return api.MealItem{}, err
	}

	tempID := mutation.NewTempID()
	placeholder := item
	placeholder.ID = tempID

	targets := mealTargets(mealID, d, mutation.AppendMealItem(placeholder), mutation.ReplaceTempItem(tempID))
	targets = append(targets, s.dayTargets(d, adjustDay(mealID, item.Nutrition(), 1))...)

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealItemAdd,
		Payload: invalidation.Payload{Date: d, MealID: mealID},
		Targets: targets,
		Send: send(func(ctx context.Context) (api.MealItem, error) {
			return s.api.AddMealItem(ctx, mealID, item)
		}),
	})
	if err != nil {
		return api.MealItem{}, err
	}
	return decodeResponse[api.MealItem](raw)
}

// UpdateMealItem replaces an existing item.
func (s *Service) UpdateMealItem(ctx context.Context, mealID string, item api.MealItem) (api.MealItem, error) {
	meal, d, err := s.mealDate(ctx, mealID)
	if err != nil {
		return api.MealItem{}, err
	}
	old, ok := findItem(meal, item.ID)
	if !ok {
		return api.MealItem{}, fmt.Errorf("item %s is not in meal %s", item.ID, mealID)
	}

	reconcile := func(m api.Meal, server api.MealItem) (api.Meal, error) {
		return mutation.ReplaceMealItem(server)(m)
	}
	targets := mealTargets(mealID, d, mutation.ReplaceMealItem(item), reconcile)
	targets = append(targets, s.dayTargets(d, adjustDay(mealID, item.Nutrition().Sub(old.Nutrition()), 0))...)

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealItemUpdate,
		Payload: invalidation.Payload{Date: d, MealID: mealID, ItemID: item.ID},
		Targets: targets,
		Send: send(func(ctx context.Context) (api.MealItem, error) {
			return s.api.UpdateMealItem(ctx, mealID, item)
		}),
	})
	if err != nil {
		return api.MealItem{}, err
	}
	return decodeResponse[api.MealItem](raw)
}

func (s *Service) DeleteMealItem(ctx context.Context, mealID, itemID string) error {
	meal, d, err := s.mealDate(ctx, mealID)
	if err != nil {
		return err
	}
	old, ok := findItem(meal, itemID)
	if !ok {
		return fmt.Errorf("item %s is not in meal %s", itemID, mealID)
	}

	targets := mealTargets[api.MealItem](mealID, d, mutation.RemoveMealItem(itemID), nil)
	targets = append(targets, s.dayTargets(d, adjustDay(mealID, api.Nutrition{}.Sub(old.Nutrition()), -1))...)

	_, err = s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealItemDelete,
		Payload: invalidation.Payload{Date: d, MealID: mealID, ItemID: itemID},
		Targets: targets,
		Send: sendNothing(func(ctx context.Context) error {
			return s.api.DeleteMealItem(ctx, mealID, itemID)
		}),
	})
	return err
}

// upsertMeal replaces the meal with id (or appends m) in a meal list.
func upsertMeal(list []api.Meal, id string, m api.Meal) []api.Meal {
	out := make([]api.Meal, 0, len(list)+1)
	replaced := false
	for _, cur := range list {
		if cur.ID != id && cur.ID != m.ID {
			out = append(out, cur)
			continue
		}
		if !replaced {
			out = append(out, m)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, m)
	}
	return out
}

// CreateMeal opens a meal slot on a date.
func (s *Service) CreateMeal(ctx context.Context, in api.CreateMealInput) (api.Meal, error) {
	if err := validate.Struct(in); err != nil {
		return api.Meal{}, fmt.Errorf("invalid meal: %w", err)
	}
	d, err := core.ParseDate(in.Date)
	if err != nil {
		return api.Meal{}, err
	}

	temp := api.Meal{
		ID:          mutation.NewTempID(),
		Date:        in.Date,
		MealType:    in.MealType,
		IsCheatMeal: in.IsCheatMeal,
		Items:       []api.MealItem{},
	}
	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealCreate,
		Payload: invalidation.Payload{Date: d},
		Targets: []mutation.Target{{
			Key: cache.MealListKey(d),
			Apply: mutation.ApplyJSON(func(list []api.Meal) ([]api.Meal, error) {
				return upsertMeal(list, temp.ID, temp), nil
			}),
			Reconcile: mutation.ReconcileJSON(func(list []api.Meal, server api.Meal) ([]api.Meal, error) {
				return upsertMeal(list, temp.ID, server), nil
			}),
		}},
		Send: send(func(ctx context.Context) (api.Meal, error) {
			return s.api.CreateMeal(ctx, in)
		}),
	})
	if err != nil {
		return api.Meal{}, err
	}
	return decodeResponse[api.Meal](raw)
}

// UpdateMeal changes a meal's slot or cheat-meal flag.
func (s *Service) UpdateMeal(ctx context.Context, id string, in api.UpdateMealInput) (api.Meal, error) {
	_, d, err := s.mealDate(ctx, id)
	if err != nil {
		return api.Meal{}, err
	}
	apply := func(m api.Meal) (api.Meal, error) {
		if in.MealType != nil {
			m.MealType = *in.MealType
		}
		if in.IsCheatMeal != nil {
			m.IsCheatMeal = *in.IsCheatMeal
		}
		return m, nil
	}
	reconcile := func(_ api.Meal, server api.Meal) (api.Meal, error) {
		return server, nil
	}

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealUpdate,
		Payload: invalidation.Payload{Date: d, MealID: id},
		Targets: mealTargets(id, d, apply, reconcile),
		Send: send(func(ctx context.Context) (api.Meal, error) {
			return s.api.UpdateMeal(ctx, id, in)
		}),
	})
	if err != nil {
		return api.Meal{}, err
	}
	return decodeResponse[api.Meal](raw)
}

func (s *Service) DeleteMeal(ctx context.Context, id string) error {
	meal, d, err := s.mealDate(ctx, id)
	if err != nil {
		return err
	}
	removeFromDay := func(day api.DaySummary) (api.DaySummary, error) {
		day.Consumed = day.Consumed.Sub(meal.Totals)
		day.Remaining = normalize.Remaining(day.Goals, day.Consumed)
		meals := make([]api.MealSummary, 0, len(day.Meals))
		for _, m := range day.Meals {
			if m.ID != id {
				meals = append(meals, m)
			}
		}
		day.Meals = meals
		return day, nil
	}

	targets := []mutation.Target{
		{Key: cache.MealKey(id)},
		{
			Key: cache.MealListKey(d),
			Apply: mutation.ApplyJSON(func(list []api.Meal) ([]api.Meal, error) {
				out := make([]api.Meal, 0, len(list))
				for _, m := range list {
					if m.ID != id {
						out = append(out, m)
					}
				}
				return out, nil
			}),
		},
	}
	targets = append(targets, s.dayTargets(d, removeFromDay)...)

	_, err = s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealDelete,
		Payload: invalidation.Payload{Date: d, MealID: id},
		Targets: targets,
		Send: sendNothing(func(ctx context.Context) error {
			return s.api.DeleteMeal(ctx, id)
		}),
	})
	return err
}

// CopyMeal duplicates a meal and its items onto another date. Nothing is
// shown until the server has created the copy.
func (s *Service) CopyMeal(ctx context.Context, id string, in api.CopyMealInput) (api.Meal, error) {
	if err := validate.Struct(in); err != nil {
		return api.Meal{}, fmt.Errorf("invalid copy: %w", err)
	}
	d, err := core.ParseDate(in.TargetDate)
	if err != nil {
		return api.Meal{}, err
	}

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.MealCopy,
		Payload: invalidation.Payload{Date: d, MealID: id},
		Targets: []mutation.Target{{
			Key: cache.MealListKey(d),
			Reconcile: mutation.ReconcileJSON(func(list []api.Meal, server api.Meal) ([]api.Meal, error) {
				return upsertMeal(list, server.ID, server), nil
			}),
		}},
		Send: send(func(ctx context.Context) (api.Meal, error) {
			return s.api.CopyMeal(ctx, id, in)
		}),
	})
	if err != nil {
		return api.Meal{}, err
	}
	return decodeResponse[api.Meal](raw)
}

// AddQuickEntry logs a free-form entry into the meal of mealType on d,
// creating the meal when the day has none.
func (s *Service) AddQuickEntry(ctx context.Context, d time.Time, mealType api.MealType, name string, n api.Nutrition) (api.MealItem, error) {
	meals, err := s.Meals(ctx, d)
	if err != nil {
		return api.MealItem{}, err
	}
	mealID := ""
	for _, m := range meals.Value {
		if m.MealType == mealType && !mutation.IsTempID(m.ID) {
			mealID = m.ID
			break
		}
	}
	if mealID == "" {
		m, err := s.CreateMeal(ctx, api.CreateMealInput{Date: core.FormatDate(d), MealType: mealType})
		if err != nil {
			return api.MealItem{}, err
		}
		mealID = m.ID
	}
	return s.AddMealItem(ctx, mealID, api.MealItem{Content: api.QuickEntryItem{Name: name, Nutrition: n}})
}
