package mutation

import (
	"fmt"

	"github.com/colthorp/fitsync-go/internal/api"
)

// Totals sums item nutrition.
func Totals(items []api.MealItem) api.Nutrition {
	var n api.Nutrition
	for _, it := range items {
		n = n.Add(it.Nutrition())
	}
	return n
}

func withItems(m api.Meal, items []api.MealItem) api.Meal {
	m.Items = items
	m.Totals = Totals(items)
	return m
}

// AppendMealItem adds item at the end of the meal.
func AppendMealItem(item api.MealItem) func(api.Meal) (api.Meal, error) {
	return func(m api.Meal) (api.Meal, error) {
		items := make([]api.MealItem, 0, len(m.Items)+1)
		items = append(items, m.Items...)
		items = append(items, item)
		return withItems(m, items), nil
	}
}

// ReplaceMealItem swaps the item with the same id in place.
func ReplaceMealItem(item api.MealItem) func(api.Meal) (api.Meal, error) {
	return func(m api.Meal) (api.Meal, error) {
		items := make([]api.MealItem, len(m.Items))
		copy(items, m.Items)
		for i := range items {
			if items[i].ID == item.ID {
				items[i] = item
				return withItems(m, items), nil
			}
		}
		return m, fmt.Errorf("meal %s has no item %s", m.ID, item.ID)
	}
}

// RemoveMealItem drops the item with id. Removing a missing item is a no-op.
func RemoveMealItem(id string) func(api.Meal) (api.Meal, error) {
	return func(m api.Meal) (api.Meal, error) {
		items := make([]api.MealItem, 0, len(m.Items))
		for _, it := range m.Items {
			if it.ID != id {
				items = append(items, it)
			}
		}
		return withItems(m, items), nil
	}
}

// ReplaceTempItem swaps the placeholder tempID for the server's item at the
// same position. If the placeholder is gone the server item is appended,
// unless it is already present.
func ReplaceTempItem(tempID string) func(api.Meal, api.MealItem) (api.Meal, error) {
	return func(m api.Meal, server api.MealItem) (api.Meal, error) {
		if server.ID == "" || IsTempID(server.ID) {
			return m, fmt.Errorf("server returned item without a persistent id")
		}
		items := make([]api.MealItem, 0, len(m.Items)+1)
		replaced := false
		for _, it := range m.Items {
			if it.ID != tempID && it.ID != server.ID {
				items = append(items, it)
				continue
			}
			if !replaced {
				items = append(items, server)
				replaced = true
			}
		}
		if !replaced {
			items = append(items, server)
		}
		return withItems(m, items), nil
	}
}

// InMealList applies fn to the meal with id inside a meal list. Lists that
// do not contain the meal are returned unchanged.
func InMealList(id string, fn func(api.Meal) (api.Meal, error)) func([]api.Meal) ([]api.Meal, error) {
	return func(meals []api.Meal) ([]api.Meal, error) {
		out := make([]api.Meal, len(meals))
		copy(out, meals)
		for i := range out {
			if out[i].ID == id {
				m, err := fn(out[i])
				if err != nil {
					return nil, err
				}
				out[i] = m
			}
		}
		return out, nil
	}
}

// InMealListReconcile is InMealList for reconcile functions.
func InMealListReconcile[R any](id string, fn func(api.Meal, R) (api.Meal, error)) func([]api.Meal, R) ([]api.Meal, error) {
	return func(meals []api.Meal, r R) ([]api.Meal, error) {
		return InMealList(id, func(m api.Meal) (api.Meal, error) { return fn(m, r) })(meals)
	}
}
