package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/invalidation"
	"github.com/colthorp/fitsync-go/internal/mutation"
	"github.com/colthorp/fitsync-go/internal/normalize"
)

// workoutLists returns the cached workout lists that include any of dates.
// The unranged list includes every date.
func (s *Service) workoutLists(dates ...time.Time) []cache.Key {
	return s.store.Match(func(k cache.Key) bool {
		if k.Type != cache.ResourceWorkoutList {
			return false
		}
		if _, _, ranged := k.Range(); !ranged {
			return true
		}
		for _, d := range dates {
			if k.Contains(d) {
				return true
			}
		}
		return false
	})
}

func listIncludes(k cache.Key, d time.Time) bool {
	if _, _, ranged := k.Range(); !ranged {
		return true
	}
	return k.Contains(d)
}

// placeWorkout puts w into a list in place of id, or drops it when the list
// does not cover w's date.
func placeWorkout(k cache.Key, list []api.Workout, id string, w api.Workout) ([]api.Workout, error) {
	d, err := core.ParseDate(w.Date)
	if err != nil {
		return nil, err
	}
	keep := listIncludes(k, d)
	out := make([]api.Workout, 0, len(list)+1)
	placed := false
	for _, cur := range list {
		if cur.ID != id && cur.ID != w.ID {
			out = append(out, cur)
			continue
		}
		if keep && !placed {
			out = append(out, w)
			placed = true
		}
	}
	if keep && !placed {
		out = append(out, w)
	}
	return out, nil
}

func workoutTargets(keys []cache.Key, id string, speculative *api.Workout) []mutation.Target {
	targets := make([]mutation.Target, 0, len(keys))
	for _, k := range keys {
		k := k
		t := mutation.Target{
			Key: k,
			Reconcile: mutation.ReconcileJSON(func(list []api.Workout, server api.Workout) ([]api.Workout, error) {
				return placeWorkout(k, list, id, server)
			}),
		}
		if speculative != nil {
			w := *speculative
			t.Apply = mutation.ApplyJSON(func(list []api.Workout) ([]api.Workout, error) {
				return placeWorkout(k, list, id, w)
			})
		}
		targets = append(targets, t)
	}
	return targets
}

func workoutFrom(id string, in api.WorkoutInput) api.Workout {
	return api.Workout{
		ID:              id,
		Date:            in.Date,
		Type:            in.Type,
		Name:            in.Name,
		DurationMinutes: in.DurationMinutes,
		CaloriesBurned:  in.CaloriesBurned,
		Notes:           in.Notes,
	}
}

// CreateWorkout logs a workout, showing it at once in every cached list that
// covers its date.
func (s *Service) CreateWorkout(ctx context.Context, in api.WorkoutInput) (api.Workout, error) {
	if err := validate.Struct(in); err != nil {
		return api.Workout{}, fmt.Errorf("invalid workout: %w", err)
	}
	d, err := core.ParseDate(in.Date)
	if err != nil {
		return api.Workout{}, err
	}
	temp := workoutFrom(mutation.NewTempID(), in)

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.WorkoutCreate,
		Payload: invalidation.Payload{Date: d},
		Targets: workoutTargets(s.workoutLists(d), temp.ID, &temp),
		Send: send(func(ctx context.Context) (api.Workout, error) {
			return s.api.CreateWorkout(ctx, in)
		}),
	})
	if err != nil {
		return api.Workout{}, err
	}
	return decodeResponse[api.Workout](raw)
}

// UpdateWorkout edits a workout, possibly moving it to another date.
func (s *Service) UpdateWorkout(ctx context.Context, id string, in api.WorkoutInput) (api.Workout, error) {
	if err := validate.Struct(in); err != nil {
		return api.Workout{}, fmt.Errorf("invalid workout: %w", err)
	}
	d, err := core.ParseDate(in.Date)
	if err != nil {
		return api.Workout{}, err
	}
	prev, err := s.api.Workout(ctx, id)
	if err != nil {
		return api.Workout{}, err
	}
	prevDate, err := core.ParseDate(prev.Date)
	if err != nil {
		return api.Workout{}, err
	}
	updated := workoutFrom(id, in)

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.WorkoutUpdate,
		Payload: invalidation.Payload{Date: d, PreviousDate: prevDate, WorkoutID: id},
		Targets: workoutTargets(s.workoutLists(d, prevDate), id, &updated),
		Send: send(func(ctx context.Context) (api.Workout, error) {
			return s.api.UpdateWorkout(ctx, id, in)
		}),
	})
	if err != nil {
		return api.Workout{}, err
	}
	return decodeResponse[api.Workout](raw)
}

// DeleteWorkout removes a workout. Its date is looked up first so that the
// right day, week and range views are invalidated.
func (s *Service) DeleteWorkout(ctx context.Context, id string) error {
	w, err := s.api.Workout(ctx, id)
	if err != nil {
		return err
	}
	d, err := core.ParseDate(w.Date)
	if err != nil {
		return err
	}

	keys := s.workoutLists(d)
	targets := make([]mutation.Target, 0, len(keys))
	for _, k := range keys {
		targets = append(targets, mutation.Target{
			Key: k,
			Apply: mutation.ApplyJSON(func(list []api.Workout) ([]api.Workout, error) {
				out := make([]api.Workout, 0, len(list))
				for _, cur := range list {
					if cur.ID != id {
						out = append(out, cur)
					}
				}
				return out, nil
			}),
		})
	}

	_, err = s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.WorkoutDelete,
		Payload: invalidation.Payload{Date: d, WorkoutID: id},
		Targets: targets,
		Send: sendNothing(func(ctx context.Context) error {
			return s.api.DeleteWorkout(ctx, id)
		}),
	})
	return err
}

// EstimateWorkout asks the server for a calorie estimate. Nothing is cached.
func (s *Service) EstimateWorkout(ctx context.Context, in api.EstimateInput) (api.WorkoutEstimate, error) {
	if err := validate.Struct(in); err != nil {
		return api.WorkoutEstimate{}, fmt.Errorf("invalid estimate request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, core.RequestTimeout)
	defer cancel()
	return s.api.EstimateWorkout(ctx, in)
}

// PhotoResult is the outcome of one photo upload. Uploads succeed or fail
// independently of each other and of the metrics they belong to.
type PhotoResult struct {
	FileName string
	Photo    api.ProgressPhoto
	Err      error
}

// SaveResult is the outcome of SaveBodyMetrics.
type SaveResult struct {
	Metrics api.BodyMetrics
	Created bool
	Photos  []PhotoResult
}

// FailedPhotos counts uploads that did not succeed.
func (r SaveResult) FailedPhotos() int {
	n := 0
	for _, p := range r.Photos {
		if p.Err != nil {
			n++
		}
	}
	return n
}

func mergeMetrics(b api.BodyMetrics, in api.BodyMetricsInput) api.BodyMetrics {
	b.Date = in.Date
	if in.Weight != nil {
		b.Weight = in.Weight
	}
	if in.BodyFat != nil {
		b.BodyFat = in.BodyFat
	}
	if in.MuscleMass != nil {
		b.MuscleMass = in.MuscleMass
	}
	if in.Waist != nil {
		b.Waist = in.Waist
	}
	if in.Notes != "" {
		b.Notes = in.Notes
	}
	return b
}

// SaveBodyMetrics creates or updates the entry of in.Date, then uploads the
// photos. A failed photo never undoes the saved metrics.
func (s *Service) SaveBodyMetrics(ctx context.Context, in api.BodyMetricsInput, photos []api.PhotoUpload) (SaveResult, error) {
	if err := validate.Struct(in); err != nil {
		return SaveResult{}, fmt.Errorf("invalid body metrics: %w", err)
	}
	d, err := core.ParseDate(in.Date)
	if err != nil {
		return SaveResult{}, err
	}
	existing, err := s.BodyMetrics(ctx, d)
	if err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{Created: existing.Absent}
	typ := invalidation.BodyMetricsUpdate
	sendFn := send(func(ctx context.Context) (api.BodyMetrics, error) {
		return s.api.UpdateBodyMetrics(ctx, d, in)
	})
	if res.Created {
		typ = invalidation.BodyMetricsCreate
		sendFn = send(func(ctx context.Context) (api.BodyMetrics, error) {
			return s.api.CreateBodyMetrics(ctx, in)
		})
	}

	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    typ,
		Payload: invalidation.Payload{Date: d},
		Targets: []mutation.Target{{
			Key: cache.BodyByDateKey(d),
			Apply: mutation.ApplyJSON(func(b api.BodyMetrics) (api.BodyMetrics, error) {
				return mergeMetrics(b, in), nil
			}),
			Reconcile: mutation.Replace,
		}},
		Send: sendFn,
	})
	if err != nil {
		return SaveResult{}, err
	}
	if res.Metrics, err = decodeResponse[api.BodyMetrics](raw); err != nil {
		return SaveResult{}, err
	}

	res.Photos = s.uploadPhotos(ctx, d, photos)
	return res, nil
}

func (s *Service) uploadPhotos(ctx context.Context, d time.Time, photos []api.PhotoUpload) []PhotoResult {
	if len(photos) == 0 {
		return nil
	}
	results := make([]PhotoResult, len(photos))
	var g errgroup.Group
	g.SetLimit(core.PrefetchMaxWorkers)
	for i, p := range photos {
		i, p := i, p
		g.Go(func() error {
			photo, err := s.UploadPhoto(ctx, d, p)
			results[i] = PhotoResult{FileName: p.FileName, Photo: photo, Err: err}
			if err != nil {
				s.logger.Warn("photo upload failed", zap.String("file", p.FileName), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// UploadPhoto attaches one progress photo to the metrics of d.
func (s *Service) UploadPhoto(ctx context.Context, d time.Time, photo api.PhotoUpload) (api.ProgressPhoto, error) {
	if len(photo.Data) == 0 {
		return api.ProgressPhoto{}, errors.New("photo is empty")
	}
	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.PhotoUpload,
		Payload: invalidation.Payload{Date: d},
		Send: send(func(ctx context.Context) (api.ProgressPhoto, error) {
			return s.api.UploadPhoto(ctx, d, photo)
		}),
	})
	if err != nil {
		return api.ProgressPhoto{}, err
	}
	return decodeResponse[api.ProgressPhoto](raw)
}

func (s *Service) DeletePhoto(ctx context.Context, id string, d time.Time) error {
	_, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.PhotoDelete,
		Payload: invalidation.Payload{Date: d, PhotoID: id},
		Targets: []mutation.Target{{
			Key: cache.PhotoListKey(d),
			Apply: mutation.ApplyJSON(func(list []api.ProgressPhoto) ([]api.ProgressPhoto, error) {
				out := make([]api.ProgressPhoto, 0, len(list))
				for _, p := range list {
					if p.ID != id {
						out = append(out, p)
					}
				}
				return out, nil
			}),
		}},
		Send: sendNothing(func(ctx context.Context) error {
			return s.api.DeletePhoto(ctx, id)
		}),
	})
	return err
}

func (s *Service) DeleteBodyMetrics(ctx context.Context, d time.Time) error {
	_, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.BodyMetricsDelete,
		Payload: invalidation.Payload{Date: d},
		Targets: []mutation.Target{{Key: cache.BodyByDateKey(d)}},
		Send: sendNothing(func(ctx context.Context) error {
			return s.api.DeleteBodyMetrics(ctx, d)
		}),
	})
	return err
}

// UpdateGoals sets the daily nutrition goals. Today's summary reflects the
// new goals right away.
func (s *Service) UpdateGoals(ctx context.Context, goals api.Nutrition) (api.Nutrition, error) {
	today := s.Today()
	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:    invalidation.GoalsUpdate,
		Input:   api.NewGoalsInput(goals),
		Payload: invalidation.Payload{Date: today},
		Targets: s.dayTargets(today, func(d api.DaySummary) (api.DaySummary, error) {
			d.Goals = goals
			d.Remaining = normalize.Remaining(goals, d.Consumed)
			return d, nil
		}),
		Send: send(func(ctx context.Context) (api.Nutrition, error) {
			return s.api.UpdateGoals(ctx, goals)
		}),
	})
	if err != nil {
		return api.Nutrition{}, err
	}
	return decodeResponse[api.Nutrition](raw)
}

// CreateFood adds a custom food to the catalog.
func (s *Service) CreateFood(ctx context.Context, in api.FoodInput) (api.Food, error) {
	raw, err := s.mutations.Execute(ctx, mutation.Mutation{
		Type:  invalidation.FoodCreate,
		Input: in,
		Send: send(func(ctx context.Context) (api.Food, error) {
			return s.api.CreateFood(ctx, in)
		}),
	})
	if err != nil {
		return api.Food{}, err
	}
	return decodeResponse[api.Food](raw)
}
