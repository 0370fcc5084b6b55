package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/colthorp/fitsync-go/internal/core"
)

// FitsyncAPI provides a typed convenience layer over the FitSync REST API.
//
// Read methods return the raw JSON payload: the cache stores responses as
// opaque values and decodes them at the edge. Write methods return the
// decoded authoritative entity.
type FitsyncAPI struct {
	transport Transport
}

// NewFitsyncAPI creates a new high-level API client.
func NewFitsyncAPI(transport Transport) *FitsyncAPI {
	if transport == nil {
		transport = NewClient("", nil)
	}
	return &FitsyncAPI{transport: transport}
}

// Transport returns the underlying transport.
func (a *FitsyncAPI) Transport() Transport {
	return a.transport
}

func (a *FitsyncAPI) get(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	data, err := a.transport.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Params: params})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data), nil
}

func call[T any](ctx context.Context, t Transport, method, endpoint string, body any) (T, error) {
	var zero T
	data, err := t.Do(ctx, Request{Method: method, Endpoint: endpoint, Body: body})
	if err != nil {
		return zero, err
	}
	return Decode[T](data)
}

func (a *FitsyncAPI) exec(ctx context.Context, method, endpoint string) error {
	_, err := a.transport.Do(ctx, Request{Method: method, Endpoint: endpoint})
	return err
}

func rangeParams(start, end time.Time) map[string]string {
	return map[string]string{
		"start": core.FormatDate(start),
		"end":   core.FormatDate(end),
	}
}

func seg(id string) string {
	return url.PathEscape(id)
}

// Days

func (a *FitsyncAPI) Day(ctx context.Context, d time.Time) (json.RawMessage, error) {
	return a.get(ctx, "days/"+core.FormatDate(d), nil)
}

func (a *FitsyncAPI) Today(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "days/today", nil)
}

func (a *FitsyncAPI) DayRange(ctx context.Context, start, end time.Time) (json.RawMessage, error) {
	return a.get(ctx, "days", rangeParams(start, end))
}

func (a *FitsyncAPI) Week(ctx context.Context, d time.Time) (json.RawMessage, error) {
	return a.get(ctx, "days/week/"+core.FormatDate(d), nil)
}

// Meals

func (a *FitsyncAPI) Meal(ctx context.Context, id string) (json.RawMessage, error) {
	return a.get(ctx, "meals/"+seg(id), nil)
}

func (a *FitsyncAPI) Meals(ctx context.Context, d time.Time) (json.RawMessage, error) {
	return a.get(ctx, "meals", map[string]string{"date": core.FormatDate(d)})
}

func (a *FitsyncAPI) CreateMeal(ctx context.Context, in CreateMealInput) (Meal, error) {
	return call[Meal](ctx, a.transport, http.MethodPost, "meals", in)
}

func (a *FitsyncAPI) UpdateMeal(ctx context.Context, id string, in UpdateMealInput) (Meal, error) {
	return call[Meal](ctx, a.transport, http.MethodPatch, "meals/"+seg(id), in)
}

func (a *FitsyncAPI) DeleteMeal(ctx context.Context, id string) error {
	return a.exec(ctx, http.MethodDelete, "meals/"+seg(id))
}

func (a *FitsyncAPI) CopyMeal(ctx context.Context, id string, in CopyMealInput) (Meal, error) {
	return call[Meal](ctx, a.transport, http.MethodPost, fmt.Sprintf("meals/%s/copy", seg(id)), in)
}

func (a *FitsyncAPI) AddMealItem(ctx context.Context, mealID string, item MealItem) (MealItem, error) {
	return call[MealItem](ctx, a.transport, http.MethodPost, fmt.Sprintf("meals/%s/items", seg(mealID)), item)
}

func (a *FitsyncAPI) UpdateMealItem(ctx context.Context, mealID string, item MealItem) (MealItem, error) {
	return call[MealItem](ctx, a.transport, http.MethodPatch, fmt.Sprintf("meals/%s/items/%s", seg(mealID), seg(item.ID)), item)
}

func (a *FitsyncAPI) DeleteMealItem(ctx context.Context, mealID, itemID string) error {
	return a.exec(ctx, http.MethodDelete, fmt.Sprintf("meals/%s/items/%s", seg(mealID), seg(itemID)))
}

// Foods

func (a *FitsyncAPI) SearchFoods(ctx context.Context, query string) (json.RawMessage, error) {
	return a.get(ctx, "foods/search", map[string]string{"q": query})
}

func (a *FitsyncAPI) RecentFoods(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "foods/recent", nil)
}

func (a *FitsyncAPI) Portions(ctx context.Context, foodID string) (json.RawMessage, error) {
	return a.get(ctx, fmt.Sprintf("foods/%s/portions", seg(foodID)), nil)
}

func (a *FitsyncAPI) Brands(ctx context.Context, query string) (json.RawMessage, error) {
	return a.get(ctx, "brands", map[string]string{"q": query})
}

func (a *FitsyncAPI) CreateFood(ctx context.Context, in FoodInput) (Food, error) {
	return call[Food](ctx, a.transport, http.MethodPost, "foods", in)
}

// Workouts

// Workouts lists workouts in [start, end]; zero times list every workout.
func (a *FitsyncAPI) Workouts(ctx context.Context, start, end time.Time) (json.RawMessage, error) {
	if start.IsZero() || end.IsZero() {
		return a.get(ctx, "workouts", nil)
	}
	return a.get(ctx, "workouts", rangeParams(start, end))
}

func (a *FitsyncAPI) WorkoutStreak(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "workouts/streak", nil)
}

func (a *FitsyncAPI) WorkoutStats(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "workouts/stats", nil)
}

func (a *FitsyncAPI) WeeklyOverview(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "workouts/weekly-overview", nil)
}

func (a *FitsyncAPI) Workout(ctx context.Context, id string) (Workout, error) {
	return call[Workout](ctx, a.transport, http.MethodGet, "workouts/"+seg(id), nil)
}

func (a *FitsyncAPI) CreateWorkout(ctx context.Context, in WorkoutInput) (Workout, error) {
	return call[Workout](ctx, a.transport, http.MethodPost, "workouts", in)
}

func (a *FitsyncAPI) UpdateWorkout(ctx context.Context, id string, in WorkoutInput) (Workout, error) {
	return call[Workout](ctx, a.transport, http.MethodPatch, "workouts/"+seg(id), in)
}

func (a *FitsyncAPI) DeleteWorkout(ctx context.Context, id string) error {
	return a.exec(ctx, http.MethodDelete, "workouts/"+seg(id))
}

// EstimateWorkout asks the server for a calorie estimate. Nothing is stored.
func (a *FitsyncAPI) EstimateWorkout(ctx context.Context, in EstimateInput) (WorkoutEstimate, error) {
	return call[WorkoutEstimate](ctx, a.transport, http.MethodPost, "workouts/estimate", in)
}

// Body metrics

func (a *FitsyncAPI) LatestBodyMetrics(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "body-metrics/latest", nil)
}

func (a *FitsyncAPI) BodyMetricsByDate(ctx context.Context, d time.Time) (json.RawMessage, error) {
	return a.get(ctx, "body-metrics/"+core.FormatDate(d), nil)
}

func (a *FitsyncAPI) BodyMetricsList(ctx context.Context, start, end time.Time) (json.RawMessage, error) {
	return a.get(ctx, "body-metrics", rangeParams(start, end))
}

func (a *FitsyncAPI) BodyTrends(ctx context.Context, window string) (json.RawMessage, error) {
	return a.get(ctx, "body-metrics/trends", map[string]string{"window": window})
}

func (a *FitsyncAPI) Photos(ctx context.Context, d time.Time) (json.RawMessage, error) {
	return a.get(ctx, fmt.Sprintf("body-metrics/%s/photos", core.FormatDate(d)), nil)
}

func (a *FitsyncAPI) CreateBodyMetrics(ctx context.Context, in BodyMetricsInput) (BodyMetrics, error) {
	return call[BodyMetrics](ctx, a.transport, http.MethodPost, "body-metrics", in)
}

func (a *FitsyncAPI) UpdateBodyMetrics(ctx context.Context, d time.Time, in BodyMetricsInput) (BodyMetrics, error) {
	return call[BodyMetrics](ctx, a.transport, http.MethodPatch, "body-metrics/"+core.FormatDate(d), in)
}

func (a *FitsyncAPI) DeleteBodyMetrics(ctx context.Context, d time.Time) error {
	return a.exec(ctx, http.MethodDelete, "body-metrics/"+core.FormatDate(d))
}

// UploadPhoto attaches one progress photo to the metrics entry for d.
func (a *FitsyncAPI) UploadPhoto(ctx context.Context, d time.Time, photo PhotoUpload) (ProgressPhoto, error) {
	data, err := a.transport.Do(ctx, Request{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("body-metrics/%s/photos", core.FormatDate(d)),
		Upload:   &photo,
	})
	if err != nil {
		return ProgressPhoto{}, err
	}
	return Decode[ProgressPhoto](data)
}

func (a *FitsyncAPI) DeletePhoto(ctx context.Context, id string) error {
	return a.exec(ctx, http.MethodDelete, "progress-photos/"+seg(id))
}

// Analytics

// Analytics fetches one series: weight, body-composition, calories or macros.
func (a *FitsyncAPI) Analytics(ctx context.Context, kind string, start, end time.Time) (json.RawMessage, error) {
	return a.get(ctx, "analytics/"+seg(kind), rangeParams(start, end))
}

func (a *FitsyncAPI) Dashboard(ctx context.Context) (json.RawMessage, error) {
	return a.get(ctx, "analytics/dashboard", nil)
}

// Goals

func (a *FitsyncAPI) UpdateGoals(ctx context.Context, goals Nutrition) (Nutrition, error) {
	return call[Nutrition](ctx, a.transport, http.MethodPatch, "goals", goals)
}
