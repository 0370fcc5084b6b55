package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
)

// Day returns the summary of one calendar date.
func (s *Service) Day(ctx context.Context, d time.Time) (View[api.DaySummary], error) {
	return read[api.DaySummary](ctx, s, cache.DayKey(d), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Day(ctx, d)
	})
}

func (s *Service) todayLoader(ctx context.Context) (json.RawMessage, error) {
	return s.api.Today(ctx)
}

// TodaySummary returns today's summary as the server computes it.
func (s *Service) TodaySummary(ctx context.Context) (View[api.DaySummary], error) {
	return read[api.DaySummary](ctx, s, cache.TodayKey(), s.todayLoader)
}

// WatchToday calls fn with today's summary whenever it changes, and keeps it
// polled while watched. The returned function stops watching.
func (s *Service) WatchToday(ctx context.Context, fn func(View[api.DaySummary])) func() {
	return s.queries.Watch(ctx, cache.TodayKey(), s.todayLoader, func(e cache.Entry) {
		v, err := entryView[api.DaySummary](e)
		if err != nil {
			v.Err = err
		}
		fn(v)
	})
}

func (s *Service) DayRange(ctx context.Context, start, end time.Time) (View[[]api.DaySummary], error) {
	return read[[]api.DaySummary](ctx, s, cache.DayRangeKey(start, end), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.DayRange(ctx, start, end)
	})
}

// Week returns the Monday..Sunday week containing d.
func (s *Service) Week(ctx context.Context, d time.Time) (View[api.WeekSummary], error) {
	return read[api.WeekSummary](ctx, s, cache.WeekKey(d), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Week(ctx, d)
	})
}

func (s *Service) Meal(ctx context.Context, id string) (View[api.Meal], error) {
	return read[api.Meal](ctx, s, cache.MealKey(id), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Meal(ctx, id)
	})
}

// Meals lists the meals logged on d.
func (s *Service) Meals(ctx context.Context, d time.Time) (View[[]api.Meal], error) {
	return read[[]api.Meal](ctx, s, cache.MealListKey(d), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Meals(ctx, d)
	})
}

// Workouts lists workouts in [start, end]. Zero bounds list every workout.
func (s *Service) Workouts(ctx context.Context, start, end time.Time) (View[[]api.Workout], error) {
	return read[[]api.Workout](ctx, s, cache.WorkoutListKey(start, end), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Workouts(ctx, start, end)
	})
}

func (s *Service) WorkoutStreak(ctx context.Context) (View[api.WorkoutStreak], error) {
	return read[api.WorkoutStreak](ctx, s, cache.WorkoutStreakKey(), s.api.WorkoutStreak)
}

func (s *Service) WorkoutStats(ctx context.Context) (View[api.WorkoutStats], error) {
	return read[api.WorkoutStats](ctx, s, cache.WorkoutStatsKey(), s.api.WorkoutStats)
}

func (s *Service) WeeklyOverview(ctx context.Context) (View[api.WeeklyOverview], error) {
	return read[api.WeeklyOverview](ctx, s, cache.WorkoutWeeklyKey(), s.api.WeeklyOverview)
}

// LatestBodyMetrics is Absent when nothing was ever recorded.
func (s *Service) LatestBodyMetrics(ctx context.Context) (View[api.BodyMetrics], error) {
	return read[api.BodyMetrics](ctx, s, cache.BodyLatestKey(), s.api.LatestBodyMetrics)
}

// BodyMetrics returns the entry of date d, Absent when there is none.
func (s *Service) BodyMetrics(ctx context.Context, d time.Time) (View[api.BodyMetrics], error) {
	return read[api.BodyMetrics](ctx, s, cache.BodyByDateKey(d), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.BodyMetricsByDate(ctx, d)
	})
}

func (s *Service) BodyMetricsList(ctx context.Context, start, end time.Time) (View[[]api.BodyMetrics], error) {
	return read[[]api.BodyMetrics](ctx, s, cache.BodyListKey(start, end), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.BodyMetricsList(ctx, start, end)
	})
}

// BodyTrends returns the weight trend over window ("30d", "90d", ...).
func (s *Service) BodyTrends(ctx context.Context, window string) (View[api.AnalyticsSeries], error) {
	return read[api.AnalyticsSeries](ctx, s, cache.BodyTrendsKey(window), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.BodyTrends(ctx, window)
	})
}

func (s *Service) Photos(ctx context.Context, d time.Time) (View[[]api.ProgressPhoto], error) {
	return read[[]api.ProgressPhoto](ctx, s, cache.PhotoListKey(d), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Photos(ctx, d)
	})
}

// Analytics returns a server-computed series of kind over [start, end].
func (s *Service) Analytics(ctx context.Context, kind string, start, end time.Time) (View[api.AnalyticsSeries], error) {
	return read[api.AnalyticsSeries](ctx, s, cache.AnalyticsKey(kind, start, end), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Analytics(ctx, kind, start, end)
	})
}

func (s *Service) Dashboard(ctx context.Context) (View[api.Dashboard], error) {
	return read[api.Dashboard](ctx, s, cache.DashboardKey(), s.api.Dashboard)
}

func (s *Service) SearchFoods(ctx context.Context, query string) (View[[]api.Food], error) {
	return read[[]api.Food](ctx, s, cache.FoodSearchKey(query), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.SearchFoods(ctx, query)
	})
}

func (s *Service) RecentFoods(ctx context.Context) (View[[]api.Food], error) {
	return read[[]api.Food](ctx, s, cache.FoodRecentKey(), s.api.RecentFoods)
}

func (s *Service) Portions(ctx context.Context, foodID string) (View[[]api.Portion], error) {
	return read[[]api.Portion](ctx, s, cache.FoodPortionsKey(foodID), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Portions(ctx, foodID)
	})
}

func (s *Service) Brands(ctx context.Context, query string) (View[[]api.Brand], error) {
	return read[[]api.Brand](ctx, s, cache.BrandSearchKey(query), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.Brands(ctx, query)
	})
}

// mealDate resolves the date of a meal through the cache.
func (s *Service) mealDate(ctx context.Context, mealID string) (api.Meal, time.Time, error) {
	v, err := s.Meal(ctx, mealID)
	if err != nil {
		return api.Meal{}, time.Time{}, err
	}
	if v.Absent {
		return api.Meal{}, time.Time{}, &api.APIError{StatusCode: http.StatusNotFound, Message: "meal " + mealID + " not found"}
	}
	d, err := core.ParseDate(v.Value.Date)
	if err != nil {
		return api.Meal{}, time.Time{}, err
	}
	return v.Value, d, nil
}
