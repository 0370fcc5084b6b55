package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/colthorp/fitsync-go/internal/core"
)

// ResourceType names a family of cached resources. It is the first component
// of every Key and the unit of prefix invalidation.
type ResourceType string

const (
	ResourceDay      ResourceType = "day"
	ResourceToday    ResourceType = "today"
	ResourceDayRange ResourceType = "day_range"
	ResourceWeek     ResourceType = "week"

	ResourceMeal     ResourceType = "meal"
	ResourceMealList ResourceType = "meal_list"

	ResourceWorkoutList   ResourceType = "workout_list"
	ResourceWorkoutStreak ResourceType = "workout_streak"
	ResourceWorkoutStats  ResourceType = "workout_stats"
	ResourceWorkoutWeekly ResourceType = "workout_weekly"

	ResourceBodyLatest ResourceType = "body_latest"
	ResourceBodyByDate ResourceType = "body_by_date"
	ResourceBodyList   ResourceType = "body_list"
	ResourceBodyTrends ResourceType = "body_trends"
	ResourcePhotoList  ResourceType = "photo_list"

	ResourceAnalytics ResourceType = "analytics"
	ResourceDashboard ResourceType = "dashboard"

	ResourceFoodSearch   ResourceType = "food_search"
	ResourceFoodRecent   ResourceType = "food_recent"
	ResourceFoodPortions ResourceType = "food_portions"
	ResourceBrandSearch  ResourceType = "brand_search"
)

// Range parameter names shared by every ranged key.
const (
	ParamStart = "start"
	ParamEnd   = "end"
)

// Key identifies one cached resource: a resource type, an optional id and
// optional query parameters. Parameter order is irrelevant; two keys are equal
// iff their canonical strings are equal.
type Key struct {
	Type   ResourceType
	ID     string
	Params map[string]string
}

// NewKey builds a key from alternating parameter names and values.
func NewKey(t ResourceType, id string, params ...string) Key {
	k := Key{Type: t, ID: id}
	if len(params) > 0 {
		k.Params = make(map[string]string, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			k.Params[params[i]] = params[i+1]
		}
	}
	return k
}

// String returns the canonical form type[/id][?k=v...] with sorted params.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Type))
	if k.ID != "" {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(k.ID))
	}
	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteByte('?')
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(k.Params[name]))
		}
	}
	return b.String()
}

// Equal reports whether two keys identify the same resource.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// Param returns a query parameter or "".
func (k Key) Param(name string) string {
	return k.Params[name]
}

// Range returns the [start, end] dates carried by a ranged key.
func (k Key) Range() (time.Time, time.Time, bool) {
	s, e := k.Params[ParamStart], k.Params[ParamEnd]
	if s == "" || e == "" {
		return time.Time{}, time.Time{}, false
	}
	start, err := core.ParseDate(s)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := core.ParseDate(e)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// Contains reports whether a ranged key covers the given date. Keys without a
// range never contain anything.
func (k Key) Contains(d time.Time) bool {
	start, end, ok := k.Range()
	return ok && core.InRange(d, start, end)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty cache key")
	}
	head, query, _ := strings.Cut(s, "?")
	typ, rawID, _ := strings.Cut(head, "/")
	k := Key{Type: ResourceType(typ)}
	if rawID != "" {
		id, err := url.PathUnescape(rawID)
		if err != nil {
			return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
		}
		k.ID = id
	}
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
		}
		k.Params = make(map[string]string, len(values))
		for name, vs := range values {
			if len(vs) > 0 {
				k.Params[name] = vs[0]
			}
		}
	}
	return k, nil
}

// Key constructors for every resource the client reads.

func DayKey(d time.Time) Key { return NewKey(ResourceDay, core.FormatDate(d)) }

func TodayKey() Key { return NewKey(ResourceToday, "") }

func DayRangeKey(start, end time.Time) Key {
	return NewKey(ResourceDayRange, "", ParamStart, core.FormatDate(start), ParamEnd, core.FormatDate(end))
}

// WeekKey is keyed by the Monday of the week but carries the full range so
// that range invalidation can find it.
func WeekKey(d time.Time) Key {
	start, end := core.WeekOf(d)
	return NewKey(ResourceWeek, core.FormatDate(start), ParamStart, core.FormatDate(start), ParamEnd, core.FormatDate(end))
}

func MealKey(id string) Key { return NewKey(ResourceMeal, id) }

func MealListKey(d time.Time) Key { return NewKey(ResourceMealList, core.FormatDate(d)) }

// WorkoutListKey covers [start, end]; zero times produce the unranged list.
func WorkoutListKey(start, end time.Time) Key {
	if start.IsZero() || end.IsZero() {
		return NewKey(ResourceWorkoutList, "")
	}
	return NewKey(ResourceWorkoutList, "", ParamStart, core.FormatDate(start), ParamEnd, core.FormatDate(end))
}

func WorkoutStreakKey() Key { return NewKey(ResourceWorkoutStreak, "") }

func WorkoutStatsKey() Key { return NewKey(ResourceWorkoutStats, "") }

func WorkoutWeeklyKey() Key { return NewKey(ResourceWorkoutWeekly, "") }

func BodyLatestKey() Key { return NewKey(ResourceBodyLatest, "") }

func BodyByDateKey(d time.Time) Key { return NewKey(ResourceBodyByDate, core.FormatDate(d)) }

func BodyListKey(start, end time.Time) Key {
	return NewKey(ResourceBodyList, "", ParamStart, core.FormatDate(start), ParamEnd, core.FormatDate(end))
}

func BodyTrendsKey(window string) Key { return NewKey(ResourceBodyTrends, window) }

func PhotoListKey(d time.Time) Key { return NewKey(ResourcePhotoList, core.FormatDate(d)) }

// AnalyticsKey identifies one analytics series (weight, body-composition,
// calories, macros) over [start, end].
func AnalyticsKey(kind string, start, end time.Time) Key {
	return NewKey(ResourceAnalytics, kind, ParamStart, core.FormatDate(start), ParamEnd, core.FormatDate(end))
}

func DashboardKey() Key { return NewKey(ResourceDashboard, "") }

func FoodSearchKey(query string) Key {
	return NewKey(ResourceFoodSearch, "", "q", strings.ToLower(strings.TrimSpace(query)))
}

func FoodRecentKey() Key { return NewKey(ResourceFoodRecent, "") }

func FoodPortionsKey(foodID string) Key { return NewKey(ResourceFoodPortions, foodID) }

func BrandSearchKey(query string) Key {
	return NewKey(ResourceBrandSearch, "", "q", strings.ToLower(strings.TrimSpace(query)))
}
