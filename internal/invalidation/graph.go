// Package invalidation maps every mutation type to the cache keys its success
// makes outdated, and marks those keys stale.
package invalidation

import (
	"fmt"
	"sort"
	"time"

	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
)

// MutationType tags a kind of write.
type MutationType string

const (
	MealItemAdd    MutationType = "meal_item.add"
	MealItemUpdate MutationType = "meal_item.update"
	MealItemDelete MutationType = "meal_item.delete"

	MealCreate MutationType = "meal.create"
	MealUpdate MutationType = "meal.update"
	MealDelete MutationType = "meal.delete"
	MealCopy   MutationType = "meal.copy"

	BodyMetricsCreate MutationType = "body_metrics.create"
	BodyMetricsUpdate MutationType = "body_metrics.update"
	BodyMetricsDelete MutationType = "body_metrics.delete"

	PhotoUpload MutationType = "progress_photo.upload"
	PhotoDelete MutationType = "progress_photo.delete"

	WorkoutCreate MutationType = "workout.create"
	WorkoutUpdate MutationType = "workout.update"
	WorkoutDelete MutationType = "workout.delete"

	GoalsUpdate MutationType = "goals.update"
	FoodCreate  MutationType = "food.create"
)

// Payload carries the fields of a committed mutation that rules derive keys
// from. Date is the calendar date the mutation touched; PreviousDate is set
// when an update moved an entity from another date.
type Payload struct {
	Date         time.Time
	PreviousDate time.Time
	MealID       string
	ItemID       string
	WorkoutID    string
	PhotoID      string
	FoodID       string
}

func (p Payload) dates() []time.Time {
	var out []time.Time
	if !p.Date.IsZero() {
		out = append(out, core.DateOnly(p.Date))
	}
	if !p.PreviousDate.IsZero() && !core.DateOnly(p.PreviousDate).Equal(core.DateOnly(p.Date)) {
		out = append(out, core.DateOnly(p.PreviousDate))
	}
	return out
}

type selectorKind int

const (
	selectExact selectorKind = iota
	selectPrefix
	selectRange
)

// Selector matches cache keys: one exact key, every key of a resource type,
// or every ranged key of a type whose interval contains a date.
type Selector struct {
	kind selectorKind
	key  cache.Key
	typ  cache.ResourceType
	date time.Time
}

func Exact(key cache.Key) Selector {
	return Selector{kind: selectExact, key: key, typ: key.Type}
}

func Prefix(t cache.ResourceType) Selector {
	return Selector{kind: selectPrefix, typ: t}
}

func RangeContains(t cache.ResourceType, d time.Time) Selector {
	return Selector{kind: selectRange, typ: t, date: core.DateOnly(d)}
}

// Matches reports whether key is selected.
func (s Selector) Matches(key cache.Key) bool {
	switch s.kind {
	case selectExact:
		return key.Equal(s.key)
	case selectPrefix:
		return key.Type == s.typ
	case selectRange:
		return key.Type == s.typ && key.Contains(s.date)
	default:
		return false
	}
}

func (s Selector) String() string {
	switch s.kind {
	case selectExact:
		return s.key.String()
	case selectPrefix:
		return string(s.typ) + "/*"
	case selectRange:
		return fmt.Sprintf("%s[∋%s]", s.typ, core.FormatDate(s.date))
	default:
		return "?"
	}
}

// Rule derives the selectors for one mutation. today is the current
// calendar date.
type Rule func(p Payload, today time.Time) []Selector

// Graph is the static table of rules.
type Graph struct {
	rules map[MutationType]Rule
}

// DefaultGraph returns the dependency table for every mutation type.
func DefaultGraph() *Graph {
	return &Graph{rules: map[MutationType]Rule{
		MealItemAdd:    mealItemRule(true),
		MealItemUpdate: mealItemRule(false),
		MealItemDelete: mealItemRule(false),

		MealCreate: mealRule(false),
		MealUpdate: mealRule(true),
		MealDelete: mealRule(true),
		MealCopy:   mealRule(false),

		BodyMetricsCreate: bodyMetricsRule,
		BodyMetricsUpdate: bodyMetricsRule,
		BodyMetricsDelete: bodyMetricsRule,

		PhotoUpload: photoRule,
		PhotoDelete: photoRule,

		WorkoutCreate: workoutRule,
		WorkoutUpdate: workoutRule,
		WorkoutDelete: workoutRule,

		GoalsUpdate: goalsRule,
		FoodCreate:  foodRule,
	}}
}

// Types lists every mutation type with a rule, sorted.
func (g *Graph) Types() []MutationType {
	out := make([]MutationType, 0, len(g.rules))
	for t := range g.rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the selectors for a mutation.
func (g *Graph) Resolve(t MutationType, p Payload, today time.Time) ([]Selector, error) {
	rule, ok := g.rules[t]
	if !ok {
		return nil, fmt.Errorf("unknown mutation type %q", t)
	}
	return rule(p, core.DateOnly(today)), nil
}

// Match resolves the mutation and filters keys down to the selected ones.
func (g *Graph) Match(t MutationType, p Payload, today time.Time, keys []cache.Key) ([]cache.Key, error) {
	selectors, err := g.Resolve(t, p, today)
	if err != nil {
		return nil, err
	}
	var matched []cache.Key
	for _, k := range keys {
		for _, s := range selectors {
			if s.Matches(k) {
				matched = append(matched, k)
				break
			}
		}
	}
	return matched, nil
}

// dayScope covers every aggregate of a single date: its day summary, "today"
// when it is today, and any day range or week containing it.
func dayScope(d, today time.Time) []Selector {
	out := []Selector{
		Exact(cache.DayKey(d)),
		RangeContains(cache.ResourceDayRange, d),
		RangeContains(cache.ResourceWeek, d),
	}
	if d.Equal(today) {
		out = append(out, Exact(cache.TodayKey()))
	}
	if start, end := core.WeekOf(today); core.InRange(d, start, end) {
		out = append(out, Exact(cache.DashboardKey()))
	}
	return out
}

func mealItemRule(recent bool) Rule {
	return func(p Payload, today time.Time) []Selector {
		var out []Selector
		if p.MealID != "" {
			out = append(out, Exact(cache.MealKey(p.MealID)))
		}
		for _, d := range p.dates() {
			out = append(out, Exact(cache.MealListKey(d)), RangeContains(cache.ResourceAnalytics, d))
			out = append(out, dayScope(d, today)...)
		}
		if recent {
			out = append(out, Exact(cache.FoodRecentKey()))
		}
		return out
	}
}

func mealRule(detail bool) Rule {
	return func(p Payload, today time.Time) []Selector {
		var out []Selector
		if detail && p.MealID != "" {
			out = append(out, Exact(cache.MealKey(p.MealID)))
		}
		for _, d := range p.dates() {
			out = append(out, Exact(cache.MealListKey(d)), RangeContains(cache.ResourceAnalytics, d))
			out = append(out, dayScope(d, today)...)
		}
		return out
	}
}

// Trend windows are computed over the whole window server-side, so every
// list and trend key goes.
func bodyMetricsRule(p Payload, today time.Time) []Selector {
	out := []Selector{
		Exact(cache.BodyLatestKey()),
		Prefix(cache.ResourceBodyList),
		Prefix(cache.ResourceBodyTrends),
		Exact(cache.DashboardKey()),
	}
	for _, d := range p.dates() {
		out = append(out, Exact(cache.BodyByDateKey(d)), RangeContains(cache.ResourceAnalytics, d))
		out = append(out, dayScope(d, today)...)
	}
	return out
}

func photoRule(p Payload, today time.Time) []Selector {
	dates := p.dates()
	if len(dates) == 0 {
		return []Selector{Prefix(cache.ResourcePhotoList), Prefix(cache.ResourceBodyByDate), Exact(cache.BodyLatestKey())}
	}
	out := []Selector{Exact(cache.BodyLatestKey())}
	for _, d := range dates {
		out = append(out, Exact(cache.PhotoListKey(d)), Exact(cache.BodyByDateKey(d)))
	}
	return out
}

// Workouts never touch another date's day summary.
func workoutRule(p Payload, today time.Time) []Selector {
	out := []Selector{
		Exact(cache.WorkoutListKey(time.Time{}, time.Time{})),
		Exact(cache.WorkoutStreakKey()),
		Exact(cache.WorkoutStatsKey()),
		Exact(cache.WorkoutWeeklyKey()),
	}
	for _, d := range p.dates() {
		out = append(out, RangeContains(cache.ResourceWorkoutList, d))
		out = append(out, dayScope(d, today)...)
	}
	return out
}

// Goals feed every day's remaining totals.
func goalsRule(Payload, time.Time) []Selector {
	return []Selector{
		Prefix(cache.ResourceDay),
		Prefix(cache.ResourceToday),
		Prefix(cache.ResourceDayRange),
		Prefix(cache.ResourceWeek),
		Prefix(cache.ResourceAnalytics),
		Prefix(cache.ResourceDashboard),
	}
}

func foodRule(Payload, time.Time) []Selector {
	return []Selector{
		Prefix(cache.ResourceFoodSearch),
		Prefix(cache.ResourceBrandSearch),
		Exact(cache.FoodRecentKey()),
	}
}
