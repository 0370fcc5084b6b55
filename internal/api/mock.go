package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/colthorp/fitsync-go/internal/core"
)

// InMemoryTransport is a lightweight simulation of the FitSync API. It keeps
// meals, workouts and body metrics in memory and aggregates day summaries the
// way the server does, so cache and mutation logic can be tested end to end.
type InMemoryTransport struct {
	mu sync.Mutex

	goals     Nutrition
	meals     map[string]*Meal
	mealSeq   []string
	workouts  map[string]*Workout
	workSeq   []string
	metrics   map[string]*BodyMetrics
	photos    map[string]ProgressPhoto
	foods     []Food
	recent    []string
	nextID    int
	failures  []*failure
	requests  []RequestLogEntry
	latency   time.Duration
	todayFunc func() time.Time

	Verbose bool
}

// RequestLogEntry records a request made to a fake transport.
type RequestLogEntry struct {
	Method   string
	Endpoint string
	Params   map[string]string
}

type failure struct {
	method    string
	prefix    string
	err       error
	remaining int // -1 fails forever
}

// NewInMemoryTransport creates a new in-memory transport for testing.
func NewInMemoryTransport(verbose bool) *InMemoryTransport {
	return &InMemoryTransport{
		goals:     Nutrition{Calories: 2000, Protein: 150, Carbs: 200, Fat: 65},
		meals:     make(map[string]*Meal),
		workouts:  make(map[string]*Workout),
		metrics:   make(map[string]*BodyMetrics),
		photos:    make(map[string]ProgressPhoto),
		todayFunc: func() time.Time { return core.DateOnly(time.Now().UTC()) },
		Verbose:   verbose,
	}
}

// SetToday fixes the server's notion of the current date.
func (t *InMemoryTransport) SetToday(d time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	day := core.DateOnly(d)
	t.todayFunc = func() time.Time { return day }
}

// SetLatency delays every request by d (or until its context ends).
func (t *InMemoryTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// SetGoals replaces the daily goals.
func (t *InMemoryTransport) SetGoals(goals Nutrition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goals = goals
}

// SeedMeal stores a meal, assigning ids where missing, and returns it.
func (t *InMemoryTransport) SeedMeal(m Meal) Meal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.ID == "" {
		m.ID = t.newID("meal")
	}
	items := make([]MealItem, 0, len(m.Items))
	for _, item := range m.Items {
		if item.ID == "" {
			item.ID = t.newID("item")
		}
		items = append(items, item)
	}
	m.Items = items
	m.Totals = sumItems(m.Items)
	t.meals[m.ID] = &m
	t.mealSeq = append(t.mealSeq, m.ID)
	return m
}

// SeedWorkout stores a workout, assigning an id if missing, and returns it.
func (t *InMemoryTransport) SeedWorkout(w Workout) Workout {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.ID == "" {
		w.ID = t.newID("workout")
	}
	t.workouts[w.ID] = &w
	t.workSeq = append(t.workSeq, w.ID)
	return w
}

// SeedBodyMetrics stores a body metrics entry.
func (t *InMemoryTransport) SeedBodyMetrics(b BodyMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics[b.Date] = &b
}

// SeedFood adds foods to the catalog.
func (t *InMemoryTransport) SeedFood(foods ...Food) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range foods {
		if f.ID == "" {
			f.ID = t.newID("food")
		}
		t.foods = append(t.foods, f)
	}
}

// FailNext makes the next request matching method and endpoint prefix fail
// with err. An empty method matches any method.
func (t *InMemoryTransport) FailNext(method, prefix string, err error) {
	t.addFailure(method, prefix, err, 1)
}

// FailAlways makes every matching request fail with err.
func (t *InMemoryTransport) FailAlways(method, prefix string, err error) {
	t.addFailure(method, prefix, err, -1)
}

// ClearFailures removes every injected failure.
func (t *InMemoryTransport) ClearFailures() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = nil
}

func (t *InMemoryTransport) addFailure(method, prefix string, err error, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, &failure{method: method, prefix: prefix, err: err, remaining: n})
}

// RequestLog returns a copy of every request made so far.
func (t *InMemoryTransport) RequestLog() []RequestLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RequestLogEntry, len(t.requests))
	copy(out, t.requests)
	return out
}

// RequestsMade returns the number of requests made to this transport.
func (t *InMemoryTransport) RequestsMade() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// CountRequests returns how many requests hit exactly method and endpoint.
func (t *InMemoryTransport) CountRequests(method, endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.requests {
		if r.Method == method && r.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// Reset clears all stored data, failures and recorded requests.
func (t *InMemoryTransport) Reset() {
	fresh := NewInMemoryTransport(t.Verbose)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goals = fresh.goals
	t.meals, t.mealSeq = fresh.meals, nil
	t.workouts, t.workSeq = fresh.workouts, nil
	t.metrics, t.photos = fresh.metrics, fresh.photos
	t.foods, t.recent = nil, nil
	t.failures, t.requests = nil, nil
}

// Do simulates one API round trip.
func (t *InMemoryTransport) Do(ctx context.Context, req Request) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	t.mu.Lock()
	// Track the call for assertions in unit tests
	t.requests = append(t.requests, RequestLogEntry{
		Method:   method,
		Endpoint: req.Endpoint,
		Params:   copyParams(req.Params),
	})
	latency := t.latency
	injected := t.matchFailure(method, req.Endpoint)
	t.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if injected != nil {
		return nil, injected
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out, err := t.route(method, req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return json.Marshal(out)
}

// matchFailure must be called with the lock held.
func (t *InMemoryTransport) matchFailure(method, endpoint string) error {
	for i, f := range t.failures {
		if f.method != "" && f.method != method {
			continue
		}
		if !strings.HasPrefix(endpoint, f.prefix) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				t.failures = append(t.failures[:i], t.failures[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

func (t *InMemoryTransport) route(method string, req Request) (any, error) {
	parts := splitPath(req.Endpoint)
	if len(parts) == 0 {
		return nil, notFound("endpoint")
	}
	p := req.Params

	switch parts[0] {
	case "days":
		return t.routeDays(method, parts, p)
	case "meals":
		return t.routeMeals(method, parts, req)
	case "foods":
		return t.routeFoods(method, parts, req)
	case "brands":
		return t.brands(p["q"]), nil
	case "workouts":
		return t.routeWorkouts(method, parts, req)
	case "body-metrics":
		return t.routeBodyMetrics(method, parts, req)
	case "progress-photos":
		if method == http.MethodDelete && len(parts) == 2 {
			if _, ok := t.photos[parts[1]]; !ok {
				return nil, notFound("progress photo")
			}
			delete(t.photos, parts[1])
			return nil, nil
		}
	case "analytics":
		return t.routeAnalytics(parts, p)
	case "goals":
		if method == http.MethodPatch {
			goals, err := decodeBody[Nutrition](req.Body)
			if err != nil {
				return nil, err
			}
			if goals.Calories <= 0 {
				return nil, invalid("Calorie goal must be positive")
			}
			t.goals = goals
			return goals, nil
		}
	}
	return nil, notFound("endpoint " + req.Endpoint)
}

// Days

func (t *InMemoryTransport) routeDays(method string, parts []string, p map[string]string) (any, error) {
	if method != http.MethodGet {
		return nil, notAllowed()
	}
	switch {
	case len(parts) == 1:
		start, end, err := parseRange(p)
		if err != nil {
			return nil, err
		}
		days := make([]DaySummary, 0)
		for _, d := range core.DaysBetween(start, end) {
			days = append(days, t.daySummary(core.FormatDate(d)))
		}
		return days, nil
	case len(parts) == 2 && parts[1] == "today":
		return t.daySummary(core.FormatDate(t.todayFunc())), nil
	case len(parts) == 2:
		if _, err := core.ParseDate(parts[1]); err != nil {
			return nil, invalid(err.Error())
		}
		return t.daySummary(parts[1]), nil
	case len(parts) == 3 && parts[1] == "week":
		d, err := core.ParseDate(parts[2])
		if err != nil {
			return nil, invalid(err.Error())
		}
		return t.weekSummary(d), nil
	}
	return nil, notFound("endpoint")
}

func (t *InMemoryTransport) daySummary(date string) DaySummary {
	s := DaySummary{
		Date:     date,
		Goals:    t.goals,
		Meals:    make([]MealSummary, 0),
		Workouts: make([]WorkoutSummary, 0),
	}
	for _, m := range t.mealsOn(date) {
		s.Consumed = s.Consumed.Add(m.Totals)
		s.Meals = append(s.Meals, MealSummary{
			ID:          m.ID,
			MealType:    m.MealType,
			IsCheatMeal: m.IsCheatMeal,
			ItemCount:   len(m.Items),
			Totals:      m.Totals,
		})
	}
	for _, w := range t.workoutsBetween(date, date) {
		s.ExerciseCalories += w.CaloriesBurned
		s.Workouts = append(s.Workouts, WorkoutSummary{
			ID:              w.ID,
			Type:            w.Type,
			DurationMinutes: w.DurationMinutes,
			CaloriesBurned:  w.CaloriesBurned,
		})
	}
	s.Remaining = s.Goals.Sub(s.Consumed)
	if b, ok := t.metrics[date]; ok {
		snapshot := *b
		s.BodyMetrics = &snapshot
	}
	return s
}

func (t *InMemoryTransport) weekSummary(d time.Time) WeekSummary {
	start, end := core.WeekOf(d)
	w := WeekSummary{Start: core.FormatDate(start), End: core.FormatDate(end)}
	for _, day := range core.DaysBetween(start, end) {
		s := t.daySummary(core.FormatDate(day))
		w.Days = append(w.Days, s)
		w.Total = w.Total.Add(s.Consumed)
	}
	w.Average = scale(w.Total, 1.0/7)
	return w
}

// Meals

var mealTypeOrder = map[MealType]int{MealBreakfast: 0, MealLunch: 1, MealDinner: 2, MealSnack: 3}

func (t *InMemoryTransport) mealsOn(date string) []Meal {
	out := make([]Meal, 0)
	for _, id := range t.mealSeq {
		if m, ok := t.meals[id]; ok && m.Date == date {
			out = append(out, cloneMeal(*m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return mealTypeOrder[out[i].MealType] < mealTypeOrder[out[j].MealType]
	})
	return out
}

func (t *InMemoryTransport) routeMeals(method string, parts []string, req Request) (any, error) {
	switch {
	case len(parts) == 1 && method == http.MethodGet:
		date := req.Params["date"]
		if _, err := core.ParseDate(date); err != nil {
			return nil, invalid(err.Error())
		}
		return t.mealsOn(date), nil

	case len(parts) == 1 && method == http.MethodPost:
		in, err := decodeBody[CreateMealInput](req.Body)
		if err != nil {
			return nil, err
		}
		if _, err := core.ParseDate(in.Date); err != nil {
			return nil, invalid(err.Error())
		}
		if _, err := ParseMealType(string(in.MealType)); err != nil {
			return nil, invalid(err.Error())
		}
		m := &Meal{ID: t.newID("meal"), Date: in.Date, MealType: in.MealType, IsCheatMeal: in.IsCheatMeal, Items: []MealItem{}}
		t.meals[m.ID] = m
		t.mealSeq = append(t.mealSeq, m.ID)
		return cloneMeal(*m), nil
	}

	if len(parts) < 2 {
		return nil, notAllowed()
	}
	m, ok := t.meals[parts[1]]
	if !ok {
		return nil, notFound("meal")
	}

	switch {
	case len(parts) == 2 && method == http.MethodGet:
		return cloneMeal(*m), nil

	case len(parts) == 2 && method == http.MethodPatch:
		in, err := decodeBody[UpdateMealInput](req.Body)
		if err != nil {
			return nil, err
		}
		if in.MealType != nil {
			if _, err := ParseMealType(string(*in.MealType)); err != nil {
				return nil, invalid(err.Error())
			}
			m.MealType = *in.MealType
		}
		if in.IsCheatMeal != nil {
			m.IsCheatMeal = *in.IsCheatMeal
		}
		return cloneMeal(*m), nil

	case len(parts) == 2 && method == http.MethodDelete:
		delete(t.meals, m.ID)
		return nil, nil

	case len(parts) == 3 && parts[2] == "copy" && method == http.MethodPost:
		in, err := decodeBody[CopyMealInput](req.Body)
		if err != nil {
			return nil, err
		}
		if _, err := core.ParseDate(in.TargetDate); err != nil {
			return nil, invalid(err.Error())
		}
		dup := cloneMeal(*m)
		dup.ID = t.newID("meal")
		dup.Date = in.TargetDate
		if in.MealType != "" {
			dup.MealType = in.MealType
		}
		for i := range dup.Items {
			dup.Items[i].ID = t.newID("item")
		}
		t.meals[dup.ID] = &dup
		t.mealSeq = append(t.mealSeq, dup.ID)
		return cloneMeal(dup), nil

	case len(parts) == 3 && parts[2] == "items" && method == http.MethodPost:
		item, err := decodeBody[MealItem](req.Body)
		if err != nil {
			return nil, err
		}
		if err := validateItem(item); err != nil {
			return nil, err
		}
		item.ID = t.newID("item")
		m.Items = append(m.Items, item)
		m.Totals = sumItems(m.Items)
		if food, ok := item.Content.(FoodItem); ok && food.FoodID != "" {
			t.touchRecent(food.FoodID)
		}
		return item, nil

	case len(parts) == 4 && parts[2] == "items":
		idx := -1
		for i, it := range m.Items {
			if it.ID == parts[3] {
				idx = i
			}
		}
		if idx < 0 {
			return nil, notFound("meal item")
		}
		switch method {
		case http.MethodPatch:
			item, err := decodeBody[MealItem](req.Body)
			if err != nil {
				return nil, err
			}
			if err := validateItem(item); err != nil {
				return nil, err
			}
			item.ID = parts[3]
			m.Items[idx] = item
			m.Totals = sumItems(m.Items)
			return item, nil
		case http.MethodDelete:
			m.Items = append(m.Items[:idx], m.Items[idx+1:]...)
			m.Totals = sumItems(m.Items)
			return nil, nil
		}
	}
	return nil, notAllowed()
}

func validateItem(item MealItem) error {
	if item.Content == nil {
		return invalid("Meal item type is required")
	}
	if item.Nutrition().Calories < 0 {
		return invalid("Calories cannot be negative")
	}
	return nil
}

// Foods

func (t *InMemoryTransport) routeFoods(method string, parts []string, req Request) (any, error) {
	switch {
	case len(parts) == 1 && method == http.MethodPost:
		in, err := decodeBody[FoodInput](req.Body)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.Name) == "" {
			return nil, invalid("Food name is required")
		}
		f := Food{ID: t.newID("food"), Name: in.Name, Brand: in.Brand, ServingSize: in.ServingSize, Nutrition: in.Nutrition, IsCustom: true}
		t.foods = append(t.foods, f)
		t.touchRecent(f.ID)
		return f, nil
	case len(parts) == 2 && parts[1] == "search":
		q := strings.ToLower(strings.TrimSpace(req.Params["q"]))
		out := make([]Food, 0)
		for _, f := range t.foods {
			if q == "" || strings.Contains(strings.ToLower(f.Name), q) || strings.Contains(strings.ToLower(f.Brand), q) {
				out = append(out, f)
			}
		}
		return out, nil
	case len(parts) == 2 && parts[1] == "recent":
		out := make([]Food, 0, len(t.recent))
		for _, id := range t.recent {
			if f, ok := t.food(id); ok {
				out = append(out, f)
			}
		}
		return out, nil
	case len(parts) == 3 && parts[2] == "portions":
		f, ok := t.food(parts[1])
		if !ok {
			return nil, notFound("food")
		}
		portions := []Portion{{ID: f.ID + "_100g", Label: "100 g", Grams: 100}}
		if f.ServingSize != "" {
			portions = append([]Portion{{ID: f.ID + "_serving", Label: f.ServingSize, Grams: 100}}, portions...)
		}
		return portions, nil
	}
	return nil, notFound("endpoint")
}

func (t *InMemoryTransport) food(id string) (Food, bool) {
	for _, f := range t.foods {
		if f.ID == id {
			return f, true
		}
	}
	return Food{}, false
}

func (t *InMemoryTransport) touchRecent(id string) {
	recent := []string{id}
	for _, r := range t.recent {
		if r != id && len(recent) < 20 {
			recent = append(recent, r)
		}
	}
	t.recent = recent
}

func (t *InMemoryTransport) brands(q string) []Brand {
	q = strings.ToLower(strings.TrimSpace(q))
	seen := map[string]bool{}
	out := make([]Brand, 0)
	for _, f := range t.foods {
		if f.Brand == "" || seen[f.Brand] {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(f.Brand), q) {
			seen[f.Brand] = true
			out = append(out, Brand{ID: strings.ToLower(strings.ReplaceAll(f.Brand, " ", "-")), Name: f.Brand})
		}
	}
	return out
}

// Workouts

func (t *InMemoryTransport) workoutsBetween(start, end string) []Workout {
	out := make([]Workout, 0)
	for _, id := range t.workSeq {
		w, ok := t.workouts[id]
		if !ok {
			continue
		}
		if (start == "" || w.Date >= start) && (end == "" || w.Date <= end) {
			out = append(out, *w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

var metRates = map[string]float64{
	"running":  10,
	"cycling":  8,
	"swimming": 9,
	"strength": 6,
	"walking":  4,
	"yoga":     3,
}

func (t *InMemoryTransport) routeWorkouts(method string, parts []string, req Request) (any, error) {
	switch {
	case len(parts) == 1 && method == http.MethodGet:
		return t.workoutsBetween(req.Params["start"], req.Params["end"]), nil

	case len(parts) == 1 && method == http.MethodPost:
		in, err := decodeBody[WorkoutInput](req.Body)
		if err != nil {
			return nil, err
		}
		if err := validateWorkout(in); err != nil {
			return nil, err
		}
		w := &Workout{ID: t.newID("workout")}
		applyWorkout(w, in)
		t.workouts[w.ID] = w
		t.workSeq = append(t.workSeq, w.ID)
		return *w, nil

	case len(parts) == 2 && parts[1] == "estimate" && method == http.MethodPost:
		in, err := decodeBody[EstimateInput](req.Body)
		if err != nil {
			return nil, err
		}
		if in.DurationMinutes <= 0 {
			return nil, invalid("Duration must be positive")
		}
		rate, ok := metRates[strings.ToLower(in.Type)]
		if !ok {
			rate = 5
		}
		switch strings.ToLower(in.Intensity) {
		case "low":
			rate *= 0.8
		case "high":
			rate *= 1.2
		}
		return WorkoutEstimate{
			Type:            in.Type,
			DurationMinutes: in.DurationMinutes,
			Intensity:       in.Intensity,
			CaloriesBurned:  rate * float64(in.DurationMinutes),
		}, nil

	case len(parts) == 2 && parts[1] == "streak":
		return t.streak(), nil

	case len(parts) == 2 && parts[1] == "stats":
		stats := WorkoutStats{}
		counts := map[string]int{}
		for _, w := range t.workoutsBetween("", "") {
			stats.TotalWorkouts++
			stats.TotalMinutes += w.DurationMinutes
			stats.TotalCalories += w.CaloriesBurned
			counts[w.Type]++
			if w.Date > stats.LastWorkoutDay {
				stats.LastWorkoutDay = w.Date
			}
		}
		for typ, n := range counts {
			if n > counts[stats.FavouriteType] || (n == counts[stats.FavouriteType] && typ < stats.FavouriteType) {
				stats.FavouriteType = typ
			}
		}
		return stats, nil

	case len(parts) == 2 && parts[1] == "weekly-overview":
		start, end := core.WeekOf(t.todayFunc())
		overview := WeeklyOverview{WeekStart: core.FormatDate(start)}
		for _, d := range core.DaysBetween(start, end) {
			date := core.FormatDate(d)
			day := DayActivity{Date: date}
			for _, w := range t.workoutsBetween(date, date) {
				day.Workouts++
				day.Minutes += w.DurationMinutes
				day.CaloriesBurned += w.CaloriesBurned
			}
			overview.Days = append(overview.Days, day)
		}
		return overview, nil

	case len(parts) == 2:
		w, ok := t.workouts[parts[1]]
		if !ok {
			return nil, notFound("workout")
		}
		switch method {
		case http.MethodGet:
			return *w, nil
		case http.MethodPatch:
			in, err := decodeBody[WorkoutInput](req.Body)
			if err != nil {
				return nil, err
			}
			if err := validateWorkout(in); err != nil {
				return nil, err
			}
			applyWorkout(w, in)
			return *w, nil
		case http.MethodDelete:
			delete(t.workouts, w.ID)
			return nil, nil
		}
	}
	return nil, notAllowed()
}

func validateWorkout(in WorkoutInput) error {
	if _, err := core.ParseDate(in.Date); err != nil {
		return invalid(err.Error())
	}
	if strings.TrimSpace(in.Type) == "" {
		return invalid("Workout type is required")
	}
	if in.DurationMinutes < 0 || in.CaloriesBurned < 0 {
		return invalid("Duration and calories cannot be negative")
	}
	return nil
}

func applyWorkout(w *Workout, in WorkoutInput) {
	w.Date = in.Date
	w.Type = in.Type
	w.Name = in.Name
	w.DurationMinutes = in.DurationMinutes
	w.CaloriesBurned = in.CaloriesBurned
	w.Notes = in.Notes
}

func (t *InMemoryTransport) streak() WorkoutStreak {
	active := map[string]bool{}
	for _, w := range t.workoutsBetween("", "") {
		active[w.Date] = true
	}
	s := WorkoutStreak{}
	for d := t.todayFunc(); active[core.FormatDate(d)]; d = d.AddDate(0, 0, -1) {
		s.Current++
	}
	dates := make([]string, 0, len(active))
	for d := range active {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	run := 0
	var prev time.Time
	for _, ds := range dates {
		d, _ := core.ParseDate(ds)
		if run > 0 && d.Sub(prev) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > s.Longest {
			s.Longest = run
		}
		prev = d
	}
	return s
}

// Body metrics

func (t *InMemoryTransport) routeBodyMetrics(method string, parts []string, req Request) (any, error) {
	switch {
	case len(parts) == 1 && method == http.MethodGet:
		start, end, err := parseRange(req.Params)
		if err != nil {
			return nil, err
		}
		out := make([]BodyMetrics, 0)
		for _, d := range core.DaysBetween(start, end) {
			if b, ok := t.metrics[core.FormatDate(d)]; ok {
				out = append(out, t.withPhotos(*b))
			}
		}
		return out, nil

	case len(parts) == 1 && method == http.MethodPost:
		in, err := decodeBody[BodyMetricsInput](req.Body)
		if err != nil {
			return nil, err
		}
		if _, err := core.ParseDate(in.Date); err != nil {
			return nil, invalid(err.Error())
		}
		if _, exists := t.metrics[in.Date]; exists {
			return nil, NewAPIError(http.StatusConflict, []byte(`{"message":"Body metrics already recorded for this date"}`))
		}
		b := &BodyMetrics{Date: in.Date}
		mergeMetrics(b, in)
		t.metrics[in.Date] = b
		return t.withPhotos(*b), nil

	case len(parts) == 2 && parts[1] == "latest":
		latest := ""
		for date := range t.metrics {
			if date > latest {
				latest = date
			}
		}
		if latest == "" {
			return nil, notFound("body metrics")
		}
		return t.withPhotos(*t.metrics[latest]), nil

	case len(parts) == 2 && parts[1] == "trends":
		return t.weightTrend(req.Params["window"])

	case len(parts) == 2:
		b, ok := t.metrics[parts[1]]
		switch method {
		case http.MethodGet:
			if !ok {
				return nil, notFound("body metrics")
			}
			return t.withPhotos(*b), nil
		case http.MethodPatch:
			if !ok {
				return nil, notFound("body metrics")
			}
			in, err := decodeBody[BodyMetricsInput](req.Body)
			if err != nil {
				return nil, err
			}
			mergeMetrics(b, in)
			return t.withPhotos(*b), nil
		case http.MethodDelete:
			if !ok {
				return nil, notFound("body metrics")
			}
			delete(t.metrics, parts[1])
			return nil, nil
		}

	case len(parts) == 3 && parts[2] == "photos":
		date := parts[1]
		switch method {
		case http.MethodGet:
			return t.photosOn(date), nil
		case http.MethodPost:
			if req.Upload == nil || len(req.Upload.Data) == 0 {
				return nil, invalid("Photo is empty")
			}
			p := ProgressPhoto{ID: t.newID("photo"), Date: date, Pose: req.Upload.Pose}
			p.URL = fmt.Sprintf("https://cdn.fitsync.app/photos/%s/%s", p.ID, url.PathEscape(req.Upload.FileName))
			t.photos[p.ID] = p
			return p, nil
		}
	}
	return nil, notAllowed()
}

func mergeMetrics(b *BodyMetrics, in BodyMetricsInput) {
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
}

func (t *InMemoryTransport) photosOn(date string) []ProgressPhoto {
	out := make([]ProgressPhoto, 0)
	for _, p := range t.photos {
		if p.Date == date {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *InMemoryTransport) withPhotos(b BodyMetrics) BodyMetrics {
	if photos := t.photosOn(b.Date); len(photos) > 0 {
		b.Photos = photos
	}
	return b
}

var trendWindows = map[string]int{"7d": 7, "30d": 30, "90d": 90, "1y": 365}

func (t *InMemoryTransport) weightTrend(window string) (any, error) {
	if window == "" {
		window = "30d"
	}
	days, ok := trendWindows[window]
	if !ok {
		return nil, invalid(fmt.Sprintf("Unknown trend window '%s'", window))
	}
	end := t.todayFunc()
	start := end.AddDate(0, 0, -(days - 1))
	series := t.series("weight", start, end, func(date string) (float64, bool) {
		if b, ok := t.metrics[date]; ok && b.Weight != nil {
			return *b.Weight, true
		}
		return 0, false
	})
	series.Kind = "weight-trend-" + window
	return series, nil
}

// Analytics

func (t *InMemoryTransport) routeAnalytics(parts []string, p map[string]string) (any, error) {
	if len(parts) != 2 {
		return nil, notFound("endpoint")
	}
	if parts[1] == "dashboard" {
		today := t.todayFunc()
		d := Dashboard{
			Today:  t.daySummary(core.FormatDate(today)),
			Streak: t.streak(),
		}
		latest := ""
		for date, b := range t.metrics {
			if date > latest && b.Weight != nil {
				latest = date
				w := *b.Weight
				d.LatestWeight = &w
			}
		}
		d.WeekAverage = t.weekSummary(today).Average
		return d, nil
	}

	start, end, err := parseRange(p)
	if err != nil {
		return nil, err
	}
	switch parts[1] {
	case "weight":
		return t.series("weight", start, end, func(date string) (float64, bool) {
			if b, ok := t.metrics[date]; ok && b.Weight != nil {
				return *b.Weight, true
			}
			return 0, false
		}), nil
	case "body-composition":
		return t.series("body-composition", start, end, func(date string) (float64, bool) {
			if b, ok := t.metrics[date]; ok && b.BodyFat != nil {
				return *b.BodyFat, true
			}
			return 0, false
		}), nil
	case "calories":
		return t.series("calories", start, end, func(date string) (float64, bool) {
			return t.daySummary(date).Consumed.Calories, true
		}), nil
	case "macros":
		var total Nutrition
		n := 0
		s := t.series("macros", start, end, func(date string) (float64, bool) {
			c := t.daySummary(date).Consumed
			total = total.Add(c)
			n++
			return c.Protein, true
		})
		if n > 0 {
			avg := scale(total, 1/float64(n))
			s.Summary = map[string]float64{"protein": avg.Protein, "carbs": avg.Carbs, "fat": avg.Fat}
		}
		return s, nil
	}
	return nil, notFound("analytics series")
}

func (t *InMemoryTransport) series(kind string, start, end time.Time, value func(date string) (float64, bool)) AnalyticsSeries {
	s := AnalyticsSeries{Kind: kind, Start: core.FormatDate(start), End: core.FormatDate(end), Points: []TrendPoint{}}
	sum := 0.0
	for _, d := range core.DaysBetween(start, end) {
		date := core.FormatDate(d)
		if v, ok := value(date); ok {
			s.Points = append(s.Points, TrendPoint{Date: date, Value: v})
			sum += v
		}
	}
	if n := len(s.Points); n > 0 {
		s.Summary = map[string]float64{
			"average": sum / float64(n),
			"change":  s.Points[n-1].Value - s.Points[0].Value,
		}
	}
	return s
}

// helpers

func (t *InMemoryTransport) newID(prefix string) string {
	t.nextID++
	return fmt.Sprintf("%s_%d", prefix, t.nextID)
}

func splitPath(endpoint string) []string {
	raw := strings.Split(strings.Trim(endpoint, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		if s, err := url.PathUnescape(r); err == nil {
			r = s
		}
		parts = append(parts, r)
	}
	return parts
}

func parseRange(p map[string]string) (time.Time, time.Time, error) {
	start, err := core.ParseDate(p["start"])
	if err != nil {
		return time.Time{}, time.Time{}, invalid(err.Error())
	}
	end, err := core.ParseDate(p["end"])
	if err != nil {
		return time.Time{}, time.Time{}, invalid(err.Error())
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, invalid("End date is before start date")
	}
	return start, end, nil
}

// decodeBody round-trips a request body through JSON like a real server.
func decodeBody[T any](body any) (T, error) {
	var out T
	data, err := json.Marshal(body)
	if err != nil {
		return out, invalid(err.Error())
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, invalid(err.Error())
	}
	return out, nil
}

func sumItems(items []MealItem) Nutrition {
	var total Nutrition
	for _, item := range items {
		total = total.Add(item.Nutrition())
	}
	return total
}

func scale(n Nutrition, f float64) Nutrition {
	return Nutrition{
		Calories: n.Calories * f,
		Protein:  n.Protein * f,
		Carbs:    n.Carbs * f,
		Fat:      n.Fat * f,
		Fiber:    n.Fiber * f,
	}
}

func cloneMeal(m Meal) Meal {
	items := make([]MealItem, len(m.Items))
	copy(items, m.Items)
	m.Items = items
	return m
}

func notFound(what string) error {
	return NewAPIError(http.StatusNotFound, []byte(fmt.Sprintf(`{"message":%q}`, what+" not found")))
}

func invalid(msg string) error {
	return NewAPIError(http.StatusUnprocessableEntity, []byte(fmt.Sprintf(`{"message":%q}`, msg)))
}

func notAllowed() error {
	return NewAPIError(http.StatusMethodNotAllowed, []byte(`{"message":"method not allowed"}`))
}

// copyParams creates a copy of the params map.
func copyParams(params map[string]string) map[string]string {
	result := make(map[string]string)
	for k, v := range params {
		result[k] = v
	}
	return result
}

// MockTransport is a fixture-driven fake suitable for deterministic unit
// tests. Responses are keyed by "METHOD endpoint".
type MockTransport struct {
	mu         sync.Mutex
	Fixtures   map[string]json.RawMessage
	Errors     map[string]error
	RequestLog []RequestLogEntry
}

// NewMockTransport creates a new mock transport with the given fixtures.
func NewMockTransport(fixtures map[string]json.RawMessage) *MockTransport {
	if fixtures == nil {
		fixtures = make(map[string]json.RawMessage)
	}
	return &MockTransport{
		Fixtures:   fixtures,
		Errors:     make(map[string]error),
		RequestLog: make([]RequestLogEntry, 0),
	}
}

// Do returns the fixture or error registered for the request, or a 404.
func (t *MockTransport) Do(ctx context.Context, req Request) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.RequestLog = append(t.RequestLog, RequestLogEntry{
		Method:   method,
		Endpoint: req.Endpoint,
		Params:   copyParams(req.Params),
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := method + " " + req.Endpoint
	if err, ok := t.Errors[key]; ok {
		return nil, err
	}
	if body, ok := t.Fixtures[key]; ok {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	return nil, notFound(req.Endpoint)
}
