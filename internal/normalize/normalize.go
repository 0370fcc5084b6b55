// Package normalize computes display quantities from cached values. Nothing
// here writes back into the cache or is sent to the server.
package normalize

import (
	"fmt"
	"math"
	"strings"

	"github.com/colthorp/fitsync-go/internal/api"
)

// Remaining is goal minus consumed per macro. It may be negative.
func Remaining(goal, consumed api.Nutrition) api.Nutrition {
	return goal.Sub(consumed)
}

// Percentage is consumed/goal×100, unclamped. A zero goal yields 0.
func Percentage(consumed, goal float64) float64 {
	if goal <= 0 {
		return 0
	}
	return consumed / goal * 100
}

// DisplayPercentage rounds Percentage and clamps it to [0, 100].
func DisplayPercentage(consumed, goal float64) int {
	p := math.Round(Percentage(consumed, goal))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}

// AdjustedGoal adds calories burned by exercise to the calorie goal.
func AdjustedGoal(goal api.Nutrition, exerciseBurned float64) api.Nutrition {
	if exerciseBurned > 0 {
		goal.Calories += exerciseBurned
	}
	return goal
}

// Unit is a display unit.
type Unit string

const (
	Kilogram Unit = "kg"
	Pound    Unit = "lb"
	Stone    Unit = "st"

	Kilocalorie Unit = "kcal"
	Kilojoule   Unit = "kJ"

	Centimeter Unit = "cm"
	Inch       Unit = "in"
)

type dimension int

const (
	mass dimension = iota
	energy
	length
)

// factor is how many canonical units (kg, kcal, cm) one unit is.
var units = map[Unit]struct {
	dim    dimension
	factor float64
}{
	Kilogram:    {mass, 1},
	Pound:       {mass, 0.45359237},
	Stone:       {mass, 6.35029318},
	Kilocalorie: {energy, 1},
	Kilojoule:   {energy, 1 / 4.184},
	Centimeter:  {length, 1},
	Inch:        {length, 2.54},
}

// ParseUnit accepts the unit symbols case-insensitively.
func ParseUnit(s string) (Unit, error) {
	s = strings.TrimSpace(s)
	for u := range units {
		if strings.EqualFold(string(u), s) {
			return u, nil
		}
	}
	switch strings.ToLower(s) {
	case "lbs", "pounds":
		return Pound, nil
	case "kgs", "kilograms":
		return Kilogram, nil
	}
	return "", fmt.Errorf("unknown unit '%s'", s)
}

// Convert converts value between two units of the same dimension.
func Convert(value float64, from, to Unit) (float64, error) {
	f, ok := units[from]
	if !ok {
		return 0, fmt.Errorf("unknown unit '%s'", from)
	}
	t, ok := units[to]
	if !ok {
		return 0, fmt.Errorf("unknown unit '%s'", to)
	}
	if f.dim != t.dim {
		return 0, fmt.Errorf("cannot convert %s to %s", from, to)
	}
	if from == to {
		return value, nil
	}
	return value * f.factor / t.factor, nil
}

// Macro is one row of a progress report.
type Macro struct {
	Name      string
	Unit      Unit
	Goal      float64
	Consumed  float64
	Remaining float64
	// Percent is the display percentage (rounded, clamped).
	Percent int
	Over    bool
}

// Progress is everything needed to render a day's progress.
type Progress struct {
	Date             string
	Calories         Macro
	Protein          Macro
	Carbs            Macro
	Fat              Macro
	ExerciseCalories float64
	AdjustedCalories float64
}

func macro(name string, unit Unit, goal, consumed float64) Macro {
	return Macro{
		Name:      name,
		Unit:      unit,
		Goal:      goal,
		Consumed:  consumed,
		Remaining: goal - consumed,
		Percent:   DisplayPercentage(consumed, goal),
		Over:      goal > 0 && consumed > goal,
	}
}

// ProgressOf derives a Progress from a day summary.
func ProgressOf(day api.DaySummary) Progress {
	remaining := Remaining(day.Goals, day.Consumed)
	p := Progress{
		Date:             day.Date,
		Calories:         macro("Calories", Kilocalorie, day.Goals.Calories, day.Consumed.Calories),
		Protein:          macro("Protein", "g", day.Goals.Protein, day.Consumed.Protein),
		Carbs:            macro("Carbs", "g", day.Goals.Carbs, day.Consumed.Carbs),
		Fat:              macro("Fat", "g", day.Goals.Fat, day.Consumed.Fat),
		ExerciseCalories: day.ExerciseCalories,
		AdjustedCalories: AdjustedGoal(day.Goals, day.ExerciseCalories).Calories,
	}
	p.Calories.Remaining = remaining.Calories
	return p
}

// Macros lists the four rows in display order.
func (p Progress) Macros() []Macro {
	return []Macro{p.Calories, p.Protein, p.Carbs, p.Fat}
}
