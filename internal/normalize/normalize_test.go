package normalize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/fitsync-go/internal/api"
)

func TestDisplayPercentage(t *testing.T) {
	tests := []struct {
		consumed, goal float64
		want           int
	}{
		{450, 2000, 23},
		{0, 2000, 0},
		{2500, 2000, 100},
		{-10, 2000, 0},
		{100, 0, 0},
		{1990, 2000, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayPercentage(tt.consumed, tt.goal), "%v/%v", tt.consumed, tt.goal)
	}
	assert.InDelta(t, 125.0, Percentage(2500, 2000), 1e-9, "stored percentage is not clamped")
}

func TestRemainingAndAdjustedGoal(t *testing.T) {
	goal := api.Nutrition{Calories: 2000, Protein: 150}
	consumed := api.Nutrition{Calories: 450, Protein: 30}

	r := Remaining(goal, consumed)
	assert.Equal(t, 1550.0, r.Calories)
	assert.Equal(t, 120.0, r.Protein)

	adj := AdjustedGoal(goal, 300)
	assert.Equal(t, 2300.0, adj.Calories)
	assert.Equal(t, 2000.0, goal.Calories, "input goal unchanged")
	assert.Equal(t, 2000.0, AdjustedGoal(goal, -50).Calories)
}

func TestConvertRoundTrip(t *testing.T) {
	groups := [][]Unit{
		{Kilogram, Pound, Stone},
		{Kilocalorie, Kilojoule},
		{Centimeter, Inch},
	}
	values := []float64{0, 0.1, 1, 72.5, 81.3, 150, 1234.5678}

	for _, group := range groups {
		for _, u1 := range group {
			for _, u2 := range group {
				for _, w := range values {
					there, err := Convert(w, u1, u2)
					require.NoError(t, err)
					back, err := Convert(there, u2, u1)
					require.NoError(t, err)
					assert.LessOrEqual(t, math.Abs(back-w), 1e-6, "%v %s -> %s -> %s", w, u1, u2, u1)
				}
			}
		}
	}
}

func TestConvertKnownValues(t *testing.T) {
	lb, err := Convert(100, Kilogram, Pound)
	require.NoError(t, err)
	assert.InDelta(t, 220.462, lb, 1e-3)

	kj, err := Convert(100, Kilocalorie, Kilojoule)
	require.NoError(t, err)
	assert.InDelta(t, 418.4, kj, 1e-9)

	in, err := Convert(2.54, Centimeter, Inch)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, in, 1e-12)

	_, err = Convert(1, Kilogram, Inch)
	assert.Error(t, err)
	_, err = Convert(1, "furlong", Inch)
	assert.Error(t, err)
}

func TestParseUnit(t *testing.T) {
	u, err := ParseUnit("LB")
	require.NoError(t, err)
	assert.Equal(t, Pound, u)
	u, err = ParseUnit("kj")
	require.NoError(t, err)
	assert.Equal(t, Kilojoule, u)
	_, err = ParseUnit("parsec")
	assert.Error(t, err)
}

func TestProgressOf(t *testing.T) {
	day := api.DaySummary{
		Date:             "2024-07-15",
		Goals:            api.Nutrition{Calories: 2000, Protein: 150, Carbs: 200, Fat: 65},
		Consumed:         api.Nutrition{Calories: 450, Protein: 160},
		ExerciseCalories: 250,
	}
	p := ProgressOf(day)
	assert.Equal(t, 1550.0, p.Calories.Remaining)
	assert.Equal(t, 23, p.Calories.Percent)
	assert.True(t, p.Protein.Over)
	assert.Equal(t, 100, p.Protein.Percent)
	assert.Equal(t, 2250.0, p.AdjustedCalories)
	assert.Len(t, p.Macros(), 4)
}
