package output

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/normalize"
)

func TestStreamJSON(t *testing.T) {
	ch := make(chan api.WorkoutStreak, 2)
	ch <- api.WorkoutStreak{Current: 3, Longest: 5}
	ch <- api.WorkoutStreak{Current: 0, Longest: 5}
	close(ch)

	var buf bytes.Buffer
	require.NoError(t, StreamJSON(&buf, ch))
	assert.JSONEq(t, `[{"current":3,"longest":5},{"current":0,"longest":5}]`, buf.String())

	empty := make(chan int)
	close(empty)
	buf.Reset()
	require.NoError(t, StreamJSON(&buf, empty))
	assert.Equal(t, "[]\n", buf.String())
}

func TestPrintDay(t *testing.T) {
	weight := 81.3
	day := api.DaySummary{
		Date:     "2024-07-15",
		Goals:    api.Nutrition{Calories: 2000, Protein: 150, Carbs: 200, Fat: 65},
		Consumed: api.Nutrition{Calories: 450, Protein: 30},
		Meals: []api.MealSummary{
			{ID: "meal_1", MealType: api.MealLunch, ItemCount: 1, Totals: api.Nutrition{Calories: 450}},
		},
		BodyMetrics: &api.BodyMetrics{Date: "2024-07-15", Weight: &weight},
	}

	var buf bytes.Buffer
	PrintDay(&buf, day, normalize.Pound)
	out := buf.String()

	assert.Contains(t, out, "## 2024-07-15")
	assert.Contains(t, out, "| Calories | 450 kcal | 2000 kcal | 1550 |")
	assert.Contains(t, out, "23%")
	assert.Contains(t, out, "- Lunch: 1 items, 450 kcal")
	assert.Contains(t, out, "Weight: 179.2 lb")
}

func TestFreshness(t *testing.T) {
	at := time.Date(2024, 7, 15, 9, 30, 0, 0, time.Local)
	assert.Empty(t, Freshness(cache.StatusFresh, at, nil))
	assert.Contains(t, Freshness(cache.StatusStale, at, nil), "09:30")
	assert.Contains(t, Freshness(cache.StatusError, at, api.ErrTimeout), "timed out")
	assert.Contains(t, Freshness(cache.StatusError, at, errors.New("boom")), "boom")
}

func TestPrintSeriesEmpty(t *testing.T) {
	var buf bytes.Buffer
	PrintSeries(&buf, api.AnalyticsSeries{Kind: "weight", Start: "2024-07-01", End: "2024-07-15"})
	assert.Contains(t, buf.String(), "No data.")
}
