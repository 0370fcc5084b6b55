// Package output renders fitsync data as markdown or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/normalize"
)

// StreamJSON writes items as a compact JSON array as they arrive.
func StreamJSON[T any](w io.Writer, items <-chan T) error {
	fmt.Fprint(w, "[")
	first := true
	for item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if !first {
			fmt.Fprint(w, ",")
		}
		w.Write(data)
		first = false
	}
	fmt.Fprintln(w, "]")
	return nil
}

// PrintJSON prints a single item as formatted JSON.
func PrintJSON(w io.Writer, item any) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// Freshness is a one-line note for data that is not Fresh, or "".
func Freshness(status cache.Status, fetchedAt time.Time, lastErr error) string {
	switch status {
	case cache.StatusStale:
		return fmt.Sprintf("_cached %s, refreshing_", fetchedAt.Local().Format("15:04"))
	case cache.StatusError:
		if lastErr != nil {
			return fmt.Sprintf("_showing data from %s; refresh failed: %s_", fetchedAt.Local().Format("15:04"), api.UserMessage(lastErr))
		}
		return "_refresh failed_"
	}
	return ""
}

func num(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

func bar(percent int) string {
	const width = 20
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// PrintProgress renders the macro table of one day.
func PrintProgress(w io.Writer, p normalize.Progress) {
	fmt.Fprintln(w, "| Macro | Consumed | Goal | Remaining | |")
	fmt.Fprintln(w, "|---|---:|---:|---:|---|")
	for _, m := range p.Macros() {
		remaining := num(m.Remaining)
		if m.Over {
			remaining += " (over)"
		}
		fmt.Fprintf(w, "| %s | %s %s | %s %s | %s | %s %d%% |\n",
			m.Name, num(m.Consumed), m.Unit, num(m.Goal), m.Unit, remaining, bar(m.Percent), m.Percent)
	}
	if p.ExerciseCalories > 0 {
		fmt.Fprintf(w, "\nExercise: %s kcal burned, adjusted goal %s kcal\n", num(p.ExerciseCalories), num(p.AdjustedCalories))
	}
}

// PrintDay renders a day summary.
func PrintDay(w io.Writer, day api.DaySummary, weightUnit normalize.Unit) {
	fmt.Fprintf(w, "## %s\n\n", day.Date)
	PrintProgress(w, normalize.ProgressOf(day))

	if len(day.Meals) > 0 {
		fmt.Fprintln(w, "\n### Meals")
		for _, m := range day.Meals {
			cheat := ""
			if m.IsCheatMeal {
				cheat = " (cheat meal)"
			}
			fmt.Fprintf(w, "- %s%s: %d items, %s kcal\n", titleCase(string(m.MealType)), cheat, m.ItemCount, num(m.Totals.Calories))
		}
	}
	if len(day.Workouts) > 0 {
		fmt.Fprintln(w, "\n### Workouts")
		for _, wo := range day.Workouts {
			fmt.Fprintf(w, "- %s: %d min, %s kcal\n", wo.Type, wo.DurationMinutes, num(wo.CaloriesBurned))
		}
	}
	if day.BodyMetrics != nil && day.BodyMetrics.Weight != nil {
		fmt.Fprintf(w, "\nWeight: %s\n", weight(*day.BodyMetrics.Weight, weightUnit))
	}
}

// PrintWeek renders the totals of a week and one line per day.
func PrintWeek(w io.Writer, week api.WeekSummary) {
	fmt.Fprintf(w, "## Week %s – %s\n\n", week.Start, week.End)
	fmt.Fprintln(w, "| Date | kcal | Protein | Carbs | Fat |")
	fmt.Fprintln(w, "|---|---:|---:|---:|---:|")
	for _, d := range week.Days {
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n", d.Date,
			num(d.Consumed.Calories), num(d.Consumed.Protein), num(d.Consumed.Carbs), num(d.Consumed.Fat))
	}
	fmt.Fprintf(w, "\nAverage: %s kcal/day\n", num(week.Average.Calories))
}

// PrintMeal renders a meal with its items.
func PrintMeal(w io.Writer, m api.Meal) {
	fmt.Fprintf(w, "### %s (%s)\n", titleCase(string(m.MealType)), m.ID)
	for _, it := range m.Items {
		n := it.Nutrition()
		fmt.Fprintf(w, "- %s: %s kcal, P %sg C %sg F %sg [%s]\n",
			it.DisplayName(), num(n.Calories), num(n.Protein), num(n.Carbs), num(n.Fat), it.ID)
	}
	fmt.Fprintf(w, "Total: %s kcal\n", num(m.Totals.Calories))
}

func PrintWorkouts(w io.Writer, workouts []api.Workout) {
	if len(workouts) == 0 {
		fmt.Fprintln(w, "No workouts.")
		return
	}
	for _, wo := range workouts {
		name := wo.Type
		if wo.Name != "" {
			name = wo.Name + " (" + wo.Type + ")"
		}
		fmt.Fprintf(w, "- %s %s: %d min, %s kcal [%s]\n", wo.Date, name, wo.DurationMinutes, num(wo.CaloriesBurned), wo.ID)
	}
}

func weight(kg float64, unit normalize.Unit) string {
	v, err := normalize.Convert(kg, normalize.Kilogram, unit)
	if err != nil {
		return num(kg) + " kg"
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}

// PrintBodyMetrics renders one body metrics entry.
func PrintBodyMetrics(w io.Writer, b api.BodyMetrics, weightUnit normalize.Unit) {
	fmt.Fprintf(w, "## Body metrics %s\n\n", b.Date)
	if b.Weight != nil {
		fmt.Fprintf(w, "- Weight: %s\n", weight(*b.Weight, weightUnit))
	}
	if b.BodyFat != nil {
		fmt.Fprintf(w, "- Body fat: %.1f%%\n", *b.BodyFat)
	}
	if b.MuscleMass != nil {
		fmt.Fprintf(w, "- Muscle mass: %s\n", weight(*b.MuscleMass, weightUnit))
	}
	if b.Waist != nil {
		fmt.Fprintf(w, "- Waist: %.1f cm\n", *b.Waist)
	}
	if b.Notes != "" {
		fmt.Fprintf(w, "- Notes: %s\n", b.Notes)
	}
	for _, p := range b.Photos {
		fmt.Fprintf(w, "- Photo %s: %s\n", p.ID, p.URL)
	}
}

// PrintSeries renders an analytics series as a two-column table.
func PrintSeries(w io.Writer, s api.AnalyticsSeries) {
	fmt.Fprintf(w, "## %s %s – %s\n\n", titleCase(s.Kind), s.Start, s.End)
	if len(s.Points) == 0 {
		fmt.Fprintln(w, "No data.")
		return
	}
	fmt.Fprintln(w, "| Date | Value |")
	fmt.Fprintln(w, "|---|---:|")
	for _, p := range s.Points {
		fmt.Fprintf(w, "| %s | %s |\n", p.Date, num(p.Value))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	return strings.ToUpper(s[:1]) + s[1:]
}
