package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/normalize"
	"github.com/colthorp/fitsync-go/internal/output"
	"github.com/colthorp/fitsync-go/internal/service"
)

func init() {
	rootCmd.AddCommand(mealCmd)
	rootCmd.AddCommand(workoutCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(goalsCmd)
	rootCmd.AddCommand(foodCmd)

	mealCmd.AddCommand(mealListCmd, mealCreateCmd, mealAddItemCmd, mealLogCmd, mealDeleteItemCmd, mealDeleteCmd, mealCopyCmd)
	workoutCmd.AddCommand(workoutListCmd, workoutAddCmd, workoutDeleteCmd, workoutEstimateCmd, workoutStreakCmd)
	metricsCmd.AddCommand(metricsGetCmd, metricsSaveCmd, metricsDeleteCmd)
	goalsCmd.AddCommand(goalsSetCmd)
	foodCmd.AddCommand(foodSearchCmd, foodCreateCmd)

	mealCreateCmd.Flags().String("date", "today", "Date spec")
	mealCreateCmd.Flags().String("type", "", "Meal type: breakfast, lunch, dinner or snack")
	mealCreateCmd.Flags().Bool("cheat", false, "Mark as cheat meal")
	mealCreateCmd.MarkFlagRequired("type")

	nutritionFlags(mealAddItemCmd.Flags())
	mealAddItemCmd.Flags().String("name", "", "Item name")
	mealAddItemCmd.Flags().String("food-id", "", "Catalog food id; nutrition flags are per serving")
	mealAddItemCmd.Flags().Float64("servings", 1, "Servings of the food")

	nutritionFlags(mealLogCmd.Flags())
	mealLogCmd.Flags().String("date", "today", "Date spec")
	mealLogCmd.Flags().String("type", "", "Meal type: breakfast, lunch, dinner or snack")
	mealLogCmd.Flags().String("name", "", "Entry name")
	mealLogCmd.MarkFlagRequired("type")

	mealCopyCmd.Flags().String("to", "today", "Target date spec")
	mealCopyCmd.Flags().String("type", "", "Meal type on the target date (default: same)")

	workoutListCmd.Flags().String("period", "this-week", "Named period, or \"all\"")
	workoutAddCmd.Flags().String("date", "today", "Date spec")
	workoutAddCmd.Flags().String("type", "", "Workout type (running, strength, ...)")
	workoutAddCmd.Flags().String("name", "", "Display name")
	workoutAddCmd.Flags().Int("minutes", 0, "Duration in minutes")
	workoutAddCmd.Flags().Float64("kcal", 0, "Calories burned")
	workoutAddCmd.Flags().String("notes", "", "Notes")
	workoutAddCmd.MarkFlagRequired("type")
	workoutEstimateCmd.Flags().String("type", "", "Workout type")
	workoutEstimateCmd.Flags().Int("minutes", 0, "Duration in minutes")
	workoutEstimateCmd.Flags().String("intensity", "", "low, moderate or high")
	workoutEstimateCmd.MarkFlagRequired("type")

	metricsSaveCmd.Flags().String("date", "today", "Date spec")
	metricsSaveCmd.Flags().Float64("weight", 0, "Body weight in --unit")
	metricsSaveCmd.Flags().Float64("body-fat", 0, "Body fat percentage")
	metricsSaveCmd.Flags().Float64("waist", 0, "Waist in cm")
	metricsSaveCmd.Flags().String("notes", "", "Notes")
	metricsSaveCmd.Flags().StringArray("photo", nil, "Progress photo file (repeatable)")

	nutritionFlags(goalsSetCmd.Flags())

	nutritionFlags(foodCreateCmd.Flags())
	foodCreateCmd.Flags().String("brand", "", "Brand")
	foodCreateCmd.Flags().String("serving", "", "Serving size label")
}

func nutritionFlags(fs *pflag.FlagSet) {
	fs.Float64("kcal", 0, "Calories")
	fs.Float64("protein", 0, "Protein in grams")
	fs.Float64("carbs", 0, "Carbohydrates in grams")
	fs.Float64("fat", 0, "Fat in grams")
}

func nutritionFrom(cmd *cobra.Command) api.Nutrition {
	var n api.Nutrition
	n.Calories, _ = cmd.Flags().GetFloat64("kcal")
	n.Protein, _ = cmd.Flags().GetFloat64("protein")
	n.Carbs, _ = cmd.Flags().GetFloat64("carbs")
	n.Fat, _ = cmd.Flags().GetFloat64("fat")
	return n
}

func dateFlag(cmd *cobra.Command, a *app, name string) (time.Time, error) {
	spec, _ := cmd.Flags().GetString(name)
	return core.ParseDateSpec(spec, a.loc)
}

func optionalDate(args []string, a *app) (time.Time, error) {
	spec := ""
	if len(args) > 0 {
		spec = args[0]
	}
	return core.ParseDateSpec(spec, a.loc)
}

func done(a *app, result any, msg string) error {
	if raw {
		return output.PrintJSON(a.out, result)
	}
	fmt.Fprintln(a.out, msg)
	return nil
}

// Meals

var mealCmd = &cobra.Command{Use: "meal", Short: "Manage meals and their items"}

var mealListCmd = &cobra.Command{
	Use:   "list [date_spec]",
	Short: "List the meals of a day",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := optionalDate(args, a)
		if err != nil {
			return err
		}
		v, err := a.svc.Meals(cmd.Context(), d)
		if err != nil {
			return err
		}
		note(v)
		if raw {
			return output.PrintJSON(a.out, v.Value)
		}
		if len(v.Value) == 0 {
			fmt.Fprintln(a.out, "No meals.")
		}
		for _, m := range v.Value {
			output.PrintMeal(a.out, m)
			fmt.Fprintln(a.out)
		}
		return nil
	},
}

var mealCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty meal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := dateFlag(cmd, a, "date")
		if err != nil {
			return err
		}
		typeStr, _ := cmd.Flags().GetString("type")
		mt, err := api.ParseMealType(typeStr)
		if err != nil {
			return err
		}
		cheat, _ := cmd.Flags().GetBool("cheat")

		m, err := a.svc.CreateMeal(cmd.Context(), api.CreateMealInput{Date: core.FormatDate(d), MealType: mt, IsCheatMeal: cheat})
		if err != nil {
			return err
		}
		return done(a, m, fmt.Sprintf("Created meal %s.", m.ID))
	},
}

var mealAddItemCmd = &cobra.Command{
	Use:   "add-item [meal_id]",
	Short: "Add a food or quick entry to a meal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		name, _ := cmd.Flags().GetString("name")
		foodID, _ := cmd.Flags().GetString("food-id")
		n := nutritionFrom(cmd)

		item := api.MealItem{Content: api.QuickEntryItem{Name: name, Nutrition: n}}
		if foodID != "" {
			servings, _ := cmd.Flags().GetFloat64("servings")
			item = api.MealItem{Content: api.FoodItem{
				FoodID:   foodID,
				Name:     name,
				Servings: servings,
				Nutrition: api.Nutrition{
					Calories: n.Calories * servings,
					Protein:  n.Protein * servings,
					Carbs:    n.Carbs * servings,
					Fat:      n.Fat * servings,
				},
			}}
		}

		added, err := a.svc.AddMealItem(cmd.Context(), args[0], item)
		if err != nil {
			return err
		}
		return done(a, added, fmt.Sprintf("Added %s (%s).", added.DisplayName(), added.ID))
	},
}

var mealLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Log a quick entry, creating the meal if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := dateFlag(cmd, a, "date")
		if err != nil {
			return err
		}
		typeStr, _ := cmd.Flags().GetString("type")
		mt, err := api.ParseMealType(typeStr)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")

		item, err := a.svc.AddQuickEntry(cmd.Context(), d, mt, name, nutritionFrom(cmd))
		if err != nil {
			return err
		}
		return done(a, item, fmt.Sprintf("Logged %s.", item.DisplayName()))
	},
}

var mealDeleteItemCmd = &cobra.Command{
	Use:   "delete-item [meal_id] [item_id]",
	Short: "Remove an item from a meal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.DeleteMealItem(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		return done(a, map[string]string{"deleted": args[1]}, "Item deleted.")
	},
}

var mealDeleteCmd = &cobra.Command{
	Use:   "delete [meal_id]",
	Short: "Delete a meal and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.DeleteMeal(cmd.Context(), args[0]); err != nil {
			return err
		}
		return done(a, map[string]string{"deleted": args[0]}, "Meal deleted.")
	},
}

var mealCopyCmd = &cobra.Command{
	Use:   "copy [meal_id]",
	Short: "Copy a meal to another date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := dateFlag(cmd, a, "to")
		if err != nil {
			return err
		}
		in := api.CopyMealInput{TargetDate: core.FormatDate(d)}
		if typeStr, _ := cmd.Flags().GetString("type"); typeStr != "" {
			if in.MealType, err = api.ParseMealType(typeStr); err != nil {
				return err
			}
		}
		m, err := a.svc.CopyMeal(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		return done(a, m, fmt.Sprintf("Copied to %s as %s.", m.Date, m.ID))
	},
}

// Workouts

var workoutCmd = &cobra.Command{Use: "workout", Short: "Manage workouts"}

var workoutListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workouts of a period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var start, end time.Time
		if period, _ := cmd.Flags().GetString("period"); period != "all" {
			if start, end, err = core.GetDateRange(period, a.loc); err != nil {
				return err
			}
		}
		v, err := a.svc.Workouts(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		note(v)
		if raw {
			return output.PrintJSON(a.out, v.Value)
		}
		output.PrintWorkouts(a.out, v.Value)
		return nil
	},
}

var workoutAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Log a workout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := dateFlag(cmd, a, "date")
		if err != nil {
			return err
		}
		in := api.WorkoutInput{Date: core.FormatDate(d)}
		in.Type, _ = cmd.Flags().GetString("type")
		in.Name, _ = cmd.Flags().GetString("name")
		in.DurationMinutes, _ = cmd.Flags().GetInt("minutes")
		in.CaloriesBurned, _ = cmd.Flags().GetFloat64("kcal")
		in.Notes, _ = cmd.Flags().GetString("notes")

		w, err := a.svc.CreateWorkout(cmd.Context(), in)
		if err != nil {
			return err
		}
		return done(a, w, fmt.Sprintf("Logged %s on %s (%s).", w.Type, w.Date, w.ID))
	},
}

var workoutDeleteCmd = &cobra.Command{
	Use:   "delete [workout_id]",
	Short: "Delete a workout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.DeleteWorkout(cmd.Context(), args[0]); err != nil {
			return err
		}
		return done(a, map[string]string{"deleted": args[0]}, "Workout deleted.")
	},
}

var workoutEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate calories for a workout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var in api.EstimateInput
		in.Type, _ = cmd.Flags().GetString("type")
		in.DurationMinutes, _ = cmd.Flags().GetInt("minutes")
		in.Intensity, _ = cmd.Flags().GetString("intensity")

		est, err := a.svc.EstimateWorkout(cmd.Context(), in)
		if err != nil {
			return err
		}
		return done(a, est, fmt.Sprintf("%s for %d min: about %.0f kcal", est.Type, est.DurationMinutes, est.CaloriesBurned))
	},
}

var workoutStreakCmd = &cobra.Command{
	Use:   "streak",
	Short: "Show the workout streak",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.svc.WorkoutStreak(cmd.Context())
		if err != nil {
			return err
		}
		note(v)
		return done(a, v.Value, fmt.Sprintf("Current streak: %d days (longest %d)", v.Value.Current, v.Value.Longest))
	},
}

// Body metrics

var metricsCmd = &cobra.Command{Use: "metrics", Short: "Body measurements and progress photos"}

var metricsGetCmd = &cobra.Command{
	Use:   "get [date_spec]",
	Short: "Show body metrics of a date, or the latest entry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		view := a.svc.LatestBodyMetrics
		if len(args) == 1 {
			d, err := core.ParseDateSpec(args[0], a.loc)
			if err != nil {
				return err
			}
			view = func(ctx context.Context) (service.View[api.BodyMetrics], error) {
				return a.svc.BodyMetrics(ctx, d)
			}
		}
		v, err := view(cmd.Context())
		if err != nil {
			return err
		}
		note(v)
		if raw {
			return output.PrintJSON(a.out, v.Value)
		}
		if v.Absent {
			fmt.Fprintln(a.out, "No body metrics recorded.")
			return nil
		}
		output.PrintBodyMetrics(a.out, v.Value, a.unit)
		return nil
	},
}

func readPhoto(path string) (api.PhotoUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.PhotoUpload{}, fmt.Errorf("failed to read photo: %w", err)
	}
	return api.PhotoUpload{
		FileName:    filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

var metricsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Record body metrics and attach photos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := dateFlag(cmd, a, "date")
		if err != nil {
			return err
		}
		in := api.BodyMetricsInput{Date: core.FormatDate(d)}
		if cmd.Flags().Changed("weight") {
			w, _ := cmd.Flags().GetFloat64("weight")
			kg, err := normalize.Convert(w, a.unit, normalize.Kilogram)
			if err != nil {
				return err
			}
			in.Weight = &kg
		}
		if cmd.Flags().Changed("body-fat") {
			bf, _ := cmd.Flags().GetFloat64("body-fat")
			in.BodyFat = &bf
		}
		if cmd.Flags().Changed("waist") {
			waist, _ := cmd.Flags().GetFloat64("waist")
			in.Waist = &waist
		}
		in.Notes, _ = cmd.Flags().GetString("notes")

		paths, _ := cmd.Flags().GetStringArray("photo")
		photos := make([]api.PhotoUpload, 0, len(paths))
		for _, p := range paths {
			photo, err := readPhoto(p)
			if err != nil {
				return err
			}
			photos = append(photos, photo)
		}

		res, err := a.svc.SaveBodyMetrics(cmd.Context(), in, photos)
		if err != nil {
			return err
		}
		if raw {
			return output.PrintJSON(a.out, res.Metrics)
		}
		verb := "Updated"
		if res.Created {
			verb = "Created"
		}
		fmt.Fprintf(a.out, "%s body metrics for %s.\n", verb, res.Metrics.Date)
		for _, p := range res.Photos {
			if p.Err != nil {
				fmt.Fprintf(a.out, "Photo %s failed: %s\n", p.FileName, api.UserMessage(p.Err))
			} else {
				fmt.Fprintf(a.out, "Photo %s uploaded (%s).\n", p.FileName, p.Photo.ID)
			}
		}
		if n := res.FailedPhotos(); n > 0 {
			return fmt.Errorf("%d of %d photos failed to upload", n, len(res.Photos))
		}
		return nil
	},
}

var metricsDeleteCmd = &cobra.Command{
	Use:   "delete [date_spec]",
	Short: "Delete the body metrics of a date",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := optionalDate(args, a)
		if err != nil {
			return err
		}
		if err := a.svc.DeleteBodyMetrics(cmd.Context(), d); err != nil {
			return err
		}
		return done(a, map[string]string{"deleted": core.FormatDate(d)}, "Body metrics deleted.")
	},
}

// Goals and foods

var goalsCmd = &cobra.Command{Use: "goals", Short: "Daily nutrition goals"}

var goalsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set daily nutrition goals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		goals, err := a.svc.UpdateGoals(cmd.Context(), nutritionFrom(cmd))
		if err != nil {
			return err
		}
		return done(a, goals, fmt.Sprintf("Goals set: %.0f kcal, P %.0fg C %.0fg F %.0fg.", goals.Calories, goals.Protein, goals.Carbs, goals.Fat))
	},
}

var foodCmd = &cobra.Command{Use: "food", Short: "Search and create foods"}

var foodSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the food catalog; without a query, list recent foods",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var v service.View[[]api.Food]
		if len(args) == 1 {
			v, err = a.svc.SearchFoods(cmd.Context(), args[0])
		} else {
			v, err = a.svc.RecentFoods(cmd.Context())
		}
		if err != nil {
			return err
		}
		note(v)
		if raw {
			return output.PrintJSON(a.out, v.Value)
		}
		if len(v.Value) == 0 {
			fmt.Fprintln(a.out, "No foods found.")
		}
		for _, f := range v.Value {
			fmt.Fprintf(a.out, "- %s: %.0f kcal per %s [%s]\n", api.MealItem{Content: api.FoodItem{Name: f.Name, Brand: f.Brand}}.DisplayName(), f.Nutrition.Calories, orDefault(f.ServingSize, "serving"), f.ID)
		}
		return nil
	},
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

var foodCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a custom food",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		in := api.FoodInput{Name: args[0], Nutrition: nutritionFrom(cmd)}
		in.Brand, _ = cmd.Flags().GetString("brand")
		in.ServingSize, _ = cmd.Flags().GetString("serving")

		f, err := a.svc.CreateFood(cmd.Context(), in)
		if err != nil {
			return err
		}
		return done(a, f, fmt.Sprintf("Created food %s (%s).", f.Name, f.ID))
	},
}
