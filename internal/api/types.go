// Package api provides the HTTP client and types for the FitSync API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Nutrition holds macro totals. Energy is in kcal and mass in grams.
type Nutrition struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Fiber    float64 `json:"fiber,omitempty"`
}

// Add returns the element-wise sum.
func (n Nutrition) Add(o Nutrition) Nutrition {
	return Nutrition{
		Calories: n.Calories + o.Calories,
		Protein:  n.Protein + o.Protein,
		Carbs:    n.Carbs + o.Carbs,
		Fat:      n.Fat + o.Fat,
		Fiber:    n.Fiber + o.Fiber,
	}
}

// Sub returns the element-wise difference.
func (n Nutrition) Sub(o Nutrition) Nutrition {
	return Nutrition{
		Calories: n.Calories - o.Calories,
		Protein:  n.Protein - o.Protein,
		Carbs:    n.Carbs - o.Carbs,
		Fat:      n.Fat - o.Fat,
		Fiber:    n.Fiber - o.Fiber,
	}
}

// MealType is one of the four meal slots of a day.
type MealType string

const (
	MealBreakfast MealType = "BREAKFAST"
	MealLunch     MealType = "LUNCH"
	MealDinner    MealType = "DINNER"
	MealSnack     MealType = "SNACK"
)

// ParseMealType accepts any casing.
func ParseMealType(s string) (MealType, error) {
	switch mt := MealType(strings.ToUpper(strings.TrimSpace(s))); mt {
	case MealBreakfast, MealLunch, MealDinner, MealSnack:
		return mt, nil
	}
	return "", fmt.Errorf("invalid meal type '%s' (expected breakfast, lunch, dinner or snack)", s)
}

// DaySummary is the server's aggregate for one calendar date.
type DaySummary struct {
	Date             string           `json:"date"`
	Goals            Nutrition        `json:"goals"`
	Consumed         Nutrition        `json:"consumed"`
	Remaining        Nutrition        `json:"remaining"`
	ExerciseCalories float64          `json:"exerciseCalories"`
	Meals            []MealSummary    `json:"meals"`
	Workouts         []WorkoutSummary `json:"workouts"`
	BodyMetrics      *BodyMetrics     `json:"bodyMetrics,omitempty"`
}

// MealSummary is a meal as listed inside a DaySummary.
type MealSummary struct {
	ID          string    `json:"id"`
	MealType    MealType  `json:"mealType"`
	IsCheatMeal bool      `json:"isCheatMeal"`
	ItemCount   int       `json:"itemCount"`
	Totals      Nutrition `json:"totals"`
}

// WorkoutSummary is a workout as listed inside a DaySummary.
type WorkoutSummary struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	DurationMinutes int     `json:"durationMinutes"`
	CaloriesBurned  float64 `json:"caloriesBurned"`
}

// Meal is one meal slot on a date and its items.
type Meal struct {
	ID          string     `json:"id"`
	Date        string     `json:"date"`
	MealType    MealType   `json:"mealType"`
	IsCheatMeal bool       `json:"isCheatMeal"`
	Items       []MealItem `json:"items"`
	Totals      Nutrition  `json:"totals"`
}

// ItemType discriminates the MealItem variants on the wire.
type ItemType string

const (
	ItemFood       ItemType = "FOOD"
	ItemRecipe     ItemType = "RECIPE"
	ItemQuickEntry ItemType = "QUICK_ENTRY"
)

// ItemContent is the variant payload of a MealItem. The set of
// implementations is closed: FoodItem, RecipeItem and QuickEntryItem.
type ItemContent interface {
	itemType() ItemType
}

// FoodItem is a logged food from the catalog.
type FoodItem struct {
	FoodID      string    `json:"foodId"`
	Name        string    `json:"name"`
	Brand       string    `json:"brand,omitempty"`
	Servings    float64   `json:"servings"`
	ServingSize string    `json:"servingSize,omitempty"`
	Nutrition   Nutrition `json:"nutrition"`
}

// RecipeItem is a logged recipe.
type RecipeItem struct {
	RecipeID  string    `json:"recipeId"`
	Name      string    `json:"name"`
	Servings  float64   `json:"servings"`
	Nutrition Nutrition `json:"nutrition"`
}

// QuickEntryItem is a free-form entry with only a name and nutrition.
type QuickEntryItem struct {
	Name      string    `json:"name"`
	Nutrition Nutrition `json:"nutrition"`
}

func (FoodItem) itemType() ItemType       { return ItemFood }
func (RecipeItem) itemType() ItemType     { return ItemRecipe }
func (QuickEntryItem) itemType() ItemType { return ItemQuickEntry }

// MealItem is one entry in a meal. ID is the server id, or a temporary id
// while its creation is in flight.
type MealItem struct {
	ID      string
	Content ItemContent
}

// Type returns the variant tag.
func (m MealItem) Type() ItemType {
	if m.Content == nil {
		return ""
	}
	return m.Content.itemType()
}

// Nutrition returns the item's nutrition regardless of variant.
func (m MealItem) Nutrition() Nutrition {
	switch c := m.Content.(type) {
	case FoodItem:
		return c.Nutrition
	case RecipeItem:
		return c.Nutrition
	case QuickEntryItem:
		return c.Nutrition
	default:
		return Nutrition{}
	}
}

// DisplayName returns the name to show for the item.
func (m MealItem) DisplayName() string {
	switch c := m.Content.(type) {
	case FoodItem:
		if c.Brand != "" {
			return fmt.Sprintf("%s (%s)", c.Name, c.Brand)
		}
		return c.Name
	case RecipeItem:
		return c.Name
	case QuickEntryItem:
		if c.Name == "" {
			return "Quick entry"
		}
		return c.Name
	default:
		return ""
	}
}

// WithNutrition returns a copy with the nutrition replaced.
func (m MealItem) WithNutrition(n Nutrition) MealItem {
	switch c := m.Content.(type) {
	case FoodItem:
		c.Nutrition = n
		m.Content = c
	case RecipeItem:
		c.Nutrition = n
		m.Content = c
	case QuickEntryItem:
		c.Nutrition = n
		m.Content = c
	}
	return m
}

// mealItemWire is the flat wire form shared by every variant.
type mealItemWire struct {
	ID          string    `json:"id,omitempty"`
	Type        ItemType  `json:"type"`
	Name        string    `json:"name,omitempty"`
	FoodID      string    `json:"foodId,omitempty"`
	RecipeID    string    `json:"recipeId,omitempty"`
	Brand       string    `json:"brand,omitempty"`
	Servings    float64   `json:"servings,omitempty"`
	ServingSize string    `json:"servingSize,omitempty"`
	Nutrition   Nutrition `json:"nutrition"`
}

// MarshalJSON encodes the item with its "type" discriminator.
func (m MealItem) MarshalJSON() ([]byte, error) {
	w := mealItemWire{ID: m.ID}
	switch c := m.Content.(type) {
	case FoodItem:
		w.Type, w.Name, w.FoodID, w.Brand = ItemFood, c.Name, c.FoodID, c.Brand
		w.Servings, w.ServingSize, w.Nutrition = c.Servings, c.ServingSize, c.Nutrition
	case RecipeItem:
		w.Type, w.Name, w.RecipeID = ItemRecipe, c.Name, c.RecipeID
		w.Servings, w.Nutrition = c.Servings, c.Nutrition
	case QuickEntryItem:
		w.Type, w.Name, w.Nutrition = ItemQuickEntry, c.Name, c.Nutrition
	default:
		return nil, fmt.Errorf("meal item %q has no content", m.ID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an item, rejecting unknown discriminators.
func (m *MealItem) UnmarshalJSON(data []byte) error {
	var w mealItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID = w.ID
	switch w.Type {
	case ItemFood:
		m.Content = FoodItem{FoodID: w.FoodID, Name: w.Name, Brand: w.Brand, Servings: w.Servings, ServingSize: w.ServingSize, Nutrition: w.Nutrition}
	case ItemRecipe:
		m.Content = RecipeItem{RecipeID: w.RecipeID, Name: w.Name, Servings: w.Servings, Nutrition: w.Nutrition}
	case ItemQuickEntry:
		m.Content = QuickEntryItem{Name: w.Name, Nutrition: w.Nutrition}
	default:
		return fmt.Errorf("unknown meal item type %q", w.Type)
	}
	return nil
}

// Workout is one logged workout.
type Workout struct {
	ID              string  `json:"id"`
	Date            string  `json:"date"`
	Type            string  `json:"type"`
	Name            string  `json:"name,omitempty"`
	DurationMinutes int     `json:"durationMinutes"`
	CaloriesBurned  float64 `json:"caloriesBurned"`
	Notes           string  `json:"notes,omitempty"`
}

// WorkoutEstimate is the server's calorie estimate for a planned workout.
type WorkoutEstimate struct {
	Type            string  `json:"type"`
	DurationMinutes int     `json:"durationMinutes"`
	Intensity       string  `json:"intensity,omitempty"`
	CaloriesBurned  float64 `json:"caloriesBurned"`
}

// WorkoutStreak counts consecutive days with at least one workout.
type WorkoutStreak struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

// WorkoutStats are lifetime workout totals.
type WorkoutStats struct {
	TotalWorkouts  int     `json:"totalWorkouts"`
	TotalMinutes   int     `json:"totalMinutes"`
	TotalCalories  float64 `json:"totalCalories"`
	FavouriteType  string  `json:"favouriteType,omitempty"`
	LastWorkoutDay string  `json:"lastWorkoutDate,omitempty"`
}

// WeeklyOverview summarises the current week's training.
type WeeklyOverview struct {
	WeekStart string        `json:"weekStart"`
	Days      []DayActivity `json:"days"`
}

// DayActivity is one day of a WeeklyOverview.
type DayActivity struct {
	Date           string  `json:"date"`
	Workouts       int     `json:"workouts"`
	Minutes        int     `json:"minutes"`
	CaloriesBurned float64 `json:"caloriesBurned"`
}

// BodyMetrics is the body measurement entry for one date. Weight is in kg
// and lengths in cm.
type BodyMetrics struct {
	Date       string          `json:"date"`
	Weight     *float64        `json:"weight,omitempty"`
	BodyFat    *float64        `json:"bodyFat,omitempty"`
	MuscleMass *float64        `json:"muscleMass,omitempty"`
	Waist      *float64        `json:"waist,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Photos     []ProgressPhoto `json:"photos,omitempty"`
}

// ProgressPhoto is an uploaded progress picture.
type ProgressPhoto struct {
	ID   string `json:"id"`
	Date string `json:"date"`
	URL  string `json:"url"`
	Pose string `json:"pose,omitempty"`
}

// PhotoUpload is one photo to attach to a body metrics entry. The bytes come
// from the caller.
type PhotoUpload struct {
	FileName    string
	ContentType string
	Pose        string
	Data        []byte
}

// TrendPoint is one sample of a server-computed series.
type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// AnalyticsSeries is a server-computed series over a date range.
type AnalyticsSeries struct {
	Kind    string             `json:"kind"`
	Start   string             `json:"start"`
	End     string             `json:"end"`
	Points  []TrendPoint       `json:"points"`
	Summary map[string]float64 `json:"summary,omitempty"`
}

// Food is a catalog food.
type Food struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Brand       string    `json:"brand,omitempty"`
	ServingSize string    `json:"servingSize,omitempty"`
	Nutrition   Nutrition `json:"nutrition"`
	IsCustom    bool      `json:"isCustom,omitempty"`
}

// Portion is a named serving of a food.
type Portion struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Grams float64 `json:"grams"`
}

// Brand is a food brand.
type Brand struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateMealInput is the body of POST meals.
type CreateMealInput struct {
	Date        string   `json:"date" validate:"required,datetime=2006-01-02"`
	MealType    MealType `json:"mealType" validate:"required,oneof=BREAKFAST LUNCH DINNER SNACK"`
	IsCheatMeal bool     `json:"isCheatMeal"`
}

// UpdateMealInput is the body of PATCH meals/{id}.
type UpdateMealInput struct {
	MealType    *MealType `json:"mealType,omitempty"`
	IsCheatMeal *bool     `json:"isCheatMeal,omitempty"`
}

// CopyMealInput is the body of POST meals/{id}/copy.
type CopyMealInput struct {
	TargetDate string   `json:"targetDate" validate:"required,datetime=2006-01-02"`
	MealType   MealType `json:"mealType,omitempty"`
}

// WorkoutInput is the body of POST/PATCH workouts.
type WorkoutInput struct {
	Date            string  `json:"date" validate:"required,datetime=2006-01-02"`
	Type            string  `json:"type" validate:"required"`
	Name            string  `json:"name,omitempty"`
	DurationMinutes int     `json:"durationMinutes" validate:"gte=0"`
	CaloriesBurned  float64 `json:"caloriesBurned" validate:"gte=0"`
	Notes           string  `json:"notes,omitempty"`
}

// EstimateInput is the body of POST workouts/estimate.
type EstimateInput struct {
	Type            string `json:"type" validate:"required"`
	DurationMinutes int    `json:"durationMinutes" validate:"gt=0"`
	Intensity       string `json:"intensity,omitempty"`
}

// BodyMetricsInput is the body of POST body-metrics and PATCH body-metrics/{date}.
type BodyMetricsInput struct {
	Date       string   `json:"date" validate:"required,datetime=2006-01-02"`
	Weight     *float64 `json:"weight,omitempty" validate:"omitempty,gt=0"`
	BodyFat    *float64 `json:"bodyFat,omitempty" validate:"omitempty,gte=0,lte=100"`
	MuscleMass *float64 `json:"muscleMass,omitempty" validate:"omitempty,gt=0"`
	Waist      *float64 `json:"waist,omitempty" validate:"omitempty,gt=0"`
	Notes      string   `json:"notes,omitempty"`
}

// GoalsInput is the validated form of a daily goals update.
type GoalsInput struct {
	Calories float64 `validate:"gt=0"`
	Protein  float64 `validate:"gte=0"`
	Carbs    float64 `validate:"gte=0"`
	Fat      float64 `validate:"gte=0"`
	Fiber    float64 `validate:"gte=0"`
}

// NewGoalsInput wraps goals for validation.
func NewGoalsInput(goals Nutrition) GoalsInput {
	return GoalsInput{Calories: goals.Calories, Protein: goals.Protein, Carbs: goals.Carbs, Fat: goals.Fat, Fiber: goals.Fiber}
}

// FoodInput is the body of POST foods.
type FoodInput struct {
	Name        string    `json:"name" validate:"required"`
	Brand       string    `json:"brand,omitempty"`
	ServingSize string    `json:"servingSize,omitempty"`
	Nutrition   Nutrition `json:"nutrition"`
}

// Request is one call to the remote API. Endpoint is relative to the
// versioned base URL. Body is JSON-encoded; Upload, when set, is sent as
// multipart form data instead.
type Request struct {
	Method   string
	Endpoint string
	Params   map[string]string
	Body     any
	Upload   *PhotoUpload
}

// Transport is the interface for making API requests. It returns the raw
// response body of a 2xx response and an error otherwise.
type Transport interface {
	Do(ctx context.Context, req Request) ([]byte, error)
}

// CredentialProvider supplies the bearer credential for each request.
// Refresh is called at most once per request, after a 401.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Decode unmarshals a raw payload into T.
func Decode[T any](raw []byte) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return out, nil
}

// WeekSummary aggregates the seven DaySummaries of a Monday..Sunday week.
type WeekSummary struct {
	Start   string       `json:"start"`
	End     string       `json:"end"`
	Days    []DaySummary `json:"days"`
	Total   Nutrition    `json:"total"`
	Average Nutrition    `json:"average"`
}

// Dashboard is the analytics landing summary.
type Dashboard struct {
	Today        DaySummary    `json:"today"`
	Streak       WorkoutStreak `json:"streak"`
	LatestWeight *float64      `json:"latestWeight,omitempty"`
	WeekAverage  Nutrition     `json:"weekAverage"`
}
