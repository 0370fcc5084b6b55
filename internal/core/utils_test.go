package core

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"2024-07-15", "2024-07-15", false},
		{"2023-01-01", "2023-01-01", false},
		{"invalid", "", true},
		{"07/15/2024", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Format(APIDateFmt) != tt.want {
				t.Errorf("ParseDate(%q) = %v, want %v", tt.input, got.Format(APIDateFmt), tt.want)
			}
		})
	}
}

func TestParseDateSpec(t *testing.T) {
	loc := time.UTC
	today := Today(loc)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"today", "today", FormatDate(today), false},
		{"empty means today", "", FormatDate(today), false},
		{"yesterday", "yesterday", FormatDate(today.AddDate(0, 0, -1)), false},
		{"exact date", "2024-07-15", "2024-07-15", false},
		{"relative d-1", "d-1", FormatDate(today.AddDate(0, 0, -1)), false},
		{"relative d-7", "d-7", FormatDate(today.AddDate(0, 0, -7)), false},
		{"relative w-1", "w-1", FormatDate(today.AddDate(0, 0, -7)), false},
		{"relative m-1", "m-1", FormatDate(today.AddDate(0, -1, 0)), false},
		{"relative y-1", "y-1", FormatDate(today.AddDate(-1, 0, 0)), false},
		{"invalid", "invalid", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDateSpec(tt.input, loc)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDateSpec(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && FormatDate(got) != tt.want {
				t.Errorf("ParseDateSpec(%q) = %v, want %v", tt.input, FormatDate(got), tt.want)
			}
		})
	}
}

func TestParseDateSpecMonthDayNeverInFuture(t *testing.T) {
	got, err := ParseDateSpec("12/31", time.UTC)
	if err != nil {
		t.Fatalf("ParseDateSpec: %v", err)
	}
	if got.After(Today(time.UTC)) {
		t.Errorf("expected most recent past occurrence, got %s", FormatDate(got))
	}
}

func TestParseWeekSpec(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantStart string
		wantEnd   string
		wantErr   bool
	}{
		{"ISO week format", "2024-W01", "2024-01-01", "2024-01-07", false},
		{"ISO week format W28", "2024-W28", "2024-07-08", "2024-07-14", false},
		{"invalid format", "invalid", "", "", true},
		{"week out of range", "2024-W54", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := ParseWeekSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseWeekSpec(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if FormatDate(start) != tt.wantStart {
				t.Errorf("start = %s, want %s", FormatDate(start), tt.wantStart)
			}
			if FormatDate(end) != tt.wantEnd {
				t.Errorf("end = %s, want %s", FormatDate(end), tt.wantEnd)
			}
		})
	}
}

func TestWeekOf(t *testing.T) {
	// 2024-07-17 is a Wednesday.
	d, _ := ParseDate("2024-07-17")
	start, end := WeekOf(d)
	if FormatDate(start) != "2024-07-15" || FormatDate(end) != "2024-07-21" {
		t.Errorf("WeekOf(2024-07-17) = %s..%s, want 2024-07-15..2024-07-21", FormatDate(start), FormatDate(end))
	}

	// Sundays belong to the week that started the previous Monday.
	sun, _ := ParseDate("2024-07-21")
	start, _ = WeekOf(sun)
	if FormatDate(start) != "2024-07-15" {
		t.Errorf("WeekOf(sunday) start = %s, want 2024-07-15", FormatDate(start))
	}
}

func TestGetDateRange(t *testing.T) {
	loc := time.UTC
	today := Today(loc)

	tests := []struct {
		period   string
		wantDays int
	}{
		{"today", 1},
		{"yesterday", 1},
		{"this-week", 7},
		{"last-week", 7},
		{"last-7-days", 7},
		{"last-30-days", 30},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			start, end, err := GetDateRange(tt.period, loc)
			if err != nil {
				t.Fatalf("GetDateRange(%q): %v", tt.period, err)
			}
			if got := len(DaysBetween(start, end)); got != tt.wantDays {
				t.Errorf("GetDateRange(%q) spans %d days, want %d", tt.period, got, tt.wantDays)
			}
		})
	}

	start, end, err := GetDateRange("this-month", loc)
	if err != nil {
		t.Fatalf("this-month: %v", err)
	}
	if !InRange(today, start, end) {
		t.Errorf("this-month %s..%s does not contain today", FormatDate(start), FormatDate(end))
	}

	if _, _, err := GetDateRange("next-century", loc); err == nil {
		t.Error("expected error for unknown period")
	}
}

func TestInRange(t *testing.T) {
	start, _ := ParseDate("2024-07-10")
	end, _ := ParseDate("2024-07-16")

	tests := []struct {
		date string
		want bool
	}{
		{"2024-07-09", false},
		{"2024-07-10", true},
		{"2024-07-13", true},
		{"2024-07-16", true},
		{"2024-07-17", false},
	}

	for _, tt := range tests {
		d, _ := ParseDate(tt.date)
		if got := InRange(d, start, end); got != tt.want {
			t.Errorf("InRange(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}
}
