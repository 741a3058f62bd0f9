package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestTimeRatioMidPeriod(t *testing.T) {
	from := date(2024, 3, 1)
	to := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	current := date(2024, 3, 16)

	ratio := TimeRatio(from, to, current, 0)
	want := decimal.NewFromInt(16).Div(decimal.NewFromInt(31))
	if !ratio.Equal(want) {
		t.Fatalf("ratio = %s, want %s", ratio, want)
	}
}

func TestTimeRatioBounds(t *testing.T) {
	from := date(2024, 3, 1)
	to := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)

	if got := TimeRatio(from, to, date(2024, 4, 2), 0); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("past period ratio = %s, want 1", got)
	}
	if got := TimeRatio(from, to, date(2024, 2, 20), 0); !got.IsZero() {
		t.Fatalf("future period ratio = %s, want 0", got)
	}
	if got := TimeRatio(from, to, to, 0); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("ratio at period end = %s, want 1", got)
	}
}

func TestTimeRatioExplicitDuration(t *testing.T) {
	from := date(2024, 3, 1)
	to := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	current := date(2024, 3, 10)

	ratio := TimeRatio(from, to, current, 30)
	want := decimal.NewFromInt(10).Div(decimal.NewFromInt(30))
	if !ratio.Equal(want) {
		t.Fatalf("ratio = %s, want %s", ratio, want)
	}
}

func TestProjectedAmountCents(t *testing.T) {
	ratio := decimal.NewFromInt(16).Div(decimal.NewFromInt(31))

	if got := ProjectedAmountCents(1600, ratio, false); got != 3100 {
		t.Fatalf("projected amount = %d, want 3100", got)
	}
	if got := ProjectedAmountCents(1600, ratio, true); got != 1600 {
		t.Fatalf("recurring fee must project unchanged, got %d", got)
	}
	if got := ProjectedAmountCents(1600, decimal.Zero, false); got != 0 {
		t.Fatalf("zero ratio must project to zero, got %d", got)
	}
}

func TestProjectedUnits(t *testing.T) {
	ratio := decimal.NewFromInt(1).Div(decimal.NewFromInt(2))
	units := decimal.RequireFromString("12.5")

	if got := ProjectedUnits(units, ratio, false); !got.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("projected units = %s, want 25", got)
	}
	if got := ProjectedUnits(units, ratio, true); !got.Equal(units) {
		t.Fatalf("recurring units must project unchanged, got %s", got)
	}

	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	if got := ProjectedUnits(decimal.NewFromInt(1), third, false); !got.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("projected units should round to two places, got %s", got)
	}
}

func TestDateDiffWithTimezoneDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// March 2024 spans the spring-forward transition: 31 calendar days
	// but only 743 wall-clock hours, so one effective day is lost.
	from := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	to := time.Date(2024, 4, 1, 4, 0, 0, 0, time.UTC)
	if hours := int(to.Sub(from).Hours()); hours != 743 {
		t.Fatalf("expected 743 wall-clock hours, got %d", hours)
	}
	if got := DateDiffWithTimezone(from, to, ny, false); got != 30 {
		t.Fatalf("spring-forward diff = %d, want 30", got)
	}
}

func TestDateDiffWithTimezoneFallBack(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// November 2024 spans the fall-back transition: the extra hour does
	// not add an effective day, 30 calendar days stay 30.
	from := time.Date(2024, 11, 1, 4, 0, 0, 0, time.UTC)
	to := time.Date(2024, 12, 1, 5, 0, 0, 0, time.UTC)
	if hours := int(to.Sub(from).Hours()); hours != 721 {
		t.Fatalf("expected 721 wall-clock hours, got %d", hours)
	}
	if got := DateDiffWithTimezone(from, to, ny, false); got != 30 {
		t.Fatalf("fall-back diff = %d, want 30", got)
	}
}

func TestDateDiffTerminatedAndUpgraded(t *testing.T) {
	from := date(2024, 3, 1)
	to := date(2024, 3, 2)

	if got := DateDiffWithTimezone(from, to, time.UTC, true); got != 0 {
		t.Fatalf("upgraded diff = %d, want 0", got)
	}
	if got := DateDiffWithTimezone(from, from, time.UTC, true); got != 0 {
		t.Fatalf("diff must floor at zero, got %d", got)
	}
}
