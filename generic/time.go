package generic

import (
	"time"
)

// =============================================================================
// TIME POINT - Calendar date used for record and transaction dates
// =============================================================================

// DateLayout is the ISO calendar date format used on the wire.
const DateLayout = "2006-01-02"

type TimePoint struct {
	Time        time.Time
	Granularity Granularity
}

type Granularity int

const (
	GranularityDay Granularity = iota
	GranularityInstant
)

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), Granularity: GranularityDay}
}

func Instant(t time.Time) TimePoint {
	return TimePoint{Time: t.UTC(), Granularity: GranularityInstant}
}

func Today() TimePoint {
	now := time.Now()
	return NewTimePoint(now.Year(), now.Month(), now.Day())
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TimePoint{}, err
	}
	return NewTimePoint(t.Year(), t.Month(), t.Day()), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return tp.Before(other) || tp.Equal(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return tp.After(other) || tp.Equal(other) }

func (tp TimePoint) normalize() time.Time {
	if tp.Granularity == GranularityDay {
		return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
	}
	return tp.Time
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint {
	return TimePoint{Time: tp.Time.AddDate(0, 0, n), Granularity: tp.Granularity}
}

// Properties
func (tp TimePoint) IsZero() bool { return tp.Time.IsZero() }

// Date truncates an instant to its calendar day.
func (tp TimePoint) Date() TimePoint {
	return NewTimePoint(tp.Time.Year(), tp.Time.Month(), tp.Time.Day())
}

func (tp TimePoint) String() string {
	if tp.Granularity == GranularityDay {
		return tp.Time.Format(DateLayout)
	}
	return tp.Time.Format(time.RFC3339)
}

func (tp TimePoint) MarshalJSON() ([]byte, error) {
	if tp.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + tp.String() + `"`), nil
}

func (tp *TimePoint) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*tp = TimePoint{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if len(s) == len(DateLayout) {
		parsed, err := ParseDate(s)
		if err != nil {
			return err
		}
		*tp = parsed
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*tp = Instant(t)
	return nil
}
