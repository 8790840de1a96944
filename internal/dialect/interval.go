package dialect

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval is a calendar interval. Weeks are folded into days and quarters
// into months so that the two dialects see the same canonical text.
type Interval struct {
	Years   int
	Months  int
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// ParseInterval parses "2 weeks", "1 year 3 months", "-1 day" or "30 minute".
func ParseInterval(s string) (Interval, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) == 0 || len(fields)%2 != 0 {
		return Interval{}, fmt.Errorf("invalid interval %q", s)
	}
	var iv Interval
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return Interval{}, fmt.Errorf("invalid interval %q: %s is not a number", s, fields[i])
		}
		switch strings.TrimSuffix(fields[i+1], "s") {
		case "year":
			iv.Years += n
		case "quarter":
			iv.Months += 3 * n
		case "month":
			iv.Months += n
		case "week":
			iv.Days += 7 * n
		case "day":
			iv.Days += n
		case "hour":
			iv.Hours += n
		case "minute":
			iv.Minutes += n
		case "second":
			iv.Seconds += n
		default:
			return Interval{}, fmt.Errorf("invalid interval %q: unknown unit %s", s, fields[i+1])
		}
	}
	return iv, nil
}

// MustParseInterval is ParseInterval for literals known to be valid.
func MustParseInterval(s string) Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// GranularityInterval returns the width of a standard granularity.
func GranularityInterval(granularity string) (Interval, bool) {
	switch granularity {
	case "second":
		return Interval{Seconds: 1}, true
	case "minute":
		return Interval{Minutes: 1}, true
	case "hour":
		return Interval{Hours: 1}, true
	case "day":
		return Interval{Days: 1}, true
	case "week":
		return Interval{Days: 7}, true
	case "month":
		return Interval{Months: 1}, true
	case "quarter":
		return Interval{Months: 3}, true
	case "year":
		return Interval{Years: 1}, true
	}
	return Interval{}, false
}

func (iv Interval) parts() []int {
	return []int{iv.Years, iv.Months, iv.Days, iv.Hours, iv.Minutes, iv.Seconds}
}

// String renders the canonical form, e.g. "1 year 14 day".
func (iv Interval) String() string {
	units := []string{"year", "month", "day", "hour", "minute", "second"}
	var out []string
	for i, n := range iv.parts() {
		if n != 0 {
			out = append(out, fmt.Sprintf("%d %s", n, units[i]))
		}
	}
	if len(out) == 0 {
		return "0 second"
	}
	return strings.Join(out, " ")
}

// IsZero reports whether every component is zero.
func (iv Interval) IsZero() bool { return iv == Interval{} }

// Neg returns the negated interval.
func (iv Interval) Neg() Interval {
	return Interval{-iv.Years, -iv.Months, -iv.Days, -iv.Hours, -iv.Minutes, -iv.Seconds}
}

// Sub returns iv - other component-wise.
func (iv Interval) Sub(other Interval) Interval {
	return Interval{
		iv.Years - other.Years, iv.Months - other.Months, iv.Days - other.Days,
		iv.Hours - other.Hours, iv.Minutes - other.Minutes, iv.Seconds - other.Seconds,
	}
}

// Add returns iv + other component-wise.
func (iv Interval) Add(other Interval) Interval { return iv.Sub(other.Neg()) }

// Sign returns 1 when all components are >= 0, -1 when all are <= 0 and 0
// when the interval mixes signs (or is zero).
func (iv Interval) Sign() int {
	pos, neg := false, false
	for _, n := range iv.parts() {
		if n > 0 {
			pos = true
		}
		if n < 0 {
			neg = true
		}
	}
	switch {
	case pos && !neg:
		return 1
	case neg && !pos:
		return -1
	}
	return 0
}

// HasMonths reports whether the interval has a year or month component.
func (iv Interval) HasMonths() bool { return iv.Years != 0 || iv.Months != 0 }

// HasSubMonth reports whether the interval has a day or smaller component.
func (iv Interval) HasSubMonth() bool {
	return iv.Days != 0 || iv.Hours != 0 || iv.Minutes != 0 || iv.Seconds != 0
}

// TotalMonths returns the year and month components expressed in months.
func (iv Interval) TotalMonths() int { return iv.Years*12 + iv.Months }

// FixedSeconds returns the length in seconds when the interval has no
// calendar (month or year) component.
func (iv Interval) FixedSeconds() (int64, bool) {
	if iv.HasMonths() {
		return 0, false
	}
	return int64(iv.Days)*86400 + int64(iv.Hours)*3600 + int64(iv.Minutes)*60 + int64(iv.Seconds), true
}

// AddTo adds the interval to t using calendar arithmetic in t's location.
func (iv Interval) AddTo(t time.Time) time.Time {
	t = t.AddDate(iv.Years, iv.Months, iv.Days)
	return t.Add(time.Duration(iv.Hours)*time.Hour + time.Duration(iv.Minutes)*time.Minute + time.Duration(iv.Seconds)*time.Second)
}
