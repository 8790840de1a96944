// Package dialect adapts generated SQL to a target database.
//
// Dialects are pure string builders with no driver dependency. The query
// builder asks them for quoting, placeholders, date arithmetic and the few
// aggregate functions that differ between engines.
package dialect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Capabilities describes optional features of a dialect.
type Capabilities struct {
	// DateBin reports a native origin-aligned bucketing function.
	DateBin bool
	// ApproxCountDistinct reports a native approximate distinct count.
	ApproxCountDistinct bool
}

// Dialect renders engine-specific SQL fragments.
type Dialect interface {
	Name() string
	Capabilities() Capabilities

	// Quote quotes an identifier.
	Quote(ident string) string
	// Placeholder renders the n-th (1-based) bound parameter.
	Placeholder(n int) string

	// TimestampParam casts a bound parameter holding an instant produced by FormatInstant.
	TimestampParam(placeholder string) string
	// FormatInstant formats a UTC instant the way TimestampParam expects it.
	FormatInstant(t time.Time) string
	// LocalTimestampParam casts a bound parameter holding a wall-clock timestamp.
	LocalTimestampParam(placeholder string) string
	// TimestampLiteral renders a wall-clock timestamp literal.
	TimestampLiteral(value string) string

	// ConvertTz converts a UTC timestamp expression to wall-clock time in tz.
	ConvertTz(expr, tz string) string
	// DateTrunc truncates expr to a standard granularity.
	DateTrunc(granularity, expr string) string
	// DateBin floors expr onto the grid origin + k*iv.
	DateBin(iv Interval, expr, origin string) (string, error)

	// DateSeries renders a table expression yielding one wall-clock timestamp
	// per step from start up to end.
	DateSeries(start, end string, step Interval) string

	IntervalLiteral(iv Interval) string
	AddInterval(expr string, iv Interval) string
	SubtractInterval(expr string, iv Interval) string

	// CountDistinctApprox renders an approximate distinct count of expr.
	CountDistinctApprox(expr string) string
	// ILike renders a case-insensitive pattern match.
	ILike(expr, pattern string, negate bool) string
	// Concat concatenates string expressions.
	Concat(parts ...string) string
	// EpochNow renders the current unix time in seconds.
	EpochNow() string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Dialect{}
)

// Register makes d available through Get under its name.
func Register(d Dialect) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(d.Name())] = d
}

// Get returns the registered dialect called name.
func Get(name string) (Dialect, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown sql dialect %q (available: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return d, nil
}

// Names lists the registered dialects.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(Postgres{})
	Register(DuckDB{})
}

func quoteDouble(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func ilike(expr, pattern string, negate bool) string {
	if negate {
		return expr + " NOT ILIKE " + pattern
	}
	return expr + " ILIKE " + pattern
}
