package dialect

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Postgres renders PostgreSQL SQL. Approximate distinct counts rely on the
// postgresql-hll extension.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Capabilities() Capabilities {
	return Capabilities{ApproxCountDistinct: true}
}

func (Postgres) Quote(ident string) string { return quoteDouble(ident) }

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) TimestampParam(p string) string { return p + "::timestamptz" }

func (Postgres) FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func (Postgres) LocalTimestampParam(p string) string { return p + "::timestamp" }

func (Postgres) TimestampLiteral(v string) string { return quoteString(v) + "::timestamp" }

func (Postgres) ConvertTz(expr, tz string) string {
	return "(" + expr + "::timestamptz AT TIME ZONE " + quoteString(tz) + ")"
}

func (Postgres) DateTrunc(granularity, expr string) string {
	return "date_trunc(" + quoteString(granularity) + ", " + expr + ")"
}

func (p Postgres) DateBin(iv Interval, expr, origin string) (string, error) {
	if secs, ok := iv.FixedSeconds(); ok {
		if secs <= 0 {
			return "", fmt.Errorf("granularity interval %s must be positive", iv)
		}
		return fmt.Sprintf("(%s + %s * FLOOR(EXTRACT(EPOCH FROM (%s - %s)) / %d))",
			origin, p.IntervalLiteral(iv), expr, origin, secs), nil
	}
	if iv.HasSubMonth() {
		return "", fmt.Errorf("granularity interval %s mixes months with smaller units", iv)
	}
	n := iv.TotalMonths()
	if n <= 0 {
		return "", fmt.Errorf("granularity interval %s must be positive", iv)
	}
	age := "AGE(" + expr + ", " + origin + ")"
	return fmt.Sprintf("(%s + INTERVAL '1 month' * (FLOOR((EXTRACT(YEAR FROM %s) * 12 + EXTRACT(MONTH FROM %s)) / %d) * %d))",
		origin, age, age, n, n), nil
}

func (p Postgres) DateSeries(start, end string, step Interval) string {
	return fmt.Sprintf("generate_series((%s)::timestamp, (%s)::timestamp, %s)", start, end, p.IntervalLiteral(step))
}

func (Postgres) IntervalLiteral(iv Interval) string { return "INTERVAL " + quoteString(iv.String()) }

func (p Postgres) AddInterval(expr string, iv Interval) string {
	return "(" + expr + " + " + p.IntervalLiteral(iv) + ")"
}

func (p Postgres) SubtractInterval(expr string, iv Interval) string {
	return "(" + expr + " - " + p.IntervalLiteral(iv) + ")"
}

func (Postgres) CountDistinctApprox(expr string) string {
	return "round(hll_cardinality(hll_add_agg(hll_hash_any(" + expr + "))))"
}

func (Postgres) ILike(expr, pattern string, negate bool) string { return ilike(expr, pattern, negate) }

func (Postgres) Concat(parts ...string) string { return strings.Join(parts, " || ") }

func (Postgres) EpochNow() string { return "EXTRACT(EPOCH FROM NOW())" }
