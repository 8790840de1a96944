package dialect

import (
	"fmt"
	"strings"
	"time"
)

// DuckDB renders DuckDB SQL. Timestamps are treated as naive UTC; non-UTC
// conversion goes through the ICU timezone() function.
type DuckDB struct{}

func (DuckDB) Name() string { return "duckdb" }

func (DuckDB) Capabilities() Capabilities {
	return Capabilities{DateBin: true, ApproxCountDistinct: true}
}

func (DuckDB) Quote(ident string) string { return quoteDouble(ident) }

func (DuckDB) Placeholder(int) string { return "?" }

func (DuckDB) TimestampParam(p string) string { return "CAST(" + p + " AS TIMESTAMP)" }

func (DuckDB) FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000")
}

func (DuckDB) LocalTimestampParam(p string) string { return "CAST(" + p + " AS TIMESTAMP)" }

func (DuckDB) TimestampLiteral(v string) string { return "CAST(" + quoteString(v) + " AS TIMESTAMP)" }

func (DuckDB) ConvertTz(expr, tz string) string {
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return expr
	}
	return "timezone(" + quoteString(tz) + ", CAST(" + expr + " AS TIMESTAMPTZ))"
}

func (DuckDB) DateTrunc(granularity, expr string) string {
	return "date_trunc(" + quoteString(granularity) + ", " + expr + ")"
}

func (d DuckDB) DateBin(iv Interval, expr, origin string) (string, error) {
	if iv.HasMonths() && iv.HasSubMonth() {
		return "", fmt.Errorf("granularity interval %s mixes months with smaller units", iv)
	}
	if iv.Sign() <= 0 {
		return "", fmt.Errorf("granularity interval %s must be positive", iv)
	}
	return fmt.Sprintf("time_bucket(%s, CAST(%s AS TIMESTAMP), %s)", d.IntervalLiteral(iv), expr, origin), nil
}

func (d DuckDB) DateSeries(start, end string, step Interval) string {
	return fmt.Sprintf("generate_series(CAST(%s AS TIMESTAMP), CAST(%s AS TIMESTAMP), %s)", start, end, d.IntervalLiteral(step))
}

func (DuckDB) IntervalLiteral(iv Interval) string { return "INTERVAL " + quoteString(iv.String()) }

func (d DuckDB) AddInterval(expr string, iv Interval) string {
	return "(" + expr + " + " + d.IntervalLiteral(iv) + ")"
}

func (d DuckDB) SubtractInterval(expr string, iv Interval) string {
	return "(" + expr + " - " + d.IntervalLiteral(iv) + ")"
}

func (DuckDB) CountDistinctApprox(expr string) string { return "approx_count_distinct(" + expr + ")" }

func (DuckDB) ILike(expr, pattern string, negate bool) string { return ilike(expr, pattern, negate) }

func (DuckDB) Concat(parts ...string) string { return strings.Join(parts, " || ") }

func (DuckDB) EpochNow() string { return "EXTRACT(EPOCH FROM NOW())" }
