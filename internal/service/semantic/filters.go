package semantic

import (
	"strings"
	"time"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

// filterEnv says how filter leaves read their member.
type filterEnv struct {
	r   *renderer
	loc *time.Location
	// value renders the member expression the predicate applies to.
	value func(m *queryMember) (string, error)
	// localTime is set when time values are wall clock timestamps in loc
	// (rollup columns) instead of UTC instants.
	localTime bool
}

func isDateOperator(op string) bool {
	switch op {
	case domain.OpInDateRange, domain.OpNotInDateRange, domain.OpBeforeDate,
		domain.OpBeforeOrOnDate, domain.OpAfterDate, domain.OpAfterOrOnDate:
		return true
	}
	return false
}

// conjunction renders the AND of filters, or "" when there are none.
func (env *filterEnv) conjunction(filters []*filterNode) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		sql, err := env.filter(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return joinConditions(parts), nil
}

func joinConditions(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	wrapped := make([]string, len(parts))
	for i, p := range parts {
		wrapped[i] = "(" + p + ")"
	}
	return strings.Join(wrapped, " AND ")
}

func (env *filterEnv) filter(f *filterNode) (string, error) {
	if f.isGroup() {
		children, sep := f.and, " AND "
		if len(f.or) > 0 {
			children, sep = f.or, " OR "
		}
		parts := make([]string, 0, len(children))
		for _, c := range children {
			sql, err := env.filter(c)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+sql+")")
		}
		return strings.Join(parts, sep), nil
	}

	if f.operator == domain.OpMeasureFilter {
		m := f.member.member.(*model.Measure)
		if len(m.Filters) == 0 {
			return "1 = 1", nil
		}
		return env.r.measureFilterConditions(m)
	}

	expr, err := env.value(f.member)
	if err != nil {
		return "", err
	}
	if isDateOperator(f.operator) {
		if dim, ok := f.member.member.(*model.Dimension); ok && !env.localTime && localTimeDimension(dim) {
			local := *env
			local.localTime = true
			return local.dateFilter(expr, f.operator, f.values)
		}
		return env.dateFilter(expr, f.operator, f.values)
	}

	p := env.r.params
	switch f.operator {
	case domain.OpEquals:
		if len(f.values) == 1 {
			return expr + " = " + p.add(f.values[0]), nil
		}
		return expr + " IN (" + env.placeholders(f.values) + ")", nil
	case domain.OpNotEquals:
		if len(f.values) == 1 {
			return "(" + expr + " <> " + p.add(f.values[0]) + " OR " + expr + " IS NULL)", nil
		}
		return "(" + expr + " NOT IN (" + env.placeholders(f.values) + ") OR " + expr + " IS NULL)", nil
	case domain.OpContains, domain.OpStartsWith, domain.OpEndsWith:
		return env.like(expr, f.operator, f.values, false), nil
	case domain.OpNotContains:
		return env.like(expr, domain.OpContains, f.values, true), nil
	case domain.OpNotStartsWith:
		return env.like(expr, domain.OpStartsWith, f.values, true), nil
	case domain.OpNotEndsWith:
		return env.like(expr, domain.OpEndsWith, f.values, true), nil
	case domain.OpGt:
		return expr + " > " + p.add(f.values[0]), nil
	case domain.OpGte:
		return expr + " >= " + p.add(f.values[0]), nil
	case domain.OpLt:
		return expr + " < " + p.add(f.values[0]), nil
	case domain.OpLte:
		return expr + " <= " + p.add(f.values[0]), nil
	case domain.OpSet:
		return expr + " IS NOT NULL", nil
	case domain.OpNotSet:
		return expr + " IS NULL", nil
	}
	return "", domain.ErrUser("unsupported filter operator %q", f.operator)
}

func (env *filterEnv) placeholders(values []string) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = env.r.params.add(v)
	}
	return strings.Join(out, ", ")
}

// like ORs the patterns; negated forms AND them and keep NULLs.
func (env *filterEnv) like(expr, op string, values []string, negate bool) string {
	d := env.r.d
	parts := make([]string, 0, len(values))
	for _, v := range values {
		ph := env.r.params.add(v)
		var pattern string
		switch op {
		case domain.OpStartsWith:
			pattern = d.Concat(ph, "'%'")
		case domain.OpEndsWith:
			pattern = d.Concat("'%'", ph)
		default:
			pattern = d.Concat("'%'", ph, "'%'")
		}
		parts = append(parts, d.ILike(expr, pattern, negate))
	}
	if negate {
		return "(" + strings.Join(parts, " AND ") + " OR " + expr + " IS NULL)"
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (env *filterEnv) dateFilter(expr, op string, values []string) (string, error) {
	switch op {
	case domain.OpInDateRange, domain.OpNotInDateRange:
		from, to, err := parseDateRange(values[0], values[1], env.loc)
		if err != nil {
			return "", err
		}
		if op == domain.OpNotInDateRange {
			return "(" + expr + " < " + env.timeParam(from) + " OR " + expr + " > " + env.timeParam(to) + ")", nil
		}
		return expr + " >= " + env.timeParam(from) + " AND " + expr + " <= " + env.timeParam(to), nil
	}
	start, err := parseBound(values[0], env.loc, false)
	if err != nil {
		return "", err
	}
	end, err := parseBound(values[0], env.loc, true)
	if err != nil {
		return "", err
	}
	switch op {
	case domain.OpBeforeDate:
		return expr + " < " + env.timeParam(start), nil
	case domain.OpBeforeOrOnDate:
		return expr + " <= " + env.timeParam(end), nil
	case domain.OpAfterDate:
		return expr + " > " + env.timeParam(end), nil
	default:
		return expr + " >= " + env.timeParam(start), nil
	}
}

const localTimestampLayout = "2006-01-02T15:04:05.000"

// timeParam binds t (a wall clock time in the query location).
func (env *filterEnv) timeParam(t time.Time) string {
	d := env.r.d
	if env.localTime {
		return d.LocalTimestampParam(env.r.params.add(t.Format(localTimestampLayout)))
	}
	return d.TimestampParam(env.r.params.add(d.FormatInstant(t.UTC())))
}

// rangeCondition restricts expr to a resolved date range.
func (env *filterEnv) rangeCondition(expr string, dr *dateRange) string {
	d := env.r.d
	var parts []string
	switch {
	case dr.fromParam != "":
		parts = append(parts, expr+" >= "+d.TimestampParam(env.r.params.add(dr.fromParam)))
	case !dr.from.IsZero():
		parts = append(parts, expr+" >= "+env.timeParam(dr.from))
	}
	switch {
	case dr.toParam != "":
		parts = append(parts, expr+" <= "+d.TimestampParam(env.r.params.add(dr.toParam)))
	case !dr.to.IsZero():
		parts = append(parts, expr+" <= "+env.timeParam(dr.to))
	}
	return strings.Join(parts, " AND ")
}

var (
	dateOnlyLayout = "2006-01-02"
	boundLayouts   = []string{
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05.000000",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
	}
	zonedLayouts = []string{time.RFC3339Nano, time.RFC3339}
)

// parseBound parses a date range value as wall clock time in loc. A bare
// date is the start of that day, or its last millisecond when end is set;
// a timestamp without fractional seconds is extended the same way.
func parseBound(v string, loc *time.Location, end bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.ParseInLocation(dateOnlyLayout, v, loc); err == nil {
		if end {
			return t.AddDate(0, 0, 1).Add(-time.Millisecond), nil
		}
		return t, nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range boundLayouts {
		t, err := time.ParseInLocation(layout, v, loc)
		if err != nil {
			continue
		}
		if end && len(v) == len("2006-01-02T15:04:05") {
			t = t.Add(999 * time.Millisecond)
		}
		return t, nil
	}
	return time.Time{}, domain.ErrUser("can't parse date %q", v)
}

func parseDateRange(fromValue, toValue string, loc *time.Location) (time.Time, time.Time, error) {
	from, err := parseBound(fromValue, loc, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseBound(toValue, loc, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, domain.ErrUser("date range end %s is before its start %s", toValue, fromValue)
	}
	return from, to, nil
}
