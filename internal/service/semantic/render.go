package semantic

import (
	"strings"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

const maxRenderDepth = 64

// renderer turns member templates into SQL expressions. One renderer is used
// per generated SELECT; columns lets an outer stage read members that an
// inner stage already computed.
type renderer struct {
	d         dialect.Dialect
	tz        string
	params    *params
	ungrouped bool
	columns   map[model.Member]string
	depth     int
}

func newRenderer(d dialect.Dialect, tz string, p *params) *renderer {
	return &renderer{d: d, tz: tz, params: p, columns: map[model.Member]string{}}
}

// child shares dialect, timezone and params but has no column overrides.
func (r *renderer) child() *renderer {
	return &renderer{d: r.d, tz: r.tz, params: r.params, ungrouped: r.ungrouped, columns: map[model.Member]string{}}
}

func (r *renderer) quote(ident string) string { return r.d.Quote(ident) }

func (r *renderer) cubeAlias(c *model.Cube) string { return r.d.Quote(snakeCase(c.SQLAlias())) }

func (r *renderer) enter(what string) error {
	r.depth++
	if r.depth > maxRenderDepth {
		return domain.ErrInternal("member reference depth exceeded while rendering %s", what)
	}
	return nil
}

func (r *renderer) leave() { r.depth-- }

// template renders t; {CUBE} references were bound to their cube when the
// symbol table was built.
func (r *renderer) template(t *model.Template) (string, error) {
	return t.Render(r.ref)
}

func (r *renderer) ref(ref *model.Ref) (string, error) {
	if ref.IsCube() {
		return r.cubeAlias(ref.Cube), nil
	}
	m := ref.Member
	if p, ok := m.(*model.Proxy); ok {
		m = p.Target
	}
	switch v := m.(type) {
	case *model.Dimension:
		if ref.Granularity != "" {
			g, err := ResolveGranularity(v, ref.Granularity)
			if err != nil {
				return "", err
			}
			sql, err := r.dimension(v)
			if err != nil {
				return "", err
			}
			return g.bucket(r, r.d.ConvertTz(wrapExpr(sql), r.tz))
		}
		sql, err := r.dimension(v)
		if err != nil {
			return "", err
		}
		return wrapExpr(sql), nil
	case *model.Measure:
		sql, err := r.measure(v)
		if err != nil {
			return "", err
		}
		return wrapExpr(sql), nil
	case *model.Segment:
		sql, err := r.segment(v)
		if err != nil {
			return "", err
		}
		return "(" + sql + ")", nil
	default:
		return "", domain.ErrInternal("unsupported member %s in template", m.Path())
	}
}

// dimension renders the row level expression of d.
func (r *renderer) dimension(d *model.Dimension) (string, error) {
	if col, ok := r.columns[d]; ok {
		return col, nil
	}
	if err := r.enter(d.Path()); err != nil {
		return "", err
	}
	defer r.leave()
	return r.template(d.SQL)
}

func (r *renderer) segment(s *model.Segment) (string, error) {
	if err := r.enter(s.Path()); err != nil {
		return "", err
	}
	defer r.leave()
	return r.template(s.SQL)
}

// measureType is the aggregation applied to m; running totals are summed
// per bucket before their window runs.
func (r *renderer) measureType(m *model.Measure) domain.MeasureType {
	if m.Type == domain.MeasureRunningTotal {
		return domain.MeasureSum
	}
	return m.Type
}

// measure renders the aggregate of m, or its row level value for ungrouped queries.
func (r *renderer) measure(m *model.Measure) (string, error) {
	if col, ok := r.columns[m]; ok {
		return col, nil
	}
	if err := r.enter(m.Path()); err != nil {
		return "", err
	}
	defer r.leave()

	typ := r.measureType(m)
	if typ == domain.MeasureNumber {
		if m.SQL == nil {
			return "", domain.ErrUser("measure %s of type number needs sql", m.Path())
		}
		return r.template(m.SQL)
	}

	arg, err := r.measureArg(m)
	if err != nil {
		return "", err
	}
	if r.ungrouped {
		if arg == "*" {
			return "1", nil
		}
		return arg, nil
	}
	return aggregateSQL(r.d, typ, arg), nil
}

// measureArg renders the value fed to the aggregate, with the measure's own
// filters folded into a CASE expression.
func (r *renderer) measureArg(m *model.Measure) (string, error) {
	var arg string
	switch {
	case m.SQL != nil:
		sql, err := r.template(m.SQL)
		if err != nil {
			return "", err
		}
		arg = sql
	default:
		pks := m.Cube().PrimaryKeys()
		if len(pks) != 1 {
			arg = "*"
			break
		}
		sql, err := r.dimension(pks[0])
		if err != nil {
			return "", err
		}
		arg = wrapExpr(sql)
	}
	if len(m.Filters) == 0 {
		return arg, nil
	}
	conds, err := r.measureFilterConditions(m)
	if err != nil {
		return "", err
	}
	if arg == "*" {
		arg = "1"
	}
	return "CASE WHEN " + conds + " THEN " + arg + " END", nil
}

// measureFilterConditions renders the AND of m's filters.
func (r *renderer) measureFilterConditions(m *model.Measure) (string, error) {
	parts := make([]string, 0, len(m.Filters))
	for _, f := range m.Filters {
		sql, err := r.template(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+sql+")")
	}
	return strings.Join(parts, " AND "), nil
}

func aggregateSQL(d dialect.Dialect, typ domain.MeasureType, arg string) string {
	switch typ {
	case domain.MeasureCount:
		return "count(" + arg + ")"
	case domain.MeasureCountDistinct:
		return "count(distinct " + arg + ")"
	case domain.MeasureCountDistinctApprox:
		return d.CountDistinctApprox(arg)
	case domain.MeasureAvg:
		return "avg(" + arg + ")"
	case domain.MeasureMin:
		return "min(" + arg + ")"
	case domain.MeasureMax:
		return "max(" + arg + ")"
	default:
		// sum and the per-bucket base of running totals.
		return "sum(" + arg + ")"
	}
}

// reaggregateType is the aggregate that combines partial results of typ.
func reaggregateType(typ domain.MeasureType) (domain.MeasureType, bool) {
	switch typ {
	case domain.MeasureCount, domain.MeasureSum, domain.MeasureRunningTotal:
		return domain.MeasureSum, true
	case domain.MeasureMin:
		return domain.MeasureMin, true
	case domain.MeasureMax:
		return domain.MeasureMax, true
	}
	return "", false
}
