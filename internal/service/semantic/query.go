package semantic

import (
	"strings"
	"time"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

// queryMember is a member as requested by the query, unwrapped from views.
type queryMember struct {
	id    string
	alias string
	// member is the cube member doing the work, never a view proxy.
	member model.Member
	// path is the explicit cube walk to member's cube (view join_path or a
	// join-qualified reference), or nil.
	path  []*model.Cube
	split bool
}

func (m *queryMember) cube() *model.Cube { return m.member.Cube() }

// dimensionItem is a grouping key. Time dimensions with a granularity carry it.
type dimensionItem struct {
	queryMember
	dim  *model.Dimension
	gran Granularity
}

type measureItem struct {
	queryMember
	measure *model.Measure
	// hidden measures only feed measure filters and are not returned.
	hidden bool
}

// dateRange restricts a time dimension to [from, to], both wall clock times
// in the query location. A zero bound is open.
type dateRange struct {
	queryMember
	dim      *model.Dimension
	from, to time.Time
	// fromParam and toParam replace the bound values with fixed parameters
	// (partition templates bind them later).
	fromParam, toParam string
}

func (r *dateRange) shifted(fn func(time.Time) time.Time) *dateRange {
	out := *r
	if !out.from.IsZero() {
		out.from = fn(out.from)
	}
	if !out.to.IsZero() {
		out.to = fn(out.to)
	}
	return &out
}

type filterNode struct {
	and, or  []*filterNode
	member   *queryMember
	operator string
	values   []string
}

func (f *filterNode) isGroup() bool { return f.member == nil }

// walk calls fn for every leaf.
func (f *filterNode) walk(fn func(*filterNode)) {
	if !f.isGroup() {
		fn(f)
		return
	}
	for _, c := range f.and {
		c.walk(fn)
	}
	for _, c := range f.or {
		c.walk(fn)
	}
}

// kinds reports whether the filter tree touches aggregated measures and row
// level members. measureFilter applies a measure's own filters to rows, so it
// counts as row level.
func (f *filterNode) kinds() (measures, dimensions bool) {
	f.walk(func(leaf *filterNode) {
		if leaf.operator != domain.OpMeasureFilter && leaf.member.member.Kind() == model.KindMeasure {
			measures = true
		} else {
			dimensions = true
		}
	})
	return measures, dimensions
}

type orderItem struct {
	alias string
	desc  bool
}

// plan is a query with every member resolved against the symbol table.
type plan struct {
	tz        string
	loc       *time.Location
	dims      []*dimensionItem
	measures  []*measureItem
	ranges    []*dateRange
	where     []*filterNode
	having    []*filterNode
	segments  []*queryMember
	order     []orderItem
	limit     int
	noLimit   bool
	offset    int
	ungrouped bool
}

// visibleMeasures are the measures returned to the caller.
func (p *plan) visibleMeasures() []*measureItem {
	var out []*measureItem
	for _, m := range p.measures {
		if !m.hidden {
			out = append(out, m)
		}
	}
	return out
}

func (c *compilation) resolveMember(id string) (queryMember, string, error) {
	ref, err := c.schema.Table.Resolve(id)
	if err != nil {
		return queryMember{}, "", err
	}
	qm := queryMember{id: id, member: ref.Member, path: ref.JoinPath}
	if p, ok := ref.Member.(*model.Proxy); ok {
		qm.member = p.Target
		qm.path = p.CubePath
		qm.split = p.Split
	}
	if !qm.member.IsPublic() && !c.allowPrivate {
		if _, isProxy := ref.Member.(*model.Proxy); !isProxy {
			return queryMember{}, "", domain.ErrUser("member %s is not public", id)
		}
	}
	return qm, ref.Granularity, nil
}

func (c *compilation) resolvePlan(q *domain.Query) (*plan, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	tz := q.Timezone
	if tz == "" {
		tz = c.svc.defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.ErrUser("unknown timezone %q", tz)
	}
	p := &plan{tz: tz, loc: loc, limit: q.EffectiveLimit(), offset: q.Offset, ungrouped: q.Ungrouped}

	for _, id := range q.Dimensions {
		qm, gran, err := c.resolveMember(id)
		if err != nil {
			return nil, err
		}
		dim, ok := qm.member.(*model.Dimension)
		if !ok {
			return nil, domain.ErrUser("%s is not a dimension", id)
		}
		item := &dimensionItem{queryMember: qm, dim: dim}
		item.alias = memberAlias(id, "")
		if gran != "" {
			// "orders.created_at.month" requested as a plain dimension.
			if item.gran, err = ResolveGranularity(dim, gran); err != nil {
				return nil, err
			}
			item.id = strings.TrimSuffix(id, "."+gran)
			item.alias = memberAlias(item.id, gran)
		}
		p.dims = append(p.dims, item)
	}

	for _, td := range q.TimeDimensions {
		qm, _, err := c.resolveMember(td.Dimension)
		if err != nil {
			return nil, err
		}
		dim, ok := qm.member.(*model.Dimension)
		if !ok || !dim.IsTime() {
			return nil, domain.ErrUser("%s is not a time dimension", td.Dimension)
		}
		if td.Granularity != "" {
			item := &dimensionItem{queryMember: qm, dim: dim}
			if item.gran, err = ResolveGranularity(dim, td.Granularity); err != nil {
				return nil, err
			}
			item.alias = memberAlias(td.Dimension, td.Granularity)
			if !containsAlias(p.dims, item.alias) {
				p.dims = append(p.dims, item)
			}
		}
		if len(td.DateRange) == 2 {
			from, to, err := parseDateRange(td.DateRange[0], td.DateRange[1], loc)
			if err != nil {
				return nil, err
			}
			p.ranges = append(p.ranges, &dateRange{queryMember: qm, dim: dim, from: from, to: to})
		}
	}

	for _, id := range q.Measures {
		qm, _, err := c.resolveMember(id)
		if err != nil {
			return nil, err
		}
		m, ok := qm.member.(*model.Measure)
		if !ok {
			return nil, domain.ErrUser("%s is not a measure", id)
		}
		qm.alias = memberAlias(id, "")
		p.measures = append(p.measures, &measureItem{queryMember: qm, measure: m})
	}

	for _, id := range q.Segments {
		qm, _, err := c.resolveMember(id)
		if err != nil {
			return nil, err
		}
		if qm.member.Kind() != model.KindSegment {
			return nil, domain.ErrUser("%s is not a segment", id)
		}
		p.segments = append(p.segments, &qm)
	}

	for i := range q.Filters {
		node, err := c.resolveFilter(&q.Filters[i], p)
		if err != nil {
			return nil, err
		}
		hasMeasures, hasDimensions := node.kinds()
		switch {
		case hasMeasures && hasDimensions:
			return nil, domain.ErrUser("a filter group can't mix measures and dimensions")
		case hasMeasures:
			p.having = append(p.having, node)
		default:
			p.where = append(p.where, node)
		}
	}
	// Measures filtered on but not requested are computed and dropped.
	for _, f := range p.having {
		f.walk(func(leaf *filterNode) {
			if leaf.operator == domain.OpMeasureFilter {
				return
			}
			for _, m := range p.measures {
				if m.id == leaf.member.id {
					return
				}
			}
			qm := *leaf.member
			qm.alias = memberAlias(qm.id, "")
			p.measures = append(p.measures, &measureItem{queryMember: qm, measure: qm.member.(*model.Measure), hidden: true})
		})
	}

	if err := p.resolveOrder(q); err != nil {
		return nil, err
	}
	return p, nil
}

func containsAlias(items []*dimensionItem, alias string) bool {
	for _, d := range items {
		if d.alias == alias {
			return true
		}
	}
	return false
}

func (c *compilation) resolveFilter(f *domain.Filter, p *plan) (*filterNode, error) {
	if f.IsGroup() {
		node := &filterNode{}
		for i := range f.And {
			child, err := c.resolveFilter(&f.And[i], p)
			if err != nil {
				return nil, err
			}
			node.and = append(node.and, child)
		}
		for i := range f.Or {
			child, err := c.resolveFilter(&f.Or[i], p)
			if err != nil {
				return nil, err
			}
			node.or = append(node.or, child)
		}
		return node, nil
	}
	qm, gran, err := c.resolveMember(f.Member)
	if err != nil {
		return nil, err
	}
	if gran != "" {
		return nil, domain.ErrUser("filter member %s can't have a granularity", f.Member)
	}
	switch qm.member.Kind() {
	case model.KindSegment:
		return nil, domain.ErrUser("segment %s can't be used as a filter member", f.Member)
	case model.KindMeasure:
		if isDateOperator(f.Operator) {
			return nil, domain.ErrUser("filter %s: operator %s needs a time dimension", f.Member, f.Operator)
		}
	case model.KindDimension:
		if f.Operator == domain.OpMeasureFilter {
			return nil, domain.ErrUser("filter %s: measureFilter needs a measure", f.Member)
		}
		if isDateOperator(f.Operator) && !qm.member.(*model.Dimension).IsTime() {
			return nil, domain.ErrUser("filter %s: operator %s needs a time dimension", f.Member, f.Operator)
		}
	}
	if isDateOperator(f.Operator) {
		for _, v := range f.Values {
			if _, err := parseBound(v, p.loc, false); err != nil {
				return nil, err
			}
		}
	}
	return &filterNode{member: &qm, operator: f.Operator, values: f.Values}, nil
}

func (p *plan) resolveOrder(q *domain.Query) error {
	if len(q.Order) == 0 {
		p.order = p.defaultOrder()
		return nil
	}
	for _, o := range q.Order {
		alias, ok := p.orderAlias(o.ID)
		if !ok {
			return domain.ErrUser("order member %s is not part of the query", o.ID)
		}
		p.order = append(p.order, orderItem{alias: alias, desc: o.Desc})
	}
	return nil
}

func (p *plan) orderAlias(id string) (string, bool) {
	for _, m := range p.visibleMeasures() {
		if m.id == id {
			return m.alias, true
		}
	}
	for _, d := range p.dims {
		if d.id == id {
			return d.alias, true
		}
		if d.gran != nil && id == d.id+"."+d.gran.Name() {
			return d.alias, true
		}
	}
	return "", false
}

// defaultOrder sorts by the first time dimension, else the first measure
// (descending), else the first dimension.
func (p *plan) defaultOrder() []orderItem {
	if p.ungrouped {
		return nil
	}
	for _, d := range p.dims {
		if d.gran != nil {
			return []orderItem{{alias: d.alias}}
		}
	}
	if ms := p.visibleMeasures(); len(ms) > 0 {
		return []orderItem{{alias: ms[0].alias, desc: true}}
	}
	if len(p.dims) > 0 {
		return []orderItem{{alias: p.dims[0].alias}}
	}
	return nil
}
