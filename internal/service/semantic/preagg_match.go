package semantic

import (
	"strings"
	"time"

	"duck-semantic/internal/joingraph"
	"duck-semantic/internal/model"
)

// rollupMatch is a rollup able to answer the current query.
type rollupMatch struct {
	pa         *model.PreAggregation
	columns    map[model.Member]string
	timeColumn string
	// exact rollups hold the query's rows as they are, so no re-aggregation
	// is needed.
	exact bool
	// extra counts rollup columns the query does not group by.
	extra int
	rank  int
	order int
}

// better orders candidates: the rollup granularity closest to the request
// (the coarsest still derivable), then the fewest extra columns, then
// declaration order.
func (m *rollupMatch) better(other *rollupMatch) bool {
	if m.rank != other.rank {
		return m.rank > other.rank
	}
	if m.extra != other.extra {
		return m.extra < other.extra
	}
	return m.order < other.order
}

// matchPreAggregation picks the rollup serving the plan, or nil.
func (c *compilation) matchPreAggregation() *rollupMatch {
	p := c.plan
	if p.ungrouped || p.tz != c.svc.defaultTimezone {
		return nil
	}
	tree := c.queryTree()
	if tree == nil {
		return nil
	}
	var best *rollupMatch
	order := 0
	for _, cube := range c.schema.Table.Cubes() {
		for _, pa := range cube.PreAggregations {
			order++
			m := c.matchRollup(pa, tree)
			if m == nil {
				continue
			}
			m.order = order
			if best == nil || m.better(best) {
				best = m
			}
		}
	}
	return best
}

// queryTree is the join tree the query would use without rollups.
func (c *compilation) queryTree() *joingraph.Tree {
	p := c.plan
	ts := newTargetSet()
	for _, m := range p.measures {
		ts.addMember(&m.queryMember)
	}
	for _, d := range p.dims {
		ts.addMember(&d.queryMember)
	}
	for _, r := range p.ranges {
		ts.addMember(&r.queryMember)
	}
	for _, f := range p.where {
		f.walk(func(leaf *filterNode) { ts.addMember(leaf.member) })
	}
	for _, s := range p.segments {
		ts.addMember(s)
	}
	if len(ts.targets) == 0 {
		return nil
	}
	tree, err := c.schema.Graph.Resolve(ts.targets)
	if err != nil {
		return nil
	}
	return tree
}

func rollupTree(g *joingraph.Graph, pa *model.PreAggregation) *joingraph.Tree {
	ts := newTargetSet()
	ts.add(pa.Cube, nil)
	refs := append(append(append([]model.MemberRef{}, pa.Measures...), pa.Dimensions...), pa.Segments...)
	if pa.TimeDimension != nil {
		refs = append(refs, *pa.TimeDimension)
	}
	for _, ref := range refs {
		m := targetMember(ref.Member)
		ts.add(m.Cube(), ref.JoinPath)
		ts.addReferences(m)
	}
	tree, err := g.Resolve(ts.targets)
	if err != nil {
		return nil
	}
	return tree
}

func (c *compilation) matchRollup(pa *model.PreAggregation, queryTree *joingraph.Tree) *rollupMatch {
	p := c.plan
	measures := memberSet(pa.Measures)
	dims := memberSet(pa.Dimensions)
	segments := memberSet(pa.Segments)
	var timeDim *model.Dimension
	if pa.TimeDimension != nil {
		timeDim, _ = targetMember(pa.TimeDimension.Member).(*model.Dimension)
	}

	needExact := false
	for _, m := range p.measures {
		if !measures[m.measure] {
			return nil
		}
		if !m.measure.IsAdditive() || isStaged(m.measure) {
			needExact = true
		}
	}

	plain := map[model.Member]bool{}
	sameGranularity := true
	bucketed := false
	for _, d := range p.dims {
		if d.gran == nil {
			if !dims[d.dim] {
				return nil
			}
			plain[d.dim] = true
			continue
		}
		if timeDim == nil || d.dim != timeDim || !granularityServes(pa.Granularity, d.gran) {
			return nil
		}
		bucketed = true
		if d.gran.Name() != pa.Granularity {
			sameGranularity = false
		}
	}

	for _, r := range p.ranges {
		if timeDim == nil || r.dim != timeDim || r.fromParam != "" || r.toParam != "" {
			return nil
		}
		if !rangeAligned(r, pa.Granularity) {
			return nil
		}
	}

	for _, f := range p.where {
		ok := true
		f.walk(func(leaf *filterNode) {
			if !dims[leaf.member.member] {
				ok = false
			}
		})
		if !ok {
			return nil
		}
	}

	if len(p.segments) != len(segments) {
		return nil
	}
	for _, s := range p.segments {
		if !segments[s.member] {
			return nil
		}
	}

	rt := rollupTree(c.schema.Graph, pa)
	if rt == nil || rt.Root != queryTree.Root {
		return nil
	}
	for _, cube := range queryTree.Cubes() {
		if !rt.Contains(cube) || pathKey(rt.PathTo(cube)) != pathKey(queryTree.PathTo(cube)) {
			return nil
		}
	}

	exact := len(plain) == len(dims) && sameGranularity && bucketed == (timeDim != nil)
	if needExact && !exact {
		return nil
	}

	m := &rollupMatch{
		pa:         pa,
		columns:    rollupColumns(pa),
		timeColumn: rollupTimeColumn(pa),
		exact:      exact,
		extra:      len(dims) - len(plain),
		rank:       -1,
	}
	if timeDim != nil {
		m.rank = granularityRank(pa.Granularity)
		if !bucketed {
			m.extra++
		}
	}
	return m
}

func memberSet(refs []model.MemberRef) map[model.Member]bool {
	out := make(map[model.Member]bool, len(refs))
	for _, ref := range refs {
		out[targetMember(ref.Member)] = true
	}
	return out
}

// granularityServes reports whether a rollup bucketed by rollup can be
// regrouped into g.
func granularityServes(rollup string, g Granularity) bool {
	if g.Name() == rollup {
		return true
	}
	if _, ok := g.(*StandardGranularity); !ok || !model.IsStandardGranularity(rollup) {
		return false
	}
	return derivableGranularity(rollup, g.Name())
}

// rangeAligned reports whether the range covers whole rollup buckets.
func rangeAligned(r *dateRange, granularity string) bool {
	if !model.IsStandardGranularity(granularity) {
		return false
	}
	if !r.from.IsZero() && !truncateTime(r.from, granularity).Equal(r.from) {
		return false
	}
	if !r.to.IsZero() {
		next := r.to.Add(time.Millisecond)
		if !truncateTime(next, granularity).Equal(next) {
			return false
		}
	}
	return true
}

// rewriteForRollup reads the query from the rollup table instead of the cubes.
func (c *compilation) rewriteForRollup(m *rollupMatch) (string, error) {
	p := c.plan
	d := c.svc.dialect
	r := c.newRenderer()
	q := r.quote

	var selects []string
	for _, item := range p.dims {
		var expr string
		switch {
		case item.gran == nil:
			expr = q(m.columns[item.dim])
		case item.gran.Name() == m.pa.Granularity:
			expr = q(m.timeColumn)
		default:
			expr = d.DateTrunc(item.gran.Name(), q(m.timeColumn))
		}
		selects = append(selects, expr+" AS "+q(item.alias))
	}
	measureExpr := func(item *measureItem) string {
		column := q(m.columns[item.measure])
		if m.exact {
			return column
		}
		typ, _ := reaggregateType(item.measure.Type)
		return aggregateSQL(d, typ, column)
	}
	for _, item := range p.visibleMeasures() {
		selects = append(selects, measureExpr(item)+" AS "+q(item.alias))
	}

	var conds []string
	for _, dr := range p.ranges {
		env := &filterEnv{r: r, loc: p.loc, localTime: true}
		if cond := env.rangeCondition(q(m.timeColumn), dr); cond != "" {
			conds = append(conds, cond)
		}
	}
	rowEnv := &filterEnv{r: r, loc: p.loc, localTime: true, value: func(qm *queryMember) (string, error) {
		return q(m.columns[qm.member]), nil
	}}
	for _, f := range p.where {
		cond, err := rowEnv.filter(f)
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}

	var having string
	if len(p.having) > 0 {
		env := &filterEnv{r: r, loc: p.loc, localTime: true, value: func(qm *queryMember) (string, error) {
			for _, item := range p.measures {
				if item.measure == qm.member {
					return measureExpr(item), nil
				}
			}
			return q(m.columns[qm.member]), nil
		}}
		cond, err := env.conjunction(p.having)
		if err != nil {
			return "", err
		}
		if m.exact {
			conds = append(conds, cond)
		} else {
			having = cond
		}
	}

	var b strings.Builder
	b.WriteString("SELECT\n  " + strings.Join(selects, ",\n  ") + "\nFROM " + preAggregationTable(c.preAggSchema, m.pa))
	if len(conds) > 0 {
		b.WriteString("\nWHERE " + joinConditions(conds))
	}
	if !m.exact && len(p.dims) > 0 {
		b.WriteString("\nGROUP BY " + groupByPositions(len(p.dims)))
	}
	if having != "" {
		b.WriteString("\nHAVING " + having)
	}
	return b.String(), nil
}
