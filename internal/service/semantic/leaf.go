package semantic

import (
	"fmt"
	"strconv"
	"strings"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/joingraph"
	"duck-semantic/internal/model"
)

type keyColumn struct {
	alias string
	item  *dimensionItem
}

// leafSpec is one aggregating SELECT over the raw cubes.
type leafSpec struct {
	keys     []*keyColumn
	measures []*measureItem
	ranges   []*dateRange
	where    []*filterNode
	// having is only set for the outermost SELECT of a query without staged measures.
	having    []*filterNode
	segments  []*queryMember
	shifts    []model.MeasureTimeShift
	ungrouped bool
}

// shiftPlan is the effect of accumulated time shifts on one leaf.
type shiftPlan struct {
	// intervals moves data of a time dimension forward (prior) or back (next).
	intervals map[*model.Dimension]dialect.Interval
	// joinColumns replaces calendar dimensions inside join conditions.
	joinColumns []joinColumn
	ranges      []*dateRange
}

type joinColumn struct {
	dim *model.Dimension
	sql *model.Template
}

func (sp *shiftPlan) interval(d *model.Dimension) dialect.Interval {
	if sp == nil {
		return dialect.Interval{}
	}
	return sp.intervals[d]
}

// localTimeDimension reports whether values of dim are already wall clock
// dates (calendar cubes) rather than UTC instants.
func localTimeDimension(dim *model.Dimension) bool {
	chain := timeDimensionChain(dim)
	return chain[len(chain)-1].Cube().IsCalendar()
}

func (c *compilation) planShifts(spec *leafSpec) (*shiftPlan, error) {
	sp := &shiftPlan{intervals: map[*model.Dimension]dialect.Interval{}}
	var dims []*model.Dimension
	addDim := func(d *model.Dimension) {
		for _, x := range dims {
			if x == d {
				return
			}
		}
		dims = append(dims, d)
	}
	for _, k := range spec.keys {
		if k.item.gran != nil || k.item.dim.IsTime() {
			addDim(k.item.dim)
		}
	}
	for _, r := range spec.ranges {
		addDim(r.dim)
	}

	for _, s := range spec.shifts {
		for _, d := range dims {
			chain := timeDimensionChain(d)
			if s.TimeDimension != nil && !containsDimension(chain, s.TimeDimension) {
				continue
			}
			owner, declared, err := findDimensionShift(chain, s)
			if err != nil {
				return nil, err
			}
			if declared != nil && declared.SQL != nil {
				sp.joinColumns = append(sp.joinColumns, joinColumn{dim: owner, sql: declared.SQL})
				continue
			}
			ivText, typ := s.Interval, s.Type
			if declared != nil {
				ivText, typ = declared.Interval, declared.Type
			}
			iv, err := dialect.ParseInterval(ivText)
			if err != nil {
				return nil, domain.ErrUser("time shift of %s: %v", d.Path(), err)
			}
			if typ == domain.ShiftNext {
				iv = iv.Neg()
			}
			sp.intervals[d] = sp.intervals[d].Add(iv)
		}
	}

	for _, r := range spec.ranges {
		iv := sp.intervals[r.dim]
		if iv.IsZero() {
			sp.ranges = append(sp.ranges, r)
			continue
		}
		back := iv.Neg()
		sp.ranges = append(sp.ranges, r.shifted(back.AddTo))
	}
	return sp, nil
}

func containsDimension(list []*model.Dimension, d *model.Dimension) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}

// findDimensionShift finds the shift declared on a (calendar) dimension of
// chain for s: by name, or by matching interval and type.
func findDimensionShift(chain []*model.Dimension, s model.MeasureTimeShift) (*model.Dimension, *model.DimensionTimeShift, error) {
	for _, d := range chain {
		if s.Name != "" {
			if ds, ok := d.TimeShift(s.Name); ok {
				return d, ds, nil
			}
			continue
		}
		if ds, ok := d.TimeShiftForInterval(s.Interval, s.Type); ok {
			return d, ds, nil
		}
	}
	if s.Name != "" {
		return nil, nil, domain.ErrUser("time shift %s is not defined for %s", s.Name, chain[0].Path())
	}
	return nil, nil, nil
}

// keyExpr renders a grouping key. Time values are converted to the query
// timezone, shifted and bucketed.
func keyExpr(r *renderer, item *dimensionItem, shift dialect.Interval) (string, error) {
	sql, err := r.dimension(item.dim)
	if err != nil {
		return "", err
	}
	if !item.dim.IsTime() {
		return sql, nil
	}
	value := wrapExpr(sql)
	if !localTimeDimension(item.dim) {
		value = r.d.ConvertTz(value, r.tz)
	}
	if !shift.IsZero() {
		if _, ok := item.gran.(*CalendarGranularity); ok {
			return "", domain.ErrUser("granularity %s of %s can only be shifted by a time_shift with sql", item.gran.Name(), item.id)
		}
		value = r.d.AddInterval(value, shift)
	}
	if item.gran == nil {
		return value, nil
	}
	return item.gran.bucket(r, value)
}

// leafTargets lists the cubes a leaf joins; measures come first so the
// first measure's cube is the root.
func (c *compilation) leafTargets(spec *leafSpec, measures []*measureItem, sp *shiftPlan) *targetSet {
	ts := newTargetSet()
	for _, m := range measures {
		ts.addMember(&m.queryMember)
	}
	for _, k := range spec.keys {
		ts.addMember(&k.item.queryMember)
		if cal, ok := k.item.gran.(*CalendarGranularity); ok {
			ts.add(cal.JoinCube(), nil)
			ts.addTemplate(cal.SQL)
		}
	}
	for _, r := range spec.ranges {
		ts.addMember(&r.queryMember)
	}
	for _, f := range spec.where {
		f.walk(func(leaf *filterNode) { ts.addMember(leaf.member) })
	}
	for _, f := range spec.having {
		f.walk(func(leaf *filterNode) { ts.addMember(leaf.member) })
	}
	for _, s := range spec.segments {
		ts.addMember(s)
	}
	for _, jc := range sp.joinColumns {
		ts.add(jc.dim.Cube(), nil)
		ts.addTemplate(jc.sql)
	}
	return ts
}

type subquery struct {
	tree     *joingraph.Tree
	measures []*measureItem
	// keyed is the multiplied cube whose measures are aggregated over
	// distinct primary keys.
	keyed *model.Cube
}

// planSubqueries splits the measures of spec into SELECTs that each
// aggregate without double counting.
func (c *compilation) planSubqueries(spec *leafSpec, sp *shiftPlan) ([]*subquery, error) {
	type group struct {
		key      string
		measures []*measureItem
	}
	groups := []*group{{}}
	for _, m := range spec.measures {
		key := ""
		if m.split && !spec.ungrouped {
			key = pathKey(m.path)
		}
		var g *group
		for _, x := range groups {
			if x.key == key {
				g = x
				break
			}
		}
		if g == nil {
			g = &group{key: key}
			groups = append(groups, g)
		}
		g.measures = append(g.measures, m)
	}
	if len(groups[0].measures) == 0 && len(groups) > 1 {
		groups = groups[1:]
	}

	var subs []*subquery
	for _, g := range groups {
		tree, err := c.resolveTree(c.leafTargets(spec, g.measures, sp), spec.keys)
		if err != nil {
			return nil, err
		}
		regular := &subquery{tree: tree}
		var keyed []*subquery
		for _, m := range g.measures {
			if spec.ungrouped || !tree.IsMultiplied(m.cube()) || fanOutSafe(m.measure) {
				regular.measures = append(regular.measures, m)
				continue
			}
			var sub *subquery
			for _, k := range keyed {
				if k.keyed == m.cube() {
					sub = k
				}
			}
			if sub == nil {
				if len(m.cube().PrimaryKeys()) == 0 {
					return nil, domain.ErrUser("cube %s needs a primary key: its measure %s is multiplied by a join", m.cube().Name, m.id)
				}
				if others := referencedCubes(m.measure); len(others) > 0 {
					return nil, domain.ErrUser("measure %s is multiplied by a join and can't reference cube %s", m.id, others[0].Name)
				}
				sub = &subquery{tree: tree, keyed: m.cube()}
				keyed = append(keyed, sub)
			}
			sub.measures = append(sub.measures, m)
		}
		if len(regular.measures) > 0 || len(keyed) == 0 {
			subs = append(subs, regular)
		}
		subs = append(subs, keyed...)
	}
	return subs, nil
}

// fanOutSafe measures give the same result over duplicated rows.
func fanOutSafe(m *model.Measure) bool {
	switch m.Type {
	case domain.MeasureCountDistinct, domain.MeasureCountDistinctApprox, domain.MeasureMin, domain.MeasureMax:
		return true
	}
	return false
}

// buildLeaf renders spec. The result selects the key aliases followed by
// the measure aliases.
func (c *compilation) buildLeaf(spec *leafSpec) (string, error) {
	sp, err := c.planShifts(spec)
	if err != nil {
		return "", err
	}
	r := c.newRenderer()
	r.ungrouped = spec.ungrouped
	joinR := r.child()
	for _, jc := range sp.joinColumns {
		sql, err := r.template(jc.sql)
		if err != nil {
			return "", err
		}
		joinR.columns[jc.dim] = wrapExpr(sql)
	}

	subs, err := c.planSubqueries(spec, sp)
	if err != nil {
		return "", err
	}
	if len(subs) == 1 {
		return c.renderSubquery(r, joinR, spec, sp, subs[0], true)
	}

	q := r.quote
	var ctes []string
	columns := map[string]string{}
	for i, sub := range subs {
		sql, err := c.renderSubquery(r, joinR, spec, sp, sub, false)
		if err != nil {
			return "", err
		}
		name := "q_" + strconv.Itoa(i)
		ctes = append(ctes, q(name)+" AS (\n"+sql+"\n)")
		for _, m := range sub.measures {
			columns[m.id] = q(name) + "." + q(m.alias)
		}
	}

	var selects []string
	for _, k := range spec.keys {
		selects = append(selects, q("keys")+"."+q(k.alias)+" AS "+q(k.alias))
	}
	for _, m := range spec.measures {
		if !m.hidden {
			selects = append(selects, columns[m.id]+" AS "+q(m.alias))
		}
	}

	var b strings.Builder
	b.WriteString("WITH " + strings.Join(ctes, ",\n") + "\nSELECT\n  " + strings.Join(selects, ",\n  ") + "\n")
	if len(spec.keys) == 0 {
		b.WriteString("FROM " + q("q_0"))
		for i := 1; i < len(subs); i++ {
			b.WriteString("\nCROSS JOIN " + q("q_"+strconv.Itoa(i)))
		}
	} else {
		keyList := make([]string, len(spec.keys))
		for i, k := range spec.keys {
			keyList[i] = q(k.alias)
		}
		unions := make([]string, len(subs))
		for i := range subs {
			unions[i] = "SELECT " + strings.Join(keyList, ", ") + " FROM " + q("q_"+strconv.Itoa(i))
		}
		b.WriteString("FROM (\n" + strings.Join(unions, "\nUNION\n") + "\n) AS " + q("keys"))
		for i := range subs {
			name := q("q_" + strconv.Itoa(i))
			b.WriteString("\nLEFT JOIN " + name + " ON " + keyJoinCondition(r, q("keys"), name, spec.keys))
		}
	}
	if len(spec.having) > 0 {
		env := &filterEnv{r: r, loc: c.plan.loc, value: func(m *queryMember) (string, error) {
			col, ok := columns[m.id]
			if !ok {
				return "", domain.ErrInternal("measure %s is not computed", m.id)
			}
			return col, nil
		}}
		cond, err := env.conjunction(spec.having)
		if err != nil {
			return "", err
		}
		b.WriteString("\nWHERE " + cond)
	}
	return b.String(), nil
}

// keyJoinCondition matches rows of two relations sharing key aliases; NULL
// keys match each other.
func keyJoinCondition(r *renderer, left, right string, keys []*keyColumn) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = left + "." + r.quote(k.alias) + " IS NOT DISTINCT FROM " + right + "." + r.quote(k.alias)
	}
	return strings.Join(parts, " AND ")
}

// rowValue reads members at row level.
func rowValue(r *renderer) func(m *queryMember) (string, error) {
	return func(m *queryMember) (string, error) {
		switch v := m.member.(type) {
		case *model.Dimension:
			sql, err := r.dimension(v)
			return wrapExpr(sql), err
		case *model.Measure:
			sql, err := r.measure(v)
			return wrapExpr(sql), err
		}
		return "", domain.ErrInternal("unsupported filter member %s", m.id)
	}
}

// whereConditions renders ranges, row filters and segments of spec.
func (c *compilation) whereConditions(r *renderer, spec *leafSpec, sp *shiftPlan) ([]string, error) {
	var conds []string
	for _, dr := range sp.ranges {
		sql, err := r.dimension(dr.dim)
		if err != nil {
			return nil, err
		}
		env := &filterEnv{r: r, loc: c.plan.loc, localTime: localTimeDimension(dr.dim)}
		if cond := env.rangeCondition(wrapExpr(sql), dr); cond != "" {
			conds = append(conds, cond)
		}
	}
	env := &filterEnv{r: r, loc: c.plan.loc, value: rowValue(r)}
	for _, f := range spec.where {
		sql, err := env.filter(f)
		if err != nil {
			return nil, err
		}
		conds = append(conds, sql)
	}
	if spec.ungrouped {
		for _, f := range spec.having {
			sql, err := env.filter(f)
			if err != nil {
				return nil, err
			}
			conds = append(conds, sql)
		}
	}
	for _, s := range spec.segments {
		sql, err := r.segment(s.member.(*model.Segment))
		if err != nil {
			return nil, err
		}
		conds = append(conds, "("+sql+")")
	}
	return conds, nil
}

// renderSubquery renders one SELECT of a leaf. When alone it also carries
// HAVING and leaves hidden measures out.
func (c *compilation) renderSubquery(r, joinR *renderer, spec *leafSpec, sp *shiftPlan, sub *subquery, alone bool) (string, error) {
	if sub.keyed != nil {
		return c.renderKeyedSubquery(r, joinR, spec, sp, sub, alone)
	}
	q := r.quote
	var selects []string
	for _, k := range spec.keys {
		sql, err := keyExpr(r, k.item, sp.interval(k.item.dim))
		if err != nil {
			return "", err
		}
		selects = append(selects, sql+" AS "+q(k.alias))
	}
	for _, m := range sub.measures {
		if alone && m.hidden {
			continue
		}
		sql, err := r.measure(m.measure)
		if err != nil {
			return "", err
		}
		selects = append(selects, sql+" AS "+q(m.alias))
	}
	from, err := fromClause(r, joinR, sub.tree)
	if err != nil {
		return "", err
	}
	conds, err := c.whereConditions(r, spec, sp)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT\n  " + strings.Join(selects, ",\n  ") + "\n" + from)
	if len(conds) > 0 {
		b.WriteString("\nWHERE " + joinConditions(conds))
	}
	if !spec.ungrouped && len(spec.keys) > 0 {
		b.WriteString("\nGROUP BY " + groupByPositions(len(spec.keys)))
	}
	if alone && !spec.ungrouped && len(spec.having) > 0 {
		env := &filterEnv{r: r, loc: c.plan.loc, value: rowValue(r)}
		cond, err := env.conjunction(spec.having)
		if err != nil {
			return "", err
		}
		b.WriteString("\nHAVING " + cond)
	}
	return b.String(), nil
}

// renderKeyedSubquery aggregates measures of a multiplied cube over the
// distinct (keys, primary key) pairs of the join, joined back to the cube.
func (c *compilation) renderKeyedSubquery(r, joinR *renderer, spec *leafSpec, sp *shiftPlan, sub *subquery, alone bool) (string, error) {
	q := r.quote
	pks := sub.keyed.PrimaryKeys()

	var inner []string
	for _, k := range spec.keys {
		sql, err := keyExpr(r, k.item, sp.interval(k.item.dim))
		if err != nil {
			return "", err
		}
		inner = append(inner, sql+" AS "+q(k.alias))
	}
	var on []string
	for i, pk := range pks {
		sql, err := r.dimension(pk)
		if err != nil {
			return "", err
		}
		alias := fmt.Sprintf("pk__%d", i)
		inner = append(inner, wrapExpr(sql)+" AS "+q(alias))
		on = append(on, q("keys")+"."+q(alias)+" = "+wrapExpr(sql))
	}
	from, err := fromClause(r, joinR, sub.tree)
	if err != nil {
		return "", err
	}
	conds, err := c.whereConditions(r, spec, sp)
	if err != nil {
		return "", err
	}

	var outer []string
	for _, k := range spec.keys {
		outer = append(outer, q("keys")+"."+q(k.alias)+" AS "+q(k.alias))
	}
	for _, m := range sub.measures {
		if alone && m.hidden {
			continue
		}
		sql, err := r.measure(m.measure)
		if err != nil {
			return "", err
		}
		outer = append(outer, sql+" AS "+q(m.alias))
	}

	var b strings.Builder
	b.WriteString("SELECT\n  " + strings.Join(outer, ",\n  ") + "\nFROM (\nSELECT DISTINCT\n  " + strings.Join(inner, ",\n  ") + "\n" + from)
	if len(conds) > 0 {
		b.WriteString("\nWHERE " + joinConditions(conds))
	}
	b.WriteString("\n) AS " + q("keys") + "\nLEFT JOIN " + sub.keyed.FromSQL() + " AS " + r.cubeAlias(sub.keyed) + " ON " + strings.Join(on, " AND "))
	if len(spec.keys) > 0 {
		b.WriteString("\nGROUP BY " + groupByPositions(len(spec.keys)))
	}
	if alone && len(spec.having) > 0 {
		env := &filterEnv{r: r, loc: c.plan.loc, value: rowValue(r)}
		cond, err := env.conjunction(spec.having)
		if err != nil {
			return "", err
		}
		b.WriteString("\nHAVING " + cond)
	}
	return b.String(), nil
}

func groupByPositions(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = strconv.Itoa(i + 1)
	}
	return strings.Join(parts, ", ")
}
