package semantic

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

// isStaged reports whether m needs the staged pipeline: it is multi-stage,
// has a rolling window, or is computed from such a measure.
func isStaged(m *model.Measure) bool {
	return isStagedSeen(m, map[*model.Measure]bool{})
}

func isStagedSeen(m *model.Measure, seen map[*model.Measure]bool) bool {
	if m.IsMultiStage() || m.RollingWindow() != nil {
		return true
	}
	if seen[m] {
		return false
	}
	seen[m] = true
	for _, dep := range model.MeasureDependencies(m) {
		if isStagedSeen(dep, seen) {
			return true
		}
	}
	return false
}

// stageNode is a CTE holding one measure at a grain.
type stageNode struct {
	cte   string
	keys  []*keyColumn
	alias string
	// dense nodes carry a row for every bucket of the date range, with or
	// without data.
	dense bool
}

type cte struct {
	name string
	sql  string
}

// stagePipeline builds measures that aggregate other aggregates as a chain
// of CTEs. Every stage is a NestedAggregationStage: an inner SELECT at some
// grain re-aggregated to the grain its parent asks for.
type stagePipeline struct {
	c    *compilation
	ctes []cte
	memo map[string]*stageNode
}

func (sp *stagePipeline) add(sql string) string {
	name := "cte_" + strconv.Itoa(len(sp.ctes))
	sp.ctes = append(sp.ctes, cte{name: name, sql: sql})
	return name
}

func (sp *stagePipeline) q(ident string) string { return sp.c.svc.dialect.Quote(ident) }

func keysSignature(keys []*keyColumn) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.alias
	}
	return strings.Join(parts, ",")
}

func shiftsSignature(shifts []model.MeasureTimeShift) string {
	parts := make([]string, len(shifts))
	for i, s := range shifts {
		dim := "*"
		if s.TimeDimension != nil {
			dim = s.TimeDimension.Path()
		}
		parts[i] = dim + ":" + s.Interval + ":" + s.Type + ":" + s.Name
	}
	return strings.Join(parts, ",")
}

func rangesSignature(ranges []*dateRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.dim.Path() + ":" + r.from.String() + ":" + r.to.String()
	}
	return strings.Join(parts, ",")
}

// dependencyItem addresses a measure referenced by another measure.
func dependencyItem(parent *measureItem, dep *model.Measure) *measureItem {
	qm := queryMember{id: dep.Path(), alias: memberAlias(dep.Path(), ""), member: dep}
	if dep.Cube() == parent.cube() {
		qm.path = parent.path
	}
	return &measureItem{queryMember: qm, measure: dep}
}

func dimensionKey(d *model.Dimension) *keyColumn {
	qm := queryMember{id: d.Path(), alias: memberAlias(d.Path(), ""), member: d}
	return &keyColumn{alias: qm.alias, item: &dimensionItem{queryMember: qm, dim: d}}
}

func (sp *stagePipeline) node(item *measureItem, grain []*keyColumn, shifts []model.MeasureTimeShift, ranges []*dateRange) (*stageNode, error) {
	m := item.measure
	sig := strings.Join([]string{m.Path(), keysSignature(grain), shiftsSignature(shifts), rangesSignature(ranges)}, "|")
	if n, ok := sp.memo[sig]; ok {
		return n, nil
	}
	var (
		n   *stageNode
		err error
	)
	switch {
	case m.IsMultiStage() && m.Def.RollingWindow != nil:
		return nil, domain.ErrUser("measure %s can't be both multi_stage and a rolling window", m.Path())
	case m.RollingWindow() != nil:
		n, err = sp.rolling(item, grain, shifts, ranges)
	case isStaged(m):
		n, err = sp.nested(item, grain, shifts, ranges)
	default:
		n, err = sp.leaf([]*measureItem{item}, grain, shifts, ranges)
	}
	if err != nil {
		return nil, err
	}
	sp.memo[sig] = n
	return n, nil
}

// leaf aggregates raw rows of measures at grain.
func (sp *stagePipeline) leaf(measures []*measureItem, grain []*keyColumn, shifts []model.MeasureTimeShift, ranges []*dateRange) (*stageNode, error) {
	p := sp.c.plan
	sql, err := sp.c.buildLeaf(&leafSpec{
		keys:     grain,
		measures: measures,
		ranges:   ranges,
		where:    p.where,
		segments: p.segments,
		shifts:   shifts,
	})
	if err != nil {
		return nil, err
	}
	n := &stageNode{cte: sp.add(sql), keys: grain}
	if len(measures) == 1 {
		n.alias = measures[0].alias
	}
	return n, nil
}

// keysOnly lists the key combinations present at grain.
func (sp *stagePipeline) keysOnly(grain []*keyColumn, shifts []model.MeasureTimeShift, ranges []*dateRange) (*stageNode, error) {
	sig := strings.Join([]string{"keys", keysSignature(grain), shiftsSignature(shifts), rangesSignature(ranges)}, "|")
	if n, ok := sp.memo[sig]; ok {
		return n, nil
	}
	n, err := sp.leaf(nil, grain, shifts, ranges)
	if err != nil {
		return nil, err
	}
	sp.memo[sig] = n
	return n, nil
}

// withDenseKeys extends driver with the key combinations of dense nodes at
// the same grain, so buckets without data keep their rolling values.
func (sp *stagePipeline) withDenseKeys(driver *stageNode, nodes []*stageNode) *stageNode {
	keyList := make([]string, len(driver.keys))
	for i, k := range driver.keys {
		keyList[i] = sp.q(k.alias)
	}
	selects := []string{"SELECT " + strings.Join(keyList, ", ") + " FROM " + sp.q(driver.cte)}
	for _, n := range nodes {
		if n.dense && keysSignature(n.keys) == keysSignature(driver.keys) {
			selects = append(selects, "SELECT "+strings.Join(keyList, ", ")+" FROM "+sp.q(n.cte))
		}
	}
	if len(selects) == 1 {
		return driver
	}
	return &stageNode{cte: sp.add(strings.Join(selects, "\nUNION\n")), keys: driver.keys, dense: true}
}

// innerGrain is the grain a nested measure computes its operands at.
func innerGrain(m *model.Measure, grain []*keyColumn) []*keyColumn {
	if len(m.GroupBy) > 0 {
		var out []*keyColumn
		for _, k := range grain {
			if containsDimension(m.GroupBy, k.item.dim) {
				out = append(out, k)
			}
		}
		return out
	}
	out := append([]*keyColumn(nil), grain...)
	for _, d := range m.AddGroupBy {
		k := dimensionKey(d)
		dup := false
		for _, existing := range out {
			if existing.alias == k.alias {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}

// nested computes m from the measures it references at the inner grain,
// then aggregates the result with m's own type up to the requested grain.
func (sp *stagePipeline) nested(item *measureItem, grain []*keyColumn, shifts []model.MeasureTimeShift, ranges []*dateRange) (*stageNode, error) {
	m := item.measure
	inner := innerGrain(m, grain)
	regrouped := len(m.GroupBy) > 0 || len(inner) != len(grain)
	if m.Type == domain.MeasureNumber && regrouped {
		return nil, domain.ErrUser("multi_stage measure %s of type number can't change its grouping; use an aggregating type", m.Path())
	}
	innerShifts := append(append([]model.MeasureTimeShift(nil), shifts...), m.TimeShifts...)

	deps := model.MeasureDependencies(m)
	var depNodes []*stageNode
	if len(deps) == 0 {
		// A multi-stage measure over raw rows: its own aggregate is the operand.
		plain := *item
		plain.alias = memberAlias(m.Path(), "")
		n, err := sp.leaf([]*measureItem{&plain}, inner, innerShifts, ranges)
		if err != nil {
			return nil, err
		}
		depNodes = append(depNodes, n)
	}
	for _, dep := range deps {
		n, err := sp.node(dependencyItem(item, dep), inner, innerShifts, ranges)
		if err != nil {
			return nil, err
		}
		depNodes = append(depNodes, n)
	}

	var driver *stageNode
	for _, n := range depNodes {
		if len(n.keys) == len(inner) && (driver == nil || n.dense && !driver.dense) {
			driver = n
		}
	}
	if driver == nil {
		var err error
		if driver, err = sp.keysOnly(inner, innerShifts, ranges); err != nil {
			return nil, err
		}
	}

	r := sp.c.newRenderer()
	q := sp.q
	// Plain keys win over bucketed ones when a dimension is both.
	for _, bucketed := range []bool{false, true} {
		for _, k := range inner {
			if (k.item.gran != nil) != bucketed {
				continue
			}
			if _, ok := r.columns[k.item.dim]; !ok {
				r.columns[k.item.dim] = q(driver.cte) + "." + q(k.alias)
			}
		}
	}
	if m.SQL != nil && len(deps) > 0 {
		for _, ref := range m.SQL.Refs() {
			if d, ok := ref.Member.(*model.Dimension); ok {
				if _, grouped := r.columns[d]; !grouped {
					return nil, domain.ErrUser("measure %s references %s which is not part of its grouping; add it to add_group_by", m.Path(), d.Path())
				}
			}
		}
	}

	var value string
	if len(deps) == 0 {
		value = q(depNodes[0].cte) + "." + q(depNodes[0].alias)
	} else {
		for i, dep := range deps {
			r.columns[dep] = q(depNodes[i].cte) + "." + q(depNodes[i].alias)
		}
		expr, err := r.template(m.SQL)
		if err != nil {
			return nil, err
		}
		value = expr
	}

	var selects []string
	for _, k := range inner {
		selects = append(selects, q(driver.cte)+"."+q(k.alias)+" AS "+q(k.alias))
	}
	var b strings.Builder
	joined := map[string]bool{driver.cte: true}
	for _, n := range depNodes {
		if joined[n.cte] {
			continue
		}
		joined[n.cte] = true
		b.WriteString("\nLEFT JOIN " + q(n.cte) + " ON " + stageJoinCondition(r, q(driver.cte), q(n.cte), n.keys))
	}
	from := "FROM " + q(driver.cte) + b.String()

	if !regrouped && m.Type == domain.MeasureNumber {
		selects = append(selects, value+" AS "+q(item.alias))
		sql := "SELECT\n  " + strings.Join(selects, ",\n  ") + "\n" + from
		return &stageNode{cte: sp.add(sql), keys: grain, alias: item.alias}, nil
	}

	selects = append(selects, value+" AS "+q("value"))
	innerSQL := "SELECT\n  " + strings.Join(selects, ",\n  ") + "\n" + from

	var outKeys []*keyColumn
	for _, k := range grain {
		for _, ik := range inner {
			if ik.alias == k.alias {
				outKeys = append(outKeys, k)
				break
			}
		}
	}
	var outer []string
	for _, k := range outKeys {
		outer = append(outer, q(k.alias))
	}
	outer = append(outer, aggregateSQL(sp.c.svc.dialect, m.Type, q("value"))+" AS "+q(item.alias))
	sql := "SELECT\n  " + strings.Join(outer, ",\n  ") + "\nFROM (\n" + innerSQL + "\n) AS " + q("inner")
	if len(outKeys) > 0 {
		sql += "\nGROUP BY " + groupByPositions(len(outKeys))
	}
	return &stageNode{cte: sp.add(sql), keys: outKeys, alias: item.alias}, nil
}

// stageJoinCondition joins a stage on the keys it carries; a stage without
// keys is a single row.
func stageJoinCondition(r *renderer, left, right string, keys []*keyColumn) string {
	if len(keys) == 0 {
		return "TRUE"
	}
	return keyJoinCondition(r, left, right, keys)
}

// rollingTimeAlias holds the unbucketed time value inside a rolling base.
const rollingTimeAlias = "rolling_time"

// rolling computes a windowed measure. The base aggregate is computed per
// raw time value over a widened date range, then every bucket of a date
// series re-aggregates the rows falling inside its window.
func (sp *stagePipeline) rolling(item *measureItem, grain []*keyColumn, shifts []model.MeasureTimeShift, ranges []*dateRange) (*stageNode, error) {
	m := item.measure
	w := m.RollingWindow()
	reagg, ok := reaggregateType(m.Type)
	if !ok {
		return nil, domain.ErrUser("rolling window measure %s of type %s can't be re-aggregated", m.Path(), m.Type)
	}

	var timeKey *keyColumn
	for _, k := range grain {
		if k.item.gran != nil {
			timeKey = k
			break
		}
	}
	var width dialect.Interval
	if timeKey != nil {
		var fixed bool
		if width, fixed = timeKey.item.gran.Width(); !fixed {
			return nil, domain.ErrUser("rolling window measure %s can't be used with custom calendar granularity %s", m.Path(), timeKey.item.gran.Name())
		}
	}

	widened, err := widenRanges(ranges, w, timeKey, width)
	if err != nil {
		return nil, err
	}
	if timeKey == nil {
		return sp.leaf([]*measureItem{item}, grain, shifts, widened)
	}

	raw := &keyColumn{alias: rollingTimeAlias, item: &dimensionItem{queryMember: timeKey.item.queryMember, dim: timeKey.item.dim}}
	baseGrain := make([]*keyColumn, len(grain))
	for i, k := range grain {
		if k == timeKey {
			k = raw
		}
		baseGrain[i] = k
	}
	base, err := sp.leaf([]*measureItem{item}, baseGrain, shifts, widened)
	if err != nil {
		return nil, err
	}
	series, dense, err := sp.bucketSeries(timeKey, width, shifts, ranges)
	if err != nil {
		return nil, err
	}

	d := sp.c.svc.dialect
	q := sp.q
	cond, err := windowCondition(d, w, q(base.cte)+"."+q(raw.alias), q(series)+"."+q(timeKey.alias), width)
	if err != nil {
		return nil, domain.ErrUser("rolling window measure %s: %v", m.Path(), err)
	}
	selects := make([]string, 0, len(grain)+1)
	for _, k := range grain {
		from := base.cte
		if k == timeKey {
			from = series
		}
		selects = append(selects, q(from)+"."+q(k.alias)+" AS "+q(k.alias))
	}
	selects = append(selects, aggregateSQL(d, reagg, q(base.cte)+"."+q(item.alias))+" AS "+q(item.alias))
	sql := "SELECT\n  " + strings.Join(selects, ",\n  ") +
		"\nFROM " + q(series) +
		"\nLEFT JOIN " + q(base.cte) + " ON " + cond +
		"\nGROUP BY " + groupByPositions(len(grain))
	return &stageNode{cte: sp.add(sql), keys: grain, alias: item.alias, dense: dense}, nil
}

// bucketSeries names a CTE listing the buckets of timeKey a window is
// evaluated at: every bucket of a bounded date range, otherwise the buckets
// that hold data. dense reports the former.
func (sp *stagePipeline) bucketSeries(timeKey *keyColumn, width dialect.Interval, shifts []model.MeasureTimeShift, ranges []*dateRange) (string, bool, error) {
	for _, dr := range ranges {
		if dr.dim != timeKey.item.dim || dr.from.IsZero() || dr.to.IsZero() || dr.fromParam != "" || dr.toParam != "" {
			continue
		}
		r := sp.c.newRenderer()
		from := r.d.LocalTimestampParam(r.params.add(dr.from.Format(localTimestampLayout)))
		to := r.d.LocalTimestampParam(r.params.add(dr.to.Format(localTimestampLayout)))
		start, err := timeKey.item.gran.bucket(r, from)
		if err != nil {
			return "", false, err
		}
		q := sp.q
		sql := "SELECT " + q("s") + "." + q("d") + " AS " + q(timeKey.alias) +
			"\nFROM " + r.d.DateSeries(start, to, width) + " AS " + q("s") + "(" + q("d") + ")"
		return sp.add(sql), true, nil
	}
	n, err := sp.keysOnly([]*keyColumn{timeKey}, shifts, ranges)
	if err != nil {
		return "", false, err
	}
	return n.cte, false, nil
}

// windowCondition matches a row at time t to the bucket starting at start.
// With offset end the window is anchored at the end of the bucket, with
// offset start at its start; the lower bound is inclusive and the upper one
// exclusive.
func windowCondition(d dialect.Dialect, w *domain.RollingWindow, t, start string, width dialect.Interval) (string, error) {
	end := d.AddInterval(start, width)
	offsetStart := w.Offset == domain.OffsetStart
	var conds []string
	if w.Trailing != domain.Unbounded {
		lower := end
		if offsetStart {
			lower = start
		}
		if w.Trailing != "" {
			iv, err := dialect.ParseInterval(w.Trailing)
			if err != nil {
				return "", fmt.Errorf("trailing: %w", err)
			}
			lower = d.SubtractInterval(lower, iv)
		}
		conds = append(conds, t+" >= "+lower)
	}
	if w.Leading != domain.Unbounded {
		upper := start
		if !offsetStart {
			upper = end
		}
		if w.Leading != "" {
			iv, err := dialect.ParseInterval(w.Leading)
			if err != nil {
				return "", fmt.Errorf("leading: %w", err)
			}
			upper = d.AddInterval(upper, iv)
		}
		conds = append(conds, t+" < "+upper)
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), nil
}

// widenRanges extends the date ranges on the window's time dimension so that
// the first and last buckets see their whole window.
func widenRanges(ranges []*dateRange, w *domain.RollingWindow, timeKey *keyColumn, width dialect.Interval) ([]*dateRange, error) {
	out := make([]*dateRange, 0, len(ranges))
	for _, r := range ranges {
		if timeKey != nil && r.dim != timeKey.item.dim {
			out = append(out, r)
			continue
		}
		wide := *r
		switch w.Trailing {
		case domain.Unbounded:
			wide.from = time.Time{}
		case "":
		default:
			iv, err := dialect.ParseInterval(w.Trailing)
			if err != nil {
				return nil, domain.ErrUser("rolling window trailing: %v", err)
			}
			if !wide.from.IsZero() {
				wide.from = iv.Neg().AddTo(wide.from)
			}
		}
		switch w.Leading {
		case domain.Unbounded:
			wide.to = time.Time{}
		case "":
		default:
			iv, err := dialect.ParseInterval(w.Leading)
			if err != nil {
				return nil, domain.ErrUser("rolling window leading: %v", err)
			}
			if !wide.to.IsZero() {
				wide.to = iv.AddTo(wide.to)
			}
		}
		// The first bucket starts up to one width before the range.
		if !width.IsZero() {
			if !wide.from.IsZero() {
				wide.from = width.Neg().AddTo(wide.from)
			}
			if !wide.to.IsZero() {
				wide.to = width.AddTo(wide.to)
			}
		}
		out = append(out, &wide)
	}
	return out, nil
}
