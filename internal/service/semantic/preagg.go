package semantic

import (
	"context"
	"strings"
	"time"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
	"duck-semantic/internal/schema"
)

// Partition range parameters of a partitioned load statement. Partitions
// replace them with the UTC bounds of each partition.
const (
	FromPartitionRange = "__FROM_PARTITION_RANGE"
	ToPartitionRange   = "__TO_PARTITION_RANGE"
)

// PreAggregationDescription says how to build and refresh one rollup table.
type PreAggregationDescription struct {
	PreAggregationID     string `json:"preAggregationId"`
	TableName            string `json:"tableName"`
	Timezone             string `json:"timezone"`
	TimeDimension        string `json:"timeDimension,omitempty"`
	Granularity          string `json:"granularity,omitempty"`
	PartitionGranularity string `json:"partitionGranularity,omitempty"`
	// SelectSQL computes the rollup rows; LoadSQL stores them in TableName.
	SelectSQL                  string                 `json:"selectSql"`
	LoadSQL                    string                 `json:"loadSql"`
	LoadParams                 []interface{}          `json:"loadParams"`
	InvalidateKeyQueries       []RefreshKeyQuery      `json:"invalidateKeyQueries"`
	RefreshKeyRenewalThreshold int64                  `json:"refreshKeyRenewalThreshold"`
	BuildRangeStart            *RefreshKeyQuery       `json:"buildRangeStart,omitempty"`
	BuildRangeEnd              *RefreshKeyQuery       `json:"buildRangeEnd,omitempty"`
	Partitions                 []PartitionDescription `json:"partitions,omitempty"`

	// probe reads the latest time value inside a partition range.
	probe *RefreshKeyQuery
}

// IsPartitioned reports whether the rollup is stored as one table per time range.
func (d *PreAggregationDescription) IsPartitioned() bool { return d.PartitionGranularity != "" }

// PartitionDescription is one table of a partitioned rollup.
type PartitionDescription struct {
	TableName            string            `json:"tableName"`
	From                 string            `json:"from"`
	To                   string            `json:"to"`
	LoadSQL              string            `json:"loadSql"`
	Params               []interface{}     `json:"params"`
	InvalidateKeyQueries []RefreshKeyQuery `json:"invalidateKeyQueries"`
}

// preAggregationTable is <schema>.<cube>_<name>, both parts in snake case.
func preAggregationTable(schemaName string, pa *model.PreAggregation) string {
	name := pa.Def.Name
	if pa.Def.SQLAlias != "" {
		name = pa.Def.SQLAlias
	}
	table := snakeCase(pa.Cube.SQLAlias()) + "_" + snakeCase(name)
	if schemaName == "" {
		return table
	}
	return schemaName + "." + table
}

// refID is the query path of a rollup reference.
func refID(ref model.MemberRef) string {
	if len(ref.JoinPath) == 0 {
		return ref.Member.Path()
	}
	names := make([]string, 0, len(ref.JoinPath)+1)
	for _, c := range ref.JoinPath {
		names = append(names, c.Name)
	}
	return strings.Join(append(names, ref.Member.Name()), ".")
}

func targetMember(m model.Member) model.Member {
	if p, ok := m.(*model.Proxy); ok {
		return p.Target
	}
	return m
}

// rollupQuery is the query whose result a rollup stores.
func rollupQuery(pa *model.PreAggregation) *domain.Query {
	q := &domain.Query{DisablePreAggregations: true}
	for _, ref := range pa.Measures {
		q.Measures = append(q.Measures, refID(ref))
	}
	for _, ref := range pa.Dimensions {
		q.Dimensions = append(q.Dimensions, refID(ref))
	}
	for _, ref := range pa.Segments {
		q.Segments = append(q.Segments, refID(ref))
	}
	if pa.TimeDimension != nil {
		q.TimeDimensions = []domain.TimeDimension{{Dimension: refID(*pa.TimeDimension), Granularity: pa.Granularity}}
	}
	return q
}

// rollupColumns maps each rollup member to its column in the rollup table.
func rollupColumns(pa *model.PreAggregation) map[model.Member]string {
	out := map[model.Member]string{}
	for _, list := range [][]model.MemberRef{pa.Measures, pa.Dimensions} {
		for _, ref := range list {
			out[targetMember(ref.Member)] = memberAlias(refID(ref), "")
		}
	}
	return out
}

func rollupTimeColumn(pa *model.PreAggregation) string {
	if pa.TimeDimension == nil {
		return ""
	}
	return memberAlias(refID(*pa.TimeDimension), pa.Granularity)
}

// DescribePreAggregations describes every rollup of the schema in declaration order.
func (s *Service) DescribePreAggregations(ctx context.Context, compiled *schema.Compiled) ([]PreAggregationDescription, error) {
	var out []PreAggregationDescription
	for _, cube := range compiled.Table.Cubes() {
		for _, pa := range cube.PreAggregations {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			desc, err := s.describe(compiled, pa, s.preAggSchema)
			if err != nil {
				return nil, err
			}
			out = append(out, *desc)
		}
	}
	return out, nil
}

// FindPreAggregation returns the rollup with the given "cube.name" id.
func FindPreAggregation(compiled *schema.Compiled, id string) (*model.PreAggregation, bool) {
	for _, cube := range compiled.Table.Cubes() {
		for _, pa := range cube.PreAggregations {
			if pa.ID() == id {
				return pa, true
			}
		}
	}
	return nil, false
}

func (s *Service) describe(compiled *schema.Compiled, pa *model.PreAggregation, schemaName string) (*PreAggregationDescription, error) {
	d := s.dialect
	c := s.newCompilation(compiled)
	c.allowPrivate = true
	p, err := c.resolvePlan(rollupQuery(pa))
	if err != nil {
		return nil, domain.ErrUser("pre-aggregation %s: %v", pa.ID(), err)
	}
	p.noLimit = true
	p.order = nil
	c.plan = p

	desc := &PreAggregationDescription{
		PreAggregationID:     pa.ID(),
		TableName:            preAggregationTable(schemaName, pa),
		Timezone:             p.tz,
		Granularity:          pa.Granularity,
		PartitionGranularity: pa.PartitionGranularity,
	}
	if pa.TimeDimension != nil {
		desc.TimeDimension = refID(*pa.TimeDimension)
	}
	if desc.IsPartitioned() {
		if pa.TimeDimension == nil {
			return nil, domain.ErrUser("pre-aggregation %s: partition_granularity needs a time_dimension", pa.ID())
		}
		if !partitionable(pa.PartitionGranularity) {
			return nil, domain.ErrUser("pre-aggregation %s: partition_granularity must be day, week, month, quarter or year", pa.ID())
		}
		qm, _, err := c.resolveMember(desc.TimeDimension)
		if err != nil {
			return nil, err
		}
		p.ranges = append(p.ranges, &dateRange{
			queryMember: qm,
			dim:         qm.member.(*model.Dimension),
			fromParam:   FromPartitionRange,
			toParam:     ToPartitionRange,
		})
	}

	sql, err := c.buildQuery()
	if err != nil {
		return nil, domain.ErrUser("pre-aggregation %s: %v", pa.ID(), err)
	}
	desc.SelectSQL, desc.LoadParams = c.params.finalize(d, sql)
	desc.LoadSQL = "CREATE TABLE " + desc.TableName + " AS " + desc.SelectSQL

	rk, err := refreshKeyQuery(d, pa.Def.RefreshKey, defaultPreAggRefreshEvery, p.tz, s.now())
	if err != nil {
		return nil, domain.ErrUser("pre-aggregation %s: %v", pa.ID(), err)
	}
	desc.InvalidateKeyQueries = []RefreshKeyQuery{rk}
	desc.RefreshKeyRenewalThreshold = rk.RenewalThreshold

	if desc.IsPartitioned() {
		if err := s.describeBuildRange(c, pa, desc); err != nil {
			return nil, err
		}
	}
	return desc, nil
}

func partitionable(g string) bool {
	switch g {
	case "day", "week", "month", "quarter", "year":
		return true
	}
	return false
}

// describeBuildRange adds the queries bounding the partitions and the per
// partition change probe.
func (s *Service) describeBuildRange(c *compilation, pa *model.PreAggregation, desc *PreAggregationDescription) error {
	d := s.dialect
	r := c.newRenderer()
	dim := targetMember(pa.TimeDimension.Member).(*model.Dimension)
	dimSQL, err := r.dimension(dim)
	if err != nil {
		return err
	}
	value := wrapExpr(dimSQL)
	local := value
	if !localTimeDimension(dim) {
		local = d.ConvertTz(value, desc.Timezone)
	}
	from := " FROM " + dim.Cube().FromSQL() + " AS " + r.cubeAlias(dim.Cube())

	bound := func(t *model.Template, agg string) (*RefreshKeyQuery, error) {
		if t != nil {
			sql, err := r.template(t)
			if err != nil {
				return nil, err
			}
			return &RefreshKeyQuery{SQL: strings.TrimSpace(sql), Params: []interface{}{}}, nil
		}
		return &RefreshKeyQuery{SQL: "SELECT " + agg + "(" + local + ")" + from, Params: []interface{}{}}, nil
	}
	if desc.BuildRangeStart, err = bound(pa.BuildRangeStart, "min"); err != nil {
		return err
	}
	if desc.BuildRangeEnd, err = bound(pa.BuildRangeEnd, "max"); err != nil {
		return err
	}

	probe := &params{}
	sql := "SELECT max(" + value + ")" + from + " WHERE " +
		value + " >= " + d.TimestampParam(probe.add(FromPartitionRange)) + " AND " +
		value + " <= " + d.TimestampParam(probe.add(ToPartitionRange))
	sql, values := probe.finalize(d, sql)
	desc.probe = &RefreshKeyQuery{SQL: sql, Params: values, RenewalThreshold: desc.RefreshKeyRenewalThreshold}
	return nil
}

// Partitions lists the partition tables of desc covering [start, end], both
// wall clock times in the rollup timezone.
func (s *Service) Partitions(desc *PreAggregationDescription, start, end time.Time) ([]PartitionDescription, error) {
	if !desc.IsPartitioned() {
		return nil, domain.ErrUser("pre-aggregation %s is not partitioned", desc.PreAggregationID)
	}
	loc, err := time.LoadLocation(desc.Timezone)
	if err != nil {
		return nil, domain.ErrUser("unknown timezone %q", desc.Timezone)
	}
	start = wallClock(start, loc)
	end = wallClock(end, loc)
	if end.Before(start) {
		return nil, nil
	}

	var out []PartitionDescription
	for cur := truncateTime(start, desc.PartitionGranularity); !cur.After(end); cur = nextBucket(cur, desc.PartitionGranularity) {
		last := nextBucket(cur, desc.PartitionGranularity).Add(-time.Millisecond)
		fromValue := s.dialect.FormatInstant(cur.UTC())
		toValue := s.dialect.FormatInstant(last.UTC())
		part := PartitionDescription{
			TableName: desc.TableName + "_" + cur.Format("20060102"),
			From:      cur.Format(localTimestampLayout),
			To:        last.Format(localTimestampLayout),
			Params:    bindPartition(desc.LoadParams, fromValue, toValue),
		}
		part.LoadSQL = "CREATE TABLE " + part.TableName + " AS " + desc.SelectSQL
		part.InvalidateKeyQueries = append(part.InvalidateKeyQueries, desc.InvalidateKeyQueries...)
		if desc.probe != nil {
			probe := *desc.probe
			probe.Params = bindPartition(desc.probe.Params, fromValue, toValue)
			part.InvalidateKeyQueries = append(part.InvalidateKeyQueries, probe)
		}
		out = append(out, part)
	}
	return out, nil
}

// wallClock reinterprets t's clock reading in loc.
func wallClock(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func bindPartition(values []interface{}, from, to string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		switch v {
		case FromPartitionRange:
			out[i] = from
		case ToPartitionRange:
			out[i] = to
		default:
			out[i] = v
		}
	}
	return out
}

// truncateTime floors t to a standard granularity; weeks start on Monday.
func truncateTime(t time.Time, granularity string) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch granularity {
	case "second":
		return t.Truncate(time.Second)
	case "minute":
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
	case "hour":
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case "day":
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case "week":
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case "month":
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case "quarter":
		return time.Date(y, m-(m-1)%3, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
}

func nextBucket(t time.Time, granularity string) time.Time {
	iv, _ := dialect.GranularityInterval(granularity)
	return iv.AddTo(t)
}
