package semantic

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/schema"
)

// Service compiles semantic queries into SQL for one dialect.
type Service struct {
	logger          *slog.Logger
	dialect         dialect.Dialect
	now             func() time.Time
	defaultTimezone string
	preAggSchema    string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, which feeds timezone offsets of refresh keys.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultTimezone sets the timezone of queries that name none. Rollups
// are built in it.
func WithDefaultTimezone(tz string) Option {
	return func(s *Service) { s.defaultTimezone = tz }
}

// WithPreAggregationsSchema sets the schema rollup tables live in.
func WithPreAggregationsSchema(name string) Option {
	return func(s *Service) { s.preAggSchema = name }
}

// NewService creates a compiler for d.
func NewService(d dialect.Dialect, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:          logger,
		dialect:         d,
		now:             time.Now,
		defaultTimezone: "UTC",
		preAggSchema:    "pre_aggregations",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the SQL dialect the service compiles for.
func (s *Service) Dialect() dialect.Dialect { return s.dialect }

// compilation is the state of compiling one query.
type compilation struct {
	svc          *Service
	schema       *schema.Compiled
	params       *params
	plan         *plan
	preAggSchema string
	// allowPrivate lets rollup definitions read non public members.
	allowPrivate bool
}

func (s *Service) newCompilation(compiled *schema.Compiled) *compilation {
	return &compilation{svc: s, schema: compiled, params: &params{}, preAggSchema: s.preAggSchema}
}

func (c *compilation) newRenderer() *renderer {
	return newRenderer(c.svc.dialect, c.plan.tz, c.params)
}

// Compile turns q into a SQL statement over compiled. Invalid queries yield
// a *domain.UserError.
func (s *Service) Compile(ctx context.Context, compiled *schema.Compiled, q *domain.Query) (*CompiledQuery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	id := domain.NewID()
	c := s.newCompilation(compiled)
	if q.PreAggregationsSchema != "" {
		c.preAggSchema = q.PreAggregationsSchema
	}
	out, err := c.compile(q)
	if err != nil {
		s.logger.Debug("query compile failed", "compile_id", id, "error", err, "duration", time.Since(start))
		return nil, err
	}
	out.ID = id
	preAgg := ""
	if out.usedPreAggregation != nil {
		preAgg = out.usedPreAggregation.PreAggregationID
	}
	s.logger.Debug("query compiled", "compile_id", id, "pre_aggregation", preAgg, "duration", time.Since(start))
	return out, nil
}

func (c *compilation) compile(q *domain.Query) (*CompiledQuery, error) {
	p, err := c.resolvePlan(q)
	if err != nil {
		return nil, err
	}
	c.plan = p
	if len(p.dims) == 0 && len(p.measures) == 0 {
		return nil, domain.ErrUser("query needs at least one measure or dimension")
	}

	out := &CompiledQuery{Columns: p.columns()}
	var sql string
	if !q.DisablePreAggregations {
		if m := c.matchPreAggregation(); m != nil {
			desc, err := c.svc.describe(c.schema, m.pa, c.preAggSchema)
			if err != nil {
				return nil, err
			}
			if desc.IsPartitioned() {
				if desc.Partitions, err = c.queryPartitions(desc); err != nil {
					return nil, err
				}
			}
			if sql, err = c.rewriteForRollup(m); err != nil {
				return nil, err
			}
			out.usedPreAggregation = desc
			out.preAggregations = []PreAggregationDescription{*desc}
			out.cacheKeys = desc.InvalidateKeyQueries
		}
	}
	if sql == "" {
		if sql, err = c.buildQuery(); err != nil {
			return nil, err
		}
		if out.cacheKeys, err = c.cacheKeyQueries(); err != nil {
			return nil, err
		}
	}
	out.SQL, out.Params = c.params.finalize(c.svc.dialect, c.finish(sql))
	return out, nil
}

// queryPartitions lists the partitions a matched query reads, when its date
// range is bounded.
func (c *compilation) queryPartitions(desc *PreAggregationDescription) ([]PartitionDescription, error) {
	for _, r := range c.plan.ranges {
		if !r.from.IsZero() && !r.to.IsZero() {
			return c.svc.Partitions(desc, r.from, r.to)
		}
	}
	return nil, nil
}

// buildQuery renders the plan against the cubes.
func (c *compilation) buildQuery() (string, error) {
	p := c.plan
	for _, m := range p.measures {
		if isStaged(m.measure) {
			return c.buildStaged()
		}
	}
	return c.buildLeaf(&leafSpec{
		keys:      c.planKeys(),
		measures:  p.measures,
		ranges:    p.ranges,
		where:     p.where,
		having:    p.having,
		segments:  p.segments,
		ungrouped: p.ungrouped,
	})
}

func (c *compilation) planKeys() []*keyColumn {
	keys := make([]*keyColumn, len(c.plan.dims))
	for i, d := range c.plan.dims {
		keys[i] = &keyColumn{alias: d.alias, item: d}
	}
	return keys
}

// buildStaged renders queries with multi-stage or rolling measures as a
// chain of CTEs joined to the keys of the requested grain.
func (c *compilation) buildStaged() (string, error) {
	p := c.plan
	if p.ungrouped {
		return "", domain.ErrUser("ungrouped queries can't use multi_stage or rolling window measures")
	}
	sp := &stagePipeline{c: c, memo: map[string]*stageNode{}}
	keys := c.planKeys()
	driver, err := sp.keysOnly(keys, nil, p.ranges)
	if err != nil {
		return "", err
	}

	q := sp.q
	columns := map[string]string{}
	var nodes []*stageNode
	var regular []*measureItem
	for _, m := range p.measures {
		if !isStaged(m.measure) {
			regular = append(regular, m)
		}
	}
	if len(regular) > 0 {
		n, err := sp.leaf(regular, keys, nil, p.ranges)
		if err != nil {
			return "", err
		}
		nodes = append(nodes, n)
		for _, m := range regular {
			columns[m.id] = q(n.cte) + "." + q(m.alias)
		}
	}
	for _, m := range p.measures {
		if !isStaged(m.measure) {
			continue
		}
		n, err := sp.node(m, keys, nil, p.ranges)
		if err != nil {
			return "", err
		}
		nodes = append(nodes, n)
		columns[m.id] = q(n.cte) + "." + q(n.alias)
	}

	driver = sp.withDenseKeys(driver, nodes)

	r := c.newRenderer()
	var selects []string
	for _, k := range keys {
		selects = append(selects, q(driver.cte)+"."+q(k.alias)+" AS "+q(k.alias))
	}
	for _, m := range p.visibleMeasures() {
		selects = append(selects, columns[m.id]+" AS "+q(m.alias))
	}

	ctes := make([]string, len(sp.ctes))
	for i, x := range sp.ctes {
		ctes[i] = q(x.name) + " AS (\n" + x.sql + "\n)"
	}
	var b strings.Builder
	b.WriteString("WITH " + strings.Join(ctes, ",\n") + "\nSELECT\n  " + strings.Join(selects, ",\n  ") + "\nFROM " + q(driver.cte))
	joined := map[string]bool{driver.cte: true}
	for _, n := range nodes {
		if joined[n.cte] {
			continue
		}
		joined[n.cte] = true
		b.WriteString("\nLEFT JOIN " + q(n.cte) + " ON " + stageJoinCondition(r, q(driver.cte), q(n.cte), n.keys))
	}
	if len(p.having) > 0 {
		env := &filterEnv{r: r, loc: p.loc, value: func(m *queryMember) (string, error) {
			col, ok := columns[m.id]
			if !ok {
				return "", domain.ErrInternal("measure %s is not computed", m.id)
			}
			return col, nil
		}}
		cond, err := env.conjunction(p.having)
		if err != nil {
			return "", err
		}
		b.WriteString("\nWHERE " + cond)
	}
	return b.String(), nil
}

// finish appends ORDER BY, LIMIT and OFFSET.
func (c *compilation) finish(sql string) string {
	p := c.plan
	q := c.svc.dialect.Quote
	var b strings.Builder
	b.WriteString(sql)
	if len(p.order) > 0 {
		parts := make([]string, len(p.order))
		for i, o := range p.order {
			dir := " ASC"
			if o.desc {
				dir = " DESC"
			}
			parts[i] = q(o.alias) + dir
		}
		b.WriteString("\nORDER BY " + strings.Join(parts, ", "))
	}
	if !p.noLimit {
		b.WriteString("\nLIMIT " + strconv.Itoa(p.limit))
	}
	if p.offset > 0 {
		b.WriteString("\nOFFSET " + strconv.Itoa(p.offset))
	}
	return b.String()
}

// cacheKeyQueries returns the refresh keys of every cube the query reads.
func (c *compilation) cacheKeyQueries() ([]RefreshKeyQuery, error) {
	tree := c.queryTree()
	if tree == nil {
		return nil, nil
	}
	out := make([]RefreshKeyQuery, 0, len(tree.Cubes()))
	for _, cube := range tree.Cubes() {
		rk, err := refreshKeyQuery(c.svc.dialect, cube.Def.RefreshKey, defaultCubeRefreshEvery, c.plan.tz, c.svc.now())
		if err != nil {
			return nil, domain.ErrUser("cube %s: %v", cube.Name, err)
		}
		out = append(out, rk)
	}
	return out, nil
}
