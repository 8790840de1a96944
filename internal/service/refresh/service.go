// Package refresh keeps pre-aggregation tables in line with their source
// data: it probes invalidate keys, rebuilds tables whose keys changed and
// records the outcome in the freshness store.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/time/rate"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/schema"
	"duck-semantic/internal/service/semantic"
)

// Outcomes of refreshing one table.
const (
	ActionSkipped = "skipped"
	ActionFresh   = "fresh"
	ActionBuilt   = "built"
	ActionFailed  = "failed"
)

// Result is what happened to one table during a refresh pass.
type Result struct {
	PreAggregationID string `json:"preAggregationId" yaml:"preAggregationId"`
	TableName        string `json:"tableName" yaml:"tableName"`
	Action           string `json:"action" yaml:"action"`
	Error            string `json:"error,omitempty" yaml:"error,omitempty"`
}

// SchemaFunc returns the schema to refresh against. It is called once per pass.
type SchemaFunc func() *schema.Compiled

// Service rebuilds stale pre-aggregation tables.
type Service struct {
	semantic *semantic.Service
	schema   SchemaFunc
	exec     domain.QueryExecutor
	states   domain.PreAggregationStateRepository
	runs     domain.RefreshRunRepository
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimit caps table rebuilds per second. Zero or less means unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(s *Service) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a refresh service. runs may be nil.
func NewService(sem *semantic.Service, schemaFn SchemaFunc, exec domain.QueryExecutor,
	states domain.PreAggregationStateRepository, runs domain.RefreshRunRepository,
	logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		semantic: sem,
		schema:   schemaFn,
		exec:     exec,
		states:   states,
		runs:     runs,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   logger,
		now:      time.Now,
		locks:    map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefreshAll refreshes every pre-aggregation of the schema. A failing table
// does not stop the pass; its error is reported in the results.
func (s *Service) RefreshAll(ctx context.Context) ([]Result, error) {
	compiled := s.schema()
	descs, err := s.semantic.DescribePreAggregations(ctx, compiled)
	if err != nil {
		return nil, err
	}
	var results []Result
	for i := range descs {
		res, err := s.refreshDescription(ctx, &descs[i])
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Refresh refreshes the pre-aggregation with the given "cube.name" id.
// force rebuilds even when the invalidate keys are unchanged.
func (s *Service) Refresh(ctx context.Context, id string, force bool) ([]Result, error) {
	desc, err := s.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	if force {
		ctx = withForce(ctx)
	}
	return s.refreshDescription(ctx, desc)
}

// RunPage is one page of the rebuild history of a pre-aggregation.
type RunPage struct {
	Runs          []domain.RefreshRun
	TotalSize     int64
	NextPageToken string
}

// Runs lists the recorded rebuilds of the pre-aggregation with the given
// id and of its partitions, newest first.
func (s *Service) Runs(ctx context.Context, id string, page domain.PageRequest) (*RunPage, error) {
	desc, err := s.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.runs == nil {
		return &RunPage{}, nil
	}
	runs, total, err := s.runs.ListByTable(ctx, desc.TableName, page)
	if err != nil {
		return nil, fmt.Errorf("list refresh runs of %s: %w", desc.TableName, err)
	}
	return &RunPage{
		Runs:          runs,
		TotalSize:     total,
		NextPageToken: domain.NextPageToken(page.Offset(), page.Limit(), total),
	}, nil
}

func (s *Service) describe(ctx context.Context, id string) (*semantic.PreAggregationDescription, error) {
	descs, err := s.semantic.DescribePreAggregations(ctx, s.schema())
	if err != nil {
		return nil, err
	}
	for i := range descs {
		if descs[i].PreAggregationID == id {
			return &descs[i], nil
		}
	}
	return nil, domain.ErrNotFound("pre-aggregation %q not found", id)
}

type forceKey struct{}

func withForce(ctx context.Context) context.Context { return context.WithValue(ctx, forceKey{}, true) }

func forced(ctx context.Context) bool {
	v, _ := ctx.Value(forceKey{}).(bool)
	return v
}

// target is one physical table: a rollup or one of its partitions.
type target struct {
	table      string
	loadSQL    string
	params     []interface{}
	invalidate []semantic.RefreshKeyQuery
	renewAfter time.Duration
	preAggID   string
}

func (s *Service) refreshDescription(ctx context.Context, desc *semantic.PreAggregationDescription) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	targets, err := s.targets(ctx, desc)
	if err != nil {
		s.logger.Warn("resolve pre-aggregation partitions failed", "pre_aggregation", desc.PreAggregationID, "error", err)
		return []Result{{PreAggregationID: desc.PreAggregationID, TableName: desc.TableName, Action: ActionFailed, Error: err.Error()}}, nil
	}
	if err := s.ensureSchema(ctx, desc.TableName); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(targets))
	changed := false
	for _, t := range targets {
		res := s.refreshTarget(ctx, t)
		if res.Action == ActionBuilt {
			changed = true
		}
		results = append(results, res)
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	if desc.IsPartitioned() && (changed || forced(ctx)) {
		if err := s.replaceUnionView(ctx, desc.TableName, targets); err != nil {
			return results, err
		}
	}
	return results, nil
}

// targets lists the tables of desc. Partitioned rollups are split between
// the results of their build range queries.
func (s *Service) targets(ctx context.Context, desc *semantic.PreAggregationDescription) ([]target, error) {
	renew := time.Duration(desc.RefreshKeyRenewalThreshold) * time.Second
	if !desc.IsPartitioned() {
		return []target{{
			table:      desc.TableName,
			loadSQL:    desc.LoadSQL,
			params:     desc.LoadParams,
			invalidate: desc.InvalidateKeyQueries,
			renewAfter: renew,
			preAggID:   desc.PreAggregationID,
		}}, nil
	}
	start, err := s.scalarTime(ctx, desc.BuildRangeStart)
	if err != nil {
		return nil, fmt.Errorf("build range start: %w", err)
	}
	end, err := s.scalarTime(ctx, desc.BuildRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("build range end: %w", err)
	}
	if start.IsZero() || end.IsZero() {
		return nil, nil
	}
	parts, err := s.semantic.Partitions(desc, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]target, len(parts))
	for i, p := range parts {
		out[i] = target{
			table:      p.TableName,
			loadSQL:    p.LoadSQL,
			params:     p.Params,
			invalidate: p.InvalidateKeyQueries,
			renewAfter: renew,
			preAggID:   desc.PreAggregationID,
		}
	}
	return out, nil
}

// scalarTime runs q and reads its single value as a wall clock time. An
// empty source yields the zero time.
func (s *Service) scalarTime(ctx context.Context, q *semantic.RefreshKeyQuery) (time.Time, error) {
	if q == nil {
		return time.Time{}, nil
	}
	res, err := s.exec.QueryContext(ctx, q.SQL, q.Params)
	if err != nil {
		return time.Time{}, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 || res.Rows[0][0] == nil {
		return time.Time{}, nil
	}
	return cast.ToTimeE(res.Rows[0][0])
}

func (s *Service) refreshTarget(ctx context.Context, t target) Result {
	res := Result{PreAggregationID: t.preAggID, TableName: t.table}
	lock := s.tableLock(t.table)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.states.GetByTable(ctx, t.table)
	var notFound *domain.NotFoundError
	switch {
	case errors.As(err, &notFound):
		state = nil
	case err != nil:
		return failed(res, err)
	}

	now := s.now()
	if !forced(ctx) && state != nil && state.Status == domain.PreAggStatusFresh &&
		state.LastCheckedAt != nil && now.Sub(*state.LastCheckedAt) < t.renewAfter {
		res.Action = ActionSkipped
		return res
	}

	key, err := s.fingerprint(ctx, t.invalidate)
	if err != nil {
		s.logger.Warn("invalidate key probe failed", "table", t.table, "error", err)
		return failed(res, err)
	}
	if !forced(ctx) && state != nil && state.Status == domain.PreAggStatusFresh && state.InvalidateKey == key {
		if _, err := s.states.Upsert(ctx, &domain.PreAggregationState{
			PreAggregationID: t.preAggID,
			TableName:        t.table,
			InvalidateKey:    key,
			Status:           domain.PreAggStatusFresh,
			LastCheckedAt:    &now,
		}); err != nil {
			return failed(res, err)
		}
		res.Action = ActionFresh
		return res
	}

	if _, err := s.states.Upsert(ctx, &domain.PreAggregationState{
		PreAggregationID: t.preAggID,
		TableName:        t.table,
		InvalidateKey:    key,
		Status:           domain.PreAggStatusBuilding,
		LastCheckedAt:    &now,
	}); err != nil {
		return failed(res, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return failed(res, err)
	}
	started := s.now()
	buildErr := s.build(ctx, t)
	finished := s.now()
	s.recordRun(ctx, t.table, started, finished, buildErr)

	if buildErr != nil {
		s.logger.Error("pre-aggregation build failed", "table", t.table, "error", buildErr)
		if err := s.states.UpdateStatus(ctx, t.table, domain.PreAggStatusFailed, buildErr.Error()); err != nil {
			s.logger.Warn("record build failure", "table", t.table, "error", err)
		}
		return failed(res, buildErr)
	}
	if err := s.states.UpdateStatus(ctx, t.table, domain.PreAggStatusFresh, ""); err != nil {
		return failed(res, err)
	}
	s.logger.Info("pre-aggregation built", "table", t.table, "duration", finished.Sub(started))
	res.Action = ActionBuilt
	return res
}

func failed(res Result, err error) Result {
	res.Action = ActionFailed
	res.Error = err.Error()
	return res
}

func (s *Service) tableLock(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[table]
	if !ok {
		l = &sync.Mutex{}
		s.locks[table] = l
	}
	return l
}

// fingerprint evaluates the invalidate keys and encodes their values.
func (s *Service) fingerprint(ctx context.Context, queries []semantic.RefreshKeyQuery) (string, error) {
	values := make([]string, len(queries))
	for i, q := range queries {
		res, err := s.exec.QueryContext(ctx, q.SQL, q.Params)
		if err != nil {
			return "", err
		}
		if len(res.Rows) > 0 && len(res.Rows[0]) > 0 && res.Rows[0][0] != nil {
			values[i] = cast.ToString(res.Rows[0][0])
			if t, ok := res.Rows[0][0].(time.Time); ok {
				values[i] = t.UTC().Format(time.RFC3339Nano)
			}
		}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Service) build(ctx context.Context, t target) error {
	if err := s.exec.ExecContext(ctx, "DROP VIEW IF EXISTS "+t.table, nil); err != nil {
		// The name may belong to a table; DROP TABLE below handles it.
		s.logger.Debug("drop view", "table", t.table, "error", err)
	}
	if err := s.exec.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.table, nil); err != nil {
		return fmt.Errorf("drop %s: %w", t.table, err)
	}
	if err := s.exec.ExecContext(ctx, t.loadSQL, t.params); err != nil {
		return fmt.Errorf("load %s: %w", t.table, err)
	}
	return nil
}

func (s *Service) recordRun(ctx context.Context, table string, started, finished time.Time, buildErr error) {
	if s.runs == nil {
		return
	}
	run := &domain.RefreshRun{TableName: table, Status: domain.RefreshRunSucceeded, StartedAt: started, FinishedAt: finished}
	if buildErr != nil {
		run.Status = domain.RefreshRunFailed
		run.Error = buildErr.Error()
	}
	if _, err := s.runs.Create(ctx, run); err != nil {
		s.logger.Warn("record refresh run", "table", table, "error", err)
	}
}

// ensureSchema creates the schema part of a qualified table name.
func (s *Service) ensureSchema(ctx context.Context, table string) error {
	i := strings.LastIndex(table, ".")
	if i <= 0 {
		return nil
	}
	if err := s.exec.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+table[:i], nil); err != nil {
		return fmt.Errorf("create schema %s: %w", table[:i], err)
	}
	return nil
}

// replaceUnionView exposes the partitions of a rollup under the rollup's
// own table name, which is what rewritten queries read.
func (s *Service) replaceUnionView(ctx context.Context, name string, targets []target) error {
	if len(targets) == 0 {
		return nil
	}
	selects := make([]string, len(targets))
	for i, t := range targets {
		selects[i] = "SELECT * FROM " + t.table
	}
	sql := "CREATE OR REPLACE VIEW " + name + " AS " + strings.Join(selects, " UNION ALL ")
	if err := s.exec.ExecContext(ctx, sql, nil); err != nil {
		return fmt.Errorf("create view %s: %w", name, err)
	}
	return nil
}

// States lists the recorded freshness of every table.
func (s *Service) States(ctx context.Context) ([]domain.PreAggregationState, error) {
	return s.states.List(ctx)
}
