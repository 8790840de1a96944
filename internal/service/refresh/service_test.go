package refresh

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "duck-semantic/internal/db"
	"duck-semantic/internal/db/repository"
	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/engine"
	"duck-semantic/internal/schema"
	"duck-semantic/internal/service/semantic"
)

const refreshModel = `
cubes:
  - name: orders
    sql_table: orders
    measures:
      - name: count
        type: count
      - name: revenue
        type: sum
        sql: "{CUBE}.amount"
    dimensions:
      - name: id
        type: number
        sql: "{CUBE}.id"
        primary_key: true
      - name: status
        type: string
        sql: "{CUBE}.status"
      - name: created_at
        type: time
        sql: "{CUBE}.created_at"
    pre_aggregations:
      - name: by_month
        measures: [count, revenue]
        dimensions: [status]
        time_dimension: created_at
        granularity: month
        refresh_key:
          sql: SELECT max(id) FROM orders
      - name: daily
        measures: [revenue]
        time_dimension: created_at
        granularity: day
        partition_granularity: month
        refresh_key:
          sql: SELECT count(*) FROM orders
`

type fixture struct {
	svc    *Service
	sem    *semantic.Service
	exec   *engine.DuckDBExecutor
	states *repository.PreAggregationStateRepo
	runs   *repository.RefreshRunRepo
	schema *schema.Compiled
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	doc, err := schema.ParseYAML("model.yml", []byte(refreshModel), schema.Options{})
	require.NoError(t, err)
	compiled, err := schema.Build(doc)
	require.NoError(t, err)

	db, err := engine.OpenDuckDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	exec := engine.NewDuckDBExecutor(db, logger)
	require.NoError(t, exec.ExecContext(ctx, "CREATE TABLE orders (id INTEGER, status VARCHAR, amount INTEGER, created_at TIMESTAMP)", nil))
	require.NoError(t, exec.ExecContext(ctx, `INSERT INTO orders VALUES
		(1, 'paid', 10, '2025-01-05 10:00:00'),
		(2, 'open', 5, '2025-01-20 11:00:00'),
		(3, 'paid', 7, '2025-02-15 12:00:00')`, nil))

	writeDB, _ := internaldb.OpenTestSQLite(t)
	f := &fixture{
		sem:    semantic.NewService(dialect.DuckDB{}, logger),
		exec:   exec,
		states: repository.NewPreAggregationStateRepo(writeDB),
		runs:   repository.NewRefreshRunRepo(writeDB),
		schema: compiled,
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.sem, func() *schema.Compiled { return f.schema }, exec, f.states, f.runs, logger,
		WithClock(func() time.Time { return f.now }))
	return f
}

func actions(results []Result) map[string]string {
	out := map[string]string{}
	for _, r := range results {
		out[r.TableName] = r.Action
	}
	return out
}

func TestRefreshAll_BuildsThenSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"pre_aggregations.orders_by_month":       ActionBuilt,
		"pre_aggregations.orders_daily_20250101": ActionBuilt,
		"pre_aggregations.orders_daily_20250201": ActionBuilt,
	}, actions(results))

	states, err := f.svc.States(ctx)
	require.NoError(t, err)
	require.Len(t, states, 3)
	for _, s := range states {
		assert.Equal(t, domain.PreAggStatusFresh, s.Status, s.TableName)
		assert.NotNil(t, s.LastRefreshedAt)
	}

	// Within the renewal threshold nothing is probed.
	results, err = f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, ActionSkipped, r.Action, r.TableName)
	}

	// Past it, unchanged keys keep the tables.
	f.now = f.now.Add(time.Minute)
	results, err = f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, ActionFresh, r.Action, r.TableName)
	}

	page, err := f.svc.Runs(ctx, "orders.by_month", domain.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.TotalSize)
	assert.Equal(t, domain.RefreshRunSucceeded, page.Runs[0].Status)
	assert.Empty(t, page.NextPageToken)
}

func TestRuns_CoversPartitionsAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)

	page, err := f.svc.Runs(ctx, "orders.daily", domain.PageRequest{MaxResults: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalSize)
	require.Len(t, page.Runs, 1)
	require.NotEmpty(t, page.NextPageToken)

	next, err := f.svc.Runs(ctx, "orders.daily", domain.PageRequest{MaxResults: 1, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Runs, 1)
	assert.NotEqual(t, page.Runs[0].TableName, next.Runs[0].TableName)
	assert.Empty(t, next.NextPageToken)

	_, err = f.svc.Runs(ctx, "orders.nope", domain.PageRequest{})
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRefreshAll_RebuildsOnChangedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)

	require.NoError(t, f.exec.ExecContext(ctx, "INSERT INTO orders VALUES (4, 'paid', 100, '2025-02-20 09:00:00')", nil))
	f.now = f.now.Add(time.Minute)

	results, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	got := actions(results)
	assert.Equal(t, ActionBuilt, got["pre_aggregations.orders_by_month"])
	assert.Equal(t, ActionBuilt, got["pre_aggregations.orders_daily_20250201"])

	cq, err := f.sem.Compile(ctx, f.schema, &domain.Query{
		Measures:       []string{"orders.revenue"},
		TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "year"}},
	})
	require.NoError(t, err)
	require.NotNil(t, cq.PreAggregation())
	res, err := f.exec.QueryContext(ctx, cq.SQL, cq.Params)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 122, res.Rows[0][1])
}

func TestRefresh_PartitionedRollupIsQueryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)

	cq, err := f.sem.Compile(ctx, f.schema, &domain.Query{
		Measures:       []string{"orders.revenue"},
		TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "day"}},
	})
	require.NoError(t, err)
	require.NotNil(t, cq.PreAggregation())
	assert.Equal(t, "orders.daily", cq.PreAggregation().PreAggregationID)

	res, err := f.exec.QueryContext(ctx, cq.SQL, cq.Params)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
}

func TestRefresh_ForceAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx, "orders.by_month", false)
	require.NoError(t, err)

	results, err := f.svc.Refresh(ctx, "orders.by_month", true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionBuilt, results[0].Action)

	_, err = f.svc.Refresh(ctx, "orders.nope", false)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRefresh_FailedBuildIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.exec.ExecContext(ctx, "DROP TABLE orders", nil))

	results, err := f.svc.Refresh(ctx, "orders.by_month", false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionFailed, results[0].Action)
	assert.NotEmpty(t, results[0].Error)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, slog.New(slog.DiscardHandler))

	require.Error(t, s.Start(context.Background(), "not a schedule"))
	require.NoError(t, s.Start(context.Background(), "@every 1h"))
	s.Stop()
	s.Stop()
}
