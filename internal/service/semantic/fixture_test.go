package semantic

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/engine"
	"duck-semantic/internal/schema"
)

const testModel = `
cubes:
  - name: orders
    sql_table: orders
    refresh_key:
      every: 1 hour
    measures:
      - name: count
        type: count
      - name: revenue
        type: sum
        sql: "{CUBE}.amount"
      - name: paid_revenue
        type: sum
        sql: "{CUBE}.amount"
        filters:
          - sql: "{CUBE}.status = 'paid'"
      - name: running_revenue
        type: running_total
        sql: "{CUBE}.amount"
      - name: avg_amount
        type: avg
        sql: "{CUBE}.amount"
      - name: prior_month_revenue
        type: sum
        multi_stage: true
        sql: "{revenue}"
        time_shift:
          - time_dimension: created_at
            interval: 1 month
            type: prior
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
    segments:
      - name: paid
        sql: "{CUBE}.status = 'paid'"
    joins:
      - name: users
        relationship: many_to_one
        sql: "{CUBE}.user_id = {users}.id"
    pre_aggregations:
      - name: by_month
        measures: [count, revenue]
        dimensions: [status]
        time_dimension: created_at
        granularity: month
      - name: daily_partitioned
        measures: [revenue]
        time_dimension: created_at
        granularity: day
        partition_granularity: month

  - name: users
    sql_table: users
    measures:
      - name: count
        type: count
    dimensions:
      - name: id
        type: number
        sql: "{CUBE}.id"
        primary_key: true
      - name: city
        type: string
        sql: "{CUBE}.city"

  - name: payments
    sql_table: payments
    measures:
      - name: revenue
        type: sum
        sql: "{CUBE}.amount"
      - name: revenue_per_customer
        type: sum
        multi_stage: true
        sql: "{revenue} / {customer_id}"
        add_group_by: [customer_id]
    dimensions:
      - name: payment_id
        type: number
        sql: "{CUBE}.payment_id"
        primary_key: true
      - name: customer_id
        type: number
        sql: "{CUBE}.customer_id"
      - name: paid_at
        type: time
        sql: "{CUBE}.paid_at"
        granularities:
          - name: fortnight
            interval: 2 week
            origin: "2025-01-01"

  - name: accounts
    sql_table: accounts
    dimensions:
      - name: id
        type: number
        sql: "{CUBE}.id"
        primary_key: true
      - name: name
        type: string
        sql: "{CUBE}.name"
    joins:
      - name: deals
        relationship: one_to_many
        sql: "{CUBE}.id = {deals}.account_id"
      - name: tickets
        relationship: one_to_many
        sql: "{CUBE}.id = {tickets}.account_id"

  - name: deals
    sql_table: deals
    measures:
      - name: deal_amount
        type: sum
        sql: "{CUBE}.amount"
    dimensions:
      - name: id
        type: number
        sql: "{CUBE}.id"
        primary_key: true

  - name: tickets
    sql_table: tickets
    measures:
      - name: ticket_cost
        type: sum
        sql: "{CUBE}.cost"
    dimensions:
      - name: id
        type: number
        sql: "{CUBE}.id"
        primary_key: true

views:
  - name: account_summary
    cubes:
      - join_path: accounts
        includes: [name]
      - join_path: accounts.deals
        includes: [deal_amount]
      - join_path: accounts.tickets
        includes: [ticket_cost]
`

const testData = `
CREATE TABLE orders (id INTEGER, user_id INTEGER, status VARCHAR, amount INTEGER, created_at TIMESTAMP);
INSERT INTO orders VALUES
  (1, 1, 'paid', 10, '2025-01-05 10:00:00'),
  (2, 1, 'paid', 20, '2025-01-20 11:00:00'),
  (3, 2, 'open', 5, '2025-02-03 09:00:00'),
  (4, 2, 'paid', 7, '2025-03-15 12:00:00'),
  (5, 3, 'paid', 8, '2025-03-16 12:00:00');
CREATE TABLE users (id INTEGER, city VARCHAR);
INSERT INTO users VALUES (1, 'Berlin'), (2, 'Paris'), (3, 'Berlin');
CREATE TABLE payments (payment_id INTEGER, customer_id INTEGER, amount INTEGER, paid_at TIMESTAMP);
INSERT INTO payments VALUES
  (1, 1, 10, '2025-01-01 08:00:00'),
  (2, 1, 20, '2025-01-01 09:00:00'),
  (3, 2, 8, '2025-01-01 10:00:00'),
  (4, 2, 6, '2025-01-02 10:00:00'),
  (5, 3, 9, '2025-01-02 11:00:00'),
  (6, 3, 1, '2025-02-02 12:00:00');
CREATE TABLE accounts (id INTEGER, name VARCHAR);
INSERT INTO accounts VALUES (1, 'acme'), (2, 'globex');
CREATE TABLE deals (id INTEGER, account_id INTEGER, amount INTEGER);
INSERT INTO deals VALUES (1, 1, 1), (2, 1, 2), (3, 2, 4);
CREATE TABLE tickets (id INTEGER, account_id INTEGER, cost INTEGER);
INSERT INTO tickets VALUES (1, 1, 3), (2, 1, 4), (3, 2, 2), (4, 2, 3);
CREATE TABLE calendar (date_val DATE, week_begin DATE);
INSERT INTO calendar VALUES
  ('2025-01-05', '2025-01-05'),
  ('2025-01-20', '2025-01-19'),
  ('2025-02-03', '2025-02-02'),
  ('2025-03-15', '2025-03-09'),
  ('2025-03-16', '2025-03-16');
CREATE SCHEMA pre_aggregations;
`

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func compileModel(t *testing.T) *schema.Compiled {
	t.Helper()
	doc, err := schema.ParseYAML("model.yml", []byte(testModel), schema.Options{})
	require.NoError(t, err)
	compiled, err := schema.Build(doc)
	require.NoError(t, err)
	return compiled
}

func newTestService(d dialect.Dialect, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(d, slog.New(slog.DiscardHandler), opts...)
}

func newTestDuckDB(t *testing.T) *engine.DuckDBExecutor {
	t.Helper()
	db, err := engine.OpenDuckDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range strings.Split(testData, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err = db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
	return engine.NewDuckDBExecutor(db, slog.New(slog.DiscardHandler))
}

// run compiles q for DuckDB and executes it.
func run(t *testing.T, exec *engine.DuckDBExecutor, compiled *schema.Compiled, q *domain.Query) (*CompiledQuery, *domain.QueryResult) {
	t.Helper()
	svc := newTestService(dialect.DuckDB{})
	cq, err := svc.Compile(context.Background(), compiled, q)
	require.NoError(t, err)
	res, err := exec.QueryContext(context.Background(), cq.SQL, cq.Params)
	require.NoError(t, err, cq.SQL)
	return cq, res
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func toFloat(t *testing.T, v interface{}) float64 {
	t.Helper()
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case int:
		return float64(x)
	}
	t.Fatalf("unexpected numeric value %v (%T)", v, v)
	return 0
}
