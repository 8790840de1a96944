package semantic

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
)

func TestDescribePreAggregations(t *testing.T) {
	descs, err := newTestService(dialect.Postgres{}).DescribePreAggregations(context.Background(), compileModel(t))
	require.NoError(t, err)
	require.Len(t, descs, 2)

	byMonth := descs[0]
	assert.Equal(t, "orders.by_month", byMonth.PreAggregationID)
	assert.Equal(t, "pre_aggregations.orders_by_month", byMonth.TableName)
	assert.Equal(t, "UTC", byMonth.Timezone)
	assert.Equal(t, "orders.created_at", byMonth.TimeDimension)
	assert.False(t, byMonth.IsPartitioned())
	assert.True(t, strings.HasPrefix(byMonth.LoadSQL, "CREATE TABLE pre_aggregations.orders_by_month AS SELECT"))
	assert.Contains(t, byMonth.SelectSQL, `AS "orders__created_at_month"`)
	assert.NotContains(t, byMonth.SelectSQL, "LIMIT")
	assert.Empty(t, byMonth.LoadParams)
	require.Len(t, byMonth.InvalidateKeyQueries, 1)
	assert.Equal(t, "SELECT FLOOR((EXTRACT(EPOCH FROM NOW())) / 3600) as refresh_key", byMonth.InvalidateKeyQueries[0].SQL)

	daily := descs[1]
	assert.Equal(t, "pre_aggregations.orders_daily_partitioned", daily.TableName)
	assert.True(t, daily.IsPartitioned())
	assert.Equal(t, []interface{}{FromPartitionRange, ToPartitionRange}, daily.LoadParams)
	require.NotNil(t, daily.BuildRangeStart)
	assert.Equal(t, `SELECT min(("orders".created_at::timestamptz AT TIME ZONE 'UTC')) FROM orders AS "orders"`, daily.BuildRangeStart.SQL)
	assert.Equal(t, `SELECT max(("orders".created_at::timestamptz AT TIME ZONE 'UTC')) FROM orders AS "orders"`, daily.BuildRangeEnd.SQL)
}

func TestPartitions(t *testing.T) {
	svc := newTestService(dialect.Postgres{})
	compiled := compileModel(t)
	pa, ok := FindPreAggregation(compiled, "orders.daily_partitioned")
	require.True(t, ok)
	desc, err := svc.describe(compiled, pa, "pre_aggregations")
	require.NoError(t, err)

	parts, err := svc.Partitions(desc,
		time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, parts, 3)

	jan := parts[0]
	assert.Equal(t, "pre_aggregations.orders_daily_partitioned_20250101", jan.TableName)
	assert.Equal(t, "2025-01-01T00:00:00.000", jan.From)
	assert.Equal(t, "2025-01-31T23:59:59.999", jan.To)
	assert.Equal(t, []interface{}{"2025-01-01T00:00:00.000Z", "2025-01-31T23:59:59.999Z"}, jan.Params)
	assert.True(t, strings.HasPrefix(jan.LoadSQL, "CREATE TABLE pre_aggregations.orders_daily_partitioned_20250101 AS SELECT"))
	require.Len(t, jan.InvalidateKeyQueries, 2)
	probe := jan.InvalidateKeyQueries[1]
	assert.Equal(t, `SELECT max("orders".created_at) FROM orders AS "orders" WHERE "orders".created_at >= $1::timestamptz AND "orders".created_at <= $2::timestamptz`, probe.SQL)
	assert.Equal(t, jan.Params, probe.Params)

	assert.Equal(t, "pre_aggregations.orders_daily_partitioned_20250201", parts[1].TableName)
	assert.Equal(t, "pre_aggregations.orders_daily_partitioned_20250301", parts[2].TableName)

	_, ok = FindPreAggregation(compiled, "orders.nope")
	assert.False(t, ok)
}

func TestPartitions_NotPartitioned(t *testing.T) {
	svc := newTestService(dialect.Postgres{})
	compiled := compileModel(t)
	pa, _ := FindPreAggregation(compiled, "orders.by_month")
	desc, err := svc.describe(compiled, pa, "pre_aggregations")
	require.NoError(t, err)

	_, err = svc.Partitions(desc, testNow, testNow)
	var userErr *domain.UserError
	require.ErrorAs(t, err, &userErr)
}

func TestMatch_CoarserGranularityUsesRollup(t *testing.T) {
	cq := compilePostgres(t, &domain.Query{
		Measures:       []string{"orders.revenue"},
		Dimensions:     []string{"orders.status"},
		TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "year"}},
	})

	require.NotNil(t, cq.PreAggregation())
	assert.Equal(t, "orders.by_month", cq.PreAggregation().PreAggregationID)
	assert.Contains(t, cq.SQL, "FROM pre_aggregations.orders_by_month")
	assert.Contains(t, cq.SQL, `date_trunc('year', "orders__created_at_month")`)
	assert.Contains(t, cq.SQL, `sum("orders__revenue")`)
	assert.Equal(t, cq.PreAggregation().InvalidateKeyQueries, cq.CacheKeyQueries())
}

func TestMatch_PicksClosestGranularity(t *testing.T) {
	cq := compilePostgres(t, &domain.Query{
		Measures:       []string{"orders.revenue"},
		TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "quarter"}},
	})
	require.NotNil(t, cq.PreAggregation())
	assert.Equal(t, "orders.by_month", cq.PreAggregation().PreAggregationID)

	cq = compilePostgres(t, &domain.Query{
		Measures:       []string{"orders.revenue"},
		TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "day"}},
	})
	require.NotNil(t, cq.PreAggregation())
	assert.Equal(t, "orders.daily_partitioned", cq.PreAggregation().PreAggregationID)
}

func TestMatch_Misses(t *testing.T) {
	tests := []struct {
		name  string
		query domain.Query
	}{
		{"finer granularity", domain.Query{
			Measures:       []string{"orders.revenue"},
			TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "hour"}},
		}},
		{"measure outside rollup", domain.Query{
			Measures:   []string{"orders.avg_amount"},
			Dimensions: []string{"orders.status"},
		}},
		{"dimension outside rollup", domain.Query{
			Measures:   []string{"orders.count"},
			Dimensions: []string{"users.city"},
		}},
		{"unaligned range", domain.Query{
			Measures: []string{"orders.count"},
			TimeDimensions: []domain.TimeDimension{{
				Dimension: "orders.created_at", Granularity: "month", DateRange: domain.DateRange{"2025-01-10", "2025-03-31"},
			}},
		}},
		{"segment", domain.Query{
			Measures: []string{"orders.count"},
			Segments: []string{"orders.paid"},
		}},
		{"ungrouped", domain.Query{
			Measures:   []string{"orders.revenue"},
			Dimensions: []string{"orders.status"},
			Ungrouped:  true,
		}},
		{"disabled", domain.Query{
			Measures:               []string{"orders.revenue"},
			Dimensions:             []string{"orders.status"},
			DisablePreAggregations: true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cq := compilePostgres(t, &tt.query)
			assert.Nil(t, cq.PreAggregation())
			assert.NotContains(t, cq.SQL, "pre_aggregations.")
		})
	}
}

func TestMatch_PartitionsForBoundedRange(t *testing.T) {
	cq := compilePostgres(t, &domain.Query{
		Measures: []string{"orders.revenue"},
		TimeDimensions: []domain.TimeDimension{{
			Dimension: "orders.created_at", Granularity: "day", DateRange: domain.DateRange{"2025-01-15", "2025-02-10"},
		}},
	})

	desc := cq.PreAggregation()
	require.NotNil(t, desc)
	require.Len(t, desc.Partitions, 2)
	assert.Equal(t, "pre_aggregations.orders_daily_partitioned_20250101", desc.Partitions[0].TableName)
	assert.Equal(t, "pre_aggregations.orders_daily_partitioned_20250201", desc.Partitions[1].TableName)
}

func TestMatch_PreAggregationsSchemaOverride(t *testing.T) {
	cq := compilePostgres(t, &domain.Query{
		Measures:              []string{"orders.count"},
		Dimensions:            []string{"orders.status"},
		PreAggregationsSchema: "rollups",
	})
	require.NotNil(t, cq.PreAggregation())
	assert.Equal(t, "rollups.orders_by_month", cq.PreAggregation().TableName)
	assert.Contains(t, cq.SQL, "FROM rollups.orders_by_month")
}

func TestRollup_EndToEnd(t *testing.T) {
	exec := newTestDuckDB(t)
	ctx := context.Background()
	compiled := compileModel(t)
	svc := newTestService(dialect.DuckDB{})

	descs, err := svc.DescribePreAggregations(ctx, compiled)
	require.NoError(t, err)
	require.NoError(t, exec.ExecContext(ctx, descs[0].LoadSQL, descs[0].LoadParams))

	q := domain.Query{
		Measures:       []string{"orders.revenue", "orders.count"},
		Dimensions:     []string{"orders.status"},
		TimeDimensions: []domain.TimeDimension{{Dimension: "orders.created_at", Granularity: "quarter"}},
		Order:          domain.Order{{ID: "orders.created_at"}, {ID: "orders.status"}},
	}
	fromRollup, viaRollup := run(t, exec, compiled, &q)
	require.NotNil(t, fromRollup.PreAggregation())

	q.DisablePreAggregations = true
	fromCubes, viaCubes := run(t, exec, compiled, &q)
	require.Nil(t, fromCubes.PreAggregation())

	assert.Equal(t, viaCubes.Columns, viaRollup.Columns)
	require.Len(t, viaRollup.Rows, 2)
	require.Equal(t, len(viaCubes.Rows), len(viaRollup.Rows))
	for i := range viaCubes.Rows {
		assert.Equal(t, viaCubes.Rows[i][0], viaRollup.Rows[i][0])
		assert.Equal(t, viaCubes.Rows[i][1], viaRollup.Rows[i][1])
		assert.InDelta(t, toFloat(t, viaCubes.Rows[i][2]), toFloat(t, viaRollup.Rows[i][2]), 1e-9)
		assert.InDelta(t, toFloat(t, viaCubes.Rows[i][3]), toFloat(t, viaRollup.Rows[i][3]), 1e-9)
	}
}
