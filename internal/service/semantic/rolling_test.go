package semantic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/schema"
)

// rollingModel is the test model with extra rolling window measures on
// orders and a retail calendar joined by order date.
func rollingModel(t *testing.T) *schema.Compiled {
	t.Helper()
	doc, err := schema.ParseYAML("model.yml", []byte(testModel), schema.Options{})
	require.NoError(t, err)
	orders := &doc.Cubes[0]
	require.Equal(t, "orders", orders.Name)
	rolling := func(name string, w domain.RollingWindow) domain.Measure {
		return domain.Measure{Name: name, Type: "sum", SQL: "{CUBE}.amount", RollingWindow: &w}
	}
	orders.Measures = append(orders.Measures,
		rolling("rev_2m", domain.RollingWindow{Trailing: "2 month"}),
		rolling("rev_7d", domain.RollingWindow{Trailing: "7 day"}),
		rolling("rev_20d", domain.RollingWindow{Trailing: "20 day"}),
		rolling("rev_next_month", domain.RollingWindow{Leading: "1 month"}),
		rolling("rev_prev_month", domain.RollingWindow{Trailing: "1 month", Offset: domain.OffsetStart}),
	)
	orders.Dimensions = append(orders.Dimensions, domain.Dimension{Name: "order_date", Type: "time", SQL: "{cal.date_val}"})
	orders.Joins = append(orders.Joins, domain.Join{
		Name: "cal", Relationship: "many_to_one", SQL: "CAST({CUBE}.created_at AS DATE) = {cal}.date_val",
	})
	doc.Cubes = append(doc.Cubes, domain.Cube{
		Name:     "cal",
		SQLTable: "calendar",
		Calendar: true,
		Dimensions: []domain.Dimension{{
			Name: "date_val", Type: "time", SQL: "{CUBE}.date_val", PrimaryKey: true,
			Granularities: []domain.Granularity{{Name: "retail_week", SQL: "{CUBE}.week_begin"}},
		}},
	})
	compiled, err := schema.Build(doc)
	require.NoError(t, err)
	return compiled
}

func monthsQuery(measures ...string) *domain.Query {
	return &domain.Query{
		Measures: measures,
		TimeDimensions: []domain.TimeDimension{{
			Dimension:   "orders.created_at",
			Granularity: "month",
			DateRange:   domain.DateRange{"2025-01-01", "2025-04-30"},
		}},
	}
}

// column returns the values of column i, nil for SQL NULL.
func column(t *testing.T, rows [][]interface{}, i int) []interface{} {
	t.Helper()
	out := make([]interface{}, len(rows))
	for r, row := range rows {
		if row[i] != nil {
			out[r] = toFloat(t, row[i])
		}
	}
	return out
}

func TestRolling_TrailingMonthsCoverEmptyBuckets(t *testing.T) {
	exec := newTestDuckDB(t)
	cq, res := run(t, exec, rollingModel(t), monthsQuery("orders.rev_2m"))

	assert.Contains(t, cq.SQL, "generate_series(")
	assert.NotContains(t, cq.SQL, "OVER (")
	require.Len(t, res.Rows, 4)
	assert.Equal(t, day("2025-01-01"), res.Rows[0][0])
	assert.Equal(t, day("2025-04-01"), res.Rows[3][0])
	assert.Equal(t, []interface{}{30.0, 35.0, 20.0, 15.0}, column(t, res.Rows, 1))
}

func TestRolling_DayWindowAtMonthGranularity(t *testing.T) {
	exec := newTestDuckDB(t)
	cq, res := run(t, exec, rollingModel(t), monthsQuery("orders.rev_20d", "orders.rev_7d"))

	assert.NotContains(t, cq.SQL, "FOLLOWING")
	assert.Contains(t, cq.SQL, "- INTERVAL '7 day')")
	require.Len(t, res.Rows, 4)
	// The last 20 days of each month.
	assert.Equal(t, []interface{}{20.0, nil, 15.0, nil}, column(t, res.Rows, 1))
	assert.Equal(t, []interface{}{nil, nil, nil, nil}, column(t, res.Rows, 2))
}

func TestRolling_LeadingAndOffsetStart(t *testing.T) {
	exec := newTestDuckDB(t)
	_, res := run(t, exec, rollingModel(t), monthsQuery("orders.rev_next_month", "orders.rev_prev_month"))

	require.Len(t, res.Rows, 4)
	assert.Equal(t, []interface{}{5.0, 15.0, nil, nil}, column(t, res.Rows, 1))
	assert.Equal(t, []interface{}{nil, 30.0, 5.0, 15.0}, column(t, res.Rows, 2))
}

func TestRolling_WithoutDateRangeUsesDataBuckets(t *testing.T) {
	exec := newTestDuckDB(t)
	_, res := run(t, exec, rollingModel(t), &domain.Query{
		Measures: []string{"orders.rev_2m"},
		TimeDimensions: []domain.TimeDimension{{
			Dimension:   "orders.created_at",
			Granularity: "month",
		}},
	})

	require.Len(t, res.Rows, 3)
	assert.Equal(t, []interface{}{30.0, 35.0, 20.0}, column(t, res.Rows, 1))
}

func TestRolling_PostgresWindowCondition(t *testing.T) {
	cq, err := newTestService(dialect.Postgres{}).Compile(context.Background(), rollingModel(t), monthsQuery("orders.rev_prev_month"))
	require.NoError(t, err)

	assert.Regexp(t, `generate_series\(\(date_trunc\('month', \$\d+::timestamp\)\)::timestamp, \(\$\d+::timestamp\)::timestamp, INTERVAL '1 month'\)`, cq.SQL)
	assert.Contains(t, cq.SQL, `"rolling_time" >= ("cte_`)
	assert.Contains(t, cq.SQL, `- INTERVAL '1 month')`)
	// Series bounds are wall clock values, range filters UTC instants.
	assert.Contains(t, cq.Params, "2025-01-01T00:00:00.000")
	assert.Contains(t, cq.Params, "2025-04-30T23:59:59.999")
}

func TestCalendarGranularity_BucketsByCalendarColumn(t *testing.T) {
	exec := newTestDuckDB(t)
	cq, res := run(t, exec, rollingModel(t), &domain.Query{
		Measures: []string{"orders.revenue"},
		TimeDimensions: []domain.TimeDimension{{
			Dimension:   "orders.order_date",
			Granularity: "retail_week",
		}},
	})

	assert.Contains(t, cq.SQL, `"cal".week_begin`)
	assert.Contains(t, cq.SQL, `LEFT JOIN calendar AS "cal"`)
	require.Len(t, res.Rows, 5)
	assert.Equal(t, day("2025-01-05"), res.Rows[0][0])
	assert.Equal(t, day("2025-03-16"), res.Rows[4][0])
	assert.Equal(t, []interface{}{10.0, 20.0, 5.0, 7.0, 8.0}, column(t, res.Rows, 1))
}

func TestRolling_RejectsCalendarGranularity(t *testing.T) {
	_, err := newTestService(dialect.Postgres{}).Compile(context.Background(), rollingModel(t), &domain.Query{
		Measures: []string{"orders.rev_2m"},
		TimeDimensions: []domain.TimeDimension{{
			Dimension:   "orders.order_date",
			Granularity: "retail_week",
		}},
	})
	var userErr *domain.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "custom calendar granularity retail_week")
}
