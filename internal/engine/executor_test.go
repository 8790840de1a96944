package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *DuckDBExecutor {
	t.Helper()
	db, err := OpenDuckDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDuckDBExecutor(db, slog.New(slog.DiscardHandler))
}

func TestDuckDBExecutor_QueryWithParams(t *testing.T) {
	exec := newTestExecutor(t)
	ctx := context.Background()

	require.NoError(t, exec.ExecContext(ctx, "CREATE TABLE orders (id INTEGER, status VARCHAR, amount INTEGER)", nil))
	require.NoError(t, exec.ExecContext(ctx, "INSERT INTO orders VALUES (1, 'paid', 10), (2, 'paid', 5), (3, 'open', 7)", nil))

	res, err := exec.QueryContext(ctx, "SELECT status, sum(amount) AS total FROM orders WHERE status = $1 GROUP BY 1", []interface{}{"paid"})
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "total"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "paid", res.Rows[0][0])
	assert.EqualValues(t, 15, res.Rows[0][1])
}

func TestDuckDBExecutor_SessionTimezoneIsUTC(t *testing.T) {
	exec := newTestExecutor(t)

	res, err := exec.QueryContext(context.Background(),
		"SELECT ($1::timestamptz AT TIME ZONE 'UTC') AS ts", []interface{}{"2025-01-01T10:00:00.000Z"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	ts, ok := res.Rows[0][0].(time.Time)
	require.True(t, ok, "got %T", res.Rows[0][0])
	assert.Equal(t, 10, ts.Hour())
}

func TestDuckDBExecutor_EmptyResult(t *testing.T) {
	exec := newTestExecutor(t)

	res, err := exec.QueryContext(context.Background(), "SELECT 1 AS one WHERE FALSE", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, res.Columns)
	assert.Empty(t, res.Rows)
}

func TestDuckDBExecutor_InvalidSQL(t *testing.T) {
	exec := newTestExecutor(t)

	_, err := exec.QueryContext(context.Background(), "SELEC 1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute query")
}
