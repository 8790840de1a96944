package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"duck-semantic/internal/domain"
)

// Compile-time check.
var _ domain.QueryExecutor = (*DuckDBExecutor)(nil)

// OpenDuckDB opens a DuckDB database at path ("" for in-memory). Every
// connection runs with the UTC session timezone, which compiled SQL assumes
// for timestamptz casts.
func OpenDuckDB(path string) (*sql.DB, error) {
	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		_, err := execer.ExecContext(context.Background(), "SET TimeZone = 'UTC'", nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db := sql.OpenDB(connector)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

// DuckDBExecutor runs compiled SQL with bound parameters against DuckDB.
type DuckDBExecutor struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDuckDBExecutor wraps db.
func NewDuckDBExecutor(db *sql.DB, logger *slog.Logger) *DuckDBExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBExecutor{db: db, logger: logger}
}

// DB returns the underlying pool.
func (e *DuckDBExecutor) DB() *sql.DB { return e.db }

// QueryContext runs query and materializes every row.
func (e *DuckDBExecutor) QueryContext(ctx context.Context, query string, params []interface{}) (*domain.QueryResult, error) {
	start := time.Now()
	rows, err := e.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	result := &domain.QueryResult{Columns: cols, Rows: [][]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	e.logger.Debug("query executed", "rows", len(result.Rows), "duration", time.Since(start))
	return result, nil
}

// ExecContext runs a statement that returns no rows.
func (e *DuckDBExecutor) ExecContext(ctx context.Context, query string, params []interface{}) error {
	if _, err := e.db.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("execute statement: %w", err)
	}
	return nil
}

func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case duckdb.Decimal:
		return x.Float64()
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	}
	return v
}
