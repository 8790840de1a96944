package repository

import (
	"context"
	"database/sql"
	"time"

	"duck-semantic/internal/domain"
)

// Compile-time check.
var _ domain.PreAggregationStateRepository = (*PreAggregationStateRepo)(nil)

// PreAggregationStateRepo implements PreAggregationStateRepository using SQLite.
type PreAggregationStateRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPreAggregationStateRepo creates a new PreAggregationStateRepo.
func NewPreAggregationStateRepo(db *sql.DB) *PreAggregationStateRepo {
	return &PreAggregationStateRepo{db: db, now: time.Now}
}

const stateColumns = `id, pre_aggregation_id, table_name, invalidate_key, status, last_error,
	last_checked_at, last_refreshed_at, created_at, updated_at`

// Upsert inserts the state of s.TableName or replaces the mutable fields of an
// existing row. The stored row is returned.
func (r *PreAggregationStateRepo) Upsert(ctx context.Context, s *domain.PreAggregationState) (*domain.PreAggregationState, error) {
	if s.TableName == "" {
		return nil, domain.ErrUser("table_name is required")
	}
	status := s.Status
	if status == "" {
		status = domain.PreAggStatusStale
	}
	now := formatTime(r.now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pre_aggregation_states
			(id, pre_aggregation_id, table_name, invalidate_key, status, last_error,
			 last_checked_at, last_refreshed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET
			pre_aggregation_id = excluded.pre_aggregation_id,
			invalidate_key     = excluded.invalidate_key,
			status             = excluded.status,
			last_error         = excluded.last_error,
			last_checked_at    = COALESCE(excluded.last_checked_at, pre_aggregation_states.last_checked_at),
			last_refreshed_at  = COALESCE(excluded.last_refreshed_at, pre_aggregation_states.last_refreshed_at),
			updated_at         = excluded.updated_at`,
		domain.NewID(), s.PreAggregationID, s.TableName, s.InvalidateKey, status, s.LastError,
		nullTime(s.LastCheckedAt), nullTime(s.LastRefreshedAt), now, now)
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByTable(ctx, s.TableName)
}

// GetByTable returns the state of one table.
func (r *PreAggregationStateRepo) GetByTable(ctx context.Context, tableName string) (*domain.PreAggregationState, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM pre_aggregation_states WHERE table_name = ?`, tableName)
	s, err := scanState(row)
	if err != nil {
		return nil, mapDBError(err)
	}
	return s, nil
}

// List returns all states ordered by table name.
func (r *PreAggregationStateRepo) List(ctx context.Context) ([]domain.PreAggregationState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM pre_aggregation_states ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.PreAggregationState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateStatus sets the status and error of a table. A FRESH status also
// stamps last_refreshed_at.
func (r *PreAggregationStateRepo) UpdateStatus(ctx context.Context, tableName, status, lastError string) error {
	now := formatTime(r.now())
	query := `UPDATE pre_aggregation_states SET status = ?, last_error = ?, updated_at = ? WHERE table_name = ?`
	args := []interface{}{status, lastError, now, tableName}
	if status == domain.PreAggStatusFresh {
		query = `UPDATE pre_aggregation_states SET status = ?, last_error = ?, updated_at = ?, last_refreshed_at = ? WHERE table_name = ?`
		args = []interface{}{status, lastError, now, now, tableName}
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapDBError(err)
	}
	return requireAffected(res, tableName)
}

// Delete removes the state of a table.
func (r *PreAggregationStateRepo) Delete(ctx context.Context, tableName string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pre_aggregation_states WHERE table_name = ?`, tableName)
	if err != nil {
		return mapDBError(err)
	}
	return requireAffected(res, tableName)
}

func requireAffected(res sql.Result, tableName string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("pre-aggregation table %q not found", tableName)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*domain.PreAggregationState, error) {
	var (
		s                    domain.PreAggregationState
		checked, refreshed   sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&s.ID, &s.PreAggregationID, &s.TableName, &s.InvalidateKey, &s.Status, &s.LastError,
		&checked, &refreshed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.LastCheckedAt = parseNullTime(checked)
	s.LastRefreshedAt = parseNullTime(refreshed)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
