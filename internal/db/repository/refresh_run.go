package repository

import (
	"context"
	"database/sql"
	"strings"

	"duck-semantic/internal/domain"
)

// Compile-time check.
var _ domain.RefreshRunRepository = (*RefreshRunRepo)(nil)

// RefreshRunRepo implements RefreshRunRepository using SQLite.
type RefreshRunRepo struct {
	db *sql.DB
}

// NewRefreshRunRepo creates a new RefreshRunRepo.
func NewRefreshRunRepo(db *sql.DB) *RefreshRunRepo {
	return &RefreshRunRepo{db: db}
}

// Create records a finished run.
func (r *RefreshRunRepo) Create(ctx context.Context, run *domain.RefreshRun) (*domain.RefreshRun, error) {
	if run.Status != domain.RefreshRunSucceeded && run.Status != domain.RefreshRunFailed {
		return nil, domain.ErrUser("refresh run status must be %s or %s", domain.RefreshRunSucceeded, domain.RefreshRunFailed)
	}
	out := *run
	if out.ID == "" {
		out.ID = domain.NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_runs (id, table_name, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		out.ID, out.TableName, out.Status, out.Error, formatTime(out.StartedAt), formatTime(out.FinishedAt))
	if err != nil {
		return nil, mapDBError(err)
	}
	out.StartedAt = out.StartedAt.UTC()
	out.FinishedAt = out.FinishedAt.UTC()
	return &out, nil
}

// ListByTable returns the runs of a table and of its date partitions
// (table_YYYYMMDD), newest first.
func (r *RefreshRunRepo) ListByTable(ctx context.Context, tableName string, page domain.PageRequest) ([]domain.RefreshRun, int64, error) {
	partitions := tableName + "_" + strings.Repeat("[0-9]", 8)
	var total int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM refresh_runs
		WHERE table_name = ? OR table_name GLOB ?`, tableName, partitions).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, table_name, status, error, started_at, finished_at
		FROM refresh_runs WHERE table_name = ? OR table_name GLOB ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`, tableName, partitions, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.RefreshRun
	for rows.Next() {
		var (
			run             domain.RefreshRun
			started, finish string
		)
		if err := rows.Scan(&run.ID, &run.TableName, &run.Status, &run.Error, &started, &finish); err != nil {
			return nil, 0, err
		}
		run.StartedAt = parseTime(started)
		run.FinishedAt = parseTime(finish)
		out = append(out, run)
	}
	return out, total, rows.Err()
}
