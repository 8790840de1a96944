package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "duck-semantic/internal/db"
	"duck-semantic/internal/domain"
)

func TestRefreshRunRepo_CreateAndList(t *testing.T) {
	writeDB, _ := internaldb.OpenTestSQLite(t)
	repo := NewRefreshRunRepo(writeDB)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Minute)
		_, err := repo.Create(ctx, &domain.RefreshRun{
			TableName:  "t1",
			Status:     domain.RefreshRunSucceeded,
			StartedAt:  start,
			FinishedAt: start.Add(1500 * time.Millisecond),
		})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, &domain.RefreshRun{TableName: "t2", Status: domain.RefreshRunFailed, Error: "boom", StartedAt: base, FinishedAt: base})
	require.NoError(t, err)

	runs, total, err := repo.ListByTable(ctx, "t1", domain.PageRequest{MaxResults: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, runs, 2)
	assert.Equal(t, base.Add(2*time.Minute), runs[0].StartedAt)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration())

	next := domain.NextPageToken(0, 2, total)
	runs, _, err = repo.ListByTable(ctx, "t1", domain.PageRequest{MaxResults: 2, PageToken: next})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, base, runs[0].StartedAt)
}

func TestRefreshRunRepo_RejectsUnknownStatus(t *testing.T) {
	writeDB, _ := internaldb.OpenTestSQLite(t)
	_, err := NewRefreshRunRepo(writeDB).Create(context.Background(), &domain.RefreshRun{TableName: "t1", Status: "RUNNING"})
	var userErr *domain.UserError
	require.ErrorAs(t, err, &userErr)
}

func TestRefreshRunRepo_ListIncludesPartitions(t *testing.T) {
	writeDB, _ := internaldb.OpenTestSQLite(t)
	repo := NewRefreshRunRepo(writeDB)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, table := range []string{"pa.daily_20250101", "pa.daily", "pa.daily_extra", "pa.daily_20250201"} {
		start := base.Add(time.Duration(i) * time.Minute)
		_, err := repo.Create(ctx, &domain.RefreshRun{TableName: table, Status: domain.RefreshRunSucceeded, StartedAt: start, FinishedAt: start})
		require.NoError(t, err)
	}

	runs, total, err := repo.ListByTable(ctx, "pa.daily", domain.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, "pa.daily_20250201", runs[0].TableName)
	assert.Equal(t, "pa.daily", runs[1].TableName)
	assert.Equal(t, "pa.daily_20250101", runs[2].TableName)
}
