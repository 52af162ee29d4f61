package database

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/models"
	"github.com/sdko-org/scanperf/internal/querycache"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) (*gorm.DB, *logrus.Logger) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := NewSQLiteDB(logger, MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db, logger
}

func seedSummaries(t *testing.T, store *SummaryStore, n int) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, store.SaveSummary(context.Background(), &models.ScanSummary{
			ScanID:         fmt.Sprintf("scan-%02d", i),
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			FinishedAt:     base.Add(time.Duration(i)*time.Hour + time.Minute),
			FilesProcessed: i,
		}))
	}
}

func TestSummaryStore_SaveWithErrors(t *testing.T) {
	db, logger := newTestDB(t)
	store := NewSummaryStore(logger, db)
	ctx := context.Background()

	err := store.SaveSummary(ctx, &models.ScanSummary{
		ScanID:     "scan-1",
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		UnitErrors: 2,
		Errors: []models.UnitError{
			{Path: "/a.php", Message: "read failed"},
			{Path: "/b.php", Message: "timeout"},
		},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "scan-1")
	require.NoError(t, err)
	assert.Len(t, got.Errors, 2)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSummaryStore_RecentOrdering(t *testing.T) {
	db, logger := newTestDB(t)
	store := NewSummaryStore(logger, db)
	seedSummaries(t, store, 5)

	recent, err := store.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "scan-04", recent[0].ScanID)
	assert.Equal(t, "scan-03", recent[1].ScanID)
}

func TestGormExecutor_BindsParams(t *testing.T) {
	db, logger := newTestDB(t)
	seedSummaries(t, NewSummaryStore(logger, db), 4)

	rows, err := NewGormExecutor(db).Execute(context.Background(),
		"SELECT scan_id FROM scan_summaries WHERE files_processed >= ? ORDER BY scan_id", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "scan-02", rows[0]["scan_id"])
}

func TestGormExecutor_ReportsErrors(t *testing.T) {
	db, _ := newTestDB(t)

	_, err := NewGormExecutor(db).Execute(context.Background(), "SELECT * FROM no_such_table")
	assert.Error(t, err)
}

func TestRecentScansPagination(t *testing.T) {
	db, logger := newTestDB(t)
	seedSummaries(t, NewSummaryStore(logger, db), 25)

	store := cache.New(logger, nil, nil, cache.Options{})
	q := querycache.New(logger, store, NewGormExecutor(db), querycache.Options{})
	ctx := context.Background()

	first, err := q.Paginate(ctx, RecentScansQuery, 10, 1, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 25, first.TotalCount)
	assert.Equal(t, 3, first.TotalPages)
	assert.False(t, first.HasPrevious)
	assert.True(t, first.HasNext)
	require.Len(t, first.Rows, 10)
	assert.Equal(t, "scan-24", first.Rows[0]["scan_id"])

	last, err := q.Paginate(ctx, RecentScansQuery, 10, 3, nil)
	require.NoError(t, err)
	assert.Len(t, last.Rows, 5)
	assert.False(t, last.HasNext)
}
