package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance on a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(2)

		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

// openConcurrentTestDB opens a database that tolerates concurrent writers:
// PostgreSQL when configured, otherwise a WAL-mode SQLite file.
func openConcurrentTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") != "" {
		return openTestDB(t)
	}
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := gorm.Open(Dialector(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite file")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without a fresh
// database per test.
func cleanupPostgresDB(db *gorm.DB) {
	tables := []string{
		"component_results", "study_results", "group_histories", "group_results", "batch_workers",
		"workers", "batches", "study_members", "components", "studies",
	}
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}

func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func intPtr(n int) *int { return &n }

// seedStudy stores a study with two components and one batch accepting every
// worker type.
func seedStudy(t *testing.T, s *GormStorage, batch core.Batch) (*core.Study, *core.Batch) {
	t.Helper()
	if batch.AllowedWorkerTypes == nil {
		batch.AllowedWorkerTypes = core.AllWorkerTypes
	}
	batch.Active = true
	study := &core.Study{
		Title:        "Stroop",
		Active:       true,
		IsGroupStudy: true,
		Components: []core.Component{
			{Position: 2, Title: "debrief", Active: true},
			{Position: 1, Title: "intro", Active: true, Reloadable: true},
		},
		Batches: []core.Batch{batch},
	}
	require.NoError(t, s.CreateStudy(context.Background(), study))
	return study, &study.Batches[0]
}

func newWorker(t *testing.T, s *GormStorage, wt core.WorkerType) *core.Worker {
	t.Helper()
	w := &core.Worker{Type: wt}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}

func newStudyResult(t *testing.T, s *GormStorage, study *core.Study, batch *core.Batch, w *core.Worker) *core.StudyResult {
	t.Helper()
	sr := &core.StudyResult{
		State:      core.StudyStarted,
		StudyID:    study.ID,
		BatchID:    batch.ID,
		WorkerID:   w.ID,
		WorkerType: w.Type,
	}
	require.NoError(t, s.CreateStudyResult(context.Background(), sr))
	return sr
}
