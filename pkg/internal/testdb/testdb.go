// Package testdb opens migrated databases and seeds studies for tests of
// packages above storage.
package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/storage"
)

var dbCounter atomic.Int64

// Open opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// creates a unique WAL-mode SQLite file under the test's temp dir, which
// tolerates concurrent writers.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		require.NoError(t, err, "open postgres test db")
		sqlDB, err := db.DB()
		require.NoError(t, err)
		sqlDB.SetMaxOpenConns(8)

		cleanup(db)
		t.Cleanup(func() {
			cleanup(db)
			_ = sqlDB.Close()
		})
		return db
	}

	n := dbCounter.Add(1)
	path := filepath.Join(t.TempDir(), fmt.Sprintf("runs_%d.db", n))
	db, err := gorm.Open(storage.Dialector(path), cfg)
	require.NoError(t, err, "open sqlite test db")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func cleanup(db *gorm.DB) {
	for _, tbl := range []string{
		"run_stats", "component_results", "study_results", "group_histories", "group_results", "batch_workers",
		"workers", "batches", "study_members", "components", "studies",
	} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// NewStorage opens a database and returns migrated storage.
func NewStorage(t testing.TB) *storage.GormStorage {
	t.Helper()
	s := storage.NewGormStorage(Open(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// StudySpec describes a study to seed. Zero values give an active,
// non-group study with a reloadable first component, a non-reloadable second
// component, and one batch accepting every worker type.
type StudySpec struct {
	Group         bool
	AllowPreview  bool
	InactiveStudy bool
	Components    []core.Component
	Batch         core.Batch
	InactiveBatch bool
	Members       []string
}

// SeedStudy stores the study of spec and returns it with its batch.
func SeedStudy(t testing.TB, s core.Storage, spec StudySpec) (*core.Study, *core.Batch) {
	t.Helper()
	ctx := context.Background()

	components := spec.Components
	if components == nil {
		components = []core.Component{
			{Position: 1, Title: "C1", Active: true, Reloadable: true},
			{Position: 2, Title: "C2", Active: true, Reloadable: false},
		}
	}
	batch := spec.Batch
	if batch.AllowedWorkerTypes == nil {
		batch.AllowedWorkerTypes = core.AllWorkerTypes
	}
	if batch.Title == "" {
		batch.Title = "Default"
	}
	batch.Active = !spec.InactiveBatch

	study := &core.Study{
		Title:        "Study",
		Active:       !spec.InactiveStudy,
		IsGroupStudy: spec.Group,
		AllowPreview: spec.AllowPreview,
		Components:   components,
		Batches:      []core.Batch{batch},
	}
	require.NoError(t, s.CreateStudy(ctx, study))
	for _, m := range spec.Members {
		require.NoError(t, s.AddStudyMember(ctx, study.ID, m))
	}

	got, err := s.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	return got, &got.Batches[0]
}

// NewWorker stores a worker of the given type. Jatos workers belong to the
// account "researcher".
func NewWorker(t testing.TB, s core.Storage, wt core.WorkerType) *core.Worker {
	t.Helper()
	w := &core.Worker{Type: wt}
	switch wt {
	case core.WorkerJatos:
		name := "researcher"
		w.Username = &name
	case core.WorkerMTurk, core.WorkerMTurkSandbox:
		id := fmt.Sprintf("MT%d", dbCounter.Add(1))
		w.MTWorkerID = &id
	}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}
