package stats

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// GormStorage implements Storage using GORM. It reads study results from the
// same database for open-run snapshots.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a GORM-backed stats storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

func (s *GormStorage) MigrateStats(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&RunStat{})
}

// bucket makes sure the row of (batchID, ts) exists.
func (s *GormStorage) bucket(tx *gorm.DB, batchID uint64, ts time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RunStat{BatchID: batchID, Timestamp: ts}).Error
}

func (s *GormStorage) AddCounters(ctx context.Context, batchID uint64, ts time.Time, c Counters) error {
	ts = ts.UTC().Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.bucket(tx, batchID, ts); err != nil {
			return err
		}
		return tx.Model(&RunStat{}).
			Where("batch_id = ? AND timestamp = ?", batchID, ts).
			Updates(map[string]any{
				"started":   gorm.Expr("started + ?", c.Started),
				"finished":  gorm.Expr("finished + ?", c.Finished),
				"failed":    gorm.Expr("failed + ?", c.Failed),
				"aborted":   gorm.Expr("aborted + ?", c.Aborted),
				"abandoned": gorm.Expr("abandoned + ?", c.Abandoned),
				"reloaded":  gorm.Expr("reloaded + ?", c.Reloaded),
			}).Error
	})
}

func (s *GormStorage) SnapshotOpenRuns(ctx context.Context, ts time.Time) error {
	ts = ts.UTC().Truncate(time.Minute)

	var rows []struct {
		BatchID  uint64
		OpenRuns int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.StudyResult{}).
		Select("batch_id, COUNT(*) AS open_runs").
		Where("state IN ?", []core.StudyState{core.StudyPre, core.StudyStarted, core.StudyDataRetrieved}).
		Group("batch_id").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range rows {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.bucket(tx, r.BatchID, ts); err != nil {
				return err
			}
			return tx.Model(&RunStat{}).
				Where("batch_id = ? AND timestamp = ?", r.BatchID, ts).
				Update("open_runs", r.OpenRuns).Error
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *GormStorage) History(ctx context.Context, batchID uint64, since, until time.Time) ([]RunStat, error) {
	var stats []RunStat
	q := s.db.WithContext(ctx).Order("timestamp ASC")

	if batchID != 0 {
		q = q.Where("batch_id = ?", batchID)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until.UTC())
	}

	return stats, q.Find(&stats).Error
}

func (s *GormStorage) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&RunStat{})
	return result.RowsAffected, result.Error
}

var _ Storage = (*GormStorage)(nil)
