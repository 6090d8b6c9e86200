// Package stats keeps per-batch run counters bucketed by minute. A Collector
// feeds them from engine events and prunes old buckets on a cron schedule.
package stats

import (
	"context"
	"time"
)

// RunStat stores the run statistics of one batch for one minute.
type RunStat struct {
	ID        uint      `gorm:"primaryKey"`
	BatchID   uint64    `gorm:"uniqueIndex:idx_run_stats_batch_ts;not null"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_run_stats_batch_ts;not null"`
	Started   int64     `gorm:"default:0"`
	Finished  int64     `gorm:"default:0"`
	Failed    int64     `gorm:"default:0"`
	Aborted   int64     `gorm:"default:0"`
	Abandoned int64     `gorm:"default:0"`
	Reloaded  int64     `gorm:"default:0"`
	// OpenRuns is the number of runs not done at the last snapshot.
	OpenRuns int64 `gorm:"default:0"`
}

// Counters are event counts accumulated between flushes.
type Counters struct {
	Started   int64
	Finished  int64
	Failed    int64
	Aborted   int64
	Abandoned int64
	Reloaded  int64
}

// IsZero reports whether nothing was counted.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Storage is the interface for stats persistence.
type Storage interface {
	MigrateStats(ctx context.Context) error
	AddCounters(ctx context.Context, batchID uint64, ts time.Time, c Counters) error
	// SnapshotOpenRuns records the number of open runs of every batch that
	// has any.
	SnapshotOpenRuns(ctx context.Context, ts time.Time) error
	History(ctx context.Context, batchID uint64, since, until time.Time) ([]RunStat, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
