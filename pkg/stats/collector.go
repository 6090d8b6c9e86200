package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// Source is where a Collector gets events from. *engine.Engine is one.
type Source interface {
	Events() <-chan core.Event
	Unsubscribe(<-chan core.Event)
}

// DefaultPruneSchedule prunes once an hour.
const DefaultPruneSchedule = "0 * * * *"

// ParseSchedule parses a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Collector counts run events per batch and writes them to a Storage.
type Collector struct {
	source    Source
	stats     Storage
	retention time.Duration
	interval  time.Duration
	prune     cron.Schedule
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	counters map[uint64]*Counters

	// ready is closed once the collector has subscribed to events.
	ready     chan struct{}
	readyOnce sync.Once
}

// CollectorOption configures a Collector.
type CollectorOption interface {
	apply(*Collector)
}

type collectorOptionFunc func(*Collector)

func (f collectorOptionFunc) apply(c *Collector) { f(c) }

// WithRetention sets how long stats rows are kept. Zero keeps them forever.
func WithRetention(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.retention = d
	})
}

// WithFlushInterval sets how often counters and snapshots are written.
func WithFlushInterval(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	})
}

// WithPruneSchedule sets when old rows are pruned.
func WithPruneSchedule(s cron.Schedule) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.prune = s
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.now = now
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.logger = l
	})
}

// NewCollector creates a Collector.
func NewCollector(src Source, stats Storage, opts ...CollectorOption) *Collector {
	c := &Collector{
		source:    src,
		stats:     stats,
		retention: 7 * 24 * time.Hour,
		interval:  time.Minute,
		now:       time.Now,
		logger:    slog.Default(),
		counters:  make(map[uint64]*Counters),
		ready:     make(chan struct{}),
	}
	c.prune, _ = ParseSchedule(DefaultPruneSchedule)
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start processes events until ctx is cancelled, then flushes once more.
func (c *Collector) Start(ctx context.Context) {
	events := c.source.Events()
	defer c.source.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	pruneTimer := time.NewTimer(c.untilPrune())
	defer pruneTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case e := <-events:
			c.handleEvent(e)
		case <-ticker.C:
			c.Flush(ctx)
			c.snapshot(ctx)
		case <-pruneTimer.C:
			c.Prune(ctx)
			pruneTimer.Reset(c.untilPrune())
		}
	}
}

func (c *Collector) untilPrune() time.Duration {
	now := c.now()
	d := c.prune.Next(now).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Collector) handleEvent(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case *core.RunStarted:
		c.get(ev.StudyResult.BatchID).Started++
	case *core.RunFinished:
		c.get(ev.StudyResult.BatchID).Finished++
	case *core.RunFailed:
		c.get(ev.StudyResult.BatchID).Failed++
	case *core.RunAborted:
		c.get(ev.StudyResult.BatchID).Aborted++
	case *core.RunAbandoned:
		c.get(ev.StudyResult.BatchID).Abandoned++
	case *core.ComponentReloadedEvent:
		c.get(ev.StudyResult.BatchID).Reloaded++
	}
}

func (c *Collector) get(batchID uint64) *Counters {
	cnt, ok := c.counters[batchID]
	if !ok {
		cnt = &Counters{}
		c.counters[batchID] = cnt
	}
	return cnt
}

// Flush writes the accumulated counters.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = make(map[uint64]*Counters)
	c.mu.Unlock()

	ts := c.now()
	for batchID, cnt := range batch {
		if cnt.IsZero() {
			continue
		}
		if err := c.stats.AddCounters(ctx, batchID, ts, *cnt); err != nil {
			c.logger.Warn("failed to write run stats", "batch_id", batchID, "error", err)
		}
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	if err := c.stats.SnapshotOpenRuns(ctx, c.now()); err != nil {
		c.logger.Warn("failed to snapshot open runs", "error", err)
	}
}

// Prune deletes rows older than the retention. A zero retention keeps
// everything.
func (c *Collector) Prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	n, err := c.stats.Prune(ctx, c.now().Add(-c.retention))
	if err != nil {
		c.logger.Warn("failed to prune run stats", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("pruned run stats", "rows", n)
	}
}
