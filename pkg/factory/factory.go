// Package factory creates the run records of a study run: study results,
// component results, group results and the workers that own them.
package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/security"
)

// Factory persists new run records through a core.Storage.
type Factory struct {
	storage core.Storage
	now     func() time.Time
}

// Option configures a Factory.
type Option interface {
	apply(*Factory)
}

type optionFunc func(*Factory)

func (f optionFunc) apply(fa *Factory) { f(fa) }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(f *Factory) {
		f.now = now
	})
}

// New creates a Factory.
func New(s core.Storage, opts ...Option) *Factory {
	f := &Factory{storage: s, now: time.Now}
	for _, opt := range opts {
		opt.apply(f)
	}
	return f
}

// Now returns the factory clock's current time.
func (f *Factory) Now() time.Time {
	return f.now()
}

// CreateStudyResult starts a new run. Preview runs begin in PRE, all others
// in STARTED.
func (f *Factory) CreateStudyResult(ctx context.Context, study *core.Study, batch *core.Batch, worker *core.Worker, preview bool) (*core.StudyResult, error) {
	now := f.now()
	state := core.StudyStarted
	if preview {
		state = core.StudyPre
	}
	sr := &core.StudyResult{
		State:        state,
		StudyID:      study.ID,
		BatchID:      batch.ID,
		WorkerID:     worker.ID,
		WorkerType:   worker.Type,
		StartDate:    now,
		LastSeenDate: now,
	}
	if err := f.storage.CreateStudyResult(ctx, sr); err != nil {
		return nil, fmt.Errorf("create study result: %w", err)
	}
	return sr, nil
}

// CreateComponentResult opens a component result in STARTED and appends it
// to the run. The returned pointer refers to the run's own copy.
func (f *Factory) CreateComponentResult(ctx context.Context, sr *core.StudyResult, component *core.Component) (*core.ComponentResult, error) {
	cr := core.ComponentResult{
		StudyResultID: sr.ID,
		ComponentID:   component.ID,
		State:         core.ComponentStarted,
		StartDate:     f.now(),
	}
	if err := f.storage.CreateComponentResult(ctx, &cr); err != nil {
		return nil, fmt.Errorf("create component result: %w", err)
	}
	sr.ComponentResults = append(sr.ComponentResults, cr)
	return &sr.ComponentResults[len(sr.ComponentResults)-1], nil
}

// NewGroupResult returns an unsaved group for the batch.
func (f *Factory) NewGroupResult(batch *core.Batch) *core.GroupResult {
	return &core.GroupResult{
		BatchID:   batch.ID,
		State:     core.GroupStarted,
		StartDate: f.now(),
	}
}

// CreateGeneralWorker creates an anonymous worker on first contact.
func (f *Factory) CreateGeneralWorker(ctx context.Context, workerType core.WorkerType) (*core.Worker, error) {
	if workerType != core.WorkerGeneralSingle && workerType != core.WorkerGeneralMultiple {
		return nil, core.BadRequest("worker type %s is not a general worker", workerType)
	}
	w := &core.Worker{Type: workerType}
	if err := f.storage.CreateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return w, nil
}

// FindOrCreateMTurkWorker returns the worker for an MTurk worker id, creating
// it on first contact.
func (f *Factory) FindOrCreateMTurkWorker(ctx context.Context, workerType core.WorkerType, mtWorkerID string) (*core.Worker, error) {
	if workerType != core.WorkerMTurk && workerType != core.WorkerMTurkSandbox {
		return nil, core.BadRequest("worker type %s is not an MTurk worker", workerType)
	}
	if err := security.ValidateMTWorkerID(mtWorkerID); err != nil {
		return nil, err
	}
	return f.findOrCreate(ctx,
		func() (*core.Worker, error) { return f.storage.FindMTurkWorker(ctx, workerType, mtWorkerID) },
		&core.Worker{Type: workerType, MTWorkerID: &mtWorkerID},
	)
}

// FindOrCreateJatosWorker returns the worker of a researcher account,
// creating it on first use.
func (f *Factory) FindOrCreateJatosWorker(ctx context.Context, username string) (*core.Worker, error) {
	if username == "" {
		return nil, core.Forbidden("a signed-in account is required")
	}
	return f.findOrCreate(ctx,
		func() (*core.Worker, error) { return f.storage.FindJatosWorker(ctx, username) },
		&core.Worker{Type: core.WorkerJatos, Username: &username},
	)
}

// findOrCreate tolerates a concurrent creator winning the insert.
func (f *Factory) findOrCreate(ctx context.Context, find func() (*core.Worker, error), w *core.Worker) (*core.Worker, error) {
	existing, err := find()
	if err != nil {
		return nil, fmt.Errorf("find worker: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	err = f.storage.CreateWorker(ctx, w)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, core.ErrDuplicate) {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	existing, err = find()
	if err != nil {
		return nil, fmt.Errorf("find worker: %w", err)
	}
	if existing == nil {
		return nil, errors.New("worker vanished after duplicate insert")
	}
	return existing, nil
}
