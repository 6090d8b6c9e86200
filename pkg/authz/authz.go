// Package authz decides whether a worker may start or continue a study in a
// batch, and admits workers to batches without exceeding their limits.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/retry"
)

// Authorizer applies the per-worker-type run rules.
type Authorizer struct {
	storage core.Storage
	retry   retry.Config
}

// Option configures an Authorizer.
type Option interface {
	apply(*Authorizer)
}

type optionFunc func(*Authorizer)

func (f optionFunc) apply(a *Authorizer) { f(a) }

// WithRetry sets the retry policy for batch admissions.
func WithRetry(cfg retry.Config) Option {
	return optionFunc(func(a *Authorizer) {
		a.retry = cfg
	})
}

// New creates an Authorizer. Without WithRetry, admissions are attempted once.
func New(s core.Storage, opts ...Option) *Authorizer {
	a := &Authorizer{
		storage: s,
		retry:   retry.Config{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt.apply(a)
	}
	return a
}

// CheckAllowedToStart returns nil if worker may start a new run of study in
// batch. caller is the signed-in account, empty for anonymous requests.
func (a *Authorizer) CheckAllowedToStart(ctx context.Context, worker *core.Worker, study *core.Study, batch *core.Batch, caller string) error {
	return a.check(ctx, worker, study, batch, caller, true)
}

// CheckAllowedToContinue returns nil if worker may keep working on an open
// run of study in batch. Other runs the worker already ended do not count
// against it.
func (a *Authorizer) CheckAllowedToContinue(ctx context.Context, worker *core.Worker, study *core.Study, batch *core.Batch, caller string) error {
	return a.check(ctx, worker, study, batch, caller, false)
}

func (a *Authorizer) check(ctx context.Context, worker *core.Worker, study *core.Study, batch *core.Batch, caller string, starting bool) error {
	if batch.StudyID != study.ID {
		return core.BadRequest("batch %d does not belong to study %d", batch.ID, study.ID)
	}
	if !batch.Allows(worker.Type) {
		return core.Forbidden("worker type %s is not allowed in batch %d", worker.Type, batch.ID)
	}

	switch worker.Type {
	case core.WorkerJatos:
		return a.checkJatos(ctx, worker, study, caller)
	case core.WorkerPersonalSingle, core.WorkerGeneralSingle, core.WorkerTester:
		if err := checkActive(study, batch); err != nil {
			return err
		}
		if !starting {
			return nil
		}
		return a.checkNotDoneBefore(ctx, worker, study)
	case core.WorkerPersonalMultiple, core.WorkerGeneralMultiple, core.WorkerMTurk, core.WorkerMTurkSandbox:
		return checkActive(study, batch)
	}
	return core.BadRequest("unknown worker type %q", worker.Type)
}

// CheckActive rejects runs of a deactivated study or batch. Jatos workers
// may run deactivated studies.
func CheckActive(wt core.WorkerType, study *core.Study, batch *core.Batch) error {
	if wt == core.WorkerJatos {
		return nil
	}
	return checkActive(study, batch)
}

func checkActive(study *core.Study, batch *core.Batch) error {
	if !study.Active {
		return core.Forbidden("study %d is currently deactivated", study.ID)
	}
	if !batch.Active {
		return core.Forbidden("batch %d is currently deactivated", batch.ID)
	}
	return nil
}

func (a *Authorizer) checkJatos(ctx context.Context, worker *core.Worker, study *core.Study, caller string) error {
	if caller == "" || caller != worker.AccountName() {
		return core.Forbidden("worker %d does not belong to the signed-in account", worker.ID)
	}
	member, err := a.storage.IsStudyMember(ctx, study.ID, caller)
	if err != nil {
		return fmt.Errorf("check study membership: %w", err)
	}
	if !member {
		return core.Forbidden("%s is not a member of study %d", caller, study.ID)
	}
	return nil
}

func (a *Authorizer) checkNotDoneBefore(ctx context.Context, worker *core.Worker, study *core.Study) error {
	results, err := a.storage.ListStudyResultsByWorker(ctx, worker.ID)
	if err != nil {
		return fmt.Errorf("list study results: %w", err)
	}
	for _, sr := range results {
		if sr.StudyID == study.ID && sr.State.IsDone() {
			return core.Forbidden("worker %d already did study %d", worker.ID, study.ID)
		}
	}
	return nil
}

// CheckMaxTotalWorkers rejects a worker that would push the batch past
// MaxTotalWorkers. Jatos workers and workers already admitted pass. The
// check reads only; AdmitWorker is the race-free counterpart.
func (a *Authorizer) CheckMaxTotalWorkers(ctx context.Context, batch *core.Batch, worker *core.Worker) error {
	if batch.MaxTotalWorkers == nil || !worker.CountsTowardsBatchLimit() {
		return nil
	}
	admitted, err := a.storage.IsBatchWorker(ctx, batch.ID, worker.ID)
	if err != nil {
		return fmt.Errorf("check batch workers: %w", err)
	}
	if admitted {
		return nil
	}
	if batch.WorkerCount+1 > *batch.MaxTotalWorkers {
		return core.Forbidden("batch %d reached its maximum number of workers", batch.ID)
	}
	return nil
}

// AdmitWorker adds the worker to the batch's worker list, enforcing
// MaxTotalWorkers atomically.
func (a *Authorizer) AdmitWorker(ctx context.Context, batch *core.Batch, worker *core.Worker) error {
	cfg := a.retry
	transient := cfg.Retryable
	cfg.Retryable = func(err error) bool {
		if errors.Is(err, core.ErrBatchFull) {
			return false
		}
		return transient == nil || transient(err)
	}
	err := retry.Do(ctx, cfg, func() error {
		return a.storage.AddBatchWorker(ctx, batch, worker)
	})
	if errors.Is(err, core.ErrBatchFull) {
		return core.Forbidden("batch %d reached its maximum number of workers", batch.ID)
	}
	if err != nil {
		return fmt.Errorf("admit worker: %w", err)
	}
	return nil
}
