// Package runstate implements the state transitions of study and component
// results: starting and reloading components, moving component results
// forward, and ending runs by finishing, failing or aborting them.
package runstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/factory"
	"github.com/jdziat/simple-study-runs/pkg/security"
)

// Machine drives run state. It never touches group membership or batch
// admission.
type Machine struct {
	storage core.Storage
	factory *factory.Factory
	logger  *slog.Logger
}

// Option configures a Machine.
type Option interface {
	apply(*Machine)
}

type optionFunc func(*Machine)

func (f optionFunc) apply(m *Machine) { f(m) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Machine) {
		m.logger = l
	})
}

// New creates a Machine.
func New(s core.Storage, f *factory.Factory, opts ...Option) *Machine {
	m := &Machine{storage: s, factory: f, logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// StartResult describes what StartComponent did besides creating the new
// component result.
type StartResult struct {
	ComponentResult *core.ComponentResult
	// Reloaded is the result closed as RELOADED, if any.
	Reloaded *core.ComponentResult
}

// StartComponent closes the run's most recent component result and opens a
// new one for component.
//
// Restarting the component of the most recent result closes that result as
// RELOADED when the component is reloadable. A non-reloadable component
// closes it as FAIL and returns an error of kind ReloadForbidden; the caller
// must then finish the whole run as failed. Starting a different component
// closes an open result as FINISHED.
func (m *Machine) StartComponent(ctx context.Context, component *core.Component, sr *core.StudyResult) (*StartResult, error) {
	out := &StartResult{}
	reloaded := false
	if last := sr.CurrentComponentResult(); last != nil {
		lastID := last.ID
		switch {
		case last.ComponentID == component.ID && component.Reloadable:
			if err := m.Advance(ctx, last, core.ComponentReloaded); err != nil {
				return nil, err
			}
			// a result already closed as FAIL or ABORTED stays as it is
			reloaded = last.State == core.ComponentReloaded
		case last.ComponentID == component.ID:
			if err := m.Advance(ctx, last, core.ComponentFail); err != nil {
				return nil, err
			}
			return nil, core.ReloadForbidden("component %d of study result %d must not be reloaded", component.ID, sr.ID)
		case !last.State.IsDone():
			if err := m.Advance(ctx, last, core.ComponentFinished); err != nil {
				return nil, err
			}
		}
		m.logger.Debug("closed component result", "study_result_id", sr.ID, "component_result_id", lastID)
	}

	cr, err := m.factory.CreateComponentResult(ctx, sr, component)
	if err != nil {
		return nil, err
	}
	if reloaded {
		// the append may have moved the run's results
		out.Reloaded = &sr.ComponentResults[len(sr.ComponentResults)-2]
	}
	out.ComponentResult = cr
	return out, nil
}

// RetrieveStartedComponentResult returns the run's open result for
// component if its state is at most maxAllowed. Otherwise the component is
// started again, which may fail with ReloadForbidden.
func (m *Machine) RetrieveStartedComponentResult(ctx context.Context, component *core.Component, sr *core.StudyResult, maxAllowed core.ComponentState) (*core.ComponentResult, error) {
	if cr := sr.OpenComponentResult(); cr != nil &&
		cr.ComponentID == component.ID &&
		cr.State.Ordinal() <= maxAllowed.Ordinal() {
		return cr, nil
	}
	res, err := m.StartComponent(ctx, component, sr)
	if err != nil {
		return nil, err
	}
	return res.ComponentResult, nil
}

// Advance moves cr forward to state. Moves to an earlier or equal state are
// ignored, as is any move out of RELOADED, ABORTED or FAIL.
func (m *Machine) Advance(ctx context.Context, cr *core.ComponentResult, state core.ComponentState) error {
	if cr.State.Ordinal() >= core.ComponentReloaded.Ordinal() || state.Ordinal() <= cr.State.Ordinal() {
		return nil
	}
	cr.State = state
	if state.IsDone() {
		now := m.factory.Now()
		cr.EndDate = &now
	}
	if err := m.storage.UpdateComponentResult(ctx, cr); err != nil {
		return fmt.Errorf("update component result: %w", err)
	}
	return nil
}

// FinishComponent closes a component result as FINISHED, or as FAIL with
// msg when unsuccessful.
func (m *Machine) FinishComponent(ctx context.Context, cr *core.ComponentResult, successful bool, msg string) error {
	if cr.State.IsDone() {
		return nil
	}
	state := core.ComponentFinished
	if !successful {
		state = core.ComponentFail
		cr.ErrorMsg = security.SanitizeMessage(msg)
	}
	return m.Advance(ctx, cr, state)
}

// FinishStudyResult ends a run. A successful run closes every open component
// result as FINISHED and receives the worker's confirmation code. A failed
// run keeps its component results as they are. Both clear the session data.
// The confirmation code is returned, nil if the worker type has none or the
// run failed.
func (m *Machine) FinishStudyResult(ctx context.Context, successful bool, errorMsg string, sr *core.StudyResult, worker *core.Worker) (*string, error) {
	if successful {
		for i := range sr.ComponentResults {
			if err := m.Advance(ctx, &sr.ComponentResults[i], core.ComponentFinished); err != nil {
				return nil, err
			}
		}
		sr.ConfirmationCode = worker.GenerateConfirmationCode()
		sr.State = core.StudyFinished
	} else {
		sr.State = core.StudyFail
	}

	m.end(sr)
	sr.ErrorMsg = security.SanitizeMessage(errorMsg)
	if err := m.storage.UpdateStudyResult(ctx, sr); err != nil {
		return nil, fmt.Errorf("update study result: %w", err)
	}
	m.logger.Info("study result finished",
		"study_result_id", sr.ID,
		"state", sr.State,
		"worker_type", sr.WorkerType,
	)
	return sr.ConfirmationCode, nil
}

// AbortStudy ends a run as ABORTED. Every component result becomes ABORTED
// and loses its data, whatever its previous state.
func (m *Machine) AbortStudy(ctx context.Context, msg string, sr *core.StudyResult) error {
	now := m.factory.Now()
	for i := range sr.ComponentResults {
		cr := &sr.ComponentResults[i]
		cr.State = core.ComponentAborted
		cr.Data = ""
		if cr.EndDate == nil {
			cr.EndDate = &now
		}
		if err := m.storage.UpdateComponentResult(ctx, cr); err != nil {
			return fmt.Errorf("update component result: %w", err)
		}
	}

	sr.State = core.StudyAborted
	sr.AbortMsg = security.SanitizeMessage(msg)
	m.end(sr)
	if err := m.storage.UpdateStudyResult(ctx, sr); err != nil {
		return fmt.Errorf("update study result: %w", err)
	}
	m.logger.Info("study result aborted", "study_result_id", sr.ID)
	return nil
}

func (m *Machine) end(sr *core.StudyResult) {
	now := m.factory.Now()
	sr.EndDate = &now
	sr.LastSeenDate = now
	sr.SessionData = ""
}

// MarkDataRetrieved records that the client fetched the init data of cr.
// A PRE run stays in PRE.
func (m *Machine) MarkDataRetrieved(ctx context.Context, sr *core.StudyResult, cr *core.ComponentResult) error {
	if err := m.Advance(ctx, cr, core.ComponentDataRetrieved); err != nil {
		return err
	}
	if sr.State != core.StudyStarted {
		return nil
	}
	sr.State = core.StudyDataRetrieved
	sr.LastSeenDate = m.factory.Now()
	if err := m.storage.UpdateStudyResult(ctx, sr); err != nil {
		return fmt.Errorf("update study result: %w", err)
	}
	return nil
}

// PromoteFromPre converts a preview run to STARTED.
func (m *Machine) PromoteFromPre(ctx context.Context, sr *core.StudyResult) error {
	if sr.State != core.StudyPre {
		return nil
	}
	sr.State = core.StudyStarted
	if err := m.storage.UpdateStudyResult(ctx, sr); err != nil {
		return fmt.Errorf("update study result: %w", err)
	}
	return nil
}

// PostResultData stores data on cr, replacing or appending to what is
// there, and moves it to RESULTDATA_POSTED.
func (m *Machine) PostResultData(ctx context.Context, cr *core.ComponentResult, data string, appendData bool) error {
	if err := security.ValidateResultData(data); err != nil {
		return err
	}
	if appendData {
		data = cr.Data + data
		if err := security.ValidateResultData(data); err != nil {
			return err
		}
	}
	cr.Data = data
	if cr.State.Ordinal() < core.ComponentResultDataPosted.Ordinal() {
		cr.State = core.ComponentResultDataPosted
	}
	if err := m.storage.UpdateComponentResult(ctx, cr); err != nil {
		return fmt.Errorf("update component result: %w", err)
	}
	return nil
}
