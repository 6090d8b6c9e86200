package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/simple-study-runs/pkg/authz"
	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/idcookie"
	"github.com/jdziat/simple-study-runs/pkg/security"
)

// abandonMessage is stored as the error message of abandoned runs.
const abandonMessage = "run abandoned: its token was evicted by a newer run"

// StartStudyRequest identifies who starts which study.
type StartStudyRequest struct {
	StudyID    uint64
	BatchID    uint64
	WorkerType core.WorkerType
	// WorkerID names an existing Personal or Tester worker, or a General
	// worker coming back. Zero creates a new General worker.
	WorkerID uint64
	// MTWorkerID is the MTurk worker id for MTurk and MTurkSandbox runs.
	MTWorkerID string
	// Caller is the signed-in account, required for Jatos runs.
	Caller string
	// Preview asks for a PRE run. Only single-use workers of studies that
	// allow previews get one.
	Preview bool
}

// RunState is a run after an operation that started a component.
type RunState struct {
	StudyResult     *core.StudyResult
	Component       *core.Component
	ComponentResult *core.ComponentResult
	Token           idcookie.Token
}

// InitData is what a component needs when it loads.
type InitData struct {
	Study             *core.Study
	Batch             *core.Batch
	Component         *core.Component
	StudyResultID     uint64
	ComponentResultID uint64
	SessionData       string
	GroupResultID     *uint64
}

// StartStudy creates a run for the requesting worker and starts the study's
// first active component.
func (e *Engine) StartStudy(ctx context.Context, jar *idcookie.Jar, req StartStudyRequest) (*RunState, error) {
	if !req.WorkerType.Valid() {
		return nil, core.BadRequest("unknown worker type %q", req.WorkerType)
	}
	study, err := e.storage.GetStudy(ctx, req.StudyID)
	if err != nil {
		return nil, fmt.Errorf("load study: %w", err)
	}
	if study == nil {
		return nil, core.NotFound("study %d not found", req.StudyID)
	}
	batch, err := e.storage.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if batch == nil {
		return nil, core.NotFound("batch %d not found", req.BatchID)
	}
	if batch.StudyID != study.ID {
		return nil, core.BadRequest("batch %d does not belong to study %d", batch.ID, study.ID)
	}
	if !batch.Allows(req.WorkerType) {
		return nil, core.Forbidden("worker type %s is not allowed in batch %d", req.WorkerType, batch.ID)
	}
	if err := authz.CheckActive(req.WorkerType, study, batch); err != nil {
		return nil, err
	}
	first := study.FirstActiveComponent()
	if first == nil {
		return nil, core.Forbidden("study %d has no active component", study.ID)
	}

	worker, err := e.resolveWorker(ctx, req, batch)
	if err != nil {
		return nil, err
	}
	if err := e.authz.CheckAllowedToStart(ctx, worker, study, batch, req.Caller); err != nil {
		return nil, err
	}
	if err := e.authz.AdmitWorker(ctx, batch, worker); err != nil {
		return nil, err
	}

	preview := req.Preview && study.AllowPreview && worker.IsSingleUse()
	sr, err := e.factory.CreateStudyResult(ctx, study, batch, worker, preview)
	if err != nil {
		return nil, err
	}
	r := &run{sr: sr, study: study, batch: batch, worker: worker}

	e.logger.Info("study run started",
		"study_result_id", sr.ID,
		"study_id", study.ID,
		"batch_id", batch.ID,
		"worker_id", worker.ID,
		"worker_type", worker.Type,
		"preview", preview,
	)
	e.Emit(&core.RunStarted{StudyResult: snapshot(sr), Worker: worker, Timestamp: e.now()})
	e.callRunHooks(ctx, &e.onStart, sr)

	if _, err := e.writeToken(ctx, jar, r); err != nil {
		return nil, err
	}
	return e.startComponent(ctx, jar, r, first)
}

func (e *Engine) resolveWorker(ctx context.Context, req StartStudyRequest, batch *core.Batch) (*core.Worker, error) {
	switch req.WorkerType {
	case core.WorkerJatos:
		return e.factory.FindOrCreateJatosWorker(ctx, req.Caller)
	case core.WorkerMTurk, core.WorkerMTurkSandbox:
		return e.factory.FindOrCreateMTurkWorker(ctx, req.WorkerType, req.MTWorkerID)
	case core.WorkerGeneralSingle, core.WorkerGeneralMultiple:
		if req.WorkerID == 0 {
			if err := e.authz.CheckMaxTotalWorkers(ctx, batch, &core.Worker{Type: req.WorkerType}); err != nil {
				return nil, err
			}
			return e.factory.CreateGeneralWorker(ctx, req.WorkerType)
		}
	}

	if req.WorkerID == 0 {
		return nil, core.BadRequest("worker type %s needs a worker id", req.WorkerType)
	}
	w, err := e.storage.GetWorker(ctx, req.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("load worker: %w", err)
	}
	if w == nil {
		return nil, core.NotFound("worker %d not found", req.WorkerID)
	}
	if w.Type != req.WorkerType {
		return nil, core.BadRequest("worker %d is not of type %s", w.ID, req.WorkerType)
	}
	return w, nil
}

// StartComponent starts a component of a running study. Starting the
// current component again reloads it. When the component must not be
// reloaded the whole run fails and the ReloadForbidden error is returned.
func (e *Engine) StartComponent(ctx context.Context, jar *idcookie.Jar, ref RunRef, caller string) (*RunState, error) {
	r, err := e.resolve(ctx, jar, ref.StudyResultID, caller, false)
	if err != nil {
		return nil, err
	}
	c, err := r.activeComponent(ref.ComponentID)
	if err != nil {
		return nil, err
	}
	return e.startComponent(ctx, jar, r, c)
}

func (r *run) activeComponent(id uint64) (*core.Component, error) {
	c := r.component(id)
	if c == nil {
		return nil, core.NotFound("component %d not found in study %d", id, r.study.ID)
	}
	if !c.Active {
		return nil, core.Forbidden("component %d is deactivated", id)
	}
	return c, nil
}

func (e *Engine) startComponent(ctx context.Context, jar *idcookie.Jar, r *run, c *core.Component) (*RunState, error) {
	res, err := e.machine.StartComponent(ctx, c, r.sr)
	if err != nil {
		return nil, e.componentFailed(ctx, jar, r, err)
	}
	if err := e.componentStarted(ctx, r, c, res.Reloaded); err != nil {
		return nil, err
	}
	tok, err := e.writeToken(ctx, jar, r)
	if err != nil {
		return nil, err
	}
	return &RunState{StudyResult: r.sr, Component: c, ComponentResult: res.ComponentResult, Token: tok}, nil
}

// retrieve returns the open result of c if it has not gone past maxAllowed, and
// starts c again otherwise.
func (e *Engine) retrieve(ctx context.Context, jar *idcookie.Jar, r *run, c *core.Component, maxAllowed core.ComponentState) (*core.ComponentResult, error) {
	before := len(r.sr.ComponentResults)
	cr, err := e.machine.RetrieveStartedComponentResult(ctx, c, r.sr, maxAllowed)
	if err != nil {
		return nil, e.componentFailed(ctx, jar, r, err)
	}
	if n := len(r.sr.ComponentResults); n > before {
		var reloaded *core.ComponentResult
		if n >= 2 {
			prev := &r.sr.ComponentResults[n-2]
			if prev.ComponentID == c.ID && prev.State == core.ComponentReloaded {
				reloaded = prev
			}
		}
		if err := e.componentStarted(ctx, r, c, reloaded); err != nil {
			return nil, err
		}
	}
	return cr, nil
}

// componentStarted runs after a new component result was opened. A PRE run
// becomes STARTED once it moves past the first active component.
func (e *Engine) componentStarted(ctx context.Context, r *run, c *core.Component, reloaded *core.ComponentResult) error {
	if r.sr.State == core.StudyPre {
		if first := r.study.FirstActiveComponent(); first == nil || first.ID != c.ID {
			if err := e.machine.PromoteFromPre(ctx, r.sr); err != nil {
				return err
			}
		}
	}
	now := e.now()
	if reloaded != nil {
		e.Emit(&core.ComponentReloadedEvent{StudyResult: snapshot(r.sr), ComponentResult: reloaded, Timestamp: now})
	}
	e.Emit(&core.ComponentStartedEvent{StudyResult: snapshot(r.sr), ComponentResult: r.sr.CurrentComponentResult(), Timestamp: now})
	return nil
}

// componentFailed finishes the run as failed when err forbids a reload and
// returns err.
func (e *Engine) componentFailed(ctx context.Context, jar *idcookie.Jar, r *run, err error) error {
	if !errors.Is(err, core.ErrReloadForbidden) {
		return err
	}
	if ferr := e.failRun(ctx, jar, r, core.MessageOf(err)); ferr != nil {
		e.logger.Error("failed to end run after forbidden reload",
			"study_result_id", r.sr.ID,
			"error", ferr,
		)
	}
	return err
}

// GetInitData returns what the component needs to load and records that
// the client retrieved it.
func (e *Engine) GetInitData(ctx context.Context, jar *idcookie.Jar, ref RunRef, caller string) (*InitData, error) {
	r, err := e.resolve(ctx, jar, ref.StudyResultID, caller, false)
	if err != nil {
		return nil, err
	}
	c, err := r.activeComponent(ref.ComponentID)
	if err != nil {
		return nil, err
	}
	cr, err := e.retrieve(ctx, jar, r, c, core.ComponentStarted)
	if err != nil {
		return nil, err
	}
	if err := e.machine.MarkDataRetrieved(ctx, r.sr, cr); err != nil {
		return nil, err
	}
	if _, err := e.writeToken(ctx, jar, r); err != nil {
		return nil, err
	}
	return &InitData{
		Study:             r.study,
		Batch:             r.batch,
		Component:         c,
		StudyResultID:     r.sr.ID,
		ComponentResultID: cr.ID,
		SessionData:       r.sr.SessionData,
		GroupResultID:     r.sr.ActiveGroupResultID,
	}, nil
}

// SubmitResultData stores result data for a component, replacing the
// stored data or appending to it.
func (e *Engine) SubmitResultData(ctx context.Context, jar *idcookie.Jar, ref RunRef, data string, appendData bool, caller string) (*core.ComponentResult, error) {
	if err := security.ValidateResultData(data); err != nil {
		return nil, err
	}
	r, err := e.resolve(ctx, jar, ref.StudyResultID, caller, false)
	if err != nil {
		return nil, err
	}
	c, err := r.activeComponent(ref.ComponentID)
	if err != nil {
		return nil, err
	}
	cr, err := e.retrieve(ctx, jar, r, c, core.ComponentResultDataPosted)
	if err != nil {
		return nil, err
	}
	if err := e.machine.PostResultData(ctx, cr, data, appendData); err != nil {
		return nil, err
	}
	if _, err := e.writeToken(ctx, jar, r); err != nil {
		return nil, err
	}
	return cr, nil
}

// SetSessionData replaces the session data shared by the components of a
// run.
func (e *Engine) SetSessionData(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, data, caller string) error {
	if err := security.ValidateSessionData(data); err != nil {
		return err
	}
	r, err := e.resolve(ctx, jar, studyResultID, caller, false)
	if err != nil {
		return err
	}
	if err := e.storage.SaveSessionData(ctx, r.sr.ID, data, e.now()); err != nil {
		return fmt.Errorf("save session data: %w", err)
	}
	r.sr.SessionData = data
	return nil
}

// Heartbeat records that the worker is still there.
func (e *Engine) Heartbeat(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) error {
	r, err := e.resolve(ctx, jar, studyResultID, caller, false)
	if err != nil {
		return err
	}
	if err := e.storage.TouchStudyResult(ctx, r.sr.ID, e.now()); err != nil {
		return fmt.Errorf("touch study result: %w", err)
	}
	return nil
}

// FinishComponent closes the open result of a component without starting
// another one.
func (e *Engine) FinishComponent(ctx context.Context, jar *idcookie.Jar, ref RunRef, successful bool, msg, caller string) (*core.ComponentResult, error) {
	r, err := e.resolve(ctx, jar, ref.StudyResultID, caller, false)
	if err != nil {
		return nil, err
	}
	if r.component(ref.ComponentID) == nil {
		return nil, core.NotFound("component %d not found in study %d", ref.ComponentID, r.study.ID)
	}
	cr := r.sr.OpenComponentResult()
	if cr == nil || cr.ComponentID != ref.ComponentID {
		return nil, core.BadRequest("component %d has no open result in study result %d", ref.ComponentID, r.sr.ID)
	}
	if err := e.machine.FinishComponent(ctx, cr, successful, msg); err != nil {
		return nil, err
	}
	if _, err := e.writeToken(ctx, jar, r); err != nil {
		return nil, err
	}
	return cr, nil
}

// FinishStudy ends a run, successfully or as failed, and returns the
// confirmation code. Finishing a run that is already done returns its code.
// The run's token is discarded either way.
func (e *Engine) FinishStudy(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, successful bool, msg, caller string) (*string, error) {
	r, err := e.resolve(ctx, jar, studyResultID, caller, true)
	if err != nil {
		return nil, err
	}
	if r.sr.State.IsDone() {
		jar.Discard(r.sr.ID)
		return r.sr.ConfirmationCode, nil
	}
	if !successful {
		return nil, e.failRun(ctx, jar, r, msg)
	}

	if err := e.leaveGroup(ctx, r); err != nil {
		return nil, err
	}
	code, err := e.machine.FinishStudyResult(ctx, true, msg, r.sr, r.worker)
	if err != nil {
		return nil, err
	}
	jar.Discard(r.sr.ID)

	d := r.sr.EndDate.Sub(r.sr.StartDate)
	e.Emit(&core.RunFinished{StudyResult: snapshot(r.sr), Duration: d, Timestamp: e.now()})
	e.callRunHooks(ctx, &e.onFinish, r.sr)
	return code, nil
}

// failRun leaves the run's group, finishes it as FAIL and discards its
// token.
func (e *Engine) failRun(ctx context.Context, jar *idcookie.Jar, r *run, reason string) error {
	if err := e.leaveGroup(ctx, r); err != nil {
		return err
	}
	if _, err := e.machine.FinishStudyResult(ctx, false, reason, r.sr, r.worker); err != nil {
		return err
	}
	jar.Discard(r.sr.ID)

	e.Emit(&core.RunFailed{StudyResult: snapshot(r.sr), Reason: r.sr.ErrorMsg, Timestamp: e.now()})
	e.callFailHooks(ctx, r.sr, r.sr.ErrorMsg)
	return nil
}

// AbortStudy ends a run as ABORTED, wiping its result data. Aborting a run
// that is already done only discards its token.
func (e *Engine) AbortStudy(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, msg, caller string) error {
	r, err := e.resolve(ctx, jar, studyResultID, caller, true)
	if err != nil {
		return err
	}
	if r.sr.State.IsDone() {
		jar.Discard(r.sr.ID)
		return nil
	}
	if err := e.leaveGroup(ctx, r); err != nil {
		return err
	}
	if err := e.machine.AbortStudy(ctx, msg, r.sr); err != nil {
		return err
	}
	jar.Discard(r.sr.ID)

	e.Emit(&core.RunAborted{StudyResult: snapshot(r.sr), Message: r.sr.AbortMsg, Timestamp: e.now()})
	e.callRunHooks(ctx, &e.onAbort, r.sr)
	return nil
}

// AbandonRun ends a run whose token was evicted. A run that is already done
// or gone is left alone. The run leaves its group and is finished as FAIL.
func (e *Engine) AbandonRun(ctx context.Context, studyResultID uint64) error {
	sr, err := e.storage.GetStudyResult(ctx, studyResultID)
	if err != nil {
		return fmt.Errorf("load study result: %w", err)
	}
	if sr == nil || sr.State.IsDone() {
		return nil
	}
	worker, err := e.storage.GetWorker(ctx, sr.WorkerID)
	if err != nil {
		return fmt.Errorf("load worker: %w", err)
	}
	if worker == nil {
		return core.NotFound("worker %d not found", sr.WorkerID)
	}

	r := &run{sr: sr, worker: worker}
	if err := e.leaveGroup(ctx, r); err != nil {
		return err
	}
	if _, err := e.machine.FinishStudyResult(ctx, false, abandonMessage, sr, worker); err != nil {
		return err
	}

	e.logger.Warn("study run abandoned", "study_result_id", sr.ID, "worker_id", worker.ID)
	e.Emit(&core.RunAbandoned{StudyResult: snapshot(sr), Timestamp: e.now()})
	e.callRunHooks(ctx, &e.onAbandon, sr)
	return nil
}
