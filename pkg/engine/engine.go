package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jdziat/simple-study-runs/pkg/authz"
	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/factory"
	"github.com/jdziat/simple-study-runs/pkg/group"
	"github.com/jdziat/simple-study-runs/pkg/idcookie"
	"github.com/jdziat/simple-study-runs/pkg/retry"
	"github.com/jdziat/simple-study-runs/pkg/runstate"
	"github.com/jdziat/simple-study-runs/pkg/storage"
)

// Engine runs studies on top of a core.Storage.
type Engine struct {
	storage core.Storage
	factory *factory.Factory
	authz   *authz.Authorizer
	groups  *group.Coordinator
	machine *runstate.Machine
	writer  *idcookie.Writer

	cookies     idcookie.Config
	retry       retry.Config
	now         func() time.Time
	logger      *slog.Logger
	eventBuffer int

	mu        sync.RWMutex
	onStart   []func(context.Context, *core.StudyResult)
	onFinish  []func(context.Context, *core.StudyResult)
	onFail    []func(context.Context, *core.StudyResult, string)
	onAbort   []func(context.Context, *core.StudyResult)
	onAbandon []func(context.Context, *core.StudyResult)
	eventSubs []chan core.Event
}

// New creates an Engine.
func New(s core.Storage, opts ...Option) *Engine {
	e := &Engine{
		storage:     s,
		cookies:     idcookie.DefaultConfig(),
		retry:       retry.DefaultConfig(),
		now:         time.Now,
		logger:      slog.Default(),
		eventBuffer: 100,
	}
	e.retry.Retryable = storage.IsTransient
	for _, opt := range opts {
		opt.apply(e)
	}

	e.factory = factory.New(s, factory.WithClock(e.now))
	e.authz = authz.New(s, authz.WithRetry(e.retry))
	e.groups = group.New(s, e.factory, group.WithRetry(e.retry), group.WithLogger(e.logger))
	e.machine = runstate.New(s, e.factory, runstate.WithLogger(e.logger))
	e.writer = idcookie.NewWriter(
		idcookie.WithAbandon(e.AbandonRun),
		idcookie.WithClock(e.now),
		idcookie.WithLogger(e.logger),
	)
	return e
}

// Storage returns the underlying storage.
func (e *Engine) Storage() core.Storage {
	return e.storage
}

// CookieConfig returns the token slot configuration.
func (e *Engine) CookieConfig() idcookie.Config {
	return e.cookies
}

// Extract decodes the run tokens of a request.
func (e *Engine) Extract(cookies []*http.Cookie) *idcookie.Jar {
	return idcookie.Extract(cookies, e.cookies, e.logger)
}

// RunRef addresses a component of a run.
type RunRef struct {
	StudyResultID uint64
	ComponentID   uint64
}

// run is everything an operation on one StudyResult needs.
type run struct {
	sr     *core.StudyResult
	study  *core.Study
	batch  *core.Batch
	worker *core.Worker
}

func (r *run) component(id uint64) *core.Component {
	for i := range r.study.Components {
		if r.study.Components[i].ID == id {
			return &r.study.Components[i]
		}
	}
	return nil
}

// resolve loads the run a request refers to. The jar must hold a token for
// it. A done run is returned as is when allowDone is set; otherwise its token
// is discarded and the request is Forbidden. Runs that are not done are
// checked with CheckAllowedToContinue.
func (e *Engine) resolve(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string, allowDone bool) (*run, error) {
	tok, ok := jar.Get(studyResultID)
	if !ok {
		return nil, core.BadRequest("no run token for study result %d", studyResultID)
	}
	sr, err := e.storage.GetStudyResult(ctx, studyResultID)
	if err != nil {
		return nil, fmt.Errorf("load study result: %w", err)
	}
	if sr == nil {
		jar.Discard(studyResultID)
		return nil, core.NotFound("study result %d not found", studyResultID)
	}
	if sr.StudyID != tok.StudyID || sr.WorkerID != tok.WorkerID || sr.BatchID != tok.BatchID {
		jar.Discard(studyResultID)
		return nil, core.BadRequest("run token does not match study result %d", studyResultID)
	}

	r := &run{sr: sr}
	if r.study, err = e.storage.GetStudy(ctx, sr.StudyID); err != nil {
		return nil, fmt.Errorf("load study: %w", err)
	}
	if r.batch, err = e.storage.GetBatch(ctx, sr.BatchID); err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if r.worker, err = e.storage.GetWorker(ctx, sr.WorkerID); err != nil {
		return nil, fmt.Errorf("load worker: %w", err)
	}
	if r.study == nil || r.batch == nil || r.worker == nil {
		return nil, core.NotFound("records of study result %d not found", studyResultID)
	}

	if sr.State.IsDone() {
		if allowDone {
			return r, nil
		}
		jar.Discard(studyResultID)
		return nil, core.Forbidden("study result %d is already finished", studyResultID)
	}
	if err := e.authz.CheckAllowedToContinue(ctx, r.worker, r.study, r.batch, caller); err != nil {
		return nil, err
	}
	return r, nil
}

// writeToken stores the run's current state in jar.
func (e *Engine) writeToken(ctx context.Context, jar *idcookie.Jar, r *run) (idcookie.Token, error) {
	p := idcookie.Params{Batch: r.batch, StudyResult: r.sr, Worker: r.worker}
	if cr := r.sr.CurrentComponentResult(); cr != nil {
		if c := r.component(cr.ComponentID); c != nil {
			p.ComponentResult = cr
			p.Component = c
		}
	}
	tok, err := e.writer.Write(ctx, jar, p)
	if err != nil {
		return idcookie.Token{}, fmt.Errorf("write run token: %w", err)
	}
	return tok, nil
}
