// Package runs coordinates study runs: workers start studies in batches,
// step through components, join groups, and finish or abort.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := runs.Open("runs.db")
//	store := runs.NewGormStorage(db)
//	store.Migrate(context.Background())
//	eng := runs.New(store)
//
//	jar := eng.Extract(r.Cookies())
//	state, err := eng.StartStudy(ctx, jar, runs.StartStudyRequest{
//	    StudyID:    studyID,
//	    BatchID:    batchID,
//	    WorkerType: runs.WorkerGeneralSingle,
//	})
//	// write jar.Changes() to the response cookies
package runs

import (
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/engine"
	"github.com/jdziat/simple-study-runs/pkg/idcookie"
	"github.com/jdziat/simple-study-runs/pkg/retry"
	"github.com/jdziat/simple-study-runs/pkg/security"
	"github.com/jdziat/simple-study-runs/pkg/storage"
)

type (
	// Engine carries out run operations.
	Engine = engine.Engine

	// Option configures an Engine.
	Option = engine.Option

	// StartStudyRequest identifies who starts which study.
	StartStudyRequest = engine.StartStudyRequest

	// RunRef addresses a component of a run.
	RunRef = engine.RunRef

	// RunState is a run after an operation that started a component.
	RunState = engine.RunState

	// InitData is what a component needs when it loads.
	InitData = engine.InitData

	// Storage defines the persistence layer for study runs.
	Storage = core.Storage

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// PoolOption configures the database connection pool.
	PoolOption = storage.PoolOption

	Study           = core.Study
	Component       = core.Component
	Batch           = core.Batch
	Worker          = core.Worker
	WorkerType      = core.WorkerType
	StudyResult     = core.StudyResult
	ComponentResult = core.ComponentResult
	GroupResult     = core.GroupResult
	StudyState      = core.StudyState
	ComponentState  = core.ComponentState

	// Event is the interface for all run events.
	Event                  = core.Event
	RunStarted             = core.RunStarted
	ComponentStartedEvent  = core.ComponentStartedEvent
	ComponentReloadedEvent = core.ComponentReloadedEvent
	RunFinished            = core.RunFinished
	RunFailed              = core.RunFailed
	RunAborted             = core.RunAborted
	RunAbandoned           = core.RunAbandoned
	GroupJoined            = core.GroupJoined
	GroupLeft              = core.GroupLeft

	// Error carries an error kind and a worker-facing message.
	Error = core.Error
	Kind  = core.Kind

	// Token is the decoded content of one run token cookie.
	Token = idcookie.Token
	// Jar holds the run tokens of one request.
	Jar = idcookie.Jar
	// CookieConfig names and sizes the token slots.
	CookieConfig = idcookie.Config

	// RetryConfig controls retries of capacity-bounded writes.
	RetryConfig = retry.Config
)

// Worker types
const (
	WorkerJatos            = core.WorkerJatos
	WorkerMTurk            = core.WorkerMTurk
	WorkerMTurkSandbox     = core.WorkerMTurkSandbox
	WorkerGeneralSingle    = core.WorkerGeneralSingle
	WorkerGeneralMultiple  = core.WorkerGeneralMultiple
	WorkerPersonalSingle   = core.WorkerPersonalSingle
	WorkerPersonalMultiple = core.WorkerPersonalMultiple
	WorkerTester           = core.WorkerTester
)

// Study result states
const (
	StudyPre           = core.StudyPre
	StudyStarted       = core.StudyStarted
	StudyDataRetrieved = core.StudyDataRetrieved
	StudyFinished      = core.StudyFinished
	StudyAborted       = core.StudyAborted
	StudyFail          = core.StudyFail
)

// Error kinds
const (
	KindInternal        = core.KindInternal
	KindNotFound        = core.KindNotFound
	KindBadRequest      = core.KindBadRequest
	KindForbidden       = core.KindForbidden
	KindReloadForbidden = core.KindReloadForbidden
	KindMalformedToken  = core.KindMalformedToken
)

// Security limits
const (
	MaxResultDataSize  = security.MaxResultDataSize
	MaxSessionDataSize = security.MaxSessionDataSize
	MaxMessageLength   = security.MaxMessageLength
	MaxRunTokens       = security.MaxRunTokens
)

// Error variables
var (
	ErrNotFound        = core.ErrNotFound
	ErrBadRequest      = core.ErrBadRequest
	ErrForbidden       = core.ErrForbidden
	ErrReloadForbidden = core.ErrReloadForbidden
	ErrMalformedToken  = core.ErrMalformedToken
)

// New creates an Engine over the given storage.
func New(s Storage, opts ...Option) *Engine {
	return engine.New(s, opts...)
}

// Open connects to a PostgreSQL URL or a SQLite path.
func Open(dsn string, opts ...PoolOption) (*gorm.DB, error) {
	return storage.Open(dsn, nil, opts...)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// DefaultCookieConfig returns the default token slot configuration.
func DefaultCookieConfig() CookieConfig {
	return idcookie.DefaultConfig()
}

// KindOf returns the kind of err.
func KindOf(err error) Kind {
	return core.KindOf(err)
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return engine.WithLogger(l)
}

// WithRetry sets the retry policy for capacity-bounded writes.
func WithRetry(cfg RetryConfig) Option {
	return engine.WithRetry(cfg)
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return engine.WithClock(now)
}

// WithCookieConfig sets the token slot configuration.
func WithCookieConfig(cfg CookieConfig) Option {
	return engine.WithCookieConfig(cfg)
}

// WithEventBuffer sets the buffer size of event subscriber channels.
func WithEventBuffer(n int) Option {
	return engine.WithEventBuffer(n)
}
