package idcookie

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// AbandonFunc ends the run of an evicted token. It is called before the
// token's slot is overwritten.
type AbandonFunc func(ctx context.Context, studyResultID uint64) error

// Params are the records a token is written from. ComponentResult and
// Component are nil before the run's first component starts.
type Params struct {
	Batch           *core.Batch
	StudyResult     *core.StudyResult
	ComponentResult *core.ComponentResult
	Component       *core.Component
	Worker          *core.Worker
}

// Writer places run tokens into jar slots.
type Writer struct {
	abandon AbandonFunc
	now     func() time.Time
	logger  *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption interface {
	apply(*Writer)
}

type writerOptionFunc func(*Writer)

func (f writerOptionFunc) apply(w *Writer) { f(w) }

// WithAbandon sets the hook run for evicted tokens.
func WithAbandon(fn AbandonFunc) WriterOption {
	return writerOptionFunc(func(w *Writer) {
		w.abandon = fn
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) WriterOption {
	return writerOptionFunc(func(w *Writer) {
		w.now = now
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WriterOption {
	return writerOptionFunc(func(w *Writer) {
		w.logger = l
	})
}

// NewWriter creates a Writer.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(w)
	}
	return w
}

// Write stores the token for p in jar.
//
// A run keeps the slot it already has. A new run takes the lowest free slot.
// When every slot is taken, the token with the oldest CreationTime is
// evicted: its run is handed to the abandon hook, then its slot is reused.
func (w *Writer) Write(ctx context.Context, jar *Jar, p Params) (Token, error) {
	tok := w.build(p)

	if slot, ok := jar.SlotOf(tok.StudyResultID); ok {
		jar.Put(slot, tok)
		return tok, nil
	}
	if slot, ok := jar.freeSlot(); ok {
		jar.Put(slot, tok)
		return tok, nil
	}

	slot := jar.oldestSlot()
	evicted := *jar.slots[slot]
	w.logger.Info("evicting run token",
		"slot", slot,
		"evicted_study_result_id", evicted.StudyResultID,
		"study_result_id", tok.StudyResultID,
	)
	if w.abandon != nil {
		if err := w.abandon(ctx, evicted.StudyResultID); err != nil {
			return Token{}, fmt.Errorf("abandon study result %d: %w", evicted.StudyResultID, err)
		}
	}
	jar.Put(slot, tok)
	return tok, nil
}

func (w *Writer) build(p Params) Token {
	tok := Token{
		WorkerID:      p.Worker.ID,
		WorkerType:    p.Worker.Type,
		BatchID:       p.Batch.ID,
		StudyID:       p.StudyResult.StudyID,
		StudyResultID: p.StudyResult.ID,
		CreationTime:  w.now().UnixMilli(),
	}
	if gid := p.StudyResult.ActiveGroupResultID; gid != nil {
		id := *gid
		tok.GroupResultID = &id
	}
	if p.ComponentResult != nil && p.Component != nil {
		tok.ComponentID = p.Component.ID
		tok.ComponentResultID = p.ComponentResult.ID
		tok.ComponentPosition = p.Component.Position
	}
	return tok
}
