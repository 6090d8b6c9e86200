package engine

import (
	"context"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// OnRunStart registers a callback for when a run starts.
func (e *Engine) OnRunStart(fn func(context.Context, *core.StudyResult)) {
	e.mu.Lock()
	e.onStart = append(e.onStart, fn)
	e.mu.Unlock()
}

// OnRunFinish registers a callback for when a run finishes successfully.
func (e *Engine) OnRunFinish(fn func(context.Context, *core.StudyResult)) {
	e.mu.Lock()
	e.onFinish = append(e.onFinish, fn)
	e.mu.Unlock()
}

// OnRunFail registers a callback for when a run ends in FAIL.
func (e *Engine) OnRunFail(fn func(context.Context, *core.StudyResult, string)) {
	e.mu.Lock()
	e.onFail = append(e.onFail, fn)
	e.mu.Unlock()
}

// OnRunAbort registers a callback for when a run is aborted.
func (e *Engine) OnRunAbort(fn func(context.Context, *core.StudyResult)) {
	e.mu.Lock()
	e.onAbort = append(e.onAbort, fn)
	e.mu.Unlock()
}

// OnRunAbandon registers a callback for when a run is abandoned because its
// token was evicted.
func (e *Engine) OnRunAbandon(fn func(context.Context, *core.StudyResult)) {
	e.mu.Lock()
	e.onAbandon = append(e.onAbandon, fn)
	e.mu.Unlock()
}

// Events returns a channel receiving engine events.
// The caller must call Unsubscribe when done.
func (e *Engine) Events() <-chan core.Event {
	ch := make(chan core.Event, e.eventBuffer)
	e.mu.Lock()
	e.eventSubs = append(e.eventSubs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel created by Events. The channel is not
// closed; no further events are sent to it once Unsubscribe returns.
func (e *Engine) Unsubscribe(ch <-chan core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.eventSubs {
		if sub == ch {
			e.eventSubs = append(e.eventSubs[:i], e.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to every subscriber. Subscribers whose buffer is full
// miss the event.
func (e *Engine) Emit(ev core.Event) {
	e.mu.RLock()
	subs := make([]chan core.Event, len(e.eventSubs))
	copy(subs, e.eventSubs)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) callRunHooks(ctx context.Context, hooks *[]func(context.Context, *core.StudyResult), sr *core.StudyResult) {
	e.mu.RLock()
	fns := make([]func(context.Context, *core.StudyResult), len(*hooks))
	copy(fns, *hooks)
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, sr)
	}
}

func (e *Engine) callFailHooks(ctx context.Context, sr *core.StudyResult, reason string) {
	e.mu.RLock()
	fns := make([]func(context.Context, *core.StudyResult, string), len(e.onFail))
	copy(fns, e.onFail)
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, sr, reason)
	}
}

// snapshot copies sr so subscribers never share memory with a request that
// keeps mutating the run.
func snapshot(sr *core.StudyResult) *core.StudyResult {
	cp := *sr
	cp.ComponentResults = append([]core.ComponentResult(nil), sr.ComponentResults...)
	return &cp
}
