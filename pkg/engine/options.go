package engine

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-study-runs/pkg/idcookie"
	"github.com/jdziat/simple-study-runs/pkg/retry"
)

// Option configures an Engine.
type Option interface {
	apply(*Engine)
}

type optionFunc func(*Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// WithLogger sets the logger used by the engine and its collaborators.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Engine) {
		e.logger = l
	})
}

// WithRetry sets the retry policy for capacity-bounded writes.
func WithRetry(cfg retry.Config) Option {
	return optionFunc(func(e *Engine) {
		e.retry = cfg
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(e *Engine) {
		e.now = now
	})
}

// WithCookieConfig sets the token slot configuration.
func WithCookieConfig(cfg idcookie.Config) Option {
	return optionFunc(func(e *Engine) {
		e.cookies = cfg
	})
}

// WithEventBuffer sets the buffer size of subscriber channels.
func WithEventBuffer(n int) Option {
	return optionFunc(func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	})
}
