// Package httpapi exposes the run engine over HTTP. Run tokens travel as
// cookies; every response sets or expires the cookies the engine changed.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jdziat/simple-study-runs/pkg/stats"
)

// Option configures the HTTP handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	middleware   func(http.Handler) http.Handler
	auth         *JWTAuth
	stats        stats.Storage
	logger       *slog.Logger
	cookiePath   string
	cookieSecure bool
	cookieMaxAge time.Duration
}

// WithMiddleware wraps the handler with middleware.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = mw
	})
}

// WithJWT identifies signed-in accounts by bearer tokens signed with auth's
// secret. Without it every request is anonymous.
func WithJWT(auth *JWTAuth) Option {
	return optionFunc(func(c *config) {
		c.auth = auth
	})
}

// WithStats serves run statistics to signed-in accounts.
func WithStats(s stats.Storage) Option {
	return optionFunc(func(c *config) {
		c.stats = s
	})
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) {
		c.logger = l
	})
}

// WithCookiePath sets the path of run token cookies. Default: "/".
func WithCookiePath(p string) Option {
	return optionFunc(func(c *config) {
		c.cookiePath = p
	})
}

// WithSecureCookies marks run token cookies Secure.
func WithSecureCookies(secure bool) Option {
	return optionFunc(func(c *config) {
		c.cookieSecure = secure
	})
}

// WithCookieMaxAge sets the lifetime of run token cookies. Zero makes them
// session cookies.
func WithCookieMaxAge(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.cookieMaxAge = d
	})
}
