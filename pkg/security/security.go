package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// Limits
const (
	// MaxResultDataSize is the maximum size in bytes of one component's result data (5MB)
	MaxResultDataSize = 5 << 20

	// MaxSessionDataSize is the maximum size in bytes of a run's session data (1MB)
	MaxSessionDataSize = 1 << 20

	// MaxMessageLength is the maximum length for stored error and abort messages
	MaxMessageLength = 4096

	// MaxMTWorkerIDLength is the maximum length of an MTurk worker id
	MaxMTWorkerIDLength = 255

	// MaxRunTokens is the hard limit for concurrently held run tokens
	MaxRunTokens = 50
)

var (
	validMTWorkerID = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	validCookieName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// SanitizeMessage strips control characters (except whitespace) and
// truncates the message for storage.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	out := b.String()

	if utf8.RuneCountInString(out) > MaxMessageLength {
		runes := []rune(out)
		out = string(runes[:MaxMessageLength-3]) + "..."
	}
	return out
}

// ValidateResultData rejects result data above MaxResultDataSize.
func ValidateResultData(data string) error {
	if len(data) > MaxResultDataSize {
		return core.BadRequest("result data exceeds %d bytes", MaxResultDataSize)
	}
	return nil
}

// ValidateSessionData rejects session data above MaxSessionDataSize.
func ValidateSessionData(data string) error {
	if len(data) > MaxSessionDataSize {
		return core.BadRequest("session data exceeds %d bytes", MaxSessionDataSize)
	}
	return nil
}

// ValidateMTWorkerID checks an MTurk worker id supplied by the worker.
func ValidateMTWorkerID(id string) error {
	if id == "" {
		return core.BadRequest("missing MTurk worker id")
	}
	if len(id) > MaxMTWorkerIDLength || !validMTWorkerID.MatchString(id) {
		return core.BadRequest("invalid MTurk worker id")
	}
	return nil
}

// ValidateCookieBaseName checks the configured base name of run token cookies.
func ValidateCookieBaseName(name string) error {
	if !validCookieName.MatchString(name) || len(name) > 64 {
		return core.BadRequest("invalid cookie base name %q", name)
	}
	return nil
}

// ClampRunTokens keeps the token slot ceiling within [1, MaxRunTokens].
func ClampRunTokens(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxRunTokens {
		return MaxRunTokens
	}
	return n
}
