package clearance

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// LoopProtectionError is returned when challenge resolution recursed past the
// configured solve depth without producing a pass-through response. The
// session's depth counter is reset before the error is surfaced, so the next
// independent request starts clean.
type LoopProtectionError struct {
	URL      string
	Attempts int
}

func (e *LoopProtectionError) Error() string {
	return fmt.Sprintf("clearance: loop protection: %d challenge attempts for %s", e.Attempts, e.URL)
}

// TransportError wraps a connection or proxy level failure. The failure has
// already been reported to the proxy manager by the time the caller sees it;
// retrying (with the next rotation) is the caller's decision.
type TransportError struct {
	URL   string
	Proxy string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Proxy != "" {
		return fmt.Sprintf("clearance: transport error for %s via %s: %v", e.URL, e.Proxy, e.Err)
	}
	return fmt.Sprintf("clearance: transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ChallengeUnresolvedError is returned when a solver ran but could not
// produce valid clearance cookies or tokens. Not retried by the session.
type ChallengeUnresolvedError struct {
	URL   string
	Kind  ChallengeKind
	Depth int
	Err   error
}

func (e *ChallengeUnresolvedError) Error() string {
	return fmt.Sprintf("clearance: %s challenge unresolved for %s (depth %d): %v", e.Kind, e.URL, e.Depth, e.Err)
}

func (e *ChallengeUnresolvedError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a malformed session configuration (bad source
// address shape, unknown cipher or curve name, invalid ranges). Raised from
// New before any request is made.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("clearance: invalid configuration %q: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// =============================================================================
// Retryable classification
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate
// transient transport failures worth retrying with a new proxy.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"proxy responded with non 200 code",
}

// IsRetryableError reports whether the error is a transient transport failure.
// Callers typically rotate the proxy and retry the request on true.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		err = te.Err
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
