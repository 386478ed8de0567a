// Package classify implements the Error Classifier (C11): a pure
// function from an upstream failure shape to a BREAK/RAISE/CONTINUE
// verdict, plus the message sanitizer spec.md §9 requires on every
// string that may reach an audit record or a caller.
package classify

import (
	"regexp"
	"strings"
)

// Verdict is the Failover Engine's (C12) next action.
type Verdict string

const (
	// VerdictBreak moves on to the next candidate.
	VerdictBreak Verdict = "break"
	// VerdictRaise stops the whole failover and surfaces the error to
	// the caller — the request itself is bad.
	VerdictRaise Verdict = "raise"
	// VerdictContinue retries the same candidate.
	VerdictContinue Verdict = "continue"
)

// FailureKind distinguishes the shapes of upstream failure the
// classifier must tell apart without reading the response body.
type FailureKind string

const (
	KindHTTPStatus     FailureKind = "http_status"
	KindNetwork        FailureKind = "network"       // timeout, connection reset
	KindStreamProbe    FailureKind = "stream_probe"   // no bytes before first chunk
)

// Failure is the classifier's input: everything C11 is allowed to look
// at (spec.md §4.11 — status, exception type, sanitized message; never
// the response body).
type Failure struct {
	Kind           FailureKind
	StatusCode     int
	ClientErrorSignature bool // missing field / invalid JSON / schema violation / safety refusal
	HasRetryLeft   bool
}

// clientErrorStatus reports whether code is one of the auth/rate-limit
// statuses that always BREAK regardless of ClientErrorSignature.
func clientErrorStatus(code int) bool {
	return code == 401 || code == 403 || code == 429
}

// Classify runs the decision tree of spec.md §4.11.
func Classify(f Failure) Verdict {
	switch f.Kind {
	case KindStreamProbe:
		return VerdictBreak
	case KindHTTPStatus:
		if clientErrorStatus(f.StatusCode) {
			return VerdictBreak
		}
		if f.StatusCode >= 400 && f.StatusCode < 500 {
			if f.ClientErrorSignature {
				return VerdictRaise
			}
			// An unrecognized 4xx with no client-error signature is
			// treated the same as a transient network failure.
			if f.HasRetryLeft {
				return VerdictContinue
			}
			return VerdictBreak
		}
		if f.StatusCode >= 500 {
			if f.HasRetryLeft {
				return VerdictContinue
			}
			return VerdictBreak
		}
		return VerdictBreak
	case KindNetwork:
		if f.HasRetryLeft {
			return VerdictContinue
		}
		return VerdictBreak
	default:
		return VerdictBreak
	}
}

var redactPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|bearer|authorization)\s*[:=]?\s*(bearer\s+)?\S+`)

const maxSanitizedLen = 200

// Sanitize redacts credential-shaped substrings and caps the result to
// 200 characters (spec.md §9's sanitization rule, consulted by C11/C12
// before any message reaches an audit record or a caller).
func Sanitize(msg string) string {
	redacted := redactPattern.ReplaceAllString(msg, "[REDACTED]")
	redacted = strings.TrimSpace(redacted)
	if len(redacted) > maxSanitizedLen {
		redacted = redacted[:maxSanitizedLen]
	}
	return redacted
}
