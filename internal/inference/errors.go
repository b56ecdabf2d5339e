package inference

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrTransient marks an error as retryable. Wrap with
// fmt.Errorf("...: %w", ErrTransient) or rely on Classify.
var ErrTransient = errors.New("transient inference error")

// transientFragments are backend error strings that indicate a condition
// likely to clear on retry.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporarily unavailable",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
}

// IsTransient reports whether err is retryable under the engine's backoff
// policy.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
