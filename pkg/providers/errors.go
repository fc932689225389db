package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RateLimitError carries the rate-limit hints a 429 response included so the
// failover layer can schedule its next probe instead of guessing.
type RateLimitError struct {
	StatusCode             int
	Message                string
	RetryAfter             string
	RateLimitRequestsReset string
	RateLimitTokensReset   string
	Headers                map[string]string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("rate limited (status %d, retry after %s): %s", e.StatusCode, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether a provider error is worth retrying on the same
// route: rate limits, server-side failures and transport timeouts. Invalid
// requests and auth failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"status 500", "status 502", "status 503", "status 529", "overloaded", "connection refused", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
