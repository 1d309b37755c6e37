package reliability

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeErrorType classifies upstream realtime error events that
// warrant a reconnect rather than a user-visible warning only.
func IsRetryableRealtimeErrorType(errorType string) bool {
	switch errorType {
	case "rate_limit_exceeded", "server_error", "session_expired":
		return true
	default:
		return false
	}
}

// IsRetryableDial reports whether a failed websocket dial is worth another
// attempt. A handshake rejected with a non-retryable status (bad key, unknown
// model) is final.
func IsRetryableDial(err error, status int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrBadHandshake) && status != 0 {
		return IsRetryableHTTPStatus(status)
	}
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
