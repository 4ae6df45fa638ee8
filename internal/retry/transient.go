// Package retry classifies errors for the backoff loops around Redis and the database.
package retry

import (
	"context"
	"errors"
)

// IsTransient reports whether err is worth another attempt: deadline expiry and
// errors that declare themselves a timeout or temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
