package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule means the recurrence expression or schedule
	// definition is malformed. Fatal at registration time.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrSourceUnavailable covers network failures and HTTP errors from an
	// external source. Transient; the worker retries with backoff.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrLockHeld means another run of the same task name is in flight.
	ErrLockHeld = errors.New("task lock held")
)

// FormatError is a successfully received but unparseable source payload.
// Not retryable: retrying returns the same bytes. The sample is kept for
// diagnosis.
type FormatError struct {
	Source string
	Sample string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: malformed payload: %v", e.Source, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Retryable reports whether an ingest error should be retried by the
// worker. Format errors are bug signals and are surfaced, not retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FormatError
	return !errors.As(err, &fe)
}
