package domain

import (
	"errors"
	"fmt"
)

// LimitError is an admission check failure: expected, not retried, discarded
// for the current cycle only. It always names the limit and both values.
type LimitError struct {
	Limit     string
	Observed  float64
	Threshold float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rejected by %s: observed %v, threshold %v", e.Limit, e.Observed, e.Threshold)
}

// ExchangeError wraps a venue failure. Transient failures (timeouts, 5xx,
// rate limits) may be retried with bounded attempts; permanent rejections
// abandon the intent for the cycle.
type ExchangeError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ExchangeError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("exchange %s (%s): %v", e.Op, kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable venue failure.
func IsTransient(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Transient
}

// IsLimit extracts a LimitError when err is an admission rejection.
func IsLimit(err error) (*LimitError, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// ErrUnknownOrder marks an execution event whose order id has no local
// WorkingOrder; such events are routed to reconciliation, never applied.
var ErrUnknownOrder = errors.New("unknown order id")

// ErrDirectionConflict is returned by the ledger when a mutation would mix
// directions inside one position.
var ErrDirectionConflict = errors.New("position direction conflict")
