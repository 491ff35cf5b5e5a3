package chain

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks RPC failures where local state must stay unchanged and
// the caller relies on the next cycle or event instead of retrying inline.
var ErrTransient = errors.New("transient chain error")

// SubmissionError is a signed transaction rejected before broadcast. The
// settlement engine marks the corresponding row FAILED synchronously on it.
type SubmissionError struct {
	Method string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected (%s): %v", e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// transient classifies an RPC error. Context expiry and connection drops are
// transient; anything the node actively rejected is not.
func transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
