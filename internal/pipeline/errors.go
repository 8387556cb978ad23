package pipeline

import "errors"

// retryableError marks a stage failure that should be redelivered rather
// than recorded, such as an interrupted shutdown.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so the orchestrator naks the message instead of
// failing the scan.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was wrapped by Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// ValidationError reports a rejected scan target.
type ValidationError struct {
	Target string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid target " + e.Target + ": " + e.Reason
}
