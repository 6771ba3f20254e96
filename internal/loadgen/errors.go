package loadgen

import "fmt"

// SetupError is a failure before any worker started: no reachable
// endpoint, missing configuration, or unusable key material. The CLI exits
// with status 1 on it; every other outcome exits 0.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return "setup: " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupErrorf(format string, args ...any) error {
	return &SetupError{Err: fmt.Errorf(format, args...)}
}
