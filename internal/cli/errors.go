package cli

import (
	"errors"
	"fmt"
)

// ExitError carries a process exit code out of a cobra RunE function so
// commands stay testable without calling os.Exit.
type ExitError struct {
	// Code is the exit code to return to the shell.
	Code int
}

// Error implements the error interface in the os/exec "exit status N" format.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError creates an ExitError with the given exit code.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError extracts the exit code from err if it is (or wraps) an ExitError.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
