package errors

import (
	"errors"
	"fmt"
)

var (
	ErrRootMissing      = errors.New("dataset root missing")
	ErrOutputUnwritable = errors.New("output directory not writable")
	ErrMissingResource  = errors.New("missing resource")
	ErrMalformedRow     = errors.New("malformed input row")
	ErrUndecodable      = errors.New("undecodable image")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnencodable      = errors.New("document not encodable")
)

// AppError attaches a message to a sentinel and marks whether the condition
// aborts the whole run.
type AppError struct {
	Err     error
	Message string
	Fatal   bool
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
		Fatal:   isFatalSentinel(sentinel),
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
		Fatal:   isFatalSentinel(sentinel),
	}
}

// IsFatal reports whether err should abort the run. Only dataset-root-level
// conditions are fatal; everything else is recovered where it happens.
func IsFatal(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Fatal
	}
	return isFatalSentinel(err)
}

// ExitCode maps an error returned to main onto a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidInput):
		return 2
	default:
		return 1
	}
}

func isFatalSentinel(err error) bool {
	return errors.Is(err, ErrRootMissing) || errors.Is(err, ErrOutputUnwritable)
}
