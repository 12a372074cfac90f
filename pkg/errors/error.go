package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

const (
	detailExitCode = "exit_code"
	maxStackDepth  = 10
)

// Error is a coded error. Message is what clients see; Err and Stack stay in logs.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
	Stack   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error carrying the code's default message.
func New(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.Message(), Stack: callers(2)}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: callers(2)}
}

// Wrap attaches code to err. A coded err is copied, never mutated, so errors
// shared between goroutines keep their original code.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		cp := *e
		cp.Code = code
		cp.Err = err
		return &cp
	}
	return &Error{Code: code, Message: err.Error(), Err: err, Stack: callers(2)}
}

// Wrapf wraps err with code and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err, Stack: callers(2)}
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, 2)
	}
	e.Details[key] = value
	return e
}

// GetCode returns the code of the first coded error in the chain.
// Uncoded errors report InternalServerError.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// GetError returns the coded error in the chain, wrapping uncoded ones as internal.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(err, InternalServerError)
}

// Is reports whether the chain carries code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	return err != nil && stderrors.As(err, &e) && e.Code == code
}

// ExitCode returns the process exit status recorded on a compile or runtime failure.
func ExitCode(err error) (int, bool) {
	var e *Error
	if !stderrors.As(err, &e) {
		return 0, false
	}
	code, ok := e.Details[detailExitCode].(int)
	return code, ok
}

func callers(skip int) string {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			return b.String()
		}
	}
}

// ValidationError reports a rejected field.
func ValidationError(field, reason string) *Error {
	return New(ValidationFailed).WithDetail("field", field).WithDetail("reason", reason)
}

// CompileFailed carries toolchain output as the user-facing message.
func CompileFailed(output string, exitCode int) *Error {
	return New(CompilationError).WithMessage(output).WithDetail(detailExitCode, exitCode)
}

// RuntimeFailed carries the program's diagnostic as the user-facing message.
func RuntimeFailed(message string, exitCode int) *Error {
	return New(RuntimeError).WithMessage(message).WithDetail(detailExitCode, exitCode)
}

// Unsupported reports an unknown language tag.
func Unsupported(tag string) *Error {
	return Newf(LanguageNotSupported, "language %q is not supported", tag).WithDetail("language", tag)
}
