package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Sandbox errors
// 14000-14999: Session & transport errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Sandbox Errors (13000-13999) ==========

	// Request (13000-13099)
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003

	// Execution (13100-13199)
	QueueFull          ErrorCode = 13100
	SandboxSystemError ErrorCode = 13101
	CompilationError   ErrorCode = 13102
	RuntimeError       ErrorCode = 13103
	ResourceLimitStop  ErrorCode = 13104
	WorkspaceError     ErrorCode = 13105

	// ========== Session Errors (14000-14999) ==========

	TransportError   ErrorCode = 14000
	SessionClosed    ErrorCode = 14001
	NoActiveRun      ErrorCode = 14002
	InputQueueFull   ErrorCode = 14003
	MalformedMessage ErrorCode = 14004
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	CacheError: "Cache operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",

	QueueFull:          "Server overloaded, please try again later",
	SandboxSystemError: "Sandbox system error",
	CompilationError:   "Compilation error",
	RuntimeError:       "Runtime error",
	ResourceLimitStop:  "Execution stopped by resource limit",
	WorkspaceError:     "Workspace operation failed",

	TransportError:   "Transport error",
	SessionClosed:    "Session is closed",
	NoActiveRun:      "No program is running",
	InputQueueFull:   "Input queue is full",
	MalformedMessage: "Malformed message",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == QueueFull:
		return 503
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == CodeTooLarge, c == MalformedMessage:
		return 400
	case c == Timeout:
		return 504
	default:
		return 500
	}
}
