package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request deadline exceeded, socket dropped.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: missing arguments, unknown target node, unsupported operation.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: malformed messages, recovered panics in handlers.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the node protocol.
const (
	ErrCodeValidation      ErrorCode = "VALIDATION"       // Missing or malformed arguments, detected before sending
	ErrCodeRouting         ErrorCode = "ROUTING"          // Destination node has no registered connection
	ErrCodeRemoteExecution ErrorCode = "REMOTE_EXECUTION" // The remote operation failed
	ErrCodeProtocol        ErrorCode = "PROTOCOL"         // Unknown reply type or malformed message
	ErrCodeTransport       ErrorCode = "TRANSPORT"        // Underlying channel failure
	ErrCodeTimeout         ErrorCode = "TIMEOUT"          // Request deadline exceeded
	ErrCodeUnsupported     ErrorCode = "UNSUPPORTED"      // No handler for the requested operation
	ErrCodeCanceled        ErrorCode = "CANCELED"         // Operation was canceled
	ErrCodeInternal        ErrorCode = "INTERNAL"         // Unexpected internal error
	ErrCodePanic           ErrorCode = "PANIC"            // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport:
		return CategoryTransient

	case ErrCodeValidation, ErrCodeRouting, ErrCodeRemoteExecution, ErrCodeUnsupported,
		ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeProtocol, ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeValidation:      "invalid arguments",
	ErrCodeRouting:         "target node does not exist.",
	ErrCodeRemoteExecution: "remote operation failed",
	ErrCodeProtocol:        "protocol violation",
	ErrCodeTransport:       "transport failure",
	ErrCodeTimeout:         "request timed out",
	ErrCodeUnsupported:     "operation not supported",
	ErrCodeCanceled:        "operation canceled",
	ErrCodeInternal:        "internal error",
	ErrCodePanic:           "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
