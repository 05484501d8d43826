package errors

import "fmt"

// Error is the structured error type used across nodelink. Every failure that
// reaches a caller through a Future is an *Error, so callers can branch on
// Code instead of matching message text.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	nodeID    string // node the failure concerns, if applicable
	messageID string // correlated message, if applicable
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable reports whether the operation may succeed on retry.
func (e *Error) Retryable() bool {
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// NodeID returns the node the error concerns, if set.
func (e *Error) NodeID() string {
	return e.nodeID
}

// MessageID returns the correlated message id, if set.
func (e *Error) MessageID() string {
	return e.messageID
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithNodeID records the node the error concerns.
func WithNodeID(id string) Option {
	return func(e *Error) {
		e.nodeID = id
	}
}

// WithMessageID records the correlated message id.
func WithMessageID(id string) Option {
	return func(e *Error) {
		e.messageID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validation creates a validation error.
func Validation(message string, opts ...Option) *Error {
	return New(ErrCodeValidation, message, opts...)
}

// Routing creates a routing error for an unknown destination.
func Routing(message string, opts ...Option) *Error {
	return New(ErrCodeRouting, message, opts...)
}

// RemoteExecution creates an error reported by a remote node.
func RemoteExecution(message string, opts ...Option) *Error {
	return New(ErrCodeRemoteExecution, message, opts...)
}

// Protocol creates a protocol error.
func Protocol(message string, opts ...Option) *Error {
	return New(ErrCodeProtocol, message, opts...)
}

// TransportFailure creates a channel-level error.
func TransportFailure(message string, opts ...Option) *Error {
	return New(ErrCodeTransport, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Unsupported creates an unsupported operation error.
func Unsupported(message string, opts ...Option) *Error {
	return New(ErrCodeUnsupported, message, opts...)
}
