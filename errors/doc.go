// Package errors provides the structured error taxonomy of nodelink.
//
// Every asynchronous failure a caller observes through a node.Future is an
// *Error carrying a code:
//
//   - VALIDATION: missing arguments, detected before anything is sent
//   - ROUTING: the destination node has no registered connection
//   - REMOTE_EXECUTION: the remote operation itself failed
//   - PROTOCOL: unknown reply type or malformed message
//   - TRANSPORT: the underlying channel failed
//   - TIMEOUT: the request deadline expired
//
// # Usage
//
//	_, err := fut.Wait(ctx)
//	if errors.Is(err, errors.ErrCodeRouting) {
//	    // nobody is registered under that node id
//	}
//
// Reply errors keep the remote text verbatim; Wrap keeps the code of the
// innermost *Error.
package errors
