package domain

import "errors"

// Sentinel errors for sync operations
var (
	// ErrNotAuthenticated indicates a private request was made without a token
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRefreshFailed indicates the access token could not be refreshed
	ErrRefreshFailed = errors.New("re-authentication failed")

	// ErrTransport indicates the request never produced a usable response
	ErrTransport = errors.New("transport error")

	// ErrHTTP indicates the server answered with a failure status or body
	ErrHTTP = errors.New("http error")

	// ErrPersistence indicates the persistent store rejected a read or write
	ErrPersistence = errors.New("persistence error")

	// ErrUnknownOperation indicates an action was invoked that was never declared
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidHandlers indicates an operation was declared without all of its handlers
	ErrInvalidHandlers = errors.New("operation is missing handlers")
)
