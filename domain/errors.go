package domain

import "errors"

var (
	// ErrAuthenticationFailed is returned when the server rejects the token.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAuthenticationTimeout is returned when no auth outcome arrives
	// within the auth window.
	ErrAuthenticationTimeout = errors.New("authentication timed out")
	// ErrReconnectExhausted is surfaced after the reconnect attempt ceiling
	// is reached; a new explicit Connect is required.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrStartupTimeout is returned when the player control channel does
	// not become available within the launch window.
	ErrStartupTimeout = errors.New("player startup timed out")
	// ErrTeardownTimeout is returned when a previous control channel does
	// not disappear within the teardown window.
	ErrTeardownTimeout = errors.New("player teardown timed out")
	// ErrCorrelationCollision is returned when a request id is reused while
	// a request with the same id is still pending.
	ErrCorrelationCollision = errors.New("request id already pending")
	// ErrMalformedMessage reports a parse failure on either protocol.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrTransportClosed reports an operation on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)
