package stompnotify

import "errors"

var (
	// ErrTransportUnavailable is reported through the error handler when no
	// Transport was supplied. It is never retried.
	ErrTransportUnavailable = errors.New("STOMP transport is not available; supply one with WithTransport before connecting")

	// ErrReconnectExhausted is the terminal error reported once all reconnect
	// attempts have failed.
	ErrReconnectExhausted = errors.New("connection failed after multiple attempts")

	ErrAlreadyConnected = errors.New("connection manager is already connected or connecting")
	ErrManagerStopped   = errors.New("connection manager is stopped")
	ErrNotConnected     = errors.New("not connected")
)
