package stompnotify

import "context"

// Transport opens STOMP sessions. It is the capability the manager depends on
// and is supplied explicitly rather than discovered at runtime.
type Transport interface {
	// Connect dials endpoint and completes the STOMP CONNECT handshake with
	// the given headers. It blocks until the session is usable or fails.
	Connect(ctx context.Context, endpoint string, headers map[string]string) (Session, error)
}

// Session is one established STOMP connection.
type Session interface {
	// Subscribe registers handler for frames arriving on destination.
	// handler is called from a transport goroutine.
	Subscribe(destination string, handler func(Frame)) (Subscription, error)

	Send(destination string, headers map[string]string, body []byte) error

	// Disconnect performs the graceful close handshake and returns once it
	// has completed.
	Disconnect() error

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}

	// Err reports why the session ended. It is nil while the session is
	// alive and after a graceful Disconnect.
	Err() error
}

// Subscription is the handle returned by Session.Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Frame is an inbound MESSAGE frame as seen by the manager.
type Frame struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}
