package stompws

import (
	"net"
	"sync"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"go.uber.org/zap"
)

type session struct {
	conn    *stomp.Conn
	watched *watchedConn
	logger  *zap.Logger

	mu      sync.Mutex
	closing bool
}

func newSession(conn *stomp.Conn, watched *watchedConn, logger *zap.Logger) *session {
	return &session{conn: conn, watched: watched, logger: logger}
}

func (s *session) Subscribe(destination string, handler func(stompnotify.Frame)) (stompnotify.Subscription, error) {
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}

	go s.deliver(sub, handler)

	return subscription{sub}, nil
}

// deliver feeds messages to handler until the subscription channel closes.
func (s *session) deliver(sub *stomp.Subscription, handler func(stompnotify.Frame)) {
	for msg := range sub.C {
		if msg.Err != nil {
			s.logger.Debug("Subscription error", zap.String("destination", sub.Destination()), zap.Error(msg.Err))
			continue
		}

		handler(stompnotify.Frame{
			Destination: msg.Destination,
			Headers:     headerMap(msg.Header),
			Body:        msg.Body,
		})
	}
}

func (s *session) Send(destination string, headers map[string]string, body []byte) error {
	contentType := headers["content-type"]

	var opts []func(*frame.Frame) error
	for key, value := range headers {
		if key == frame.ContentType {
			continue
		}
		opts = append(opts, stomp.SendOpt.Header(key, value))
	}

	return s.conn.Send(destination, contentType, body, opts...)
}

func (s *session) Disconnect() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	err := s.conn.Disconnect()
	_ = s.watched.Close()
	return err
}

func (s *session) Done() <-chan struct{} {
	return s.watched.Done()
}

func (s *session) Err() error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if closing {
		return nil
	}
	return s.watched.Err()
}

type subscription struct {
	sub *stomp.Subscription
}

func (s subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func headerMap(h *frame.Header) map[string]string {
	if h == nil {
		return map[string]string{}
	}

	headers := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		key, value := h.GetAt(i)
		if _, exists := headers[key]; !exists {
			headers[key] = value
		}
	}
	return headers
}

// watchedConn records the first read or write error on a connection and
// closes Done when it happens.
type watchedConn struct {
	net.Conn

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newWatchedConn(conn net.Conn) *watchedConn {
	return &watchedConn{Conn: conn, done: make(chan struct{})}
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *watchedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *watchedConn) Close() error {
	err := c.Conn.Close()
	c.fail(net.ErrClosed)
	return err
}

func (c *watchedConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *watchedConn) Done() <-chan struct{} {
	return c.done
}

func (c *watchedConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
