package stompnotify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errConnectionRefused = errors.New("connection refused")

// fakeTransport fails the first failures dials and then hands out fakeSessions.
type fakeTransport struct {
	mu        sync.Mutex
	failures  int
	dials     int
	endpoints []string
	headers   map[string]string
	sessions  []*fakeSession
}

func (t *fakeTransport) Connect(ctx context.Context, endpoint string, headers map[string]string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	t.endpoints = append(t.endpoints, endpoint)
	t.headers = headers

	if t.dials <= t.failures {
		return nil, errConnectionRefused
	}

	s := newFakeSession()
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *fakeTransport) Session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

type sentFrame struct {
	destination string
	headers     map[string]string
	body        []byte
}

type fakeSession struct {
	mu          sync.Mutex
	nextID      int
	subs        map[int]*fakeSubscription
	sent        []sentFrame
	sendErr     error
	disconnects int
	done        chan struct{}
	closeOnce   sync.Once
	err         error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		subs: make(map[int]*fakeSubscription),
		done: make(chan struct{}),
	}
}

func (s *fakeSession) Subscribe(destination string, handler func(Frame)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &fakeSubscription{session: s, id: s.nextID, destination: destination, handler: handler}
	s.subs[sub.id] = sub
	return sub, nil
}

func (s *fakeSession) Send(destination string, headers map[string]string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentFrame{destination: destination, headers: headers, body: body})
	return nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) Done() <-chan struct{} {
	return s.done
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drop simulates losing the connection.
func (s *fakeSession) Drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
}

// Deliver pushes body to every subscription on destination.
func (s *fakeSession) Deliver(destination, body string) {
	s.mu.Lock()
	var handlers []func(Frame)
	for _, sub := range s.subs {
		if sub.destination == destination {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(Frame{Destination: destination, Headers: map[string]string{"destination": destination}, Body: []byte(body)})
	}
}

func (s *fakeSession) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dests []string
	for _, sub := range s.subs {
		dests = append(dests, sub.destination)
	}
	sort.Strings(dests)
	return dests
}

func (s *fakeSession) Sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func (s *fakeSession) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

type fakeSubscription struct {
	session     *fakeSession
	id          int
	destination string
	handler     func(Frame)
}

func (f *fakeSubscription) Unsubscribe() error {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	delete(f.session.subs, f.id)
	return nil
}

// recordingMonitor captures lifecycle events.
type recordingMonitor struct {
	BaseMonitor
	mu          sync.Mutex
	connects    []ConnectInfo
	disconnects []error
	delays      []time.Duration
	subscribed  []string
}

func (r *recordingMonitor) OnConnect(ctx context.Context, info ConnectInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, info)
}

func (r *recordingMonitor) OnDisconnect(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, err)
}

func (r *recordingMonitor) OnReconnectScheduled(ctx context.Context, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
}

func (r *recordingMonitor) OnSubscribe(ctx context.Context, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, destination)
}

func (r *recordingMonitor) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *recordingMonitor) Disconnects() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}
