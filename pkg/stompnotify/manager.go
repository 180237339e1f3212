package stompnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/stompnotify/pkg/stompnotify/o11y"
	"github.com/tsarna/stompnotify/pkg/stompnotify/subutils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errSessionClosed = errors.New("STOMP session closed by peer")

// ConnectionManager owns one STOMP session, the subscriptions made on it,
// and the reconnect procedure that runs when the session fails.
//
// All user callbacks (connect and error handlers, message handlers and the
// ConnectionMonitor) run one at a time on a single dispatcher goroutine.
// Message handlers share a bounded queue and are dropped when it is full;
// connect, error and monitor callbacks run ahead of them and are never
// dropped.
type ConnectionManager struct {
	endpoint       string
	transport      Transport
	logger         *zap.Logger
	policy         ReconnectPolicy
	maxAttempts    int
	dialTimeout    time.Duration
	connectHeaders map[string]string
	monitor        ConnectionMonitor
	metrics        *ConnectionMetrics
	tracing        o11y.TracingProvider
	transforms     []MessageTransformFunc
	limiter        *rate.Limiter
	dispatcher     *subutils.AsyncDispatcher

	defaultOnConnect ConnectHandler
	defaultOnError   ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	session       Session
	sessionID     string
	attempts      int
	subscriptions map[string]*registration
	closing       bool
	stopped       bool
	onConnect     ConnectHandler
	onError       ErrorHandler
	retryTimer    *time.Timer
	// generation is bumped whenever the current dial or session is abandoned,
	// so late results from it are ignored.
	generation uint64
}

type registration struct {
	destination string
	handler     MessageHandler
	sub         Subscription
}

func newConnectionManager(b *ConnectionManagerBuilder) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &ConnectionManager{
		endpoint:         b.endpoint,
		transport:        b.transport,
		logger:           b.logger,
		policy:           b.policy,
		maxAttempts:      b.maxAttempts,
		dialTimeout:      b.dialTimeout,
		connectHeaders:   b.connectHeaders,
		monitor:          b.monitor,
		metrics:          NewConnectionMetrics(b.metrics),
		tracing:          b.tracing,
		transforms:       b.transforms,
		dispatcher:       subutils.NewAsyncDispatcher(b.queueSize, b.logger).Start(),
		defaultOnConnect: b.onConnect,
		defaultOnError:   b.onError,
		ctx:              ctx,
		cancel:           cancel,
		subscriptions:    make(map[string]*registration),
	}

	if b.sendLimit > 0 {
		m.limiter = rate.NewLimiter(b.sendLimit, b.sendBurst)
	}

	return m
}

// Start connects using the handlers given to the builder.
func (m *ConnectionManager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.Connect(m.defaultOnConnect, m.defaultOnError)
}

// Stop cancels any pending reconnect, disconnects and waits for queued
// callbacks to finish. Called from inside a callback, or while one is
// running, it returns without waiting and the remaining callbacks run in the
// background. The manager cannot be reused afterwards.
func (m *ConnectionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.state == StateConnecting {
		m.state = StateDisconnected
		m.generation++
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.Disconnect()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.dispatcher.Close()
	m.logger.Debug("Connection manager stopped")

	return err
}

// Connect starts connecting in the background and returns immediately.
// onConnect is called once the session is up, and again after every
// successful reconnect, so it should be safe to run more than once; use a
// ConnectionMonitor to tell the first connect from later ones. onError is called once if no transport is configured or when
// every reconnect attempt has failed. Either handler may be nil.
func (m *ConnectionManager) Connect(onConnect ConnectHandler, onError ErrorHandler) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}

	if m.transport == nil {
		m.mu.Unlock()
		m.logger.Error("Cannot connect", zap.Error(ErrTransportUnavailable))
		m.reportError(onError, ErrTransportUnavailable)
		return nil
	}

	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}

	m.attempts = 0
	m.onConnect = onConnect
	m.onError = onError
	m.state = StateConnecting
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	go m.dial(gen)

	return nil
}

func (m *ConnectionManager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	defer cancel()

	ctx, span := o11y.StartSpan(ctx, m.tracing, "stomp.connect")
	defer span.End()
	span.SetAttributes(o11y.L("endpoint", m.endpoint))

	m.metrics.RecordConnectAttempt(ctx)
	start := time.Now()
	session, err := m.transport.Connect(ctx, m.endpoint, m.connectHeaders)
	m.metrics.RecordConnectResult(ctx, time.Since(start), err)

	if err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		m.logger.Warn("STOMP connection failed", zap.String("endpoint", m.endpoint), zap.Error(err))
		m.handleConnectionError(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		// Abandoned while dialing.
		if err := session.Disconnect(); err != nil {
			m.logger.Debug("Failed to close abandoned session", zap.Error(err))
		}
		return
	}

	info := ConnectInfo{
		SessionID:   uuid.NewString(),
		Endpoint:    m.endpoint,
		Attempt:     m.attempts,
		ConnectedAt: time.Now(),
	}
	m.session = session
	m.sessionID = info.SessionID
	m.state = StateConnected
	m.attempts = 0
	m.closing = false
	onConnect := m.onConnect
	regs := m.registrationsLocked()
	m.mu.Unlock()

	span.SetStatus(o11y.SpanStatusOK, "")
	m.metrics.SetConnected(ctx, true)
	m.logger.Info("STOMP connected",
		zap.String("endpoint", info.Endpoint),
		zap.String("session", info.SessionID),
		zap.Int("attempt", info.Attempt),
	)

	m.restoreSubscriptions(gen, session, regs)
	go m.watch(gen, session)

	m.dispatch("on-connect", func() {
		if m.monitor != nil {
			m.monitor.OnConnect(m.ctx, info)
		}
		if onConnect != nil {
			onConnect(info)
		}
	})
}

// watch waits for session to end and starts the reconnect procedure if that
// was not requested.
func (m *ConnectionManager) watch(gen uint64, session Session) {
	select {
	case <-session.Done():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	lost := m.session == session && gen == m.generation && !m.closing
	m.mu.Unlock()
	if !lost {
		return
	}

	err := session.Err()
	if err == nil {
		err = errSessionClosed
	}

	m.logger.Warn("STOMP connection lost", zap.Error(err))
	m.metrics.SetConnected(m.ctx, false)
	m.notify("on-disconnect", func(mon ConnectionMonitor) {
		mon.OnDisconnect(m.ctx, err)
	})

	m.handleConnectionError(gen, err)
}

func (m *ConnectionManager) handleConnectionError(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		return
	}

	m.session = nil
	m.sessionID = ""
	for _, reg := range m.subscriptions {
		reg.sub = nil
	}

	if m.attempts < m.maxAttempts {
		m.attempts++
		attempt := m.attempts
		delay := m.policy.Delay(attempt)
		m.state = StateConnecting
		m.generation++
		next := m.generation
		m.retryTimer = time.AfterFunc(delay, func() {
			m.retry(next)
		})
		m.mu.Unlock()

		m.logger.Info("Reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.maxAttempts),
			zap.Duration("delay", delay),
		)
		m.metrics.RecordReconnectScheduled(m.ctx)
		m.notify("on-reconnect-scheduled", func(mon ConnectionMonitor) {
			mon.OnReconnectScheduled(m.ctx, attempt, delay)
		})
		return
	}

	m.state = StateFailed
	m.generation++
	onError := m.onError
	m.mu.Unlock()

	m.logger.Error("Max reconnection attempts reached", zap.Int("max_attempts", m.maxAttempts), zap.Error(cause))
	m.metrics.RecordReconnectExhausted(m.ctx)
	m.reportError(onError, fmt.Errorf("%w: %w", ErrReconnectExhausted, cause))
}

func (m *ConnectionManager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	m.dial(gen)
}

// Disconnect closes the session and returns once the close handshake has
// finished. It does nothing unless connected. Subscriptions stay registered
// and are restored by the next successful Connect.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	if m.state != StateConnected || m.session == nil || m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	session := m.session
	m.mu.Unlock()

	err := session.Disconnect()

	m.mu.Lock()
	m.session = nil
	m.sessionID = ""
	m.state = StateDisconnected
	m.closing = false
	m.generation++
	for _, reg := range m.subscriptions {
		reg.sub = nil
	}
	m.mu.Unlock()

	m.metrics.SetConnected(m.ctx, false)
	m.logger.Info("STOMP disconnected")
	m.notify("on-disconnect", func(mon ConnectionMonitor) {
		mon.OnDisconnect(m.ctx, nil)
	})

	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// Subscribe registers handler for destination. It returns false, and records
// nothing, when not connected. An existing subscription to the same
// destination is replaced.
func (m *ConnectionManager) Subscribe(destination string, handler MessageHandler) bool {
	if handler == nil {
		m.logger.Warn("Cannot subscribe without a handler", zap.String("destination", destination))
		return false
	}

	m.mu.Lock()
	if m.state != StateConnected || m.session == nil || m.closing {
		m.mu.Unlock()
		m.logger.Warn("Cannot subscribe", zap.String("destination", destination), zap.Error(ErrNotConnected))
		return false
	}
	session := m.session
	var oldSub Subscription
	if old, ok := m.subscriptions[destination]; ok {
		oldSub = old.sub
	}
	reg := &registration{destination: destination, handler: handler}
	m.subscriptions[destination] = reg
	m.mu.Unlock()

	if oldSub != nil {
		if err := oldSub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe replaced subscription", zap.String("destination", destination), zap.Error(err))
		}
	}

	sub, err := session.Subscribe(destination, m.frameHandler(reg))
	if err != nil {
		m.mu.Lock()
		if m.subscriptions[destination] == reg {
			delete(m.subscriptions, destination)
		}
		m.mu.Unlock()
		m.logger.Error("Failed to subscribe", zap.String("destination", destination), zap.Error(err))
		return false
	}

	m.mu.Lock()
	current := m.subscriptions[destination] == reg && m.session == session
	if current {
		reg.sub = sub
	}
	count := len(m.subscriptions)
	m.mu.Unlock()

	if !current {
		_ = sub.Unsubscribe()
		return false
	}

	m.metrics.SetActiveSubscriptions(m.ctx, count)
	m.logger.Info("Subscribed", zap.String("destination", destination))
	m.notify("on-subscribe", func(mon ConnectionMonitor) {
		mon.OnSubscribe(m.ctx, destination)
	})

	return true
}

// SubscribeToUser subscribes to the per-user variant of destination.
func (m *ConnectionManager) SubscribeToUser(destination string, handler MessageHandler) bool {
	return m.Subscribe(UserDestinationPrefix+destination, handler)
}

// Unsubscribe removes the subscription to destination, if any.
func (m *ConnectionManager) Unsubscribe(destination string) {
	m.mu.Lock()
	reg, ok := m.subscriptions[destination]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subscriptions, destination)
	sub := reg.sub
	count := len(m.subscriptions)
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.String("destination", destination), zap.Error(err))
		}
	}

	m.metrics.SetActiveSubscriptions(m.ctx, count)
	m.logger.Info("Unsubscribed", zap.String("destination", destination))
	m.notify("on-unsubscribe", func(mon ConnectionMonitor) {
		mon.OnUnsubscribe(m.ctx, destination)
	})
}

// SendMessage marshals message as JSON and sends it to destination. It
// returns false without touching the transport when not connected.
func (m *ConnectionManager) SendMessage(destination string, message any) bool {
	m.mu.Lock()
	session := m.session
	ready := m.state == StateConnected && session != nil && !m.closing
	m.mu.Unlock()

	if !ready {
		m.logger.Error("Cannot send message", zap.String("destination", destination), zap.Error(ErrNotConnected))
		m.metrics.RecordSendError(m.ctx, destination, "not_connected")
		return false
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.logger.Warn("Send rate limit exceeded", zap.String("destination", destination))
		m.metrics.RecordSendError(m.ctx, destination, "rate_limited")
		return false
	}

	body, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("Failed to marshal message", zap.String("destination", destination), zap.Error(err))
		m.metrics.RecordSendError(m.ctx, destination, "marshal")
		return false
	}

	ctx, span := o11y.StartSpan(m.ctx, m.tracing, "stomp.send")
	defer span.End()
	span.SetAttributes(o11y.L("destination", destination))

	headers := map[string]string{"content-type": "application/json"}
	if err := session.Send(destination, headers, body); err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		m.logger.Error("Failed to send message", zap.String("destination", destination), zap.Error(err))
		m.metrics.RecordSendError(ctx, destination, "transport")
		return false
	}

	m.metrics.RecordMessageSent(ctx, destination)
	m.logger.Debug("Message sent", zap.String("destination", destination))

	return true
}

// Status returns a snapshot of the connection state.
func (m *ConnectionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make([]string, 0, len(m.subscriptions))
	for destination := range m.subscriptions {
		subs = append(subs, destination)
	}
	sort.Strings(subs)

	return Status{
		Connected:         m.state == StateConnected,
		State:             m.state,
		ReconnectAttempts: m.attempts,
		Subscriptions:     subs,
		SessionID:         m.sessionID,
	}
}

// IsConnected reports whether a session is currently established.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *ConnectionManager) registrationsLocked() []*registration {
	regs := make([]*registration, 0, len(m.subscriptions))
	for _, reg := range m.subscriptions {
		regs = append(regs, reg)
	}
	return regs
}

func (m *ConnectionManager) restoreSubscriptions(gen uint64, session Session, regs []*registration) {
	for _, reg := range regs {
		sub, err := session.Subscribe(reg.destination, m.frameHandler(reg))
		if err != nil {
			m.logger.Error("Failed to restore subscription", zap.String("destination", reg.destination), zap.Error(err))
			continue
		}

		m.mu.Lock()
		current := gen == m.generation && m.session == session && m.subscriptions[reg.destination] == reg
		if current {
			reg.sub = sub
		}
		m.mu.Unlock()

		if !current {
			_ = sub.Unsubscribe()
			continue
		}

		m.logger.Debug("Restored subscription", zap.String("destination", reg.destination))
	}
}

func (m *ConnectionManager) frameHandler(reg *registration) func(Frame) {
	return func(frame Frame) {
		m.mu.Lock()
		current := m.subscriptions[reg.destination] == reg
		m.mu.Unlock()
		if !current {
			return
		}

		m.deliver(reg, frame)
	}
}

func (m *ConnectionManager) deliver(reg *registration, frame Frame) {
	if frame.Destination == "" {
		frame.Destination = reg.destination
	}

	msg, err := newMessage(frame)
	if err != nil {
		m.logger.Debug("Message body is not JSON, delivering it raw",
			zap.String("destination", frame.Destination),
			zap.Error(err),
		)
	}
	m.metrics.RecordMessageReceived(m.ctx, frame.Destination, msg.Raw)

	for _, transform := range m.transforms {
		var keep bool
		msg, keep = transform(msg)
		if !keep || msg == nil {
			m.logger.Debug("Message dropped by transform", zap.String("destination", frame.Destination))
			m.metrics.RecordMessageDropped(m.ctx, frame.Destination, "transform")
			return
		}
	}

	handler := reg.handler
	if err := m.dispatcher.Dispatch("message", func() { handler(msg) }); err != nil {
		m.logger.Warn("Dropped message", zap.String("destination", frame.Destination), zap.Error(err))
		m.metrics.RecordMessageDropped(m.ctx, frame.Destination, "queue_full")
	}
}

func (m *ConnectionManager) reportError(onError ErrorHandler, err error) {
	if onError == nil {
		return
	}
	m.dispatch("on-error", func() {
		onError(err)
	})
}

func (m *ConnectionManager) notify(name string, fn func(mon ConnectionMonitor)) {
	if m.monitor == nil {
		return
	}
	m.dispatch(name, func() {
		fn(m.monitor)
	})
}

func (m *ConnectionManager) dispatch(name string, fn func()) {
	if err := m.dispatcher.DispatchPriority(name, fn); err != nil {
		m.logger.Warn("Dropped callback", zap.String("callback", name), zap.Error(err))
	}
}
