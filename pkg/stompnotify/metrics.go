package stompnotify

import (
	"context"
	"time"

	"github.com/tsarna/stompnotify/pkg/stompnotify/o11y"
)

// ConnectionMetrics holds the instruments a ConnectionManager records into.
// All methods are safe to call on a nil receiver, which records nothing.
type ConnectionMetrics struct {
	connectAttempts     o11y.Counter
	connectErrors       o11y.Counter
	connectDuration     o11y.Histogram
	connected           o11y.Gauge
	reconnectsScheduled o11y.Counter
	reconnectsExhausted o11y.Counter

	messagesSent     o11y.Counter
	sendErrors       o11y.Counter
	messagesReceived o11y.Counter
	decodeFallbacks  o11y.Counter
	messagesDropped  o11y.Counter

	activeSubscriptions o11y.Gauge
}

// NewConnectionMetrics returns nil when provider is nil.
func NewConnectionMetrics(provider o11y.MetricsProvider) *ConnectionMetrics {
	if provider == nil {
		return nil
	}

	return &ConnectionMetrics{
		connectAttempts:     provider.Counter("stomp_connect_attempts_total"),
		connectErrors:       provider.Counter("stomp_connect_errors_total"),
		connectDuration:     provider.Histogram("stomp_connect_duration_seconds"),
		connected:           provider.Gauge("stomp_connected"),
		reconnectsScheduled: provider.Counter("stomp_reconnects_scheduled_total"),
		reconnectsExhausted: provider.Counter("stomp_reconnects_exhausted_total"),

		messagesSent:     provider.Counter("stomp_messages_sent_total"),
		sendErrors:       provider.Counter("stomp_send_errors_total"),
		messagesReceived: provider.Counter("stomp_messages_received_total"),
		decodeFallbacks:  provider.Counter("stomp_decode_fallbacks_total"),
		messagesDropped:  provider.Counter("stomp_messages_dropped_total"),

		activeSubscriptions: provider.Gauge("stomp_active_subscriptions"),
	}
}

func (m *ConnectionMetrics) RecordConnectAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectAttempts.Add(ctx, 1)
}

func (m *ConnectionMetrics) RecordConnectResult(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.connectErrors.Add(ctx, 1)
	}
	m.connectDuration.Record(ctx, duration.Seconds(), o11y.L("outcome", outcome))
}

func (m *ConnectionMetrics) SetConnected(ctx context.Context, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.connected.Set(ctx, value)
}

func (m *ConnectionMetrics) RecordReconnectScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnectsScheduled.Add(ctx, 1)
}

func (m *ConnectionMetrics) RecordReconnectExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnectsExhausted.Add(ctx, 1)
}

func (m *ConnectionMetrics) RecordMessageSent(ctx context.Context, destination string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.L("destination", destination))
}

// RecordSendError counts a failed SendMessage. reason is one of
// not_connected, rate_limited, marshal or transport.
func (m *ConnectionMetrics) RecordSendError(ctx context.Context, destination, reason string) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1, o11y.L("destination", destination), o11y.L("reason", reason))
}

func (m *ConnectionMetrics) RecordMessageReceived(ctx context.Context, destination string, raw bool) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, o11y.L("destination", destination))
	if raw {
		m.decodeFallbacks.Add(ctx, 1, o11y.L("destination", destination))
	}
}

// RecordMessageDropped counts an inbound message that never reached its
// handler. reason is transform or queue_full.
func (m *ConnectionMetrics) RecordMessageDropped(ctx context.Context, destination, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, o11y.L("destination", destination), o11y.L("reason", reason))
}

func (m *ConnectionMetrics) SetActiveSubscriptions(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeSubscriptions.Set(ctx, float64(count))
}
