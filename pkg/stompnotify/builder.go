package stompnotify

import (
	"fmt"
	"time"

	"github.com/tsarna/stompnotify/pkg/stompnotify/o11y"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint    = "/ws-endpoint"
	DefaultDialTimeout = 30 * time.Second
	DefaultQueueSize   = 100
)

// ConnectHandler is called once a session is established.
type ConnectHandler func(info ConnectInfo)

// ErrorHandler is called with terminal connection errors.
type ErrorHandler func(err error)

// ConnectionManagerBuilder provides a fluent interface for building a ConnectionManager.
type ConnectionManagerBuilder struct {
	endpoint       string
	transport      Transport
	logger         *zap.Logger
	policy         ReconnectPolicy
	maxAttempts    int
	dialTimeout    time.Duration
	connectHeaders map[string]string
	monitor        ConnectionMonitor
	metrics        o11y.MetricsProvider
	tracing        o11y.TracingProvider
	transforms     []MessageTransformFunc
	sendLimit      rate.Limit
	sendBurst      int
	queueSize      int
	onConnect      ConnectHandler
	onError        ErrorHandler
}

// NewConnectionManager creates a new ConnectionManager builder.
func NewConnectionManager() *ConnectionManagerBuilder {
	return &ConnectionManagerBuilder{
		endpoint:    DefaultEndpoint,
		logger:      zap.NewNop(),
		policy:      DefaultReconnectPolicy(),
		maxAttempts: DefaultMaxReconnectAttempts,
		dialTimeout: DefaultDialTimeout,
		queueSize:   DefaultQueueSize,
	}
}

// WithEndpoint sets the endpoint passed to the transport. Default is /ws-endpoint.
func (b *ConnectionManagerBuilder) WithEndpoint(endpoint string) *ConnectionManagerBuilder {
	if endpoint != "" {
		b.endpoint = endpoint
	}
	return b
}

// WithTransport sets the STOMP transport. Without one, Connect reports
// ErrTransportUnavailable through the error handler.
func (b *ConnectionManagerBuilder) WithTransport(transport Transport) *ConnectionManagerBuilder {
	b.transport = transport
	return b
}

func (b *ConnectionManagerBuilder) WithLogger(logger *zap.Logger) *ConnectionManagerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithReconnectPolicy sets how long to wait before each reconnect attempt.
func (b *ConnectionManagerBuilder) WithReconnectPolicy(policy ReconnectPolicy) *ConnectionManagerBuilder {
	if policy != nil {
		b.policy = policy
	}
	return b
}

// WithReconnectDelay is shorthand for WithReconnectPolicy(FixedDelay(delay)).
func (b *ConnectionManagerBuilder) WithReconnectDelay(delay time.Duration) *ConnectionManagerBuilder {
	if delay > 0 {
		b.policy = FixedDelay(delay)
	}
	return b
}

// WithMaxReconnectAttempts sets how many reconnects are tried before giving up.
// Zero disables reconnecting.
func (b *ConnectionManagerBuilder) WithMaxReconnectAttempts(attempts int) *ConnectionManagerBuilder {
	if attempts >= 0 {
		b.maxAttempts = attempts
	}
	return b
}

func (b *ConnectionManagerBuilder) WithDialTimeout(timeout time.Duration) *ConnectionManagerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithConnectHeaders adds headers sent with the STOMP CONNECT frame.
func (b *ConnectionManagerBuilder) WithConnectHeaders(headers map[string]string) *ConnectionManagerBuilder {
	for key, value := range headers {
		b.WithConnectHeader(key, value)
	}
	return b
}

func (b *ConnectionManagerBuilder) WithConnectHeader(key, value string) *ConnectionManagerBuilder {
	if b.connectHeaders == nil {
		b.connectHeaders = make(map[string]string)
	}
	b.connectHeaders[key] = value
	return b
}

func (b *ConnectionManagerBuilder) WithMonitor(monitor ConnectionMonitor) *ConnectionManagerBuilder {
	b.monitor = monitor
	return b
}

func (b *ConnectionManagerBuilder) WithMetrics(provider o11y.MetricsProvider) *ConnectionManagerBuilder {
	b.metrics = provider
	return b
}

func (b *ConnectionManagerBuilder) WithTracing(provider o11y.TracingProvider) *ConnectionManagerBuilder {
	b.tracing = provider
	return b
}

// WithMessageTransforms appends transforms applied, in order, to every
// inbound message before it reaches a handler.
func (b *ConnectionManagerBuilder) WithMessageTransforms(transforms ...MessageTransformFunc) *ConnectionManagerBuilder {
	for _, t := range transforms {
		if t != nil {
			b.transforms = append(b.transforms, t)
		}
	}
	return b
}

// WithSendRateLimit caps outbound sends. SendMessage returns false when the
// limit is exceeded rather than waiting.
func (b *ConnectionManagerBuilder) WithSendRateLimit(limit rate.Limit, burst int) *ConnectionManagerBuilder {
	if limit > 0 && burst > 0 {
		b.sendLimit = limit
		b.sendBurst = burst
	}
	return b
}

// WithQueueSize sets how many message handler calls may be pending before
// further messages are dropped. Connect, error and monitor callbacks do not
// count against it. Default is 100.
func (b *ConnectionManagerBuilder) WithQueueSize(size int) *ConnectionManagerBuilder {
	if size > 0 {
		b.queueSize = size
	}
	return b
}

// WithOnConnect sets the connect handler used by Start.
func (b *ConnectionManagerBuilder) WithOnConnect(handler ConnectHandler) *ConnectionManagerBuilder {
	b.onConnect = handler
	return b
}

// WithOnError sets the error handler used by Start.
func (b *ConnectionManagerBuilder) WithOnError(handler ErrorHandler) *ConnectionManagerBuilder {
	b.onError = handler
	return b
}

// IsValid checks the configuration. A missing transport is not an error here.
func (b *ConnectionManagerBuilder) IsValid() error {
	if b.endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	if b.maxAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.policy == nil {
		b.policy = DefaultReconnectPolicy()
	}

	if b.dialTimeout <= 0 {
		b.dialTimeout = DefaultDialTimeout
	}

	if b.queueSize <= 0 {
		b.queueSize = DefaultQueueSize
	}

	return nil
}

// Build creates the ConnectionManager. It does not connect.
func (b *ConnectionManagerBuilder) Build() (*ConnectionManager, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return newConnectionManager(b), nil
}
