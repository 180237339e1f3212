package stompnotify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConnectionMonitor receives lifecycle events from a ConnectionManager.
// Events are delivered on the manager's callback goroutine, in order.
type ConnectionMonitor interface {
	OnConnect(ctx context.Context, info ConnectInfo)
	// OnDisconnect is called with a nil error for a requested disconnect and
	// with the cause when an established session is lost.
	OnDisconnect(ctx context.Context, err error)
	OnReconnectScheduled(ctx context.Context, attempt int, delay time.Duration)
	OnSubscribe(ctx context.Context, destination string)
	OnUnsubscribe(ctx context.Context, destination string)
}

// BaseMonitor implements ConnectionMonitor with no-ops, for embedding.
type BaseMonitor struct{}

func (BaseMonitor) OnConnect(ctx context.Context, info ConnectInfo)                            {}
func (BaseMonitor) OnDisconnect(ctx context.Context, err error)                                {}
func (BaseMonitor) OnReconnectScheduled(ctx context.Context, attempt int, delay time.Duration) {}
func (BaseMonitor) OnSubscribe(ctx context.Context, destination string)                        {}
func (BaseMonitor) OnUnsubscribe(ctx context.Context, destination string)                      {}

// LoggingMonitor logs every lifecycle event at a fixed level.
type LoggingMonitor struct {
	logger   *zap.Logger
	logLevel zapcore.Level
}

func NewLoggingMonitor(logger *zap.Logger, logLevel zapcore.Level) *LoggingMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMonitor{logger: logger, logLevel: logLevel}
}

func (l *LoggingMonitor) OnConnect(ctx context.Context, info ConnectInfo) {
	l.logger.Log(l.logLevel, "STOMP session established",
		zap.String("session", info.SessionID),
		zap.String("endpoint", info.Endpoint),
		zap.Int("attempt", info.Attempt),
	)
}

func (l *LoggingMonitor) OnDisconnect(ctx context.Context, err error) {
	if err != nil {
		l.logger.Log(l.logLevel, "STOMP session lost", zap.Error(err))
		return
	}
	l.logger.Log(l.logLevel, "STOMP session closed")
}

func (l *LoggingMonitor) OnReconnectScheduled(ctx context.Context, attempt int, delay time.Duration) {
	l.logger.Log(l.logLevel, "STOMP reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

func (l *LoggingMonitor) OnSubscribe(ctx context.Context, destination string) {
	l.logger.Log(l.logLevel, "Subscribed", zap.String("destination", destination))
}

func (l *LoggingMonitor) OnUnsubscribe(ctx context.Context, destination string) {
	l.logger.Log(l.logLevel, "Unsubscribed", zap.String("destination", destination))
}
