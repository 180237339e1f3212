package stompws

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultHeartBeat = 10 * time.Second
	DefaultReadLimit = 1 << 20
)

// AuthorizationProvider returns the Authorization header value for the
// WebSocket handshake, e.g. "Bearer token123".
type AuthorizationProvider func(ctx context.Context) (string, error)

// TransportBuilder provides a fluent interface for building a Transport.
type TransportBuilder struct {
	baseURL       string
	logger        *zap.Logger
	login         string
	passcode      string
	host          string
	heartBeatSend time.Duration
	heartBeatRecv time.Duration
	headers       map[string][]string
	authProvider  AuthorizationProvider
	readLimit     int64
	sockJS        bool
}

// NewTransport creates a new Transport builder.
func NewTransport() *TransportBuilder {
	return &TransportBuilder{
		logger:        zap.NewNop(),
		heartBeatSend: DefaultHeartBeat,
		heartBeatRecv: DefaultHeartBeat,
		readLimit:     DefaultReadLimit,
	}
}

// WithBaseURL sets the URL relative endpoints are resolved against, e.g.
// "http://localhost:8080". http and https are mapped to ws and wss.
func (b *TransportBuilder) WithBaseURL(baseURL string) *TransportBuilder {
	b.baseURL = baseURL
	return b
}

func (b *TransportBuilder) WithLogger(logger *zap.Logger) *TransportBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithLogin sets the login and passcode headers of the CONNECT frame.
func (b *TransportBuilder) WithLogin(login, passcode string) *TransportBuilder {
	b.login = login
	b.passcode = passcode
	return b
}

// WithHost sets the host header of the CONNECT frame. It defaults to the
// host name of the resolved URL.
func (b *TransportBuilder) WithHost(host string) *TransportBuilder {
	b.host = host
	return b
}

// WithHeartBeat sets the heart-beat intervals offered to the server. Zero
// disables heart-beating in that direction.
func (b *TransportBuilder) WithHeartBeat(send, recv time.Duration) *TransportBuilder {
	if send >= 0 && recv >= 0 {
		b.heartBeatSend = send
		b.heartBeatRecv = recv
	}
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *TransportBuilder) WithHeader(key, value string) *TransportBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// WithAuthorization sets a static Authorization header for the handshake.
func (b *TransportBuilder) WithAuthorization(authHeader string) *TransportBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets a function called on every dial to obtain
// the Authorization header.
func (b *TransportBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *TransportBuilder {
	b.authProvider = provider
	return b
}

// WithReadLimit sets the largest WebSocket message accepted from the server.
func (b *TransportBuilder) WithReadLimit(limit int64) *TransportBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// WithSockJS appends "/websocket" to resolved endpoints, which is where a
// SockJS endpoint accepts raw WebSocket connections.
func (b *TransportBuilder) WithSockJS(enabled bool) *TransportBuilder {
	b.sockJS = enabled
	return b
}

// IsValid checks that all required configuration is present.
func (b *TransportBuilder) IsValid() error {
	if b.baseURL != "" {
		u, err := url.Parse(b.baseURL)
		if err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		if _, err := websocketScheme(u.Scheme); err != nil {
			return err
		}
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.readLimit <= 0 {
		b.readLimit = DefaultReadLimit
	}

	return nil
}

func (b *TransportBuilder) Build() (*Transport, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Transport{
		baseURL:       b.baseURL,
		logger:        b.logger,
		login:         b.login,
		passcode:      b.passcode,
		host:          b.host,
		heartBeatSend: b.heartBeatSend,
		heartBeatRecv: b.heartBeatRecv,
		headers:       b.headers,
		authProvider:  b.authProvider,
		readLimit:     b.readLimit,
		sockJS:        b.sockJS,
	}, nil
}
