package stompws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"go.uber.org/zap"
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Transport runs STOMP over a WebSocket connection. It implements
// stompnotify.Transport.
type Transport struct {
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

var _ stompnotify.Transport = (*Transport)(nil)

// Connect dials endpoint and completes the STOMP handshake. headers are
// added to the CONNECT frame.
func (t *Transport) Connect(ctx context.Context, endpoint string, headers map[string]string) (stompnotify.Session, error) {
	target, err := t.ResolveURL(endpoint)
	if err != nil {
		return nil, err
	}

	dialOptions := &websocket.DialOptions{
		Subprotocols: stompSubprotocols,
	}
	if t.headers != nil || t.authProvider != nil {
		dialOptions.HTTPHeader = make(http.Header)
		for key, values := range t.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}
	if t.authProvider != nil {
		authValue, err := t.authProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			dialOptions.HTTPHeader.Set("Authorization", authValue)
		}
	}

	ws, _, err := websocket.Dial(ctx, target.String(), dialOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Redacted(), err)
	}
	ws.SetReadLimit(t.readLimit)

	// The net.Conn outlives the dial context.
	conn := newWatchedConn(websocket.NetConn(context.Background(), ws, websocket.MessageText))

	stompConn, err := t.handshake(ctx, conn, target, headers)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.logger.Debug("STOMP handshake complete",
		zap.String("url", target.Redacted()),
		zap.String("version", string(stompConn.Version())),
		zap.String("session", stompConn.Session()),
	)

	return newSession(stompConn, conn, t.logger), nil
}

func (t *Transport) handshake(ctx context.Context, conn *watchedConn, target *url.URL, headers map[string]string) (*stomp.Conn, error) {
	host := t.host
	if host == "" {
		host = target.Hostname()
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(t.heartBeatSend, t.heartBeatRecv),
	}
	if t.login != "" {
		opts = append(opts, stomp.ConnOpt.Login(t.login, t.passcode))
	}
	for key, value := range headers {
		opts = append(opts, stomp.ConnOpt.Header(key, value))
	}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := stomp.Connect(conn, opts...)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("STOMP handshake failed: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return nil, fmt.Errorf("STOMP handshake failed: %w", ctx.Err())
	}
}

// ResolveURL turns endpoint into the WebSocket URL to dial. Absolute
// endpoints are used as they are; relative ones are resolved against the
// base URL.
func (t *Transport) ResolveURL(endpoint string) (*url.URL, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	var target *url.URL
	if ref.IsAbs() {
		target = ref
	} else {
		if t.baseURL == "" {
			return nil, fmt.Errorf("endpoint %q is relative and no base URL is configured", endpoint)
		}
		base, err := url.Parse(t.baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		target = base.ResolveReference(ref)
	}

	scheme, err := websocketScheme(target.Scheme)
	if err != nil {
		return nil, err
	}
	target.Scheme = scheme

	if t.sockJS && !strings.HasSuffix(target.Path, "/websocket") {
		target.Path = strings.TrimSuffix(target.Path, "/") + "/websocket"
	}

	return target, nil
}

func websocketScheme(scheme string) (string, error) {
	switch strings.ToLower(scheme) {
	case "ws", "http":
		return "ws", nil
	case "wss", "https":
		return "wss", nil
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", scheme)
	}
}
