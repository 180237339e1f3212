package config

import (
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"github.com/tsarna/stompnotify/pkg/stompnotify/stompws"
)

// TransportBuilder returns a transport builder populated from the configuration.
func (c *Config) TransportBuilder() *stompws.TransportBuilder {
	b := stompws.NewTransport().
		WithBaseURL(c.URL).
		WithLogger(c.Logger).
		WithHost(c.Host).
		WithSockJS(c.SockJS).
		WithReadLimit(c.ReadLimit)

	if c.Login != "" {
		b = b.WithLogin(c.Login, c.Passcode)
	}
	if c.Authorization != "" {
		b = b.WithAuthorization(c.Authorization)
	}
	for key, value := range c.HTTPHeaders {
		b = b.WithHeader(key, value)
	}
	if c.HeartBeat != nil {
		b = b.WithHeartBeat(c.HeartBeat.Send, c.HeartBeat.Receive)
	}

	return b
}

// ManagerBuilder returns a connection manager builder populated from the
// configuration. The transport is left for the caller to set.
func (c *Config) ManagerBuilder() *stompnotify.ConnectionManagerBuilder {
	b := stompnotify.NewConnectionManager().
		WithLogger(c.Logger).
		WithEndpoint(c.Endpoint).
		WithConnectHeaders(c.ConnectHeaders).
		WithDialTimeout(c.DialTimeout).
		WithQueueSize(c.QueueSize).
		WithReconnectPolicy(c.ReconnectPolicy)

	if c.MaxReconnectAttempts != nil {
		b = b.WithMaxReconnectAttempts(*c.MaxReconnectAttempts)
	}
	if c.SendRateLimit > 0 {
		b = b.WithSendRateLimit(c.SendRateLimit, c.SendBurst)
	}

	return b
}
