// Package stompnotify manages a single STOMP session used for real-time
// storefront notifications: chat, order, product and inventory updates.
//
// A ConnectionManager owns one Session obtained from an injected Transport.
// It keeps a registry of subscriptions keyed by destination, retries failed
// connections according to a ReconnectPolicy, and offers helpers that format
// payloads for the fixed destinations used by the storefront server.
//
// The manager never implements STOMP itself. The production Transport lives
// in the stompws package and delegates framing to go-stomp over a WebSocket.
package stompnotify
