package transform

import (
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
)

// DropDestinationPattern returns a transform that drops messages whose
// destination matches the given MQTT-style pattern. Destinations are split
// on "/" so a leading slash yields an empty first level.
//
// Pattern examples:
//   - "/topic/+" drops "/topic/chat" and "/topic/orders"
//   - "/user/#" drops every per-user destination
//   - "/topic/+/audit" drops "/topic/orders/audit"
func DropDestinationPattern(pattern string) stompnotify.MessageTransformFunc {
	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		if mqttpattern.Matches(pattern, msg.Destination) {
			return nil, false
		}
		return msg, true
	}
}

// DropDestinationPrefix returns a transform that drops messages whose
// destination starts with prefix.
func DropDestinationPrefix(prefix string) stompnotify.MessageTransformFunc {
	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		if strings.HasPrefix(msg.Destination, prefix) {
			return nil, false
		}
		return msg, true
	}
}

// IfPattern applies transform only to messages whose destination matches pattern.
func IfPattern(pattern string, transform stompnotify.MessageTransformFunc) stompnotify.MessageTransformFunc {
	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		if mqttpattern.Matches(pattern, msg.Destination) {
			return transform(msg)
		}
		return msg, true
	}
}

// DropRaw drops messages whose body was not valid JSON.
func DropRaw() stompnotify.MessageTransformFunc {
	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		if msg.Raw {
			return nil, false
		}
		return msg, true
	}
}

// Chain combines transforms into one, stopping at the first that drops the message.
//
// Example:
//
//	quiet := transform.Chain(
//	    transform.DropDestinationPrefix("/user/"),
//	    transform.DropRaw(),
//	)
func Chain(transforms ...stompnotify.MessageTransformFunc) stompnotify.MessageTransformFunc {
	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		current := msg
		for _, transform := range transforms {
			var keep bool
			current, keep = transform(current)
			if current == nil || !keep {
				return nil, false
			}
		}
		return current, true
	}
}

// withPayload returns a copy of msg carrying payload, with Body re-encoded
// to match.
func withPayload(msg *stompnotify.Message, payload any, body []byte) *stompnotify.Message {
	return &stompnotify.Message{
		Destination: msg.Destination,
		Headers:     msg.Headers,
		Body:        body,
		Payload:     payload,
	}
}
