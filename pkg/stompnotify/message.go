package stompnotify

import (
	"encoding/json"
	"fmt"
)

// Message is what subscription handlers receive.
//
// Payload holds the body decoded as JSON. When the body is not valid JSON,
// Payload holds the body as a string and Raw is true.
type Message struct {
	Destination string
	Headers     map[string]string
	Body        []byte
	Payload     any
	Raw         bool
}

// MessageHandler receives messages for one subscription.
type MessageHandler func(msg *Message)

// newMessage decodes frame into a Message, falling back to the raw body.
func newMessage(frame Frame) (*Message, error) {
	msg := &Message{
		Destination: frame.Destination,
		Headers:     frame.Headers,
		Body:        frame.Body,
	}

	var payload any
	if err := json.Unmarshal(frame.Body, &payload); err != nil {
		msg.Payload = string(frame.Body)
		msg.Raw = true
		return msg, err
	}

	msg.Payload = payload
	return msg, nil
}

// Decode unmarshals the message body into v.
func (m *Message) Decode(v any) error {
	if m.Raw {
		return fmt.Errorf("message on %s is not JSON", m.Destination)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to decode message on %s: %w", m.Destination, err)
	}
	return nil
}

// MessageTransformFunc inspects or rewrites an inbound message before it is
// handed to a subscription handler. Returning false drops the message.
type MessageTransformFunc func(msg *Message) (*Message, bool)
