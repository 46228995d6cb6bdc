// Package transport defines the reliable-broadcast channel a session uses to
// reach the other peers of its room, and an in-process implementation.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names what a Message carries.
type Kind string

const (
	// KindHello announces a new peer; receivers answer with a sync and
	// their presence.
	KindHello Kind = "hello"
	// KindSync carries a full document state.
	KindSync Kind = "sync"
	// KindOps carries one document batch.
	KindOps Kind = "ops"
	// KindPresence carries one peer's presence state.
	KindPresence Kind = "presence"
	// KindLeave reports that a peer disconnected. Transports emit it on the
	// peer's behalf when its connection drops.
	KindLeave Kind = "leave"
	// KindConnected is delivered locally, never sent, when a transport
	// (re)establishes its link and the session should resynchronize.
	KindConnected Kind = "connected"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("transport closed")
	// ErrDisconnected is returned by Publish while a reconnecting transport
	// has no link. The message is dropped; the session resynchronizes on
	// KindConnected.
	ErrDisconnected = errors.New("transport disconnected")
)

// Message is the envelope every transport carries.
type Message struct {
	Kind Kind            `json:"kind"`
	Room string          `json:"room"`
	From string          `json:"from"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewMessage marshals body into a message envelope.
func NewMessage(kind Kind, room, from string, body any) (Message, error) {
	msg := Message{Kind: kind, Room: room, From: from}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s body: %w", kind, err)
		}
		msg.Body = raw
	}
	return msg, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%s message from %s has no body", m.Kind, m.From)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", m.Kind, err)
	}
	return nil
}

// Handler receives inbound messages. Handlers of one transport are invoked
// sequentially, in delivery order.
type Handler func(Message)

// Transport broadcasts messages to every other peer of one room. Messages
// from one sender arrive in the order they were published.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(h Handler) (cancel func())
	Close() error
}
