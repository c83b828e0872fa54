// Package comms provides the event bus that carries task and agent updates
// from the dispatcher to subscribers such as the SSE hub.
package comms

import (
	"context"
	"time"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	TypeTaskUpdate  MessageType = "task_update"  // task status change
	TypeAgentUpdate MessageType = "agent_update" // agent registered, changed or removed
	TypeDirect      MessageType = "direct"       // point-to-point message
)

// Message is a unit of communication on the bus.
type Message struct {
	ID        string            `json:"id"`
	Type      MessageType       `json:"type"`
	From      string            `json:"from"`
	To        string            `json:"to,omitempty"` // recipient; empty fans out to every subscriber
	Subject   string            `json:"subject"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes an incoming message.
type Handler func(ctx context.Context, msg *Message) error

// Bus delivers messages to subscribers.
type Bus interface {
	// Publish sends a message. A message with a To field reaches that
	// subscriber and the wildcard subscribers; an empty To reaches everyone.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for messages addressed to subscriberID.
	// Subscribing with Wildcard receives every message. Returns an
	// unsubscribe function.
	Subscribe(subscriberID string, handler Handler) (unsubscribe func())

	// History returns recent messages visible to subscriberID, oldest first.
	History(subscriberID string, limit int) ([]*Message, error)
}

// Wildcard subscribes to every message.
const Wildcard = "*"
