// Package client is the device side of the relay: a reconciled per-conversation
// message log, typing and presence views, and a WebSocket session that feeds them.
package client

import (
	"time"

	"github.com/orchestra-mcp/relay/src/types"
)

// messageOverhead approximates the per-message storage cost beyond its text.
const messageOverhead = 100

// Status tracks an outgoing message through acknowledgment.
type Status int

const (
	StatusPending Status = iota
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation log.
type Message struct {
	// ID is the server messageId once known. Outgoing messages carry their
	// ClientID here until acknowledged.
	ID         string
	ClientID   string
	SenderID   types.UserID
	ReceiverID types.UserID
	Text       string
	Type       types.MessageType
	SentAt     time.Time
	Status     Status
}

// Delivered reports whether the relay confirmed delivery.
func (m Message) Delivered() bool { return m.Status == StatusDelivered }

// Key returns the conversation the message belongs to.
func (m Message) Key() types.ConversationKey {
	return types.NewConversationKey(m.SenderID, m.ReceiverID)
}

// ref is the stable identity of an entry: the client id for messages composed
// here, the server id for received ones.
func (m Message) ref() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

func (m Message) size() int { return len(m.Text)*2 + messageOverhead }
