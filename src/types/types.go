package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID is the stable identity supplied by the session layer.
type UserID string

// ConversationKey addresses the conversation between two users.
// (A,B) and (B,A) resolve to the same key. The first id is length-prefixed,
// so ids containing the separator cannot collide.
type ConversationKey string

// NewConversationKey builds the canonical key for a pair of users.
func NewConversationKey(a, b UserID) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey(strconv.Itoa(len(a)) + ":" + string(a) + ":" + string(b))
}

// Participants decodes both user ids from the key.
func (k ConversationKey) Participants() (UserID, UserID, bool) {
	size, rest, ok := strings.Cut(string(k), ":")
	if !ok {
		return "", "", false
	}
	n, err := strconv.Atoi(size)
	if err != nil || n < 0 || len(rest) < n+1 || rest[n] != ':' {
		return "", "", false
	}
	return UserID(rest[:n]), UserID(rest[n+1:]), true
}

// Peer returns the participant of the conversation that is not self.
func (k ConversationKey) Peer(self UserID) UserID {
	a, b, ok := k.Participants()
	if !ok {
		return ""
	}
	if a == self {
		return b
	}
	return a
}

// MessageType is the kind of content carried by a chat message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// ParseMessageType validates a wire message type. An empty value means text.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case "", MessageText:
		return MessageText, nil
	case MessageImage, MessageFile:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// Envelope is a single WebSocket frame.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// ConnID is stamped by the server on inbound frames.
	ConnID string `json:"-"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data, Timestamp: time.Now().UTC()}, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// EventHandler handles an inbound event from a connection.
type EventHandler func(connID string, env Envelope) error

// ConnectionInfo holds metadata about a live connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	UserID      UserID    `json:"user_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Ping() error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Sink is a registered connection as seen by the registry and relays.
// Enqueue never blocks and reports false when the frame was dropped.
type Sink interface {
	ID() string
	Enqueue(env Envelope) bool
}
