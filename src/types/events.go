package types

import "time"

// Wire event names.
const (
	EventJoin             = "join"
	EventSendMessage      = "sendMessage"
	EventReceiveMessage   = "receiveMessage"
	EventMessageDelivered = "messageDelivered"
	EventMessageError     = "messageError"
	EventTyping           = "typing"
	EventUserTyping       = "userTyping"
	EventOnlineUsers      = "onlineUsers"
	EventUserOnline       = "userOnline"
	EventUserOffline      = "userOffline"
)

// Error codes carried by messageError.
const (
	CodeRecipientOffline = "recipient_offline"
	CodeDeliveryFailed   = "delivery_failed"
	CodeInvalidPayload   = "invalid_payload"
	CodeSenderMismatch   = "sender_mismatch"
	CodeNotJoined        = "not_joined"
	CodeRateLimited      = "rate_limited"
)

// JoinPayload announces the identity behind a connection.
type JoinPayload struct {
	UserID UserID `json:"userId"`
}

// SendMessagePayload is a client's request to deliver a message.
type SendMessagePayload struct {
	SenderID        UserID `json:"senderId"`
	ReceiverID      UserID `json:"receiverId"`
	Message         string `json:"message"`
	MessageType     string `json:"messageType,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// ReceiveMessagePayload is delivered to every connection of the recipient.
type ReceiveMessagePayload struct {
	SenderID    UserID      `json:"senderId"`
	ReceiverID  UserID      `json:"receiverId"`
	Message     string      `json:"message"`
	MessageType MessageType `json:"messageType"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageID   string      `json:"messageId"`
}

// DeliveredPayload acknowledges a relayed message to its sender.
type DeliveredPayload struct {
	MessageID       string    `json:"messageId"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	ReceiverID      UserID    `json:"receiverId"`
	Timestamp       time.Time `json:"timestamp"`
}

// MessageErrorPayload reports a failed request to its sender.
type MessageErrorPayload struct {
	Reason          string `json:"reason"`
	Code            string `json:"code"`
	MessageID       string `json:"messageId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	ReceiverID      UserID `json:"receiverId,omitempty"`
}

// TypingPayload is a client's typing signal.
type TypingPayload struct {
	SenderID   UserID `json:"senderId"`
	ReceiverID UserID `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// UserTypingPayload is the relayed typing signal.
type UserTypingPayload struct {
	UserID   UserID `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// OnlineUsersPayload is the presence snapshot sent on join.
type OnlineUsersPayload struct {
	UserIDs []UserID `json:"userIds"`
}

// PresencePayload carries an incremental presence transition.
type PresencePayload struct {
	UserID UserID `json:"userId"`
}
