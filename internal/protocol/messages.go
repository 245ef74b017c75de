// Package protocol defines the WebSocket message types and structures used for
// communication between the chat client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeUserLogin   = "user_login"
	TypeSendMessage = "send_message"
	TypeMarkAsRead  = "mark_as_read"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop_typing"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeMessageSent       = "message_sent"
	TypeReceiveMessage    = "receive_message"
	TypeUnreadMessages    = "unread_messages"
	TypeMessagesRead      = "messages_read"
	TypeUserTyping        = "user_typing"
	TypeUserStopTyping    = "user_stop_typing"
	TypeUserStatusChanged = "user_status_changed"
	TypeError             = "error"
	TypePong              = "pong"
)

// Message content types accepted on send_message.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentEmoji = "emoji"
)

// Presence status values carried by user_status_changed.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// UserLoginMsg announces the authenticated identity for this connection and
// binds the connection as the identity's live channel.
type UserLoginMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SendMessageMsg submits a new direct message. Nonce is a client-generated
// correlation token echoed back in the message_sent acknowledgment so the
// client can reconcile its optimistic local copy with the canonical id.
type SendMessageMsg struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	MsgType  string `json:"msg_type"` // text | image | emoji
	Nonce    string `json:"nonce,omitempty"`
}

// MarkAsReadMsg flags the listed message ids as read. Unknown or already-read
// ids are skipped without error.
type MarkAsReadMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
}

// TypingMsg signals that UserID started typing to ReceiverID.
type TypingMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	ReceiverID string `json:"receiver_id"`
}

// StopTypingMsg signals that UserID stopped typing to ReceiverID.
type StopTypingMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	ReceiverID string `json:"receiver_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WireMessage is the canonical message representation sent to clients in
// receive_message and unread_messages events.
type WireMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	MsgType   string `json:"msg_type"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	Read      bool   `json:"read"`
}

// MessageSentMsg acknowledges a send_message to the sender, carrying the
// server-generated id and timestamp plus the client's correlation nonce.
type MessageSentMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce,omitempty"`
}

// ReceiveMessageMsg delivers an inbound message to the recipient.
type ReceiveMessageMsg struct {
	Type    string      `json:"type"`
	Message WireMessage `json:"message"`
}

// UnreadMessagesMsg carries the queued backlog pushed after user_login.
type UnreadMessagesMsg struct {
	Type     string        `json:"type"`
	Messages []WireMessage `json:"messages"`
}

// MessagesReadMsg is the read receipt sent to the original sender. It lists
// only ids of messages that sender sent.
type MessagesReadMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
}

// UserTypingMsg tells the recipient that UserID is typing.
type UserTypingMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UserStopTypingMsg tells the recipient that UserID stopped typing.
type UserStopTypingMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UserStatusChangedMsg is the presence broadcast sent to all connections.
type UserStatusChangedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"` // online | offline
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserLogin:
		var m UserLoginMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkAsRead:
		var m MarkAsReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ValidContentType reports whether t is one of the accepted message content
// types.
func ValidContentType(t string) bool {
	return t == ContentText || t == ContentImage || t == ContentEmoji
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
