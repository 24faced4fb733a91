package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope discriminators on the wire.
const (
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeOnlineStatus = "online_status"
	TypeError        = "error"
	TypeConnection   = "connection"
)

// Connection status values.
const (
	ConnStatusConnected = "connected"
	ConnStatusReplaced  = "replaced"
)

// Error codes surfaced to clients.
const (
	ErrCodeParseError    = "PARSE_ERROR"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ChatMessage is a direct message between two users.
type ChatMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	RecipientID    string          `json:"recipient_id"`
	Text           string          `json:"text"`
	Timestamp      time.Time       `json:"timestamp"`
	AttachmentURL  *string         `json:"attachment_url,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IsRead         bool            `json:"is_read"`
}

// TypingIndicator signals typing state within a conversation.
type TypingIndicator struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// OnlineStatus announces a presence change to interested users.
type OnlineStatus struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// ErrorInfo is the only error surface a client ever observes.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectionStatus confirms or revokes a connection.
type ConnectionStatus struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

// Envelope is the tagged union wrapping exactly one payload variant.
// Exactly one of the payload pointers is non-nil, matching Type.
type Envelope struct {
	Type       string
	Message    *ChatMessage
	Typing     *TypingIndicator
	Online     *OnlineStatus
	Error      *ErrorInfo
	Connection *ConnectionStatus
}

// wireEnvelope is the on-the-wire shape: {"type": ..., "data": ...}.
type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the envelope as {"type", "data"}.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Type {
	case TypeMessage:
		payload = e.Message
	case TypeTyping:
		payload = e.Typing
	case TypeOnlineStatus:
		payload = e.Online
	case TypeError:
		payload = e.Error
	case TypeConnection:
		payload = e.Connection
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if payload == nil {
		return nil, fmt.Errorf("envelope type %q has no payload", e.Type)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: e.Type, Data: data})
}

// UnmarshalJSON decodes {"type", "data"} into the matching variant.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("envelope missing type")
	}

	e.Type = w.Type
	switch w.Type {
	case TypeMessage:
		e.Message = &ChatMessage{}
		return json.Unmarshal(w.Data, e.Message)
	case TypeTyping:
		e.Typing = &TypingIndicator{}
		return json.Unmarshal(w.Data, e.Typing)
	case TypeOnlineStatus:
		e.Online = &OnlineStatus{}
		return json.Unmarshal(w.Data, e.Online)
	case TypeError:
		e.Error = &ErrorInfo{}
		return json.Unmarshal(w.Data, e.Error)
	case TypeConnection:
		e.Connection = &ConnectionStatus{}
		return json.Unmarshal(w.Data, e.Connection)
	default:
		return fmt.Errorf("unknown envelope type %q", w.Type)
	}
}

// Parse decodes a raw text frame into an envelope.
func Parse(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewErrorEnvelope builds an error envelope.
func NewErrorEnvelope(code, message string) *Envelope {
	return &Envelope{
		Type:  TypeError,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// NewConnectionEnvelope builds a connection status envelope.
func NewConnectionEnvelope(status, userID string) *Envelope {
	return &Envelope{
		Type:       TypeConnection,
		Connection: &ConnectionStatus{Status: status, UserID: userID},
	}
}

// NewOnlineStatusEnvelope builds a presence envelope.
func NewOnlineStatusEnvelope(userID string, isOnline bool, lastSeen time.Time) *Envelope {
	return &Envelope{
		Type:   TypeOnlineStatus,
		Online: &OnlineStatus{UserID: userID, IsOnline: isOnline, LastSeen: lastSeen},
	}
}
