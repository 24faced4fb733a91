package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return out
}

func TestChatMessageRoundTrip(t *testing.T) {
	attachment := "https://cdn.example.com/photo.jpg"
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	env := &Envelope{
		Type: TypeMessage,
		Message: &ChatMessage{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "alice",
			RecipientID:    "bob",
			Text:           "hi",
			Timestamp:      ts,
			AttachmentURL:  &attachment,
			Metadata:       json.RawMessage(`{"client":"ios"}`),
			IsRead:         false,
		},
	}

	out := roundTrip(t, env)
	if out.Type != TypeMessage || out.Message == nil {
		t.Fatalf("expected message variant, got %+v", out)
	}
	got := out.Message
	if got.ID != "m1" || got.ConversationID != "c1" || got.SenderID != "alice" ||
		got.RecipientID != "bob" || got.Text != "hi" || got.IsRead {
		t.Errorf("fields not preserved: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.AttachmentURL == nil || *got.AttachmentURL != attachment {
		t.Errorf("attachment_url not preserved: %v", got.AttachmentURL)
	}
	if string(got.Metadata) != `{"client":"ios"}` {
		t.Errorf("metadata not preserved: %s", got.Metadata)
	}
}

func TestChatMessageOptionalFieldsOmitted(t *testing.T) {
	env := &Envelope{
		Type: TypeMessage,
		Message: &ChatMessage{
			ID:             "m2",
			ConversationID: "c1",
			SenderID:       "alice",
			RecipientID:    "bob",
			Text:           "no extras",
			Timestamp:      time.Now().UTC(),
		},
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "attachment_url") {
		t.Errorf("attachment_url should be omitted: %s", data)
	}
	if strings.Contains(string(data), "metadata") {
		t.Errorf("metadata should be omitted: %s", data)
	}

	out := roundTrip(t, env)
	if out.Message.AttachmentURL != nil {
		t.Errorf("attachment_url should stay nil")
	}
}

func TestTypingRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:   TypeTyping,
		Typing: &TypingIndicator{ConversationID: "c1", UserID: "alice", IsTyping: true},
	}
	out := roundTrip(t, env)
	if out.Type != TypeTyping || out.Typing == nil {
		t.Fatalf("expected typing variant, got %+v", out)
	}
	if *out.Typing != *env.Typing {
		t.Errorf("got %+v, want %+v", out.Typing, env.Typing)
	}
}

func TestOnlineStatusRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := NewOnlineStatusEnvelope("alice", true, ts)
	out := roundTrip(t, env)
	if out.Type != TypeOnlineStatus || out.Online == nil {
		t.Fatalf("expected online_status variant, got %+v", out)
	}
	if out.Online.UserID != "alice" || !out.Online.IsOnline || !out.Online.LastSeen.Equal(ts) {
		t.Errorf("got %+v", out.Online)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	env := NewErrorEnvelope(ErrCodeParseError, "Invalid message format")
	out := roundTrip(t, env)
	if out.Type != TypeError || out.Error == nil {
		t.Fatalf("expected error variant, got %+v", out)
	}
	if *out.Error != *env.Error {
		t.Errorf("got %+v, want %+v", out.Error, env.Error)
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	env := NewConnectionEnvelope(ConnStatusConnected, "alice")
	out := roundTrip(t, env)
	if out.Type != TypeConnection || out.Connection == nil {
		t.Fatalf("expected connection variant, got %+v", out)
	}
	if *out.Connection != *env.Connection {
		t.Errorf("got %+v, want %+v", out.Connection, env.Connection)
	}
}

func TestWireFormat(t *testing.T) {
	env := NewConnectionEnvelope(ConnStatusConnected, "alice")
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if string(wire["type"]) != `"connection"` {
		t.Errorf("type discriminator = %s", wire["type"])
	}
	if _, ok := wire["data"]; !ok {
		t.Errorf("payload should be nested under data: %s", data)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	if _, err := Parse([]byte(`{"type":"upload","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"data":{"text":"hi"}}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestMarshalRejectsMismatchedPayload(t *testing.T) {
	env := &Envelope{Type: TypeMessage}
	if _, err := json.Marshal(env); err == nil {
		t.Fatal("expected error for nil payload")
	}
}
