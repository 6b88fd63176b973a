package realtime

import (
	"encoding/json"
	"testing"
)

func TestDecodeMessageEvent(t *testing.T) {
	raw := `{
		"type": "message.new",
		"chatId": "c1",
		"payload": {
			"id": "m1",
			"chatId": "c1",
			"sender": "alice",
			"text": "hello",
			"timestamp": 1700000000000,
			"readBy": ["alice"]
		}
	}`
	var evt Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != EventNewMessage || evt.ChatID != "c1" {
		t.Errorf("envelope = %+v", evt)
	}

	m, err := evt.Message()
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m1" || m.Sender != "alice" || m.Text != "hello" {
		t.Errorf("message = %+v", m)
	}
	if !m.ReadByUser("alice") || m.ReadByUser("bob") {
		t.Errorf("readBy = %v", m.ReadBy)
	}
}

func TestDecodeReceiptEvent(t *testing.T) {
	evt := Event{
		Type:    EventMessagesRead,
		ChatID:  "c1",
		Payload: json.RawMessage(`{"userId": "bob", "messageIds": ["m1", "m2"], "at": 42}`),
	}
	p, err := evt.Receipt()
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" || len(p.MessageIDs) != 2 || p.At != 42 {
		t.Errorf("receipt = %+v", p)
	}
}

func TestDecodeDeletionEvent(t *testing.T) {
	evt := Event{
		Type:    EventDeletedForAll,
		Payload: json.RawMessage(`{"messageId": "m1", "deletedAt": 99}`),
	}
	p, err := evt.Deletion()
	if err != nil {
		t.Fatal(err)
	}
	if p.MessageID != "m1" || p.DeletedAt != 99 {
		t.Errorf("deletion = %+v", p)
	}
}

func TestDecodeUserEvent(t *testing.T) {
	evt := Event{
		Type:    EventUserStatus,
		Payload: json.RawMessage(`{"userId": "bob", "online": true, "lastSeen": 7}`),
	}
	p, err := evt.User()
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" || !p.Online || p.LastSeen != 7 {
		t.Errorf("user = %+v", p)
	}
}

func TestDecodeBadPayload(t *testing.T) {
	evt := Event{Type: EventNewMessage, Payload: json.RawMessage(`"not an object"`)}
	if _, err := evt.Message(); err == nil {
		t.Error("want decode error for malformed payload")
	}
}
