package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestInboundMessageValidate(t *testing.T) {
	msg := InboundMessage{ID: "wamid.1", ContactID: "15551234567", Type: MessageTypeText}
	if err := msg.Validate(); err != nil {
		t.Errorf("Validate failed for valid message: %v", err)
	}

	missing := InboundMessage{ContactID: "15551234567", Type: MessageTypeText}
	if err := missing.Validate(); !errors.Is(err, ErrEmptyMessageID) {
		t.Errorf("Expected ErrEmptyMessageID, got %v", err)
	}

	noContact := InboundMessage{ID: "wamid.1", Type: MessageTypeText}
	if err := noContact.Validate(); !errors.Is(err, ErrEmptyContactID) {
		t.Errorf("Expected ErrEmptyContactID, got %v", err)
	}

	badType := InboundMessage{ID: "wamid.1", ContactID: "15551234567", Type: "video"}
	if err := badType.Validate(); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("Expected ErrInvalidMessageType, got %v", err)
	}
}

func TestWebhookMessageTypeMapping(t *testing.T) {
	text := WebhookMessage{Type: "text", Text: &TextPayload{Body: "hi"}}
	if mt, err := text.MessageType(); err != nil || mt != MessageTypeText {
		t.Errorf("Expected text type, got %v (err=%v)", mt, err)
	}

	form := WebhookMessage{Type: "interactive", Interactive: &InteractivePayload{
		Type:     "nfm_reply",
		NFMReply: &NFMReplyPayload{Name: "intake", ResponseJSON: `{}`},
	}}
	if mt, err := form.MessageType(); err != nil || mt != MessageTypeForm {
		t.Errorf("Expected form type for nfm_reply, got %v (err=%v)", mt, err)
	}

	unknown := WebhookMessage{Type: "video"}
	if _, err := unknown.MessageType(); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("Expected ErrInvalidMessageType for video, got %v", err)
	}
}

func TestContextMergeText(t *testing.T) {
	msg := WebhookMessage{Type: "text", Text: &TextPayload{Body: "123 Main St"}}
	merge, err := msg.ContextMerge()
	if err != nil {
		t.Fatalf("ContextMerge failed: %v", err)
	}
	if merge["last_message"] != "123 Main St" {
		t.Errorf("Expected last_message to be set, got %v", merge)
	}
}

func TestContextMergeInteractiveReply(t *testing.T) {
	msg := WebhookMessage{Type: "interactive", Interactive: &InteractivePayload{
		Type:        "button_reply",
		ButtonReply: &ReplyPayload{ID: "system_solar", Title: "Solar"},
	}}
	merge, err := msg.ContextMerge()
	if err != nil {
		t.Fatalf("ContextMerge failed: %v", err)
	}
	if merge["last_reply_id"] != "system_solar" || merge["last_reply"] != "Solar" {
		t.Errorf("Unexpected merge: %v", merge)
	}
}

func TestContextMergeForm(t *testing.T) {
	msg := WebhookMessage{Type: "interactive", Interactive: &InteractivePayload{
		Type: "nfm_reply",
		NFMReply: &NFMReplyPayload{
			Name:         "site_survey",
			ResponseJSON: `{"panel_count": 12, "roof_type": "tile"}`,
		},
	}}
	merge, err := msg.ContextMerge()
	if err != nil {
		t.Fatalf("ContextMerge failed: %v", err)
	}
	if merge["panel_count"] != float64(12) {
		t.Errorf("Expected panel_count 12, got %v", merge["panel_count"])
	}
	if merge["roof_type"] != "tile" {
		t.Errorf("Expected roof_type tile, got %v", merge["roof_type"])
	}
	if merge["last_form"] != "site_survey" {
		t.Errorf("Expected last_form site_survey, got %v", merge["last_form"])
	}
}

func TestContextMergeMalformedForm(t *testing.T) {
	msg := WebhookMessage{Type: "interactive", Interactive: &InteractivePayload{
		Type:     "nfm_reply",
		NFMReply: &NFMReplyPayload{ResponseJSON: `{"broken`},
	}}
	if _, err := msg.ContextMerge(); !errors.Is(err, ErrMalformedFormReply) {
		t.Errorf("Expected ErrMalformedFormReply, got %v", err)
	}
}

func TestContextMergeFormTooManyKeys(t *testing.T) {
	fields := make(map[string]any, MaxContextMergeKeys+1)
	for i := 0; i <= MaxContextMergeKeys; i++ {
		fields[string(rune('a'+i%26))+string(rune('0'+i/26))] = i
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("Failed to marshal fields: %v", err)
	}
	msg := WebhookMessage{Type: "interactive", Interactive: &InteractivePayload{
		Type:     "nfm_reply",
		NFMReply: &NFMReplyPayload{ResponseJSON: string(raw)},
	}}
	if _, err := msg.ContextMerge(); !errors.Is(err, ErrTooManyMergeKeys) {
		t.Errorf("Expected ErrTooManyMergeKeys, got %v", err)
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	resp := Accepted(map[string]int{"accepted": 1})
	if resp.Status != string(APIStatusAccepted) {
		t.Errorf("Expected accepted status, got %s", resp.Status)
	}
	dup := Duplicate("already processed")
	if dup.Status != string(APIStatusDuplicate) || dup.Message != "already processed" {
		t.Errorf("Unexpected duplicate response: %+v", dup)
	}
	errResp := Error("boom")
	if errResp.Status != string(APIStatusError) || errResp.Message != "boom" {
		t.Errorf("Unexpected error response: %+v", errResp)
	}
}
