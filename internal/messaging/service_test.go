package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/hanna-crm/flowengine/internal/store"
)

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewMockService()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain digits", "15551234567", "15551234567", false},
		{"formatted number", "+1 (555) 123-4567", "15551234567", false},
		{"whatsapp prefix", "whatsapp:+15551234567", "15551234567", false},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
		{"too short", "12345", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSendFuncDeliversThroughService(t *testing.T) {
	svc := NewMockService()
	send := SendFunc(svc)

	msg := store.OutboxMessage{Recipient: "+1 555 123 4567", Body: "hello"}
	if err := send(context.Background(), msg); err != nil {
		t.Fatalf("SendFunc failed: %v", err)
	}

	sent := svc.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(sent))
	}
	if sent[0].To != "15551234567" || sent[0].Body != "hello" {
		t.Errorf("Unexpected send: %+v", sent[0])
	}
}

func TestSendFuncRejectsInvalidRecipient(t *testing.T) {
	svc := NewMockService()
	send := SendFunc(svc)

	msg := store.OutboxMessage{Recipient: "no-digits", Body: "hello"}
	if err := send(context.Background(), msg); err == nil {
		t.Error("Expected error for invalid recipient")
	}
	if len(svc.Sent()) != 0 {
		t.Error("Invalid recipient reached the service")
	}
}

func TestSendFuncPropagatesSendError(t *testing.T) {
	svc := NewMockService()
	svc.SendErr = errors.New("provider down")
	send := SendFunc(svc)

	msg := store.OutboxMessage{Recipient: "15551234567", Body: "hello"}
	if err := send(context.Background(), msg); err == nil {
		t.Error("Expected send error to propagate")
	}
}

func TestMockServiceStopped(t *testing.T) {
	svc := NewMockService()
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("Expected ErrServiceStopped, got %v", err)
	}
}
