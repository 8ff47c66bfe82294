package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hanna-crm/flowengine/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client  whatsapp.Sender
	mu      sync.RWMutex
	stopped bool
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{client: client}
}

// ValidateAndCanonicalizeRecipient reduces a recipient to digits. Whatsmeow
// addresses users by their number without a leading plus.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start is a no-op; the underlying client connects on construction.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService.Start invoked")
	return nil
}

// Stop marks the service stopped and disconnects the underlying client.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if c, ok := s.client.(*whatsapp.Client); ok {
		c.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	slog.Debug("WhatsAppService.SendMessage invoked", "to", to, "body_length", len(body))
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService.SendMessage error", "error", err, "to", to)
		return err
	}
	return nil
}
