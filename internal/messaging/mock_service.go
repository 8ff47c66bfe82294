package messaging

import (
	"context"
	"sync"
)

// SentMessage records one send made through a MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService is a Service that records sends instead of delivering them.
// It backs the tests and the noop provider.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	stopped bool

	// SendErr, when set, is returned by every SendMessage call.
	SendErr error
}

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// NewMockService creates a new MockService.
func NewMockService() *MockService {
	return &MockService{}
}

// ValidateAndCanonicalizeRecipient reduces a recipient to digits.
func (s *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start is a no-op.
func (s *MockService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped.
func (s *MockService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendMessage records the send.
func (s *MockService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a snapshot of the recorded sends.
func (s *MockService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
