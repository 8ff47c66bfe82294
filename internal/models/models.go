// Package models defines the core data structures for the HANNA flow engine.
//
// It includes inbound message records, the WhatsApp webhook envelope types,
// and the shared API response envelope used across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// MessageType discriminates the payload carried by an inbound message.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeButton is a reply to a template button.
	MessageTypeButton MessageType = "button"
	// MessageTypeInteractive is a button_reply or list_reply selection.
	MessageTypeInteractive MessageType = "interactive"
	// MessageTypeForm is a WhatsApp Flow form submission (nfm_reply).
	MessageTypeForm MessageType = "form"
)

// Validation constants for inbound payloads.
const (
	// MaxMessageBodyLength defines the maximum accepted length for a message body.
	MaxMessageBodyLength = 4096
	// MaxContextMergeKeys bounds how many keys a single form submission may merge.
	MaxContextMergeKeys = 64
)

// Error variables for better error handling and testability.
var (
	ErrEmptyContactID     = errors.New("contact id cannot be empty")
	ErrEmptyMessageID     = errors.New("message id cannot be empty")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrBodyTooLong        = errors.New("message body exceeds maximum length")
	ErrMalformedFormReply = errors.New("form reply response_json is not valid JSON")
	ErrTooManyMergeKeys   = errors.New("form reply merges too many context keys")
)

// IsValidMessageType checks if the given message type is supported.
func IsValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeText, MessageTypeButton, MessageTypeInteractive, MessageTypeForm:
		return true
	default:
		return false
	}
}

// InboundMessage is the durable record of one received webhook message.
// It is created once per provider message and never mutated afterwards.
type InboundMessage struct {
	ID         string      `json:"id"`          // provider message id
	ContactID  string      `json:"contact_id"`  // WhatsApp id of the sender
	Type       MessageType `json:"type"`
	RawPayload string      `json:"raw_payload"` // original message JSON
	ReceivedAt time.Time   `json:"received_at"`
}

// Validate performs validation on an InboundMessage.
func (m *InboundMessage) Validate() error {
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if m.ContactID == "" {
		return ErrEmptyContactID
	}
	if !IsValidMessageType(m.Type) {
		return ErrInvalidMessageType
	}
	return nil
}

// WebhookEnvelope is the outer payload posted by the messaging provider.
// It mirrors the WhatsApp Cloud API webhook shape.
type WebhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry is one account-level entry in the envelope.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange wraps the changed field and its value.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue carries the contacts and messages of one change.
type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
}

// WebhookContact identifies the sender of the messages in a change.
type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// WebhookMessage is a single inbound message inside the envelope.
type WebhookMessage struct {
	ID          string              `json:"id"`
	From        string              `json:"from"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *TextPayload        `json:"text,omitempty"`
	Button      *ButtonPayload      `json:"button,omitempty"`
	Interactive *InteractivePayload `json:"interactive,omitempty"`
}

// TextPayload is the body of a text message.
type TextPayload struct {
	Body string `json:"body"`
}

// ButtonPayload is a reply to a template button.
type ButtonPayload struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// InteractivePayload wraps button_reply, list_reply and nfm_reply payloads.
type InteractivePayload struct {
	Type        string           `json:"type"`
	ButtonReply *ReplyPayload    `json:"button_reply,omitempty"`
	ListReply   *ReplyPayload    `json:"list_reply,omitempty"`
	NFMReply    *NFMReplyPayload `json:"nfm_reply,omitempty"`
}

// ReplyPayload identifies the selected button or list row.
type ReplyPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// NFMReplyPayload is a WhatsApp Flow form submission. ResponseJSON holds the
// submitted form fields as a JSON object string.
type NFMReplyPayload struct {
	Name         string `json:"name"`
	Body         string `json:"body"`
	ResponseJSON string `json:"response_json"`
}

// MessageType maps the wire-level type of a webhook message onto the
// engine's MessageType. Form submissions arrive as interactive/nfm_reply.
func (m *WebhookMessage) MessageType() (MessageType, error) {
	switch m.Type {
	case "text":
		return MessageTypeText, nil
	case "button":
		return MessageTypeButton, nil
	case "interactive":
		if m.Interactive == nil {
			return "", ErrInvalidMessageType
		}
		if m.Interactive.Type == "nfm_reply" {
			return MessageTypeForm, nil
		}
		return MessageTypeInteractive, nil
	default:
		return "", ErrInvalidMessageType
	}
}

// ContextMerge derives the context keys a webhook message contributes to the
// flow context. Text sets last_message, button and interactive replies set
// last_reply_id/last_reply, and form submissions merge their fields verbatim.
func (m *WebhookMessage) ContextMerge() (map[string]any, error) {
	mt, err := m.MessageType()
	if err != nil {
		return nil, err
	}

	merge := make(map[string]any)
	switch mt {
	case MessageTypeText:
		if m.Text == nil {
			return nil, ErrInvalidMessageType
		}
		if len(m.Text.Body) > MaxMessageBodyLength {
			return nil, ErrBodyTooLong
		}
		merge["last_message"] = m.Text.Body
	case MessageTypeButton:
		if m.Button == nil {
			return nil, ErrInvalidMessageType
		}
		merge["last_reply_id"] = m.Button.Payload
		merge["last_reply"] = m.Button.Text
	case MessageTypeInteractive:
		reply := m.Interactive.ButtonReply
		if reply == nil {
			reply = m.Interactive.ListReply
		}
		if reply == nil {
			return nil, ErrInvalidMessageType
		}
		merge["last_reply_id"] = reply.ID
		merge["last_reply"] = reply.Title
	case MessageTypeForm:
		nfm := m.Interactive.NFMReply
		if nfm == nil {
			return nil, ErrInvalidMessageType
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(nfm.ResponseJSON), &fields); err != nil {
			return nil, ErrMalformedFormReply
		}
		if len(fields) > MaxContextMergeKeys {
			return nil, ErrTooManyMergeKeys
		}
		for k, v := range fields {
			merge[k] = v
		}
		if nfm.Name != "" {
			merge["last_form"] = nfm.Name
		}
	}
	return merge, nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a webhook was accepted and a continuation enqueued.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusDuplicate indicates a webhook message was already recorded.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse is the JSON envelope every endpoint writes: a status plus an
// optional message and payload.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder assembles an APIResponse piece by piece; the Success,
// Error, Accepted and Duplicate helpers below cover the common shapes.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder returns an empty builder.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the response status.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage attaches a human-readable message.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult attaches the response payload.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the assembled response.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success wraps result in an ok response.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage is Success with an explanatory message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error builds an error response carrying only a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Accepted reports that a webhook was recorded and a continuation enqueued.
func Accepted(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithResult(result).Build()
}

// Duplicate reports an already-recorded webhook message.
func Duplicate(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusDuplicate).WithMessage(message).Build()
}
