// Package models defines the run state tracked per contact and flow.
package models

import "time"

// FlowRunState tracks where a contact currently is within a flow. It is the
// only evolving pointer in the state machine. Version increases on every
// persisted change and is used for optimistic concurrency: a writer must
// present the version it read, and the store rejects the write if another
// continuation advanced the run in the meantime.
type FlowRunState struct {
	ContactID     string         `json:"contact_id"`
	FlowID        string         `json:"flow_id"`
	CurrentStep   string         `json:"current_step"`
	Context       map[string]any `json:"context,omitempty"`
	LastMessageID string         `json:"last_message_id,omitempty"` // last inbound message applied by the interpreter
	Completed     bool           `json:"completed"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CloneContext returns a copy of the run's context map. The interpreter
// mutates the copy while evaluating a pass and persists it atomically with
// the step pointer.
func (s *FlowRunState) CloneContext() map[string]any {
	ctx := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		ctx[k] = v
	}
	return ctx
}
