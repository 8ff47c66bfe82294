// Package store provides storage backends for the HANNA flow engine.
//
// This file implements an in-memory store used by tests and by runs without
// a configured database. All operations are guarded by a single mutex; the
// "transactions" of ApplyInbound and CommitTransition are atomic under it.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/hanna-crm/flowengine/internal/models"
	"github.com/hanna-crm/flowengine/internal/util"
)

// InMemoryStore is a Store kept entirely in process memory.
type InMemoryStore struct {
	mu            sync.Mutex
	inbound       map[string]models.InboundMessage
	runStates     map[string]models.FlowRunState // keyed by contactID+"\x00"+flowID
	continuations map[string]*Continuation
	outbound      map[string]*OutboxMessage
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		inbound:       make(map[string]models.InboundMessage),
		runStates:     make(map[string]models.FlowRunState),
		continuations: make(map[string]*Continuation),
		outbound:      make(map[string]*OutboxMessage),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func runKey(contactID, flowID string) string {
	return contactID + "\x00" + flowID
}

// RecordInboundMessage inserts an inbound message. Returns false on duplicate.
func (s *InMemoryStore) RecordInboundMessage(msg models.InboundMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordInboundLocked(msg), nil
}

func (s *InMemoryStore) recordInboundLocked(msg models.InboundMessage) bool {
	if _, exists := s.inbound[msg.ID]; exists {
		return false
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	s.inbound[msg.ID] = msg
	return true
}

// GetInboundMessage retrieves an inbound message by provider id.
func (s *InMemoryStore) GetInboundMessage(id string) (*models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.inbound[id]; ok {
		return &m, nil
	}
	return nil, nil
}

// GetRunState retrieves the run state for a contact in a flow.
func (s *InMemoryStore) GetRunState(contactID, flowID string) (*models.FlowRunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.runStates[runKey(contactID, flowID)]; ok {
		copied := state
		copied.Context = state.CloneContext()
		return &copied, nil
	}
	return nil, nil
}

// SaveRunState persists a run state guarded by expectedVersion.
func (s *InMemoryStore) SaveRunState(state models.FlowRunState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRunStateLocked(state, expectedVersion)
}

func (s *InMemoryStore) saveRunStateLocked(state models.FlowRunState, expectedVersion int64) error {
	key := runKey(state.ContactID, state.FlowID)
	existing, exists := s.runStates[key]
	if expectedVersion == 0 {
		if exists {
			return ErrVersionConflict
		}
	} else {
		if !exists || existing.Version != expectedVersion {
			return ErrVersionConflict
		}
	}

	now := time.Now()
	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.Context = (&state).CloneContext()
	s.runStates[key] = state
	return nil
}

// DeleteRunState removes the run state for a contact in a flow.
func (s *InMemoryStore) DeleteRunState(contactID, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runStates, runKey(contactID, flowID))
	return nil
}

// ApplyInbound records msg, merges the context contribution and enqueues a
// continuation atomically.
func (s *InMemoryStore) ApplyInbound(msg models.InboundMessage, flowID, startStep string, merge map[string]any) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ApplyResult
	if !s.recordInboundLocked(msg) {
		result.Duplicate = true
		return result, nil
	}

	now := time.Now()
	key := runKey(msg.ContactID, flowID)
	state, exists := s.runStates[key]
	var expectedVersion int64
	if !exists {
		state = models.FlowRunState{
			ContactID:   msg.ContactID,
			FlowID:      flowID,
			CurrentStep: startStep,
			CreatedAt:   now,
		}
	} else {
		expectedVersion = state.Version
		state.Context = (&state).CloneContext()
	}
	MergeContext(&state, merge, now)
	if err := s.saveRunStateLocked(state, expectedVersion); err != nil {
		return result, err
	}

	result.ContinuationID = s.enqueueContinuationLocked(msg.ContactID, msg.ID, now)
	result.ContextVersion = expectedVersion + 1
	return result, nil
}

// CommitTransition persists the advanced run state and its outbox rows
// atomically.
func (s *InMemoryStore) CommitTransition(state models.FlowRunState, expectedVersion int64, sends []OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveRunStateLocked(state, expectedVersion); err != nil {
		return err
	}
	for i := range sends {
		s.enqueueOutboundLocked(&sends[i])
	}
	return nil
}

// EnqueueContinuation inserts a continuation, deduplicating on message id.
func (s *InMemoryStore) EnqueueContinuation(contactID, messageID string, runAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueContinuationLocked(contactID, messageID, runAt), nil
}

func (s *InMemoryStore) enqueueContinuationLocked(contactID, messageID string, runAt time.Time) string {
	for _, c := range s.continuations {
		if c.MessageID == messageID {
			return c.ID
		}
	}
	now := time.Now()
	c := &Continuation{
		ID:          util.GenerateContinuationID(),
		ContactID:   contactID,
		MessageID:   messageID,
		RunAt:       runAt,
		Status:      ContinuationStatusQueued,
		MaxAttempts: 5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.continuations[c.ID] = c
	return c.ID
}

// ClaimDueContinuations marks due queued continuations as claimed and
// returns them in enqueue order.
func (s *InMemoryStore) ClaimDueContinuations(now time.Time, limit int) ([]Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Continuation
	for _, c := range s.continuations {
		if c.Status == ContinuationStatusQueued && !c.RunAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Continuation, 0, len(due))
	for _, c := range due {
		c.Status = ContinuationStatusClaimed
		lockedAt := now
		c.LockedAt = &lockedAt
		c.UpdatedAt = now
		claimed = append(claimed, *c)
	}
	return claimed, nil
}

// CompleteContinuation marks a continuation as done.
func (s *InMemoryStore) CompleteContinuation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.continuations[id]; ok {
		c.Status = ContinuationStatusDone
		c.LockedAt = nil
		c.UpdatedAt = time.Now()
	}
	return nil
}

// FailContinuation requeues a continuation for retry, dead-lettering it once
// attempts are spent.
func (s *InMemoryStore) FailContinuation(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.continuations[id]
	if !ok {
		return nil
	}
	c.Attempt++
	c.LastError = errMsg
	c.LockedAt = nil
	c.UpdatedAt = time.Now()
	if c.Attempt >= c.MaxAttempts {
		c.Status = ContinuationStatusDead
	} else {
		c.Status = ContinuationStatusQueued
		c.RunAt = nextRunAt
	}
	return nil
}

// RequeueStaleContinuations resets continuations claimed before staleBefore.
func (s *InMemoryStore) RequeueStaleContinuations(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.continuations {
		if c.Status == ContinuationStatusClaimed && c.LockedAt != nil && c.LockedAt.Before(staleBefore) {
			c.Status = ContinuationStatusQueued
			c.LockedAt = nil
			c.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// ListDeadContinuations returns dead-lettered continuations, newest first.
func (s *InMemoryStore) ListDeadContinuations(limit int) ([]Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []Continuation
	for _, c := range s.continuations {
		if c.Status == ContinuationStatusDead {
			dead = append(dead, *c)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].UpdatedAt.After(dead[j].UpdatedAt) })
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// EnqueueOutbound inserts a new outbox message and returns its id.
func (s *InMemoryStore) EnqueueOutbound(msg OutboxMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueOutboundLocked(&msg)
	return msg.ID, nil
}

func (s *InMemoryStore) enqueueOutboundLocked(msg *OutboxMessage) {
	if msg.ID == "" {
		msg.ID = util.GenerateOutboxID()
	}
	if msg.Kind == "" {
		msg.Kind = OutboxKindText
	}
	now := time.Now()
	msg.Status = OutboxStatusQueued
	msg.CreatedAt = now
	msg.UpdatedAt = now
	copied := *msg
	s.outbound[msg.ID] = &copied
}

// ClaimDueOutbound marks due queued messages as sending and returns them in
// enqueue order.
func (s *InMemoryStore) ClaimDueOutbound(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*OutboxMessage
	for _, m := range s.outbound {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		m.Status = OutboxStatusSending
		lockedAt := now
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

// MarkOutboundSent marks a message as successfully sent.
func (s *InMemoryStore) MarkOutboundSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbound[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

// FailOutbound records a send failure and schedules a retry.
func (s *InMemoryStore) FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbound[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if m.Attempts >= maxOutboundAttempts {
		m.Status = OutboxStatusFailed
	} else {
		m.Status = OutboxStatusQueued
		next := nextAttemptAt
		m.NextAttemptAt = &next
	}
	return nil
}

// RequeueStaleOutbound resets messages stuck in sending since before staleBefore.
func (s *InMemoryStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbound {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// OutboundMessages returns a snapshot of all outbox rows (test helper).
func (s *InMemoryStore) OutboundMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]OutboxMessage, 0, len(s.outbound))
	for _, m := range s.outbound {
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs
}
