// Package flow implements the conversational flow interpreter.
//
// The interpreter advances one contact's flow run by exactly one step per
// continuation: it evaluates the current step's transition rules in
// declaration order against a snapshot of the committed context, executes the
// matched target step's entry actions, and commits the new step pointer
// together with the produced sends in a single transaction guarded by the run
// state version it read. The first pass of a new run instead executes the
// start step's entry actions: the message that enrolled the contact is not a
// reply to a prompt nobody sent yet. A duplicate or concurrent pass either hits the
// idempotence guard or loses the version check; it never duplicates side
// effects.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hanna-crm/flowengine/internal/flowdef"
	"github.com/hanna-crm/flowengine/internal/models"
	"github.com/hanna-crm/flowengine/internal/store"
)

// Interpreter advances flow runs in response to continuations.
type Interpreter struct {
	st     store.Store
	flows  *flowdef.Registry
	flowID string
}

// NewInterpreter creates an interpreter advancing runs of the given flow.
func NewInterpreter(st store.Store, flows *flowdef.Registry, flowID string) *Interpreter {
	return &Interpreter{st: st, flows: flows, flowID: flowID}
}

// FlowID returns the id of the flow this interpreter advances.
func (i *Interpreter) FlowID() string {
	return i.flowID
}

// Handler adapts the interpreter to the continuation runner.
func (i *Interpreter) Handler() store.ContinuationHandler {
	return func(ctx context.Context, cont store.Continuation) error {
		return i.Continue(ctx, cont.ContactID, cont.MessageID)
	}
}

// Continue executes one continuation pass for a contact. It is safe to call
// repeatedly with the same messageID: re-delivery is a no-op.
func (i *Interpreter) Continue(ctx context.Context, contactID, messageID string) error {
	def, ok := i.flows.Get(i.flowID)
	if !ok {
		return fmt.Errorf("flow %q is not registered", i.flowID)
	}

	state, err := i.st.GetRunState(contactID, i.flowID)
	if err != nil {
		return fmt.Errorf("failed to load run state for contact %s: %w", contactID, err)
	}

	var expectedVersion int64
	if state == nil {
		// ApplyInbound creates the run before enqueueing, so this only
		// happens for manually enqueued continuations.
		state = &models.FlowRunState{
			ContactID:   contactID,
			FlowID:      i.flowID,
			CurrentStep: def.Start,
		}
	} else {
		expectedVersion = state.Version
	}

	if state.LastMessageID == messageID {
		slog.Debug("Interpreter.Continue: message already processed", "contactID", contactID, "messageID", messageID)
		return nil
	}

	step := def.Step(state.CurrentStep)
	if step == nil {
		// Run state unchanged; a corrected flow definition plus retry recovers.
		return fmt.Errorf("contact %s: current step %q not defined in flow %q", contactID, state.CurrentStep, i.flowID)
	}

	next := *state
	next.Context = state.CloneContext()
	next.LastMessageID = messageID

	var sends []store.OutboxMessage
	if state.Completed {
		slog.Debug("Interpreter.Continue: run already completed", "contactID", contactID, "messageID", messageID)
	} else if state.LastMessageID == "" {
		// First pass of a freshly created run. The triggering message
		// enrolled the contact, so the start step's entry actions run and
		// its transitions wait for the next message.
		sends, err = executeActions(step, &next)
		if err != nil {
			return fmt.Errorf("contact %s step %s: %w", contactID, step.ID, err)
		}
		slog.Info("Interpreter.Continue: entering flow", "contactID", contactID, "step", step.ID, "sends", len(sends))
	} else if target, matched, err := i.matchTransition(step, next.Context); err != nil {
		return fmt.Errorf("contact %s step %s: %w", contactID, step.ID, err)
	} else if matched {
		targetStep := def.Step(target)
		if targetStep == nil {
			return fmt.Errorf("contact %s step %s: transition target %q not defined", contactID, step.ID, target)
		}
		next.CurrentStep = target
		sends, err = executeActions(targetStep, &next)
		if err != nil {
			return fmt.Errorf("contact %s step %s: %w", contactID, target, err)
		}
		slog.Info("Interpreter.Continue: transition", "contactID", contactID, "from", step.ID, "to", target, "sends", len(sends))
	} else {
		switch step.OnNoMatchPolicy() {
		case models.NoMatchComplete:
			next.Completed = true
			slog.Info("Interpreter.Continue: no match, completing run", "contactID", contactID, "step", step.ID)
		default:
			slog.Debug("Interpreter.Continue: no match, staying", "contactID", contactID, "step", step.ID)
		}
	}

	err = i.st.CommitTransition(next, expectedVersion, sends)
	if errors.Is(err, store.ErrVersionConflict) {
		// A concurrent pass advanced the run first. Its commit carries the
		// side effects; ours must not be replayed on top.
		slog.Debug("Interpreter.Continue: lost version race", "contactID", contactID, "messageID", messageID, "version", expectedVersion)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to commit transition for contact %s: %w", contactID, err)
	}
	return nil
}

// matchTransition evaluates the step's transition rules in declaration order
// and returns the first matching target.
func (i *Interpreter) matchTransition(step *models.FlowStep, ctxData map[string]any) (string, bool, error) {
	for _, rule := range step.Transitions {
		ok, err := evalCondition(rule.Condition, ctxData)
		if err != nil {
			return "", false, fmt.Errorf("condition for next %q: %w", rule.Next, err)
		}
		if ok {
			return rule.Next, true, nil
		}
	}
	return "", false, nil
}
