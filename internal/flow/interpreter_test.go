package flow

import (
	"context"
	"testing"
	"time"

	"github.com/hanna-crm/flowengine/internal/flowdef"
	"github.com/hanna-crm/flowengine/internal/models"
	"github.com/hanna-crm/flowengine/internal/store"
)

// newTestInterpreter builds an interpreter over an in-memory store and the
// given flow definition.
func newTestInterpreter(t *testing.T, def models.FlowDefinition) (*Interpreter, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	flows, err := flowdef.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := flows.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return NewInterpreter(st, flows, def.ID), st
}

func twoStepFlow() models.FlowDefinition {
	return models.FlowDefinition{
		ID:    "test_flow",
		Start: "a",
		Steps: []models.FlowStep{
			{
				ID: "a",
				Transitions: []models.TransitionRule{
					{Condition: models.Condition{Op: models.ConditionEquals, Key: "flag", Value: true}, Next: "b"},
				},
			},
			{
				ID: "b",
				Actions: []models.StepAction{
					{Type: models.ActionSendMessage, Body: "Welcome to step B, {{name}}"},
				},
			},
		},
	}
}

// applyInbound is a test helper that stages a message the way the webhook
// handler does.
func applyInbound(t *testing.T, st *store.InMemoryStore, flowID, contactID, messageID string, merge map[string]any) {
	t.Helper()
	msg := models.InboundMessage{ID: messageID, ContactID: contactID, Type: models.MessageTypeText}
	result, err := st.ApplyInbound(msg, flowID, "a", merge)
	if err != nil {
		t.Fatalf("ApplyInbound failed: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("Unexpected duplicate for message %s", messageID)
	}
}

// enroll runs the entry pass for a fresh contact so subsequent passes
// evaluate transitions.
func enroll(t *testing.T, interp *Interpreter, st *store.InMemoryStore, flowID, contactID string) {
	t.Helper()
	applyInbound(t, st, flowID, contactID, "m0", map[string]any{"last_message": "hi"})
	if err := interp.Continue(context.Background(), contactID, "m0"); err != nil {
		t.Fatalf("Continue (entry pass) failed: %v", err)
	}
}

// TestContinueFirstContactRunsStartStepActions drives the embedded default
// flow from first contact: the welcome greeting goes out, the run stays on
// the start step, and the next message is the one matched against the
// welcome transitions.
func TestContinueFirstContactRunsStartStepActions(t *testing.T) {
	st := store.NewInMemoryStore()
	flows, err := flowdef.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	interp := NewInterpreter(st, flows, flowdef.DefaultFlowID)

	msg := models.InboundMessage{ID: "wamid.1", ContactID: "c1", Type: models.MessageTypeText}
	if _, err := st.ApplyInbound(msg, flowdef.DefaultFlowID, "welcome", map[string]any{"last_message": "Hi"}); err != nil {
		t.Fatalf("ApplyInbound failed: %v", err)
	}
	if err := interp.Continue(context.Background(), "c1", "wamid.1"); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	state, err := st.GetRunState("c1", flowdef.DefaultFlowID)
	if err != nil {
		t.Fatalf("GetRunState failed: %v", err)
	}
	if state.CurrentStep != "welcome" {
		t.Errorf("First contact must stay on the start step, got %s", state.CurrentStep)
	}
	if state.LastMessageID != "wamid.1" {
		t.Errorf("Expected last message id wamid.1, got %s", state.LastMessageID)
	}

	sends := st.OutboundMessages()
	if len(sends) != 1 {
		t.Fatalf("Expected the welcome greeting, got %d sends", len(sends))
	}
	if sends[0].Body != "Hi! I'm HANNA, the installation assistant. To get started, please reply with the full address of the installation site." {
		t.Errorf("Unexpected greeting: %q", sends[0].Body)
	}

	// The next message is the address and advances welcome -> ask_system.
	msg2 := models.InboundMessage{ID: "wamid.2", ContactID: "c1", Type: models.MessageTypeText}
	if _, err := st.ApplyInbound(msg2, flowdef.DefaultFlowID, "welcome", map[string]any{"last_message": "123 Main St"}); err != nil {
		t.Fatalf("ApplyInbound (second message) failed: %v", err)
	}
	if err := interp.Continue(context.Background(), "c1", "wamid.2"); err != nil {
		t.Fatalf("Continue (second message) failed: %v", err)
	}

	state, _ = st.GetRunState("c1", flowdef.DefaultFlowID)
	if state.CurrentStep != "ask_system" {
		t.Errorf("Expected step ask_system, got %s", state.CurrentStep)
	}
	sends = st.OutboundMessages()
	if len(sends) != 2 {
		t.Fatalf("Expected 2 sends, got %d", len(sends))
	}
	if sends[1].Body != "Thanks! What kind of system are we installing at 123 Main St? Reply SOLAR for a solar installation or STARLINK for a Starlink kit." {
		t.Errorf("Unexpected rendered body: %q", sends[1].Body)
	}
}

func TestContinueTransitionsOnMatch(t *testing.T) {
	interp, st := newTestInterpreter(t, twoStepFlow())
	enroll(t, interp, st, "test_flow", "c1")
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": true, "name": "Ana"})

	if err := interp.Continue(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	state, err := st.GetRunState("c1", "test_flow")
	if err != nil {
		t.Fatalf("GetRunState failed: %v", err)
	}
	if state.CurrentStep != "b" {
		t.Errorf("Expected step b, got %s", state.CurrentStep)
	}
	if state.LastMessageID != "m1" {
		t.Errorf("Expected last message id m1, got %s", state.LastMessageID)
	}

	sends := st.OutboundMessages()
	if len(sends) != 1 {
		t.Fatalf("Expected exactly 1 outbound message, got %d", len(sends))
	}
	if sends[0].Body != "Welcome to step B, Ana" {
		t.Errorf("Unexpected rendered body: %q", sends[0].Body)
	}
}

func TestContinueIsIdempotentOnRedelivery(t *testing.T) {
	interp, st := newTestInterpreter(t, twoStepFlow())
	enroll(t, interp, st, "test_flow", "c1")
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": true})

	for i := 0; i < 3; i++ {
		if err := interp.Continue(context.Background(), "c1", "m1"); err != nil {
			t.Fatalf("Continue pass %d failed: %v", i, err)
		}
	}

	state, _ := st.GetRunState("c1", "test_flow")
	if state.CurrentStep != "b" {
		t.Errorf("Expected step b, got %s", state.CurrentStep)
	}
	if sends := st.OutboundMessages(); len(sends) != 1 {
		t.Errorf("Re-delivery duplicated side effects: %d sends", len(sends))
	}
}

func TestContinueAbsentKeyStays(t *testing.T) {
	interp, st := newTestInterpreter(t, twoStepFlow())
	enroll(t, interp, st, "test_flow", "c1")
	// Context has no "flag" key at all.
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"last_message": "hello"})

	if err := interp.Continue(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	state, _ := st.GetRunState("c1", "test_flow")
	if state.CurrentStep != "a" {
		t.Errorf("Expected to stay on step a, got %s", state.CurrentStep)
	}
	if state.Completed {
		t.Error("Stay policy must not complete the run")
	}
	if state.LastMessageID != "m1" {
		t.Errorf("No-match pass must still record the message id, got %q", state.LastMessageID)
	}
}

func TestContinueNoMatchCompletePolicy(t *testing.T) {
	def := twoStepFlow()
	def.Steps[0].OnNoMatch = models.NoMatchComplete
	interp, st := newTestInterpreter(t, def)
	enroll(t, interp, st, "test_flow", "c1")
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": false})

	if err := interp.Continue(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	state, _ := st.GetRunState("c1", "test_flow")
	if !state.Completed {
		t.Error("Expected run to complete under complete policy")
	}
	if state.CurrentStep != "a" {
		t.Errorf("Complete policy must not move the step, got %s", state.CurrentStep)
	}
}

func TestContinueCompletedRunIsNoOp(t *testing.T) {
	def := twoStepFlow()
	def.Steps[1].Actions = append(def.Steps[1].Actions, models.StepAction{Type: models.ActionCompleteFlow})
	interp, st := newTestInterpreter(t, def)
	enroll(t, interp, st, "test_flow", "c1")

	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": true})
	if err := interp.Continue(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	// Further messages on a completed run record the id but do not act.
	applyInbound(t, st, "test_flow", "c1", "m2", map[string]any{"flag": true})
	if err := interp.Continue(context.Background(), "c1", "m2"); err != nil {
		t.Fatalf("Continue on completed run failed: %v", err)
	}

	state, _ := st.GetRunState("c1", "test_flow")
	if !state.Completed || state.CurrentStep != "b" {
		t.Errorf("Completed run changed: %+v", state)
	}
	if sends := st.OutboundMessages(); len(sends) != 1 {
		t.Errorf("Completed run produced new sends: %d", len(sends))
	}
}

func TestContinueMalformedConditionLeavesStateUnchanged(t *testing.T) {
	def := twoStepFlow()
	def.Steps[0].Transitions = []models.TransitionRule{
		{Condition: models.Condition{Op: models.ConditionScript, Script: `ctx.(((`}, Next: "b"},
	}
	interp, st := newTestInterpreter(t, def)
	enroll(t, interp, st, "test_flow", "c1")
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": true})

	if err := interp.Continue(context.Background(), "c1", "m1"); err == nil {
		t.Fatal("Expected error for malformed condition")
	}

	state, _ := st.GetRunState("c1", "test_flow")
	if state.CurrentStep != "a" || state.LastMessageID != "m0" {
		t.Errorf("Malformed condition mutated state: %+v", state)
	}
}

func TestContinueMissingStepDefinition(t *testing.T) {
	interp, st := newTestInterpreter(t, twoStepFlow())

	state := models.FlowRunState{ContactID: "c1", FlowID: "test_flow", CurrentStep: "ghost"}
	if err := st.SaveRunState(state, 0); err != nil {
		t.Fatalf("SaveRunState failed: %v", err)
	}

	if err := interp.Continue(context.Background(), "c1", "m1"); err == nil {
		t.Fatal("Expected error for missing step definition")
	}
	got, _ := st.GetRunState("c1", "test_flow")
	if got.CurrentStep != "ghost" || got.LastMessageID != "" {
		t.Errorf("Missing step mutated state: %+v", got)
	}
}

func TestContinueLostVersionRaceIsNoOp(t *testing.T) {
	interp, st := newTestInterpreter(t, twoStepFlow())
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": true})

	if err := interp.Continue(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	before, _ := st.GetRunState("c1", "test_flow")

	// A stale commit with an old version must surface as ErrVersionConflict
	// from the store and be swallowed by the interpreter path; verify the
	// store-level guard directly.
	stale := *before
	stale.CurrentStep = "a"
	if err := st.CommitTransition(stale, before.Version-1, nil); err != store.ErrVersionConflict {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	after, _ := st.GetRunState("c1", "test_flow")
	if after.CurrentStep != before.CurrentStep || after.Version != before.Version {
		t.Errorf("Lost race mutated state: before=%+v after=%+v", before, after)
	}
}

func TestContinuationRunnerDeliversToInterpreter(t *testing.T) {
	interp, st := newTestInterpreter(t, twoStepFlow())
	enroll(t, interp, st, "test_flow", "c1")
	applyInbound(t, st, "test_flow", "c1", "m1", map[string]any{"flag": true})

	runner := store.NewContinuationRunner(st, interp.Handler(), 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go runner.Run(ctx)
	<-ctx.Done()

	state, _ := st.GetRunState("c1", "test_flow")
	if state.CurrentStep != "b" {
		t.Errorf("Runner did not advance flow: step=%s", state.CurrentStep)
	}
	if sends := st.OutboundMessages(); len(sends) != 1 {
		t.Errorf("Expected 1 send, got %d", len(sends))
	}
}
