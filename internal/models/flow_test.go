package models

import (
	"errors"
	"testing"
)

func validFlow() FlowDefinition {
	return FlowDefinition{
		ID:    "test_flow",
		Start: "a",
		Steps: []FlowStep{
			{
				ID: "a",
				Transitions: []TransitionRule{
					{Condition: Condition{Op: ConditionEquals, Key: "flag", Value: true}, Next: "b"},
					{Condition: Condition{Op: ConditionAlways}, Next: "b"},
				},
			},
			{ID: "b", OnNoMatch: NoMatchComplete},
		},
	}
}

func TestFlowDefinitionValidate(t *testing.T) {
	def := validFlow()
	if err := def.Validate(); err != nil {
		t.Errorf("Validate failed for valid flow: %v", err)
	}
}

func TestFlowDefinitionValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*FlowDefinition)
		want   error
	}{
		{"empty id", func(f *FlowDefinition) { f.ID = "" }, ErrEmptyFlowID},
		{"empty start", func(f *FlowDefinition) { f.Start = "" }, ErrEmptyStartStep},
		{"no steps", func(f *FlowDefinition) { f.Steps = nil }, ErrNoSteps},
		{"duplicate step", func(f *FlowDefinition) { f.Steps = append(f.Steps, FlowStep{ID: "a"}) }, ErrDuplicateStepID},
		{"unknown start", func(f *FlowDefinition) { f.Start = "zzz" }, ErrUnknownStartStep},
		{"unknown next", func(f *FlowDefinition) { f.Steps[0].Transitions[0].Next = "zzz" }, ErrUnknownNextStep},
		{"invalid op", func(f *FlowDefinition) { f.Steps[0].Transitions[0].Condition.Op = "maybe" }, ErrInvalidConditionOp},
		{"misplaced always", func(f *FlowDefinition) {
			f.Steps[0].Transitions = []TransitionRule{
				{Condition: Condition{Op: ConditionAlways}, Next: "b"},
				{Condition: Condition{Op: ConditionExists, Key: "x"}, Next: "b"},
			}
		}, ErrMisplacedAlways},
		{"invalid action", func(f *FlowDefinition) {
			f.Steps[1].Actions = []StepAction{{Type: "launch_rocket"}}
		}, ErrInvalidActionType},
		{"invalid no-match policy", func(f *FlowDefinition) { f.Steps[1].OnNoMatch = "retry" }, ErrInvalidNoMatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validFlow()
			tc.mutate(&def)
			if err := def.Validate(); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOnNoMatchPolicyDefault(t *testing.T) {
	step := FlowStep{ID: "a"}
	if step.OnNoMatchPolicy() != NoMatchStay {
		t.Errorf("Expected default policy stay, got %s", step.OnNoMatchPolicy())
	}
	step.OnNoMatch = NoMatchComplete
	if step.OnNoMatchPolicy() != NoMatchComplete {
		t.Errorf("Expected complete, got %s", step.OnNoMatchPolicy())
	}
}

func TestFlowDefinitionStep(t *testing.T) {
	def := validFlow()
	if s := def.Step("b"); s == nil || s.ID != "b" {
		t.Errorf("Step lookup failed: %v", s)
	}
	if s := def.Step("missing"); s != nil {
		t.Errorf("Expected nil for missing step, got %v", s)
	}
}
