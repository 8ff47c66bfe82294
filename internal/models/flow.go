// Package models defines the static flow configuration types.
//
// Flow definitions are authored as JSON and loaded at startup; they are never
// created or mutated at runtime. A definition is a set of named steps, each
// with an ordered list of transition rules and a list of entry actions.
package models

import (
	"errors"
	"fmt"
)

// ConditionOp enumerates the supported transition condition operators.
type ConditionOp string

const (
	// ConditionEquals matches when the context value at Key equals Value.
	ConditionEquals ConditionOp = "equals"
	// ConditionExists matches when the context contains a value at Key.
	ConditionExists ConditionOp = "exists"
	// ConditionTruthy matches when the context value at Key is a true
	// boolean, non-empty string or non-zero number.
	ConditionTruthy ConditionOp = "truthy"
	// ConditionAlways matches unconditionally. Used as the fallback rule.
	ConditionAlways ConditionOp = "always"
	// ConditionScript evaluates Script as a boolean expression with the
	// flow context bound to the ctx global.
	ConditionScript ConditionOp = "script"
)

// IsValidConditionOp checks if the given condition operator is supported.
func IsValidConditionOp(op ConditionOp) bool {
	switch op {
	case ConditionEquals, ConditionExists, ConditionTruthy, ConditionAlways, ConditionScript:
		return true
	default:
		return false
	}
}

// Condition is a boolean predicate over the flow context. Key is a dot path
// or JSONPath expression into the context; an absent key evaluates the
// condition as false, never as an error.
type Condition struct {
	Op     ConditionOp `json:"op"`
	Key    string      `json:"key,omitempty"`
	Value  any         `json:"value,omitempty"`
	Script string      `json:"script,omitempty"`
}

// TransitionRule pairs a condition with the step to transition to when the
// condition matches. Rules are evaluated in declaration order.
type TransitionRule struct {
	Condition Condition `json:"condition"`
	Next      string    `json:"next"`
}

// ActionType enumerates the side effects a step may execute on entry.
type ActionType string

const (
	// ActionSendMessage queues an outgoing message. Body supports {{key}}
	// placeholders resolved from the flow context.
	ActionSendMessage ActionType = "send_message"
	// ActionSetContext writes Value to the flow context at Key.
	ActionSetContext ActionType = "set_context"
	// ActionClearContext removes Keys from the flow context.
	ActionClearContext ActionType = "clear_context"
	// ActionCompleteFlow marks the run as completed.
	ActionCompleteFlow ActionType = "complete_flow"
)

// StepAction is a single side effect executed when a step is entered.
type StepAction struct {
	Type  ActionType `json:"type"`
	Body  string     `json:"body,omitempty"`
	Key   string     `json:"key,omitempty"`
	Value any        `json:"value,omitempty"`
	Keys  []string   `json:"keys,omitempty"`
}

// NoMatchPolicy defines what the interpreter does when no transition rule of
// the current step matches. The policy is explicit per step; there is no
// implicit behavior.
type NoMatchPolicy string

const (
	// NoMatchStay keeps the run on the current step awaiting further input.
	NoMatchStay NoMatchPolicy = "stay"
	// NoMatchComplete terminates the run.
	NoMatchComplete NoMatchPolicy = "complete"
)

// FlowStep is a named node in a flow definition.
type FlowStep struct {
	ID          string           `json:"id"`
	Actions     []StepAction     `json:"actions,omitempty"`
	Transitions []TransitionRule `json:"transitions,omitempty"`
	OnNoMatch   NoMatchPolicy    `json:"on_no_match,omitempty"`
}

// FlowDefinition is a complete configured flow.
type FlowDefinition struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Start string     `json:"start"`
	Steps []FlowStep `json:"steps"`
}

// Error variables for flow definition validation.
var (
	ErrEmptyFlowID        = errors.New("flow id cannot be empty")
	ErrEmptyStartStep     = errors.New("flow start step cannot be empty")
	ErrNoSteps            = errors.New("flow has no steps")
	ErrDuplicateStepID    = errors.New("duplicate step id")
	ErrUnknownStartStep   = errors.New("start step not defined")
	ErrUnknownNextStep    = errors.New("transition targets undefined step")
	ErrInvalidConditionOp = errors.New("invalid condition operator")
	ErrMisplacedAlways    = errors.New("always rule must be the last transition of a step")
	ErrInvalidActionType  = errors.New("invalid action type")
	ErrInvalidNoMatch     = errors.New("invalid no-match policy")
)

// Validate checks structural consistency of a flow definition: unique step
// ids, resolvable start and transition targets, valid operators and actions,
// and at most one always rule per step in final position.
func (f *FlowDefinition) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if f.Start == "" {
		return ErrEmptyStartStep
	}
	if len(f.Steps) == 0 {
		return ErrNoSteps
	}

	stepIDs := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if stepIDs[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, s.ID)
		}
		stepIDs[s.ID] = true
	}
	if !stepIDs[f.Start] {
		return fmt.Errorf("%w: %s", ErrUnknownStartStep, f.Start)
	}

	for _, s := range f.Steps {
		if err := s.validate(stepIDs); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	return nil
}

func (s *FlowStep) validate(stepIDs map[string]bool) error {
	switch s.OnNoMatch {
	case "", NoMatchStay, NoMatchComplete:
	default:
		return ErrInvalidNoMatch
	}
	for i, rule := range s.Transitions {
		if !IsValidConditionOp(rule.Condition.Op) {
			return fmt.Errorf("%w: %s", ErrInvalidConditionOp, rule.Condition.Op)
		}
		if rule.Condition.Op == ConditionAlways && i != len(s.Transitions)-1 {
			return ErrMisplacedAlways
		}
		if !stepIDs[rule.Next] {
			return fmt.Errorf("%w: %s", ErrUnknownNextStep, rule.Next)
		}
	}
	for _, a := range s.Actions {
		switch a.Type {
		case ActionSendMessage, ActionSetContext, ActionClearContext, ActionCompleteFlow:
		default:
			return fmt.Errorf("%w: %s", ErrInvalidActionType, a.Type)
		}
	}
	return nil
}

// OnNoMatchPolicy returns the effective no-match policy of the step,
// defaulting to stay when unset.
func (s *FlowStep) OnNoMatchPolicy() NoMatchPolicy {
	if s.OnNoMatch == "" {
		return NoMatchStay
	}
	return s.OnNoMatch
}

// Step returns the step with the given id, or nil if not defined.
func (f *FlowDefinition) Step(id string) *FlowStep {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}
