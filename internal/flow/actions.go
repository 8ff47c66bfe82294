package flow

import (
	"fmt"
	"regexp"

	"github.com/hanna-crm/flowengine/internal/models"
	"github.com/hanna-crm/flowengine/internal/store"
)

var templateVarRegex = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// renderTemplate substitutes {{key}} placeholders in body with values looked
// up in the context. Absent keys render as an empty string.
func renderTemplate(body string, ctxData map[string]any) string {
	return templateVarRegex.ReplaceAllStringFunc(body, func(match string) string {
		key := templateVarRegex.FindStringSubmatch(match)[1]
		v, ok := lookupKey(ctxData, key)
		if !ok || v == nil {
			return ""
		}
		if s, isStr := v.(string); isStr {
			return s
		}
		return fmt.Sprintf("%v", v)
	})
}

// executeActions applies a step's entry actions to the run state. Context
// mutations are applied in place; message sends are returned as outbox rows
// to be committed with the step transition.
func executeActions(step *models.FlowStep, state *models.FlowRunState) ([]store.OutboxMessage, error) {
	var sends []store.OutboxMessage
	for _, action := range step.Actions {
		switch action.Type {
		case models.ActionSendMessage:
			sends = append(sends, store.OutboxMessage{
				ContactID: state.ContactID,
				Recipient: state.ContactID,
				Kind:      store.OutboxKindText,
				Body:      renderTemplate(action.Body, state.Context),
			})
		case models.ActionSetContext:
			if state.Context == nil {
				state.Context = make(map[string]any)
			}
			state.Context[action.Key] = action.Value
		case models.ActionClearContext:
			for _, key := range action.Keys {
				delete(state.Context, key)
			}
		case models.ActionCompleteFlow:
			state.Completed = true
		default:
			return nil, fmt.Errorf("%w: %s", models.ErrInvalidActionType, action.Type)
		}
	}
	return sends, nil
}
