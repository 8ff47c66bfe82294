package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/oliveagle/jsonpath"

	"github.com/hanna-crm/flowengine/internal/models"
)

// lookupKey resolves a dot path or JSONPath expression against the context.
// The second return is false when the key is absent.
func lookupKey(ctxData map[string]any, key string) (any, bool) {
	path := key
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	v, err := jsonpath.JsonPathLookup(ctxData, path)
	if err != nil {
		return nil, false
	}
	return v, true
}

// evalCondition evaluates a single transition condition against a context
// snapshot. An absent key evaluates as false, never as an error; a malformed
// script is an error so the continuation retries instead of silently
// mis-routing.
func evalCondition(cond models.Condition, ctxData map[string]any) (bool, error) {
	switch cond.Op {
	case models.ConditionAlways:
		return true, nil
	case models.ConditionExists:
		_, ok := lookupKey(ctxData, cond.Key)
		return ok, nil
	case models.ConditionTruthy:
		v, ok := lookupKey(ctxData, cond.Key)
		return ok && isTruthy(v), nil
	case models.ConditionEquals:
		v, ok := lookupKey(ctxData, cond.Key)
		return ok && valuesEqual(v, cond.Value), nil
	case models.ConditionScript:
		return evalScript(cond.Script, ctxData)
	default:
		return false, fmt.Errorf("%w: %s", models.ErrInvalidConditionOp, cond.Op)
	}
}

// isTruthy reports whether a context value counts as true: a true boolean, a
// non-empty string, a non-zero number, or a non-empty map or slice.
func isTruthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	case nil:
		return false
	default:
		return true
	}
}

// valuesEqual compares a context value against a configured literal. Numbers
// are compared as float64 since JSON decoding produces float64 on both sides
// only when the flow file and the context round-tripped through JSON.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}

// evalScript runs a JavaScript boolean expression with the context bound to
// the ctx global.
func evalScript(script string, ctxData map[string]any) (bool, error) {
	if script == "" {
		return false, fmt.Errorf("script condition has empty script")
	}
	data, err := json.Marshal(ctxData)
	if err != nil {
		return false, fmt.Errorf("failed to marshal context for script: %w", err)
	}

	vm := goja.New()
	if _, err := vm.RunString(fmt.Sprintf("var ctx = %s;", data)); err != nil {
		return false, fmt.Errorf("failed to bind script context: %w", err)
	}
	val, err := vm.RunString(script)
	if err != nil {
		return false, fmt.Errorf("script evaluation failed: %w", err)
	}
	return val.ToBoolean(), nil
}
