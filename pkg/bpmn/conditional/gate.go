package conditional

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

var (
	ErrEmptyCondition = errors.New("condition is empty")
	ErrNotBoolean     = errors.New("condition did not evaluate to a boolean")
)

// ExpressionGate evaluates a condition against a variable snapshot.
type ExpressionGate interface {
	Evaluate(condition string, variables map[string]any) (bool, error)
}

type EvaluationError struct {
	Condition string
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate condition %q: %s", e.Condition, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// FeelGate evaluates FEEL conditions, a leading '=' is optional.
type FeelGate struct{}

func (FeelGate) Evaluate(condition string, variables map[string]any) (result bool, err error) {
	expression := strings.TrimSpace(condition)
	expression = strings.TrimSpace(strings.TrimPrefix(expression, "="))
	if expression == "" {
		return false, &EvaluationError{Condition: condition, Err: ErrEmptyCondition}
	}
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = &EvaluationError{Condition: condition, Err: fmt.Errorf("%v", r)}
		}
	}()

	scope := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		scope[k] = v
	}
	value, evalErr := feel.EvalStringWithScope(expression, scope)
	if evalErr != nil {
		return false, &EvaluationError{Condition: condition, Err: evalErr}
	}
	b, ok := value.(bool)
	if !ok {
		return false, &EvaluationError{Condition: condition, Err: fmt.Errorf("%w: got %T", ErrNotBoolean, value)}
	}
	return b, nil
}

// isTrue folds every evaluation problem into a plain non-match.
func isTrue(gate ExpressionGate, condition string, variables map[string]any) bool {
	ok, err := gate.Evaluate(condition, variables)
	return err == nil && ok
}

var _ ExpressionGate = FeelGate{}
