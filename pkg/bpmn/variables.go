package bpmn

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

func sortedNames(variables map[string]any) []string {
	return slices.Sorted(maps.Keys(variables))
}

// setVariables writes the variable document into the scope. Local variables
// are written into the scope itself, otherwise every variable is written into
// the nearest scope declaring it or into the process instance. Subscriptions
// which can see a written scope are evaluated once afterwards. Writing the
// value a variable already holds changes nothing.
func (engine *Engine) setVariables(ctx context.Context, scopeKey int64, variables map[string]any, local bool) error {
	chain, err := engine.scopeElements(ctx, scopeKey)
	if err != nil {
		return err
	}
	if !chain[0].IsActive() {
		return newEngineErrorf("element instance %d is not active", scopeKey)
	}
	elements := make(map[int64]*runtime.ElementInstance, len(chain))
	for i := range chain {
		if chain[i].Variables == nil {
			chain[i].Variables = map[string]any{}
		}
		elements[chain[i].Key] = &chain[i]
	}
	holder := engine.variableHolder(chain)

	changes := map[int64][]conditional.VariableChange{}
	for _, name := range sortedNames(variables) {
		target := holder
		if !local {
			if owner := holder.Owner(name); owner != nil {
				target = owner
			} else {
				target = holder.Root()
			}
		}
		element := elements[target.ScopeKey()]
		intent, event := exporter.Created, runtime.VariableEventCreate
		if current, ok := element.Variables[name]; ok {
			if reflect.DeepEqual(current, variables[name]) {
				continue
			}
			intent, event = exporter.Updated, runtime.VariableEventUpdate
		}
		element.Variables[name] = variables[name]
		engine.exportVariableEvent(*element, name, variables[name], intent)
		changes[element.Key] = append(changes[element.Key], conditional.VariableChange{Name: name, Event: event})
	}

	mutations := make([]conditional.Mutation, 0, len(changes))
	for _, key := range slices.Sorted(maps.Keys(changes)) {
		if err := engine.persistence.SaveElementInstance(ctx, *elements[key]); err != nil {
			return fmt.Errorf("failed to save variables of %d: %w", key, err)
		}
		mutations = append(mutations, conditional.Mutation{ScopeKey: key, Changes: changes[key]})
	}
	return engine.evaluator.OnVariableDocument(ctx, chain[0].ProcessInstanceKey, mutations)
}
