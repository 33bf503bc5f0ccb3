package conditional

import (
	"testing"

	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_true_condition_appends_a_trigger_command(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-interrupting.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	task := f.element(instance, "task", bpmn20.ElementTypeServiceTask)
	subscription := f.activate(t, definition, task)[0]
	token, err := f.store.FindScopeToken(t.Context(), task.Key)
	require.NoError(t, err)

	// when
	f.setVariables(t, instance, map[string]any{"x": 10, "y": 1})

	// then
	require.Len(t, f.commands.commands, 1)
	command := f.commands.commands[0]
	assert.Equal(t, subscription.Key, command.SubscriptionKey)
	assert.Equal(t, task.Key, command.ScopeKey)
	assert.Equal(t, instance.Key, command.ProcessInstanceKey)
	assert.Equal(t, "conditional-boundary-event", command.CatchEventId)
	assert.Equal(t, token.Generation, command.Generation)
}

func Test_false_or_failing_condition_appends_nothing(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-interrupting.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	task := f.element(instance, "task", bpmn20.ElementTypeServiceTask)
	f.activate(t, definition, task)

	// when
	f.setVariables(t, instance, map[string]any{"x": 1, "y": 10})
	f.setVariables(t, instance, map[string]any{"y": "not a number"})

	// then
	assert.Empty(t, f.commands.commands)
}

func Test_variable_name_filter_skips_unrelated_variables(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-interrupting.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, map[string]any{"x": 10, "y": 1})
	task := f.element(instance, "task", bpmn20.ElementTypeServiceTask)
	f.activate(t, definition, task)

	// when
	f.setVariables(t, instance, map[string]any{"z": 1})

	// then
	assert.Empty(t, f.commands.commands, "z is not part of the variable name filter")

	// when
	f.setVariables(t, instance, map[string]any{"y": 2})

	// then
	assert.Len(t, f.commands.commands, 1)
}

func Test_variable_event_filter_skips_other_mutation_kinds(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-intermediate-catch.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	catchEvent := f.element(instance, "wait-for-approval", bpmn20.ElementTypeIntermediateCatchEvent)
	subscriptions := f.activate(t, definition, catchEvent)
	require.Len(t, subscriptions, 1)
	subscription := subscriptions[0]
	subscription.VariableEvents = []string{string(runtime.VariableEventUpdate)}
	require.NoError(t, f.store.SaveConditionalSubscription(t.Context(), subscription))

	// when
	f.setVariables(t, instance, map[string]any{"approved": true})

	// then
	assert.Empty(t, f.commands.commands, "approved was created, not updated")

	// when
	f.setVariables(t, instance, map[string]any{"approved": true})

	// then
	assert.Len(t, f.commands.commands, 1)
}

func Test_local_variable_does_not_reach_sibling_scope(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-parallel.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	taskA := f.element(instance, "task-a", bpmn20.ElementTypeUserTask)
	taskB := f.element(instance, "task-b", bpmn20.ElementTypeUserTask)
	require.Len(t, f.activate(t, definition, taskA), 1)
	require.Empty(t, f.activate(t, definition, taskB))

	// when
	f.setVariables(t, taskB, map[string]any{"x": 100})

	// then
	assert.Empty(t, f.commands.commands)

	// when
	f.setVariables(t, taskA, map[string]any{"x": 100})

	// then
	assert.Len(t, f.commands.commands, 1)
}

func Test_child_scope_variable_is_invisible_to_enclosing_scope(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-event-subprocess.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	task := f.element(instance, "task", bpmn20.ElementTypeUserTask)
	require.Len(t, f.activate(t, definition, instance), 1)

	// when
	f.setVariables(t, task, map[string]any{"priority": 20})

	// then
	assert.Empty(t, f.commands.commands)
}

func Test_one_mutation_fires_every_matching_subscription_in_key_order(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-non-interrupting.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	task := f.element(instance, "task", bpmn20.ElementTypeUserTask)
	subscriptions := f.activate(t, definition, task)
	require.Len(t, subscriptions, 2)

	// when
	f.setVariables(t, instance, map[string]any{"x": 5, "y": 0})

	// then
	require.Len(t, f.commands.commands, 2, "both conditions hold and each one is evaluated once")
	assert.Equal(t, subscriptions[0].Key, f.commands.commands[0].SubscriptionKey)
	assert.Equal(t, subscriptions[1].Key, f.commands.commands[1].SubscriptionKey)
}

func Test_subscriptions_are_evaluated_right_after_activation(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-intermediate-catch.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, map[string]any{"approved": true})
	catchEvent := f.element(instance, "wait-for-approval", bpmn20.ElementTypeIntermediateCatchEvent)
	subscriptions := f.activate(t, definition, catchEvent)

	// when
	err := f.evaluator.EvaluateSubscriptions(t.Context(), subscriptions)

	// then
	require.NoError(t, err)
	assert.Len(t, f.commands.commands, 1)
}

func Test_variable_document_evaluates_each_subscription_once(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-two-interrupting.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	task := f.element(instance, "task", bpmn20.ElementTypeServiceTask)
	require.Len(t, f.activate(t, definition, task), 2)
	f.scopes.variables[instance.Key]["x"] = 5
	f.scopes.variables[task.Key]["y"] = 1

	// when
	err := f.evaluator.OnVariableDocument(t.Context(), instance.Key, []Mutation{
		{ScopeKey: instance.Key, Changes: []VariableChange{{Name: "x", Event: runtime.VariableEventCreate}}},
		{ScopeKey: task.Key, Changes: []VariableChange{{Name: "y", Event: runtime.VariableEventCreate}}},
	})

	// then
	require.NoError(t, err)
	require.Len(t, f.commands.commands, 2)
	assert.NotEqual(t, f.commands.commands[0].SubscriptionKey, f.commands.commands[1].SubscriptionKey)
}

func Test_variable_document_of_a_sibling_scope_is_ignored(t *testing.T) {
	// given
	f := newFixture()
	definition := loadDefinition(t, f.store, "conditional-boundary-parallel.bpmn", runtime.DefaultTenantId)
	instance := f.processInstance(definition, nil)
	taskA := f.element(instance, "task-a", bpmn20.ElementTypeUserTask)
	taskB := f.element(instance, "task-b", bpmn20.ElementTypeUserTask)
	require.Len(t, f.activate(t, definition, taskA), 1)
	f.scopes.variables[taskB.Key]["x"] = 20

	// when
	err := f.evaluator.OnVariableDocument(t.Context(), instance.Key, []Mutation{
		{ScopeKey: taskB.Key, Changes: []VariableChange{{Name: "x", Event: runtime.VariableEventCreate}}},
		{ScopeKey: instance.Key},
	})

	// then
	require.NoError(t, err)
	assert.Empty(t, f.commands.commands)
}
