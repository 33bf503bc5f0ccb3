package bpmn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(options ...EngineOption) (*Engine, *exporter.RecordingExporter) {
	records := exporter.NewRecordingExporter(0)
	options = append([]EngineOption{EngineWithStorage(inmemory.NewStorage()), EngineWithExporter(records)}, options...)
	return NewEngine(options...), records
}

func startInstance(t *testing.T, engine *Engine, file string, variables map[string]any) runtime.ProcessInstance {
	t.Helper()
	definition, err := engine.LoadFromFile(t.Context(), "./test-cases/"+file)
	require.NoError(t, err)
	instance, err := engine.CreateInstance(t.Context(), definition.Key, variables)
	require.NoError(t, err)
	return instance
}

func activeElement(t *testing.T, engine *Engine, instance runtime.ProcessInstance, elementId string) runtime.ElementInstance {
	t.Helper()
	elements, err := engine.FindActiveElementInstances(t.Context(), instance.Key, elementId)
	require.NoError(t, err)
	require.Len(t, elements, 1, "expected exactly one active %s", elementId)
	return elements[0]
}

func requireInstanceState(t *testing.T, engine *Engine, instance runtime.ProcessInstance, state runtime.ActivityState) {
	t.Helper()
	current, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	require.Equal(t, state, current.State)
}

func completedElementIds(records *exporter.RecordingExporter) []string {
	var ids []string
	for _, record := range records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementCompleted) {
		ids = append(ids, record.Value.(exporter.ProcessInstanceValue).ElementId)
	}
	return ids
}

func Test_interrupting_boundary_terminates_the_task(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")

	// when
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 2, "y": 1}, false)

	// then
	require.NoError(t, err)
	requireInstanceState(t, engine, instance, runtime.Completed)
	terminated := records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, task.Key, terminated[0].Key)
	assert.Contains(t, completedElementIds(records), "boundary-end")
	assert.NotContains(t, completedElementIds(records), "end")

	subscriptions, err := engine.FindConditionalSubscriptions(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Empty(t, subscriptions)
	_, err = engine.Storage().FindScopeToken(t.Context(), task.Key)
	assert.Error(t, err, "token of the interrupted task is swept once the command is applied")
}

func Test_variable_filter_ignores_other_variables(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-interrupting.bpmn", map[string]any{"x": 2, "y": 5})
	activeElement(t, engine, instance, "task")

	// when
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"z": 1, "y": 5}, false)
	require.NoError(t, err)
	// y=5 is an update accepted by the filter, but x > y is still false
	activeElement(t, engine, instance, "task")
	err = engine.SetVariables(t.Context(), instance.Key, map[string]any{"z": 2}, false)
	require.NoError(t, err)

	// then
	activeElement(t, engine, instance, "task")
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Trigger))
}

func Test_racing_interrupting_boundaries_fire_exactly_once(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-two-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")

	// when
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 5}, false)

	// then
	require.NoError(t, err)
	requireInstanceState(t, engine, instance, runtime.Completed)

	commands := 0
	for _, record := range records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Trigger) {
		if record.RecordType == exporter.RecordTypeCommand {
			commands++
		}
	}
	assert.Equal(t, 2, commands)
	triggered := records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, "first-boundary", triggered[0].Value.(exporter.ConditionalSubscriptionValue).CatchEventId)

	rejections := records.Rejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, exporter.RejectionInvalidState, rejections[0].RejectionType)
	assert.Contains(t, rejections[0].RejectionReason, "is not active anymore")

	terminated := records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, task.Key, terminated[0].Key)
	assert.Contains(t, completedElementIds(records), "first-end")
	assert.NotContains(t, completedElementIds(records), "second-end")
}

func Test_non_interrupting_boundaries_all_fire_and_keep_the_task(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-non-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")

	// when
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 5}, false)

	// then
	require.NoError(t, err)
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 2)
	assert.Empty(t, records.Rejections())
	assert.Equal(t, task.Key, activeElement(t, engine, instance, "task").Key)
	assert.Contains(t, completedElementIds(records), "first-end")
	assert.Contains(t, completedElementIds(records), "second-end")
	requireInstanceState(t, engine, instance, runtime.Active)

	// and they fire again on the next update
	records.Reset()
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 6}, false))
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 2)
	subscriptions, err := engine.FindConditionalSubscriptions(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Len(t, subscriptions, 2)
}

func Test_completed_task_drops_pending_trigger_as_not_found(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")

	// when
	// the variables are written before the task completes, the trigger is applied after it
	err := engine.CompleteTask(t.Context(), task.Key, map[string]any{"x": 2, "y": 1})

	// then
	require.NoError(t, err)
	requireInstanceState(t, engine, instance, runtime.Completed)
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered))
	rejections := records.Rejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, exporter.RejectionNotFound, rejections[0].RejectionType)
	assert.Contains(t, completedElementIds(records), "end")
}

func Test_intermediate_catch_waits_for_its_condition(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-intermediate-catch.bpmn", map[string]any{"approved": false})
	catchEvent := activeElement(t, engine, instance, "wait-for-approval")

	// when
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"approved": false}, false))
	activeElement(t, engine, instance, "wait-for-approval")
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"approved": true}, false)

	// then
	require.NoError(t, err)
	requireInstanceState(t, engine, instance, runtime.Completed)
	completed := records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementCompleted)
	var catchCompleted bool
	for _, record := range completed {
		catchCompleted = catchCompleted || record.Key == catchEvent.Key
	}
	assert.True(t, catchCompleted)
}

func Test_condition_true_on_activation_triggers_immediately(t *testing.T) {
	// given
	engine, records := newTestEngine()

	// when
	instance := startInstance(t, engine, "conditional-intermediate-catch.bpmn", map[string]any{"approved": true})

	// then
	requireInstanceState(t, engine, instance, runtime.Completed)
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 1)
}

func Test_interrupting_event_sub_process_replaces_the_main_flow(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-event-subprocess.bpmn", nil)
	task := activeElement(t, engine, instance, "task")

	// when
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"priority": 10}, false))

	// then
	terminated := records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, task.Key, terminated[0].Key)
	escalationTask := activeElement(t, engine, instance, "escalation-task")
	activeElement(t, engine, instance, "escalation")

	// and a second update does not start the event sub process again
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"priority": 11}, false))
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 1)

	require.NoError(t, engine.CompleteTask(t.Context(), escalationTask.Key, nil))
	requireInstanceState(t, engine, instance, runtime.Completed)
	assert.Contains(t, completedElementIds(records), "escalation-end")
	assert.NotContains(t, completedElementIds(records), "end")
}

func Test_non_interrupting_event_sub_process_runs_beside_the_main_flow(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-event-subprocess-non-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")

	// when
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"priority": 10}, false))
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"priority": 12}, false))

	// then
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 2)
	assert.Empty(t, records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementTerminated))
	assert.Equal(t, task.Key, activeElement(t, engine, instance, "task").Key)
	escalations, err := engine.FindActiveElementInstances(t.Context(), instance.Key, "escalation-task")
	require.NoError(t, err)
	assert.Len(t, escalations, 2)

	// and the instance waits for every event sub process
	require.NoError(t, engine.CompleteTask(t.Context(), task.Key, nil))
	requireInstanceState(t, engine, instance, runtime.Active)
	for _, escalation := range escalations {
		require.NoError(t, engine.CompleteTask(t.Context(), escalation.Key, nil))
	}
	requireInstanceState(t, engine, instance, runtime.Completed)
}

func Test_local_variables_of_a_child_are_invisible_to_the_parent_boundary(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-subprocess-boundary.bpmn", nil)
	innerTask := activeElement(t, engine, instance, "inner-task")
	sub := activeElement(t, engine, instance, "sub")

	// when
	require.NoError(t, engine.SetVariables(t.Context(), innerTask.Key, map[string]any{"cancelled": true}, true))

	// then
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Trigger))
	activeElement(t, engine, instance, "inner-task")

	// and a process level update reaches it
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"cancelled": true}, false))
	requireInstanceState(t, engine, instance, runtime.Completed)
	var terminatedKeys []int64
	for _, record := range records.Filter(exporter.ValueTypeProcessInstance, exporter.ElementTerminated) {
		terminatedKeys = append(terminatedKeys, record.Key)
	}
	assert.Equal(t, []int64{innerTask.Key, sub.Key}, terminatedKeys)
	assert.Contains(t, completedElementIds(records), "cancelled-end")
}

func Test_non_local_variables_propagate_to_the_declaring_scope(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-subprocess-boundary.bpmn", map[string]any{"cancelled": false})
	innerTask := activeElement(t, engine, instance, "inner-task")

	// when
	err := engine.SetVariables(t.Context(), innerTask.Key, map[string]any{"cancelled": true, "note": "stop"}, false)

	// then
	require.NoError(t, err)
	updated := records.Filter(exporter.ValueTypeVariable, exporter.Updated)
	require.Len(t, updated, 1)
	assert.Equal(t, instance.Key, updated[0].Value.(exporter.VariableValue).ScopeKey)
	created := records.Filter(exporter.ValueTypeVariable, exporter.Created)
	assert.Equal(t, "note", created[len(created)-1].Value.(exporter.VariableValue).Name)
	assert.Equal(t, instance.Key, created[len(created)-1].Value.(exporter.VariableValue).ScopeKey)
	requireInstanceState(t, engine, instance, runtime.Completed)
}

func Test_sibling_local_variables_do_not_reach_a_boundary(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-parallel.bpmn", nil)
	taskA := activeElement(t, engine, instance, "task-a")
	taskB := activeElement(t, engine, instance, "task-b")

	// when
	require.NoError(t, engine.SetVariables(t.Context(), taskB.Key, map[string]any{"x": 20}, true))

	// then
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Trigger))
	variables, err := engine.FindVariables(t.Context(), taskA.Key)
	require.NoError(t, err)
	assert.NotContains(t, variables, "x")

	// and the boundary of task-a sees its own local variables
	require.NoError(t, engine.SetVariables(t.Context(), taskA.Key, map[string]any{"x": 20}, true))
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 1)
	activeElement(t, engine, instance, "task-b")
}

func Test_parallel_branches_join_before_the_end(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-parallel.bpmn", nil)
	taskA := activeElement(t, engine, instance, "task-a")
	taskB := activeElement(t, engine, instance, "task-b")

	// when
	require.NoError(t, engine.CompleteTask(t.Context(), taskA.Key, nil))
	requireInstanceState(t, engine, instance, runtime.Active)
	require.NoError(t, engine.CompleteTask(t.Context(), taskB.Key, nil))

	// then
	requireInstanceState(t, engine, instance, runtime.Completed)
	assert.Contains(t, completedElementIds(records), "join")
	assert.Contains(t, completedElementIds(records), "end")
}

func Test_failing_condition_never_triggers(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-interrupting.bpmn", nil)

	// when
	// y is missing so x > y can not be evaluated
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": "high"}, false)

	// then
	require.NoError(t, err)
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Trigger))
	activeElement(t, engine, instance, "task")
	requireInstanceState(t, engine, instance, runtime.Active)
}

func Test_terminating_a_scope_twice_is_a_no_op(t *testing.T) {
	// given
	engine, _ := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 2, "y": 1}, false))

	// when
	err := engine.apply(t.Context(), "terminate", func(ctx context.Context) error {
		if err := engine.terminate(ctx, task.Key); err != nil {
			return err
		}
		return engine.manager.OnScopeTerminated(ctx, task.Key)
	})

	// then
	assert.NoError(t, err)
}

func Test_stale_trigger_is_rejected(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-non-interrupting.bpmn", nil)
	task := activeElement(t, engine, instance, "task")
	subscriptions, err := engine.FindConditionalSubscriptions(t.Context(), instance.Key)
	require.NoError(t, err)
	require.NotEmpty(t, subscriptions)
	token, err := engine.Storage().FindScopeToken(t.Context(), task.Key)
	require.NoError(t, err)
	command := conditional.TriggerCommand{
		SubscriptionKey:    subscriptions[0].Key,
		ScopeKey:           task.Key,
		ElementInstanceKey: task.Key,
		ProcessInstanceKey: instance.Key,
		CatchEventId:       subscriptions[0].CatchEventId,
		Generation:         token.Generation,
	}
	require.NoError(t, engine.CompleteTask(t.Context(), task.Key, nil))
	records.Reset()

	// when
	fired, err := engine.Trigger(t.Context(), command)

	// then
	assert.False(t, fired)
	var rejection *conditional.Rejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, exporter.RejectionNotFound, rejection.Type)
	assert.Len(t, records.Rejections(), 1)
}

func Test_record_positions_increase(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-two-interrupting.bpmn", nil)

	// when
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 5}, false))

	// then
	all := records.Records()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Position, all[i-1].Position)
	}
}

func Test_evaluate_starts_an_instance_at_the_conditional_start_event(t *testing.T) {
	// given
	engine, records := newTestEngine()
	matching, err := engine.LoadFromFile(t.Context(), "./test-cases/conditional-start.bpmn")
	require.NoError(t, err)
	_, err = engine.LoadFromFile(t.Context(), "./test-cases/conditional-start-nested.bpmn")
	require.NoError(t, err)

	// when
	result, err := engine.Evaluate(t.Context(), conditional.EvaluateCommand{
		ProcessDefinitionKey: runtime.NoKey,
		Variables:            map[string]any{"x": 1000, "y": 100},
	})

	// then
	require.NoError(t, err)
	require.Len(t, result.StartedProcessInstances, 1)
	started := result.StartedProcessInstances[0]
	assert.Equal(t, matching.Key, started.ProcessDefinitionKey)
	instance, err := engine.FindProcessInstance(t.Context(), started.ProcessInstanceKey)
	require.NoError(t, err)
	task := activeElement(t, engine, instance, "task")
	variables, err := engine.FindVariables(t.Context(), task.Key)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, variables["x"])
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalEvaluation, exporter.Evaluated), 1)
}

func Test_evaluate_rejections_start_nothing(t *testing.T) {
	// given
	engine, _ := newTestEngine(EngineWithIdentity(denyAll{}, conditional.PermitAll{}))
	definition, err := engine.LoadFromFile(t.Context(), "./test-cases/conditional-start.bpmn")
	require.NoError(t, err)

	// when
	_, forbiddenErr := engine.Evaluate(t.Context(), conditional.EvaluateCommand{
		ProcessDefinitionKey: definition.Key,
		Variables:            map[string]any{"x": 2, "y": 1},
	})
	_, notFoundErr := engine.Evaluate(t.Context(), conditional.EvaluateCommand{
		ProcessDefinitionKey: definition.Key + 1000,
		Variables:            map[string]any{"x": 2, "y": 1},
	})

	// then
	var rejection *conditional.Rejection
	require.ErrorAs(t, forbiddenErr, &rejection)
	assert.Equal(t, exporter.RejectionForbidden, rejection.Type)
	require.ErrorAs(t, notFoundErr, &rejection)
	assert.Equal(t, exporter.RejectionNotFound, rejection.Type)
	instances, err := engine.FindProcessInstances(t.Context(), definition.Key)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

type denyAll struct{}

func (denyAll) IsAuthorized(runtime.Identity, string, string, string) bool { return false }

func Test_instance_creation_time_comes_from_the_clock_of_the_context(t *testing.T) {
	// given
	engine, _ := newTestEngine()
	definition, err := engine.LoadFromFile(t.Context(), "./test-cases/conditional-boundary-interrupting.bpmn")
	require.NoError(t, err)
	accepted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// when
	instance, err := engine.CreateInstance(WithClock(t.Context(), accepted), definition.Key, nil)

	// then
	require.NoError(t, err)
	assert.True(t, accepted.Equal(instance.CreatedAt))
}

// refusingStorage fails to save process instances of one process definition.
type refusingStorage struct {
	*inmemory.Storage
	refused string
}

func (s *refusingStorage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	if instance.BpmnProcessId == s.refused {
		return errors.New("disk full")
	}
	return s.Storage.SaveProcessInstance(ctx, instance)
}

func Test_failed_evaluate_leaves_no_trace(t *testing.T) {
	// given
	persistence := &refusingStorage{Storage: inmemory.NewStorage(), refused: "conditional-start-nested"}
	engine, records := newTestEngine(EngineWithStorage(persistence))
	first, err := engine.LoadFromFile(t.Context(), "./test-cases/conditional-start.bpmn")
	require.NoError(t, err)
	second, err := engine.LoadFromFile(t.Context(), "./test-cases/conditional-start-nested.bpmn")
	require.NoError(t, err)
	deployed := len(records.Records())

	// when
	_, err = engine.Evaluate(t.Context(), conditional.EvaluateCommand{
		ProcessDefinitionKey: runtime.NoKey,
		Variables:            map[string]any{"x": 2, "y": 1, "vip": true},
	})

	// then
	require.Error(t, err)
	var rejection *conditional.Rejection
	assert.False(t, errors.As(err, &rejection))
	assert.Len(t, records.Records(), deployed)
	for _, definition := range []runtime.ProcessDefinition{first, second} {
		instances, err := engine.FindProcessInstances(t.Context(), definition.Key)
		require.NoError(t, err)
		assert.Empty(t, instances)
		subscriptions, err := engine.FindStartSubscriptions(t.Context(), definition.Key)
		require.NoError(t, err)
		assert.NotEmpty(t, subscriptions)
	}

	// and the next command starts cleanly
	persistence.refused = ""
	result, err := engine.Evaluate(t.Context(), conditional.EvaluateCommand{
		ProcessDefinitionKey: runtime.NoKey,
		Variables:            map[string]any{"x": 2, "y": 1, "vip": true},
	})
	require.NoError(t, err)
	assert.Len(t, result.StartedProcessInstances, 2)
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalEvaluation, exporter.Evaluated), 1)
	all := records.Records()
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].Position+1, all[i].Position)
	}
}

func Test_writing_an_unchanged_value_is_not_a_change(t *testing.T) {
	// given
	engine, records := newTestEngine()
	instance := startInstance(t, engine, "conditional-boundary-non-interrupting.bpmn", nil)
	activeElement(t, engine, instance, "task")
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 5, "tags": []any{"a"}}, false))
	require.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 2)
	records.Reset()

	// when
	err := engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 5, "tags": []any{"a"}}, false)

	// then
	require.NoError(t, err)
	assert.Empty(t, records.Filter(exporter.ValueTypeVariable, exporter.Updated))
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Trigger))
	assert.Empty(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered))

	// and a different value is still a change
	require.NoError(t, engine.SetVariables(t.Context(), instance.Key, map[string]any{"x": 6}, false))
	assert.Len(t, records.Filter(exporter.ValueTypeVariable, exporter.Updated), 1)
	assert.Len(t, records.Filter(exporter.ValueTypeConditionalSubscription, exporter.Triggered), 2)
}
