package conditional

import (
	"context"
	"encoding/xml"
	"os"
	"strconv"
	"testing"

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage/inmemory"
	"github.com/stretchr/testify/require"
)

func loadDefinition(t *testing.T, store *inmemory.Storage, filename string, tenantId string) runtime.ProcessDefinition {
	t.Helper()
	data, err := os.ReadFile("../test-cases/" + filename)
	require.NoError(t, err)
	var definitions bpmn20.TDefinitions
	require.NoError(t, xml.Unmarshal(data, &definitions))

	latest, err := store.FindLatestProcessDefinitionById(t.Context(), definitions.Process.Id, tenantId)
	version := int32(1)
	if err == nil {
		version = latest.Version + 1
	}
	definition := runtime.ProcessDefinition{
		BpmnProcessId:    definitions.Process.Id,
		Version:          version,
		Key:              store.GenerateId(),
		Definitions:      definitions,
		BpmnData:         string(data),
		BpmnResourceName: filename,
		TenantId:         tenantId,
	}
	require.NoError(t, store.SaveProcessDefinition(t.Context(), definition))
	return definition
}

type recordSink struct {
	records []exporter.Record
}

func (r *recordSink) WriteRecord(record exporter.Record) {
	r.records = append(r.records, record)
}

func (r *recordSink) filter(valueType exporter.ValueType, recordType exporter.RecordType, intent exporter.Intent) []exporter.Record {
	var result []exporter.Record
	for _, record := range r.records {
		if record.ValueType == valueType && record.RecordType == recordType && record.Intent == intent {
			result = append(result, record)
		}
	}
	return result
}

func (r *recordSink) subscriptionEvents(intent exporter.Intent) []exporter.ConditionalSubscriptionValue {
	var result []exporter.ConditionalSubscriptionValue
	for _, record := range r.filter(exporter.ValueTypeConditionalSubscription, exporter.RecordTypeEvent, intent) {
		result = append(result, record.Value.(exporter.ConditionalSubscriptionValue))
	}
	return result
}

type commandQueue struct {
	commands []TriggerCommand
}

func (q *commandQueue) AppendTrigger(command TriggerCommand) {
	q.commands = append(q.commands, command)
}

func (q *commandQueue) drain() []TriggerCommand {
	commands := q.commands
	q.commands = nil
	return commands
}

// fakeScopes is a scope tree kept in memory. Triggered catch points only get
// recorded, an optional hook emulates the control flow.
type fakeScopes struct {
	parents     map[int64]int64
	variables   map[int64]map[string]any
	triggered   []runtime.ConditionalSubscription
	onTriggered func(subscription runtime.ConditionalSubscription) error
}

func newFakeScopes() *fakeScopes {
	return &fakeScopes{
		parents:   map[int64]int64{},
		variables: map[int64]map[string]any{},
	}
}

func (f *fakeScopes) add(scopeKey int64, parentKey int64, variables map[string]any) {
	f.parents[scopeKey] = parentKey
	if variables == nil {
		variables = map[string]any{}
	}
	f.variables[scopeKey] = variables
}

func (f *fakeScopes) ScopeChain(_ context.Context, scopeKey int64) ([]int64, error) {
	var chain []int64
	for key := scopeKey; key != runtime.NoKey; key = f.parents[key] {
		chain = append(chain, key)
	}
	return chain, nil
}

func (f *fakeScopes) VisibleVariables(ctx context.Context, scopeKey int64) (map[string]any, error) {
	chain, _ := f.ScopeChain(ctx, scopeKey)
	var holder *runtime.VariableHolder
	for i := len(chain) - 1; i >= 0; i-- {
		h := runtime.NewVariableHolder(holder, chain[i], f.variables[chain[i]])
		holder = &h
	}
	if holder == nil {
		return map[string]any{}, nil
	}
	return holder.Variables(), nil
}

func (f *fakeScopes) OnConditionTriggered(_ context.Context, subscription runtime.ConditionalSubscription) error {
	f.triggered = append(f.triggered, subscription)
	if f.onTriggered != nil {
		return f.onTriggered(subscription)
	}
	return nil
}

type fakeStarter struct {
	store   *inmemory.Storage
	started []startedInstance
}

type startedInstance struct {
	definition   runtime.ProcessDefinition
	startEventId string
	variables    map[string]any
	tenantId     string
	key          int64
}

func (f *fakeStarter) StartInstanceAt(_ context.Context, definition runtime.ProcessDefinition, startEventId string, variables map[string]any, tenantId string) (int64, error) {
	key := f.store.GenerateId()
	f.started = append(f.started, startedInstance{
		definition:   definition,
		startEventId: startEventId,
		variables:    variables,
		tenantId:     tenantId,
		key:          key,
	})
	return key, nil
}

// fixture wires all processors of the package against an in memory store.
type fixture struct {
	store     *inmemory.Storage
	records   *recordSink
	commands  *commandQueue
	scopes    *fakeScopes
	starter   *fakeStarter
	manager   *Manager
	evaluator *Evaluator
	trigger   *TriggerProcessor
}

func newFixture() *fixture {
	store := inmemory.NewStorage()
	f := &fixture{
		store:    store,
		records:  &recordSink{},
		commands: &commandQueue{},
		scopes:   newFakeScopes(),
		starter:  &fakeStarter{store: store},
	}
	f.manager = NewManager(store, f.records)
	f.evaluator = NewEvaluator(store, FeelGate{}, f.scopes, f.commands)
	f.trigger = NewTriggerProcessor(store, FeelGate{}, f.scopes, f.manager, f.records)
	return f
}

func (f *fixture) evaluationProcessor(authorizer Authorizer, tenants TenantMembership) *EvaluationProcessor {
	return NewEvaluationProcessor(f.store, FeelGate{}, f.starter, authorizer, tenants, f.records)
}

// processInstance registers the root scope of a new instance of the definition.
func (f *fixture) processInstance(definition runtime.ProcessDefinition, variables map[string]any) runtime.ElementInstance {
	key := f.store.GenerateId()
	f.scopes.add(key, runtime.NoKey, variables)
	return runtime.ElementInstance{
		Key:                  key,
		ElementId:            definition.BpmnProcessId,
		ElementType:          bpmn20.ElementTypeProcess,
		ParentKey:            runtime.NoKey,
		ProcessInstanceKey:   key,
		ProcessDefinitionKey: definition.Key,
		BpmnProcessId:        definition.BpmnProcessId,
		TenantId:             definition.TenantId,
		State:                runtime.Active,
	}
}

// element registers a child scope of parent.
func (f *fixture) element(parent runtime.ElementInstance, elementId string, elementType bpmn20.ElementType) runtime.ElementInstance {
	key := f.store.GenerateId()
	f.scopes.add(key, parent.Key, nil)
	return runtime.ElementInstance{
		Key:                  key,
		ElementId:            elementId,
		ElementType:          elementType,
		ParentKey:            parent.Key,
		ProcessInstanceKey:   parent.ProcessInstanceKey,
		ProcessDefinitionKey: parent.ProcessDefinitionKey,
		BpmnProcessId:        parent.BpmnProcessId,
		TenantId:             parent.TenantId,
		State:                runtime.Active,
	}
}

func (f *fixture) activate(t *testing.T, definition runtime.ProcessDefinition, scope runtime.ElementInstance) []runtime.ConditionalSubscription {
	t.Helper()
	subscriptions, err := f.manager.OnScopeActivated(t.Context(), scope, CatchPointsOf(&definition.Definitions.Process, scope))
	require.NoError(t, err)
	return subscriptions
}

func (f *fixture) setVariables(t *testing.T, scope runtime.ElementInstance, variables map[string]any) {
	t.Helper()
	var changes []VariableChange
	for name, value := range variables {
		event := runtime.VariableEventCreate
		if _, ok := f.scopes.variables[scope.Key][name]; ok {
			event = runtime.VariableEventUpdate
		}
		f.scopes.variables[scope.Key][name] = value
		changes = append(changes, VariableChange{Name: name, Event: event})
	}
	require.NoError(t, f.evaluator.OnVariablesMutated(t.Context(), scope.Key, scope.ProcessInstanceKey, changes))
}

// processTriggers applies the queued trigger commands and returns the
// rejections in application order.
func (f *fixture) processTriggers(t *testing.T) []*Rejection {
	t.Helper()
	var rejections []*Rejection
	for len(f.commands.commands) > 0 {
		for _, command := range f.commands.drain() {
			_, err := f.trigger.Process(t.Context(), command)
			if rejection, ok := err.(*Rejection); ok {
				rejections = append(rejections, rejection)
				continue
			}
			require.NoError(t, err)
		}
	}
	return rejections
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}
