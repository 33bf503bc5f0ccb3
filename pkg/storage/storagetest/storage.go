package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	bpmnruntime "github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	processDefinition bpmnruntime.ProcessDefinition
	processInstance   bpmnruntime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestProcessInstanceStorageReader,
		st.TestElementInstanceStorageReader,
		st.TestConditionalSubscriptionStorageWriter,
		st.TestConditionalSubscriptionStorageReader,
		st.TestDeploymentConditionalSubscriptions,
		st.TestScopeTokenStorage,
		st.TestBatchFlush,
		st.TestBatchDiscard,
		st.TestElementVariablesAreCopied,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getProcessDefinition(r int64) bpmnruntime.ProcessDefinition {
	data := `<?xml version="1.0" encoding="UTF-8"?><bpmn:process id="Simple_Task_Process%d" name="aName" isExecutable="true"></bpmn:process></xml>`
	return bpmnruntime.ProcessDefinition{
		BpmnProcessId:    fmt.Sprintf("id-%d", r),
		Version:          1,
		Key:              r,
		BpmnData:         fmt.Sprintf(data, r),
		BpmnChecksum:     [16]byte{1},
		BpmnResourceName: fmt.Sprintf("resource-%d", r),
		TenantId:         bpmnruntime.DefaultTenantId,
	}
}

func getProcessInstance(r int64, d bpmnruntime.ProcessDefinition) bpmnruntime.ProcessInstance {
	return bpmnruntime.ProcessInstance{
		Key:                  r,
		ProcessDefinitionKey: d.Key,
		BpmnProcessId:        d.BpmnProcessId,
		Version:              d.Version,
		TenantId:             d.TenantId,
		CreatedAt:            time.Now().Truncate(time.Millisecond),
		State:                bpmnruntime.Active,
	}
}

func getSubscription(key, scopeKey int64, d bpmnruntime.ProcessDefinition, catchEventId string) bpmnruntime.ConditionalSubscription {
	catchPoint := bpmnruntime.CatchPointBoundary
	if scopeKey == bpmnruntime.NoKey {
		catchPoint = bpmnruntime.CatchPointStart
	}
	return bpmnruntime.ConditionalSubscription{
		Key:                  key,
		ScopeKey:             scopeKey,
		ElementInstanceKey:   scopeKey,
		ProcessInstanceKey:   scopeKey,
		ProcessDefinitionKey: d.Key,
		BpmnProcessId:        d.BpmnProcessId,
		TenantId:             d.TenantId,
		CatchEventId:         catchEventId,
		CatchPoint:           catchPoint,
		Condition:            "=x > y",
		VariableNames:        []string{"x", "y"},
		VariableEvents:       []string{},
		Interrupting:         true,
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := s.GenerateId()

	st.processDefinition = getProcessDefinition(r)
	err := s.SaveProcessDefinition(t.Context(), st.processDefinition)
	assert.NoError(t, err)

	st.processInstance = getProcessInstance(s.GenerateId(), st.processDefinition)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	assert.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := getProcessDefinition(r)

		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindProcessDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := getProcessDefinition(r)
		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		second := def
		second.Key = s.GenerateId()
		second.Version = 2
		err = s.SaveProcessDefinition(t.Context(), second)
		assert.NoError(t, err)

		definition, err := s.FindLatestProcessDefinitionById(t.Context(), def.BpmnProcessId, def.TenantId)
		assert.NoError(t, err)
		assert.Equal(t, second.Key, definition.Key)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), def.BpmnProcessId, def.TenantId)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)

		definitions, err = s.FindProcessDefinitionsById(t.Context(), def.BpmnProcessId, "other-tenant")
		assert.NoError(t, err)
		assert.Empty(t, definitions)

		_, err = s.FindLatestProcessDefinitionById(t.Context(), "missing", def.TenantId)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindProcessDefinitionByKey(t.Context(), -5)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		all, err := s.FindProcessDefinitions(t.Context(), "")
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 2)
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		inst := getProcessInstance(s.GenerateId(), st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		instance, err := s.FindProcessInstanceByKey(t.Context(), inst.Key)
		assert.NoError(t, err)
		assert.Equal(t, inst.Key, instance.Key)
		assert.Equal(t, inst.CreatedAt, instance.CreatedAt)

		instances, err := s.FindProcessInstances(t.Context(), st.processDefinition.Key)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, len(instances), 2)

		_, err = s.FindProcessInstanceByKey(t.Context(), -5)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestElementInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		root := bpmnruntime.ElementInstance{
			Key:                st.processInstance.Key,
			ElementId:          st.processDefinition.BpmnProcessId,
			ParentKey:          bpmnruntime.NoKey,
			ProcessInstanceKey: st.processInstance.Key,
			State:              bpmnruntime.Active,
			Variables:          map[string]any{"x": float64(1)},
		}
		child := bpmnruntime.ElementInstance{
			Key:                s.GenerateId(),
			ElementId:          "task",
			ParentKey:          root.Key,
			ProcessInstanceKey: st.processInstance.Key,
			State:              bpmnruntime.Active,
		}
		require.NoError(t, s.SaveElementInstance(t.Context(), root))
		require.NoError(t, s.SaveElementInstance(t.Context(), child))

		found, err := s.FindElementInstanceByKey(t.Context(), root.Key)
		assert.NoError(t, err)
		assert.Equal(t, root.Variables, found.Variables)
		assert.True(t, found.IsProcessInstance())

		children, err := s.FindElementInstancesByParentKey(t.Context(), root.Key)
		assert.NoError(t, err)
		assert.Len(t, children, 1)
		assert.Equal(t, child.Key, children[0].Key)

		all, err := s.FindElementInstancesByProcessInstanceKey(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Less(t, all[0].Key, all[1].Key)

		_, err = s.FindElementInstanceByKey(t.Context(), -5)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestConditionalSubscriptionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		scopeKey := s.GenerateId()
		sub := getSubscription(s.GenerateId(), scopeKey, st.processDefinition, "boundary")

		err := s.SaveConditionalSubscription(t.Context(), sub)
		assert.NoError(t, err)

		found, err := s.FindConditionalSubscriptionByKey(t.Context(), sub.Key)
		assert.NoError(t, err)
		assert.Equal(t, sub, found)

		err = s.DeleteConditionalSubscription(t.Context(), sub.Key)
		assert.NoError(t, err)
		_, err = s.FindConditionalSubscriptionByKey(t.Context(), sub.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		byScope, err := s.FindConditionalSubscriptionsByScopeKey(t.Context(), scopeKey)
		assert.NoError(t, err)
		assert.Empty(t, byScope)

		// deleting twice is not an error
		err = s.DeleteConditionalSubscription(t.Context(), sub.Key)
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestConditionalSubscriptionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		scopeKey := s.GenerateId()
		first := getSubscription(s.GenerateId(), scopeKey, st.processDefinition, "first")
		second := getSubscription(s.GenerateId(), scopeKey, st.processDefinition, "second")
		first.ProcessInstanceKey = st.processInstance.Key
		second.ProcessInstanceKey = st.processInstance.Key
		other := getSubscription(s.GenerateId(), s.GenerateId(), st.processDefinition, "first")

		// saved out of order on purpose, results are ordered by key
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), second))
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), first))
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), other))

		byScope, err := s.FindConditionalSubscriptionsByScopeKey(t.Context(), scopeKey)
		assert.NoError(t, err)
		require.Len(t, byScope, 2)
		assert.Equal(t, first.Key, byScope[0].Key)
		assert.Equal(t, second.Key, byScope[1].Key)

		byInstance, err := s.FindConditionalSubscriptionsByProcessInstanceKey(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Len(t, byInstance, 2)

		byCatchEvent, err := s.FindConditionalSubscriptionsByCatchEvent(t.Context(), st.processDefinition.Key, "first")
		assert.NoError(t, err)
		require.Len(t, byCatchEvent, 2)
		assert.Equal(t, first.Key, byCatchEvent[0].Key)
		assert.Equal(t, other.Key, byCatchEvent[1].Key)

		// an update keeps the indices consistent
		first.Condition = "=x < y"
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), first))
		byScope, err = s.FindConditionalSubscriptionsByScopeKey(t.Context(), scopeKey)
		assert.NoError(t, err)
		assert.Len(t, byScope, 2)
		assert.Equal(t, "=x < y", byScope[0].Condition)

		byScope, err = s.FindConditionalSubscriptionsByScopeKey(t.Context(), -5)
		assert.NoError(t, err)
		assert.NotNil(t, byScope)
		assert.Empty(t, byScope)
	}
}

func (st *StorageTester) TestDeploymentConditionalSubscriptions(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		def := getProcessDefinition(s.GenerateId())
		def.TenantId = fmt.Sprintf("tenant-%d", def.Key)
		require.NoError(t, s.SaveProcessDefinition(t.Context(), def))

		start := getSubscription(s.GenerateId(), bpmnruntime.NoKey, def, "start")
		otherStart := getSubscription(s.GenerateId(), bpmnruntime.NoKey, st.processDefinition, "start")
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), start))
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), otherStart))

		byDefinition, err := s.FindDeploymentConditionalSubscriptions(t.Context(), def.Key)
		assert.NoError(t, err)
		require.Len(t, byDefinition, 1)
		assert.Equal(t, start.Key, byDefinition[0].Key)
		assert.True(t, byDefinition[0].IsDeploymentLevel())

		byTenant, err := s.FindTenantDeploymentConditionalSubscriptions(t.Context(), def.TenantId)
		assert.NoError(t, err)
		require.Len(t, byTenant, 1)
		assert.Equal(t, start.Key, byTenant[0].Key)

		byInstance, err := s.FindConditionalSubscriptionsByProcessInstanceKey(t.Context(), bpmnruntime.NoKey)
		assert.NoError(t, err)
		assert.Empty(t, byInstance)
	}
}

func (st *StorageTester) TestScopeTokenStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		token := bpmnruntime.ScopeToken{
			ScopeKey:           s.GenerateId(),
			ProcessInstanceKey: st.processInstance.Key,
			Generation:         s.GenerateId(),
			Live:               true,
		}
		require.NoError(t, s.SaveScopeToken(t.Context(), token))

		found, err := s.FindScopeToken(t.Context(), token.ScopeKey)
		assert.NoError(t, err)
		assert.Equal(t, token, found)

		require.NoError(t, s.DeleteScopeToken(t.Context(), token.ScopeKey))
		_, err = s.FindScopeToken(t.Context(), token.ScopeKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, s.DeleteScopeToken(t.Context(), token.ScopeKey))
	}
}

func (st *StorageTester) TestBatchFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batch := s.NewBatch()
		def := getProcessDefinition(s.GenerateId())
		sub := getSubscription(s.GenerateId(), bpmnruntime.NoKey, def, "start")

		require.NoError(t, batch.SaveProcessDefinition(t.Context(), def))
		require.NoError(t, batch.SaveConditionalSubscription(t.Context(), sub))

		// the writes of the open batch are readable
		_, err := s.FindProcessDefinitionByKey(t.Context(), def.Key)
		assert.NoError(t, err)

		require.NoError(t, batch.Flush(t.Context()))

		_, err = s.FindProcessDefinitionByKey(t.Context(), def.Key)
		assert.NoError(t, err)
		found, err := s.FindDeploymentConditionalSubscriptions(t.Context(), def.Key)
		assert.NoError(t, err)
		assert.Len(t, found, 1)
		assert.ErrorIs(t, batch.Discard(t.Context()), storage.ErrBatchClosed)
	}
}

func (st *StorageTester) TestBatchDiscard(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		def := getProcessDefinition(s.GenerateId())
		require.NoError(t, s.SaveProcessDefinition(t.Context(), def))
		kept := getSubscription(s.GenerateId(), bpmnruntime.NoKey, def, "kept")
		require.NoError(t, s.SaveConditionalSubscription(t.Context(), kept))
		scopeKey := s.GenerateId()
		token := bpmnruntime.ScopeToken{ScopeKey: scopeKey, ProcessInstanceKey: scopeKey, Generation: 1, Live: true}
		require.NoError(t, s.SaveScopeToken(t.Context(), token))

		// when
		batch := s.NewBatch()
		firstId := s.GenerateId()
		instance := getProcessInstance(firstId, def)
		require.NoError(t, batch.SaveProcessInstance(t.Context(), instance))
		require.NoError(t, s.DeleteConditionalSubscription(t.Context(), kept.Key))
		added := getSubscription(s.GenerateId(), bpmnruntime.NoKey, def, "added")
		require.NoError(t, batch.SaveConditionalSubscription(t.Context(), added))
		require.NoError(t, s.SaveScopeToken(t.Context(), bpmnruntime.ScopeToken{ScopeKey: scopeKey, ProcessInstanceKey: scopeKey, Generation: 2, Live: true}))
		require.NoError(t, batch.DeleteScopeToken(t.Context(), scopeKey))
		require.NoError(t, batch.Discard(t.Context()))

		// then
		_, err := s.FindProcessInstanceByKey(t.Context(), instance.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		found, err := s.FindDeploymentConditionalSubscriptions(t.Context(), def.Key)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, kept.Key, found[0].Key)
		byCatchEvent, err := s.FindConditionalSubscriptionsByCatchEvent(t.Context(), def.Key, "added")
		require.NoError(t, err)
		assert.Empty(t, byCatchEvent)
		restored, err := s.FindScopeToken(t.Context(), scopeKey)
		require.NoError(t, err)
		assert.Equal(t, token, restored)
		assert.Equal(t, firstId, s.GenerateId(), "ids generated inside the batch are handed out again")
		assert.ErrorIs(t, batch.Flush(t.Context()), storage.ErrBatchClosed)
	}
}

func (st *StorageTester) TestElementVariablesAreCopied(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		key := s.GenerateId()
		element := bpmnruntime.ElementInstance{
			Key:                key,
			ElementId:          "copied",
			ParentKey:          bpmnruntime.NoKey,
			ProcessInstanceKey: key,
			State:              bpmnruntime.Active,
			Variables:          map[string]any{"x": 1},
		}
		require.NoError(t, s.SaveElementInstance(t.Context(), element))

		// when
		read, err := s.FindElementInstanceByKey(t.Context(), element.Key)
		require.NoError(t, err)
		read.Variables["x"] = 2
		element.Variables["x"] = 3

		// then
		stored, err := s.FindElementInstanceByKey(t.Context(), element.Key)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Variables["x"])
	}
}
