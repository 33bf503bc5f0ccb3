package inmemory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
	"github.com/pbinitiative/zencond/pkg/zenflake"
)

const DefaultPartitionId uint32 = 1

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
// The exported fields are the serialized form used for snapshots.
type Storage struct {
	PartitionId              uint32                                    `json:"partitionId"`
	Sequence                 int64                                     `json:"sequence"`
	ProcessDefinitions       map[int64]runtime.ProcessDefinition       `json:"processDefinitions"`
	ProcessInstances         map[int64]runtime.ProcessInstance         `json:"processInstances"`
	ElementInstances         map[int64]runtime.ElementInstance         `json:"elementInstances"`
	ConditionalSubscriptions map[int64]runtime.ConditionalSubscription `json:"conditionalSubscriptions"`
	ScopeTokens              map[int64]runtime.ScopeToken              `json:"scopeTokens"`

	// derived indices, rebuilt by Reindex
	subscriptionsByScope      map[int64][]int64
	subscriptionsByCatchEvent map[catchEventRef][]int64

	// journal of the open batch, nil when no batch is open
	journal *journal
}

type catchEventRef struct {
	processDefinitionKey int64
	catchEventId         string
}

func NewStorage() *Storage {
	return NewPartitionStorage(DefaultPartitionId)
}

// NewPartitionStorage creates an empty storage generating keys tagged with the partition.
func NewPartitionStorage(partitionId uint32) *Storage {
	mem := &Storage{
		PartitionId:              partitionId,
		ProcessDefinitions:       make(map[int64]runtime.ProcessDefinition),
		ProcessInstances:         make(map[int64]runtime.ProcessInstance),
		ElementInstances:         make(map[int64]runtime.ElementInstance),
		ConditionalSubscriptions: make(map[int64]runtime.ConditionalSubscription),
		ScopeTokens:              make(map[int64]runtime.ScopeToken),
	}
	mem.Reindex()
	return mem
}

// Reindex rebuilds the derived subscription indices from the primary map,
// it has to be called after the exported maps were replaced, e.g. on snapshot restore.
func (mem *Storage) Reindex() {
	if mem.ProcessDefinitions == nil {
		mem.ProcessDefinitions = make(map[int64]runtime.ProcessDefinition)
	}
	if mem.ProcessInstances == nil {
		mem.ProcessInstances = make(map[int64]runtime.ProcessInstance)
	}
	if mem.ElementInstances == nil {
		mem.ElementInstances = make(map[int64]runtime.ElementInstance)
	}
	if mem.ConditionalSubscriptions == nil {
		mem.ConditionalSubscriptions = make(map[int64]runtime.ConditionalSubscription)
	}
	if mem.ScopeTokens == nil {
		mem.ScopeTokens = make(map[int64]runtime.ScopeToken)
	}
	mem.subscriptionsByScope = make(map[int64][]int64)
	mem.subscriptionsByCatchEvent = make(map[catchEventRef][]int64)
	for _, key := range slices.Sorted(maps.Keys(mem.ConditionalSubscriptions)) {
		mem.index(mem.ConditionalSubscriptions[key])
	}
}

// WriteSnapshot serializes the whole state, derived indices excluded.
func (mem *Storage) WriteSnapshot(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(mem); err != nil {
		return fmt.Errorf("failed to write storage snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot replaces the state with a snapshot written by WriteSnapshot.
// Variable numbers come back as float64.
func (mem *Storage) ReadSnapshot(r io.Reader) error {
	restored := Storage{}
	if err := json.NewDecoder(r).Decode(&restored); err != nil {
		return fmt.Errorf("failed to read storage snapshot: %w", err)
	}
	*mem = restored
	mem.Reindex()
	return nil
}

var _ storage.Snapshotter = &Storage{}

func (mem *Storage) GenerateId() int64 {
	mem.Sequence++
	return zenflake.Compose(mem.PartitionId, mem.Sequence)
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	if mem.journal != nil {
		panic("[invariant check] a batch is already open")
	}
	mem.journal = &journal{
		sequence: mem.Sequence,
		touched:  make(map[journalRef]struct{}),
	}
	return &StorageBatch{db: mem, journal: mem.journal}
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string, tenantId string) (runtime.ProcessDefinition, error) {
	definitions, _ := mem.FindProcessDefinitionsById(ctx, processDefinitionId, tenantId)
	if len(definitions) == 0 {
		return runtime.ProcessDefinition{}, storage.ErrNotFound
	}
	return definitions[len(definitions)-1], nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processId string, tenantId string) ([]runtime.ProcessDefinition, error) {
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId == processId && def.TenantId == tenantId {
			res = append(res, def)
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return res, nil
}

func (mem *Storage) FindProcessDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error) {
	res := make([]runtime.ProcessDefinition, 0)
	for _, key := range slices.Sorted(maps.Keys(mem.ProcessDefinitions)) {
		def := mem.ProcessDefinitions[key]
		if tenantId != "" && def.TenantId != tenantId {
			continue
		}
		res = append(res, def)
	}
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	rememberEntry(mem, "processDefinition", mem.ProcessDefinitions, definition.Key)
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstances(ctx context.Context, processDefinitionKey int64) ([]runtime.ProcessInstance, error) {
	res := make([]runtime.ProcessInstance, 0)
	for _, key := range slices.Sorted(maps.Keys(mem.ProcessInstances)) {
		instance := mem.ProcessInstances[key]
		if instance.ProcessDefinitionKey == processDefinitionKey {
			res = append(res, instance)
		}
	}
	return res, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	rememberEntry(mem, "processInstance", mem.ProcessInstances, processInstance.Key)
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

var _ storage.ElementInstanceStorageReader = &Storage{}

func (mem *Storage) FindElementInstanceByKey(ctx context.Context, elementInstanceKey int64) (runtime.ElementInstance, error) {
	res, ok := mem.ElementInstances[elementInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return cloneElementInstance(res), nil
}

func (mem *Storage) FindElementInstancesByParentKey(ctx context.Context, parentKey int64) ([]runtime.ElementInstance, error) {
	return mem.filterElementInstances(func(ei runtime.ElementInstance) bool {
		return ei.ParentKey == parentKey
	}), nil
}

func (mem *Storage) FindElementInstancesByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.ElementInstance, error) {
	return mem.filterElementInstances(func(ei runtime.ElementInstance) bool {
		return ei.ProcessInstanceKey == processInstanceKey
	}), nil
}

func (mem *Storage) filterElementInstances(match func(runtime.ElementInstance) bool) []runtime.ElementInstance {
	res := make([]runtime.ElementInstance, 0)
	for _, key := range slices.Sorted(maps.Keys(mem.ElementInstances)) {
		if ei := mem.ElementInstances[key]; match(ei) {
			res = append(res, cloneElementInstance(ei))
		}
	}
	return res
}

var _ storage.ElementInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveElementInstance(ctx context.Context, elementInstance runtime.ElementInstance) error {
	rememberEntry(mem, "elementInstance", mem.ElementInstances, elementInstance.Key)
	mem.ElementInstances[elementInstance.Key] = cloneElementInstance(elementInstance)
	return nil
}

// cloneElementInstance copies the maps of the element, callers change those of
// an element they read and the stored one must only change on save.
func cloneElementInstance(ei runtime.ElementInstance) runtime.ElementInstance {
	ei.Variables = maps.Clone(ei.Variables)
	ei.GatewayTokens = maps.Clone(ei.GatewayTokens)
	return ei
}

var _ storage.ConditionalSubscriptionStorageReader = &Storage{}

func (mem *Storage) FindConditionalSubscriptionByKey(ctx context.Context, key int64) (runtime.ConditionalSubscription, error) {
	res, ok := mem.ConditionalSubscriptions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindConditionalSubscriptionsByScopeKey(ctx context.Context, scopeKey int64) ([]runtime.ConditionalSubscription, error) {
	return mem.resolve(mem.subscriptionsByScope[scopeKey]), nil
}

func (mem *Storage) FindConditionalSubscriptionsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.ConditionalSubscription, error) {
	return mem.filterSubscriptions(func(s runtime.ConditionalSubscription) bool {
		return !s.IsDeploymentLevel() && s.ProcessInstanceKey == processInstanceKey
	}), nil
}

func (mem *Storage) FindConditionalSubscriptionsByCatchEvent(ctx context.Context, processDefinitionKey int64, catchEventId string) ([]runtime.ConditionalSubscription, error) {
	return mem.resolve(mem.subscriptionsByCatchEvent[catchEventRef{processDefinitionKey, catchEventId}]), nil
}

func (mem *Storage) FindDeploymentConditionalSubscriptions(ctx context.Context, processDefinitionKey int64) ([]runtime.ConditionalSubscription, error) {
	return mem.resolve(mem.subscriptionsByScope[runtime.NoKey], func(s runtime.ConditionalSubscription) bool {
		return s.ProcessDefinitionKey == processDefinitionKey
	}), nil
}

func (mem *Storage) FindTenantDeploymentConditionalSubscriptions(ctx context.Context, tenantId string) ([]runtime.ConditionalSubscription, error) {
	return mem.resolve(mem.subscriptionsByScope[runtime.NoKey], func(s runtime.ConditionalSubscription) bool {
		return s.TenantId == tenantId
	}), nil
}

func (mem *Storage) resolve(keys []int64, filters ...func(runtime.ConditionalSubscription) bool) []runtime.ConditionalSubscription {
	res := make([]runtime.ConditionalSubscription, 0, len(keys))
outer:
	for _, key := range keys {
		sub, ok := mem.ConditionalSubscriptions[key]
		if !ok {
			continue
		}
		for _, filter := range filters {
			if !filter(sub) {
				continue outer
			}
		}
		res = append(res, sub)
	}
	return res
}

func (mem *Storage) filterSubscriptions(match func(runtime.ConditionalSubscription) bool) []runtime.ConditionalSubscription {
	res := make([]runtime.ConditionalSubscription, 0)
	for _, key := range slices.Sorted(maps.Keys(mem.ConditionalSubscriptions)) {
		if sub := mem.ConditionalSubscriptions[key]; match(sub) {
			res = append(res, sub)
		}
	}
	return res
}

var _ storage.ConditionalSubscriptionStorageWriter = &Storage{}

func (mem *Storage) SaveConditionalSubscription(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	mem.rememberSubscription(subscription.Key)
	mem.putSubscription(subscription)
	return nil
}

func (mem *Storage) DeleteConditionalSubscription(ctx context.Context, key int64) error {
	if _, ok := mem.ConditionalSubscriptions[key]; !ok {
		return nil
	}
	mem.rememberSubscription(key)
	mem.removeSubscription(key)
	return nil
}

func (mem *Storage) rememberSubscription(key int64) {
	prior, existed := mem.ConditionalSubscriptions[key]
	mem.remember("conditionalSubscription", key, func() {
		if existed {
			mem.putSubscription(prior)
		} else {
			mem.removeSubscription(key)
		}
	})
}

func (mem *Storage) putSubscription(subscription runtime.ConditionalSubscription) {
	if _, ok := mem.ConditionalSubscriptions[subscription.Key]; ok {
		mem.unindex(subscription.Key)
	}
	mem.ConditionalSubscriptions[subscription.Key] = subscription
	mem.index(subscription)
}

func (mem *Storage) removeSubscription(key int64) {
	if _, ok := mem.ConditionalSubscriptions[key]; !ok {
		return
	}
	mem.unindex(key)
	delete(mem.ConditionalSubscriptions, key)
}

// index keeps key lists sorted, keys are generated in ascending order so
// appending is enough for new subscriptions.
func (mem *Storage) index(sub runtime.ConditionalSubscription) {
	mem.subscriptionsByScope[sub.ScopeKey] = insertSorted(mem.subscriptionsByScope[sub.ScopeKey], sub.Key)
	ref := catchEventRef{sub.ProcessDefinitionKey, sub.CatchEventId}
	mem.subscriptionsByCatchEvent[ref] = insertSorted(mem.subscriptionsByCatchEvent[ref], sub.Key)
}

func (mem *Storage) unindex(key int64) {
	sub := mem.ConditionalSubscriptions[key]
	mem.subscriptionsByScope[sub.ScopeKey] = removeKey(mem.subscriptionsByScope[sub.ScopeKey], key)
	if len(mem.subscriptionsByScope[sub.ScopeKey]) == 0 {
		delete(mem.subscriptionsByScope, sub.ScopeKey)
	}
	ref := catchEventRef{sub.ProcessDefinitionKey, sub.CatchEventId}
	mem.subscriptionsByCatchEvent[ref] = removeKey(mem.subscriptionsByCatchEvent[ref], key)
	if len(mem.subscriptionsByCatchEvent[ref]) == 0 {
		delete(mem.subscriptionsByCatchEvent, ref)
	}
}

func insertSorted(keys []int64, key int64) []int64 {
	i, found := slices.BinarySearch(keys, key)
	if found {
		return keys
	}
	return slices.Insert(keys, i, key)
}

func removeKey(keys []int64, key int64) []int64 {
	i, found := slices.BinarySearch(keys, key)
	if !found {
		return keys
	}
	return slices.Delete(keys, i, i+1)
}

var _ storage.ScopeTokenStorageReader = &Storage{}

func (mem *Storage) FindScopeToken(ctx context.Context, scopeKey int64) (runtime.ScopeToken, error) {
	res, ok := mem.ScopeTokens[scopeKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.ScopeTokenStorageWriter = &Storage{}

func (mem *Storage) SaveScopeToken(ctx context.Context, token runtime.ScopeToken) error {
	rememberEntry(mem, "scopeToken", mem.ScopeTokens, token.ScopeKey)
	mem.ScopeTokens[token.ScopeKey] = token
	return nil
}

func (mem *Storage) DeleteScopeToken(ctx context.Context, scopeKey int64) error {
	rememberEntry(mem, "scopeToken", mem.ScopeTokens, scopeKey)
	delete(mem.ScopeTokens, scopeKey)
	return nil
}

// journal keeps what the open batch overwrote. Only the first write of an
// entry is remembered, it holds the value from before the batch.
type journal struct {
	sequence int64
	touched  map[journalRef]struct{}
	undo     []func()
}

type journalRef struct {
	table string
	key   int64
}

func (mem *Storage) remember(table string, key int64, undo func()) {
	j := mem.journal
	if j == nil {
		return
	}
	ref := journalRef{table: table, key: key}
	if _, ok := j.touched[ref]; ok {
		return
	}
	j.touched[ref] = struct{}{}
	j.undo = append(j.undo, undo)
}

func rememberEntry[V any](mem *Storage, table string, entries map[int64]V, key int64) {
	if mem.journal == nil {
		return
	}
	prior, existed := entries[key]
	mem.remember(table, key, func() {
		if existed {
			entries[key] = prior
		} else {
			delete(entries, key)
		}
	})
}

// StorageBatch writes straight into the storage, the journal makes it
// possible to take the writes back.
type StorageBatch struct {
	db      *Storage
	journal *journal
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) open() bool {
	return b.journal != nil && b.db.journal == b.journal
}

func (b *StorageBatch) Flush(ctx context.Context) error {
	if !b.open() {
		return storage.ErrBatchClosed
	}
	b.db.journal = nil
	b.journal = nil
	return nil
}

func (b *StorageBatch) Discard(ctx context.Context) error {
	if !b.open() {
		return storage.ErrBatchClosed
	}
	j := b.journal
	b.db.journal = nil
	b.journal = nil
	for _, undo := range slices.Backward(j.undo) {
		undo()
	}
	b.db.Sequence = j.sequence
	return nil
}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	return b.db.SaveProcessDefinition(ctx, definition)
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return b.db.SaveProcessInstance(ctx, processInstance)
}

func (b *StorageBatch) SaveElementInstance(ctx context.Context, elementInstance runtime.ElementInstance) error {
	return b.db.SaveElementInstance(ctx, elementInstance)
}

func (b *StorageBatch) SaveConditionalSubscription(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	return b.db.SaveConditionalSubscription(ctx, subscription)
}

func (b *StorageBatch) DeleteConditionalSubscription(ctx context.Context, key int64) error {
	return b.db.DeleteConditionalSubscription(ctx, key)
}

func (b *StorageBatch) SaveScopeToken(ctx context.Context, token runtime.ScopeToken) error {
	return b.db.SaveScopeToken(ctx, token)
}

func (b *StorageBatch) DeleteScopeToken(ctx context.Context, scopeKey int64) error {
	return b.db.DeleteScopeToken(ctx, scopeKey)
}
