package storage

import (
	"context"
	"errors"
	"io"

	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

var ErrNotFound = errors.New("NOT_FOUND")

// Storage interface for reading and writing process data into a (persistent) state.
// Interface is used by the bpmn engine and the conditional event processors to interact with state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist.
// Methods returning multiple results MUST order them by key so that callers iterating them stay deterministic.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	ElementInstanceStorageReader
	ElementInstanceStorageWriter
	ConditionalSubscriptionStorageReader
	ConditionalSubscriptionStorageWriter
	ScopeTokenStorageReader
	ScopeTokenStorageWriter

	// GenerateId returns a new unique key, the sequence is part of the
	// stored state so replicas generate the same keys.
	GenerateId() int64

	// NewBatch opens the batch of one engine command. Only one batch is open
	// at a time.
	NewBatch() Batch
}

// Snapshotter is implemented by storages whose state can be copied to
// another replica.
type Snapshotter interface {
	WriteSnapshot(w io.Writer) error
	ReadSnapshot(r io.Reader) error
}

// Batch groups the writes of one command. Writes made through the batch or
// through the storage while the batch is open are visible to readers right
// away, so a command reads its own writes. Flush keeps them, Discard reverts
// every write and every generated id since NewBatch. Both close the batch.
type Batch interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter
	ElementInstanceStorageWriter
	ConditionalSubscriptionStorageWriter
	ScopeTokenStorageWriter

	Flush(ctx context.Context) error
	Discard(ctx context.Context) error
}

// ErrBatchClosed is returned when a flushed or discarded batch is closed again.
var ErrBatchClosed = errors.New("batch is closed")

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string, tenantId string) (runtime.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error)

	// FindProcessDefinitionsById return zero or many registered processes with given ID
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindProcessDefinitionsById(ctx context.Context, processId string, tenantId string) ([]runtime.ProcessDefinition, error)

	// FindProcessDefinitions returns all definitions of the tenant, all tenants when tenantId is empty
	FindProcessDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given key
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	FindProcessInstances(ctx context.Context, processDefinitionKey int64) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given process instance key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type ElementInstanceStorageReader interface {
	FindElementInstanceByKey(ctx context.Context, elementInstanceKey int64) (runtime.ElementInstance, error)

	// FindElementInstancesByParentKey returns the direct children of the flow scope
	FindElementInstancesByParentKey(ctx context.Context, parentKey int64) ([]runtime.ElementInstance, error)

	FindElementInstancesByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.ElementInstance, error)
}

type ElementInstanceStorageWriter interface {
	SaveElementInstance(ctx context.Context, elementInstance runtime.ElementInstance) error
}

type ConditionalSubscriptionStorageReader interface {
	FindConditionalSubscriptionByKey(ctx context.Context, key int64) (runtime.ConditionalSubscription, error)

	// FindConditionalSubscriptionsByScopeKey returns subscriptions owned by the scope
	FindConditionalSubscriptionsByScopeKey(ctx context.Context, scopeKey int64) ([]runtime.ConditionalSubscription, error)

	// FindConditionalSubscriptionsByProcessInstanceKey returns all scoped subscriptions of the instance
	FindConditionalSubscriptionsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.ConditionalSubscription, error)

	// FindConditionalSubscriptionsByCatchEvent returns subscriptions of the catch event in the given process definition version
	FindConditionalSubscriptionsByCatchEvent(ctx context.Context, processDefinitionKey int64, catchEventId string) ([]runtime.ConditionalSubscription, error)

	// FindDeploymentConditionalSubscriptions returns deployment level subscriptions of the process definition version
	FindDeploymentConditionalSubscriptions(ctx context.Context, processDefinitionKey int64) ([]runtime.ConditionalSubscription, error)

	// FindTenantDeploymentConditionalSubscriptions returns deployment level subscriptions of every definition in the tenant
	FindTenantDeploymentConditionalSubscriptions(ctx context.Context, tenantId string) ([]runtime.ConditionalSubscription, error)
}

type ConditionalSubscriptionStorageWriter interface {
	SaveConditionalSubscription(ctx context.Context, subscription runtime.ConditionalSubscription) error

	// DeleteConditionalSubscription removes the subscription, deleting a missing subscription is not an error
	DeleteConditionalSubscription(ctx context.Context, key int64) error
}

type ScopeTokenStorageReader interface {
	FindScopeToken(ctx context.Context, scopeKey int64) (runtime.ScopeToken, error)
}

type ScopeTokenStorageWriter interface {
	SaveScopeToken(ctx context.Context, token runtime.ScopeToken) error

	// DeleteScopeToken removes the token, deleting a missing token is not an error
	DeleteScopeToken(ctx context.Context, scopeKey int64) error
}
