// Package conditional keeps conditional catch points of running scopes and
// deployed process definitions in sync with the subscription store and fires
// them when their conditions become true.
//
// Everything in this package runs inside the engine apply loop, one command at
// a time, so none of the types here are safe for concurrent use.
package conditional

import (
	"context"

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
)

// SubscriptionStore is the part of the storage this package mutates.
type SubscriptionStore interface {
	storage.ConditionalSubscriptionStorageReader
	storage.ConditionalSubscriptionStorageWriter
	storage.ScopeTokenStorageReader
	storage.ScopeTokenStorageWriter
	GenerateId() int64
}

// RecordWriter appends records to the log of the current command.
type RecordWriter interface {
	WriteRecord(record exporter.Record)
}

// CommandWriter appends follow-up commands which are applied after the
// current command, in the order they were appended.
type CommandWriter interface {
	AppendTrigger(command TriggerCommand)
}

// ScopeController gives access to the running scope tree and performs the
// control flow of a triggered catch point.
type ScopeController interface {
	// ScopeChain returns the keys of the scope and all its flow scopes,
	// starting with the scope itself and ending with the process instance.
	ScopeChain(ctx context.Context, scopeKey int64) ([]int64, error)
	// VisibleVariables returns the variables visible from the scope.
	VisibleVariables(ctx context.Context, scopeKey int64) (map[string]any, error)
	// OnConditionTriggered interrupts or continues the scope owning the
	// subscription and takes the outgoing flows of the catch point.
	OnConditionTriggered(ctx context.Context, subscription runtime.ConditionalSubscription) error
}

// InstanceStarter creates process instances at a conditional start event.
type InstanceStarter interface {
	StartInstanceAt(ctx context.Context, definition runtime.ProcessDefinition, startEventId string, variables map[string]any, tenantId string) (int64, error)
}

// DefinitionReader resolves deployed process definitions.
type DefinitionReader interface {
	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error)
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string, tenantId string) (runtime.ProcessDefinition, error)
}

// Authorizer checks the permissions of the identity carried by a command.
type Authorizer interface {
	IsAuthorized(identity runtime.Identity, permission string, resourceType string, resourceId string) bool
}

// TenantMembership checks the tenant assignments of the identity carried by a
// command.
type TenantMembership interface {
	IsAssigned(identity runtime.Identity, tenantId string) bool
}

// PermitAll grants every permission and tenant, it is used when identity
// checks are disabled.
type PermitAll struct{}

func (PermitAll) IsAuthorized(runtime.Identity, string, string, string) bool { return true }

func (PermitAll) IsAssigned(runtime.Identity, string) bool { return true }

var (
	_ Authorizer       = PermitAll{}
	_ TenantMembership = PermitAll{}
)
