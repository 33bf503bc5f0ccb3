package runtime

import (
	"slices"
	"time"

	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
)

// NoKey marks keys that do not reference an instance, e.g. the scope of a
// deployment level subscription.
const NoKey int64 = -1

// DefaultTenantId is used for resources deployed without a tenant.
const DefaultTenantId = "<default>"

type ProcessDefinition struct {
	BpmnProcessId    string              `json:"bpi"` // The ID as defined in the BPMN file
	Version          int32               `json:"v"`   // A version of the process, default=1, incremented, when another process with the same ID is loaded
	Key              int64               `json:"k"`   // The engines key for this given process with version
	Definitions      bpmn20.TDefinitions `json:"-"`   // parsed file content, parsed again from BpmnData after a restore
	BpmnData         string              `json:"d"`   // the raw source data
	BpmnResourceName string              `json:"rn"`  // some name for the resource
	BpmnChecksum     [16]byte            `json:"cs"`  // internal checksum to identify different versions
	TenantId         string              `json:"t"`
}

type ProcessInstance struct {
	Key                  int64         `json:"k"`
	ProcessDefinitionKey int64         `json:"pdk"`
	BpmnProcessId        string        `json:"bpi"`
	Version              int32         `json:"v"`
	TenantId             string        `json:"t"`
	CreatedAt            time.Time     `json:"c"`
	State                ActivityState `json:"s"`
}

// ElementInstance is an activated flow node which waits for something to
// happen, the process instance itself is the root element instance and shares
// its key with the process instance.
type ElementInstance struct {
	Key                  int64              `json:"k"`
	ElementId            string             `json:"eid"`
	ElementType          bpmn20.ElementType `json:"et"`
	ParentKey            int64              `json:"pk"`
	ProcessInstanceKey   int64              `json:"pik"`
	ProcessDefinitionKey int64              `json:"pdk"`
	BpmnProcessId        string             `json:"bpi"`
	TenantId             string             `json:"t"`
	TaskType             string             `json:"tt,omitempty"`
	State                ActivityState      `json:"s"`
	Variables            map[string]any     `json:"vars,omitempty"`
	// GatewayTokens counts tokens waiting at joining parallel gateways of
	// this flow scope.
	GatewayTokens map[string]int `json:"gt,omitempty"`
}

func (ei *ElementInstance) IsActive() bool {
	return ei.State == Active
}

func (ei *ElementInstance) IsProcessInstance() bool {
	return ei.ParentKey == NoKey
}

// ActivityState as per BPMN 2.0 spec, section 13.2.2 Activity, page 428.
// Only the states reachable by this engine are declared.
type ActivityState string

const (
	Active     ActivityState = "ACTIVE"
	Completed  ActivityState = "COMPLETED"
	Terminated ActivityState = "TERMINATED"
)

// CatchPointKind tells how a conditional catch point is attached to its scope.
type CatchPointKind string

const (
	CatchPointBoundary             CatchPointKind = "BOUNDARY"
	CatchPointIntermediateCatch    CatchPointKind = "INTERMEDIATE_CATCH"
	CatchPointEventSubProcessStart CatchPointKind = "EVENT_SUB_PROCESS_START"
	CatchPointStart                CatchPointKind = "START"
)

// VariableEvent is the kind of variable mutation a subscription reacts to.
type VariableEvent string

const (
	VariableEventCreate VariableEvent = "create"
	VariableEventUpdate VariableEvent = "update"
)

type ConditionalSubscription struct {
	Key                  int64          `json:"k"`
	ScopeKey             int64          `json:"sk"`
	ElementInstanceKey   int64          `json:"eik"`
	ProcessInstanceKey   int64          `json:"pik"`
	ProcessDefinitionKey int64          `json:"pdk"`
	BpmnProcessId        string         `json:"bpi"`
	TenantId             string         `json:"t"`
	CatchEventId         string         `json:"ce"`
	CatchPoint           CatchPointKind `json:"cp"`
	Condition            string         `json:"c"`
	VariableNames        []string       `json:"vn"`
	VariableEvents       []string       `json:"ve"`
	Interrupting         bool           `json:"i"`
}

// IsDeploymentLevel reports whether the subscription belongs to a process
// definition rather than to a running scope.
func (s ConditionalSubscription) IsDeploymentLevel() bool {
	return s.ScopeKey == NoKey
}

// Accepts applies the variable name and event filters, empty filters accept
// every mutation.
func (s ConditionalSubscription) Accepts(variableName string, event VariableEvent) bool {
	if len(s.VariableNames) > 0 && !slices.Contains(s.VariableNames, variableName) {
		return false
	}
	if len(s.VariableEvents) > 0 && !slices.Contains(s.VariableEvents, string(event)) {
		return false
	}
	return true
}

// ScopeToken is the liveness token of a scope. A trigger captures the
// generation and is rejected once the generation moved on.
type ScopeToken struct {
	ScopeKey           int64 `json:"sk"`
	ProcessInstanceKey int64 `json:"pik"`
	Generation         int64 `json:"g"`
	Interrupted        bool  `json:"i"`
	Live               bool  `json:"l"`
}
