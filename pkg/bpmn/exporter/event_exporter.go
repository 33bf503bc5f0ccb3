// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package exporter

// EventExporter receives every record written by the engine in log order.
// Records of rejected work are never exported, only the rejection itself.
type EventExporter interface {
	Export(record Record)
}

type RecordType string

const (
	RecordTypeCommand          RecordType = "COMMAND"
	RecordTypeEvent            RecordType = "EVENT"
	RecordTypeCommandRejection RecordType = "COMMAND_REJECTION"
)

type ValueType string

const (
	ValueTypeProcess                 ValueType = "PROCESS"
	ValueTypeProcessInstance         ValueType = "PROCESS_INSTANCE"
	ValueTypeVariable                ValueType = "VARIABLE"
	ValueTypeConditionalSubscription ValueType = "CONDITIONAL_SUBSCRIPTION"
	ValueTypeConditionalEvaluation   ValueType = "CONDITIONAL_EVALUATION"
)

type Intent string

const (
	Created Intent = "CREATED"
	Updated Intent = "UPDATED"

	ElementActivating Intent = "ELEMENT_ACTIVATING"
	ElementActivated  Intent = "ELEMENT_ACTIVATED"
	ElementCompleted  Intent = "ELEMENT_COMPLETED"
	ElementTerminated Intent = "ELEMENT_TERMINATED"
	SequenceFlowTaken Intent = "SEQUENCE_FLOW_TAKEN"

	Trigger   Intent = "TRIGGER"
	Triggered Intent = "TRIGGERED"
	Deleted   Intent = "DELETED"

	Evaluate  Intent = "EVALUATE"
	Evaluated Intent = "EVALUATED"
)

type RejectionType string

const (
	RejectionNone         RejectionType = ""
	RejectionNotFound     RejectionType = "NOT_FOUND"
	RejectionInvalidState RejectionType = "INVALID_STATE"
	RejectionForbidden    RejectionType = "FORBIDDEN"
)

type Record struct {
	Position        int64         `json:"position"`
	Key             int64         `json:"key"`
	RecordType      RecordType    `json:"recordType"`
	ValueType       ValueType     `json:"valueType"`
	Intent          Intent        `json:"intent"`
	RejectionType   RejectionType `json:"rejectionType,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
	Value           any           `json:"value"`
}

type ProcessValue struct {
	BpmnProcessId        string `json:"bpmnProcessId"`
	Version              int32  `json:"version"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	ResourceName         string `json:"resourceName"`
	Checksum             string `json:"checksum"`
	TenantId             string `json:"tenantId"`
}

type ProcessInstanceValue struct {
	BpmnProcessId        string `json:"bpmnProcessId"`
	Version              int32  `json:"version"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	ProcessInstanceKey   int64  `json:"processInstanceKey"`
	ElementId            string `json:"elementId"`
	BpmnElementType      string `json:"bpmnElementType"`
	FlowScopeKey         int64  `json:"flowScopeKey"`
	TenantId             string `json:"tenantId"`
}

type VariableValue struct {
	Name                 string `json:"name"`
	Value                any    `json:"value"`
	ScopeKey             int64  `json:"scopeKey"`
	ProcessInstanceKey   int64  `json:"processInstanceKey"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	BpmnProcessId        string `json:"bpmnProcessId"`
	TenantId             string `json:"tenantId"`
}

type ConditionalSubscriptionValue struct {
	ScopeKey             int64    `json:"scopeKey"`
	ElementInstanceKey   int64    `json:"elementInstanceKey"`
	ProcessInstanceKey   int64    `json:"processInstanceKey"`
	ProcessDefinitionKey int64    `json:"processDefinitionKey"`
	BpmnProcessId        string   `json:"bpmnProcessId"`
	CatchEventId         string   `json:"catchEventId"`
	Condition            string   `json:"condition"`
	VariableNames        []string `json:"variableNames"`
	VariableEvents       []string `json:"variableEvents"`
	Interrupting         bool     `json:"interrupting"`
	TenantId             string   `json:"tenantId"`
}

type ConditionalEvaluationValue struct {
	ProcessDefinitionKey    int64                    `json:"processDefinitionKey"`
	TenantId                string                   `json:"tenantId"`
	Variables               map[string]any           `json:"variables"`
	StartedProcessInstances []StartedProcessInstance `json:"startedProcessInstances"`
}

type StartedProcessInstance struct {
	ProcessDefinitionKey int64 `json:"processDefinitionKey"`
	ProcessInstanceKey   int64 `json:"processInstanceKey"`
}

// TenantId returns the tenant of the record value, false for values that do
// not belong to a tenant.
func (r Record) TenantId() (string, bool) {
	switch v := r.Value.(type) {
	case ProcessValue:
		return v.TenantId, true
	case ProcessInstanceValue:
		return v.TenantId, true
	case VariableValue:
		return v.TenantId, true
	case ConditionalSubscriptionValue:
		return v.TenantId, true
	case ConditionalEvaluationValue:
		return v.TenantId, true
	}
	return "", false
}
