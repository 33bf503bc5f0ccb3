package conditional

import (
	"fmt"

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

// TriggerCommand asks to fire a scoped subscription. It captures the
// generation of the scope token seen when the condition evaluated to true.
type TriggerCommand struct {
	SubscriptionKey    int64  `json:"subscriptionKey"`
	ScopeKey           int64  `json:"scopeKey"`
	ElementInstanceKey int64  `json:"elementInstanceKey"`
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	CatchEventId       string `json:"catchEventId"`
	Generation         int64  `json:"generation"`
}

// EvaluateCommand evaluates the conditional start events of one process
// definition, or of every definition of the tenant when the key is NoKey.
type EvaluateCommand struct {
	ProcessDefinitionKey int64            `json:"processDefinitionKey"`
	TenantId             string           `json:"tenantId"`
	Variables            map[string]any   `json:"variables"`
	Identity             runtime.Identity `json:"identity"`
}

// Rejection is returned for commands that were not applied. The rejection is
// also written to the log as a COMMAND_REJECTION record.
type Rejection struct {
	Type   exporter.RejectionType
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Type, r.Reason)
}

func reject(rejectionType exporter.RejectionType, format string, a ...any) *Rejection {
	return &Rejection{
		Type:   rejectionType,
		Reason: fmt.Sprintf(format, a...),
	}
}

func subscriptionValue(s runtime.ConditionalSubscription) exporter.ConditionalSubscriptionValue {
	return exporter.ConditionalSubscriptionValue{
		ScopeKey:             s.ScopeKey,
		ElementInstanceKey:   s.ElementInstanceKey,
		ProcessInstanceKey:   s.ProcessInstanceKey,
		ProcessDefinitionKey: s.ProcessDefinitionKey,
		BpmnProcessId:        s.BpmnProcessId,
		CatchEventId:         s.CatchEventId,
		Condition:            s.Condition,
		VariableNames:        s.VariableNames,
		VariableEvents:       s.VariableEvents,
		Interrupting:         s.Interrupting,
		TenantId:             s.TenantId,
	}
}

func subscriptionEvent(s runtime.ConditionalSubscription, intent exporter.Intent) exporter.Record {
	return exporter.Record{
		Key:        s.Key,
		RecordType: exporter.RecordTypeEvent,
		ValueType:  exporter.ValueTypeConditionalSubscription,
		Intent:     intent,
		Value:      subscriptionValue(s),
	}
}

func rejectionRecord(key int64, valueType exporter.ValueType, intent exporter.Intent, rejection *Rejection, value any) exporter.Record {
	return exporter.Record{
		Key:             key,
		RecordType:      exporter.RecordTypeCommandRejection,
		ValueType:       valueType,
		Intent:          intent,
		RejectionType:   rejection.Type,
		RejectionReason: rejection.Reason,
		Value:           value,
	}
}
