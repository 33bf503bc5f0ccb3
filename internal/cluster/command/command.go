// Package command defines the entries of the replicated log. Every entry is
// one engine command, applied in log order on every node.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pbinitiative/zencond/pkg/bpmn"
	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
)

type Type string

const (
	TypeDeploy         Type = "DEPLOY"
	TypeCreateInstance Type = "CREATE_PROCESS_INSTANCE"
	TypeSetVariables   Type = "SET_VARIABLES"
	TypeCompleteTask   Type = "COMPLETE_TASK"
	TypeEvaluate       Type = "EVALUATE_CONDITIONS"
	TypeTrigger        Type = "TRIGGER_CONDITIONAL"
)

// Command is the log entry. Id is assigned by the node which accepted the
// request and is only used to correlate log lines. Time is the wall clock of
// that node and is the only clock the engine reads while applying.
type Command struct {
	Id      int64
	Type    Type
	Time    time.Time
	Trace   map[string]string
	Payload json.RawMessage
}

type Deploy struct {
	ResourceName string `json:"resourceName"`
	Data         []byte `json:"data"`
	TenantId     string `json:"tenantId"`
}

// CreateInstance starts the definition with the key, or the latest version
// of BpmnProcessId in the tenant when the key is zero.
type CreateInstance struct {
	ProcessDefinitionKey int64          `json:"processDefinitionKey,omitempty"`
	BpmnProcessId        string         `json:"bpmnProcessId,omitempty"`
	TenantId             string         `json:"tenantId,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
}

type SetVariables struct {
	ElementInstanceKey int64          `json:"elementInstanceKey"`
	Variables          map[string]any `json:"variables"`
	Local              bool           `json:"local"`
}

type CompleteTask struct {
	ElementInstanceKey int64          `json:"elementInstanceKey"`
	Variables          map[string]any `json:"variables,omitempty"`
}

type (
	Evaluate = conditional.EvaluateCommand
	Trigger  = conditional.TriggerCommand
)

// New wraps the payload, the span of ctx is carried along so that applying
// the command continues the trace of the request.
func New[T any](ctx context.Context, id int64, commandType Type, payload T) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s payload: %w", commandType, err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return Command{
		Id:      id,
		Type:    commandType,
		Time:    time.Now().UTC(),
		Trace:   carrier,
		Payload: data,
	}, nil
}

// Payload decodes the payload of the command.
func Payload[T any](c Command) (T, error) {
	var payload T
	if err := json.Unmarshal(c.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal %s payload of command %d: %w", c.Type, c.Id, err)
	}
	return payload, nil
}

// Context returns ctx carrying the span context the command was created in
// and the time the command was accepted.
func (c Command) Context(ctx context.Context) context.Context {
	if !c.Time.IsZero() {
		ctx = bpmn.WithClock(ctx, c.Time)
	}
	if len(c.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(c.Trace))
}
