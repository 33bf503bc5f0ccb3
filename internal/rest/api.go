package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pbinitiative/zencond/internal/cluster/zenerr"
	"github.com/pbinitiative/zencond/internal/log"
	"github.com/pbinitiative/zencond/pkg/bpmn"
	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
)

type ApiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PageMetadata struct {
	Page       int `json:"page"`
	Size       int `json:"size"`
	Count      int `json:"count"`
	TotalCount int `json:"totalCount"`
}

type DeployRequest struct {
	ResourceName string `json:"resourceName"`
	BpmnXml      string `json:"bpmnXml"`
	TenantId     string `json:"tenantId"`
}

type ProcessDefinition struct {
	Key           int64  `json:"key"`
	BpmnProcessId string `json:"bpmnProcessId"`
	Version       int32  `json:"version"`
	ResourceName  string `json:"resourceName"`
	TenantId      string `json:"tenantId"`
}

type ProcessDefinitionsPage struct {
	Items        []ProcessDefinition `json:"items"`
	PageMetadata PageMetadata        `json:"pageMetadata"`
}

type CreateProcessInstanceRequest struct {
	ProcessDefinitionKey int64          `json:"processDefinitionKey"`
	BpmnProcessId        string         `json:"bpmnProcessId"`
	TenantId             string         `json:"tenantId"`
	Variables            map[string]any `json:"variables"`
}

type ProcessInstance struct {
	Key                  int64     `json:"key"`
	ProcessDefinitionKey int64     `json:"processDefinitionKey"`
	BpmnProcessId        string    `json:"bpmnProcessId"`
	Version              int32     `json:"version"`
	TenantId             string    `json:"tenantId"`
	State                string    `json:"state"`
	CreatedAt            time.Time `json:"createdAt"`
}

type ElementInstance struct {
	Key          int64          `json:"key"`
	ElementId    string         `json:"elementId"`
	ElementType  string         `json:"elementType"`
	FlowScopeKey int64          `json:"flowScopeKey"`
	State        string         `json:"state"`
	Variables    map[string]any `json:"variables,omitempty"`
}

type ConditionalSubscription struct {
	Key                  int64    `json:"key"`
	ScopeKey             int64    `json:"scopeKey"`
	ElementInstanceKey   int64    `json:"elementInstanceKey"`
	ProcessInstanceKey   int64    `json:"processInstanceKey"`
	ProcessDefinitionKey int64    `json:"processDefinitionKey"`
	CatchEventId         string   `json:"catchEventId"`
	CatchPoint           string   `json:"catchPoint"`
	Condition            string   `json:"condition"`
	VariableNames        []string `json:"variableNames"`
	VariableEvents       []string `json:"variableEvents"`
	Interrupting         bool     `json:"interrupting"`
	TenantId             string   `json:"tenantId"`
}

type SetVariablesRequest struct {
	Variables map[string]any `json:"variables"`
	Local     bool           `json:"local"`
}

type CompleteTaskRequest struct {
	Variables map[string]any `json:"variables"`
}

type EvaluateConditionalsRequest struct {
	ProcessDefinitionKey *int64         `json:"processDefinitionKey"`
	TenantId             string         `json:"tenantId"`
	Variables            map[string]any `json:"variables"`
}

type EvaluateConditionalsResponse struct {
	ProcessDefinitionKey    int64                             `json:"processDefinitionKey"`
	TenantId                string                            `json:"tenantId"`
	StartedProcessInstances []exporter.StartedProcessInstance `json:"startedProcessInstances"`
}

func toProcessDefinition(d runtime.ProcessDefinition) ProcessDefinition {
	return ProcessDefinition{
		Key:           d.Key,
		BpmnProcessId: d.BpmnProcessId,
		Version:       d.Version,
		ResourceName:  d.BpmnResourceName,
		TenantId:      d.TenantId,
	}
}

func toProcessInstance(i runtime.ProcessInstance) ProcessInstance {
	return ProcessInstance{
		Key:                  i.Key,
		ProcessDefinitionKey: i.ProcessDefinitionKey,
		BpmnProcessId:        i.BpmnProcessId,
		Version:              i.Version,
		TenantId:             i.TenantId,
		State:                string(i.State),
		CreatedAt:            i.CreatedAt,
	}
}

func toElementInstance(e runtime.ElementInstance) ElementInstance {
	return ElementInstance{
		Key:          e.Key,
		ElementId:    e.ElementId,
		ElementType:  string(e.ElementType),
		FlowScopeKey: e.ParentKey,
		State:        string(e.State),
		Variables:    e.Variables,
	}
}

func toSubscriptions(subscriptions []runtime.ConditionalSubscription) []ConditionalSubscription {
	result := make([]ConditionalSubscription, 0, len(subscriptions))
	for _, s := range subscriptions {
		result = append(result, ConditionalSubscription{
			Key:                  s.Key,
			ScopeKey:             s.ScopeKey,
			ElementInstanceKey:   s.ElementInstanceKey,
			ProcessInstanceKey:   s.ProcessInstanceKey,
			ProcessDefinitionKey: s.ProcessDefinitionKey,
			CatchEventId:         s.CatchEventId,
			CatchPoint:           string(s.CatchPoint),
			Condition:            s.Condition,
			VariableNames:        s.VariableNames,
			VariableEvents:       s.VariableEvents,
			Interrupting:         s.Interrupting,
			TenantId:             s.TenantId,
		})
	}
	return result
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, apiError ApiError) {
	writeJson(w, status, apiError)
}

// writeEngineError maps errors of the node onto http statuses. Rejections
// keep their type as the error code.
func writeEngineError(w http.ResponseWriter, err error) {
	var rejection *conditional.Rejection
	var unmarshalling *bpmn.BpmnEngineUnmarshallingError
	var engineError *bpmn.BpmnEngineError
	switch {
	case errors.As(err, &rejection):
		status := http.StatusConflict
		switch rejection.Type {
		case exporter.RejectionNotFound:
			status = http.StatusNotFound
		case exporter.RejectionForbidden:
			status = http.StatusForbidden
		}
		writeError(w, status, ApiError{Code: string(rejection.Type), Message: rejection.Reason})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, ApiError{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, zenerr.ErrNotLeader):
		writeError(w, http.StatusServiceUnavailable, ApiError{Code: "NOT_LEADER", Message: err.Error()})
	case errors.As(err, &unmarshalling):
		writeError(w, http.StatusBadRequest, ApiError{Code: "BAD_REQUEST", Message: err.Error()})
	case errors.As(err, &engineError):
		writeError(w, http.StatusConflict, ApiError{Code: "INVALID_STATE", Message: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, ApiError{Code: "ERROR", Message: err.Error()})
	}
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ApiError{Code: "NOT_FOUND", Message: message})
}

func badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, ApiError{Code: "BAD_REQUEST", Message: err.Error()})
}
