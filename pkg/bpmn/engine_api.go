package bpmn

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	zenotel "github.com/pbinitiative/zencond/pkg/otel"
)

// CreateInstanceById creates a new instance of the latest version of the
// process in the tenant and runs it from its none start event.
func (engine *Engine) CreateInstanceById(ctx context.Context, processId string, tenantId string, variableContext map[string]any) (runtime.ProcessInstance, error) {
	if tenantId == "" {
		tenantId = runtime.DefaultTenantId
	}
	var instance runtime.ProcessInstance
	err := engine.apply(ctx, fmt.Sprintf("create-instance:%s", processId), func(ctx context.Context) error {
		definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId, tenantId)
		if err != nil {
			return errors.Join(newEngineErrorf("no process with id=%s was found (prior loaded into the engine)", processId), err)
		}
		instance, err = engine.startInstance(ctx, definition, "", variableContext, tenantId)
		return err
	}, attribute.String(zenotel.AttributeProcessId, processId), attribute.String(zenotel.AttributeTenantId, tenantId))
	if err != nil {
		return instance, err
	}
	return engine.FindProcessInstance(ctx, instance.Key)
}

// CreateInstance creates a new instance of the process definition and runs it
// from its none start event.
func (engine *Engine) CreateInstance(ctx context.Context, processDefinitionKey int64, variableContext map[string]any) (runtime.ProcessInstance, error) {
	var instance runtime.ProcessInstance
	err := engine.apply(ctx, fmt.Sprintf("create-instance:%d", processDefinitionKey), func(ctx context.Context) error {
		definition, err := engine.definition(ctx, processDefinitionKey)
		if err != nil {
			return err
		}
		instance, err = engine.startInstance(ctx, definition, "", variableContext, definition.TenantId)
		return err
	}, attribute.Int64(zenotel.AttributeProcessDefinitionKey, processDefinitionKey))
	if err != nil {
		return instance, err
	}
	// follow-up commands may have moved the instance on
	return engine.FindProcessInstance(ctx, instance.Key)
}

// SetVariables writes the variables into the scope of the element instance,
// see setVariables for the scope resolution.
func (engine *Engine) SetVariables(ctx context.Context, elementInstanceKey int64, variables map[string]any, local bool) error {
	return engine.apply(ctx, fmt.Sprintf("set-variables:%d", elementInstanceKey), func(ctx context.Context) error {
		return engine.setVariables(ctx, elementInstanceKey, variables, local)
	}, attribute.Int64(zenotel.AttributeElementKey, elementInstanceKey))
}

// CompleteTask completes a waiting service or user task. The variables are
// propagated into the flow scopes of the task before it completes.
func (engine *Engine) CompleteTask(ctx context.Context, elementInstanceKey int64, variables map[string]any) error {
	return engine.apply(ctx, fmt.Sprintf("complete-task:%d", elementInstanceKey), func(ctx context.Context) error {
		task, err := engine.elementInstance(ctx, elementInstanceKey)
		if err != nil {
			return err
		}
		isTask := task.ElementType == bpmn20.ElementTypeServiceTask || task.ElementType == bpmn20.ElementTypeUserTask
		if !task.IsActive() || !isTask {
			return newEngineErrorf("element instance %d is not an active task", elementInstanceKey)
		}
		if len(variables) > 0 {
			if err := engine.setVariables(ctx, task.ParentKey, variables, false); err != nil {
				return err
			}
		}
		if err := engine.completeElement(ctx, task); err != nil {
			return err
		}
		flowScope, err := engine.elementInstance(ctx, task.ParentKey)
		if err != nil {
			return err
		}
		if err := engine.takeOutgoing(ctx, flowScope, task.ElementId); err != nil {
			return err
		}
		engine.enqueue(checkScopeDoneCommand{flowScopeKey: flowScope.Key})
		return engine.run(ctx)
	}, attribute.Int64(zenotel.AttributeElementKey, elementInstanceKey))
}

// Evaluate applies an ad-hoc evaluation of conditional start events. A
// rejected command returns a *conditional.Rejection and changes nothing.
func (engine *Engine) Evaluate(ctx context.Context, command conditional.EvaluateCommand) (exporter.ConditionalEvaluationValue, error) {
	var result exporter.ConditionalEvaluationValue
	err := engine.apply(ctx, "evaluate-conditions", func(ctx context.Context) error {
		var err error
		result, err = engine.evaluations.Evaluate(ctx, command)
		return err
	}, attribute.Int64(zenotel.AttributeProcessDefinitionKey, command.ProcessDefinitionKey), attribute.String(zenotel.AttributeTenantId, command.TenantId))
	return result, err
}

// Trigger applies a trigger command which was produced by another engine
// replica or restored from the log.
func (engine *Engine) Trigger(ctx context.Context, command conditional.TriggerCommand) (bool, error) {
	var fired bool
	err := engine.apply(ctx, fmt.Sprintf("trigger:%d", command.SubscriptionKey), func(ctx context.Context) error {
		var err error
		fired, err = engine.triggers.Process(ctx, command)
		return err
	}, attribute.Int64(zenotel.AttributeSubscriptionKey, command.SubscriptionKey), attribute.Int64(zenotel.AttributeProcessInstanceKey, command.ProcessInstanceKey))
	return fired, err
}

// FindProcessInstance returns the process instance with the given key
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
}

func (engine *Engine) FindProcessInstances(ctx context.Context, processDefinitionKey int64) ([]runtime.ProcessInstance, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindProcessInstances(ctx, processDefinitionKey)
}

// FindProcessDefinition returns the definition with the given key
func (engine *Engine) FindProcessDefinition(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindProcessDefinitionByKey(ctx, processDefinitionKey)
}

// FindProcessesById returns all versions of the process in the tenant,
// ordered by version
func (engine *Engine) FindProcessesById(ctx context.Context, processId string, tenantId string) ([]runtime.ProcessDefinition, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindProcessDefinitionsById(ctx, processId, tenantId)
}

// FindProcessDefinitions returns the definitions of the tenant, of all tenants
// when tenantId is empty
func (engine *Engine) FindProcessDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindProcessDefinitions(ctx, tenantId)
}

func (engine *Engine) FindElementInstance(ctx context.Context, elementInstanceKey int64) (runtime.ElementInstance, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindElementInstanceByKey(ctx, elementInstanceKey)
}

func (engine *Engine) FindElementInstances(ctx context.Context, processInstanceKey int64) ([]runtime.ElementInstance, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindElementInstancesByProcessInstanceKey(ctx, processInstanceKey)
}

// FindActiveElementInstances returns the active elements of the process
// instance with the given element id, all active elements when elementId is
// empty. The process instance itself is not included.
func (engine *Engine) FindActiveElementInstances(ctx context.Context, processInstanceKey int64, elementId string) ([]runtime.ElementInstance, error) {
	elements, err := engine.FindElementInstances(ctx, processInstanceKey)
	if err != nil {
		return nil, err
	}
	active := make([]runtime.ElementInstance, 0, len(elements))
	for _, element := range elements {
		if !element.IsActive() || element.IsProcessInstance() {
			continue
		}
		if elementId != "" && element.ElementId != elementId {
			continue
		}
		active = append(active, element)
	}
	return active, nil
}

// FindConditionalSubscriptions returns the scoped subscriptions of the
// process instance
func (engine *Engine) FindConditionalSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.ConditionalSubscription, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindConditionalSubscriptionsByProcessInstanceKey(ctx, processInstanceKey)
}

// FindStartSubscriptions returns the deployment level subscriptions of the
// process definition
func (engine *Engine) FindStartSubscriptions(ctx context.Context, processDefinitionKey int64) ([]runtime.ConditionalSubscription, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.persistence.FindDeploymentConditionalSubscriptions(ctx, processDefinitionKey)
}

// FindVariables returns the variables visible from the element instance
func (engine *Engine) FindVariables(ctx context.Context, elementInstanceKey int64) (map[string]any, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	variables, err := engine.visibleVariables(ctx, elementInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables of %d: %w", elementInstanceKey, err)
	}
	return variables, nil
}
