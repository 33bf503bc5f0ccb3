// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

// collaborators hands the engine internals to the conditional processors
// without exporting them on the Engine.
type collaborators struct {
	engine *Engine
}

var (
	_ conditional.ScopeController  = collaborators{}
	_ conditional.InstanceStarter  = collaborators{}
	_ conditional.DefinitionReader = collaborators{}
	_ conditional.RecordWriter     = collaborators{}
	_ conditional.CommandWriter    = collaborators{}
)

func (c collaborators) ScopeChain(ctx context.Context, scopeKey int64) ([]int64, error) {
	return c.engine.scopeChain(ctx, scopeKey)
}

func (c collaborators) VisibleVariables(ctx context.Context, scopeKey int64) (map[string]any, error) {
	return c.engine.visibleVariables(ctx, scopeKey)
}

func (c collaborators) OnConditionTriggered(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	return c.engine.onConditionTriggered(ctx, subscription)
}

func (c collaborators) StartInstanceAt(ctx context.Context, definition runtime.ProcessDefinition, startEventId string, variables map[string]any, tenantId string) (int64, error) {
	instance, err := c.engine.startInstance(ctx, definition, startEventId, variables, tenantId)
	return instance.Key, err
}

func (c collaborators) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	return c.engine.persistence.FindProcessDefinitionByKey(ctx, processDefinitionKey)
}

func (c collaborators) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string, tenantId string) (runtime.ProcessDefinition, error) {
	return c.engine.persistence.FindLatestProcessDefinitionById(ctx, processDefinitionId, tenantId)
}

func (c collaborators) FindDeploymentConditionalSubscriptions(ctx context.Context, processDefinitionKey int64) ([]runtime.ConditionalSubscription, error) {
	return c.engine.persistence.FindDeploymentConditionalSubscriptions(ctx, processDefinitionKey)
}

func (c collaborators) FindTenantDeploymentConditionalSubscriptions(ctx context.Context, tenantId string) ([]runtime.ConditionalSubscription, error) {
	return c.engine.persistence.FindTenantDeploymentConditionalSubscriptions(ctx, tenantId)
}

func (c collaborators) GenerateId() int64 {
	return c.engine.persistence.GenerateId()
}

func (c collaborators) WriteRecord(record exporter.Record) {
	c.engine.writeRecord(record)
}

func (c collaborators) AppendTrigger(command conditional.TriggerCommand) {
	c.engine.followUps = append(c.engine.followUps, triggerFollowUp{trigger: command})
}

// scopeChain returns the element and its flow scopes up to the process
// instance.
func (engine *Engine) scopeChain(ctx context.Context, scopeKey int64) ([]int64, error) {
	elements, err := engine.scopeElements(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	keys := make([]int64, len(elements))
	for i, element := range elements {
		keys[i] = element.Key
	}
	return keys, nil
}

func (engine *Engine) scopeElements(ctx context.Context, scopeKey int64) ([]runtime.ElementInstance, error) {
	var chain []runtime.ElementInstance
	for key := scopeKey; key != runtime.NoKey; {
		element, err := engine.elementInstance(ctx, key)
		if err != nil {
			return nil, err
		}
		chain = append(chain, element)
		key = element.ParentKey
	}
	return chain, nil
}

// variableHolder builds the variable scopes from the process instance down to
// the given scope.
func (engine *Engine) variableHolder(chain []runtime.ElementInstance) *runtime.VariableHolder {
	var holder *runtime.VariableHolder
	for i := len(chain) - 1; i >= 0; i-- {
		h := runtime.NewVariableHolder(holder, chain[i].Key, chain[i].Variables)
		holder = &h
	}
	return holder
}

func (engine *Engine) visibleVariables(ctx context.Context, scopeKey int64) (map[string]any, error) {
	chain, err := engine.scopeElements(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	return engine.variableHolder(chain).Variables(), nil
}

// startInstance creates a process instance and runs it from the given start
// event until every token waits.
func (engine *Engine) startInstance(ctx context.Context, definition runtime.ProcessDefinition, startEventId string, variables map[string]any, tenantId string) (runtime.ProcessInstance, error) {
	if definition.Definitions.Process.Id == "" {
		var err error
		definition, err = engine.definition(ctx, definition.Key)
		if err != nil {
			return runtime.ProcessInstance{}, err
		}
	}
	process := &definition.Definitions.Process
	var start *bpmn20.TStartEvent
	if startEventId == "" {
		start = process.NoneStartEvent()
	} else {
		start = process.GetStartEventById(startEventId)
	}
	if start == nil {
		return runtime.ProcessInstance{}, newEngineErrorf("process %s has no start event %q", definition.BpmnProcessId, startEventId)
	}
	if tenantId == "" {
		tenantId = definition.TenantId
	}

	instance := runtime.ProcessInstance{
		Key:                  engine.persistence.GenerateId(),
		ProcessDefinitionKey: definition.Key,
		BpmnProcessId:        definition.BpmnProcessId,
		Version:              definition.Version,
		TenantId:             tenantId,
		CreatedAt:            now(ctx),
		State:                runtime.Active,
	}
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return instance, err
	}

	root := runtime.ElementInstance{
		Key:                  instance.Key,
		ElementId:            definition.BpmnProcessId,
		ElementType:          bpmn20.ElementTypeProcess,
		ParentKey:            runtime.NoKey,
		ProcessInstanceKey:   instance.Key,
		ProcessDefinitionKey: definition.Key,
		BpmnProcessId:        definition.BpmnProcessId,
		TenantId:             tenantId,
		State:                runtime.Active,
		Variables:            make(map[string]any, len(variables)),
	}
	for _, name := range sortedNames(variables) {
		root.Variables[name] = variables[name]
	}
	if err := engine.enterScope(ctx, root); err != nil {
		return instance, err
	}
	for _, name := range sortedNames(variables) {
		engine.exportVariableEvent(root, name, variables[name], exporter.Created)
	}

	engine.enqueue(activityCommand{flowScopeKey: root.Key, element: start})
	if err := engine.run(ctx); err != nil {
		return instance, err
	}
	return engine.persistence.FindProcessInstanceByKey(ctx, instance.Key)
}

// onConditionTriggered continues the process at the catch point of a fired
// subscription. The subscription is already removed and its scope token
// invalidated when the catch point interrupts.
func (engine *Engine) onConditionTriggered(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	var err error
	switch subscription.CatchPoint {
	case runtime.CatchPointBoundary:
		err = engine.triggerBoundary(ctx, subscription)
	case runtime.CatchPointIntermediateCatch:
		err = engine.triggerIntermediateCatch(ctx, subscription)
	case runtime.CatchPointEventSubProcessStart:
		err = engine.triggerEventSubProcess(ctx, subscription)
	default:
		err = newEngineErrorf("catch point %s of subscription %d can not be triggered in a scope", subscription.CatchPoint, subscription.Key)
	}
	if err != nil {
		return err
	}
	return engine.run(ctx)
}

func (engine *Engine) triggerBoundary(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	activity, err := engine.elementInstance(ctx, subscription.ElementInstanceKey)
	if err != nil {
		return err
	}
	if subscription.Interrupting {
		if err := engine.terminate(ctx, activity.Key); err != nil {
			return err
		}
	}
	flowScope, err := engine.elementInstance(ctx, activity.ParentKey)
	if err != nil {
		return err
	}
	process, err := engine.processOf(ctx, activity)
	if err != nil {
		return err
	}
	boundary := process.GetFlowNodeById(subscription.CatchEventId)
	if boundary == nil {
		return newEngineErrorf("boundary event %s not found in process %s", subscription.CatchEventId, process.Id)
	}
	engine.passThrough(flowScope, boundary)
	if err := engine.takeOutgoing(ctx, flowScope, boundary.GetId()); err != nil {
		return err
	}
	engine.enqueue(checkScopeDoneCommand{flowScopeKey: flowScope.Key})
	return nil
}

func (engine *Engine) triggerIntermediateCatch(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	catchEvent, err := engine.elementInstance(ctx, subscription.ElementInstanceKey)
	if err != nil {
		return err
	}
	if err := engine.completeElement(ctx, catchEvent); err != nil {
		return err
	}
	flowScope, err := engine.elementInstance(ctx, catchEvent.ParentKey)
	if err != nil {
		return err
	}
	return engine.takeOutgoing(ctx, flowScope, catchEvent.ElementId)
}

func (engine *Engine) triggerEventSubProcess(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	enclosing, err := engine.elementInstance(ctx, subscription.ScopeKey)
	if err != nil {
		return err
	}
	process, err := engine.processOf(ctx, enclosing)
	if err != nil {
		return err
	}
	_, subProcessId := process.ContainerOf(subscription.CatchEventId)
	subProcess := process.GetSubProcessById(subProcessId)
	if subProcess == nil || !subProcess.TriggeredByEvent {
		return newEngineErrorf("start event %s does not belong to an event sub process", subscription.CatchEventId)
	}

	if subscription.Interrupting {
		children, err := engine.persistence.FindElementInstancesByParentKey(ctx, enclosing.Key)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := engine.terminate(ctx, child.Key); err != nil {
				return err
			}
		}
	}

	instance := engine.newElementInstance(enclosing, subProcess)
	if err := engine.enterScope(ctx, instance); err != nil {
		return err
	}
	engine.enqueue(activityCommand{flowScopeKey: instance.Key, element: subProcess.GetStartEventById(subscription.CatchEventId)})
	return nil
}
