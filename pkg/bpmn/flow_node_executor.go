package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

// run moves tokens until no work is left. Work enqueued while running is
// picked up by the running loop.
func (engine *Engine) run(ctx context.Context) error {
	if engine.running {
		return nil
	}
	engine.running = true
	defer func() { engine.running = false }()

	for len(engine.work) > 0 {
		next := engine.work[0]
		engine.work = engine.work[1:]

		var err error
		switch cmd := next.(type) {
		case activityCommand:
			err = engine.activateElement(ctx, cmd.flowScopeKey, cmd.element)
		case flowTransitionCommand:
			err = engine.takeFlow(ctx, cmd.flowScopeKey, cmd.flow)
		case checkScopeDoneCommand:
			if engine.hasPendingWork(cmd.flowScopeKey) {
				engine.work = append(engine.work, cmd)
				continue
			}
			err = engine.checkScopeDone(ctx, cmd.flowScopeKey)
		default:
			panic(fmt.Sprintf("[invariant check] command type %T not implemented", next))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (engine *Engine) hasPendingWork(flowScopeKey int64) bool {
	for _, cmd := range engine.work {
		switch c := cmd.(type) {
		case activityCommand:
			if c.flowScopeKey == flowScopeKey {
				return true
			}
		case flowTransitionCommand:
			if c.flowScopeKey == flowScopeKey {
				return true
			}
		}
	}
	return false
}

func (engine *Engine) enqueue(commands ...command) {
	engine.work = append(engine.work, commands...)
}

func (engine *Engine) elementInstance(ctx context.Context, key int64) (runtime.ElementInstance, error) {
	element, err := engine.persistence.FindElementInstanceByKey(ctx, key)
	if err != nil {
		return element, errors.Join(newEngineErrorf("failed to find element instance with key %d", key), err)
	}
	return element, nil
}

func (engine *Engine) processOf(ctx context.Context, element runtime.ElementInstance) (*bpmn20.TProcess, error) {
	definition, err := engine.definition(ctx, element.ProcessDefinitionKey)
	if err != nil {
		return nil, err
	}
	return &definition.Definitions.Process, nil
}

func (engine *Engine) takeFlow(ctx context.Context, flowScopeKey int64, flow bpmn20.TSequenceFlow) error {
	flowScope, err := engine.elementInstance(ctx, flowScopeKey)
	if err != nil {
		return err
	}
	if !flowScope.IsActive() {
		return nil
	}
	process, err := engine.processOf(ctx, flowScope)
	if err != nil {
		return err
	}
	target := process.GetFlowNodeById(flow.TargetRef)
	if target == nil {
		return newEngineErrorf("sequence flow %s targets unknown element %s", flow.Id, flow.TargetRef)
	}
	engine.exportSequenceFlowEvent(flowScope, flow)
	engine.enqueue(activityCommand{flowScopeKey: flowScopeKey, element: target})
	return nil
}

// takeOutgoing enqueues the outgoing flows of the flow node in the flow scope.
func (engine *Engine) takeOutgoing(ctx context.Context, flowScope runtime.ElementInstance, nodeId string) error {
	process, err := engine.processOf(ctx, flowScope)
	if err != nil {
		return err
	}
	container, _ := process.ContainerOf(nodeId)
	if container == nil {
		return newEngineErrorf("element %s not found in process %s", nodeId, process.Id)
	}
	for _, flow := range container.OutgoingFlows(nodeId) {
		engine.enqueue(flowTransitionCommand{flowScopeKey: flowScope.Key, flow: flow})
	}
	return nil
}

// newElementInstance prepares an instance of the flow node inside the flow
// scope, it is not persisted.
func (engine *Engine) newElementInstance(flowScope runtime.ElementInstance, node bpmn20.FlowNode) runtime.ElementInstance {
	element := runtime.ElementInstance{
		Key:                  engine.persistence.GenerateId(),
		ElementId:            node.GetId(),
		ElementType:          node.GetType(),
		ParentKey:            flowScope.Key,
		ProcessInstanceKey:   flowScope.ProcessInstanceKey,
		ProcessDefinitionKey: flowScope.ProcessDefinitionKey,
		BpmnProcessId:        flowScope.BpmnProcessId,
		TenantId:             flowScope.TenantId,
		State:                runtime.Active,
	}
	if task, ok := node.(bpmn20.WaitingTask); ok {
		element.TaskType = task.GetTaskType()
	}
	return element
}

// passThrough records an element which completes right after its activation.
func (engine *Engine) passThrough(flowScope runtime.ElementInstance, node bpmn20.FlowNode) runtime.ElementInstance {
	element := engine.newElementInstance(flowScope, node)
	engine.exportElementEvent(element, exporter.ElementActivating)
	engine.exportElementEvent(element, exporter.ElementActivated)
	element.State = runtime.Completed
	engine.exportElementEvent(element, exporter.ElementCompleted)
	return element
}

func (engine *Engine) activateElement(ctx context.Context, flowScopeKey int64, node bpmn20.FlowNode) error {
	flowScope, err := engine.elementInstance(ctx, flowScopeKey)
	if err != nil {
		return err
	}
	if !flowScope.IsActive() {
		return nil
	}

	switch element := node.(type) {
	case *bpmn20.TStartEvent, *bpmn20.TTask:
		engine.passThrough(flowScope, node)
		return engine.takeOutgoing(ctx, flowScope, node.GetId())
	case *bpmn20.TEndEvent:
		engine.passThrough(flowScope, node)
		engine.enqueue(checkScopeDoneCommand{flowScopeKey: flowScope.Key})
		return nil
	case *bpmn20.TExclusiveGateway:
		return engine.activateExclusiveGateway(ctx, flowScope, element)
	case *bpmn20.TParallelGateway:
		return engine.activateParallelGateway(ctx, flowScope, element)
	case *bpmn20.TServiceTask, *bpmn20.TUserTask, *bpmn20.TIntermediateCatchEvent:
		instance := engine.newElementInstance(flowScope, node)
		return engine.enterScope(ctx, instance)
	case *bpmn20.TSubProcess:
		if element.TriggeredByEvent {
			return newEngineErrorf("event sub process %s can not be reached by a sequence flow", element.Id)
		}
		start := element.NoneStartEvent()
		if start == nil {
			return newEngineErrorf("sub process %s has no none start event", element.Id)
		}
		instance := engine.newElementInstance(flowScope, node)
		if err := engine.enterScope(ctx, instance); err != nil {
			return err
		}
		engine.enqueue(activityCommand{flowScopeKey: instance.Key, element: start})
		return nil
	}
	return newEngineErrorf("element %s of type %s is not supported", node.GetId(), node.GetType())
}

// enterScope persists a waiting element and subscribes its conditional catch
// points. Conditions which already hold are triggered right away.
func (engine *Engine) enterScope(ctx context.Context, instance runtime.ElementInstance) error {
	if err := engine.persistence.SaveElementInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to save element instance %d: %w", instance.Key, err)
	}
	engine.exportElementEvent(instance, exporter.ElementActivating)
	engine.exportElementEvent(instance, exporter.ElementActivated)

	process, err := engine.processOf(ctx, instance)
	if err != nil {
		return err
	}
	subscriptions, err := engine.manager.OnScopeActivated(ctx, instance, conditional.CatchPointsOf(process, instance))
	if err != nil {
		return errors.Join(newEngineErrorf("failed to subscribe catch points of %s", instance.ElementId), err)
	}
	return engine.evaluator.EvaluateSubscriptions(ctx, subscriptions)
}

func (engine *Engine) activateExclusiveGateway(ctx context.Context, flowScope runtime.ElementInstance, gateway *bpmn20.TExclusiveGateway) error {
	process, err := engine.processOf(ctx, flowScope)
	if err != nil {
		return err
	}
	container, _ := process.ContainerOf(gateway.Id)
	variables, err := engine.visibleVariables(ctx, flowScope.Key)
	if err != nil {
		return err
	}
	flows, err := exclusivelyFilterByConditionExpression(engine.gate, container.OutgoingFlows(gateway.Id), gateway.DefaultFlowId, variables)
	if err != nil {
		return err
	}
	engine.passThrough(flowScope, gateway)
	for _, flow := range flows {
		engine.enqueue(flowTransitionCommand{flowScopeKey: flowScope.Key, flow: flow})
	}
	return nil
}

// activateParallelGateway joins the incoming tokens in the flow scope and
// forks once every incoming flow was taken.
func (engine *Engine) activateParallelGateway(ctx context.Context, flowScope runtime.ElementInstance, gateway *bpmn20.TParallelGateway) error {
	process, err := engine.processOf(ctx, flowScope)
	if err != nil {
		return err
	}
	container, _ := process.ContainerOf(gateway.Id)
	incoming := len(container.IncomingFlows(gateway.Id))
	if incoming > 1 {
		if flowScope.GatewayTokens == nil {
			flowScope.GatewayTokens = map[string]int{}
		}
		flowScope.GatewayTokens[gateway.Id]++
		joined := flowScope.GatewayTokens[gateway.Id] >= incoming
		if joined {
			delete(flowScope.GatewayTokens, gateway.Id)
		}
		if err := engine.persistence.SaveElementInstance(ctx, flowScope); err != nil {
			return fmt.Errorf("failed to save element instance %d: %w", flowScope.Key, err)
		}
		if !joined {
			return nil
		}
	}
	engine.passThrough(flowScope, gateway)
	return engine.takeOutgoing(ctx, flowScope, gateway.Id)
}

// checkScopeDone completes the flow scope once none of its children is
// active anymore.
func (engine *Engine) checkScopeDone(ctx context.Context, scopeKey int64) error {
	scope, err := engine.elementInstance(ctx, scopeKey)
	if err != nil {
		return err
	}
	// tokens waiting at a join keep the scope alive
	if !scope.IsActive() || len(scope.GatewayTokens) > 0 {
		return nil
	}
	children, err := engine.persistence.FindElementInstancesByParentKey(ctx, scopeKey)
	if err != nil {
		return fmt.Errorf("failed to find children of %d: %w", scopeKey, err)
	}
	for _, child := range children {
		if child.IsActive() {
			return nil
		}
	}
	if err := engine.completeElement(ctx, scope); err != nil {
		return err
	}

	switch {
	case scope.IsProcessInstance():
		instance, err := engine.persistence.FindProcessInstanceByKey(ctx, scope.ProcessInstanceKey)
		if err != nil {
			return errors.Join(newEngineErrorf("failed to find process instance %d", scope.ProcessInstanceKey), err)
		}
		instance.State = runtime.Completed
		return engine.persistence.SaveProcessInstance(ctx, instance)
	case scope.ElementType == bpmn20.ElementTypeEventSubProcess:
		engine.enqueue(checkScopeDoneCommand{flowScopeKey: scope.ParentKey})
		return nil
	}
	parent, err := engine.elementInstance(ctx, scope.ParentKey)
	if err != nil {
		return err
	}
	return engine.takeOutgoing(ctx, parent, scope.ElementId)
}

// completeElement marks a waiting element or scope completed and removes its
// subscriptions.
func (engine *Engine) completeElement(ctx context.Context, element runtime.ElementInstance) error {
	element.State = runtime.Completed
	if err := engine.persistence.SaveElementInstance(ctx, element); err != nil {
		return fmt.Errorf("failed to save element instance %d: %w", element.Key, err)
	}
	if err := engine.manager.OnScopeTerminated(ctx, element.Key); err != nil {
		return err
	}
	engine.exportElementEvent(element, exporter.ElementCompleted)
	return nil
}

// terminate stops the element and everything running inside it, children
// are terminated first.
func (engine *Engine) terminate(ctx context.Context, key int64) error {
	element, err := engine.elementInstance(ctx, key)
	if err != nil {
		return err
	}
	if !element.IsActive() {
		return nil
	}
	children, err := engine.persistence.FindElementInstancesByParentKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to find children of %d: %w", key, err)
	}
	for _, child := range children {
		if err := engine.terminate(ctx, child.Key); err != nil {
			return err
		}
	}
	element.State = runtime.Terminated
	if err := engine.persistence.SaveElementInstance(ctx, element); err != nil {
		return fmt.Errorf("failed to save element instance %d: %w", element.Key, err)
	}
	if err := engine.manager.OnScopeTerminated(ctx, key); err != nil {
		return err
	}
	engine.exportElementEvent(element, exporter.ElementTerminated)
	return nil
}
