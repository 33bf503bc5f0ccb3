package conditional

import (
	"fmt"

	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

// CatchPoint is a conditional event together with the way it is attached to
// its scope.
type CatchPoint struct {
	Kind  runtime.CatchPointKind
	Event bpmn20.ConditionalEvent
}

func (cp CatchPoint) definition() *bpmn20.TConditionalEventDefinition {
	return cp.Event.GetConditionalEventDefinition()
}

// scopeKeys derives the scope and element instance key of a subscription
// created for the catch point while scope is being activated.
func (cp CatchPoint) scopeKeys(scope runtime.ElementInstance) (int64, int64, error) {
	switch cp.Kind {
	case runtime.CatchPointBoundary:
		// the boundary lives as long as the activity it is attached to
		if scope.IsProcessInstance() || !isActivity(scope.ElementType) {
			return 0, 0, fmt.Errorf("boundary event %s can not be attached to %s %s", cp.Event.GetId(), scope.ElementType, scope.ElementId)
		}
		return scope.Key, scope.Key, nil
	case runtime.CatchPointIntermediateCatch:
		if scope.ElementType != bpmn20.ElementTypeIntermediateCatchEvent || scope.ElementId != cp.Event.GetId() {
			return 0, 0, fmt.Errorf("intermediate catch event %s does not belong to %s %s", cp.Event.GetId(), scope.ElementType, scope.ElementId)
		}
		return scope.Key, scope.Key, nil
	case runtime.CatchPointEventSubProcessStart:
		// event sub processes are started inside the enclosing flow scope
		if !scope.IsProcessInstance() && !isSubProcess(scope.ElementType) {
			return 0, 0, fmt.Errorf("event sub process start %s can not be enclosed by %s %s", cp.Event.GetId(), scope.ElementType, scope.ElementId)
		}
		return scope.Key, scope.Key, nil
	case runtime.CatchPointStart:
		return 0, 0, fmt.Errorf("start event %s is subscribed on deployment", cp.Event.GetId())
	}
	return 0, 0, fmt.Errorf("unknown catch point kind %q", cp.Kind)
}

func isActivity(elementType bpmn20.ElementType) bool {
	switch elementType {
	case bpmn20.ElementTypeTask, bpmn20.ElementTypeServiceTask, bpmn20.ElementTypeUserTask, bpmn20.ElementTypeSubProcess:
		return true
	}
	return false
}

func isSubProcess(elementType bpmn20.ElementType) bool {
	return elementType == bpmn20.ElementTypeSubProcess || elementType == bpmn20.ElementTypeEventSubProcess
}

// CatchPointsOf returns the conditional catch points owned by the scope: the
// boundary events of an activity, the definition of an intermediate catch
// event and the conditional starts of event sub processes declared in a
// process or sub process.
func CatchPointsOf(process *bpmn20.TProcess, scope runtime.ElementInstance) []CatchPoint {
	var points []CatchPoint
	if scope.IsProcessInstance() {
		return eventSubProcessStarts(&process.TFlowElementsContainer)
	}

	switch scope.ElementType {
	case bpmn20.ElementTypeIntermediateCatchEvent:
		if event, ok := process.GetFlowNodeById(scope.ElementId).(*bpmn20.TIntermediateCatchEvent); ok && event.ConditionalEventDefinition != nil {
			points = append(points, CatchPoint{Kind: runtime.CatchPointIntermediateCatch, Event: event})
		}
		return points
	case bpmn20.ElementTypeEventSubProcess:
		if sp := process.GetSubProcessById(scope.ElementId); sp != nil {
			points = append(points, eventSubProcessStarts(&sp.TFlowElementsContainer)...)
		}
		return points
	}

	if isActivity(scope.ElementType) {
		if container, _ := process.ContainerOf(scope.ElementId); container != nil {
			for _, boundary := range container.BoundaryEventsAttachedTo(scope.ElementId) {
				if boundary.ConditionalEventDefinition != nil {
					points = append(points, CatchPoint{Kind: runtime.CatchPointBoundary, Event: boundary})
				}
			}
		}
	}
	if scope.ElementType == bpmn20.ElementTypeSubProcess {
		if sp := process.GetSubProcessById(scope.ElementId); sp != nil {
			points = append(points, eventSubProcessStarts(&sp.TFlowElementsContainer)...)
		}
	}
	return points
}

func eventSubProcessStarts(container *bpmn20.TFlowElementsContainer) []CatchPoint {
	var points []CatchPoint
	for _, esp := range container.EventSubProcesses() {
		for _, start := range esp.ConditionalStartEvents() {
			points = append(points, CatchPoint{Kind: runtime.CatchPointEventSubProcessStart, Event: start})
		}
	}
	return points
}

// StartCatchPoints returns the conditional start events of the process root.
func StartCatchPoints(process *bpmn20.TProcess) []CatchPoint {
	var points []CatchPoint
	for _, start := range process.ConditionalStartEvents() {
		points = append(points, CatchPoint{Kind: runtime.CatchPointStart, Event: start})
	}
	return points
}
