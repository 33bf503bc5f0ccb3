package bpmn20

import "github.com/pbinitiative/zencond/pkg/bpmn/model/extensions"

const (
	ElementTypeTask            ElementType = "TASK"
	ElementTypeServiceTask     ElementType = "SERVICE_TASK"
	ElementTypeUserTask        ElementType = "USER_TASK"
	ElementTypeSubProcess      ElementType = "SUB_PROCESS"
	ElementTypeEventSubProcess ElementType = "EVENT_SUB_PROCESS"
	ElementTypeSequenceFlow    ElementType = "SEQUENCE_FLOW"
)

// Activity is a flow node that represents work and can carry boundary events.
type Activity interface {
	FlowNode
	activity()
}

type TActivity struct {
	TFlowNode
}

func (TActivity) activity() {}

// WaitingTask is an activity that waits for an external completion.
type WaitingTask interface {
	Activity
	GetTaskType() string
}

type TTask struct {
	TActivity
}

func (task TTask) GetType() ElementType { return ElementTypeTask }

func (task TTask) GetTaskType() string { return "" }

type TServiceTask struct {
	TActivity
	Implementation string `xml:"implementation,attr"`
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	TaskDefinition extensions.TTaskDefinition `xml:"extensionElements>taskDefinition"`
}

func (serviceTask TServiceTask) GetType() ElementType { return ElementTypeServiceTask }

func (serviceTask TServiceTask) GetTaskType() string {
	return serviceTask.TaskDefinition.TypeName
}

type TUserTask struct {
	TActivity
}

func (userTask TUserTask) GetType() ElementType { return ElementTypeUserTask }

func (userTask TUserTask) GetTaskType() string { return "user-task" }

// TSubProcess is an embedded sub process. With triggeredByEvent set it is an
// event sub process which is started by its own start event.
type TSubProcess struct {
	TActivity
	TFlowElementsContainer
	TriggeredByEvent bool `xml:"triggeredByEvent,attr"`
}

func (subProcess TSubProcess) GetType() ElementType {
	if subProcess.TriggeredByEvent {
		return ElementTypeEventSubProcess
	}
	return ElementTypeSubProcess
}

var (
	_ WaitingTask = &TTask{}
	_ WaitingTask = &TServiceTask{}
	_ WaitingTask = &TUserTask{}
	_ Activity    = &TSubProcess{}
)
