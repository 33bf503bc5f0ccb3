package bpmn20

type ElementType string

const ElementTypeProcess ElementType = "PROCESS"

type TFlowElementsContainer struct {
	StartEvents            []TStartEvent             `xml:"startEvent"`
	EndEvents              []TEndEvent               `xml:"endEvent"`
	SequenceFlows          []TSequenceFlow           `xml:"sequenceFlow"`
	Tasks                  []TTask                   `xml:"task"`
	ServiceTasks           []TServiceTask            `xml:"serviceTask"`
	UserTasks              []TUserTask               `xml:"userTask"`
	ParallelGateway        []TParallelGateway        `xml:"parallelGateway"`
	ExclusiveGateway       []TExclusiveGateway       `xml:"exclusiveGateway"`
	IntermediateCatchEvent []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
	BoundaryEvent          []TBoundaryEvent          `xml:"boundaryEvent"`
	SubProcess             []TSubProcess             `xml:"subProcess"`
}

type TProcess struct {
	TCallableElement
	TFlowElementsContainer
	ProcessType  string `xml:"processType,attr"`
	IsClosed     bool   `xml:"isClosed,attr"`
	IsExecutable bool   `xml:"isExecutable,attr"`
}

func (p *TProcess) GetType() ElementType {
	return ElementTypeProcess
}

// FlowNodes returns the direct children of the container, nested sub process
// content is not included.
func (c *TFlowElementsContainer) FlowNodes() []FlowNode {
	var nodes []FlowNode
	for i := range c.StartEvents {
		nodes = append(nodes, &c.StartEvents[i])
	}
	for i := range c.EndEvents {
		nodes = append(nodes, &c.EndEvents[i])
	}
	for i := range c.Tasks {
		nodes = append(nodes, &c.Tasks[i])
	}
	for i := range c.ServiceTasks {
		nodes = append(nodes, &c.ServiceTasks[i])
	}
	for i := range c.UserTasks {
		nodes = append(nodes, &c.UserTasks[i])
	}
	for i := range c.ParallelGateway {
		nodes = append(nodes, &c.ParallelGateway[i])
	}
	for i := range c.ExclusiveGateway {
		nodes = append(nodes, &c.ExclusiveGateway[i])
	}
	for i := range c.IntermediateCatchEvent {
		nodes = append(nodes, &c.IntermediateCatchEvent[i])
	}
	for i := range c.BoundaryEvent {
		nodes = append(nodes, &c.BoundaryEvent[i])
	}
	for i := range c.SubProcess {
		nodes = append(nodes, &c.SubProcess[i])
	}
	return nodes
}

// GetFlowNodeById searches the container and all nested sub processes.
func (c *TFlowElementsContainer) GetFlowNodeById(id string) FlowNode {
	for _, node := range c.FlowNodes() {
		if node.GetId() == id {
			return node
		}
	}
	for i := range c.SubProcess {
		if node := c.SubProcess[i].GetFlowNodeById(id); node != nil {
			return node
		}
	}
	return nil
}

// GetSubProcessById searches the container and all nested sub processes.
func (c *TFlowElementsContainer) GetSubProcessById(id string) *TSubProcess {
	for i := range c.SubProcess {
		if c.SubProcess[i].GetId() == id {
			return &c.SubProcess[i]
		}
		if sp := c.SubProcess[i].GetSubProcessById(id); sp != nil {
			return sp
		}
	}
	return nil
}

func (c *TFlowElementsContainer) GetSequenceFlowById(id string) *TSequenceFlow {
	for i := range c.SequenceFlows {
		if c.SequenceFlows[i].GetId() == id {
			return &c.SequenceFlows[i]
		}
	}
	return nil
}

// OutgoingFlows returns the sequence flows whose source is the given node.
func (c *TFlowElementsContainer) OutgoingFlows(nodeId string) []TSequenceFlow {
	var flows []TSequenceFlow
	for _, flow := range c.SequenceFlows {
		if flow.SourceRef == nodeId {
			flows = append(flows, flow)
		}
	}
	return flows
}

// IncomingFlows returns the sequence flows whose target is the given node.
func (c *TFlowElementsContainer) IncomingFlows(nodeId string) []TSequenceFlow {
	var flows []TSequenceFlow
	for _, flow := range c.SequenceFlows {
		if flow.TargetRef == nodeId {
			flows = append(flows, flow)
		}
	}
	return flows
}

// BoundaryEventsAttachedTo returns boundary events guarding the activity.
func (c *TFlowElementsContainer) BoundaryEventsAttachedTo(activityId string) []*TBoundaryEvent {
	var events []*TBoundaryEvent
	for i := range c.BoundaryEvent {
		if c.BoundaryEvent[i].AttachedToRef == activityId {
			events = append(events, &c.BoundaryEvent[i])
		}
	}
	return events
}

// EventSubProcesses returns the event sub processes declared directly in the
// container.
func (c *TFlowElementsContainer) EventSubProcesses() []*TSubProcess {
	var subProcesses []*TSubProcess
	for i := range c.SubProcess {
		if c.SubProcess[i].TriggeredByEvent {
			subProcesses = append(subProcesses, &c.SubProcess[i])
		}
	}
	return subProcesses
}

// NoneStartEvent returns the first start event without an event definition.
func (c *TFlowElementsContainer) NoneStartEvent() *TStartEvent {
	for i := range c.StartEvents {
		if c.StartEvents[i].IsNoneStartEvent() {
			return &c.StartEvents[i]
		}
	}
	return nil
}

// ConditionalStartEvents returns the start events of this container carrying
// a conditional event definition.
func (c *TFlowElementsContainer) ConditionalStartEvents() []*TStartEvent {
	var events []*TStartEvent
	for i := range c.StartEvents {
		if c.StartEvents[i].ConditionalEventDefinition != nil {
			events = append(events, &c.StartEvents[i])
		}
	}
	return events
}

func (c *TFlowElementsContainer) GetStartEventById(id string) *TStartEvent {
	for i := range c.StartEvents {
		if c.StartEvents[i].GetId() == id {
			return &c.StartEvents[i]
		}
	}
	return nil
}

// ContainerOf returns the container which directly declares the flow node
// together with the id of its owning element, the process id for root level
// nodes or the sub process id otherwise.
func (p *TProcess) ContainerOf(nodeId string) (*TFlowElementsContainer, string) {
	return containerOf(&p.TFlowElementsContainer, p.Id, nodeId)
}

func containerOf(c *TFlowElementsContainer, ownerId string, nodeId string) (*TFlowElementsContainer, string) {
	for _, node := range c.FlowNodes() {
		if node.GetId() == nodeId {
			return c, ownerId
		}
	}
	for i := range c.SubProcess {
		sp := &c.SubProcess[i]
		if found, owner := containerOf(&sp.TFlowElementsContainer, sp.Id, nodeId); found != nil {
			return found, owner
		}
	}
	return nil, ""
}
