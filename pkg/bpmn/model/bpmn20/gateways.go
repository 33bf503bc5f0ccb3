package bpmn20

const (
	ElementTypeParallelGateway  ElementType = "PARALLEL_GATEWAY"
	ElementTypeExclusiveGateway ElementType = "EXCLUSIVE_GATEWAY"
)

type GatewayElement interface {
	FlowNode
	IsParallel() bool
	IsExclusive() bool
}

type TGateway struct {
	TFlowNode
}

type TParallelGateway struct {
	TGateway
}

func (parallelGateway TParallelGateway) GetType() ElementType {
	return ElementTypeParallelGateway
}

func (parallelGateway TParallelGateway) IsParallel() bool  { return true }
func (parallelGateway TParallelGateway) IsExclusive() bool { return false }

type TExclusiveGateway struct {
	TGateway
	DefaultFlowId string `xml:"default,attr"`
}

func (exclusiveGateway TExclusiveGateway) GetType() ElementType {
	return ElementTypeExclusiveGateway
}

func (exclusiveGateway TExclusiveGateway) IsParallel() bool  { return false }
func (exclusiveGateway TExclusiveGateway) IsExclusive() bool { return true }

var (
	_ GatewayElement = &TParallelGateway{}
	_ GatewayElement = &TExclusiveGateway{}
)
