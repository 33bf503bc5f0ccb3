package bpmn

import (
	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
)

// command is a unit of work of the token run loop
type command interface {
}

// ---------------------------------------------------------------------

type activityCommand struct {
	flowScopeKey int64
	element      bpmn20.FlowNode
}

// ---------------------------------------------------------------------

type flowTransitionCommand struct {
	flowScopeKey int64
	flow         bpmn20.TSequenceFlow
}

// ---------------------------------------------------------------------

// checkScopeDoneCommand completes the flow scope once it has neither active
// children nor pending work.
type checkScopeDoneCommand struct {
	flowScopeKey int64
}

// ---------------------------------------------------------------------

// followUp is applied after the command which produced it, within the same
// apply call.
type followUp interface {
}

type triggerFollowUp struct {
	trigger conditional.TriggerCommand
}

type supersedeFollowUp struct {
	oldProcessDefinitionKey int64
	newProcessDefinitionKey int64
}
