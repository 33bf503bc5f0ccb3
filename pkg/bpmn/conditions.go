// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
)

// exclusivelyFilterByConditionExpression
// [From BPMN 2.0 Specification, chapter 10.5.3 Inclusive Gateway]
// A diverging Exclusive Gateway (Decision) is used to create alternative paths within a Process flow. This is basically
// the “diversion point in the road” for a Process. For a given instance of the Process, only one of the paths can be taken.
// A default path can optionally be identified, to be taken in the event that none of the conditional Expressions evaluate
// to true. If a default path is not specified and the Process is executed such that none of the conditional Expressions
// evaluates to true, a runtime exception occurs.
// A converging Exclusive Gateway is used to merge alternative paths. Each incoming Sequence Flow token is routed
// to the outgoing Sequence Flow without synchronization.
func exclusivelyFilterByConditionExpression(gate conditional.ExpressionGate, flows []bpmn20.TSequenceFlow, defaultFlowId string, variableContext map[string]any) ([]bpmn20.TSequenceFlow, error) {
	var defaultFlow *bpmn20.TSequenceFlow
	flowIds := strings.Builder{}
	for i, flow := range flows {
		if flow.GetId() == defaultFlowId {
			defaultFlow = &flows[i]
			continue
		}
		expression := flow.GetConditionExpression()
		if expression == "" {
			// one unconditional flow is enough to proceed further
			if len(flows) == 1 {
				return []bpmn20.TSequenceFlow{flow}, nil
			}
			continue
		}
		flowIds.WriteString(fmt.Sprintf("[id='%s',name='%s']", flow.GetId(), flow.GetName()))
		out, err := gate.Evaluate(expression, variableContext)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating expression in flow element id='%s' name='%s'", flow.GetId(), flow.GetName()),
				Err: err,
			}
		}
		if out {
			return []bpmn20.TSequenceFlow{flow}, nil
		}
	}
	if defaultFlow == nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("No default flow, nor matching expressions found, for flow elements: %s", flowIds.String()),
		}
	}
	return []bpmn20.TSequenceFlow{*defaultFlow}, nil
}
