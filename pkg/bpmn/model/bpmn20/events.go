package bpmn20

import (
	"strings"

	"github.com/pbinitiative/zencond/pkg/bpmn/model/extensions"
)

const (
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementTypeBoundaryEvent          ElementType = "BOUNDARY_EVENT"
)

type TEvent struct {
	TFlowNode
}

// TConditionalEventDefinition marks a catch event which fires once its
// condition evaluates to true.
type TConditionalEventDefinition struct {
	Id        string      `xml:"id,attr"`
	Condition TExpression `xml:"condition"`
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	Filter extensions.TConditionalFilter `xml:"extensionElements>conditionalFilter"`
}

func (d TConditionalEventDefinition) GetCondition() string {
	return strings.TrimSpace(d.Condition.Text)
}

// ConditionalEvent is implemented by every event that can carry a
// conditional event definition.
type ConditionalEvent interface {
	FlowNode
	GetConditionalEventDefinition() *TConditionalEventDefinition
	IsInterrupting() bool
}

type TStartEvent struct {
	TEvent
	Interrupting               *bool                        `xml:"isInterrupting,attr"`
	ConditionalEventDefinition *TConditionalEventDefinition `xml:"conditionalEventDefinition"`
}

func (startEvent TStartEvent) GetType() ElementType {
	return ElementTypeStartEvent
}

// IsInterrupting defaults to true as in BPMN 2.0 when the attribute is absent.
func (startEvent TStartEvent) IsInterrupting() bool {
	return startEvent.Interrupting == nil || *startEvent.Interrupting
}

func (startEvent TStartEvent) GetConditionalEventDefinition() *TConditionalEventDefinition {
	return startEvent.ConditionalEventDefinition
}

// IsNoneStartEvent reports whether the start event has no event definition.
func (startEvent TStartEvent) IsNoneStartEvent() bool {
	return startEvent.ConditionalEventDefinition == nil
}

type TEndEvent struct {
	TEvent
}

func (endEvent TEndEvent) GetType() ElementType { return ElementTypeEndEvent }

type TIntermediateCatchEvent struct {
	TEvent
	ConditionalEventDefinition *TConditionalEventDefinition `xml:"conditionalEventDefinition"`
}

func (catchEvent TIntermediateCatchEvent) GetType() ElementType {
	return ElementTypeIntermediateCatchEvent
}

func (catchEvent TIntermediateCatchEvent) GetConditionalEventDefinition() *TConditionalEventDefinition {
	return catchEvent.ConditionalEventDefinition
}

// IsInterrupting is always true, a catch event completes once it fires.
func (catchEvent TIntermediateCatchEvent) IsInterrupting() bool {
	return true
}

type TBoundaryEvent struct {
	TEvent
	AttachedToRef              string                       `xml:"attachedToRef,attr"`
	CancelActivity             *bool                        `xml:"cancelActivity,attr"`
	ConditionalEventDefinition *TConditionalEventDefinition `xml:"conditionalEventDefinition"`
}

func (boundaryEvent TBoundaryEvent) GetType() ElementType {
	return ElementTypeBoundaryEvent
}

func (boundaryEvent TBoundaryEvent) IsInterrupting() bool {
	return boundaryEvent.CancelActivity == nil || *boundaryEvent.CancelActivity
}

func (boundaryEvent TBoundaryEvent) GetConditionalEventDefinition() *TConditionalEventDefinition {
	return boundaryEvent.ConditionalEventDefinition
}

var (
	_ ConditionalEvent = &TStartEvent{}
	_ ConditionalEvent = &TIntermediateCatchEvent{}
	_ ConditionalEvent = &TBoundaryEvent{}
)
