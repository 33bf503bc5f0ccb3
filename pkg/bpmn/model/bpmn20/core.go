package bpmn20

import "strings"

// All BPMN elements that inherit from the BaseElement will have the capability,
// through the Documentation element, to have one (1) or more text descriptions
// of that element.
type TDocumentation struct {
	// This attribute is used to capture the text descriptions of a
	// BPMN element.
	Text string `xml:",chardata"`

	// This attribute identifies the format of the text. It MUST follow
	// the mime-type format. The default is "text/plain".
	Format string `xml:"textFormat,attr"`
}

type TBaseElement struct {
	// This attribute is used to uniquely identify BPMN elements. The id is
	// REQUIRED if this element is referenced or intended to be referenced by
	// something else.
	Id string `xml:"id,attr"`

	Documentation []TDocumentation `xml:"documentation"`
}

func (t TBaseElement) GetId() string {
	return t.Id
}

type BaseElement interface {
	GetId() string
}

type TDefinitions struct {
	TBaseElement
	Name               string   `xml:"name,attr"`
	TargetNamespace    string   `xml:"targetNamespace,attr"`
	ExpressionLanguage string   `xml:"expressionLanguage,attr"`
	TypeLanguage       string   `xml:"typeLanguage,attr"`
	Exporter           string   `xml:"exporter,attr"`
	ExporterVersion    string   `xml:"exporterVersion,attr"`
	Process            TProcess `xml:"process"`
}

type TCallableElement struct {
	TBaseElement
	Name string `xml:"name,attr"`
}

type FlowElement interface {
	BaseElement
	GetName() string
	GetType() ElementType
}

type TFlowElement struct {
	TBaseElement
	Name string `xml:"name,attr"`
}

func (fe TFlowElement) GetName() string {
	return fe.Name
}

type TSequenceFlow struct {
	TFlowElement
	SourceRef           string      `xml:"sourceRef,attr"`
	TargetRef           string      `xml:"targetRef,attr"`
	ConditionExpression TExpression `xml:"conditionExpression"`
}

func (sf TSequenceFlow) GetType() ElementType {
	return ElementTypeSequenceFlow
}

// GetConditionExpression returns the trimmed condition or an empty string
// when the flow is unconditional.
func (sf TSequenceFlow) GetConditionExpression() string {
	return strings.TrimSpace(sf.ConditionExpression.Text)
}

type FlowNode interface {
	FlowElement
	GetIncomingAssociation() []string
	GetOutgoingAssociation() []string
}

type TFlowNode struct {
	TFlowElement
	IncomingAssociation []string `xml:"incoming"`
	OutgoingAssociation []string `xml:"outgoing"`
}

func (fn TFlowNode) GetIncomingAssociation() []string {
	return fn.IncomingAssociation
}

func (fn TFlowNode) GetOutgoingAssociation() []string {
	return fn.OutgoingAssociation
}

type TExpression struct {
	Text string `xml:",chardata"`
}
