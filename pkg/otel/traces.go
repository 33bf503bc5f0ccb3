package otel

const (
	Prefix                        = "bpmn-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeProcessId            = Prefix + "process-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeElementId            = Prefix + "element-id"
	AttributeElementKey           = Prefix + "element-key"
	AttributeSubscriptionKey      = Prefix + "subscription-key"
	AttributeTenantId             = Prefix + "tenant-id"
	AttributeRejectionType        = Prefix + "rejection-type"
	AttributeResult               = Prefix + "result"
)
