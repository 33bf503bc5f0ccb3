package runtime

const (
	PermissionCreateProcessInstance = "CREATE_PROCESS_INSTANCE"
	ResourceTypeProcessDefinition   = "PROCESS_DEFINITION"
	WildcardResourceId              = "*"
)

// Identity is the snapshot of the requester resolved before a command is
// applied. It travels with the command so that applying it never needs to
// call out to an identity service.
type Identity struct {
	Username  string   `json:"username"`
	TenantIds []string `json:"tenantIds,omitempty"`
	Grants    []Grant  `json:"grants,omitempty"`
}

type Grant struct {
	Permission   string   `json:"permission"`
	ResourceType string   `json:"resourceType"`
	ResourceIds  []string `json:"resourceIds"`
}
