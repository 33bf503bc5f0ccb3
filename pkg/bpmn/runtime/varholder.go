package runtime

// VariableHolder is a view on the variables of one scope and its parents.
type VariableHolder struct {
	parent         *VariableHolder
	scopeKey       int64
	localVariables map[string]interface{}
}

// NewVariableHolder creates a new VariableHolder for the scope with a given parent and localVariables map.
// If localVariables are not specified an empty map is used.
func NewVariableHolder(parent *VariableHolder, scopeKey int64, localVariables map[string]interface{}) VariableHolder {
	if localVariables == nil {
		localVariables = make(map[string]interface{})
	}
	return VariableHolder{
		parent:         parent,
		scopeKey:       scopeKey,
		localVariables: localVariables,
	}
}

func (vh *VariableHolder) ScopeKey() int64 {
	return vh.scopeKey
}

func (vh *VariableHolder) Parent() *VariableHolder {
	return vh.parent
}

func (vh *VariableHolder) LocalVariables() map[string]interface{} {
	return vh.localVariables
}

func (vh *VariableHolder) GetLocalVariable(key string) interface{} {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	return nil
}

func (vh *VariableHolder) SetLocalVariable(key string, val interface{}) {
	vh.localVariables[key] = val
}

// GetVariable resolves the variable from the nearest scope declaring it.
func (vh *VariableHolder) GetVariable(key string) (interface{}, bool) {
	for h := vh; h != nil; h = h.parent {
		if v, ok := h.localVariables[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Owner returns the nearest holder declaring the variable or nil.
func (vh *VariableHolder) Owner(key string) *VariableHolder {
	for h := vh; h != nil; h = h.parent {
		if _, ok := h.localVariables[key]; ok {
			return h
		}
	}
	return nil
}

// Root returns the outermost holder of the chain.
func (vh *VariableHolder) Root() *VariableHolder {
	h := vh
	for h.parent != nil {
		h = h.parent
	}
	return h
}

// Variables returns all variables visible in the scope, inner scopes shadow
// variables of outer scopes.
func (vh *VariableHolder) Variables() map[string]interface{} {
	var chain []*VariableHolder
	for h := vh; h != nil; h = h.parent {
		chain = append(chain, h)
	}
	result := make(map[string]interface{})
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].localVariables {
			result[k] = v
		}
	}
	return result
}
