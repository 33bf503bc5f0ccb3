package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInnerScopeShadowsOuterVariables(t *testing.T) {
	// given
	process := NewVariableHolder(nil, 1, map[string]interface{}{"x": 1, "y": 2})
	task := NewVariableHolder(&process, 2, map[string]interface{}{"x": 10})

	// when
	visible := task.Variables()

	// then
	assert.Equal(t, map[string]interface{}{"x": 10, "y": 2}, visible)
	assert.Equal(t, map[string]interface{}{"x": 1, "y": 2}, process.Variables())
}

func TestOwnerResolvesNearestDeclaringScope(t *testing.T) {
	// given
	process := NewVariableHolder(nil, 1, map[string]interface{}{"y": 2})
	sub := NewVariableHolder(&process, 2, nil)
	task := NewVariableHolder(&sub, 3, map[string]interface{}{"x": 10})

	// then
	assert.Equal(t, int64(3), task.Owner("x").ScopeKey())
	assert.Equal(t, int64(1), task.Owner("y").ScopeKey())
	assert.Nil(t, task.Owner("z"))
	assert.Equal(t, int64(1), task.Root().ScopeKey())

	v, ok := task.GetVariable("y")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = task.GetVariable("z")
	assert.False(t, ok)
}
