package zenflake

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMask(t *testing.T) {
	nodeId := int64(4)
	node, err := snowflake.NewNode(nodeId)
	require.NoError(t, err)
	id := node.Generate()

	maskedId := id.Int64() & GetPartitionMask()
	assert.Equal(t, nodeId, maskedId>>int64(nodeShift))
	assert.Equal(t, uint32(nodeId), GetPartitionId(id.Int64()))
}

func TestComposedKeysCarryPartition(t *testing.T) {
	first := Compose(3, 1)
	second := Compose(3, 2)

	assert.Less(t, first, second)
	assert.Equal(t, uint32(3), GetPartitionId(first))
	assert.Equal(t, int64(2), Sequence(second))
	assert.Equal(t, snowflake.ParseInt64(second).Node(), int64(3))
}

func TestNewNodeGeneratesPartitionTaggedIds(t *testing.T) {
	node, err := NewNode(7)
	require.NoError(t, err)

	id := node.Generate()

	assert.Equal(t, uint32(7), GetPartitionId(id.Int64()))
}
