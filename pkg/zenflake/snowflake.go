package zenflake

import "github.com/bwmarrin/snowflake"

// NODE with id 0 is used for global resources like definitions across all the partitions

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	stepMask  int64 = -1 ^ (-1 << StepBits)
	timeShift       = NodeBits + StepBits
	nodeShift       = StepBits
)

func GetPartitionMask() int64 {
	return nodeMask
}

func GetPartitionId(id int64) uint32 {
	maskedId := id & GetPartitionMask()
	nodeId := maskedId >> int64(nodeShift)
	return uint32(nodeId)
}

// Compose builds a key with the snowflake bit layout where the time part is
// replaced by a sequence number. Keys composed this way do not depend on the
// clock, which keeps them identical on every replica applying the same log.
func Compose(partitionId uint32, sequence int64) int64 {
	return sequence<<timeShift | (int64(partitionId)&nodeMax)<<nodeShift
}

// Sequence returns the sequence number of a key created by Compose.
func Sequence(id int64) int64 {
	return id >> timeShift
}

// NewNode creates a clock based snowflake generator for ids that are created
// outside of the replicated state, e.g. command ids assigned by the leader.
func NewNode(nodeId int64) (*snowflake.Node, error) {
	snowflake.NodeBits = NodeBits
	snowflake.StepBits = StepBits
	return snowflake.NewNode(nodeId & nodeMax)
}
