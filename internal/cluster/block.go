package cluster

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
)

// Level is a bitmask of the operation kinds a block forbids.
type Level uint8

const (
	// LevelNone blocks nothing. Actions use it to opt out of a block check.
	LevelNone Level = 0
	// LevelRead blocks read operations.
	LevelRead Level = 1 << 0
	// LevelWrite blocks write operations.
	LevelWrite Level = 1 << 1
	// LevelMetadataRead blocks reading index metadata.
	LevelMetadataRead Level = 1 << 2
	// LevelMetadataWrite blocks changing index metadata.
	LevelMetadataWrite Level = 1 << 3
	// LevelAll blocks every kind of operation.
	LevelAll = LevelRead | LevelWrite | LevelMetadataRead | LevelMetadataWrite
)

var levelNames = []struct {
	level Level
	name  string
}{
	{LevelRead, "read"},
	{LevelWrite, "write"},
	{LevelMetadataRead, "metadata_read"},
	{LevelMetadataWrite, "metadata_write"},
}

// Contains reports whether all bits of level are set. LevelNone is never
// contained.
func (l Level) Contains(level Level) bool {
	return level != LevelNone && l&level == level
}

func (l Level) String() string {
	if l == LevelNone {
		return "none"
	}

	var names []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			names = append(names, ln.name)
		}
	}
	return strings.Join(names, ",")
}

// Block is a marker that forbids operations of the given levels either for
// the whole cluster or for a single index. Blocks are values: two blocks are
// the same block only if all of their fields are equal.
type Block struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	// Retryable marks blocks that are expected to be lifted, so that a
	// blocked operation may be retried.
	Retryable bool `json:"retryable"`
	// Persistent blocks survive a full cluster restart.
	Persistent bool `json:"persistent"`
	// DisableStatePersistence suspends persisting the cluster state for as
	// long as the block is installed.
	DisableStatePersistence bool `json:"disable_state_persistence"`
	// Status is the code reported to clients of blocked operations.
	Status codes.Code `json:"status"`
	Levels Level      `json:"levels"`
}

// Contains reports whether the block forbids operations of level.
func (b Block) Contains(level Level) bool {
	return b.Levels.Contains(level)
}

// Equal reports whether b and other are the same block.
func (b Block) Equal(other Block) bool {
	return b == other
}

func (b Block) String() string {
	return fmt.Sprintf("%d,%s, blocks %s", b.ID, b.Description, b.Levels)
}
