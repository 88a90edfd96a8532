package shard

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a shard of an index. It is immutable once assigned.
type ID struct {
	// Index is the name of the index the shard belongs to.
	Index string `json:"index"`
	// IndexUUID distinguishes between different incarnations of an index
	// sharing the same name.
	IndexUUID string `json:"index_uuid"`
	// Shard is the number of the shard within its index.
	Shard int `json:"shard"`
}

// NewID returns the ID of shard number n of a new incarnation of index.
func NewID(index string, n int) ID {
	return ID{Index: index, IndexUUID: uuid.New().String(), Shard: n}
}

func (id ID) String() string {
	return fmt.Sprintf("[%s][%d]", id.Index, id.Shard)
}

// Routing describes where a single copy of a shard is allocated.
type Routing struct {
	ShardID ID `json:"shard_id"`
	// NodeID is the node hosting the copy.
	NodeID string `json:"node_id"`
	// Primary is set for the primary copy.
	Primary bool `json:"primary"`
	// AllocationID uniquely identifies this allocation of the copy.
	AllocationID string `json:"allocation_id"`
}

// NewRouting creates a routing entry with a fresh allocation ID.
func NewRouting(id ID, nodeID string, primary bool) Routing {
	return Routing{
		ShardID:      id,
		NodeID:       nodeID,
		Primary:      primary,
		AllocationID: uuid.New().String(),
	}
}

func (r Routing) String() string {
	role := "replica"
	if r.Primary {
		role = "primary"
	}
	return fmt.Sprintf("%s[%s] on node %q, allocation %s", r.ShardID, role, r.NodeID, r.AllocationID)
}
