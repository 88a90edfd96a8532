package replication

import (
	"encoding/json"
	"time"

	"gitlab.com/gitlab-org/shardrepl/internal/shard"
)

// Request is a client request targeting a single shard.
type Request struct {
	ShardID shard.ID `json:"shard_id"`
	// Timeout bounds the whole pipeline when positive.
	Timeout time.Duration `json:"timeout"`
	// WaitForActiveShards is the number of active copies required before
	// the primary operation runs. Zero only requires the primary.
	WaitForActiveShards int `json:"wait_for_active_shards"`
	// PrimaryTerm, when set, must match the primary's current term.
	PrimaryTerm uint64 `json:"primary_term,omitempty"`
	// Payload is opaque to the pipeline and interpreted by the action.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReplicaRequest is sent by the primary to each replica copy.
type ReplicaRequest struct {
	Action  string  `json:"action"`
	Request Request `json:"request"`
	// TargetAllocationID is the allocation the request was routed to. A
	// replica with a different allocation rejects it.
	TargetAllocationID string `json:"target_allocation_id"`
	PrimaryTerm        uint64 `json:"primary_term"`
	GlobalCheckpoint   int64  `json:"global_checkpoint"`
	MaxSeqNoOfUpdates  int64  `json:"max_seq_no_of_updates"`
}

// ReplicaResponse is returned by a replica that executed a ReplicaRequest.
type ReplicaResponse struct {
	NodeID           string `json:"node_id"`
	AllocationID     string `json:"allocation_id"`
	GlobalCheckpoint int64  `json:"global_checkpoint"`
}
