package replication

import (
	"fmt"

	"gitlab.com/gitlab-org/shardrepl/internal/helper"
	"gitlab.com/gitlab-org/shardrepl/internal/shard"
	"google.golang.org/grpc/codes"
)

// ShardFailure describes a shard copy on which the operation failed.
type ShardFailure struct {
	ShardID shard.ID   `json:"shard_id"`
	NodeID  string     `json:"node_id"`
	Primary bool       `json:"primary"`
	Cause   error      `json:"-"`
	Status  codes.Code `json:"status"`
}

func (f ShardFailure) String() string {
	role := "replica"
	if f.Primary {
		role = "primary"
	}
	return fmt.Sprintf("%s %s on node %q: %s: %v", f.ShardID, role, f.NodeID, f.Status, f.Cause)
}

// ShardInfo counts the copies an operation was executed on.
type ShardInfo struct {
	// Total is the primary plus the replicas known when replication
	// started.
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failures   []ShardFailure `json:"failures,omitempty"`
}

// Failed is the number of copies the operation failed on.
func (i ShardInfo) Failed() int { return len(i.Failures) }

// Response is returned for requests whose primary operation succeeded.
type Response struct {
	ShardInfo ShardInfo `json:"shard_info"`
}

type replicaOutcome struct {
	routing shard.Routing
	resp    *ReplicaResponse
	err     error
}

// aggregate combines the successful primary operation with the outcomes of
// all replicas. Under QuorumAll the first replica failure is returned as a
// *ReplicaFailure instead.
func aggregate(shardID shard.ID, outcomes []replicaOutcome, policy QuorumPolicy) (*Response, error) {
	info := ShardInfo{
		Total:      1 + len(outcomes),
		Successful: 1,
	}

	for _, outcome := range outcomes {
		if outcome.err == nil {
			info.Successful++
			continue
		}

		info.Failures = append(info.Failures, ShardFailure{
			ShardID: shardID,
			NodeID:  outcome.routing.NodeID,
			Cause:   outcome.err,
			Status:  helper.GrpcCode(outcome.err),
		})
	}

	if policy == QuorumAll && len(info.Failures) > 0 {
		failure := info.Failures[0]
		return nil, &ReplicaFailure{ShardID: shardID, NodeID: failure.NodeID, Err: failure.Cause}
	}

	return &Response{ShardInfo: info}, nil
}
