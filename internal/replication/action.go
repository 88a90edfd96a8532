package replication

import (
	"context"
	"time"

	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/shard"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
)

// DefaultExclusiveTimeout bounds the acquisition of all operation permits
// for actions running in permits.ModeExclusive.
const DefaultExclusiveTimeout = 30 * time.Second

// QuorumPolicy decides whether failed replica copies fail the request.
type QuorumPolicy int

const (
	// QuorumNone reports replica failures in the response only.
	QuorumNone QuorumPolicy = iota
	// QuorumAll fails the request with a *ReplicaFailure if any replica
	// copy failed.
	QuorumAll
)

// ReplicaBlockCheck decides whether replicas re-check cluster blocks before
// running the replica operation.
type ReplicaBlockCheck int

const (
	// ReplicaBlockCheckDefault defers to the policy of the ReplicaHandler.
	ReplicaBlockCheckDefault ReplicaBlockCheck = iota
	// ReplicaBlockCheckDisabled trusts the block check of the primary.
	ReplicaBlockCheckDisabled
	// ReplicaBlockCheckEnabled evaluates the action's block levels against
	// the replica's own cluster state.
	ReplicaBlockCheckEnabled
)

// DefaultReplicaBlockCheck is the policy of a ReplicaHandler unless
// configured otherwise. The primary already gated entry to the operation.
const DefaultReplicaBlockCheck = ReplicaBlockCheckDisabled

func (c ReplicaBlockCheck) String() string {
	switch c {
	case ReplicaBlockCheckDisabled:
		return "disabled"
	case ReplicaBlockCheckEnabled:
		return "enabled"
	default:
		return "default"
	}
}

// Action is a replicated operation. The pipelines drive it through permit
// acquisition, block checks and execution on every copy of a shard.
type Action interface {
	// Name identifies the action on replicas.
	Name() string
	// GlobalBlockLevel is checked against global blocks. LevelNone skips
	// the check.
	GlobalBlockLevel() cluster.Level
	// IndexBlockLevel is checked against blocks of the target index.
	// LevelNone skips the check.
	IndexBlockLevel() cluster.Level
	// PermitMode selects shared or exclusive operation permits.
	PermitMode() permits.Mode
	// ExclusiveTimeout bounds exclusive permit acquisition.
	ExclusiveTimeout() time.Duration
	QuorumPolicy() QuorumPolicy
	ReplicaBlockCheck() ReplicaBlockCheck

	// ShardOperationOnPrimary runs on the primary copy with the operation
	// permit held.
	ShardOperationOnPrimary(ctx context.Context, req *Request, primary *shard.Shard) error
	// ShardOperationOnReplica runs on each replica copy with the replica's
	// operation permit held.
	ShardOperationOnReplica(ctx context.Context, req *ReplicaRequest, replica *shard.Shard) error
}

// BaseAction provides the default policies of an Action: write blocks are
// enforced on both scopes, permits are shared and replica failures are
// reported without failing the request. Embed it and implement the
// remaining methods.
type BaseAction struct{}

// GlobalBlockLevel returns cluster.LevelWrite.
func (BaseAction) GlobalBlockLevel() cluster.Level { return cluster.LevelWrite }

// IndexBlockLevel returns cluster.LevelWrite.
func (BaseAction) IndexBlockLevel() cluster.Level { return cluster.LevelWrite }

// PermitMode returns permits.ModeShared.
func (BaseAction) PermitMode() permits.Mode { return permits.ModeShared }

// ExclusiveTimeout returns DefaultExclusiveTimeout.
func (BaseAction) ExclusiveTimeout() time.Duration { return DefaultExclusiveTimeout }

// QuorumPolicy returns QuorumNone.
func (BaseAction) QuorumPolicy() QuorumPolicy { return QuorumNone }

// ReplicaBlockCheck returns ReplicaBlockCheckDefault.
func (BaseAction) ReplicaBlockCheck() ReplicaBlockCheck { return ReplicaBlockCheckDefault }

// checkBlocks evaluates the action's block levels for index against the
// blocks of state.
func checkBlocks(action Action, state *cluster.State, index string) error {
	blocks := state.Blocks()

	if level := action.GlobalBlockLevel(); level != cluster.LevelNone {
		if err := blocks.GlobalBlockedError(level); err != nil {
			return err
		}
	}

	if level := action.IndexBlockLevel(); level != cluster.LevelNone {
		if err := blocks.IndexBlockedError(level, index); err != nil {
			return err
		}
	}

	return nil
}
