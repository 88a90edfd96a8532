package replication

import (
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/shardrepl/internal/helper"
	"gitlab.com/gitlab-org/shardrepl/internal/shard"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrShardNotFound is returned when the node does not host the
	// requested shard copy.
	ErrShardNotFound = errors.New("shard not found")
	// ErrAllocationMismatch is returned when a replica request targets a
	// different allocation than the one hosted locally.
	ErrAllocationMismatch = errors.New("target allocation id mismatch")
	// ErrUnknownAction is returned by replicas that have no action
	// registered under the requested name.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNodeNotConnected is returned by transports that cannot reach a
	// node.
	ErrNodeNotConnected = errors.New("node not connected")
	// ErrNotEnoughActiveShards is returned when fewer copies are active
	// than the request waits for.
	ErrNotEnoughActiveShards = errors.New("not enough active copies")
)

// PrimaryFailure is returned when the operation on the primary copy failed.
// The operation was not replicated.
type PrimaryFailure struct {
	ShardID shard.ID
	Err     error
}

func (e *PrimaryFailure) Error() string {
	return fmt.Sprintf("%s primary operation failed: %v", e.ShardID, e.Err)
}

func (e *PrimaryFailure) Unwrap() error { return e.Err }

// GRPCStatus reports the status of the cause, or Internal if it has none.
func (e *PrimaryFailure) GRPCStatus() *status.Status {
	code := helper.GrpcCode(e.Err)
	if code == codes.Unknown {
		code = codes.Internal
	}
	return status.New(code, e.Error())
}

// ReplicaFailure describes the failure of a single replica copy. It is
// returned as an error only if the action's quorum policy requires it.
type ReplicaFailure struct {
	ShardID shard.ID
	NodeID  string
	Err     error
}

func (e *ReplicaFailure) Error() string {
	return fmt.Sprintf("%s replica on node %q failed: %v", e.ShardID, e.NodeID, e.Err)
}

func (e *ReplicaFailure) Unwrap() error { return e.Err }

// GRPCStatus reports the status of the cause, or Unavailable if it has none.
func (e *ReplicaFailure) GRPCStatus() *status.Status {
	code := helper.GrpcCode(e.Err)
	if code == codes.Unknown {
		code = codes.Unavailable
	}
	return status.New(code, e.Error())
}

// StatusError maps the errors of this package to gRPC status errors so they
// keep their meaning across the wire.
func StatusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrShardNotFound):
		return helper.ErrNotFound(err)
	case errors.Is(err, ErrAllocationMismatch):
		return helper.ErrFailedPrecondition(err)
	case errors.Is(err, ErrUnknownAction):
		return helper.ErrInvalidArgument(err)
	case errors.Is(err, ErrNodeNotConnected), errors.Is(err, ErrNotEnoughActiveShards):
		return helper.ErrUnavailable(err)
	default:
		return helper.ErrInternal(err)
	}
}
