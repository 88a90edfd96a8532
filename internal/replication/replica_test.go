package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/shard"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
	"gitlab.com/gitlab-org/shardrepl/internal/testhelper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (tc *testCluster) replicaRequest(action, op string) *ReplicaRequest {
	return &ReplicaRequest{
		Action:             action,
		Request:            *tc.request(op),
		TargetAllocationID: tc.replica.Routing().AllocationID,
		PrimaryTerm:        1,
		GlobalCheckpoint:   3,
		MaxSeqNoOfUpdates:  4,
	}
}

func TestReplicaHandler_handle(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	tc := newTestCluster(t)
	action := newTestAction("write")
	action.replica = func(_ context.Context, req *ReplicaRequest, s *shard.Shard) error {
		require.Equal(t, 1, s.ActiveOperationsCount())
		require.Equal(t, int64(3), s.GlobalCheckpoint())
		return nil
	}
	tc.handler.Register(action)

	resp, err := tc.handler.Handle(ctx, tc.replicaRequest("write", "op"))
	require.NoError(t, err)
	require.Equal(t, &ReplicaResponse{
		NodeID:           replicaNode,
		AllocationID:     tc.replica.Routing().AllocationID,
		GlobalCheckpoint: 3,
	}, resp)
	require.Equal(t, int64(4), tc.replica.MaxSeqNoOfUpdates())
	tc.requireIdle(t)
}

func TestReplicaHandler_rejects(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		modify func(t *testing.T, c *testCluster, req *ReplicaRequest)
		is     error
		code   codes.Code
	}{
		{
			desc:   "unknown action",
			modify: func(t *testing.T, c *testCluster, req *ReplicaRequest) { req.Action = "unknown" },
			is:     ErrUnknownAction,
			code:   codes.InvalidArgument,
		},
		{
			desc: "shard not found",
			modify: func(t *testing.T, c *testCluster, req *ReplicaRequest) {
				req.Request.ShardID = shard.NewID("missing", 1)
			},
			is:   ErrShardNotFound,
			code: codes.NotFound,
		},
		{
			desc:   "allocation mismatch",
			modify: func(t *testing.T, c *testCluster, req *ReplicaRequest) { req.TargetAllocationID = "stale-allocation" },
			is:     ErrAllocationMismatch,
			code:   codes.FailedPrecondition,
		},
		{
			desc: "stale primary term",
			modify: func(t *testing.T, c *testCluster, req *ReplicaRequest) {
				ctx, cancel := testhelper.Context()
				defer cancel()
				require.NoError(t, c.replica.BumpPrimaryTerm(ctx, 5, time.Second))
			},
			is:   shard.ErrStalePrimaryTerm,
			code: codes.FailedPrecondition,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx, cancel := testhelper.Context()
			defer cancel()

			c := newTestCluster(t)
			action := newTestAction("write")
			c.handler.Register(action)

			req := c.replicaRequest("write", "op")
			tc.modify(t, c, req)

			_, err := c.handler.Handle(ctx, req)
			require.True(t, errors.Is(err, tc.is), "unexpected error %v", err)
			require.Equal(t, tc.code, status.Code(StatusError(err)))
			require.False(t, action.operation(req.Request.Payload).onReplica())
			c.requireIdle(t)
		})
	}
}

func TestReplicaHandler_adoptsNewerTerm(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	tc := newTestCluster(t)
	tc.handler.Register(newTestAction("write"))

	req := tc.replicaRequest("write", "op")
	req.PrimaryTerm = 4

	_, err := tc.handler.Handle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint64(4), tc.replica.PrimaryTerm())
}

func TestReplicaHandler_blockCheckPolicy(t *testing.T) {
	for _, tc := range []struct {
		desc          string
		handlerPolicy []ReplicaHandlerOption
		actionPolicy  ReplicaBlockCheck
		blocked       bool
	}{
		{desc: "default policy skips check", blocked: false},
		{
			desc:          "handler enables check",
			handlerPolicy: []ReplicaHandlerOption{WithReplicaBlockCheck(ReplicaBlockCheckEnabled)},
			blocked:       true,
		},
		{
			desc:         "action enables check",
			actionPolicy: ReplicaBlockCheckEnabled,
			blocked:      true,
		},
		{
			desc:          "action disables check",
			handlerPolicy: []ReplicaHandlerOption{WithReplicaBlockCheck(ReplicaBlockCheckEnabled)},
			actionPolicy:  ReplicaBlockCheckDisabled,
			blocked:       false,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx, cancel := testhelper.Context()
			defer cancel()

			c := newTestCluster(t, tc.handlerPolicy...)
			action := newTestAction("write")
			action.replicaBlockCheck = tc.actionPolicy
			c.handler.Register(action)

			_, err := c.service.Install(ctx, writeBlock, cluster.IndexScope("index"))
			require.NoError(t, err)

			req := c.replicaRequest("write", "op")
			_, err = c.handler.Handle(ctx, req)

			if tc.blocked {
				requireBlockedBy(t, err, writeBlock, true)
				require.False(t, action.operation(req.Request.Payload).onReplica())
			} else {
				require.NoError(t, err)
				require.True(t, action.operation(req.Request.Payload).onReplica())
			}
			c.requireIdle(t)
		})
	}

	require.Equal(t, ReplicaBlockCheckDisabled, DefaultReplicaBlockCheck)
}

func TestReplicaHandler_exclusive(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	tc := newTestCluster(t)

	action := newTestAction("all-permits")
	action.mode = permits.ModeExclusive
	action.exclusiveTimeout = 50 * time.Millisecond
	action.replica = func(_ context.Context, _ *ReplicaRequest, s *shard.Shard) error {
		require.True(t, s.Permits().IsBlocked())
		require.Equal(t, 0, s.ActiveOperationsCount())
		return nil
	}
	tc.handler.Register(action)

	held, err := tc.replica.Permits().Acquire(ctx)
	require.NoError(t, err)

	_, err = tc.handler.Handle(ctx, tc.replicaRequest("all-permits", "timeout"))
	require.True(t, errors.Is(err, permits.ErrTimeout))
	require.True(t, held.Release())

	_, err = tc.handler.Handle(ctx, tc.replicaRequest("all-permits", "op"))
	require.NoError(t, err)
	tc.requireIdle(t)
}

func TestReplicaHandler_panic(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	tc := newTestCluster(t)
	action := newTestAction("write")
	action.replica = func(context.Context, *ReplicaRequest, *shard.Shard) error {
		panic("replica exploded")
	}
	tc.handler.Register(action)

	resp, err := tc.coordinator.Execute(ctx, action, tc.request("op"), Hooks{})
	require.NoError(t, err)
	require.Equal(t, 1, resp.ShardInfo.Successful)
	require.Len(t, resp.ShardInfo.Failures, 1)
	require.Contains(t, resp.ShardInfo.Failures[0].Cause.Error(), "replica exploded")
	tc.requireIdle(t)
}
