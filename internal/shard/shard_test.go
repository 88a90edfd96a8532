package shard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
	"gitlab.com/gitlab-org/shardrepl/internal/testhelper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func newReplicaPair(t *testing.T, term uint64) (*Shard, *Shard) {
	t.Helper()

	id := NewID("index", 0)
	primary := New(NewRouting(id, "_node1", true), term)
	replica := New(NewRouting(id, "_node2", false), term)

	require.Equal(t, primary.ID(), replica.ID())
	require.NotEqual(t, primary.Routing().AllocationID, replica.Routing().AllocationID)

	return primary, replica
}

func TestID(t *testing.T) {
	a := NewID("index", 3)
	b := NewID("index", 3)

	require.Equal(t, "[index][3]", a.String())
	require.NotEqual(t, a, b, "distinct incarnations must have distinct ids")
	require.Equal(t, a, ID{Index: "index", IndexUUID: a.IndexUUID, Shard: 3})
}

func TestShard_acquirePrimaryPermit(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	primary, replica := newReplicaPair(t, 1)

	permit, err := primary.AcquirePrimaryPermit(ctx, permits.ModeShared, 0)
	require.NoError(t, err)
	require.Equal(t, 1, primary.ActiveOperationsCount())
	permit.Release()

	permit, err = primary.AcquirePrimaryPermit(ctx, permits.ModeExclusive, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, primary.ActiveOperationsCount())
	require.True(t, primary.Permits().IsBlocked())
	permit.Release()

	_, err = replica.AcquirePrimaryPermit(ctx, permits.ModeShared, 0)
	require.True(t, errors.Is(err, ErrNotPrimary))
}

func TestShard_acquireReplicaPermit(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	_, replica := newReplicaPair(t, 2)

	permit, err := replica.AcquireReplicaPermit(ctx, 2, 5, 7, permits.ModeShared, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), replica.GlobalCheckpoint())
	require.Equal(t, int64(7), replica.MaxSeqNoOfUpdates())
	permit.Release()

	// Checkpoints never move backwards.
	permit, err = replica.AcquireReplicaPermit(ctx, 2, 3, 4, permits.ModeExclusive, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(5), replica.GlobalCheckpoint())
	require.Equal(t, int64(7), replica.MaxSeqNoOfUpdates())
	permit.Release()
}

func TestShard_acquireReplicaPermitStaleTerm(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	_, replica := newReplicaPair(t, 3)

	_, err := replica.AcquireReplicaPermit(ctx, 2, 0, 0, permits.ModeShared, 0)
	require.True(t, errors.Is(err, ErrStalePrimaryTerm))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	var staleErr *StalePrimaryTermError
	require.True(t, errors.As(err, &staleErr))
	require.Equal(t, uint64(2), staleErr.RequestTerm)
	require.Equal(t, uint64(3), staleErr.CurrentTerm)

	require.Equal(t, 0, replica.ActiveOperationsCount(), "permit of rejected operation leaked")
	require.Equal(t, UnassignedSeqNo, replica.GlobalCheckpoint())
}

func TestShard_acquireReplicaPermitNewerTerm(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	_, replica := newReplicaPair(t, 1)

	old, err := replica.AcquireReplicaPermit(ctx, 1, 0, 0, permits.ModeShared, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		permit, err := replica.AcquireReplicaPermit(ctx, 2, 0, 0, permits.ModeShared, time.Minute)
		require.NoError(t, err)
		permit.Release()
	}()

	// The term bump has to wait for the operation of the previous term.
	testhelper.RequireBlocked(t, done, 20*time.Millisecond, "primary term bumped while an operation of the previous term was active")
	require.Equal(t, uint64(1), replica.PrimaryTerm())

	old.Release()
	testhelper.RequireClosed(t, done, "operation under newer primary term did not proceed")
	require.Equal(t, uint64(2), replica.PrimaryTerm())
}

func TestShard_promoteToPrimary(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	_, replica := newReplicaPair(t, 1)

	require.NoError(t, replica.PromoteToPrimary(ctx, 2, time.Second))
	require.True(t, replica.Routing().Primary)
	require.Equal(t, uint64(2), replica.PrimaryTerm())

	err := replica.PromoteToPrimary(ctx, 1, time.Second)
	require.True(t, errors.Is(err, ErrStalePrimaryTerm))
}

func TestShard_checkpoints(t *testing.T) {
	primary, _ := newReplicaPair(t, 1)

	primary.UpdateGlobalCheckpoint(4)
	primary.UpdateGlobalCheckpoint(2)
	require.Equal(t, int64(4), primary.GlobalCheckpoint())

	primary.AdvanceMaxSeqNoOfUpdates(9)
	primary.AdvanceMaxSeqNoOfUpdates(1)
	require.Equal(t, int64(9), primary.MaxSeqNoOfUpdates())
}

func TestShard_close(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	primary, _ := newReplicaPair(t, 1)
	primary.Close()

	_, err := primary.AcquirePrimaryPermit(ctx, permits.ModeShared, 0)
	require.Equal(t, permits.ErrClosed, err)
}
