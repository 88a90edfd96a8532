package sentryhandler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	grpcmwtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardrepl/internal/helper"
	"gitlab.com/gitlab-org/shardrepl/internal/testhelper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

const replicateMethod = "/shardrepl.Replication/Replicate"

func TestNewEvent(t *testing.T) {
	ctx := grpcmwtags.SetInContext(context.Background(), grpcmwtags.NewTags().
		Set(actionTag, "write").
		Set("shardrepl.shard", "[index][0]"))

	for _, tc := range []struct {
		desc                string
		err                 error
		expectedMessage     string
		expectedFingerprint []string
		expectedCode        string
	}{
		{
			desc:                "internal error",
			err:                 helper.ErrInternal(errors.New("replica body crashed")),
			expectedMessage:     "replica body crashed",
			expectedFingerprint: []string{"grpc", "Replication::Replicate", "Internal", "write"},
			expectedCode:        "Internal",
		},
		{
			desc:                "not found",
			err:                 status.Error(codes.NotFound, "shard not found"),
			expectedMessage:     "rpc error: code = NotFound desc = shard not found",
			expectedFingerprint: []string{"grpc", "Replication::Replicate", "NotFound", "write"},
			expectedCode:        "NotFound",
		},
		{desc: "canceled", err: status.Error(codes.Canceled, "canceled")},
		{desc: "blocked", err: status.Error(codes.Unavailable, "blocked by: [Unavailable/1/writes];")},
		{desc: "stale term", err: fmt.Errorf("wrapped: %w", status.Error(codes.FailedPrecondition, "stale"))},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			event := newEvent(ctx, replicateMethod, 12*time.Millisecond, tc.err)
			if tc.expectedFingerprint == nil {
				require.Nil(t, event)
				return
			}

			require.NotNil(t, event)
			require.Equal(t, tc.expectedMessage, event.Message)
			require.Equal(t, tc.expectedFingerprint, event.Fingerprint)
			require.Equal(t, "Replication::Replicate", event.Transaction)
			require.Equal(t, map[string]string{
				"grpc.code":        tc.expectedCode,
				"grpc.method":      replicateMethod,
				"grpc.time_ms":     "12",
				"system":           "grpc",
				"shardrepl.action": "write",
				"shardrepl.shard":  "[index][0]",
			}, event.Tags)
			require.Len(t, event.Exception, 1)
		})
	}
}

func TestNewEvent_withoutAction(t *testing.T) {
	event := newEvent(context.Background(), replicateMethod, 0, errors.New("boom"))
	require.NotNil(t, event)
	require.Equal(t, []string{"grpc", "Replication::Replicate", "Unknown"}, event.Fingerprint)
}

func TestCulprit(t *testing.T) {
	require.Equal(t, "Replication::Replicate", culprit(replicateMethod))
	require.Equal(t, "Health::Check", culprit("/grpc.health.v1.Health/Check"))
	require.Equal(t, "::Replicate", culprit("Replicate"))
}

func TestException(t *testing.T) {
	ex := exception(errors.New("replication: node gone"))
	require.Equal(t, "replication", ex.Module)
	require.Equal(t, "node gone", ex.Value)
	require.Equal(t, "*errors.errorString", ex.Type)
}
