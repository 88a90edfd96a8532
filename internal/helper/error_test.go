package helper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardrepl/internal/testhelper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

var errShardMissing = errors.New("shard [index][0] missing")

func TestWithCode_plainError(t *testing.T) {
	for _, tc := range []struct {
		wrap func(error) error
		code codes.Code
	}{
		{wrap: ErrInternal, code: codes.Internal},
		{wrap: ErrInvalidArgument, code: codes.InvalidArgument},
		{wrap: ErrFailedPrecondition, code: codes.FailedPrecondition},
		{wrap: ErrNotFound, code: codes.NotFound},
		{wrap: ErrUnavailable, code: codes.Unavailable},
	} {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := tc.wrap(errShardMissing)

			require.EqualError(t, err, errShardMissing.Error())
			require.True(t, errors.Is(err, errShardMissing))
			require.Equal(t, tc.code, status.Code(err))
			require.Equal(t, tc.code, GrpcCode(err))
		})
	}
}

func TestWithCode_keepsExistingCode(t *testing.T) {
	blocked := status.Error(codes.PermissionDenied, "blocked by: [FORBIDDEN/8/index write (api)];")
	wrapped := fmt.Errorf("primary [index][0]: %w", blocked)

	err := ErrInternal(wrapped)
	require.Equal(t, wrapped, err)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	coded := ErrUnavailable(errShardMissing)
	require.Equal(t, coded, ErrNotFound(coded))
}

func TestWithCode_nil(t *testing.T) {
	require.NoError(t, WithCode(codes.Internal, nil))
	require.NoError(t, ErrUnavailable(nil))
}

func TestGrpcCode(t *testing.T) {
	require.Equal(t, codes.OK, GrpcCode(nil))
	require.Equal(t, codes.Unknown, GrpcCode(errShardMissing))

	wrapped := fmt.Errorf("replica [index][0]: %w", ErrUnavailable(errors.New("node down")))
	require.Equal(t, codes.Unavailable, GrpcCode(wrapped))
}
