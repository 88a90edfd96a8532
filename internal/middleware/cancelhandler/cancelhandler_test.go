package cancelhandler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardrepl/internal/helper"
	"gitlab.com/gitlab-org/shardrepl/internal/testhelper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func TestUnary(t *testing.T) {
	errPermit := errors.New("waiting for operation permit: context canceled")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	expired, cancelExpired := context.WithTimeout(context.Background(), 0)
	defer cancelExpired()
	<-expired.Done()

	for _, tc := range []struct {
		desc        string
		ctx         context.Context
		err         error
		expectedErr error
		code        codes.Code
	}{
		{
			desc: "live context keeps the handler error",
			ctx:  context.Background(),
			err:  helper.ErrUnavailable(errPermit),
			code: codes.Unavailable,
		},
		{
			desc: "canceled",
			ctx:  canceled,
			err:  helper.ErrInternal(errPermit),
			code: codes.Canceled,
		},
		{
			desc: "deadline exceeded",
			ctx:  expired,
			err:  errPermit,
			code: codes.DeadlineExceeded,
		},
		{
			desc:        "matching code is kept",
			ctx:         expired,
			err:         helper.WithCode(codes.DeadlineExceeded, errPermit),
			expectedErr: errPermit,
			code:        codes.DeadlineExceeded,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Unary(tc.ctx, nil, &grpc.UnaryServerInfo{}, func(context.Context, interface{}) (interface{}, error) {
				return nil, tc.err
			})
			require.Equal(t, tc.code, status.Code(err))
			require.Contains(t, err.Error(), errPermit.Error())
			if tc.expectedErr != nil {
				require.True(t, errors.Is(err, tc.expectedErr))
			}
		})
	}
}

func TestUnary_success(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := Unary(canceled, "request", &grpc.UnaryServerInfo{}, func(_ context.Context, req interface{}) (interface{}, error) {
		return req, nil
	})
	require.NoError(t, err)
	require.Equal(t, "request", resp)
}
