// Package cancelhandler reports handler failures caused by the caller giving
// up with the gRPC code of the context error.
package cancelhandler

import (
	"context"

	"gitlab.com/gitlab-org/shardrepl/internal/helper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Unary is a unary server interceptor. Permit waits and replica operations
// abort when the request context ends; the client then sees Canceled or
// DeadlineExceeded instead of whatever the aborted step reported.
func Unary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		err = contextError(ctx, err)
	}
	return resp, err
}

func contextError(ctx context.Context, err error) error {
	var code codes.Code
	switch ctx.Err() {
	case nil:
		return err
	case context.DeadlineExceeded:
		code = codes.DeadlineExceeded
	default:
		code = codes.Canceled
	}

	if helper.GrpcCode(err) == code {
		return err
	}
	return status.Error(code, err.Error())
}
