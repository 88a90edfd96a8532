// Package helper attaches gRPC status codes to errors of the replication
// pipelines.
package helper

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codedError keeps the cause reachable through errors.Is and errors.As while
// reporting code to gRPC.
type codedError struct {
	cause error
	code  codes.Code
}

func (e codedError) Error() string { return e.cause.Error() }

func (e codedError) Unwrap() error { return e.cause }

func (e codedError) GRPCStatus() *status.Status {
	return status.New(e.code, e.cause.Error())
}

// WithCode attaches code to err. An err that already resolves to a gRPC code
// other than codes.Unknown is returned as is, as is nil.
func WithCode(code codes.Code, err error) error {
	if err == nil || GrpcCode(err) != codes.Unknown {
		return err
	}
	return codedError{cause: err, code: code}
}

// ErrInternal attaches codes.Internal to err.
func ErrInternal(err error) error { return WithCode(codes.Internal, err) }

// ErrInvalidArgument attaches codes.InvalidArgument to err.
func ErrInvalidArgument(err error) error { return WithCode(codes.InvalidArgument, err) }

// ErrFailedPrecondition attaches codes.FailedPrecondition to err.
func ErrFailedPrecondition(err error) error { return WithCode(codes.FailedPrecondition, err) }

// ErrNotFound attaches codes.NotFound to err.
func ErrNotFound(err error) error { return WithCode(codes.NotFound, err) }

// ErrUnavailable attaches codes.Unavailable to err.
func ErrUnavailable(err error) error { return WithCode(codes.Unavailable, err) }

// GrpcCode returns the code of the first error in err's chain carrying a gRPC
// status. It is codes.OK for nil and codes.Unknown if no status is found.
func GrpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	var withStatus interface{ GRPCStatus() *status.Status }
	if errors.As(err, &withStatus) {
		return withStatus.GRPCStatus().Code()
	}

	return codes.Unknown
}
