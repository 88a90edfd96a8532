// Package transport carries replica requests between nodes over gRPC.
package transport

import (
	"context"
	"fmt"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	grpccorrelation "gitlab.com/gitlab-org/labkit/correlation/grpc"
	grpctracing "gitlab.com/gitlab-org/labkit/tracing/grpc"
	"gitlab.com/gitlab-org/shardrepl/internal/log"
	"gitlab.com/gitlab-org/shardrepl/internal/middleware/cancelhandler"
	"gitlab.com/gitlab-org/shardrepl/internal/middleware/sentryhandler"
	"gitlab.com/gitlab-org/shardrepl/internal/replication"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const (
	serviceName     = "shardrepl.Replication"
	replicateMethod = "/" + serviceName + "/Replicate"
)

func init() {
	// grpc-go gets a custom logger; it is too chatty
	grpc_logrus.ReplaceGrpcLogger(log.GrpcGo())
}

type replicationServer interface {
	Replicate(context.Context, *replication.ReplicaRequest) (*replication.ReplicaResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Replicate",
			Handler:    replicateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication.json",
}

func replicateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(replication.ReplicaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicationServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: replicateMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(replicationServer).Replicate(ctx, req.(*replication.ReplicaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type server struct {
	service replication.ReplicaService
}

func (s *server) Replicate(ctx context.Context, req *replication.ReplicaRequest) (*replication.ReplicaResponse, error) {
	grpc_ctxtags.Extract(ctx).
		Set("shardrepl.action", req.Action).
		Set("shardrepl.shard", req.Request.ShardID.String())

	resp, err := s.service.Handle(ctx, req)
	if err != nil {
		return nil, replication.StatusError(err)
	}
	return resp, nil
}

// NewServer returns a gRPC server serving replica requests with service. If
// logger is nil the default logger will be used.
func NewServer(service replication.ReplicaService, logger *logrus.Entry) *grpc.Server {
	if logger == nil {
		logger = log.Default()
	}

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpccorrelation.UnaryServerCorrelationInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
			grpc_logrus.UnaryServerInterceptor(logger,
				grpc_logrus.WithTimestampFormat(log.LogTimestampFormat)),
			sentryhandler.UnaryLogHandler,
			cancelhandler.Unary, // Should be below LogHandler
			grpctracing.UnaryServerTracingInterceptor(),
			// Panic handler should remain last so that application panics will be
			// converted to errors and logged
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
				return status.Error(codes.Internal, fmt.Sprintf("panic: %v", p))
			})),
		)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	srv.RegisterService(&serviceDesc, &server{service: service})
	grpc_prometheus.Register(srv)

	return srv
}
