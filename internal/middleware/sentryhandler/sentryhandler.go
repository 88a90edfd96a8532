// Package sentryhandler reports unexpected replication RPC failures to Sentry.
package sentryhandler

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	grpcmwtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"gitlab.com/gitlab-org/shardrepl/internal/helper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// actionTag is the request tag naming the replicated action. Events of
// different actions are grouped apart.
const actionTag = "shardrepl.action"

// expectedCodes are part of normal operation: callers giving up, stale
// primary terms or allocations while shards relocate, and blocked or
// unreachable copies.
var expectedCodes = map[codes.Code]bool{
	codes.OK:                 true,
	codes.Canceled:           true,
	codes.DeadlineExceeded:   true,
	codes.FailedPrecondition: true,
	codes.Unavailable:        true,
}

// UnaryLogHandler reports failed unary RPCs to Sentry.
func UnaryLogHandler(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}

	if event := newEvent(ctx, info.FullMethod, time.Since(start), err); event != nil {
		sentry.CaptureEvent(event)
	}

	return resp, err
}

// culprit turns "/shardrepl.Replication/Replicate" into "Replication::Replicate".
func culprit(fullMethod string) string {
	service, method := "", strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(method, "/"); i >= 0 {
		service, method = method[:i], method[i+1:]
	}
	if i := strings.LastIndex(service, "."); i >= 0 {
		service = service[i+1:]
	}
	return service + "::" + method
}

func newEvent(ctx context.Context, fullMethod string, elapsed time.Duration, err error) *sentry.Event {
	code := helper.GrpcCode(err)
	if expectedCodes[code] {
		return nil
	}

	event := sentry.NewEvent()
	event.Message = err.Error()
	event.Transaction = culprit(fullMethod)
	event.Fingerprint = []string{"grpc", event.Transaction, code.String()}

	for k, v := range grpcmwtags.Extract(ctx).Values() {
		event.Tags[k] = fmt.Sprintf("%v", v)
	}
	if action, ok := event.Tags[actionTag]; ok {
		event.Fingerprint = append(event.Fingerprint, action)
	}

	event.Tags["system"] = "grpc"
	event.Tags["grpc.method"] = fullMethod
	event.Tags["grpc.code"] = code.String()
	event.Tags["grpc.time_ms"] = fmt.Sprintf("%.0f", elapsed.Seconds()*1000)

	// The interceptor's stack says nothing about the failure.
	event.Exception = []sentry.Exception{exception(err)}

	return event
}

// modulePrefix matches messages of the form "module: message".
var modulePrefix = regexp.MustCompile(`\A(\w+): (.+)\z`)

func exception(err error) sentry.Exception {
	ex := sentry.Exception{
		Type:  reflect.TypeOf(err).String(),
		Value: err.Error(),
	}
	if m := modulePrefix.FindStringSubmatch(ex.Value); m != nil {
		ex.Module, ex.Value = m[1], m[2]
	}
	return ex
}
