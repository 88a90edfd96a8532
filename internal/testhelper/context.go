package testhelper

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// ContextOpt decorates the context returned by Context.
type ContextOpt func(context.Context) context.Context

// ContextWithLogger makes logger the ctxlogrus logger of the context.
func ContextWithLogger(logger *logrus.Entry) ContextOpt {
	return func(ctx context.Context) context.Context {
		return ctxlogrus.ToContext(ctx, logger)
	}
}

// Context returns a cancellable context.
func Context(opts ...ContextOpt) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	for _, opt := range opts {
		ctx = opt(ctx)
	}
	return ctx, cancel
}

// MustClose closes closer and fails the test on error. Use it with defer.
func MustClose(tb testing.TB, closer io.Closer) {
	require.NoError(tb, closer.Close())
}

// RequireClosed fails the test if ch is not closed within a second.
func RequireClosed(tb testing.TB, ch <-chan struct{}, msg string) {
	tb.Helper()

	select {
	case <-ch:
	case <-time.After(time.Second):
		require.FailNow(tb, msg)
	}
}

// RequireBlocked fails the test if ch is closed or receives within wait.
func RequireBlocked(tb testing.TB, ch <-chan struct{}, wait time.Duration, msg string) {
	tb.Helper()

	select {
	case <-ch:
		require.FailNow(tb, msg)
	case <-time.After(wait):
	}
}
