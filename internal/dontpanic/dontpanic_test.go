package dontpanic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	require.True(t, Try(func() {}))
	require.False(t, Try(func() { panic("boom") }))
}

func TestSafe(t *testing.T) {
	expected := errors.New("replica body failed")
	require.Equal(t, expected, Safe(func() error { return expected }))
	require.NoError(t, Safe(func() error { return nil }))

	err := Safe(func() error { panic(errors.New("boom")) })

	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	require.EqualError(t, panicErr.Value.(error), "boom")
	require.Equal(t, "recovered from panic: boom", err.Error())
}

func TestGo(t *testing.T) {
	done := make(chan struct{})
	Go(func() {
		defer close(done)
		panic("boom")
	})
	<-done
}
