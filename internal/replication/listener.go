package replication

import (
	"context"
	"sync"
)

// Listener receives the outcome of an asynchronously executed request.
// Exactly one of its methods is called, exactly once.
type Listener interface {
	OnResponse(resp *Response)
	OnFailure(err error)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(resp *Response, err error)

// OnResponse calls f(resp, nil).
func (f ListenerFunc) OnResponse(resp *Response) { f(resp, nil) }

// OnFailure calls f(nil, err).
func (f ListenerFunc) OnFailure(err error) { f(nil, err) }

// Future is a Listener whose outcome can be awaited. Only the first
// completion is kept.
type Future struct {
	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

// NewFuture returns an incomplete Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// OnResponse completes the future successfully.
func (f *Future) OnResponse(resp *Response) {
	f.complete(resp, nil)
}

// OnFailure completes the future with err.
func (f *Future) OnFailure(err error) {
	f.complete(nil, err)
}

func (f *Future) complete(resp *Response, err error) {
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
	})
}

// Done is closed once the future completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the outcome or for ctx to be done.
func (f *Future) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
