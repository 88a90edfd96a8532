// Package dontpanic provides function wrappers to ensure that wrapped code
// does not panic and cause program crashes.
//
// Shard operations run caller supplied code while holding operation permits.
// A panic in that code must still release the permit and must be reported
// back to the requester as a failure instead of taking down the node.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/shardrepl/internal/log"
)

// PanicError is returned by Safe when the wrapped function panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered from panic: %v", e.Value)
}

// Try will wrap the provided function with a panic recovery. If a panic occurs,
// the recovered panic will be sent to Sentry and logged as an error.
// Returns `true` if no panic and `false` otherwise.
func Try(fn func()) bool {
	return Safe(func() error {
		fn()
		return nil
	}) == nil
}

// Go will run the provided function in a goroutine and recover from any
// panics.  If a panic occurs, the recovered panic will be sent to Sentry
// and logged as an error. Go is best used in fire-and-forget goroutines where
// observability is lost.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

// Safe runs fn and returns its error. A panic inside of fn is recovered,
// reported and returned as a *PanicError.
func Safe(fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		err = &PanicError{Value: recovered}
		report(recovered)
	}()

	return fn()
}

func report(recovered interface{}) {
	var id *sentry.EventID
	if err, ok := recovered.(error); ok {
		id = sentry.CaptureException(err)
	} else {
		id = sentry.CaptureMessage(fmt.Sprintf("%v", recovered))
	}

	entry := logger
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}

	entry.Errorf("dontpanic: recovered value: %+v", recovered)
}
