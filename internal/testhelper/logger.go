package testhelper

import (
	"io/ioutil"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewDiscardingLogEntry returns a logrus entry writing nowhere.
func NewDiscardingLogEntry(tb testing.TB) *logrus.Entry {
	logger := logrus.New()
	logger.Out = ioutil.Discard
	return logrus.NewEntry(logger)
}

// NewCapturingLogger returns a debug level logger whose entries are kept by
// hook for inspection.
func NewCapturingLogger(tb testing.TB) (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}
