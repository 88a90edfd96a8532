package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc              string
		format            string
		level             string
		expectedFormatter logrus.Formatter
		expectedLevel     logrus.Level
	}{
		{
			desc:              "json",
			format:            "json",
			level:             "warn",
			expectedFormatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
			expectedLevel:     logrus.WarnLevel,
		},
		{
			desc:              "text",
			format:            "text",
			level:             "debug",
			expectedFormatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
			expectedLevel:     logrus.DebugLevel,
		},
		{
			desc:          "format unchanged",
			level:         "error",
			expectedLevel: logrus.ErrorLevel,
		},
		{
			desc:              "unparsable level",
			format:            "text",
			level:             "loud",
			expectedFormatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
			expectedLevel:     logrus.InfoLevel,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			logger := &logrus.Logger{}
			require.NoError(t, Configure([]*logrus.Logger{logger}, tc.format, tc.level))

			require.Equal(t, tc.expectedLevel, logger.Level)
			require.Equal(t, tc.expectedFormatter, logger.Formatter)
		})
	}
}

func TestConfigure_invalidFormat(t *testing.T) {
	logger := &logrus.Logger{Level: logrus.DebugLevel}
	require.EqualError(t, Configure([]*logrus.Logger{logger}, "yaml", "info"), `invalid log format "yaml"`)
	require.Equal(t, logrus.DebugLevel, logger.Level)
}

func TestConfigure_grpcLogger(t *testing.T) {
	require.NoError(t, os.Unsetenv(grpcSeverityEnvKey))

	defer func(level logrus.Level) { grpcGo.SetLevel(level) }(grpcGo.GetLevel())

	require.NoError(t, Configure([]*logrus.Logger{grpcGo}, "", "info"))
	require.Equal(t, logrus.WarnLevel, grpcGo.GetLevel())
}

func TestGrpcLevel(t *testing.T) {
	for _, tc := range []struct {
		severity string
		level    logrus.Level
		expected logrus.Level
	}{
		{level: logrus.InfoLevel, expected: logrus.WarnLevel},
		{level: logrus.DebugLevel, expected: logrus.DebugLevel},
		{severity: "error", level: logrus.DebugLevel, expected: logrus.ErrorLevel},
		{severity: "WARNING", level: logrus.InfoLevel, expected: logrus.WarnLevel},
		{severity: "info", level: logrus.InfoLevel, expected: logrus.InfoLevel},
	} {
		require.NoError(t, os.Setenv(grpcSeverityEnvKey, tc.severity))
		require.Equal(t, tc.expected, grpcLevel(tc.level), "severity %q", tc.severity)
	}
	require.NoError(t, os.Unsetenv(grpcSeverityEnvKey))
}

func TestRedirectToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger := logrus.New()
	closer, err := RedirectToDir([]*logrus.Logger{logger}, dir)
	require.NoError(t, err)

	logger.WithField("shard", "[index][0]").Info("permit acquired")
	require.NoError(t, closer.Close())

	content, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	require.Contains(t, string(content), "permit acquired")
	require.Contains(t, string(content), "[index][0]")
}
