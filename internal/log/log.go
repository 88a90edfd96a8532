// Package log configures the process loggers: the default logrus logger
// used by the pipelines and a separate one that grpc-go writes to.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const (
	// LogDirEnvKey overrides the configured log directory.
	LogDirEnvKey = "SHARDREPL_LOG_DIR"
	// LogTimestampFormat is the timestamp layout of every formatter.
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"

	logFileName = "shardrepl.log"
	// grpcSeverityEnvKey is the grpc-go variable selecting its log severity.
	grpcSeverityEnvKey = "GRPC_GO_LOG_SEVERITY_LEVEL"
)

var (
	defaultLogger = logrus.StandardLogger()
	grpcGo        = logrus.New()

	// Loggers are all loggers of the process.
	Loggers = []*logrus.Logger{defaultLogger, grpcGo}
)

func init() {
	// Entries logged before Configure runs go to stdout.
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

func formatter(format string) (logrus.Formatter, error) {
	switch format {
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}, nil
	case "text":
		return &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// Configure sets format and level on loggers. An empty format keeps the
// current formatter and an unparsable level falls back to info. The grpc-go
// logger is one level quieter, see grpcLevel.
func Configure(loggers []*logrus.Logger, format string, level string) error {
	f, err := formatter(format)
	if err != nil {
		return err
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == grpcGo {
			l.SetLevel(grpcLevel(lvl))
		} else {
			l.SetLevel(lvl)
		}

		if f != nil {
			l.Formatter = f
		}
	}

	return nil
}

// RedirectToDir appends the output of loggers to a file in dir, creating dir
// if needed. Closing the returned closer closes the file.
func RedirectToDir(loggers []*logrus.Logger, dir string) (io.Closer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	for _, l := range loggers {
		l.SetOutput(logFile)
	}

	return logFile, nil
}

// grpcLevel maps the configured level onto the grpc-go logger. An explicit
// grpc-go severity wins. Info is lowered to warn as grpc-go logs every
// connection state change at info.
func grpcLevel(level logrus.Level) logrus.Level {
	switch os.Getenv(grpcSeverityEnvKey) {
	case "ERROR", "error":
		return logrus.ErrorLevel
	case "WARNING", "warning":
		return logrus.WarnLevel
	case "INFO", "info":
		return logrus.InfoLevel
	}

	if level == logrus.InfoLevel {
		return logrus.WarnLevel
	}
	return level
}

// Default returns the process logger.
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// GrpcGo returns the logger handed to grpc-go.
func GrpcGo() *logrus.Entry { return grpcGo.WithField("pid", os.Getpid()) }
