// Command shardrepl runs replicated shard operations against an in-process
// cluster.
//
// # Check Config
//
// The subcommand "check-config" validates the config file and prints the
// effective configuration, including defaults and environment overrides:
//
//	shardrepl -config PATH_TO_CONFIG check-config
//
// # Simulate
//
// The subcommand "simulate" boots a primary and a replica node that talk over
// gRPC, runs a burst of shared write operations and, in the middle of it, an
// operation holding all permits of the shard that installs a write block:
//
//	shardrepl -config PATH_TO_CONFIG simulate [-ops 16] [-delayed 6] [-global]
//
// "-delayed" operations only request their permit once all permits are held
// and must be rejected by the block. The command exits non-zero if any of
// them succeeded. "-global" installs the block globally instead of on the
// simulated index.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/gitlab-org/shardrepl/internal/config"
	"gitlab.com/gitlab-org/shardrepl/internal/log"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
	"gitlab.com/gitlab-org/shardrepl/internal/version"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "shardrepl"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	closers, err := configure(conf)
	if err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(1)
	}

	code := subCommand(conf, args[0], args[1:])

	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			logger.WithError(err).Warn("closing on exit")
		}
	}
	sentry.Flush(sentryFlushTimeout)

	os.Exit(code)
}

func initConfig() (config.Config, error) {
	if *flagConfig == "" {
		return config.Config{}, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

// configure sets up the process wide logging, tracing, error reporting and
// metrics. The returned closers are to be closed on exit.
func configure(conf config.Config) ([]io.Closer, error) {
	var closers []io.Closer

	if err := log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level); err != nil {
		return nil, err
	}

	logDir := conf.Logging.Dir
	if dir := os.Getenv(log.LogDirEnvKey); dir != "" {
		logDir = dir
	}
	if logDir != "" {
		closer, err := log.RedirectToDir(log.Loggers, logDir)
		if err != nil {
			return nil, fmt.Errorf("redirect logs: %w", err)
		}
		closers = append(closers, closer)
	}

	closers = append(closers, tracing.Initialize(tracing.WithServiceName(progname)))

	if conf.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         conf.Sentry.DSN,
			Environment: conf.Sentry.Environment,
			Release:     "v" + version.GetVersion(),
		}); err != nil {
			logger.WithError(err).Warn("Unable to initialize sentry client")
		} else {
			logger.Debug("Using sentry logging")
		}
	}

	if conf.PrometheusListenAddr != "" {
		permits.EnableAcquireTimeHistogram(conf.Prometheus.PermitAcquireBuckets)

		l, err := net.Listen("tcp", conf.PrometheusListenAddr)
		if err != nil {
			return closers, fmt.Errorf("prometheus listener: %w", err)
		}

		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")
		go func() {
			if err := monitoring.Start(
				monitoring.WithListener(l),
				monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime()),
			); err != nil {
				logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
			}
		}()
	}

	return closers, nil
}
