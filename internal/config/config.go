package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/replication"
)

// EnvPrefix is the prefix of environment variables overriding the TOML file.
const EnvPrefix = "shardrepl"

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration time.Duration

// Duration converts to a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses the textual representation of a duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Logging configures the process loggers.
type Logging struct {
	// Format is either "json" or "text". An empty value keeps the logrus default.
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// Dir, when set, redirects all loggers into a log file inside of it.
	Dir string `toml:"dir"`
}

// Sentry configures panic and error reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn" envconfig:"dsn"`
	Environment string `toml:"sentry_environment" envconfig:"environment"`
}

// Prometheus configures metric collection.
type Prometheus struct {
	// PermitAcquireBuckets enables the permit acquisition histogram when set.
	PermitAcquireBuckets []float64 `toml:"permit_acquire_buckets" ignored:"true"`
	// PhaseDurationBuckets configures the replication phase histogram.
	PhaseDurationBuckets []float64 `toml:"phase_duration_buckets" ignored:"true"`
}

// DefaultPrometheus returns the default metric configuration.
func DefaultPrometheus() Prometheus {
	return Prometheus{
		PermitAcquireBuckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1.0, 10.0, 30.0},
		PhaseDurationBuckets: prometheus.DefBuckets,
	}
}

// Cluster configures the cluster state service.
type Cluster struct {
	Name string `toml:"name"`
	// HistorySize is the number of published snapshots kept for lookups by version.
	HistorySize int `toml:"history_size" split_words:"true"`
	// GatewayPath is the bolt database persistent blocks are written to. Blocks
	// are not persisted when it is empty.
	GatewayPath string `toml:"gateway_path" split_words:"true"`
}

// Replication configures the replication pipelines.
type Replication struct {
	// AllPermitsTimeout bounds the wait for exclusive shard permits.
	AllPermitsTimeout Duration `toml:"all_permits_timeout" split_words:"true"`
	// ReplicaBlockCheck is the replica handler's block check policy, either
	// "disabled" or "enabled".
	ReplicaBlockCheck string `toml:"replica_block_check" split_words:"true"`
}

// BlockCheck maps the configured policy to its replication value.
func (r Replication) BlockCheck() (replication.ReplicaBlockCheck, error) {
	switch r.ReplicaBlockCheck {
	case "", replication.ReplicaBlockCheckDisabled.String():
		return replication.ReplicaBlockCheckDisabled, nil
	case replication.ReplicaBlockCheckEnabled.String():
		return replication.ReplicaBlockCheckEnabled, nil
	default:
		return replication.ReplicaBlockCheckDefault, fmt.Errorf("%w: %q", errInvalidBlockCheck, r.ReplicaBlockCheck)
	}
}

// Config is a container for everything found in the TOML config file.
type Config struct {
	NodeID               string      `toml:"node_id" split_words:"true"`
	ListenAddr           string      `toml:"listen_addr" split_words:"true"`
	SocketDir            string      `toml:"socket_dir" split_words:"true"`
	PrometheusListenAddr string      `toml:"prometheus_listen_addr" split_words:"true"`
	Logging              Logging     `toml:"logging" envconfig:"logging"`
	Sentry               Sentry      `toml:"sentry" envconfig:"sentry"`
	Prometheus           Prometheus  `toml:"prometheus" envconfig:"prometheus"`
	Cluster              Cluster     `toml:"cluster" envconfig:"cluster"`
	Replication          Replication `toml:"replication" envconfig:"replication"`
}

// Default returns a config with every default applied.
func Default() Config {
	cfg := Config{Prometheus: DefaultPrometheus()}
	cfg.setDefaults()
	return cfg
}

// Load reads the config from file and the environment. Environment variables
// take precedence over the file.
func Load(file io.Reader) (Config, error) {
	cfg := Config{Prometheus: DefaultPrometheus()}

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load toml: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// FromFile loads the config for the passed file path.
func FromFile(filePath string) (Config, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return Load(f)
}

func (cfg *Config) setDefaults() {
	if cfg.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.NodeID = hostname
		}
	}

	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}

	if cfg.Cluster.Name == "" {
		cfg.Cluster.Name = "shardrepl"
	}

	if cfg.Cluster.HistorySize == 0 {
		cfg.Cluster.HistorySize = cluster.DefaultHistorySize
	}

	if cfg.Replication.AllPermitsTimeout == 0 {
		cfg.Replication.AllPermitsTimeout = Duration(replication.DefaultExclusiveTimeout)
	}

	if cfg.Replication.ReplicaBlockCheck == "" {
		cfg.Replication.ReplicaBlockCheck = replication.DefaultReplicaBlockCheck.String()
	}
}

var (
	errNoNodeID          = errors.New("node_id is not set")
	errInvalidBlockCheck = errors.New("invalid replica block check policy")
	errInvalidHistory    = errors.New("cluster.history_size must be positive")
	errInvalidTimeout    = errors.New("replication.all_permits_timeout must be positive")
	errInvalidLogFormat  = errors.New("invalid logging format")
)

// Validate establishes if the config is valid.
func (cfg *Config) Validate() error {
	if cfg.NodeID == "" {
		return errNoNodeID
	}

	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: %q", errInvalidLogFormat, cfg.Logging.Format)
	}

	if cfg.Cluster.HistorySize <= 0 {
		return errInvalidHistory
	}

	if cfg.Replication.AllPermitsTimeout <= 0 {
		return errInvalidTimeout
	}

	if _, err := cfg.Replication.BlockCheck(); err != nil {
		return err
	}

	return nil
}
