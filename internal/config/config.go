package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TRANSFERQ_SERVER_ADDR.
const EnvPrefix = "TRANSFERQ"

// DaemonConfig holds configuration for the scheduler daemon.
type DaemonConfig struct {
	Server struct {
		Addr       string        `mapstructure:"addr"`
		WSInterval time.Duration `mapstructure:"wsinterval"`
		// RateLimit caps API requests per second per process. Zero disables.
		RateLimit float64 `mapstructure:"ratelimit"`
		Burst     int     `mapstructure:"burst"`
	} `mapstructure:"server"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Scheduler struct {
		MaxRetries     int           `mapstructure:"maxretries"`
		AdaptEvery     int           `mapstructure:"adaptevery"`
		StallInterval  time.Duration `mapstructure:"stallinterval"`
		StallThreshold time.Duration `mapstructure:"stallthreshold"`
		MaxStallPolls  int           `mapstructure:"maxstallpolls"`
		MaxConcurrency int           `mapstructure:"maxconcurrency"`
	} `mapstructure:"scheduler"`
	Device struct {
		LowEnd            bool `mapstructure:"lowend"`
		AvailableMemoryMB int  `mapstructure:"availablememorymb"`
	} `mapstructure:"device"`
	Chunks struct {
		EndgameThreshold  int `mapstructure:"endgamethreshold"`
		PerSourceInflight int `mapstructure:"persourceinflight"`
	} `mapstructure:"chunks"`
	Sources struct {
		ReliabilityAlpha float64       `mapstructure:"reliabilityalpha"`
		TTL              time.Duration `mapstructure:"ttl"`
		MaxFailures      int           `mapstructure:"maxfailures"`
	} `mapstructure:"sources"`
	Transport struct {
		// Kind is "loopback" or "quic".
		Kind               string  `mapstructure:"kind"`
		InsecureSkipVerify bool    `mapstructure:"insecureskipverify"`
		RateLimit          int64   `mapstructure:"ratelimit"`
		FailRate           float64 `mapstructure:"failrate"`
		// OutputDir receives delivered bytes. Empty discards them.
		OutputDir string `mapstructure:"outputdir"`
	} `mapstructure:"transport"`
	Store struct {
		// Kind is "none", "file", "sqlite", "redis" or "mongo".
		Kind     string        `mapstructure:"kind"`
		DSN      string        `mapstructure:"dsn"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"store"`
	Telemetry struct {
		Service string `mapstructure:"service"`
	} `mapstructure:"telemetry"`
}

// SourceConfig holds configuration for the QUIC byte-range server.
type SourceConfig struct {
	Addr      string `mapstructure:"addr"`
	Root      string `mapstructure:"root"`
	LogLevel  string `mapstructure:"loglevel"`
	CertFile  string `mapstructure:"certfile"`
	KeyFile   string `mapstructure:"keyfile"`
	RateLimit int64  `mapstructure:"ratelimit"`
}

var daemonDefaults = map[string]any{
	"server.addr":                  ":8080",
	"server.wsinterval":            500 * time.Millisecond,
	"server.ratelimit":             50.0,
	"server.burst":                 100,
	"log.level":                    "info",
	"scheduler.maxretries":         3,
	"scheduler.adaptevery":         3,
	"scheduler.stallinterval":      300 * time.Millisecond,
	"scheduler.stallthreshold":     800 * time.Millisecond,
	"scheduler.maxstallpolls":      5,
	"scheduler.maxconcurrency":     32,
	"device.lowend":                false,
	"device.availablememorymb":     0,
	"chunks.endgamethreshold":      3,
	"chunks.persourceinflight":     2,
	"sources.reliabilityalpha":     0.3,
	"sources.ttl":                  time.Duration(0),
	"sources.maxfailures":          5,
	"transport.kind":               "loopback",
	"transport.insecureskipverify": false,
	"transport.ratelimit":          int64(0),
	"transport.failrate":           0.0,
	"transport.outputdir":          "",
	"store.kind":                   "file",
	"store.dsn":                    "transferq-state.json",
	"store.interval":               5 * time.Second,
	"telemetry.service":            "transferqd",
}

var daemonFlags = []flagSpec{
	{"addr", "server.addr", "HTTP listen address"},
	{"ws-interval", "server.wsinterval", "websocket push interval"},
	{"api-rate-limit", "server.ratelimit", "API requests per second (0 = unlimited)"},
	{"api-burst", "server.burst", "API request burst"},
	{"log-level", "log.level", "log level (debug, info, warn, error)"},
	{"max-retries", "scheduler.maxretries", "retries before an item fails"},
	{"adapt-every", "scheduler.adaptevery", "re-evaluate concurrency after this many completions"},
	{"stall-interval", "scheduler.stallinterval", "stall watchdog period"},
	{"stall-threshold", "scheduler.stallthreshold", "idle time before a transfer is stalled"},
	{"max-stall-polls", "scheduler.maxstallpolls", "forced polls before a stalled transfer fails"},
	{"max-concurrency", "scheduler.maxconcurrency", "global concurrency ceiling"},
	{"low-end", "device.lowend", "treat the device as low-end"},
	{"available-memory-mb", "device.availablememorymb", "available memory in MB (0 = unknown)"},
	{"endgame-threshold", "chunks.endgamethreshold", "remaining chunks that trigger endgame (0 disables)"},
	{"per-source-inflight", "chunks.persourceinflight", "chunk requests per source"},
	{"reliability-alpha", "sources.reliabilityalpha", "weight of the newest outcome in source reliability"},
	{"source-ttl", "sources.ttl", "evict sources not seen for this long (0 disables)"},
	{"max-source-failures", "sources.maxfailures", "evict a source after this many consecutive failures"},
	{"transport", "transport.kind", "transport (loopback, quic)"},
	{"insecure", "transport.insecureskipverify", "skip TLS verification of QUIC sources"},
	{"rate-limit", "transport.ratelimit", "loopback bandwidth per transfer in bytes/s (0 = unlimited)"},
	{"fail-rate", "transport.failrate", "loopback probability of a failed transfer"},
	{"output-dir", "transport.outputdir", "directory that receives transferred bytes (empty = discard)"},
	{"store", "store.kind", "state store (none, file, sqlite, redis, mongo)"},
	{"store-dsn", "store.dsn", "store path or connection string"},
	{"checkpoint-interval", "store.interval", "state checkpoint period"},
	{"service-name", "telemetry.service", "OpenTelemetry service name"},
}

var sourceDefaults = map[string]any{
	"addr":      ":7700",
	"root":      ".",
	"loglevel":  "info",
	"certfile":  "",
	"keyfile":   "",
	"ratelimit": int64(0),
}

var sourceFlags = []flagSpec{
	{"addr", "addr", "QUIC listen address"},
	{"root", "root", "directory to serve"},
	{"log-level", "loglevel", "log level (debug, info, warn, error)"},
	{"cert", "certfile", "TLS certificate (self-signed if empty)"},
	{"key", "keyfile", "TLS key"},
	{"rate-limit", "ratelimit", "total bandwidth in bytes/s (0 = unlimited)"},
}

// ParseDaemonConfig parses daemon configuration. Precedence, lowest first:
// defaults, config file, environment, flags.
func ParseDaemonConfig() (DaemonConfig, error) {
	return parseDaemonConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseDaemonConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseDaemonConfigWithFlagSet(fs *flag.FlagSet, args []string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := load(fs, args, "transferq", daemonDefaults, daemonFlags, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

// Validate checks values that would make the daemon misbehave.
func (c DaemonConfig) Validate() error {
	var errs []error
	switch c.Transport.Kind {
	case "loopback", "quic":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}
	switch c.Store.Kind {
	case "none", "file", "sqlite", "redis", "mongo":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store.Kind))
	}
	if c.Store.Kind != "none" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store dsn is required"))
	}
	if c.Scheduler.StallInterval <= 0 || c.Scheduler.StallThreshold <= 0 {
		errs = append(errs, errors.New("stall interval and threshold must be > 0"))
	}
	if c.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, errors.New("max concurrency must be >= 1"))
	}
	if c.Sources.ReliabilityAlpha <= 0 || c.Sources.ReliabilityAlpha > 1 {
		errs = append(errs, errors.New("reliability alpha must be in (0, 1]"))
	}
	if c.Transport.FailRate < 0 || c.Transport.FailRate > 1 {
		errs = append(errs, errors.New("fail rate must be in [0, 1]"))
	}
	return errors.Join(errs...)
}

// ParseSourceConfig parses configuration for the range server binary.
func ParseSourceConfig() (SourceConfig, error) {
	return parseSourceConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseSourceConfigWithFlagSet(fs *flag.FlagSet, args []string) (SourceConfig, error) {
	var cfg SourceConfig
	if err := load(fs, args, "rangeserv", sourceDefaults, sourceFlags, &cfg); err != nil {
		return SourceConfig{}, err
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return SourceConfig{}, errors.New("cert and key must be set together")
	}
	return cfg, nil
}

// flagSpec maps a command-line flag to a config key.
type flagSpec struct {
	name  string
	key   string
	usage string
}

// load fills out from defaults, an optional config file, the environment and
// finally any flag that was set explicitly.
func load(fs *flag.FlagSet, args []string, name string, defaults map[string]any, flags []flagSpec, out any) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	configFile := fs.String("config", os.Getenv(EnvPrefix+"_CONFIG"), "config file (yaml, json or toml)")
	for _, f := range flags {
		registerFlag(fs, f, defaults[f.key])
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", *configFile, err)
		}
	} else {
		v.SetConfigName(name)
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	byName := make(map[string]string, len(flags))
	for _, f := range flags {
		byName[f.name] = f.key
	}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := byName[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func registerFlag(fs *flag.FlagSet, f flagSpec, def any) {
	switch d := def.(type) {
	case bool:
		fs.Bool(f.name, d, f.usage)
	case int:
		fs.Int(f.name, d, f.usage)
	case int64:
		fs.Int64(f.name, d, f.usage)
	case float64:
		fs.Float64(f.name, d, f.usage)
	case time.Duration:
		fs.Duration(f.name, d, f.usage)
	default:
		fs.String(f.name, fmt.Sprint(d), f.usage)
	}
}
