package reactor

import (
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/talostrading/reactor/internal"
	"github.com/talostrading/reactor/reactorerrors"
)

type Config struct {
	// Workers is the number of goroutines Run dispatches handlers on.
	Workers int `mapstructure:"workers"`

	// ChannelMaxEvents bounds the events returned by one multiplexer wait.
	// Rounded up to a power of two.
	ChannelMaxEvents int `mapstructure:"channel_max_events"`

	BlockingPoolSize        int           `mapstructure:"blocking_pool_size"`
	BlockingGracefulTimeout time.Duration `mapstructure:"blocking_graceful_timeout"`
	BlockingForcedTimeout   time.Duration `mapstructure:"blocking_forced_timeout"`

	// CriticalErrors is the capacity of the Errors channel. Errors reported
	// while it is full are only logged.
	CriticalErrors int `mapstructure:"critical_errors"`

	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	LatencyMax       time.Duration `mapstructure:"latency_max"`

	// PinCPUs pins Run worker i to PinCPUs[i%len(PinCPUs)]. Empty disables
	// pinning.
	PinCPUs []int `mapstructure:"pin_cpus"`
}

func DefaultConfig() Config {
	return Config{
		Workers:                 1,
		ChannelMaxEvents:        128,
		BlockingPoolSize:        8,
		BlockingGracefulTimeout: 5 * time.Second,
		BlockingForcedTimeout:   time.Second,
		CriticalErrors:          16,
		MetricsNamespace:        "reactor",
		LatencyMax:              time.Minute,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return reactorerrors.ErrInvalidArgument.WithMsg("workers must be positive, got %d", c.Workers)
	case c.ChannelMaxEvents <= 0:
		return reactorerrors.ErrInvalidArgument.WithMsg("channel_max_events must be positive, got %d", c.ChannelMaxEvents)
	case c.BlockingPoolSize <= 0:
		return reactorerrors.ErrInvalidArgument.WithMsg("blocking_pool_size must be positive, got %d", c.BlockingPoolSize)
	case c.BlockingGracefulTimeout < 0 || c.BlockingForcedTimeout < 0:
		return reactorerrors.ErrInvalidArgument.WithMsg("blocking shutdown timeouts must not be negative")
	case c.CriticalErrors < 0:
		return reactorerrors.ErrInvalidArgument.WithMsg("critical_errors must not be negative")
	}
	for _, cpu := range c.PinCPUs {
		if cpu < 0 {
			return reactorerrors.ErrInvalidArgument.WithMsg("pin_cpus holds negative cpu %d", cpu)
		}
	}
	return nil
}

func (c Config) normalize() Config {
	c.ChannelMaxEvents = internal.NextPowerOfTwo(c.ChannelMaxEvents)
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "reactor"
	}
	if c.LatencyMax <= 0 {
		c.LatencyMax = time.Minute
	}
	return c
}

// LoadConfig reads a configuration file in any format viper understands,
// starting from DefaultConfig. Every key can be overridden from the
// environment with the REACTOR_ prefix, e.g. REACTOR_WORKERS=4. An empty path
// only applies defaults and the environment.
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetDefault("workers", def.Workers)
	v.SetDefault("channel_max_events", def.ChannelMaxEvents)
	v.SetDefault("blocking_pool_size", def.BlockingPoolSize)
	v.SetDefault("blocking_graceful_timeout", def.BlockingGracefulTimeout)
	v.SetDefault("blocking_forced_timeout", def.BlockingForcedTimeout)
	v.SetDefault("critical_errors", def.CriticalErrors)
	v.SetDefault("metrics_namespace", def.MetricsNamespace)
	v.SetDefault("latency_max", def.LatencyMax)

	v.SetEnvPrefix("reactor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// pin_cpus has no default for AutomaticEnv to find, e.g. REACTOR_PIN_CPUS=0,2
	if err := v.BindEnv("pin_cpus"); err != nil {
		return def, errors.Wrap(err, "bind pin_cpus")
	}

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return def, errors.Wrapf(err, "expand config path %s", path)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return def, errors.Wrapf(err, "read config %s", expanded)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return def, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return def, err
	}
	return cfg, nil
}
