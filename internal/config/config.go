// Package config loads the engine's own ambient configuration using
// viper. This is distinct from the pipeline graph specification
// (see internal/graph), which is an explicit, separately-loaded input
// that never changes for the lifetime of a running pipeline.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"firestige.xyz/eegpipe/internal/log"
)

// EngineConfig is the top-level ambient configuration, decoded from the
// `eegpipe:` root key of a YAML file.
type EngineConfig struct {
	Log       log.LoggerConfig `mapstructure:"log"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Broker    BrokerConfig     `mapstructure:"broker"`
	Resources ResourcesConfig  `mapstructure:"resources"`
}

// ExecutorConfig configures the scheduling-group thread pool.
type ExecutorConfig struct {
	// Groups names the scheduling groups in spawn order. Built-in stage
	// types default to {"acquire", "dsp", "sinks"} unless a stage
	// descriptor overrides its group explicitly.
	Groups []string `mapstructure:"groups"`
	// PinAffinity enables OS-thread-to-CPU-core pinning per group.
	PinAffinity bool `mapstructure:"pin_affinity"`
	// IdleParkDuration bounds how long a group thread sleeps after a
	// round in which every stage yielded.
	IdleParkDuration time.Duration `mapstructure:"idle_park_duration"`
	// ShutdownBudget bounds how long stop() waits for a sink's flush
	// before forcing closure.
	ShutdownBudget time.Duration `mapstructure:"shutdown_budget"`
}

// BrokerConfig configures the websocket fan-out hub.
type BrokerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	Path           string        `mapstructure:"path"`
	ClientQueueLen int           `mapstructure:"client_queue_len"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// ResourcesConfig bounds process-wide resource usage.
type ResourcesConfig struct {
	MaxWorkers int `mapstructure:"max_workers"` // 0 = auto (GOMAXPROCS)
}

// Default returns the engine's default ambient configuration.
func Default() EngineConfig {
	return EngineConfig{
		Log: log.DefaultConfig(),
		Executor: ExecutorConfig{
			Groups:           []string{"acquire", "dsp", "sinks"},
			PinAffinity:      false,
			IdleParkDuration: time.Millisecond,
			ShutdownBudget:   2 * time.Second,
		},
		Broker: BrokerConfig{
			ListenAddr:     ":8787",
			Path:           "/stream",
			ClientQueueLen: 64,
			WriteTimeout:   2 * time.Second,
		},
	}
}

// Load reads the engine configuration from path (format inferred from
// its extension) with environment-variable overrides under the
// EEGPIPE_ prefix, e.g. EEGPIPE_LOG_LEVEL overrides log.level.
func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Every key is rooted at "eegpipe.", so the replacer alone yields the
	// EEGPIPE_-prefixed variable names.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// WatchReload re-applies ambient settings (log level, appenders,
// executor tuning) whenever the config file changes on disk, without
// ever touching a running pipeline's graph: graph topology is immutable
// for a pipeline's lifetime, and this callback never sees it.
func WatchReload(path string, onChange func(EngineConfig)) error {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.GetLogger().WithError(err).Warn("config: failed to decode reloaded configuration")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.GetLogger().WithError(err).Warn("config: reloaded configuration is invalid, ignoring")
			return
		}
		onChange(*cfg)
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*EngineConfig, error) {
	var root struct {
		EEGPipe EngineConfig `mapstructure:"eegpipe"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	return &root.EEGPipe, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("eegpipe.log.level", d.Log.Level)
	v.SetDefault("eegpipe.log.pattern", d.Log.Pattern)
	v.SetDefault("eegpipe.log.time", d.Log.Time)
	v.SetDefault("eegpipe.executor.groups", d.Executor.Groups)
	v.SetDefault("eegpipe.executor.pin_affinity", d.Executor.PinAffinity)
	v.SetDefault("eegpipe.executor.idle_park_duration", d.Executor.IdleParkDuration)
	v.SetDefault("eegpipe.executor.shutdown_budget", d.Executor.ShutdownBudget)
	v.SetDefault("eegpipe.broker.listen_addr", d.Broker.ListenAddr)
	v.SetDefault("eegpipe.broker.path", d.Broker.Path)
	v.SetDefault("eegpipe.broker.client_queue_len", d.Broker.ClientQueueLen)
	v.SetDefault("eegpipe.broker.write_timeout", d.Broker.WriteTimeout)
}

// Validate applies sanity checks to a decoded EngineConfig.
func (c *EngineConfig) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if len(c.Executor.Groups) == 0 {
		return fmt.Errorf("executor.groups must name at least one scheduling group")
	}
	if c.Executor.ShutdownBudget <= 0 {
		return fmt.Errorf("executor.shutdown_budget must be positive")
	}
	if c.Broker.ListenAddr == "" {
		return fmt.Errorf("broker.listen_addr must not be empty")
	}
	return nil
}
