package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconcileConfig holds the runtime-tunable policy of the reconciliation engine.
type ReconcileConfig struct {
	Processor  ProcessorPolicy  `mapstructure:"processor"`
	Enrichment EnrichmentPolicy `mapstructure:"enrichment"`
	Retry      RetryPolicy      `mapstructure:"retry"`
}

type ProcessorPolicy struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxNetworkRetries int64         `mapstructure:"max_network_retries"`
}

type EnrichmentPolicy struct {
	Enabled bool `mapstructure:"enabled"`
}

type RetryPolicy struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// Backoff returns the delay before the given attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Processor: ProcessorPolicy{
			Timeout:           10 * time.Second,
			MaxNetworkRetries: 1,
		},
		Enrichment: EnrichmentPolicy{Enabled: true},
		Retry: RetryPolicy{
			MaxAttempts:  8,
			BaseBackoff:  5 * time.Second,
			MaxBackoff:   30 * time.Minute,
			PollInterval: 5 * time.Second,
			BatchSize:    50,
			LockTTL:      30 * time.Second,
		},
	}
}

type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

// NewStaticReconcileConfigHolder returns a holder that never reloads.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) *ReconcileConfigHolder {
	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewReconcileConfigHolder() (*ReconcileConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/subreconcile")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SUBRECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReconcileConfig()
	v.SetDefault("reconcile.processor.timeout", defaults.Processor.Timeout)
	v.SetDefault("reconcile.processor.max_network_retries", defaults.Processor.MaxNetworkRetries)
	v.SetDefault("reconcile.enrichment.enabled", defaults.Enrichment.Enabled)
	v.SetDefault("reconcile.retry.max_attempts", defaults.Retry.MaxAttempts)
	v.SetDefault("reconcile.retry.base_backoff", defaults.Retry.BaseBackoff)
	v.SetDefault("reconcile.retry.max_backoff", defaults.Retry.MaxBackoff)
	v.SetDefault("reconcile.retry.poll_interval", defaults.Retry.PollInterval)
	v.SetDefault("reconcile.retry.batch_size", defaults.Retry.BatchSize)
	v.SetDefault("reconcile.retry.lock_ttl", defaults.Retry.LockTTL)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decodeReconcileConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateReconcileConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticReconcileConfigHolder(cfg)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeReconcileConfig(v)
			if err != nil {
				log.Printf("[reconcile-config] reload failed: %v", err)
				return
			}
			if err := validateReconcileConfig(updated); err != nil {
				log.Printf("[reconcile-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[reconcile-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// decodeReconcileConfig unmarshals through AllSettings so defaults merge with partial files.
func decodeReconcileConfig(v *viper.Viper) (ReconcileConfig, error) {
	var wrapper struct {
		Reconcile ReconcileConfig `mapstructure:"reconcile"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return ReconcileConfig{}, err
	}
	return wrapper.Reconcile, nil
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	if h == nil {
		return DefaultReconcileConfig()
	}
	return h.current.Load().(ReconcileConfig)
}

func validateReconcileConfig(cfg ReconcileConfig) error {
	if cfg.Processor.Timeout <= 0 {
		return errors.New("reconcile.processor.timeout must be positive")
	}
	if cfg.Processor.MaxNetworkRetries < 0 {
		return errors.New("reconcile.processor.max_network_retries cannot be negative")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("reconcile.retry.max_attempts must be positive")
	}
	if cfg.Retry.BaseBackoff <= 0 || cfg.Retry.MaxBackoff < cfg.Retry.BaseBackoff {
		return errors.New("reconcile.retry backoff window is invalid")
	}
	if cfg.Retry.PollInterval <= 0 {
		return errors.New("reconcile.retry.poll_interval must be positive")
	}
	if cfg.Retry.BatchSize <= 0 {
		return errors.New("reconcile.retry.batch_size must be positive")
	}
	if cfg.Retry.LockTTL <= 0 {
		return errors.New("reconcile.retry.lock_ttl must be positive")
	}
	return nil
}
