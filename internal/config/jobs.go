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

// JobsConfig controls the background tasks: the reconciliation window and
// cadence, the sweeper grace window, and batch bounds. The candidate-selection
// thresholds are deliberately configuration, not code.
type JobsConfig struct {
	// ReconcileInterval is the cadence of the reconciliation task.
	ReconcileInterval time.Duration `mapstructure:"reconcileInterval"`
	// ReconcileAfter is the minimum age before a PENDING order is considered
	// ambiguous and worth querying the provider about.
	ReconcileAfter time.Duration `mapstructure:"reconcileAfter"`
	// ProviderTimeout bounds a single provider status query.
	ProviderTimeout time.Duration `mapstructure:"providerTimeout"`
	// RetryAttempts / RetryDelay govern whole-run retries when the entire
	// reconciliation pass fails (provider unreachable, DB down).
	RetryAttempts int           `mapstructure:"retryAttempts"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`

	// SweepInterval is the cadence of the timeout sweeper.
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	// CancelAfter is how long an order may stay unpaid before the sweeper
	// cancels it. Orders past this age are the sweeper's, not the
	// reconciler's.
	CancelAfter time.Duration `mapstructure:"cancelAfter"`

	BatchSize int `mapstructure:"batchSize"`
}

func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		ReconcileInterval: 5 * time.Minute,
		ReconcileAfter:    5 * time.Minute,
		ProviderTimeout:   15 * time.Second,
		RetryAttempts:     3,
		RetryDelay:        time.Minute,
		SweepInterval:     time.Minute,
		CancelAfter:       30 * time.Minute,
		BatchSize:         50,
	}
}

// JobsConfigHolder hot-reloads jobs.yml so thresholds can be tuned without a
// restart.
type JobsConfigHolder struct {
	current atomic.Value // holds JobsConfig
}

func NewJobsConfigHolder() (*JobsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("jobs")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/pointspay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POINTSPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultJobsConfig()
	if err := v.UnmarshalKey("jobs", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateJobsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &JobsConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := DefaultJobsConfig()
			if err := v.UnmarshalKey("jobs", &updated); err != nil {
				log.Printf("[jobs-config] reload failed: %v", err)
				return
			}
			updated = updated.withDefaults()
			if err := validateJobsConfig(updated); err != nil {
				log.Printf("[jobs-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[jobs-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// NewStaticJobsConfigHolder returns a holder pinned to cfg. Used by tests and
// the scheduler-only binary when no jobs.yml is mounted.
func NewStaticJobsConfigHolder(cfg JobsConfig) *JobsConfigHolder {
	holder := &JobsConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *JobsConfigHolder) Get() JobsConfig {
	return h.current.Load().(JobsConfig)
}

func (c JobsConfig) withDefaults() JobsConfig {
	defaults := DefaultJobsConfig()
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = defaults.ReconcileAfter
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = defaults.ProviderTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.CancelAfter <= 0 {
		c.CancelAfter = defaults.CancelAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}

func validateJobsConfig(cfg JobsConfig) error {
	if cfg.ReconcileAfter >= cfg.CancelAfter {
		return errors.New("jobs.reconcileAfter must be below jobs.cancelAfter")
	}
	if cfg.ProviderTimeout >= cfg.ReconcileInterval {
		return errors.New("jobs.providerTimeout must be below jobs.reconcileInterval")
	}
	return nil
}
