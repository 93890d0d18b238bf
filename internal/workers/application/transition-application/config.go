// internal/workers/application/transition-application/config.go
package transitionapplication

import (
	"fmt"
	"time"

	"subsidy-workflow/internal/common/config"
	"subsidy-workflow/internal/common/errors"
)

const configKey = "transition-application"

type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxJobsActive int           `mapstructure:"max_jobs_active"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// ConflictRetries is how often a transition that lost an optimistic lock
	// race is re-run against the fresh application before the job fails.
	ConflictRetries int `mapstructure:"conflict_retries"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		MaxJobsActive:   10,
		Timeout:         30 * time.Second,
		ConflictRetries: errors.GetRetryCount(errors.ErrCodeConcurrencyConflict),
	}
}

func (c *Config) Validate() error {
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries must not be negative")
	}
	return nil
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}

	cfg := DefaultConfig()
	if appConfig == nil {
		return cfg
	}

	if workerCfg, exists := appConfig.Workers[configKey]; exists {
		cfg.Enabled = workerCfg.Enabled
		if workerCfg.MaxJobsActive > 0 {
			cfg.MaxJobsActive = workerCfg.MaxJobsActive
		}
		if workerCfg.Timeout > 0 {
			cfg.Timeout = time.Duration(workerCfg.Timeout) * time.Millisecond
		}
	} else if appConfig.Camunda.MaxJobsActive > 0 {
		cfg.MaxJobsActive = appConfig.Camunda.MaxJobsActive
	}
	return cfg
}
