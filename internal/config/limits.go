package config

import (
	"fmt"
	"time"
)

// Limits holds the retry, editorial, and world-building budgets. Zero
// values mean "use the default"; applyDefaults fills them before
// validation.
type Limits struct {
	Retry         RetryLimits         `yaml:"retry"`
	Editorial     EditorialLimits     `yaml:"editorial"`
	WorldBuilding WorldBuildingLimits `yaml:"world_building"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`

	// Gates lists the steps whose completion pauses the workflow for an
	// external review decision. Omitted means the structure gate only;
	// an explicit empty list disables gating.
	Gates []string `yaml:"gates" validate:"dive,oneof=foundation world_building structure writing editorial final_review"`

	MaxOutputSize int `yaml:"max_output_size" validate:"min=0,max=1000000"`
}

type RetryLimits struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=0,max=10"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"min=0"`
}

type EditorialLimits struct {
	ConvergenceThreshold float64 `yaml:"convergence_threshold" validate:"min=0,max=1"`
	MaxIterations        int     `yaml:"max_iterations" validate:"min=0,max=20"`
}

type WorldBuildingLimits struct {
	MinSuccessRatio float64 `yaml:"min_success_ratio" validate:"min=0,max=1"`
	MaxConcurrent   int     `yaml:"max_concurrent" validate:"min=0,max=16"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"min=0,max=1000"`
	BurstSize         int `yaml:"burst_size" validate:"min=0,max=100"`
}

func DefaultLimits() Limits {
	return Limits{
		Retry: RetryLimits{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    2 * time.Minute,
		},
		Editorial: EditorialLimits{
			ConvergenceThreshold: 0.05,
			MaxIterations:        5,
		},
		WorldBuilding: WorldBuildingLimits{
			MinSuccessRatio: 0.5,
			MaxConcurrent:   1,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			BurstSize:         5,
		},
		Gates:         []string{"structure"},
		MaxOutputSize: 200000,
	}
}

func (l *Limits) applyDefaults() {
	defaults := DefaultLimits()

	if l.Retry.MaxAttempts == 0 {
		l.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if l.Retry.BaseDelay == 0 {
		l.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if l.Retry.MaxDelay == 0 {
		l.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if l.Editorial.ConvergenceThreshold == 0 {
		l.Editorial.ConvergenceThreshold = defaults.Editorial.ConvergenceThreshold
	}
	if l.Editorial.MaxIterations == 0 {
		l.Editorial.MaxIterations = defaults.Editorial.MaxIterations
	}
	if l.WorldBuilding.MinSuccessRatio == 0 {
		l.WorldBuilding.MinSuccessRatio = defaults.WorldBuilding.MinSuccessRatio
	}
	if l.WorldBuilding.MaxConcurrent == 0 {
		l.WorldBuilding.MaxConcurrent = defaults.WorldBuilding.MaxConcurrent
	}
	if l.RateLimit.RequestsPerMinute == 0 {
		l.RateLimit.RequestsPerMinute = defaults.RateLimit.RequestsPerMinute
	}
	if l.RateLimit.BurstSize == 0 {
		l.RateLimit.BurstSize = defaults.RateLimit.BurstSize
	}
	if l.Gates == nil {
		l.Gates = defaults.Gates
	}
	if l.MaxOutputSize == 0 {
		l.MaxOutputSize = defaults.MaxOutputSize
	}
}

func (l *Limits) validate() error {
	if l.Retry.MaxDelay < l.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay %v is below base_delay %v", l.Retry.MaxDelay, l.Retry.BaseDelay)
	}
	return nil
}
