package health

import (
	"context"
	"fmt"
)

// Usage is a point-in-time reading of a bounded resource.
type Usage struct {
	Used     int
	Capacity int
}

// Ratio returns Used/Capacity, or 0 when the capacity is unknown.
func (u Usage) Ratio() float64 {
	if u.Capacity <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Capacity)
}

// SaturationCheckerConfig configures a SaturationChecker.
type SaturationCheckerConfig struct {
	// Name identifies the checker. Default: "saturation"
	Name string

	// WarningThreshold is the usage ratio that reports degraded.
	// Value should be between 0 and 1. Default: 0.8
	WarningThreshold float64

	// CriticalThreshold is the usage ratio that reports unhealthy.
	// Value should be between 0 and 1. Default: 1.0
	CriticalThreshold float64
}

// SaturationChecker reports on how full a bounded resource is, such as the
// dispatch queue.
type SaturationChecker struct {
	config SaturationCheckerConfig
	read   func() Usage
}

// NewSaturationChecker creates a checker that samples read on every check.
func NewSaturationChecker(config SaturationCheckerConfig, read func() Usage) *SaturationChecker {
	if config.Name == "" {
		config.Name = "saturation"
	}
	if config.WarningThreshold <= 0 || config.WarningThreshold > 1 {
		config.WarningThreshold = 0.8
	}
	if config.CriticalThreshold <= 0 || config.CriticalThreshold > 1 {
		config.CriticalThreshold = 1.0
	}
	if config.CriticalThreshold < config.WarningThreshold {
		config.CriticalThreshold = config.WarningThreshold
	}

	return &SaturationChecker{config: config, read: read}
}

// Name returns the name of this checker.
func (s *SaturationChecker) Name() string {
	return s.config.Name
}

// Check samples the resource once.
func (s *SaturationChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	u := s.read()
	ratio := u.Ratio()
	details := map[string]any{
		"used":          u.Used,
		"capacity":      u.Capacity,
		"usage_percent": ratio * 100,
	}

	switch {
	case u.Capacity > 0 && ratio >= s.config.CriticalThreshold:
		return Unhealthy(fmt.Sprintf("%s saturated: %d/%d", s.config.Name, u.Used, u.Capacity), ErrSaturated).
			WithDetails(details)
	case ratio >= s.config.WarningThreshold:
		return Degraded(fmt.Sprintf("%s usage high: %.1f%%", s.config.Name, ratio*100)).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%s usage normal: %.1f%%", s.config.Name, ratio*100)).WithDetails(details)
	}
}
