package indicators

import (
	"fmt"
	"time"
)

type Config struct {
	VelocityWindow    time.Duration `yaml:"velocity_window"`
	VelocitySoftLimit int           `yaml:"velocity_soft_limit"`
	VelocityStep      float64       `yaml:"velocity_step"`

	ReputationLookbackDays int      `yaml:"reputation_lookback_days"`
	DenyPatterns           []string `yaml:"deny_patterns"`

	// Prerequisites maps an action to the actions, any one of which must
	// have been seen before it.
	Prerequisites        map[string][]string `yaml:"prerequisites"`
	PrerequisiteLookback time.Duration       `yaml:"prerequisite_lookback"`
	DuplicateWindow      time.Duration       `yaml:"duplicate_window"`

	// CountryWeights are impacts keyed by ISO country code.
	CountryWeights map[string]float64 `yaml:"country_weights"`

	DeviceWindow       time.Duration `yaml:"device_window"`
	MaxDistinctDevices int           `yaml:"max_distinct_devices"`
	AutomationAgents   []string      `yaml:"automation_agents"`
}

func DefaultConfig() Config {
	return Config{
		VelocityWindow:         10 * time.Minute,
		VelocitySoftLimit:      3,
		VelocityStep:           15,
		ReputationLookbackDays: 30,
		Prerequisites: map[string][]string{
			"redemption": {"view"},
		},
		PrerequisiteLookback: 24 * time.Hour,
		DuplicateWindow:      5 * time.Second,
		CountryWeights:       map[string]float64{},
		DeviceWindow:         time.Hour,
		MaxDistinctDevices:   3,
		AutomationAgents: []string{
			"curl", "wget", "python-requests", "go-http-client",
			"headless", "phantomjs", "selenium", "scrapy", "bot",
		},
	}
}

func (c Config) Validate() error {
	if c.VelocityWindow <= 0 || c.DuplicateWindow <= 0 || c.DeviceWindow <= 0 || c.PrerequisiteLookback <= 0 {
		return fmt.Errorf("indicator windows must be positive")
	}
	if c.VelocitySoftLimit < 0 || c.VelocityStep <= 0 {
		return fmt.Errorf("velocity soft limit must be >= 0 and step > 0")
	}
	if c.ReputationLookbackDays < 0 {
		return fmt.Errorf("reputation lookback must be >= 0")
	}
	if c.MaxDistinctDevices <= 0 {
		return fmt.Errorf("max distinct devices must be positive")
	}
	for country, w := range c.CountryWeights {
		if w < 0 || w > 100 {
			return fmt.Errorf("country weight for %s must be within [0,100], got %v", country, w)
		}
	}
	return nil
}

// Lookback is how much history the extractors need in Input.Events.
func (c Config) Lookback() time.Duration {
	d := c.VelocityWindow
	for _, w := range []time.Duration{c.PrerequisiteLookback, c.DuplicateWindow, c.DeviceWindow} {
		if w > d {
			d = w
		}
	}
	return d
}
