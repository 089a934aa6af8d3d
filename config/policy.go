package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/indicators"
	"github.com/berserk3142-max/fraud-risk-engine/insights"
	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/scoring"
)

// ActionPolicy is the rate limit and classification of one action. Enabled
// defaults to true and FailOpen to the opposite of Destructive when left
// out of the file.
type ActionPolicy struct {
	MaxAttempts          int    `yaml:"max_attempts"`
	WindowMinutes        int    `yaml:"window_minutes"`
	BlockDurationMinutes int    `yaml:"block_duration_minutes"`
	Enabled              *bool  `yaml:"enabled"`
	Destructive          bool   `yaml:"destructive"`
	FailOpen             *bool  `yaml:"fail_open"`
	Description          string `yaml:"description"`
}

func (a ActionPolicy) RateLimit(action string) models.RateLimitConfig {
	enabled := a.Enabled == nil || *a.Enabled
	failOpen := !a.Destructive
	if a.FailOpen != nil {
		failOpen = *a.FailOpen
	}
	return models.RateLimitConfig{
		Action:               action,
		MaxAttempts:          a.MaxAttempts,
		WindowMinutes:        a.WindowMinutes,
		BlockDurationMinutes: a.BlockDurationMinutes,
		IsEnabled:            enabled,
		Destructive:          a.Destructive,
		FailOpen:             failOpen,
		Description:          a.Description,
	}
}

type EngineSettings struct {
	ClockSkew            time.Duration           `yaml:"clock_skew"`
	AutoBlockHours       int                     `yaml:"auto_block_hours"`
	DefaultMaxAttempts   int                     `yaml:"default_max_attempts"`
	DefaultWindowMinutes int                     `yaml:"default_window_minutes"`
	ReportBlockHours     map[models.Severity]int `yaml:"report_block_hours"`
	Workers              int                     `yaml:"workers"`
	QueueSize            int                     `yaml:"queue_size"`
	TaskTimeout          time.Duration           `yaml:"task_timeout"`
	BlockDedupWindow     time.Duration           `yaml:"block_dedup_window"`
}

type InsightsSettings struct {
	TopThreats         int     `yaml:"top_threats"`
	RecentEvents       int     `yaml:"recent_events"`
	BlockCountryWeight float64 `yaml:"block_country_weight"`
}

// GuardRoute maps a proxied path prefix to the action it performs.
type GuardRoute struct {
	Prefix string `yaml:"prefix"`
	Action string `yaml:"action"`
}

// Policy is the risk policy file.
type Policy struct {
	Actions    map[string]ActionPolicy `yaml:"actions"`
	Scoring    scoring.Config          `yaml:"scoring"`
	Indicators indicators.Config       `yaml:"indicators"`
	Engine     EngineSettings          `yaml:"engine"`
	Insights   InsightsSettings        `yaml:"insights"`
	Guard      []GuardRoute            `yaml:"guard"`
}

func DefaultPolicy() Policy {
	ec := engine.DefaultConfig()
	ic := insights.DefaultConfig()
	return Policy{
		Actions: map[string]ActionPolicy{
			"registration": {MaxAttempts: 3, WindowMinutes: 60, BlockDurationMinutes: 60, Destructive: true,
				Description: "account sign-up"},
			"redemption": {MaxAttempts: 5, WindowMinutes: 60, BlockDurationMinutes: 30, Destructive: true,
				Description: "sponsorship code redemption"},
			"bulk_send": {MaxAttempts: 10, WindowMinutes: 60, BlockDurationMinutes: 60, Destructive: true,
				Description: "bulk messaging"},
			"login": {MaxAttempts: 10, WindowMinutes: 15, BlockDurationMinutes: 15,
				Description: "sign in"},
			"view": {MaxAttempts: 120, WindowMinutes: 1, BlockDurationMinutes: 5,
				Description: "read-only browsing"},
		},
		Scoring:    scoring.DefaultConfig(),
		Indicators: indicators.DefaultConfig(),
		Engine: EngineSettings{
			ClockSkew:            ec.ClockSkew,
			AutoBlockHours:       ec.AutoBlockHours,
			DefaultMaxAttempts:   ec.DefaultMaxAttempts,
			DefaultWindowMinutes: ec.DefaultWindowMinutes,
			ReportBlockHours:     ec.ReportBlockHours,
			Workers:              ec.Workers,
			QueueSize:            ec.QueueSize,
			TaskTimeout:          ec.TaskTimeout,
			BlockDedupWindow:     time.Minute,
		},
		Guard: []GuardRoute{{Prefix: "/api/", Action: "view"}},
		Insights: InsightsSettings{
			TopThreats:         ic.TopThreats,
			RecentEvents:       ic.RecentEvents,
			BlockCountryWeight: ic.BlockCountryWeight,
		},
	}
}

// LoadPolicy reads a YAML policy on top of the defaults, so a file only
// needs the settings it changes. A file that lists actions replaces the
// default action set.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	var actions struct {
		Actions map[string]ActionPolicy `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(actions.Actions) > 0 {
		p.Actions = nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	var errs []error
	for _, name := range p.ActionNames() {
		a := p.Actions[name]
		if a.MaxAttempts <= 0 || a.WindowMinutes <= 0 {
			errs = append(errs, fmt.Errorf("action %s: max_attempts and window_minutes must be positive", name))
		}
		if a.BlockDurationMinutes < 0 {
			errs = append(errs, fmt.Errorf("action %s: block_duration_minutes must be >= 0", name))
		}
	}
	if err := p.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Indicators.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("indicators: %w", err))
	}
	e := p.Engine
	if e.ClockSkew < 0 || e.AutoBlockHours <= 0 || e.DefaultMaxAttempts <= 0 || e.DefaultWindowMinutes <= 0 {
		errs = append(errs, errors.New("engine: clock_skew must be >= 0 and auto_block_hours, default_max_attempts, default_window_minutes positive"))
	}
	for sev, hours := range e.ReportBlockHours {
		if sev.Rank() == 0 || hours < 0 {
			errs = append(errs, fmt.Errorf("engine: invalid report_block_hours entry %q: %d", sev, hours))
		}
	}
	for _, r := range p.Guard {
		if r.Prefix == "" || r.Action == "" {
			errs = append(errs, errors.New("guard: prefix and action are required"))
		}
	}
	return errors.Join(errs...)
}

// ActionNames lists configured actions in a stable order.
func (p *Policy) ActionNames() []string {
	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Policy) ActionTable() engine.ActionTable {
	cfgs := make([]models.RateLimitConfig, 0, len(p.Actions))
	for _, name := range p.ActionNames() {
		cfgs = append(cfgs, p.Actions[name].RateLimit(name))
	}
	return engine.NewActionTable(cfgs)
}

func (p *Policy) EngineConfig(storeTimeout time.Duration) engine.Config {
	e := p.Engine
	return engine.Config{
		ClockSkew:            e.ClockSkew,
		AutoBlockHours:       e.AutoBlockHours,
		DefaultMaxAttempts:   e.DefaultMaxAttempts,
		DefaultWindowMinutes: e.DefaultWindowMinutes,
		ReportBlockHours:     e.ReportBlockHours,
		StoreTimeout:         storeTimeout,
		Workers:              e.Workers,
		QueueSize:            e.QueueSize,
		TaskTimeout:          e.TaskTimeout,
	}
}

func (p *Policy) InsightsConfig() insights.Config {
	return insights.Config{
		TopThreats:         p.Insights.TopThreats,
		RecentEvents:       p.Insights.RecentEvents,
		CountryWeights:     p.Indicators.CountryWeights,
		BlockCountryWeight: p.Insights.BlockCountryWeight,
	}
}
