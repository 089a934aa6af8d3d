package indicators

import (
	"context"
	"fmt"
	"strings"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	impactMissingPrerequisite = 35
	impactDuplicateBase       = 30
	impactDuplicateStep       = 20
	// Repetition alone never reaches the critical band; the rate limiter
	// owns the call on how many repeats are too many.
	impactDuplicateMax = 74
)

// PatternAnomaly compares the request against the expected action graph:
// an action whose prerequisite never happened, or the same action fired
// again within a few seconds.
type PatternAnomaly struct {
	cfg Config
}

func NewPatternAnomaly(cfg Config) *PatternAnomaly {
	return &PatternAnomaly{cfg: cfg}
}

func (p *PatternAnomaly) Name() string { return models.IndicatorPatternAnomaly }

func (p *PatternAnomaly) Extract(ctx context.Context, in Input) ([]models.FraudIndicator, error) {
	var out []models.FraudIndicator
	action := in.Request.Action

	if required := p.cfg.Prerequisites[action]; len(required) > 0 && !p.seenAny(in, required) {
		out = append(out, indicator(models.IndicatorPatternAnomaly,
			fmt.Sprintf("%s without a prior %s", action, strings.Join(required, " or ")),
			impactMissingPrerequisite,
			map[string]any{"pattern": "missing_prerequisite", "required": required},
		))
	}

	since := in.Now.Add(-p.cfg.DuplicateWindow)
	dups := 0
	for _, ev := range in.Events {
		if ev.Action == action && !ev.Timestamp.Before(since) {
			dups++
		}
	}
	if dups > 0 {
		impact := min(impactDuplicateMax, impactDuplicateBase+float64(dups-1)*impactDuplicateStep)
		out = append(out, indicator(models.IndicatorPatternAnomaly,
			fmt.Sprintf("%s repeated %d times within %s", action, dups, p.cfg.DuplicateWindow),
			impact,
			map[string]any{"pattern": "duplicate", "repeats": dups},
		))
	}
	return out, nil
}

func (p *PatternAnomaly) seenAny(in Input, actions []string) bool {
	want := make(map[string]bool, len(actions))
	for _, a := range actions {
		want[a] = true
	}
	for _, a := range in.Request.RecentActions {
		if want[a] {
			return true
		}
	}
	since := in.Now.Add(-p.cfg.PrerequisiteLookback)
	for _, ev := range in.Events {
		if want[ev.Action] && !ev.Timestamp.Before(since) {
			return true
		}
	}
	return false
}
