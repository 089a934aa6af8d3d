package indicators

import (
	"context"
	"fmt"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// Velocity flags an identifier repeating the same action within a trailing
// window. Impact grows by step for every attempt past the soft limit; the
// current request counts as one attempt.
type Velocity struct {
	cfg Config
}

func NewVelocity(cfg Config) *Velocity {
	return &Velocity{cfg: cfg}
}

func (v *Velocity) Name() string { return models.IndicatorVelocity }

func (v *Velocity) Extract(ctx context.Context, in Input) ([]models.FraudIndicator, error) {
	since := in.Now.Add(-v.cfg.VelocityWindow)
	count := 1
	for _, ev := range in.Events {
		if ev.Action == in.Request.Action && !ev.Timestamp.Before(since) {
			count++
		}
	}
	if count <= v.cfg.VelocitySoftLimit {
		return nil, nil
	}

	impact := min(100, float64(count-v.cfg.VelocitySoftLimit)*v.cfg.VelocityStep)
	return []models.FraudIndicator{indicator(models.IndicatorVelocity,
		fmt.Sprintf("%d %s attempts in the last %s", count, in.Request.Action, v.cfg.VelocityWindow),
		impact,
		map[string]any{
			"count":      count,
			"soft_limit": v.cfg.VelocitySoftLimit,
			"window":     v.cfg.VelocityWindow.String(),
		},
	)}, nil
}
