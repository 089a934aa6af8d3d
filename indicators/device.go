package indicators

import (
	"context"
	"fmt"
	"strings"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// Event metadata keys the engine records so later requests can compare
// sessions and devices.
const (
	MetaSessionID         = "session_id"
	MetaDeviceFingerprint = "device_fingerprint"
	MetaUserAgent         = "user_agent"
)

const (
	impactMissingAgent    = 30
	impactAutomationAgent = 45
	impactDeviceChurn     = 60
)

// DeviceAnomaly flags scripted clients and identifiers cycling through
// sessions or device fingerprints.
type DeviceAnomaly struct {
	cfg    Config
	agents []string
}

func NewDeviceAnomaly(cfg Config) *DeviceAnomaly {
	agents := make([]string, 0, len(cfg.AutomationAgents))
	for _, a := range cfg.AutomationAgents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			agents = append(agents, a)
		}
	}
	return &DeviceAnomaly{cfg: cfg, agents: agents}
}

func (d *DeviceAnomaly) Name() string { return models.IndicatorDeviceAnomaly }

func (d *DeviceAnomaly) Extract(ctx context.Context, in Input) ([]models.FraudIndicator, error) {
	var out []models.FraudIndicator

	ua := strings.ToLower(strings.TrimSpace(in.Request.UserAgent))
	switch {
	case ua == "":
		out = append(out, indicator(models.IndicatorDeviceAnomaly, "missing user agent", impactMissingAgent,
			map[string]any{"signal": "missing_user_agent"}))
	default:
		for _, a := range d.agents {
			if strings.Contains(ua, a) {
				out = append(out, indicator(models.IndicatorDeviceAnomaly,
					fmt.Sprintf("automation client %q", a), impactAutomationAgent,
					map[string]any{"signal": "automation_user_agent", "match": a}))
				break
			}
		}
	}

	sessions := d.distinct(in, MetaSessionID, in.Request.SessionID)
	devices := d.distinct(in, MetaDeviceFingerprint, in.Request.DeviceFingerprint)
	if sessions > d.cfg.MaxDistinctDevices || devices > d.cfg.MaxDistinctDevices {
		out = append(out, indicator(models.IndicatorDeviceAnomaly,
			fmt.Sprintf("%d sessions and %d devices in the last %s", sessions, devices, d.cfg.DeviceWindow),
			impactDeviceChurn,
			map[string]any{"signal": "device_churn", "sessions": sessions, "devices": devices},
		))
	}
	return out, nil
}

func (d *DeviceAnomaly) distinct(in Input, key, current string) int {
	seen := make(map[string]struct{})
	if current != "" {
		seen[current] = struct{}{}
	}
	since := in.Now.Add(-d.cfg.DeviceWindow)
	for _, ev := range in.Events {
		if ev.Timestamp.Before(since) {
			continue
		}
		if v := ev.Metadata[key]; v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}
