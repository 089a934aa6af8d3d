package indicators

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	impactActiveBlock = 100
	impactDenyPattern = 70
	impactPriorBlock  = 40
)

// IPReputation looks at the blocklist history of the request's IP, email
// and phone, and matches the IP against deny patterns (CIDR blocks or
// plain prefixes).
type IPReputation struct {
	lookback time.Duration
	nets     []*net.IPNet
	prefixes []string
}

func NewIPReputation(cfg Config) (*IPReputation, error) {
	r := &IPReputation{lookback: time.Duration(cfg.ReputationLookbackDays) * 24 * time.Hour}
	for _, p := range cfg.DenyPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			_, n, err := net.ParseCIDR(p)
			if err != nil {
				return nil, fmt.Errorf("deny pattern %q: %w", p, err)
			}
			r.nets = append(r.nets, n)
			continue
		}
		r.prefixes = append(r.prefixes, p)
	}
	return r, nil
}

func (r *IPReputation) Name() string { return models.IndicatorIPReputation }

func (r *IPReputation) Extract(ctx context.Context, in Input) ([]models.FraudIndicator, error) {
	var out []models.FraudIndicator

	for _, b := range in.BlockHistory {
		if b.ActiveAt(in.Now) {
			ind := indicator(models.IndicatorIPReputation,
				fmt.Sprintf("%s %s is currently blocked", b.Type, b.Value),
				impactActiveBlock,
				map[string]any{"entity_type": string(b.Type), "value": b.Value, "reason": b.Reason},
			)
			ind.Severity = models.SeverityCritical
			out = append(out, ind)
			continue
		}
		lapsed := lapsedAt(b)
		if r.lookback > 0 && !lapsed.IsZero() && in.Now.Sub(lapsed) <= r.lookback {
			ind := indicator(models.IndicatorIPReputation,
				fmt.Sprintf("%s %s was blocked until %s", b.Type, b.Value, lapsed.Format(time.RFC3339)),
				impactPriorBlock,
				map[string]any{"entity_type": string(b.Type), "value": b.Value, "violations": b.ViolationCount},
			)
			ind.Severity = models.SeverityMedium
			out = append(out, ind)
		}
	}

	if pattern, ok := r.denied(in.Request.IPAddress); ok {
		ind := indicator(models.IndicatorIPReputation,
			fmt.Sprintf("ip %s matches deny pattern %s", in.Request.IPAddress, pattern),
			impactDenyPattern,
			map[string]any{"pattern": pattern},
		)
		ind.Severity = models.SeverityHigh
		out = append(out, ind)
	}
	return out, nil
}

func (r *IPReputation) denied(ip string) (string, bool) {
	if ip == "" {
		return "", false
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		for _, n := range r.nets {
			if n.Contains(parsed) {
				return n.String(), true
			}
		}
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(ip, p) {
			return p, true
		}
	}
	return "", false
}

// lapsedAt is when a no-longer-active block stopped applying: its expiry,
// or the last update for an explicit unblock.
func lapsedAt(b models.BlockedEntity) time.Time {
	if b.ExpiresAt != nil && (b.IsActive || b.ExpiresAt.Before(b.UpdatedAt)) {
		return *b.ExpiresAt
	}
	return b.UpdatedAt
}
