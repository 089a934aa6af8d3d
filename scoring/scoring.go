// Package scoring folds fraud indicators into a 0-100 risk score and a
// risk level. Weights and level thresholds come from configuration since
// risk appetite differs per deployment.
package scoring

import (
	"fmt"
	"math"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

type Thresholds struct {
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

type Config struct {
	SeverityWeights map[models.Severity]float64 `yaml:"severity_weights" json:"severity_weights"`
	Thresholds      Thresholds                  `yaml:"thresholds" json:"thresholds"`
}

func DefaultConfig() Config {
	return Config{
		SeverityWeights: map[models.Severity]float64{
			models.SeverityLow:      0.25,
			models.SeverityMedium:   0.5,
			models.SeverityHigh:     0.75,
			models.SeverityCritical: 1.0,
		},
		Thresholds: Thresholds{Medium: 25, High: 50, Critical: 80},
	}
}

// Validate rejects tables that would break score monotonicity or leave a
// level unreachable.
func (c Config) Validate() error {
	order := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
	prev := 0.0
	for _, s := range order {
		w, ok := c.SeverityWeights[s]
		if !ok {
			return fmt.Errorf("scoring: missing weight for severity %q", s)
		}
		if w < 0 {
			return fmt.Errorf("scoring: negative weight for severity %q", s)
		}
		if w < prev {
			return fmt.Errorf("scoring: weight for %q (%.2f) is below the previous severity (%.2f)", s, w, prev)
		}
		prev = w
	}
	t := c.Thresholds
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		return fmt.Errorf("scoring: thresholds must satisfy 0 < medium < high < critical <= 100, got %.1f/%.1f/%.1f",
			t.Medium, t.High, t.Critical)
	}
	return nil
}

type Scorer struct {
	cfg Config
}

func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Score aggregates indicators as min(100, sum(impact * weight(severity))).
// Indicators of the same type are deduplicated first, keeping the one with
// the highest impact.
func (s *Scorer) Score(indicators []models.FraudIndicator) (float64, models.FraudRiskLevel) {
	var total float64
	for _, ind := range Dedupe(indicators) {
		impact := math.Max(0, math.Min(100, ind.Impact))
		total += impact * s.cfg.SeverityWeights[ind.Severity]
	}
	total = math.Min(100, total)
	total = math.Round(total*100) / 100
	return total, s.Level(total)
}

func (s *Scorer) Level(score float64) models.FraudRiskLevel {
	t := s.cfg.Thresholds
	switch {
	case score < t.Medium:
		return models.RiskLow
	case score < t.High:
		return models.RiskMedium
	case score < t.Critical:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// Dedupe keeps one indicator per type: the highest impact wins, ties go to
// the higher severity. First-seen order of types is preserved.
func Dedupe(indicators []models.FraudIndicator) []models.FraudIndicator {
	best := make(map[string]int, len(indicators))
	out := make([]models.FraudIndicator, 0, len(indicators))
	for _, ind := range indicators {
		i, seen := best[ind.Type]
		if !seen {
			best[ind.Type] = len(out)
			out = append(out, ind)
			continue
		}
		cur := out[i]
		if ind.Impact > cur.Impact || (ind.Impact == cur.Impact && ind.Severity.Rank() > cur.Severity.Rank()) {
			out[i] = ind
		}
	}
	return out
}
