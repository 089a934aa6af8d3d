package indicators

import (
	"context"
	"fmt"
	"strings"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// Metadata keys the caller fills from its IP geolocation lookup.
const (
	MetaCountry = "country"
	MetaCity    = "city"
)

type GeographicRisk struct {
	weights map[string]float64
}

func NewGeographicRisk(cfg Config) *GeographicRisk {
	w := make(map[string]float64, len(cfg.CountryWeights))
	for k, v := range cfg.CountryWeights {
		w[strings.ToUpper(k)] = v
	}
	return &GeographicRisk{weights: w}
}

func (g *GeographicRisk) Name() string { return models.IndicatorGeographicRisk }

func (g *GeographicRisk) Extract(ctx context.Context, in Input) ([]models.FraudIndicator, error) {
	country, city := Location(in.Request)
	if country == "" {
		return nil, nil
	}
	weight := g.weights[country]
	if weight <= 0 {
		return nil, nil
	}
	return []models.FraudIndicator{indicator(models.IndicatorGeographicRisk,
		fmt.Sprintf("request from %s", country),
		weight,
		map[string]any{"country": country, "city": city},
	)}, nil
}

// Weight returns the configured weight for country, zero if none.
func (g *GeographicRisk) Weight(country string) float64 {
	return g.weights[strings.ToUpper(country)]
}

// Location reads the caller-supplied country and city from the request
// metadata. The country is upper-cased.
func Location(req models.FraudAssessmentRequest) (country, city string) {
	if req.Metadata == nil {
		return "", ""
	}
	return strings.ToUpper(strings.TrimSpace(req.Metadata[MetaCountry])), strings.TrimSpace(req.Metadata[MetaCity])
}
