// Package indicators turns an assessment request plus a read-only snapshot
// of recent history into fraud indicators. Each extractor is independent of
// the others, so the registry runs them concurrently.
package indicators

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// Input is everything an extractor may look at. Events and BlockHistory
// are shared between extractors and must not be modified.
type Input struct {
	Request      models.FraudAssessmentRequest
	Identifier   string
	Events       []models.ActionEvent
	BlockHistory []models.BlockedEntity
	Now          time.Time
}

type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) ([]models.FraudIndicator, error)
}

// Registry is the table of extractors run for every assessment. New
// indicator types are added by registering another Extractor.
type Registry struct {
	mu         sync.RWMutex
	extractors []Extractor
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// NewDefaultRegistry registers the built-in extractors configured by cfg.
func NewDefaultRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	rep, err := NewIPReputation(cfg)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(logger)
	for _, e := range []Extractor{
		NewVelocity(cfg),
		rep,
		NewPatternAnomaly(cfg),
		NewGeographicRisk(cfg),
		NewDeviceAnomaly(cfg),
	} {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(e Extractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.extractors {
		if have.Name() == e.Name() {
			return fmt.Errorf("extractor %q already registered", e.Name())
		}
	}
	r.extractors = append(r.extractors, e)
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.extractors))
	for i, e := range r.extractors {
		names[i] = e.Name()
	}
	return names
}

// Run executes every registered extractor concurrently and returns their
// indicators in registration order once all have finished. A failing
// extractor is logged and contributes nothing; only cancellation of ctx
// fails the run.
func (r *Registry) Run(ctx context.Context, in Input) ([]models.FraudIndicator, error) {
	r.mu.RLock()
	extractors := append([]Extractor(nil), r.extractors...)
	r.mu.RUnlock()

	results := make([][]models.FraudIndicator, len(extractors))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range extractors {
		i, e := i, e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			out, err := e.Extract(gctx, in)
			metrics.ExtractorDuration.WithLabelValues(e.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.logger.Warn("extractor failed", "extractor", e.Name(), "error", err)
				return nil
			}
			for j := range out {
				if out[j].Type == "" {
					out[j].Type = e.Name()
				}
				out[j].Impact = clampImpact(out[j].Impact)
				if out[j].Severity == "" {
					out[j].Severity = models.SeverityForImpact(out[j].Impact)
				}
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []models.FraudIndicator
	for _, out := range results {
		all = append(all, out...)
	}
	return all, nil
}

func clampImpact(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func indicator(typ, description string, impact float64, details map[string]any) models.FraudIndicator {
	impact = clampImpact(impact)
	return models.FraudIndicator{
		Type:        typ,
		Description: description,
		Impact:      impact,
		Severity:    models.SeverityForImpact(impact),
		Details:     details,
	}
}
