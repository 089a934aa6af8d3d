// Package engine is the decision engine: it checks the blocklist, counts
// the attempt against the action's rate limit, runs the indicator
// extractors, scores them and applies the decision table. Side effects go
// through a background dispatcher so the caller never waits on them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/berserk3142-max/fraud-risk-engine/blocklist"
	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/eventstore"
	"github.com/berserk3142-max/fraud-risk-engine/indicators"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/ratelimiter"
	"github.com/berserk3142-max/fraud-risk-engine/scoring"
)

const (
	rateLimitImpact = 75
	systemActor     = "system"
)

// Journal is the in-process read replica fed with every outcome. Calls
// happen on the request path and must not block.
type Journal interface {
	ratelimiter.EventSink
	RecordAssessment(a models.FraudAssessment)
	RecordReport(r models.SuspiciousActivityReport)
}

// Archive persists engine outcomes. It is only called from the dispatcher.
type Archive interface {
	SaveActionEvent(ctx context.Context, ev models.ActionEvent) error
	SaveRateLimitEvent(ctx context.Context, ev models.RateLimitEvent) error
	SaveAssessment(ctx context.Context, a *models.FraudAssessment) error
	SaveReport(ctx context.Context, r *models.SuspiciousActivityReport) error
}

// Publisher delivers alerts to administrators.
type Publisher interface {
	PublishSecurityEvent(ctx context.Context, ev models.SecurityEvent) error
}

type InsightsProvider interface {
	Get(ctx context.Context, scopeID string) (*models.SecurityInsights, error)
}

type Config struct {
	ClockSkew            time.Duration
	AutoBlockHours       int
	DefaultMaxAttempts   int
	DefaultWindowMinutes int
	// ReportBlockHours is how long an IP named in a report of the given
	// severity is blocked. Severities without an entry never block.
	ReportBlockHours map[models.Severity]int
	StoreTimeout     time.Duration
	Workers          int
	QueueSize        int
	TaskTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClockSkew:            5 * time.Minute,
		AutoBlockHours:       24,
		DefaultMaxAttempts:   30,
		DefaultWindowMinutes: 60,
		ReportBlockHours: map[models.Severity]int{
			models.SeverityCritical: 24,
			models.SeverityHigh:     6,
		},
		StoreTimeout: ratelimiter.DefaultTimeout,
		Workers:      DefaultWorkers,
		QueueSize:    DefaultQueueSize,
		TaskTimeout:  DefaultTaskTimeout,
	}
}

// Deps are the engine's collaborators. Events, RateLimits, Blocklist,
// Extractors and Scorer are required.
type Deps struct {
	Events     eventstore.Store
	RateLimits ratelimiter.Backend
	Blocklist  *blocklist.Manager
	Extractors *indicators.Registry
	Lookback   time.Duration
	Scorer     *scoring.Scorer
	Actions    ActionClassifier
	Insights   InsightsProvider
	Journal    Journal
	Archive    Archive
	Publisher  Publisher
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Engine struct {
	cfg        Config
	events     eventstore.Store
	limiter    *ratelimiter.RateLimiter
	blocklist  *blocklist.Manager
	extractors *indicators.Registry
	lookback   time.Duration
	scorer     *scoring.Scorer
	actions    ActionClassifier
	insights   InsightsProvider
	journal    Journal
	archive    Archive
	publisher  Publisher
	clock      clock.Clock
	logger     *slog.Logger
	dispatch   *Dispatcher
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Events == nil || d.RateLimits == nil || d.Blocklist == nil || d.Extractors == nil || d.Scorer == nil {
		return nil, errors.New("engine: events, rate limits, blocklist, extractors and scorer are required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Actions == nil {
		d.Actions = ActionTable{}
	}
	if d.Lookback <= 0 {
		d.Lookback = indicators.DefaultConfig().Lookback()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = ratelimiter.DefaultTimeout
	}

	e := &Engine{
		cfg:        cfg,
		events:     d.Events,
		blocklist:  d.Blocklist,
		extractors: d.Extractors,
		lookback:   d.Lookback,
		scorer:     d.Scorer,
		actions:    d.Actions,
		insights:   d.Insights,
		journal:    d.Journal,
		archive:    d.Archive,
		publisher:  d.Publisher,
		clock:      d.Clock,
		logger:     d.Logger,
		dispatch:   NewDispatcher(cfg.Workers, cfg.QueueSize, cfg.TaskTimeout, d.Logger),
	}
	e.limiter = ratelimiter.New(d.RateLimits,
		ratelimiter.WithClock(d.Clock),
		ratelimiter.WithPolicy(d.Actions.Policy),
		ratelimiter.WithSink(limiterSink{e}),
		ratelimiter.WithLogger(d.Logger),
		ratelimiter.WithTimeout(cfg.StoreTimeout),
	)
	return e, nil
}

func (e *Engine) Limiter() *ratelimiter.RateLimiter {
	return e.limiter
}

// Close drains queued side effects.
func (e *Engine) Close(ctx context.Context) error {
	return e.dispatch.Close(ctx)
}

// AssessRisk evaluates one attempted action. Malformed requests fail with
// a *ValidationError before anything is counted or recorded. If the rate
// limit store is down and the action fails closed, the error wraps
// ErrBackendUnavailable; when it fails open the assessment proceeds with
// RiskFactors["rate_limit_degraded"] set.
func (e *Engine) AssessRisk(ctx context.Context, req models.FraudAssessmentRequest) (*models.FraudAssessment, error) {
	started := time.Now()
	now := e.clock.Now()
	if err := e.validate(&req, now); err != nil {
		return nil, err
	}
	logger := logging.L(ctx, e.logger)
	identifier := req.Identifier()

	a := &models.FraudAssessment{
		RequestID:   uuid.New().String(),
		Identifier:  identifier,
		Action:      req.Action,
		ScopeID:     req.ScopeID,
		AssessedAt:  now,
		RiskFactors: map[string]any{},
	}
	a.Country, a.City = indicators.Location(req)

	history, hits := e.blockState(ctx, req, now)
	if len(hits) > 0 {
		for _, b := range hits {
			a.Indicators = append(a.Indicators, models.FraudIndicator{
				Type:        models.IndicatorIPReputation,
				Description: fmt.Sprintf("%s %s is blocklisted", b.Type, b.Value),
				Impact:      100,
				Severity:    models.SeverityCritical,
				Details:     map[string]any{"entity_type": string(b.Type), "value": b.Value, "reason": b.Reason},
			})
		}
		a.Indicators = scoring.Dedupe(a.Indicators)
		a.RiskScore, a.RiskLevel = e.scorer.Score(a.Indicators)
		a.Decision, a.ReasonCode = Decide(true, false, false, a.RiskLevel)
		a.RecommendedActions = Recommend(a.Indicators)
		a.RiskFactors["blocklisted"] = describe(hits)
		e.finish(ctx, req, a, started)
		return a, nil
	}

	limit := e.policy(req.Action)
	rl, err := e.limiter.CheckAndRecord(ctx, identifier, req.Action, limit.MaxAttempts, limit.WindowMinutes)
	if err != nil {
		if !errors.Is(err, ratelimiter.ErrBackendUnavailable) || !rl.Allowed {
			return nil, err
		}
		logger.Warn("assessing with degraded rate limiting", "action", req.Action, "error", err)
		a.RiskFactors["rate_limit_degraded"] = true
	}
	rateLimited := err == nil && !rl.Allowed

	var found []models.FraudIndicator
	if rateLimited {
		found = append(found, models.FraudIndicator{
			Type:        models.IndicatorVelocity,
			Description: fmt.Sprintf("rate limit of %d %s per %d minutes exceeded", limit.MaxAttempts, req.Action, limit.WindowMinutes),
			Impact:      rateLimitImpact,
			Severity:    models.SeverityHigh,
			Details:     map[string]any{"count": rl.Count, "limit": rl.Limit, "reset_at": rl.ResetAt},
		})
	}
	if err == nil {
		a.RiskFactors["rate_limit"] = map[string]any{
			"count":              rl.Count,
			"limit":              rl.Limit,
			"attempts_remaining": rl.AttemptsRemaining,
			"reset_at":           rl.ResetAt,
		}
	}

	events, err := e.recentEvents(ctx, identifier, now)
	if err != nil {
		logger.Warn("event history unavailable", "identifier", identifier, "error", err)
		a.RiskFactors["history_unavailable"] = true
	}
	extracted, err := e.extractors.Run(ctx, indicators.Input{
		Request:      req,
		Identifier:   identifier,
		Events:       events,
		BlockHistory: history,
		Now:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("extract indicators: %w", err)
	}
	found = append(found, extracted...)

	a.Indicators = scoring.Dedupe(found)
	a.RiskScore, a.RiskLevel = e.scorer.Score(a.Indicators)
	a.Decision, a.ReasonCode = Decide(false, rateLimited, e.actions.IsDestructive(req.Action), a.RiskLevel)
	a.RecommendedActions = Recommend(a.Indicators)

	if a.ReasonCode == models.ReasonRiskCritical && req.IPAddress != "" {
		e.autoBlock(ctx, req, a)
	}
	e.finish(ctx, req, a, started)
	return a, nil
}

func (e *Engine) validate(req *models.FraudAssessmentRequest, now time.Time) error {
	if req.Action == "" {
		return invalid("action", "must not be empty")
	}
	if req.Identifier() == "" {
		return invalid("identifier", "one of ip_address, user_id, phone_number or email is required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	} else if req.Timestamp.After(now.Add(e.cfg.ClockSkew)) {
		return invalid("timestamp", "%s is more than %s in the future", req.Timestamp.Format(time.RFC3339), e.cfg.ClockSkew)
	}
	return nil
}

func (e *Engine) policy(action string) models.RateLimitConfig {
	cfg := e.limiter.PolicyFor(action)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = e.cfg.DefaultMaxAttempts
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = e.cfg.DefaultWindowMinutes
	}
	return cfg
}

type entityRef struct {
	typ   models.EntityType
	value string
}

func requestEntities(req models.FraudAssessmentRequest) []entityRef {
	var refs []entityRef
	if req.IPAddress != "" {
		refs = append(refs, entityRef{models.EntityIP, req.IPAddress})
	}
	if req.Email != "" {
		refs = append(refs, entityRef{models.EntityEmail, req.Email})
	}
	if req.PhoneNumber != "" {
		refs = append(refs, entityRef{models.EntityPhone, req.PhoneNumber})
	}
	return refs
}

// blockState reads the blocklist snapshot for every identifying field. It
// returns all known records and the subset active now.
func (e *Engine) blockState(ctx context.Context, req models.FraudAssessmentRequest, now time.Time) (history, active []models.BlockedEntity) {
	for _, ref := range requestEntities(req) {
		b, err := e.blocklist.Lookup(ctx, ref.typ, ref.value)
		if err != nil || b == nil {
			continue
		}
		history = append(history, *b)
		if b.ActiveAt(now) {
			active = append(active, *b)
		}
	}
	return history, active
}

func (e *Engine) recentEvents(ctx context.Context, identifier string, now time.Time) ([]models.ActionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	events, err := e.events.Recent(ctx, identifier, now.Add(-e.lookback))
	if err != nil {
		metrics.BackendFailuresTotal.WithLabelValues("eventstore").Inc()
	}
	return events, err
}

func (e *Engine) autoBlock(ctx context.Context, req models.FraudAssessmentRequest, a *models.FraudAssessment) {
	hours := e.cfg.AutoBlockHours
	if hours <= 0 {
		return
	}
	reason := fmt.Sprintf("auto: %s on %s (score %.2f)", models.ReasonRiskCritical, req.Action, a.RiskScore)
	b, changed, err := e.blocklist.BlockChanged(ctx, req.IPAddress, models.EntityIP, reason, &hours, systemActor)
	if b == nil {
		logging.L(ctx, e.logger).Warn("auto-block skipped", "ip", req.IPAddress, "error", err)
		return
	}
	a.RiskFactors["auto_blocked_until"] = b.ExpiresAt
	if !changed {
		return
	}
	e.publish(models.SecurityEvent{
		Type:       models.EventEntityBlocked,
		Identifier: "ip:" + b.Value,
		Action:     req.Action,
		ReasonCode: a.ReasonCode,
		RiskScore:  a.RiskScore,
		Severity:   models.SeverityCritical,
		Detail:     reason,
		ScopeID:    req.ScopeID,
	})
}

// finish records the attempt in the event store, feeds the journal and
// queues persistence and alerting. Nothing here can change the outcome.
func (e *Engine) finish(ctx context.Context, req models.FraudAssessmentRequest, a *models.FraudAssessment, started time.Time) {
	ev := models.ActionEvent{
		Identifier: a.Identifier,
		Action:     a.Action,
		Timestamp:  a.AssessedAt,
		Outcome:    string(a.Decision),
		Metadata:   eventMetadata(req, a),
	}
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	stored, err := e.events.Append(appendCtx, ev)
	cancel()
	if err != nil {
		metrics.BackendFailuresTotal.WithLabelValues("eventstore").Inc()
		logging.L(ctx, e.logger).Error("append action event", "identifier", a.Identifier, "error", err)
		stored = ev
	}

	metrics.AssessmentsTotal.WithLabelValues(string(a.Decision), a.ReasonCode).Inc()
	metrics.RiskScore.Observe(a.RiskScore)
	metrics.AssessmentDuration.Observe(time.Since(started).Seconds())

	if e.journal != nil {
		e.journal.RecordAssessment(*a)
	}
	if e.archive != nil {
		snapshot := *a
		e.dispatch.Submit("save_action_event", func(ctx context.Context) error {
			return e.archive.SaveActionEvent(ctx, stored)
		})
		e.dispatch.Submit("save_assessment", func(ctx context.Context) error {
			return e.archive.SaveAssessment(ctx, &snapshot)
		})
	}
	if a.Decision != models.DecisionAllow {
		e.publish(models.SecurityEvent{
			Type:       models.EventAssessment,
			Identifier: a.Identifier,
			Action:     a.Action,
			Decision:   a.Decision,
			ReasonCode: a.ReasonCode,
			RiskScore:  a.RiskScore,
			Severity:   severityForLevel(a.RiskLevel),
			Detail:     a.RequestID,
			ScopeID:    a.ScopeID,
		})
	}

	logging.L(ctx, e.logger).Info("risk assessed",
		"assessment_id", a.RequestID, "identifier", a.Identifier, "action", a.Action,
		"decision", a.Decision, "reason", a.ReasonCode, "score", a.RiskScore)
}

func eventMetadata(req models.FraudAssessmentRequest, a *models.FraudAssessment) map[string]string {
	md := map[string]string{"request_id": a.RequestID}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(indicators.MetaSessionID, req.SessionID)
	set(indicators.MetaDeviceFingerprint, req.DeviceFingerprint)
	set(indicators.MetaUserAgent, req.UserAgent)
	set(indicators.MetaCountry, a.Country)
	set(indicators.MetaCity, a.City)
	set("scope_id", req.ScopeID)
	return md
}

func (e *Engine) publish(ev models.SecurityEvent) {
	if e.publisher == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.clock.Now()
	}
	e.dispatch.Submit("publish_"+string(ev.Type), func(ctx context.Context) error {
		return e.publishNow(ctx, ev)
	})
}

// publishNow delivers ev on the calling goroutine. Dispatcher tasks use it
// so their events are not dropped once Close has stopped new submissions.
func (e *Engine) publishNow(ctx context.Context, ev models.SecurityEvent) error {
	if e.publisher == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.clock.Now()
	}
	return e.publisher.PublishSecurityEvent(ctx, ev)
}

func severityForLevel(l models.FraudRiskLevel) models.Severity {
	switch l {
	case models.RiskCritical:
		return models.SeverityCritical
	case models.RiskHigh:
		return models.SeverityHigh
	case models.RiskMedium:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func describe(hits []models.BlockedEntity) []string {
	out := make([]string, len(hits))
	for i, b := range hits {
		out[i] = string(b.Type) + ":" + b.Value
	}
	return out
}

// limiterSink forwards rate limiter side outputs to the journal and the
// archive.
type limiterSink struct {
	e *Engine
}

func (s limiterSink) RateLimitChecked(action string, limited bool, at time.Time) {
	if s.e.journal != nil {
		s.e.journal.RateLimitChecked(action, limited, at)
	}
}

func (s limiterSink) RateLimitEvent(ev models.RateLimitEvent) {
	if s.e.journal != nil {
		s.e.journal.RateLimitEvent(ev)
	}
	if s.e.archive != nil {
		s.e.dispatch.Submit("save_rate_limit_event", func(ctx context.Context) error {
			return s.e.archive.SaveRateLimitEvent(ctx, ev)
		})
	}
	if ev.WasBlocked {
		s.e.publish(models.SecurityEvent{
			Type:       models.EventRateLimitExceeded,
			Identifier: ev.Identifier,
			Action:     ev.Action,
			ReasonCode: models.ReasonRateLimitExceeded,
			Severity:   models.SeverityHigh,
			Detail:     fmt.Sprintf("%d attempts", ev.AttemptCount),
			CreatedAt:  ev.Timestamp,
		})
	}
}
