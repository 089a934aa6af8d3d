// Package ratelimiter enforces fixed-window attempt limits per
// (identifier, action) and reports breaches as rate-limit events.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

var (
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
	ErrInvalidLimit       = errors.New("invalid rate limit parameters")
)

const (
	DefaultTimeout              = 2 * time.Second
	DefaultBlockDurationMinutes = 15
)

// Policy returns the configuration for an action. ok is false for actions
// with no explicit entry.
type Policy func(action string) (cfg models.RateLimitConfig, ok bool)

// EventSink receives the limiter's side outputs. Implementations must not
// block.
type EventSink interface {
	RateLimitChecked(action string, limited bool, at time.Time)
	RateLimitEvent(ev models.RateLimitEvent)
}

type Result struct {
	Allowed           bool      `json:"allowed"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	ResetAt           time.Time `json:"reset_at"`
	Count             int       `json:"count"`
	Limit             int       `json:"limit"`
	// WasBlocked is set on the attempt that pushed the count over the limit.
	WasBlocked  bool `json:"was_blocked"`
	CoolingDown bool `json:"cooling_down"`
	// Degraded means the backend could not be reached and Allowed reflects
	// the action's fail-open/fail-closed policy rather than a real count.
	Degraded bool `json:"degraded"`
}

type RateLimiter struct {
	backend Backend
	clock   clock.Clock
	policy  Policy
	sink    EventSink
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*RateLimiter)

func WithClock(c clock.Clock) Option {
	return func(rl *RateLimiter) { rl.clock = c }
}

func WithPolicy(p Policy) Option {
	return func(rl *RateLimiter) { rl.policy = p }
}

func WithSink(s EventSink) Option {
	return func(rl *RateLimiter) { rl.sink = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(rl *RateLimiter) { rl.logger = l }
}

func WithTimeout(d time.Duration) Option {
	return func(rl *RateLimiter) { rl.timeout = d }
}

func New(backend Backend, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		backend: backend,
		clock:   clock.Real{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// PolicyFor resolves the action's configuration, falling back to an
// enabled, non-destructive, fail-open entry.
func (rl *RateLimiter) PolicyFor(action string) models.RateLimitConfig {
	if rl.policy != nil {
		if cfg, ok := rl.policy(action); ok {
			if cfg.BlockDurationMinutes < 0 {
				cfg.BlockDurationMinutes = 0
			}
			return cfg
		}
	}
	return models.RateLimitConfig{
		Action:               action,
		IsEnabled:            true,
		FailOpen:             true,
		BlockDurationMinutes: DefaultBlockDurationMinutes,
	}
}

func Key(identifier, action string) string {
	return identifier + ":" + action
}

// CheckAndRecord counts one attempt for (identifier, action). The
// (maxAttempts+1)-th attempt inside a window is rejected and starts the
// action's cool-down, during which attempts are rejected without being
// counted.
//
// The backend call is detached from the caller's cancellation and bounded
// by the limiter timeout: once issued, an increment is never abandoned
// half-way because a client went away. On backend failure the returned
// error wraps ErrBackendUnavailable and Result.Allowed follows the
// action's fail policy.
func (rl *RateLimiter) CheckAndRecord(ctx context.Context, identifier, action string, maxAttempts, windowMinutes int) (Result, error) {
	if identifier == "" || action == "" || maxAttempts <= 0 || windowMinutes <= 0 {
		return Result{}, fmt.Errorf("%w: identifier=%q action=%q max=%d window=%d",
			ErrInvalidLimit, identifier, action, maxAttempts, windowMinutes)
	}

	cfg := rl.PolicyFor(action)
	now := rl.clock.Now()
	window := time.Duration(windowMinutes) * time.Minute

	if !cfg.IsEnabled {
		return Result{
			Allowed:           true,
			AttemptsRemaining: maxAttempts,
			ResetAt:           now.Add(window),
			Limit:             maxAttempts,
		}, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rl.timeout)
	defer cancel()

	hit, err := rl.backend.Hit(callCtx, Key(identifier, action), now, Params{
		Limit:         maxAttempts,
		Window:        window,
		BlockDuration: time.Duration(cfg.BlockDurationMinutes) * time.Minute,
	})
	if err != nil {
		return rl.degraded(action, identifier, maxAttempts, now, window, cfg, err)
	}

	res := Result{
		Allowed:           hit.Allowed,
		Count:             hit.Count,
		Limit:             maxAttempts,
		AttemptsRemaining: max(0, maxAttempts-hit.Count),
		ResetAt:           hit.WindowStart.Add(window),
		CoolingDown:       hit.CoolingDown,
		WasBlocked:        !hit.Allowed && !hit.CoolingDown,
	}
	if hit.BlockedUntil.After(res.ResetAt) {
		res.ResetAt = hit.BlockedUntil
	}

	if hit.Archived != nil {
		rl.emit(models.RateLimitEvent{
			Timestamp:    hit.Archived.Start.Add(window),
			Action:       action,
			Identifier:   identifier,
			AttemptCount: hit.Archived.Count,
		})
	}
	if res.WasBlocked {
		rl.emit(models.RateLimitEvent{
			Timestamp:    now,
			Action:       action,
			Identifier:   identifier,
			AttemptCount: hit.Count,
			WasBlocked:   true,
		})
		rl.logger.Warn("rate limit exceeded",
			"identifier", identifier, "action", action,
			"count", hit.Count, "limit", maxAttempts, "reset_at", res.ResetAt)
	}

	switch {
	case res.CoolingDown:
		metrics.RateLimitChecksTotal.WithLabelValues(action, "cooling_down").Inc()
	case res.Allowed:
		metrics.RateLimitChecksTotal.WithLabelValues(action, "allowed").Inc()
	default:
		metrics.RateLimitChecksTotal.WithLabelValues(action, "limited").Inc()
	}
	if rl.sink != nil {
		rl.sink.RateLimitChecked(action, !res.Allowed, now)
	}
	return res, nil
}

func (rl *RateLimiter) degraded(action, identifier string, maxAttempts int, now time.Time, window time.Duration,
	cfg models.RateLimitConfig, cause error) (Result, error) {
	metrics.BackendFailuresTotal.WithLabelValues("ratelimiter").Inc()
	metrics.RateLimitChecksTotal.WithLabelValues(action, "degraded").Inc()

	allowed := cfg.FailOpen
	rl.logger.Error("rate limit backend unavailable",
		"identifier", identifier, "action", action,
		"fail_open", allowed, "error", cause)

	res := Result{
		Allowed:  allowed,
		Limit:    maxAttempts,
		ResetAt:  now.Add(window),
		Degraded: true,
	}
	if allowed {
		res.AttemptsRemaining = maxAttempts
	}
	return res, fmt.Errorf("%w: %v", ErrBackendUnavailable, cause)
}

func (rl *RateLimiter) emit(ev models.RateLimitEvent) {
	if rl.sink != nil {
		rl.sink.RateLimitEvent(ev)
	}
}

// Status reports the current window without counting an attempt.
func (rl *RateLimiter) Status(ctx context.Context, identifier, action string, maxAttempts, windowMinutes int) (models.RateLimitStatus, error) {
	now := rl.clock.Now()
	window := time.Duration(windowMinutes) * time.Minute
	status := models.RateLimitStatus{
		Identifier:  identifier,
		Action:      action,
		MaxAttempts: maxAttempts,
	}

	callCtx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	w, ok, err := rl.backend.Peek(callCtx, Key(identifier, action))
	if err != nil {
		metrics.BackendFailuresTotal.WithLabelValues("ratelimiter").Inc()
		return status, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok || (!now.Before(w.WindowStart.Add(window)) && !now.Before(w.BlockedUntil)) {
		status.WindowStart = now
		status.WindowEnd = now.Add(window)
		return status, nil
	}

	status.WindowStart = w.WindowStart
	status.WindowEnd = w.WindowStart.Add(window)
	status.CurrentAttempts = w.Count
	reset := status.WindowEnd
	if now.Before(w.BlockedUntil) {
		status.IsLimited = true
		if w.BlockedUntil.After(reset) {
			reset = w.BlockedUntil
		}
	}
	if w.Count >= maxAttempts {
		status.IsLimited = true
	}
	if now.Before(reset) {
		status.ResetIn = reset.Sub(now)
	}
	return status, nil
}

func (rl *RateLimiter) Reset(ctx context.Context, identifier, action string) error {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()
	return rl.backend.Reset(ctx, Key(identifier, action))
}
