// Package blocklist keeps the time-bounded set of blocked IPs, emails and
// phone numbers. Reads are served from an in-process snapshot without
// locking; writes are serialised per value and written through to a
// durable Store when one is configured.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/syncutil"
)

const (
	DefaultDedupWindow = time.Minute
	defaultTimeout     = 2 * time.Second
)

type Manager struct {
	snapshot    *MemoryStore
	durable     Store
	locks       syncutil.ShardedMutex
	clock       clock.Clock
	dedupWindow time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

type Option func(*Manager)

// WithStore writes every mutation through to s. Load warms the snapshot
// from it.
func WithStore(s Store) Option {
	return func(m *Manager) { m.durable = s }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDedupWindow sets how long an identical re-block of an active entry
// is treated as the same offense.
func WithDedupWindow(d time.Duration) Option {
	return func(m *Manager) { m.dedupWindow = d }
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func New(opts ...Option) *Manager {
	m := &Manager{
		snapshot:    NewMemoryStore(),
		clock:       clock.Real{},
		dedupWindow: DefaultDedupWindow,
		timeout:     defaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the snapshot contents with every record in the durable
// store, expired and unblocked ones included.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.durable == nil {
		return 0, nil
	}
	all, err := m.durable.List(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("load blocklist: %w", err)
	}
	for _, e := range all {
		_ = m.snapshot.Put(ctx, e)
	}
	return len(all), nil
}

// IsBlocked reports whether value is blocked right now. Expiry is checked
// here, so a lapsed block reads as unblocked before any sweep runs.
func (m *Manager) IsBlocked(ctx context.Context, t models.EntityType, value string) (bool, error) {
	e, err := m.Lookup(ctx, t, value)
	if err != nil || e == nil {
		return false, err
	}
	return e.ActiveAt(m.clock.Now()), nil
}

// Lookup returns the record for value whatever its state, or nil if the
// value was never blocked.
func (m *Manager) Lookup(ctx context.Context, t models.EntityType, value string) (*models.BlockedEntity, error) {
	v, err := Normalize(t, value)
	if err != nil {
		return nil, err
	}
	e, err := m.snapshot.Get(ctx, t, v)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Block blocks value for durationHours, or indefinitely when durationHours
// is nil. Re-blocking an active entry refreshes its reason and expiry and
// counts another violation, unless it repeats the same reason within the
// dedup window. A lapsed entry is reactivated with its history kept.
//
// The returned entity is always the in-memory state; a non-nil error with
// a non-nil entity means the durable write failed.
func (m *Manager) Block(ctx context.Context, value string, t models.EntityType, reason string, durationHours *int, blockedBy string) (*models.BlockedEntity, error) {
	b, _, err := m.BlockChanged(ctx, value, t, reason, durationHours, blockedBy)
	return b, err
}

// BlockChanged is Block that also reports whether the call mutated the
// entry. It is false when the call was absorbed by the dedup window.
func (m *Manager) BlockChanged(ctx context.Context, value string, t models.EntityType, reason string, durationHours *int, blockedBy string) (*models.BlockedEntity, bool, error) {
	v, err := Normalize(t, value)
	if err != nil {
		return nil, false, err
	}
	if durationHours != nil && *durationHours <= 0 {
		return nil, false, fmt.Errorf("%w: duration must be positive, got %d hours", ErrValidation, *durationHours)
	}
	if blockedBy == "" {
		blockedBy = "system"
	}

	unlock := m.locks.Lock(storeKey(t, v))
	now := m.clock.Now()
	var expires *time.Time
	if durationHours != nil {
		exp := now.Add(time.Duration(*durationHours) * time.Hour)
		expires = &exp
	}

	prev, _ := m.snapshot.Get(ctx, t, v)
	var next *models.BlockedEntity
	switch {
	case prev == nil:
		next = &models.BlockedEntity{
			Type:           t,
			Value:          v,
			Reason:         reason,
			BlockedAt:      now,
			ExpiresAt:      expires,
			BlockedBy:      blockedBy,
			IsActive:       true,
			ViolationCount: 1,
			UpdatedAt:      now,
		}
	case prev.ActiveAt(now):
		if prev.Reason == reason && now.Sub(prev.UpdatedAt) < m.dedupWindow {
			unlock()
			return prev, false, nil
		}
		next = clone(prev)
		next.Reason = reason
		next.ExpiresAt = expires
		next.BlockedBy = blockedBy
		next.ViolationCount++
		next.UpdatedAt = now
	default:
		next = clone(prev)
		next.Reason = reason
		next.BlockedAt = now
		next.ExpiresAt = expires
		next.BlockedBy = blockedBy
		next.IsActive = true
		next.UpdatedAt = now
	}
	_ = m.snapshot.Put(ctx, next)
	unlock()

	metrics.BlocklistMutationsTotal.WithLabelValues("block", string(t)).Inc()
	m.logger.Info("entity blocked",
		"type", t, "value", v, "reason", reason,
		"expires_at", expires, "violations", next.ViolationCount, "blocked_by", blockedBy)

	return clone(next), true, m.persist(ctx, next)
}

// Unblock deactivates value. It reports false, with no error, when the
// value has no record or was not blocked at the time of the call.
func (m *Manager) Unblock(ctx context.Context, value string, t models.EntityType) (bool, error) {
	v, err := Normalize(t, value)
	if err != nil {
		return false, err
	}

	unlock := m.locks.Lock(storeKey(t, v))
	now := m.clock.Now()
	prev, _ := m.snapshot.Get(ctx, t, v)
	if prev == nil || !prev.IsActive {
		unlock()
		return false, nil
	}
	wasActive := prev.ActiveAt(now)
	next := clone(prev)
	next.IsActive = false
	next.UpdatedAt = now
	_ = m.snapshot.Put(ctx, next)
	unlock()

	metrics.BlocklistMutationsTotal.WithLabelValues("unblock", string(t)).Inc()
	m.logger.Info("entity unblocked", "type", t, "value", v)

	return wasActive, m.persist(ctx, next)
}

// ListActive returns the entries in force now, newest first.
func (m *Manager) ListActive(ctx context.Context) ([]models.BlockedEntity, error) {
	all, err := m.snapshot.List(ctx, true)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := make([]models.BlockedEntity, 0, len(all))
	for _, e := range all {
		if e.ActiveAt(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// Sweep flips IsActive off for entries whose expiry has passed so that
// listings and reports agree with IsBlocked. It returns how many changed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	all, err := m.snapshot.List(ctx, true)
	if err != nil {
		return 0, err
	}

	swept, active := 0, 0
	var errs []error
	for _, e := range all {
		unlock := m.locks.Lock(storeKey(e.Type, e.Value))
		now := m.clock.Now()
		cur, _ := m.snapshot.Get(ctx, e.Type, e.Value)
		if cur == nil || !cur.IsActive {
			unlock()
			continue
		}
		if cur.ActiveAt(now) {
			unlock()
			active++
			continue
		}
		cur.IsActive = false
		cur.UpdatedAt = now
		_ = m.snapshot.Put(ctx, cur)
		unlock()

		swept++
		metrics.BlocklistMutationsTotal.WithLabelValues("expire", string(cur.Type)).Inc()
		if err := m.persist(ctx, cur); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.ActiveBlocks.Set(float64(active))
	return swept, errors.Join(errs...)
}

// SweepLoop runs Sweep every interval until ctx is done.
func (m *Manager) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Error("blocklist sweep failed", "error", err)
			}
			if n > 0 {
				m.logger.Info("blocklist sweep", "expired", n)
			}
		}
	}
}

func (m *Manager) persist(ctx context.Context, e *models.BlockedEntity) error {
	if m.durable == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.durable.Put(ctx, e); err != nil {
		metrics.BackendFailuresTotal.WithLabelValues("blocklist").Inc()
		m.logger.Error("persist blocked entity", "type", e.Type, "value", e.Value, "error", err)
		return fmt.Errorf("persist blocked entity: %w", err)
	}
	return nil
}
