package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/berserk3142-max/fraud-risk-engine/blocklist"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/ratelimiter"
)

// CheckRateLimit counts one attempt outside of a full assessment.
func (e *Engine) CheckRateLimit(ctx context.Context, identifier, action string, maxAttempts, windowMinutes int) (ratelimiter.Result, error) {
	switch {
	case strings.TrimSpace(identifier) == "":
		return ratelimiter.Result{}, invalid("identifier", "must not be empty")
	case strings.TrimSpace(action) == "":
		return ratelimiter.Result{}, invalid("action", "must not be empty")
	case maxAttempts <= 0:
		return ratelimiter.Result{}, invalid("max_attempts", "must be positive, got %d", maxAttempts)
	case windowMinutes <= 0:
		return ratelimiter.Result{}, invalid("window_minutes", "must be positive, got %d", windowMinutes)
	}
	return e.limiter.CheckAndRecord(ctx, identifier, action, maxAttempts, windowMinutes)
}

// ActionPolicy returns the limit configured for action, falling back to
// the engine defaults for unlisted actions.
func (e *Engine) ActionPolicy(action string) models.RateLimitConfig {
	return e.policy(action)
}

// RateLimitStatus reports the current window for (identifier, action)
// using the action's configured limit.
func (e *Engine) RateLimitStatus(ctx context.Context, identifier, action string) (models.RateLimitStatus, error) {
	if identifier == "" || action == "" {
		return models.RateLimitStatus{}, invalid("identifier", "identifier and action are required")
	}
	cfg := e.policy(action)
	return e.limiter.Status(ctx, identifier, action, cfg.MaxAttempts, cfg.WindowMinutes)
}

// ReportReceipt acknowledges a stored report.
type ReportReceipt struct {
	ReportID string `json:"report_id"`
	Accepted bool   `json:"accepted"`
	// BlockQueued is set when the report's severity schedules an IP block.
	BlockQueued bool `json:"block_queued"`
}

// ReportSuspiciousActivity stores a report and, for severities with a
// configured block duration, queues a block of the reported IP. The caller
// never waits for the block or the persistence. Repeating the same report
// within the blocklist's dedup window stores it again but blocks once.
func (e *Engine) ReportSuspiciousActivity(ctx context.Context, r models.SuspiciousActivityReport) (*ReportReceipt, error) {
	if strings.TrimSpace(r.ActivityType) == "" {
		return nil, invalid("activity_type", "must not be empty")
	}
	if r.IPAddress == "" && r.Email == "" && r.PhoneNumber == "" {
		return nil, invalid("subject", "one of ip_address, email or phone_number is required")
	}
	if r.Severity == "" {
		r.Severity = models.SeverityMedium
	}
	if r.Severity.Rank() == 0 {
		return nil, invalid("severity", "unknown severity %q", r.Severity)
	}
	if r.IPAddress != "" {
		if _, err := blocklist.Normalize(models.EntityIP, r.IPAddress); err != nil {
			return nil, invalid("ip_address", "%v", err)
		}
	}

	r.ID = uuid.New().String()
	if r.ReportedAt.IsZero() {
		r.ReportedAt = e.clock.Now()
	}
	if r.ReportedBy == "" {
		r.ReportedBy = "anonymous"
	}

	if e.journal != nil {
		e.journal.RecordReport(r)
	}
	if e.archive != nil {
		report := r
		e.dispatch.Submit("save_report", func(ctx context.Context) error {
			return e.archive.SaveReport(ctx, &report)
		})
	}
	e.publish(models.SecurityEvent{
		Type:       models.EventSuspiciousReport,
		Identifier: reportSubject(r),
		Severity:   r.Severity,
		Detail:     r.ActivityType + ": " + r.Description,
		ScopeID:    r.ScopeID,
	})

	receipt := &ReportReceipt{ReportID: r.ID, Accepted: true}
	if hours, ok := e.cfg.ReportBlockHours[r.Severity]; ok && hours > 0 && r.IPAddress != "" {
		ip, reason := r.IPAddress, "reported: "+r.ActivityType
		actor := "report:" + r.ReportedBy
		receipt.BlockQueued = e.dispatch.Submit("report_block", func(ctx context.Context) error {
			b, changed, err := e.blocklist.BlockChanged(ctx, ip, models.EntityIP, reason, &hours, actor)
			if b != nil && changed {
				if perr := e.publishNow(ctx, blockedEvent(b, r.ScopeID)); perr != nil {
					return errors.Join(err, perr)
				}
			}
			return err
		})
	}

	logging.L(ctx, e.logger).Info("suspicious activity reported",
		"report_id", r.ID, "activity", r.ActivityType, "severity", r.Severity, "block_queued", receipt.BlockQueued)
	return receipt, nil
}

func reportSubject(r models.SuspiciousActivityReport) string {
	switch {
	case r.IPAddress != "":
		return "ip:" + r.IPAddress
	case r.Email != "":
		return "email:" + r.Email
	}
	return "phone:" + r.PhoneNumber
}

// BlockEntity blocks value for durationHours, or until unblocked when
// durationHours is nil. If the block applied but could not be persisted,
// the entity is returned together with an error wrapping
// ErrBackendUnavailable.
func (e *Engine) BlockEntity(ctx context.Context, value string, t models.EntityType, reason string, durationHours *int, blockedBy string) (*models.BlockedEntity, error) {
	if !t.Valid() {
		return nil, invalid("type", "must be one of ip, email, phone, got %q", t)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "must not be empty")
	}
	b, err := e.blocklist.Block(ctx, value, t, reason, durationHours, blockedBy)
	if err != nil && b == nil {
		return nil, mapBlocklistErr(err)
	}
	e.publish(blockedEvent(b, ""))
	if err != nil {
		return b, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return b, nil
}

// UnblockEntity lifts a block. Unknown or already inactive values report
// false without an error.
func (e *Engine) UnblockEntity(ctx context.Context, value string, t models.EntityType) (bool, error) {
	if !t.Valid() {
		return false, invalid("type", "must be one of ip, email, phone, got %q", t)
	}
	ok, err := e.blocklist.Unblock(ctx, value, t)
	if err != nil && errors.Is(err, blocklist.ErrValidation) {
		return false, mapBlocklistErr(err)
	}
	if ok {
		v, _ := blocklist.Normalize(t, value)
		e.publish(models.SecurityEvent{
			Type:       models.EventEntityUnblocked,
			Identifier: string(t) + ":" + v,
			Severity:   models.SeverityLow,
		})
	}
	if err != nil {
		return ok, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return ok, nil
}

func (e *Engine) ListBlockedEntities(ctx context.Context) ([]models.BlockedEntity, error) {
	return e.blocklist.ListActive(ctx)
}

// GetInsights serves the cached rollup for scopeID. It is eventually
// consistent with the assessment path.
func (e *Engine) GetInsights(ctx context.Context, scopeID string) (*models.SecurityInsights, error) {
	if e.insights == nil {
		return nil, errors.New("insights are not configured")
	}
	return e.insights.Get(ctx, scopeID)
}

func mapBlocklistErr(err error) error {
	if errors.Is(err, blocklist.ErrValidation) {
		return invalid("value", "%v", err)
	}
	return err
}

func blockedEvent(b *models.BlockedEntity, scopeID string) models.SecurityEvent {
	return models.SecurityEvent{
		Type:       models.EventEntityBlocked,
		Identifier: string(b.Type) + ":" + b.Value,
		Severity:   models.SeverityHigh,
		Detail:     b.Reason,
		ScopeID:    scopeID,
	}
}
