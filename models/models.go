package models

import (
	"time"
)

type EntityType string

const (
	EntityIP    EntityType = "ip"
	EntityEmail EntityType = "email"
	EntityPhone EntityType = "phone"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityIP, EntityEmail, EntityPhone:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SeverityForImpact buckets an impact in [0,100] into a severity.
func SeverityForImpact(impact float64) Severity {
	switch {
	case impact < 25:
		return SeverityLow
	case impact < 50:
		return SeverityMedium
	case impact < 75:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

type FraudRiskLevel int

const (
	RiskLow      FraudRiskLevel = 1
	RiskMedium   FraudRiskLevel = 2
	RiskHigh     FraudRiskLevel = 3
	RiskCritical FraudRiskLevel = 4
)

func (l FraudRiskLevel) String() string {
	switch l {
	case RiskLow:
		return "Low"
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskCritical:
		return "Critical"
	}
	return "Unknown"
}

func (l FraudRiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *FraudRiskLevel) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Low":
		*l = RiskLow
	case "Medium":
		*l = RiskMedium
	case "High":
		*l = RiskHigh
	case "Critical":
		*l = RiskCritical
	default:
		*l = 0
	}
	return nil
}

type FraudDecision string

const (
	DecisionAllow     FraudDecision = "Allow"
	DecisionChallenge FraudDecision = "Challenge"
	DecisionBlock     FraudDecision = "Block"
	DecisionReview    FraudDecision = "Review"
)

const (
	ReasonBlocklisted         = "BLOCKLISTED"
	ReasonRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ReasonRiskCritical        = "RISK_CRITICAL"
	ReasonRiskHighReview      = "RISK_HIGH_REVIEW"
	ReasonRiskMediumChallenge = "RISK_MEDIUM_CHALLENGE"
	ReasonRiskLow             = "RISK_LOW"
)

const (
	IndicatorVelocity       = "velocity"
	IndicatorIPReputation   = "ip_reputation"
	IndicatorPatternAnomaly = "pattern_anomaly"
	IndicatorGeographicRisk = "geographic_risk"
	IndicatorDeviceAnomaly  = "device_anomaly"
	IndicatorReportedAbuse  = "reported_abuse"
)

type ActionEvent struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	Action     string            `json:"action"`
	Timestamp  time.Time         `json:"timestamp"`
	Outcome    string            `json:"outcome"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type RateLimitWindow struct {
	Identifier           string    `json:"identifier"`
	Action               string    `json:"action"`
	WindowStart          time.Time `json:"window_start"`
	Count                int       `json:"count"`
	Limit                int       `json:"limit"`
	BlockDurationMinutes int       `json:"block_duration_minutes"`
	BlockedUntil         time.Time `json:"blocked_until,omitempty"`
}

type RateLimitEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	Identifier   string    `json:"identifier"`
	AttemptCount int       `json:"attempt_count"`
	WasBlocked   bool      `json:"was_blocked"`
}

type RateLimitStatus struct {
	Identifier      string        `json:"identifier"`
	Action          string        `json:"action"`
	CurrentAttempts int           `json:"current_attempts"`
	MaxAttempts     int           `json:"max_attempts"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	IsLimited       bool          `json:"is_limited"`
	ResetIn         time.Duration `json:"reset_in"`
}

type RateLimitConfig struct {
	Action               string `json:"action" yaml:"action"`
	MaxAttempts          int    `json:"max_attempts" yaml:"max_attempts"`
	WindowMinutes        int    `json:"window_minutes" yaml:"window_minutes"`
	BlockDurationMinutes int    `json:"block_duration_minutes" yaml:"block_duration_minutes"`
	IsEnabled            bool   `json:"is_enabled" yaml:"enabled"`
	Destructive          bool   `json:"destructive" yaml:"destructive"`
	FailOpen             bool   `json:"fail_open" yaml:"fail_open"`
	Description          string `json:"description,omitempty" yaml:"description"`
}

type BlockedEntity struct {
	Type           EntityType `json:"type"`
	Value          string     `json:"value"`
	Reason         string     `json:"reason"`
	BlockedAt      time.Time  `json:"blocked_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	BlockedBy      string     `json:"blocked_by"`
	IsActive       bool       `json:"is_active"`
	ViolationCount int        `json:"violation_count"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the block is in force at t. Expiry is evaluated
// here rather than trusting IsActive, which may lag until the next sweep.
func (b *BlockedEntity) ActiveAt(t time.Time) bool {
	if b == nil || !b.IsActive {
		return false
	}
	if b.ExpiresAt != nil && !t.Before(*b.ExpiresAt) {
		return false
	}
	return true
}

type FraudIndicator struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Impact      float64        `json:"impact"`
	Severity    Severity       `json:"severity"`
	Details     map[string]any `json:"details,omitempty"`
}

type FraudAssessmentRequest struct {
	IPAddress         string            `json:"ip_address"`
	UserAgent         string            `json:"user_agent"`
	PhoneNumber       string            `json:"phone_number"`
	Email             string            `json:"email"`
	UserID            string            `json:"user_id"`
	Action            string            `json:"action"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	SessionID         string            `json:"session_id"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	ReferrerURL       string            `json:"referrer_url"`
	RecentActions     []string          `json:"recent_actions,omitempty"`
	ScopeID           string            `json:"scope_id,omitempty"`
}

// Identifier picks the subject key used for rate limiting and event history.
func (r *FraudAssessmentRequest) Identifier() string {
	switch {
	case r.IPAddress != "":
		return "ip:" + r.IPAddress
	case r.UserID != "":
		return "user:" + r.UserID
	case r.PhoneNumber != "":
		return "phone:" + r.PhoneNumber
	case r.Email != "":
		return "email:" + r.Email
	}
	return ""
}

type FraudAssessment struct {
	RequestID          string           `json:"request_id"`
	Identifier         string           `json:"identifier"`
	Action             string           `json:"action"`
	ScopeID            string           `json:"scope_id,omitempty"`
	RiskLevel          FraudRiskLevel   `json:"risk_level"`
	RiskScore          float64          `json:"risk_score"`
	Indicators         []FraudIndicator `json:"indicators"`
	Decision           FraudDecision    `json:"decision"`
	RecommendedActions []string         `json:"recommended_actions"`
	AssessedAt         time.Time        `json:"assessed_at"`
	ReasonCode         string           `json:"reason_code"`
	RiskFactors        map[string]any   `json:"risk_factors,omitempty"`
	Country            string           `json:"country,omitempty"`
	City               string           `json:"city,omitempty"`
}

type SuspiciousActivityReport struct {
	ID           string         `json:"id"`
	ActivityType string         `json:"activity_type"`
	IPAddress    string         `json:"ip_address"`
	Email        string         `json:"email,omitempty"`
	PhoneNumber  string         `json:"phone_number,omitempty"`
	UserAgent    string         `json:"user_agent"`
	Description  string         `json:"description"`
	Evidence     string         `json:"evidence"`
	ReportedAt   time.Time      `json:"reported_at"`
	ReportedBy   string         `json:"reported_by"`
	Severity     Severity       `json:"severity"`
	ScopeID      string         `json:"scope_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

type SecurityInsights struct {
	ScopeID              string                   `json:"scope_id"`
	TotalSecurityEvents  int                      `json:"total_security_events"`
	BlockedAttempts      int                      `json:"blocked_attempts"`
	SuspiciousActivities int                      `json:"suspicious_activities"`
	AverageFraudScore    float64                  `json:"average_fraud_score"`
	TopThreats           []TopThreat              `json:"top_threats"`
	TrendData            []SecurityTrend          `json:"trend_data"`
	GeographicRisks      []GeoSecurityData        `json:"geographic_risks"`
	RateLimitingStats    RateLimitingStats        `json:"rate_limiting_stats"`
	Recommendations      []SecurityRecommendation `json:"recommendations"`
	GeneratedAt          time.Time                `json:"generated_at"`
}

type TopThreat struct {
	ThreatType       string    `json:"threat_type"`
	Count            int       `json:"count"`
	Description      string    `json:"description"`
	LastSeen         time.Time `json:"last_seen"`
	MitigationStatus string    `json:"mitigation_status"`
}

type SecurityTrend struct {
	Date             time.Time `json:"date"`
	SecurityEvents   int       `json:"security_events"`
	BlockedAttempts  int       `json:"blocked_attempts"`
	AverageRiskScore float64   `json:"average_risk_score"`
}

type GeoSecurityData struct {
	Country     string  `json:"country"`
	City        string  `json:"city"`
	ThreatCount int     `json:"threat_count"`
	RiskScore   float64 `json:"risk_score"`
	IsBlocked   bool    `json:"is_blocked"`
}

type RateLimitingStats struct {
	TotalRequests   int              `json:"total_requests"`
	LimitedRequests int              `json:"limited_requests"`
	LimitingRate    float64          `json:"limiting_rate"`
	ActionBreakdown map[string]int   `json:"action_breakdown"`
	RecentEvents    []RateLimitEvent `json:"recent_events"`
}

type SecurityRecommendation struct {
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Severity `json:"priority"`
	Actions     []string `json:"actions"`
	Impact      string   `json:"impact"`
}

type SecurityEventType string

const (
	EventAssessment        SecurityEventType = "ASSESSMENT"
	EventRateLimitExceeded SecurityEventType = "RATE_LIMIT_EXCEEDED"
	EventEntityBlocked     SecurityEventType = "ENTITY_BLOCKED"
	EventEntityUnblocked   SecurityEventType = "ENTITY_UNBLOCKED"
	EventSuspiciousReport  SecurityEventType = "SUSPICIOUS_ACTIVITY"
)

// SecurityEvent is the alert published to administrators for every
// non-trivial engine outcome.
type SecurityEvent struct {
	ID         string            `json:"id"`
	Type       SecurityEventType `json:"type"`
	Identifier string            `json:"identifier"`
	Action     string            `json:"action,omitempty"`
	Decision   FraudDecision     `json:"decision,omitempty"`
	ReasonCode string            `json:"reason_code,omitempty"`
	RiskScore  float64           `json:"risk_score"`
	Severity   Severity          `json:"severity"`
	Detail     string            `json:"detail,omitempty"`
	ScopeID    string            `json:"scope_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
