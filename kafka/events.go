package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// NewSecurityEvent fills in the ID and creation time of ev when missing.
func NewSecurityEvent(ev models.SecurityEvent) models.SecurityEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}

// ReportMessage is the wire form of a suspicious activity report sent by
// admin tooling on the report topic.
type ReportMessage struct {
	ActivityType string         `json:"activity_type"`
	IPAddress    string         `json:"ip_address"`
	Email        string         `json:"email"`
	PhoneNumber  string         `json:"phone_number"`
	UserAgent    string         `json:"user_agent"`
	Description  string         `json:"description"`
	Evidence     string         `json:"evidence"`
	ReportedBy   string         `json:"reported_by"`
	Severity     string         `json:"severity"`
	ScopeID      string         `json:"scope_id"`
	Context      map[string]any `json:"context"`
	// Timestamp is unix seconds; zero means now.
	Timestamp int64 `json:"timestamp"`
}

func DecodeReport(data []byte) (models.SuspiciousActivityReport, error) {
	var m ReportMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return models.SuspiciousActivityReport{}, fmt.Errorf("decode report: %w", err)
	}
	r := models.SuspiciousActivityReport{
		ActivityType: m.ActivityType,
		IPAddress:    m.IPAddress,
		Email:        m.Email,
		PhoneNumber:  m.PhoneNumber,
		UserAgent:    m.UserAgent,
		Description:  m.Description,
		Evidence:     m.Evidence,
		ReportedBy:   m.ReportedBy,
		Severity:     models.Severity(m.Severity),
		ScopeID:      m.ScopeID,
		Context:      m.Context,
	}
	if m.Timestamp > 0 {
		r.ReportedAt = time.Unix(m.Timestamp, 0).UTC()
	}
	return r, nil
}
