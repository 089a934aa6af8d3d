// Package handlers exposes the engine over a JSON HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/ratelimiter"
)

const maxBodyBytes = 1 << 20

// Service is the part of *engine.Engine the API serves.
type Service interface {
	AssessRisk(ctx context.Context, req models.FraudAssessmentRequest) (*models.FraudAssessment, error)
	CheckRateLimit(ctx context.Context, identifier, action string, maxAttempts, windowMinutes int) (ratelimiter.Result, error)
	ActionPolicy(action string) models.RateLimitConfig
	RateLimitStatus(ctx context.Context, identifier, action string) (models.RateLimitStatus, error)
	ReportSuspiciousActivity(ctx context.Context, r models.SuspiciousActivityReport) (*engine.ReportReceipt, error)
	BlockEntity(ctx context.Context, value string, t models.EntityType, reason string, durationHours *int, blockedBy string) (*models.BlockedEntity, error)
	UnblockEntity(ctx context.Context, value string, t models.EntityType) (bool, error)
	ListBlockedEntities(ctx context.Context) ([]models.BlockedEntity, error)
	GetInsights(ctx context.Context, scopeID string) (*models.SecurityInsights, error)
}

// AssessmentHistory reads archived assessments. Optional.
type AssessmentHistory interface {
	RecentAssessments(ctx context.Context, scope string, since time.Time, limit int) ([]models.FraudAssessment, error)
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc     Service
	history AssessmentHistory
	checks  map[string]Pinger
	logger  *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, checks: map[string]Pinger{}, logger: logger}
}

// WithHistory enables GET /admin/assessments.
func (h *Handler) WithHistory(history AssessmentHistory) *Handler {
	h.history = history
	return h
}

// WithCheck adds a dependency to the health report.
func (h *Handler) WithCheck(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

// Register mounts the API on mux. service wraps every /v1 route and admin
// every /admin route; /health stays open.
func (h *Handler) Register(mux *http.ServeMux, admin, service func(http.Handler) http.Handler) {
	mux.Handle("POST /v1/assess", service(http.HandlerFunc(h.Assess)))
	mux.Handle("POST /v1/rate-limit/check", service(http.HandlerFunc(h.CheckRateLimit)))
	mux.Handle("GET /v1/rate-limit/status", service(http.HandlerFunc(h.RateLimitStatus)))
	mux.Handle("POST /v1/reports", service(http.HandlerFunc(h.Report)))
	mux.HandleFunc("GET /health", h.Health)

	mux.Handle("GET /admin/blocked", admin(http.HandlerFunc(h.ListBlocked)))
	mux.Handle("POST /admin/blocked", admin(http.HandlerFunc(h.Block)))
	mux.Handle("POST /admin/unblock", admin(http.HandlerFunc(h.Unblock)))
	mux.Handle("GET /admin/insights", admin(http.HandlerFunc(h.Insights)))
	mux.Handle("GET /admin/assessments", admin(http.HandlerFunc(h.Assessments)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail maps engine errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrBackendUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		logging.L(r.Context(), h.logger).Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
