package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/middleware"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	defaultAssessmentLimit = 100
	maxAssessmentLimit     = 1000
)

func (h *Handler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	entities, err := h.svc.ListBlockedEntities(r.Context())
	if err != nil {
		h.fail(w, r, "list blocked", err)
		return
	}
	if entities == nil {
		entities = []models.BlockedEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked": entities,
		"count":   len(entities),
	})
}

type blockRequest struct {
	Value         string            `json:"value"`
	Type          models.EntityType `json:"type"`
	Reason        string            `json:"reason"`
	DurationHours *int              `json:"duration_hours,omitempty"`
}

// Block applies a manual block. Omitting duration_hours blocks until an
// explicit unblock. If the block is in force but could not be written to
// the durable store the response says persisted=false.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = models.EntityIP
	}
	actor := middleware.GetAdmin(r.Context())
	if actor == "" {
		actor = "admin"
	}

	b, err := h.svc.BlockEntity(r.Context(), req.Value, req.Type, req.Reason, req.DurationHours, actor)
	persisted := true
	if err != nil {
		if b == nil || !errors.Is(err, engine.ErrBackendUnavailable) {
			h.fail(w, r, "block", err)
			return
		}
		persisted = false
		logging.L(r.Context(), h.logger).Warn("block not persisted", "type", req.Type, "value", b.Value, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"blocked":   b,
		"persisted": persisted,
	})
}

type unblockRequest struct {
	Value string            `json:"value"`
	Type  models.EntityType `json:"type"`
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = models.EntityIP
	}

	ok, err := h.svc.UnblockEntity(r.Context(), req.Value, req.Type)
	persisted := true
	if err != nil {
		if !errors.Is(err, engine.ErrBackendUnavailable) {
			h.fail(w, r, "unblock", err)
			return
		}
		persisted = false
		logging.L(r.Context(), h.logger).Warn("unblock not persisted", "type", req.Type, "value", req.Value, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unblocked": ok,
		"persisted": persisted,
	})
}

func (h *Handler) Insights(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.GetInsights(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		h.fail(w, r, "insights", err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// Assessments lists archived assessments, newest first. Query parameters:
// scope, since (RFC 3339, default 24h ago) and limit.
func (h *Handler) Assessments(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "assessment archive is not configured")
		return
	}
	q := r.URL.Query()

	since := time.Now().Add(-24 * time.Hour)
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "since must be RFC 3339", Field: "since"})
			return
		}
		since = t
	}

	limit := defaultAssessmentLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer", Field: "limit"})
			return
		}
		limit = min(n, maxAssessmentLimit)
	}

	list, err := h.history.RecentAssessments(r.Context(), q.Get("scope"), since, limit)
	if err != nil {
		h.fail(w, r, "list assessments", err)
		return
	}
	if list == nil {
		list = []models.FraudAssessment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": list,
		"count":       len(list),
	})
}
