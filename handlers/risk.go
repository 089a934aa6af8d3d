package handlers

import (
	"net/http"

	"github.com/berserk3142-max/fraud-risk-engine/middleware"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	var req models.FraudAssessmentRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.svc.AssessRisk(r.Context(), req)
	if err != nil {
		h.fail(w, r, "assess", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type rateLimitCheckRequest struct {
	Identifier    string `json:"identifier"`
	Action        string `json:"action"`
	MaxAttempts   int    `json:"max_attempts"`
	WindowMinutes int    `json:"window_minutes"`
}

// CheckRateLimit counts one attempt. Without max_attempts and
// window_minutes the action's configured limit applies; explicit limits
// share the counter the guard uses, so only admins may set them.
// A limited result is still a 200; callers read "allowed". When the store
// is down and the action fails open the degraded result is a 200 too.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitCheckRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MaxAttempts == 0 && req.WindowMinutes == 0 {
		p := h.svc.ActionPolicy(req.Action)
		req.MaxAttempts, req.WindowMinutes = p.MaxAttempts, p.WindowMinutes
	} else if !middleware.IsAdmin(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "explicit limits require the admin role", Field: "max_attempts"})
		return
	}
	res, err := h.svc.CheckRateLimit(r.Context(), req.Identifier, req.Action, req.MaxAttempts, req.WindowMinutes)
	if err != nil && !(res.Degraded && res.Allowed) {
		h.fail(w, r, "rate limit check", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := h.svc.RateLimitStatus(r.Context(), q.Get("identifier"), q.Get("action"))
	if err != nil {
		h.fail(w, r, "rate limit status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Report accepts a suspicious activity report. Any block it triggers is
// applied asynchronously, hence 202.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	var rep models.SuspiciousActivityReport
	if !decode(w, r, &rep) {
		return
	}
	receipt, err := h.svc.ReportSuspiciousActivity(r.Context(), rep)
	if err != nil {
		h.fail(w, r, "report", err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
