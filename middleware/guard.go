package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/indicators"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	HeaderDecision  = "X-Fraud-Decision"
	HeaderRiskScore = "X-Fraud-Risk-Score"
	HeaderRequestID = "X-Fraud-Request-ID"
	HeaderSession   = "X-Session-ID"
	HeaderUserID    = "X-User-ID"
	HeaderScope     = "X-Scope-ID"
	HeaderCountry   = "X-Country"
	HeaderCity      = "X-City"
)

// Assessor scores one action. *engine.Engine implements it.
type Assessor interface {
	AssessRisk(ctx context.Context, req models.FraudAssessmentRequest) (*models.FraudAssessment, error)
}

// Route binds a path prefix to the action requests under it perform.
type Route struct {
	Prefix string
	Action string
}

// Guard assesses proxied requests whose path matches a route before they
// reach the backend. Blocked requests are rejected, rate limited ones get
// 429 and everything else is forwarded with the decision in
// X-Fraud-Decision so the backend can step up on Challenge or Review.
type Guard struct {
	assessor Assessor
	routes   []Route
}

func NewGuard(assessor Assessor, routes []Route) *Guard {
	return &Guard{assessor: assessor, routes: routes}
}

func (g *Guard) action(path string) (string, bool) {
	best := -1
	action := ""
	for _, rt := range g.routes {
		if strings.HasPrefix(path, rt.Prefix) && len(rt.Prefix) > best {
			best, action = len(rt.Prefix), rt.Action
		}
	}
	return action, best >= 0
}

func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the backend must only ever see decisions made here
		for _, h := range []string{HeaderDecision, HeaderRiskScore, HeaderRequestID} {
			r.Header.Del(h)
		}

		action, ok := g.action(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		a, err := g.assessor.AssessRisk(ctx, BuildRequest(r, action))
		switch {
		case errors.Is(err, engine.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, engine.ErrBackendUnavailable):
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "risk check unavailable")
			return
		case err != nil:
			logging.L(ctx, nil).Error("guard assessment failed", "action", action, "error", err)
			writeError(w, http.StatusInternalServerError, "risk check failed")
			return
		}

		w.Header().Set(HeaderRequestID, a.RequestID)
		w.Header().Set(HeaderDecision, string(a.Decision))
		setRateLimitHeaders(w, a)

		rateLimited := a.ReasonCode == models.ReasonRateLimitExceeded
		switch {
		case a.Decision == models.DecisionBlock && !rateLimited:
			writeError(w, http.StatusForbidden, "request blocked")
			return
		case rateLimited:
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		r.Header.Set(HeaderDecision, string(a.Decision))
		r.Header.Set(HeaderRiskScore, strconv.FormatFloat(a.RiskScore, 'f', 2, 64))
		r.Header.Set(HeaderRequestID, a.RequestID)
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, a *models.FraudAssessment) {
	rl, ok := a.RiskFactors["rate_limit"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := rl["limit"].(int); ok {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(v))
	}
	if v, ok := rl["attempts_remaining"].(int); ok {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(v))
	}
	if reset, ok := rl["reset_at"].(time.Time); ok {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if a.ReasonCode == models.ReasonRateLimitExceeded {
			secs := int(time.Until(reset).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
}

// BuildRequest maps an HTTP request onto an assessment request for action.
func BuildRequest(r *http.Request, action string) models.FraudAssessmentRequest {
	meta := map[string]string{}
	if c := firstHeader(r, HeaderCountry, "CF-IPCountry"); c != "" {
		meta[indicators.MetaCountry] = c
	}
	if c := r.Header.Get(HeaderCity); c != "" {
		meta[indicators.MetaCity] = c
	}
	meta["method"] = r.Method
	meta["path"] = r.URL.Path

	return models.FraudAssessmentRequest{
		IPAddress:         getClientIP(r),
		UserAgent:         r.UserAgent(),
		UserID:            r.Header.Get(HeaderUserID),
		Action:            action,
		Metadata:          meta,
		SessionID:         r.Header.Get(HeaderSession),
		DeviceFingerprint: GetFingerprint(r.Context()),
		ReferrerURL:       r.Referer(),
		ScopeID:           r.Header.Get(HeaderScope),
	}
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}
