package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/middleware"
	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/ratelimiter"
)

type fakeService struct {
	assessErr  error
	blockErr   error
	blockedBy  string
	unblocked  bool
	rlResult   ratelimiter.Result
	rlErr      error
	rlLimits   [2]int
	scope      string
	gotReport  models.SuspiciousActivityReport
	blocked    []models.BlockedEntity
	unblockErr error
}

func (f *fakeService) AssessRisk(ctx context.Context, req models.FraudAssessmentRequest) (*models.FraudAssessment, error) {
	if f.assessErr != nil {
		return nil, f.assessErr
	}
	return &models.FraudAssessment{RequestID: "a-1", Action: req.Action, Decision: models.DecisionAllow}, nil
}

func (f *fakeService) CheckRateLimit(ctx context.Context, identifier, action string, maxAttempts, windowMinutes int) (ratelimiter.Result, error) {
	f.rlLimits = [2]int{maxAttempts, windowMinutes}
	return f.rlResult, f.rlErr
}

func (f *fakeService) ActionPolicy(action string) models.RateLimitConfig {
	return models.RateLimitConfig{Action: action, MaxAttempts: 5, WindowMinutes: 60}
}

func (f *fakeService) RateLimitStatus(ctx context.Context, identifier, action string) (models.RateLimitStatus, error) {
	if identifier == "" {
		return models.RateLimitStatus{}, &engine.ValidationError{Field: "identifier", Reason: "required"}
	}
	return models.RateLimitStatus{Identifier: identifier, Action: action, CurrentAttempts: 2, MaxAttempts: 5}, nil
}

func (f *fakeService) ReportSuspiciousActivity(ctx context.Context, r models.SuspiciousActivityReport) (*engine.ReportReceipt, error) {
	f.gotReport = r
	return &engine.ReportReceipt{ReportID: "rep-1", Accepted: true, BlockQueued: r.Severity == models.SeverityCritical}, nil
}

func (f *fakeService) BlockEntity(ctx context.Context, value string, t models.EntityType, reason string, durationHours *int, blockedBy string) (*models.BlockedEntity, error) {
	f.blockedBy = blockedBy
	b := &models.BlockedEntity{Type: t, Value: value, Reason: reason, BlockedBy: blockedBy, IsActive: true}
	if f.blockErr != nil && !errors.Is(f.blockErr, engine.ErrBackendUnavailable) {
		return nil, f.blockErr
	}
	return b, f.blockErr
}

func (f *fakeService) UnblockEntity(ctx context.Context, value string, t models.EntityType) (bool, error) {
	return f.unblocked, f.unblockErr
}

func (f *fakeService) ListBlockedEntities(ctx context.Context) ([]models.BlockedEntity, error) {
	return f.blocked, nil
}

func (f *fakeService) GetInsights(ctx context.Context, scopeID string) (*models.SecurityInsights, error) {
	f.scope = scopeID
	return &models.SecurityInsights{TotalSecurityEvents: 3}, nil
}

func passThrough(h http.Handler) http.Handler { return h }

// asAdmin marks every request as coming from an authenticated admin.
func asAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.RoleKey, middleware.RoleAdmin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newServer(svc Service, admin, service func(http.Handler) http.Handler) (*Handler, *http.ServeMux) {
	h := New(svc, logging.Discard())
	mux := http.NewServeMux()
	h.Register(mux, admin, service)
	return h, mux
}

func do(mux http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAssessErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"validation", &engine.ValidationError{Field: "ip_address", Reason: "invalid"}, http.StatusBadRequest},
		{"backend", fmt.Errorf("check: %w", engine.ErrBackendUnavailable), http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mux := newServer(&fakeService{assessErr: tt.err}, passThrough, passThrough)
			rec := do(mux, http.MethodPost, "/v1/assess", `{"ip_address":"203.0.113.9","action":"login"}`)
			assert.Equal(t, tt.want, rec.Code)
			body := decodeBody(t, rec)
			switch tt.want {
			case http.StatusOK:
				assert.Equal(t, "a-1", body["request_id"])
			case http.StatusBadRequest:
				assert.Equal(t, "ip_address", body["field"])
			case http.StatusServiceUnavailable:
				assert.Equal(t, "5", rec.Header().Get("Retry-After"))
			case http.StatusInternalServerError:
				assert.Equal(t, "internal error", body["error"])
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	_, mux := newServer(&fakeService{}, passThrough, passThrough)
	rec := do(mux, http.MethodPost, "/v1/assess", `{"ip_address":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodGet, "/v1/assess", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCheckRateLimit(t *testing.T) {
	svc := &fakeService{rlResult: ratelimiter.Result{Allowed: false, Count: 6, Limit: 5}}
	_, mux := newServer(svc, passThrough, asAdmin)

	rec := do(mux, http.MethodPost, "/v1/rate-limit/check", `{"identifier":"ip:1.2.3.4","action":"login","max_attempts":5,"window_minutes":15}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["allowed"])

	svc.rlResult = ratelimiter.Result{Allowed: true, Degraded: true}
	svc.rlErr = engine.ErrBackendUnavailable
	rec = do(mux, http.MethodPost, "/v1/rate-limit/check", `{"identifier":"ip:1.2.3.4","action":"view","max_attempts":5,"window_minutes":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["degraded"])

	svc.rlResult = ratelimiter.Result{Allowed: false, Degraded: true}
	rec = do(mux, http.MethodPost, "/v1/rate-limit/check", `{"identifier":"ip:1.2.3.4","action":"redemption","max_attempts":5,"window_minutes":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckRateLimitExplicitLimitsNeedAdmin(t *testing.T) {
	svc := &fakeService{rlResult: ratelimiter.Result{Allowed: true}}
	_, mux := newServer(svc, passThrough, passThrough)

	rec := do(mux, http.MethodPost, "/v1/rate-limit/check", `{"identifier":"ip:203.0.113.9","action":"redemption","max_attempts":1,"window_minutes":60}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "max_attempts", decodeBody(t, rec)["field"])
	assert.Equal(t, [2]int{}, svc.rlLimits, "nothing was counted")

	rec = do(mux, http.MethodPost, "/v1/rate-limit/check", `{"identifier":"ip:203.0.113.9","action":"redemption"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]int{5, 60}, svc.rlLimits)
}

func TestV1RoutesRequireServiceToken(t *testing.T) {
	auth := middleware.NewAuthMiddleware("secret")
	svc := &fakeService{}
	_, mux := newServer(svc, auth.RequireAdmin, auth.RequireService)

	report := `{"activity_type":"code_farming","ip_address":"203.0.113.9","severity":"critical"}`
	rec := do(mux, http.MethodPost, "/v1/reports", report)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.gotReport.ActivityType)

	rec = do(mux, http.MethodPost, "/v1/rate-limit/check", `{"identifier":"ip:203.0.113.9","action":"redemption","max_attempts":1}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role:             middleware.RoleService,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sponsor-42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	rec = do(mux, http.MethodPost, "/v1/reports", report, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "code_farming", svc.gotReport.ActivityType)

	rec = do(mux, http.MethodGet, "/admin/blocked", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(mux, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitStatus(t *testing.T) {
	_, mux := newServer(&fakeService{}, passThrough, passThrough)
	rec := do(mux, http.MethodGet, "/v1/rate-limit/status?identifier=ip:1.2.3.4&action=login", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["current_attempts"])

	rec = do(mux, http.MethodGet, "/v1/rate-limit/status?action=login", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReport(t *testing.T) {
	svc := &fakeService{}
	_, mux := newServer(svc, passThrough, passThrough)
	rec := do(mux, http.MethodPost, "/v1/reports", `{"activity_type":"code_farming","ip_address":"203.0.113.9","severity":"critical"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "rep-1", body["report_id"])
	assert.Equal(t, true, body["block_queued"])
	assert.Equal(t, "code_farming", svc.gotReport.ActivityType)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	auth := middleware.NewAuthMiddleware("secret")
	svc := &fakeService{}
	_, mux := newServer(svc, auth.RequireAdmin, passThrough)

	rec := do(mux, http.MethodGet, "/admin/blocked", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role:             middleware.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	rec = do(mux, http.MethodPost, "/admin/blocked", `{"value":"203.0.113.9","reason":"abuse"}`, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", svc.blockedBy)

	rec = do(mux, http.MethodGet, "/admin/blocked", "", "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []any{}, body["blocked"])
}

func TestBlockPersistenceFailure(t *testing.T) {
	svc := &fakeService{blockErr: fmt.Errorf("%w: db down", engine.ErrBackendUnavailable)}
	_, mux := newServer(svc, passThrough, passThrough)

	rec := do(mux, http.MethodPost, "/admin/blocked", `{"value":"a@b.com","type":"email","reason":"spam","duration_hours":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["persisted"])
	assert.Equal(t, "admin", svc.blockedBy)

	svc.blockErr = &engine.ValidationError{Field: "type", Reason: "unknown"}
	rec = do(mux, http.MethodPost, "/admin/blocked", `{"value":"x","type":"cookie","reason":"spam"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnblock(t *testing.T) {
	svc := &fakeService{unblocked: true}
	_, mux := newServer(svc, passThrough, passThrough)
	rec := do(mux, http.MethodPost, "/admin/unblock", `{"value":"203.0.113.9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["unblocked"])
	assert.Equal(t, true, body["persisted"])

	svc.unblocked = false
	rec = do(mux, http.MethodPost, "/admin/unblock", `{"value":"198.51.100.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["unblocked"])
}

func TestInsightsScope(t *testing.T) {
	svc := &fakeService{}
	_, mux := newServer(svc, passThrough, passThrough)
	rec := do(mux, http.MethodGet, "/admin/insights?scope=tenant-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-7", svc.scope)
}

type fakeHistory struct {
	scope string
	limit int
}

func (f *fakeHistory) RecentAssessments(ctx context.Context, scope string, since time.Time, limit int) ([]models.FraudAssessment, error) {
	f.scope, f.limit = scope, limit
	return []models.FraudAssessment{{RequestID: "x"}}, nil
}

func TestAssessments(t *testing.T) {
	h, mux := newServer(&fakeService{}, passThrough, passThrough)
	rec := do(mux, http.MethodGet, "/admin/assessments", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	hist := &fakeHistory{}
	h.WithHistory(hist)
	rec = do(mux, http.MethodGet, "/admin/assessments?scope=s1&limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", hist.scope)
	assert.Equal(t, maxAssessmentLimit, hist.limit)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = do(mux, http.MethodGet, "/admin/assessments?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(mux, http.MethodGet, "/admin/assessments?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	h, mux := newServer(&fakeService{}, passThrough, passThrough)
	h.WithCheck("redis", pinger{})

	rec := do(mux, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])

	h.WithCheck("postgres", pinger{err: errors.New("connection refused")})
	rec = do(mux, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["redis"])
	assert.Equal(t, "connection refused", checks["postgres"])
}
