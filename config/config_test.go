package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	table := p.ActionTable()
	for _, action := range []string{"registration", "redemption", "bulk_send"} {
		cfg, ok := table.Policy(action)
		require.True(t, ok, action)
		assert.True(t, cfg.Destructive, action)
		assert.False(t, cfg.FailOpen, action)
		assert.True(t, cfg.IsEnabled, action)
	}
	view, _ := table.Policy("view")
	assert.False(t, view.Destructive)
	assert.True(t, view.FailOpen)
	assert.Equal(t, []GuardRoute{{Prefix: "/api/", Action: "view"}}, p.Guard)
}

func TestParsePolicyOverridesDefaults(t *testing.T) {
	doc := []byte(`
actions:
  redemption:
    max_attempts: 2
    window_minutes: 10
    destructive: true
    fail_open: true
  status:
    max_attempts: 50
    window_minutes: 1
    enabled: false
scoring:
  thresholds:
    medium: 20
    high: 40
    critical: 70
indicators:
  velocity_window: 2m
  country_weights:
    KP: 90
engine:
  clock_skew: 1m
guard:
  - prefix: /api/redeem
    action: redemption
`)
	p, err := ParsePolicy(doc)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"redemption", "status"}, p.ActionNames())
	red := p.Actions["redemption"].RateLimit("redemption")
	assert.Equal(t, 2, red.MaxAttempts)
	assert.True(t, red.FailOpen)
	assert.True(t, red.IsEnabled)
	assert.False(t, p.Actions["status"].RateLimit("status").IsEnabled)

	assert.Equal(t, 70.0, p.Scoring.Thresholds.Critical)
	assert.Equal(t, 0.75, p.Scoring.SeverityWeights[models.SeverityHigh])
	assert.Equal(t, 2*time.Minute, p.Indicators.VelocityWindow)
	assert.Equal(t, 5*time.Second, p.Indicators.DuplicateWindow)
	assert.Equal(t, 90.0, p.Indicators.CountryWeights["KP"])

	ec := p.EngineConfig(time.Second)
	assert.Equal(t, time.Minute, ec.ClockSkew)
	assert.Equal(t, 24, ec.AutoBlockHours)
	assert.Equal(t, time.Second, ec.StoreTimeout)
	assert.Equal(t, 6, ec.ReportBlockHours[models.SeverityHigh])

	require.Len(t, p.Guard, 1)
	assert.Equal(t, "redemption", p.Guard[0].Action)
	assert.Equal(t, 90.0, p.InsightsConfig().CountryWeights["KP"])
}

func TestParsePolicyKeepsDefaultActionsWhenOmitted(t *testing.T) {
	p, err := ParsePolicy([]byte("engine:\n  auto_block_hours: 12\n"))
	require.NoError(t, err)
	assert.Contains(t, p.Actions, "redemption")
	assert.Equal(t, 12, p.Engine.AutoBlockHours)
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero limit":           "actions:\n  x:\n    max_attempts: 0\n    window_minutes: 1\n",
		"bad thresholds":       "scoring:\n  thresholds:\n    medium: 60\n    high: 40\n    critical: 80\n",
		"non-monotonic weight": "scoring:\n  severity_weights:\n    high: 0.1\n",
		"country out of range": "indicators:\n  country_weights:\n    XX: 150\n",
		"unknown severity":     "engine:\n  report_block_hours:\n    extreme: 1\n",
		"incomplete guard":     "guard:\n  - prefix: /api/x\n",
		"malformed yaml":       "actions: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("insights:\n  top_threats: 3\n"), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.InsightsConfig().TopThreats)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("COUNTER_BACKEND", "Memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("EVENT_RETENTION", "6h")
	t.Setenv("INSIGHTS_DAYS", "not-a-number")
	t.Setenv("POLICY_FILE", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://console.example.com")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 6*time.Hour, cfg.EventRetention)
	assert.Equal(t, 7, cfg.InsightsDays)
	assert.Equal(t, 2*time.Second, cfg.BackendTimeout)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.TrustedProxies)
	require.NotNil(t, cfg.Policy)
}

func TestLoadRejectsBadTrustedProxy(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("COUNTER_BACKEND", "memory")
	t.Setenv("POLICY_FILE", "")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,proxy.internal")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRUSTED_PROXIES")
}

func TestLoadRejectsMissingSecretAndBadBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("COUNTER_BACKEND", "etcd")
	t.Setenv("POLICY_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "COUNTER_BACKEND")
}
