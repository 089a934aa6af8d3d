package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Backend selects where counters and event history live: "redis" or
	// "memory".
	Backend           string
	PostgresDSN       string
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaReportsTopic string
	KafkaGroupID      string
	JWTSecret         string
	BackendURL        string
	AllowedOrigins    []string
	TrustedProxies    []string
	LogLevel          string
	LogFormat         string
	PolicyFile        string

	EventRetention time.Duration
	// ArchiveRetention bounds how long archived action events are kept in
	// Postgres. Assessments and reports are never purged.
	ArchiveRetention time.Duration
	BackendTimeout   time.Duration
	SweepInterval    time.Duration
	InsightsRefresh  time.Duration
	InsightsDays     int
	ShutdownTimeout  time.Duration

	Policy *Policy
}

// Load reads the environment, after merging in a .env file when one is
// present, and the risk policy named by POLICY_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		Backend:           strings.ToLower(getEnv("COUNTER_BACKEND", "redis")),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "security-events"),
		KafkaReportsTopic: getEnv("KAFKA_REPORTS_TOPIC", "suspicious-activity"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "fraud-risk-engine"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		BackendURL:        getEnv("BACKEND_URL", ""),
		AllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", nil),
		TrustedProxies:    getEnvList("TRUSTED_PROXIES", nil),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		PolicyFile:        getEnv("POLICY_FILE", ""),
		EventRetention:    getEnvDuration("EVENT_RETENTION", 24*time.Hour),
		ArchiveRetention:  getEnvDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
		BackendTimeout:    getEnvDuration("BACKEND_TIMEOUT", 2*time.Second),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),
		InsightsRefresh:   getEnvDuration("INSIGHTS_REFRESH", 30*time.Second),
		InsightsDays:      getEnvInt("INSIGHTS_DAYS", 7),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	} else {
		p := DefaultPolicy()
		cfg.Policy = &p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Backend != "redis" && c.Backend != "memory" {
		errs = append(errs, fmt.Errorf("COUNTER_BACKEND must be redis or memory, got %q", c.Backend))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.EventRetention <= 0 || c.ArchiveRetention <= 0 {
		errs = append(errs, errors.New("EVENT_RETENTION and ARCHIVE_RETENTION must be positive"))
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("BACKEND_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 || c.InsightsRefresh <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL and INSIGHTS_REFRESH must be positive"))
	}
	if c.InsightsDays <= 0 {
		errs = append(errs, errors.New("INSIGHTS_DAYS must be positive"))
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, aerr := netip.ParseAddr(p); aerr != nil {
				errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %q is neither a CIDR nor an address", p))
			}
		}
	}
	if c.Policy == nil {
		errs = append(errs, errors.New("risk policy is missing"))
	} else if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
