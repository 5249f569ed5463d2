// Package config loads the gateway's process-wide operational
// configuration from the environment, and the hot-reloadable route,
// policy, and rate-limit document from YAML. The environment loader is
// explicit os.Getenv reads with defaults and strconv parsing rather
// than a reflection-based env-to-struct binder.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// UpstreamConfig is the static per-upstream configuration: base URL and
// outbound API key, both read once at bootstrap.
type UpstreamConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

// GatewayConfig is the process-wide configuration loaded once at
// startup and treated as immutable afterward, except for the explicit
// hot-reload path on the PolicyDocument (see policy.go).
type GatewayConfig struct {
	Port string

	RedisHost string
	RedisPort string

	ThrottleTTL   time.Duration
	ThrottleLimit int

	EnableTenantRateLimits bool

	AuthServiceURL      string
	AuthJWTSharedSecret string

	StaticAPITokens []string

	Upstreams map[string]UpstreamConfig

	NATSURL string

	PolicyFile string

	ShutdownDrain time.Duration

	InternalServiceNames []string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads GatewayConfig from the environment, applying documented
// defaults for anything unset.
func Load() GatewayConfig {
	cfg := GatewayConfig{
		Port:                   getEnv("PORT", "8000"),
		RedisHost:              getEnv("REDIS_HOST_MASTER", "localhost"),
		RedisPort:              getEnv("REDIS_PORT", "6379"),
		ThrottleTTL:            time.Duration(getEnvInt("THROTTLE_TTL", 60)) * time.Second,
		ThrottleLimit:          getEnvInt("THROTTLE_LIMIT", 60),
		EnableTenantRateLimits: getEnvBool("ENABLE_TENANT_RATE_LIMITS", false),
		AuthServiceURL:         getEnv("AUTH_SERVICE_URL", ""),
		AuthJWTSharedSecret:    getEnv("AUTH_JWT_SHARED_SECRET", ""),
		StaticAPITokens:        splitCSV(os.Getenv("STATIC_API_TOKEN")),
		NATSURL:                getEnv("NATS_URL", ""),
		PolicyFile:             getEnv("POLICY_FILE", "config/policy.yaml"),
		ShutdownDrain:          time.Duration(getEnvInt("SHUTDOWN_DRAIN_SECONDS", 15)) * time.Second,
		InternalServiceNames:   splitCSV(os.Getenv("INTERNAL_SERVICE_NAMES")),
	}

	cfg.Upstreams = map[string]UpstreamConfig{
		"service-a": {Name: "service-a", BaseURL: getEnv("SERVICE_A_URL", ""), APIKey: getEnv("SERVICE_A_API_KEY", "")},
		"service-b": {Name: "service-b", BaseURL: getEnv("SERVICE_B_URL", ""), APIKey: getEnv("SERVICE_B_API_KEY", "")},
		"service-c": {Name: "service-c", BaseURL: getEnv("SERVICE_C_URL", ""), APIKey: getEnv("SERVICE_C_API_KEY", "")},
	}

	return cfg
}

// RedisAddr joins RedisHost/RedisPort into the address go-redis expects.
func (c GatewayConfig) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
