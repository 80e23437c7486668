package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DispatcherConfig configures outbound calls to REST tools and peer gateways
type DispatcherConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"       json:"maxAttempts"`
	AttemptTimeout    time.Duration `yaml:"attemptTimeout"    json:"attemptTimeout"`
	TotalTimeout      time.Duration `yaml:"totalTimeout"      json:"totalTimeout"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"    json:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"        json:"maxBackoff"`
	RetryableStatuses []int         `yaml:"retryableStatuses" json:"retryableStatuses"`
	TLSSkipVerify     bool          `yaml:"tlsSkipVerify"     json:"tlsSkipVerify"`
}

// HookConfig configures the plugin hook engine
type HookConfig struct {
	Enabled        bool          `yaml:"enabled"        json:"enabled"`
	ConfigPath     string        `yaml:"configPath"     json:"configPath"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout" json:"defaultTimeout"`
	DrainTimeout   time.Duration `yaml:"drainTimeout"   json:"drainTimeout"`
	WatchDebounce  time.Duration `yaml:"watchDebounce"  json:"watchDebounce"`
}

// FederationConfig configures peer registration and health supervision
type FederationConfig struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval" json:"healthCheckInterval"`
	HealthCheckTimeout  time.Duration `yaml:"healthCheckTimeout"  json:"healthCheckTimeout"`
	UnhealthyThreshold  int           `yaml:"unhealthyThreshold"  json:"unhealthyThreshold"`
	ProbeInactive       bool          `yaml:"probeInactive"       json:"probeInactive"`
	HandshakeTimeout    time.Duration `yaml:"handshakeTimeout"    json:"handshakeTimeout"`
	SessionTimeout      time.Duration `yaml:"sessionTimeout"      json:"sessionTimeout"`
}

// LeaseConfig configures leader election for the health loop
type LeaseConfig struct {
	Backend       string        `yaml:"backend"       json:"backend"` // "redis" or "file"
	Name          string        `yaml:"name"          json:"name"`
	TTL           time.Duration `yaml:"ttl"           json:"ttl"`
	RetryInterval time.Duration `yaml:"retryInterval" json:"retryInterval"`
	RedisAddr     string        `yaml:"redisAddr"     json:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword" json:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"       json:"redisDB"`
	FilePath      string        `yaml:"filePath"      json:"filePath"`
}

// AgentConfig configures the defaults of OpenAI-compatible agent backends
type AgentConfig struct {
	OpenAIBaseURL  string        `yaml:"openaiBaseUrl"  json:"openaiBaseUrl"`
	OpenAIAPIKey   string        `yaml:"openaiApiKey"   json:"-"`
	DefaultModel   string        `yaml:"defaultModel"   json:"defaultModel"`
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
}

// AuthConfig configures inbound authentication
type AuthConfig struct {
	Required          bool          `yaml:"required"          json:"required"`
	HeaderName        string        `yaml:"headerName"        json:"headerName"`
	CacheTTL          time.Duration `yaml:"cacheTTL"          json:"cacheTTL"`
	JWTSecret         string        `yaml:"jwtSecret"         json:"-"`
	JWKSURL           string        `yaml:"jwksUrl"           json:"jwksUrl"`
	BasicUser         string        `yaml:"basicUser"         json:"basicUser"`
	BasicPasswordHash string        `yaml:"basicPasswordHash" json:"-"`
}

// EventConfig configures the asynchronous event sink
type EventConfig struct {
	BufferSize int `yaml:"bufferSize" json:"bufferSize"`
}

// SetupGatewayEnv binds the environment variables of the gateway subsystems
func SetupGatewayEnv() {
	// Dispatcher
	bindEnvVariable("DISPATCH_MAX_ATTEMPTS", 3)
	bindEnvVariable("DISPATCH_ATTEMPT_TIMEOUT", "10s")
	bindEnvVariable("DISPATCH_TOTAL_TIMEOUT", "30s")
	bindEnvVariable("DISPATCH_INITIAL_BACKOFF", "200ms")
	bindEnvVariable("DISPATCH_MAX_BACKOFF", "5s")
	bindEnvVariable("DISPATCH_RETRYABLE_STATUSES", "429,502,503,504")
	bindEnvVariable("DISPATCH_TLS_SKIP_VERIFY", false)

	// Hooks
	bindEnvVariable("PLUGINS_ENABLED", true)
	bindEnvVariable("PLUGINS_CONFIG_PATH", "plugins/config.yaml")
	bindEnvVariable("PLUGINS_DEFAULT_TIMEOUT", "5s")
	bindEnvVariable("PLUGINS_DRAIN_TIMEOUT", "30s")
	bindEnvVariable("PLUGINS_WATCH_DEBOUNCE", "250ms")

	// Federation
	bindEnvVariable("HEALTH_CHECK_INTERVAL", "60s")
	bindEnvVariable("HEALTH_CHECK_TIMEOUT", "10s")
	bindEnvVariable("UNHEALTHY_THRESHOLD", 3)
	bindEnvVariable("HEALTH_PROBE_INACTIVE", false)
	bindEnvVariable("FEDERATION_HANDSHAKE_TIMEOUT", "30s")
	bindEnvVariable("FEDERATION_SESSION_TIMEOUT", "30m")

	// Leader election
	bindEnvVariable("LEASE_BACKEND", "file")
	bindEnvVariable("LEASE_NAME", "mcp-gateway-health-leader")
	bindEnvVariable("LEASE_TTL", "15s")
	bindEnvVariable("LEASE_RETRY_INTERVAL", "5s")
	bindEnvVariable("REDIS_ADDR", "localhost:6379")
	bindEnvVariable("REDIS_PASSWORD", "")
	bindEnvVariable("REDIS_DB", 0)
	bindEnvVariable("LEASE_FILE_PATH", "/tmp/mcp-gateway-leader.lock")

	// Agents
	bindEnvVariable("OPENAI_BASE_URL", "")
	bindEnvVariable("OPENAI_API_KEY", "")
	bindEnvVariable("OPENAI_DEFAULT_MODEL", "gpt-4o-mini")
	bindEnvVariable("AGENT_REQUEST_TIMEOUT", "120s")

	// Events
	bindEnvVariable("EVENT_BUFFER_SIZE", 256)
}

// GetDispatcherConfig returns dispatcher configuration from viper
func GetDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:       viper.GetInt("DISPATCH_MAX_ATTEMPTS"),
		AttemptTimeout:    viper.GetDuration("DISPATCH_ATTEMPT_TIMEOUT"),
		TotalTimeout:      viper.GetDuration("DISPATCH_TOTAL_TIMEOUT"),
		InitialBackoff:    viper.GetDuration("DISPATCH_INITIAL_BACKOFF"),
		MaxBackoff:        viper.GetDuration("DISPATCH_MAX_BACKOFF"),
		RetryableStatuses: parseStatusList(viper.GetString("DISPATCH_RETRYABLE_STATUSES")),
		TLSSkipVerify:     viper.GetBool("DISPATCH_TLS_SKIP_VERIFY"),
	}
}

// GetHookConfig returns hook engine configuration from viper
func GetHookConfig() HookConfig {
	return HookConfig{
		Enabled:        viper.GetBool("PLUGINS_ENABLED"),
		ConfigPath:     viper.GetString("PLUGINS_CONFIG_PATH"),
		DefaultTimeout: viper.GetDuration("PLUGINS_DEFAULT_TIMEOUT"),
		DrainTimeout:   viper.GetDuration("PLUGINS_DRAIN_TIMEOUT"),
		WatchDebounce:  viper.GetDuration("PLUGINS_WATCH_DEBOUNCE"),
	}
}

// GetFederationConfig returns federation configuration from viper
func GetFederationConfig() FederationConfig {
	return FederationConfig{
		HealthCheckInterval: viper.GetDuration("HEALTH_CHECK_INTERVAL"),
		HealthCheckTimeout:  viper.GetDuration("HEALTH_CHECK_TIMEOUT"),
		UnhealthyThreshold:  viper.GetInt("UNHEALTHY_THRESHOLD"),
		ProbeInactive:       viper.GetBool("HEALTH_PROBE_INACTIVE"),
		HandshakeTimeout:    viper.GetDuration("FEDERATION_HANDSHAKE_TIMEOUT"),
		SessionTimeout:      viper.GetDuration("FEDERATION_SESSION_TIMEOUT"),
	}
}

// GetLeaseConfig returns leader election configuration from viper
func GetLeaseConfig() LeaseConfig {
	return LeaseConfig{
		Backend:       viper.GetString("LEASE_BACKEND"),
		Name:          viper.GetString("LEASE_NAME"),
		TTL:           viper.GetDuration("LEASE_TTL"),
		RetryInterval: viper.GetDuration("LEASE_RETRY_INTERVAL"),
		RedisAddr:     viper.GetString("REDIS_ADDR"),
		RedisPassword: viper.GetString("REDIS_PASSWORD"),
		RedisDB:       viper.GetInt("REDIS_DB"),
		FilePath:      viper.GetString("LEASE_FILE_PATH"),
	}
}

// GetAgentConfig returns agent backend configuration from viper
func GetAgentConfig() AgentConfig {
	return AgentConfig{
		OpenAIBaseURL:  viper.GetString("OPENAI_BASE_URL"),
		OpenAIAPIKey:   viper.GetString("OPENAI_API_KEY"),
		DefaultModel:   viper.GetString("OPENAI_DEFAULT_MODEL"),
		RequestTimeout: viper.GetDuration("AGENT_REQUEST_TIMEOUT"),
	}
}

// GetAuthConfig returns inbound authentication configuration from viper
func GetAuthConfig() AuthConfig {
	return AuthConfig{
		Required:          viper.GetBool("AUTH_REQUIRED"),
		HeaderName:        viper.GetString("AUTH_HEADER_NAME"),
		CacheTTL:          viper.GetDuration("AUTH_CACHE_TTL"),
		JWTSecret:         viper.GetString("JWT_SECRET"),
		JWKSURL:           viper.GetString("JWKS_URL"),
		BasicUser:         viper.GetString("BASIC_AUTH_USER"),
		BasicPasswordHash: viper.GetString("BASIC_AUTH_PASSWORD_HASH"),
	}
}

// GetEventConfig returns event sink configuration from viper
func GetEventConfig() EventConfig {
	return EventConfig{
		BufferSize: viper.GetInt("EVENT_BUFFER_SIZE"),
	}
}

// parseStatusList reads a comma or space separated list of HTTP status codes
func parseStatusList(raw string) []int {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	statuses := make([]int, 0, len(fields))
	for _, f := range fields {
		code, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		statuses = append(statuses, code)
	}
	return statuses
}
