package config

import (
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Gateway  GatewayConfig
	Chatwoot ChatwootConfig
	Agent    AgentConfig
	Queue    QueueConfig
	Pool     PoolConfig
	Rate     RateConfig
	Coalesce CoalesceConfig
	FollowUp FollowUpConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BasePath           string
	TrustedProxies     []string
	CorsAllowedOrigins []string
}

type DatabaseConfig struct {
	Driver          string // postgres | sqlite
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // file path for SQLite, db name for Postgres
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

// GatewayConfig points at the external WhatsApp HTTP gateway.
type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	Instance string
	Timeout  time.Duration
}

type ChatwootConfig struct {
	BaseURL      string
	AccountID    int64
	AccountToken string
	Timeout      time.Duration
}

type AgentConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

type QueueConfig struct {
	SoftCap           int           // pending items before admission starts rejecting
	RecentHashes      int           // per-user submit-time dedupe window
	LivenessThreshold time.Duration // processing older than this reverts to pending on restart
}

type PoolConfig struct {
	Min           int
	Max           int
	TargetLatency time.Duration
	ScaleCooldown time.Duration
	DrainTimeout  time.Duration
}

type RateConfig struct {
	PerUserPerMin int
	PerIPPerMin   int
	GlobalPerMin  int
	DedupeTTL     time.Duration
}

type CoalesceConfig struct {
	Window  time.Duration
	MaxWait time.Duration
}

type FollowUpConfig struct {
	Enabled            bool
	StartHour          int
	EndHour            int
	Weekdays           []time.Weekday
	Timezone           string
	MigrationModeUntil time.Time
}

// Global provides access to the loaded configuration (set by LoadConfig).
var Global *Config

// LoadConfig builds the Config from environment variables and defaults.
func LoadConfig() (*Config, error) {
	appCfg := AppConfig{
		Version:     "v1.2.0",
		Port:        getEnv("APP_PORT", "8000"),
		Debug:       getEnvBool("APP_DEBUG", false),
		Environment: getEnv("APP_ENV", "development"),
		BasePath:    getEnv("APP_BASE_PATH", ""),
	}
	if v := getEnv("APP_TRUSTED_PROXIES", ""); v != "" {
		appCfg.TrustedProxies = splitCSV(v)
	}
	if v := getEnv("APP_CORS_ALLOWED_ORIGINS", ""); v != "" {
		appCfg.CorsAllowedOrigins = splitCSV(v)
	} else {
		appCfg.CorsAllowedOrigins = []string{"http://localhost:3000"}
	}

	dbCfg := DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "sqlite"),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		Name:            getEnv("DB_NAME", "storages/dispatch.db"),
		ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
		ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
		ValkeyDB:        getEnvInt("VALKEY_DB", 0),
		ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "royal:"),
	}
	// Legacy DB_URL support: postgres://... flips the driver.
	if v := getEnv("DB_URL", ""); v != "" && strings.HasPrefix(v, "postgres") {
		dbCfg.Driver = "postgres"
	}
	if v := getEnv("CACHE_URL", ""); v != "" {
		dbCfg.ValkeyEnabled = true
		dbCfg.ValkeyAddress = strings.TrimPrefix(strings.TrimPrefix(v, "redis://"), "valkey://")
	}

	cfg := &Config{
		App:      appCfg,
		Database: dbCfg,
		Gateway: GatewayConfig{
			BaseURL:  strings.TrimRight(getEnv("GATEWAY_BASE_URL", ""), "/"),
			APIKey:   getEnv("GATEWAY_API_KEY", ""),
			Instance: getEnv("GATEWAY_INSTANCE", "royal"),
			Timeout:  getEnvDuration("GATEWAY_TIMEOUT_MS", 10*time.Second),
		},
		Chatwoot: ChatwootConfig{
			BaseURL:      strings.TrimRight(getEnv("CHATWOOT_BASE_URL", ""), "/"),
			AccountID:    int64(getEnvInt("CHATWOOT_ACCOUNT_ID", 0)),
			AccountToken: getEnv("CHATWOOT_ACCOUNT_TOKEN", ""),
			Timeout:      getEnvDuration("CHATWOOT_TIMEOUT_MS", 10*time.Second),
		},
		Agent: AgentConfig{
			APIKey:       getEnv("AI_API_KEY", ""),
			Model:        getEnv("AI_MODEL", "gpt-4o-mini"),
			SystemPrompt: getEnv("AI_SYSTEM_PROMPT", ""),
			Timeout:      getEnvDuration("AI_TIMEOUT_MS", 30*time.Second),
		},
		Queue: QueueConfig{
			SoftCap:           getEnvInt("QUEUE_SOFT_CAP", 500),
			RecentHashes:      getEnvInt("QUEUE_RECENT_HASHES", 20),
			LivenessThreshold: getEnvDuration("QUEUE_LIVENESS_MS", 5*time.Minute),
		},
		Pool: PoolConfig{
			Min:           getEnvInt("WORKER_POOL_MIN", 2),
			Max:           getEnvInt("WORKER_POOL_MAX", 8),
			TargetLatency: getEnvDuration("WORKER_TARGET_LATENCY_MS", 10*time.Second),
			ScaleCooldown: getEnvDuration("WORKER_SCALE_COOLDOWN_MS", 30*time.Second),
			DrainTimeout:  getEnvDuration("WORKER_DRAIN_TIMEOUT_MS", 30*time.Second),
		},
		Rate: RateConfig{
			PerUserPerMin: getEnvInt("RATE_PER_USER_PER_MIN", 10),
			PerIPPerMin:   getEnvInt("RATE_PER_IP_PER_MIN", 50),
			GlobalPerMin:  getEnvInt("RATE_GLOBAL_PER_MIN", 1000),
			DedupeTTL:     getEnvDuration("RATE_DEDUPE_TTL_MS", 10*time.Minute),
		},
		Coalesce: CoalesceConfig{
			Window: getEnvDuration("COALESCE_WINDOW_MS", 5*time.Second),
		},
		FollowUp: FollowUpConfig{
			Enabled:   getEnvBool("FOLLOWUP_ENABLED", true),
			StartHour: getEnvInt("FOLLOWUP_START_HOUR", 9),
			EndHour:   getEnvInt("FOLLOWUP_END_HOUR", 21),
			Weekdays:  parseWeekdays(getEnv("FOLLOWUP_WEEKDAYS", "1,2,3,4,5,6")),
			Timezone:  getEnv("FOLLOWUP_TZ", "America/Argentina/Cordoba"),
		},
	}
	cfg.Coalesce.MaxWait = getEnvDuration("COALESCE_MAX_WAIT_MS", 2*cfg.Coalesce.Window)

	if v := getEnv("MIGRATION_MODE_UNTIL", ""); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			cfg.FollowUp.MigrationModeUntil = t
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Global = cfg
	return cfg, nil
}
