package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `json:"burst"`
	RefillInterval time.Duration `json:"refill_interval"`
}

// RedisConfig points at the optional presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `json:"port"`
	AllowedOrigins []string        `json:"allowed_origins"`
	MaxMessageSize int64           `json:"max_message_size"`
	RateLimit      RateLimitConfig `json:"rate_limit"`

	DBPath      string        `json:"db_path"`
	RingTimeout time.Duration `json:"ring_timeout"`
	Redis       RedisConfig   `json:"redis"`
	PresenceTTL time.Duration `json:"presence_ttl"`
	NatsURL     string        `json:"nats_url"`
	NodeID      string        `json:"node_id"`
	LogLevel    string        `json:"log_level"`
	ConfigFile  string        `json:"-"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 64 * 1024 // SDP offers run to several KB
	defaultBurst          = 30
	defaultDBPath         = "messenger.db"
	defaultPresenceTTL    = 2 * time.Minute
	defaultNodeID         = "relay-1"
)

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		DBPath:      defaultDBPath,
		PresenceTTL: defaultPresenceTTL,
		NodeID:      defaultNodeID,
		LogLevel:    "info",
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}

	if cfg.RingTimeout < 0 {
		cfg.RingTimeout = 0
	}

	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}

	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	return currentConfig()
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}

	// Zero is meaningful here: it turns the ring timeout off.
	if ring := os.Getenv("RING_TIMEOUT"); ring != "" {
		if seconds, err := strconv.Atoi(ring); err == nil && seconds >= 0 {
			cfg.RingTimeout = time.Duration(seconds) * time.Second
		}
	}

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.Redis.DB = n
		}
	}

	if ttl := os.Getenv("PRESENCE_TTL"); ttl != "" {
		cfg.PresenceTTL = parseSeconds(ttl, cfg.PresenceTTL)
	}

	cfg.NatsURL = os.Getenv("NATS_URL")

	if node := os.Getenv("NODE_ID"); node != "" {
		cfg.NodeID = node
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	cfg.ConfigFile = os.Getenv("CONFIG_FILE")

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
