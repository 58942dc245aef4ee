// Package config loads all runtime configuration from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable for both the client engine and relayd.
type Config struct {
	// Identity
	SelfID string // stable unique user id; signaling records are scoped to it

	// Relay store
	RedisAddr     string
	RedisPassword string
	SignalTTL     time.Duration // retention of signaling records per call

	// Relay gateway (client side)
	RelayURL  string // base URL of relayd, e.g. https://relay.chatr.app
	AuthToken string // bearer token presented to relayd

	// relayd (server side)
	ListenAddr     string
	JWTSecret      string
	DatabasePath   string
	AllowedOrigins []string

	// ICE
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
	TURNSecret   string        // shared secret for minting short-term TURN credentials
	ICECacheTTL  time.Duration // how long fetched ICE descriptors may be reused

	// Call timing. Ringing and reconnection windows are deliberately
	// configuration, not constants.
	RingTimeout     time.Duration
	ReconnectWindow time.Duration
	SampleInterval  time.Duration
	AutoAdjust      bool
}

const (
	DefaultSignalTTL       = 10 * time.Minute
	DefaultRingTimeout     = 45 * time.Second
	DefaultReconnectWindow = 20 * time.Second
	DefaultSampleInterval  = 2 * time.Second
	DefaultICECacheTTL     = time.Minute
)

// Load reads configuration from the environment, applying defaults for
// anything unset. It never fails: bad values fall back to defaults.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		RedisAddr:       "127.0.0.1:6379",
		SignalTTL:       DefaultSignalTTL,
		ListenAddr:      ":8090",
		DatabasePath:    "data/callkit.db",
		ICECacheTTL:     DefaultICECacheTTL,
		RingTimeout:     DefaultRingTimeout,
		ReconnectWindow: DefaultReconnectWindow,
		SampleInterval:  DefaultSampleInterval,
		AutoAdjust:      true,
	}

	if v := os.Getenv("CALLKIT_SELF_ID"); v != "" {
		cfg.SelfID = v
	}
	if v := os.Getenv("CALLKIT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CALLKIT_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := parseDurationEnv("CALLKIT_SIGNAL_TTL"); v > 0 {
		cfg.SignalTTL = v
	}
	if v := os.Getenv("CALLKIT_RELAY_URL"); v != "" {
		cfg.RelayURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("CALLKIT_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("CALLKIT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CALLKIT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CALLKIT_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if vs := parseCSVEnv("CALLKIT_ALLOWED_ORIGINS"); len(vs) > 0 {
		cfg.AllowedOrigins = vs
	}
	if vs := parseCSVEnv("CALLKIT_STUN_URLS"); len(vs) > 0 {
		cfg.STUNURLs = vs
	}
	if vs := parseCSVEnv("CALLKIT_TURN_URLS"); len(vs) > 0 {
		cfg.TURNURLs = vs
	}
	if v := os.Getenv("CALLKIT_TURN_USERNAME"); v != "" {
		cfg.TURNUsername = v
	}
	if v := os.Getenv("CALLKIT_TURN_PASSWORD"); v != "" {
		cfg.TURNPassword = v
	}
	if v := os.Getenv("CALLKIT_TURN_SECRET"); v != "" {
		cfg.TURNSecret = v
	}
	if v := parseDurationEnv("CALLKIT_ICE_CACHE_TTL"); v > 0 {
		cfg.ICECacheTTL = v
	}
	if v := parseDurationEnv("CALLKIT_RING_TIMEOUT"); v > 0 {
		cfg.RingTimeout = v
	}
	if v := parseDurationEnv("CALLKIT_RECONNECT_WINDOW"); v > 0 {
		cfg.ReconnectWindow = v
	}
	if v := parseDurationEnv("CALLKIT_SAMPLE_INTERVAL"); v > 0 {
		cfg.SampleInterval = v
	}
	if v := os.Getenv("CALLKIT_AUTO_ADJUST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoAdjust = b
		}
	}

	return cfg
}

func parseDurationEnv(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return value
}

func parseCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return values
}
