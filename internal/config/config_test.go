package config_test

import (
	"testing"
	"time"

	"github.com/chatr4661-cell/callkit/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"CALLKIT_RING_TIMEOUT", "CALLKIT_RECONNECT_WINDOW", "CALLKIT_SAMPLE_INTERVAL",
		"CALLKIT_REDIS_ADDR", "CALLKIT_RELAY_URL", "CALLKIT_AUTO_ADJUST",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	if cfg.RingTimeout != config.DefaultRingTimeout {
		t.Errorf("RingTimeout = %s, want %s", cfg.RingTimeout, config.DefaultRingTimeout)
	}
	if cfg.ReconnectWindow != config.DefaultReconnectWindow {
		t.Errorf("ReconnectWindow = %s, want %s", cfg.ReconnectWindow, config.DefaultReconnectWindow)
	}
	if cfg.SampleInterval != config.DefaultSampleInterval {
		t.Errorf("SampleInterval = %s, want %s", cfg.SampleInterval, config.DefaultSampleInterval)
	}
	if !cfg.AutoAdjust {
		t.Error("AutoAdjust should default to true")
	}
	if cfg.RedisAddr == "" {
		t.Error("RedisAddr default missing")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALLKIT_SELF_ID", "alice")
	t.Setenv("CALLKIT_RING_TIMEOUT", "30s")
	t.Setenv("CALLKIT_RELAY_URL", "https://relay.example.com/")
	t.Setenv("CALLKIT_STUN_URLS", "stun:a.example.com:3478, stun:b.example.com:3478")
	t.Setenv("CALLKIT_AUTO_ADJUST", "false")

	cfg := config.Load()
	if cfg.SelfID != "alice" {
		t.Errorf("SelfID = %q, want alice", cfg.SelfID)
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Errorf("RingTimeout = %s, want 30s", cfg.RingTimeout)
	}
	if cfg.RelayURL != "https://relay.example.com" {
		t.Errorf("RelayURL = %q, want trailing slash trimmed", cfg.RelayURL)
	}
	if len(cfg.STUNURLs) != 2 || cfg.STUNURLs[1] != "stun:b.example.com:3478" {
		t.Errorf("STUNURLs = %v, want two trimmed entries", cfg.STUNURLs)
	}
	if cfg.AutoAdjust {
		t.Error("AutoAdjust = true, want false")
	}
}

func TestLoadIgnoresMalformedDurations(t *testing.T) {
	t.Setenv("CALLKIT_RING_TIMEOUT", "not-a-duration")
	cfg := config.Load()
	if cfg.RingTimeout != config.DefaultRingTimeout {
		t.Errorf("RingTimeout = %s, want default on parse failure", cfg.RingTimeout)
	}
}
