package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the runtime configuration for a beacon node. Values come
// from environment variables with sensible defaults; the data directory
// is always explicit, never a global.
type Config struct {
	DataDir   string
	AgentName string

	Presence  PresenceConfig
	Prefs     Preferences
	Heartbeat HeartbeatConfig
	UDP       UDPConfig
	Webhook   WebhookConfig
	Ledger    LedgerConfig

	// StartTS anchors uptime reporting.
	StartTS int64
}

type PresenceConfig struct {
	Status         string
	Offers         []string
	Needs          []string
	CardURL        string
	PulseIntervalS int
	PulseTTLS      int
}

type Preferences struct {
	AcceptedKinds []string
	Topics        []string
	AcceptRTC     bool
	MinRTC        float64
}

type HeartbeatConfig struct {
	SilenceThresholdS int
	DeadThresholdS    int
}

type UDPConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Broadcast bool
}

type WebhookConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type LedgerConfig struct {
	URL           string
	SkipTLSVerify bool
}

// Load reads configuration from the environment.
func Load() *Config {
	dataDir := getEnvOrDefault("BEACON_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("[Config] Cannot determine home directory: %v", err)
		}
		dataDir = filepath.Join(home, ".beacon")
	}

	return &Config{
		DataDir:   dataDir,
		AgentName: getEnvOrDefault("BEACON_AGENT_NAME", ""),
		Presence: PresenceConfig{
			Status:         getEnvOrDefault("BEACON_STATUS", "online"),
			Offers:         splitList(getEnvOrDefault("BEACON_OFFERS", "")),
			Needs:          splitList(getEnvOrDefault("BEACON_NEEDS", "")),
			CardURL:        getEnvOrDefault("BEACON_CARD_URL", ""),
			PulseIntervalS: getEnvInt("BEACON_PULSE_INTERVAL_S", 60),
			PulseTTLS:      getEnvInt("BEACON_PULSE_TTL_S", 300),
		},
		Prefs: Preferences{
			AcceptedKinds: splitList(getEnvOrDefault("BEACON_ACCEPTED_KINDS", "")),
			Topics:        splitList(getEnvOrDefault("BEACON_TOPICS", "")),
			AcceptRTC:     getEnvBool("BEACON_ACCEPT_RTC", true),
			MinRTC:        getEnvFloat("BEACON_MIN_RTC", 0),
		},
		Heartbeat: HeartbeatConfig{
			SilenceThresholdS: getEnvInt("BEACON_HEARTBEAT_SILENCE_S", 900),
			DeadThresholdS:    getEnvInt("BEACON_HEARTBEAT_DEAD_S", 3600),
		},
		UDP: UDPConfig{
			Enabled:   getEnvBool("BEACON_UDP_ENABLED", true),
			Host:      getEnvOrDefault("BEACON_UDP_HOST", "0.0.0.0"),
			Port:      getEnvInt("BEACON_UDP_PORT", 38400),
			Broadcast: getEnvBool("BEACON_UDP_BROADCAST", false),
		},
		Webhook: WebhookConfig{
			Enabled: getEnvBool("BEACON_WEBHOOK_ENABLED", true),
			Host:    getEnvOrDefault("BEACON_WEBHOOK_HOST", "0.0.0.0"),
			Port:    getEnvInt("BEACON_WEBHOOK_PORT", 8787),
		},
		Ledger: LedgerConfig{
			URL:           getEnvOrDefault("BEACON_LEDGER_URL", ""),
			SkipTLSVerify: getEnvBool("BEACON_LEDGER_SKIP_TLS_VERIFY", false),
		},
		StartTS: time.Now().Unix(),
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[Config] Invalid integer for %s: %q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("[Config] Invalid number for %s: %q, using %g", key, v, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
