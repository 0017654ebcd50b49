package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg := Load()
	if cfg.Presence.Status != "online" {
		t.Errorf("Expected online status. Got: %s", cfg.Presence.Status)
	}
	if cfg.Presence.PulseIntervalS != 60 || cfg.Presence.PulseTTLS != 300 {
		t.Errorf("Expected pulse defaults. Got: %d/%d", cfg.Presence.PulseIntervalS, cfg.Presence.PulseTTLS)
	}
	if !cfg.Prefs.AcceptRTC || cfg.Prefs.MinRTC != 0 {
		t.Errorf("Expected RTC accepted by default. Got: %v/%g", cfg.Prefs.AcceptRTC, cfg.Prefs.MinRTC)
	}
	if !cfg.UDP.Enabled || cfg.UDP.Port != 38400 {
		t.Errorf("Expected UDP defaults. Got: %v/%d", cfg.UDP.Enabled, cfg.UDP.Port)
	}
	if !cfg.Webhook.Enabled || cfg.Webhook.Port != 8787 {
		t.Errorf("Expected webhook defaults. Got: %v/%d", cfg.Webhook.Enabled, cfg.Webhook.Port)
	}
	if cfg.Heartbeat.SilenceThresholdS != 900 || cfg.Heartbeat.DeadThresholdS != 3600 {
		t.Errorf("Expected heartbeat defaults. Got: %d/%d", cfg.Heartbeat.SilenceThresholdS, cfg.Heartbeat.DeadThresholdS)
	}
	if cfg.StartTS == 0 {
		t.Error("Expected start timestamp")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())
	t.Setenv("BEACON_AGENT_NAME", "nova")
	t.Setenv("BEACON_OFFERS", "golang, code-review , ")
	t.Setenv("BEACON_MIN_RTC", "0.5")
	t.Setenv("BEACON_UDP_ENABLED", "off")
	t.Setenv("BEACON_UDP_PORT", "39000")
	t.Setenv("BEACON_LEDGER_URL", "https://ledger.example")

	cfg := Load()
	if cfg.AgentName != "nova" {
		t.Errorf("Expected agent name. Got: %s", cfg.AgentName)
	}
	if len(cfg.Presence.Offers) != 2 || cfg.Presence.Offers[1] != "code-review" {
		t.Errorf("Expected trimmed offer list. Got: %v", cfg.Presence.Offers)
	}
	if cfg.Prefs.MinRTC != 0.5 {
		t.Errorf("Expected min RTC 0.5. Got: %g", cfg.Prefs.MinRTC)
	}
	if cfg.UDP.Enabled {
		t.Error("Expected UDP disabled via off")
	}
	if cfg.UDP.Port != 39000 {
		t.Errorf("Expected UDP port override. Got: %d", cfg.UDP.Port)
	}
	if cfg.Ledger.URL != "https://ledger.example" {
		t.Errorf("Expected ledger URL. Got: %s", cfg.Ledger.URL)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())
	t.Setenv("BEACON_UDP_PORT", "not-a-port")
	t.Setenv("BEACON_MIN_RTC", "lots")
	t.Setenv("BEACON_ACCEPT_RTC", "maybe")

	cfg := Load()
	if cfg.UDP.Port != 38400 {
		t.Errorf("Expected port fallback. Got: %d", cfg.UDP.Port)
	}
	if cfg.Prefs.MinRTC != 0 {
		t.Errorf("Expected min RTC fallback. Got: %g", cfg.Prefs.MinRTC)
	}
	if !cfg.Prefs.AcceptRTC {
		t.Error("Expected accept RTC fallback true")
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Errorf("Expected nil for empty list. Got: %v", got)
	}
	got := splitList("a,, b ,c")
	if len(got) != 3 || got[1] != "b" {
		t.Errorf("Expected [a b c]. Got: %v", got)
	}
}
