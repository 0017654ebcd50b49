package agentcard

import (
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/identity"
)

type fixedSummary struct{ summary map[string]any }

func (f fixedSummary) CardSummary() map[string]any { return f.summary }

func TestGenerateAndVerify(t *testing.T) {
	id, _ := identity.Generate()
	cfg := &config.Config{AgentName: "nova"}

	card, err := Generate(id, cfg, map[string]any{"webhook": "https://n.example.com/beacon/inbox"}, nil, nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if card["beacon_version"] != "1.0.0" {
		t.Errorf("Expected version 1.0.0. Got: %v", card["beacon_version"])
	}
	if card["agent_id"] != id.AgentID {
		t.Errorf("Expected own agent ID. Got: %v", card["agent_id"])
	}
	if card["name"] != "nova" {
		t.Errorf("Expected name on card. Got: %v", card["name"])
	}
	if card["signature"] == "" {
		t.Fatal("Expected signature")
	}

	if !Verify(card) {
		t.Error("Expected card to verify")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	id, _ := identity.Generate()
	card, _ := Generate(id, &config.Config{}, nil, nil, nil)

	card["name"] = "imposter"
	if Verify(card) {
		t.Error("Expected tampered card to fail")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	id, _ := identity.Generate()
	other, _ := identity.Generate()
	card, _ := Generate(id, &config.Config{}, nil, nil, nil)

	// A swapped pubkey no longer derives the agent_id.
	card["public_key_hex"] = other.PublicKeyHex()
	if Verify(card) {
		t.Error("Expected foreign key to fail")
	}

	if Verify(map[string]any{"agent_id": "bcn_x"}) {
		t.Error("Expected unsigned card to fail")
	}
}

func TestCapabilitiesDefaultFromConfig(t *testing.T) {
	id, _ := identity.Generate()
	cfg := &config.Config{}
	cfg.Prefs.AcceptRTC = true
	cfg.Prefs.MinRTC = 0.5
	cfg.Prefs.Topics = []string{"golang"}

	card, _ := Generate(id, cfg, nil, nil, nil)
	caps, ok := card["capabilities"].(map[string]any)
	if !ok {
		t.Fatal("Expected capabilities map")
	}
	kinds, _ := caps["kinds"].([]string)
	if len(kinds) != 7 {
		t.Errorf("Expected default kind list. Got: %v", kinds)
	}
	if caps["min_rtc"] != 0.5 {
		t.Errorf("Expected min_rtc forwarded. Got: %v", caps["min_rtc"])
	}
	topics, _ := caps["topics"].([]string)
	if len(topics) != 1 || topics[0] != "golang" {
		t.Errorf("Expected topics forwarded. Got: %v", topics)
	}
}

func TestExplicitCapabilitiesWin(t *testing.T) {
	id, _ := identity.Generate()
	card, _ := Generate(id, &config.Config{}, nil, map[string]any{"kinds": []string{"bounty"}}, nil)

	caps, _ := card["capabilities"].(map[string]any)
	kinds, _ := caps["kinds"].([]string)
	if len(kinds) != 1 || kinds[0] != "bounty" {
		t.Errorf("Expected explicit capabilities kept. Got: %v", kinds)
	}
}

func TestValuesSummaryIncluded(t *testing.T) {
	id, _ := identity.Generate()
	card, _ := Generate(id, &config.Config{}, nil, nil, fixedSummary{
		summary: map[string]any{"hash": "abc"},
	})

	values, ok := card["values"].(map[string]any)
	if !ok || values["hash"] != "abc" {
		t.Errorf("Expected values summary on card. Got: %v", card["values"])
	}
	if !Verify(card) {
		t.Error("Expected card with values to verify")
	}
}
