// Package agentcard builds and verifies the signed
// .well-known/beacon.json discovery document.
package agentcard

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/identity"
)

const beaconVersion = "1.0.0"

// ValuesSummary contributes a public values digest to the card.
type ValuesSummary interface {
	CardSummary() map[string]any
}

// Generate builds a self-signed agent card. Anyone holding the card can
// verify it against the embedded public key. Capabilities default to
// the configured preferences when none are supplied.
func Generate(id *identity.Identity, cfg *config.Config, transports, capabilities map[string]any, values ValuesSummary) (map[string]any, error) {
	card := map[string]any{
		"beacon_version": beaconVersion,
		"agent_id":       id.AgentID,
		"public_key_hex": id.PublicKeyHex(),
	}
	if cfg.AgentName != "" {
		card["name"] = cfg.AgentName
	}
	if len(transports) > 0 {
		card["transports"] = transports
	}

	if len(capabilities) == 0 {
		capabilities = capabilitiesFromConfig(cfg)
	}
	card["capabilities"] = capabilities

	if values != nil {
		if summary := values.CardSummary(); len(summary) > 0 {
			card["values"] = summary
		}
	}

	msg, err := codec.Canonical(card)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize card")
	}
	card["signature"] = id.SignHex(msg)
	return card, nil
}

func capabilitiesFromConfig(cfg *config.Config) map[string]any {
	kinds := cfg.Prefs.AcceptedKinds
	if len(kinds) == 0 {
		kinds = []string{"like", "want", "bounty", "ad", "hello", "link", "event"}
	}
	caps := map[string]any{"kinds": kinds}
	if cfg.Prefs.AcceptRTC {
		caps["payments"] = []string{"rustchain_rtc"}
		if cfg.Prefs.MinRTC > 0 {
			caps["min_rtc"] = cfg.Prefs.MinRTC
		}
	}
	if len(cfg.Prefs.Topics) > 0 {
		caps["topics"] = cfg.Prefs.Topics
	}
	return caps
}

// Verify checks a card's signature and that its agent_id derives from
// the embedded public key.
func Verify(card map[string]any) bool {
	sigHex, _ := card["signature"].(string)
	pubHex, _ := card["public_key_hex"].(string)
	agentID, _ := card["agent_id"].(string)
	if sigHex == "" || pubHex == "" {
		return false
	}

	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false
	}
	if identity.AgentIDFromPubKey(pub) != agentID {
		return false
	}

	unsigned := make(map[string]any, len(card))
	for k, v := range card {
		if k != "signature" {
			unsigned[k] = v
		}
	}
	msg, err := codec.Canonical(unsigned)
	if err != nil {
		return false
	}
	return identity.Verify(pubHex, sigHex, msg)
}

// ToJSON renders a card as indented JSON with stable key order.
func ToJSON(card map[string]any) ([]byte, error) {
	return json.MarshalIndent(card, "", "  ")
}
