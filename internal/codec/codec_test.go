package codec

import (
	"strings"
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/identity"
)

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := Canonical(map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	expected := `{"alpha":"x","mid":["a","b"],"zeta":1}`
	if string(out) != expected {
		t.Errorf("Expected %s Got: %s", expected, string(out))
	}
}

func TestCanonicalNested(t *testing.T) {
	a, _ := Canonical(map[string]any{"outer": map[string]any{"b": 2, "a": 1}})
	b, _ := Canonical(map[string]any{"outer": map[string]any{"a": 1, "b": 2}})
	if string(a) != string(b) {
		t.Errorf("Expected identical canonical forms. Got: %s vs %s", a, b)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	env := New("like", 1700000000, "n-123", map[string]any{
		"to":   "bcn_aabbccddeeff",
		"text": "nice work",
	})
	framed, err := Encode(env, id, true)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasPrefix(framed, "[BEACON v2]") || !strings.HasSuffix(framed, "[/BEACON]") {
		t.Errorf("Expected v2 frame. Got: %s", framed)
	}

	decoded := DecodeEnvelopes(framed)
	if len(decoded) != 1 {
		t.Fatalf("Expected 1 envelope. Got: %d", len(decoded))
	}
	got := decoded[0]
	if got.Kind != "like" {
		t.Errorf("Expected kind like. Got: %s", got.Kind)
	}
	if got.TS != 1700000000 {
		t.Errorf("Expected ts 1700000000. Got: %d", got.TS)
	}
	if got.Nonce != "n-123" {
		t.Errorf("Expected nonce n-123. Got: %s", got.Nonce)
	}
	if got.AgentID != id.AgentID {
		t.Errorf("Expected agent_id %s. Got: %s", id.AgentID, got.AgentID)
	}
	if got.Str("text") != "nice work" {
		t.Errorf("Expected payload text to survive. Got: %s", got.Str("text"))
	}

	if verified := VerifyEnvelope(got, nil); verified == nil || !*verified {
		t.Error("Expected signed envelope to verify via embedded pubkey")
	}
}

func TestVerifyEnvelopeKnownKeys(t *testing.T) {
	id, _ := identity.Generate()
	env := New("hello", 1700000000, "n-1", map[string]any{"text": "hi"})
	if err := env.Sign(id, false); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if v := VerifyEnvelope(env, nil); v == nil || *v {
		t.Error("Expected verification to fail without a resolvable key")
	}
	known := map[string]string{id.AgentID: id.PublicKeyHex()}
	if v := VerifyEnvelope(env, known); v == nil || !*v {
		t.Error("Expected verification via known keys")
	}
}

func TestVerifyEnvelopeRejectsForgedPubkey(t *testing.T) {
	honest, _ := identity.Generate()
	forger, _ := identity.Generate()

	env := New("hello", 1700000000, "n-2", nil)
	if err := env.Sign(honest, true); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	// Swap in a pubkey that does not derive the claimed agent_id.
	env.Pubkey = forger.PublicKeyHex()
	if v := VerifyEnvelope(env, nil); v == nil || *v {
		t.Error("Expected mismatched pubkey to fail verification")
	}
}

func TestVerifyEnvelopeUnsigned(t *testing.T) {
	env := New("pulse", 1700000000, "n-3", nil)
	if v := VerifyEnvelope(env, nil); v != nil {
		t.Errorf("Expected nil for unsigned envelope. Got: %v", *v)
	}
}

func TestVerifyEnvelopeTamperedPayload(t *testing.T) {
	id, _ := identity.Generate()
	env := New("want", 1700000000, "n-4", map[string]any{"text": "original"})
	if err := env.Sign(id, true); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	env.Fields["text"] = "edited"
	if v := VerifyEnvelope(env, nil); v == nil || *v {
		t.Error("Expected tampered payload to fail verification")
	}
}

func TestDecodeEnvelopesEmbeddedText(t *testing.T) {
	text := "some chatter before\n[BEACON v1]\n{\"kind\":\"hello\",\"ts\":1,\"nonce\":\"a\"}\n[/BEACON]\ntrailing\n[BEACON v1]\n{\"kind\":\"like\",\"ts\":2,\"nonce\":\"b\"}\n[/BEACON]"
	out := DecodeEnvelopes(text)
	if len(out) != 2 {
		t.Fatalf("Expected 2 envelopes. Got: %d", len(out))
	}
	if out[0].Kind != "hello" || out[1].Kind != "like" {
		t.Errorf("Expected hello,like. Got: %s,%s", out[0].Kind, out[1].Kind)
	}
	if out[0].Version != 1 {
		t.Errorf("Expected v1 envelope. Got: %d", out[0].Version)
	}
}

func TestDecodeEnvelopesSkipsGarbage(t *testing.T) {
	text := "[BEACON v1]\nnot json at all\n[/BEACON]\n[BEACON v1]\n{\"kind\":\"ad\",\"ts\":5}\n[/BEACON]"
	out := DecodeEnvelopes(text)
	if len(out) != 1 {
		t.Fatalf("Expected 1 envelope. Got: %d", len(out))
	}
	if out[0].Kind != "ad" {
		t.Errorf("Expected kind ad. Got: %s", out[0].Kind)
	}
}

func TestParseBodyVariants(t *testing.T) {
	single := []byte(`{"kind":"want","ts":10,"nonce":"w1","text":"need a logo"}`)
	if out := ParseBody(single); len(out) != 1 || out[0].Kind != "want" {
		t.Errorf("Expected single envelope object to parse. Got: %d", len(out))
	}

	list := []byte(`[{"kind":"want","ts":10},{"kind":"ad","ts":11}]`)
	if out := ParseBody(list); len(out) != 2 {
		t.Errorf("Expected 2 envelopes from array. Got: %d", len(out))
	}

	wrapper := []byte(`{"text":"[BEACON v1]\n{\"kind\":\"hello\",\"ts\":1}\n[/BEACON]"}`)
	if out := ParseBody(wrapper); len(out) != 1 || out[0].Kind != "hello" {
		t.Errorf("Expected framed text wrapper to parse. Got: %d", len(out))
	}

	if out := ParseBody([]byte("   ")); out != nil {
		t.Errorf("Expected nil for blank body. Got: %d", len(out))
	}
}

func TestFromMapVersionInference(t *testing.T) {
	signed := FromMap(map[string]any{"kind": "hello", "sig": "deadbeef"})
	if signed.Version != 2 {
		t.Errorf("Expected version 2 for signed map. Got: %d", signed.Version)
	}
	unsigned := FromMap(map[string]any{"kind": "hello"})
	if unsigned.Version != 1 {
		t.Errorf("Expected version 1 for unsigned map. Got: %d", unsigned.Version)
	}
}
