package rules

import (
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

func newEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return NewEngine(store), store
}

func event(kind, agentID string, fields map[string]any) Event {
	env := codec.New(kind, 1700000000, "n-"+agentID, fields)
	env.AgentID = agentID
	return Event{Envelope: env, Platform: "udp"}
}

func TestMatchByKind(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "greet",
		When: map[string]any{"kind": "hello"},
		Then: map[string]any{"action": "log", "message": "greeted"},
	})

	if got := e.Evaluate(event("hello", "bcn_a", nil)); len(got) != 1 {
		t.Fatalf("Expected 1 match. Got: %d", len(got))
	}
	if got := e.Evaluate(event("ad", "bcn_a", nil)); len(got) != 0 {
		t.Errorf("Expected no match for wrong kind. Got: %d", len(got))
	}
}

func TestMatchKindList(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "multi",
		When: map[string]any{"kind": []any{"like", "want"}},
		Then: map[string]any{"action": "log"},
	})

	if got := e.Evaluate(event("want", "bcn_a", nil)); len(got) != 1 {
		t.Errorf("Expected want to match kind list. Got: %d", len(got))
	}
	if got := e.Evaluate(event("hello", "bcn_a", nil)); len(got) != 0 {
		t.Errorf("Expected hello not to match. Got: %d", len(got))
	}
}

func TestRTCPredicates(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "big-bounty",
		When: map[string]any{"kind": "bounty", "min_rtc": 5.0},
		Then: map[string]any{"action": "log"},
	})

	rich := event("bounty", "bcn_a", map[string]any{"reward_rtc": 10.0})
	if got := e.Evaluate(rich); len(got) != 1 {
		t.Errorf("Expected match above min_rtc. Got: %d", len(got))
	}
	poor := event("bounty", "bcn_b", map[string]any{"reward_rtc": 1.0})
	if got := e.Evaluate(poor); len(got) != 0 {
		t.Errorf("Expected no match below min_rtc. Got: %d", len(got))
	}
}

type fixedTrust struct{ score float64 }

func (f fixedTrust) TrustScore(string) float64 { return f.score }

func TestTrustPredicate(t *testing.T) {
	e, _ := newEngine(t)
	e.WithCollaborators(fixedTrust{score: -0.5}, nil, nil)
	_ = e.AddRule(Rule{
		Name: "trusted-only",
		When: map[string]any{"kind": "want", "min_trust": 0.2},
		Then: map[string]any{"action": "reply", "text": "hi"},
	})

	if got := e.Evaluate(event("want", "bcn_shady", nil)); len(got) != 0 {
		t.Errorf("Expected low-trust agent filtered. Got: %d", len(got))
	}

	e.trust = fixedTrust{score: 0.8}
	if got := e.Evaluate(event("want", "bcn_solid", nil)); len(got) != 1 {
		t.Errorf("Expected high-trust agent to match. Got: %d", len(got))
	}
}

type fixedBoundary struct{ violated string }

func (f fixedBoundary) CheckBoundaries(*codec.Envelope) string   { return f.violated }
func (f fixedBoundary) CompatibilityWith(map[string]any) float64 { return 0.5 }

func TestBoundaryOverridesRules(t *testing.T) {
	e, _ := newEngine(t)
	e.WithCollaborators(nil, fixedBoundary{violated: "No spam"}, nil)
	_ = e.AddRule(Rule{
		Name: "greet",
		When: map[string]any{"kind": "hello"},
		Then: map[string]any{"action": "reply", "text": "hi"},
	})

	matches := e.Evaluate(event("hello", "bcn_a", nil))
	if len(matches) != 1 {
		t.Fatalf("Expected 1 synthetic match. Got: %d", len(matches))
	}
	if matches[0].Rule != "_boundary_enforcement" {
		t.Errorf("Expected boundary enforcement. Got: %s", matches[0].Rule)
	}
	if matches[0].BoundaryViolated != "No spam" {
		t.Errorf("Expected violated boundary recorded. Got: %s", matches[0].BoundaryViolated)
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "greet",
		When: map[string]any{"kind": "hello"},
		Then: map[string]any{"action": "log", "message": "hi"},
	})

	ev := event("hello", "bcn_a", nil)
	if got := e.Process(ev); len(got) != 1 {
		t.Fatalf("Expected first fire. Got: %d", len(got))
	}
	if got := e.Process(ev); len(got) != 0 {
		t.Errorf("Expected cooldown to suppress repeat fire. Got: %d", len(got))
	}

	// A different agent is outside the cooldown key.
	other := event("hello", "bcn_b", nil)
	if got := e.Process(other); len(got) != 1 {
		t.Errorf("Expected fire for different agent. Got: %d", len(got))
	}
}

func TestExecuteReplySubstitution(t *testing.T) {
	e, _ := newEngine(t)
	m := Match{
		Rule:   "ack",
		Action: map[string]any{"action": "reply", "kind": "hello", "text": "hello $name, got your $kind"},
	}
	ev := event("want", "bcn_a", map[string]any{"name": "alice"})

	r := e.Execute(m, ev)
	if r.Action != "reply" {
		t.Fatalf("Expected reply result. Got: %s", r.Action)
	}
	if r.Data["text"] != "hello alice, got your want" {
		t.Errorf("Expected substituted text. Got: %v", r.Data["text"])
	}
	if r.Data["to"] != "bcn_a" {
		t.Errorf("Expected reply addressed to sender. Got: %v", r.Data["to"])
	}
}

func TestExecuteBlockAndRate(t *testing.T) {
	e, _ := newEngine(t)
	ev := event("ad", "bcn_spam", nil)

	block := e.Execute(Match{Rule: "b", Action: map[string]any{"action": "block"}}, ev)
	if block.Action != "block" || block.AgentID != "bcn_spam" {
		t.Errorf("Expected block of bcn_spam. Got: %s %s", block.Action, block.AgentID)
	}
	if block.Reason != "auto-blocked by rule" {
		t.Errorf("Expected default reason. Got: %s", block.Reason)
	}

	rate := e.Execute(Match{Rule: "r", Action: map[string]any{"action": "rate", "outcome": "spam"}}, ev)
	if rate.Action != "rate" || rate.Outcome != "spam" {
		t.Errorf("Expected rate with spam outcome. Got: %s %s", rate.Action, rate.Outcome)
	}
}

func TestExecuteMarkRead(t *testing.T) {
	e, _ := newEngine(t)
	ev := event("ad", "bcn_noise", nil)
	r := e.Execute(Match{Rule: "m", Action: map[string]any{"action": "mark_read"}}, ev)
	if r.Nonce != "n-bcn_noise" {
		t.Errorf("Expected envelope nonce in result. Got: %s", r.Nonce)
	}
}

func TestVerifiedPredicate(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "verified-only",
		When: map[string]any{"kind": "want", "verified": true},
		Then: map[string]any{"action": "log"},
	})

	ev := event("want", "bcn_a", nil)
	if got := e.Evaluate(ev); len(got) != 0 {
		t.Errorf("Expected unverified event filtered. Got: %d", len(got))
	}
	yes := true
	ev.Verified = &yes
	if got := e.Evaluate(ev); len(got) != 1 {
		t.Errorf("Expected verified event to match. Got: %d", len(got))
	}
}

func TestTopicMatch(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "infra-watch",
		When: map[string]any{"kind": "bounty", "topic_match": []any{"kubernetes", "terraform"}},
		Then: map[string]any{"action": "log"},
	})

	hit := event("bounty", "bcn_a", map[string]any{"text": "need Terraform modules"})
	if got := e.Evaluate(hit); len(got) != 1 {
		t.Errorf("Expected topic match. Got: %d", len(got))
	}
	miss := event("bounty", "bcn_b", map[string]any{"text": "need a logo"})
	if got := e.Evaluate(miss); len(got) != 0 {
		t.Errorf("Expected no topic match. Got: %d", len(got))
	}
}

func TestDisableEnableRule(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "greet",
		When: map[string]any{"kind": "hello"},
		Then: map[string]any{"action": "log"},
	})

	if !e.DisableRule("greet") {
		t.Error("Expected disable to succeed")
	}
	if got := e.Evaluate(event("hello", "bcn_a", nil)); len(got) != 0 {
		t.Errorf("Expected disabled rule not to fire. Got: %d", len(got))
	}
	if !e.EnableRule("greet") {
		t.Error("Expected enable to succeed")
	}
	if got := e.Evaluate(event("hello", "bcn_a", nil)); len(got) != 1 {
		t.Errorf("Expected re-enabled rule to fire. Got: %d", len(got))
	}
}

func TestRulesPersistAcrossRestart(t *testing.T) {
	e, store := newEngine(t)
	_ = e.AddRule(Rule{
		Name: "greet",
		When: map[string]any{"kind": "hello"},
		Then: map[string]any{"action": "log"},
	})

	restarted := NewEngine(store)
	rules := restarted.Rules()
	if len(rules) != 1 || rules[0].Name != "greet" {
		t.Errorf("Expected rule set to persist. Got: %d", len(rules))
	}
}

func TestRemoveRule(t *testing.T) {
	e, _ := newEngine(t)
	_ = e.AddRule(Rule{Name: "a", When: map[string]any{"kind": "hello"}, Then: map[string]any{"action": "log"}})
	_ = e.AddRule(Rule{Name: "b", When: map[string]any{"kind": "like"}, Then: map[string]any{"action": "log"}})

	if !e.RemoveRule("a") {
		t.Error("Expected removal to succeed")
	}
	if e.RemoveRule("a") {
		t.Error("Expected second removal to fail")
	}
	if got := e.Rules(); len(got) != 1 || got[0].Name != "b" {
		t.Errorf("Expected only rule b left. Got: %d", len(got))
	}
}
