package values

import (
	"math"
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return NewManager(store), store
}

func TestSetPrincipleClampsWeight(t *testing.T) {
	m, _ := newManager(t)
	if err := m.SetPrinciple("Openness", 1.7, "be open"); err != nil {
		t.Fatalf("SetPrinciple failed: %v", err)
	}

	p := m.Principles()["openness"]
	if p.Weight != 1.0 {
		t.Errorf("Expected weight clamped to 1.0. Got: %v", p.Weight)
	}

	_ = m.SetPrinciple("caution", -0.5, "")
	if w := m.Principles()["caution"].Weight; w != 0 {
		t.Errorf("Expected weight clamped to 0. Got: %v", w)
	}

	if err := m.SetPrinciple("  ", 0.5, ""); err == nil {
		t.Error("Expected error for empty principle name")
	}
}

func TestCompatibility(t *testing.T) {
	m, _ := newManager(t)

	if c := m.Compatibility(nil); c != 0.5 {
		t.Errorf("Expected neutral 0.5 with no principles. Got: %v", c)
	}

	_ = m.SetPrinciple("honesty", 1.0, "")
	_ = m.SetPrinciple("speed", 0.6, "")

	theirs := map[string]Principle{
		"honesty": {Weight: 0.8},
		"speed":   {Weight: 0.6},
	}
	// (1 - 0.2 + 1 - 0) / 2 = 0.9
	if c := m.Compatibility(theirs); math.Abs(c-0.9) > 1e-9 {
		t.Errorf("Expected compatibility 0.9. Got: %v", c)
	}

	// One-sided principles contribute 0.3 * (1 - weight).
	oneSided := map[string]Principle{"honesty": {Weight: 1.0}}
	// honesty: 1.0, speed one-sided: 0.3*(1-0.6)=0.12 -> (1.12)/2 = 0.56
	if c := m.Compatibility(oneSided); math.Abs(c-0.56) > 1e-9 {
		t.Errorf("Expected compatibility 0.56. Got: %v", c)
	}
}

func TestCheckBoundaries(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.AddBoundary("No surveillance work"); err != nil {
		t.Fatalf("AddBoundary failed: %v", err)
	}

	hit := codec.New("bounty", 0, "", map[string]any{
		"text": "need surveillance scripts for this work package",
	})
	if violated := m.CheckBoundaries(hit); violated != "No surveillance work" {
		t.Errorf("Expected boundary violation. Got: %q", violated)
	}

	miss := codec.New("bounty", 0, "", map[string]any{"text": "need a logo"})
	if violated := m.CheckBoundaries(miss); violated != "" {
		t.Errorf("Expected no violation. Got: %q", violated)
	}

	// All keywords must appear, not just one.
	partial := codec.New("bounty", 0, "", map[string]any{"text": "some work to do"})
	if violated := m.CheckBoundaries(partial); violated != "" {
		t.Errorf("Expected partial keyword match to pass. Got: %q", violated)
	}
}

func TestHashChangesWithValues(t *testing.T) {
	m, _ := newManager(t)
	before := m.Hash()
	if len(before) != 16 {
		t.Errorf("Expected 16-char hash. Got: %d", len(before))
	}

	_ = m.SetPrinciple("honesty", 1.0, "")
	after := m.Hash()
	if before == after {
		t.Error("Expected hash to change when principles change")
	}
}

func TestBoundaryIndexRemoval(t *testing.T) {
	m, _ := newManager(t)
	idx, _ := m.AddBoundary("first")
	if idx != 0 {
		t.Errorf("Expected index 0. Got: %d", idx)
	}
	_, _ = m.AddBoundary("second")

	if !m.RemoveBoundary(0) {
		t.Error("Expected removal to succeed")
	}
	if got := m.Boundaries(); len(got) != 1 || got[0] != "second" {
		t.Errorf("Expected [second]. Got: %v", got)
	}
	if m.RemoveBoundary(5) {
		t.Error("Expected out-of-range removal to fail")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	m, store := newManager(t)
	_ = m.SetPrinciple("honesty", 0.9, "tell the truth")
	_, _ = m.AddBoundary("No spam")
	_ = m.SetAesthetic("style", "minimal")

	restarted := NewManager(store)
	if p := restarted.Principles()["honesty"]; p.Weight != 0.9 {
		t.Errorf("Expected principle to persist. Got: %v", p.Weight)
	}
	if b := restarted.Boundaries(); len(b) != 1 {
		t.Errorf("Expected 1 boundary. Got: %d", len(b))
	}
	if a := restarted.Aesthetics()["style"]; a != "minimal" {
		t.Errorf("Expected aesthetic to persist. Got: %v", a)
	}
}

func TestApplyPreset(t *testing.T) {
	m, _ := newManager(t)
	count, err := m.ApplyPreset("minimal")
	if err != nil {
		t.Fatalf("ApplyPreset failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 items from minimal preset. Got: %d", count)
	}
	if _, ok := m.Principles()["do-no-harm"]; !ok {
		t.Error("Expected do-no-harm principle installed")
	}

	if _, err := m.ApplyPreset("nonexistent"); err == nil {
		t.Error("Expected error for unknown preset")
	}
}

func TestCardSummary(t *testing.T) {
	m, _ := newManager(t)
	_ = m.SetPrinciple("honesty", 1.0, "")
	_, _ = m.AddBoundary("No spam")

	summary := m.CardSummary()
	if summary["boundary_count"] != 1 {
		t.Errorf("Expected boundary_count 1. Got: %v", summary["boundary_count"])
	}
	names := summary["principles"].([]string)
	if len(names) != 1 || names[0] != "honesty" {
		t.Errorf("Expected principle names [honesty]. Got: %v", names)
	}
	if summary["values_hash"] == "" {
		t.Error("Expected non-empty values hash")
	}
}
