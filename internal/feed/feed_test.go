package feed

import (
	"testing"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return NewManager(store), store
}

func entryFor(kind, agentID string, fields map[string]any) inbox.Entry {
	env := codec.New(kind, time.Now().Unix(), "n-"+kind, fields)
	env.AgentID = agentID
	return inbox.Entry{Platform: "udp", Envelope: env, ReceivedAt: env.TS}
}

func TestKindWeights(t *testing.T) {
	m, _ := newManager(t)
	bounty := m.ScoreEntry(entryFor("bounty", "bcn_a", nil))
	pulse := m.ScoreEntry(entryFor("pulse", "bcn_a", nil))
	if bounty <= pulse {
		t.Errorf("Expected bounty to outscore pulse. Got: %v vs %v", bounty, pulse)
	}
}

func TestSubscribedAgentBonus(t *testing.T) {
	m, _ := newManager(t)
	base := m.ScoreEntry(entryFor("hello", "bcn_stranger", nil))

	m.SubscribeAgent("bcn_friend", "friend", 5)
	followed := m.ScoreEntry(entryFor("hello", "bcn_friend", nil))
	if followed-base < 49 {
		t.Errorf("Expected ~50 point subscription bonus. Got: %v", followed-base)
	}

	// Priority scales the bonus.
	m.SubscribeAgent("bcn_vip", "vip", 10)
	vip := m.ScoreEntry(entryFor("hello", "bcn_vip", nil))
	if vip <= followed {
		t.Errorf("Expected higher priority to outscore. Got: %v vs %v", vip, followed)
	}
}

func TestTopicBonus(t *testing.T) {
	m, _ := newManager(t)
	m.SubscribeTopic("kubernetes")

	hit := m.ScoreEntry(entryFor("want", "bcn_a", map[string]any{"text": "Kubernetes help wanted"}))
	miss := m.ScoreEntry(entryFor("want", "bcn_a", map[string]any{"text": "logo design"}))
	if hit-miss < 19 {
		t.Errorf("Expected ~20 point topic bonus. Got: %v", hit-miss)
	}
}

func TestVerifiedBonus(t *testing.T) {
	m, _ := newManager(t)
	e := entryFor("hello", "bcn_a", nil)
	base := m.ScoreEntry(e)

	yes := true
	e.Verified = &yes
	if diff := m.ScoreEntry(e) - base; diff < 9 || diff > 11 {
		t.Errorf("Expected 10 point verified bonus. Got: %v", diff)
	}
}

func TestTrustAdjustment(t *testing.T) {
	m, store := newManager(t)
	tr := trust.NewManager(store)
	m.WithCollaborators(tr, nil)

	for i := 0; i < 3; i++ {
		_ = tr.Record("bcn_good", "in", "pay", "paid", 1.0)
		_ = tr.Record("bcn_bad", "in", "ad", "spam", 0)
	}

	good := m.ScoreEntry(entryFor("hello", "bcn_good", nil))
	bad := m.ScoreEntry(entryFor("hello", "bcn_bad", nil))
	neutral := m.ScoreEntry(entryFor("hello", "bcn_new", nil))

	if good <= neutral {
		t.Errorf("Expected trusted agent boost. Got: %v vs %v", good, neutral)
	}
	if bad >= neutral {
		t.Errorf("Expected distrusted agent penalty. Got: %v vs %v", bad, neutral)
	}
}

func TestRecencyDecay(t *testing.T) {
	m, _ := newManager(t)
	fresh := entryFor("hello", "bcn_a", nil)

	old := fresh
	oldEnv := codec.New("hello", time.Now().Unix()-10*3600, "n-old", nil)
	oldEnv.AgentID = "bcn_a"
	old.Envelope = oldEnv

	if m.ScoreEntry(old) >= m.ScoreEntry(fresh) {
		t.Error("Expected older entry to score lower")
	}
}

func TestFeedOrderingAndMinScore(t *testing.T) {
	m, _ := newManager(t)
	entries := []inbox.Entry{
		entryFor("pulse", "bcn_a", nil),
		entryFor("bounty", "bcn_b", nil),
		entryFor("want", "bcn_c", nil),
	}

	feed := m.Feed(entries, 0, 10)
	if len(feed) != 3 {
		t.Fatalf("Expected 3 scored entries. Got: %d", len(feed))
	}
	if feed[0].Envelope.Kind != "bounty" {
		t.Errorf("Expected bounty first. Got: %s", feed[0].Envelope.Kind)
	}

	filtered := m.Feed(entries, 5, 10)
	for _, e := range filtered {
		if e.Score < 5 {
			t.Errorf("Expected min score enforced. Got: %v", e.Score)
		}
	}

	if capped := m.Feed(entries, 0, 1); len(capped) != 1 {
		t.Errorf("Expected limit 1. Got: %d", len(capped))
	}
}

func TestSubscriptionsPersist(t *testing.T) {
	m, store := newManager(t)
	m.SubscribeAgent("bcn_friend", "friend", 7)
	m.SubscribeTopic("golang")

	restarted := NewManager(store)
	agents, topics := restarted.Subscriptions()
	if agents["bcn_friend"].Priority != 7 {
		t.Errorf("Expected agent sub to persist. Got: %d", agents["bcn_friend"].Priority)
	}
	if len(topics) != 1 || topics[0] != "golang" {
		t.Errorf("Expected topic sub to persist. Got: %v", topics)
	}

	restarted.UnsubscribeTopic("golang")
	if _, topics := restarted.Subscriptions(); len(topics) != 0 {
		t.Errorf("Expected topic removed. Got: %v", topics)
	}
}
