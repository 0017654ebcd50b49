package conversations

import (
	"strings"
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return NewManager(store, "bcn_me"), store
}

func TestConvIDSymmetry(t *testing.T) {
	a := ConvID("bcn_alice", "bcn_bob", "logo")
	b := ConvID("bcn_bob", "bcn_alice", "logo")
	if a != b {
		t.Errorf("Expected symmetric conversation IDs. Got: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "conv_") || len(a) != 15 {
		t.Errorf("Expected conv_ prefix and 10 hex chars. Got: %s", a)
	}
	if c := ConvID("bcn_alice", "bcn_bob", "other"); c == a {
		t.Error("Expected different topics to yield different IDs")
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	m, _ := newManager(t)
	first := m.GetOrCreate("bcn_peer", "logo")
	second := m.GetOrCreate("bcn_peer", "logo")
	if first.ConversationID != second.ConversationID {
		t.Errorf("Expected same conversation. Got: %s vs %s", first.ConversationID, second.ConversationID)
	}
	if first.State != "initiated" {
		t.Errorf("Expected initiated state. Got: %s", first.State)
	}
	if first.TopicKey != "logo" {
		t.Errorf("Expected topic logo. Got: %s", first.TopicKey)
	}
}

func TestEmptyTopicDefaultsToGeneral(t *testing.T) {
	m, _ := newManager(t)
	c := m.GetOrCreate("bcn_peer", "")
	if c.TopicKey != "general" {
		t.Errorf("Expected general topic. Got: %s", c.TopicKey)
	}
}

func TestRecordMessageActivates(t *testing.T) {
	m, _ := newManager(t)
	cid := m.GetOrCreateID("bcn_peer", "logo")

	if err := m.RecordMessage(cid, "out", "want"); err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}
	active := m.ActiveConversations()
	if len(active) != 1 {
		t.Fatalf("Expected 1 active conversation. Got: %d", len(active))
	}
	if active[0].State != "active" {
		t.Errorf("Expected state active after message. Got: %s", active[0].State)
	}
	if active[0].Messages != 1 {
		t.Errorf("Expected 1 message. Got: %d", active[0].Messages)
	}
}

func TestIsWaitingForReply(t *testing.T) {
	m, _ := newManager(t)
	cid := m.GetOrCreateID("bcn_peer", "logo")

	if m.IsWaitingForReply("bcn_peer", "logo") {
		t.Error("Expected no wait before any message")
	}
	_ = m.RecordMessage(cid, "out", "want")
	if !m.IsWaitingForReply("bcn_peer", "logo") {
		t.Error("Expected waiting after outbound message")
	}
	_ = m.RecordMessage(cid, "in", "offer")
	if m.IsWaitingForReply("bcn_peer", "logo") {
		t.Error("Expected no wait after peer replied")
	}
}

func TestMarkCompleted(t *testing.T) {
	m, _ := newManager(t)
	cid := m.GetOrCreateID("bcn_peer", "logo")
	m.MarkCompleted(cid)

	if got := m.ActiveConversations(); len(got) != 0 {
		t.Errorf("Expected no active conversations. Got: %d", len(got))
	}
	if m.IsWaitingForReply("bcn_peer", "logo") {
		t.Error("Expected completed thread to never wait")
	}
}

func TestMarkStale(t *testing.T) {
	m, _ := newManager(t)
	cid := m.GetOrCreateID("bcn_peer", "logo")
	_ = m.RecordMessage(cid, "out", "want")

	// With a tiny idle threshold everything open goes stale.
	if n := m.MarkStale(-1); n != 1 {
		t.Errorf("Expected 1 conversation marked stale. Got: %d", n)
	}
	if got := m.ActiveConversations(); len(got) != 0 {
		t.Errorf("Expected no active conversations after stale pass. Got: %d", len(got))
	}
}

func TestReplayFromLog(t *testing.T) {
	m, store := newManager(t)
	cid := m.GetOrCreateID("bcn_peer", "logo")
	_ = m.RecordMessage(cid, "out", "want")
	_ = m.RecordMessage(cid, "in", "offer")

	restarted := NewManager(store, "bcn_me")
	convs := restarted.FindByAgent("bcn_peer")
	if len(convs) != 1 {
		t.Fatalf("Expected 1 conversation after replay. Got: %d", len(convs))
	}
	if convs[0].Messages != 2 {
		t.Errorf("Expected 2 messages after replay. Got: %d", convs[0].Messages)
	}
	if convs[0].State != "active" {
		t.Errorf("Expected active state after replay. Got: %s", convs[0].State)
	}
	if convs[0].LastDirection != "in" {
		t.Errorf("Expected last direction in. Got: %s", convs[0].LastDirection)
	}
}

func TestFindByTopic(t *testing.T) {
	m, _ := newManager(t)
	m.GetOrCreate("bcn_peer", "logo")

	if c := m.FindByTopic("logo"); c == nil {
		t.Error("Expected to find conversation by topic")
	}
	if c := m.FindByTopic("nothing"); c != nil {
		t.Error("Expected nil for unknown topic")
	}
}

func TestShouldFollowUp(t *testing.T) {
	m, _ := newManager(t)
	cid := m.GetOrCreateID("bcn_peer", "logo")
	_ = m.RecordMessage(cid, "out", "want")

	if m.ShouldFollowUp(cid, 3600) {
		t.Error("Expected no follow-up inside the timeout")
	}
	if !m.ShouldFollowUp(cid, -1) {
		t.Error("Expected follow-up past the timeout")
	}
	_ = m.RecordMessage(cid, "in", "offer")
	if m.ShouldFollowUp(cid, -1) {
		t.Error("Expected no follow-up after peer replied")
	}
}
