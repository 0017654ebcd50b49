package inbox

import (
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return NewManager(store, codec.LoadKnownKeys(store)), store
}

func signedFrame(t *testing.T, id *identity.Identity, kind, nonce string, fields map[string]any) []byte {
	t.Helper()
	env := codec.New(kind, 1700000000, nonce, fields)
	framed, err := codec.Encode(env, id, true)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return []byte(framed)
}

func TestIngestSignedEnvelope(t *testing.T) {
	m, _ := newManager(t)
	id, _ := identity.Generate()

	entries, err := m.Ingest("udp", "10.0.0.2", signedFrame(t, id, "hello", "n-1", map[string]any{"text": "hi"}))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry. Got: %d", len(entries))
	}

	e := entries[0]
	if e.Envelope == nil || e.Envelope.Kind != "hello" {
		t.Fatal("Expected parsed envelope")
	}
	if e.Verified == nil || !*e.Verified {
		t.Error("Expected envelope verified via embedded pubkey")
	}
	if e.Platform != "udp" || e.From != "10.0.0.2" {
		t.Errorf("Expected ingest metadata. Got: %s %s", e.Platform, e.From)
	}
}

func TestIngestRawText(t *testing.T) {
	m, _ := newManager(t)
	entries, err := m.Ingest("http", "client", []byte("just some text, no frames"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 raw entry. Got: %d", len(entries))
	}
	if entries[0].Envelope != nil {
		t.Error("Expected no envelope on raw entry")
	}
	if entries[0].Text != "just some text, no frames" {
		t.Errorf("Expected raw text preserved. Got: %s", entries[0].Text)
	}
}

func TestIngestLearnsKeys(t *testing.T) {
	m, _ := newManager(t)
	id, _ := identity.Generate()

	// First contact carries the pubkey; the second envelope omits it and
	// must verify through the learned key.
	if _, err := m.Ingest("udp", "peer", signedFrame(t, id, "hello", "n-1", nil)); err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}

	bare := codec.New("like", 1700000100, "n-2", nil)
	if err := bare.Sign(id, false); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	body, _ := codec.Canonical(bare.ToMap(true))
	entries, err := m.Ingest("udp", "peer", []byte(string(body)))
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if entries[0].Verified == nil || !*entries[0].Verified {
		t.Error("Expected verification through learned key")
	}
}

func TestReadInboxFilters(t *testing.T) {
	m, _ := newManager(t)
	alice, _ := identity.Generate()
	bob, _ := identity.Generate()

	_, _ = m.Ingest("udp", "a", signedFrame(t, alice, "want", "n-a", map[string]any{"text": "need x"}))
	_, _ = m.Ingest("udp", "b", signedFrame(t, bob, "like", "n-b", nil))

	if got := m.ReadInbox(Filter{Kind: "want"}); len(got) != 1 || got[0].Envelope.Kind != "want" {
		t.Errorf("Expected 1 want entry. Got: %d", len(got))
	}
	if got := m.ReadInbox(Filter{AgentID: alice.AgentID}); len(got) != 1 {
		t.Errorf("Expected 1 entry from alice. Got: %d", len(got))
	}
	if got := m.ReadInbox(Filter{}); len(got) != 2 {
		t.Errorf("Expected 2 entries unfiltered. Got: %d", len(got))
	}
	if got := m.ReadInbox(Filter{Limit: 1}); len(got) != 1 {
		t.Errorf("Expected limit applied. Got: %d", len(got))
	}
}

func TestMarkReadAndUnreadFilter(t *testing.T) {
	m, _ := newManager(t)
	id, _ := identity.Generate()
	_, _ = m.Ingest("udp", "a", signedFrame(t, id, "want", "n-read", nil))
	_, _ = m.Ingest("udp", "a", signedFrame(t, id, "want", "n-new", nil))

	if err := m.MarkRead("n-read"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	unread := m.ReadInbox(Filter{UnreadOnly: true})
	if len(unread) != 1 {
		t.Fatalf("Expected 1 unread entry. Got: %d", len(unread))
	}
	if unread[0].Envelope.Nonce != "n-new" {
		t.Errorf("Expected n-new unread. Got: %s", unread[0].Envelope.Nonce)
	}
	if m.Count(false) != 2 {
		t.Errorf("Expected 2 total. Got: %d", m.Count(false))
	}
	if m.Count(true) != 1 {
		t.Errorf("Expected 1 unread. Got: %d", m.Count(true))
	}
}

func TestGetByNonce(t *testing.T) {
	m, _ := newManager(t)
	id, _ := identity.Generate()
	_, _ = m.Ingest("udp", "a", signedFrame(t, id, "want", "n-find", map[string]any{"text": "hello"}))

	if e := m.GetByNonce("n-find"); e == nil || e.Envelope.Str("text") != "hello" {
		t.Error("Expected entry found by nonce")
	}
	if e := m.GetByNonce("n-missing"); e != nil {
		t.Error("Expected nil for unknown nonce")
	}
}
