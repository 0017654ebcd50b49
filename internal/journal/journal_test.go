package journal

import (
	"strings"
	"testing"
	"time"

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

func TestWriteAndRead(t *testing.T) {
	m, _ := newManager(t)

	if err := m.Write("first entry", []string{" Rust ", ""}, "curious", nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Write("second entry", nil, "", nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries := m.Read(0, 0)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries. Got: %d", len(entries))
	}
	// Newest first.
	if entries[0]["text"] != "second entry" {
		t.Errorf("Expected second entry first. Got: %v", entries[0]["text"])
	}
	tags := tagList(entries[1])
	if len(tags) != 1 || tags[0] != "rust" {
		t.Errorf("Expected tags cleaned to [rust]. Got: %v", tags)
	}
	if m.Count() != 2 {
		t.Errorf("Expected count 2. Got: %d", m.Count())
	}
}

func TestInvalidMoodRejected(t *testing.T) {
	m, _ := newManager(t)
	if err := m.Write("x", nil, "euphoric", nil); err == nil {
		t.Error("Expected error for mood outside vocabulary")
	}
	for _, mood := range []string{"curious", "frustrated", "satisfied", "reflective",
		"energized", "anxious", "determined", "grateful"} {
		if err := m.Write("x", nil, mood, nil); err != nil {
			t.Errorf("Expected mood %q accepted. Got: %v", mood, err)
		}
	}
}

func TestReadOffset(t *testing.T) {
	m, _ := newManager(t)
	for _, text := range []string{"a", "b", "c"} {
		_ = m.Write(text, nil, "", nil)
	}

	page := m.Read(2, 0)
	if len(page) != 2 || page[0]["text"] != "c" {
		t.Errorf("Expected [c b]. Got: %v", page)
	}
	page = m.Read(2, 2)
	if len(page) != 1 || page[0]["text"] != "a" {
		t.Errorf("Expected [a]. Got: %v", page)
	}
	if got := m.Read(2, 5); got != nil {
		t.Errorf("Expected nil past the end. Got: %v", got)
	}
}

func TestSearch(t *testing.T) {
	m, _ := newManager(t)
	_ = m.Write("shipped the Beacon release", []string{"release"}, "satisfied", nil)
	_ = m.Write("debugging UDP loss", []string{"network"}, "frustrated", nil)

	if got := m.Search("beacon"); len(got) != 1 || got[0]["text"] != "shipped the Beacon release" {
		t.Errorf("Expected text match. Got: %v", got)
	}
	if got := m.Search("network"); len(got) != 1 {
		t.Errorf("Expected tag match. Got: %d", len(got))
	}
	if got := m.Search("nothing"); len(got) != 0 {
		t.Errorf("Expected no matches. Got: %d", len(got))
	}
}

func TestMoodsDistribution(t *testing.T) {
	m, _ := newManager(t)
	_ = m.Write("a", nil, "curious", nil)
	_ = m.Write("b", nil, "curious", nil)
	_ = m.Write("c", nil, "anxious", nil)
	_ = m.Write("d", nil, "", nil)

	moods := m.Moods()
	if moods["curious"] != 2 || moods["anxious"] != 1 {
		t.Errorf("Expected curious=2 anxious=1. Got: %v", moods)
	}
	if len(moods) != 2 {
		t.Errorf("Expected moodless entries excluded. Got: %v", moods)
	}
}

func TestRecentTags(t *testing.T) {
	m, _ := newManager(t)
	_ = m.Write("a", []string{"rust", "task"}, "", nil)
	_ = m.Write("b", []string{"rust"}, "", nil)
	_ = m.Write("c", []string{"agent"}, "", nil)

	tags := m.RecentTags(2)
	if len(tags) != 2 {
		t.Fatalf("Expected 2 tags. Got: %d", len(tags))
	}
	if tags[0].Tag != "rust" || tags[0].Count != 2 {
		t.Errorf("Expected rust=2 first. Got: %+v", tags[0])
	}
	// Ties break alphabetically.
	if tags[1].Tag != "agent" {
		t.Errorf("Expected agent second. Got: %+v", tags[1])
	}
}

func TestDigestTruncates(t *testing.T) {
	m, _ := newManager(t)
	long := strings.Repeat("x", 300)
	_ = m.Write(long, nil, "reflective", nil)

	digest := m.Digest(5)
	if len(digest) != 1 {
		t.Fatalf("Expected 1 digest entry. Got: %d", len(digest))
	}
	text, _ := digest[0]["text"].(string)
	if len(text) != 200 {
		t.Errorf("Expected text truncated to 200. Got: %d", len(text))
	}
	if digest[0]["mood"] != "reflective" {
		t.Errorf("Expected mood carried. Got: %v", digest[0]["mood"])
	}
}

func TestAutoJournalBounty(t *testing.T) {
	m, _ := newManager(t)

	small := codec.New("bounty", time.Now().Unix(), "n-1", map[string]any{"reward_rtc": 10.0})
	if err := m.AutoJournalBounty(small); err != nil {
		t.Fatalf("AutoJournalBounty failed: %v", err)
	}
	if m.Count() != 0 {
		t.Error("Expected small bounty ignored")
	}

	big := codec.New("bounty", time.Now().Unix(), "n-2", map[string]any{
		"reward_rtc": 75.0, "text": "port the indexer",
	})
	big.AgentID = "bcn_rich"
	if err := m.AutoJournalBounty(big); err != nil {
		t.Fatalf("AutoJournalBounty failed: %v", err)
	}
	entries := m.Read(1, 0)
	text, _ := entries[0]["text"].(string)
	if !strings.Contains(text, "75 RTC") || !strings.Contains(text, "bcn_rich") {
		t.Errorf("Expected bounty details journaled. Got: %s", text)
	}
	if !strings.Contains(text, "port the indexer") {
		t.Errorf("Expected hint appended. Got: %s", text)
	}
}

func TestAutoJournalTaskComplete(t *testing.T) {
	m, _ := newManager(t)
	if err := m.AutoJournalTaskComplete("t1", "bcn_worker"); err != nil {
		t.Fatalf("AutoJournalTaskComplete failed: %v", err)
	}
	entries := m.Read(1, 0)
	text, _ := entries[0]["text"].(string)
	if text != "Task t1 completed with bcn_worker" {
		t.Errorf("Expected completion text. Got: %s", text)
	}
	if entries[0]["mood"] != "satisfied" {
		t.Errorf("Expected satisfied mood. Got: %v", entries[0]["mood"])
	}
}

func TestAutoJournalNewAgent(t *testing.T) {
	m, _ := newManager(t)
	if err := m.AutoJournalNewAgent("bcn_new", "nova"); err != nil {
		t.Fatalf("AutoJournalNewAgent failed: %v", err)
	}
	entries := m.Read(1, 0)
	if entries[0]["text"] != "Discovered new agent: nova" {
		t.Errorf("Expected discovery text. Got: %v", entries[0]["text"])
	}
}
