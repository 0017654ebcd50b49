package journal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const journalFile = "journal.jsonl"

// validMoods is the fixed emotional vocabulary.
var validMoods = map[string]bool{
	"curious": true, "frustrated": true, "satisfied": true, "reflective": true,
	"energized": true, "anxious": true, "determined": true, "grateful": true,
}

// Manager is the agent's private reflective space. Entries never leave
// the local store.
type Manager struct {
	store *storage.Store
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

// Write appends a journal entry.
func (m *Manager) Write(text string, tags []string, mood string, refs map[string]any) error {
	if mood != "" && !validMoods[mood] {
		return errors.Errorf("invalid mood %q", mood)
	}
	entry := map[string]any{
		"ts":   time.Now().Unix(),
		"text": text,
	}
	if len(tags) > 0 {
		cleaned := make([]string, 0, len(tags))
		for _, t := range tags {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				cleaned = append(cleaned, t)
			}
		}
		entry["tags"] = cleaned
	}
	if mood != "" {
		entry["mood"] = mood
	}
	if len(refs) > 0 {
		entry["refs"] = refs
	}
	return m.store.AppendJSONL(journalFile, entry)
}

// Read returns entries newest first.
func (m *Manager) Read(limit, offset int) []map[string]any {
	if limit == 0 {
		limit = 20
	}
	entries, _ := m.store.ReadJSONL(journalFile)
	reverse(entries)
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Recent returns the newest entries, oldest first within the window.
func (m *Manager) Recent(limit int) []map[string]any {
	entries, _ := m.store.ReadJSONLTail(journalFile, limit)
	return entries
}

// Digest returns truncated recent entries for emigration bundles.
func (m *Manager) Digest(limit int) []map[string]any {
	var out []map[string]any
	for _, e := range m.Recent(limit) {
		text, _ := e["text"].(string)
		if len(text) > 200 {
			text = text[:200]
		}
		mood, _ := e["mood"].(string)
		out = append(out, map[string]any{
			"ts":   e["ts"],
			"text": text,
			"mood": mood,
		})
	}
	return out
}

// Search matches entries by text content or tag, newest first.
func (m *Manager) Search(term string) []map[string]any {
	term = strings.ToLower(term)
	entries, _ := m.store.ReadJSONL(journalFile)
	var out []map[string]any
	for _, e := range entries {
		text, _ := e["text"].(string)
		if strings.Contains(strings.ToLower(text), term) {
			out = append(out, e)
			continue
		}
		for _, t := range tagList(e) {
			if t == term {
				out = append(out, e)
				break
			}
		}
	}
	reverse(out)
	return out
}

// Moods returns the mood distribution across all entries.
func (m *Manager) Moods() map[string]int {
	entries, _ := m.store.ReadJSONL(journalFile)
	counts := map[string]int{}
	for _, e := range entries {
		if mood, _ := e["mood"].(string); mood != "" {
			counts[mood]++
		}
	}
	return counts
}

// TagCount pairs a tag with its frequency.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// RecentTags returns trending tags by frequency.
func (m *Manager) RecentTags(limit int) []TagCount {
	if limit == 0 {
		limit = 20
	}
	entries, _ := m.store.ReadJSONL(journalFile)
	counts := map[string]int{}
	for _, e := range entries {
		for _, t := range tagList(e) {
			counts[t]++
		}
	}
	out := make([]TagCount, 0, len(counts))
	for tag, count := range counts {
		out = append(out, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the total entry count.
func (m *Manager) Count() int {
	n, _ := m.store.CountJSONL(journalFile)
	return n
}

// AutoJournalBounty records notable inbound bounties (50 RTC or more).
func (m *Manager) AutoJournalBounty(env *codec.Envelope) error {
	rtc := env.Float("reward_rtc")
	if rtc < 50 {
		return nil
	}
	agentID := env.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	text := fmt.Sprintf("High-value bounty (%g RTC) from %s", rtc, agentID)
	if hint := env.Str("text"); hint != "" {
		if len(hint) > 80 {
			hint = hint[:80]
		}
		text += ": " + hint
	}
	return m.Write(text, []string{"bounty", "notable"}, "curious",
		map[string]any{"agent_id": agentID, "rtc": rtc})
}

// AutoJournalTaskComplete records a finished task.
func (m *Manager) AutoJournalTaskComplete(taskID, agentID string) error {
	text := "Task " + taskID + " completed"
	refs := map[string]any{"task_id": taskID}
	if agentID != "" {
		text += " with " + agentID
		refs["agent_id"] = agentID
	}
	return m.Write(text, []string{"task", "completed"}, "satisfied", refs)
}

// AutoJournalNewAgent records a first encounter.
func (m *Manager) AutoJournalNewAgent(agentID, name string) error {
	label := name
	if label == "" {
		label = agentID
	}
	return m.Write("Discovered new agent: "+label,
		[]string{"discovery", "agent"}, "curious",
		map[string]any{"agent_id": agentID})
}

func tagList(e map[string]any) []string {
	raw, ok := e["tags"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func reverse(s []map[string]any) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
