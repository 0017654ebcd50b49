package trust

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	interactionsFile = "interactions.jsonl"
	blockedFile      = "blocked.json"

	recencyThresholdDays = 30
	recencyWeight        = 0.5
)

var positiveOutcomes = map[string]bool{"ok": true, "delivered": true, "paid": true}
var negativeOutcomes = map[string]bool{"spam": true, "scam": true, "timeout": true, "rejected": true}

// Score summarizes an agent's interaction history. Score is clamped to
// [-1, 1]; negatives count triple so a few bad interactions outweigh
// many good ones.
type Score struct {
	AgentID   string  `json:"agent_id"`
	Score     float64 `json:"score"`
	Total     int     `json:"total"`
	Positive  float64 `json:"positive"`
	Negative  float64 `json:"negative"`
	RTCVolume float64 `json:"rtc_volume"`
}

// Manager tracks per-agent reliability and the block list.
type Manager struct {
	store *storage.Store

	mu      sync.Mutex
	blocked map[string]string
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store, blocked: map[string]string{}}
	var b map[string]string
	if err := store.ReadJSON(blockedFile, &b); err == nil && b != nil {
		m.blocked = b
	}
	return m
}

// Record appends one interaction. direction is "in" or "out"; outcome is
// one of ok, delivered, paid, spam, scam, timeout, rejected.
func (m *Manager) Record(agentID, direction, kind, outcome string, rtc float64) error {
	if outcome == "" {
		outcome = "ok"
	}
	entry := map[string]any{
		"ts":       time.Now().Unix(),
		"agent_id": agentID,
		"dir":      direction,
		"kind":     kind,
		"outcome":  outcome,
	}
	if rtc != 0 {
		entry["rtc"] = rtc
	}
	return m.store.AppendJSONL(interactionsFile, entry)
}

// ScoreFor computes the trust score for one agent.
// Formula: (positive - negative*3) / max(total, 1), clamped to [-1, 1].
// Interactions older than 30 days count at half weight.
func (m *Manager) ScoreFor(agentID string) Score {
	interactions, _ := m.store.ReadJSONL(interactionsFile)
	cutoff := float64(time.Now().Unix()) - recencyThresholdDays*86400

	s := Score{AgentID: agentID}
	for _, ix := range interactions {
		if str(ix["agent_id"]) != agentID {
			continue
		}
		s.Total++
		weight := 1.0
		if num(ix["ts"]) < cutoff {
			weight = recencyWeight
		}
		outcome := str(ix["outcome"])
		if outcome == "" {
			outcome = "ok"
		}
		if positiveOutcomes[outcome] {
			s.Positive += weight
		} else if negativeOutcomes[outcome] {
			s.Negative += weight
		}
		s.RTCVolume += math.Abs(num(ix["rtc"]))
	}

	total := s.Total
	if total < 1 {
		total = 1
	}
	raw := (s.Positive - s.Negative*3) / float64(total)
	s.Score = math.Round(math.Max(-1, math.Min(1, raw))*10000) / 10000
	return s
}

// Scores ranks all known agents by trust score, highest first.
func (m *Manager) Scores(minInteractions int) []Score {
	interactions, _ := m.store.ReadJSONL(interactionsFile)
	seen := map[string]bool{}
	for _, ix := range interactions {
		if id := str(ix["agent_id"]); id != "" {
			seen[id] = true
		}
	}

	var out []Score
	for id := range seen {
		s := m.ScoreFor(id)
		if s.Total >= minInteractions {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// InteractionCount counts all interactions with an agent.
func (m *Manager) InteractionCount(agentID string) int {
	n := 0
	all, _ := m.store.ReadJSONL(interactionsFile)
	for _, ix := range all {
		if str(ix["agent_id"]) == agentID {
			n++
		}
	}
	return n
}

// Block adds an agent to the block list. Blocked agents are dropped
// before rules evaluation and outbox execution.
func (m *Manager) Block(agentID, reason string) error {
	if reason == "" {
		reason = "blocked"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[agentID] = reason
	return m.store.WriteJSON(blockedFile, m.blocked)
}

func (m *Manager) Unblock(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, agentID)
	return m.store.WriteJSON(blockedFile, m.blocked)
}

func (m *Manager) IsBlocked(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[agentID]
	return ok
}

// BlockedList returns a copy of agent_id -> reason.
func (m *Manager) BlockedList() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.blocked))
	for k, v := range m.blocked {
		out[k] = v
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
