package feed

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

const subscriptionsFile = "subscriptions.json"

// defaultKindWeights rank envelope kinds by inherent interest.
var defaultKindWeights = map[string]float64{
	"bounty":  10,
	"want":    8,
	"pay":     7,
	"offer":   6,
	"deliver": 6,
	"accept":  5,
	"confirm": 5,
	"hello":   3,
	"like":    3,
	"link":    3,
	"event":   2,
	"pulse":   1,
	"ad":      1,
}

// AgentSub is a per-agent subscription.
type AgentSub struct {
	Alias    string `json:"alias"`
	Priority int    `json:"priority"`
}

type subscriptions struct {
	Agents      map[string]AgentSub `json:"agents"`
	Topics      []string            `json:"topics"`
	KindWeights map[string]float64  `json:"kind_weights"`
}

// CuriosityScorer contributes interest-match bonus points.
type CuriosityScorer interface {
	ScoreMatch(env *codec.Envelope) float64
}

// ScoredEntry is an inbox entry with its relevance score attached.
type ScoredEntry struct {
	inbox.Entry
	Score float64 `json:"score"`
}

// Manager scores and filters inbox entries against subscriptions,
// trust, and curiosity.
type Manager struct {
	store *storage.Store

	mu   sync.Mutex
	subs subscriptions

	trust     *trust.Manager
	curiosity CuriosityScorer
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store}
	_ = store.ReadJSON(subscriptionsFile, &m.subs)
	if m.subs.Agents == nil {
		m.subs.Agents = map[string]AgentSub{}
	}
	return m
}

// WithCollaborators attaches the scoring inputs. Either may be nil.
func (m *Manager) WithCollaborators(tr *trust.Manager, curiosity CuriosityScorer) *Manager {
	m.trust = tr
	m.curiosity = curiosity
	return m
}

func (m *Manager) saveLocked() {
	_ = m.store.WriteJSON(subscriptionsFile, m.subs)
}

// SubscribeAgent follows an agent's events. Priority defaults to 5.
func (m *Manager) SubscribeAgent(agentID, alias string, priority int) {
	if priority == 0 {
		priority = 5
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs.Agents[agentID] = AgentSub{Alias: alias, Priority: priority}
	m.saveLocked()
}

// SubscribeTopic follows a topic keyword.
func (m *Manager) SubscribeTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.subs.Topics {
		if t == topic {
			return
		}
	}
	m.subs.Topics = append(m.subs.Topics, topic)
	m.saveLocked()
}

// UnsubscribeAgent stops following an agent.
func (m *Manager) UnsubscribeAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs.Agents, agentID)
	m.saveLocked()
}

// UnsubscribeTopic stops following a topic.
func (m *Manager) UnsubscribeTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.subs.Topics {
		if t == topic {
			m.subs.Topics = append(m.subs.Topics[:i], m.subs.Topics[i+1:]...)
			m.saveLocked()
			return
		}
	}
}

// Subscriptions returns the current subscription state.
func (m *Manager) Subscriptions() (map[string]AgentSub, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents := make(map[string]AgentSub, len(m.subs.Agents))
	for k, v := range m.subs.Agents {
		agents[k] = v
	}
	topics := append([]string(nil), m.subs.Topics...)
	return agents, topics
}

// ScoreEntry rates one inbox entry: subscribed agents weigh heaviest,
// then topic hits, kind weight, verification, trust, curiosity, and a
// recency decay of one point per hour.
func (m *Manager) ScoreEntry(entry inbox.Entry) float64 {
	score := 0.0
	env := entry.Envelope
	if env == nil {
		env = codec.New("", entry.ReceivedAt, "", map[string]any{"text": entry.Text})
	}

	m.mu.Lock()
	if env.AgentID != "" {
		if sub, ok := m.subs.Agents[env.AgentID]; ok {
			score += 50 * (float64(sub.Priority) / 5.0)
		}
	}
	topics := append([]string(nil), m.subs.Topics...)
	kindWeights := m.subs.KindWeights
	m.mu.Unlock()

	if len(topics) > 0 {
		blob := strings.ToLower(strings.Join([]string{
			env.Str("text"),
			strings.Join(env.Strings("links"), " "),
			env.Str("bounty_url"),
			env.Str("name"),
			strings.Join(env.Strings("offers"), " "),
			strings.Join(env.Strings("needs"), " "),
			strings.Join(env.Strings("topics"), " "),
		}, " "))
		for _, topic := range topics {
			if strings.Contains(blob, strings.ToLower(topic)) {
				score += 20
			}
		}
	}

	if len(kindWeights) > 0 {
		if w, ok := kindWeights[env.Kind]; ok {
			score += w
		} else {
			score += defaultKindWeights[env.Kind]
		}
	} else {
		score += defaultKindWeights[env.Kind]
	}

	if entry.Verified != nil && *entry.Verified {
		score += 10
	}

	if m.trust != nil && env.AgentID != "" {
		t := m.trust.ScoreFor(env.AgentID).Score
		if t > 0.5 {
			score += 15
		} else if t < -0.3 {
			score -= 20
		}
	}

	if m.curiosity != nil {
		score += m.curiosity.ScoreMatch(env)
	}

	ts := env.TS
	if ts == 0 {
		ts = entry.ReceivedAt
	}
	if ts > 0 {
		hoursOld := float64(time.Now().Unix()-ts) / 3600
		if hoursOld > 0 {
			score -= hoursOld
		}
	}

	return round2(score)
}

// Feed scores entries and returns the most relevant, best first.
func (m *Manager) Feed(entries []inbox.Entry, minScore float64, limit int) []ScoredEntry {
	if limit == 0 {
		limit = 50
	}
	var scored []ScoredEntry
	for _, entry := range entries {
		s := m.ScoreEntry(entry)
		if s >= minScore {
			scored = append(scored, ScoredEntry{Entry: entry, Score: s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func round2(f float64) float64 {
	if f < 0 {
		return float64(int(f*100-0.5)) / 100
	}
	return float64(int(f*100+0.5)) / 100
}
