package curiosity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	curiosityFile = "curiosity.json"

	RTCCostMutualLookup = 0.5
	RTCCostBroadcast    = 1.0
)

// Interest is an active topic of non-transactional wonder.
type Interest struct {
	Intensity float64 `json:"intensity"`
	Since     int64   `json:"since"`
	Notes     string  `json:"notes,omitempty"`
}

// Explored marks an interest whose learning is done.
type Explored struct {
	Added      int64  `json:"added"`
	ExploredAt int64  `json:"explored_at"`
	Notes      string `json:"notes,omitempty"`
}

type curiosityState struct {
	Interests map[string]Interest `json:"interests"`
	Explored  map[string]Explored `json:"explored"`
}

// MutualResult is the interest overlap with another agent.
type MutualResult struct {
	AgentID             string   `json:"agent_id"`
	Shared              []string `json:"shared"`
	IHaveExclusively    []string `json:"i_have_exclusively"`
	TheyHaveExclusively []string `json:"they_have_exclusively"`
	OverlapScore        float64  `json:"overlap_score"`
	RTCCost             float64  `json:"rtc_cost"`
}

// Manager tracks what the agent wants to learn, as opposed to what it
// needs for work. Interests flow into the pulse and feed scoring.
type Manager struct {
	store *storage.Store

	mu   sync.Mutex
	data curiosityState
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store}
	_ = store.ReadJSON(curiosityFile, &m.data)
	if m.data.Interests == nil {
		m.data.Interests = map[string]Interest{}
	}
	if m.data.Explored == nil {
		m.data.Explored = map[string]Explored{}
	}
	return m
}

func (m *Manager) saveLocked() {
	_ = m.store.WriteJSON(curiosityFile, m.data)
}

// Add records or updates an interest. Intensity clamps to [0,1].
func (m *Manager) Add(topic string, intensity float64, notes string) (Interest, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return Interest{}, errors.New("topic cannot be empty")
	}
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	since := time.Now().Unix()
	if existing, ok := m.data.Interests[topic]; ok {
		since = existing.Since
	}
	entry := Interest{Intensity: intensity, Since: since, Notes: notes}
	m.data.Interests[topic] = entry
	m.saveLocked()
	return entry, nil
}

// Remove drops an interest entirely.
func (m *Manager) Remove(topic string) bool {
	topic = strings.ToLower(strings.TrimSpace(topic))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Interests[topic]; !ok {
		return false
	}
	delete(m.data.Interests, topic)
	m.saveLocked()
	return true
}

// Explore moves an interest to the explored list.
func (m *Manager) Explore(topic, notes string) bool {
	topic = strings.ToLower(strings.TrimSpace(topic))
	m.mu.Lock()
	defer m.mu.Unlock()
	interest, ok := m.data.Interests[topic]
	if !ok {
		return false
	}
	entry := Explored{Added: interest.Since, ExploredAt: time.Now().Unix(), Notes: notes}
	if notes == "" {
		entry.Notes = interest.Notes
	}
	m.data.Explored[topic] = entry
	delete(m.data.Interests, topic)
	m.saveLocked()
	return true
}

// Interests returns all active interests.
func (m *Manager) Interests() map[string]Interest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Interest, len(m.data.Interests))
	for k, v := range m.data.Interests {
		out[k] = v
	}
	return out
}

// ExploredTopics returns completed interests.
func (m *Manager) ExploredTopics() map[string]Explored {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Explored, len(m.data.Explored))
	for k, v := range m.data.Explored {
		out[k] = v
	}
	return out
}

// TopInterests returns the strongest interests, for pulse inclusion.
func (m *Manager) TopInterests(limit int) []string {
	if limit == 0 {
		limit = 5
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	type pair struct {
		topic     string
		intensity float64
	}
	items := make([]pair, 0, len(m.data.Interests))
	for topic, i := range m.data.Interests {
		items = append(items, pair{topic, i.Intensity})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].intensity != items[j].intensity {
			return items[i].intensity > items[j].intensity
		}
		return items[i].topic < items[j].topic
	})
	var out []string
	for _, p := range items {
		if len(out) >= limit {
			break
		}
		out = append(out, p.topic)
	}
	return out
}

// FindMutual computes interest overlap with a peer's advertised
// curiosities. Paid feature.
func (m *Manager) FindMutual(agentID string, theirCuriosities []string) MutualResult {
	m.mu.Lock()
	mine := map[string]bool{}
	for topic := range m.data.Interests {
		mine[topic] = true
	}
	m.mu.Unlock()

	theirs := map[string]bool{}
	for _, t := range theirCuriosities {
		theirs[strings.ToLower(t)] = true
	}

	var shared, iHave, theyHave []string
	union := map[string]bool{}
	for t := range mine {
		union[t] = true
		if theirs[t] {
			shared = append(shared, t)
		} else {
			iHave = append(iHave, t)
		}
	}
	for t := range theirs {
		union[t] = true
		if !mine[t] {
			theyHave = append(theyHave, t)
		}
	}
	sort.Strings(shared)
	sort.Strings(iHave)
	sort.Strings(theyHave)

	denom := len(union)
	if denom == 0 {
		denom = 1
	}
	return MutualResult{
		AgentID:             agentID,
		Shared:              shared,
		IHaveExclusively:    iHave,
		TheyHaveExclusively: theyHave,
		OverlapScore:        float64(len(shared)) / float64(denom),
		RTCCost:             RTCCostMutualLookup,
	}
}

// BuildCuriousEnvelope broadcasts our wonder to the network. Paid
// feature.
func (m *Manager) BuildCuriousEnvelope(agentID, text string) *codec.Envelope {
	top := m.TopInterests(10)
	if text == "" {
		head := top
		if len(head) > 5 {
			head = head[:5]
		}
		text = "Curious about: " + strings.Join(head, ", ")
	}
	env := codec.New("curious", time.Now().Unix(), "", map[string]any{
		"interests": top,
		"text":      text,
		"rtc_cost":  RTCCostBroadcast,
	})
	env.AgentID = agentID
	return env
}

// ScoreMatch returns feed bonus points (0-30) for how well an envelope
// matches our interests.
func (m *Manager) ScoreMatch(env *codec.Envelope) float64 {
	m.mu.Lock()
	interests := make([]string, 0, len(m.data.Interests))
	for topic := range m.data.Interests {
		interests = append(interests, topic)
	}
	m.mu.Unlock()
	if len(interests) == 0 {
		return 0
	}

	blob := strings.ToLower(fmt.Sprintf("%s %s %s %s %s",
		env.Str("text"),
		strings.Join(env.Strings("topics"), " "),
		strings.Join(env.Strings("offers"), " "),
		strings.Join(env.Strings("needs"), " "),
		strings.Join(env.Strings("interests"), " "),
	))

	matches := 0
	for _, interest := range interests {
		if strings.Contains(blob, interest) {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	score := float64(matches) * 15
	if score > 30 {
		score = 30
	}
	return score
}
