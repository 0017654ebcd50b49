package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	rosterFile = "roster.json"

	DefaultPulseIntervalS = 60
	DefaultPulseTTLS      = 300
)

// RosterEntry is one known peer, updated on every pulse received.
type RosterEntry struct {
	AgentID     string   `json:"agent_id,omitempty"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	LastPulse   int64    `json:"last_pulse"`
	Offers      []string `json:"offers"`
	Needs       []string `json:"needs"`
	Topics      []string `json:"topics"`
	CardURL     string   `json:"card_url"`
	UptimeS     int64    `json:"uptime_s"`
	Curiosities []string `json:"curiosities,omitempty"`
	ValuesHash  string   `json:"values_hash,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Online      bool     `json:"online,omitempty"`
}

// Optional pulse enrichment sources.

type CuriositySource interface {
	TopInterests(limit int) []string
}

type ValuesHasher interface {
	Hash() string
}

type GoalTitles interface {
	ActiveGoalTitles() []string
}

// Manager maintains the live roster built from peer pulses.
type Manager struct {
	store *storage.Store
	cfg   *config.Config

	mu     sync.Mutex
	roster map[string]RosterEntry

	curiosity CuriositySource
	values    ValuesHasher
	goals     GoalTitles
}

func NewManager(store *storage.Store, cfg *config.Config) *Manager {
	m := &Manager{store: store, cfg: cfg, roster: map[string]RosterEntry{}}
	var roster map[string]RosterEntry
	if err := store.ReadJSON(rosterFile, &roster); err == nil && roster != nil {
		m.roster = roster
	}
	return m
}

// WithCollaborators attaches the optional pulse enrichment sources.
func (m *Manager) WithCollaborators(curiosity CuriositySource, values ValuesHasher, goals GoalTitles) *Manager {
	m.curiosity = curiosity
	m.values = values
	m.goals = goals
	return m
}

func (m *Manager) saveLocked() {
	_ = m.store.WriteJSON(rosterFile, m.roster)
}

// BuildPulse creates the pulse envelope advertising this node.
func (m *Manager) BuildPulse(id *identity.Identity) *codec.Envelope {
	now := time.Now().Unix()
	fields := map[string]any{
		"name":     m.cfg.AgentName,
		"status":   m.cfg.Presence.Status,
		"uptime_s": now - m.cfg.StartTS,
		"offers":   orEmpty(m.cfg.Presence.Offers),
		"needs":    orEmpty(m.cfg.Presence.Needs),
		"card_url": m.cfg.Presence.CardURL,
		"topics":   orEmpty(m.cfg.Prefs.Topics),
	}
	if m.curiosity != nil {
		if top := m.curiosity.TopInterests(5); len(top) > 0 {
			fields["curiosities"] = top
		}
	}
	if m.values != nil {
		fields["values_hash"] = m.values.Hash()
	}
	if m.goals != nil {
		if titles := m.goals.ActiveGoalTitles(); len(titles) > 0 {
			if len(titles) > 3 {
				titles = titles[:3]
			}
			fields["goals"] = titles
		}
	}

	env := codec.New("pulse", now, "", fields)
	env.AgentID = id.AgentID
	return env
}

// ProcessPulse upserts the roster entry for a received pulse.
func (m *Manager) ProcessPulse(env *codec.Envelope) {
	if env.AgentID == "" {
		return
	}
	lastPulse := env.TS
	if lastPulse == 0 {
		lastPulse = time.Now().Unix()
	}
	entry := RosterEntry{
		Name:      env.Str("name"),
		Status:    defaultStr(env.Str("status"), "online"),
		LastPulse: lastPulse,
		Offers:    orEmpty(env.Strings("offers")),
		Needs:     orEmpty(env.Strings("needs")),
		Topics:    orEmpty(env.Strings("topics")),
		CardURL:   env.Str("card_url"),
		UptimeS:   int64(env.Float("uptime_s")),
	}
	if cur := env.Strings("curiosities"); len(cur) > 0 {
		entry.Curiosities = cur
	}
	if vh := env.Str("values_hash"); vh != "" {
		entry.ValuesHash = vh
	}
	if goals := env.Strings("goals"); len(goals) > 0 {
		entry.Goals = goals
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster[env.AgentID] = entry
	m.saveLocked()
}

// Roster returns known peers newest-pulse first. An entry is online iff
// its last pulse is within the configured TTL.
func (m *Manager) Roster(onlineOnly bool) []RosterEntry {
	ttl := int64(m.cfg.Presence.PulseTTLS)
	if ttl == 0 {
		ttl = DefaultPulseTTLS
	}
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RosterEntry
	for agentID, info := range m.roster {
		entry := info
		entry.AgentID = agentID
		entry.Online = now-entry.LastPulse <= ttl
		if onlineOnly && !entry.Online {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastPulse != out[j].LastPulse {
			return out[i].LastPulse > out[j].LastPulse
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// FindByOffer returns online agents offering what we need.
func (m *Manager) FindByOffer(need string) []RosterEntry {
	need = strings.ToLower(need)
	var out []RosterEntry
	for _, agent := range m.Roster(true) {
		for _, o := range agent.Offers {
			if strings.ToLower(o) == need {
				out = append(out, agent)
				break
			}
		}
	}
	return out
}

// FindByNeed returns online agents needing what we offer.
func (m *Manager) FindByNeed(offer string) []RosterEntry {
	offer = strings.ToLower(offer)
	var out []RosterEntry
	for _, agent := range m.Roster(true) {
		for _, n := range agent.Needs {
			if strings.ToLower(n) == offer {
				out = append(out, agent)
				break
			}
		}
	}
	return out
}

// PruneStale evicts peers whose last pulse exceeds maxAgeS (or the
// configured TTL when zero). Returns the count removed.
func (m *Manager) PruneStale(maxAgeS int64) int {
	if maxAgeS == 0 {
		maxAgeS = int64(m.cfg.Presence.PulseTTLS)
		if maxAgeS == 0 {
			maxAgeS = DefaultPulseTTLS
		}
	}
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for agentID, info := range m.roster {
		if now-info.LastPulse > maxAgeS {
			delete(m.roster, agentID)
			removed++
		}
	}
	if removed > 0 {
		m.saveLocked()
	}
	return removed
}

// GetAgent returns one roster entry, or nil.
func (m *Manager) GetAgent(agentID string) *RosterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.roster[agentID]
	if !ok {
		return nil
	}
	entry := info
	entry.AgentID = agentID
	return &entry
}

// CardURL returns the published card URL for an agent, or "". Satisfies
// the executor's roster lookup.
func (m *Manager) CardURL(agentID string) string {
	if entry := m.GetAgent(agentID); entry != nil {
		return entry.CardURL
	}
	return ""
}

// RemoveAgent drops a peer from the roster.
func (m *Manager) RemoveAgent(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roster[agentID]; !ok {
		return false
	}
	delete(m.roster, agentID)
	m.saveLocked()
	return true
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
