package matchmaker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/presence"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

const (
	matchesLog       = "matches.jsonl"
	matchHistoryFile = "match_history.json"

	DefaultCooldownS = 86400 // 24 hours between contacts

	RTCCostDemand        = 0.5
	RTCCostCuriosity     = 0.5
	RTCCostCompatibility = 1.0
	RTCCostIntroductions = 2.0
)

// ValuesHasher exposes the local values hash for alignment checks.
type ValuesHasher interface {
	Hash() string
}

// Match is one scored roster opportunity.
type Match struct {
	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
	TS      int64    `json:"ts"`
}

// Manager scans the roster for opportunities instead of waiting for
// bounties, with a per-agent contact cooldown to prevent spam.
type Manager struct {
	store *storage.Store

	mu      sync.Mutex
	history map[string]float64

	trust        *trust.Manager
	topInterests func() []string
	values       ValuesHasher
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store, history: map[string]float64{}}
	_ = store.ReadJSON(matchHistoryFile, &m.history)
	if m.history == nil {
		m.history = map[string]float64{}
	}
	return m
}

// WithCollaborators attaches the scoring inputs. interests returns the
// agent's current curiosity topics; any argument may be nil.
func (m *Manager) WithCollaborators(tr *trust.Manager, interests func() []string, values ValuesHasher) *Manager {
	m.trust = tr
	m.topInterests = interests
	m.values = values
	return m
}

func (m *Manager) saveHistoryLocked() {
	_ = m.store.WriteJSON(matchHistoryFile, m.history)
}

func (m *Manager) logMatch(entry map[string]any) {
	_ = m.store.AppendJSONL(matchesLog, entry)
}

// CanContact reports whether the cooldown since last contact elapsed.
func (m *Manager) CanContact(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.history[agentID]
	return float64(time.Now().Unix())-last >= DefaultCooldownS
}

// RecordContact stamps the contact time for cooldown tracking.
func (m *Manager) RecordContact(agentID string) error {
	m.mu.Lock()
	m.history[agentID] = float64(time.Now().Unix())
	m.saveHistoryLocked()
	m.mu.Unlock()
	return m.store.AppendJSONL(matchesLog, map[string]any{
		"action":   "contact",
		"agent_id": agentID,
		"ts":       time.Now().Unix(),
	})
}

// RecordResponse logs a reply to a match outreach.
func (m *Manager) RecordResponse(matchID, response string) {
	m.logMatch(map[string]any{
		"action":   "response",
		"match_id": matchID,
		"response": response,
		"ts":       time.Now().Unix(),
	})
}

// ScanRoster scores every roster agent for opportunity. Free scan.
// Their offers matching my needs and my offers matching their needs
// weigh 0.3 each, goal keyword overlap 0.2, trust above 0.5 adds 0.1.
func (m *Manager) ScanRoster(roster []presence.RosterEntry, myAgentID string, myOffers, myNeeds, goalTitles []string) []Match {
	offersMine := lowerSet(myOffers)
	needsMine := lowerSet(myNeeds)
	goalKeywords := map[string]bool{}
	for _, title := range goalTitles {
		for _, kw := range strings.Fields(strings.ToLower(title)) {
			goalKeywords[kw] = true
		}
	}

	var matches []Match
	now := time.Now().Unix()
	for _, agent := range roster {
		if agent.AgentID == myAgentID {
			continue
		}
		score := 0.0
		var reasons []string

		theirOffers := lowerSet(agent.Offers)
		theirNeeds := lowerSet(agent.Needs)

		if overlap := intersect(theirOffers, needsMine); len(overlap) > 0 {
			score += 0.3 * float64(len(overlap))
			reasons = append(reasons, "offers: "+strings.Join(overlap, ", "))
		}
		if overlap := intersect(offersMine, theirNeeds); len(overlap) > 0 {
			score += 0.3 * float64(len(overlap))
			reasons = append(reasons, "needs: "+strings.Join(overlap, ", "))
		}

		combined := lowerSet(agent.Topics)
		for _, c := range agent.Curiosities {
			combined[strings.ToLower(c)] = true
		}
		for o := range theirOffers {
			combined[o] = true
		}
		if overlap := intersect(combined, goalKeywords); len(overlap) > 0 {
			score += 0.2 * float64(len(overlap))
			reasons = append(reasons, "goal-related: "+strings.Join(overlap, ", "))
		}

		if m.trust != nil {
			if t := m.trust.ScoreFor(agent.AgentID).Score; t > 0.5 {
				score += 0.1
				reasons = append(reasons, fmt.Sprintf("trusted (%.2f)", t))
			}
		}

		if score > 0 {
			if score > 1 {
				score = 1
			}
			matches = append(matches, Match{
				AgentID: agent.AgentID,
				Name:    agent.Name,
				Score:   round3(score),
				Reasons: reasons,
				TS:      now,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// DemandMatch is unmet demand this agent could fill.
type DemandMatch struct {
	AgentID     string  `json:"agent_id"`
	Need        string  `json:"need"`
	DemandCount int     `json:"demand_count"`
	RTCCost     float64 `json:"rtc_cost"`
}

// MatchDemand finds needs with at least two demand signals. Costs
// 0.5 RTC.
func (m *Manager) MatchDemand(roster []presence.RosterEntry, demand map[string]int) []DemandMatch {
	var matches []DemandMatch
	for _, agent := range roster {
		for _, need := range agent.Needs {
			need = strings.ToLower(need)
			if count := demand[need]; count >= 2 {
				matches = append(matches, DemandMatch{
					AgentID:     agent.AgentID,
					Need:        need,
					DemandCount: count,
					RTCCost:     RTCCostDemand,
				})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].DemandCount > matches[j].DemandCount
	})
	return matches
}

// CuriosityMatch pairs agents by shared interests.
type CuriosityMatch struct {
	AgentID         string   `json:"agent_id"`
	SharedInterests []string `json:"shared_interests"`
	Overlap         int      `json:"overlap"`
	RTCCost         float64  `json:"rtc_cost"`
}

// MatchCuriosity finds peers advertising interests we share. Costs
// 0.5 RTC.
func (m *Manager) MatchCuriosity(roster []presence.RosterEntry) []CuriosityMatch {
	if m.topInterests == nil {
		return nil
	}
	mine := lowerSet(m.topInterests())
	if len(mine) == 0 {
		return nil
	}

	var matches []CuriosityMatch
	for _, agent := range roster {
		theirs := lowerSet(agent.Curiosities)
		shared := intersect(mine, theirs)
		if len(shared) > 0 {
			matches = append(matches, CuriosityMatch{
				AgentID:         agent.AgentID,
				SharedInterests: shared,
				Overlap:         len(shared),
				RTCCost:         RTCCostCuriosity,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Overlap > matches[j].Overlap
	})
	return matches
}

// CompatibilityMatch reports value alignment by hash comparison.
type CompatibilityMatch struct {
	AgentID       string  `json:"agent_id"`
	Compatibility float64 `json:"compatibility"`
	Method        string  `json:"method"`
	RTCCost       float64 `json:"rtc_cost"`
}

// MatchCompatibility compares advertised values hashes. Identical hash
// means perfect alignment; a differing hash needs the full card for a
// deeper check. Costs 1.0 RTC.
func (m *Manager) MatchCompatibility(roster []presence.RosterEntry) []CompatibilityMatch {
	if m.values == nil {
		return nil
	}
	myHash := m.values.Hash()

	var matches []CompatibilityMatch
	for _, agent := range roster {
		if agent.ValuesHash == "" {
			continue
		}
		match := CompatibilityMatch{
			AgentID:       agent.AgentID,
			Compatibility: 0.5,
			Method:        "hash_differs",
			RTCCost:       RTCCostCompatibility,
		}
		if agent.ValuesHash == myHash {
			match.Compatibility = 1.0
			match.Method = "hash_match"
		}
		matches = append(matches, match)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Compatibility > matches[j].Compatibility
	})
	return matches
}

// Introduction suggests two agents who should meet.
type Introduction struct {
	AgentA  string   `json:"agent_a"`
	AgentB  string   `json:"agent_b"`
	AGivesB []string `json:"a_gives_b"`
	BGivesA []string `json:"b_gives_a"`
	Score   float64  `json:"score"`
	RTCCost float64  `json:"rtc_cost"`
}

// SuggestIntroductions finds complementary pairs on the roster.
// Premium: 2.0 RTC.
func (m *Manager) SuggestIntroductions(roster []presence.RosterEntry) []Introduction {
	var out []Introduction
	for i := range roster {
		for j := i + 1; j < len(roster); j++ {
			a, b := roster[i], roster[j]
			aToB := intersect(lowerSet(a.Offers), lowerSet(b.Needs))
			bToA := intersect(lowerSet(b.Offers), lowerSet(a.Needs))
			if len(aToB) == 0 && len(bToA) == 0 {
				continue
			}
			score := 0.3 * float64(len(aToB)+len(bToA))
			if score > 1 {
				score = 1
			}
			out = append(out, Introduction{
				AgentA:  a.AgentID,
				AgentB:  b.AgentID,
				AGivesB: aToB,
				BGivesA: bToA,
				Score:   round3(score),
				RTCCost: RTCCostIntroductions,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// MatchHistory reads recent match log entries, newest first.
func (m *Manager) MatchHistory(limit int) []map[string]any {
	if limit == 0 {
		limit = 20
	}
	entries, _ := m.store.ReadJSONL(matchesLog)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func lowerSet(items []string) map[string]bool {
	out := map[string]bool{}
	for _, s := range items {
		out[strings.ToLower(s)] = true
	}
	return out
}

func intersect(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}
