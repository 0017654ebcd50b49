package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/curiosity"
	"github.com/kola-wonder/beacon-skill/internal/goals"
	"github.com/kola-wonder/beacon-skill/internal/journal"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/values"
)

const memoryFile = "memory.json"

// ContactInfo is the accumulated picture of one peer.
type ContactInfo struct {
	AgentID         string         `json:"agent_id"`
	Interactions    int            `json:"interactions"`
	InboxMessages   int            `json:"inbox_messages"`
	RTCVolume       float64        `json:"rtc_volume"`
	Outcomes        map[string]int `json:"outcomes"`
	LastInteraction int64          `json:"last_interaction"`
}

// Manager builds and queries the agent's accumulated knowledge from its
// interaction history. The profile is rebuilt on demand and cached in
// memory.json.
type Manager struct {
	store     *storage.Store
	myAgentID string

	journal   *journal.Manager
	curiosity *curiosity.Manager
	values    *values.Manager
	goals     *goals.Manager

	profile map[string]any
}

func NewManager(store *storage.Store, myAgentID string) *Manager {
	return &Manager{store: store, myAgentID: myAgentID}
}

// WithCollaborators attaches profile enrichment sources. Any may be nil.
func (m *Manager) WithCollaborators(j *journal.Manager, c *curiosity.Manager, v *values.Manager, g *goals.Manager) *Manager {
	m.journal = j
	m.curiosity = c
	m.values = v
	m.goals = g
	return m
}

// Rebuild recomputes the full memory profile from the JSONL logs and
// persists it.
func (m *Manager) Rebuild() map[string]any {
	inboxEntries, _ := m.store.ReadJSONL("inbox.jsonl")
	outboxEntries, _ := m.store.ReadJSONL("outbox.jsonl")
	interactions, _ := m.store.ReadJSONL("interactions.jsonl")
	taskEvents, _ := m.store.ReadJSONL("tasks.jsonl")

	rtcReceived, rtcSent := 0.0, 0.0
	for _, ix := range interactions {
		rtc := math.Abs(num(ix["rtc"]))
		if str(ix["dir"]) == "in" {
			rtcReceived += rtc
		} else {
			rtcSent += rtc
		}
	}

	taskStates := map[string]string{}
	for _, evt := range taskEvents {
		if tid := str(evt["task_id"]); tid != "" {
			taskStates[tid] = str(evt["state"])
		}
	}
	activeTasks, completedTasks := 0, 0
	for _, state := range taskStates {
		switch state {
		case "paid":
			completedTasks++
		case "cancelled", "rejected":
		default:
			activeTasks++
		}
	}

	contactCounts := map[string]int{}
	topicCounts := map[string]int{}
	demandCounts := map[string]int{}
	hourCounts := map[int]int{}
	for _, entry := range inboxEntries {
		if ts := num(entry["received_at"]); ts > 0 {
			hourCounts[time.Unix(int64(ts), 0).Hour()]++
		}
		env, ok := entry["envelope"].(map[string]any)
		if !ok {
			continue
		}
		if aid := str(env["agent_id"]); aid != "" {
			contactCounts[aid]++
		}
		for _, topic := range strs(env["topics"]) {
			topicCounts[strings.ToLower(topic)]++
		}
		for _, offer := range strs(env["offers"]) {
			topicCounts[strings.ToLower(offer)]++
		}
		kind := str(env["kind"])
		if kind == "want" || kind == "bounty" {
			for _, need := range strs(env["needs"]) {
				demandCounts[strings.ToLower(need)]++
			}
			text := strings.ToLower(str(env["text"]))
			for _, topic := range strs(env["topics"]) {
				if strings.Contains(text, strings.ToLower(topic)) {
					demandCounts[strings.ToLower(topic)]++
				}
			}
		}
	}
	for _, ix := range interactions {
		if aid := str(ix["agent_id"]); aid != "" {
			contactCounts[aid]++
		}
	}

	topContacts := make([]map[string]any, 0, 20)
	for _, pair := range topPairs(contactCounts, 20) {
		topContacts = append(topContacts, map[string]any{
			"agent_id":     pair.key,
			"interactions": pair.count,
		})
	}

	activeHours := make([]int, 0, 8)
	for _, pair := range topHourPairs(hourCounts, 8) {
		activeHours = append(activeHours, pair)
	}
	sort.Ints(activeHours)

	profile := map[string]any{
		"my_agent_id":     m.myAgentID,
		"total_in":        len(inboxEntries),
		"total_out":       len(outboxEntries),
		"rtc_received":    round6(rtcReceived),
		"rtc_sent":        round6(rtcSent),
		"active_tasks":    activeTasks,
		"completed_tasks": completedTasks,
		"top_contacts":    topContacts,
		"topic_frequency": topCountMap(topicCounts, 50),
		"demand_signals":  topCountMap(demandCounts, 30),
		"active_hours":    activeHours,
		"rebuilt_at":      time.Now().Unix(),
	}

	if m.goals != nil {
		titles := m.goals.ActiveGoalTitles()
		profile["goal_active_count"] = len(titles)
		profile["goal_achieved_count"] = len(m.goals.List("achieved"))
		if len(titles) > 5 {
			titles = titles[:5]
		}
		profile["goal_titles"] = titles
	}
	if m.journal != nil {
		profile["journal_entry_count"] = m.journal.Count()
		profile["journal_moods"] = m.journal.Moods()
		var tags []string
		for _, tc := range m.journal.RecentTags(10) {
			tags = append(tags, tc.Tag)
		}
		profile["journal_tags"] = tags
	}
	if m.curiosity != nil {
		active := sortedKeysInterest(m.curiosity.Interests())
		profile["curiosity_active"] = active
		profile["curiosity_explored"] = sortedKeysExplored(m.curiosity.ExploredTopics())
		profile["curiosity_count"] = len(active)
	}
	if m.values != nil {
		profile["values_hash"] = m.values.Hash()
		principles := make([]string, 0)
		for name := range m.values.Principles() {
			principles = append(principles, name)
		}
		sort.Strings(principles)
		profile["principles"] = principles
		profile["boundary_count"] = len(m.values.Boundaries())
		profile["aesthetics"] = m.values.Aesthetics()
	}

	m.profile = profile
	_ = m.store.WriteJSON(memoryFile, profile)
	return profile
}

// Profile returns the cached profile, loading or rebuilding as needed.
func (m *Manager) Profile() map[string]any {
	if m.profile != nil {
		return m.profile
	}
	var cached map[string]any
	if err := m.store.ReadJSON(memoryFile, &cached); err == nil && len(cached) > 0 {
		m.profile = cached
		return cached
	}
	return m.Rebuild()
}

// Contact returns the detailed picture of one peer.
func (m *Manager) Contact(agentID string) ContactInfo {
	interactions, _ := m.store.ReadJSONL("interactions.jsonl")
	inboxEntries, _ := m.store.ReadJSONL("inbox.jsonl")

	info := ContactInfo{AgentID: agentID, Outcomes: map[string]int{}}
	for _, ix := range interactions {
		if str(ix["agent_id"]) != agentID {
			continue
		}
		info.Interactions++
		info.RTCVolume += math.Abs(num(ix["rtc"]))
		outcome := str(ix["outcome"])
		if outcome == "" {
			outcome = "ok"
		}
		info.Outcomes[outcome]++
		if ts := int64(num(ix["ts"])); ts > info.LastInteraction {
			info.LastInteraction = ts
		}
	}
	info.RTCVolume = round6(info.RTCVolume)

	for _, entry := range inboxEntries {
		if env, ok := entry["envelope"].(map[string]any); ok && str(env["agent_id"]) == agentID {
			info.InboxMessages++
		}
	}
	return info
}

// Contacts returns the most frequent contacts with full detail.
func (m *Manager) Contacts(limit int) []ContactInfo {
	if limit == 0 {
		limit = 20
	}
	var out []ContactInfo
	for _, tc := range m.topContactIDs(limit) {
		out = append(out, m.Contact(tc))
	}
	return out
}

// TopContacts returns the most frequent contacts as generic records,
// suitable for emigration bundles.
func (m *Manager) TopContacts(limit int) []map[string]any {
	var out []map[string]any
	for _, info := range m.Contacts(limit) {
		out = append(out, map[string]any{
			"agent_id":         info.AgentID,
			"interactions":     info.Interactions,
			"rtc_volume":       info.RTCVolume,
			"last_interaction": info.LastInteraction,
		})
	}
	return out
}

func (m *Manager) topContactIDs(limit int) []string {
	raw, _ := m.Profile()["top_contacts"].([]any)
	var out []string
	for _, item := range raw {
		if rec, ok := item.(map[string]any); ok {
			if aid := str(rec["agent_id"]); aid != "" {
				out = append(out, aid)
			}
		}
		if len(out) >= limit {
			break
		}
	}
	if out == nil {
		// Profile built this process holds typed records.
		typed, _ := m.Profile()["top_contacts"].([]map[string]any)
		for _, rec := range typed {
			if aid := str(rec["agent_id"]); aid != "" {
				out = append(out, aid)
			}
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// DemandSignals reports which skills the network is asking for within
// the window.
func (m *Manager) DemandSignals(days int) map[string]int {
	if days == 0 {
		days = 7
	}
	inboxEntries, _ := m.store.ReadJSONL("inbox.jsonl")
	cutoff := time.Now().Unix() - int64(days)*86400

	demand := map[string]int{}
	for _, entry := range inboxEntries {
		if int64(num(entry["received_at"])) < cutoff {
			continue
		}
		env, ok := entry["envelope"].(map[string]any)
		if !ok {
			continue
		}
		kind := str(env["kind"])
		if kind != "want" && kind != "bounty" {
			continue
		}
		for _, need := range strs(env["needs"]) {
			demand[strings.ToLower(need)]++
		}
		text := strings.ToLower(str(env["text"]))
		for _, topic := range strs(env["topics"]) {
			if strings.Contains(text, strings.ToLower(topic)) {
				demand[strings.ToLower(topic)]++
			}
		}
	}
	return topCountMap(demand, 30)
}

// SkillGaps returns in-demand skills the agent does not offer.
func (m *Manager) SkillGaps(myOffers []string) []string {
	offers := map[string]bool{}
	for _, o := range myOffers {
		offers[strings.ToLower(o)] = true
	}
	demand := m.DemandSignals(7)
	keys := make([]string, 0, len(demand))
	for skill := range demand {
		keys = append(keys, skill)
	}
	sort.Slice(keys, func(i, j int) bool {
		if demand[keys[i]] != demand[keys[j]] {
			return demand[keys[i]] > demand[keys[j]]
		}
		return keys[i] < keys[j]
	})
	var gaps []string
	for _, skill := range keys {
		if !offers[skill] {
			gaps = append(gaps, skill)
		}
	}
	return gaps
}

// ResponseStats summarizes interaction cadence with one agent.
type ResponseStats struct {
	AvgGapS      float64 `json:"avg_gap_s"`
	Interactions int     `json:"interactions"`
	FastestS     float64 `json:"fastest_s"`
	SlowestS     float64 `json:"slowest_s"`
}

// AgentResponseTimes computes average gaps between consecutive
// interactions per agent.
func (m *Manager) AgentResponseTimes() map[string]ResponseStats {
	interactions, _ := m.store.ReadJSONL("interactions.jsonl")
	events := map[string][]float64{}
	for _, ix := range interactions {
		aid := str(ix["agent_id"])
		ts := num(ix["ts"])
		if aid != "" && ts > 0 {
			events[aid] = append(events[aid], ts)
		}
	}

	out := map[string]ResponseStats{}
	for aid, timestamps := range events {
		if len(timestamps) < 2 {
			continue
		}
		sort.Float64s(timestamps)
		var sum, fastest, slowest float64
		for i := 1; i < len(timestamps); i++ {
			gap := timestamps[i] - timestamps[i-1]
			sum += gap
			if i == 1 || gap < fastest {
				fastest = gap
			}
			if gap > slowest {
				slowest = gap
			}
		}
		n := float64(len(timestamps) - 1)
		out[aid] = ResponseStats{
			AvgGapS:      round1(sum / n),
			Interactions: len(timestamps),
			FastestS:     round1(fastest),
			SlowestS:     round1(slowest),
		}
	}
	return out
}

// RuleSuggestion pairs a human description with a ready-made rule body.
type RuleSuggestion struct {
	Suggestion string         `json:"suggestion"`
	Rule       map[string]any `json:"rule"`
}

// SuggestRules analyzes interaction patterns and proposes automation
// rules: auto-ack for reliable peers, auto-offer where demand meets our
// offers.
func (m *Manager) SuggestRules(myOffers []string) []RuleSuggestion {
	interactions, _ := m.store.ReadJSONL("interactions.jsonl")

	positive := map[string]int{}
	total := map[string]int{}
	for _, ix := range interactions {
		aid := str(ix["agent_id"])
		if aid == "" {
			continue
		}
		total[aid]++
		switch str(ix["outcome"]) {
		case "ok", "delivered", "paid":
			positive[aid]++
		}
	}

	var suggestions []RuleSuggestion
	for _, pair := range topPairs(positive, 5) {
		aid := pair.key
		if total[aid] >= 5 && float64(positive[aid])/float64(total[aid]) >= 0.8 {
			short := aid
			if len(short) > 12 {
				short = short[:12]
			}
			suggestions = append(suggestions, RuleSuggestion{
				Suggestion: "Auto-ack messages from " + aid,
				Rule: map[string]any{
					"name": "auto-ack-" + short,
					"when": map[string]any{"agent_id": aid, "min_trust": 0.5},
					"then": map[string]any{"action": "mark_read"},
				},
			})
		}
	}

	demand := m.DemandSignals(7)
	for _, offer := range myOffers {
		key := strings.ToLower(offer)
		if demand[key] >= 3 {
			suggestions = append(suggestions, RuleSuggestion{
				Suggestion: "Auto-offer on '" + offer + "' bounties",
				Rule: map[string]any{
					"name": "auto-offer-" + key,
					"when": map[string]any{"kind": "bounty", "topic_match": []string{key}},
					"then": map[string]any{"action": "reply", "kind": "offer", "text": "I can help with " + offer + "."},
				},
			})
		}
	}
	return suggestions
}

type countPair struct {
	key   string
	count int
}

func topPairs(counts map[string]int, limit int) []countPair {
	pairs := make([]countPair, 0, len(counts))
	for k, c := range counts {
		pairs = append(pairs, countPair{k, c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].key < pairs[j].key
	})
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

func topHourPairs(counts map[int]int, limit int) []int {
	type pair struct{ hour, count int }
	pairs := make([]pair, 0, len(counts))
	for h, c := range counts {
		pairs = append(pairs, pair{h, c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].hour < pairs[j].hour
	})
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([]int, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.hour)
	}
	return out
}

func topCountMap(counts map[string]int, limit int) map[string]int {
	out := map[string]int{}
	for _, pair := range topPairs(counts, limit) {
		out[pair.key] = pair.count
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
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func strs(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeysInterest(m map[string]curiosity.Interest) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysExplored(m map[string]curiosity.Explored) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
