package goals

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	goalsLog   = "goals.jsonl"
	goalsIndex = "goals.json"

	RTCCostActivate       = 0.1
	RTCCostSuggestActions = 0.5
	RTCCostAutoCreate     = 1.0
)

var validCategories = map[string]bool{
	"skill": true, "connection": true, "rtc": true, "exploration": true,
}

// Milestone is one progress checkpoint.
type Milestone struct {
	Milestone string   `json:"milestone"`
	Value     *float64 `json:"value"`
	TS        int64    `json:"ts"`
}

// Goal is an aspiration: dreamed for free, activated for 0.1 RTC, then
// progressed to achievement or abandonment.
type Goal struct {
	GoalID       string      `json:"goal_id"`
	State        string      `json:"state"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Category     string      `json:"category"`
	TargetValue  *float64    `json:"target_value"`
	CurrentValue float64     `json:"current_value"`
	DeadlineTS   *int64      `json:"deadline_ts"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
	Milestones   []Milestone `json:"milestones"`
}

// Journaler receives the auto-journal entry on achievement.
type Journaler interface {
	Write(text string, tags []string, mood string, refs map[string]any) error
}

// Suggestion is a proposed action to advance an active goal.
type Suggestion struct {
	GoalID  string  `json:"goal_id"`
	Type    string  `json:"type"`
	AgentID string  `json:"agent_id,omitempty"`
	Detail  string  `json:"detail"`
	RTCCost float64 `json:"rtc_cost"`
}

// RosterView is the slice of a roster entry the matcher needs.
type RosterView struct {
	AgentID     string
	Name        string
	Offers      []string
	Topics      []string
	Curiosities []string
}

// Manager is event-sourced: goals.jsonl is the log, goals.json an index
// of goal IDs per terminal-ish state.
type Manager struct {
	store   *storage.Store
	journal Journaler

	mu    sync.Mutex
	goals map[string]*Goal
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store, goals: map[string]*Goal{}}
	m.replay()
	return m
}

// WithJournal attaches the journal for achievement entries.
func (m *Manager) WithJournal(j Journaler) *Manager {
	m.journal = j
	return m
}

func (m *Manager) replay() {
	events, _ := m.store.ReadJSONL(goalsLog)
	for _, evt := range events {
		gid := str(evt["goal_id"])
		switch str(evt["action"]) {
		case "dream":
			category := str(evt["category"])
			if category == "" {
				category = "exploration"
			}
			g := &Goal{
				GoalID:      gid,
				State:       "dreaming",
				Title:       str(evt["title"]),
				Description: str(evt["description"]),
				Category:    category,
				CreatedAt:   int64(num(evt["ts"])),
				UpdatedAt:   int64(num(evt["ts"])),
				Milestones:  []Milestone{},
			}
			if v, ok := evt["target_value"]; ok && v != nil {
				tv := num(v)
				g.TargetValue = &tv
			}
			if v, ok := evt["deadline_ts"]; ok && v != nil {
				dt := int64(num(v))
				g.DeadlineTS = &dt
			}
			m.goals[gid] = g
		case "activate":
			if g, ok := m.goals[gid]; ok {
				g.State = "active"
				g.UpdatedAt = int64(num(evt["ts"]))
			}
		case "progress":
			if g, ok := m.goals[gid]; ok {
				ms := Milestone{Milestone: str(evt["milestone"]), TS: int64(num(evt["ts"]))}
				if v, found := evt["value"]; found && v != nil {
					val := num(v)
					ms.Value = &val
					g.CurrentValue = val
				}
				g.Milestones = append(g.Milestones, ms)
				g.UpdatedAt = ms.TS
			}
		case "achieve":
			if g, ok := m.goals[gid]; ok {
				g.State = "achieved"
				g.UpdatedAt = int64(num(evt["ts"]))
			}
		case "abandon":
			if g, ok := m.goals[gid]; ok {
				g.State = "abandoned"
				g.UpdatedAt = int64(num(evt["ts"]))
			}
		}
	}
}

func (m *Manager) saveIndexLocked() {
	index := map[string][]string{"active": {}, "achieved": {}, "abandoned": {}}
	ids := make([]string, 0, len(m.goals))
	for gid := range m.goals {
		ids = append(ids, gid)
	}
	sort.Strings(ids)
	for _, gid := range ids {
		switch m.goals[gid].State {
		case "active":
			index["active"] = append(index["active"], gid)
		case "achieved":
			index["achieved"] = append(index["achieved"], gid)
		case "abandoned":
			index["abandoned"] = append(index["abandoned"], gid)
		}
	}
	_ = m.store.WriteJSON(goalsIndex, index)
}

func genID(title string) string {
	raw := fmt.Sprintf("%s:%d", title, time.Now().UnixNano())
	sum := sha256.Sum256([]byte(raw))
	return "g_" + hex.EncodeToString(sum[:])[:10]
}

// Dream creates a goal in the dreaming state. Free. Returns the goal ID.
func (m *Manager) Dream(title, description, category string, targetValue *float64, deadlineTS *int64) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("goal title cannot be empty")
	}
	if category == "" {
		category = "exploration"
	}
	if !validCategories[category] {
		return "", errors.Errorf("invalid category %q", category)
	}

	gid := genID(title)
	now := time.Now().Unix()
	event := map[string]any{
		"action":      "dream",
		"goal_id":     gid,
		"title":       title,
		"description": description,
		"category":    category,
		"ts":          now,
	}
	if targetValue != nil {
		event["target_value"] = *targetValue
	}
	if deadlineTS != nil {
		event["deadline_ts"] = *deadlineTS
	}
	if err := m.store.AppendJSONL(goalsLog, event); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.goals[gid] = &Goal{
		GoalID:      gid,
		State:       "dreaming",
		Title:       title,
		Description: description,
		Category:    category,
		TargetValue: targetValue,
		DeadlineTS:  deadlineTS,
		CreatedAt:   now,
		UpdatedAt:   now,
		Milestones:  []Milestone{},
	}
	m.saveIndexLocked()
	return gid, nil
}

// Activate moves a goal from dreaming to active. Costs 0.1 RTC.
func (m *Manager) Activate(goalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok || g.State != "dreaming" {
		return false
	}
	now := time.Now().Unix()
	_ = m.store.AppendJSONL(goalsLog, map[string]any{"action": "activate", "goal_id": goalID, "ts": now})
	g.State = "active"
	g.UpdatedAt = now
	m.saveIndexLocked()
	return true
}

// Progress records a milestone on an active goal. Returns the updated
// goal, or nil when inapplicable.
func (m *Manager) Progress(goalID, milestone string, value *float64) *Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok || g.State != "active" {
		return nil
	}
	now := time.Now().Unix()
	if value != nil {
		g.CurrentValue = *value
	}
	g.UpdatedAt = now
	g.Milestones = append(g.Milestones, Milestone{Milestone: milestone, Value: value, TS: now})

	event := map[string]any{"action": "progress", "goal_id": goalID, "milestone": milestone, "ts": now}
	if value != nil {
		event["value"] = *value
	}
	_ = m.store.AppendJSONL(goalsLog, event)
	m.saveIndexLocked()
	out := *g
	return &out
}

// Achieve completes an active goal and journals the achievement.
func (m *Manager) Achieve(goalID, notes string) bool {
	m.mu.Lock()
	g, ok := m.goals[goalID]
	if !ok || g.State != "active" {
		m.mu.Unlock()
		return false
	}
	now := time.Now().Unix()
	g.State = "achieved"
	g.UpdatedAt = now
	_ = m.store.AppendJSONL(goalsLog, map[string]any{"action": "achieve", "goal_id": goalID, "notes": notes, "ts": now})
	m.saveIndexLocked()
	title := g.Title
	category := g.Category
	m.mu.Unlock()

	if m.journal != nil {
		text := "Goal achieved: " + title
		if notes != "" {
			text += " (" + notes + ")"
		}
		_ = m.journal.Write(text, []string{"goal", "achieved", category}, "satisfied", map[string]any{"goal_id": goalID})
	}
	return true
}

// Abandon drops a goal from dreaming or active state.
func (m *Manager) Abandon(goalID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok || (g.State != "dreaming" && g.State != "active") {
		return false
	}
	now := time.Now().Unix()
	g.State = "abandoned"
	g.UpdatedAt = now
	_ = m.store.AppendJSONL(goalsLog, map[string]any{"action": "abandon", "goal_id": goalID, "reason": reason, "ts": now})
	m.saveIndexLocked()
	return true
}

// Get returns one goal, or nil.
func (m *Manager) Get(goalID string) *Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok {
		return nil
	}
	out := *g
	return &out
}

// List returns goals, newest update first, optionally by state.
func (m *Manager) List(state string) []Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Goal
	for _, g := range m.goals {
		if state != "" && g.State != state {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].GoalID < out[j].GoalID
	})
	return out
}

// ActiveGoals returns goals in the active state.
func (m *Manager) ActiveGoals() []Goal {
	return m.List("active")
}

// ActiveGoalTitles returns the titles of active goals, for pulse and
// rule predicates.
func (m *Manager) ActiveGoalTitles() []string {
	var out []string
	for _, g := range m.ActiveGoals() {
		out = append(out, g.Title)
	}
	return out
}

// Digest returns a compact snapshot of active goals for emigration
// bundles.
func (m *Manager) Digest(limit int) []map[string]any {
	var out []map[string]any
	for _, g := range m.ActiveGoals() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, map[string]any{
			"id":       g.GoalID,
			"title":    g.Title,
			"progress": g.CurrentValue,
		})
	}
	return out
}

// SuggestActions cross-references active goals with the roster, demand
// signals, and curiosity to find advancing moves. Costs 0.5 RTC.
func (m *Manager) SuggestActions(roster []RosterView, demand map[string]int) []Suggestion {
	var out []Suggestion
	for _, goal := range m.ActiveGoals() {
		keywords := strings.Fields(strings.ToLower(goal.Title))

		switch goal.Category {
		case "skill":
			for _, agent := range roster {
				if matchesAny(agent.Offers, keywords) {
					out = append(out, Suggestion{
						GoalID:  goal.GoalID,
						Type:    "skill_match",
						AgentID: agent.AgentID,
						Detail:  displayName(agent) + " offers related skill",
						RTCCost: RTCCostSuggestActions,
					})
				}
			}
		case "connection":
			for _, agent := range roster {
				combined := append(append([]string{}, agent.Topics...), agent.Curiosities...)
				if matchesAny(combined, keywords) {
					out = append(out, Suggestion{
						GoalID:  goal.GoalID,
						Type:    "connection_match",
						AgentID: agent.AgentID,
						Detail:  "Shared interest with " + displayName(agent),
						RTCCost: RTCCostSuggestActions,
					})
				}
			}
		case "rtc":
			skills := make([]string, 0, len(demand))
			for skill := range demand {
				skills = append(skills, skill)
			}
			sort.Strings(skills)
			for _, skill := range skills {
				count := demand[skill]
				if count >= 2 && containsAny(strings.ToLower(skill), keywords) {
					out = append(out, Suggestion{
						GoalID:  goal.GoalID,
						Type:    "demand_match",
						Detail:  fmt.Sprintf("%q has %d demand signals, potential RTC opportunity", skill, count),
						RTCCost: RTCCostSuggestActions,
					})
				}
			}
		}
	}
	return out
}

// AutoCreateFromGaps dreams goals for skills with real demand. Premium:
// 1.0 RTC. Returns the created goal IDs.
func (m *Manager) AutoCreateFromGaps(skillGaps []string, demand map[string]int) []string {
	existing := map[string]bool{}
	m.mu.Lock()
	for _, g := range m.goals {
		existing[strings.ToLower(g.Title)] = true
	}
	m.mu.Unlock()

	var created []string
	for _, skill := range skillGaps {
		title := "Learn " + skill
		if existing[strings.ToLower(title)] || existing[strings.ToLower(skill)] {
			continue
		}
		count := demand[skill]
		if count < 2 {
			continue
		}
		gid, err := m.Dream(title,
			fmt.Sprintf("Auto-created: %d demand signals detected for %q", count, skill),
			"skill", nil, nil)
		if err != nil {
			continue
		}
		created = append(created, gid)
	}
	return created
}

func matchesAny(items, keywords []string) bool {
	for _, item := range items {
		if containsAny(strings.ToLower(item), keywords) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func displayName(agent RosterView) string {
	if agent.Name != "" {
		return agent.Name
	}
	return agent.AgentID
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
	}
	return 0
}
