package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	rulesFile    = "rules.json"
	rulesLogFile = "rules_log.jsonl"

	// CooldownSeconds suppresses repeat fires per (rule, agent). The
	// table is in-memory only; a restart clears it.
	CooldownSeconds = 60
)

// Rule is one declarative "when X happens, do Y" entry. When is a
// conjunction of predicates; Then is a single action.
type Rule struct {
	Name     string         `json:"name"`
	When     map[string]any `json:"when"`
	Then     map[string]any `json:"then"`
	Disabled bool           `json:"disabled,omitempty"`
}

// Event is one inbound occurrence presented to the engine: the envelope
// plus its ingest metadata.
type Event struct {
	Envelope *codec.Envelope
	Platform string
	Verified *bool
	Score    float64
}

// Match pairs a fired rule with its action.
type Match struct {
	Rule             string         `json:"rule"`
	Action           map[string]any `json:"action"`
	BoundaryViolated string         `json:"boundary_violated,omitempty"`
}

// Result is the outcome of executing one action.
type Result struct {
	Rule    string         `json:"rule"`
	Action  string         `json:"action"`
	Message string         `json:"message,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	Nonce   string         `json:"nonce,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Err     string         `json:"error,omitempty"`
}

// Collaborator capabilities. Any may be nil; the corresponding
// predicates then never veto.

type TrustScorer interface {
	TrustScore(agentID string) float64
}

type BoundaryChecker interface {
	CheckBoundaries(env *codec.Envelope) string
	CompatibilityWith(principles map[string]any) float64
}

type GoalSource interface {
	ActiveGoalTitles() []string
}

// Engine evaluates events against the rule set and executes matching
// actions. Boundaries dominate: a violating envelope produces only the
// synthetic _boundary_enforcement match.
type Engine struct {
	store *storage.Store

	mu        sync.Mutex
	rules     []Rule
	cooldowns *gocache.Cache

	trust  TrustScorer
	values BoundaryChecker
	goals  GoalSource
}

func NewEngine(store *storage.Store) *Engine {
	e := &Engine{
		store:     store,
		cooldowns: gocache.New(CooldownSeconds*time.Second, 5*time.Minute),
	}
	var doc struct {
		Rules []Rule `json:"rules"`
	}
	if err := store.ReadJSON(rulesFile, &doc); err == nil {
		e.rules = doc.Rules
	}
	return e
}

// WithCollaborators attaches the optional predicate sources.
func (e *Engine) WithCollaborators(trust TrustScorer, values BoundaryChecker, goals GoalSource) *Engine {
	e.trust = trust
	e.values = values
	e.goals = goals
	return e
}

func (e *Engine) saveLocked() error {
	return e.store.WriteJSON(rulesFile, map[string]any{"rules": e.rules})
}

// Rules returns a copy of the rule set in configured order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule(nil), e.rules...)
}

// AddRule appends a rule.
func (e *Engine) AddRule(r Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	return e.saveLocked()
}

// RemoveRule deletes a rule by name.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.rules[:0]
	removed := false
	for _, r := range e.rules {
		if r.Name == name {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	e.rules = kept
	if removed {
		_ = e.saveLocked()
	}
	return removed
}

func (e *Engine) setDisabled(name string, disabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].Name == name {
			e.rules[i].Disabled = disabled
			_ = e.saveLocked()
			return true
		}
	}
	return false
}

func (e *Engine) EnableRule(name string) bool  { return e.setDisabled(name, false) }
func (e *Engine) DisableRule(name string) bool { return e.setDisabled(name, true) }

// Evaluate finds all rules matching an event. Boundary violations
// short-circuit with a single synthetic match.
func (e *Engine) Evaluate(ev Event) []Match {
	env := ev.Envelope
	if env == nil {
		return nil
	}

	if e.values != nil {
		if violated := e.values.CheckBoundaries(env); violated != "" {
			return []Match{{
				Rule:             "_boundary_enforcement",
				Action:           map[string]any{"action": "log", "message": "Boundary violated: " + violated},
				BoundaryViolated: violated,
			}}
		}
	}

	e.mu.Lock()
	ruleSet := append([]Rule(nil), e.rules...)
	e.mu.Unlock()

	var matches []Match
	for _, rule := range ruleSet {
		if rule.Disabled {
			continue
		}
		name := rule.Name
		if name == "" {
			name = "unnamed"
		}
		if !e.matchWhen(rule.When, ev) {
			continue
		}
		if e.inCooldown(name, env.AgentID) {
			continue
		}
		action := make(map[string]any, len(rule.Then))
		for k, v := range rule.Then {
			action[k] = v
		}
		matches = append(matches, Match{Rule: name, Action: action})
	}
	return matches
}

func (e *Engine) matchWhen(when map[string]any, ev Event) bool {
	env := ev.Envelope

	if expected, ok := when["kind"]; ok && !matchOneOf(expected, env.Kind) {
		return false
	}
	if expected, ok := when["agent_id"]; ok && !matchOneOf(expected, env.AgentID) {
		return false
	}

	rtc := env.Float("reward_rtc")
	if v, ok := numPredicate(when, "min_rtc"); ok && rtc < v {
		return false
	}
	if v, ok := numPredicate(when, "max_rtc"); ok && rtc > v {
		return false
	}

	if e.trust != nil && env.AgentID != "" {
		trustVal := 0.0
		_, hasMin := when["min_trust"]
		_, hasMax := when["max_trust"]
		if hasMin || hasMax {
			trustVal = e.trust.TrustScore(env.AgentID)
		}
		if v, ok := numPredicate(when, "min_trust"); ok && trustVal < v {
			return false
		}
		if v, ok := numPredicate(when, "max_trust"); ok && trustVal > v {
			return false
		}
	}

	if v, ok := numPredicate(when, "min_score"); ok && ev.Score < v {
		return false
	}

	if raw, ok := when["topic_match"]; ok {
		topics := toStringList(raw)
		blob := strings.ToLower(strings.Join([]string{
			env.Str("text"),
			strings.Join(env.Strings("links"), " "),
			env.Str("bounty_url"),
		}, " "))
		matched := false
		for _, t := range topics {
			if strings.Contains(blob, strings.ToLower(t)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if raw, ok := when["verified"]; ok && raw != nil {
		want, _ := raw.(bool)
		if ev.Verified == nil || *ev.Verified != want {
			return false
		}
	}

	if raw, ok := when["platform"]; ok {
		if p, _ := raw.(string); p != ev.Platform {
			return false
		}
	}

	if raw, ok := when["task_state"]; ok {
		if st, _ := raw.(string); env.Str("state") != st {
			return false
		}
	}

	if v, ok := numPredicate(when, "values_match"); ok && e.values != nil {
		if theirs, ok := env.Fields["values"].(map[string]any); ok && len(theirs) > 0 {
			principles, _ := theirs["principles"].(map[string]any)
			if principles == nil {
				principles = theirs
			}
			if e.values.CompatibilityWith(principles) < v {
				return false
			}
		}
	}

	if raw, ok := when["goal_active"]; ok && e.goals != nil {
		want, _ := raw.(bool)
		active := len(e.goals.ActiveGoalTitles()) > 0
		if want != active {
			return false
		}
	}

	if raw, ok := when["goal_progress"]; ok && e.goals != nil {
		keyword := strings.ToLower(fmt.Sprint(raw))
		found := false
		for _, title := range e.goals.ActiveGoalTitles() {
			if strings.Contains(strings.ToLower(title), keyword) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// Execute runs a single matched action.
func (e *Engine) Execute(m Match, ev Event) Result {
	env := ev.Envelope
	actionType, _ := m.Action["action"].(string)
	if actionType == "" {
		actionType = "log"
	}

	switch actionType {
	case "log":
		msg, _ := m.Action["message"].(string)
		if msg == "" {
			msg = "Rule fired"
		}
		msg = e.substitute(msg, env)
		_ = e.store.AppendJSONL(rulesLogFile, map[string]any{
			"ts": time.Now().Unix(), "message": msg, "event_kind": env.Kind,
		})
		return Result{Rule: m.Rule, Action: "log", Message: msg}

	case "reply":
		replyKind, _ := m.Action["kind"].(string)
		if replyKind == "" {
			replyKind = "hello"
		}
		text, _ := m.Action["text"].(string)
		to := env.AgentID
		if to == "" {
			to = env.Str("from")
		}
		reply := map[string]any{
			"kind": replyKind,
			"to":   to,
			"text": e.substitute(text, env),
			"ts":   time.Now().Unix(),
		}
		if tid, ok := m.Action["task_id"].(string); ok {
			reply["task_id"] = e.substitute(tid, env)
		}
		return Result{Rule: m.Rule, Action: "reply", Data: reply}

	case "block":
		reason, _ := m.Action["reason"].(string)
		if reason == "" {
			reason = "auto-blocked by rule"
		}
		return Result{Rule: m.Rule, Action: "block", AgentID: env.AgentID, Reason: e.substitute(reason, env)}

	case "rate":
		outcome, _ := m.Action["outcome"].(string)
		if outcome == "" {
			outcome = "ok"
		}
		return Result{Rule: m.Rule, Action: "rate", AgentID: env.AgentID, Outcome: outcome}

	case "mark_read":
		return Result{Rule: m.Rule, Action: "mark_read", Nonce: env.Nonce}

	case "emit":
		data := map[string]any{}
		for k, v := range m.Action {
			if k == "action" {
				continue
			}
			if s, ok := v.(string); ok {
				data[k] = e.substitute(s, env)
			} else {
				data[k] = v
			}
		}
		return Result{Rule: m.Rule, Action: "emit", Data: data}
	}

	return Result{Rule: m.Rule, Action: actionType, Err: "unknown_action"}
}

// Process runs the full pipeline: evaluate then execute every match,
// marking cooldowns as rules fire.
func (e *Engine) Process(ev Event) []Result {
	matches := e.Evaluate(ev)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, e.Execute(m, ev))
		e.markFired(m.Rule, ev.Envelope.AgentID)
	}
	return results
}

// substitute replaces $variables in action text with envelope values.
func (e *Engine) substitute(text string, env *codec.Envelope) string {
	replacements := [][2]string{
		{"$from", env.Str("from")},
		{"$agent_id", env.AgentID},
		{"$kind", env.Kind},
		{"$nonce", env.Nonce},
		{"$reward_rtc", numString(env.Fields["reward_rtc"])},
		{"$task_id", env.Str("task_id")},
		{"$text", env.Str("text")},
		{"$name", env.Str("name")},
	}
	for _, r := range replacements {
		text = strings.ReplaceAll(text, r[0], r[1])
	}
	return text
}

func (e *Engine) inCooldown(ruleName, agentID string) bool {
	_, found := e.cooldowns.Get(ruleName + ":" + agentID)
	return found
}

func (e *Engine) markFired(ruleName, agentID string) {
	e.cooldowns.Set(ruleName+":"+agentID, time.Now().Unix(), gocache.DefaultExpiration)
}

func matchOneOf(expected any, actual string) bool {
	switch v := expected.(type) {
	case string:
		return actual == v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == actual {
				return true
			}
		}
		return false
	case []string:
		for _, s := range v {
			if s == actual {
				return true
			}
		}
		return false
	}
	return false
}

func numPredicate(when map[string]any, key string) (float64, bool) {
	raw, ok := when[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func numString(v any) string {
	if v == nil {
		return ""
	}
	switch n := v.(type) {
	case json.Number:
		return n.String()
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	}
	return fmt.Sprint(v)
}
