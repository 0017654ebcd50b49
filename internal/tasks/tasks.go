package tasks

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const tasksFile = "tasks.jsonl"

// validTransitions is the bounty lifecycle:
// post -> offer -> accept -> deliver -> confirm -> pay.
var validTransitions = map[string][]string{
	"open":      {"offered", "cancelled"},
	"offered":   {"accepted", "rejected", "cancelled"},
	"accepted":  {"delivered", "cancelled"},
	"delivered": {"confirmed", "disputed"},
	"confirmed": {"paid"},
	"disputed":  {"confirmed", "cancelled"},
}

// kindToState maps envelope kinds to their target state for
// auto-transition.
var kindToState = map[string]string{
	"bounty":  "open",
	"offer":   "offered",
	"accept":  "accepted",
	"deliver": "delivered",
	"confirm": "confirmed",
	"pay":     "paid",
}

// GenerateTaskID returns a 12-char hex task ID.
func GenerateTaskID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Manager tracks tasks through an event-sourced log: the current state
// of a task is the fold of all its events in order.
type Manager struct {
	store *storage.Store
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) readEvents() []map[string]any {
	events, _ := m.store.ReadJSONL(tasksFile)
	return events
}

func (m *Manager) fold(taskID string) map[string]any {
	var state map[string]any
	for _, evt := range m.readEvents() {
		if str(evt["task_id"]) != taskID {
			continue
		}
		if state == nil {
			state = map[string]any{}
		}
		for k, v := range evt {
			state[k] = v
		}
	}
	return state
}

// Create opens a new task from a bounty envelope. Returns the task_id.
func (m *Manager) Create(env *codec.Envelope) (string, error) {
	taskID := env.Str("task_id")
	if taskID == "" {
		taskID = GenerateTaskID()
	}
	poster := env.AgentID
	if poster == "" {
		poster = env.Str("from")
	}
	event := map[string]any{
		"task_id":    taskID,
		"state":      "open",
		"poster":     poster,
		"reward_rtc": env.Float("reward_rtc"),
		"text":       env.Str("text"),
		"bounty_url": env.Str("bounty_url"),
		"links":      env.Strings("links"),
		"ts":         time.Now().Unix(),
	}
	if err := m.store.AppendJSONL(tasksFile, event); err != nil {
		return "", err
	}
	return taskID, nil
}

// Get returns the folded current state of a task, or nil when unknown.
func (m *Manager) Get(taskID string) map[string]any {
	return m.fold(taskID)
}

// Transition validates and records a state change. The envelope, when
// present, contributes state-specific detail fields.
func (m *Manager) Transition(taskID, newState string, env *codec.Envelope) (map[string]any, error) {
	current := m.fold(taskID)
	if current == nil {
		return nil, errors.Errorf("task %s not found", taskID)
	}

	currentState := str(current["state"])
	allowed := false
	for _, next := range validTransitions[currentState] {
		if next == newState {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errors.Errorf("invalid transition: %s -> %s (valid: %v)",
			currentState, newState, validTransitions[currentState])
	}

	event := map[string]any{
		"task_id": taskID,
		"state":   newState,
		"ts":      time.Now().Unix(),
	}
	if env != nil {
		switch newState {
		case "offered":
			worker := env.AgentID
			if worker == "" {
				worker = env.Str("from")
			}
			event["worker"] = worker
			event["offer_text"] = env.Str("text")
		case "accepted":
			event["accepted_worker"] = env.Str("worker")
		case "delivered":
			url := env.Str("delivery_url")
			if url == "" {
				url = env.Str("url")
			}
			event["delivery_url"] = url
			event["delivery_text"] = env.Str("text")
		case "confirmed":
			event["confirmed_by"] = env.AgentID
		case "paid":
			amount := env.Float("amount_rtc")
			if amount == 0 {
				amount = env.Float("reward_rtc")
			}
			event["amount_rtc"] = amount
			event["pay_nonce"] = env.Nonce
		case "cancelled", "rejected", "disputed":
			reason := env.Str("reason")
			if reason == "" {
				reason = env.Str("text")
			}
			event["reason"] = reason
		}
	}

	if err := m.store.AppendJSONL(tasksFile, event); err != nil {
		return nil, err
	}
	return event, nil
}

// List returns all tasks, newest first, optionally filtered by state.
func (m *Manager) List(state string) []map[string]any {
	var order []string
	seen := map[string]bool{}
	for _, evt := range m.readEvents() {
		tid := str(evt["task_id"])
		if tid != "" && !seen[tid] {
			order = append(order, tid)
			seen[tid] = true
		}
	}

	var out []map[string]any
	for _, tid := range order {
		t := m.fold(tid)
		if t == nil {
			continue
		}
		if state != "" && str(t["state"]) != state {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return num(out[i]["ts"]) > num(out[j]["ts"])
	})
	return out
}

// MyTasks returns tasks where the agent is poster or worker.
func (m *Manager) MyTasks(agentID string) []map[string]any {
	var out []map[string]any
	for _, t := range m.List("") {
		if str(t["poster"]) == agentID || str(t["worker"]) == agentID {
			out = append(out, t)
		}
	}
	return out
}

// AutoTransition maps an envelope kind to its target state and attempts
// the transition. Invalid or inapplicable transitions return nil;
// opening is handled by Create.
func (m *Manager) AutoTransition(env *codec.Envelope) map[string]any {
	newState, ok := kindToState[env.Kind]
	taskID := env.Str("task_id")
	if !ok || taskID == "" || newState == "open" {
		return nil
	}
	event, err := m.Transition(taskID, newState, env)
	if err != nil {
		return nil
	}
	return event
}

// Summary returns a compact view of a task.
func (m *Manager) Summary(taskID string) map[string]any {
	t := m.fold(taskID)
	if t == nil {
		return nil
	}
	return map[string]any{
		"task_id":    taskID,
		"state":      str(t["state"]),
		"poster":     str(t["poster"]),
		"worker":     str(t["worker"]),
		"reward_rtc": num(t["reward_rtc"]),
		"ts":         num(t["ts"]),
	}
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
