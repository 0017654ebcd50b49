package outbox

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	outboxLog     = "outbox.jsonl"
	outboxPending = "outbox_pending.json"

	// MaxRetryAttempts is the cap before an item auto-fails.
	MaxRetryAttempts = 3
)

// Item is one queued outbound action. Status is pending, sent, delivered
// or failed.
type Item struct {
	ActionID       string         `json:"action_id"`
	ActionType     string         `json:"action_type"`
	TargetAgentID  string         `json:"target_agent_id"`
	Envelope       map[string]any `json:"envelope"`
	TransportHint  string         `json:"transport_hint"`
	Status         string         `json:"status"`
	Source         string         `json:"source"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error"`
	ConversationID string         `json:"conversation_id"`
}

// Manager is the persistent outbound queue: an append-only log plus a
// pending-index snapshot keyed by action_id.
type Manager struct {
	store *storage.Store
	mu    sync.Mutex
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

func genActionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Queue adds an action and returns its action_id.
func (m *Manager) Queue(actionType, targetAgentID string, envelope map[string]any, transportHint, source, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	item := Item{
		ActionID:       genActionID(),
		ActionType:     actionType,
		TargetAgentID:  targetAgentID,
		Envelope:       envelope,
		TransportHint:  transportHint,
		Status:         "pending",
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
		ConversationID: conversationID,
	}
	if err := m.appendLogLocked(itemToMap(item)); err != nil {
		return "", err
	}
	pending := m.readPendingLocked()
	pending[item.ActionID] = item
	if err := m.store.WriteJSON(outboxPending, pending); err != nil {
		return "", err
	}
	return item.ActionID, nil
}

// Pending returns items ready to send in FIFO order by created_at.
func (m *Manager) Pending(limit int) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, item := range m.readPendingLocked() {
		if item.Status != "pending" || item.Attempts >= MaxRetryAttempts {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ActionID < out[j].ActionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Get returns a queued action by ID, or nil.
func (m *Manager) Get(actionID string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.readPendingLocked()[actionID]; ok {
		return &item
	}
	return nil
}

func (m *Manager) MarkSent(actionID string) error {
	return m.updateStatus(actionID, "sent")
}

func (m *Manager) MarkDelivered(actionID string) error {
	return m.updateStatus(actionID, "delivered")
}

// MarkFailed transitions an action to failed with a terminal error.
func (m *Manager) MarkFailed(actionID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.readPendingLocked()
	item, ok := pending[actionID]
	if !ok {
		return nil
	}
	item.Status = "failed"
	item.UpdatedAt = time.Now().Unix()
	if errMsg != "" {
		item.Error = errMsg
	}
	pending[actionID] = item
	if err := m.store.WriteJSON(outboxPending, pending); err != nil {
		return err
	}
	return m.appendLogLocked(map[string]any{
		"action_id": actionID, "status": "failed", "error": errMsg, "ts": item.UpdatedAt,
	})
}

// MarkRetry increments the attempt counter. At MaxRetryAttempts the item
// auto-fails with error max_retries_exceeded.
func (m *Manager) MarkRetry(actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.readPendingLocked()
	item, ok := pending[actionID]
	if !ok {
		return nil
	}
	item.Attempts++
	item.UpdatedAt = time.Now().Unix()
	if item.Attempts >= MaxRetryAttempts {
		item.Status = "failed"
		item.Error = "max_retries_exceeded"
	}
	pending[actionID] = item
	return m.store.WriteJSON(outboxPending, pending)
}

// Recent reads the newest log entries, most recent first.
func (m *Manager) Recent(limit int) []map[string]any {
	records, _ := m.store.ReadJSONL(outboxLog)
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// CountPending counts actionable items.
func (m *Manager) CountPending() int {
	return len(m.Pending(0))
}

// Cleanup drops terminal items older than maxAgeDays from the pending
// index. The append-only log is untouched.
func (m *Manager) Cleanup(maxAgeDays int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Unix() - int64(maxAgeDays)*86400
	pending := m.readPendingLocked()
	removed := 0
	for id, item := range pending {
		switch item.Status {
		case "sent", "delivered", "failed":
			if item.UpdatedAt < cutoff {
				delete(pending, id)
				removed++
			}
		}
	}
	if removed > 0 {
		_ = m.store.WriteJSON(outboxPending, pending)
	}
	return removed
}

func (m *Manager) updateStatus(actionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.readPendingLocked()
	item, ok := pending[actionID]
	if !ok {
		return nil
	}
	item.Status = status
	item.UpdatedAt = time.Now().Unix()
	pending[actionID] = item
	if err := m.store.WriteJSON(outboxPending, pending); err != nil {
		return err
	}
	return m.appendLogLocked(map[string]any{"action_id": actionID, "status": status, "ts": item.UpdatedAt})
}

func (m *Manager) readPendingLocked() map[string]Item {
	var pending map[string]Item
	if err := m.store.ReadJSON(outboxPending, &pending); err != nil || pending == nil {
		return map[string]Item{}
	}
	return pending
}

func (m *Manager) appendLogLocked(rec map[string]any) error {
	return m.store.AppendJSONL(outboxLog, rec)
}

func itemToMap(it Item) map[string]any {
	return map[string]any{
		"action_id":       it.ActionID,
		"action_type":     it.ActionType,
		"target_agent_id": it.TargetAgentID,
		"envelope":        it.Envelope,
		"transport_hint":  it.TransportHint,
		"status":          it.Status,
		"source":          it.Source,
		"created_at":      it.CreatedAt,
		"updated_at":      it.UpdatedAt,
		"attempts":        it.Attempts,
		"error":           it.Error,
		"conversation_id": it.ConversationID,
	}
}
