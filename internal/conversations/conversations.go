package conversations

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	conversationsFile = "conversations.jsonl"

	DefaultStaleS = 604800 // 7 days
)

// ConvID derives the deterministic conversation ID for an agent pair
// and topic. The pair is sorted so either side computes the same ID.
func ConvID(agentA, agentB, topic string) string {
	pair := []string{agentA, agentB}
	sort.Strings(pair)
	raw := pair[0] + "|" + pair[1] + "|" + topic
	sum := sha256.Sum256([]byte(raw))
	return "conv_" + hex.EncodeToString(sum[:])[:10]
}

// Conversation is the folded state of one thread.
type Conversation struct {
	ConversationID string `json:"conversation_id"`
	MyAgentID      string `json:"my_agent_id"`
	TheirAgentID   string `json:"their_agent_id"`
	TopicKey       string `json:"topic_key"`
	State          string `json:"state"`
	Messages       int    `json:"messages"`
	LastMessageTS  int64  `json:"last_message_ts"`
	LastDirection  string `json:"last_direction"`
	CreatedAt      int64  `json:"created_at"`
}

// Manager tracks multi-turn threads with peers. State is rebuilt from
// the event log at startup; deterministic IDs prevent duplicate
// contacts for the same pair and topic.
type Manager struct {
	store *storage.Store
	myID  string

	mu    sync.Mutex
	convs map[string]*Conversation
}

func NewManager(store *storage.Store, myAgentID string) *Manager {
	m := &Manager{store: store, myID: myAgentID, convs: map[string]*Conversation{}}
	m.replay()
	return m
}

func (m *Manager) replay() {
	events, _ := m.store.ReadJSONL(conversationsFile)
	for _, event := range events {
		cid := str(event["conversation_id"])
		if cid == "" {
			continue
		}
		switch str(event["event_type"]) {
		case "create":
			topic := str(event["topic_key"])
			if topic == "" {
				topic = "general"
			}
			m.convs[cid] = &Conversation{
				ConversationID: cid,
				MyAgentID:      str(event["my_agent_id"]),
				TheirAgentID:   str(event["their_agent_id"]),
				TopicKey:       topic,
				State:          "initiated",
				LastMessageTS:  int64(num(event["ts"])),
				CreatedAt:      int64(num(event["ts"])),
			}
		case "message":
			if c, ok := m.convs[cid]; ok {
				c.Messages++
				c.LastMessageTS = int64(num(event["ts"]))
				c.LastDirection = str(event["direction"])
				if c.State == "initiated" {
					c.State = "active"
				}
			}
		case "complete":
			if c, ok := m.convs[cid]; ok {
				c.State = "completed"
			}
		case "stale":
			if c, ok := m.convs[cid]; ok {
				c.State = "stale"
			}
		}
	}
}

func (m *Manager) append(event map[string]any) {
	_ = m.store.AppendJSONL(conversationsFile, event)
}

// GetOrCreate returns the conversation for an agent+topic pair,
// creating it when new.
func (m *Manager) GetOrCreate(theirAgentID, topicKey string) Conversation {
	if topicKey == "" {
		topicKey = "general"
	}
	cid := ConvID(m.myID, theirAgentID, topicKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[cid]; ok {
		return *c
	}
	now := time.Now().Unix()
	c := &Conversation{
		ConversationID: cid,
		MyAgentID:      m.myID,
		TheirAgentID:   theirAgentID,
		TopicKey:       topicKey,
		State:          "initiated",
		LastMessageTS:  now,
		CreatedAt:      now,
	}
	m.convs[cid] = c
	m.append(map[string]any{
		"event_type":      "create",
		"conversation_id": cid,
		"my_agent_id":     m.myID,
		"their_agent_id":  theirAgentID,
		"topic_key":       topicKey,
		"ts":              now,
	})
	return *c
}

// GetOrCreateID returns just the conversation ID. Satisfies the
// executor's conversation tracker.
func (m *Manager) GetOrCreateID(theirAgentID, topicKey string) string {
	return m.GetOrCreate(theirAgentID, topicKey).ConversationID
}

// RecordMessage records one message in a known conversation.
func (m *Manager) RecordMessage(conversationID, direction, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	now := time.Now().Unix()
	c.Messages++
	c.LastMessageTS = now
	c.LastDirection = direction
	if c.State == "initiated" {
		c.State = "active"
	}
	m.append(map[string]any{
		"event_type":      "message",
		"conversation_id": conversationID,
		"direction":       direction,
		"kind":            kind,
		"ts":              now,
	})
	return nil
}

// FindByAgent returns all conversations with one agent.
func (m *Manager) FindByAgent(theirAgentID string) []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Conversation
	for _, c := range m.convs {
		if c.TheirAgentID == theirAgentID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// FindByTopic returns the first conversation on a topic, or nil.
func (m *Manager) FindByTopic(topicKey string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.TopicKey == topicKey {
			conv := *c
			return &conv
		}
	}
	return nil
}

// IsWaitingForReply reports whether we sent last and the thread is
// still open.
func (m *Manager) IsWaitingForReply(theirAgentID, topicKey string) bool {
	if topicKey == "" {
		topicKey = "general"
	}
	cid := ConvID(m.myID, theirAgentID, topicKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[cid]
	if !ok {
		return false
	}
	return c.LastDirection == "out" && (c.State == "initiated" || c.State == "active")
}

// ShouldFollowUp reports whether an open thread has gone unanswered
// past the timeout.
func (m *Manager) ShouldFollowUp(conversationID string, timeoutS int64) bool {
	if timeoutS == 0 {
		timeoutS = 86400
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return false
	}
	if c.State != "initiated" && c.State != "active" {
		return false
	}
	if c.LastDirection != "out" {
		return false
	}
	return time.Now().Unix()-c.LastMessageTS >= timeoutS
}

// MarkCompleted closes a conversation.
func (m *Manager) MarkCompleted(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return
	}
	c.State = "completed"
	m.append(map[string]any{
		"event_type":      "complete",
		"conversation_id": conversationID,
		"ts":              time.Now().Unix(),
	})
}

// MarkStale flags idle open threads. Returns the count marked.
func (m *Manager) MarkStale(maxIdleS int64) int {
	if maxIdleS == 0 {
		maxIdleS = DefaultStaleS
	}
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for cid, c := range m.convs {
		if c.State != "initiated" && c.State != "active" {
			continue
		}
		if now-c.LastMessageTS >= maxIdleS {
			c.State = "stale"
			m.append(map[string]any{
				"event_type":      "stale",
				"conversation_id": cid,
				"ts":              now,
			})
			count++
		}
	}
	return count
}

// ActiveConversations returns open threads.
func (m *Manager) ActiveConversations() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Conversation
	for _, c := range m.convs {
		if c.State == "initiated" || c.State == "active" {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTS > out[j].LastMessageTS
	})
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
	}
	return 0
}
