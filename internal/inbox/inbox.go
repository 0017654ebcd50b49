package inbox

import (
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const inboxFile = "inbox.jsonl"

// Entry is one received envelope enriched with verification and read
// state. Verified is nil for unsigned or raw-text entries.
type Entry struct {
	Platform   string          `json:"platform"`
	From       string          `json:"from"`
	ReceivedAt int64           `json:"received_at"`
	Text       string          `json:"text"`
	Envelope   *codec.Envelope `json:"-"`
	Verified   *bool           `json:"verified"`
	IsRead     bool            `json:"is_read"`
}

// Filter narrows ReadInbox results. Zero values mean "no constraint".
type Filter struct {
	Kind       string
	AgentID    string
	Since      int64
	UnreadOnly bool
	Limit      int
}

// Manager records inbound envelopes and tracks read state through the
// store's bounded nonce set.
type Manager struct {
	store *storage.Store
	keys  *codec.KnownKeys
}

func NewManager(store *storage.Store, keys *codec.KnownKeys) *Manager {
	return &Manager{store: store, keys: keys}
}

// Ingest parses a raw inbound payload, learns keys on first use, verifies
// signatures, and appends one enriched record per envelope. Returns the
// entries recorded. Payloads with no parseable envelope are recorded as a
// single raw-text entry.
func (m *Manager) Ingest(platform, from string, raw []byte) ([]Entry, error) {
	now := time.Now().Unix()
	envs := codec.ParseBody(raw)

	if len(envs) == 0 {
		rec := map[string]any{
			"platform":    platform,
			"from":        from,
			"received_at": now,
			"text":        string(raw),
		}
		if err := m.store.AppendJSONL(inboxFile, rec); err != nil {
			return nil, err
		}
		return []Entry{{Platform: platform, From: from, ReceivedAt: now, Text: string(raw)}}, nil
	}

	var out []Entry
	for _, env := range envs {
		m.keys.LearnFromEnvelope(env)
		verified := codec.VerifyEnvelope(env, m.keys.Map())

		rec := map[string]any{
			"platform":    platform,
			"from":        from,
			"received_at": now,
			"envelope":    env.ToMap(true),
		}
		if verified != nil {
			rec["verified"] = *verified
		}
		if err := m.store.AppendJSONL(inboxFile, rec); err != nil {
			return out, err
		}
		out = append(out, Entry{
			Platform:   platform,
			From:       from,
			ReceivedAt: now,
			Envelope:   env,
			Verified:   verified,
		})
	}
	return out, nil
}

// ReadInbox returns recorded entries matching the filter. Verification is
// recomputed against the current known-key set, so an entry recorded
// before its sender's key was learned reads back verified.
func (m *Manager) ReadInbox(f Filter) []Entry {
	records, _ := m.store.ReadJSONL(inboxFile)
	known := m.keys.Map()

	var out []Entry
	for _, rec := range records {
		entry := Entry{
			Platform:   strField(rec, "platform"),
			From:       strField(rec, "from"),
			ReceivedAt: intField(rec, "received_at"),
			Text:       strField(rec, "text"),
		}

		var envs []*codec.Envelope
		if raw, ok := rec["envelope"].(map[string]any); ok {
			envs = []*codec.Envelope{codec.FromMap(raw)}
		} else if entry.Text != "" {
			envs = codec.DecodeEnvelopes(entry.Text)
		}

		if len(envs) == 0 {
			// Raw entries cannot be filtered by kind or agent.
			if f.Kind != "" || f.AgentID != "" {
				continue
			}
			if f.Since != 0 && entry.ReceivedAt < f.Since {
				continue
			}
			out = append(out, entry)
			continue
		}

		for _, env := range envs {
			e := entry
			e.Envelope = env
			e.Verified = codec.VerifyEnvelope(env, known)
			e.IsRead = env.Nonce != "" && m.store.IsNonceRead(env.Nonce)

			if f.Kind != "" && env.Kind != f.Kind {
				continue
			}
			if f.AgentID != "" && env.AgentID != f.AgentID {
				continue
			}
			if f.Since != 0 && e.ReceivedAt < f.Since {
				continue
			}
			if f.UnreadOnly && e.IsRead {
				continue
			}
			out = append(out, e)
		}
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// MarkRead records a nonce as consumed.
func (m *Manager) MarkRead(nonce string) error {
	return m.store.MarkNonceRead(nonce)
}

// Count returns the number of inbox entries, optionally unread only.
func (m *Manager) Count(unreadOnly bool) int {
	return len(m.ReadInbox(Filter{UnreadOnly: unreadOnly}))
}

// GetByNonce finds a specific entry by its envelope nonce.
func (m *Manager) GetByNonce(nonce string) *Entry {
	for _, e := range m.ReadInbox(Filter{}) {
		if e.Envelope != nil && e.Envelope.Nonce == nonce {
			entry := e
			return &entry
		}
	}
	return nil
}

func strField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

func intField(rec map[string]any, key string) int64 {
	switch n := rec[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}
