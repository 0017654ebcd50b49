package codec

import (
	"encoding/hex"
	"sync"

	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const knownKeysFile = "known_keys.json"

// KnownKeys is the trust-on-first-use key registry: agent_id → public key
// hex. A key is learned from the first envelope whose embedded pubkey
// derives the claimed agent ID, and never overwritten after that.
type KnownKeys struct {
	store *storage.Store

	mu   sync.Mutex
	keys map[string]string
}

// LoadKnownKeys reads known_keys.json from the data directory. A missing
// or null file yields an empty registry.
func LoadKnownKeys(store *storage.Store) *KnownKeys {
	kk := &KnownKeys{store: store, keys: map[string]string{}}
	var m map[string]string
	if err := store.ReadJSON(knownKeysFile, &m); err == nil && m != nil {
		kk.keys = m
	}
	return kk
}

// Get returns the learned key for an agent, or "".
func (kk *KnownKeys) Get(agentID string) string {
	kk.mu.Lock()
	defer kk.mu.Unlock()
	return kk.keys[agentID]
}

// Map returns a copy of the full registry for verification calls.
func (kk *KnownKeys) Map() map[string]string {
	kk.mu.Lock()
	defer kk.mu.Unlock()
	out := make(map[string]string, len(kk.keys))
	for k, v := range kk.keys {
		out[k] = v
	}
	return out
}

// LearnFromEnvelope records a new agent_id → pubkey mapping if the
// envelope embeds a pubkey that derives its claimed agent ID. Returns
// true when a new key was learned.
func (kk *KnownKeys) LearnFromEnvelope(e *Envelope) bool {
	if e.AgentID == "" || e.Pubkey == "" {
		return false
	}
	raw, err := hex.DecodeString(e.Pubkey)
	if err != nil || identity.AgentIDFromPubKey(raw) != e.AgentID {
		return false
	}

	kk.mu.Lock()
	defer kk.mu.Unlock()
	if _, known := kk.keys[e.AgentID]; known {
		return false
	}
	kk.keys[e.AgentID] = e.Pubkey
	_ = kk.store.WriteJSON(knownKeysFile, kk.keys)
	return true
}
