package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/transport"
)

const anchorLog = "anchors.jsonl"

// CommitmentHash computes the SHA-256 commitment of arbitrary data:
// maps hash their canonical JSON, strings their UTF-8 bytes, byte
// slices hash raw.
func CommitmentHash(data any) string {
	var raw []byte
	switch d := data.(type) {
	case map[string]any:
		raw, _ = codec.Canonical(d)
	case string:
		raw = []byte(d)
	case []byte:
		raw = d
	default:
		b, _ := codec.Canonical(d)
		raw = b
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Manager submits and verifies hash commitments on the ledger, keeping
// a local log of every attempt.
type Manager struct {
	store  *storage.Store
	client *transport.LedgerClient
	id     *identity.Identity
}

func NewManager(store *storage.Store, client *transport.LedgerClient, id *identity.Identity) *Manager {
	return &Manager{store: store, client: client, id: id}
}

// Anchor hashes data, signs the commitment, and submits it. A duplicate
// commitment is logged and returned as an idempotent success.
func (m *Manager) Anchor(data any, dataType string, metadata map[string]any) (*transport.AnchorRecord, error) {
	return m.submit(CommitmentHash(data), dataType, metadata)
}

// AnchorBytes anchors pre-computed bytes.
func (m *Manager) AnchorBytes(raw []byte, dataType string, metadata map[string]any) (*transport.AnchorRecord, error) {
	sum := sha256.Sum256(raw)
	return m.submit(hex.EncodeToString(sum[:]), dataType, metadata)
}

func (m *Manager) submit(commitment, dataType string, metadata map[string]any) (*transport.AnchorRecord, error) {
	if m.client == nil {
		return nil, errors.New("anchor: no ledger configured")
	}

	metaStr := ""
	if len(metadata) > 0 {
		b, _ := json.Marshal(metadata)
		metaStr = string(b)
	}

	rec, err := m.client.AnchorSubmit(transport.AnchorSubmitRequest{
		Commitment: commitment,
		DataType:   dataType,
		Metadata:   metaStr,
		Signature:  m.id.SignHex([]byte(commitment)),
		PublicKey:  m.id.PublicKeyHex(),
	})

	entry := map[string]any{
		"ts":         time.Now().Unix(),
		"commitment": commitment,
		"data_type":  dataType,
	}
	switch {
	case err == nil:
		entry["status"] = "ok"
		entry["anchor_id"] = rec.AnchorID
		_ = m.store.AppendJSONL(anchorLog, entry)
		return rec, nil
	case errors.Is(err, transport.ErrCommitmentExists):
		entry["status"] = "duplicate"
		_ = m.store.AppendJSONL(anchorLog, entry)
		return &transport.AnchorRecord{OK: false, Commitment: commitment}, nil
	default:
		entry["status"] = "error"
		entry["error"] = err.Error()
		_ = m.store.AppendJSONL(anchorLog, entry)
		return nil, err
	}
}

// Verify checks whether a commitment exists on-chain. Returns nil when
// not found.
func (m *Manager) Verify(commitment string) (*transport.AnchorRecord, error) {
	if m.client == nil {
		return nil, errors.New("anchor: no ledger configured")
	}
	return m.client.AnchorVerify(commitment)
}

// VerifyData hashes data and checks whether that hash is anchored.
func (m *Manager) VerifyData(data any) (*transport.AnchorRecord, error) {
	return m.Verify(CommitmentHash(data))
}

// MyAnchors lists anchors submitted by this identity's ledger address.
func (m *Manager) MyAnchors(limit int) ([]transport.AnchorRecord, error) {
	if m.client == nil {
		return nil, errors.New("anchor: no ledger configured")
	}
	return m.client.AnchorList(transport.RTCAddress(m.id.PublicKey()), limit)
}

// History returns the local log of anchor attempts.
func (m *Manager) History(limit int) []map[string]any {
	entries, _ := m.store.ReadJSONLTail(anchorLog, limit)
	return entries
}

// AnchorAction anchors a completed outbox action. Non-sent results are
// skipped.
func (m *Manager) AnchorAction(result map[string]any) (*transport.AnchorRecord, error) {
	if s, _ := result["status"].(string); s != "sent" {
		return nil, nil
	}
	actionID, _ := result["action_id"].(string)
	ts, ok := result["ts"]
	if !ok {
		ts = time.Now().Unix()
	}
	method, _ := result["method"].(string)
	data := map[string]any{
		"action_id": actionID,
		"method":    method,
		"ts":        ts,
	}
	return m.Anchor(data, "beacon_action", map[string]any{"action_id": actionID})
}
