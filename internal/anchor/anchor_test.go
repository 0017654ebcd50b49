package anchor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/transport"
)

func newManager(t *testing.T, ledgerURL string) *Manager {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate failed: %v", err)
	}
	var client *transport.LedgerClient
	if ledgerURL != "" {
		client = transport.NewLedgerClient(ledgerURL, false)
	}
	return NewManager(store, client, id)
}

func TestCommitmentHash(t *testing.T) {
	a := CommitmentHash(map[string]any{"b": 2, "a": 1})
	b := CommitmentHash(map[string]any{"a": 1, "b": 2})
	if a != b {
		t.Errorf("Expected identical hashes for equal maps. Got: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Expected 64-char hash. Got: %d", len(a))
	}
	if CommitmentHash("hello") != CommitmentHash([]byte("hello")) {
		t.Error("Expected string and raw bytes to hash alike")
	}
	if CommitmentHash("hello") == a {
		t.Error("Expected different data to hash differently")
	}
}

func TestAnchorWithoutLedger(t *testing.T) {
	m := newManager(t, "")
	if _, err := m.Anchor("data", "test", nil); err == nil {
		t.Error("Expected error without ledger client")
	}
	if _, err := m.Verify("abc"); err == nil {
		t.Error("Expected error without ledger client")
	}
	if _, err := m.MyAnchors(10); err == nil {
		t.Error("Expected error without ledger client")
	}
}

func TestAnchorSubmitAndHistory(t *testing.T) {
	var submitted transport.AnchorSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/anchor/submit" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(transport.AnchorRecord{
			OK:         true,
			AnchorID:   "anc_1",
			Commitment: submitted.Commitment,
		})
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)
	data := map[string]any{"kind": "hello", "ts": 1700000000}
	rec, err := m.Anchor(data, "envelope", map[string]any{"source": "test"})
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if rec.AnchorID != "anc_1" || rec.Commitment != CommitmentHash(data) {
		t.Errorf("Expected anchor record. Got: %+v", rec)
	}
	if !identity.Verify(submitted.PublicKey, submitted.Signature, []byte(submitted.Commitment)) {
		t.Error("Expected submitted commitment to carry a valid signature")
	}
	if submitted.DataType != "envelope" || submitted.Metadata == "" {
		t.Errorf("Expected data type and metadata. Got: %+v", submitted)
	}

	history := m.History(10)
	if len(history) != 1 {
		t.Fatalf("Expected 1 history entry. Got: %d", len(history))
	}
	if history[0]["status"] != "ok" || history[0]["anchor_id"] != "anc_1" {
		t.Errorf("Expected ok status logged. Got: %v", history[0])
	}
}

func TestAnchorDuplicateIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)
	rec, err := m.Anchor("already there", "test", nil)
	if err != nil {
		t.Fatalf("Expected duplicate to succeed. Got: %v", err)
	}
	if rec.OK || rec.Commitment != CommitmentHash("already there") {
		t.Errorf("Expected idempotent record. Got: %+v", rec)
	}
	history := m.History(10)
	if len(history) != 1 || history[0]["status"] != "duplicate" {
		t.Errorf("Expected duplicate logged. Got: %v", history)
	}
}

func TestVerify(t *testing.T) {
	known := CommitmentHash("known data")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/anchor/"+known {
			json.NewEncoder(w).Encode(map[string]any{
				"found":  true,
				"anchor": transport.AnchorRecord{OK: true, AnchorID: "anc_9", Commitment: known},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"found": false})
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)
	rec, err := m.VerifyData("known data")
	if err != nil {
		t.Fatalf("VerifyData failed: %v", err)
	}
	if rec == nil || rec.AnchorID != "anc_9" {
		t.Errorf("Expected anchored record. Got: %+v", rec)
	}

	rec, err = m.VerifyData("never anchored")
	if err != nil {
		t.Fatalf("VerifyData failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil for unanchored data. Got: %+v", rec)
	}
}

func TestMyAnchors(t *testing.T) {
	var submitter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/anchors" {
			http.NotFound(w, r)
			return
		}
		submitter = r.URL.Query().Get("submitter")
		json.NewEncoder(w).Encode(map[string]any{
			"anchors": []transport.AnchorRecord{{AnchorID: "anc_1"}, {AnchorID: "anc_2"}},
		})
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)
	anchors, err := m.MyAnchors(5)
	if err != nil {
		t.Fatalf("MyAnchors failed: %v", err)
	}
	if len(anchors) != 2 {
		t.Errorf("Expected 2 anchors. Got: %d", len(anchors))
	}
	if submitter != transport.RTCAddress(m.id.PublicKey()) {
		t.Errorf("Expected own ledger address as submitter. Got: %s", submitter)
	}
}

func TestAnchorAction(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transport.AnchorSubmitRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotType = req.DataType
		json.NewEncoder(w).Encode(transport.AnchorRecord{OK: true, AnchorID: "anc_act", Commitment: req.Commitment})
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)

	rec, err := m.AnchorAction(map[string]any{"status": "failed", "action_id": "a-1"})
	if err != nil || rec != nil {
		t.Errorf("Expected non-sent action skipped. Got: %+v, %v", rec, err)
	}

	rec, err = m.AnchorAction(map[string]any{
		"status":    "sent",
		"action_id": "a-2",
		"method":    "udp",
		"ts":        1700000000,
	})
	if err != nil {
		t.Fatalf("AnchorAction failed: %v", err)
	}
	if rec.AnchorID != "anc_act" || gotType != "beacon_action" {
		t.Errorf("Expected action anchored. Got: %+v type %s", rec, gotType)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad signature", http.StatusBadRequest)
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)
	if _, err := m.Anchor("data", "test", nil); err == nil {
		t.Error("Expected error on 400")
	}
	if calls != 1 {
		t.Errorf("Expected single attempt on 4xx. Got: %d", calls)
	}
	history := m.History(10)
	if len(history) != 1 || history[0]["status"] != "error" {
		t.Errorf("Expected error logged. Got: %v", history)
	}
}
