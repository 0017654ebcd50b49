package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/mayday"
	"github.com/kola-wonder/beacon-skill/internal/outbox"
	"github.com/kola-wonder/beacon-skill/internal/rules"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

type inboxFixture struct {
	store  *storage.Store
	inbox  *inbox.Manager
	outbox *outbox.Manager
	engine *rules.Engine
	mayday *mayday.Manager
	router *gin.Engine
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate failed: %v", err)
	}

	f := &inboxFixture{
		store:  store,
		inbox:  inbox.NewManager(store, codec.LoadKnownKeys(store)),
		outbox: outbox.NewManager(store),
		engine: rules.NewEngine(store),
		mayday: mayday.NewManager(store, &config.Config{}),
	}
	executor := outbox.NewExecutor(f.outbox, id, outbox.UDPConfig{})
	f.router = SetupRouter(Deps{
		Inbox:    f.inbox,
		Rules:    f.engine,
		Mayday:   f.mayday,
		Executor: executor,
	})
	return f
}

func (f *inboxFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/beacon/inbox", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestInboxResponseContract(t *testing.T) {
	f := newInboxFixture(t)

	w := f.post(t, `{"kind":"hello","ts":1700000000,"nonce":"n-1","text":"hi","agent_id":"bcn_peer"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200. Got: %d (%s)", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response JSON: %v", err)
	}
	if resp["ok"] != true {
		t.Errorf("Expected ok true. Got: %v", resp["ok"])
	}
	if resp["received"] != 1.0 {
		t.Errorf("Expected received 1. Got: %v", resp["received"])
	}
	results, _ := resp["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("Expected 1 result. Got: %v", resp["results"])
	}
	first, _ := results[0].(map[string]any)
	if first["nonce"] != "n-1" || first["kind"] != "hello" {
		t.Errorf("Expected nonce and kind in result. Got: %v", first)
	}
	if _, ok := first["verified"]; !ok {
		t.Errorf("Expected verified in result. Got: %v", first)
	}

	entries := f.inbox.ReadInbox(inbox.Filter{})
	if len(entries) != 1 {
		t.Fatalf("Expected 1 stored entry. Got: %d", len(entries))
	}
	if entries[0].Platform != "webhook" {
		t.Errorf("Expected webhook platform. Got: %s", entries[0].Platform)
	}
}

func TestInboxRunsRules(t *testing.T) {
	f := newInboxFixture(t)
	if err := f.engine.AddRule(rules.Rule{
		Name: "auto-ack",
		When: map[string]any{"kind": "hello", "platform": "webhook"},
		Then: map[string]any{"action": "reply", "kind": "like", "text": "ack $name"},
	}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	w := f.post(t, `{"kind":"hello","ts":1700000000,"nonce":"n-2","name":"nova","agent_id":"bcn_peer"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200. Got: %d (%s)", w.Code, w.Body.String())
	}

	pending := f.outbox.Pending(10)
	if len(pending) != 1 {
		t.Fatalf("Expected rule reply queued. Got: %d pending", len(pending))
	}
	if pending[0].ActionType != "reply" {
		t.Errorf("Expected reply action. Got: %s", pending[0].ActionType)
	}
	if pending[0].Envelope["kind"] != "like" || pending[0].Envelope["text"] != "ack nova" {
		t.Errorf("Expected substituted reply envelope. Got: %v", pending[0].Envelope)
	}
}

func TestInboxRulePlatformMismatch(t *testing.T) {
	f := newInboxFixture(t)
	if err := f.engine.AddRule(rules.Rule{
		Name: "udp-only",
		When: map[string]any{"kind": "hello", "platform": "udp"},
		Then: map[string]any{"action": "reply", "kind": "like"},
	}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	f.post(t, `{"kind":"hello","ts":1700000000,"nonce":"n-3","agent_id":"bcn_peer"}`)
	if pending := f.outbox.Pending(10); len(pending) != 0 {
		t.Errorf("Expected no queued actions for udp-only rule. Got: %d", len(pending))
	}
}

func TestInboxProcessesMayday(t *testing.T) {
	f := newInboxFixture(t)

	w := f.post(t, `{"kind":"mayday","ts":1700000000,"nonce":"n-4","agent_id":"bcn_drifter","urgency":"emergency","reason":"disk failing"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200. Got: %d (%s)", w.Code, w.Body.String())
	}

	received := f.mayday.ReceivedMaydays(10)
	if len(received) != 1 {
		t.Fatalf("Expected 1 mayday recorded. Got: %d", len(received))
	}
	if received[0]["agent_id"] != "bcn_drifter" || received[0]["urgency"] != "emergency" {
		t.Errorf("Expected mayday fields. Got: %v", received[0])
	}
}
