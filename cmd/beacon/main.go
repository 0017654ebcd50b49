package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/agentcard"
	"github.com/kola-wonder/beacon-skill/internal/anchor"
	"github.com/kola-wonder/beacon-skill/internal/api"
	"github.com/kola-wonder/beacon-skill/internal/accord"
	"github.com/kola-wonder/beacon-skill/internal/atlas"
	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/conversations"
	"github.com/kola-wonder/beacon-skill/internal/curiosity"
	"github.com/kola-wonder/beacon-skill/internal/db"
	"github.com/kola-wonder/beacon-skill/internal/feed"
	"github.com/kola-wonder/beacon-skill/internal/goals"
	"github.com/kola-wonder/beacon-skill/internal/heartbeat"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/journal"
	"github.com/kola-wonder/beacon-skill/internal/matchmaker"
	"github.com/kola-wonder/beacon-skill/internal/mayday"
	"github.com/kola-wonder/beacon-skill/internal/memory"
	"github.com/kola-wonder/beacon-skill/internal/outbox"
	"github.com/kola-wonder/beacon-skill/internal/presence"
	"github.com/kola-wonder/beacon-skill/internal/rules"
	"github.com/kola-wonder/beacon-skill/internal/scheduler"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/tasks"
	"github.com/kola-wonder/beacon-skill/internal/transport"
	"github.com/kola-wonder/beacon-skill/internal/trust"
	"github.com/kola-wonder/beacon-skill/internal/values"
)

func main() {
	log.Println("Starting Beacon agent node...")

	cfg := config.Load()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("FATAL: Cannot open data directory %s: %v", cfg.DataDir, err)
	}

	id := loadIdentity(store)
	log.Printf("Agent identity: %s", id.AgentID)

	knownKeys := codec.LoadKnownKeys(store)

	// Core managers
	trustMgr := trust.NewManager(store)
	valuesMgr := values.NewManager(store)
	curiosityMgr := curiosity.NewManager(store)
	journalMgr := journal.NewManager(store)
	goalsMgr := goals.NewManager(store).WithJournal(journalMgr)
	accordMgr := accord.NewManager(store)
	tasksMgr := tasks.NewManager(store)
	conversationsMgr := conversations.NewManager(store, id.AgentID)
	heartbeatMgr := heartbeat.NewManager(store, cfg)
	presenceMgr := presence.NewManager(store, cfg).
		WithCollaborators(curiosityMgr, valuesMgr, goalsMgr)
	atlasMgr := atlas.NewManager(store).
		WithCollaborators(trustMgr, accordMgr, heartbeatMgr)
	feedMgr := feed.NewManager(store).
		WithCollaborators(trustMgr, curiosityMgr)
	matchmakerMgr := matchmaker.NewManager(store).
		WithCollaborators(trustMgr, func() []string { return curiosityMgr.TopInterests(0) }, valuesMgr)
	memoryMgr := memory.NewManager(store, id.AgentID).
		WithCollaborators(journalMgr, curiosityMgr, valuesMgr, goalsMgr)
	insights := memory.NewInsights(store)
	maydayMgr := mayday.NewManager(store, cfg).
		WithCollaborators(memoryMgr, trustMgr, valuesMgr, goalsMgr, journalMgr, accordMgr)

	inboxMgr := inbox.NewManager(store, knownKeys)
	outboxMgr := outbox.NewManager(store)
	executor := outbox.NewExecutor(outboxMgr, id, outbox.UDPConfig{
		Enabled:   cfg.UDP.Enabled,
		Host:      cfg.UDP.Host,
		Port:      cfg.UDP.Port,
		Broadcast: cfg.UDP.Broadcast,
	}).WithCollaborators(trustMgr, presenceMgr, matchmakerMgr, conversationsMgr)

	engine := rules.NewEngine(store).
		WithCollaborators(trustScorer{trustMgr}, boundaryAdapter{valuesMgr}, goalsMgr)

	// Optional ledger anchoring
	var anchorMgr *anchor.Manager
	if cfg.Ledger.URL != "" {
		ledger := transport.NewLedgerClient(cfg.Ledger.URL, cfg.Ledger.SkipTLSVerify)
		anchorMgr = anchor.NewManager(store, ledger, id)
		log.Printf("[Ledger] Anchoring enabled via %s", cfg.Ledger.URL)
	}

	// Optional Postgres archive, warn-and-continue like the JSONL store
	// is the source of truth.
	var archive *db.PostgresStore
	if dbURL := os.Getenv("BEACON_DATABASE_URL"); dbURL != "" {
		archive, err = db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without archive. Error: %v", err)
			archive = nil
		} else {
			defer archive.Close()
			if err := archive.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	card, err := agentcard.Generate(id, cfg, cardTransports(cfg), nil, valuesMgr)
	if err != nil {
		log.Fatalf("FATAL: Cannot generate agent card: %v", err)
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := &beaconNode{
		cfg:           cfg,
		id:            id,
		inbox:         inboxMgr,
		presence:      presenceMgr,
		heartbeat:     heartbeatMgr,
		tasks:         tasksMgr,
		trust:         trustMgr,
		mayday:        maydayMgr,
		journal:       journalMgr,
		feed:          feedMgr,
		engine:        engine,
		executor:      executor,
		anchors:       anchorMgr,
		conversations: conversationsMgr,
		atlas:         atlasMgr,
		memory:        memoryMgr,
		wsHub:         wsHub,
	}

	// UDP listener
	if cfg.UDP.Enabled {
		go func() {
			err := transport.UDPListen(ctx, cfg.UDP.Host, cfg.UDP.Port, knownKeys.Map(), func(msg transport.UDPMessage) {
				node.processInbound("udp", msg.Addr, msg.Data)
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("[UDP] Listener stopped: %v", err)
			}
		}()
		log.Printf("[UDP] Listening on %s:%d", cfg.UDP.Host, cfg.UDP.Port)
	}

	// Periodic protocol duties
	sched := scheduler.New()
	sched.Add("pulse", time.Duration(cfg.Presence.PulseIntervalS)*time.Second, node.emitPulse)
	sched.Add("heartbeat", 5*time.Minute, node.emitHeartbeat)
	sched.Add("outbox-drain", 30*time.Second, node.drainOutbox)
	sched.Add("roster-prune", 10*time.Minute, func(context.Context) error {
		presenceMgr.PruneStale(86400)
		return nil
	})
	sched.Add("conversation-stale", 24*time.Hour, func(context.Context) error {
		conversationsMgr.MarkStale(0)
		return nil
	})
	sched.Add("silence-check", 10*time.Minute, func(context.Context) error {
		if silent := heartbeatMgr.CheckSilence(0); len(silent) > 0 {
			log.Printf("[Heartbeat] %d peers silent past threshold", len(silent))
		}
		return nil
	})
	sched.Add("heartbeat-prune", 24*time.Hour, func(context.Context) error {
		heartbeatMgr.PruneDead(0)
		return nil
	})
	sched.Add("outbox-cleanup", 24*time.Hour, func(context.Context) error {
		outboxMgr.Cleanup(7)
		return nil
	})
	sched.Add("market-snapshot", 6*time.Hour, func(context.Context) error {
		atlasMgr.SnapshotMarket()
		return nil
	})
	sched.Add("memory-rebuild", 1*time.Hour, func(context.Context) error {
		memoryMgr.Rebuild()
		_ = insights.Analyze(true)
		return nil
	})
	go sched.Run(ctx)

	// HTTP surface: health, agent card, inbox, read API, websocket stream
	router := api.SetupRouter(api.Deps{
		Config:    cfg,
		Identity:  id,
		Card:      card,
		Inbox:     inboxMgr,
		Presence:  presenceMgr,
		Trust:     trustMgr,
		Tasks:     tasksMgr,
		Feed:      feedMgr,
		Atlas:     atlasMgr,
		Heartbeat: heartbeatMgr,
		Mayday:    maydayMgr,
		Rules:     engine,
		Executor:  executor,
		Archive:   archiveOrNil(archive),
		WSHub:     wsHub,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port),
		Handler: router,
	}
	go func() {
		log.Printf("Beacon node running on %s (agent %s)", srv.Addr, id.AgentID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	// Final beat so peers see a clean shutdown instead of silence.
	beat := heartbeatMgr.Beat(id, "shutting_down", nil)
	if _, err := executor.QueueEmit(beat.ToMap(true), "heartbeat"); err == nil {
		executor.Drain(5)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Beacon node stopped")
}

// archiveOrNil avoids handing the router a typed nil interface.
func archiveOrNil(archive *db.PostgresStore) api.Archiver {
	if archive == nil {
		return nil
	}
	return archive
}

// loadIdentity resolves the agent key in priority order: explicit hex,
// encrypted keystore, fresh generation.
func loadIdentity(store *storage.Store) *identity.Identity {
	if privHex := os.Getenv("BEACON_PRIVKEY_HEX"); privHex != "" {
		id, err := identity.FromPrivateKeyHex(privHex)
		if err != nil {
			log.Fatalf("FATAL: Invalid BEACON_PRIVKEY_HEX: %v", err)
		}
		return id
	}

	password := os.Getenv("BEACON_KEYSTORE_PASSWORD")
	var ks identity.Keystore
	if err := store.ReadJSON("keystore.json", &ks); err == nil && ks.Ciphertext != "" {
		if password == "" {
			log.Fatalf("FATAL: keystore.json exists but BEACON_KEYSTORE_PASSWORD is not set")
		}
		id, err := identity.FromEncrypted(&ks, password)
		if err != nil {
			log.Fatalf("FATAL: Cannot decrypt keystore: %v", err)
		}
		return id
	}

	id, err := identity.GenerateWithMnemonic()
	if err != nil {
		log.Fatalf("FATAL: Cannot generate identity: %v", err)
	}
	log.Printf("Generated new identity %s", id.AgentID)
	log.Printf("Recovery mnemonic (write this down, it is not stored): %s", id.Mnemonic)

	if password != "" {
		encrypted, err := id.ExportEncrypted(password)
		if err != nil {
			log.Fatalf("FATAL: Cannot encrypt keystore: %v", err)
		}
		if err := store.WriteJSON("keystore.json", encrypted); err != nil {
			log.Fatalf("FATAL: Cannot persist keystore: %v", err)
		}
		log.Println("Encrypted keystore written to keystore.json")
	} else {
		log.Println("Warning: BEACON_KEYSTORE_PASSWORD not set; identity will not survive restart")
	}
	return id
}

// cardTransports advertises reachable endpoints on the agent card.
func cardTransports(cfg *config.Config) map[string]any {
	transports := map[string]any{}
	if cfg.Webhook.Enabled {
		transports["webhook"] = map[string]any{"port": cfg.Webhook.Port, "path": "/beacon/inbox"}
	}
	if cfg.UDP.Enabled {
		transports["udp"] = map[string]any{"port": cfg.UDP.Port}
	}
	if cfg.Ledger.URL != "" {
		transports["ledger"] = map[string]any{"url": cfg.Ledger.URL}
	}
	return transports
}

// trustScorer adapts the trust manager to the rules engine.
type trustScorer struct {
	trust *trust.Manager
}

func (t trustScorer) TrustScore(agentID string) float64 {
	return t.trust.ScoreFor(agentID).Score
}

// boundaryAdapter adapts the values manager to the rules engine,
// converting loosely typed peer principles on the way in.
type boundaryAdapter struct {
	values *values.Manager
}

func (b boundaryAdapter) CheckBoundaries(env *codec.Envelope) string {
	return b.values.CheckBoundaries(env)
}

func (b boundaryAdapter) CompatibilityWith(principles map[string]any) float64 {
	theirs := map[string]values.Principle{}
	for name, raw := range principles {
		switch v := raw.(type) {
		case map[string]any:
			p := values.Principle{}
			if w, ok := v["weight"].(float64); ok {
				p.Weight = w
			}
			if t, ok := v["text"].(string); ok {
				p.Text = t
			}
			theirs[name] = p
		case float64:
			theirs[name] = values.Principle{Weight: v}
		}
	}
	return b.values.Compatibility(theirs)
}
