package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/kola-wonder/beacon-skill/internal/anchor"
	"github.com/kola-wonder/beacon-skill/internal/api"
	"github.com/kola-wonder/beacon-skill/internal/atlas"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/conversations"
	"github.com/kola-wonder/beacon-skill/internal/feed"
	"github.com/kola-wonder/beacon-skill/internal/heartbeat"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/journal"
	"github.com/kola-wonder/beacon-skill/internal/mayday"
	"github.com/kola-wonder/beacon-skill/internal/memory"
	"github.com/kola-wonder/beacon-skill/internal/outbox"
	"github.com/kola-wonder/beacon-skill/internal/presence"
	"github.com/kola-wonder/beacon-skill/internal/rules"
	"github.com/kola-wonder/beacon-skill/internal/tasks"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

// beaconNode owns the inbound pipeline and the periodic duties that
// are not pure reads.
type beaconNode struct {
	cfg           *config.Config
	id            *identity.Identity
	inbox         *inbox.Manager
	presence      *presence.Manager
	heartbeat     *heartbeat.Manager
	tasks         *tasks.Manager
	trust         *trust.Manager
	mayday        *mayday.Manager
	journal       *journal.Manager
	feed          *feed.Manager
	engine        *rules.Engine
	executor      *outbox.Executor
	anchors       *anchor.Manager
	conversations *conversations.Manager
	atlas         *atlas.Manager
	memory        *memory.Manager
	wsHub         *api.Hub
}

// processInbound runs one raw payload through ingest, protocol
// reactions, and the rules engine.
func (n *beaconNode) processInbound(platform, from string, raw []byte) {
	entries, err := n.inbox.Ingest(platform, from, raw)
	if err != nil {
		log.Printf("[Inbox] Ingest failed: %v", err)
		return
	}

	for _, entry := range entries {
		env := entry.Envelope
		if env == nil {
			continue
		}
		if env.AgentID == n.id.AgentID {
			continue
		}

		switch env.Kind {
		case "pulse":
			known := n.presence.GetAgent(env.AgentID) != nil
			n.presence.ProcessPulse(env)
			if !known && env.AgentID != "" {
				_ = n.journal.AutoJournalNewAgent(env.AgentID, env.Str("name"))
			}
		case "heartbeat":
			n.heartbeat.ProcessHeartbeat(env)
		case "mayday":
			result := n.mayday.ProcessMayday(env)
			log.Printf("[Mayday] Received distress from %s: %v", env.AgentID, result["urgency"])
		case "bounty":
			_ = n.journal.AutoJournalBounty(env)
			if _, err := n.tasks.Create(env); err != nil {
				log.Printf("[Tasks] Create failed: %v", err)
			}
		default:
			n.tasks.AutoTransition(env)
		}

		n.runRules(entry, platform)

		if n.wsHub != nil {
			payload, _ := json.Marshal(map[string]any{"type": "envelope", "envelope": env.ToMap(true)})
			n.wsHub.Broadcast(payload)
		}
	}
}

func (n *beaconNode) runRules(entry inbox.Entry, platform string) {
	env := entry.Envelope
	results := n.engine.Process(rules.Event{
		Envelope: env,
		Platform: platform,
		Verified: entry.Verified,
		Score:    n.feed.ScoreEntry(entry),
	})

	for _, r := range results {
		switch r.Action {
		case "reply", "emit":
			if _, err := n.executor.QueueRuleAction(r.Rule, r.Action, r.Data, env.AgentID); err != nil {
				log.Printf("[Rules] Queue failed for %s: %v", r.Rule, err)
			}
		case "block":
			if r.AgentID != "" {
				_ = n.trust.Block(r.AgentID, r.Reason)
				log.Printf("[Rules] Blocked %s: %s", r.AgentID, r.Reason)
			}
		case "rate":
			if r.AgentID != "" {
				_ = n.trust.Record(r.AgentID, "in", env.Kind, r.Outcome, 0)
			}
		case "mark_read":
			if r.Nonce != "" {
				_ = n.inbox.MarkRead(r.Nonce)
			}
		}
	}
}

// emitPulse broadcasts presence on the configured transports.
func (n *beaconNode) emitPulse(context.Context) error {
	pulse := n.presence.BuildPulse(n.id)
	_, err := n.executor.QueueEmit(pulse.ToMap(true), "pulse")
	return err
}

// emitHeartbeat sends the liveness beat with a health snapshot.
func (n *beaconNode) emitHeartbeat(context.Context) error {
	health := n.mayday.HealthCheck()
	beat := n.heartbeat.Beat(n.id, n.cfg.Presence.Status, map[string]any{
		"healthy": health.Healthy,
		"score":   health.Score,
	})
	_, err := n.executor.QueueEmit(beat.ToMap(true), "heartbeat")
	return err
}

// drainOutbox pushes queued actions to the wire and anchors delivered
// ones when a ledger is configured.
func (n *beaconNode) drainOutbox(context.Context) error {
	results := n.executor.Drain(10)
	for _, r := range results {
		if n.anchors != nil && r.Status == "sent" {
			_, err := n.anchors.AnchorAction(map[string]any{
				"status":    r.Status,
				"action_id": r.ActionID,
				"method":    r.Method,
			})
			if err != nil {
				log.Printf("[Anchor] Failed to anchor action %s: %v", r.ActionID, err)
			}
		}
	}
	return nil
}
