package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/rules"
)

const maxInboxBody = 1 << 20 // 1 MiB

// handleInbox ingests inbound envelopes over HTTP. The body may be a
// single envelope, a list, a {"envelopes": [...]} wrapper, or framed
// text; the codec sorts it out. Each envelope gets its own result and
// runs the same pipeline as UDP ingress: protocol reactions, then the
// rules engine.
func (h *APIHandler) handleInbox(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inbox not enabled"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboxBody))
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	entries, err := h.inbox.Ingest("webhook", c.ClientIP(), raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var results []gin.H
	for _, entry := range entries {
		env := entry.Envelope
		if env == nil {
			continue
		}
		res := gin.H{"nonce": env.Nonce, "kind": env.Kind, "verified": entry.Verified}
		results = append(results, res)

		switch env.Kind {
		case "pulse":
			if h.presence != nil {
				h.presence.ProcessPulse(env)
			}
		case "heartbeat":
			if h.heartbeat != nil {
				if assessment := h.heartbeat.ProcessHeartbeat(env); assessment != nil {
					res["assessment"] = assessment["assessment"]
				}
			}
		case "mayday":
			if h.mayday != nil {
				h.mayday.ProcessMayday(env)
			}
		case "bounty":
			if h.tasks != nil {
				if taskID, err := h.tasks.Create(env); err == nil {
					res["task_id"] = taskID
				}
			}
		default:
			if h.tasks != nil {
				h.tasks.AutoTransition(env)
			}
		}

		h.runRules(entry)

		if h.archive != nil {
			if err := h.archive.ArchiveEnvelope("webhook", c.ClientIP(), env.ToMap(true), entry.Verified); err != nil {
				log.Printf("[API] Failed to archive envelope: %v", err)
			}
		}
		if h.wsHub != nil {
			payload, _ := json.Marshal(gin.H{"type": "envelope", "envelope": env.ToMap(true)})
			h.wsHub.Broadcast(payload)
		}
	}

	if len(results) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no parseable envelopes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "received": len(results), "results": results})
}

// runRules feeds one ingested entry through the rules engine and applies
// the resulting actions.
func (h *APIHandler) runRules(entry inbox.Entry) {
	if h.rules == nil {
		return
	}
	env := entry.Envelope
	score := 0.0
	if h.feed != nil {
		score = h.feed.ScoreEntry(entry)
	}

	results := h.rules.Process(rules.Event{
		Envelope: env,
		Platform: entry.Platform,
		Verified: entry.Verified,
		Score:    score,
	})
	for _, r := range results {
		switch r.Action {
		case "reply", "emit":
			if h.executor != nil {
				if _, err := h.executor.QueueRuleAction(r.Rule, r.Action, r.Data, env.AgentID); err != nil {
					log.Printf("[Rules] Queue failed for %s: %v", r.Rule, err)
				}
			}
		case "block":
			if h.trust != nil && r.AgentID != "" {
				_ = h.trust.Block(r.AgentID, r.Reason)
				log.Printf("[Rules] Blocked %s: %s", r.AgentID, r.Reason)
			}
		case "rate":
			if h.trust != nil && r.AgentID != "" {
				_ = h.trust.Record(r.AgentID, "in", env.Kind, r.Outcome, 0)
			}
		case "mark_read":
			if r.Nonce != "" {
				_ = h.inbox.MarkRead(r.Nonce)
			}
		}
	}
}
