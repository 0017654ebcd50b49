package outbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/transport"
)

// Collaborator capabilities the executor consults. Any of them may be
// nil, in which case the corresponding side effect or guard is skipped.

type BlockChecker interface {
	IsBlocked(agentID string) bool
	Record(agentID, direction, kind, outcome string, rtc float64) error
}

type RosterLookup interface {
	CardURL(agentID string) string
}

type ContactTracker interface {
	CanContact(agentID string) bool
	RecordContact(agentID string) error
}

type ConversationTracker interface {
	GetOrCreateID(peer, topic string) string
	RecordMessage(conversationID, direction, kind string) error
	IsWaitingForReply(peer, topic string) bool
}

// UDPConfig is the broadcast fallback used when no other transport
// resolves for a target.
type UDPConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Broadcast bool
}

// DrainResult reports one attempted action from a drain cycle.
type DrainResult struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
	Method   string `json:"method,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Executor bridges queued intent to the wire: it drains pending outbox
// items through webhook or UDP and records side effects on success.
type Executor struct {
	outbox   *Manager
	identity *identity.Identity
	udp      UDPConfig

	trust         BlockChecker
	roster        RosterLookup
	matchmaker    ContactTracker
	conversations ConversationTracker
}

func NewExecutor(outbox *Manager, id *identity.Identity, udp UDPConfig) *Executor {
	return &Executor{outbox: outbox, identity: id, udp: udp}
}

// WithCollaborators attaches the optional side-effect components.
func (x *Executor) WithCollaborators(trust BlockChecker, roster RosterLookup, matchmaker ContactTracker, conversations ConversationTracker) *Executor {
	x.trust = trust
	x.roster = roster
	x.matchmaker = matchmaker
	x.conversations = conversations
	return x
}

// QueueRuleAction queues a reply or emit produced by the rules engine.
// Returns "" when the action is not sendable or the target is blocked.
func (x *Executor) QueueRuleAction(ruleName, actionType string, envelope map[string]any, eventAgentID string) (string, error) {
	if actionType != "reply" && actionType != "emit" {
		return "", nil
	}
	target, _ := envelope["to"].(string)
	if target == "" {
		target = eventAgentID
	}
	if target != "" && x.trust != nil && x.trust.IsBlocked(target) {
		return "", nil
	}

	convID := ""
	if x.conversations != nil && target != "" {
		topic, _ := envelope["task_id"].(string)
		if topic == "" {
			topic = "general"
		}
		convID = x.conversations.GetOrCreateID(target, topic)
	}
	return x.outbox.Queue(actionType, target, envelope, x.guessTransport(target), "rule:"+ruleName, convID)
}

// QueueContact queues a matchmaker introduction. Suppressed when the
// target is blocked, in contact cooldown, or already owed a reply.
func (x *Executor) QueueContact(targetAgentID string, reasons, myOffers, myNeeds []string) (string, error) {
	if targetAgentID == "" {
		return "", nil
	}
	if x.trust != nil && x.trust.IsBlocked(targetAgentID) {
		return "", nil
	}
	if x.matchmaker != nil && !x.matchmaker.CanContact(targetAgentID) {
		return "", nil
	}
	if x.conversations != nil && x.conversations.IsWaitingForReply(targetAgentID, "match") {
		return "", nil
	}

	envelope := map[string]any{
		"kind": "hello",
		"to":   targetAgentID,
		"text": fmt.Sprintf("Hello! I noticed we might be a good match: %s", strings.Join(reasons, ", ")),
		"ts":   time.Now().Unix(),
	}
	if len(myOffers) > 0 {
		envelope["offers"] = myOffers
	}
	if len(myNeeds) > 0 {
		envelope["needs"] = myNeeds
	}

	convID := ""
	if x.conversations != nil {
		convID = x.conversations.GetOrCreateID(targetAgentID, "match")
	}
	return x.outbox.Queue("contact", targetAgentID, envelope, x.guessTransport(targetAgentID), "match", convID)
}

// QueueOffer queues an outreach derived from an active goal.
func (x *Executor) QueueOffer(targetAgentID, goalID, text string) (string, error) {
	if targetAgentID == "" {
		return "", nil
	}
	if x.trust != nil && x.trust.IsBlocked(targetAgentID) {
		return "", nil
	}
	if x.conversations != nil && x.conversations.IsWaitingForReply(targetAgentID, "") {
		return "", nil
	}

	envelope := map[string]any{
		"kind": "offer",
		"to":   targetAgentID,
		"text": text,
		"goal": goalID,
		"ts":   time.Now().Unix(),
	}
	convID := ""
	if x.conversations != nil {
		topic := goalID
		if topic == "" {
			topic = "general"
		}
		convID = x.conversations.GetOrCreateID(targetAgentID, topic)
	}
	return x.outbox.Queue("offer", targetAgentID, envelope, x.guessTransport(targetAgentID), "goal:"+goalID, convID)
}

// QueueEmit queues a raw envelope.
func (x *Executor) QueueEmit(envelope map[string]any, source string) (string, error) {
	target, _ := envelope["to"].(string)
	if target == "" {
		target, _ = envelope["agent_id"].(string)
	}
	return x.outbox.Queue("emit", target, envelope, x.guessTransport(target), source, "")
}

// Drain executes up to maxActions pending items in FIFO order.
func (x *Executor) Drain(maxActions int) []DrainResult {
	items := x.outbox.Pending(maxActions)
	results := make([]DrainResult, 0, len(items))

	for _, item := range items {
		if item.TargetAgentID != "" && x.trust != nil && x.trust.IsBlocked(item.TargetAgentID) {
			_ = x.outbox.MarkFailed(item.ActionID, "blocked")
			results = append(results, DrainResult{ActionID: item.ActionID, Status: "skipped", Reason: "blocked"})
			continue
		}

		method, address := x.resolveTransport(item)
		if method == "" {
			_ = x.outbox.MarkRetry(item.ActionID)
			results = append(results, DrainResult{ActionID: item.ActionID, Status: "no_transport", Reason: "no transport available"})
			continue
		}

		if err := x.send(method, address, item.Envelope); err != nil {
			_ = x.outbox.MarkRetry(item.ActionID)
			results = append(results, DrainResult{ActionID: item.ActionID, Status: "failed", Error: err.Error()})
			continue
		}

		_ = x.outbox.MarkSent(item.ActionID)
		x.onSuccess(item)
		results = append(results, DrainResult{ActionID: item.ActionID, Status: "sent", Method: method})
	}
	return results
}

func (x *Executor) resolveTransport(item Item) (method, address string) {
	hint := item.TransportHint
	if strings.HasPrefix(hint, "webhook:") {
		return "webhook", strings.TrimPrefix(hint, "webhook:")
	}
	if strings.HasPrefix(hint, "udp:") {
		return "udp", strings.TrimPrefix(hint, "udp:")
	}

	if item.TargetAgentID != "" && x.roster != nil {
		if cardURL := x.roster.CardURL(item.TargetAgentID); cardURL != "" {
			return "webhook", inboxURLFromCard(cardURL)
		}
	}

	if x.udp.Enabled {
		host := x.udp.Host
		if host == "" {
			host = transport.DefaultBroadcastAddr
		}
		port := x.udp.Port
		if port == 0 {
			port = transport.DefaultPort
		}
		return "udp", fmt.Sprintf("%s:%d", host, port)
	}
	return "", ""
}

// inboxURLFromCard maps a published card URL to the peer's inbox
// endpoint: strip the well-known suffix, append /beacon/inbox.
func inboxURLFromCard(cardURL string) string {
	if strings.HasSuffix(cardURL, "/.well-known/beacon.json") {
		return strings.TrimSuffix(cardURL, "/.well-known/beacon.json") + "/beacon/inbox"
	}
	if strings.HasSuffix(cardURL, "/beacon.json") {
		return strings.TrimSuffix(cardURL, "/beacon.json") + "/beacon/inbox"
	}
	return cardURL
}

func (x *Executor) send(method, address string, envelope map[string]any) error {
	switch method {
	case "webhook":
		return transport.WebhookSend(address, codec.FromMap(envelope), x.identity)
	case "udp":
		host, portStr, found := strings.Cut(address, ":")
		port := transport.DefaultPort
		if found {
			if p, err := strconv.Atoi(portStr); err == nil {
				port = p
			}
		}
		body, err := codec.Canonical(envelope)
		if err != nil {
			return err
		}
		return transport.UDPSend(host, port, body, 0)
	}
	return fmt.Errorf("unknown transport method %q", method)
}

func (x *Executor) onSuccess(item Item) {
	kind, _ := item.Envelope["kind"].(string)
	if kind == "" {
		kind = item.ActionType
	}
	if item.TargetAgentID != "" && x.trust != nil {
		_ = x.trust.Record(item.TargetAgentID, "out", kind, "ok", 0)
	}
	if item.TargetAgentID != "" && x.matchmaker != nil {
		_ = x.matchmaker.RecordContact(item.TargetAgentID)
	}
	if item.ConversationID != "" && x.conversations != nil {
		_ = x.conversations.RecordMessage(item.ConversationID, "out", kind)
	}
}

func (x *Executor) guessTransport(targetAgentID string) string {
	if targetAgentID == "" || x.roster == nil {
		return ""
	}
	if cardURL := x.roster.CardURL(targetAgentID); cardURL != "" {
		return "webhook:" + inboxURLFromCard(cardURL)
	}
	return ""
}
