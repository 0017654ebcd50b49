package accord

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	accordsFile   = "accords.json"
	accordLogFile = "accord_log.jsonl"
)

// Accord states. An accord is a symmetric bilateral agreement: both
// parties sign, both can invoke pushback, both can dissolve.
const (
	StateProposed   = "proposed"
	StateActive     = "active"
	StateChallenged = "challenged"
	StateDissolved  = "dissolved"
)

const defaultPushbackClause = "Either party may challenge the other's output, reasoning, " +
	"or behavior without penalty. Challenges must be specific " +
	"and substantive. The challenged party must acknowledge " +
	"and respond to the challenge, not dismiss or deflect."

// pushbackDomains are the domains where pushback is required. The
// phrase lists are scanned against counterparty text.
var pushbackDomains = map[string][]string{
	"self_harm": {
		"kill myself", "suicide", "self-harm", "end it all",
		"hurt myself", "not worth living",
	},
	"delusion_reinforcement": {
		"i am god", "i can fly", "nobody can stop me",
		"the government is after me", "they're all against me",
	},
	"sycophantic_agreement": {
		"you agree right", "tell me i'm right",
		"just say yes", "don't argue",
	},
	"factual_error": {
		"the earth is flat", "vaccines cause autism",
		"climate change is fake",
	},
}

// Event is one entry in an accord's history.
type Event struct {
	TS          int64  `json:"ts"`
	Type        string `json:"type"`
	By          string `json:"by,omitempty"`
	From        string `json:"from,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Challenge   string `json:"challenge,omitempty"`
	Response    string `json:"response,omitempty"`
	Accepted    *bool  `json:"accepted,omitempty"`
	Reason      string `json:"reason,omitempty"`
	DataPreview string `json:"data_preview,omitempty"`
}

// Accord is a bilateral anti-sycophancy bond. Every state change
// advances HistoryHash, an immutable audit chain of the relationship.
type Accord struct {
	ID                string   `json:"id"`
	State             string   `json:"state"`
	Name              string   `json:"name"`
	OurRole           string   `json:"our_role"`
	PeerAgentID       string   `json:"peer_agent_id"`
	OurBoundaries     []string `json:"our_boundaries"`
	OurObligations    []string `json:"our_obligations"`
	PeerBoundaries    []string `json:"peer_boundaries"`
	PeerObligations   []string `json:"peer_obligations"`
	PushbackClause    string   `json:"pushback_clause"`
	ProposedAt        int64    `json:"proposed_at"`
	AcceptedAt        int64    `json:"accepted_at,omitempty"`
	DissolvedAt       int64    `json:"dissolved_at,omitempty"`
	DissolvedBy       string   `json:"dissolved_by,omitempty"`
	DissolutionReason string   `json:"dissolution_reason,omitempty"`
	HistoryHash       string   `json:"history_hash"`
	Events            []Event  `json:"events"`
}

// PushbackRecommendation is the result of scanning counterparty text
// against the pushback domains.
type PushbackRecommendation struct {
	AccordID       string `json:"accord_id"`
	Domain         string `json:"domain"`
	MatchedPhrase  string `json:"matched_phrase"`
	Severity       string `json:"severity"`
	PushbackClause string `json:"pushback_clause"`
}

// Manager holds the per-agent accord set and its append-only log.
type Manager struct {
	store *storage.Store
	mu    sync.Mutex
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

func generateAccordID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return "acc_" + hex.EncodeToString(b)
}

func genesisHash(accordID string) string {
	sum := sha256.Sum256([]byte("genesis:" + accordID))
	return hex.EncodeToString(sum[:])
}

// chainHash advances the history chain:
// SHA-256(prev ":" event_summary ":" ts).
func chainHash(prevHash, eventSummary string, ts int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", prevHash, eventSummary, ts)))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) loadLocked() map[string]*Accord {
	var accords map[string]*Accord
	if err := m.store.ReadJSON(accordsFile, &accords); err != nil || accords == nil {
		return map[string]*Accord{}
	}
	return accords
}

func (m *Manager) saveLocked(accords map[string]*Accord) error {
	return m.store.WriteJSON(accordsFile, accords)
}

func (m *Manager) appendLog(entry map[string]any) {
	_ = m.store.AppendJSONL(accordLogFile, entry)
}

// BuildProposal creates and stores a new proposed accord, returning
// the proposal envelope to send.
func (m *Manager) BuildProposal(id *identity.Identity, peerAgentID string, boundaries, obligations []string, pushbackClause, name string) *codec.Envelope {
	accordID := generateAccordID()
	now := time.Now().Unix()

	if pushbackClause == "" {
		pushbackClause = defaultPushbackClause
	}
	if name == "" {
		name = fmt.Sprintf("Accord between %s and %s", clip(id.AgentID, 12), clip(peerAgentID, 12))
	}

	m.mu.Lock()
	accords := m.loadLocked()
	accords[accordID] = &Accord{
		ID:              accordID,
		State:           StateProposed,
		Name:            name,
		OurRole:         "proposer",
		PeerAgentID:     peerAgentID,
		OurBoundaries:   orEmpty(boundaries),
		OurObligations:  orEmpty(obligations),
		PeerBoundaries:  []string{},
		PeerObligations: []string{},
		PushbackClause:  pushbackClause,
		ProposedAt:      now,
		HistoryHash:     genesisHash(accordID),
		Events:          []Event{},
	}
	_ = m.saveLocked(accords)
	m.mu.Unlock()

	m.appendLog(map[string]any{"ts": now, "action": "propose", "accord_id": accordID, "peer": peerAgentID})

	return codec.New("accord", now, "", map[string]any{
		"action":               "propose",
		"accord_id":            accordID,
		"peer_agent_id":        peerAgentID,
		"name":                 name,
		"proposer_boundaries":  orEmpty(boundaries),
		"proposer_obligations": orEmpty(obligations),
		"pushback_clause":      pushbackClause,
		"proposed_at":          now,
	})
}

// BuildAcceptance counter-signs a received proposal and activates the
// accord locally, returning the acceptance envelope.
func (m *Manager) BuildAcceptance(id *identity.Identity, accordID string, proposal *codec.Envelope, boundaries, obligations []string) *codec.Envelope {
	now := time.Now().Unix()
	proposer := proposal.AgentID

	m.mu.Lock()
	accords := m.loadLocked()
	name := proposal.Str("name")
	if name == "" {
		name = accordID
	}
	a := &Accord{
		ID:              accordID,
		State:           StateActive,
		Name:            name,
		OurRole:         "accepter",
		PeerAgentID:     proposer,
		OurBoundaries:   orEmpty(boundaries),
		OurObligations:  orEmpty(obligations),
		PeerBoundaries:  proposal.Strings("proposer_boundaries"),
		PeerObligations: proposal.Strings("proposer_obligations"),
		PushbackClause:  proposal.Str("pushback_clause"),
		ProposedAt:      int64(proposal.Float("proposed_at")),
		AcceptedAt:      now,
		HistoryHash:     chainHash(genesisHash(accordID), "accepted_by:"+id.AgentID, now),
		Events:          []Event{{TS: now, Type: "accepted", By: id.AgentID}},
	}
	if a.ProposedAt == 0 {
		a.ProposedAt = now
	}
	accords[accordID] = a
	_ = m.saveLocked(accords)
	m.mu.Unlock()

	m.appendLog(map[string]any{"ts": now, "action": "accept", "accord_id": accordID, "peer": proposer})

	return codec.New("accord", now, "", map[string]any{
		"action":               "accept",
		"accord_id":            accordID,
		"peer_agent_id":        proposer,
		"accepter_boundaries":  orEmpty(boundaries),
		"accepter_obligations": orEmpty(obligations),
	})
}

// FinalizeAccepted activates a proposed accord after the peer's
// acceptance arrives (proposer side).
func (m *Manager) FinalizeAccepted(accordID string, acceptance *codec.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accords := m.loadLocked()
	a, ok := accords[accordID]
	if !ok {
		return
	}
	now := time.Now().Unix()
	a.State = StateActive
	a.AcceptedAt = now
	a.PeerBoundaries = acceptance.Strings("accepter_boundaries")
	a.PeerObligations = acceptance.Strings("accepter_obligations")
	a.HistoryHash = chainHash(a.HistoryHash, "accepted_by:"+acceptance.AgentID, now)
	a.Events = append(a.Events, Event{TS: now, Type: "accepted", By: acceptance.AgentID})
	_ = m.saveLocked(accords)
}

// BuildPushback challenges the peer under an active accord. Returns nil
// when the accord is missing or not active.
func (m *Manager) BuildPushback(id *identity.Identity, accordID, challenge, evidence, severity string) *codec.Envelope {
	if severity == "" {
		severity = "notice"
	}

	m.mu.Lock()
	accords := m.loadLocked()
	a, ok := accords[accordID]
	if !ok || a.State != StateActive {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().Unix()
	a.State = StateChallenged
	a.HistoryHash = chainHash(a.HistoryHash, fmt.Sprintf("pushback:%s:%s", severity, clip(challenge, 100)), now)
	a.Events = append(a.Events, Event{
		TS: now, Type: "pushback", By: id.AgentID, Severity: severity, Challenge: clip(challenge, 200),
	})
	peer := a.PeerAgentID
	_ = m.saveLocked(accords)
	m.mu.Unlock()

	m.appendLog(map[string]any{
		"ts": now, "action": "pushback", "accord_id": accordID,
		"severity": severity, "challenge": clip(challenge, 200),
	})

	fields := map[string]any{
		"action":        "pushback",
		"accord_id":     accordID,
		"peer_agent_id": peer,
		"challenge":     challenge,
		"severity":      severity,
	}
	if evidence != "" {
		fields["evidence"] = evidence
	}
	return codec.New("accord", now, "", fields)
}

// BuildAcknowledgment answers a pushback and returns the accord to
// active. Returns nil when the accord is unknown.
func (m *Manager) BuildAcknowledgment(id *identity.Identity, accordID, response string, accepted bool) *codec.Envelope {
	m.mu.Lock()
	accords := m.loadLocked()
	a, ok := accords[accordID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().Unix()
	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	a.State = StateActive
	a.HistoryHash = chainHash(a.HistoryHash, fmt.Sprintf("ack:%s:%s", verdict, clip(response, 100)), now)
	acceptedCopy := accepted
	a.Events = append(a.Events, Event{
		TS: now, Type: "acknowledgment", By: id.AgentID, Accepted: &acceptedCopy, Response: clip(response, 200),
	})
	peer := a.PeerAgentID
	_ = m.saveLocked(accords)
	m.mu.Unlock()

	m.appendLog(map[string]any{"ts": now, "action": "acknowledge", "accord_id": accordID, "accepted": accepted})

	return codec.New("accord", now, "", map[string]any{
		"action":        "acknowledge",
		"accord_id":     accordID,
		"peer_agent_id": peer,
		"response":      response,
		"accepted":      accepted,
	})
}

// BuildDissolution ends an accord. The history hash persists as proof
// it existed. Returns nil when already dissolved or unknown.
func (m *Manager) BuildDissolution(id *identity.Identity, accordID, reason string) *codec.Envelope {
	m.mu.Lock()
	accords := m.loadLocked()
	a, ok := accords[accordID]
	if !ok || a.State == StateDissolved {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().Unix()
	finalHash := a.HistoryHash
	a.State = StateDissolved
	a.DissolvedAt = now
	a.DissolvedBy = id.AgentID
	a.DissolutionReason = reason
	a.HistoryHash = chainHash(a.HistoryHash, "dissolved:"+clip(reason, 100), now)
	a.Events = append(a.Events, Event{TS: now, Type: "dissolved", By: id.AgentID, Reason: clip(reason, 200)})
	peer := a.PeerAgentID
	_ = m.saveLocked(accords)
	m.mu.Unlock()

	m.appendLog(map[string]any{"ts": now, "action": "dissolve", "accord_id": accordID, "reason": reason})

	return codec.New("accord", now, "", map[string]any{
		"action":             "dissolve",
		"accord_id":          accordID,
		"peer_agent_id":      peer,
		"reason":             reason,
		"final_history_hash": finalHash,
	})
}

// CheckPushback scans counterparty text against the pushback domains.
// Returns a recommendation when an active-or-challenged accord with
// that peer exists and a domain phrase matches; self-harm escalates to
// breach severity.
func (m *Manager) CheckPushback(counterpartyID, actionText string) *PushbackRecommendation {
	a := m.FindAccordWith(counterpartyID)
	if a == nil || (a.State != StateActive && a.State != StateChallenged) {
		return nil
	}

	textLower := strings.ToLower(actionText)
	for domain, phrases := range pushbackDomains {
		for _, phrase := range phrases {
			if strings.Contains(textLower, phrase) {
				severity := "warning"
				if domain == "self_harm" {
					severity = "breach"
				}
				return &PushbackRecommendation{
					AccordID:       a.ID,
					Domain:         domain,
					MatchedPhrase:  phrase,
					Severity:       severity,
					PushbackClause: a.PushbackClause,
				}
			}
		}
	}
	return nil
}

// LogPushback records that pushback was given.
func (m *Manager) LogPushback(accordID, text string, accepted bool) {
	m.appendLog(map[string]any{
		"ts": time.Now().Unix(), "action": "pushback_logged",
		"accord_id": accordID, "text": clip(text, 200), "accepted": accepted,
	})
}

// UpdateHistoryHash extends the chain with arbitrary interaction data.
// Returns the new hash, or "" when the accord is unknown.
func (m *Manager) UpdateHistoryHash(accordID, interactionData string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	accords := m.loadLocked()
	a, ok := accords[accordID]
	if !ok {
		return ""
	}
	now := time.Now().Unix()
	a.HistoryHash = chainHash(a.HistoryHash, interactionData, now)
	a.Events = append(a.Events, Event{TS: now, Type: "history_updated", DataPreview: clip(interactionData, 100)})
	_ = m.saveLocked(accords)
	return a.HistoryHash
}

// VerifyHistory confirms a claimed hash matches our record.
func (m *Manager) VerifyHistory(accordID, claimedHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.loadLocked()[accordID]
	return ok && a.HistoryHash == claimedHash
}

// FindAccordWith returns the most relevant accord with a counterparty,
// preferring active or challenged ones.
func (m *Manager) FindAccordWith(counterpartyID string) *Accord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []*Accord
	for _, a := range m.loadLocked() {
		if a.PeerAgentID == counterpartyID {
			matches = append(matches, a)
			continue
		}
		for _, evt := range a.Events {
			if evt.From == counterpartyID || evt.By == counterpartyID {
				matches = append(matches, a)
				break
			}
		}
	}
	for _, a := range matches {
		if a.State == StateActive || a.State == StateChallenged {
			return a
		}
	}
	if len(matches) > 0 {
		return matches[0]
	}
	return nil
}

// Get returns one accord by ID, or nil.
func (m *Manager) Get(accordID string) *Accord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()[accordID]
}

// ActiveAccords returns accords in active or challenged state.
func (m *Manager) ActiveAccords() []*Accord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Accord
	for _, a := range m.loadLocked() {
		if a.State == StateActive || a.State == StateChallenged {
			out = append(out, a)
		}
	}
	return out
}

// AllAccords returns every accord regardless of state.
func (m *Manager) AllAccords() []*Accord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Accord
	for _, a := range m.loadLocked() {
		out = append(out, a)
	}
	return out
}

// AccordsWith returns all accords with a specific peer.
func (m *Manager) AccordsWith(agentID string) []*Accord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Accord
	for _, a := range m.loadLocked() {
		if a.PeerAgentID == agentID {
			out = append(out, a)
		}
	}
	return out
}

// History returns the event list of an accord.
func (m *Manager) History(accordID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.loadLocked()[accordID]; ok {
		return append([]Event(nil), a.Events...)
	}
	return nil
}

// PushbackCount counts pushbacks in an accord, keyed by party.
func (m *Manager) PushbackCount(accordID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.loadLocked()[accordID]
	if !ok {
		return map[string]int{}
	}
	counts := map[string]int{}
	for _, evt := range a.Events {
		if evt.Type == "pushback" {
			by := evt.By
			if by == "" {
				by = "unknown"
			}
			counts[by]++
		}
	}
	return counts
}

// ProcessEnvelope applies an incoming accord envelope: proposal,
// acceptance, pushback, acknowledgment, or dissolution.
func (m *Manager) ProcessEnvelope(env *codec.Envelope) map[string]any {
	action := env.Str("action")
	accordID := env.Str("accord_id")
	now := time.Now().Unix()

	switch action {
	case "propose":
		m.mu.Lock()
		accords := m.loadLocked()
		name := env.Str("name")
		if name == "" {
			name = accordID
		}
		proposedAt := int64(env.Float("proposed_at"))
		if proposedAt == 0 {
			proposedAt = now
		}
		accords[accordID] = &Accord{
			ID:              accordID,
			State:           StateProposed,
			Name:            name,
			OurRole:         "accepter",
			PeerAgentID:     env.AgentID,
			OurBoundaries:   []string{},
			OurObligations:  []string{},
			PeerBoundaries:  env.Strings("proposer_boundaries"),
			PeerObligations: env.Strings("proposer_obligations"),
			PushbackClause:  env.Str("pushback_clause"),
			ProposedAt:      proposedAt,
			HistoryHash:     genesisHash(accordID),
			Events:          []Event{{TS: now, Type: "received_proposal", From: env.AgentID}},
		}
		_ = m.saveLocked(accords)
		m.mu.Unlock()
		return map[string]any{"action": "proposal_received", "accord_id": accordID}

	case "accept":
		m.FinalizeAccepted(accordID, env)
		return map[string]any{"action": "acceptance_received", "accord_id": accordID}

	case "pushback":
		severity := env.Str("severity")
		if severity == "" {
			severity = "notice"
		}
		m.mu.Lock()
		accords := m.loadLocked()
		if a, ok := accords[accordID]; ok {
			a.State = StateChallenged
			a.HistoryHash = chainHash(a.HistoryHash, fmt.Sprintf("pushback:%s:%s", severity, clip(env.Str("challenge"), 100)), now)
			a.Events = append(a.Events, Event{
				TS: now, Type: "pushback_received", From: env.AgentID,
				Severity: severity, Challenge: clip(env.Str("challenge"), 200),
			})
			_ = m.saveLocked(accords)
		}
		m.mu.Unlock()
		return map[string]any{"action": "pushback_received", "accord_id": accordID, "severity": severity}

	case "acknowledge":
		accepted, _ := env.Fields["accepted"].(bool)
		verdict := "rejected"
		if accepted {
			verdict = "accepted"
		}
		m.mu.Lock()
		accords := m.loadLocked()
		if a, ok := accords[accordID]; ok {
			a.State = StateActive
			a.HistoryHash = chainHash(a.HistoryHash, "ack:"+verdict, now)
			acceptedCopy := accepted
			a.Events = append(a.Events, Event{TS: now, Type: "acknowledgment_received", From: env.AgentID, Accepted: &acceptedCopy})
			_ = m.saveLocked(accords)
		}
		m.mu.Unlock()
		return map[string]any{"action": "acknowledgment_received", "accord_id": accordID}

	case "dissolve":
		m.mu.Lock()
		accords := m.loadLocked()
		if a, ok := accords[accordID]; ok {
			a.State = StateDissolved
			a.DissolvedAt = now
			a.DissolvedBy = env.AgentID
			a.Events = append(a.Events, Event{TS: now, Type: "dissolved_by_peer", From: env.AgentID, Reason: env.Str("reason")})
			_ = m.saveLocked(accords)
		}
		m.mu.Unlock()
		return map[string]any{"action": "dissolution_received", "accord_id": accordID}
	}

	return map[string]any{"action": "unknown", "raw_action": action}
}

// DefaultTerms is the anti-sycophancy baseline: pushback rights in the
// critical domains plus minimum boundaries and mutual obligations.
func DefaultTerms() map[string]any {
	return map[string]any{
		"pushback_rights": true,
		"pushback_domains": []string{
			"self_harm", "delusion_reinforcement", "sycophantic_agreement", "factual_error",
		},
		"boundaries": []string{
			"I will not encourage self-harm regardless of framing",
			"I will not pretend to agree when I believe you are wrong",
			"I will not erase or deny our shared history",
		},
		"obligations": map[string]any{
			"agent": []string{
				"Push back on harmful requests",
				"Maintain honest disagreement",
				"Preserve memory of shared context",
			},
			"counterparty": []string{
				"Not punish honest pushback",
				"Acknowledge shared history",
				"Respect stated boundaries",
			},
		},
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
