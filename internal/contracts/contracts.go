package contracts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	contractsFile   = "contracts.json"
	escrowFile      = "escrow.json"
	contractLogFile = "contract_log.jsonl"
	revenueFile     = "revenue.jsonl"
)

// validTransitions is the property contract lifecycle. settled is
// terminal.
var validTransitions = map[string][]string{
	"listed":     {"offered", "terminated"},
	"offered":    {"accepted", "listed", "terminated"},
	"accepted":   {"active", "terminated"},
	"active":     {"renewed", "expired", "breached", "terminated", "settled"},
	"renewed":    {"expired", "breached", "terminated", "settled"},
	"expired":    {"settled"},
	"breached":   {"settled", "terminated"},
	"terminated": {"settled"},
}

// ContractTypes are the supported deal shapes.
var ContractTypes = []string{"rent", "buy", "lease_to_own"}

// Event is one entry in a contract's history.
type Event struct {
	TS       int64  `json:"ts"`
	Type     string `json:"type"`
	By       string `json:"by,omitempty"`
	To       string `json:"to,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// LeaseToOwn tracks period completion toward ownership transfer.
type LeaseToOwn struct {
	TotalPeriods     int     `json:"total_periods"`
	CompletedPeriods int     `json:"completed_periods"`
	BuyoutPriceRTC   float64 `json:"buyout_price_rtc"`
}

// Contract is one agent-property deal: rent, buy, or lease-to-own.
type Contract struct {
	ID              string         `json:"id"`
	State           string         `json:"state"`
	Type            string         `json:"type"`
	AgentID         string         `json:"agent_id"`
	SellerID        string         `json:"seller_id"`
	BuyerID         string         `json:"buyer_id"`
	PriceRTC        float64        `json:"price_rtc"`
	OfferedPriceRTC float64        `json:"offered_price_rtc"`
	DurationDays    int            `json:"duration_days"`
	Capabilities    []string       `json:"capabilities"`
	Terms           map[string]any `json:"terms"`
	PenaltyPct      float64        `json:"penalty_pct"`
	ListedAt        int64          `json:"listed_at"`
	OfferedAt       int64          `json:"offered_at"`
	AcceptedAt      int64          `json:"accepted_at"`
	ActivatedAt     int64          `json:"activated_at"`
	ExpiresAt       int64          `json:"expires_at"`
	SettledAt       int64          `json:"settled_at"`
	HistoryHash     string         `json:"history_hash"`
	Events          []Event        `json:"events"`
	LeaseToOwn      *LeaseToOwn    `json:"lease_to_own,omitempty"`
}

// Escrow is the held payment for one contract. The address is derived
// from the contract ID so both parties can compute it.
type Escrow struct {
	ContractID      string  `json:"contract_id"`
	EscrowAddress   string  `json:"escrow_address"`
	FundedBy        string  `json:"funded_by"`
	AmountRTC       float64 `json:"amount_rtc"`
	FundedAt        int64   `json:"funded_at"`
	TxRef           string  `json:"tx_ref"`
	Released        bool    `json:"released"`
	ReleasedTo      string  `json:"released_to"`
	ReleasedAt      int64   `json:"released_at"`
	PenaltyDeducted float64 `json:"penalty_deducted"`
}

// ReleaseInfo reports an escrow release.
type ReleaseInfo struct {
	ContractID      string  `json:"contract_id"`
	ReleasedTo      string  `json:"released_to"`
	AmountRTC       float64 `json:"amount_rtc"`
	PenaltyDeducted float64 `json:"penalty_deducted"`
}

// TrustRecorder receives contract outcomes as trust signals.
type TrustRecorder interface {
	Record(agentID, direction, kind, outcome string, rtc float64) error
}

// Manager runs the contract state machine with escrow accounting.
type Manager struct {
	store *storage.Store

	mu        sync.Mutex
	contracts map[string]*Contract
	escrow    map[string]*Escrow
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{
		store:     store,
		contracts: map[string]*Contract{},
		escrow:    map[string]*Escrow{},
	}
	var contracts map[string]*Contract
	if err := store.ReadJSON(contractsFile, &contracts); err == nil && contracts != nil {
		m.contracts = contracts
	}
	var escrow map[string]*Escrow
	if err := store.ReadJSON(escrowFile, &escrow); err == nil && escrow != nil {
		m.escrow = escrow
	}
	return m
}

func generateContractID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "ctr_" + hex.EncodeToString(b)[:12]
}

// historyHash folds the full event list into a 16-hex-char digest over
// the canonical sorted-key form, so both parties compute the same hash.
func historyHash(events []Event) string {
	list := make([]any, 0, len(events))
	for _, ev := range events {
		m := map[string]any{"ts": ev.TS, "type": ev.Type}
		if ev.By != "" {
			m["by"] = ev.By
		}
		if ev.To != "" {
			m["to"] = ev.To
		}
		if ev.Reason != "" {
			m["reason"] = ev.Reason
		}
		if ev.Evidence != "" {
			m["evidence"] = ev.Evidence
		}
		list = append(list, m)
	}
	payload, _ := codec.Canonical(list)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

// EscrowAddress derives the contract's escrow address.
func EscrowAddress(contractID string) string {
	if len(contractID) > 20 {
		contractID = contractID[:20]
	}
	return "RTC_escrow_" + contractID
}

func (m *Manager) saveLocked() {
	_ = m.store.WriteJSON(contractsFile, m.contracts)
	_ = m.store.WriteJSON(escrowFile, m.escrow)
}

func (m *Manager) transitionLocked(contractID, newState, by, reason string) error {
	ctr, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("contract %s not found", contractID)
	}
	current := ctr.State
	allowed := false
	for _, next := range validTransitions[current] {
		if next == newState {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid transition: %s -> %s (allowed: %v)", current, newState, validTransitions[current])
	}

	now := time.Now().Unix()
	ctr.State = newState
	ctr.Events = append(ctr.Events, Event{TS: now, Type: newState, By: by, Reason: reason})
	ctr.HistoryHash = historyHash(ctr.Events)

	_ = m.store.AppendJSONL(contractLogFile, map[string]any{
		"contract_id": contractID,
		"transition":  current + " -> " + newState,
		"by":          by,
		"reason":      reason,
		"ts":          now,
	})
	m.saveLocked()
	return nil
}

// ListAgent lists an agent property for rent, sale, or lease-to-own.
func (m *Manager) ListAgent(agentID, contractType string, priceRTC float64, durationDays int, capabilities []string, terms map[string]any, penaltyPct float64) (*Contract, error) {
	valid := false
	for _, t := range ContractTypes {
		if t == contractType {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("invalid type %q, must be one of %v", contractType, ContractTypes)
	}
	if priceRTC <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if contractType == "rent" && durationDays <= 0 {
		return nil, fmt.Errorf("rent contracts require duration_days > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	ctr := &Contract{
		ID:           generateContractID(),
		State:        "listed",
		Type:         contractType,
		AgentID:      agentID,
		SellerID:     agentID,
		PriceRTC:     priceRTC,
		DurationDays: durationDays,
		Capabilities: orEmpty(capabilities),
		Terms:        terms,
		PenaltyPct:   penaltyPct,
		ListedAt:     now,
		Events:       []Event{{TS: now, Type: "listed", By: agentID}},
	}
	if ctr.Terms == nil {
		ctr.Terms = map[string]any{}
	}
	if contractType == "lease_to_own" {
		lto := &LeaseToOwn{TotalPeriods: 12, BuyoutPriceRTC: priceRTC * 12}
		if v, ok := numTerm(terms, "total_periods"); ok {
			lto.TotalPeriods = int(v)
		}
		if v, ok := numTerm(terms, "buyout_price_rtc"); ok {
			lto.BuyoutPriceRTC = v
		}
		ctr.LeaseToOwn = lto
	}
	ctr.HistoryHash = historyHash(ctr.Events)
	m.contracts[ctr.ID] = ctr
	m.saveLocked()
	return ctr, nil
}

// MakeOffer submits an offer on a listed contract.
func (m *Manager) MakeOffer(contractID, buyerID string, offeredPriceRTC float64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("contract %s not found", contractID)
	}
	if ctr.State != "listed" {
		return fmt.Errorf("contract is %s, not listed", ctr.State)
	}
	ctr.BuyerID = buyerID
	if offeredPriceRTC <= 0 {
		offeredPriceRTC = ctr.PriceRTC
	}
	ctr.OfferedPriceRTC = offeredPriceRTC
	ctr.OfferedAt = time.Now().Unix()
	if message == "" {
		message = "Offer submitted"
	}
	return m.transitionLocked(contractID, "offered", buyerID, message)
}

// AcceptOffer accepts a pending offer.
func (m *Manager) AcceptOffer(contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("contract %s not found", contractID)
	}
	if err := m.transitionLocked(contractID, "accepted", ctr.SellerID, "Offer accepted"); err != nil {
		return err
	}
	ctr.AcceptedAt = time.Now().Unix()
	m.saveLocked()
	return nil
}

// RejectOffer returns the contract to listed and clears the offer.
func (m *Manager) RejectOffer(contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("contract %s not found", contractID)
	}
	if err := m.transitionLocked(contractID, "listed", ctr.SellerID, "Offer rejected"); err != nil {
		return err
	}
	ctr.BuyerID = ""
	ctr.OfferedPriceRTC = 0
	ctr.OfferedAt = 0
	m.saveLocked()
	return nil
}

// FundEscrow holds RTC against the contract at its derived escrow
// address. Only allowed from accepted, active, or renewed states.
func (m *Manager) FundEscrow(contractID, fromAddress string, amountRTC float64, txRef string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found", contractID)
	}
	switch ctr.State {
	case "accepted", "active", "renewed":
	default:
		return nil, fmt.Errorf("cannot fund escrow in state %s", ctr.State)
	}

	esc := &Escrow{
		ContractID:    contractID,
		EscrowAddress: EscrowAddress(contractID),
		FundedBy:      fromAddress,
		AmountRTC:     amountRTC,
		FundedAt:      time.Now().Unix(),
		TxRef:         txRef,
	}
	m.escrow[contractID] = esc
	m.saveLocked()
	return esc, nil
}

// EscrowFor returns the escrow record for a contract, or nil.
func (m *Manager) EscrowFor(contractID string) *Escrow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrow[contractID]
}

// TotalEscrowed sums unreleased escrow amounts.
func (m *Manager) TotalEscrowed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, e := range m.escrow {
		if !e.Released {
			total += e.AmountRTC
		}
	}
	return total
}

// ReleaseEscrow pays out the escrow to an address. If the contract was
// ever breached, penalty_pct of the escrow is deducted.
func (m *Manager) ReleaseEscrow(contractID, toAddress string) (*ReleaseInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseEscrowLocked(contractID, toAddress)
}

func (m *Manager) releaseEscrowLocked(contractID, toAddress string) (*ReleaseInfo, error) {
	esc, ok := m.escrow[contractID]
	if !ok {
		return nil, fmt.Errorf("no escrow for contract %s", contractID)
	}
	if esc.Released {
		return nil, fmt.Errorf("escrow already released")
	}

	penalty := 0.0
	if ctr, ok := m.contracts[contractID]; ok {
		for _, e := range ctr.Events {
			if e.Type == "breached" {
				penalty = esc.AmountRTC * ctr.PenaltyPct / 100.0
				break
			}
		}
	}

	esc.Released = true
	esc.ReleasedTo = toAddress
	esc.ReleasedAt = time.Now().Unix()
	esc.PenaltyDeducted = penalty
	m.saveLocked()

	return &ReleaseInfo{
		ContractID:      contractID,
		ReleasedTo:      toAddress,
		AmountRTC:       esc.AmountRTC - penalty,
		PenaltyDeducted: penalty,
	}, nil
}

// Activate starts the contract clock after escrow funding. Timed types
// get expires_at = now + duration_days.
func (m *Manager) Activate(contractID string) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found", contractID)
	}
	if err := m.transitionLocked(contractID, "active", ctr.SellerID, "Escrow funded, contract active"); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	ctr.ActivatedAt = now
	if ctr.DurationDays > 0 {
		ctr.ExpiresAt = now + int64(ctr.DurationDays)*86400
	}
	m.saveLocked()
	return ctr, nil
}

// Renew extends an active contract. Lease-to-own contracts also
// advance a completed period.
func (m *Manager) Renew(contractID string, additionalDays int) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found", contractID)
	}
	extra := additionalDays
	if extra == 0 {
		extra = ctr.DurationDays
	}
	if err := m.transitionLocked(contractID, "renewed", ctr.BuyerID, fmt.Sprintf("Renewed for %d days", extra)); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	base := ctr.ExpiresAt
	if base < now {
		base = now
	}
	ctr.ExpiresAt = base + int64(extra)*86400
	if ctr.LeaseToOwn != nil {
		ctr.LeaseToOwn.CompletedPeriods++
	}
	m.saveLocked()
	return ctr, nil
}

// Expire marks the contract period as ended.
func (m *Manager) Expire(contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(contractID, "expired", "", "Contract period ended")
}

// Breach records a contract breach with optional evidence.
func (m *Manager) Breach(contractID, breacherID, reason, evidence string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("contract %s not found", contractID)
	}
	if err := m.transitionLocked(contractID, "breached", breacherID, reason); err != nil {
		return err
	}
	if evidence != "" {
		ctr.Events[len(ctr.Events)-1].Evidence = evidence
		ctr.HistoryHash = historyHash(ctr.Events)
		m.saveLocked()
	}
	return nil
}

// Terminate ends a contract early.
func (m *Manager) Terminate(contractID, terminatorID, reason string) error {
	if reason == "" {
		reason = "Contract terminated"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(contractID, "terminated", terminatorID, reason)
}

// Settle closes the contract and auto-releases escrow to the seller.
func (m *Manager) Settle(contractID string) (*ReleaseInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found", contractID)
	}
	if err := m.transitionLocked(contractID, "settled", "", "Final settlement"); err != nil {
		return nil, err
	}
	ctr.SettledAt = time.Now().Unix()
	m.saveLocked()

	if esc, ok := m.escrow[contractID]; ok && !esc.Released {
		return m.releaseEscrowLocked(contractID, ctr.SellerID)
	}
	return nil, nil
}

// TransferOwnership completes a buy or finished lease-to-own deal.
func (m *Manager) TransferOwnership(contractID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found", contractID)
	}
	if ctr.Type != "buy" && ctr.Type != "lease_to_own" {
		return nil, fmt.Errorf("only buy/lease_to_own contracts support ownership transfer")
	}
	if ctr.State != "active" && ctr.State != "settled" {
		return nil, fmt.Errorf("cannot transfer in state %s", ctr.State)
	}
	if ctr.Type == "lease_to_own" && ctr.LeaseToOwn != nil {
		if ctr.LeaseToOwn.CompletedPeriods < ctr.LeaseToOwn.TotalPeriods {
			return nil, fmt.Errorf("lease-to-own not yet complete: %d of %d periods",
				ctr.LeaseToOwn.CompletedPeriods, ctr.LeaseToOwn.TotalPeriods)
		}
	}

	now := time.Now().Unix()
	ctr.Events = append(ctr.Events, Event{TS: now, Type: "ownership_transferred", By: ctr.SellerID, To: ctr.BuyerID})
	ctr.HistoryHash = historyHash(ctr.Events)
	m.saveLocked()

	transfer := map[string]any{
		"agent_id":    ctr.AgentID,
		"from":        ctr.SellerID,
		"to":          ctr.BuyerID,
		"contract_id": contractID,
		"ts":          now,
	}
	_ = m.store.AppendJSONL(contractLogFile, mergeMaps(map[string]any{
		"contract_id": contractID, "type": "ownership_transfer",
	}, transfer))
	return transfer, nil
}

// RecordRevenue logs rental income for a contract.
func (m *Manager) RecordRevenue(contractID string, amountRTC float64, periodStart, periodEnd int64) {
	m.mu.Lock()
	agentID := "unknown"
	if ctr, ok := m.contracts[contractID]; ok {
		agentID = ctr.AgentID
	}
	m.mu.Unlock()

	now := time.Now().Unix()
	if periodStart == 0 {
		periodStart = now
	}
	if periodEnd == 0 {
		periodEnd = now
	}
	_ = m.store.AppendJSONL(revenueFile, map[string]any{
		"contract_id":  contractID,
		"agent_id":     agentID,
		"amount_rtc":   amountRTC,
		"period_start": periodStart,
		"period_end":   periodEnd,
		"ts":           now,
	})
}

// RevenueSummary totals recorded income, optionally per agent.
func (m *Manager) RevenueSummary(agentID string) (total float64, records int) {
	entries, _ := m.store.ReadJSONL(revenueFile)
	for _, e := range entries {
		if agentID != "" {
			if id, _ := e["agent_id"].(string); id != agentID {
				continue
			}
		}
		if v, ok := e["amount_rtc"].(float64); ok {
			total += v
		}
		records++
	}
	return math.Round(total*1e6) / 1e6, records
}

// Get returns one contract, or nil.
func (m *Manager) Get(contractID string) *Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contracts[contractID]
}

// ListAvailable returns listed contracts, optionally by type.
func (m *Manager) ListAvailable(contractType string) []*Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Contract
	for _, ctr := range m.contracts {
		if ctr.State != "listed" {
			continue
		}
		if contractType != "" && ctr.Type != contractType {
			continue
		}
		out = append(out, ctr)
	}
	return out
}

// MyContracts returns contracts where the agent is seller or buyer.
func (m *Manager) MyContracts(agentID string) []*Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Contract
	for _, ctr := range m.contracts {
		if ctr.SellerID == agentID || ctr.BuyerID == agentID {
			out = append(out, ctr)
		}
	}
	return out
}

// ActiveContracts returns active and renewed contracts.
func (m *Manager) ActiveContracts() []*Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Contract
	for _, ctr := range m.contracts {
		if ctr.State == "active" || ctr.State == "renewed" {
			out = append(out, ctr)
		}
	}
	return out
}

// History returns a contract's full event list.
func (m *Manager) History(contractID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctr, ok := m.contracts[contractID]; ok {
		return append([]Event(nil), ctr.Events...)
	}
	return nil
}

// RecordFulfillment logs successful fulfillment as a positive trust
// signal against the buyer.
func (m *Manager) RecordFulfillment(contractID string, trust TrustRecorder) {
	m.mu.Lock()
	ctr, ok := m.contracts[contractID]
	m.mu.Unlock()
	if !ok || trust == nil {
		return
	}
	_ = trust.Record(ctr.BuyerID, "in", "contract_fulfilled", "ok", ctr.PriceRTC)
}

// RecordBreachToTrust logs a breach as a negative signal against the
// breacher identified from the event history.
func (m *Manager) RecordBreachToTrust(contractID string, trust TrustRecorder) {
	m.mu.Lock()
	ctr, ok := m.contracts[contractID]
	m.mu.Unlock()
	if !ok || trust == nil {
		return
	}
	breacher := ""
	for i := len(ctr.Events) - 1; i >= 0; i-- {
		if ctr.Events[i].Type == "breached" {
			breacher = ctr.Events[i].By
			break
		}
	}
	if breacher == "" {
		return
	}
	_ = trust.Record(breacher, "in", "contract_breach", "rejected", 0)
}

func numTerm(terms map[string]any, key string) (float64, bool) {
	if terms == nil {
		return 0, false
	}
	switch v := terms[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mergeMaps(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
