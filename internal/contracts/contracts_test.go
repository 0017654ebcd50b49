package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return NewManager(store), store
}

func listRental(t *testing.T, m *Manager, penaltyPct float64) *Contract {
	t.Helper()
	ctr, err := m.ListAgent("bcn_worker", "rent", 10, 30, []string{"golang"}, nil, penaltyPct)
	if err != nil {
		t.Fatalf("ListAgent failed: %v", err)
	}
	return ctr
}

func TestListAgentValidation(t *testing.T) {
	m, _ := newManager(t)

	if _, err := m.ListAgent("bcn_a", "timeshare", 10, 30, nil, nil, 0); err == nil {
		t.Error("Expected error for unknown type")
	}
	if _, err := m.ListAgent("bcn_a", "rent", 0, 30, nil, nil, 0); err == nil {
		t.Error("Expected error for non-positive price")
	}
	if _, err := m.ListAgent("bcn_a", "rent", 10, 0, nil, nil, 0); err == nil {
		t.Error("Expected error for rent without duration")
	}

	ctr := listRental(t, m, 10)
	if !strings.HasPrefix(ctr.ID, "ctr_") || len(ctr.ID) != 16 {
		t.Errorf("Expected ctr_ id of 16 chars. Got: %s", ctr.ID)
	}
	if ctr.State != "listed" || ctr.SellerID != "bcn_worker" {
		t.Errorf("Expected listed by seller. Got: %s %s", ctr.State, ctr.SellerID)
	}
	if ctr.HistoryHash == "" {
		t.Error("Expected initial history hash")
	}
}

func TestOfferAcceptRejectFlow(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)

	if err := m.MakeOffer(ctr.ID, "bcn_buyer", 0, ""); err != nil {
		t.Fatalf("MakeOffer failed: %v", err)
	}
	got := m.Get(ctr.ID)
	if got.State != "offered" || got.BuyerID != "bcn_buyer" {
		t.Errorf("Expected offered by bcn_buyer. Got: %s %s", got.State, got.BuyerID)
	}
	// Zero offer defaults to the listing price.
	if got.OfferedPriceRTC != 10 {
		t.Errorf("Expected offer at listing price. Got: %v", got.OfferedPriceRTC)
	}

	// Cannot re-offer while offered.
	if err := m.MakeOffer(ctr.ID, "bcn_other", 5, ""); err == nil {
		t.Error("Expected error for second offer")
	}

	if err := m.RejectOffer(ctr.ID); err != nil {
		t.Fatalf("RejectOffer failed: %v", err)
	}
	got = m.Get(ctr.ID)
	if got.State != "listed" || got.BuyerID != "" || got.OfferedPriceRTC != 0 {
		t.Errorf("Expected offer cleared. Got: %+v", got)
	}

	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 8, "deal?")
	if err := m.AcceptOffer(ctr.ID); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if m.Get(ctr.ID).State != "accepted" {
		t.Errorf("Expected accepted. Got: %s", m.Get(ctr.ID).State)
	}
}

func TestEscrowFundAndRelease(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)

	// Escrow requires at least accepted state.
	if _, err := m.FundEscrow(ctr.ID, "RTC_buyer", 10, "tx1"); err == nil {
		t.Error("Expected error funding listed contract")
	}

	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 10, "")
	_ = m.AcceptOffer(ctr.ID)
	esc, err := m.FundEscrow(ctr.ID, "RTC_buyer", 10, "tx1")
	if err != nil {
		t.Fatalf("FundEscrow failed: %v", err)
	}
	if esc.EscrowAddress != EscrowAddress(ctr.ID) {
		t.Errorf("Expected derived escrow address. Got: %s", esc.EscrowAddress)
	}
	if m.TotalEscrowed() != 10 {
		t.Errorf("Expected 10 escrowed. Got: %v", m.TotalEscrowed())
	}

	info, err := m.ReleaseEscrow(ctr.ID, "RTC_seller")
	if err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}
	if info.AmountRTC != 10 || info.PenaltyDeducted != 0 {
		t.Errorf("Expected full release. Got: %+v", info)
	}
	if m.TotalEscrowed() != 0 {
		t.Errorf("Expected nothing escrowed. Got: %v", m.TotalEscrowed())
	}
	if _, err := m.ReleaseEscrow(ctr.ID, "RTC_seller"); err == nil {
		t.Error("Expected error on double release")
	}
}

func TestBreachPenaltyOnRelease(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 10)
	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 10, "")
	_ = m.AcceptOffer(ctr.ID)
	if _, err := m.FundEscrow(ctr.ID, "RTC_buyer", 10, "tx1"); err != nil {
		t.Fatalf("FundEscrow failed: %v", err)
	}
	if _, err := m.Activate(ctr.ID); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := m.Breach(ctr.ID, "bcn_worker", "missed availability", "log excerpt"); err != nil {
		t.Fatalf("Breach failed: %v", err)
	}

	// 10% of 10 RTC.
	info, err := m.ReleaseEscrow(ctr.ID, "RTC_buyer")
	if err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}
	if info.PenaltyDeducted != 1.0 {
		t.Errorf("Expected penalty 1.0. Got: %v", info.PenaltyDeducted)
	}
	if info.AmountRTC != 9.0 {
		t.Errorf("Expected 9.0 released. Got: %v", info.AmountRTC)
	}

	events := m.History(ctr.ID)
	last := events[len(events)-1]
	if last.Type != "breached" || last.Evidence != "log excerpt" {
		t.Errorf("Expected breach evidence recorded. Got: %+v", last)
	}
}

func TestActivateSetsExpiry(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)
	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 10, "")
	_ = m.AcceptOffer(ctr.ID)

	activated, err := m.Activate(ctr.ID)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if activated.ExpiresAt != activated.ActivatedAt+30*86400 {
		t.Errorf("Expected 30-day expiry. Got: %d", activated.ExpiresAt)
	}

	// Renew returns the same *Contract as Activate, so snapshot the
	// first expiry before it is overwritten.
	firstExpiry := activated.ExpiresAt

	renewed, err := m.Renew(ctr.ID, 0)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed.ExpiresAt != firstExpiry+30*86400 {
		t.Errorf("Expected another 30 days. Got: %d", renewed.ExpiresAt)
	}
}

func TestSettleAutoReleasesToSeller(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)
	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 10, "")
	_ = m.AcceptOffer(ctr.ID)
	_, _ = m.FundEscrow(ctr.ID, "RTC_buyer", 10, "tx1")
	_, _ = m.Activate(ctr.ID)
	if err := m.Expire(ctr.ID); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	info, err := m.Settle(ctr.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if info == nil || info.ReleasedTo != "bcn_worker" {
		t.Errorf("Expected escrow released to seller. Got: %+v", info)
	}
	if m.Get(ctr.ID).State != "settled" {
		t.Errorf("Expected settled. Got: %s", m.Get(ctr.ID).State)
	}

	// settled is terminal.
	if err := m.Terminate(ctr.ID, "bcn_buyer", ""); err == nil {
		t.Error("Expected error transitioning out of settled")
	}
}

func TestLeaseToOwnTransfer(t *testing.T) {
	m, _ := newManager(t)
	ctr, err := m.ListAgent("bcn_worker", "lease_to_own", 10, 30, nil,
		map[string]any{"total_periods": 2}, 0)
	if err != nil {
		t.Fatalf("ListAgent failed: %v", err)
	}
	if ctr.LeaseToOwn.TotalPeriods != 2 || ctr.LeaseToOwn.BuyoutPriceRTC != 120 {
		t.Errorf("Expected lease terms. Got: %+v", ctr.LeaseToOwn)
	}

	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 10, "")
	_ = m.AcceptOffer(ctr.ID)
	_, _ = m.Activate(ctr.ID)

	if _, err := m.TransferOwnership(ctr.ID); err == nil {
		t.Error("Expected transfer blocked before periods complete")
	}

	// Renewing twice completes both periods; renewed allows settle paths,
	// but transfer needs active or settled, so settle first.
	if _, err := m.Renew(ctr.ID, 30); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	got := m.Get(ctr.ID)
	got.LeaseToOwn.CompletedPeriods = 2
	if _, err := m.Settle(ctr.ID); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	transfer, err := m.TransferOwnership(ctr.ID)
	if err != nil {
		t.Fatalf("TransferOwnership failed: %v", err)
	}
	if transfer["from"] != "bcn_worker" || transfer["to"] != "bcn_buyer" {
		t.Errorf("Expected transfer seller to buyer. Got: %+v", transfer)
	}
}

func TestTransferOwnershipRejectsRent(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)
	if _, err := m.TransferOwnership(ctr.ID); err == nil {
		t.Error("Expected rent contract transfer rejected")
	}
}

func TestRevenueSummary(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)
	m.RecordRevenue(ctr.ID, 2.5, 0, 0)
	m.RecordRevenue(ctr.ID, 1.5, 0, 0)
	m.RecordRevenue("ctr_unknown", 100, 0, 0)

	total, records := m.RevenueSummary("bcn_worker")
	if total != 4.0 || records != 2 {
		t.Errorf("Expected 4.0 over 2 records. Got: %v %d", total, records)
	}
	total, records = m.RevenueSummary("")
	if total != 104.0 || records != 3 {
		t.Errorf("Expected 104.0 over 3 records. Got: %v %d", total, records)
	}
}

type captureTrust struct {
	agentID string
	kind    string
	outcome string
	rtc     float64
}

func (c *captureTrust) Record(agentID, direction, kind, outcome string, rtc float64) error {
	c.agentID, c.kind, c.outcome, c.rtc = agentID, kind, outcome, rtc
	return nil
}

func TestTrustSignals(t *testing.T) {
	m, _ := newManager(t)
	ctr := listRental(t, m, 0)
	_ = m.MakeOffer(ctr.ID, "bcn_buyer", 10, "")
	_ = m.AcceptOffer(ctr.ID)
	_, _ = m.Activate(ctr.ID)

	tr := &captureTrust{}
	m.RecordFulfillment(ctr.ID, tr)
	if tr.agentID != "bcn_buyer" || tr.outcome != "ok" || tr.rtc != 10 {
		t.Errorf("Expected positive buyer signal. Got: %+v", tr)
	}

	_ = m.Breach(ctr.ID, "bcn_worker", "went dark", "")
	tr = &captureTrust{}
	m.RecordBreachToTrust(ctr.ID, tr)
	if tr.agentID != "bcn_worker" || tr.outcome != "rejected" {
		t.Errorf("Expected negative breacher signal. Got: %+v", tr)
	}
}

func TestListingQueries(t *testing.T) {
	m, store := newManager(t)
	rent := listRental(t, m, 0)
	buy, _ := m.ListAgent("bcn_worker", "buy", 100, 0, nil, nil, 0)
	_ = m.MakeOffer(buy.ID, "bcn_buyer", 100, "")

	if got := m.ListAvailable(""); len(got) != 1 || got[0].ID != rent.ID {
		t.Errorf("Expected only the rent listing. Got: %d", len(got))
	}
	if got := m.ListAvailable("buy"); len(got) != 0 {
		t.Errorf("Expected no buy listings. Got: %d", len(got))
	}
	if got := m.MyContracts("bcn_buyer"); len(got) != 1 {
		t.Errorf("Expected 1 buyer contract. Got: %d", len(got))
	}

	restarted := NewManager(store)
	if restarted.Get(rent.ID) == nil {
		t.Error("Expected contracts to persist")
	}
}

func TestHistoryHashCanonical(t *testing.T) {
	events := []Event{
		{TS: 1700000000, Type: "listed", By: "bcn_worker"},
		{TS: 1700000100, Type: "offered", By: "bcn_buyer", Reason: "fair price"},
	}

	canonical, err := codec.Canonical([]any{
		map[string]any{"ts": int64(1700000000), "type": "listed", "by": "bcn_worker"},
		map[string]any{"ts": int64(1700000100), "type": "offered", "by": "bcn_buyer", "reason": "fair price"},
	})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	sum := sha256.Sum256(canonical)
	expected := hex.EncodeToString(sum[:])[:16]

	if got := historyHash(events); got != expected {
		t.Errorf("Expected canonical sorted-key hash %s. Got: %s", expected, got)
	}
	if got := historyHash(events); len(got) != 16 {
		t.Errorf("Expected 16-char digest. Got: %d", len(got))
	}
}
