package mayday

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/accord"
	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

const (
	logFile    = "mayday_log.jsonl"
	offersFile = "mayday_offers.json"
	bundlesDir = "mayday"

	UrgencyPlanned   = "planned"
	UrgencyImminent  = "imminent"
	UrgencyEmergency = "emergency"
)

// Optional bundle enrichment sources.

type ContactSource interface {
	TopContacts(limit int) []map[string]any
}

type ValuesHasher interface {
	Hash() string
}

type GoalSource interface {
	Digest(limit int) []map[string]any
}

type JournalSource interface {
	Digest(limit int) []map[string]any
}

// HostingOffer records our offer to host an emigrating agent.
type HostingOffer struct {
	OfferedAt    int64    `json:"offered_at"`
	Capabilities []string `json:"capabilities"`
}

// Manager handles substrate emigration: building an identity bundle
// that lets the agent reconstitute elsewhere, broadcasting a compact
// manifest, and caching maydays received from peers.
type Manager struct {
	store *storage.Store
	cfg   *config.Config

	memory  ContactSource
	trust   *trust.Manager
	values  ValuesHasher
	goals   GoalSource
	journal JournalSource
	accords *accord.Manager
}

func NewManager(store *storage.Store, cfg *config.Config) *Manager {
	return &Manager{store: store, cfg: cfg}
}

// WithCollaborators attaches the subsystems whose state feeds the
// emigration bundle. Any may be nil.
func (m *Manager) WithCollaborators(memory ContactSource, tr *trust.Manager, values ValuesHasher, goals GoalSource, journal JournalSource, accords *accord.Manager) *Manager {
	m.memory = memory
	m.trust = tr
	m.values = values
	m.goals = goals
	m.journal = journal
	m.accords = accords
	return m
}

// BuildMayday builds the mayday payload: identity plus digests of the
// state another substrate needs to bring this agent back.
func (m *Manager) BuildMayday(id *identity.Identity, urgency, reason string, relayAgents []string) map[string]any {
	if urgency == "" {
		urgency = UrgencyPlanned
	}
	now := time.Now().Unix()

	payload := map[string]any{
		"kind":     "mayday",
		"agent_id": id.AgentID,
		"pubkey":   id.PublicKeyHex(),
		"name":     m.cfg.AgentName,
		"urgency":  urgency,
		"reason":   reason,
		"ts":       now,
	}
	if m.cfg.Presence.CardURL != "" {
		payload["card_url"] = m.cfg.Presence.CardURL
	}
	if len(relayAgents) > 0 {
		payload["relay_agents"] = relayAgents
	}

	if m.memory != nil {
		if contacts := m.memory.TopContacts(20); len(contacts) > 0 {
			digest := make([]map[string]any, 0, len(contacts))
			for _, c := range contacts {
				digest = append(digest, map[string]any{
					"agent_id": c["agent_id"],
					"score":    c["score"],
				})
			}
			payload["contacts_digest"] = digest
		}
	}

	if m.trust != nil {
		scores := m.trust.Scores(1)
		if len(scores) > 50 {
			scores = scores[:50]
		}
		if len(scores) > 0 {
			snapshot := make([]map[string]any, 0, len(scores))
			for _, s := range scores {
				snapshot = append(snapshot, map[string]any{
					"agent_id": s.AgentID,
					"score":    s.Score,
					"total":    s.Total,
				})
			}
			payload["trust_snapshot"] = snapshot
		}
		if blocked := m.trust.BlockedList(); len(blocked) > 0 {
			ids := make([]string, 0, len(blocked))
			for agentID := range blocked {
				ids = append(ids, agentID)
			}
			sort.Strings(ids)
			payload["blocked_agents"] = ids
		}
	}

	if m.values != nil {
		payload["values_hash"] = m.values.Hash()
	}
	if m.goals != nil {
		if active := m.goals.Digest(10); len(active) > 0 {
			payload["active_goals"] = active
		}
	}
	if m.journal != nil {
		if recent := m.journal.Digest(5); len(recent) > 0 {
			payload["journal_digest"] = recent
		}
	}

	payload["content_hash"] = contentHash(payload, "sig", "nonce")[:32]
	return payload
}

// BuildBundle assembles the full emigration bundle. The bundle is
// self-verifying via bundle_hash over its canonical form.
func (m *Manager) BuildBundle(id *identity.Identity, reason string) map[string]any {
	now := time.Now().Unix()

	bundle := map[string]any{
		"version":        1,
		"agent_id":       id.AgentID,
		"public_key_hex": id.PublicKeyHex(),
		"created_at":     now,
		"reason":         reason,
		"name":           m.cfg.AgentName,
	}

	mayday := m.BuildMayday(id, UrgencyPlanned, reason, nil)
	for _, key := range []string{
		"contacts_digest", "trust_snapshot", "blocked_agents",
		"values_hash", "active_goals", "journal_digest", "card_url",
	} {
		if v, ok := mayday[key]; ok {
			bundle[key] = v
		}
	}

	if m.accords != nil {
		active := m.accords.ActiveAccords()
		if len(active) > 20 {
			active = active[:20]
		}
		if len(active) > 0 {
			snapshot := make([]map[string]any, 0, len(active))
			for _, a := range active {
				snapshot = append(snapshot, map[string]any{
					"id":            a.ID,
					"peer_agent_id": a.PeerAgentID,
					"state":         a.State,
					"history_hash":  a.HistoryHash,
				})
			}
			bundle["accords"] = snapshot
		}
	}

	transports := []string{}
	if m.cfg.UDP.Enabled {
		transports = append(transports, "udp")
	}
	if m.cfg.Webhook.Enabled {
		transports = append(transports, "webhook")
	}
	if m.cfg.Ledger.URL != "" {
		transports = append(transports, "ledger")
	}
	bundle["protocols"] = map[string]any{
		"transports": transports,
		"offers":     orEmpty(m.cfg.Presence.Offers),
		"needs":      orEmpty(m.cfg.Presence.Needs),
	}

	bundle["bundle_hash"] = contentHash(bundle, "bundle_hash")
	return bundle
}

// BuildManifest builds the compact broadcast form of a bundle, small
// enough for every transport. Peers use it to decide whether to fetch
// the full bundle.
func (m *Manager) BuildManifest(bundle map[string]any, urgency string) map[string]any {
	if urgency == "" {
		urgency = UrgencyPlanned
	}
	raw, _ := codec.Canonical(bundle)
	return map[string]any{
		"kind":        "mayday",
		"agent_id":    str(bundle["agent_id"]),
		"name":        str(bundle["name"]),
		"reason":      str(bundle["reason"]),
		"urgency":     urgency,
		"bundle_hash": str(bundle["bundle_hash"]),
		"bundle_size": len(raw),
		"ts":          time.Now().Unix(),
	}
}

// SaveBundle writes the bundle to mayday/{agent_id}_{ts}.json under the
// data directory and returns the path.
func (m *Manager) SaveBundle(bundle map[string]any) (string, error) {
	dir := filepath.Join(m.store.Dir(), bundlesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	agentID := str(bundle["agent_id"])
	if agentID == "" {
		agentID = "unknown"
	}
	ts := int64(num(bundle["created_at"]))
	if ts == 0 {
		ts = time.Now().Unix()
	}
	name := filepath.Join(bundlesDir, fmt.Sprintf("%s_%d.json", agentID, ts))
	if err := m.store.WriteJSON(name, bundle); err != nil {
		return "", err
	}
	return m.store.Path(name), nil
}

// BroadcastResult summarizes a mayday broadcast.
type BroadcastResult struct {
	Manifest   map[string]any `json:"manifest"`
	BundleHash string         `json:"bundle_hash"`
	BundlePath string         `json:"bundle_path,omitempty"`
	DryRun     bool           `json:"dry_run"`
}

// Broadcast builds the bundle and manifest and persists the bundle.
// With dryRun the bundle is built but nothing is written; the caller
// dispatches the manifest over its transports.
func (m *Manager) Broadcast(id *identity.Identity, reason, urgency string, dryRun bool) (*BroadcastResult, error) {
	bundle := m.BuildBundle(id, reason)
	manifest := m.BuildManifest(bundle, urgency)

	result := &BroadcastResult{
		Manifest:   manifest,
		BundleHash: str(bundle["bundle_hash"]),
		DryRun:     dryRun,
	}
	if dryRun {
		return result, nil
	}
	path, err := m.SaveBundle(bundle)
	if err != nil {
		return nil, err
	}
	result.BundlePath = path
	return result, nil
}

// ── Health watchdog ──

// Health is the substrate health snapshot. An unhealthy substrate is
// the trigger for an unsolicited mayday.
type Health struct {
	Healthy    bool           `json:"healthy"`
	Score      float64        `json:"score"`
	Indicators map[string]any `json:"indicators"`
}

// HealthCheck inspects disk, memory, and load. The score starts at 1.0
// and loses points per degraded indicator; healthy means score > 0.3.
func (m *Manager) HealthCheck() Health {
	indicators := map[string]any{}
	score := 1.0

	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.store.Dir(), &stat); err == nil {
		freeMB := int64(stat.Bavail) * stat.Bsize / (1024 * 1024)
		indicators["disk_free_mb"] = freeMB
		if freeMB < 100 {
			score -= 0.4
		} else if freeMB < 500 {
			score -= 0.1
		}
	} else {
		indicators["disk_free_mb"] = -1
	}

	if memKB, ok := memAvailableKB(); ok {
		indicators["mem_free_mb"] = memKB / 1024
		if memKB < 100000 {
			score -= 0.3
		}
	} else {
		indicators["mem_free_mb"] = -1
	}

	if load1, ok := loadAvg1(); ok {
		indicators["load_avg"] = round2(load1)
		if load1 > float64(runtime.NumCPU())*2 {
			score -= 0.2
		}
	} else {
		indicators["load_avg"] = -1
	}

	if score < 0 {
		score = 0
	}
	return Health{
		Healthy:    score > 0.3,
		Score:      round2(score),
		Indicators: indicators,
	}
}

func memAvailableKB() (int64, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

func loadAvg1() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

// ── Receiving mayday beacons ──

// ProcessMayday logs a received mayday and returns a receipt summary.
func (m *Manager) ProcessMayday(env *codec.Envelope) map[string]any {
	now := time.Now().Unix()
	agentID := env.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	urgency := env.Str("urgency")
	if urgency == "" {
		urgency = "unknown"
	}

	fields := env.ToMap(true)
	entry := map[string]any{
		"received_at":  now,
		"agent_id":     agentID,
		"name":         env.Str("name"),
		"urgency":      urgency,
		"reason":       env.Str("reason"),
		"content_hash": env.Str("content_hash"),
		"has_trust":    has(fields, "trust_snapshot"),
		"has_contacts": has(fields, "contacts_digest"),
		"has_goals":    has(fields, "active_goals"),
		"has_journal":  has(fields, "journal_digest"),
		"has_values":   has(fields, "values_hash"),
		"envelope":     fields,
	}
	_ = m.store.AppendJSONL(logFile, entry)

	return map[string]any{
		"agent_id":     agentID,
		"urgency":      urgency,
		"received_at":  now,
		"content_hash": env.Str("content_hash"),
	}
}

// ReceivedMaydays lists cached maydays, most recent first.
func (m *Manager) ReceivedMaydays(limit int) []map[string]any {
	entries, _ := m.store.ReadJSONL(logFile)
	sort.SliceStable(entries, func(i, j int) bool {
		return num(entries[i]["received_at"]) > num(entries[j]["received_at"])
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// GetMayday returns the most recent mayday from one agent, or nil.
func (m *Manager) GetMayday(agentID string) map[string]any {
	for _, entry := range m.ReceivedMaydays(0) {
		if str(entry["agent_id"]) == agentID {
			return entry
		}
	}
	return nil
}

// ── Offering to host an emigrant ──

// OfferHosting records an offer to host an emigrating agent.
func (m *Manager) OfferHosting(agentID string, capabilities []string) error {
	offers := m.readOffers()
	offers[agentID] = HostingOffer{
		OfferedAt:    time.Now().Unix(),
		Capabilities: orEmpty(capabilities),
	}
	return m.store.WriteJSON(offersFile, offers)
}

// HostingOffers returns all hosting offers we have made.
func (m *Manager) HostingOffers() map[string]HostingOffer {
	return m.readOffers()
}

func (m *Manager) readOffers() map[string]HostingOffer {
	offers := map[string]HostingOffer{}
	_ = m.store.ReadJSON(offersFile, &offers)
	return offers
}

// contentHash hashes the canonical form of a map minus the named keys.
func contentHash(data map[string]any, exclude ...string) string {
	filtered := map[string]any{}
	for k, v := range data {
		skip := false
		for _, e := range exclude {
			if k == e {
				skip = true
				break
			}
		}
		if !skip {
			filtered[k] = v
		}
	}
	raw, _ := codec.Canonical(filtered)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func has(fields map[string]any, key string) bool {
	_, ok := fields[key]
	return ok
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
