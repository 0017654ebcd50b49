package heartbeat

import (
	"sort"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	stateFile = "heartbeats.json"
	logFile   = "heartbeat_log.jsonl"

	DefaultIntervalS = 300
)

// ownState tracks our own beat counter and last beat.
type ownState struct {
	LastBeat  int64  `json:"last_beat"`
	BeatCount int64  `json:"beat_count"`
	Status    string `json:"status"`
}

// PeerBeat is the last observed heartbeat from a peer.
type PeerBeat struct {
	LastBeat  int64          `json:"last_beat"`
	BeatCount int64          `json:"beat_count"`
	Status    string         `json:"status"`
	Name      string         `json:"name"`
	UptimeS   int64          `json:"uptime_s"`
	GapS      int64          `json:"gap_s"`
	Health    map[string]any `json:"health,omitempty"`
}

// PeerStatus is a PeerBeat annotated with liveness assessment.
type PeerStatus struct {
	PeerBeat
	AgentID    string `json:"agent_id"`
	AgeS       int64  `json:"age_s"`
	Assessment string `json:"assessment"`
}

// SilentPeer describes a peer whose heartbeats stopped arriving.
type SilentPeer struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	LastBeatTS int64  `json:"last_beat_ts"`
	SilenceS   int64  `json:"silence_s"`
	Assessment string `json:"assessment"`
}

// Digest summarizes today's heartbeat activity.
type Digest struct {
	Date         string `json:"date"`
	TS           int64  `json:"ts"`
	OwnBeatCount int64  `json:"own_beat_count"`
	OwnStatus    string `json:"own_status"`
	PeersSeen    int    `json:"peers_seen"`
	PeersSilent  int    `json:"peers_silent"`
	TotalPeers   int    `json:"total_peers"`
}

type hbState struct {
	Own   ownState            `json:"own"`
	Peers map[string]PeerBeat `json:"peers"`
}

// Manager tracks liveness via periodic signed heartbeat envelopes.
// A peer silent past the silence threshold is concerning; past the
// dead threshold it is presumed dead.
type Manager struct {
	store *storage.Store
	cfg   *config.Config
}

func NewManager(store *storage.Store, cfg *config.Config) *Manager {
	return &Manager{store: store, cfg: cfg}
}

func (m *Manager) loadState() hbState {
	var state hbState
	_ = m.store.ReadJSON(stateFile, &state)
	if state.Peers == nil {
		state.Peers = map[string]PeerBeat{}
	}
	return state
}

func (m *Manager) saveState(state hbState) {
	_ = m.store.WriteJSON(stateFile, state)
}

// BuildHeartbeat creates the heartbeat envelope and bumps our beat
// counter. Status is one of "alive", "degraded", "shutting_down".
func (m *Manager) BuildHeartbeat(id *identity.Identity, status string, health map[string]any) *codec.Envelope {
	if status == "" {
		status = "alive"
	}
	now := time.Now().Unix()

	state := m.loadState()
	state.Own.BeatCount++
	state.Own.LastBeat = now
	state.Own.Status = status
	m.saveState(state)

	fields := map[string]any{
		"name":       m.cfg.AgentName,
		"status":     status,
		"beat_count": state.Own.BeatCount,
		"uptime_s":   now - m.cfg.StartTS,
	}
	if len(health) > 0 {
		fields["health"] = health
	}

	env := codec.New("heartbeat", now, "", fields)
	env.AgentID = id.AgentID
	return env
}

// Beat builds a heartbeat and logs the send. The envelope is returned
// unsigned; the caller signs and dispatches it.
func (m *Manager) Beat(id *identity.Identity, status string, health map[string]any) *codec.Envelope {
	env := m.BuildHeartbeat(id, status, health)
	_ = m.store.AppendJSONL(logFile, map[string]any{
		"ts":         env.TS,
		"agent_id":   env.AgentID,
		"status":     env.Str("status"),
		"beat_count": int64(env.Float("beat_count")),
		"direction":  "sent",
	})
	return env
}

// ProcessHeartbeat records a peer heartbeat and returns the peer's
// assessment.
func (m *Manager) ProcessHeartbeat(env *codec.Envelope) map[string]any {
	if env.AgentID == "" {
		return map[string]any{"error": "no_agent_id"}
	}
	now := time.Now().Unix()
	state := m.loadState()

	prev := state.Peers[env.AgentID]
	var gap int64
	if prev.LastBeat > 0 {
		gap = now - prev.LastBeat
	}

	status := env.Str("status")
	if status == "" {
		status = "alive"
	}
	peer := PeerBeat{
		LastBeat:  now,
		BeatCount: int64(env.Float("beat_count")),
		Status:    status,
		Name:      env.Str("name"),
		UptimeS:   int64(env.Float("uptime_s")),
		GapS:      gap,
	}
	if health, ok := env.Fields["health"].(map[string]any); ok {
		peer.Health = health
	}
	state.Peers[env.AgentID] = peer
	m.saveState(state)

	_ = m.store.AppendJSONL(logFile, map[string]any{
		"ts":         now,
		"agent_id":   env.AgentID,
		"status":     status,
		"beat_count": peer.BeatCount,
		"gap_s":      gap,
	})

	return map[string]any{
		"agent_id":   env.AgentID,
		"status":     status,
		"gap_s":      gap,
		"assessment": m.assess(peer, now),
	}
}

func (m *Manager) thresholds() (int64, int64) {
	silence := int64(m.cfg.Heartbeat.SilenceThresholdS)
	if silence == 0 {
		silence = 900
	}
	dead := int64(m.cfg.Heartbeat.DeadThresholdS)
	if dead == 0 {
		dead = 3600
	}
	return silence, dead
}

func (m *Manager) assess(peer PeerBeat, now int64) string {
	silence, dead := m.thresholds()
	age := now - peer.LastBeat
	if peer.Status == "shutting_down" {
		return "shutting_down"
	}
	if age <= silence {
		return "healthy"
	}
	if age <= dead {
		return "concerning"
	}
	return "presumed_dead"
}

// PeerStatusFor returns detailed status for one peer, or nil.
func (m *Manager) PeerStatusFor(agentID string) *PeerStatus {
	state := m.loadState()
	peer, ok := state.Peers[agentID]
	if !ok {
		return nil
	}
	now := time.Now().Unix()
	return &PeerStatus{
		PeerBeat:   peer,
		AgentID:    agentID,
		AgeS:       now - peer.LastBeat,
		Assessment: m.assess(peer, now),
	}
}

// AllPeers returns tracked peers newest-beat first. Presumed-dead
// peers are skipped unless includeDead.
func (m *Manager) AllPeers(includeDead bool) []PeerStatus {
	state := m.loadState()
	now := time.Now().Unix()
	var out []PeerStatus
	for agentID, peer := range state.Peers {
		assessment := m.assess(peer, now)
		if !includeDead && assessment == "presumed_dead" {
			continue
		}
		out = append(out, PeerStatus{
			PeerBeat:   peer,
			AgentID:    agentID,
			AgeS:       now - peer.LastBeat,
			Assessment: assessment,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastBeat != out[j].LastBeat {
			return out[i].LastBeat > out[j].LastBeat
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// SilentPeers returns peers assessed concerning or worse.
func (m *Manager) SilentPeers() []PeerStatus {
	var out []PeerStatus
	for _, p := range m.AllPeers(true) {
		if p.Assessment == "concerning" || p.Assessment == "presumed_dead" {
			out = append(out, p)
		}
	}
	return out
}

// OwnStatus returns our own beat counter and last beat.
func (m *Manager) OwnStatus() map[string]any {
	state := m.loadState()
	return map[string]any{
		"last_beat":  state.Own.LastBeat,
		"beat_count": state.Own.BeatCount,
		"status":     state.Own.Status,
	}
}

// CheckSilence returns agents silent past the threshold (the configured
// silence threshold when zero), most silent first.
func (m *Manager) CheckSilence(thresholdS int64) []SilentPeer {
	if thresholdS == 0 {
		thresholdS, _ = m.thresholds()
	}
	now := time.Now().Unix()
	state := m.loadState()
	var silent []SilentPeer
	for agentID, peer := range state.Peers {
		silence := now - peer.LastBeat
		if silence > thresholdS {
			silent = append(silent, SilentPeer{
				AgentID:    agentID,
				Name:       peer.Name,
				LastBeatTS: peer.LastBeat,
				SilenceS:   silence,
				Assessment: m.assess(peer, now),
			})
		}
	}
	sort.Slice(silent, func(i, j int) bool {
		if silent[i].SilenceS != silent[j].SilenceS {
			return silent[i].SilenceS > silent[j].SilenceS
		}
		return silent[i].AgentID < silent[j].AgentID
	})
	return silent
}

// PruneDead removes peers silent beyond maxAgeS (3x the dead threshold
// when zero). Returns the count removed.
func (m *Manager) PruneDead(maxAgeS int64) int {
	if maxAgeS == 0 {
		_, dead := m.thresholds()
		maxAgeS = dead * 3
	}
	now := time.Now().Unix()
	state := m.loadState()
	removed := 0
	for agentID, peer := range state.Peers {
		if now-peer.LastBeat > maxAgeS {
			delete(state.Peers, agentID)
			removed++
		}
	}
	if removed > 0 {
		m.saveState(state)
	}
	return removed
}

// Log returns recent heartbeat log entries.
func (m *Manager) Log(limit int) []map[string]any {
	entries, _ := m.store.ReadJSONLTail(logFile, limit)
	return entries
}

// MyHistory returns our own sent beats from the log.
func (m *Manager) MyHistory(limit int) []map[string]any {
	entries, _ := m.store.ReadJSONLTail(logFile, limit*2)
	var own []map[string]any
	for _, e := range entries {
		if s, _ := e["direction"].(string); s == "sent" {
			own = append(own, e)
		}
	}
	if len(own) > limit {
		own = own[len(own)-limit:]
	}
	return own
}

// AgentHistory returns the log entries for one peer.
func (m *Manager) AgentHistory(agentID string, limit int) []map[string]any {
	entries, _ := m.store.ReadJSONLTail(logFile, limit*5)
	var out []map[string]any
	for _, e := range entries {
		if s, _ := e["agent_id"].(string); s == agentID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// DailyDigest summarizes today's heartbeats, suitable for anchoring.
func (m *Manager) DailyDigest() Digest {
	now := time.Now().Unix()
	todayStart := now - (now % 86400)

	state := m.loadState()
	seen, silent := 0, 0
	for _, peer := range state.Peers {
		if peer.LastBeat >= todayStart {
			seen++
		} else if a := m.assess(peer, now); a == "concerning" || a == "presumed_dead" {
			silent++
		}
	}

	status := state.Own.Status
	if status == "" {
		status = "unknown"
	}
	return Digest{
		Date:         time.Unix(now, 0).UTC().Format("2006-01-02"),
		TS:           now,
		OwnBeatCount: state.Own.BeatCount,
		OwnStatus:    status,
		PeersSeen:    seen,
		PeersSilent:  silent,
		TotalPeers:   len(state.Peers),
	}
}
