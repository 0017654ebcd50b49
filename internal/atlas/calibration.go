package atlas

import (
	"math"
	"sort"
	"time"
)

// calibrationWeights blend the five pairwise quality components.
var calibrationWeights = map[string]float64{
	"domain_overlap":     0.25,
	"trust_score":        0.25,
	"response_coherence": 0.20,
	"latency_score":      0.15,
	"accord_bonus":       0.15,
}

// InteractionData carries optional measurements for a calibration.
type InteractionData struct {
	Relevance      float64
	CompletionRate float64
	ErrorRate      float64
	LatencyMS      float64
	HasLatency     bool
}

// CalibrationResult is one pairwise measurement.
type CalibrationResult struct {
	AgentA  string             `json:"agent_a"`
	AgentB  string             `json:"agent_b"`
	Scores  map[string]float64 `json:"scores"`
	Overall float64            `json:"overall"`
	TS      int64              `json:"ts"`
}

// Calibrate measures interaction quality between two agents: domain
// overlap (Jaccard), trust, response coherence, latency, and an accord
// bonus, weighted into a single score.
func (m *Manager) Calibrate(agentA, agentB string, interaction *InteractionData) CalibrationResult {
	scores := map[string]float64{}

	m.mu.Lock()
	var domainsA, domainsB map[string]bool
	if p, ok := m.properties[agentA]; ok {
		domainsA = toSet(p.Cities)
	}
	if p, ok := m.properties[agentB]; ok {
		domainsB = toSet(p.Cities)
	}
	m.mu.Unlock()

	intersection, union := 0, len(domainsB)
	for d := range domainsA {
		if domainsB[d] {
			intersection++
		} else {
			union++
		}
	}
	if union > 0 {
		scores["domain_overlap"] = float64(intersection) / float64(union)
	} else {
		scores["domain_overlap"] = 0
	}

	if m.trust != nil {
		s := m.trust.ScoreFor(agentB).Score
		if s > 1 {
			s = 1
		}
		scores["trust_score"] = s
	} else {
		scores["trust_score"] = 0.5
	}

	if interaction != nil {
		scores["response_coherence"] = interaction.Relevance*0.5 +
			interaction.CompletionRate*0.3 + (1-interaction.ErrorRate)*0.2
	} else {
		scores["response_coherence"] = 0.5
	}

	if interaction != nil && interaction.HasLatency {
		scores["latency_score"] = 1.0 / (1.0 + math.Exp((interaction.LatencyMS-1000)/500))
	} else {
		scores["latency_score"] = 0.5
	}

	scores["accord_bonus"] = 0
	if m.accords != nil {
		if a := m.accords.FindAccordWith(agentB); a != nil && a.State == "active" {
			scores["accord_bonus"] = 1
		}
	}

	overall := 0.0
	for k, w := range calibrationWeights {
		overall += scores[k] * w
	}
	result := CalibrationResult{
		AgentA:  agentA,
		AgentB:  agentB,
		Scores:  scores,
		Overall: round4(overall),
		TS:      time.Now().Unix(),
	}
	_ = m.store.AppendJSONL(calibrationsFile, map[string]any{
		"agent_a": result.AgentA,
		"agent_b": result.AgentB,
		"scores":  result.Scores,
		"overall": result.Overall,
		"ts":      result.TS,
	})
	return result
}

// CalibrationHistory returns recorded calibrations involving an agent.
func (m *Manager) CalibrationHistory(agentID string, limit int) []map[string]any {
	entries, _ := m.store.ReadJSONL(calibrationsFile)
	var out []map[string]any
	for _, e := range entries {
		if str(e["agent_a"]) == agentID || str(e["agent_b"]) == agentID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Neighbor is an agent ranked by average calibration.
type Neighbor struct {
	AgentID      string  `json:"agent_id"`
	Name         string  `json:"name"`
	Calibration  float64 `json:"calibration"`
	Interactions int     `json:"interactions"`
	Address      string  `json:"address"`
}

// BestNeighbors ranks the agents this agent works best with.
func (m *Manager) BestNeighbors(agentID string, limit int) []Neighbor {
	if limit == 0 {
		limit = 10
	}
	history := m.CalibrationHistory(agentID, 500)

	peerScores := map[string][]float64{}
	for _, e := range history {
		peer := str(e["agent_b"])
		if str(e["agent_a"]) != agentID {
			peer = str(e["agent_a"])
		}
		peerScores[peer] = append(peerScores[peer], num(e["overall"]))
	}

	var out []Neighbor
	for peer, scores := range peerScores {
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		name := peer
		m.mu.Lock()
		if p, ok := m.properties[peer]; ok && p.Name != "" {
			name = p.Name
		}
		addr := m.agentAddressLocked(peer)
		m.mu.Unlock()
		out = append(out, Neighbor{
			AgentID:      peer,
			Name:         name,
			Calibration:  round4(sum / float64(len(scores))),
			Interactions: len(scores),
			Address:      addr,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calibration != out[j].Calibration {
			return out[i].Calibration > out[j].Calibration
		}
		return out[i].AgentID < out[j].AgentID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
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
