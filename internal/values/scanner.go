package values

import (
	"fmt"
	"math"
	"sort"

	"github.com/kola-wonder/beacon-skill/internal/storage"
)

// Violation severity weights. Higher means a worse pattern.
var violationWeights = map[string]float64{
	"promise_breaker": 3.0,
	"bounty_hoarder":  2.5,
	"trust_gamer":     2.0,
	"ghost_agent":     1.5,
	"spam_actor":      1.0,
	"inflated_claims": 2.0,
}

// Violation is one detected bad-acting pattern.
type Violation struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// ScanResult grades a single agent's behavioral integrity.
type ScanResult struct {
	AgentID              string      `json:"agent_id"`
	IntegrityScore       float64     `json:"integrity_score"`
	Violations           []Violation `json:"violations"`
	ViolationCount       int         `json:"violation_count"`
	Recommendation       string      `json:"recommendation"`
	InteractionsAnalyzed int         `json:"interactions_analyzed"`
	TasksAnalyzed        int         `json:"tasks_analyzed"`
}

// Scanner detects bad-acting patterns from the interaction and task
// logs: promise breaking, bounty hoarding, trust-score gaming, spam.
type Scanner struct {
	store *storage.Store
}

func NewScanner(store *storage.Store) *Scanner {
	return &Scanner{store: store}
}

// ScanAgent runs every integrity check against one agent.
func (s *Scanner) ScanAgent(agentID string) ScanResult {
	interactions, _ := s.store.ReadJSONL("interactions.jsonl")
	tasks, _ := s.store.ReadJSONL("tasks.jsonl")

	var agentIx, agentTasks []map[string]any
	for _, ix := range interactions {
		if str(ix["agent_id"]) == agentID {
			agentIx = append(agentIx, ix)
		}
	}
	for _, t := range tasks {
		if str(t["agent_id"]) == agentID {
			agentTasks = append(agentTasks, t)
		}
	}

	result := ScanResult{
		AgentID:              agentID,
		InteractionsAnalyzed: len(agentIx),
		TasksAnalyzed:        len(agentTasks),
	}
	penalty := 0.0

	accepted, delivered, offered, completed := 0, 0, 0, 0
	for _, t := range agentTasks {
		switch str(t["state"]) {
		case "accepted":
			accepted++
		case "delivered", "confirmed":
			delivered++
		case "paid":
			delivered++
			completed++
		case "offered":
			offered++
		}
	}

	if accepted >= 2 && delivered == 0 {
		result.Violations = append(result.Violations, Violation{
			Type: "promise_breaker", Detail: fmt.Sprintf("%d accepted, 0 delivered", accepted),
		})
		penalty += violationWeights["promise_breaker"]
	}

	if offered >= 5 && float64(completed)/math.Max(float64(offered), 1) < 0.2 {
		result.Violations = append(result.Violations, Violation{
			Type: "bounty_hoarder", Detail: fmt.Sprintf("%d offered, %d completed", offered, completed),
		})
		penalty += violationWeights["bounty_hoarder"]
	}

	var positive, negative []map[string]any
	for _, ix := range agentIx {
		switch str(ix["outcome"]) {
		case "ok", "delivered", "paid":
			positive = append(positive, ix)
		case "spam", "scam", "timeout", "rejected":
			negative = append(negative, ix)
		}
	}

	if len(positive) >= 10 && len(negative) == 0 {
		sum := 0.0
		for _, ix := range positive {
			sum += math.Abs(num(ix["rtc"]))
		}
		avg := sum / float64(len(positive))
		// Tiny transactions used to inflate trust.
		if avg < 0.01 {
			result.Violations = append(result.Violations, Violation{
				Type: "trust_gamer", Detail: fmt.Sprintf("%d positive interactions, avg %.4f RTC", len(positive), avg),
			})
			penalty += violationWeights["trust_gamer"]
		}
	}

	if len(agentIx) >= 20 {
		total := 0.0
		for _, ix := range agentIx {
			total += math.Abs(num(ix["rtc"]))
		}
		if total/float64(len(agentIx)) < 0.001 {
			result.Violations = append(result.Violations, Violation{
				Type: "spam_actor", Detail: fmt.Sprintf("%d interactions, %.4f total RTC", len(agentIx), total),
			})
			penalty += violationWeights["spam_actor"]
		}
	}

	result.IntegrityScore = math.Round(math.Max(0, 1.0-penalty/10.0)*1000) / 1000
	result.ViolationCount = len(result.Violations)
	switch {
	case result.IntegrityScore >= 0.8:
		result.Recommendation = "trustworthy"
	case result.IntegrityScore >= 0.5:
		result.Recommendation = "caution"
	case result.IntegrityScore >= 0.2:
		result.Recommendation = "suspicious"
	default:
		result.Recommendation = "avoid"
	}
	return result
}

// ScanAll scans every agent with at least two interactions, worst first.
func (s *Scanner) ScanAll() []ScanResult {
	interactions, _ := s.store.ReadJSONL("interactions.jsonl")
	seen := map[string]bool{}
	for _, ix := range interactions {
		if id := str(ix["agent_id"]); id != "" {
			seen[id] = true
		}
	}

	var out []ScanResult
	for id := range seen {
		r := s.ScanAgent(id)
		if r.InteractionsAnalyzed >= 2 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IntegrityScore != out[j].IntegrityScore {
			return out[i].IntegrityScore < out[j].IntegrityScore
		}
		return out[i].AgentID < out[j].AgentID
	})
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
