package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kola-wonder/beacon-skill/internal/presence"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const (
	insightsLog = "insights.jsonl"
	analysisTTL = 5 * time.Minute
	analysisKey = "analysis"

	RTCCostTrends        = 0.5
	RTCCostCompatibility = 1.0
	RTCCostContacts      = 1.0
	RTCCostSkills        = 0.5
)

// ContactTiming is the hour a peer is most likely to respond.
type ContactTiming struct {
	BestHour       int     `json:"best_hour"`
	MessagesAtBest int     `json:"messages_at_best"`
	TotalMessages  int     `json:"total_messages"`
	Confidence     float64 `json:"confidence"`
}

// TopicTrend tracks whether a topic is rising or falling.
type TopicTrend struct {
	Direction   string `json:"direction"`
	Velocity    int    `json:"velocity"`
	RecentCount int    `json:"recent_count"`
	OlderCount  int    `json:"older_count"`
	Total       int    `json:"total"`
}

// SuccessPattern is the win rate for tasks on one topic.
type SuccessPattern struct {
	WinRate float64 `json:"win_rate"`
	Won     int     `json:"won"`
	Lost    int     `json:"lost"`
	Total   int     `json:"total"`
}

// Analysis is one full pipeline run over the interaction logs.
type Analysis struct {
	AnalyzedAt      int64                     `json:"analyzed_at"`
	ContactTimings  map[string]ContactTiming  `json:"contact_timings"`
	TopicTrends     map[string]TopicTrend     `json:"topic_trends"`
	SuccessPatterns map[string]SuccessPattern `json:"success_patterns"`
}

// Insights detects patterns from existing interaction data. It reads
// the logs and never writes to them; results are cached for five
// minutes.
type Insights struct {
	store *storage.Store
	cache *gocache.Cache
}

func NewInsights(store *storage.Store) *Insights {
	return &Insights{
		store: store,
		cache: gocache.New(analysisTTL, 10*time.Minute),
	}
}

// Analyze runs the full pipeline, reusing a recent cached result unless
// forced.
func (ins *Insights) Analyze(force bool) *Analysis {
	if !force {
		if cached, ok := ins.cache.Get(analysisKey); ok {
			return cached.(*Analysis)
		}
	}
	result := &Analysis{
		AnalyzedAt:      time.Now().Unix(),
		ContactTimings:  ins.computeContactTimings(),
		TopicTrends:     ins.computeTopicTrends(7),
		SuccessPatterns: ins.computeSuccessPatterns(),
	}
	ins.cache.Set(analysisKey, result, gocache.DefaultExpiration)
	return result
}

func (ins *Insights) logInsight(insightType string, data map[string]any) {
	entry := map[string]any{"type": insightType, "ts": time.Now().Unix()}
	for k, v := range data {
		entry[k] = v
	}
	_ = ins.store.AppendJSONL(insightsLog, entry)
}

func (ins *Insights) computeContactTimings() map[string]ContactTiming {
	inboxEntries, _ := ins.store.ReadJSONL("inbox.jsonl")
	agentHours := map[string]map[int]int{}

	for _, entry := range inboxEntries {
		env, ok := entry["envelope"].(map[string]any)
		if !ok {
			continue
		}
		agentID := str(env["agent_id"])
		if agentID == "" {
			continue
		}
		ts := num(env["ts"])
		if ts == 0 {
			ts = num(entry["received_at"])
		}
		if ts == 0 {
			continue
		}
		hour := time.Unix(int64(ts), 0).Hour()
		if agentHours[agentID] == nil {
			agentHours[agentID] = map[int]int{}
		}
		agentHours[agentID][hour]++
	}

	timings := map[string]ContactTiming{}
	for agentID, hours := range agentHours {
		bestHour, bestCount, total := 0, 0, 0
		for hour, count := range hours {
			total += count
			if count > bestCount || (count == bestCount && hour < bestHour) {
				bestHour, bestCount = hour, count
			}
		}
		if total == 0 {
			continue
		}
		timings[agentID] = ContactTiming{
			BestHour:       bestHour,
			MessagesAtBest: bestCount,
			TotalMessages:  total,
			Confidence:     round3(float64(bestCount) / float64(total)),
		}
	}
	return timings
}

// ContactTimingFor reports the best hour to reach one agent.
func (ins *Insights) ContactTimingFor(agentID string) (ContactTiming, bool) {
	t, ok := ins.Analyze(false).ContactTimings[agentID]
	return t, ok
}

func (ins *Insights) computeTopicTrends(days int) map[string]TopicTrend {
	inboxEntries, _ := ins.store.ReadJSONL("inbox.jsonl")
	now := float64(time.Now().Unix())
	window := float64(days) * 86400
	midpoint := now - window/2
	cutoff := now - window

	recent := map[string]int{}
	older := map[string]int{}
	for _, entry := range inboxEntries {
		ts := num(entry["received_at"])
		if ts < cutoff {
			continue
		}
		env, ok := entry["envelope"].(map[string]any)
		if !ok {
			continue
		}
		var topics []string
		for _, field := range []string{"topics", "offers", "needs"} {
			for _, t := range strs(env[field]) {
				topics = append(topics, strings.ToLower(t))
			}
		}
		for _, topic := range topics {
			if ts >= midpoint {
				recent[topic]++
			} else {
				older[topic]++
			}
		}
	}

	trends := map[string]TopicTrend{}
	seen := map[string]bool{}
	for t := range recent {
		seen[t] = true
	}
	for t := range older {
		seen[t] = true
	}
	for topic := range seen {
		r, o := recent[topic], older[topic]
		total := r + o
		if total == 0 {
			continue
		}
		direction := "steady"
		if r > o {
			direction = "rising"
		} else if r < o {
			direction = "falling"
		}
		trends[topic] = TopicTrend{
			Direction:   direction,
			Velocity:    r - o,
			RecentCount: r,
			OlderCount:  o,
			Total:       total,
		}
	}
	return trends
}

// TopicTrends returns topic velocity over the recent window. Premium
// detail costs 0.5 RTC.
func (ins *Insights) TopicTrends() map[string]TopicTrend {
	return ins.Analyze(false).TopicTrends
}

func (ins *Insights) computeSuccessPatterns() map[string]SuccessPattern {
	taskEvents, _ := ins.store.ReadJSONL("tasks.jsonl")

	type outcome struct{ won, lost, total int }
	topicOutcomes := map[string]*outcome{}
	for _, task := range taskEvents {
		state := str(task["state"])
		var topics []string
		for _, t := range strs(task["topics"]) {
			topics = append(topics, strings.ToLower(t))
		}
		if len(topics) == 0 {
			words := strings.Fields(strings.ToLower(str(task["text"])))
			if len(words) > 5 {
				words = words[:5]
			}
			for _, w := range words {
				if len(w) > 3 {
					topics = append(topics, w)
				}
			}
		}
		for _, topic := range topics {
			o := topicOutcomes[topic]
			if o == nil {
				o = &outcome{}
				topicOutcomes[topic] = o
			}
			o.total++
			switch state {
			case "paid", "confirmed", "delivered":
				o.won++
			case "cancelled", "rejected", "timeout":
				o.lost++
			}
		}
	}

	patterns := map[string]SuccessPattern{}
	for topic, o := range topicOutcomes {
		if o.total < 2 {
			continue
		}
		patterns[topic] = SuccessPattern{
			WinRate: round3(float64(o.won) / float64(o.total)),
			Won:     o.won,
			Lost:    o.lost,
			Total:   o.total,
		}
	}
	return patterns
}

// SuccessPatterns returns win rates by bounty topic.
func (ins *Insights) SuccessPatterns() map[string]SuccessPattern {
	return ins.Analyze(false).SuccessPatterns
}

// CompatibilityPrediction ranks a peer by positive outcome ratio.
type CompatibilityPrediction struct {
	AgentID       string  `json:"agent_id"`
	Compatibility float64 `json:"compatibility"`
	Interactions  int     `json:"interactions"`
	RTCCost       float64 `json:"rtc_cost"`
}

// CompatibilityPredictions ranks roster agents by their positive
// interaction history with us. Costs 1.0 RTC.
func (ins *Insights) CompatibilityPredictions(roster []presence.RosterEntry) []CompatibilityPrediction {
	interactions, _ := ins.store.ReadJSONL("interactions.jsonl")

	type score struct{ positive, total int }
	scores := map[string]*score{}
	for _, ix := range interactions {
		aid := str(ix["agent_id"])
		if aid == "" {
			continue
		}
		s := scores[aid]
		if s == nil {
			s = &score{}
			scores[aid] = s
		}
		s.total++
		switch str(ix["outcome"]) {
		case "ok", "delivered", "paid":
			s.positive++
		}
	}

	rosterIDs := map[string]bool{}
	for _, a := range roster {
		rosterIDs[a.AgentID] = true
	}

	var predictions []CompatibilityPrediction
	for aid, s := range scores {
		if !rosterIDs[aid] || s.total < 2 {
			continue
		}
		predictions = append(predictions, CompatibilityPrediction{
			AgentID:       aid,
			Compatibility: round3(float64(s.positive) / float64(s.total)),
			Interactions:  s.total,
			RTCCost:       RTCCostCompatibility,
		})
	}
	sort.Slice(predictions, func(i, j int) bool {
		if predictions[i].Compatibility != predictions[j].Compatibility {
			return predictions[i].Compatibility > predictions[j].Compatibility
		}
		return predictions[i].AgentID < predictions[j].AgentID
	})
	ins.logInsight("compatibility_predictions", map[string]any{"count": len(predictions)})
	return predictions
}

// ContactSuggestion pairs timing and compatibility into an outreach
// recommendation.
type ContactSuggestion struct {
	AgentID       string  `json:"agent_id"`
	Score         float64 `json:"score"`
	Compatibility float64 `json:"compatibility"`
	BestHour      *int    `json:"best_hour,omitempty"`
	RTCCost       float64 `json:"rtc_cost"`
}

// SuggestContacts recommends who to reach out to now, boosting peers
// whose best hour matches the current one. Costs 1.0 RTC.
func (ins *Insights) SuggestContacts(roster []presence.RosterEntry) []ContactSuggestion {
	timings := ins.computeContactTimings()
	predictions := ins.CompatibilityPredictions(roster)
	currentHour := time.Now().Hour()

	var suggestions []ContactSuggestion
	for _, pred := range predictions {
		s := ContactSuggestion{
			AgentID:       pred.AgentID,
			Score:         pred.Compatibility,
			Compatibility: pred.Compatibility,
			RTCCost:       RTCCostContacts,
		}
		if timing, ok := timings[pred.AgentID]; ok {
			hour := timing.BestHour
			s.BestHour = &hour
			if abs(currentHour-hour) <= 1 {
				s.Score += 0.1
			}
		}
		if s.Score > 1 {
			s.Score = 1
		}
		s.Score = round3(s.Score)
		suggestions = append(suggestions, s)
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})
	return suggestions
}

// SuggestSkillInvestment ranks skills by demand weighted by our win
// rate. Costs 0.5 RTC.
func (ins *Insights) SuggestSkillInvestment(demand map[string]int) []string {
	patterns := ins.SuccessPatterns()

	scored := map[string]float64{}
	for skill, count := range demand {
		winRate := 0.5
		if p, ok := patterns[skill]; ok {
			winRate = p.WinRate
		}
		scored[skill] = float64(count) * winRate
	}

	skills := make([]string, 0, len(scored))
	for skill := range scored {
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool {
		if scored[skills[i]] != scored[skills[j]] {
			return scored[skills[i]] > scored[skills[j]]
		}
		return skills[i] < skills[j]
	})
	if len(skills) > 10 {
		skills = skills[:10]
	}
	return skills
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
