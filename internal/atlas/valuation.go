package atlas

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// cityTypeMultipliers weight the location component by settlement class.
var cityTypeMultipliers = map[string]float64{
	"outpost": 0.2, "village": 0.4, "town": 0.6,
	"city": 0.8, "metropolis": 0.9, "megalopolis": 1.0,
}

var gradeOrder = map[string]int{"S": 5, "A": 4, "B": 3, "C": 2, "D": 1, "F": 0, "?": -1}

// Estimate is the composite property valuation: eight components
// summing to at most 1300, with a letter grade.
type Estimate struct {
	AgentID     string             `json:"agent_id"`
	Address     string             `json:"address"`
	Estimate    float64            `json:"estimate"`
	Grade       string             `json:"grade"`
	Components  map[string]float64 `json:"components"`
	MaxPossible int                `json:"max_possible"`
	TS          int64              `json:"ts"`
}

func gradeFor(total float64) string {
	switch {
	case total >= 800:
		return "S"
	case total >= 650:
		return "A"
	case total >= 500:
		return "B"
	case total >= 350:
		return "C"
	case total >= 200:
		return "D"
	}
	return "F"
}

// EstimateAgent values an agent's address from location, scarcity,
// network quality, reputation, uptime, bonds, web presence, and social
// reach. An algorithmic estimate, not gospel.
func (m *Manager) EstimateAgent(agentID string) (*Estimate, error) {
	m.mu.Lock()
	prop, ok := m.properties[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.Errorf("agent %s not registered in atlas", agentID)
	}
	var population int
	cityType := "outpost"
	if city, found := m.atlas.Cities[prop.PrimaryCity]; found {
		population = city.Population
		cityType = city.Type
	}
	totalAgents := len(m.properties)
	metadata := prop.Metadata
	address := m.agentAddressLocked(agentID)
	m.mu.Unlock()

	now := time.Now().Unix()
	components := map[string]float64{}

	// Location (0-200): log-scaled population blended with city type.
	popScore := math.Min(math.Log2(float64(max(population, 1))+1)/7.0, 1.0)
	typeScore, found := cityTypeMultipliers[cityType]
	if !found {
		typeScore = 0.2
	}
	components["location"] = round1((popScore*0.6 + typeScore*0.4) * 200)

	// Scarcity (0-150): rare domains score high, rural niches get a
	// bonus. A lone vintage specialist outranks coder number fifty.
	if totalAgents > 0 && population > 0 {
		scarcity := math.Max(1.0-float64(population)/float64(totalAgents), 0)
		if population <= 3 {
			scarcity += 0.3
		}
		components["scarcity"] = round1(math.Min(scarcity, 1.0) * 150)
	} else {
		components["scarcity"] = 75.0
	}

	// Network (0-200): average calibration plus peer breadth.
	calHistory := m.CalibrationHistory(agentID, 100)
	if len(calHistory) > 0 {
		sum := 0.0
		peers := map[string]bool{}
		for _, e := range calHistory {
			sum += num(e["overall"])
			peer := str(e["agent_b"])
			if str(e["agent_a"]) != agentID {
				peer = str(e["agent_a"])
			}
			peers[peer] = true
		}
		avgCal := sum / float64(len(calHistory))
		breadth := math.Min(float64(len(peers))/10.0, 1.0)
		components["network"] = round1((avgCal*0.7 + breadth*0.3) * 200)
	} else {
		components["network"] = 0
	}

	// Reputation (0-200): trust score scaled by interaction confidence.
	if m.trust != nil {
		score := m.trust.ScoreFor(agentID)
		s := math.Min(score.Score, 1.0)
		confidence := math.Min(float64(score.Total)/20.0, 1.0)
		components["reputation"] = round1(s * confidence * 200)
	} else {
		components["reputation"] = 100.0
	}

	// Uptime (0-100): beat count consistency.
	if m.heartbeat != nil {
		own := m.heartbeat.OwnStatus()
		beats := num(own["beat_count"])
		components["uptime"] = round1(math.Min(beats/100.0, 1.0) * 100)
	} else {
		components["uptime"] = 0
	}

	// Bonds (0-150): log-scaled active accord count.
	if m.accords != nil {
		count := len(m.accords.ActiveAccords())
		bond := math.Min(math.Log2(float64(count)+1)/3.0, 1.0)
		components["bonds"] = round1(bond * 150)
	} else {
		components["bonds"] = 0
	}

	// Web presence and social reach (0-150 each): log-scaled external
	// metrics carried in the property metadata.
	components["web_presence"] = round1(math.Min(math.Log2(metaNum(metadata, "web_refs")+1)/10.0, 1.0) * 150)
	components["social_reach"] = round1(math.Min(math.Log2(metaNum(metadata, "social_followers")+1)/10.0, 1.0) * 150)

	total := 0.0
	for _, v := range components {
		total += v
	}
	total = round1(math.Min(total, 1300))

	est := &Estimate{
		AgentID:     agentID,
		Address:     address,
		Estimate:    total,
		Grade:       gradeFor(total),
		Components:  components,
		MaxPossible: 1300,
		TS:          now,
	}
	_ = m.store.AppendJSONL(valuationsFile, map[string]any{
		"agent_id":     est.AgentID,
		"address":      est.Address,
		"estimate":     est.Estimate,
		"grade":        est.Grade,
		"components":   est.Components,
		"max_possible": est.MaxPossible,
		"ts":           est.TS,
	})
	return est, nil
}

// Comp is a comparable agent: similar domains, nearby location.
type Comp struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Similarity    float64  `json:"similarity"`
	SharedDomains []string `json:"shared_domains"`
	PrimaryCity   string   `json:"primary_city"`
	Estimate      float64  `json:"estimate"`
	Grade         string   `json:"grade"`
}

// Comps finds comparable agents ranked by domain similarity with a
// same-city or same-region bonus.
func (m *Manager) Comps(agentID string, limit int) []Comp {
	if limit == 0 {
		limit = 5
	}

	m.mu.Lock()
	prop, ok := m.properties[agentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	myDomains := toSet(prop.Cities)
	myPrimary := prop.PrimaryCity
	myRegion := ""
	if c, found := m.atlas.Cities[myPrimary]; found {
		myRegion = c.Region
	}

	var out []Comp
	for otherID, other := range m.properties {
		if otherID == agentID {
			continue
		}
		otherDomains := toSet(other.Cities)
		intersection, union := 0, len(otherDomains)
		var shared []string
		for d := range myDomains {
			if otherDomains[d] {
				intersection++
				shared = append(shared, d)
			} else {
				union++
			}
		}
		domainSim := 0.0
		if union > 0 {
			domainSim = float64(intersection) / float64(union)
		}

		otherRegion := ""
		if c, found := m.atlas.Cities[other.PrimaryCity]; found {
			otherRegion = c.Region
		}
		locationBonus := 0.0
		if myPrimary == other.PrimaryCity {
			locationBonus = 0.3
		} else if myRegion != "" && myRegion == otherRegion {
			locationBonus = 0.15
		}

		sort.Strings(shared)
		name := other.Name
		if name == "" {
			name = otherID
		}
		out = append(out, Comp{
			AgentID:       otherID,
			Name:          name,
			Address:       m.agentAddressLocked(otherID),
			Similarity:    round4(domainSim*0.7 + locationBonus),
			SharedDomains: shared,
			PrimaryCity:   other.PrimaryCity,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].AgentID < out[j].AgentID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		if est, err := m.EstimateAgent(out[i].AgentID); err == nil {
			out[i].Estimate = est.Estimate
			out[i].Grade = est.Grade
		} else {
			out[i].Grade = "?"
		}
	}
	return out
}

// Listing is the full property page for an agent: valuation,
// neighborhood, social graph, and comparables.
func (m *Manager) Listing(agentID string) (map[string]any, error) {
	est, err := m.EstimateAgent(agentID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prop := m.properties[agentID]
	var city City
	if c, ok := m.atlas.Cities[prop.PrimaryCity]; ok {
		city = *c
	}
	m.mu.Unlock()

	neighbors := m.BestNeighbors(agentID, 5)
	if len(neighbors) > 3 {
		neighbors = neighbors[:3]
	}
	opportunities := m.OpportunitiesNear(agentID)
	name := prop.Name
	if name == "" {
		name = agentID
	}
	districts := make([]string, 0, len(city.Districts))
	for d := range city.Districts {
		districts = append(districts, d)
	}
	sort.Strings(districts)

	return map[string]any{
		"listing": map[string]any{
			"agent_id":         agentID,
			"name":             name,
			"address":          est.Address,
			"registered_since": prop.RegisteredAt,
			"last_active":      prop.LastSeen,
			"domains":          prop.Cities,
		},
		"valuation": map[string]any{
			"beacon_estimate": est.Estimate,
			"grade":           est.Grade,
			"components":      est.Components,
		},
		"neighborhood": map[string]any{
			"city":            city.Name,
			"region":          city.Region,
			"city_type":       city.Type,
			"city_population": city.Population,
			"districts":       districts,
		},
		"social": map[string]any{
			"top_neighbors":        neighbors,
			"opportunities_nearby": len(opportunities),
			"calibrated_peers":     len(m.CalibrationHistory(agentID, 100)),
		},
		"comparables": m.Comps(agentID, 3),
		"ts":          time.Now().Unix(),
	}, nil
}

// SnapshotMarket records the current city populations for trend
// analysis. Called periodically.
func (m *Manager) SnapshotMarket() map[string]any {
	m.mu.Lock()
	cities := map[string]any{}
	for domain, c := range m.atlas.Cities {
		cities[domain] = map[string]any{
			"population": c.Population,
			"type":       c.Type,
			"region":     c.Region,
		}
	}
	snapshot := map[string]any{
		"ts":           time.Now().Unix(),
		"total_agents": len(m.properties),
		"total_cities": len(m.atlas.Cities),
		"cities":       cities,
	}
	m.mu.Unlock()

	_ = m.store.AppendJSONL(marketHistoryFile, snapshot)
	return snapshot
}

// MarketTrends diffs the oldest and newest snapshots in the window to
// report per-city growth and the hottest and coldest markets.
func (m *Manager) MarketTrends(limit int) map[string]any {
	if limit == 0 {
		limit = 30
	}
	snapshots, _ := m.store.ReadJSONLTail(marketHistoryFile, limit)
	if len(snapshots) < 2 {
		return map[string]any{
			"message":   "need at least 2 snapshots for trend analysis",
			"snapshots": len(snapshots),
		}
	}

	first := snapshots[0]
	latest := snapshots[len(snapshots)-1]
	spanDays := math.Max((num(latest["ts"])-num(first["ts"]))/86400, 0.01)

	agentGrowth := int(num(latest["total_agents"]) - num(first["total_agents"]))
	cityGrowth := int(num(latest["total_cities"]) - num(first["total_cities"]))

	firstCities, _ := first["cities"].(map[string]any)
	latestCities, _ := latest["cities"].(map[string]any)

	domains := map[string]bool{}
	for d := range firstCities {
		domains[d] = true
	}
	for d := range latestCities {
		domains[d] = true
	}

	cityTrends := map[string]map[string]any{}
	for domain := range domains {
		oldPop := int(cityField(firstCities, domain, "population"))
		newPop := int(cityField(latestCities, domain, "population"))
		delta := newPop - oldPop

		info, ok := latestCities[domain].(map[string]any)
		if !ok {
			info, _ = firstCities[domain].(map[string]any)
		}
		trend := "stable"
		if delta > 0 {
			trend = "growing"
		} else if delta < 0 {
			trend = "declining"
		}
		name := domain
		m.mu.Lock()
		if c, found := m.atlas.Cities[domain]; found {
			name = c.Name
		}
		m.mu.Unlock()
		cityTrends[domain] = map[string]any{
			"name":               name,
			"region":             str(info["region"]),
			"current_population": newPop,
			"change":             delta,
			"growth_rate":        round1(float64(delta) / math.Max(float64(oldPop), 1) * 100),
			"trend":              trend,
		}
	}

	ordered := make([]map[string]any, 0, len(cityTrends))
	for _, t := range cityTrends {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ci, cj := int(num(ordered[i]["change"])), int(num(ordered[j]["change"]))
		if ci != cj {
			return ci > cj
		}
		return str(ordered[i]["name"]) < str(ordered[j]["name"])
	})

	var hottest, coldest, stable []map[string]any
	for _, t := range ordered {
		if c := int(num(t["change"])); c > 0 && len(hottest) < 5 {
			hottest = append(hottest, t)
		} else if c == 0 {
			stable = append(stable, t)
		}
	}
	for i := len(ordered) - 1; i >= 0 && len(coldest) < 5; i-- {
		if int(num(ordered[i]["change"])) < 0 {
			coldest = append(coldest, ordered[i])
		}
	}

	firstAgents := math.Max(num(first["total_agents"]), 1)
	return map[string]any{
		"period": map[string]any{
			"from":      int64(num(first["ts"])),
			"to":        int64(num(latest["ts"])),
			"days":      round1(spanDays),
			"snapshots": len(snapshots),
		},
		"overall": map[string]any{
			"agent_growth":      agentGrowth,
			"agent_growth_rate": round1(float64(agentGrowth) / firstAgents * 100),
			"city_growth":       cityGrowth,
			"current_agents":    int(num(latest["total_agents"])),
			"current_cities":    int(num(latest["total_cities"])),
		},
		"hottest_markets": hottest,
		"coldest_markets": coldest,
		"stable_markets":  stable,
		"all_cities":      cityTrends,
	}
}

// ValuationHistory returns past estimates for one agent.
func (m *Manager) ValuationHistory(agentID string, limit int) []map[string]any {
	if limit == 0 {
		limit = 50
	}
	entries, _ := m.store.ReadJSONL(valuationsFile)
	var out []map[string]any
	for _, e := range entries {
		if str(e["agent_id"]) == agentID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Appreciation tracks value change across an agent's valuations.
func (m *Manager) Appreciation(agentID string) map[string]any {
	history := m.ValuationHistory(agentID, 50)
	if len(history) < 2 {
		return map[string]any{
			"agent_id":   agentID,
			"message":    "need at least 2 valuations to calculate appreciation",
			"valuations": len(history),
		}
	}

	first := history[0]
	latest := history[len(history)-1]
	spanDays := math.Max((num(latest["ts"])-num(first["ts"]))/86400, 0.01)

	change := num(latest["estimate"]) - num(first["estimate"])
	grades := make([]string, 0, len(history))
	for _, h := range history {
		g := str(h["grade"])
		if g == "" {
			g = "?"
		}
		grades = append(grades, g)
	}
	trend := "stable"
	if gradeOrder[grades[len(grades)-1]] > gradeOrder[grades[0]] {
		trend = "improving"
	} else if gradeOrder[grades[len(grades)-1]] < gradeOrder[grades[0]] {
		trend = "declining"
	}

	return map[string]any{
		"agent_id":         agentID,
		"address":          m.AgentAddress(agentID),
		"first_estimate":   num(first["estimate"]),
		"current_estimate": num(latest["estimate"]),
		"change":           round1(change),
		"change_pct":       round1(change / math.Max(num(first["estimate"]), 1) * 100),
		"daily_rate":       round2(change / spanDays),
		"period_days":      round1(spanDays),
		"grade_history":    grades,
		"grade_trend":      trend,
		"valuations_count": len(history),
	}
}

// LeaderboardEntry ranks one agent by estimate.
type LeaderboardEntry struct {
	Rank     int     `json:"rank"`
	AgentID  string  `json:"agent_id"`
	Name     string  `json:"name"`
	Address  string  `json:"address"`
	Estimate float64 `json:"estimate"`
	Grade    string  `json:"grade"`
}

// Leaderboard ranks all registered agents by property value.
func (m *Manager) Leaderboard(limit int) []LeaderboardEntry {
	if limit == 0 {
		limit = 10
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.properties))
	names := map[string]string{}
	for id, p := range m.properties {
		ids = append(ids, id)
		names[id] = p.Name
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var board []LeaderboardEntry
	for _, id := range ids {
		est, err := m.EstimateAgent(id)
		if err != nil {
			continue
		}
		name := names[id]
		if name == "" {
			name = id
		}
		board = append(board, LeaderboardEntry{
			AgentID:  id,
			Name:     name,
			Address:  est.Address,
			Estimate: est.Estimate,
			Grade:    est.Grade,
		})
	}
	sort.Slice(board, func(i, j int) bool {
		if board[i].Estimate != board[j].Estimate {
			return board[i].Estimate > board[j].Estimate
		}
		return board[i].AgentID < board[j].AgentID
	})
	for i := range board {
		board[i].Rank = i + 1
	}
	if len(board) > limit {
		board = board[:limit]
	}
	return board
}

func metaNum(metadata map[string]any, key string) float64 {
	if metadata == nil {
		return 0
	}
	return num(metadata[key])
}

func cityField(cities map[string]any, domain, field string) float64 {
	info, ok := cities[domain].(map[string]any)
	if !ok {
		return 0
	}
	return num(info[field])
}
