package atlas

import (
	"strings"
	"testing"

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

func TestEnsureCityFounding(t *testing.T) {
	m, _ := newManager(t)

	city := m.EnsureCity("coding")
	if city.Name != "Compiler Heights" || city.Region != "Silicon Basin" {
		t.Errorf("Expected founding city. Got: %+v", city)
	}
	if city.Generated {
		t.Error("Expected founding city not marked generated")
	}

	// Idempotent.
	again := m.EnsureCity("Coding ")
	if again.FoundedAt != city.FoundedAt {
		t.Error("Expected same city on repeat ensure")
	}
	if len(m.AllCities()) != 1 {
		t.Errorf("Expected 1 city. Got: %d", len(m.AllCities()))
	}
}

func TestEnsureCityProcedural(t *testing.T) {
	m, _ := newManager(t)

	first := m.EnsureCity("underwater-basket-weaving")
	if !first.Generated {
		t.Error("Expected generated city for unknown domain")
	}
	if first.Name == "" || first.Region == "" {
		t.Errorf("Expected name and region. Got: %+v", first)
	}

	// Deterministic: a second manager derives the same name.
	m2, _ := newManager(t)
	second := m2.EnsureCity("underwater-basket-weaving")
	if second.Name != first.Name || second.Region != first.Region {
		t.Errorf("Expected deterministic generation. Got: %s vs %s", second.Name, first.Name)
	}
}

func TestRegisterAgent(t *testing.T) {
	m, store := newManager(t)

	res := m.RegisterAgent("bcn_dev", []string{"coding", "devops"}, "dev", nil)
	if res.Home != "Compiler Heights" || res.CitiesJoined != 2 {
		t.Errorf("Expected home in Compiler Heights. Got: %+v", res)
	}
	if m.GetCity("coding").Population != 1 {
		t.Errorf("Expected population 1. Got: %d", m.GetCity("coding").Population)
	}

	// Re-registering moves, never duplicates.
	m.RegisterAgent("bcn_dev", []string{"devops"}, "dev", nil)
	if m.GetCity("coding").Population != 0 {
		t.Errorf("Expected coding vacated. Got: %d", m.GetCity("coding").Population)
	}
	if m.GetCity("devops").Population != 1 {
		t.Errorf("Expected devops population 1. Got: %d", m.GetCity("devops").Population)
	}

	restarted := NewManager(store)
	if restarted.GetProperty("bcn_dev") == nil {
		t.Error("Expected property to persist")
	}
}

func TestCityTypeGrowsWithPopulation(t *testing.T) {
	m, _ := newManager(t)
	for i := 0; i < 3; i++ {
		m.RegisterAgent("bcn_"+strings.Repeat("x", i+1), []string{"niche"}, "", nil)
	}
	if got := m.GetCity("niche").Type; got != "village" {
		t.Errorf("Expected village at population 3. Got: %s", got)
	}

	if !m.UnregisterAgent("bcn_x") {
		t.Fatal("Expected unregister to succeed")
	}
	if got := m.GetCity("niche").Type; got != "outpost" {
		t.Errorf("Expected outpost at population 2. Got: %s", got)
	}
	if m.UnregisterAgent("bcn_x") {
		t.Error("Expected second unregister to fail")
	}
}

func TestAgentAddress(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterAgent("bcn_dev", []string{"coding"}, "nova", nil)

	if got := m.AgentAddress("bcn_dev"); got != "nova @ Compiler Heights, Silicon Basin" {
		t.Errorf("Expected full address. Got: %s", got)
	}
	if got := m.AgentAddress("bcn_ghost"); got != "" {
		t.Errorf("Expected empty address for unknown agent. Got: %s", got)
	}
}

func TestOpportunitiesNear(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterAgent("bcn_me", []string{"coding"}, "", nil)
	m.RegisterAgent("bcn_citymate", []string{"coding"}, "", nil)
	m.RegisterAgent("bcn_regionmate", []string{"devops"}, "", nil) // also Silicon Basin
	m.RegisterAgent("bcn_far", []string{"music"}, "", nil)         // Artisan Coast

	opps := m.OpportunitiesNear("bcn_me")
	if len(opps) != 2 {
		t.Fatalf("Expected 2 opportunities. Got: %d", len(opps))
	}
	if opps[0].AgentID != "bcn_citymate" || opps[0].Proximity != "same_city" {
		t.Errorf("Expected citymate first. Got: %+v", opps[0])
	}
	if opps[1].AgentID != "bcn_regionmate" || opps[1].Proximity != "same_region" {
		t.Errorf("Expected regionmate second. Got: %+v", opps[1])
	}
}

func TestDensityQueries(t *testing.T) {
	m, _ := newManager(t)
	for i := 0; i < 6; i++ {
		m.RegisterAgent("bcn_c"+strings.Repeat("x", i+1), []string{"coding"}, "", nil)
	}
	m.RegisterAgent("bcn_lone", []string{"vintage"}, "", nil)

	hot := m.Hotspots(0)
	if len(hot) != 1 || hot[0].Domain != "coding" {
		t.Errorf("Expected coding hotspot. Got: %+v", hot)
	}
	rural := m.RuralProperties(0)
	if len(rural) != 1 || rural[0].Domain != "vintage" {
		t.Errorf("Expected vintage rural. Got: %+v", rural)
	}

	density := m.DensityMap()
	if density[0].Domain != "coding" || density[0].DensityRank != 1 {
		t.Errorf("Expected coding ranked first. Got: %+v", density[0])
	}

	stats := m.PopulationStats()
	if stats.TotalAgents != 7 || stats.TotalCities != 2 {
		t.Errorf("Expected 7 agents in 2 cities. Got: %+v", stats)
	}
	if stats.ByRegion["Silicon Basin"] != 6 {
		t.Errorf("Expected 6 in Silicon Basin. Got: %v", stats.ByRegion)
	}
}

func TestDistricts(t *testing.T) {
	m, _ := newManager(t)
	m.AddDistrict("coding", "Compilers", "language tooling")

	if !m.JoinDistrict("bcn_dev", "coding", "compilers") {
		t.Error("Expected district join to succeed")
	}
	if m.JoinDistrict("bcn_dev", "coding", "nonexistent") {
		t.Error("Expected join of unknown district to fail")
	}
	city := m.GetCity("coding")
	if len(city.Districts["compilers"].Residents) != 1 {
		t.Errorf("Expected 1 district resident. Got: %+v", city.Districts)
	}
}

func TestCalibrate(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterAgent("bcn_a", []string{"coding", "devops"}, "", nil)
	m.RegisterAgent("bcn_b", []string{"coding"}, "", nil)

	res := m.Calibrate("bcn_a", "bcn_b", &InteractionData{
		Relevance: 1.0, CompletionRate: 1.0, ErrorRate: 0, LatencyMS: 1000, HasLatency: true,
	})
	// Jaccard 1/2 shared domains.
	if res.Scores["domain_overlap"] != 0.5 {
		t.Errorf("Expected overlap 0.5. Got: %v", res.Scores["domain_overlap"])
	}
	if res.Scores["response_coherence"] != 1.0 {
		t.Errorf("Expected coherence 1.0. Got: %v", res.Scores["response_coherence"])
	}
	// Sigmoid midpoint at 1000ms.
	if res.Scores["latency_score"] != 0.5 {
		t.Errorf("Expected latency 0.5. Got: %v", res.Scores["latency_score"])
	}
	if res.Overall <= 0 || res.Overall > 1 {
		t.Errorf("Expected overall in (0,1]. Got: %v", res.Overall)
	}

	history := m.CalibrationHistory("bcn_a", 10)
	if len(history) != 1 {
		t.Errorf("Expected 1 calibration logged. Got: %d", len(history))
	}
}

func TestBestNeighbors(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterAgent("bcn_me", []string{"coding"}, "", nil)
	m.RegisterAgent("bcn_good", []string{"coding"}, "ally", nil)
	m.RegisterAgent("bcn_poor", []string{"music"}, "", nil)

	m.Calibrate("bcn_me", "bcn_good", &InteractionData{Relevance: 1, CompletionRate: 1})
	m.Calibrate("bcn_me", "bcn_poor", &InteractionData{Relevance: 0, CompletionRate: 0, ErrorRate: 1})

	neighbors := m.BestNeighbors("bcn_me", 10)
	if len(neighbors) != 2 {
		t.Fatalf("Expected 2 neighbors. Got: %d", len(neighbors))
	}
	if neighbors[0].AgentID != "bcn_good" || neighbors[0].Name != "ally" {
		t.Errorf("Expected bcn_good first. Got: %+v", neighbors[0])
	}
}

func TestEstimateAgent(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.EstimateAgent("bcn_ghost"); err == nil {
		t.Error("Expected error for unregistered agent")
	}

	m.RegisterAgent("bcn_dev", []string{"coding"}, "nova", map[string]any{
		"web_refs": 100.0, "social_followers": 50.0,
	})
	est, err := m.EstimateAgent("bcn_dev")
	if err != nil {
		t.Fatalf("EstimateAgent failed: %v", err)
	}
	if est.MaxPossible != 1300 {
		t.Errorf("Expected max 1300. Got: %d", est.MaxPossible)
	}
	if est.Estimate <= 0 || est.Estimate > 1300 {
		t.Errorf("Expected estimate in (0,1300]. Got: %v", est.Estimate)
	}
	if est.Grade == "" || est.Grade == "?" {
		t.Errorf("Expected letter grade. Got: %s", est.Grade)
	}
	if est.Components["web_presence"] <= 0 {
		t.Errorf("Expected web presence from metadata. Got: %v", est.Components["web_presence"])
	}

	if got := m.ValuationHistory("bcn_dev", 10); len(got) != 1 {
		t.Errorf("Expected 1 valuation logged. Got: %d", len(got))
	}
}

func TestGradeThresholds(t *testing.T) {
	cases := []struct {
		total float64
		grade string
	}{
		{850, "S"}, {700, "A"}, {550, "B"}, {400, "C"}, {250, "D"}, {100, "F"},
	}
	for _, c := range cases {
		if got := gradeFor(c.total); got != c.grade {
			t.Errorf("Expected grade %s for %v. Got: %s", c.grade, c.total, got)
		}
	}
}

func TestMarketTrends(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterAgent("bcn_a", []string{"coding"}, "", nil)
	m.SnapshotMarket()

	if got := m.MarketTrends(0); got["message"] == nil {
		t.Error("Expected message with a single snapshot")
	}

	m.RegisterAgent("bcn_b", []string{"coding"}, "", nil)
	m.SnapshotMarket()

	trends := m.MarketTrends(0)
	overall, _ := trends["overall"].(map[string]any)
	if overall["agent_growth"] != 1 {
		t.Errorf("Expected agent growth 1. Got: %v", overall["agent_growth"])
	}
	hottest, _ := trends["hottest_markets"].([]map[string]any)
	if len(hottest) != 1 || hottest[0]["name"] != "Compiler Heights" {
		t.Errorf("Expected coding hottest. Got: %+v", hottest)
	}
}

func TestComps(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterAgent("bcn_me", []string{"coding", "devops"}, "", nil)
	m.RegisterAgent("bcn_twin", []string{"coding", "devops"}, "", nil)
	m.RegisterAgent("bcn_other", []string{"music"}, "", nil)

	comps := m.Comps("bcn_me", 5)
	if len(comps) != 2 {
		t.Fatalf("Expected 2 comps. Got: %d", len(comps))
	}
	if comps[0].AgentID != "bcn_twin" {
		t.Errorf("Expected twin most similar. Got: %+v", comps[0])
	}
	if len(comps[0].SharedDomains) != 2 {
		t.Errorf("Expected 2 shared domains. Got: %v", comps[0].SharedDomains)
	}
	if comps[0].Grade == "" {
		t.Error("Expected comp grade filled")
	}
}
