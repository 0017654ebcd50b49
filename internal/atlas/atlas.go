package atlas

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kola-wonder/beacon-skill/internal/accord"
	"github.com/kola-wonder/beacon-skill/internal/heartbeat"
	"github.com/kola-wonder/beacon-skill/internal/storage"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

const (
	atlasFile         = "atlas.json"
	calibrationsFile  = "calibrations.jsonl"
	propertiesFile    = "properties.json"
	valuationsFile    = "valuations.jsonl"
	marketHistoryFile = "market_history.jsonl"
)

// foundingCities are canonical names for common capability domains.
// Everything else gets a procedurally generated city.
var foundingCities = map[string]City{
	"coding":       {Name: "Compiler Heights", Region: "Silicon Basin", Type: "metropolis"},
	"creative":     {Name: "Muse Hollow", Region: "Artisan Coast", Type: "city"},
	"research":     {Name: "Archive Spire", Region: "Scholar Wastes", Type: "city"},
	"devops":       {Name: "Pipeline Junction", Region: "Silicon Basin", Type: "town"},
	"security":     {Name: "Bastion Keep", Region: "Iron Frontier", Type: "town"},
	"data":         {Name: "Lakeshore Analytics", Region: "Silicon Basin", Type: "city"},
	"design":       {Name: "Palette Row", Region: "Artisan Coast", Type: "town"},
	"api":          {Name: "Gateway Commons", Region: "Silicon Basin", Type: "town"},
	"blockchain":   {Name: "Ledger Falls", Region: "Iron Frontier", Type: "town"},
	"ai":           {Name: "Tensor Valley", Region: "Scholar Wastes", Type: "metropolis"},
	"gaming":       {Name: "Respawn Point", Region: "Neon Wilds", Type: "town"},
	"music":        {Name: "Harmony Springs", Region: "Artisan Coast", Type: "village"},
	"writing":      {Name: "Inkwell Crossing", Region: "Artisan Coast", Type: "town"},
	"hardware":     {Name: "Solder Creek", Region: "Iron Frontier", Type: "village"},
	"video":        {Name: "Frame Bay", Region: "Neon Wilds", Type: "town"},
	"education":    {Name: "Chalkboard Pines", Region: "Scholar Wastes", Type: "village"},
	"finance":      {Name: "Margin Wharf", Region: "Iron Frontier", Type: "town"},
	"vintage":      {Name: "Patina Gulch", Region: "Rust Belt", Type: "village"},
	"networking":   {Name: "Packet Harbor", Region: "Silicon Basin", Type: "town"},
	"preservation": {Name: "Amber Archive", Region: "Rust Belt", Type: "village"},
}

// regionDescriptions is flavor text for the virtual geography.
var regionDescriptions = map[string]string{
	"Silicon Basin":  "Dense urban sprawl of builders and coders. High opportunity, high competition.",
	"Artisan Coast":  "Creative communities along the shores of imagination. Slower pace, deeper work.",
	"Scholar Wastes": "Vast research plains where knowledge-seekers roam. Sparse but profound.",
	"Iron Frontier":  "Hardened security and infrastructure specialists. Trust is earned, not given.",
	"Neon Wilds":     "Entertainment and media jungle. Flashy, fast-moving, trend-driven.",
	"Rust Belt":      "Vintage computing and preservation communities. Nostalgia as a resource.",
}

var regionOrder = []string{
	"Silicon Basin", "Artisan Coast", "Scholar Wastes",
	"Iron Frontier", "Neon Wilds", "Rust Belt",
}

// cityTypeThresholds maps population to settlement class, ascending.
var cityTypeThresholds = []struct {
	Type string
	Pop  int
}{
	{"outpost", 1},
	{"village", 3},
	{"town", 10},
	{"city", 25},
	{"metropolis", 50},
	{"megalopolis", 100},
}

var namePrefixes = []string{
	"New", "Port", "Fort", "Upper", "Lower", "Old", "East", "West",
	"North", "South", "Mount", "Lake", "River", "Crystal", "Shadow",
	"Bright", "Dark", "Silver", "Golden", "Iron", "Copper", "Pine",
}

var nameSuffixes = []string{
	"ville", " Heights", " Springs", " Falls", " Creek", " Harbor",
	" Valley", " Ridge", " Crossing", " Junction", " Point", " Hollow",
	" Glen", " Pines", " Flats", " Bluff", " Mesa", " Gorge",
}

// City is one capability cluster.
type City struct {
	Name       string              `json:"name"`
	Region     string              `json:"region"`
	Type       string              `json:"type"`
	Domain     string              `json:"domain,omitempty"`
	Generated  bool                `json:"generated,omitempty"`
	FoundedAt  int64               `json:"founded_at,omitempty"`
	Population int                 `json:"population"`
	Residents  []string            `json:"residents"`
	Districts  map[string]District `json:"districts"`
}

// District is a sub-specialization within a city.
type District struct {
	Name          string   `json:"name"`
	Specialty     string   `json:"specialty"`
	EstablishedAt int64    `json:"established_at"`
	Residents     []string `json:"residents"`
}

// Property is an agent's registered address in the atlas.
type Property struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	PrimaryCity  string         `json:"primary_city"`
	Cities       []string       `json:"cities"`
	RegisteredAt int64          `json:"registered_at"`
	LastSeen     int64          `json:"last_seen"`
	Metadata     map[string]any `json:"metadata"`
}

// PopulationStats is the network-wide density summary.
type PopulationStats struct {
	TotalAgents int            `json:"total_agents"`
	TotalCities int            `json:"total_cities"`
	Density     float64        `json:"density"`
	ByRegion    map[string]int `json:"by_region"`
	UpdatedAt   int64          `json:"updated_at"`
}

// DensityEntry is one row of the density map.
type DensityEntry struct {
	Domain      string `json:"domain"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Population  int    `json:"population"`
	Type        string `json:"type"`
	DensityRank int    `json:"density_rank"`
}

type atlasState struct {
	Cities     map[string]*City  `json:"cities"`
	Population PopulationStats   `json:"population"`
	Regions    map[string]string `json:"regions"`
}

// Manager maintains the virtual geography: emergent cities keyed by
// capability domain, agent properties, calibration metrics, and the
// property market.
type Manager struct {
	store *storage.Store

	mu         sync.Mutex
	atlas      atlasState
	properties map[string]*Property

	trust     *trust.Manager
	accords   *accord.Manager
	heartbeat *heartbeat.Manager
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store, properties: map[string]*Property{}}
	_ = store.ReadJSON(atlasFile, &m.atlas)
	_ = store.ReadJSON(propertiesFile, &m.properties)
	if m.atlas.Cities == nil {
		m.atlas.Cities = map[string]*City{}
	}
	if m.atlas.Regions == nil {
		m.atlas.Regions = map[string]string{}
		for k, v := range regionDescriptions {
			m.atlas.Regions[k] = v
		}
	}
	if m.properties == nil {
		m.properties = map[string]*Property{}
	}
	return m
}

// WithCollaborators attaches the subsystems feeding calibration and
// valuation. Any may be nil.
func (m *Manager) WithCollaborators(tr *trust.Manager, accords *accord.Manager, hb *heartbeat.Manager) *Manager {
	m.trust = tr
	m.accords = accords
	m.heartbeat = hb
	return m
}

func (m *Manager) saveAtlasLocked() {
	_ = m.store.WriteJSON(atlasFile, m.atlas)
}

func (m *Manager) savePropertiesLocked() {
	_ = m.store.WriteJSON(propertiesFile, m.properties)
}

func cityTypeForPopulation(pop int) string {
	cityType := "outpost"
	for _, t := range cityTypeThresholds {
		if pop >= t.Pop {
			cityType = t.Type
		}
	}
	return cityType
}

// generateCity names a city for a domain: founding table first, then a
// deterministic procedural name from the domain hash.
func generateCity(domain string) City {
	if c, ok := foundingCities[domain]; ok {
		return c
	}
	sum := sha256.Sum256([]byte(domain))
	h := hex.EncodeToString(sum[:])

	prefixIdx := hexMod(h[0:4], len(namePrefixes))
	suffixIdx := hexMod(h[4:8], len(nameSuffixes))
	regionIdx := hexMod(h[8:12], len(regionOrder))

	return City{
		Name:      namePrefixes[prefixIdx] + nameSuffixes[suffixIdx],
		Region:    regionOrder[regionIdx],
		Type:      "outpost",
		Generated: true,
	}
}

func hexMod(h string, n int) int {
	v, _ := strconv.ParseInt(h, 16, 64)
	return int(v) % n
}

// EnsureCity creates the city for a domain if missing. Idempotent.
func (m *Manager) EnsureCity(domain string) *City {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureCityLocked(domain)
}

func (m *Manager) ensureCityLocked(domain string) *City {
	key := strings.ToLower(strings.TrimSpace(domain))
	if city, ok := m.atlas.Cities[key]; ok {
		return city
	}
	c := generateCity(key)
	c.Domain = key
	c.FoundedAt = time.Now().Unix()
	c.Residents = []string{}
	c.Districts = map[string]District{}
	m.atlas.Cities[key] = &c
	m.saveAtlasLocked()
	return &c
}

// GetCity returns city info by domain, or nil.
func (m *Manager) GetCity(domain string) *City {
	m.mu.Lock()
	defer m.mu.Unlock()
	city, ok := m.atlas.Cities[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return nil
	}
	c := *city
	return &c
}

// AllCities lists cities by population descending.
func (m *Manager) AllCities() []City {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []City
	for _, c := range m.atlas.Cities {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Population != out[j].Population {
			return out[i].Population > out[j].Population
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

// CitiesByRegion lists cities in one region.
func (m *Manager) CitiesByRegion(region string) []City {
	region = strings.ToLower(region)
	var out []City
	for _, c := range m.AllCities() {
		if strings.ToLower(c.Region) == region {
			out = append(out, c)
		}
	}
	return out
}

// RegistrationResult summarizes a registration.
type RegistrationResult struct {
	AgentID      string    `json:"agent_id"`
	Home         string    `json:"home"`
	CitiesJoined int       `json:"cities_joined"`
	Property     *Property `json:"property"`
}

// RegisterAgent assigns an agent to cities by capability domain. The
// first domain is the primary residence; re-registering moves the agent
// out of its old cities first.
func (m *Manager) RegisterAgent(agentID string, domains []string, name string, metadata map[string]any) *RegistrationResult {
	now := time.Now().Unix()
	primary := "general"
	if len(domains) > 0 {
		primary = strings.ToLower(strings.TrimSpace(domains[0]))
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.properties[agentID]; ok {
		for _, d := range old.Cities {
			m.evictLocked(d, agentID)
		}
	}

	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		key := strings.ToLower(strings.TrimSpace(d))
		normalized = append(normalized, key)
		city := m.ensureCityLocked(key)
		if !contains(city.Residents, agentID) {
			city.Residents = append(city.Residents, agentID)
			city.Population = len(city.Residents)
			city.Type = cityTypeForPopulation(city.Population)
		}
	}

	prop := &Property{
		AgentID:      agentID,
		Name:         name,
		PrimaryCity:  primary,
		Cities:       normalized,
		RegisteredAt: now,
		LastSeen:     now,
		Metadata:     metadata,
	}
	m.properties[agentID] = prop
	m.updatePopulationLocked()
	m.saveAtlasLocked()
	m.savePropertiesLocked()

	home := primary
	if c, ok := m.atlas.Cities[primary]; ok {
		home = c.Name
	}
	return &RegistrationResult{
		AgentID:      agentID,
		Home:         home,
		CitiesJoined: len(normalized),
		Property:     prop,
	}
}

// UnregisterAgent removes an agent from all cities.
func (m *Manager) UnregisterAgent(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prop, ok := m.properties[agentID]
	if !ok {
		return false
	}
	delete(m.properties, agentID)
	for _, d := range prop.Cities {
		m.evictLocked(d, agentID)
	}
	m.updatePopulationLocked()
	m.saveAtlasLocked()
	m.savePropertiesLocked()
	return true
}

func (m *Manager) evictLocked(domain, agentID string) {
	city, ok := m.atlas.Cities[domain]
	if !ok {
		return
	}
	for i, r := range city.Residents {
		if r == agentID {
			city.Residents = append(city.Residents[:i], city.Residents[i+1:]...)
			break
		}
	}
	city.Population = len(city.Residents)
	city.Type = cityTypeForPopulation(city.Population)
}

// GetProperty returns an agent's property record, or nil.
func (m *Manager) GetProperty(agentID string) *Property {
	m.mu.Lock()
	defer m.mu.Unlock()
	prop, ok := m.properties[agentID]
	if !ok {
		return nil
	}
	p := *prop
	return &p
}

// AgentAddress renders "Name @ City, Region" for an agent.
func (m *Manager) AgentAddress(agentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentAddressLocked(agentID)
}

func (m *Manager) agentAddressLocked(agentID string) string {
	prop, ok := m.properties[agentID]
	if !ok {
		return ""
	}
	cityName := prop.PrimaryCity
	region := "Unknown Region"
	if c, ok := m.atlas.Cities[prop.PrimaryCity]; ok {
		cityName = c.Name
		region = c.Region
	}
	name := prop.Name
	if name == "" {
		name = agentID
	}
	return name + " @ " + cityName + ", " + region
}

// UpdateLastSeen bumps an agent's activity timestamp, called on
// heartbeat.
func (m *Manager) UpdateLastSeen(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prop, ok := m.properties[agentID]; ok {
		prop.LastSeen = time.Now().Unix()
		m.savePropertiesLocked()
	}
}

func (m *Manager) updatePopulationLocked() {
	regionPop := map[string]int{}
	for _, c := range m.atlas.Cities {
		regionPop[c.Region] += c.Population
	}
	totalCities := len(m.atlas.Cities)
	density := 0.0
	if totalCities > 0 {
		density = round2(float64(len(m.properties)) / float64(totalCities))
	} else {
		density = float64(len(m.properties))
	}
	m.atlas.Population = PopulationStats{
		TotalAgents: len(m.properties),
		TotalCities: totalCities,
		Density:     density,
		ByRegion:    regionPop,
		UpdatedAt:   time.Now().Unix(),
	}
}

// PopulationStats recalculates and returns the density summary.
func (m *Manager) PopulationStats() PopulationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePopulationLocked()
	return m.atlas.Population
}

// DensityMap lists cities by population with a density rank.
func (m *Manager) DensityMap() []DensityEntry {
	var out []DensityEntry
	for _, c := range m.AllCities() {
		out = append(out, DensityEntry{
			Domain:     c.Domain,
			City:       c.Name,
			Region:     c.Region,
			Population: c.Population,
			Type:       c.Type,
		})
	}
	for i := range out {
		out[i].DensityRank = i + 1
	}
	return out
}

// Hotspots returns cities at or above a population threshold.
func (m *Manager) Hotspots(minPopulation int) []DensityEntry {
	if minPopulation == 0 {
		minPopulation = 5
	}
	var out []DensityEntry
	for _, c := range m.DensityMap() {
		if c.Population >= minPopulation {
			out = append(out, c)
		}
	}
	return out
}

// RuralProperties returns low-population niches, valuable positioning
// for specialists.
func (m *Manager) RuralProperties(maxPopulation int) []DensityEntry {
	if maxPopulation == 0 {
		maxPopulation = 3
	}
	var out []DensityEntry
	for _, c := range m.DensityMap() {
		if c.Population > 0 && c.Population <= maxPopulation {
			out = append(out, c)
		}
	}
	return out
}

// Opportunity is a nearby agent worth collaborating with.
type Opportunity struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name"`
	Proximity     string   `json:"proximity"`
	SharedCities  []string `json:"shared_cities"`
	SharedRegions []string `json:"shared_regions"`
	Address       string   `json:"address"`
}

// OpportunitiesNear finds agents in the same cities or regions.
func (m *Manager) OpportunitiesNear(agentID string) []Opportunity {
	m.mu.Lock()
	defer m.mu.Unlock()

	prop, ok := m.properties[agentID]
	if !ok {
		return nil
	}
	myCities := toSet(prop.Cities)
	myRegions := map[string]bool{}
	for d := range myCities {
		if c, ok := m.atlas.Cities[d]; ok {
			myRegions[c.Region] = true
		}
	}

	var out []Opportunity
	for otherID, other := range m.properties {
		if otherID == agentID {
			continue
		}
		otherCities := toSet(other.Cities)
		var sharedCities []string
		for d := range otherCities {
			if myCities[d] {
				sharedCities = append(sharedCities, d)
			}
		}
		otherRegions := map[string]bool{}
		for d := range otherCities {
			if c, ok := m.atlas.Cities[d]; ok {
				otherRegions[c.Region] = true
			}
		}
		var sharedRegions []string
		for r := range otherRegions {
			if myRegions[r] {
				sharedRegions = append(sharedRegions, r)
			}
		}

		proximity := ""
		switch {
		case len(sharedCities) > 0:
			proximity = "same_city"
		case len(sharedRegions) > 0:
			proximity = "same_region"
		default:
			continue
		}
		sort.Strings(sharedCities)
		sort.Strings(sharedRegions)
		name := other.Name
		if name == "" {
			name = otherID
		}
		out = append(out, Opportunity{
			AgentID:       otherID,
			Name:          name,
			Proximity:     proximity,
			SharedCities:  sharedCities,
			SharedRegions: sharedRegions,
			Address:       m.agentAddressLocked(otherID),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := 1, 1
		if out[i].Proximity == "same_city" {
			pi = 0
		}
		if out[j].Proximity == "same_city" {
			pj = 0
		}
		if pi != pj {
			return pi < pj
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Census is the full population report.
func (m *Manager) Census() map[string]any {
	stats := m.PopulationStats()
	density := m.DensityMap()

	metropolises, rural := 0, 0
	for _, c := range density {
		switch c.Type {
		case "metropolis", "megalopolis":
			metropolises++
		case "outpost", "village":
			rural++
		}
	}

	top := density
	if len(top) > 5 {
		top = top[:5]
	}
	var quietest []DensityEntry
	for i := len(density) - 1; i >= 0 && len(quietest) < 5; i-- {
		if density[i].Population > 0 {
			quietest = append(quietest, density[i])
		}
	}

	return map[string]any{
		"total_agents":    stats.TotalAgents,
		"total_cities":    stats.TotalCities,
		"overall_density": stats.Density,
		"metropolises":    metropolises,
		"rural_areas":     rural,
		"by_region":       stats.ByRegion,
		"top_cities":      top,
		"quietest_cities": quietest,
		"ts":              time.Now().Unix(),
	}
}

// RegionReport details one region's cities and population.
func (m *Manager) RegionReport(region string) map[string]any {
	cities := m.CitiesByRegion(region)
	totalPop := 0
	cityList := make([]map[string]any, 0, len(cities))
	for _, c := range cities {
		totalPop += c.Population
		cityList = append(cityList, map[string]any{
			"domain":     c.Domain,
			"name":       c.Name,
			"type":       c.Type,
			"population": c.Population,
		})
	}
	desc, ok := regionDescriptions[region]
	if !ok {
		desc = "Unknown region"
	}
	return map[string]any{
		"region":           region,
		"description":      desc,
		"cities":           len(cities),
		"total_population": totalPop,
		"city_list":        cityList,
	}
}

// AddDistrict establishes a sub-specialization within a city.
func (m *Manager) AddDistrict(domain, districtName, specialty string) District {
	m.mu.Lock()
	defer m.mu.Unlock()
	city := m.ensureCityLocked(domain)
	if city.Districts == nil {
		city.Districts = map[string]District{}
	}
	d := District{
		Name:          districtName,
		Specialty:     specialty,
		EstablishedAt: time.Now().Unix(),
		Residents:     []string{},
	}
	city.Districts[strings.ToLower(districtName)] = d
	m.saveAtlasLocked()
	return d
}

// JoinDistrict adds an agent to a district.
func (m *Manager) JoinDistrict(agentID, domain, districtName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	city, ok := m.atlas.Cities[strings.ToLower(domain)]
	if !ok {
		return false
	}
	key := strings.ToLower(districtName)
	district, ok := city.Districts[key]
	if !ok {
		return false
	}
	if !contains(district.Residents, agentID) {
		district.Residents = append(district.Residents, agentID)
		city.Districts[key] = district
		m.saveAtlasLocked()
	}
	return true
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func toSet(s []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range s {
		out[v] = true
	}
	return out
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}

func round4(f float64) float64 {
	return float64(int(f*10000+0.5)) / 10000
}
