package values

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/storage"
)

const valuesFile = "values.json"

// Principle is a weighted belief. Weight is clamped to [0, 1].
type Principle struct {
	Weight float64 `json:"weight"`
	Text   string  `json:"text,omitempty"`
}

// Document is the full persisted values record.
type Document struct {
	Principles map[string]Principle `json:"principles"`
	Boundaries []string             `json:"boundaries"`
	Aesthetics map[string]any       `json:"aesthetics"`
	Version    int                  `json:"version"`
	UpdatedAt  int64                `json:"updated_at"`
}

// Manager holds an agent's principles, boundaries, and aesthetics.
// Principles are weighted beliefs, boundaries are hard limits, and
// aesthetics are preferences.
type Manager struct {
	store *storage.Store

	mu   sync.Mutex
	data Document
}

func NewManager(store *storage.Store) *Manager {
	m := &Manager{store: store, data: Document{
		Principles: map[string]Principle{},
		Boundaries: []string{},
		Aesthetics: map[string]any{},
		Version:    1,
	}}
	var doc Document
	if err := store.ReadJSON(valuesFile, &doc); err == nil {
		if doc.Principles == nil {
			doc.Principles = map[string]Principle{}
		}
		if doc.Boundaries == nil {
			doc.Boundaries = []string{}
		}
		if doc.Aesthetics == nil {
			doc.Aesthetics = map[string]any{}
		}
		if doc.Version == 0 {
			doc.Version = 1
		}
		m.data = doc
	}
	return m
}

func (m *Manager) saveLocked() error {
	m.data.UpdatedAt = time.Now().Unix()
	m.data.Version++
	return m.store.WriteJSON(valuesFile, m.data)
}

// SetPrinciple adds or updates a weighted principle. Weight clamps to [0, 1].
func (m *Manager) SetPrinciple(name string, weight float64, text string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("principle name cannot be empty")
	}
	weight = math.Max(0, math.Min(1, weight))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Principles[name] = Principle{Weight: weight, Text: text}
	return m.saveLocked()
}

// RemovePrinciple deletes a principle by name.
func (m *Manager) RemovePrinciple(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Principles[name]; !ok {
		return false
	}
	delete(m.data.Principles, name)
	_ = m.saveLocked()
	return true
}

// Principles returns a copy of all principles.
func (m *Manager) Principles() map[string]Principle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Principle, len(m.data.Principles))
	for k, v := range m.data.Principles {
		out[k] = v
	}
	return out
}

// AddBoundary appends a hard limit. Returns its index.
func (m *Manager) AddBoundary(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, errors.New("boundary text cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Boundaries = append(m.data.Boundaries, text)
	if err := m.saveLocked(); err != nil {
		return 0, err
	}
	return len(m.data.Boundaries) - 1, nil
}

// RemoveBoundary deletes a boundary by index.
func (m *Manager) RemoveBoundary(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.data.Boundaries) {
		return false
	}
	m.data.Boundaries = append(m.data.Boundaries[:idx], m.data.Boundaries[idx+1:]...)
	_ = m.saveLocked()
	return true
}

// Boundaries returns a copy of all boundaries.
func (m *Manager) Boundaries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.data.Boundaries...)
}

// SetAesthetic records a preference.
func (m *Manager) SetAesthetic(key string, value any) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return errors.New("aesthetic key cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Aesthetics[key] = value
	return m.saveLocked()
}

// RemoveAesthetic deletes a preference.
func (m *Manager) RemoveAesthetic(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Aesthetics[key]; !ok {
		return false
	}
	delete(m.data.Aesthetics, key)
	_ = m.saveLocked()
	return true
}

// Aesthetics returns a copy of all preferences.
func (m *Manager) Aesthetics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.data.Aesthetics))
	for k, v := range m.data.Aesthetics {
		out[k] = v
	}
	return out
}

// Hash is the first 16 hex chars of SHA-256 over the canonical
// serialization of principles, boundaries, and aesthetics. Carried in
// pulses so peers can detect values drift without the full document.
func (m *Manager) Hash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hashOf(m.data)
}

func hashOf(d Document) string {
	canonical, err := codec.Canonical(map[string]any{
		"principles": principlesToMap(d.Principles),
		"boundaries": d.Boundaries,
		"aesthetics": d.Aesthetics,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

func principlesToMap(p map[string]Principle) map[string]any {
	out := make(map[string]any, len(p))
	for name, pr := range p {
		entry := map[string]any{"weight": pr.Weight}
		if pr.Text != "" {
			entry["text"] = pr.Text
		}
		out[name] = entry
	}
	return out
}

// Compatibility scores alignment with another agent's principles in
// [0, 1]. Shared principles contribute 1 - |weight delta|; one-sided
// principles contribute 0.3 * (1 - weight). No principles on either
// side is neutral 0.5.
func (m *Manager) Compatibility(theirs map[string]Principle) float64 {
	m.mu.Lock()
	mine := m.data.Principles
	defer m.mu.Unlock()

	if len(mine) == 0 && len(theirs) == 0 {
		return 0.5
	}

	names := map[string]bool{}
	for n := range mine {
		names[n] = true
	}
	for n := range theirs {
		names[n] = true
	}

	sum := 0.0
	for n := range names {
		my, haveMine := mine[n]
		their, haveTheirs := theirs[n]
		if haveMine && haveTheirs {
			sum += 1.0 - math.Abs(my.Weight-their.Weight)
		} else {
			w := my.Weight
			if !haveMine {
				w = their.Weight
			}
			sum += 0.3 * (1.0 - w)
		}
	}
	return math.Round(sum/float64(len(names))*1000) / 1000
}

// CheckBoundaries reports the first boundary an envelope violates, or
// "". A boundary matches when every token longer than 3 chars appears
// in the envelope's lowercased text blob. Short boundary texts can
// under-fire; paraphrases can slip through.
func (m *Manager) CheckBoundaries(env *codec.Envelope) string {
	m.mu.Lock()
	boundaries := append([]string(nil), m.data.Boundaries...)
	m.mu.Unlock()
	if len(boundaries) == 0 || env == nil {
		return ""
	}

	blob := strings.ToLower(strings.Join([]string{
		env.Str("text"),
		strings.Join(env.Strings("topics"), " "),
		strings.Join(env.Strings("offers"), " "),
		strings.Join(env.Strings("needs"), " "),
		env.Kind,
	}, " "))

	for _, boundary := range boundaries {
		var keywords []string
		for _, w := range strings.Fields(boundary) {
			if len(w) > 3 {
				keywords = append(keywords, strings.ToLower(w))
			}
		}
		if len(keywords) == 0 {
			continue
		}
		all := true
		for _, kw := range keywords {
			if !strings.Contains(blob, kw) {
				all = false
				break
			}
		}
		if all {
			return boundary
		}
	}
	return ""
}

// CardSummary is the values section of the agent card: principle names,
// boundary count, aesthetics, hash, version.
func (m *Manager) CardSummary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.data.Principles))
	for n := range m.data.Principles {
		names = append(names, n)
	}
	return map[string]any{
		"principles":     names,
		"boundary_count": len(m.data.Boundaries),
		"aesthetics":     m.data.Aesthetics,
		"values_hash":    hashOf(m.data),
		"version":        m.data.Version,
	}
}

// Full returns a copy of the complete document.
func (m *Manager) Full() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.data
	doc.Principles = map[string]Principle{}
	for k, v := range m.data.Principles {
		doc.Principles[k] = v
	}
	doc.Boundaries = append([]string(nil), m.data.Boundaries...)
	doc.Aesthetics = map[string]any{}
	for k, v := range m.data.Aesthetics {
		doc.Aesthetics[k] = v
	}
	return doc
}

// ApplyPreset installs a named preset. Returns the number of items added.
func (m *Manager) ApplyPreset(name string) (int, error) {
	preset, ok := Presets[name]
	if !ok {
		return 0, errors.Errorf("unknown preset %q", name)
	}
	count := 0
	for pname, p := range preset.Principles {
		if err := m.SetPrinciple(pname, p.Weight, p.Text); err != nil {
			return count, err
		}
		count++
	}
	for _, b := range preset.Boundaries {
		if _, err := m.AddBoundary(b); err != nil {
			return count, err
		}
		count++
	}
	for k, v := range preset.Aesthetics {
		if err := m.SetAesthetic(k, v); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
