package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// maxReadNonces bounds the dedup set. Older nonces fall off and may be
// re-delivered; consumers must tolerate that.
const maxReadNonces = 10000

const stateFile = "state.json"

// Store owns a per-agent data directory. Each named file has a single
// writer component; the Store itself only serializes access to state.json.
type Store struct {
	dir string

	mu    sync.Mutex
	state *state
}

type state struct {
	LastTS     map[string]int64 `json:"last_ts"`
	ReadNonces []string         `json:"read_nonces"`

	nonceSet map[string]bool
}

// Open initializes the data directory and loads state.json if present.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %v", err)
	}
	s := &Store{
		dir:   dir,
		state: &state{LastTS: map[string]int64{}, nonceSet: map[string]bool{}},
	}
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err == nil {
		var st state
		if jerr := json.Unmarshal(raw, &st); jerr == nil {
			if st.LastTS == nil {
				st.LastTS = map[string]int64{}
			}
			st.nonceSet = make(map[string]bool, len(st.ReadNonces))
			for _, n := range st.ReadNonces {
				st.nonceSet[n] = true
			}
			s.state = &st
		}
	}
	return s, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path for a named file in the data directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// AppendJSONL appends one record as a single line of sorted-key JSON.
func (s *Store) AppendJSONL(name string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// ReadJSONL reads all records from a named log. Blank and unparseable
// lines are skipped. A missing file yields an empty slice.
func (s *Store) ReadJSONL(name string) ([]map[string]any, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]any{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, scanner.Err()
}

// ReadJSONLTail returns the last limit records of a named log.
func (s *Store) ReadJSONLTail(name string, limit int) ([]map[string]any, error) {
	all, err := s.ReadJSONL(name)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// CountJSONL counts non-blank lines in a named log.
func (s *Store) CountJSONL(name string) (int, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	return count, scanner.Err()
}

// WriteJSON atomically replaces a named snapshot: write temp then rename.
func (s *Store) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := s.Path(name + ".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path(name))
}

// ReadJSON loads a named snapshot into out. Returns os.ErrNotExist when
// the snapshot has never been written.
func (s *Store) ReadJSON(name string, out any) error {
	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ─── Cursor / nonce state ───────────────────────────────────────────

// LastTS returns the monotonic cursor stored under key.
func (s *Store) LastTS(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastTS[key]
}

// SetLastTS advances the cursor stored under key and persists state.
func (s *Store) SetLastTS(key string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastTS[key] = ts
	return s.saveStateLocked()
}

// IsNonceRead reports whether a nonce is in the bounded dedup set.
func (s *Store) IsNonceRead(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.nonceSet[nonce]
}

// MarkNonceRead adds a nonce to the dedup set and persists state. The set
// is trimmed to the most recently added maxReadNonces entries.
func (s *Store) MarkNonceRead(nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.nonceSet[nonce] {
		return nil
	}
	s.state.nonceSet[nonce] = true
	s.state.ReadNonces = append(s.state.ReadNonces, nonce)
	if len(s.state.ReadNonces) > maxReadNonces {
		dropped := s.state.ReadNonces[:len(s.state.ReadNonces)-maxReadNonces]
		for _, n := range dropped {
			delete(s.state.nonceSet, n)
		}
		s.state.ReadNonces = s.state.ReadNonces[len(s.state.ReadNonces)-maxReadNonces:]
	}
	return s.saveStateLocked()
}

// ReadNonceCount returns the current size of the dedup set.
func (s *Store) ReadNonceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.ReadNonces)
}

func (s *Store) saveStateLocked() error {
	// Stored sorted for stable diffs; insertion order only matters for
	// the in-memory trim above.
	snapshot := state{
		LastTS:     s.state.LastTS,
		ReadNonces: append([]string(nil), s.state.ReadNonces...),
	}
	sort.Strings(snapshot.ReadNonces)
	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := s.Path(stateFile + ".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path(stateFile))
}
