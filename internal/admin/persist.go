package admin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relayforge/router/internal/logging"
)

// PersistentMap is a key->json-value mapping backed by a single JSON file,
// with debounced, atomic saves. It implements the §4.6 persistent-map
// contract: Load reads the backing file (or initializes empty if absent),
// Set/Delete/Clear enqueue a debounced save, and Close flushes synchronously.
// Concurrent readers only ever see the in-memory snapshot, which is always
// either the pre- or post-write state — never a torn mix, since writes
// happen under mu and saves are temp-file-then-rename on the same volume.
type PersistentMap struct {
	mu   sync.RWMutex
	path string
	data map[string]json.RawMessage

	saveDebounce time.Duration
	saveMu       sync.Mutex
	saveTimer    *time.Timer
	pendingSave  bool
	closed       bool
}

// DefaultSaveDebounce is the coalescing window for PersistentMap saves.
const DefaultSaveDebounce = 100 * time.Millisecond

// NewPersistentMap creates a PersistentMap backed by path, loading any
// existing contents. If the file is absent it is initialized empty and
// persisted; if present but not valid JSON, the file is logged and reset to
// empty rather than propagating a parse error to the caller (§4.6 Load).
func NewPersistentMap(path string) (*PersistentMap, error) {
	m := &PersistentMap{
		path:         path,
		data:         make(map[string]json.RawMessage),
		saveDebounce: DefaultSaveDebounce,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PersistentMap) load() error {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m.saveSync()
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		m.data = make(map[string]json.RawMessage)
		return nil
	}
	var parsed map[string]json.RawMessage
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
		// Malformed on-disk JSON: reset to empty rather than fail startup.
		logging.Logger.Warn("admin: malformed persistent map file, resetting to empty", "path", m.path, "error", jsonErr)
		m.data = make(map[string]json.RawMessage)
		return nil
	}
	m.data = parsed
	return nil
}

// Get decodes the value for key into out. Returns false if key is absent.
func (m *PersistentMap) Get(key string, out interface{}) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns a snapshot of all keys currently stored.
func (m *PersistentMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}

// Set stores value under key and enqueues a debounced save.
func (m *PersistentMap) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	m.scheduleSave()
	return nil
}

// Delete removes key, if present, and enqueues a debounced save.
func (m *PersistentMap) Delete(key string) {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	m.scheduleSave()
}

// Clear empties the map and enqueues a debounced save.
func (m *PersistentMap) Clear() {
	m.mu.Lock()
	m.data = make(map[string]json.RawMessage)
	m.mu.Unlock()
	m.scheduleSave()
}

// scheduleSave arms a timer, unless one is already pending, that fires
// saveDebounce after the first unsaved mutation, coalescing bursts of
// mutations into a single write —
// the "at most one write task per file at any time" property from §9.
func (m *PersistentMap) scheduleSave() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.closed {
		return
	}
	m.pendingSave = true
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.saveDebounce, func() {
		m.saveMu.Lock()
		m.pendingSave = false
		m.saveTimer = nil
		m.saveMu.Unlock()
		_ = m.saveSync()
	})
}

// saveSync writes the current snapshot to disk via temp-file + rename, so
// readers of the target path never observe a partially-written file.
func (m *PersistentMap) saveSync() error {
	m.mu.RLock()
	raw, err := json.MarshalIndent(m.data, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Close flushes any pending debounced save synchronously, per §4.6.
func (m *PersistentMap) Close() error {
	m.saveMu.Lock()
	m.closed = true
	pending := m.pendingSave
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.pendingSave = false
	m.saveMu.Unlock()

	if pending {
		return m.saveSync()
	}
	return nil
}
