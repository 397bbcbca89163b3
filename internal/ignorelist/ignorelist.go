// Package ignorelist implements the daemon's persistent, case-insensitive
// set of process names to exclude from game detection (module B).
package ignorelist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/capframex/capframexd/internal/errs"
)

// MaxEntries is the hard capacity of the ignore list.
const MaxEntries = 512

// Entry is one ignore-list record.
type Entry struct {
	Name    string `json:"name"`
	AddedAt string `json:"added_at"` // ISO-8601 UTC
}

type document struct {
	Version   int     `json:"version"`
	Processes []Entry `json:"processes"`
}

// List is the thread-safe, file-backed ignore list. The zero value is not
// usable; construct with New.
type List struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	index   map[string]int // lowercase name -> index into entries
	now     func() time.Time

	sizeGauge prometheus.Gauge
}

// SetSizeGauge registers g to be kept in sync with Count on every mutation.
func (l *List) SetSizeGauge(g prometheus.Gauge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sizeGauge = g
	if l.sizeGauge != nil {
		l.sizeGauge.Set(float64(len(l.entries)))
	}
}

func (l *List) updateSizeGaugeLocked() {
	if l.sizeGauge != nil {
		l.sizeGauge.Set(float64(len(l.entries)))
	}
}

// New creates a List backed by <configDir>/ignore_list.json and loads any
// existing contents. A missing file yields an empty set.
func New(configDir string) (*List, error) {
	l := &List{
		path:  filepath.Join(configDir, "ignore_list.json"),
		index: make(map[string]int),
		now:   time.Now,
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, errs.New(errs.Io, "ignorelist.new", err)
	}
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the backing file path.
func (l *List) Path() string {
	return l.path
}

// Contains reports whether name is on the list, case-insensitively.
func (l *List) Contains(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[strings.ToLower(name)]
	return ok
}

// Count returns the number of entries.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// At returns a copy of the entry at index, or false if out of range.
func (l *List) At(index int) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[index], true
}

// All returns a copy of every entry, in insertion order.
func (l *List) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Add inserts name if absent and persists the set. Adding an existing name
// (case-insensitive) is a no-op success.
func (l *List) Add(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := strings.ToLower(name)
	if _, ok := l.index[key]; ok {
		return nil
	}
	if len(l.entries) >= MaxEntries {
		return errs.New(errs.Capacity, "ignorelist.add", fmt.Errorf("ignore list full (%d entries)", MaxEntries))
	}

	l.entries = append(l.entries, Entry{Name: name, AddedAt: l.now().UTC().Format(time.RFC3339)})
	l.index[key] = len(l.entries) - 1
	l.updateSizeGaugeLocked()
	return l.persistLocked()
}

// Remove deletes name if present and persists the set. Removing an absent
// name is a no-op success.
func (l *List) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := strings.ToLower(name)
	idx, ok := l.index[key]
	if !ok {
		return nil
	}
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	l.rebuildIndexLocked()
	l.updateSizeGaugeLocked()
	return l.persistLocked()
}

// Reload discards in-memory state and re-reads the backing file.
func (l *List) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloadLocked()
}

func (l *List) reloadLocked() error {
	l.entries = nil
	l.index = make(map[string]int)

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.updateSizeGaugeLocked()
		return l.persistLocked()
	}
	if err != nil {
		return errs.New(errs.Io, "ignorelist.reload", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// Malformed file: skip unknown/corrupt content, start empty.
		l.updateSizeGaugeLocked()
		return nil
	}
	for _, e := range doc.Processes {
		if e.Name == "" || len(l.entries) >= MaxEntries {
			continue
		}
		key := strings.ToLower(e.Name)
		if _, dup := l.index[key]; dup {
			continue
		}
		l.entries = append(l.entries, e)
		l.index[key] = len(l.entries) - 1
	}
	l.updateSizeGaugeLocked()
	return nil
}

func (l *List) rebuildIndexLocked() {
	l.index = make(map[string]int, len(l.entries))
	for i, e := range l.entries {
		l.index[strings.ToLower(e.Name)] = i
	}
}

// persistLocked writes the full set atomically: write to <path>.tmp, flush,
// rename to <path>. On rename failure the temp file is removed.
func (l *List) persistLocked() error {
	doc := document{Version: 1, Processes: l.entries}
	if doc.Processes == nil {
		doc.Processes = []Entry{}
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errs.New(errs.Io, "ignorelist.persist", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(errs.Io, "ignorelist.persist", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return errs.New(errs.Io, "ignorelist.persist", err)
	}
	return nil
}

// Cleanup releases in-memory state. The backing file is left untouched.
func (l *List) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.index = make(map[string]int)
}
