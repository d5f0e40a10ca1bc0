package store

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/inercia/verso/internal/appdir"
	"github.com/inercia/verso/internal/fileutil"
)

// Prefs is a small persistent key-value store for state that does not
// belong in settings: the last selected session per workspace, one-time
// migration flags, and similar markers. Values are strings; callers
// encode anything richer themselves.
type Prefs struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenPrefs loads the preference store from path. A missing file yields
// an empty store; the file is created on the first Set.
func OpenPrefs(path string) (*Prefs, error) {
	p := &Prefs{
		path:   path,
		values: make(map[string]string),
	}
	if err := fileutil.ReadJSON(path, &p.values); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load preferences: %w", err)
		}
	}
	return p, nil
}

// OpenDefaultPrefs opens the preference store at the default
// application path.
func OpenDefaultPrefs() (*Prefs, error) {
	path, err := appdir.PrefsPath()
	if err != nil {
		return nil, err
	}
	return OpenPrefs(path)
}

// Get returns the value for key and whether it was present.
func (p *Prefs) Get(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

// Set stores a value and persists the file immediately.
func (p *Prefs) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return p.saveLocked()
}

// Delete removes a key and persists the file. Deleting an absent key is
// a no-op.
func (p *Prefs) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.values[key]; !ok {
		return nil
	}
	delete(p.values, key)
	return p.saveLocked()
}

// Keys returns all stored keys in sorted order.
func (p *Prefs) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prefs) saveLocked() error {
	if err := fileutil.WriteJSONAtomic(p.path, p.values, 0644); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// LastSessionKey returns the preference key holding the last selected
// session for a workspace.
func LastSessionKey(workspaceID string) string {
	return "last_session." + workspaceID
}
