// Package registry tracks the downstream servers the gateway may proxy
// to, persisted as a single JSON file.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpscope/mcpscope/pkg/logging"
)

// Common errors.
var (
	// ErrNotFound indicates the named server is not registered.
	ErrNotFound = errors.New("registry: server not found")
	// ErrDuplicate indicates a server with that name already exists.
	ErrDuplicate = errors.New("registry: server already registered")
)

// ServerEntry describes one registered downstream server.
type ServerEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate checks the fields a caller supplies on registration.
func (e *ServerEntry) Validate() error {
	if e.Name == "" {
		return errors.New("server name is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server url %q", e.URL)
	}
	return nil
}

// registryFile is the on-disk shape.
type registryFile struct {
	Servers []ServerEntry `json:"servers"`
}

// FileRegistry stores entries in one JSON file, rewritten whole on every
// mutation. Health verdicts live in memory only; they are probe results,
// not configuration.
type FileRegistry struct {
	mu     sync.RWMutex
	path   string
	byName map[string]ServerEntry
	health map[string]bool
	log    *slog.Logger
}

// Open loads the registry at path, creating an empty one if the file
// does not exist.
func Open(path string, log *slog.Logger) (*FileRegistry, error) {
	r := &FileRegistry{
		path:   path,
		byName: make(map[string]ServerEntry),
		health: make(map[string]bool),
		log:    logging.Component(log, "registry"),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, e := range file.Servers {
		r.byName[e.Name] = e
	}
	return r, nil
}

// Add registers a new server and persists the registry. The entry's ID
// and CreatedAt are assigned here.
func (r *FileRegistry) Add(entry ServerEntry) (ServerEntry, error) {
	if err := entry.Validate(); err != nil {
		return ServerEntry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[entry.Name]; exists {
		return ServerEntry{}, fmt.Errorf("%w: %s", ErrDuplicate, entry.Name)
	}

	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	r.byName[entry.Name] = entry

	if err := r.persistLocked(); err != nil {
		delete(r.byName, entry.Name)
		return ServerEntry{}, err
	}
	r.log.Info("server registered", "name", entry.Name, "url", entry.URL)
	return entry, nil
}

// Remove deletes a server by name and persists the registry.
func (r *FileRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.byName[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.byName, name)
	delete(r.health, name)

	if err := r.persistLocked(); err != nil {
		r.byName[name] = entry
		return err
	}
	r.log.Info("server removed", "name", name)
	return nil
}

// Get returns the entry registered under name.
func (r *FileRegistry) Get(name string) (ServerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.byName[name]
	if !exists {
		return ServerEntry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry, nil
}

// List returns all entries sorted by name.
func (r *FileRegistry) List() []ServerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerEntry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisteredServerNames returns the registered names, sorted.
func (r *FileRegistry) RegisteredServerNames(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SetHealth records the latest probe verdict for a server.
func (r *FileRegistry) SetHealth(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return
	}
	r.health[name] = healthy
}

// Health returns the last probe verdict. known is false when the server
// has never been probed (or is not registered).
func (r *FileRegistry) Health(name string) (healthy, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	healthy, known = r.health[name]
	return healthy, known
}

// persistLocked rewrites the registry file. Write-to-temp-then-rename so
// a crash mid-write never leaves a truncated registry.
func (r *FileRegistry) persistLocked() error {
	entries := make([]ServerEntry, 0, len(r.byName))
	for _, e := range r.byName {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data, err := json.MarshalIndent(registryFile{Servers: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
