// Package actor tracks who is writing to the audit log.
//
// Actors are auto-registered the first time an entry names them. The
// registry is fed by audit.Log.OnAppend, persists to
// <config-dir>/actors.yaml, and tracks per-actor activity: entry and error
// counts, the most recent action type, and first/last seen timestamps.
package actor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orpaynter/opaudit/internal/audit"
)

// Actor is a tracked audit actor (USER, AI_AGENT, SYSTEM, ...).
type Actor struct {
	Name           string    `yaml:"-" json:"name"`
	FirstSeen      time.Time `yaml:"first_seen" json:"first_seen"`
	LastSeen       time.Time `yaml:"last_seen" json:"last_seen"`
	LastActionType string    `yaml:"last_action_type" json:"last_action_type"`
	Stats          Stats     `yaml:"stats" json:"stats"`
}

// Stats holds cumulative counters for an actor.
type Stats struct {
	Entries uint64 `yaml:"entries" json:"entries"`
	Errors  uint64 `yaml:"errors" json:"errors"`
}

// Registry manages the set of known actors.
// Record is called from every appending goroutine.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	path   string
}

// registryFile is the YAML envelope for actors.yaml.
type registryFile struct {
	Actors map[string]*Actor `yaml:"actors"`
}

// NewRegistry loads the actor registry from the given YAML file path.
// If the file doesn't exist, returns an empty registry (not an error).
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		actors: make(map[string]*Actor),
		path:   path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading actor registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing actor registry %s: %w", path, err)
	}

	for name, a := range file.Actors {
		if a == nil {
			continue
		}
		a.Name = name
		r.actors[name] = a
	}

	slog.Info("actor registry loaded", "actors", len(r.actors), "path", path)
	return r, nil
}

// List returns all actors sorted by name.
func (r *Registry) List() []Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actors := make([]Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, *a)
	}
	sort.Slice(actors, func(i, j int) bool {
		return actors[i].Name < actors[j].Name
	})
	return actors
}

// Get returns the actor with the given name, or an error if not found.
func (r *Registry) Get(name string) (Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actors[name]
	if !ok {
		return Actor{}, fmt.Errorf("actor %q not found", name)
	}
	return *a, nil
}

// Len returns the number of known actors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// Record updates stats from an appended entry. Its signature matches
// audit.Log.OnAppend.
func (r *Registry) Record(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordUnlocked(e)
}

// Rebuild discards all stats and replays entries in order. Used by
// `opaudit actors --rebuild` to recompute the registry from the log.
func (r *Registry) Rebuild(entries []audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actors = make(map[string]*Actor)
	for _, e := range entries {
		r.recordUnlocked(e)
	}
}

func (r *Registry) recordUnlocked(e audit.Entry) {
	seen, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		seen = time.Now().UTC()
	}

	a, ok := r.actors[e.Actor]
	if !ok {
		a = &Actor{Name: e.Actor, FirstSeen: seen}
		r.actors[e.Actor] = a
		slog.Debug("new actor registered", "actor", e.Actor)
	}

	// Entries can arrive out of order; the newest one wins.
	if !seen.Before(a.LastSeen) {
		a.LastSeen = seen
		a.LastActionType = e.ActionType
	}
	a.Stats.Entries++
	if isError(e.Metadata) {
		a.Stats.Errors++
	}
}

// isError reports whether the entry metadata describes a failed request:
// an exception flag or a 5xx status code.
func isError(md map[string]any) bool {
	if exc, ok := md["exception"].(bool); ok && exc {
		return true
	}
	code, ok := asInt(md["status_code"])
	return ok && code >= 500
}

// asInt accepts the numeric shapes metadata can hold: Go ints from an
// in-process append, float64 or json.Number from a decoded line.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Save persists the current registry state to actors.yaml.
// Called on graceful shutdown to avoid losing in-memory stats.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := yaml.Marshal(&registryFile{Actors: r.actors})
	if err != nil {
		return fmt.Errorf("marshaling actor registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing actor registry %s: %w", r.path, err)
	}
	return nil
}
