package settings

import (
	"strings"
	"sync"
)

// Change describes one settings update delivered to observers.
type Change struct {
	// Scope is the workspace URI the change applies to; empty for the
	// global scope.
	Scope string

	// Old and New are the effective settings before and after.
	Old Settings
	New Settings
}

// Observer is called when settings change.
type Observer func(Change)

// Subscription is an active observer registration.
type Subscription struct {
	id    uint64
	store *Store
}

// Unsubscribe removes the observer.
func (s *Subscription) Unsubscribe() {
	if s.store != nil {
		s.store.unsubscribe(s.id)
	}
}

// Store holds the current settings per scope and notifies observers on
// change. It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	global     Settings
	workspaces map[string]Settings

	observers map[uint64]Observer
	nextID    uint64
}

// NewStore creates a store seeded with defaults.
func NewStore() *Store {
	return &Store{
		global:     Default(),
		workspaces: make(map[string]Settings),
		observers:  make(map[uint64]Observer),
	}
}

// Subscribe registers an observer for all future changes.
func (st *Store) Subscribe(fn Observer) *Subscription {
	st.mu.Lock()
	st.nextID++
	id := st.nextID
	st.observers[id] = fn
	st.mu.Unlock()
	return &Subscription{id: id, store: st}
}

func (st *Store) unsubscribe(id uint64) {
	st.mu.Lock()
	delete(st.observers, id)
	st.mu.Unlock()
}

// Global returns the effective global settings.
func (st *Store) Global() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.global
}

// ForScope returns the effective settings for a workspace URI: the
// global settings overlaid with the longest matching workspace entry.
func (st *Store) ForScope(scope string) Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.forScopeLocked(scope)
}

func (st *Store) forScopeLocked(scope string) Settings {
	best := ""
	for uri := range st.workspaces {
		if strings.HasPrefix(scope, uri) && len(uri) > len(best) {
			best = uri
		}
	}
	if best == "" {
		return st.global
	}
	return merge(st.global, st.workspaces[best])
}

// Scopes returns the workspace URIs with explicit settings.
func (st *Store) Scopes() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	scopes := make([]string, 0, len(st.workspaces))
	for uri := range st.workspaces {
		scopes = append(scopes, uri)
	}
	return scopes
}

// SetGlobal replaces the global settings and notifies observers.
func (st *Store) SetGlobal(s Settings) {
	st.mu.Lock()
	old := st.global
	st.global = s
	observers := st.observersLocked()
	st.mu.Unlock()

	notify(observers, Change{Old: old, New: s})
}

// SetWorkspace replaces one workspace's settings and notifies observers.
func (st *Store) SetWorkspace(scope string, s Settings) {
	st.mu.Lock()
	old := st.forScopeLocked(scope)
	st.workspaces[scope] = s
	updated := st.forScopeLocked(scope)
	observers := st.observersLocked()
	st.mu.Unlock()

	notify(observers, Change{Scope: scope, Old: old, New: updated})
}

// Replace swaps the whole store content in one step, as a config file
// reload does, and notifies observers once with the global change.
func (st *Store) Replace(global Settings, workspaces map[string]Settings) {
	st.mu.Lock()
	old := st.global
	st.global = global
	st.workspaces = make(map[string]Settings, len(workspaces))
	for uri, s := range workspaces {
		st.workspaces[uri] = s
	}
	observers := st.observersLocked()
	st.mu.Unlock()

	notify(observers, Change{Old: old, New: global})
}

func (st *Store) observersLocked() []Observer {
	observers := make([]Observer, 0, len(st.observers))
	for _, fn := range st.observers {
		observers = append(observers, fn)
	}
	return observers
}

func notify(observers []Observer, change Change) {
	for _, fn := range observers {
		fn(change)
	}
}
