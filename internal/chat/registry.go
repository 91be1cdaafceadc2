package chat

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ConnID identifies a live connection.
type ConnID uint64

// BindKind tells the caller which presence transition a Bind produced.
type BindKind int

const (
	// BindJoined means the connection had no name before.
	BindJoined BindKind = iota
	// BindRenamed means the connection was bound to a different name.
	BindRenamed
	// BindUnchanged means the same name was submitted again.
	BindUnchanged
)

func (k BindKind) String() string {
	switch k {
	case BindJoined:
		return "joined"
	case BindRenamed:
		return "renamed"
	case BindUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// BindResult describes the outcome of Registry.Bind.
type BindResult struct {
	Kind     BindKind
	Previous string
}

// Registry maps live connections to display names. Names are not unique:
// several connections may present the same name and are then one entry in
// the online set.
type Registry struct {
	mu       sync.RWMutex
	bindings map[ConnID]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[ConnID]string)}
}

// Bind associates name with conn and reports whether this was a fresh join,
// a rename, or a repeat of the current name.
func (r *Registry) Bind(conn ConnID, name string) BindResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.bindings[conn]
	r.bindings[conn] = name

	switch {
	case !ok:
		return BindResult{Kind: BindJoined}
	case previous == name:
		return BindResult{Kind: BindUnchanged, Previous: previous}
	default:
		return BindResult{Kind: BindRenamed, Previous: previous}
	}
}

// Unbind removes the binding of conn and returns the name it had.
// ok is false when the connection never joined.
func (r *Registry) Unbind(conn ConnID) (name string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok = r.bindings[conn]
	delete(r.bindings, conn)
	return name, ok
}

// NameOf returns the name bound to conn.
func (r *Registry) NameOf(conn ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.bindings[conn]
	return name, ok
}

// SnapshotOnline returns the distinct bound names, sorted. It is computed on
// every call so it never lags a just-processed Bind or Unbind.
func (r *Registry) SnapshotOnline() []string {
	r.mu.RLock()
	names := lo.Uniq(lo.Values(r.bindings))
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of joined connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
