// ABOUTME: Thread-safe registry for versioned catalog entries (tools, resources, prompts).
// ABOUTME: Entries are immutable once published; sessions pin an immutable snapshot.

package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrEntryNotFound indicates the referenced entry does not exist.
var ErrEntryNotFound = errors.New("catalog entry not found")

// ErrDuplicateEntry indicates an entry with the same ID and version is already published.
var ErrDuplicateEntry = errors.New("catalog entry already published")

// ErrInvalidRef indicates a malformed entry reference string.
var ErrInvalidRef = errors.New("invalid entry reference")

// Kind classifies a catalog entry.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// ValidKind reports whether k is a known entry kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindTool, KindResource, KindPrompt:
		return true
	}
	return false
}

// Ref addresses a specific published entry by ID and version.
type Ref struct {
	ID      string
	Version int
}

// String renders the reference in "id@version" form.
func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}

// ParseRef parses an "id@version" string into a Ref.
func ParseRef(s string) (Ref, error) {
	id, ver, ok := strings.Cut(s, "@")
	if !ok || id == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v < 1 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{ID: id, Version: v}, nil
}

// Registry maintains the set of published catalog entries.
// Mutated only by administrative publication; read-shared by all sessions
// via snapshots.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by Ref.String()
	version uint64
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.With("component", "catalog"),
	}
}

// Publish registers an entry. Entries are immutable once published: a new
// version is a new entry, never an in-place edit.
// Returns ErrDuplicateEntry if ID+version already exists.
func (r *Registry) Publish(e *Entry) error {
	if err := e.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := e.Ref().String()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, key)
	}

	r.entries[key] = e
	r.version++

	r.logger.Info("catalog entry published",
		"ref", key,
		"kind", e.Kind,
		"registry_version", r.version,
	)
	return nil
}

// Version returns the current registry version. Incremented on every publish.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot captures an immutable view of the registry as of now.
// Entries published afterwards are not visible through the snapshot.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make(map[string]*Entry, len(r.entries))
	for k, e := range r.entries {
		entries[k] = e
	}
	return &Snapshot{version: r.version, entries: entries}
}

// Snapshot is a frozen catalog view pinned by a session.
type Snapshot struct {
	version uint64
	entries map[string]*Entry
}

// Version returns the registry version the snapshot was taken at.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Get returns the entry for ref, or ErrEntryNotFound if the snapshot does
// not contain it (even if the registry gained it after the snapshot).
func (s *Snapshot) Get(ref Ref) (*Entry, error) {
	e, ok := s.entries[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, ref)
	}
	return e, nil
}

// List returns all entries of the given kind, sorted by ID then version.
func (s *Snapshot) List(kind Kind) []*Entry {
	var result []*Entry
	for _, e := range s.entries {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ID != result[j].ID {
			return result[i].ID < result[j].ID
		}
		return result[i].Version < result[j].Version
	})
	return result
}

// Len returns the number of entries in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}
