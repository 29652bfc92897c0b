// ABOUTME: Session lifecycle manager: creation pins a catalog snapshot, close cancels owned runs.
// ABOUTME: A background sweep expires idle sessions; closed is terminal with no reopening.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasai/atlas-gateway/internal/catalog"
	"github.com/atlasai/atlas-gateway/internal/store"
)

// Sentinel errors for session operations.
var (
	ErrNotFound           = errors.New("session not found")
	ErrConnectionInactive = errors.New("connection inactive")
	ErrClosed             = errors.New("session closed")
)

// Status identifies a session's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// Close reasons recorded in the audit surface.
const (
	ReasonClosed  = "closed"
	ReasonExpired = "expired"
	ReasonRevoked = "revoked"
)

// Session is a scoped unit of interaction bound to one connection and one
// catalog snapshot. The snapshot never changes mid-session; a new session is
// required to pick up catalog updates.
type Session struct {
	ID           string
	ConnectionID string
	ProjectScope string
	CreatedAt    time.Time

	snapshot *catalog.Snapshot

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the catalog view pinned at creation.
func (s *Session) Snapshot() *catalog.Snapshot {
	return s.snapshot
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive && s.lastActivity.Before(cutoff)
}

// close marks the session terminal. Returns false if already closed.
func (s *Session) close(to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = to
	return true
}

// View is an immutable snapshot of a session for API responses.
type View struct {
	ID              string    `json:"id"`
	ConnectionID    string    `json:"connection_id"`
	SnapshotVersion uint64    `json:"catalog_version"`
	ProjectScope    string    `json:"project_scope,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// View returns a point-in-time copy safe to serialize.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:              s.ID,
		ConnectionID:    s.ConnectionID,
		SnapshotVersion: s.snapshot.Version(),
		ProjectScope:    s.ProjectScope,
		Status:          s.status,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.lastActivity,
	}
}

// ConnectionGate authorizes session creation against the connection registry.
type ConnectionGate interface {
	IsActive(connectionID string) bool
}

// RunCanceler cancels every non-terminal run owned by a session. Wired to
// the run orchestrator; close blocks run submission before cancellation runs.
type RunCanceler interface {
	CancelAllForSession(sessionID string)
}

// Options configures a session Manager.
type Options struct {
	// IdleTimeout is how long a session may go without activity before the
	// sweep expires it.
	IdleTimeout time.Duration
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
}

// Manager owns the session registry and the idle expiry sweep.
type Manager struct {
	registry *catalog.Registry
	conns    ConnectionGate
	audit    store.AuditLog
	logger   *slog.Logger
	opts     Options

	mu       sync.RWMutex
	sessions map[string]*Session
	runs     RunCanceler

	wg sync.WaitGroup
}

// NewManager creates a session Manager. The audit log may be nil.
func NewManager(registry *catalog.Registry, conns ConnectionGate, audit store.AuditLog, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		conns:    conns,
		audit:    audit,
		logger:   logger.With("component", "sessions"),
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// SetRunCanceler wires the run cascade. Called once at startup; the run
// orchestrator depends on sessions, so the back edge is set late.
func (m *Manager) SetRunCanceler(r RunCanceler) {
	m.mu.Lock()
	m.runs = r
	m.mu.Unlock()
}

// Start launches the idle expiry sweep. It stops when ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	if m.opts.SweepInterval <= 0 || m.opts.IdleTimeout <= 0 {
		m.logger.Debug("idle sweep disabled")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sweep goroutine has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Create registers a new session pinned to the current catalog snapshot.
// Fails with ErrConnectionInactive if the connection is unknown or revoked.
func (m *Manager) Create(ctx context.Context, connectionID, projectScope string) (*Session, error) {
	if !m.conns.IsActive(connectionID) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionInactive, connectionID)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           fmt.Sprintf("sess_%s", uuid.NewString()),
		ConnectionID: connectionID,
		ProjectScope: projectScope,
		CreatedAt:    now,
		snapshot:     m.registry.Snapshot(),
		status:       StatusActive,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.recordAudit(ctx, store.AuditCreateSession, s.ID, map[string]any{
		"connection_id":   connectionID,
		"catalog_version": s.snapshot.Version(),
	})
	m.logger.Info("session created",
		"session_id", s.ID,
		"connection_id", connectionID,
		"catalog_version", s.snapshot.Version())
	return s, nil
}

// Close transitions the session to closed, canceling every non-terminal
// owned run first. Idempotent.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.closeWithReason(ctx, id, ReasonClosed, StatusClosed)
}

// Touch resets the session's idle timer.
func (m *Manager) Touch(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Status() != StatusActive {
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	s.touch()
	return nil
}

// Get returns the session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SessionSnapshot resolves an active session to its pinned catalog snapshot.
// Run submission goes through here, so a completed close blocks further
// submissions against the session.
func (m *Manager) SessionSnapshot(id string) (*catalog.Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Status() != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	return s.Snapshot(), nil
}

// CloseAllForConnection closes every active session owned by the connection.
// Used by the connection revocation cascade.
func (m *Manager) CloseAllForConnection(connectionID string) {
	for _, s := range m.List() {
		if s.ConnectionID != connectionID {
			continue
		}
		if err := m.closeWithReason(context.Background(), s.ID, ReasonRevoked, StatusClosed); err != nil {
			m.logger.Debug("close on revocation skipped", "session_id", s.ID, "error", err)
		}
	}
}

// sweep closes sessions idle past the configured threshold, with reason
// "expired" distinguished from client-initiated closes.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.opts.IdleTimeout)
	for _, s := range m.List() {
		if !s.idleSince(cutoff) {
			continue
		}
		if err := m.closeWithReason(ctx, s.ID, ReasonExpired, StatusExpired); err != nil {
			m.logger.Debug("expiry sweep skipped session", "session_id", s.ID, "error", err)
		}
	}
}

func (m *Manager) closeWithReason(ctx context.Context, id, reason string, to Status) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	// Marking the session terminal first blocks further submissions, so
	// the cancellation below leaves no run behind.
	if !s.close(to) {
		return nil
	}

	m.mu.RLock()
	runs := m.runs
	m.mu.RUnlock()
	if runs != nil {
		runs.CancelAllForSession(id)
	}

	m.recordAudit(ctx, store.AuditCloseSession, id, map[string]any{"reason": reason})
	m.logger.Info("session closed", "session_id", id, "reason", reason)
	return nil
}

func (m *Manager) recordAudit(ctx context.Context, action store.AuditAction, id string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		Action:     action,
		TargetType: "session",
		TargetID:   id,
		Detail:     detail,
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		m.logger.Warn("audit append failed", "action", action, "session_id", id, "error", err)
	}
}
