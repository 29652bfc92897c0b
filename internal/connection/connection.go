// ABOUTME: Connection lifecycle manager: open with credential verification, revoke with cascade.
// ABOUTME: Connections are process-wide registered state; revocation invalidates owned sessions.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasai/atlas-gateway/internal/auth"
	"github.com/atlasai/atlas-gateway/internal/store"
)

// Sentinel errors for connection operations.
var (
	ErrAuth     = errors.New("authentication failed")
	ErrNotFound = errors.New("connection not found")
)

// Status identifies a connection's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Connection is one authenticated client attachment.
type Connection struct {
	ID               string
	PrincipalID      string
	TokenFingerprint string
	CreatedAt        time.Time

	mu     sync.Mutex
	status Status
}

// Status returns the connection's lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) revoke() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRevoked {
		return false
	}
	c.status = StatusRevoked
	return true
}

// View is an immutable snapshot of a connection for API responses.
type View struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// View returns a point-in-time copy safe to serialize.
func (c *Connection) View() View {
	return View{
		ID:          c.ID,
		PrincipalID: c.PrincipalID,
		Fingerprint: c.TokenFingerprint,
		Status:      c.Status(),
		CreatedAt:   c.CreatedAt,
	}
}

// SessionCloser cascades a connection revocation to its sessions.
type SessionCloser interface {
	CloseAllForConnection(connectionID string)
}

// Manager owns the connection registry.
type Manager struct {
	verifier auth.TokenVerifier
	audit    store.AuditLog
	logger   *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Connection
	sessions SessionCloser
}

// NewManager creates a connection Manager. The audit log may be nil.
func NewManager(verifier auth.TokenVerifier, audit store.AuditLog, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		verifier: verifier,
		audit:    audit,
		logger:   logger.With("component", "connections"),
		conns:    make(map[string]*Connection),
	}
}

// SetSessionCloser wires the cascade target. Called once at startup; the
// session manager depends on connections, so the back edge is set late.
func (m *Manager) SetSessionCloser(s SessionCloser) {
	m.mu.Lock()
	m.sessions = s
	m.mu.Unlock()
}

// Open verifies the credential and registers a new active connection.
// Only the credential's fingerprint is retained. Verification failures are
// never retried.
func (m *Manager) Open(ctx context.Context, credential string) (*Connection, error) {
	principalID, err := m.verifier.Verify(credential)
	if err != nil {
		m.logger.Warn("connection open rejected", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	c := &Connection{
		ID:               fmt.Sprintf("conn_%s", uuid.NewString()),
		PrincipalID:      principalID,
		TokenFingerprint: auth.Fingerprint(credential),
		CreatedAt:        time.Now().UTC(),
		status:           StatusActive,
	}

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	m.recordAudit(ctx, store.AuditOpenConnection, c.ID, map[string]any{"principal_id": principalID})
	m.logger.Info("connection opened", "connection_id", c.ID, "principal_id", principalID)
	return c, nil
}

// Revoke marks the connection revoked and cascades to its sessions.
// Idempotent: revoking an already-revoked connection is a no-op.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	m.mu.RLock()
	c, ok := m.conns[id]
	sessions := m.sessions
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if !c.revoke() {
		return nil
	}

	if sessions != nil {
		sessions.CloseAllForConnection(id)
	}

	m.recordAudit(ctx, store.AuditRevokeConnection, id, nil)
	m.logger.Info("connection revoked", "connection_id", id)
	return nil
}

// IsActive reports whether the connection exists and has not been revoked.
// Used as the authorization gate for session creation.
func (m *Manager) IsActive(id string) bool {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	return ok && c.Status() == StatusActive
}

// Get returns the connection by ID.
func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// List returns all connections ordered by creation time.
func (m *Manager) List() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) recordAudit(ctx context.Context, action store.AuditAction, id string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		Action:     action,
		TargetType: "connection",
		TargetID:   id,
		Detail:     detail,
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		m.logger.Warn("audit append failed", "action", action, "connection_id", id, "error", err)
	}
}
