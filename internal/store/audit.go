// ABOUTME: Audit log entity and the AuditLog interface for recording lifecycle actions
// ABOUTME: Records who did what to which resource for compliance and debugging

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditOpenConnection   AuditAction = "open_connection"
	AuditRevokeConnection AuditAction = "revoke_connection"
	AuditCreateSession    AuditAction = "create_session"
	AuditCloseSession     AuditAction = "close_session"
	AuditSubmitRun        AuditAction = "submit_run"
	AuditCancelRun        AuditAction = "cancel_run"
	AuditFinishRun        AuditAction = "finish_run"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditOpenConnection,
	AuditRevokeConnection,
	AuditCreateSession,
	AuditCloseSession,
	AuditSubmitRun,
	AuditCancelRun,
	AuditFinishRun,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4, generated on append if empty
	Action     AuditAction    // what happened
	TargetType string         // "connection", "session", "run"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened, set on append if zero
	Detail     map[string]any // additional context (e.g. close reason)
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries after this time
	Until      *time.Time   // entries before this time
	Action     *AuditAction // filter by action type
	TargetType *string      // filter by target type
	TargetID   *string      // filter by target ID
	Limit      int          // max results (default 100, max 1000)
}

// AuditLog is the persistence contract the lifecycle managers write to.
type AuditLog interface {
	Append(ctx context.Context, e *AuditEntry) error
}

// stamp fills in generated fields.
func stamp(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// MemoryAuditLog is an in-memory AuditLog for tests and ephemeral deployments.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (m *MemoryAuditLog) Append(_ context.Context, e *AuditEntry) error {
	stamp(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

// Entries returns a copy of everything recorded, in append order.
func (m *MemoryAuditLog) Entries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByAction returns recorded entries matching the action, in append order.
func (m *MemoryAuditLog) ByAction(action AuditAction) []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
