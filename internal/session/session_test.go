// ABOUTME: Tests for the session manager.
// ABOUTME: Covers snapshot pinning, close semantics, run cancellation cascade, and the idle sweep.

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasai/atlas-gateway/internal/catalog"
	"github.com/atlasai/atlas-gateway/internal/store"
)

type stubGate struct {
	mu     sync.Mutex
	active map[string]bool
}

func (g *stubGate) IsActive(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[id]
}

func (g *stubGate) set(id string, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[id] = active
}

type recordingCanceler struct {
	mu       sync.Mutex
	canceled []string
}

func (r *recordingCanceler) CancelAllForSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, sessionID)
}

func (r *recordingCanceler) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.canceled...)
}

func testRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	r := catalog.NewRegistry(nil)
	require.NoError(t, r.Publish(&catalog.Entry{
		ID:          "sync_tasks",
		Kind:        catalog.KindTool,
		Version:     1,
		Name:        "Sync Task Board",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}))
	return r
}

type fixture struct {
	mgr      *Manager
	registry *catalog.Registry
	gate     *stubGate
	canceler *recordingCanceler
	audit    *store.MemoryAuditLog
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	registry := testRegistry(t)
	gate := &stubGate{active: map[string]bool{"conn_1": true}}
	canceler := &recordingCanceler{}
	audit := store.NewMemoryAuditLog()
	mgr := NewManager(registry, gate, audit, opts, nil)
	mgr.SetRunCanceler(canceler)
	return &fixture{mgr: mgr, registry: registry, gate: gate, canceler: canceler, audit: audit}
}

func TestManager_CreatePinsSnapshot(t *testing.T) {
	f := newFixture(t, Options{})

	s, err := f.mgr.Create(t.Context(), "conn_1", "project-42")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status())
	assert.Equal(t, "project-42", s.ProjectScope)
	assert.Equal(t, uint64(1), s.Snapshot().Version())

	// Entries published after creation stay invisible to the session.
	require.NoError(t, f.registry.Publish(&catalog.Entry{
		ID:      "review_code",
		Kind:    catalog.KindTool,
		Version: 1,
		Name:    "Review Code",
	}))
	_, err = s.Snapshot().Get(catalog.Ref{ID: "review_code", Version: 1})
	require.ErrorIs(t, err, catalog.ErrEntryNotFound)

	entries := f.audit.ByAction(store.AuditCreateSession)
	require.Len(t, entries, 1)
	assert.Equal(t, s.ID, entries[0].TargetID)
}

func TestManager_CreateInactiveConnection(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.mgr.Create(t.Context(), "conn_revoked", "")
	require.ErrorIs(t, err, ErrConnectionInactive)
}

func TestManager_CloseCancelsRunsFirst(t *testing.T) {
	f := newFixture(t, Options{})

	s, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Close(t.Context(), s.ID))
	assert.Equal(t, StatusClosed, s.Status())
	assert.Equal(t, []string{s.ID}, f.canceler.calls())

	entries := f.audit.ByAction(store.AuditCloseSession)
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonClosed, entries[0].Detail["reason"])
}

func TestManager_CloseIdempotent(t *testing.T) {
	f := newFixture(t, Options{})

	s, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Close(t.Context(), s.ID))
	require.NoError(t, f.mgr.Close(t.Context(), s.ID))

	assert.Len(t, f.canceler.calls(), 1)
	assert.Len(t, f.audit.ByAction(store.AuditCloseSession), 1)
}

func TestManager_CloseUnknown(t *testing.T) {
	f := newFixture(t, Options{})

	err := f.mgr.Close(t.Context(), "sess_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SessionSnapshot(t *testing.T) {
	f := newFixture(t, Options{})

	s, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)

	snap, err := f.mgr.SessionSnapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version())

	require.NoError(t, f.mgr.Close(t.Context(), s.ID))
	_, err = f.mgr.SessionSnapshot(s.ID)
	require.ErrorIs(t, err, ErrClosed)

	_, err = f.mgr.SessionSnapshot("sess_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Touch(t *testing.T) {
	f := newFixture(t, Options{})

	s, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)

	before := s.View().LastActivity
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.mgr.Touch(s.ID))
	assert.True(t, s.View().LastActivity.After(before))

	require.NoError(t, f.mgr.Close(t.Context(), s.ID))
	require.ErrorIs(t, f.mgr.Touch(s.ID), ErrClosed)
	require.ErrorIs(t, f.mgr.Touch("sess_missing"), ErrNotFound)
}

func TestManager_CloseAllForConnection(t *testing.T) {
	f := newFixture(t, Options{})
	f.gate.set("conn_2", true)

	s1, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)
	s2, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)
	other, err := f.mgr.Create(t.Context(), "conn_2", "")
	require.NoError(t, err)

	f.mgr.CloseAllForConnection("conn_1")
	assert.Equal(t, StatusClosed, s1.Status())
	assert.Equal(t, StatusClosed, s2.Status())
	assert.Equal(t, StatusActive, other.Status())

	entries := f.audit.ByAction(store.AuditCloseSession)
	require.Len(t, entries, 2)
	assert.Equal(t, ReasonRevoked, entries[0].Detail["reason"])
}

func TestManager_SweepExpiresIdleSessions(t *testing.T) {
	f := newFixture(t, Options{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	idle, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)
	busy, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	f.mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.mgr.Wait()
	})

	// Keep one session warm while the other idles out.
	require.Eventually(t, func() bool {
		_ = f.mgr.Touch(busy.ID)
		return idle.Status() == StatusExpired
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusActive, busy.Status())
	assert.Contains(t, f.canceler.calls(), idle.ID)

	entries := f.audit.ByAction(store.AuditCloseSession)
	require.NotEmpty(t, entries)
	assert.Equal(t, ReasonExpired, entries[0].Detail["reason"])
}

func TestManager_GetAndList(t *testing.T) {
	f := newFixture(t, Options{})

	s1, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)
	s2, err := f.mgr.Create(t.Context(), "conn_1", "")
	require.NoError(t, err)

	got, err := f.mgr.Get(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	_, err = f.mgr.Get("sess_missing")
	require.ErrorIs(t, err, ErrNotFound)

	listed := f.mgr.List()
	require.Len(t, listed, 2)
	ids := []string{listed[0].ID, listed[1].ID}
	assert.Contains(t, ids, s1.ID)
	assert.Contains(t, ids, s2.ID)
}
