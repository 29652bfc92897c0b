// ABOUTME: Run orchestrator: validates submissions, schedules execution on a bounded slot pool,
// ABOUTME: translates generator output into ordered events, and drives cooperative cancellation.

package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/atlasai/atlas-gateway/internal/catalog"
	"github.com/atlasai/atlas-gateway/internal/event"
	"github.com/atlasai/atlas-gateway/internal/store"
)

// SnapshotSource resolves a session to its pinned catalog snapshot. A run
// only sees the catalog as it was when its session was created.
type SnapshotSource interface {
	SessionSnapshot(sessionID string) (*catalog.Snapshot, error)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrent bounds how many runs execute simultaneously.
	MaxConcurrent int64
	// MaxQueueDepth bounds how many runs may wait for a slot. Submissions
	// beyond it fail with ErrQueueFull instead of queueing indefinitely.
	MaxQueueDepth int
	// CancelGrace is how long a canceling run may keep executing before it
	// is force-marked canceled.
	CancelGrace time.Duration
	// Retry governs transient generator failures. Nil means defaults.
	Retry *RetryPolicy
}

// Orchestrator owns the run registry and the execution pipeline
// (validate, acquire slot, invoke, emit, finalize).
type Orchestrator struct {
	snapshots   SnapshotSource
	generator   Generator
	broadcaster *event.Broadcaster
	audit       store.AuditLog
	logger      *slog.Logger

	slots       *semaphore.Weighted
	retry       *RetryPolicy
	queueDepth  int
	cancelGrace time.Duration

	mu      sync.RWMutex
	runs    map[string]*Run
	cancels map[string]context.CancelFunc
	queued  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. The audit log may be nil.
func NewOrchestrator(snapshots SnapshotSource, gen Generator, b *event.Broadcaster, audit store.AuditLog, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		snapshots:   snapshots,
		generator:   gen,
		broadcaster: b,
		audit:       audit,
		logger:      logger.With("component", "orchestrator"),
		slots:       semaphore.NewWeighted(opts.MaxConcurrent),
		retry:       opts.Retry,
		queueDepth:  opts.MaxQueueDepth,
		cancelGrace: opts.CancelGrace,
		runs:        make(map[string]*Run),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start initializes the execution context. Must be called before Submit.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels all in-flight runs and waits for their goroutines to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit validates a run request against the session's catalog snapshot and
// schedules it for execution. The returned run is in queued state. Excess
// submissions beyond the queue depth fail with ErrQueueFull and create no run.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, ref catalog.Ref, args map[string]any) (*Run, error) {
	snap, err := o.snapshots.SessionSnapshot(sessionID)
	if err != nil {
		return nil, err
	}

	entry, err := snap.Get(ref)
	if err != nil {
		return nil, err
	}

	if err := entry.ValidateArgs(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}

	o.mu.Lock()
	if o.queued >= o.queueDepth {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %d runs waiting", ErrQueueFull, o.queueDepth)
	}
	r := newRun(sessionID, ref, args)
	runCtx, cancel := context.WithCancel(o.ctx)
	o.runs[r.ID] = r
	o.cancels[r.ID] = cancel
	o.queued++
	o.mu.Unlock()

	o.broadcaster.Register(r.ID)

	// A session close may have completed between the snapshot check above
	// and the run becoming visible in the registry, in which case the close
	// cascade could not have seen it. Re-check now that the run is
	// registered: either this check observes the close and rolls back, or
	// the cascade observes the run and cancels it.
	if _, err := o.snapshots.SessionSnapshot(sessionID); err != nil {
		o.mu.Lock()
		delete(o.runs, r.ID)
		delete(o.cancels, r.ID)
		o.queued--
		o.mu.Unlock()
		cancel()
		o.broadcaster.Remove(r.ID)
		return nil, err
	}

	o.recordAudit(ctx, store.AuditSubmitRun, r.ID, map[string]any{
		"session_id": sessionID,
		"ref":        ref.String(),
	})
	o.logger.Info("run submitted", "run_id", r.ID, "session_id", sessionID, "ref", ref.String())

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, r)
	}()

	return r, nil
}

// Get returns the run by ID.
func (o *Orchestrator) Get(runID string) (*Run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// List returns the session's runs ordered by creation time.
func (o *Orchestrator) List(sessionID string) []*Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*Run
	for _, r := range o.runs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel requests cooperative cancellation. The run moves to canceling
// immediately; if the generator does not observe the signal within the grace
// period, the run is force-marked canceled.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.RLock()
	r, ok := o.runs[runID]
	cancel := o.cancels[runID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err := r.transition(StateCanceling); err != nil {
		if errors.Is(err, ErrInvalidTransition) && r.State() == StateCanceling {
			return nil // cancel already in progress
		}
		return err
	}
	o.recordAudit(context.Background(), store.AuditCancelRun, r.ID, nil)
	o.logger.Info("run canceling", "run_id", r.ID)

	if cancel != nil {
		cancel()
	}

	if o.cancelGrace > 0 {
		time.AfterFunc(o.cancelGrace, func() {
			detail := &ErrorDetail{Kind: ErrorKindCanceled, Message: "cancellation grace period elapsed"}
			if o.finish(r, StateCanceled, nil, detail) {
				o.publishTerminal(r, event.KindError, mustJSON(detail))
				o.logger.Warn("run force-canceled after grace period", "run_id", r.ID)
			}
		})
	}
	return nil
}

// CancelAllForSession cancels every non-terminal run owned by the session.
// Used by session close; already-terminal runs are left as they finished.
func (o *Orchestrator) CancelAllForSession(sessionID string) {
	for _, r := range o.List(sessionID) {
		if r.State().Terminal() {
			continue
		}
		if err := o.Cancel(r.ID); err != nil {
			o.logger.Debug("cancel on session close skipped", "run_id", r.ID, "error", err)
		}
	}
}

// execute drives one run through its pipeline. It is the single writer of
// the run's event stream.
func (o *Orchestrator) execute(ctx context.Context, r *Run) {
	// Queued runs wait here; semaphore acquisition is FIFO so admission
	// preserves submission order.
	if err := o.slots.Acquire(ctx, 1); err != nil {
		o.dequeued()
		o.cancelBeforeStart(r)
		return
	}
	defer o.slots.Release(1)
	o.dequeued()

	if err := r.transition(StateRunning); err != nil {
		// Cancel won the race while we held the slot.
		o.cancelBeforeStart(r)
		return
	}
	o.logger.Debug("run started", "run_id", r.ID)

	var result json.RawMessage
	invokeErr := o.retry.Execute(ctx, func() error {
		out, err := o.invokeOnce(ctx, r)
		if err != nil {
			return err
		}
		result = out
		return nil
	})

	// Finalize before sealing the stream so a grace-period force-cancel
	// and a natural finish cannot disagree about the terminal event.
	switch {
	case invokeErr == nil:
		if o.finish(r, StateCompleted, result, nil) {
			o.publishTerminal(r, event.KindResult, result)
		}
	case ctx.Err() != nil:
		detail := &ErrorDetail{Kind: ErrorKindCanceled, Message: ErrCanceled.Error()}
		if o.finish(r, StateCanceled, nil, detail) {
			o.publishTerminal(r, event.KindError, mustJSON(detail))
		}
	default:
		detail := normalizeError(invokeErr)
		if o.finish(r, StateFailed, nil, detail) {
			o.publishTerminal(r, event.KindError, mustJSON(detail))
		}
	}

	// A generator that ignores cancellation can return success while the run
	// is canceling; the cancel still wins and the run must reach a terminal.
	if r.State() == StateCanceling {
		detail := &ErrorDetail{Kind: ErrorKindCanceled, Message: ErrCanceled.Error()}
		if o.finish(r, StateCanceled, nil, detail) {
			o.publishTerminal(r, event.KindError, mustJSON(detail))
		}
	}
}

// invokeOnce runs a single generator attempt, forwarding output chunks as
// ordered events. Returns the terminal result payload or the attempt's error.
func (o *Orchestrator) invokeOnce(ctx context.Context, r *Run) (json.RawMessage, error) {
	chunks, err := o.generator.Invoke(ctx, r.Ref, r.Args)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return nil, fmt.Errorf("generator stream ended without terminal chunk")
			}
			if c.Done {
				if c.Err != nil {
					return nil, c.Err
				}
				return c.Result, nil
			}
			r.markStreaming()
			if _, err := o.broadcaster.Publish(r.ID, event.KindOutput, c.Output); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// cancelBeforeStart finalizes a run canceled before the generator was invoked.
func (o *Orchestrator) cancelBeforeStart(r *Run) {
	detail := &ErrorDetail{Kind: ErrorKindCanceled, Message: fmt.Sprintf("%s before start", ErrCanceled)}
	if o.finish(r, StateCanceled, nil, detail) {
		o.publishTerminal(r, event.KindError, mustJSON(detail))
	}
}

// finish finalizes the run exactly once and records the outcome. Returns
// true if this call performed the transition.
func (o *Orchestrator) finish(r *Run, to State, result json.RawMessage, detail *ErrorDetail) bool {
	if !r.finalize(to, result, detail) {
		return false
	}

	auditDetail := map[string]any{"state": string(to)}
	if detail != nil {
		auditDetail["error_kind"] = detail.Kind
	}
	o.recordAudit(context.Background(), store.AuditFinishRun, r.ID, auditDetail)
	o.logger.Info("run finished", "run_id", r.ID, "state", to)
	return true
}

// publishTerminal seals the run's event stream. A sealed stream means the
// grace-period force-cancel already emitted the terminal event.
func (o *Orchestrator) publishTerminal(r *Run, kind event.Kind, payload json.RawMessage) {
	if _, err := o.broadcaster.Publish(r.ID, kind, payload); err != nil {
		o.logger.Debug("terminal event not published", "run_id", r.ID, "error", err)
	}
}

// dequeued decrements the queued counter when a run leaves the wait state.
func (o *Orchestrator) dequeued() {
	o.mu.Lock()
	o.queued--
	o.mu.Unlock()
}

func (o *Orchestrator) recordAudit(ctx context.Context, action store.AuditAction, runID string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		Action:     action,
		TargetType: "run",
		TargetID:   runID,
		Detail:     detail,
	}
	if err := o.audit.Append(ctx, entry); err != nil {
		o.logger.Warn("audit append failed", "action", action, "run_id", runID, "error", err)
	}
}

// normalizeError maps a generator failure to a normalized error detail.
// Raw provider error text is carried in the message, never in the kind.
func normalizeError(err error) *ErrorDetail {
	kind := ErrorKindUpstream
	if isTimeout(err) {
		kind = ErrorKindTimeout
	}
	return &ErrorDetail{Kind: kind, Message: fmt.Sprintf("%s: %v", ErrUpstream, err)}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(interface{ Timeout() bool }); ok && e.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
