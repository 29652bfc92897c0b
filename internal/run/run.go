// ABOUTME: Run entity and its state machine.
// ABOUTME: Transitions are monotonic; terminal states are immutable and set result/error exactly once.

package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasai/atlas-gateway/internal/catalog"
)

// Sentinel errors for run operations.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrAlreadyTerminal   = errors.New("run already terminal")
	ErrQueueFull         = errors.New("run queue full")
	ErrInvalidArgs       = errors.New("invalid run arguments")
	ErrUpstream          = errors.New("upstream generator failure")
	ErrCanceled          = errors.New("run canceled")
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// State identifies where a run is in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCanceling State = "canceling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[State][]State{
	StateQueued:    {StateRunning, StateCanceling},
	StateRunning:   {StateCompleted, StateFailed, StateCanceled, StateCanceling},
	StateCanceling: {StateCanceled},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Normalized error kinds carried by error events and terminal error detail.
// Raw provider error shapes never leave the orchestrator.
const (
	ErrorKindUpstream = "upstream_error"
	ErrorKindCanceled = "canceled"
	ErrorKindTimeout  = "timeout"
)

// ErrorDetail describes why a run failed or was canceled.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Run is one invocation of a catalog entry within a session.
type Run struct {
	ID        string
	SessionID string
	Ref       catalog.Ref
	Args      map[string]any
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	streaming  bool
	terminalAt time.Time
	result     json.RawMessage
	errDetail  *ErrorDetail
}

func newRun(sessionID string, ref catalog.Ref, args map[string]any) *Run {
	return &Run{
		ID:        fmt.Sprintf("run_%s", uuid.NewString()),
		SessionID: sessionID,
		Ref:       ref,
		Args:      args,
		CreatedAt: time.Now().UTC(),
		state:     StateQueued,
	}
}

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Streaming reports whether partial output is flowing. Only meaningful
// while the run is in running.
func (r *Run) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaming
}

// transition moves the run to a non-terminal state, rejecting invalid edges.
func (r *Run) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, r.state)
	}
	if !canTransition(r.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, to)
	}
	r.state = to
	return nil
}

// markStreaming flags that partial output has started.
func (r *Run) markStreaming() {
	r.mu.Lock()
	if r.state == StateRunning {
		r.streaming = true
	}
	r.mu.Unlock()
}

// finalize moves the run to a terminal state, recording result or error
// detail exactly once. Returns false if the run was already terminal.
func (r *Run) finalize(to State, result json.RawMessage, detail *ErrorDetail) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	if !canTransition(r.state, to) {
		return false
	}
	r.state = to
	r.streaming = false
	r.terminalAt = time.Now().UTC()
	r.result = result
	r.errDetail = detail
	return true
}

// View is an immutable snapshot of a run for API responses.
type View struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Ref        string          `json:"ref"`
	State      State           `json:"state"`
	Streaming  bool            `json:"streaming,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	TerminalAt *time.Time      `json:"terminal_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
}

// View returns a point-in-time copy safe to serialize.
func (r *Run) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := View{
		ID:        r.ID,
		SessionID: r.SessionID,
		Ref:       r.Ref.String(),
		State:     r.state,
		Streaming: r.streaming,
		CreatedAt: r.CreatedAt,
		Result:    r.result,
		Error:     r.errDetail,
	}
	if !r.terminalAt.IsZero() {
		t := r.terminalAt
		v.TerminalAt = &t
	}
	return v
}
