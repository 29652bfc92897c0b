// ABOUTME: Event types for run progress streaming.
// ABOUTME: Events carry gapless per-run sequence numbers imposing a total order.

package event

import (
	"encoding/json"
	"time"
)

// Kind classifies an event within a run's stream.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindOutput    Kind = "output"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
)

// Terminal reports whether the kind ends a run's stream.
func (k Kind) Terminal() bool {
	return k == KindResult || k == KindError
}

// Event is one ordered unit of output belonging to a run.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
