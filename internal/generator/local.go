// ABOUTME: In-process echo generator for development and end-to-end testing.
// ABOUTME: Streams a progress chunk per argument, then a result echoing the invocation.

package generator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/atlasai/atlas-gateway/internal/catalog"
	"github.com/atlasai/atlas-gateway/internal/run"
)

// Local is a deterministic generator that echoes the invocation back as a
// stream. It honors cancellation between chunks, which makes it usable for
// exercising the full run pipeline without an external provider.
type Local struct {
	// ChunkDelay is the pause between chunks. Zero streams immediately.
	ChunkDelay time.Duration
	logger     *slog.Logger
}

// NewLocal creates a Local generator. Pass nil logger for default.
func NewLocal(chunkDelay time.Duration, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		ChunkDelay: chunkDelay,
		logger:     logger.With("component", "local-generator"),
	}
}

// Invoke streams one output chunk per argument (in key order) followed by a
// result chunk echoing the full invocation.
func (l *Local) Invoke(ctx context.Context, ref catalog.Ref, args map[string]any) (<-chan run.Chunk, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ch := make(chan run.Chunk, len(keys)+1)
	go func() {
		defer close(ch)
		for _, k := range keys {
			if !l.pause(ctx, ch) {
				return
			}
			payload, err := json.Marshal(map[string]any{"argument": k, "value": args[k]})
			if err != nil {
				ch <- run.Chunk{Done: true, Err: err}
				return
			}
			ch <- run.Chunk{Output: payload}
		}

		if !l.pause(ctx, ch) {
			return
		}
		result, err := json.Marshal(map[string]any{
			"ref":       ref.String(),
			"arguments": args,
			"echoed":    true,
		})
		if err != nil {
			ch <- run.Chunk{Done: true, Err: err}
			return
		}
		ch <- run.Chunk{Done: true, Result: result}
	}()

	return ch, nil
}

// pause waits ChunkDelay, ending the stream early on cancellation.
// Returns false if the stream was terminated.
func (l *Local) pause(ctx context.Context, ch chan<- run.Chunk) bool {
	if l.ChunkDelay <= 0 {
		select {
		case <-ctx.Done():
			ch <- run.Chunk{Done: true, Err: ctx.Err()}
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(l.ChunkDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		ch <- run.Chunk{Done: true, Err: ctx.Err()}
		return false
	}
}
