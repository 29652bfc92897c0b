// ABOUTME: Generator contract for the external capability a run invokes.
// ABOUTME: Implementations stream incremental output chunks ending with exactly one terminal chunk.

package run

import (
	"context"
	"encoding/json"

	"github.com/atlasai/atlas-gateway/internal/catalog"
)

// Chunk is one increment of generator output. A stream consists of zero or
// more output chunks followed by exactly one terminal chunk carrying either
// Result or Err, after which the channel is closed.
type Chunk struct {
	// Output is a piece of partial output. Nil on the terminal chunk.
	Output json.RawMessage

	// Done marks the terminal chunk.
	Done bool

	// Result is the final payload on successful completion. Only set when
	// Done is true and Err is nil.
	Result json.RawMessage

	// Err reports the failure ending the stream. Only set when Done is true.
	Err error
}

// Generator invokes a catalog capability with validated arguments. The
// returned channel delivers the output stream; implementations must honor
// ctx cancellation by ending the stream with a terminal chunk whose Err
// wraps ctx.Err(). A synchronous error means the invocation never started.
type Generator interface {
	Invoke(ctx context.Context, ref catalog.Ref, args map[string]any) (<-chan Chunk, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, ref catalog.Ref, args map[string]any) (<-chan Chunk, error)

func (f GeneratorFunc) Invoke(ctx context.Context, ref catalog.Ref, args map[string]any) (<-chan Chunk, error) {
	return f(ctx, ref, args)
}
