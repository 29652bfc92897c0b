// ABOUTME: Catalog entry type with JSON Schema argument validation.
// ABOUTME: Schemas are compiled at publish time via kin-openapi.

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// ErrSchemaViolation indicates run arguments do not satisfy the entry's input schema.
var ErrSchemaViolation = errors.New("arguments do not satisfy entry schema")

// ErrInvalidEntry indicates an entry that cannot be published.
var ErrInvalidEntry = errors.New("invalid catalog entry")

// Entry is a published, versioned, invokable definition.
// Immutable after publication.
type Entry struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Version     int             `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	schema *openapi3.Schema
}

// Ref returns the entry's stable reference.
func (e *Entry) Ref() Ref {
	return Ref{ID: e.ID, Version: e.Version}
}

// compile validates entry fields and parses the input schema descriptor.
// An entry without a schema accepts any object.
func (e *Entry) compile() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidEntry)
	}
	if e.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidEntry)
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}

	if len(e.InputSchema) == 0 {
		e.schema = openapi3.NewObjectSchema()
		return nil
	}

	var s openapi3.Schema
	if err := json.Unmarshal(e.InputSchema, &s); err != nil {
		return fmt.Errorf("%w: parsing input schema: %v", ErrInvalidEntry, err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return fmt.Errorf("%w: input schema: %v", ErrInvalidEntry, err)
	}

	e.schema = &s
	return nil
}

// ValidateArgs checks run arguments against the entry's input schema.
// Returns an error wrapping ErrSchemaViolation on failure.
func (e *Entry) ValidateArgs(args map[string]any) error {
	if e.schema == nil {
		if err := e.compile(); err != nil {
			return err
		}
	}

	if args == nil {
		args = map[string]any{}
	}

	// Round-trip through JSON so Go-native values (ints, typed slices)
	// normalize to the shapes the schema visitor expects.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	if err := e.schema.VisitJSON(normalized); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
