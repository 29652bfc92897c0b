// ABOUTME: Tests for TOML catalog seed file loading and publication.
// ABOUTME: Covers well-formed seeds, invalid schemas, and duplicate refs.

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeed = `
[[tools]]
id = "start_development"
version = 1
name = "Start Development"
description = "Collects task context and starts implementation."
input_schema = '''
{
  "type": "object",
  "required": ["taskId"],
  "properties": {
    "taskId": {"type": "integer", "minimum": 1}
  }
}
'''

[[tools]]
id = "sync_tasks"
version = 1
name = "Sync Task Board"

[[resources]]
id = "project-documents"
version = 1
name = "Project Documents"
description = "All project documents."

[[prompts]]
id = "risk_review"
version = 1
name = "Risk Review"
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSeedFile(t *testing.T) {
	entries, err := LoadSeedFile(writeSeed(t, sampleSeed))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	kinds := map[Kind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	assert.Equal(t, 2, kinds[KindTool])
	assert.Equal(t, 1, kinds[KindResource])
	assert.Equal(t, 1, kinds[KindPrompt])
}

func TestPublishSeedFile(t *testing.T) {
	r := NewRegistry(nil)

	n, err := r.PublishSeedFile(writeSeed(t, sampleSeed))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	snap := r.Snapshot()
	e, err := snap.Get(Ref{ID: "start_development", Version: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, e.ValidateArgs(map[string]any{}), ErrSchemaViolation)
}

func TestLoadSeedFile_InvalidSchemaJSON(t *testing.T) {
	_, err := LoadSeedFile(writeSeed(t, `
[[tools]]
id = "broken"
version = 1
name = "Broken"
input_schema = "{not json"
`))
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestPublishSeedFile_DuplicateRef(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.PublishSeedFile(writeSeed(t, `
[[tools]]
id = "dup"
version = 1
name = "One"

[[tools]]
id = "dup"
version = 1
name = "Two"
`))
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestLoadSeedFile_Missing(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
