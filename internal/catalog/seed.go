// ABOUTME: TOML seed file loading for administrative catalog registration.
// ABOUTME: Seed files declare tools, resources, and prompts published at startup.

package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// seedFile is the on-disk TOML layout.
type seedFile struct {
	Tools     []seedEntry `toml:"tools"`
	Resources []seedEntry `toml:"resources"`
	Prompts   []seedEntry `toml:"prompts"`
}

type seedEntry struct {
	ID          string `toml:"id"`
	Version     int    `toml:"version"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	InputSchema string `toml:"input_schema"`
}

// LoadSeedFile parses a TOML seed file into catalog entries.
// Entries are not published; callers pass them to Registry.Publish.
func LoadSeedFile(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var f seedFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	var entries []*Entry
	for _, group := range []struct {
		kind  Kind
		items []seedEntry
	}{
		{KindTool, f.Tools},
		{KindResource, f.Resources},
		{KindPrompt, f.Prompts},
	} {
		for _, item := range group.items {
			e := &Entry{
				ID:          item.ID,
				Kind:        group.kind,
				Version:     item.Version,
				Name:        item.Name,
				Description: item.Description,
			}
			if item.InputSchema != "" {
				if !json.Valid([]byte(item.InputSchema)) {
					return nil, fmt.Errorf("%w: %s@%d: input_schema is not valid JSON",
						ErrInvalidEntry, item.ID, item.Version)
				}
				e.InputSchema = json.RawMessage(item.InputSchema)
			}
			entries = append(entries, e)
		}
	}

	return entries, nil
}

// PublishSeedFile loads a seed file and publishes every entry.
// Fails on the first invalid or duplicate entry.
func (r *Registry) PublishSeedFile(path string) (int, error) {
	entries, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := r.Publish(e); err != nil {
			return i, fmt.Errorf("publishing %s: %w", e.Ref(), err)
		}
	}
	return len(entries), nil
}
