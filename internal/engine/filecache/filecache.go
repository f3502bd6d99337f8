// Package filecache persists the last applied playback state as a small
// JSON file, so a peer can seed its player across restarts and forced
// reloads.
package filecache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/couchsync/server/internal/domain"
)

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (domain.CachedState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.CachedState{}, false, nil
		}
		return domain.CachedState{}, false, fmt.Errorf("failed to read cached state: %w", err)
	}

	var cached domain.CachedState
	if err := json.Unmarshal(data, &cached); err != nil {
		// A torn or stale file is treated as no cache at all.
		return domain.CachedState{}, false, nil
	}
	if cached.Video == "" {
		return domain.CachedState{}, false, nil
	}

	return cached, true, nil
}

func (s *Store) Save(cached domain.CachedState) error {
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal cached state: %w", err)
	}

	// Atomic replace: a crash mid-save must never leave a torn file.
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cached state: %w", err)
	}

	return nil
}
