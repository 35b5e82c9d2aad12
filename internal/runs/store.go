package runs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"toeic-pipeline/internal/domain"
)

// Snapshot is the durable run state: the current (or last) run marker and
// the last-completed summary shown by the UI.
type Snapshot struct {
	Current       domain.PipelineRun       `json:"current"`
	LastCompleted domain.CompletedSnapshot `json:"last_completed"`
}

// Store defines persistence operations for run state.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// JSONStore persists run state in a single JSON file on disk.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSON-backed run state store.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Load reads run state from disk or returns an idle snapshot when missing.
func (s *JSONStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{Current: domain.PipelineRun{Status: domain.RunStatusIdle}}, nil
		}

		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.Current.Status == "" {
		snap.Current.Status = domain.RunStatusIdle
	}

	return snap, nil
}

// Save writes run state as indented JSON and creates parent directories.
func (s *JSONStore) Save(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}
