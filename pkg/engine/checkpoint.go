package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// CheckpointStore persists one JSON checkpoint file per operation id so an
// interrupted run can be resumed without repeating completed work. Files are
// written atomically: a temp file in the same directory, then a rename.
type CheckpointStore struct {
	dir    string
	logger zerolog.Logger
}

// NewCheckpointStore creates a checkpoint store rooted at dir, creating the
// directory if needed.
func NewCheckpointStore(dir string, logger zerolog.Logger) (*CheckpointStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &CheckpointStore{
		dir:    dir,
		logger: logger.With().Str("component", "checkpoints").Logger(),
	}, nil
}

func (s *CheckpointStore) path(operationID string) string {
	// Operation ids come from documents; keep the filename flat.
	name := strings.ReplaceAll(operationID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, name+".json")
}

// Save writes the checkpoint for its operation, replacing any previous one.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	if cp.OperationID == "" {
		return fmt.Errorf("checkpoint has no operation id")
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	target := s.path(cp.OperationID)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.logger.Debug().
		Str("operation", cp.OperationID).
		Str("status", string(cp.Status)).
		Msg("checkpoint saved")
	return nil
}

// Load returns the checkpoint for an operation, or nil if none exists.
func (s *CheckpointStore) Load(operationID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(operationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint for %s: %w", operationID, err)
	}
	return &cp, nil
}

// Decide maps a checkpoint to a resume decision. Only a completed checkpoint
// skips; failed, skipped, or missing checkpoints retry. Force retries
// regardless of the recorded status.
func (s *CheckpointStore) Decide(operationID string, force bool) (ResumeDecision, *Checkpoint, error) {
	cp, err := s.Load(operationID)
	if err != nil {
		return ResumeRetry, nil, err
	}
	if cp == nil || force {
		return ResumeRetry, cp, nil
	}
	if cp.Status == StatusCompleted {
		return ResumeSkip, cp, nil
	}
	return ResumeRetry, cp, nil
}

// Clear removes the checkpoint for an operation. Missing files are not an
// error.
func (s *CheckpointStore) Clear(operationID string) error {
	err := os.Remove(s.path(operationID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

// List returns every stored checkpoint.
func (s *CheckpointStore) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	checkpoints := []Checkpoint{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", entry.Name(), err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.logger.Warn().Str("file", entry.Name()).Msg("skipping unreadable checkpoint")
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}
