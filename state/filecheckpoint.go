package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/researchaccelerator-hub/parcel-harvester/common"
	"github.com/rs/zerolog/log"
)

// FileCheckpointStore keeps the checkpoint as a plain-text integer on disk
// and the failure counts as a JSON object in a sibling file.
type FileCheckpointStore struct {
	path         string
	failuresPath string
}

// NewFileCheckpointStore creates a store backed by path. Failure counts go to
// FailuresPath(path).
func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path, failuresPath: FailuresPath(path)}
}

// FailuresPath returns the failure count file kept next to a checkpoint:
// checkpoint.txt -> checkpoint_failures.json.
func FailuresPath(checkpointPath string) string {
	base := strings.TrimSuffix(checkpointPath, filepath.Ext(checkpointPath))
	return base + "_failures.json"
}

// Load reads the checkpoint. A missing or blank file means no checkpoint.
func (s *FileCheckpointStore) Load(ctx context.Context) (int, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint %s: %w", s.path, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, false, nil
	}
	chunk, err := strconv.Atoi(text)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint %s is not an integer: %q", s.path, text)
	}
	return chunk, true, nil
}

// Save replaces the checkpoint file atomically.
func (s *FileCheckpointStore) Save(ctx context.Context, chunk int) error {
	if err := common.WriteFileAtomic(s.path, []byte(strconv.Itoa(chunk))); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", s.path, err)
	}
	log.Debug().Str("path", s.path).Int("chunk", chunk).Msg("Checkpoint saved")
	return nil
}

// LoadFailures implements CheckpointStore
func (s *FileCheckpointStore) LoadFailures(ctx context.Context) (map[int64]int, error) {
	data, err := os.ReadFile(s.failuresPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[int64]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read failure counts %s: %w", s.failuresPath, err)
	}
	return decodeFailureCounts(data)
}

// SaveFailures implements CheckpointStore
func (s *FileCheckpointStore) SaveFailures(ctx context.Context, counts map[int64]int) error {
	data, err := json.Marshal(failureDocument{Counts: counts, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode failure counts: %w", err)
	}
	if err := common.WriteFileAtomic(s.failuresPath, data); err != nil {
		return fmt.Errorf("failed to write failure counts %s: %w", s.failuresPath, err)
	}
	log.Debug().Str("path", s.failuresPath).Int("entries", len(counts)).Msg("Failure counts saved")
	return nil
}

// Close implements CheckpointStore
func (s *FileCheckpointStore) Close() error {
	return nil
}
