package checkpoint

// ============================================================================
// Responsibilities:
// 1. Serialise the whole experiment queue to one JSON checkpoint file
// 2. Write atomically (temp file + rename) so a kill never leaves half a file
// 3. Validate the schema version on load
// 4. Optionally keep a few timestamped backups of previous checkpoints
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/expctl/pkg/types"
)

// SchemaVersion is the checkpoint layout written by this build.
const SchemaVersion = 1

var (
	ErrNotFound            = errors.New("checkpoint file not found")
	ErrCorrupted           = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
)

// File is the on-disk layout.
type File struct {
	SchemaVer   int                 `json:"schema_version"`
	SavedAt     int64               `json:"saved_at"` // Unix milliseconds
	Experiments []*types.Experiment `json:"experiments"`
}

// Store reads and writes one checkpoint file.
type Store struct {
	path        string
	keepBackups int
	mu          sync.Mutex
	now         func() time.Time
}

// NewStore returns a store for path. keepBackups > 0 keeps that many
// timestamped copies of previous checkpoints next to it.
func NewStore(path string, keepBackups int) *Store {
	return &Store{
		path:        path,
		keepBackups: keepBackups,
		now:         time.Now,
	}
}

// Save writes the queue atomically
//
// Write sequence:
// 1. Copy the current checkpoint aside (only when keepBackups > 0)
// 2. Write the encoded queue to <path>.tmp and fsync it
// 3. os.Rename the temp file over the checkpoint
//
// Parameters:
//   - q: the queue to persist; nil Experiments are written as []
//
// Returns:
//   - error: the previous checkpoint is intact whenever an error is returned
func (s *Store) Save(q *types.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	experiments := q.Experiments
	if experiments == nil {
		experiments = []*types.Experiment{}
	}
	data, err := json.MarshalIndent(File{
		SchemaVer:   SchemaVersion,
		SavedAt:     s.now().UnixMilli(),
		Experiments: experiments,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
	}

	if s.keepBackups > 0 {
		if err := s.backupLocked(); err != nil {
			return err
		}
	}

	tmpPath := s.path + ".tmp"
	if err := writeSynced(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint
//
// Behaviour:
//   - A missing file returns ErrNotFound (nothing launched yet)
//   - A schema version other than the current one returns ErrIncompatibleVersion
//   - Undecodable JSON, null entries or an experiment breaking its
//     invariants return ErrCorrupted
//   - Null options and job lists are normalised to empty collections
//
// Returns:
//   - *types.Queue: the restored queue, head first
//   - error: one of the sentinel errors above, wrapped
func (s *Store) Load() (*types.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if f.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, f.SchemaVer, SchemaVersion)
	}

	for _, e := range f.Experiments {
		if e == nil {
			return nil, fmt.Errorf("%w: null experiment entry", ErrCorrupted)
		}
	}
	q := &types.Queue{Experiments: f.Experiments}
	q.Normalize()
	for _, e := range q.Experiments {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	}
	return q, nil
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the checkpoint location.
func (s *Store) Path() string {
	return s.path
}

// backupLocked copies the current checkpoint aside and prunes old copies.
func (s *Store) backupLocked() error {
	current, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%s", s.path, s.now().Format("20060102_150405.000"))
	if err := os.WriteFile(backupPath, current, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint backup: %w", err)
	}

	backups, err := filepath.Glob(s.path + ".2*")
	if err != nil {
		return nil
	}
	sort.Strings(backups)
	for len(backups) > s.keepBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
