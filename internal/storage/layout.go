package storage

import (
	"fmt"
	"path/filepath"
	"time"
)

// timestampFormat matches the original capture file naming scheme.
const timestampFormat = "20060102_150405"

// Store lays captures out on disk: image files plus one JSON record per
// session under BaseDir, optionally partitioned by date.
type Store struct {
	fs FileSystem

	// BaseDir is the capture root directory.
	BaseDir string

	// PartitionByDate nests captures under a YYYY-MM-DD directory.
	PartitionByDate bool

	// now is swapped in tests for deterministic file names.
	now func() time.Time
}

// NewStore creates a Store over the given filesystem.
func NewStore(fs FileSystem, baseDir string, partitionByDate bool) *Store {
	return &Store{
		fs:              fs,
		BaseDir:         baseDir,
		PartitionByDate: partitionByDate,
		now:             time.Now,
	}
}

// SessionDir returns the directory for captures taken at the given time,
// creating it if necessary.
func (s *Store) SessionDir(at time.Time) (string, error) {
	dir := s.BaseDir
	if s.PartitionByDate {
		dir = filepath.Join(dir, at.Format("2006-01-02"))
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create capture dir %s: %w", dir, err)
	}
	return dir, nil
}

// ImagePath returns the destination path for a capture image, following
// the layer_%04d_pos_%02d_<timestamp>.jpg naming scheme.
func (s *Store) ImagePath(at time.Time, layer, positionIndex int) (string, error) {
	dir, err := s.SessionDir(at)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("layer_%04d_pos_%02d_%s.jpg", layer, positionIndex, s.now().Format(timestampFormat))
	return filepath.Join(dir, sanitizeComponent(name)), nil
}

// RecordPath returns the destination path for a session's JSON record.
func (s *Store) RecordPath(at time.Time, layer int) (string, error) {
	dir, err := s.SessionDir(at)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("layer_%04d_metadata_%s.json", layer, s.now().Format(timestampFormat))
	return filepath.Join(dir, sanitizeComponent(name)), nil
}

// WriteRecord persists a marshalled session record atomically.
func (s *Store) WriteRecord(path string, data []byte) error {
	return writeFileAtomic(s.fs, path, data)
}

// WriteImage persists image bytes atomically.
func (s *Store) WriteImage(path string, data []byte) error {
	return writeFileAtomic(s.fs, path, data)
}

// ReadRecord reads a persisted session record. Test and API helper.
func (s *Store) ReadRecord(path string) ([]byte, error) {
	return s.fs.ReadFile(path)
}
