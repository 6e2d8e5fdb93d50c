package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the orphan record file inside the execution directory.
const FileName = "server.state"

// OrphanRecord identifies a launched sidecar. CreationTime is the process
// start time in milliseconds since the Unix epoch; together with PID it
// survives PID reuse.
type OrphanRecord struct {
	PID          int   `json:"pid"`
	CreationTime int64 `json:"creation_time"`
}

// Store persists a single OrphanRecord.
type Store interface {
	// Read returns nil, nil when no record exists.
	Read() (*OrphanRecord, error)
	Write(rec OrphanRecord) error
	Delete() error
}

// FileStore keeps the record as JSON in <dir>/server.state.
type FileStore struct {
	path string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, FileName)}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Read() (*OrphanRecord, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec OrphanRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if rec.PID <= 0 {
		return nil, fmt.Errorf("parse %s: invalid pid %d", s.path, rec.PID)
	}
	return &rec, nil
}

// Write replaces the record atomically via a temp file and rename.
func (s *FileStore) Write(rec OrphanRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Delete removes the record. A missing file is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
