package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// snapshotVersion is bumped when the on-disk format changes.
const snapshotVersion = 1

// snapshot is the on-disk envelope around the record set.
type snapshot struct {
	Version int      `json:"version"`
	Nodes   []Record `json:"nodes"`
}

// FileStore persists node records as a JSON file. Writes go through a
// temporary file and rename so a crash never leaves a torn snapshot.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed node store at path, creating the
// parent directory with restricted permissions if needed.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted node set. A missing or unreadable snapshot
// degrades to an empty set; only the corrupt case is logged.
func (fs *FileStore) Load() ([]Record, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     fs.path,
			"error":    err.Error(),
		}).Warn("Discarding corrupt node snapshot")
		return nil, nil
	}
	if snap.Version != snapshotVersion {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     fs.path,
			"version":  snap.Version,
		}).Warn("Discarding node snapshot with unknown version")
		return nil, nil
	}

	return snap.Nodes, nil
}

// Save replaces the persisted node set atomically.
func (fs *FileStore) Save(records []Record) error {
	data, err := json.MarshalIndent(snapshot{Version: snapshotVersion, Nodes: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"path":     fs.path,
		"nodes":    len(records),
	}).Debug("Node snapshot saved")
	return nil
}
