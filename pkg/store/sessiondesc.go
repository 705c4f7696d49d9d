package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/notebookd/pkg/types"
)

const sessionDescriptorSubdir = "sessions"

func sessionDescriptorPath(dataDir, notebookPath string) string {
	sum := sha256.Sum256([]byte(notebookPath))
	return filepath.Join(dataDir, sessionDescriptorSubdir, hex.EncodeToString(sum[:])+".json")
}

// SaveSessionDescriptor atomically writes a session descriptor file:
// tempfile in the same directory, then rename, so a crash never leaves a
// partially written descriptor.
func (s *BoltStore) SaveSessionDescriptor(desc *types.SessionDescriptor) error {
	path := sessionDescriptorPath(s.descDir, desc.NotebookPath)

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-session-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadSessionDescriptors returns every persisted session descriptor.
func (s *BoltStore) LoadSessionDescriptors() ([]*types.SessionDescriptor, error) {
	dir := filepath.Join(s.descDir, sessionDescriptorSubdir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var descriptors []*types.SessionDescriptor
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var desc types.SessionDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			continue
		}
		descriptors = append(descriptors, &desc)
	}
	return descriptors, nil
}

// DeleteSessionDescriptor removes a session descriptor file.
func (s *BoltStore) DeleteSessionDescriptor(notebookPath string) error {
	path := sessionDescriptorPath(s.descDir, notebookPath)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
