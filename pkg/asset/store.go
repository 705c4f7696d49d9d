// Package asset offloads large cell outputs to content-addressed files on
// disk, keeping the notebook document itself small, and reactively prunes
// the oldest files once total usage crosses a byte quota.
package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/types"
)

// pruneTargetRatio is the fraction of capBytes that usage is brought back
// down to after a prune pass, leaving headroom so the next write does not
// immediately re-trigger pruning.
const pruneTargetRatio = 0.8

// extensionByMediaType maps offloadable media types to their on-disk
// extensions; anything unrecognized falls back to .bin.
var extensionByMediaType = map[string]string{
	"application/pdf":  ".pdf",
	"image/svg+xml":    ".svg",
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"text/plain":       ".txt",
	"text/html":        ".html",
	"application/json": ".json",
}

// Store writes offloaded asset payloads under <root>/assets/ keyed by the
// SHA-256 of their content, so identical outputs across cells or runs are
// stored once.
type Store struct {
	root     string
	capBytes int64
	mu       sync.Mutex
}

// NewStore creates (or reopens) an asset store rooted at dir/assets, capped
// at capBytes of total content. If dir carries a .gitignore, the assets
// directory is added to it so offloaded outputs never end up committed.
func NewStore(dir string, capBytes int64) (*Store, error) {
	root := filepath.Join(dir, "assets")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	ensureIgnored(dir)
	return &Store{root: root, capBytes: capBytes}, nil
}

// ensureIgnored appends an assets/ entry to dir's .gitignore when one
// exists and lacks it. A directory without an ignore file is left alone.
func ensureIgnored(dir string) {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "assets/" {
			return
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, _ = f.WriteString("\n")
	}
	_, _ = f.WriteString("assets/\n")
}

// Put writes data to a content-addressed file and returns its reference.
// Writing is idempotent: if the content already exists on disk, its
// existing file is reused and no write occurs.
func (s *Store) Put(data []byte, mediaType, altText string) (*types.AssetRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + extensionFor(mediaType)
	if mediaType == "text/plain" {
		name = "text_" + name
	}
	path := filepath.Join(s.root, name)

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := atomicWrite(path, data); err != nil {
			return nil, fmt.Errorf("write asset: %w", err)
		}
		metrics.AssetBytesStored.Add(float64(len(data)))
		s.pruneIfOverCapLocked()
	}

	ref := &types.AssetRef{
		Path:      path,
		MediaType: mediaType,
		AltText:   altText,
		SizeBytes: int64(len(data)),
	}
	return ref, nil
}

func extensionFor(mediaType string) string {
	if ext, ok := extensionByMediaType[mediaType]; ok {
		return ext
	}
	return ".bin"
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
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

// pruneIfOverCapLocked deletes the oldest files (by mtime) until usage is
// at or below pruneTargetRatio of capBytes. Caller must hold s.mu.
func (s *Store) pruneIfOverCapLocked() {
	if s.capBytes <= 0 {
		return
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(s.root, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
		total += info.Size()
	}
	if total <= s.capBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	target := int64(float64(s.capBytes) * pruneTargetRatio)
	for _, f := range files {
		if total <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		metrics.AssetBytesStored.Sub(float64(f.size))
		metrics.AssetsPrunedTotal.Inc()
	}
}

// Root returns the directory assets are stored under.
func (s *Store) Root() string { return s.root }
