package finalizer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ProvenanceKey is the stable cell-metadata namespace this server writes
// execution provenance under. Exported so sync-drift detection (pkg/session)
// can read back what Finalize wrote without duplicating the key.
const ProvenanceKey = "notebookd"

// Document is the subset of the nbformat v4 notebook structure this server
// reads and rewrites. Unknown top-level and cell-level fields are preserved
// via RawMetadata/extra so round-tripping a notebook never drops a field
// this server doesn't know about.
type Document struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// Cell is one notebook cell.
type Cell struct {
	CellType       string           `json:"cell_type"`
	Source         []string         `json:"source"`
	Outputs        []map[string]any `json:"outputs,omitempty"`
	ExecutionCount *int             `json:"execution_count,omitempty"`
	Metadata       map[string]any   `json:"metadata"`
	ID             string           `json:"id,omitempty"`
}

// LoadDocument reads and parses a notebook file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse notebook: %w", err)
	}
	return &doc, nil
}

// SaveDocument writes doc to path atomically: serialize to a temp file in
// the same directory, then rename over the destination, so a crash mid-
// write can never leave a half-written notebook behind.
func SaveDocument(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return fmt.Errorf("marshal notebook: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp notebook file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp notebook file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp notebook file: %w", err)
	}
	return nil
}

// EnsureCellIDs assigns a fresh random id to every cell lacking one and
// bumps the document to nbformat 4.5, the first version that defines
// per-cell ids. Returns true if anything changed and the document needs
// persisting.
func EnsureCellIDs(doc *Document) bool {
	changed := false
	for i := range doc.Cells {
		if doc.Cells[i].ID == "" {
			doc.Cells[i].ID = newCellID()
			changed = true
		}
	}
	if changed && (doc.NBFormat < 4 || (doc.NBFormat == 4 && doc.NBFormatMinor < 5)) {
		doc.NBFormat = 4
		doc.NBFormatMinor = 5
	}
	return changed
}

func newCellID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CellAt returns a pointer to the cell at index, or an error if the
// notebook has no such cell.
func (d *Document) CellAt(index int) (*Cell, error) {
	if index < 0 || index >= len(d.Cells) {
		return nil, fmt.Errorf("cell index %d out of range (notebook has %d cells)", index, len(d.Cells))
	}
	return &d.Cells[index], nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// ExecutionHash returns the SHA-256 of a cell's source with all whitespace
// removed, used to detect whether the notebook's cell content has drifted
// since it was last executed. Stripping every whitespace rune (rather than
// collapsing runs) makes the hash stable across reformatting, indentation
// changes and trailing newlines while any non-whitespace edit changes it.
func ExecutionHash(source []string) string {
	normalized := whitespaceRun.ReplaceAllString(strings.Join(source, ""), "")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
