package session

import (
	"github.com/cuemby/notebookd/pkg/finalizer"
	"github.com/cuemby/notebookd/pkg/notebookerr"
)

// SyncStrategy selects which cells a resync request re-queues.
type SyncStrategy string

const (
	// StrategyMinimalAppend queues only cells that have never been
	// executed and sit after every previously-executed cell: the common
	// case of a user appending new cells to the end of a notebook.
	StrategyMinimalAppend SyncStrategy = "minimal_append"
	// StrategyIncremental queues every cell whose source no longer
	// matches its last-recorded execution hash, plus cells never executed.
	StrategyIncremental SyncStrategy = "incremental"
	// StrategySmart behaves like incremental but also re-queues every
	// cell after the earliest changed cell, since later cells may depend
	// on state the changed cell produces.
	StrategySmart SyncStrategy = "smart"
	// StrategyFull queues every cell in the notebook, regardless of hash.
	StrategyFull SyncStrategy = "full"
	// StrategyForce behaves like full but first cancels the session's
	// existing durably-queued pending tasks, so a bad queue state can
	// never block a forced resync.
	StrategyForce SyncStrategy = "force"
)

// SyncResult is detect_sync's response.
type SyncResult struct {
	SyncNeeded   bool
	ChangedCells []int
}

// DetectSync compares each cell's currently persisted source against the
// execution hash recorded in its last provenance block (or the caller's own
// buffer_hashes, when supplied, so an editor's in-memory buffer can be
// checked without first saving to disk).
func (m *Manager) DetectSync(notebookPath string, bufferHashes map[int]string) (SyncResult, error) {
	doc, err := finalizer.LoadDocument(notebookPath)
	if err != nil {
		return SyncResult{}, notebookerr.New(notebookerr.KindCaller, err)
	}

	var changed []int
	for i, cell := range doc.Cells {
		if cell.CellType != "code" {
			continue
		}
		currentHash := finalizer.ExecutionHash(cell.Source)
		if h, ok := bufferHashes[i]; ok {
			currentHash = h
		}
		recorded, ok := recordedHash(cell)
		if !ok || recorded != currentHash {
			changed = append(changed, i)
		}
	}

	return SyncResult{SyncNeeded: len(changed) > 0, ChangedCells: changed}, nil
}

// ResyncResult is resync's response.
type ResyncResult struct {
	QueuedCount  int
	SkippedCount int
}

// Resync re-queues cells for execution according to strategy. It never
// blocks on kernel I/O: it only enqueues tasks via Submit, which durably
// persists them before returning.
func (m *Manager) Resync(notebookPath string, strategy SyncStrategy) (ResyncResult, error) {
	doc, err := finalizer.LoadDocument(notebookPath)
	if err != nil {
		return ResyncResult{}, notebookerr.New(notebookerr.KindCaller, err)
	}

	if strategy == StrategyForce {
		if err := m.cancelPending(notebookPath); err != nil {
			m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("failed to cancel pending tasks before forced resync")
		}
	}

	toQueue := cellsToResync(doc, strategy)

	result := ResyncResult{}
	for _, i := range toQueue {
		cell := doc.Cells[i]
		if _, err := m.Submit(notebookPath, i, joinSource(cell.Source), ""); err != nil {
			m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Int("cell_index", i).Msg("resync failed to queue cell")
			continue
		}
		result.QueuedCount++
	}
	result.SkippedCount = countCodeCells(doc) - result.QueuedCount
	return result, nil
}

// cellsToResync decides which cell indices a strategy queues.
func cellsToResync(doc *finalizer.Document, strategy SyncStrategy) []int {
	switch strategy {
	case StrategyFull, StrategyForce:
		return codeCellIndices(doc)

	case StrategyMinimalAppend:
		var indices []int
		for i, cell := range doc.Cells {
			if cell.CellType != "code" {
				continue
			}
			if _, ok := recordedHash(cell); !ok {
				indices = append(indices, i)
			}
		}
		return indices

	case StrategyIncremental:
		var indices []int
		for i, cell := range doc.Cells {
			if cell.CellType != "code" {
				continue
			}
			if recorded, ok := recordedHash(cell); !ok || recorded != finalizer.ExecutionHash(cell.Source) {
				indices = append(indices, i)
			}
		}
		return indices

	case StrategySmart:
		var indices []int
		earliestChanged := -1
		for i, cell := range doc.Cells {
			if cell.CellType != "code" {
				continue
			}
			recorded, ok := recordedHash(cell)
			changed := !ok || recorded != finalizer.ExecutionHash(cell.Source)
			if changed && earliestChanged == -1 {
				earliestChanged = i
			}
			if changed || (earliestChanged != -1 && i > earliestChanged) {
				indices = append(indices, i)
			}
		}
		return indices

	default:
		return nil
	}
}

func codeCellIndices(doc *finalizer.Document) []int {
	var indices []int
	for i, cell := range doc.Cells {
		if cell.CellType == "code" {
			indices = append(indices, i)
		}
	}
	return indices
}

func countCodeCells(doc *finalizer.Document) int {
	count := 0
	for _, cell := range doc.Cells {
		if cell.CellType == "code" {
			count++
		}
	}
	return count
}

func joinSource(source []string) string {
	out := ""
	for _, line := range source {
		out += line
	}
	return out
}

// recordedHash extracts the execution hash from a cell's provenance block,
// written back with the struct's default (untagged) JSON field names, so
// round-tripping through map[string]any keeps them capitalized.
func recordedHash(cell finalizer.Cell) (string, bool) {
	if cell.Metadata == nil {
		return "", false
	}
	prov, ok := cell.Metadata[finalizer.ProvenanceKey]
	if !ok {
		return "", false
	}
	m, ok := prov.(map[string]any)
	if !ok {
		return "", false
	}
	hash, ok := m["ExecutionHash"].(string)
	return hash, ok
}
