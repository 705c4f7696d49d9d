package session

import (
	"os"

	"github.com/cuemby/notebookd/pkg/finalizer"
	"github.com/cuemby/notebookd/pkg/metrics"
)

// GC removes expired, unreferenced asset files. A lease is only eligible
// for deletion once it has expired AND the notebook no longer references
// the asset path anywhere in its cell outputs. GC is explicit-only —
// triggered from StopSession/RestartSession or a client save, never from a
// background sweep, so it can never race a live client's writes.
func (m *Manager) GC(notebookPath string) error {
	expired, err := m.store.ExpiredAssets()
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	referenced, err := referencedAssetPaths(notebookPath)
	if err != nil {
		// A notebook that can't be read (deleted, moved) can't be checked
		// for references; err on the side of keeping the lease so a
		// transient read failure never deletes a still-needed asset.
		m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("failed to scan notebook for asset references during GC")
		return nil
	}

	for _, lease := range expired {
		if lease.NotebookPath != notebookPath {
			continue
		}
		if referenced[lease.AssetPath] {
			continue
		}
		if err := os.Remove(lease.AssetPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("asset_path", lease.AssetPath).Msg("failed to remove expired asset file")
			continue
		}
		if err := m.store.DeleteLease(lease.AssetPath); err != nil {
			m.logger.Warn().Err(err).Str("asset_path", lease.AssetPath).Msg("failed to delete asset lease record")
			continue
		}
		metrics.AssetsPrunedTotal.Inc()
	}
	return nil
}

// referencedAssetPaths scans every cell output of a notebook for the asset
// path the finalizer embeds under the "notebookd_asset" key.
func referencedAssetPaths(notebookPath string) (map[string]bool, error) {
	doc, err := finalizer.LoadDocument(notebookPath)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]bool)
	for _, cell := range doc.Cells {
		for _, output := range cell.Outputs {
			ref, ok := output["notebookd_asset"].(map[string]any)
			if !ok {
				continue
			}
			if path, ok := ref["path"].(string); ok {
				refs[path] = true
			}
		}
	}
	return refs, nil
}
