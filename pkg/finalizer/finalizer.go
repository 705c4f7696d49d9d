// Package finalizer implements the write-back path for completed tasks:
// sanitizing outputs, offloading oversized payloads to content-addressed
// asset files, computing the execution-hash/provenance block, and
// atomically committing the result to the notebook file on disk.
package finalizer

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/notebookd/pkg/asset"
	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/secretscan"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/rs/zerolog"
)

// defaultLeaseTTL is used when a Finalizer is constructed without an
// explicit lease TTL (e.g. in tests); cmd/notebookd always supplies
// config.Config.AssetLeaseTTL.
const defaultLeaseTTL = 24 * time.Hour

// maxInlineBytes bounds how large a single binary payload may be before it
// is offloaded to the asset store and replaced with a reference.
const maxInlineBytes = 32 * 1024

// textInlineMaxBytes and textInlineMaxLines bound how much plain text stays
// inline in the notebook before the full payload is offloaded and only a
// head/tail preview kept.
const (
	textInlineMaxBytes = 2 * 1024
	textInlineMaxLines = 50
)

// secretConfidence is the minimum confidence a secretscan.Match needs to be
// redacted from output text.
const secretConfidence = 0.6

// Finalizer commits completed tasks back to their notebook file.
type Finalizer struct {
	assets   *asset.Stores
	store    store.Store
	leaseTTL time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]map[string]bool // notebookPath -> set of task ids awaiting write-back
}

// New creates a Finalizer. assets may be nil, in which case oversized
// outputs are truncated inline instead of offloaded. leaseTTL <= 0 falls
// back to defaultLeaseTTL.
func New(assets *asset.Stores, st store.Store, leaseTTL time.Duration) *Finalizer {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &Finalizer{
		assets:   assets,
		store:    st,
		leaseTTL: leaseTTL,
		logger:   log.WithComponent("finalizer"),
		pending:  make(map[string]map[string]bool),
	}
}

// Finalize implements scheduler.Finalize. It sanitizes task.Outputs in
// place and either writes the notebook immediately or, per the
// skip-on-client-connected policy, defers the write until every subscriber
// has disconnected (a connected client already has the output stream; the
// disk copy can catch up later without blocking the next cell).
func (f *Finalizer) Finalize(session *types.Session, task *types.Task, rec *types.ExecutionRecord) error {
	timer := metrics.NewTimer()
	defer metrics.FinalizationDuration.Observe(timer.Duration().Seconds())

	task.Outputs = f.sanitizeOutputs(session.NotebookPath, task.Outputs)

	if session.HasSubscribers() {
		f.markPending(session.NotebookPath, task.ID)
		return nil
	}
	return f.writeTask(session, task)
}

// FlushPending writes back every task deferred while a client was
// connected. Call this once the last subscriber for a session disconnects.
func (f *Finalizer) FlushPending(session *types.Session) error {
	f.mu.Lock()
	ids := f.pending[session.NotebookPath]
	delete(f.pending, session.NotebookPath)
	f.mu.Unlock()

	for id := range ids {
		task, err := f.store.GetTask(id)
		if err != nil {
			f.logger.Warn().Err(err).Str("task_id", id).Msg("pending task vanished before catch-up write")
			continue
		}
		if err := f.writeTask(session, task); err != nil {
			return err
		}
	}
	return nil
}

func (f *Finalizer) markPending(notebookPath, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.pending[notebookPath]
	if !ok {
		set = make(map[string]bool)
		f.pending[notebookPath] = set
	}
	set[taskID] = true
}

// writeTask loads the notebook, updates the target cell's outputs,
// execution count and provenance metadata, and atomically saves it.
// Maintenance tasks (CellIndexMaintenance) are never written to the
// notebook document.
func (f *Finalizer) writeTask(session *types.Session, task *types.Task) error {
	if task.CellIndex == types.CellIndexMaintenance {
		return nil
	}

	doc, err := LoadDocument(session.NotebookPath)
	if err != nil {
		task.FailedSave = true
		return err
	}
	EnsureCellIDs(doc)
	cell, err := doc.CellAt(task.CellIndex)
	if err != nil {
		task.FailedSave = true
		return err
	}

	outputs := make([]map[string]any, 0, len(task.Outputs))
	for _, o := range task.Outputs {
		outputs = append(outputs, outputToNBFormat(o))
	}
	cell.Outputs = outputs
	executionCount := task.ExecutionCount
	cell.ExecutionCount = &executionCount

	if cell.Metadata == nil {
		cell.Metadata = map[string]any{}
	}
	cell.Metadata[ProvenanceKey] = provenanceBlock(session, task, ExecutionHash(cell.Source))

	if err := SaveDocument(session.NotebookPath, doc); err != nil {
		task.FailedSave = true
		return err
	}
	task.FailedSave = false
	return nil
}

func provenanceBlock(session *types.Session, task *types.Task, hash string) types.ProvenanceBlock {
	return types.ProvenanceBlock{
		ExecutionHash:   hash,
		ExecutionTime:   time.Now().UTC(),
		EnvironmentName: session.Env.EnvName,
		InterpreterPath: session.Env.InterpreterPath,
		SessionUUID:     session.Env.SessionUUID,
	}
}

// sanitizeOutputs redacts detected secrets from text payloads and offloads
// any payload larger than maxInlineBytes to the asset store, replacing it
// with a reference.
func (f *Finalizer) sanitizeOutputs(notebookPath string, outputs []types.Output) []types.Output {
	sanitized := make([]types.Output, len(outputs))
	for i, o := range outputs {
		sanitized[i] = f.sanitizeOutput(notebookPath, o)
	}
	return sanitized
}

// storeFor resolves the asset store for a notebook's own directory, so
// offloaded outputs always land under <notebook_dir>/assets/.
func (f *Finalizer) storeFor(notebookPath string) *asset.Store {
	if f.assets == nil {
		return nil
	}
	s, err := f.assets.For(filepath.Dir(notebookPath))
	if err != nil {
		f.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("failed to open asset store")
		return nil
	}
	return s
}

func (f *Finalizer) sanitizeOutput(notebookPath string, o types.Output) types.Output {
	switch o.Type {
	case types.OutputStream:
		o.Text, _ = secretscan.ScanAndRedact(o.Text, secretConfidence)
		o = f.offloadIfLarge(notebookPath, o)
	case types.OutputError:
		o.Traceback = compressTraceback(o.Traceback)
		for i, line := range o.Traceback {
			o.Traceback[i], _ = secretscan.ScanAndRedact(line, secretConfidence)
		}
	case types.OutputDisplayData, types.OutputExecuteResult:
		o = f.sanitizeDataOutput(notebookPath, o)
	}
	return o
}

func (f *Finalizer) sanitizeDataOutput(notebookPath string, o types.Output) types.Output {
	if text, ok := o.Data["text/plain"]; ok {
		o.Data["text/plain"], _ = secretscan.ScanAndRedact(text, secretConfidence)
	}
	if html, ok := o.Data["text/html"]; ok {
		if md, converted := tableToMarkdown(html); converted {
			o.Data["text/markdown"] = md
			delete(o.Data, "text/html")
		} else if len(html) > maxInlineBytes {
			// Large tables are flagged rather than converted; rendering
			// them inline would dominate the notebook document.
			o.Data["text/plain"] = "[large HTML table omitted; re-run with a smaller preview]"
			delete(o.Data, "text/html")
		}
	}

	// Offload exactly one representation when it crosses the size
	// threshold: the highest-priority one present (PDF > SVG > PNG >
	// JPEG), so the asset kept is the richest renderable format. Lower-
	// priority representations stay inline untouched — writing them to
	// disk too would leave asset files nothing ever references.
	assets := f.storeFor(notebookPath)
	if assets == nil {
		return o
	}
	for _, mime := range assetMimePriority {
		payload, ok := o.Data[mime]
		if !ok || len(payload) <= maxInlineBytes {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			raw = []byte(payload)
		}
		ref, err := assets.Put(raw, mime, altTextFor(o))
		if err != nil {
			f.logger.Warn().Err(err).Str("media_type", mime).Msg("failed to offload asset")
			continue
		}
		f.renewLease(ref.Path, notebookPath)
		o.Asset = ref
		o.Data[mime] = fmt.Sprintf("offloaded:%s", ref.Path)
		break
	}
	return o
}

// assetMimePriority orders binary representations from richest to plainest;
// only the first present-and-oversized one is offloaded.
var assetMimePriority = []string{"application/pdf", "image/svg+xml", "image/png", "image/jpeg"}

func (f *Finalizer) offloadIfLarge(notebookPath string, o types.Output) types.Output {
	lines := countLines(o.Text)
	if len(o.Text) <= textInlineMaxBytes && lines <= textInlineMaxLines {
		return o
	}
	assets := f.storeFor(notebookPath)
	if assets == nil {
		return o
	}
	ref, err := assets.Put([]byte(o.Text), "text/plain", "")
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to offload large stream output")
		return o
	}
	f.renewLease(ref.Path, notebookPath)
	ref.LineCount = lines
	o.Asset = ref
	o.Text = headTail(o.Text, textInlineMaxBytes)
	return o
}

// renewLease upserts the durable asset lease for a newly (or
// already-)written asset file, so every emission keeps the file's lease
// current. A failure here is logged, not fatal: the asset file
// itself is already safely on disk and the next GC pass will simply not
// see a lease for it, which only delays eligibility for deletion.
func (f *Finalizer) renewLease(assetPath, notebookPath string) {
	if f.store == nil {
		return
	}
	if err := f.store.RenewLease(assetPath, notebookPath, f.leaseTTL); err != nil {
		f.logger.Warn().Err(err).Str("asset_path", assetPath).Msg("failed to renew asset lease")
	}
}

func altTextFor(o types.Output) string {
	if o.Type == types.OutputExecuteResult {
		return "execution result"
	}
	return "display output"
}

func countLines(s string) int {
	count := 1
	for _, r := range s {
		if r == '\n' {
			count++
		}
	}
	return count
}

// headTail keeps the first and last portions of a long text payload,
// leaving a marker in between, so the inline preview stays useful without
// holding the full content in the notebook document.
func headTail(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	half := budget / 2
	return s[:half] + "\n...[truncated, full output offloaded to asset]...\n" + s[len(s)-half:]
}

func outputToNBFormat(o types.Output) map[string]any {
	switch o.Type {
	case types.OutputStream:
		m := map[string]any{"output_type": "stream", "name": o.Name, "text": o.Text}
		addAssetRef(m, o.Asset)
		return m

	case types.OutputDisplayData:
		m := map[string]any{"output_type": "display_data", "data": anyMap(o.Data), "metadata": map[string]any{}}
		addAssetRef(m, o.Asset)
		return m

	case types.OutputExecuteResult:
		m := map[string]any{
			"output_type":     "execute_result",
			"data":            anyMap(o.Data),
			"metadata":        map[string]any{},
			"execution_count": o.ExecutionCount,
		}
		addAssetRef(m, o.Asset)
		return m

	case types.OutputError:
		return map[string]any{
			"output_type": "error",
			"ename":       o.ErrName,
			"evalue":      o.ErrValue,
			"traceback":   o.Traceback,
		}

	default:
		return map[string]any{"output_type": "stream", "name": "stdout", "text": ""}
	}
}

func addAssetRef(m map[string]any, ref *types.AssetRef) {
	if ref == nil {
		return
	}
	m["notebookd_asset"] = map[string]any{
		"path":       ref.Path,
		"media_type": ref.MediaType,
		"alt_text":   ref.AltText,
		"size_bytes": ref.SizeBytes,
		"line_count": ref.LineCount,
	}
}

func anyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
