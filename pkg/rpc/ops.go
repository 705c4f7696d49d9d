package rpc

import (
	"encoding/json"
	"time"

	"github.com/cuemby/notebookd/pkg/session"
)

// --- start_session ---

type startSessionParams struct {
	NotebookPath string `json:"notebook_path"`
	EnvRoot      string `json:"env_root,omitempty"`
	Timeout      *int   `json:"timeout,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	StopOnError  bool   `json:"stop_on_error,omitempty"`
}

type sessionInfoResult struct {
	NotebookPath string `json:"notebook_path"`
	State        string `json:"state"`
	KernelPID    int    `json:"kernel_pid"`
	EnvName      string `json:"env_name"`
	StartedAt    string `json:"started_at,omitempty"`
}

func (d *Dispatcher) startSession(params json.RawMessage) (any, error) {
	var p startSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	opts := session.StartOptions{
		NotebookPath: p.NotebookPath,
		EnvRoot:      p.EnvRoot,
		AgentID:      p.AgentID,
		StopOnError:  p.StopOnError,
	}
	if p.Timeout != nil {
		opts.Timeout = time.Duration(*p.Timeout) * time.Second
	}

	sess, err := d.mgr.StartSession(opts)
	if err != nil {
		return nil, err
	}

	return sessionInfoResult{
		NotebookPath: sess.NotebookPath,
		State:        string(sess.State),
		KernelPID:    sess.KernelPID,
		EnvName:      sess.Env.EnvName,
		StartedAt:    sess.Env.StartedAt.UTC().Format(time.RFC3339),
	}, nil
}

// --- stop_session ---

type stopSessionParams struct {
	NotebookPath  string `json:"notebook_path"`
	CleanupAssets bool   `json:"cleanup_assets,omitempty"`
}

func (d *Dispatcher) stopSession(params json.RawMessage) (any, error) {
	var p stopSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.mgr.StopSession(p.NotebookPath, p.CleanupAssets); err != nil {
		return nil, err
	}
	return ackResult{Ack: true}, nil
}

// --- restart_session ---

type notebookPathParams struct {
	NotebookPath string `json:"notebook_path"`
}

func (d *Dispatcher) restartSession(params json.RawMessage) (any, error) {
	var p notebookPathParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.mgr.RestartSession(p.NotebookPath)
	if err != nil {
		return nil, err
	}
	return sessionInfoResult{
		NotebookPath: sess.NotebookPath,
		State:        string(sess.State),
		KernelPID:    sess.KernelPID,
		EnvName:      sess.Env.EnvName,
	}, nil
}

// --- interrupt_session ---

func (d *Dispatcher) interruptSession(params json.RawMessage) (any, error) {
	var p notebookPathParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.mgr.InterruptSession(p.NotebookPath); err != nil {
		return nil, err
	}
	return ackResult{Ack: true}, nil
}

type ackResult struct {
	Ack bool `json:"ack"`
}

// --- submit ---

type submitParams struct {
	NotebookPath string `json:"notebook_path"`
	CellIndex    int    `json:"cell_index"`
	Code         string `json:"code"`
	TaskID       string `json:"task_id,omitempty"`
}

type submitResult struct {
	TaskID string `json:"task_id"`
}

func (d *Dispatcher) submit(params json.RawMessage) (any, error) {
	var p submitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	task, err := d.mgr.Submit(p.NotebookPath, p.CellIndex, p.Code, p.TaskID)
	if err != nil {
		return nil, err
	}
	return submitResult{TaskID: task.ID}, nil
}

// --- cancel_task ---

type cancelTaskParams struct {
	NotebookPath string `json:"notebook_path"`
	TaskID       string `json:"task_id"`
}

func (d *Dispatcher) cancelTask(params json.RawMessage) (any, error) {
	var p cancelTaskParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.mgr.CancelTask(p.NotebookPath, p.TaskID); err != nil {
		return nil, err
	}
	return ackResult{Ack: true}, nil
}

// --- submit_input ---

type submitInputParams struct {
	NotebookPath string `json:"notebook_path"`
	Text         string `json:"text"`
}

func (d *Dispatcher) submitInput(params json.RawMessage) (any, error) {
	var p submitInputParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.mgr.SubmitInput(p.NotebookPath, p.Text); err != nil {
		return nil, err
	}
	return ackResult{Ack: true}, nil
}

// --- task_status ---

type taskStatusParams struct {
	NotebookPath string `json:"notebook_path"`
	TaskID       string `json:"task_id"`
}

type taskStatusResult struct {
	Status       string `json:"status"`
	OutputsCount int    `json:"outputs_count"`
	LastActivity string `json:"last_activity,omitempty"`
}

func (d *Dispatcher) taskStatus(params json.RawMessage) (any, error) {
	var p taskStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	task, err := d.mgr.TaskStatus(p.TaskID)
	if err != nil {
		return nil, err
	}
	result := taskStatusResult{
		Status:       string(task.Status),
		OutputsCount: len(task.Outputs),
	}
	if !task.CompletedAt.IsZero() {
		result.LastActivity = task.CompletedAt.UTC().Format(time.RFC3339)
	} else if !task.StartedAt.IsZero() {
		result.LastActivity = task.StartedAt.UTC().Format(time.RFC3339)
	}
	return result, nil
}

// --- detect_sync ---

type detectSyncParams struct {
	NotebookPath string         `json:"notebook_path"`
	BufferHashes map[int]string `json:"buffer_hashes,omitempty"`
}

type detectSyncResult struct {
	SyncNeeded   bool  `json:"sync_needed"`
	ChangedCells []int `json:"changed_cells"`
}

func (d *Dispatcher) detectSync(params json.RawMessage) (any, error) {
	var p detectSyncParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	result, err := d.mgr.DetectSync(p.NotebookPath, p.BufferHashes)
	if err != nil {
		return nil, err
	}
	return detectSyncResult{SyncNeeded: result.SyncNeeded, ChangedCells: result.ChangedCells}, nil
}

// --- resync ---

type resyncParams struct {
	NotebookPath string `json:"notebook_path"`
	Strategy     string `json:"strategy"`
}

type resyncResult struct {
	QueuedCount  int `json:"queued_count"`
	SkippedCount int `json:"skipped_count"`
}

func (d *Dispatcher) resync(params json.RawMessage) (any, error) {
	var p resyncParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	strategy := session.SyncStrategy(p.Strategy)
	if strategy == "" {
		strategy = session.StrategyIncremental
	}
	result, err := d.mgr.Resync(p.NotebookPath, strategy)
	if err != nil {
		return nil, err
	}
	return resyncResult{QueuedCount: result.QueuedCount, SkippedCount: result.SkippedCount}, nil
}

// --- list_sessions ---

func (d *Dispatcher) listSessions(params json.RawMessage) (any, error) {
	infos := d.mgr.ListSessions()
	out := make([]sessionInfoResult, 0, len(infos))
	for _, info := range infos {
		item := sessionInfoResult{
			NotebookPath: info.NotebookPath,
			State:        string(info.State),
			KernelPID:    info.KernelPID,
			EnvName:      info.EnvName,
		}
		if !info.StartedAt.IsZero() {
			item.StartedAt = info.StartedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	return out, nil
}
