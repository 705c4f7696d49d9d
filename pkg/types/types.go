// Package types holds the data model shared across the kernel orchestration
// server: sessions, tasks, execution records, asset leases and the orphan
// message buffer.
package types

import (
	"sync"
	"time"
)

// TaskStatus is the status of a submitted execution request.
//
// Transitions: pending -> running -> {completed, failed, cancelled, timeout}.
// No reverse transitions.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	default:
		return false
	}
}

// CellIndexMaintenance is reserved for internal/maintenance code that must
// never be written back to the notebook.
const CellIndexMaintenance = -1

// Task is one execution request, durably queued and eventually executed
// exactly once per submit.
type Task struct {
	ID             string
	NotebookPath   string
	CellIndex      int
	Code           string
	Status         TaskStatus
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	ErrorMessage   string
	ExecutionCount int
	Outputs        []Output
	Retries        int
	FailedSave     bool
}

// OutputType is the closed set of notebook output shapes.
type OutputType string

const (
	OutputStream        OutputType = "stream"
	OutputDisplayData   OutputType = "display_data"
	OutputExecuteResult OutputType = "execute_result"
	OutputError         OutputType = "error"
)

// Output represents a single cell output entry, already sanitized by the
// finalizer when present in a persisted Task.
type Output struct {
	Type           OutputType
	Name           string            // for stream: "stdout" | "stderr"
	Text           string            // plain text payload (may be a head/tail preview)
	Data           map[string]string // mime-type -> base64 or text payload, pre-sanitization
	ExecutionCount int               // present on execute_result
	ErrName        string
	ErrValue       string
	Traceback      []string
	Asset          *AssetRef // set when this output was offloaded to disk
}

// AssetRef is the typed reference left behind after the finalizer offloads a
// large binary or text payload to disk.
type AssetRef struct {
	Path      string
	MediaType string
	AltText   string
	SizeBytes int64
	LineCount int
}

// AssetLease is a time-bounded claim that an asset file is still in use.
type AssetLease struct {
	AssetPath    string
	NotebookPath string
	LastSeen     time.Time
	LeaseExpires time.Time
	CreatedAt    time.Time
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionAbsent     SessionState = "absent"
	SessionStarting   SessionState = "starting"
	SessionRunning    SessionState = "running"
	SessionRestarting SessionState = "restarting"
	SessionStopping   SessionState = "stopping"
	SessionStopped    SessionState = "stopped"
)

// EnvProvenance records where a kernel's interpreter came from, attached to
// every finalized output's provenance block.
type EnvProvenance struct {
	InterpreterPath string
	EnvName         string
	StartedAt       time.Time
	SessionUUID     string
}

// SessionDescriptor is the on-disk record of a session, persisted so that a
// restarted server can find and reconcile kernels that may still be alive.
type SessionDescriptor struct {
	NotebookPath   string
	ConnectionFile string
	KernelPID      int
	ServerPID      int
	EnvInfo        EnvProvenance
	CreatedAt      time.Time
}

// ExecutionRecord is the in-memory, transient accounting for a running task,
// keyed by the kernel-assigned message id of the submit that started it.
type ExecutionRecord struct {
	TaskID            string
	CellIndex         int
	Status            TaskStatus
	Outputs           []Output
	CumulativeOutputs int
	LastActivity      time.Time
	KernelBusy        bool

	// Completion is closed by the multiplexer when the kernel reports idle
	// or an error terminates the task.
	Completion chan struct{}
	// Finalized is closed by the scheduler once the task's terminal status
	// has been committed to the durable store, unblocking the finalizer.
	Finalized chan struct{}

	// PendingClear records a clear_output(wait=true) that has not yet been
	// applied; it takes effect just before the next output is appended.
	PendingClear bool

	completeMu      sync.Mutex
	completeDone    bool
	cancelRequested bool
}

// RequestCancel flags the record so that the idle the kernel eventually
// reports terminates it as cancelled rather than completed.
func (r *ExecutionRecord) RequestCancel() {
	r.completeMu.Lock()
	defer r.completeMu.Unlock()
	r.cancelRequested = true
}

// Complete transitions the record to a terminal status and closes
// Completion exactly once. Later calls (e.g. idle arriving after an error
// already terminated the task, or a scheduler timeout racing the
// multiplexer) are no-ops.
func (r *ExecutionRecord) Complete(status TaskStatus) {
	r.completeMu.Lock()
	defer r.completeMu.Unlock()
	if r.completeDone {
		return
	}
	r.completeDone = true
	if r.cancelRequested && status == TaskCompleted {
		status = TaskCancelled
	}
	r.Status = status
	close(r.Completion)
}

// StatusSnapshot reads the record's status under the same lock Complete
// writes under, giving callers outside the multiplexer's goroutine a
// race-free read.
func (r *ExecutionRecord) StatusSnapshot() TaskStatus {
	r.completeMu.Lock()
	defer r.completeMu.Unlock()
	return r.Status
}

// NewExecutionRecord allocates a record with its synchronization channels
// ready to be waited on and signalled exactly once.
func NewExecutionRecord(taskID string, cellIndex int) *ExecutionRecord {
	return &ExecutionRecord{
		TaskID:     taskID,
		CellIndex:  cellIndex,
		Status:     TaskRunning,
		Completion: make(chan struct{}),
		Finalized:  make(chan struct{}),
	}
}

// ProvenanceBlock is written under a stable metadata key on the notebook
// cell after finalization.
type ProvenanceBlock struct {
	ExecutionHash   string
	ExecutionTime   time.Time
	EnvironmentName string
	InterpreterPath string
	SessionUUID     string
}
