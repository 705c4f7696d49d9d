package types

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/notebookd/pkg/events"
	"github.com/cuemby/notebookd/pkg/wire"
)

// Session is the runtime pairing of a notebook path with a running kernel
// and its background machinery. It is held by the session manager and
// shared with the scheduler and the I/O multiplexer, which split ownership
// of the in-flight execution table: the scheduler owns record creation and
// status transitions, the multiplexer owns appending outputs and
// kernel-state flags. The two never write the same fields concurrently.
type Session struct {
	NotebookPath string
	Conn         wire.KernelConn
	KernelPID    int
	KernelUUID   string
	WorkDir      string
	Env          EnvProvenance

	// EnvRoot and AgentID are remembered from the start request so Restart
	// can resolve the same interpreter and agent workspace without the
	// caller having to resupply them.
	EnvRoot string
	AgentID string

	State SessionState

	// Queue is the durable-backed FIFO of pending task ids for this
	// session's worker. Submit pushes, the worker pops. A nil/zero-value
	// task id is never pushed; shutdown pushes the sentinel below.
	Queue chan string

	// ExecutionCounter is incremented atomically at dequeue time, never
	// at submit time, so queued-but-unstarted tasks carry no count.
	ExecutionCounter int64

	StopOnError bool
	Timeout     time.Duration

	// Subscribers fans out notebook/output and notebook/status notifications
	// to connected clients.
	Subscribers *events.Broker

	mu               sync.Mutex
	executions       map[string]*ExecutionRecord // keyed by kernel msg id
	executedIndices  map[int]bool
	maxExecutedIndex int
	waitingForInput  bool
	subscriberCount  int

	cancel    context.CancelFunc
	ctx       context.Context
	tasksDone sync.WaitGroup

	inputMu  sync.Mutex
	inputAck chan struct{}
}

// ShutdownSentinel is pushed onto a session's queue to tell its worker to
// drain in-flight work and exit.
const ShutdownSentinel = ""

// NewSession allocates a session in the "starting" state with its
// background-task context and bounded queue ready to use. queueCapacity
// is the scheduler's backpressure cap.
func NewSession(notebookPath string, queueCapacity int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	broker := events.NewBroker()
	broker.Start()
	return &Session{
		NotebookPath:     notebookPath,
		State:            SessionStarting,
		Queue:            make(chan string, queueCapacity),
		Timeout:          300 * time.Second,
		Subscribers:      broker,
		executions:       make(map[string]*ExecutionRecord),
		executedIndices:  make(map[int]bool),
		maxExecutedIndex: -1,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Context is cancelled when the session's background tasks should stop.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel stops every background task owned by this session and tears down
// its notification broker.
func (s *Session) Cancel() {
	s.cancel()
	s.Subscribers.Stop()
}

// Go runs fn as one of the session's background tasks, tracked so Wait can
// join them all at shutdown.
func (s *Session) Go(fn func()) {
	s.tasksDone.Add(1)
	go func() {
		defer s.tasksDone.Done()
		fn()
	}()
}

// Wait blocks until every background task started via Go has returned.
func (s *Session) Wait() { s.tasksDone.Wait() }

// NextExecutionCount assigns the next strictly-monotone execution count.
func (s *Session) NextExecutionCount() int {
	return int(atomic.AddInt64(&s.ExecutionCounter, 1))
}

// RegisterExecution installs a new in-flight execution record keyed by the
// kernel-assigned message id, and flushes any orphaned messages buffered
// for that id is the caller's responsibility (the multiplexer's orphan
// buffer lives alongside, not inside, the execution table).
func (s *Session) RegisterExecution(msgID string, rec *ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[msgID] = rec
}

// Execution returns the in-flight record for a kernel message id.
func (s *Session) Execution(msgID string) (*ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[msgID]
	return rec, ok
}

// ExecutionKeys returns a snapshot of currently registered message ids, used
// by fuzzy-prefix matching fallback.
func (s *Session) ExecutionKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.executions))
	for k := range s.executions {
		keys = append(keys, k)
	}
	return keys
}

// RemoveExecution drops a finalized execution record.
func (s *Session) RemoveExecution(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, msgID)
}

// ClearExecutions drops every in-flight execution record, used on restart
// once the old kernel's message ids can never be replied to (C4's
// responsibility per kernel.Lifecycle.Restart's doc comment).
func (s *Session) ClearExecutions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = make(map[string]*ExecutionRecord)
}

// MarkExecuted records a cell index as executed and advances
// MaxExecutedIndex, used by the out-of-order execution warning.
func (s *Session) MarkExecuted(cellIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cellIndex < 0 {
		return
	}
	s.executedIndices[cellIndex] = true
	if cellIndex > s.maxExecutedIndex {
		s.maxExecutedIndex = cellIndex
	}
}

// MaxExecutedIndex returns the highest cell index executed so far, or -1
// when nothing has executed yet.
func (s *Session) MaxExecutedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxExecutedIndex
}

// ExecutedIndices returns a snapshot of every cell index executed so far.
func (s *Session) ExecutedIndices() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]bool, len(s.executedIndices))
	for k, v := range s.executedIndices {
		out[k] = v
	}
	return out
}

// SetWaitingForInput sets or clears the "waiting for stdin reply" flag.
func (s *Session) SetWaitingForInput(waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingForInput = waiting
}

// WaitingForInput reports whether the session is currently blocked on a
// stdin reply.
func (s *Session) WaitingForInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingForInput
}

// AwaitInputReply blocks until NotifyInputReceived is called or timeout
// elapses, used by the stdin multiplexer's empty-reply fallback.
func (s *Session) AwaitInputReply(timeout time.Duration) bool {
	s.inputMu.Lock()
	ch := make(chan struct{})
	s.inputAck = ch
	s.inputMu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// NotifyInputReceived signals that a client has supplied a reply to the
// outstanding input_request, unblocking AwaitInputReply.
func (s *Session) NotifyInputReceived() {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.inputAck != nil {
		close(s.inputAck)
		s.inputAck = nil
	}
}

// AddSubscriber/RemoveSubscriber track connected-subscriber count, used by
// the finalizer's skip-on-client-connected write policy.
func (s *Session) AddSubscriber()    { s.mu.Lock(); s.subscriberCount++; s.mu.Unlock() }
func (s *Session) RemoveSubscriber() { s.mu.Lock(); s.subscriberCount--; s.mu.Unlock() }

// HasSubscribers reports whether any client is currently subscribed.
func (s *Session) HasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriberCount > 0
}
