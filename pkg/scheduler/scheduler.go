package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/rs/zerolog"
)

// Finalize is the callback the scheduler invokes once a task reaches a
// terminal state, before it signals ExecutionRecord.Finalized. Implemented
// by the finalizer (C5): it must write the notebook cell and persist
// provenance before returning.
type Finalize func(session *types.Session, task *types.Task, rec *types.ExecutionRecord) error

// Scheduler drives one worker goroutine per session against its durable
// task queue.
type Scheduler struct {
	store    store.Store
	finalize Finalize
	logger   zerolog.Logger

	mu       sync.RWMutex
	stopCh   chan struct{}
	sessions map[string]*types.Session
}

// New creates a Scheduler bound to a durable store and a finalization
// callback.
func New(s store.Store, finalize Finalize) *Scheduler {
	return &Scheduler{
		store:    s,
		finalize: finalize,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		sessions: make(map[string]*types.Session),
	}
}

// Attach registers a session's worker loop, starting from any pending tasks
// already durably queued for it from a previous server run.
func (s *Scheduler) Attach(session *types.Session) error {
	s.mu.Lock()
	s.sessions[session.NotebookPath] = session
	s.mu.Unlock()

	pending, err := s.store.PendingTasks(session.NotebookPath)
	if err != nil {
		return fmt.Errorf("load pending tasks for %s: %w", session.NotebookPath, err)
	}
	for _, t := range pending {
		select {
		case session.Queue <- t.ID:
			metrics.TasksQueued.Inc()
		default:
			s.logger.Warn().Str("task_id", t.ID).Msg("queue full during recovery, task remains durably pending")
		}
	}

	session.Go(func() { s.runWorker(session) })
	return nil
}

// Detach stops a session's worker and drops it from the scheduler's
// bookkeeping. The session itself is responsible for cancelling its
// context before calling Detach.
func (s *Scheduler) Detach(notebookPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, notebookPath)
}

// Stop signals every worker to stop accepting new work. Already-running
// tasks are allowed to finish; callers join via each session's Wait.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// ErrBackpressure is returned by Submit when a session's queue is full.
var ErrBackpressure = fmt.Errorf("execution queue is full")

// Submit durably enqueues a new task and pushes its id onto the session's
// worker queue. A full queue rejects the submission rather than growing
// unbounded.
func (s *Scheduler) Submit(session *types.Session, cellIndex int, code string) (*types.Task, error) {
	return s.SubmitWithID(session, cellIndex, code, "")
}

// SubmitWithID behaves like Submit but accepts a caller-supplied task id,
// falling back to a store-generated id when taskID is empty.
func (s *Scheduler) SubmitWithID(session *types.Session, cellIndex int, code string, taskID string) (*types.Task, error) {
	taskID, err := s.store.Enqueue(session.NotebookPath, cellIndex, code, taskID)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	select {
	case session.Queue <- taskID:
		metrics.TasksQueued.Inc()
	default:
		_ = s.store.CancelTask(taskID, "execution queue is full")
		return nil, ErrBackpressure
	}

	return s.store.GetTask(taskID)
}

// runWorker is the per-session FIFO loop: dequeue, run, finalize, repeat.
// It exits when the session's queue yields the shutdown sentinel or the
// scheduler stops and the queue drains.
func (s *Scheduler) runWorker(session *types.Session) {
	logger := s.logger.With().Str("notebook_path", session.NotebookPath).Logger()

	for {
		var taskID string
		select {
		case taskID = <-session.Queue:
		case <-session.Context().Done():
			return
		}
		if taskID == types.ShutdownSentinel {
			return
		}
		metrics.TasksQueued.Dec()

		if stop := s.runOne(session, taskID, logger); stop {
			s.drainOnError(session, logger)
			return
		}
	}
}

// runOne executes a single task end to end. It returns true when
// stop-on-error cascading cancellation should halt the worker.
func (s *Scheduler) runOne(session *types.Session, taskID string, logger zerolog.Logger) (stopCascade bool) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("task vanished from durable store")
		return false
	}
	if task.Status.Terminal() {
		// Already resolved by a previous crash-recovery pass; skip.
		return false
	}

	timer := metrics.NewTimer()
	s.warnIfOutOfOrder(session, task, logger)

	if err := s.store.MarkRunning(taskID); err != nil {
		logger.Error().Err(err).Msg("failed to mark task running")
		return false
	}
	task.Status = types.TaskRunning
	// Execution counts are assigned at the dequeue boundary, never at
	// submit, so queued-but-unstarted tasks have none.
	task.ExecutionCount = session.NextExecutionCount()

	msgID, err := session.Conn.Execute(task.Code)
	if err != nil {
		s.finishTerminal(task, types.TaskFailed, fmt.Sprintf("failed to submit code to kernel: %v", err), timer, logger)
		return session.StopOnError
	}

	rec := types.NewExecutionRecord(taskID, task.CellIndex)
	session.RegisterExecution(msgID, rec)
	defer session.RemoveExecution(msgID)

	timedOut := false
	select {
	case <-rec.Completion:
	case <-time.After(session.Timeout):
		_ = session.Conn.Interrupt()
		timedOut = true
	case <-session.Context().Done():
		return false
	}

	session.MarkExecuted(task.CellIndex)

	if timedOut {
		s.finishTerminal(task, types.TaskTimeout, fmt.Sprintf("execution timed out after %s", session.Timeout), timer, logger)
		close(rec.Finalized)
		return session.StopOnError
	}

	task.Outputs = rec.Outputs

	status := rec.StatusSnapshot()
	hadError := status == types.TaskFailed
	switch status {
	case types.TaskFailed:
		s.finishTerminal(task, types.TaskFailed, errorMessageFromOutputs(rec.Outputs), timer, logger)
	case types.TaskCancelled:
		s.finishTerminal(task, types.TaskCancelled, "cancelled while running", timer, logger)
	default:
		if err := s.store.MarkComplete(taskID, rec.Outputs, task.ExecutionCount); err != nil {
			logger.Error().Err(err).Msg("failed to mark task complete")
		}
		task.Status = types.TaskCompleted
		task.CompletedAt = time.Now().UTC()
		metrics.TasksTotal.WithLabelValues("completed").Inc()
		metrics.TaskExecutionDuration.Observe(timer.Duration().Seconds())
	}

	if s.finalize != nil {
		if err := s.finalize(session, task, rec); err != nil {
			logger.Error().Err(err).Str("task_id", taskID).Msg("finalization failed")
		}
	}
	close(rec.Finalized)

	return hadError && session.StopOnError
}

// finishTerminal commits a failed/timeout/cancelled task to the durable
// store and updates metrics. The store write is chosen by status so each
// transition stays a single transaction.
func (s *Scheduler) finishTerminal(task *types.Task, status types.TaskStatus, message string, timer *metrics.Timer, logger zerolog.Logger) {
	var err error
	switch status {
	case types.TaskTimeout:
		err = s.store.MarkTimeout(task.ID, message)
	case types.TaskCancelled:
		err = s.store.CancelTask(task.ID, message)
	default:
		err = s.store.MarkFailed(task.ID, message)
	}
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to mark task terminal")
	}
	task.Status = status
	task.ErrorMessage = message
	task.CompletedAt = time.Now().UTC()
	metrics.TaskExecutionDuration.Observe(timer.Duration().Seconds())
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
}

// drainOnError cancels every remaining queued task once stop_on_error has
// halted the worker.
func (s *Scheduler) drainOnError(session *types.Session, logger zerolog.Logger) {
	for {
		select {
		case taskID := <-session.Queue:
			if taskID == types.ShutdownSentinel {
				return
			}
			metrics.TasksQueued.Dec()
			if err := s.store.CancelTask(taskID, "cancelled: a prior cell in this run failed with stop_on_error enabled"); err != nil {
				logger.Error().Err(err).Str("task_id", taskID).Msg("failed to cancel queued task")
			}
			metrics.TasksTotal.WithLabelValues(string(types.TaskCancelled)).Inc()
		default:
			return
		}
	}
}

// warnIfOutOfOrder logs a non-fatal warning when a cell is executed out of
// the order cells appear in the notebook. Advisory only — out-of-order
// execution can mask hidden kernel state, but it is never blocked.
func (s *Scheduler) warnIfOutOfOrder(session *types.Session, task *types.Task, logger zerolog.Logger) {
	if task.CellIndex == types.CellIndexMaintenance {
		return
	}
	// <= rather than <: re-running the same cell is also out of linear
	// order, since it may now see state produced by later cells.
	if task.CellIndex <= session.MaxExecutedIndex() {
		logger.Warn().
			Int("cell_index", task.CellIndex).
			Int("max_executed_index", session.MaxExecutedIndex()).
			Msg("cell executed out of linear order")
	}
}

// errorMessageFromOutputs extracts a human-readable summary from an error
// output, if one was recorded.
func errorMessageFromOutputs(outputs []types.Output) string {
	for _, o := range outputs {
		if o.Type == types.OutputError {
			if o.ErrValue != "" {
				return fmt.Sprintf("%s: %s", o.ErrName, o.ErrValue)
			}
			return o.ErrName
		}
	}
	return "execution failed"
}
