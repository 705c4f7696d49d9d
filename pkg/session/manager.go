package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/notebookd/pkg/asset"
	"github.com/cuemby/notebookd/pkg/config"
	"github.com/cuemby/notebookd/pkg/events"
	"github.com/cuemby/notebookd/pkg/finalizer"
	"github.com/cuemby/notebookd/pkg/health"
	"github.com/cuemby/notebookd/pkg/iomux"
	"github.com/cuemby/notebookd/pkg/kernel"
	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/notebookerr"
	"github.com/cuemby/notebookd/pkg/scheduler"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/rs/zerolog"
)

// defaultQueueCapacity bounds how many durably-enqueued task ids a session's
// in-memory worker channel holds before Submit reports backpressure.
const defaultQueueCapacity = 256

func currentPID() int { return os.Getpid() }

// entry is the manager's bookkeeping for one notebook path: its runtime
// session (nil until running), current state-machine state, and the
// multiplexer watching its kernel connection.
type entry struct {
	session *types.Session
	handle  *kernel.Handle
	mux     *iomux.Multiplexer
	state   types.SessionState
}

// Manager is the single owner of the session table. Every exported
// operation here backs one client-facing RPC method.
type Manager struct {
	cfg       config.Config
	store     store.Store
	kernels   *kernel.Lifecycle
	sched     *scheduler.Scheduler
	finalize  *finalizer.Finalizer
	assets    *asset.Stores
	logger    zerolog.Logger
	serverPID int

	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string][]chan error
}

// StartOptions are the caller-facing inputs to StartSession. stop_on_error
// and the per-task timeout are fixed at session start and apply to every
// subsequent submission.
type StartOptions struct {
	NotebookPath string
	EnvRoot      string
	AgentID      string
	Timeout      time.Duration
	StopOnError  bool
}

// SessionInfo is the read-only view of a session returned by ListSessions
// and TaskStatus's session lookups.
type SessionInfo struct {
	NotebookPath string
	State        types.SessionState
	KernelPID    int
	EnvName      string
	StartedAt    time.Time
}

// New wires the store, asset store, finalizer, scheduler and kernel
// lifecycle together: storage first, then the components that depend on
// it, then the component (kernel.Lifecycle) whose exit callback closes the
// loop back into the others.
func New(cfg config.Config, st store.Store, bridge kernel.BridgeCommand) (*Manager, error) {
	assets := asset.NewStores(cfg.AssetStorageCapBytes)
	fin := finalizer.New(assets, st, cfg.AssetLeaseTTL)
	sched := scheduler.New(st, fin.Finalize)

	m := &Manager{
		cfg:       cfg,
		store:     st,
		sched:     sched,
		finalize:  fin,
		assets:    assets,
		logger:    log.WithComponent("session"),
		serverPID: currentPID(),
		entries:   make(map[string]*entry),
		waiters:   make(map[string][]chan error),
	}

	kcfg := kernel.DefaultConfig()
	kcfg.MaxConcurrentKernels = cfg.MaxConcurrentKernels
	m.kernels = kernel.New(kcfg, bridge, m.onKernelExit)

	return m, nil
}

// StartSession drives the session state machine: running is a no-op
// success, starting/restarting waits for the in-flight transition, stopping
// is rejected with a retry-after hint, and absent/stopped starts a new
// kernel.
func (m *Manager) StartSession(opts StartOptions) (*types.Session, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[opts.NotebookPath]
		state := types.SessionAbsent
		if ok {
			state = e.state
		}

		switch state {
		case types.SessionRunning:
			sess := e.session
			m.mu.Unlock()
			return sess, nil

		case types.SessionStarting, types.SessionRestarting:
			wait := make(chan error, 1)
			m.waiters[opts.NotebookPath] = append(m.waiters[opts.NotebookPath], wait)
			m.mu.Unlock()
			if err := <-wait; err != nil {
				return nil, err
			}
			continue

		case types.SessionStopping:
			m.mu.Unlock()
			return nil, notebookerr.Retryable(fmt.Errorf("session for %s is stopping", opts.NotebookPath), 2)

		default:
			m.entries[opts.NotebookPath] = &entry{state: types.SessionStarting}
			m.mu.Unlock()
			return m.doStart(opts)
		}
	}
}

// startAttempts bounds how many times a flaky kernel start is retried
// before the failure propagates to the caller.
const startAttempts = 3

func (m *Manager) doStart(opts StartOptions) (*types.Session, error) {
	workDir := filepath.Dir(opts.NotebookPath)
	kopts := kernel.StartOptions{
		NotebookPath: opts.NotebookPath,
		WorkDir:      workDir,
		EnvRoot:      opts.EnvRoot,
		AgentID:      opts.AgentID,
	}

	var handle *kernel.Handle
	var err error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		handle, err = m.kernels.Start(kopts)
		if err == nil {
			break
		}
		// The concurrency cap is a resource limit, not a flaky startup;
		// retrying it without stopping another session cannot succeed.
		if strings.Contains(err.Error(), "maximum concurrent kernels") {
			kerr := notebookerr.Retryable(err, 10)
			m.finishTransition(opts.NotebookPath, types.SessionAbsent, nil, nil, nil, kerr)
			return nil, kerr
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Str("notebook_path", opts.NotebookPath).Msg("kernel start failed")
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	if err != nil {
		kerr := notebookerr.New(notebookerr.KindKernelStartup, err)
		m.finishTransition(opts.NotebookPath, types.SessionAbsent, nil, nil, nil, kerr)
		metrics.TasksTotal.WithLabelValues("kernel_startup_failed").Inc()
		return nil, kerr
	}

	sess := types.NewSession(opts.NotebookPath, defaultQueueCapacity)
	sess.Conn = handle.Conn
	sess.KernelPID = handle.PID()
	sess.KernelUUID = handle.KernelUUID
	sess.WorkDir = workDir
	sess.Env = handle.Env
	sess.EnvRoot = opts.EnvRoot
	sess.AgentID = opts.AgentID
	sess.StopOnError = opts.StopOnError
	sess.Timeout = opts.Timeout
	if sess.Timeout <= 0 {
		sess.Timeout = m.cfg.ExecutionTimeout
	}
	sess.State = types.SessionRunning

	mux := iomux.NewWithConfig(sess, m.cfg.OrphanBufferMax, m.cfg.InputRequestTimeout)
	mux.OnKernelInfoReply(handle.NotifyKernelInfoReply)
	mux.Start()

	if err := m.sched.Attach(sess); err != nil {
		sess.Cancel()
		_ = m.kernels.Stop(opts.NotebookPath)
		sess.Wait()
		kerr := notebookerr.New(notebookerr.KindStore, err)
		m.finishTransition(opts.NotebookPath, types.SessionAbsent, nil, nil, nil, kerr)
		return nil, kerr
	}

	checker := kernel.NewKernelInfoChecker(handle, m.cfg.HealthCheckInterval)
	sess.Go(func() { m.healthLoop(sess, handle, checker) })

	desc := &types.SessionDescriptor{
		NotebookPath:   opts.NotebookPath,
		ConnectionFile: handle.ConnectionFile,
		KernelPID:      handle.PID(),
		ServerPID:      m.serverPID,
		EnvInfo:        handle.Env,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.SaveSessionDescriptor(desc); err != nil {
		m.logger.Warn().Err(err).Str("notebook_path", opts.NotebookPath).Msg("failed to persist session descriptor")
	}

	m.finishTransition(opts.NotebookPath, types.SessionRunning, sess, handle, mux, nil)
	metrics.SessionsTotal.WithLabelValues("running").Inc()
	m.logger.Info().Str("notebook_path", opts.NotebookPath).Int("kernel_pid", sess.KernelPID).Msg("session started")
	return sess, nil
}

// finishTransition commits the outcome of a state transition and wakes
// every caller blocked in StartSession/RestartSession waiting on it.
func (m *Manager) finishTransition(notebookPath string, state types.SessionState, sess *types.Session, handle *kernel.Handle, mux *iomux.Multiplexer, err error) {
	m.mu.Lock()
	if state == types.SessionAbsent {
		delete(m.entries, notebookPath)
	} else {
		m.entries[notebookPath] = &entry{session: sess, handle: handle, mux: mux, state: state}
	}
	waiters := m.waiters[notebookPath]
	delete(m.waiters, notebookPath)
	m.mu.Unlock()

	for _, w := range waiters {
		w <- err
		close(w)
	}
}

// lookup returns the entry for a notebook path under the manager's lock.
func (m *Manager) lookup(notebookPath string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[notebookPath]
	return e, ok
}

// StopSession tears a session down: cancel background tasks, stop the
// kernel (graceful then forced),
// detach the scheduler, optionally garbage-collect orphaned assets, and
// discard the session descriptor.
func (m *Manager) StopSession(notebookPath string, cleanupAssets bool) error {
	e, ok := m.lookup(notebookPath)
	if !ok || e.session == nil {
		return notebookerr.New(notebookerr.KindCaller, fmt.Errorf("no session running for %s", notebookPath))
	}

	m.mu.Lock()
	e.state = types.SessionStopping
	m.mu.Unlock()

	sess := e.session
	sess.Cancel()
	if err := m.kernels.Stop(notebookPath); err != nil {
		m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("kernel stop reported an error")
	}
	sess.Wait()
	m.sched.Detach(notebookPath)

	if err := m.finalize.FlushPending(sess); err != nil {
		m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("failed to flush pending notebook writes on stop")
	}

	if cleanupAssets {
		if err := m.GC(notebookPath); err != nil {
			m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("asset GC failed during stop")
		}
	}

	if err := m.store.DeleteSessionDescriptor(notebookPath); err != nil {
		m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("failed to delete session descriptor")
	}

	m.finishTransition(notebookPath, types.SessionAbsent, nil, nil, nil, nil)
	metrics.SessionsTotal.WithLabelValues("stopped").Inc()
	m.logger.Info().Str("notebook_path", notebookPath).Msg("session stopped")
	return nil
}

// RestartSession stops the kernel
// subprocess, clear transient execution state, and start a fresh one with
// the same env root and agent scoping, leaving the durable queue and the
// notebook file untouched.
func (m *Manager) RestartSession(notebookPath string) (*types.Session, error) {
	e, ok := m.lookup(notebookPath)
	if !ok || e.session == nil {
		return nil, notebookerr.New(notebookerr.KindCaller, fmt.Errorf("no session running for %s", notebookPath))
	}

	m.mu.Lock()
	if e.state != types.SessionRunning {
		state := e.state
		m.mu.Unlock()
		return nil, notebookerr.Retryable(fmt.Errorf("session for %s is %s, cannot restart", notebookPath, state), 2)
	}
	e.state = types.SessionRestarting
	m.mu.Unlock()

	sess := e.session
	opts := kernel.StartOptions{
		NotebookPath: notebookPath,
		WorkDir:      sess.WorkDir,
		EnvRoot:      sess.EnvRoot,
		AgentID:      sess.AgentID,
	}

	if err := m.GC(notebookPath); err != nil {
		m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("asset GC failed during restart")
	}

	handle, err := m.kernels.Restart(opts)
	if err != nil {
		kerr := notebookerr.New(notebookerr.KindKernelStartup, err)
		m.finishTransition(notebookPath, types.SessionAbsent, nil, nil, nil, kerr)
		return nil, kerr
	}

	sess.Conn = handle.Conn
	sess.KernelPID = handle.PID()
	sess.KernelUUID = handle.KernelUUID
	sess.Env = handle.Env
	sess.ClearExecutions()

	mux := iomux.NewWithConfig(sess, m.cfg.OrphanBufferMax, m.cfg.InputRequestTimeout)
	mux.OnKernelInfoReply(handle.NotifyKernelInfoReply)
	mux.Start()

	checker := kernel.NewKernelInfoChecker(handle, m.cfg.HealthCheckInterval)
	sess.Go(func() { m.healthLoop(sess, handle, checker) })

	desc := &types.SessionDescriptor{
		NotebookPath:   notebookPath,
		ConnectionFile: handle.ConnectionFile,
		KernelPID:      handle.PID(),
		ServerPID:      m.serverPID,
		EnvInfo:        handle.Env,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.SaveSessionDescriptor(desc); err != nil {
		m.logger.Warn().Err(err).Str("notebook_path", notebookPath).Msg("failed to persist session descriptor")
	}

	m.finishTransition(notebookPath, types.SessionRunning, sess, handle, mux, nil)
	metrics.SessionsTotal.WithLabelValues("restarted").Inc()
	m.logger.Info().Str("notebook_path", notebookPath).Msg("session restarted")
	return sess, nil
}

// InterruptSession sends SIGINT-equivalent interrupt to a running kernel.
func (m *Manager) InterruptSession(notebookPath string) error {
	e, ok := m.lookup(notebookPath)
	if !ok || e.state != types.SessionRunning {
		return notebookerr.New(notebookerr.KindCaller, fmt.Errorf("no running session for %s", notebookPath))
	}
	return m.kernels.Interrupt(notebookPath)
}

// Submit enqueues a cell for execution on a running session. The task is
// durably persisted before the id is returned.
func (m *Manager) Submit(notebookPath string, cellIndex int, code string, taskID string) (*types.Task, error) {
	e, ok := m.lookup(notebookPath)
	if !ok || e.state != types.SessionRunning {
		return nil, notebookerr.New(notebookerr.KindCaller, fmt.Errorf("no running session for %s", notebookPath))
	}
	task, err := m.sched.SubmitWithID(e.session, cellIndex, code, taskID)
	if err != nil {
		if err == scheduler.ErrBackpressure {
			return nil, notebookerr.Retryable(err, 5)
		}
		return nil, notebookerr.New(notebookerr.KindStore, err)
	}
	return task, nil
}

// CancelTask cancels a task. A queued-not-started task is marked cancelled
// in the durable store and never executes. A running task gets its kernel
// interrupted and its execution record flipped to cancelled, so the
// scheduler commits the cancellation once the kernel reports idle.
func (m *Manager) CancelTask(notebookPath, taskID string) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return notebookerr.New(notebookerr.KindCaller, err)
	}

	if task.Status == types.TaskRunning {
		e, ok := m.lookup(notebookPath)
		if !ok || e.session == nil {
			return notebookerr.New(notebookerr.KindCaller, fmt.Errorf("task %s is running but no session exists for %s", taskID, notebookPath))
		}
		sess := e.session
		for _, key := range sess.ExecutionKeys() {
			rec, found := sess.Execution(key)
			if !found || rec.TaskID != taskID {
				continue
			}
			rec.RequestCancel()
			break
		}
		return m.kernels.Interrupt(notebookPath)
	}

	if task.Status.Terminal() {
		return nil
	}
	if err := m.store.CancelTask(taskID, "cancelled by client request"); err != nil {
		return notebookerr.New(notebookerr.KindStore, err)
	}
	metrics.TasksTotal.WithLabelValues(string(types.TaskCancelled)).Inc()
	return nil
}

// SubmitInput delivers a client's reply to an outstanding input_request.
func (m *Manager) SubmitInput(notebookPath, value string) error {
	e, ok := m.lookup(notebookPath)
	if !ok || e.state != types.SessionRunning {
		return notebookerr.New(notebookerr.KindCaller, fmt.Errorf("no running session for %s", notebookPath))
	}
	sess := e.session
	if !sess.WaitingForInput() {
		return notebookerr.New(notebookerr.KindCaller, fmt.Errorf("session %s is not waiting for input", notebookPath))
	}
	if err := sess.Conn.SendInputReply(value); err != nil {
		return notebookerr.New(notebookerr.KindKernelRuntime, err)
	}
	sess.SetWaitingForInput(false)
	sess.NotifyInputReceived()
	return nil
}

// TaskStatus returns the durable status of a single task.
func (m *Manager) TaskStatus(taskID string) (*types.Task, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, notebookerr.New(notebookerr.KindCaller, err)
	}
	return task, nil
}

// Subscribe registers the caller (typically one transport connection) as a
// subscriber to a running session's output/status/input_request
// notifications. The returned unsubscribe function must be called exactly
// once when the caller disconnects; it also drives the finalizer's
// skip-on-client-connected catch-up write once the last subscriber for the
// session is gone.
func (m *Manager) Subscribe(notebookPath string) (events.Subscriber, func(), error) {
	e, ok := m.lookup(notebookPath)
	if !ok || e.session == nil {
		return nil, nil, notebookerr.New(notebookerr.KindCaller, fmt.Errorf("no session running for %s", notebookPath))
	}

	sess := e.session
	sub := sess.Subscribers.Subscribe()
	sess.AddSubscriber()

	unsub := func() {
		sess.Subscribers.Unsubscribe(sub)
		sess.RemoveSubscriber()
		if !sess.HasSubscribers() {
			if err := m.finalize.FlushPending(sess); err != nil {
				m.logger.Warn().Err(err).Str("notebook_path", notebookPath).
					Msg("failed to flush pending notebook writes after last subscriber disconnected")
			}
		}
	}
	return sub, unsub, nil
}

// ListSessions returns a snapshot of every session the manager currently
// tracks, running or mid-transition.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.entries))
	for path, e := range m.entries {
		info := SessionInfo{NotebookPath: path, State: e.state}
		if e.session != nil {
			info.KernelPID = e.session.KernelPID
			info.EnvName = e.session.Env.EnvName
			info.StartedAt = e.session.Env.StartedAt
		}
		out = append(out, info)
	}
	return out
}

// cancelPending cancels every durably-pending task for a notebook, used by
// resync's force strategy before it requeues the whole notebook.
func (m *Manager) cancelPending(notebookPath string) error {
	pending, err := m.store.PendingTasks(notebookPath)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if err := m.store.CancelTask(t.ID, "cancelled: superseded by forced resync"); err != nil {
			m.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to cancel pending task during forced resync")
		}
	}
	return nil
}

// onKernelExit is the kernel.Lifecycle exit callback: it fails any
// in-flight execution so the scheduler's runOne unblocks instead of
// waiting out the full execution timeout, then leaves the session absent
// rather than auto-restarting — the client decides whether to start a
// fresh kernel.
func (m *Manager) onKernelExit(h *kernel.Handle, message string) {
	m.mu.Lock()
	var path string
	var e *entry
	for p, en := range m.entries {
		if en.handle == h {
			path, e = p, en
			break
		}
	}
	m.mu.Unlock()
	if e == nil || e.session == nil {
		return
	}

	m.logger.Error().Str("notebook_path", path).Str("reason", message).Msg("kernel process exited")

	sess := e.session
	for _, key := range sess.ExecutionKeys() {
		rec, ok := sess.Execution(key)
		if !ok {
			continue
		}
		rec.Outputs = append(rec.Outputs, types.Output{
			Type:     types.OutputError,
			ErrName:  "KernelDied",
			ErrValue: message,
		})
		rec.Complete(types.TaskFailed)
	}

	sess.Cancel()
	m.sched.Detach(path)
	m.kernels.Remove(path)
	m.finishTransition(path, types.SessionAbsent, nil, nil, nil, nil)
}

// healthLoop periodically round-trips kernel_info through the kernel
// connection, logging degraded health. It exits when the session's context
// is cancelled or the multiplexer's circuit breaker trips.
func (m *Manager) healthLoop(sess *types.Session, handle *kernel.Handle, checker *kernel.KernelInfoChecker) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = health.DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	status := health.NewStatus()
	cfg := health.DefaultConfig()
	cfg.Interval = interval

	for {
		select {
		case <-sess.Context().Done():
			return
		case <-ticker.C:
			result := checker.Check(sess.Context())
			status.Update(result, cfg)
			if !status.Healthy {
				m.logger.Warn().
					Str("notebook_path", sess.NotebookPath).
					Str("message", result.Message).
					Msg("kernel health check failed")
			}
		}
	}
}

// Shutdown drains every session's in-flight task, then force-stops their
// kernels and closes the durable store: signal each subsystem to stop,
// join, then close storage last.
func (m *Manager) Shutdown(grace time.Duration) error {
	m.mu.Lock()
	sessions := make([]*types.Session, 0, len(m.entries))
	paths := make([]string, 0, len(m.entries))
	for path, e := range m.entries {
		if e.session != nil {
			sessions = append(sessions, e.session)
			paths = append(paths, path)
		}
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		select {
		case sess.Queue <- types.ShutdownSentinel:
		default:
			m.logger.Warn().Str("notebook_path", sess.NotebookPath).Msg("queue full, could not enqueue shutdown sentinel")
		}
	}

	done := make(chan struct{})
	go func() {
		for _, sess := range sessions {
			sess.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn().Msg("shutdown grace period elapsed, forcing kernel termination")
	}

	for i, sess := range sessions {
		sess.Cancel()
		if err := m.finalize.FlushPending(sess); err != nil {
			m.logger.Warn().Err(err).Str("notebook_path", sess.NotebookPath).Msg("failed to flush pending notebook writes on shutdown")
		}
		if err := m.kernels.Stop(paths[i]); err != nil {
			m.logger.Warn().Err(err).Str("notebook_path", paths[i]).Msg("kernel stop reported an error during shutdown")
		}
	}

	m.sched.Stop()
	return m.store.Close()
}
