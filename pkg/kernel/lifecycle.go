package kernel

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/cuemby/notebookd/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls kernel startup behavior.
type Config struct {
	MaxConcurrentKernels int
	ReadyTimeout         time.Duration
	StopGrace            time.Duration
}

// DefaultConfig returns the default kernel-lifecycle tunables.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentKernels: 10,
		ReadyTimeout:         120 * time.Second,
		StopGrace:            10 * time.Second,
	}
}

// BridgeCommand builds the *exec.Cmd that speaks the newline-delimited JSON
// bridge framing (pkg/wire) on its stdin/stdout and owns the actual
// ZeroMQ conversation with a real Jupyter kernel. It is an injected
// collaborator so tests can substitute a scripted process for the real
// bridge.
type BridgeCommand func(pythonExe, workDir string, env []string) *exec.Cmd

// Lifecycle manages kernel subprocess lifetime and enforces
// MAX_CONCURRENT_KERNELS.
type Lifecycle struct {
	cfg    Config
	bridge BridgeCommand
	logger zerolog.Logger
	onExit func(h *Handle, message string)

	mu      sync.RWMutex
	kernels map[string]*Handle // keyed by notebook path
}

// New creates a kernel Lifecycle manager. onExit, if non-nil, is invoked
// from the exit-monitor goroutine whenever a kernel process dies.
func New(cfg Config, bridge BridgeCommand, onExit func(h *Handle, message string)) *Lifecycle {
	return &Lifecycle{
		cfg:     cfg,
		bridge:  bridge,
		logger:  log.WithComponent("kernel"),
		onExit:  onExit,
		kernels: make(map[string]*Handle),
	}
}

// StartOptions are the inputs to starting one kernel.
type StartOptions struct {
	NotebookPath string
	WorkDir      string
	EnvRoot      string // optional interpreter root
	AgentID      string // optional agent-scoped subdirectory
}

var agentIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// resolveInterpreter picks the kernel's Python: an explicit env root is
// probed at its OS-specific interpreter path, falling back to the system
// python3.
func resolveInterpreter(envRoot string) (pythonExe, envName string) {
	if envRoot != "" {
		var candidate string
		if runtime.GOOS == "windows" {
			candidate = filepath.Join(envRoot, "Scripts", "python.exe")
		} else {
			candidate = filepath.Join(envRoot, "bin", "python")
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, "venv:" + filepath.Base(envRoot)
		}
	}
	if p, err := exec.LookPath("python3"); err == nil {
		return p, "system"
	}
	return "python3", "system"
}

// Start launches a kernel for one notebook: enforce the concurrency cap,
// resolve the interpreter, inject the per-kernel UUID, spawn the bridge
// subprocess and wait for it to report ready.
func (l *Lifecycle) Start(opts StartOptions) (*Handle, error) {
	l.mu.Lock()
	if len(l.kernels) >= l.cfg.MaxConcurrentKernels {
		l.mu.Unlock()
		return nil, fmt.Errorf("maximum concurrent kernels (%d) reached", l.cfg.MaxConcurrentKernels)
	}
	if _, exists := l.kernels[opts.NotebookPath]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("session already running for %s", opts.NotebookPath)
	}
	l.mu.Unlock()

	workDir := opts.WorkDir
	if opts.AgentID != "" {
		safe := agentIDSanitizer.ReplaceAllString(opts.AgentID, "_")
		workDir = filepath.Join(workDir, "agent_"+safe)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, fmt.Errorf("create agent workspace: %w", err)
		}
	}

	pythonExe, envName := resolveInterpreter(opts.EnvRoot)

	kernelUUID := uuid.NewString()
	childEnv := append(os.Environ(), "NOTEBOOKD_KERNEL_ID="+kernelUUID)

	timer := metrics.NewTimer()
	cmd := l.bridge(pythonExe, workDir, childEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(err)
	}

	h := newHandle(opts.NotebookPath)
	h.KernelUUID = kernelUUID
	h.Cmd = cmd
	h.Conn = wire.NewStdioConn(kernelUUID, stdin, stdout)
	h.ConnectionFile = filepath.Join(workDir, fmt.Sprintf(".kernel-%s.json", kernelUUID))
	h.Env = types.EnvProvenance{
		InterpreterPath: pythonExe,
		EnvName:         envName,
		StartedAt:       time.Now().UTC(),
		SessionUUID:     kernelUUID,
	}
	h.StartedAt = h.Env.StartedAt

	go l.monitorExit(h)

	if err := l.waitReady(h); err != nil {
		if h.Cmd.Process != nil {
			_ = h.Cmd.Process.Kill()
		}
		<-h.ExitDone()
		return nil, classifyStartError(err)
	}

	l.mu.Lock()
	l.kernels[opts.NotebookPath] = h
	l.mu.Unlock()

	metrics.KernelsActive.Inc()
	metrics.KernelStartDuration.Observe(timer.Duration().Seconds())

	l.logger.Info().
		Str("notebook_path", opts.NotebookPath).
		Str("env", envName).
		Str("kernel_uuid", kernelUUID).
		Msg("kernel started")

	return h, nil
}

// waitReady blocks until the kernel answers a kernel_info_request,
// bounded by the configured ready timeout. It drains the
// iopub stream directly — the I/O multiplexer is not attached yet at this
// point, and nothing before readiness carries a parent-id any execution
// cares about.
func (l *Lifecycle) waitReady(h *Handle) error {
	if err := h.Conn.KernelInfo(); err != nil {
		return fmt.Errorf("kernel_info_request during startup: %w", err)
	}

	ready := make(chan error, 1)
	go func() {
		for {
			msg, err := h.Conn.RecvIOPub()
			if err != nil {
				ready <- err
				return
			}
			if msg.Header.MsgType == wire.MsgKernelInfoReply {
				ready <- nil
				return
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("kernel connection failed before ready: %w", err)
		}
		return nil
	case <-time.After(l.cfg.ReadyTimeout):
		return fmt.Errorf("kernel did not report ready within %s", l.cfg.ReadyTimeout)
	}
}

// classifyStartError rewrites common ZMQ port-conflict failures into a
// structured, actionable error naming the likely remediations.
func classifyStartError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"zmq", "bind", "address already in use", "cannot assign requested address"} {
		if strings.Contains(msg, kw) {
			return fmt.Errorf("kernel startup failed due to port conflict (stale kernel process, or ports exhausted); "+
				"check for orphaned kernel processes and retry: %w", err)
		}
	}
	return fmt.Errorf("kernel startup failed: %w", err)
}

// Stop sends a graceful shutdown, then forces termination if the kernel
// does not exit within the grace window. Session-local bookkeeping is
// removed unconditionally.
func (l *Lifecycle) Stop(notebookPath string) error {
	l.mu.Lock()
	h, ok := l.kernels[notebookPath]
	if ok {
		delete(l.kernels, notebookPath)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running kernel for %s", notebookPath)
	}

	h.Conn.Close()
	if h.Cmd.Process != nil {
		_ = h.Cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-h.ExitDone():
	case <-time.After(l.cfg.StopGrace):
		if h.Cmd.Process != nil {
			_ = h.Cmd.Process.Kill()
		}
		<-h.ExitDone()
	}

	metrics.KernelsActive.Dec()
	l.logger.Info().Str("notebook_path", notebookPath).Msg("kernel stopped")
	return nil
}

// Restart sends a restart by stopping and re-starting with the same
// options. Callers are responsible for clearing in-memory execution records
// (C4's responsibility, not C2's).
func (l *Lifecycle) Restart(opts StartOptions) (*Handle, error) {
	_ = l.Stop(opts.NotebookPath)
	return l.Start(opts)
}

// Interrupt sends the wire-protocol interrupt signal.
func (l *Lifecycle) Interrupt(notebookPath string) error {
	h, ok := l.Get(notebookPath)
	if !ok {
		return fmt.Errorf("no running kernel for %s", notebookPath)
	}
	return h.Conn.Interrupt()
}

// Get returns the handle for a running session, if any.
func (l *Lifecycle) Get(notebookPath string) (*Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.kernels[notebookPath]
	return h, ok
}

// Count returns the number of currently active kernels.
func (l *Lifecycle) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.kernels)
}

// Remove drops bookkeeping for a kernel without attempting graceful
// shutdown — used when a kernel has already been observed dead.
func (l *Lifecycle) Remove(notebookPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.kernels[notebookPath]; ok {
		delete(l.kernels, notebookPath)
		metrics.KernelsActive.Dec()
	}
}
