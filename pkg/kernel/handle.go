// Package kernel owns kernel subprocesses: starting, stopping, restarting,
// interrupting, health-checking, enforcing the concurrent-kernel cap, and
// reconciling zombie kernels left behind by a dead server instance.
package kernel

import (
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/notebookd/pkg/types"
	"github.com/cuemby/notebookd/pkg/wire"
)

// Handle is the live state of one kernel subprocess.
type Handle struct {
	NotebookPath   string
	KernelUUID     string
	ConnectionFile string
	Cmd            *exec.Cmd
	Conn           wire.KernelConn
	Env            types.EnvProvenance
	StartedAt      time.Time

	mu       sync.Mutex
	lastErr  string
	exited   bool
	exitDone chan struct{}

	kernelInfoMu   sync.Mutex
	kernelInfoWait chan time.Time
}

func newHandle(notebookPath string) *Handle {
	return &Handle{
		NotebookPath: notebookPath,
		exitDone:     make(chan struct{}),
	}
}

// PID returns the kernel subprocess's PID, or 0 if not started.
func (h *Handle) PID() int {
	if h.Cmd == nil || h.Cmd.Process == nil {
		return 0
	}
	return h.Cmd.Process.Pid
}

// MarkExited records the observed exit error (nil on clean exit) and closes
// the exit-done channel exactly once. Safe to call from the exit monitor.
func (h *Handle) MarkExited(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.lastErr = message
	close(h.exitDone)
}

// Exited reports whether the kernel process has been observed to exit, and
// the classification message if so.
func (h *Handle) Exited() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.lastErr
}

// ExitDone returns a channel closed when the exit monitor observes this
// kernel's process exit.
func (h *Handle) ExitDone() <-chan struct{} {
	return h.exitDone
}

// AwaitKernelInfoReply blocks until the I/O multiplexer observes a
// kernel_info_reply for this kernel (via NotifyKernelInfoReply) or the
// timeout elapses. Returns the round-trip latency.
func (h *Handle) AwaitKernelInfoReply(sentAt time.Time, timeout time.Duration) (time.Duration, bool) {
	h.kernelInfoMu.Lock()
	ch := make(chan time.Time, 1)
	h.kernelInfoWait = ch
	h.kernelInfoMu.Unlock()

	select {
	case t := <-ch:
		return t.Sub(sentAt), true
	case <-time.After(timeout):
		return 0, false
	}
}

// NotifyKernelInfoReply is called by the I/O multiplexer when a
// kernel_info_reply message arrives on this kernel's iopub/shell stream.
func (h *Handle) NotifyKernelInfoReply(at time.Time) {
	h.kernelInfoMu.Lock()
	ch := h.kernelInfoWait
	h.kernelInfoMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- at:
	default:
	}
}
