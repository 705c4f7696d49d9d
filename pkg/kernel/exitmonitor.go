package kernel

import (
	"strings"

	"github.com/cuemby/notebookd/pkg/metrics"
)

// monitorExit blocks on the kernel subprocess's Wait() and classifies its
// exit, marking the handle exited and invoking the Lifecycle's onExit
// callback (typically the session manager, to flip session state and fail
// any in-flight execution).
func (l *Lifecycle) monitorExit(h *Handle) {
	err := h.Cmd.Wait()
	message := classifyExit(h, err)

	h.MarkExited(message)

	l.mu.Lock()
	if current, ok := l.kernels[h.NotebookPath]; ok && current == h {
		delete(l.kernels, h.NotebookPath)
		metrics.KernelsActive.Dec()
	}
	l.mu.Unlock()

	reason := "exit"
	if strings.Contains(message, "out of memory") {
		reason = "oom"
	} else if message != "" {
		reason = "crash"
	}
	metrics.KernelCrashesTotal.WithLabelValues(reason).Inc()

	l.logger.Warn().
		Str("notebook_path", h.NotebookPath).
		Str("kernel_uuid", h.KernelUUID).
		Str("reason", reason).
		Msg("kernel process exited")

	if l.onExit != nil {
		l.onExit(h, message)
	}
}

// classifyExit turns a process Wait() error into a human-readable
// classification, recognizing the OOM-killer's signature exit codes
// (137 = 128+SIGKILL, or a raw -9 on some platforms' ProcessState).
func classifyExit(h *Handle, err error) string {
	if err == nil {
		return ""
	}
	if h.Cmd.ProcessState != nil {
		code := h.Cmd.ProcessState.ExitCode()
		if code == 137 || code == -9 {
			return "kernel process was killed, likely out of memory"
		}
	}
	return err.Error()
}
