package session

import (
	"errors"
	"os"
	"syscall"

	"github.com/cuemby/notebookd/pkg/kernel"
)

// Startup performs the boot-time recovery pass: classify every
// persisted session descriptor as belonging to a still-live server
// (fratricide prevention — never touch it) or a zombie left behind by a
// dead server, and kill any orphaned kernel process a zombie descriptor
// still points at. It does not auto-restart sessions; a client must call
// StartSession to bring a notebook back under management, at which point
// the durable execution queue's pending tasks are what actually resume
// (scheduler.Attach loads them on Attach, not Startup).
func (m *Manager) Startup() error {
	live, zombies, err := kernel.Reconcile(m.store)
	if err != nil {
		return err
	}

	for _, desc := range live {
		m.logger.Warn().
			Str("notebook_path", desc.NotebookPath).
			Int("server_pid", desc.ServerPID).
			Msg("session descriptor belongs to another live server instance, leaving untouched")
	}

	for _, desc := range zombies {
		if desc.KernelPID != 0 && processAlive(desc.KernelPID) {
			m.logger.Warn().
				Str("notebook_path", desc.NotebookPath).
				Int("kernel_pid", desc.KernelPID).
				Msg("killing orphaned kernel process left behind by a dead server instance")
			if proc, err := os.FindProcess(desc.KernelPID); err == nil {
				_ = proc.Kill()
			}
		}
		if err := m.store.DeleteSessionDescriptor(desc.NotebookPath); err != nil {
			m.logger.Warn().Err(err).Str("notebook_path", desc.NotebookPath).Msg("failed to delete stale session descriptor")
		}
	}

	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
