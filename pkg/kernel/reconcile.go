package kernel

import (
	"errors"
	"os"
	"syscall"

	"github.com/cuemby/notebookd/pkg/store"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/cuemby/notebookd/pkg/wire"
)

// ReconcileOutcome is the disposition of one persisted session descriptor
// found at startup.
type ReconcileOutcome string

const (
	// ReconcileLive means the server process and kernel are both still
	// alive; the session can be re-attached without restarting the kernel.
	ReconcileLive ReconcileOutcome = "live"
	// ReconcileZombie means the descriptor's process is gone or its
	// connection file is invalid; the descriptor should be discarded.
	ReconcileZombie ReconcileOutcome = "zombie"
)

// Reconcile walks every persisted session descriptor and classifies it as
// live or zombie. It runs once at server boot rather than on an interval:
// ownership of a kernel subprocess never changes after startup, so there
// is nothing new for a periodic pass to discover.
func Reconcile(s store.Store) (live []*types.SessionDescriptor, zombies []*types.SessionDescriptor, err error) {
	descriptors, err := s.LoadSessionDescriptors()
	if err != nil {
		return nil, nil, err
	}

	for _, desc := range descriptors {
		if isZombie(desc) {
			zombies = append(zombies, desc)
			continue
		}
		live = append(live, desc)
	}
	return live, zombies, nil
}

// isZombie reports whether a session descriptor's process is dead or its
// connection file has gone stale.
func isZombie(desc *types.SessionDescriptor) bool {
	if desc.ServerPID == 0 || !processAlive(desc.ServerPID) {
		return true
	}
	if desc.KernelPID == 0 || !processAlive(desc.KernelPID) {
		return true
	}
	if !wire.Valid(desc.ConnectionFile) {
		return true
	}
	return false
}

// processAlive reports whether a PID refers to a live process. On POSIX,
// os.FindProcess always succeeds, so liveness is determined by signalling
// it with signal 0. EPERM means the process exists but belongs to another
// user — alive for fratricide-prevention purposes.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
