// Package store provides ACID persistence for the execution queue and
// asset leases, so that both survive process crashes.
package store

import (
	"time"

	"github.com/cuemby/notebookd/pkg/types"
)

// Store is the durable-store contract. All per-task status transitions
// commit in a single transaction; the store never holds a transaction
// across kernel I/O.
type Store interface {
	// Enqueue inserts a row with status pending, created_at = now.
	// Idempotent on taskID: re-enqueueing an existing id overwrites
	// atomically.
	Enqueue(notebookPath string, cellIndex int, code string, taskID string) (string, error)

	// PendingTasks returns pending rows ordered by created_at ascending.
	// When notebookPath is empty, returns all pending tasks across the
	// database (used at startup recovery).
	PendingTasks(notebookPath string) ([]*types.Task, error)

	// MarkRunning atomically updates status to running and records
	// started_at.
	MarkRunning(taskID string) error

	// MarkComplete atomically marks a task completed, updating outputs and
	// execution count when provided.
	MarkComplete(taskID string, outputs []types.Output, executionCount int) error

	// MarkFailed atomically marks a task failed and records completed_at.
	MarkFailed(taskID string, errMsg string) error

	// MarkTimeout atomically marks a task timed out and records
	// completed_at.
	MarkTimeout(taskID string, errMsg string) error

	// GetTask returns a single task by id.
	GetTask(taskID string) (*types.Task, error)

	// CancelTask marks a queued-not-started task cancelled and removes it
	// from future dequeue.
	CancelTask(taskID, reason string) error

	// RenewLease upserts an asset lease, setting last_seen = now and
	// lease_expires = now + ttl.
	RenewLease(assetPath, notebookPath string, ttl time.Duration) error

	// ExpiredAssets selects leases with lease_expires < now.
	ExpiredAssets() ([]*types.AssetLease, error)

	// DeleteLease removes a lease record (after the asset file itself has
	// been deleted).
	DeleteLease(assetPath string) error

	// CleanupCompleted deletes terminal-status rows older than age.
	CleanupCompleted(age time.Duration) (int, error)

	// SaveSessionDescriptor persists (or overwrites) a session descriptor.
	SaveSessionDescriptor(desc *types.SessionDescriptor) error

	// LoadSessionDescriptors returns all persisted session descriptors,
	// used at startup recovery and zombie reconciliation.
	LoadSessionDescriptors() ([]*types.SessionDescriptor, error)

	// DeleteSessionDescriptor removes a session descriptor.
	DeleteSessionDescriptor(notebookPath string) error

	// Close closes the underlying database.
	Close() error
}
