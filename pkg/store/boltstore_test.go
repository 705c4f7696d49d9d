package store

import (
	"testing"
	"time"

	"github.com/cuemby/notebookd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueAndPendingTasks(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.Enqueue("/nb/A.ipynb", 0, "x=1", "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	id2, err := s.Enqueue("/nb/A.ipynb", 1, "y=2", "")
	require.NoError(t, err)

	pending, err := s.PendingTasks("/nb/A.ipynb")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)
}

func TestEnqueueIdempotentOnTaskID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Enqueue("/nb/A.ipynb", 0, "x=1", "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	_, err = s.Enqueue("/nb/A.ipynb", 0, "x=2", "fixed-id")
	require.NoError(t, err)

	task, err := s.GetTask("fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "x=2", task.Code)
}

func TestMarkRunningCompleteFailed(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Enqueue("/nb/A.ipynb", 0, "x=1", "")
	require.NoError(t, err)

	require.NoError(t, s.MarkRunning(id))
	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.Status)
	assert.False(t, task.StartedAt.IsZero())

	require.NoError(t, s.MarkComplete(id, []types.Output{{Type: types.OutputStream, Text: "hi\n"}}, 1))
	task, err = s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, 1, task.ExecutionCount)
	assert.Len(t, task.Outputs, 1)

	id2, err := s.Enqueue("/nb/A.ipynb", 1, "raise ValueError", "")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(id2, "ValueError: boom"))
	task2, err := s.GetTask(id2)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task2.Status)
	assert.Equal(t, "ValueError: boom", task2.ErrorMessage)
}

func TestCancelTask(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Enqueue("/nb/A.ipynb", 0, "x=1", "")
	require.NoError(t, err)

	require.NoError(t, s.CancelTask(id, "stop_on_error cascade"))
	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)

	pending, err := s.PendingTasks("/nb/A.ipynb")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRenewLeaseAndExpiredAssets(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RenewLease("/nb/assets/a.png", "/nb/A.ipynb", -time.Hour))
	require.NoError(t, s.RenewLease("/nb/assets/b.png", "/nb/A.ipynb", time.Hour))

	expired, err := s.ExpiredAssets()
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "/nb/assets/a.png", expired[0].AssetPath)

	require.NoError(t, s.DeleteLease("/nb/assets/a.png"))
	expired, err = s.ExpiredAssets()
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestCleanupCompleted(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Enqueue("/nb/A.ipynb", 0, "x=1", "")
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete(id, nil, 1))

	n, err := s.CleanupCompleted(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetTask(id)
	assert.Error(t, err)
}

func TestSessionDescriptorRoundTrip(t *testing.T) {
	s := newTestStore(t)

	desc := &types.SessionDescriptor{
		NotebookPath:   "/nb/A.ipynb",
		ConnectionFile: "/tmp/kernel-123.json",
		KernelPID:      1234,
		ServerPID:      5678,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveSessionDescriptor(desc))

	all, err := s.LoadSessionDescriptors()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, desc.NotebookPath, all[0].NotebookPath)
	assert.Equal(t, desc.KernelPID, all[0].KernelPID)

	require.NoError(t, s.DeleteSessionDescriptor(desc.NotebookPath))
	all, err = s.LoadSessionDescriptors()
	require.NoError(t, err)
	assert.Empty(t, all)
}
