package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/cuemby/notebookd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer collects log output from the worker goroutine without racing
// the test's reads.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// succeedingConn resolves every execution as a clean completed execute_result.
type succeedingConn struct {
	session *types.Session
}

func (c *succeedingConn) Execute(code string) (string, error) {
	msgID := fmt.Sprintf("msg-%d", time.Now().UnixNano())
	go c.resolve(msgID)
	return msgID, nil
}
func (c *succeedingConn) resolve(msgID string) {
	time.Sleep(5 * time.Millisecond)
	rec, ok := c.session.Execution(msgID)
	if !ok {
		return
	}
	rec.Complete(types.TaskCompleted)
}
func (c *succeedingConn) RecvIOPub() (*wire.Message, error) { return nil, nil }
func (c *succeedingConn) RecvStdin() (*wire.Message, error) { return nil, nil }
func (c *succeedingConn) SendInputReply(string) error       { return nil }
func (c *succeedingConn) Interrupt() error                  { return nil }
func (c *succeedingConn) KernelInfo() error                 { return nil }
func (c *succeedingConn) Close() error                      { return nil }

// failingConn resolves its first execution as an error output and every
// later one as completed, so the test can verify stop-on-error cascading.
type failingConn struct {
	session *types.Session
	mu      sync.Mutex
	calls   int
}

func (c *failingConn) Execute(code string) (string, error) {
	c.mu.Lock()
	first := c.calls == 0
	c.calls++
	c.mu.Unlock()

	msgID := fmt.Sprintf("msg-%d", time.Now().UnixNano())
	go c.resolve(msgID, first)
	return msgID, nil
}
func (c *failingConn) resolve(msgID string, first bool) {
	time.Sleep(5 * time.Millisecond)
	rec, ok := c.session.Execution(msgID)
	if !ok {
		return
	}
	if first {
		rec.Outputs = []types.Output{{Type: types.OutputError, ErrName: "ValueError", ErrValue: "boom"}}
		rec.Complete(types.TaskFailed)
	} else {
		rec.Complete(types.TaskCompleted)
	}
}
func (c *failingConn) RecvIOPub() (*wire.Message, error) { return nil, nil }
func (c *failingConn) RecvStdin() (*wire.Message, error) { return nil, nil }
func (c *failingConn) SendInputReply(string) error       { return nil }
func (c *failingConn) Interrupt() error                  { return nil }
func (c *failingConn) KernelInfo() error                 { return nil }
func (c *failingConn) Close() error                      { return nil }

// blockingConn never resolves an execution, keeping the worker busy so a
// second submitted task stays queued long enough to exercise backpressure.
type blockingConn struct{}

func (c *blockingConn) Execute(code string) (string, error) {
	return fmt.Sprintf("msg-%d", time.Now().UnixNano()), nil
}
func (c *blockingConn) RecvIOPub() (*wire.Message, error) { return nil, nil }
func (c *blockingConn) RecvStdin() (*wire.Message, error) { return nil, nil }
func (c *blockingConn) SendInputReply(string) error       { return nil }
func (c *blockingConn) Interrupt() error                  { return nil }
func (c *blockingConn) KernelInfo() error                 { return nil }
func (c *blockingConn) Close() error                      { return nil }

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 8)
	session.Timeout = time.Second

	var finalizedTaskID string
	sched := New(st, func(s *types.Session, task *types.Task, rec *types.ExecutionRecord) error {
		finalizedTaskID = task.ID
		return nil
	})

	session.Conn = &succeedingConn{session: session}

	require.NoError(t, sched.Attach(session))
	task, err := sched.Submit(session, 0, "x = 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetTask(task.ID)
		return err == nil && got.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, task.ID, finalizedTaskID)
}

func TestSubmitBackpressureRejectsWhenQueueFull(t *testing.T) {
	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 1)
	session.Timeout = time.Second
	session.Conn = &blockingConn{}

	sched := New(st, nil)
	require.NoError(t, sched.Attach(session))

	_, err := sched.Submit(session, 0, "slow()")
	require.NoError(t, err)
	// give the worker time to dequeue the first task and block on it,
	// freeing the queue slot; then fill it again and overflow it.
	time.Sleep(20 * time.Millisecond)
	_, err = sched.Submit(session, 1, "y = 2")
	require.NoError(t, err)
	_, err = sched.Submit(session, 2, "z = 3")
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestTimeoutMarksTaskTimeoutAndWorkerContinues(t *testing.T) {
	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 8)
	session.Timeout = 30 * time.Millisecond
	session.Conn = &blockingConn{}

	sched := New(st, nil)
	require.NoError(t, sched.Attach(session))

	task, err := sched.Submit(session, 0, "import time; time.sleep(10)")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetTask(task.ID)
		return err == nil && got.Status == types.TaskTimeout
	}, time.Second, 5*time.Millisecond)

	// stop_on_error defaults to false: the worker must keep accepting work.
	next, err := sched.Submit(session, 1, "x = 1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := st.GetTask(next.ID)
		return err == nil && got.Status != types.TaskPending
	}, time.Second, 5*time.Millisecond)
}

func TestExecutionCountsAreMonotoneInSubmitOrder(t *testing.T) {
	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 8)
	session.Timeout = time.Second
	session.Conn = &succeedingConn{session: session}

	sched := New(st, nil)
	require.NoError(t, sched.Attach(session))

	var ids []string
	for i := 0; i < 4; i++ {
		task, err := sched.Submit(session, i, fmt.Sprintf("x = %d", i))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	require.Eventually(t, func() bool {
		got, err := st.GetTask(ids[len(ids)-1])
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	for i, id := range ids {
		got, err := st.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskCompleted, got.Status)
		assert.Equal(t, i+1, got.ExecutionCount)
	}
}

func TestLinearityWarningOnOutOfOrderExecution(t *testing.T) {
	logs := &syncBuffer{}
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: true, Output: logs})

	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 8)
	session.Timeout = time.Second
	session.Conn = &succeedingConn{session: session}

	sched := New(st, nil)
	require.NoError(t, sched.Attach(session))

	runCell := func(index int) *types.Task {
		t.Helper()
		task, err := sched.Submit(session, index, fmt.Sprintf("x = %d", index))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			got, err := st.GetTask(task.ID)
			return err == nil && got.Status.Terminal()
		}, time.Second, 5*time.Millisecond)
		return task
	}

	// in-order execution of 0, 1, 2 must not warn.
	for i := 0; i < 3; i++ {
		runCell(i)
	}
	assert.NotContains(t, logs.String(), "cell executed out of linear order")

	// re-running cell 1 after cell 2 warns, naming both indices, and the
	// task still executes normally.
	rerun := runCell(1)
	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "cell executed out of linear order"))
	assert.Contains(t, out, `"cell_index":1`)
	assert.Contains(t, out, `"max_executed_index":2`)

	got, err := st.GetTask(rerun.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, 4, got.ExecutionCount)
}

func TestLinearityWarningOnSameCellRerun(t *testing.T) {
	logs := &syncBuffer{}
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: true, Output: logs})

	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 8)
	session.Timeout = time.Second
	session.Conn = &succeedingConn{session: session}

	sched := New(st, nil)
	require.NoError(t, sched.Attach(session))

	for i := 0; i < 2; i++ {
		task, err := sched.Submit(session, 0, "x = 1")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			got, err := st.GetTask(task.ID)
			return err == nil && got.Status.Terminal()
		}, time.Second, 5*time.Millisecond)
	}

	// the first run of cell 0 is clean; running it again back-to-back is
	// out of linear order even though no later cell ever executed.
	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "cell executed out of linear order"))
	assert.Contains(t, out, `"max_executed_index":0`)
}

func TestStopOnErrorCancelsQueuedTasks(t *testing.T) {
	st := newTestStore(t)
	session := types.NewSession("/nb/A.ipynb", 8)
	session.Timeout = time.Second
	session.StopOnError = true

	sched := New(st, func(s *types.Session, task *types.Task, rec *types.ExecutionRecord) error { return nil })
	session.Conn = &failingConn{session: session}
	require.NoError(t, sched.Attach(session))

	failing, err := sched.Submit(session, 0, "raise ValueError()")
	require.NoError(t, err)
	queued, err := sched.Submit(session, 1, "x = 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetTask(queued.ID)
		return err == nil && got.Status == types.TaskCancelled
	}, time.Second, 5*time.Millisecond)

	got, err := st.GetTask(failing.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
}
