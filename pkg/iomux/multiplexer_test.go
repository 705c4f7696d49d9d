package iomux

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/notebookd/pkg/types"
	"github.com/cuemby/notebookd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn feeds iopub/stdin messages to a multiplexer under test on
// demand, via buffered channels a test can push onto at any time.
type scriptedConn struct {
	iopub chan *wire.Message
	stdin chan *wire.Message
	done  chan struct{}
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		iopub: make(chan *wire.Message, 16),
		stdin: make(chan *wire.Message, 16),
		done:  make(chan struct{}),
	}
}

func (c *scriptedConn) push(msgs ...*wire.Message) {
	for _, m := range msgs {
		c.iopub <- m
	}
}

func (c *scriptedConn) Execute(string) (string, error) { return "", nil }
func (c *scriptedConn) RecvIOPub() (*wire.Message, error) {
	select {
	case m := <-c.iopub:
		return m, nil
	case <-c.done:
		return nil, fmt.Errorf("closed")
	}
}
func (c *scriptedConn) RecvStdin() (*wire.Message, error) {
	select {
	case m := <-c.stdin:
		return m, nil
	case <-c.done:
		return nil, fmt.Errorf("closed")
	}
}
func (c *scriptedConn) SendInputReply(string) error { return nil }
func (c *scriptedConn) Interrupt() error            { return nil }
func (c *scriptedConn) KernelInfo() error           { return nil }
func (c *scriptedConn) Close() error                { close(c.done); return nil }

func statusMsg(parentID, state string) *wire.Message {
	return &wire.Message{
		Header:       wire.Header{MsgType: wire.MsgStatus},
		ParentHeader: wire.Header{MsgID: parentID},
		Content:      map[string]any{"execution_state": state},
	}
}

func streamMsg(parentID, text string) *wire.Message {
	return &wire.Message{
		Header:       wire.Header{MsgType: wire.MsgStream},
		ParentHeader: wire.Header{MsgID: parentID},
		Content:      map[string]any{"name": "stdout", "text": text},
	}
}

func errorMsg(parentID string) *wire.Message {
	return &wire.Message{
		Header:       wire.Header{MsgType: wire.MsgError},
		ParentHeader: wire.Header{MsgID: parentID},
		Content:      map[string]any{"ename": "ValueError", "evalue": "boom", "traceback": []any{"line1"}},
	}
}

func TestRouteDeliversToRegisteredExecution(t *testing.T) {
	session := types.NewSession("/nb/A.ipynb", 8)
	conn := newScriptedConn()
	session.Conn = conn
	t.Cleanup(func() { conn.Close() })

	rec := types.NewExecutionRecord("task-1", 0)
	session.RegisterExecution("task-1", rec)
	conn.push(streamMsg("task-1", "hello\n"), statusMsg("task-1", "idle"))

	mux := New(session)
	mux.Start()

	select {
	case <-rec.Completion:
	case <-time.After(time.Second):
		t.Fatal("execution never completed")
	}

	require.Len(t, rec.Outputs, 1)
	assert.Equal(t, "hello\n", rec.Outputs[0].Text)
	assert.Equal(t, types.TaskCompleted, rec.StatusSnapshot())
}

func TestRouteBuffersOrphanUntilRegistered(t *testing.T) {
	session := types.NewSession("/nb/A.ipynb", 8)
	conn := newScriptedConn()
	session.Conn = conn
	t.Cleanup(func() { conn.Close() })
	conn.push(streamMsg("task-2", "early\n"))

	mux := New(session)
	mux.Start()

	require.Eventually(t, func() bool { return mux.orphans.Len() == 1 }, time.Second, 5*time.Millisecond)

	rec := types.NewExecutionRecord("task-2", 0)
	session.RegisterExecution("task-2", rec)

	// the next message arriving triggers the opportunistic flush.
	conn.push(statusMsg("task-2", "idle"))

	require.Eventually(t, func() bool { return len(rec.Outputs) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "early\n", rec.Outputs[0].Text)
}

func TestErrorOutputCompletesAsFailed(t *testing.T) {
	session := types.NewSession("/nb/A.ipynb", 8)
	conn := newScriptedConn()
	session.Conn = conn
	t.Cleanup(func() { conn.Close() })

	rec := types.NewExecutionRecord("task-3", 0)
	session.RegisterExecution("task-3", rec)
	conn.push(errorMsg("task-3"), statusMsg("task-3", "idle"))

	mux := New(session)
	mux.Start()

	select {
	case <-rec.Completion:
	case <-time.After(time.Second):
		t.Fatal("execution never completed")
	}
	assert.Equal(t, types.TaskFailed, rec.StatusSnapshot())
}

func TestClearOutputWaitFalseResetsImmediately(t *testing.T) {
	session := types.NewSession("/nb/A.ipynb", 8)
	rec := types.NewExecutionRecord("task-4", 0)
	rec.Outputs = []types.Output{{Type: types.OutputStream, Text: "stale"}}
	session.RegisterExecution("task-4", rec)

	mux := New(session)
	mux.deliver(rec, &wire.Message{
		Header:       wire.Header{MsgType: wire.MsgClearOutput},
		ParentHeader: wire.Header{MsgID: "task-4"},
		Content:      map[string]any{"wait": false},
	})

	assert.Empty(t, rec.Outputs)
}
