package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWritesShellFrameAndReturnsMsgID(t *testing.T) {
	var stdin bytes.Buffer
	conn := NewStdioConn("sess-1", &stdin, strings.NewReader(""))
	defer conn.Close()

	msgID, err := conn.Execute("print('hi')")
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	var frame bridgeFrame
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &frame))
	assert.Equal(t, "shell", frame.Channel)
	assert.Equal(t, MessageType("execute_request"), frame.Header.MsgType)
	assert.Equal(t, msgID, frame.Header.MsgID)
	assert.Equal(t, "print('hi')", frame.Content["code"])
}

func TestReadLoopRoutesByChannel(t *testing.T) {
	iopubLine := `{"channel": "iopub", "header": {"msg_id": "m1", "msg_type": "stream"}, "parent_header": {"msg_id": "p1"}, "content": {"name": "stdout", "text": "hi\n"}}`
	stdinLine := `{"channel": "stdin", "header": {"msg_id": "m2", "msg_type": "input_request"}, "parent_header": {"msg_id": "p1"}, "content": {"prompt": "? "}}`

	conn := NewStdioConn("sess-1", io.Discard, strings.NewReader(iopubLine+"\n"+stdinLine+"\n"))
	defer conn.Close()

	msg, err := conn.RecvIOPub()
	require.NoError(t, err)
	assert.Equal(t, MsgStream, msg.Header.MsgType)
	assert.Equal(t, "p1", msg.ParentID())

	in, err := conn.RecvStdin()
	require.NoError(t, err)
	assert.Equal(t, MsgInputRequest, in.Header.MsgType)
}

func TestRecvIOPubReportsEOFWhenBridgeExits(t *testing.T) {
	conn := NewStdioConn("sess-1", io.Discard, strings.NewReader(""))
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.RecvIOPub()
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("RecvIOPub never returned after bridge stdout closed")
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	good := `{"channel": "iopub", "header": {"msg_id": "m1", "msg_type": "status"}, "parent_header": {"msg_id": "p1"}, "content": {"execution_state": "idle"}}`
	conn := NewStdioConn("sess-1", io.Discard, strings.NewReader("garbage\n"+good+"\n"))
	defer conn.Close()

	msg, err := conn.RecvIOPub()
	require.NoError(t, err)
	assert.Equal(t, MsgStatus, msg.Header.MsgType)
}

func TestConnectionFileValidation(t *testing.T) {
	assert.False(t, Valid("/definitely/not/there.json"))
}
