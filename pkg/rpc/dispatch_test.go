package rpc

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cuemby/notebookd/pkg/config"
	"github.com/cuemby/notebookd/pkg/kernel"
	"github.com/cuemby/notebookd/pkg/session"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	st, err := store.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := session.New(cfg, st, kernel.DefaultBridgeCommand)
	require.NoError(t, err)
	return NewDispatcher(mgr)
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	_, rpcErr := d.Dispatch("no_such_method", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestDispatchInvalidParams(t *testing.T) {
	d := newTestDispatcher(t)
	_, rpcErr := d.Dispatch("submit", json.RawMessage(`{"cell_index": "not a number"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestDispatchUnknownSessionIsCallerError(t *testing.T) {
	d := newTestDispatcher(t)
	_, rpcErr := d.Dispatch("submit", json.RawMessage(`{"notebook_path": "/nb/none.ipynb", "cell_index": 0, "code": "x = 1"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestDispatchListSessionsEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	result, rpcErr := d.Dispatch("list_sessions", nil)
	require.Nil(t, rpcErr)
	infos, ok := result.([]sessionInfoResult)
	require.True(t, ok)
	assert.Empty(t, infos)
}

// stdioResponses runs newline-delimited requests through a StdioServer and
// decodes every response line.
func stdioResponses(t *testing.T, d *Dispatcher, input string) []Response {
	t.Helper()
	var out bytes.Buffer
	srv := NewStdioServer(d, strings.NewReader(input), &out)
	require.NoError(t, srv.Serve())

	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestStdioParseError(t *testing.T) {
	d := newTestDispatcher(t)
	responses := stdioResponses(t, d, "this is not json\n")
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeParseError, responses[0].Error.Code)
}

func TestStdioRequestResponseRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	responses := stdioResponses(t, d, `{"jsonrpc": "2.0", "id": 7, "method": "list_sessions"}`+"\n")
	require.Len(t, responses, 1)
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, json.RawMessage("7"), responses[0].ID)
}

func TestStdioNotificationGetsNoReply(t *testing.T) {
	d := newTestDispatcher(t)
	responses := stdioResponses(t, d, `{"jsonrpc": "2.0", "method": "list_sessions"}`+"\n")
	assert.Empty(t, responses)
}

func TestStdioMissingMethod(t *testing.T) {
	d := newTestDispatcher(t)
	responses := stdioResponses(t, d, `{"jsonrpc": "2.0", "id": 1}`+"\n")
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeInvalidRequest, responses[0].Error.Code)
}
