package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cuemby/notebookd/pkg/events"
	"github.com/cuemby/notebookd/pkg/log"
)

// activeConns counts currently attached transport connections (stdio and
// WebSocket), read by the idle-timeout monitor in cmd/notebookd.
var activeConns int64

// ActiveConnections reports how many client connections are attached.
func ActiveConnections() int64 { return atomic.LoadInt64(&activeConns) }

func connOpened() { atomic.AddInt64(&activeConns, 1) }
func connClosed() { atomic.AddInt64(&activeConns, -1) }

// StdioServer serves the dispatcher over newline-delimited JSON-RPC framing
// on an arbitrary reader/writer pair (stdin/stdout in production, pipes in
// tests).
type StdioServer struct {
	dispatcher *Dispatcher
	r          io.Reader
	conn       *connection
}

// NewStdioServer wires a dispatcher to a reader/writer pair.
func NewStdioServer(dispatcher *Dispatcher, r io.Reader, w io.Writer) *StdioServer {
	return &StdioServer{
		dispatcher: dispatcher,
		r:          r,
		conn:       newConnection(dispatcher, w),
	}
}

// Serve reads newline-delimited JSON-RPC requests until EOF, dispatching
// each and writing its response, then tears down the connection's
// subscriptions. On stdio, EOF means the client pipe closed, which must
// trigger graceful shutdown including kernel cleanup; the caller
// (cmd/notebookd) performs that once Serve returns.
func (s *StdioServer) Serve() error {
	connOpened()
	defer connClosed()
	defer s.conn.close()

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.conn.handleLine(append([]byte(nil), line...))
	}
	return scanner.Err()
}

// connection is the transport-agnostic per-client state shared by the
// stdio and WebSocket surfaces: a dispatcher, a serialized writer, and the
// set of session subscriptions this client has accumulated by starting or
// attaching to sessions.
type connection struct {
	dispatcher *Dispatcher

	writeMu sync.Mutex
	write   func(b []byte) error

	subMu sync.Mutex
	subs  map[string]func() // notebookPath -> unsubscribe
}

func newConnection(dispatcher *Dispatcher, w io.Writer) *connection {
	c := &connection{
		dispatcher: dispatcher,
		subs:       make(map[string]func()),
	}
	c.write = func(b []byte) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, err := w.Write(append(b, '\n'))
		return err
	}
	return c
}

func (c *connection) handleLine(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		c.writeResponse(nil, nil, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()})
		return
	}
	c.handleRequest(req)
}

func (c *connection) handleRequest(req Request) {
	if req.JSONRPC != "" && req.JSONRPC != Version {
		c.writeResponse(req.ID, nil, &Error{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version"})
		return
	}
	if req.Method == "" {
		c.writeResponse(req.ID, nil, &Error{Code: CodeInvalidRequest, Message: "missing method"})
		return
	}

	result, rpcErr := c.dispatcher.Dispatch(req.Method, req.Params)

	// Auto-subscribe this connection to a session's notifications the
	// first time it successfully starts or restarts it, so
	// output/status/input_request notifications reach the client that is
	// driving that session.
	if rpcErr == nil && (req.Method == "start_session" || req.Method == "restart_session") {
		c.ensureSubscribed(req.Params)
	}

	if len(req.ID) == 0 {
		return // notification: never reply
	}
	c.writeResponse(req.ID, result, rpcErr)
}

func (c *connection) ensureSubscribed(params json.RawMessage) {
	var p notebookPathParams
	if err := json.Unmarshal(params, &p); err != nil || p.NotebookPath == "" {
		return
	}
	c.subMu.Lock()
	_, already := c.subs[p.NotebookPath]
	c.subMu.Unlock()
	if already {
		return
	}

	sub, unsub, err := c.dispatcher.mgr.Subscribe(p.NotebookPath)
	if err != nil {
		return
	}
	c.subMu.Lock()
	c.subs[p.NotebookPath] = unsub
	c.subMu.Unlock()

	go c.pumpNotifications(p.NotebookPath, sub)
}

// pumpNotifications forwards one session's broker notifications onto this
// connection's writer until the subscriber channel is closed (session
// stop/restart tears it down) or a write fails.
func (c *connection) pumpNotifications(notebookPath string, sub events.Subscriber) {
	for n := range sub {
		payload := Notify{JSONRPC: Version, Method: n.Method, Params: notifyParams(notebookPath, n)}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if err := c.write(data); err != nil {
			log.Warn(fmt.Sprintf("notification write failed for %s: %v", notebookPath, err))
			return
		}
	}
}

func notifyParams(notebookPath string, n *events.Notification) map[string]any {
	out := map[string]any{"notebook_path": notebookPath}
	for k, v := range n.Params {
		out[k] = v
	}
	return out
}

func (c *connection) writeResponse(id json.RawMessage, result any, rpcErr *Error) {
	resp := Response{JSONRPC: Version, ID: id, Result: result, Error: rpcErr}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.write(data)
}

func (c *connection) close() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for path, unsub := range c.subs {
		unsub()
		delete(c.subs, path)
	}
}
