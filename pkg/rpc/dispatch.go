// Package rpc is the external interface of the server: a JSON-RPC 2.0
// dispatcher exposing the session manager's operations over two transports
// — newline-delimited stdio and WebSocket — plus the plain HTTP /health,
// /ready and /metrics endpoints. Handlers only translate wire requests
// into manager method calls; no business logic lives here.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/notebookerr"
	"github.com/cuemby/notebookd/pkg/session"
	"github.com/rs/zerolog"
)

// Version is the JSON-RPC protocol version this server speaks.
const Version = "2.0"

// Request is one inbound JSON-RPC 2.0 request or notification (when ID is
// nil/absent).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one outbound JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notify is one outbound JSON-RPC 2.0 notification: no id, never answered.
type Notify struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 protocol-level error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-defined error codes, in the -32000..-32099 range JSON-RPC 2.0
// reserves for implementation-specific server errors, one per
// notebookerr.Kind the transport distinguishes.
const (
	CodeResourceExhaustion = -32000
	CodeKernelStartup      = -32001
	CodeKernelDeath        = -32002
	CodeFinalizerIO        = -32003
	CodeStoreError         = -32004
)

// errorFrom classifies a notebookerr.Error (or any error) into a JSON-RPC
// error object, attaching a retry_after hint for resource-exhaustion
// errors so a caller can back off intelligently.
func errorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	kind := notebookerr.KindOf(err)
	code := CodeInternalError
	switch kind {
	case notebookerr.KindCaller:
		code = CodeInvalidParams
	case notebookerr.KindResourceExhaustion:
		code = CodeResourceExhaustion
	case notebookerr.KindKernelStartup:
		code = CodeKernelStartup
	case notebookerr.KindKernelDeath:
		code = CodeKernelDeath
	case notebookerr.KindFinalizerIO:
		code = CodeFinalizerIO
	case notebookerr.KindStore:
		code = CodeStoreError
	}

	e := &Error{Code: code, Message: err.Error()}
	if nerr, ok := notebookerr.As(err); ok && nerr.RetryAfter > 0 {
		e.Data = map[string]any{"retry_after_seconds": nerr.RetryAfter}
	}
	return e
}

// Dispatcher routes JSON-RPC method calls onto session.Manager operations.
// It is transport-agnostic: both the stdio and WebSocket surfaces share one
// Dispatcher instance and expose the same logical operations.
type Dispatcher struct {
	mgr    *session.Manager
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher bound to a session manager.
func NewDispatcher(mgr *session.Manager) *Dispatcher {
	return &Dispatcher{mgr: mgr, logger: log.WithComponent("rpc")}
}

// Dispatch handles one decoded request and returns the result to encode, or
// a JSON-RPC error. method-not-found and invalid-params are handled here;
// parse errors are the transport's responsibility (it never reaches this
// function without a method name).
func (d *Dispatcher) Dispatch(method string, params json.RawMessage) (any, *Error) {
	handler, ok := methods[method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
	result, err := handler(d, params)
	if err != nil {
		if rerr := errorFrom(err); rerr != nil {
			return nil, rerr
		}
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	return result, nil
}

// methodFunc is one operation's implementation: decode params, call the
// manager, shape the result.
type methodFunc func(d *Dispatcher, params json.RawMessage) (any, error)

// methods is the closed set of operations this server exposes.
var methods = map[string]methodFunc{
	"start_session":     (*Dispatcher).startSession,
	"stop_session":      (*Dispatcher).stopSession,
	"restart_session":   (*Dispatcher).restartSession,
	"interrupt_session": (*Dispatcher).interruptSession,
	"submit":            (*Dispatcher).submit,
	"cancel_task":       (*Dispatcher).cancelTask,
	"submit_input":      (*Dispatcher).submitInput,
	"task_status":       (*Dispatcher).taskStatus,
	"detect_sync":       (*Dispatcher).detectSync,
	"resync":            (*Dispatcher).resync,
	"list_sessions":     (*Dispatcher).listSessions,
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return notebookerr.New(notebookerr.KindCaller, fmt.Errorf("invalid params: %w", err))
	}
	return nil
}
