// Package wire abstracts the Jupyter messaging protocol behind a small
// connection interface. The concrete transport is a newline-delimited JSON
// bridge to a companion process that owns the actual ZeroMQ sockets, which
// keeps this server free of a native ZMQ binding and its cgo toolchain
// requirements.
package wire

import "time"

// MessageType is the closed set of Jupyter wire-protocol message types this
// server understands.
type MessageType string

const (
	MsgStatus        MessageType = "status"
	MsgStream        MessageType = "stream"
	MsgDisplayData   MessageType = "display_data"
	MsgExecuteResult MessageType = "execute_result"
	MsgError         MessageType = "error"
	MsgClearOutput   MessageType = "clear_output"
	MsgInputRequest  MessageType = "input_request"
	MsgExecuteReply  MessageType = "execute_reply"
	MsgKernelInfoReply MessageType = "kernel_info_reply"
)

// Header is the standard Jupyter message header.
type Header struct {
	MsgID   string    `json:"msg_id"`
	MsgType MessageType `json:"msg_type"`
	Session string    `json:"session"`
	Date    time.Time `json:"date"`
}

// Message is one inbound or outbound wire-protocol message.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	Channel      string         `json:"channel"` // "iopub" | "shell" | "stdin"
	Content      map[string]any `json:"content"`
}

// ParentID returns the parent message id this message is correlated to, or
// empty if this message starts its own chain.
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// KernelConn is the wire-protocol connection to one running kernel. It is
// intentionally narrow: the I/O multiplexer and scheduler only need to send
// code, send stdin replies, send interrupts, and drain two message streams.
type KernelConn interface {
	// Execute submits code for execution and returns the message id the
	// kernel will use as parent-id on every resulting message.
	Execute(code string) (msgID string, err error)

	// RecvIOPub blocks for the next iopub-channel message (status, stream,
	// display_data, execute_result, error, clear_output). Returns an error
	// when the channel is closed or the kernel connection is lost.
	RecvIOPub() (*Message, error)

	// RecvStdin blocks for the next stdin-channel message (input_request).
	RecvStdin() (*Message, error)

	// SendInputReply delivers text typed by the client in response to an
	// input_request.
	SendInputReply(text string) error

	// Interrupt sends the wire-protocol interrupt signal.
	Interrupt() error

	// KernelInfo performs a kernel_info_request/reply round trip, used by
	// the health probe. ctx-free: callers apply their own timeout.
	KernelInfo() error

	// Close releases the connection's resources without affecting the
	// kernel subprocess itself.
	Close() error
}
