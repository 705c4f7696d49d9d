package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// bridgeFrame is the newline-delimited JSON envelope exchanged with the
// kernel bridge process over its stdin/stdout pipes. The bridge process is
// responsible for the actual ZeroMQ conversation with the kernel; this
// framing is deliberately the same shape as the JSON-RPC transport's
// framing in pkg/rpc, so the two stdlib-only wire formats in this repo stay
// consistent with each other.
type bridgeFrame struct {
	Channel string         `json:"channel"`
	Header  Header         `json:"header"`
	Parent  Header         `json:"parent_header"`
	Content map[string]any `json:"content"`
}

// StdioConn is a KernelConn backed by a child process's stdin/stdout pipes,
// framed as newline-delimited JSON.
type StdioConn struct {
	sessionID string

	writeMu sync.Mutex
	w       io.Writer
	wFlush  func() error

	iopubCh chan *Message
	stdinCh chan *Message
	errCh   chan error

	closeOnce sync.Once
	done      chan struct{}
}

// NewStdioConn wraps a bridge process's stdin writer and stdout reader into
// a KernelConn. The caller owns starting and stopping the underlying
// subprocess (that is pkg/kernel's responsibility); this type only owns the
// framing protocol.
func NewStdioConn(sessionID string, stdin io.Writer, stdout io.Reader) *StdioConn {
	c := &StdioConn{
		sessionID: sessionID,
		w:         stdin,
		iopubCh:   make(chan *Message, 256),
		stdinCh:   make(chan *Message, 8),
		errCh:     make(chan error, 1),
		done:      make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *StdioConn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var frame bridgeFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue // malformed frame from the bridge; drop and keep reading
		}
		msg := &Message{
			Header:       frame.Header,
			ParentHeader: frame.Parent,
			Channel:      frame.Channel,
			Content:      frame.Content,
		}
		switch frame.Channel {
		case "stdin":
			select {
			case c.stdinCh <- msg:
			case <-c.done:
				return
			}
		default:
			select {
			case c.iopubCh <- msg:
			case <-c.done:
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case c.errCh <- err:
		default:
		}
	} else {
		select {
		case c.errCh <- io.EOF:
		default:
		}
	}
}

func (c *StdioConn) send(frame bridgeFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to kernel bridge: %w", err)
	}
	return nil
}

// Execute sends an execute_request and returns its message id.
func (c *StdioConn) Execute(code string) (string, error) {
	msgID := uuid.NewString()
	frame := bridgeFrame{
		Channel: "shell",
		Header: Header{
			MsgID:   msgID,
			MsgType: "execute_request",
			Session: c.sessionID,
			Date:    time.Now().UTC(),
		},
		Content: map[string]any{
			"code":             code,
			"silent":           false,
			"store_history":    true,
			"allow_stdin":      true,
			"stop_on_error":    false,
		},
	}
	if err := c.send(frame); err != nil {
		return "", err
	}
	return msgID, nil
}

// RecvIOPub returns the next iopub message, or an error once the bridge's
// stdout is closed or produces a read error.
func (c *StdioConn) RecvIOPub() (*Message, error) {
	select {
	case msg := <-c.iopubCh:
		return msg, nil
	case err := <-c.errCh:
		return nil, err
	case <-c.done:
		return nil, io.ErrClosedPipe
	}
}

// RecvStdin returns the next stdin-channel message (input_request).
func (c *StdioConn) RecvStdin() (*Message, error) {
	select {
	case msg := <-c.stdinCh:
		return msg, nil
	case err := <-c.errCh:
		return nil, err
	case <-c.done:
		return nil, io.ErrClosedPipe
	}
}

// SendInputReply answers a pending input_request.
func (c *StdioConn) SendInputReply(text string) error {
	return c.send(bridgeFrame{
		Channel: "stdin",
		Header: Header{
			MsgID:   uuid.NewString(),
			MsgType: "input_reply",
			Session: c.sessionID,
			Date:    time.Now().UTC(),
		},
		Content: map[string]any{"value": text},
	})
}

// Interrupt requests the kernel stop whatever it is currently running.
func (c *StdioConn) Interrupt() error {
	return c.send(bridgeFrame{
		Channel: "control",
		Header: Header{
			MsgID:   uuid.NewString(),
			MsgType: "interrupt_request",
			Session: c.sessionID,
			Date:    time.Now().UTC(),
		},
		Content: map[string]any{},
	})
}

// KernelInfo sends a kernel_info_request; the reply arrives asynchronously
// on the iopub/shell stream like any other message and is matched by the
// caller on msg_type kernel_info_reply.
func (c *StdioConn) KernelInfo() error {
	return c.send(bridgeFrame{
		Channel: "shell",
		Header: Header{
			MsgID:   uuid.NewString(),
			MsgType: "kernel_info_request",
			Session: c.sessionID,
			Date:    time.Now().UTC(),
		},
		Content: map[string]any{},
	})
}

// Close stops the read loop. It does not touch the underlying subprocess.
func (c *StdioConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
