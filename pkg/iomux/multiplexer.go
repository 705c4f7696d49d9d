// Package iomux demultiplexes a kernel's iopub and stdin message streams
// onto the in-flight execution records and subscriber notifications of one
// session: a single reader goroutine per channel, a bounded orphan buffer
// for messages that race ahead of execution registration, and a circuit
// breaker that stops reading once the connection looks permanently broken.
package iomux

import (
	"fmt"
	"time"

	"github.com/cuemby/notebookd/pkg/events"
	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/cuemby/notebookd/pkg/wire"
	"github.com/rs/zerolog"
)

// defaultOrphanCapacity bounds how many undelivered messages a session
// holds before the oldest is dropped.
const defaultOrphanCapacity = 1000

// maxConsecutiveFailures trips the circuit breaker on RecvIOPub/RecvStdin.
const maxConsecutiveFailures = 5

// backoffSchedule is applied between consecutive read failures, capped at
// its last entry.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// defaultInputTimeout bounds how long a session waits for a client's
// input_reply before falling back to an empty string and interrupting.
const defaultInputTimeout = 60 * time.Second

// defaultOutputNotifyInterval rate-limits output notifications fanned out
// to subscribers to roughly 10 Hz. Status notifications are never
// throttled; the execution record always accumulates every output
// regardless, so the finalized notebook is complete even when the live
// stream skips intermediate updates.
const defaultOutputNotifyInterval = 100 * time.Millisecond

// Multiplexer drains one session's iopub and stdin channels.
type Multiplexer struct {
	session *types.Session
	orphans *OrphanBuffer
	logger  zerolog.Logger

	// Unhealthy is closed when the circuit breaker trips, signalling the
	// session manager that this kernel connection is no longer serviceable.
	Unhealthy chan struct{}

	inputTimeout time.Duration

	notifyInterval   time.Duration
	lastOutputNotify time.Time

	// onKernelInfoReply, if set, is invoked when a kernel_info_reply
	// arrives on iopub, so the health checker's round trip (pkg/kernel)
	// can be woken without the multiplexer depending on pkg/kernel
	// directly.
	onKernelInfoReply func(time.Time)
}

// New creates a Multiplexer for one session with default limits.
func New(session *types.Session) *Multiplexer {
	return NewWithConfig(session, defaultOrphanCapacity, defaultInputTimeout)
}

// NewWithConfig creates a Multiplexer with explicit orphan-buffer capacity
// and input-reply timeout, wired from the server configuration.
func NewWithConfig(session *types.Session, orphanCapacity int, inputTimeout time.Duration) *Multiplexer {
	if orphanCapacity <= 0 {
		orphanCapacity = defaultOrphanCapacity
	}
	if inputTimeout <= 0 {
		inputTimeout = defaultInputTimeout
	}
	return &Multiplexer{
		session:        session,
		orphans:        NewOrphanBuffer(orphanCapacity),
		logger:         log.WithComponent("iomux").With().Str("notebook_path", session.NotebookPath).Logger(),
		Unhealthy:      make(chan struct{}),
		inputTimeout:   inputTimeout,
		notifyInterval: defaultOutputNotifyInterval,
	}
}

// OnKernelInfoReply registers the callback invoked when a kernel_info_reply
// message is observed on iopub.
func (m *Multiplexer) OnKernelInfoReply(fn func(time.Time)) {
	m.onKernelInfoReply = fn
}

// Start launches the iopub and stdin reader goroutines, tracked against the
// session's background-task group.
func (m *Multiplexer) Start() {
	m.session.Go(m.runIOPub)
	m.session.Go(m.runStdin)
}

// runIOPub is the iopub reader loop with circuit-breaker backoff.
func (m *Multiplexer) runIOPub() {
	failures := 0
	for {
		select {
		case <-m.session.Context().Done():
			return
		default:
		}

		msg, err := m.session.Conn.RecvIOPub()
		if err != nil {
			failures++
			m.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("iopub read failed")
			if failures >= maxConsecutiveFailures {
				m.logger.Error().Msg("iopub circuit breaker tripped, kernel connection considered dead")
				close(m.Unhealthy)
				return
			}
			m.sleepBackoff(failures)
			continue
		}
		failures = 0
		m.route(msg)
	}
}

func (m *Multiplexer) sleepBackoff(failures int) {
	idx := failures - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	select {
	case <-time.After(backoffSchedule[idx]):
	case <-m.session.Context().Done():
	}
}

// route dispatches one iopub message to its execution record, buffering it
// as an orphan when the record has not been registered yet, and
// opportunistically flushes any orphans whose execution has since shown up.
func (m *Multiplexer) route(msg *wire.Message) {
	if msg.Header.MsgType == wire.MsgKernelInfoReply {
		if m.onKernelInfoReply != nil {
			m.onKernelInfoReply(time.Now().UTC())
		}
		return
	}

	parentID := msg.ParentID()
	if rec, ok := m.session.Execution(parentID); ok {
		m.deliver(rec, msg)
	} else {
		before := m.orphans.Dropped()
		m.orphans.Add(parentID, msg)
		metrics.OrphanMessagesBuffered.Inc()
		if d := m.orphans.Dropped() - before; d > 0 {
			metrics.OrphanMessagesDropped.Add(float64(d))
			metrics.OrphanMessagesBuffered.Sub(float64(d))
		}
	}
	m.flushReady()
}

// flushReady delivers any buffered orphan messages whose execution has
// since been registered, in the order they originally arrived.
func (m *Multiplexer) flushReady() {
	for _, pid := range m.orphans.ParentIDs() {
		rec, ok := m.session.Execution(pid)
		if !ok {
			continue
		}
		buffered := m.orphans.Flush(pid)
		metrics.OrphanMessagesBuffered.Sub(float64(len(buffered)))
		for _, msg := range buffered {
			m.deliver(rec, msg)
		}
	}
}

// deliver applies one iopub message to an execution record and, for output
// messages, publishes a notification to subscribed clients.
func (m *Multiplexer) deliver(rec *types.ExecutionRecord, msg *wire.Message) {
	rec.LastActivity = time.Now().UTC()

	switch msg.Header.MsgType {
	case wire.MsgStatus:
		m.handleStatus(rec, msg)
	case wire.MsgClearOutput:
		m.handleClearOutput(rec, msg)
	case wire.MsgStream, wire.MsgDisplayData, wire.MsgExecuteResult, wire.MsgError:
		m.handleOutput(rec, msg)
	}
}

func (m *Multiplexer) handleStatus(rec *types.ExecutionRecord, msg *wire.Message) {
	state, _ := msg.Content["execution_state"].(string)
	rec.KernelBusy = state == "busy"
	if state != "idle" {
		return
	}
	rec.Complete(types.TaskCompleted)

	m.session.Subscribers.Publish(&events.Notification{
		NotebookPath: m.session.NotebookPath,
		Method:       "notebook/status",
		Params: map[string]any{
			"cell_index": rec.CellIndex,
			"status":     string(rec.StatusSnapshot()),
		},
	})
}

func (m *Multiplexer) handleClearOutput(rec *types.ExecutionRecord, msg *wire.Message) {
	wait, _ := msg.Content["wait"].(bool)
	if wait {
		rec.PendingClear = true
		return
	}
	rec.Outputs = nil
}

func (m *Multiplexer) handleOutput(rec *types.ExecutionRecord, msg *wire.Message) {
	if rec.PendingClear {
		rec.Outputs = nil
		rec.PendingClear = false
	}

	out, isError := m.createOutput(msg)
	rec.Outputs = append(rec.Outputs, out)
	rec.CumulativeOutputs++
	if isError {
		rec.Complete(types.TaskFailed)
	}

	// Errors always go out; ordinary output notifications are throttled so
	// a cell printing in a tight loop cannot flood every subscriber.
	now := time.Now()
	if !isError && m.notifyInterval > 0 && now.Sub(m.lastOutputNotify) < m.notifyInterval {
		return
	}
	m.lastOutputNotify = now

	m.session.Subscribers.Publish(&events.Notification{
		NotebookPath: m.session.NotebookPath,
		Method:       "notebook/output",
		Params: map[string]any{
			"cell_index":   rec.CellIndex,
			"output":       out,
			"output_index": rec.CumulativeOutputs - 1,
		},
	})
}

// createOutput converts one iopub message into a notebook output, mirroring
// nbformat's output shapes.
func (m *Multiplexer) createOutput(msg *wire.Message) (out types.Output, isError bool) {
	switch msg.Header.MsgType {
	case wire.MsgStream:
		return types.Output{
			Type: types.OutputStream,
			Name: stringField(msg.Content, "name"),
			Text: stringField(msg.Content, "text"),
		}, false

	case wire.MsgDisplayData:
		return types.Output{
			Type: types.OutputDisplayData,
			Data: dataField(msg.Content),
		}, false

	case wire.MsgExecuteResult:
		return types.Output{
			Type:           types.OutputExecuteResult,
			Data:           dataField(msg.Content),
			ExecutionCount: intField(msg.Content, "execution_count"),
		}, false

	case wire.MsgError:
		return types.Output{
			Type:      types.OutputError,
			ErrName:   stringField(msg.Content, "ename"),
			ErrValue:  stringField(msg.Content, "evalue"),
			Traceback: stringSliceField(msg.Content, "traceback"),
		}, true

	default:
		return types.Output{Type: types.OutputStream, Text: fmt.Sprintf("unhandled message type %s", msg.Header.MsgType)}, false
	}
}

func stringField(content map[string]any, key string) string {
	s, _ := content[key].(string)
	return s
}

func intField(content map[string]any, key string) int {
	switch v := content[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringSliceField(content map[string]any, key string) []string {
	raw, ok := content[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func dataField(content map[string]any) map[string]string {
	raw, ok := content["data"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
