package iomux

import (
	"github.com/cuemby/notebookd/pkg/events"
	"github.com/cuemby/notebookd/pkg/wire"
)

// runStdin drains the stdin channel, which carries only input_request
// messages. Each request blocks the session until the client
// replies via SendInputReply or defaultInputTimeout elapses, at which point
// the kernel is sent an empty reply and interrupted so a stalled input()
// call cannot wedge a session forever.
func (m *Multiplexer) runStdin() {
	failures := 0
	for {
		select {
		case <-m.session.Context().Done():
			return
		default:
		}

		msg, err := m.session.Conn.RecvStdin()
		if err != nil {
			failures++
			m.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("stdin read failed")
			if failures >= maxConsecutiveFailures {
				m.logger.Error().Msg("stdin circuit breaker tripped")
				return
			}
			m.sleepBackoff(failures)
			continue
		}
		failures = 0

		if msg.Header.MsgType != wire.MsgInputRequest {
			continue
		}
		m.handleInputRequest(msg)
	}
}

func (m *Multiplexer) handleInputRequest(msg *wire.Message) {
	m.session.SetWaitingForInput(true)

	m.session.Subscribers.Publish(&events.Notification{
		NotebookPath: m.session.NotebookPath,
		Method:       "notebook/input_request",
		Params: map[string]any{
			"prompt":   stringField(msg.Content, "prompt"),
			"password": boolField(msg.Content, "password"),
		},
	})

	if m.session.AwaitInputReply(m.inputTimeout) {
		m.session.SetWaitingForInput(false)
		return
	}

	m.logger.Warn().Msg("input_request timed out, sending empty reply and interrupting")
	_ = m.session.Conn.SendInputReply("")
	_ = m.session.Conn.Interrupt()
	m.session.SetWaitingForInput(false)
}

func boolField(content map[string]any, key string) bool {
	b, _ := content[key].(bool)
	return b
}
