package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"MoltChat/internal/connection"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Wire events
const (
	EventMessage  = "chat:message"
	EventResponse = "chat:response"
	EventError    = "chat:error"
)

// MessagePayload is an outbound user turn
type MessagePayload struct {
	Text string `json:"text"`
}

// ResponsePayload is an inbound assistant turn
type ResponsePayload struct {
	Text      string `json:"text"`
	Timestamp *int64 `json:"timestamp"`
}

// ErrorPayload is an inbound processing error
type ErrorPayload struct {
	Error string `json:"error"`
}

// Conn is the part of the connection manager the channel needs
type Conn interface {
	Status() connection.State
	Emit(event string, payload interface{}) error
	On(event string, h func(payload json.RawMessage))
}

// Channel turns user input into message events and inbound events into
// transcript turns
type Channel struct {
	conn       Conn
	transcript *Transcript
	logger     *slog.Logger
	now        func() time.Time

	sent     metric.Int64Counter
	received metric.Int64Counter
	errors   metric.Int64Counter
}

// NewChannel wires a channel onto conn. The response and error handlers are
// registered immediately.
func NewChannel(conn Conn, transcript *Transcript, meter metric.Meter, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("chat")
	}

	ch := &Channel{
		conn:       conn,
		transcript: transcript,
		logger:     logger,
		now:        time.Now,
	}

	var err error
	if ch.sent, err = meter.Int64Counter("chat.messages.sent",
		metric.WithDescription("User turns sent")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if ch.received, err = meter.Int64Counter("chat.messages.received",
		metric.WithDescription("Assistant turns received")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if ch.errors, err = meter.Int64Counter("chat.errors.received",
		metric.WithDescription("Backend error events received")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	conn.On(EventResponse, ch.handleResponse)
	conn.On(EventError, ch.handleError)
	return ch, nil
}

// Transcript returns the transcript the channel appends to
func (ch *Channel) Transcript() *Transcript {
	return ch.transcript
}

// Send echoes text into the transcript and emits it. Blank text and sends
// while not connected are silently ignored; the return value reports
// whether the turn went out.
func (ch *Channel) Send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if ch.conn.Status() != connection.Connected {
		return false
	}

	ch.transcript.Append(Turn{
		Role:      RoleUser,
		Text:      text,
		Timestamp: ch.now().UnixMilli(),
	})

	if err := ch.conn.Emit(EventMessage, MessagePayload{Text: text}); err != nil {
		// fire-and-forget: the echo stays, delivery is not guaranteed
		ch.logger.Warn("failed to emit message", "error", err)
		return true
	}
	ch.sent.Add(context.Background(), 1)
	return true
}

func (ch *Channel) handleResponse(payload json.RawMessage) {
	var resp ResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		ch.logger.Warn("dropping malformed response", "error", err)
		return
	}

	ts := ch.now().UnixMilli()
	if resp.Timestamp != nil {
		ts = *resp.Timestamp
	} else {
		ch.logger.Debug("response without timestamp, using receipt time")
	}

	ch.transcript.Append(Turn{
		Role:      RoleAssistant,
		Text:      resp.Text,
		Timestamp: ts,
	})
	ch.received.Add(context.Background(), 1)
}

func (ch *Channel) handleError(payload json.RawMessage) {
	var e ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		ch.logger.Warn("dropping malformed error event", "error", err)
		return
	}

	ch.logger.Warn("backend reported error", "error", e.Error)
	ch.transcript.Append(Turn{
		Role:      RoleAssistant,
		Text:      fmt.Sprintf("Error: %s", e.Error),
		Timestamp: ch.now().UnixMilli(),
	})
	ch.errors.Add(context.Background(), 1)
}
