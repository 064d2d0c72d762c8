package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"MoltChat/internal/socketio"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// EventRegister is the registration handshake event
const EventRegister = "chat:register"

var (
	// ErrNotConnected is returned by Emit while the transport is down
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("connection manager is closed")

	// ErrAlreadyConnected is returned by a second Connect call
	ErrAlreadyConnected = errors.New("connect already called")
)

// State is the connectivity of the logical connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Registration is the payload of the registration event
type Registration struct {
	UserID string `json:"userId"`
}

// Handler receives the first argument of an inbound event
type Handler = func(payload json.RawMessage)

// Transport is one live socket to the backend
type Transport interface {
	ReadEvent() (socketio.Event, error)
	Emit(event string, payload interface{}) error
	Close() error
}

// Dialer opens a Transport to endpoint
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// Options configures a Manager
type Options struct {
	Backoff              Backoff
	MaxReconnectAttempts int // 0 retries forever
	DialTimeout          time.Duration
	Dialer               Dialer
	Tracer               trace.Tracer
	Meter                metric.Meter
}

// Manager owns one logical connection to the backend: dialing, the
// registration handshake, reconnection and event dispatch. All inbound
// handlers and state observers run on the manager's own goroutine, one at
// a time, in arrival order.
type Manager struct {
	id     string
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	state      atomic.Int32
	registered atomic.Bool
	callbacks  atomic.Int32 // handlers and observers currently running

	dialAttempts  metric.Int64Counter
	reconnects    metric.Int64Counter
	stateChanges  metric.Int64Counter
	eventsHandled metric.Int64Counter

	mu        sync.RWMutex
	handlers  map[string]Handler
	observers []func(State)
	transport Transport
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a Manager in the disconnected state
func NewManager(opts Options, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Backoff.Min <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 20 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("connection")
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("connection")
	}

	id := uuid.NewString()
	m := &Manager{
		id:       id,
		opts:     opts,
		logger:   logger.With("conn_id", id),
		tracer:   opts.Tracer,
		handlers: make(map[string]Handler),
	}
	if m.opts.Dialer == nil {
		m.opts.Dialer = m.dialSocketIO
	}

	var err error
	if m.dialAttempts, err = opts.Meter.Int64Counter("connection.dial.attempts",
		metric.WithDescription("Transport dial attempts")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.reconnects, err = opts.Meter.Int64Counter("connection.reconnects",
		metric.WithDescription("Scheduled reconnection attempts")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.stateChanges, err = opts.Meter.Int64Counter("connection.status",
		metric.WithDescription("Connection state transitions")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.eventsHandled, err = opts.Meter.Int64Counter("connection.events.received",
		metric.WithDescription("Inbound events dispatched to handlers")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return m, nil
}

// ID returns the instance id used to correlate logs and spans
func (m *Manager) ID() string {
	return m.id
}

// On registers the handler for an inbound event, replacing any previous one
func (m *Manager) On(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = h
}

// OnStatus registers an observer called on every state transition
func (m *Manager) OnStatus(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Status returns the current connection state
func (m *Manager) Status() State {
	return State(m.state.Load())
}

// Registered reports whether the registration event went out on the
// live transport
func (m *Manager) Registered() bool {
	return m.Status() == Connected && m.registered.Load()
}

// Connect starts the connection loop. Every time the transport comes up
// the registration event carrying userID is sent before anything else.
// It returns immediately; progress is visible through Status and OnStatus.
func (m *Manager) Connect(ctx context.Context, endpoint string, userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("connecting", "endpoint", endpoint, "user_id", userID)
	go m.run(ctx, endpoint, userID)
	return nil
}

// Emit sends an event on the live transport. It never waits for a reply.
func (m *Manager) Emit(event string, payload interface{}) error {
	m.mu.RLock()
	t := m.transport
	m.mu.RUnlock()

	if t == nil || m.Status() != Connected {
		return ErrNotConnected
	}
	return t.Emit(event, payload)
}

// Close tears the connection down and stops reconnection for good. It
// waits for the connection goroutine to exit, except when called from an
// event handler or state observer, which run on that goroutine.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	done := m.done
	t := m.transport
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}
	if done != nil && m.callbacks.Load() == 0 {
		<-done
	}

	m.setState(Disconnected)
	m.logger.Info("connection closed")
	return nil
}

func (m *Manager) run(ctx context.Context, endpoint, userID string) {
	defer close(m.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(Connecting)
		t, err := m.dial(ctx, endpoint)
		if err != nil {
			m.setState(Disconnected)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connect failed", "endpoint", endpoint, "attempt", attempt+1, "error", err)
			if !m.wait(ctx, &attempt) {
				return
			}
			continue
		}
		attempt = 0

		if !m.attach(t) {
			t.Close()
			return
		}
		// Registration goes out before the state flips so no user event
		// can overtake it on the wire.
		m.register(t, userID)
		m.setState(Connected)

		err = m.readLoop(ctx, t)

		m.detach()
		t.Close()
		m.setState(Disconnected)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, socketio.ErrServerDisconnect) {
			m.logger.Warn("server disconnected the session, not reconnecting")
			return
		}
		m.logger.Warn("transport lost", "error", err)
		if !m.wait(ctx, &attempt) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, endpoint string) (Transport, error) {
	ctx, span := m.tracer.Start(ctx, "socketio_dial",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("conn_id", m.id),
		))
	defer span.End()

	m.dialAttempts.Add(ctx, 1)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	t, err := m.opts.Dialer(dialCtx, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return t, nil
}

func (m *Manager) dialSocketIO(ctx context.Context, endpoint string) (Transport, error) {
	return socketio.Dial(ctx, endpoint, socketio.DialOptions{HandshakeTimeout: m.opts.DialTimeout}, m.logger)
}

func (m *Manager) register(t Transport, userID string) {
	m.registered.Store(false)
	if err := t.Emit(EventRegister, Registration{UserID: userID}); err != nil {
		m.logger.Warn("registration failed", "error", err)
		return
	}
	m.registered.Store(true)
	m.logger.Info("registered", "user_id", userID)
}

func (m *Manager) readLoop(ctx context.Context, t Transport) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		ev, err := t.ReadEvent()
		if err != nil {
			return err
		}
		m.dispatch(ctx, ev)
	}
}

func (m *Manager) dispatch(ctx context.Context, ev socketio.Event) {
	m.mu.RLock()
	h, ok := m.handlers[ev.Name]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debug("no handler for event", "event", ev.Name)
		return
	}
	m.eventsHandled.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Name)))
	m.callbacks.Add(1)
	defer m.callbacks.Add(-1)
	h(ev.Payload())
}

// wait sleeps for the next backoff delay. It returns false when the
// manager should stop trying.
func (m *Manager) wait(ctx context.Context, attempt *int) bool {
	if limit := m.opts.MaxReconnectAttempts; limit > 0 && *attempt >= limit {
		m.logger.Error("reconnection abandoned", "attempts", *attempt)
		return false
	}

	delay := m.opts.Backoff.Duration(*attempt)
	*attempt++
	m.reconnects.Add(ctx, 1)
	m.logger.Info("reconnecting", "attempt", *attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) attach(t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.transport = t
	return true
}

func (m *Manager) detach() {
	m.mu.Lock()
	m.transport = nil
	m.mu.Unlock()
	m.registered.Store(false)
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}

	m.logger.Info("connection state changed", "from", old.String(), "to", s.String())
	m.stateChanges.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", s.String())))

	m.mu.RLock()
	observers := append([]func(State){}, m.observers...)
	m.mu.RUnlock()
	m.callbacks.Add(1)
	defer m.callbacks.Add(-1)
	for _, fn := range observers {
		fn(s)
	}
}
