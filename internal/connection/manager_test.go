package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MoltChat/internal/socketio"
	"MoltChat/internal/socketio/sockettest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		Backoff:     Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2},
		DialTimeout: 2 * time.Second,
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(opts, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectRegistration(t *testing.T, srv *sockettest.Server, userID string) {
	t.Helper()
	ev, ok := srv.NextEvent(5 * time.Second)
	if !ok {
		t.Fatal("server did not receive registration")
	}
	if ev.Name != EventRegister {
		t.Fatalf("first event = %s, want %s", ev.Name, EventRegister)
	}
	var reg Registration
	if err := json.Unmarshal(ev.Payload, &reg); err != nil {
		t.Fatalf("unmarshal registration: %v", err)
	}
	if reg.UserID != userID {
		t.Errorf("registration userId = %q, want %q", reg.UserID, userID)
	}
}

// fakeTransport is a Transport fed from a channel
type fakeTransport struct {
	events chan socketio.Event

	mu      sync.Mutex
	emitted []string
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan socketio.Event, 256), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadEvent() (socketio.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return socketio.Event{}, errors.New("transport closed")
	}
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Emitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

func TestNewManagerRequiresLogger(t *testing.T) {
	if _, err := NewManager(Options{}, nil); err == nil {
		t.Fatal("NewManager() with nil logger expected error")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Disconnected: "disconnected", Connecting: "connecting", Connected: "connected", State(9): "state(9)"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}

func TestConnectRegistersAndDispatches(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	m := newTestManager(t, fastOptions())
	if m.Status() != Disconnected {
		t.Fatalf("initial Status() = %v, want disconnected", m.Status())
	}

	got := make(chan string, 1)
	m.On("chat:response", func(payload json.RawMessage) {
		got <- string(payload)
	})

	if err := m.Connect(context.Background(), srv.URL, "user-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	expectRegistration(t, srv, "user-1")
	waitFor(t, "connected", func() bool { return m.Status() == Connected })

	if !m.Registered() {
		t.Error("Registered() = false after registration")
	}

	srv.Emit("chat:response", map[string]interface{}{"text": "hello", "timestamp": 1000})
	select {
	case payload := <-got:
		if payload != `{"text":"hello","timestamp":1000}` {
			t.Errorf("handler payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestConnectTwice(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	m := newTestManager(t, fastOptions())
	if err := m.Connect(context.Background(), srv.URL, "user-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Connect(context.Background(), srv.URL, "user-1"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	m := newTestManager(t, fastOptions())
	if err := m.Emit("chat:message", map[string]string{"text": "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	m := newTestManager(t, fastOptions())

	var mu sync.Mutex
	var states []State
	m.OnStatus(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background(), srv.URL, "user-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	expectRegistration(t, srv, "user-1")
	waitFor(t, "connected", func() bool { return m.Status() == Connected })

	srv.Drop()
	expectRegistration(t, srv, "user-1")
	waitFor(t, "reconnected", func() bool { return m.Status() == Connected && srv.Connects() == 2 })

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Connected, Disconnected, Connecting, Connected}
	if len(states) < len(want) {
		t.Fatalf("states = %v, want prefix %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
}

func TestCloseStopsReconnection(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	m := newTestManager(t, fastOptions())
	if err := m.Connect(context.Background(), srv.URL, "user-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return m.Status() == Connected })

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m.Status() != Disconnected {
		t.Errorf("Status() after Close = %v, want disconnected", m.Status())
	}
	waitFor(t, "server side close", func() bool { return srv.Clients() == 0 })

	time.Sleep(100 * time.Millisecond)
	if srv.Connects() != 1 {
		t.Errorf("server connects = %d after Close, want 1", srv.Connects())
	}
	if m.Status() != Disconnected {
		t.Errorf("Status() = %v after Close, want disconnected", m.Status())
	}
	if err := m.Connect(context.Background(), srv.URL, "user-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestServerDisconnectIsNotRetried(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	m := newTestManager(t, fastOptions())
	if err := m.Connect(context.Background(), srv.URL, "user-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return m.Status() == Connected })

	srv.Disconnect()
	waitFor(t, "disconnected", func() bool { return m.Status() == Disconnected })

	time.Sleep(100 * time.Millisecond)
	if srv.Connects() != 1 {
		t.Errorf("server connects = %d, want 1", srv.Connects())
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	opts := fastOptions()
	opts.MaxReconnectAttempts = 2
	opts.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	m := newTestManager(t, opts)
	if err := m.Connect(context.Background(), "http://backend.invalid", "user-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "three dials", func() bool { return dials.Load() == 3 })
	time.Sleep(150 * time.Millisecond)
	if got := dials.Load(); got != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 retries)", got)
	}
	if m.Status() != Disconnected {
		t.Errorf("Status() = %v, want disconnected", m.Status())
	}
}

func TestRetriesForeverByDefault(t *testing.T) {
	var dials atomic.Int32
	opts := fastOptions()
	opts.Backoff = Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	opts.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	m := newTestManager(t, opts)
	m.Connect(context.Background(), "http://backend.invalid", "user-1")
	waitFor(t, "many dials", func() bool { return dials.Load() >= 20 })
}

func TestRegistrationPrecedesUserEvents(t *testing.T) {
	ft := newFakeTransport()
	opts := fastOptions()
	opts.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
		return ft, nil
	}

	m := newTestManager(t, opts)
	m.OnStatus(func(s State) {
		if s == Connected {
			if err := m.Emit("chat:message", map[string]string{"text": "early"}); err != nil {
				t.Errorf("Emit() from observer error = %v", err)
			}
		}
	})
	m.Connect(context.Background(), "http://fake", "user-1")
	waitFor(t, "two emits", func() bool { return len(ft.Emitted()) == 2 })

	emitted := ft.Emitted()
	if emitted[0] != EventRegister || emitted[1] != "chat:message" {
		t.Errorf("emitted = %v, want registration first", emitted)
	}
}

func TestHandlersRunOneAtATimeInOrder(t *testing.T) {
	ft := newFakeTransport()
	opts := fastOptions()
	opts.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
		return ft, nil
	}

	m := newTestManager(t, opts)

	const n = 200
	var inFlight atomic.Int32
	var mu sync.Mutex
	var seen []int
	m.On("tick", func(payload json.RawMessage) {
		if inFlight.Add(1) != 1 {
			t.Error("handlers overlapped")
		}
		var i int
		json.Unmarshal(payload, &i)
		mu.Lock()
		seen = append(seen, i)
		mu.Unlock()
		inFlight.Add(-1)
	})

	for i := 0; i < n; i++ {
		raw, _ := json.Marshal(i)
		ft.events <- socketio.Event{Name: "tick", Args: []json.RawMessage{raw}}
	}
	ft.events <- socketio.Event{Name: "unhandled"}

	m.Connect(context.Background(), "http://fake", "user-1")
	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("seen[%d] = %d, events out of order", i, v)
		}
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()

	m := newTestManager(t, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	m.Connect(ctx, srv.URL, "user-1")
	waitFor(t, "connected", func() bool { return m.Status() == Connected })

	cancel()
	waitFor(t, "disconnected", func() bool { return m.Status() == Disconnected })
	time.Sleep(100 * time.Millisecond)
	if srv.Connects() != 1 {
		t.Errorf("server connects = %d after cancel, want 1", srv.Connects())
	}
}

func TestCloseFromCallbackReturns(t *testing.T) {
	tests := []struct {
		name    string
		install func(m *Manager, closed chan<- error)
		feed    func(ft *fakeTransport)
	}{
		{
			name: "state observer",
			install: func(m *Manager, closed chan<- error) {
				m.OnStatus(func(s State) {
					if s == Connected {
						closed <- m.Close()
					}
				})
			},
		},
		{
			name: "event handler",
			install: func(m *Manager, closed chan<- error) {
				m.On("bye", func(payload json.RawMessage) {
					closed <- m.Close()
				})
			},
			feed: func(ft *fakeTransport) {
				ft.events <- socketio.Event{Name: "bye"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			if tt.feed != nil {
				tt.feed(ft)
			}
			opts := fastOptions()
			opts.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
				return ft, nil
			}

			m := newTestManager(t, opts)
			closed := make(chan error, 2)
			tt.install(m, closed)
			m.Connect(context.Background(), "http://fake", "user-1")

			select {
			case err := <-closed:
				if err != nil {
					t.Errorf("Close() error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Close() from callback did not return")
			}
			waitFor(t, "disconnected", func() bool { return m.Status() == Disconnected })
			if err := m.Connect(context.Background(), "http://fake", "user-1"); !errors.Is(err, ErrClosed) {
				t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestCloseDuringStalledHandshake(t *testing.T) {
	srv := sockettest.NewServer()
	defer srv.Close()
	srv.StallConnect.Store(true)

	opts := fastOptions()
	opts.DialTimeout = time.Minute
	m := newTestManager(t, opts)
	m.Connect(context.Background(), srv.URL, "user-1")
	waitFor(t, "socket open", func() bool { return srv.Clients() == 1 })

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() waited on the stalled handshake")
	}
	if m.Status() != Disconnected {
		t.Errorf("Status() = %v after Close, want disconnected", m.Status())
	}
}
