package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrServerDisconnect is returned by ReadEvent when the server
	// disconnects the namespace on purpose
	ErrServerDisconnect = errors.New("server disconnected the namespace")

	// ErrClosed is returned when using a closed connection
	ErrClosed = errors.New("socket.io connection is closed")
)

// DialOptions configures Dial
type DialOptions struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	Auth             map[string]any // optional namespace connect payload
}

// Conn is one Socket.IO session over a single websocket
type Conn struct {
	ws        *websocket.Conn
	namespace string
	sid       string
	open      OpenPayload
	decoder   *Decoder
	logger    *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// EndpointURL turns a backend base URL into the websocket URL and the
// namespace to join. A path on the base URL names the namespace.
func EndpointURL(base string) (string, string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint %q: %w", base, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("endpoint %q has no host", base)
	}

	namespace := DefaultNamespace
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		namespace = p
	}

	u.Path = "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), namespace, nil
}

// Dial opens the websocket, reads the Engine.IO handshake and joins the
// namespace. It returns once the server acknowledged the namespace connect.
func Dial(ctx context.Context, endpoint string, opts DialOptions, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	wsURL, namespace, err := EndpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}

	ws, _, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c := &Conn{
		ws:        ws,
		namespace: namespace,
		decoder:   NewDecoder(),
		logger:    logger,
	}

	// closing the socket unblocks a pending read on cancel or deadline
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	err = c.handshake(opts.Auth)
	if !stop() || err != nil {
		ws.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("socket.io handshake aborted: %w", ctxErr)
		}
		return nil, err
	}

	c.extendDeadline()
	logger.Debug("socket.io connected", "url", wsURL, "namespace", namespace, "sid", c.sid)
	return c, nil
}

func (c *Conn) handshake(auth map[string]any) error {
	frame, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("failed to read open frame: %w", err)
	}
	if frame.Type != EngineOpen {
		return fmt.Errorf("expected open frame, got %q", frame.Type)
	}
	if err := json.Unmarshal(frame.Data, &c.open); err != nil {
		return fmt.Errorf("failed to unmarshal open frame: %w", err)
	}

	var body interface{}
	if auth != nil {
		body = auth
	}
	connect, err := EncodePacket(PacketConnect, c.namespace, body)
	if err != nil {
		return fmt.Errorf("failed to encode connect: %w", err)
	}
	if err := c.write(connect); err != nil {
		return fmt.Errorf("failed to write connect: %w", err)
	}

	for {
		frame, err := c.readFrame()
		if err != nil {
			return fmt.Errorf("failed to read connect reply: %w", err)
		}

		switch frame.Type {
		case EnginePing:
			if err := c.pong(); err != nil {
				return err
			}
			continue
		case EngineClose:
			return fmt.Errorf("server closed during handshake")
		case EngineMessage:
		default:
			continue
		}

		pkt := frame.Packet
		if pkt.Nsp != c.namespace {
			continue
		}

		switch pkt.Type {
		case PacketConnect:
			if ack, ok := pkt.Data.(map[string]any); ok {
				c.sid, _ = ack["sid"].(string)
			}
			return nil
		case PacketConnectError:
			return fmt.Errorf("namespace %s refused: %s", c.namespace, refusalMessage(pkt.Data))
		}
	}
}

// Namespace returns the joined namespace
func (c *Conn) Namespace() string {
	return c.namespace
}

// SID returns the Socket.IO session id assigned by the server
func (c *Conn) SID() string {
	return c.sid
}

// ReadEvent blocks until the next event for this namespace. Heartbeat
// pings are answered in place. Frames that fail to decode are logged and
// skipped.
func (c *Conn) ReadEvent() (Event, error) {
	for {
		frame, err := c.readFrame()
		if err != nil {
			var pktErr *PacketError
			if errors.As(err, &pktErr) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			return Event{}, err
		}
		c.extendDeadline()

		switch frame.Type {
		case EnginePing:
			if err := c.pong(); err != nil {
				return Event{}, err
			}
			continue
		case EngineClose:
			return Event{}, fmt.Errorf("server closed the transport")
		case EngineMessage:
		default:
			continue
		}

		pkt := frame.Packet
		if pkt.Nsp != c.namespace {
			continue
		}

		switch pkt.Type {
		case PacketEvent:
			ev, err := EventFromPacket(pkt)
			if err != nil {
				c.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			return ev, nil
		case PacketDisconnect:
			return Event{}, ErrServerDisconnect
		default:
			c.logger.Debug("ignoring packet", "type", pkt.Type.String())
		}
	}
}

// Emit sends a named event with a JSON payload. It never waits for an
// acknowledgement.
func (c *Conn) Emit(event string, payload interface{}) error {
	frame, err := EncodeEvent(c.namespace, event, payload)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	return nil
}

// Close leaves the namespace and closes the websocket
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	c.ws.SetWriteDeadline(deadline)
	c.ws.WriteMessage(websocket.TextMessage, EncodeDisconnect(c.namespace))
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *Conn) write(frame []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) readFrame() (Frame, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	if msgType != websocket.TextMessage {
		return Frame{}, &PacketError{Frame: "<binary>", Err: fmt.Errorf("binary frames are not supported")}
	}
	return c.decoder.Decode(data)
}

func (c *Conn) pong() error {
	frame, err := EncodeEngine(EnginePong, nil)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("failed to write pong: %w", err)
	}
	return nil
}

// refusalMessage reads a connect error body, {"message": ...} in v5 and a
// bare string from older servers
func refusalMessage(data any) string {
	switch v := data.(type) {
	case map[string]any:
		if msg, ok := v["message"].(string); ok && msg != "" {
			return msg
		}
	case string:
		if v != "" {
			return v
		}
	}
	raw, _ := json.Marshal(data)
	return string(raw)
}

// The server pings every pingInterval and gives up after pingTimeout, so
// silence longer than both means the peer is gone.
func (c *Conn) extendDeadline() {
	wait := time.Duration(c.open.PingInterval+c.open.PingTimeout) * time.Millisecond
	if wait <= 0 {
		c.ws.SetReadDeadline(time.Time{})
		return
	}
	c.ws.SetReadDeadline(time.Now().Add(wait))
}
