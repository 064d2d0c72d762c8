// Package sockettest provides an in-process Socket.IO server for tests
package sockettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"MoltChat/internal/socketio"

	"github.com/gorilla/websocket"
)

// Event is an event received from a client
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Server speaks just enough Engine.IO v4 / Socket.IO v5 to exercise a
// client. Frames go through the same codec the client uses.
type Server struct {
	URL string

	// RejectConnect, when set, refuses namespace connects with this message
	RejectConnect atomic.Value

	// StallConnect, when set, leaves namespace connects unanswered
	StallConnect atomic.Bool

	srv      *httptest.Server
	upgrader websocket.Upgrader
	events   chan Event
	connects atomic.Int32

	mu    sync.Mutex
	conns map[*serverConn]struct{}
	seq   int
}

type serverConn struct {
	ws        *websocket.Conn
	namespace string
	writeMu   sync.Mutex
}

// NewServer starts a server. Close it when done.
func NewServer() *Server {
	s := &Server{
		events: make(chan Event, 128),
		conns:  make(map[*serverConn]struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = s.srv.URL
	return s
}

// Close drops every client and stops the listener
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

// Connects returns how many namespace connects were accepted
func (s *Server) Connects() int {
	return int(s.connects.Load())
}

// Clients returns the number of live client sockets
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// NextEvent waits for the next client event
func (s *Server) NextEvent(timeout time.Duration) (Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	}
}

// Emit sends an event to every connected client
func (s *Server) Emit(event string, payload interface{}) error {
	for _, c := range s.snapshot() {
		frame, err := socketio.EncodeEvent(c.ns(), event, payload)
		if err != nil {
			return err
		}
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

// EmitRaw writes a raw frame to every connected client
func (s *Server) EmitRaw(frame string) {
	for _, c := range s.snapshot() {
		c.write([]byte(frame))
	}
}

// Ping sends an Engine.IO ping to every connected client
func (s *Server) Ping() {
	frame, _ := socketio.EncodeEngine(socketio.EnginePing, nil)
	s.EmitRaw(string(frame))
}

// Disconnect sends a namespace disconnect to every connected client
func (s *Server) Disconnect() {
	for _, c := range s.snapshot() {
		c.write(socketio.EncodeDisconnect(c.ns()))
	}
}

// Drop closes every client socket without a goodbye
func (s *Server) Drop() {
	for _, c := range s.snapshot() {
		c.ws.Close()
	}
}

func (s *Server) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (c *serverConn) ns() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.namespace == "" {
		return socketio.DefaultNamespace
	}
	return c.namespace
}

func (c *serverConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.seq++
	sid := fmt.Sprintf("sid-%d", s.seq)
	c := &serverConn{ws: ws}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.Close()
	}()

	open, _ := json.Marshal(socketio.OpenPayload{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: 25000,
		PingTimeout:  20000,
		MaxPayload:   1000000,
	})
	frame, _ := socketio.EncodeEngine(socketio.EngineOpen, open)
	if err := c.write(frame); err != nil {
		return
	}

	decoder := socketio.NewDecoder()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := decoder.Decode(data)
		if err != nil || frame.Type != socketio.EngineMessage {
			continue
		}

		pkt := frame.Packet
		switch pkt.Type {
		case socketio.PacketConnect:
			if s.StallConnect.Load() {
				continue
			}
			if msg, _ := s.RejectConnect.Load().(string); msg != "" {
				reply, _ := socketio.EncodePacket(socketio.PacketConnectError, pkt.Nsp, socketio.ConnectErrorPayload{Message: msg})
				c.write(reply)
				continue
			}
			c.writeMu.Lock()
			c.namespace = pkt.Nsp
			c.writeMu.Unlock()
			reply, _ := socketio.EncodePacket(socketio.PacketConnect, pkt.Nsp, socketio.ConnectPayload{SID: sid})
			if err := c.write(reply); err != nil {
				return
			}
			s.connects.Add(1)
		case socketio.PacketEvent:
			ev, err := socketio.EventFromPacket(pkt)
			if err != nil {
				continue
			}
			s.events <- Event{Name: ev.Name, Payload: ev.Payload()}
		case socketio.PacketDisconnect:
			return
		}
	}
}
