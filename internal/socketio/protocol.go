package socketio

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/zishang520/engine.io-go-parser/packet"
	enginecodec "github.com/zishang520/engine.io-go-parser/parser"
	"github.com/zishang520/engine.io-go-parser/types"
	"github.com/zishang520/socket.io-go-parser/v2/parser"
)

// Engine.IO v4 / Socket.IO v5 wire types. Framing is delegated to the
// zishang520 parsers; this file maps their packets onto JSON events.

// EngineType is the kind of an Engine.IO frame
type EngineType = packet.Type

const (
	EngineOpen    = packet.OPEN
	EngineClose   = packet.CLOSE
	EnginePing    = packet.PING
	EnginePong    = packet.PONG
	EngineMessage = packet.MESSAGE
	EngineUpgrade = packet.UPGRADE
	EngineNoop    = packet.NOOP
)

// PacketType is the kind of a Socket.IO packet carried in a message frame
type PacketType = parser.PacketType

const (
	PacketConnect      = parser.CONNECT
	PacketDisconnect   = parser.DISCONNECT
	PacketEvent        = parser.EVENT
	PacketAck          = parser.ACK
	PacketConnectError = parser.CONNECT_ERROR
	PacketBinaryEvent  = parser.BINARY_EVENT
	PacketBinaryAck    = parser.BINARY_ACK
)

// Packet is a decoded Socket.IO packet. Data holds the JSON body decoded
// into any.
type Packet = parser.Packet

// DefaultNamespace is the main Socket.IO namespace
const DefaultNamespace = "/"

var (
	frames  = enginecodec.Parserv4()
	packets = parser.NewEncoder()
)

// OpenPayload is the handshake body sent by the server in the open frame
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// ConnectPayload is the body of a namespace connect acknowledgement
type ConnectPayload struct {
	SID string `json:"sid"`
}

// ConnectErrorPayload is the body of a namespace connect refusal
type ConnectErrorPayload struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded Engine.IO frame. Packet is set for message frames only.
type Frame struct {
	Type   EngineType
	Data   []byte
	Packet *Packet
}

// Event is a named inbound event with its JSON arguments
type Event struct {
	Name string
	Args []json.RawMessage
}

// Payload returns the first event argument, or nil when the event has none
func (e Event) Payload() json.RawMessage {
	if len(e.Args) == 0 {
		return nil
	}
	return e.Args[0]
}

// PacketError reports a frame that could not be decoded
type PacketError struct {
	Frame string
	Err   error
}

func (e *PacketError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64] + "..."
	}
	return fmt.Sprintf("socket.io packet error %q: %v", frame, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}

// Decoder turns websocket text frames into Engine.IO frames and the
// Socket.IO packets they carry. It is not safe for concurrent use.
type Decoder struct {
	packets parser.Decoder
	decoded *Packet
}

// NewDecoder creates a Decoder
func NewDecoder() *Decoder {
	d := &Decoder{packets: parser.NewDecoder()}
	d.packets.On("decoded", func(args ...any) {
		if len(args) > 0 {
			d.decoded, _ = args[0].(*Packet)
		}
	})
	return d
}

// Decode parses one websocket text frame
func (d *Decoder) Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, &PacketError{Err: fmt.Errorf("empty frame")}
	}

	p, err := frames.DecodePacket(types.NewStringBuffer(raw))
	if err != nil {
		return Frame{}, &PacketError{Frame: string(raw), Err: err}
	}
	if _, text := p.Data.(*types.StringBuffer); !text {
		return Frame{}, &PacketError{Frame: string(raw), Err: fmt.Errorf("binary frames are not supported")}
	}
	body, err := io.ReadAll(p.Data)
	if err != nil {
		return Frame{}, &PacketError{Frame: string(raw), Err: err}
	}

	frame := Frame{Type: p.Type, Data: body}
	if p.Type != EngineMessage {
		return frame, nil
	}

	// binary packets would park the decoder waiting for attachments
	if len(body) > 0 && (PacketType(body[0]) == PacketBinaryEvent || PacketType(body[0]) == PacketBinaryAck) {
		return Frame{}, &PacketError{Frame: string(raw), Err: fmt.Errorf("binary packets are not supported")}
	}

	d.decoded = nil
	if err := d.packets.Add(string(body)); err != nil {
		return Frame{}, &PacketError{Frame: string(raw), Err: err}
	}
	if d.decoded == nil {
		return Frame{}, &PacketError{Frame: string(raw), Err: fmt.Errorf("incomplete packet")}
	}
	frame.Packet = d.decoded
	return frame, nil
}

// DecodeFrame parses a single frame with a throwaway Decoder
func DecodeFrame(raw []byte) (Frame, error) {
	return NewDecoder().Decode(raw)
}

// EventFromPacket extracts the event name and JSON arguments from an
// event packet
func EventFromPacket(p *Packet) (Event, error) {
	if p.Type != PacketEvent {
		return Event{}, fmt.Errorf("packet type %s is not an event", p.Type)
	}

	parts, ok := p.Data.([]any)
	if !ok || len(parts) == 0 {
		return Event{}, fmt.Errorf("event has no name")
	}
	name, ok := parts[0].(string)
	if !ok {
		return Event{}, fmt.Errorf("event name is not a string")
	}

	ev := Event{Name: name, Args: make([]json.RawMessage, 0, len(parts)-1)}
	for _, arg := range parts[1:] {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s argument: %w", name, err)
		}
		ev.Args = append(ev.Args, raw)
	}
	return ev, nil
}

// EncodeEngine builds a bare Engine.IO frame such as a ping or the open
// handshake
func EncodeEngine(t EngineType, body []byte) ([]byte, error) {
	p := &packet.Packet{Type: t}
	if len(body) > 0 {
		p.Data = strings.NewReader(string(body))
	}
	buf, err := frames.EncodePacket(p, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", t, err)
	}
	return buf.Bytes(), nil
}

// EncodePacket builds the websocket frame for a Socket.IO packet. A nil
// data sends the packet without a body.
func EncodePacket(t PacketType, namespace string, data interface{}) ([]byte, error) {
	p := &Packet{Type: t, Nsp: namespace}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s packet: %w", t, err)
		}
		p.Data = json.RawMessage(raw)
	}
	return encodeMessage(p)
}

// EncodeEvent builds the websocket frame for an outbound event
func EncodeEvent(namespace, event string, args ...interface{}) ([]byte, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, event)
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", event, err)
		}
		parts = append(parts, json.RawMessage(raw))
	}
	return encodeMessage(&Packet{Type: PacketEvent, Nsp: namespace, Data: parts})
}

// EncodeConnect builds the namespace connect frame
func EncodeConnect(namespace string) []byte {
	frame, _ := EncodePacket(PacketConnect, namespace, nil)
	return frame
}

// EncodeDisconnect builds the namespace disconnect frame
func EncodeDisconnect(namespace string) []byte {
	frame, _ := EncodePacket(PacketDisconnect, namespace, nil)
	return frame
}

// Payloads are pre-marshalled into json.RawMessage, which the encoder
// neither treats as binary nor re-encodes, so it always yields one buffer.
func encodeMessage(p *Packet) ([]byte, error) {
	bufs := packets.Encode(p)
	if len(bufs) != 1 {
		return nil, fmt.Errorf("unexpected binary %s packet", p.Type)
	}
	return EncodeEngine(EngineMessage, bufs[0].Bytes())
}
