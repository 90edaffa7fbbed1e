package slimproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Client message opcodes
	OpHello   = "HELO"
	OpStatus  = "STAT"
	OpBye     = "BYE!"
	OpIR      = "IR  "
	OpRespond = "RESP"
	OpMeta    = "META"

	// Server command opcodes
	OpStream = "strm"

	// Client message header: [Opcode:4][Length:4]
	ClientHeaderSize = 8
	// Server command header: [Length:2][Opcode:4]
	ServerHeaderSize = 6

	// MaxMessageSize bounds a single client payload
	MaxMessageSize = 64 * 1024

	// HELO payload layout
	heloMinSize      = 8  // [DeviceID:1][Revision:1][MAC:6]
	heloLegacySize   = 20 // + [WLAN:2][BytesReceived:8][Language:2]
	heloWithUUIDSize = 36 // + [UUID:16] between MAC and WLAN

	// STAT payload layout
	statMinSize  = 4
	statFullSize = 53
)

var (
	// ErrShortMessage reports that data does not yet hold a complete message
	ErrShortMessage = errors.New("incomplete message")

	// ErrMessageTooLarge reports a length field beyond MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")
)

// Message is one framed client message
type Message struct {
	Opcode  string
	Payload []byte
}

// Size returns the number of wire bytes of the message
func (m *Message) Size() int {
	return ClientHeaderSize + len(m.Payload)
}

// String returns a human-readable representation of the message
func (m *Message) String() string {
	return fmt.Sprintf("Message{Opcode:%q, PayloadLen:%d}", m.Opcode, len(m.Payload))
}

// ParseMessage parses one client message from the start of data and returns
// it with the number of bytes consumed. ErrShortMessage is returned when more
// bytes are needed.
func ParseMessage(data []byte) (*Message, int, error) {
	if len(data) < ClientHeaderSize {
		return nil, 0, ErrShortMessage
	}

	length := binary.BigEndian.Uint32(data[4:8])
	if length > MaxMessageSize {
		return nil, 0, fmt.Errorf("%w: %d bytes (maximum %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	total := ClientHeaderSize + int(length)
	if len(data) < total {
		return nil, 0, ErrShortMessage
	}

	msg := &Message{
		Opcode:  string(data[0:4]),
		Payload: make([]byte, length),
	}
	copy(msg.Payload, data[ClientHeaderSize:total])

	return msg, total, nil
}

// EncodeMessage frames a client message; used by tests and tooling that play
// the device side
func EncodeMessage(opcode string, payload []byte) ([]byte, error) {
	if len(opcode) != 4 {
		return nil, fmt.Errorf("opcode must be 4 bytes, got %q", opcode)
	}

	buf := make([]byte, ClientHeaderSize+len(payload))
	copy(buf[0:4], opcode)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[ClientHeaderSize:], payload)
	return buf, nil
}

// Decoder reassembles client messages split across reads
type Decoder struct {
	buf []byte
}

// Feed appends data and returns every message completed by it. After an
// error the buffered bytes are discarded and the stream cannot be resynced.
func (d *Decoder) Feed(data []byte) ([]*Message, error) {
	d.buf = append(d.buf, data...)

	var msgs []*Message
	offset := 0
	for {
		msg, n, err := ParseMessage(d.buf[offset:])
		if errors.Is(err, ErrShortMessage) {
			break
		}
		if err != nil {
			d.buf = d.buf[:0]
			return msgs, err
		}
		msgs = append(msgs, msg)
		offset += n
	}

	rest := copy(d.buf, d.buf[offset:])
	d.buf = d.buf[:rest]

	return msgs, nil
}

// Buffered returns the number of bytes waiting for the rest of a message
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Hello is the identity a player announces on connect
type Hello struct {
	DeviceID      uint8
	Revision      uint8
	MAC           net.HardwareAddr
	UUID          uuid.UUID // uuid.Nil for players that do not send one
	WLANChannels  uint16
	BytesReceived uint64
	Language      string
	Capabilities  string
}

// ParseHello parses a HELO payload. Both the legacy layout and the layout
// carrying a player UUID are accepted.
func ParseHello(payload []byte) (*Hello, error) {
	if len(payload) < heloMinSize {
		return nil, fmt.Errorf("HELO payload too short: expected at least %d bytes, got %d", heloMinSize, len(payload))
	}

	h := &Hello{
		DeviceID: payload[0],
		Revision: payload[1],
		MAC:      net.HardwareAddr(append([]byte(nil), payload[2:8]...)),
	}

	rest := payload[heloMinSize:]
	if len(payload) >= heloWithUUIDSize {
		id, err := uuid.FromBytes(payload[8:24])
		if err != nil {
			return nil, fmt.Errorf("failed to parse player UUID: %w", err)
		}
		h.UUID = id
		rest = payload[24:]
	}

	if len(rest) >= heloLegacySize-heloMinSize {
		h.WLANChannels = binary.BigEndian.Uint16(rest[0:2])
		h.BytesReceived = binary.BigEndian.Uint64(rest[2:10])
		h.Language = ExtractString(rest[10:12])
		h.Capabilities = ExtractString(rest[12:])
	}

	return h, nil
}

// DeviceName returns the product name for the announced device id
func (h *Hello) DeviceName() string {
	switch h.DeviceID {
	case 2:
		return "squeezebox"
	case 3:
		return "softsqueeze"
	case 4:
		return "squeezebox2"
	case 5:
		return "transporter"
	case 6:
		return "softsqueeze3"
	case 7:
		return "receiver"
	case 8:
		return "squeezeslave"
	case 9:
		return "controller"
	case 10:
		return "boom"
	case 11:
		return "softboom"
	case 12:
		return "squeezeplay"
	default:
		return fmt.Sprintf("unknown(%d)", h.DeviceID)
	}
}

// String returns a human-readable representation of the hello payload
func (h *Hello) String() string {
	return fmt.Sprintf("Hello{Device:%s, Revision:%d, MAC:%s, UUID:%s}",
		h.DeviceName(), h.Revision, h.MAC, h.UUID)
}

// Status is a player status report
type Status struct {
	Event                string
	StreamBufferSize     uint32
	StreamBufferFullness uint32
	BytesReceived        uint64
	Jiffies              uint32
	OutputBufferSize     uint32
	OutputBufferFullness uint32
	ElapsedMilliseconds  uint32
}

// ParseStatus parses a STAT payload. Only the event code is mandatory; the
// counters are filled when the full report is present.
func ParseStatus(payload []byte) (*Status, error) {
	if len(payload) < statMinSize {
		return nil, fmt.Errorf("STAT payload too short: expected at least %d bytes, got %d", statMinSize, len(payload))
	}

	s := &Status{Event: string(payload[0:4])}
	if len(payload) < statFullSize {
		return s, nil
	}

	s.StreamBufferSize = binary.BigEndian.Uint32(payload[7:11])
	s.StreamBufferFullness = binary.BigEndian.Uint32(payload[11:15])
	s.BytesReceived = binary.BigEndian.Uint64(payload[15:23])
	s.Jiffies = binary.BigEndian.Uint32(payload[25:29])
	s.OutputBufferSize = binary.BigEndian.Uint32(payload[29:33])
	s.OutputBufferFullness = binary.BigEndian.Uint32(payload[33:37])
	s.ElapsedMilliseconds = binary.BigEndian.Uint32(payload[43:47])

	return s, nil
}

// ExtractString extracts a null-terminated string from a fixed-size field
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
