package slimproto

import (
	"encoding/binary"
	"fmt"
	"net"
)

// strm command codes
const (
	StrmStart   byte = 's'
	StrmStop    byte = 'q'
	StrmFlush   byte = 'f'
	StrmStatus  byte = 't'
	StrmPause   byte = 'p'
	StrmUnpause byte = 'u'
)

// strm header field values
const (
	FormatFLAC byte = 'f'
	FormatPCM  byte = 'p'

	AutostartOff byte = '0'
	AutostartOn  byte = '1'

	// selfDescribing lets the decoder take the field from the stream header
	selfDescribing byte = '?'

	// StrmHeaderSize is the fixed part of a strm command before the HTTP request
	StrmHeaderSize = 24

	// DefaultBufferThreshold is the KB of input buffered before autostart
	DefaultBufferThreshold = 255
)

// StreamPath is the HTTP resource players request for audio
const StreamPath = "/stream.flac"

// StrmCommand describes one strm command
type StrmCommand struct {
	Command    byte
	Autostart  byte
	Format     byte
	SampleRate uint32 // 0 leaves the rate to the stream header
	Channels   int    // 0 leaves the channel count to the stream header
	BitDepth   int    // 0 leaves the sample size to the stream header
	Threshold  uint8
	ServerPort uint16
	ServerIP   net.IP // nil tells the player to use the control server address
	PlayerMAC  net.HardwareAddr
}

// EncodeCommand frames a server command: [Length:2][Opcode:4][Payload]
func EncodeCommand(opcode string, payload []byte) ([]byte, error) {
	if len(opcode) != 4 {
		return nil, fmt.Errorf("opcode must be 4 bytes, got %q", opcode)
	}

	size := 4 + len(payload)
	if size > 0xFFFF {
		return nil, fmt.Errorf("%w: command payload of %d bytes", ErrMessageTooLarge, len(payload))
	}

	buf := make([]byte, 2+size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	copy(buf[2:6], opcode)
	copy(buf[ServerHeaderSize:], payload)
	return buf, nil
}

// EncodeStrm builds a complete, framed strm command. Start commands carry
// the HTTP request the player sends back on the streaming port.
func EncodeStrm(cmd StrmCommand) ([]byte, error) {
	switch cmd.Command {
	case StrmStart, StrmStop, StrmFlush, StrmStatus, StrmPause, StrmUnpause:
	default:
		return nil, fmt.Errorf("unknown strm command: %q", cmd.Command)
	}

	sampleSize, err := sampleSizeCode(cmd.BitDepth)
	if err != nil {
		return nil, err
	}

	rateCode, err := sampleRateCode(cmd.SampleRate)
	if err != nil {
		return nil, err
	}

	channels, err := channelsCode(cmd.Channels)
	if err != nil {
		return nil, err
	}

	autostart := cmd.Autostart
	if autostart == 0 {
		autostart = AutostartOff
	}

	format := cmd.Format
	if format == 0 {
		format = FormatFLAC
	}

	var request []byte
	if cmd.Command == StrmStart {
		request = []byte(StreamRequest(cmd.PlayerMAC))
	}

	payload := make([]byte, StrmHeaderSize, StrmHeaderSize+len(request))
	payload[0] = cmd.Command
	payload[1] = autostart
	payload[2] = format
	payload[3] = sampleSize
	payload[4] = rateCode
	payload[5] = channels
	payload[6] = '1' // little endian
	payload[7] = cmd.Threshold
	payload[8] = '0' // spdif auto
	payload[9] = 0   // transition period
	payload[10] = '0'
	payload[11] = 0 // flags
	payload[12] = 0 // output threshold
	payload[13] = 0 // reserved
	// [14:18] replay gain left at zero
	binary.BigEndian.PutUint16(payload[18:20], cmd.ServerPort)
	if ip4 := cmd.ServerIP.To4(); ip4 != nil {
		copy(payload[20:24], ip4)
	}
	payload = append(payload, request...)

	return EncodeCommand(OpStream, payload)
}

// StreamRequest returns the HTTP request a player issues for its stream
func StreamRequest(mac net.HardwareAddr) string {
	return fmt.Sprintf("GET %s?player=%s HTTP/1.0\r\n\r\n", StreamPath, mac)
}

func sampleSizeCode(bits int) (byte, error) {
	switch bits {
	case 0:
		return selfDescribing, nil
	case 8:
		return '0', nil
	case 16:
		return '1', nil
	case 20:
		return '2', nil
	case 24, 32:
		return '3', nil
	default:
		return 0, fmt.Errorf("unsupported sample size: %d bits", bits)
	}
}

var sampleRateCodes = map[uint32]byte{
	11025:  '0',
	22050:  '1',
	32000:  '2',
	44100:  '3',
	48000:  '4',
	8000:   '5',
	12000:  '6',
	16000:  '7',
	24000:  '8',
	96000:  '9',
	88200:  ':',
	176400: ';',
	192000: '<',
	352800: '=',
	384000: '>',
}

func sampleRateCode(rate uint32) (byte, error) {
	if rate == 0 {
		return selfDescribing, nil
	}
	code, ok := sampleRateCodes[rate]
	if !ok {
		return 0, fmt.Errorf("unsupported sample rate: %d Hz", rate)
	}
	return code, nil
}

func channelsCode(channels int) (byte, error) {
	switch channels {
	case 0:
		return selfDescribing, nil
	case 1:
		return '1', nil
	case 2:
		return '2', nil
	default:
		return 0, fmt.Errorf("unsupported channel count: %d", channels)
	}
}
