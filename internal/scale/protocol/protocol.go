// Package protocol implements the Acaia scale wire protocol: fixed-header
// binary frames carrying weight samples, timer/button events and device
// settings. Framing and checksum logic is stateless; the connection layer
// owns the byte accumulator and calls Decode in a loop.
package protocol

import "encoding/binary"

// Frame magic bytes. Every frame starts with these two.
const (
	header1 = 0xEF
	header2 = 0xDD
)

// Frame-level command bytes (third byte of a frame).
const (
	cmdHeartbeat    = 0
	cmdTare         = 4
	cmdSettings     = 8
	cmdIdentify     = 11
	cmdEventPayload = 12
)

// Event message types (first byte inside an event payload).
const (
	EventWeight = 5
	EventTime   = 7
	EventButton = 8
	EventTagged = 11
)

// minFrameLen is header (2) + command (1) + length byte (1) + checksum (2).
const minFrameLen = 6

// maxPlausibleWeight is the heaviest reading the scale can physically
// produce, in grams. Anything above it means the bytes were interpreted
// with the wrong endianness.
const maxPlausibleWeight = 4000.0

// Button identifies which physical scale button produced an event.
type Button int

const (
	ButtonNone Button = iota
	ButtonTare
	ButtonStart
	ButtonStop
	ButtonReset
	ButtonUnknown
)

func (b Button) String() string {
	switch b {
	case ButtonNone:
		return "none"
	case ButtonTare:
		return "tare"
	case ButtonStart:
		return "start"
	case ButtonStop:
		return "stop"
	case ButtonReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Message is a fully decoded frame: either *Event or *Settings.
type Message interface {
	message()
}

// Event is a telemetry frame: a weight sample, an elapsed-time report,
// or a button press with its associated weight/time.
type Event struct {
	Type      byte
	Weight    float64
	HasWeight bool
	Time      float64
	HasTime   bool
	Button    Button
}

func (*Event) message() {}

// Settings is a device-settings frame sent periodically by the scale.
type Settings struct {
	Battery        int // percent
	Units          string
	AutoOffMinutes int
	BeepOn         bool
}

func (*Settings) message() {}

// Encode builds a frame: magic, message type, payload, then a two-byte
// checksum computed as independent running sums over even and odd payload
// positions, each truncated to 8 bits.
func Encode(msgType byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = header1
	buf[1] = header2
	buf[2] = msgType
	var ck1, ck2 uint
	for i, b := range payload {
		buf[3+i] = b
		if i%2 == 0 {
			ck1 += uint(b)
		} else {
			ck2 += uint(b)
		}
	}
	buf[3+len(payload)] = byte(ck1)
	buf[4+len(payload)] = byte(ck2)
	return buf
}

// EncodeEventData wraps an event payload with its length prefix and frames
// it as an event-data command.
func EncodeEventData(payload []byte) []byte {
	wrapped := make([]byte, len(payload)+1)
	wrapped[0] = byte(len(payload) + 1)
	copy(wrapped[1:], payload)
	return Encode(cmdEventPayload, wrapped)
}

// EncodeNotificationRequest builds the frame that arms telemetry streaming.
// Some firmware needs it sent twice before it takes effect.
func EncodeNotificationRequest() []byte {
	return EncodeEventData([]byte{0, 1, 1, 2, 2, 5, 3, 4})
}

// EncodeID builds the identification frame. Pyxis-generation scales expect
// a digits payload, older ones a run of dashes.
func EncodeID(pyxis bool) []byte {
	var payload []byte
	if pyxis {
		payload = []byte("012345678901234")
	} else {
		payload = []byte("---------------")
	}
	return Encode(cmdIdentify, payload)
}

// EncodeHeartbeat builds the keep-alive frame.
func EncodeHeartbeat() []byte {
	return Encode(cmdHeartbeat, []byte{2, 0})
}

// EncodeTare builds the remote-tare frame.
func EncodeTare() []byte {
	return Encode(cmdTare, []byte{0})
}

// Decode scans buf for the frame magic and, if a complete frame is present,
// returns the decoded message and the unconsumed remainder. It returns
// (nil, buf) when no complete frame has accumulated yet — the caller keeps
// appending bytes and retries. Frames with an unrecognized command are
// consumed and skipped. Decode never panics on malformed input.
func Decode(buf []byte) (Message, []byte) {
	start := -1
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == header1 && buf[i+1] == header2 {
			start = i
			break
		}
	}
	if start < 0 || len(buf)-start < minFrameLen {
		return nil, buf
	}

	payloadLen := int(buf[start+3])
	end := start + payloadLen + 5
	if end > len(buf) {
		return nil, buf
	}

	switch buf[start+2] {
	case cmdEventPayload:
		msgType := buf[start+4]
		return newEvent(msgType, buf[start+5:end]), buf[end:]
	case cmdSettings:
		s, ok := decodeSettings(buf[start+3:])
		if !ok {
			// Settings frame shorter than its fixed fields: wait for more.
			return nil, buf
		}
		return s, buf[end:]
	default:
		return nil, buf[end:]
	}
}

func newEvent(msgType byte, payload []byte) *Event {
	ev := &Event{Type: msgType, Button: ButtonNone}
	switch msgType {
	case EventWeight:
		ev.Weight = decodeWeight(payload)
		ev.HasWeight = true
	case EventTime:
		ev.Time = decodeTime(payload)
		ev.HasTime = true
	case EventTagged:
		if len(payload) < 3 {
			return ev
		}
		switch payload[2] {
		case EventWeight:
			ev.Weight = decodeWeight(payload[3:])
			ev.HasWeight = true
		case EventTime:
			ev.Time = decodeTime(payload[3:])
			ev.HasTime = true
		}
	case EventButton:
		decodeButton(ev, payload)
	}
	return ev
}

func decodeButton(ev *Event, payload []byte) {
	if len(payload) < 2 {
		ev.Button = ButtonUnknown
		return
	}
	switch {
	case payload[0] == 0 && payload[1] == 5:
		ev.Button = ButtonTare
		ev.Weight = decodeWeight(payload[2:])
		ev.HasWeight = true
	case payload[0] == 8 && payload[1] == 5:
		ev.Button = ButtonStart
		ev.Weight = decodeWeight(payload[2:])
		ev.HasWeight = true
	case payload[0] == 10 && payload[1] == 7:
		ev.Button = ButtonStop
		ev.Time = decodeTime(payload[2:])
		ev.HasTime = true
		ev.Weight = decodeWeight(payload[6:])
		ev.HasWeight = true
	case payload[0] == 9 && payload[1] == 7:
		ev.Button = ButtonReset
		ev.Time = decodeTime(payload[2:])
		ev.HasTime = true
		ev.Weight = decodeWeight(payload[6:])
		ev.HasWeight = true
	default:
		ev.Button = ButtonUnknown
	}
}

func decodeSettings(payload []byte) (*Settings, bool) {
	if len(payload) < 7 {
		return nil, false
	}
	s := &Settings{
		Battery:        int(payload[1] & 0x7F),
		AutoOffMinutes: int(payload[4]) * 5,
		BeepOn:         payload[6] == 1,
	}
	switch payload[2] {
	case 2:
		s.Units = "grams"
	case 5:
		s.Units = "ounces"
	}
	return s, true
}

// decodeWeight interprets six bytes as a fixed-point weight: four raw bytes,
// a divisor selector, and a sign bit. Devices are observed shipping the raw
// bytes in either order, so big-endian is tried first and little-endian is
// used when the result is not physically plausible.
func decodeWeight(payload []byte) float64 {
	if len(payload) < 6 {
		return 0
	}
	divisor := 10.0
	switch payload[4] {
	case 1:
		divisor = 10
	case 2:
		divisor = 100
	case 3:
		divisor = 1000
	case 4:
		divisor = 10000
	}
	sign := 1.0
	if payload[5]&0x02 != 0 {
		sign = -1
	}
	w := sign * float64(binary.BigEndian.Uint32(payload[:4])) / divisor
	if w >= -maxPlausibleWeight && w <= maxPlausibleWeight {
		return w
	}
	return sign * float64(binary.LittleEndian.Uint32(payload[:4])) / divisor
}

// decodeTime combines minutes, seconds and deciseconds into seconds.
func decodeTime(payload []byte) float64 {
	if len(payload) < 3 {
		return 0
	}
	return float64(payload[0])*60 + float64(payload[1]) + float64(payload[2])/10
}
