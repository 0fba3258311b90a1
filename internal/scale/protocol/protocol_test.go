package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// weightFrame builds a scale-side weight sample frame the way the device
// sends it: event command, length-prefixed payload, trailing checksum.
func weightFrame(raw uint32, unit byte, negative bool) []byte {
	var sign byte
	if negative {
		sign = 0x02
	}
	payload := make([]byte, 8)
	payload[0] = byte(len(payload))
	payload[1] = EventWeight
	binary.BigEndian.PutUint32(payload[2:6], raw)
	payload[6] = unit
	payload[7] = sign
	return Encode(cmdEventPayload, payload)
}

func settingsFrame(battery, unitByte, autoOff, beep byte) []byte {
	payload := []byte{9, battery, unitByte, 0, autoOff, 0, beep, 0, 0}
	return Encode(cmdSettings, payload)
}

func TestDecodeWeightFrameRoundTrip(t *testing.T) {
	frame := weightFrame(365, 1, false) // 36.5 g at divisor 10

	msg, rest := Decode(frame)
	if msg == nil {
		t.Fatal("Decode() returned no message for a complete frame")
	}
	ev, ok := msg.(*Event)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Event", msg)
	}
	if ev.Type != EventWeight || !ev.HasWeight {
		t.Errorf("decoded event = %+v, want weight event", ev)
	}
	if ev.Weight != 36.5 {
		t.Errorf("Weight = %v, want 36.5", ev.Weight)
	}
	if len(rest) != 0 {
		t.Errorf("remainder = %d bytes, want 0", len(rest))
	}
}

func TestDecodeNegativeWeight(t *testing.T) {
	msg, _ := Decode(weightFrame(123, 2, true))
	ev := msg.(*Event)
	if ev.Weight != -1.23 {
		t.Errorf("Weight = %v, want -1.23", ev.Weight)
	}
}

func TestDecodeWeightEndianFallback(t *testing.T) {
	// 365 written little-endian reads as 0x6D010000 big-endian: far beyond
	// the 4000 g plausibility bound, so the decoder must retry little-endian.
	payload := make([]byte, 8)
	payload[0] = byte(len(payload))
	payload[1] = EventWeight
	binary.LittleEndian.PutUint32(payload[2:6], 365)
	payload[6] = 1
	frame := Encode(cmdEventPayload, payload)

	msg, _ := Decode(frame)
	ev := msg.(*Event)
	if ev.Weight != 36.5 {
		t.Errorf("Weight = %v, want 36.5 via little-endian fallback", ev.Weight)
	}
}

func TestDecodeSettings(t *testing.T) {
	msg, rest := Decode(settingsFrame(0x80|64, 2, 6, 1))
	s, ok := msg.(*Settings)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Settings", msg)
	}
	if s.Battery != 64 {
		t.Errorf("Battery = %d, want 64 (7-bit field)", s.Battery)
	}
	if s.Units != "grams" {
		t.Errorf("Units = %q, want grams", s.Units)
	}
	if s.AutoOffMinutes != 30 {
		t.Errorf("AutoOffMinutes = %d, want 30", s.AutoOffMinutes)
	}
	if !s.BeepOn {
		t.Error("BeepOn = false, want true")
	}
	if len(rest) != 0 {
		t.Errorf("remainder = %d bytes, want 0", len(rest))
	}
}

func TestDecodeButtonEvents(t *testing.T) {
	cases := []struct {
		name   string
		prefix []byte
		button Button
	}{
		{"tare", []byte{0, 5}, ButtonTare},
		{"start", []byte{8, 5}, ButtonStart},
		{"other", []byte{3, 3}, ButtonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inner := append(append([]byte{}, tc.prefix...), 0, 0, 1, 0x6D, 1, 0)
			payload := append([]byte{byte(len(inner) + 2), EventButton}, inner...)
			msg, _ := Decode(Encode(cmdEventPayload, payload))
			ev, ok := msg.(*Event)
			if !ok {
				t.Fatalf("Decode() returned %T, want *Event", msg)
			}
			if ev.Button != tc.button {
				t.Errorf("Button = %v, want %v", ev.Button, tc.button)
			}
		})
	}
}

func TestDecodeStopButtonCarriesTimeAndWeight(t *testing.T) {
	// stop: prefix, 3 time bytes + filler, then 6 weight bytes
	inner := []byte{10, 7, 1, 30, 5, 0, 0, 0, 1, 0x6D, 1, 0}
	payload := append([]byte{byte(len(inner) + 2), EventButton}, inner...)
	msg, _ := Decode(Encode(cmdEventPayload, payload))
	ev := msg.(*Event)
	if ev.Button != ButtonStop {
		t.Fatalf("Button = %v, want stop", ev.Button)
	}
	if !ev.HasTime || math.Abs(ev.Time-90.5) > 1e-9 {
		t.Errorf("Time = %v, want 90.5", ev.Time)
	}
	if !ev.HasWeight || ev.Weight != 36.5 {
		t.Errorf("Weight = %v, want 36.5", ev.Weight)
	}
}

func TestDecodeTimeEvent(t *testing.T) {
	payload := []byte{5, EventTime, 2, 5, 3}
	msg, _ := Decode(Encode(cmdEventPayload, payload))
	ev := msg.(*Event)
	if !ev.HasTime || ev.Time != 125.3 {
		t.Errorf("Time = %v, want 125.3", ev.Time)
	}
}

func TestDecodeShortBufferKeepsAccumulating(t *testing.T) {
	frame := weightFrame(365, 1, false)

	msg, rest := Decode(frame[:4])
	if msg != nil {
		t.Fatalf("Decode() of partial frame returned %+v, want nil", msg)
	}
	if !bytes.Equal(rest, frame[:4]) {
		t.Error("partial decode must return the buffer unchanged")
	}

	msg, rest = Decode(append(rest, frame[4:]...))
	if msg == nil {
		t.Fatal("Decode() of reassembled frame returned nil")
	}
	if len(rest) != 0 {
		t.Errorf("remainder = %d bytes, want 0", len(rest))
	}
}

func TestDecodeResyncsPastGarbage(t *testing.T) {
	buf := append([]byte{0x01, 0xEF, 0x00, 0x13}, weightFrame(365, 1, false)...)
	msg, rest := Decode(buf)
	if msg == nil {
		t.Fatal("Decode() did not find the frame past garbage bytes")
	}
	if len(rest) != 0 {
		t.Errorf("remainder = %d bytes, want 0", len(rest))
	}
}

func TestDecodeNoMagicReturnsBufferUnchanged(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	msg, rest := Decode(buf)
	if msg != nil {
		t.Fatalf("Decode() = %+v, want nil", msg)
	}
	if !bytes.Equal(rest, buf) {
		t.Error("buffer without magic must be returned unchanged")
	}
}

func TestDecodeSkipsUnknownCommand(t *testing.T) {
	unknown := Encode(3, []byte{2, 0})
	buf := append(unknown, weightFrame(365, 1, false)...)

	msg, rest := Decode(buf)
	if msg != nil {
		t.Fatalf("unknown command decoded as %+v, want nil", msg)
	}
	msg, _ = Decode(rest)
	if msg == nil {
		t.Fatal("frame after unknown command was not decoded")
	}
}

func TestChecksumSensitivity(t *testing.T) {
	payload := []byte{8, EventWeight, 0, 0, 1, 0x6D, 1, 0}
	base := Encode(cmdEventPayload, payload)

	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte{}, payload...)
			flipped[i] ^= 1 << bit
			frame := Encode(cmdEventPayload, flipped)
			n := len(frame)
			if frame[n-2] == base[n-2] && frame[n-1] == base[n-1] {
				t.Fatalf("flipping payload[%d] bit %d left both checksum bytes unchanged", i, bit)
			}
		}
	}
}

func TestDecodeCorruptedChecksumDoesNotPanic(t *testing.T) {
	frame := weightFrame(365, 1, false)
	frame[len(frame)-1] ^= 0xFF
	// Accept or reject, but never panic.
	Decode(frame)
}

func TestEncodersProduceWellFormedFrames(t *testing.T) {
	for name, frame := range map[string][]byte{
		"heartbeat":    EncodeHeartbeat(),
		"tare":         EncodeTare(),
		"id-old":       EncodeID(false),
		"id-pyxis":     EncodeID(true),
		"notification": EncodeNotificationRequest(),
	} {
		if frame[0] != header1 || frame[1] != header2 {
			t.Errorf("%s: frame does not start with magic bytes", name)
		}
		if len(frame) < minFrameLen-1 {
			t.Errorf("%s: frame too short (%d bytes)", name, len(frame))
		}
	}
}
