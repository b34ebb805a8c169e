package zigbee

import (
	"bytes"
	"testing"
)

func TestAshStuff_EscapesReservedBytes(t *testing.T) {
	in := []byte{0x7E, 0x7D, 0x11, 0x13, 0x18, 0x1A, 0x05}
	out := ashStuff(in)

	want := []byte{
		0x7D, 0x7E ^ ashFlipBit,
		0x7D, 0x7D ^ ashFlipBit,
		0x7D, 0x11 ^ ashFlipBit,
		0x7D, 0x13 ^ ashFlipBit,
		0x7D, 0x18 ^ ashFlipBit,
		0x7D, 0x1A ^ ashFlipBit,
		0x05,
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("ashStuff(%x) = %x, want %x", in, out, want)
	}
}

func TestRandomize_IsInvolution(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0xAB, 0xCD, 0xEF}
	roundTrip := randomize(randomize(data))
	if !bytes.Equal(roundTrip, data) {
		t.Fatalf("randomize(randomize(x)) = %x, want %x", roundTrip, data)
	}
}

func TestRandomize_FirstByteUsesFixedSeed(t *testing.T) {
	out := randomize([]byte{0x00})
	if out[0] != 0x42 {
		t.Errorf("randomize([0x00])[0] = 0x%02X, want 0x42", out[0])
	}
}

// newTestCodec builds an ASHCodec with a synchronous post function and a
// write callback that appends to an outbox slice.
func newTestCodec() (*ASHCodec, *[]byte) {
	outbox := new([]byte)
	post := func(fn func()) { fn() }
	write := func(b []byte) error {
		*outbox = append(*outbox, b...)
		return nil
	}
	codec := NewASHCodec(NewTimer(post), NewTimer(post), write, func(AshEventKind) {})
	return codec, outbox
}

func TestASHCodec_ResetHandshake(t *testing.T) {
	codec, _ := newTestCodec()

	rst := codec.ResetNCPFrame()
	if len(rst) == 0 || rst[0] != ashCancelByte {
		t.Fatalf("ResetNCPFrame() = %x, want leading cancel byte", rst)
	}
	if codec.IsConnected() {
		t.Fatal("codec reports connected before RSTACK")
	}

	var events []AshEventKind
	codec.onEvent = func(k AshEventKind) { events = append(events, k) }

	rstack := codec.buildControlFrame(ashFrameRSTACK)
	// feed back through Decode as the peer would send it
	buf := append([]byte(nil), rstack...)
	codec.Decode(&buf)

	if !codec.IsConnected() {
		t.Fatal("expected codec to be connected after RSTACK")
	}
	if len(events) != 1 || events[0] != AshStateChange {
		t.Fatalf("events = %v, want [STATE_CHANGE]", events)
	}
}

func TestASHCodec_DataFrameRoundTrip(t *testing.T) {
	tx, _ := newTestCodec()
	rx, _ := newTestCodec()

	payload := []byte{0x05, 0xAA, 0xBB, 0xCC}
	frame := tx.DataFrame(payload)

	buf := append([]byte(nil), frame...)
	var got []byte
	for {
		msg := rx.Decode(&buf)
		if msg == nil {
			break
		}
		got = msg
	}

	if !bytes.Equal(got, append([]byte{0x00, 0x00, 0x00}, payload...)) {
		t.Fatalf("decoded payload = %x, want seq+fc header followed by %x", got, payload)
	}
}

func TestASHCodec_RetransmitExhaustionReportsResetFailed(t *testing.T) {
	codec, outbox := newTestCodec()

	var lastEvent AshEventKind
	var gotEvent bool
	codec.onEvent = func(k AshEventKind) { lastEvent = k; gotEvent = true }

	codec.DataFrame([]byte{0x01})
	*outbox = nil

	for i := 0; i < ashMaxRetries; i++ {
		codec.scheduleRetransmit()
		if len(*outbox) == 0 {
			t.Fatalf("attempt %d: expected a retransmitted frame", i+1)
		}
		*outbox = nil
	}

	// one more attempt exceeds ashMaxRetries and should give up
	codec.scheduleRetransmit()
	if !gotEvent || lastEvent != AshResetFailed {
		t.Fatalf("expected AshResetFailed after exhausting retries, got event=%v gotEvent=%v", lastEvent, gotEvent)
	}
	if codec.IsConnected() {
		t.Error("codec should not report connected after reset failure")
	}
}

func TestASHCodec_NakOnCrcMismatch(t *testing.T) {
	codec, outbox := newTestCodec()

	// a bogus control+CRC frame
	raw := []byte{ashFrameData, 0x00, 0x00}
	stuffed := ashStuff(raw)
	stuffed = append(stuffed, ashFlagByte)

	buf := append([]byte(nil), stuffed...)
	codec.Decode(&buf)

	if len(*outbox) == 0 {
		t.Fatal("expected a NAK to be written on CRC mismatch")
	}
}
