package zigbee

import (
	"time"

	"github.com/rs/zerolog/log"
)

// ASH wire constants.
const (
	ashFlagByte   = 0x7E
	ashEscapeByte = 0x7D
	ashXON        = 0x11
	ashXOFF       = 0x13
	ashSubstitute = 0x18
	ashCancelByte = 0x1A
	ashFlipBit    = 0x20

	// Control byte encodings.
	ashFrameData   = 0x00 // bit7 = 0, frm/ack/retransmit packed into remaining bits
	ashFrameACK    = 0x80 // top 3 bits 100
	ashFrameNAK    = 0xA0 // top 3 bits 101
	ashFrameRST    = 0xC0
	ashFrameRSTACK = 0xC1
	ashFrameERROR  = 0xC2

	ashMaxRetries     = 3
	ashAckTimeout     = 1600 * time.Millisecond
	ashConnectTimeout = 5 * time.Second
	ashMaxFrameLen    = 256
)

// ashState is the RST/RSTACK handshake state.
type ashState int

const (
	ashDisconnected ashState = iota
	ashWaitRSTACK
	ashConnected
)

// AshEventKind enumerates the upper-layer callback kinds the ASH codec
// raises. These mirror the original CAshCallback::ashCbInfo kinds.
type AshEventKind int

const (
	AshResetFailed AshEventKind = iota
	AshAck
	AshNak
	AshStateChange
)

func (k AshEventKind) String() string {
	switch k {
	case AshResetFailed:
		return "RESET_FAILED"
	case AshAck:
		return "ACK"
	case AshNak:
		return "NAK"
	case AshStateChange:
		return "STATE_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// ASHCodec implements the ASH framing layer: byte stuffing, CRC16/CCITT,
// DATA-frame randomization, sequence numbering, ACK/NAK piggybacking, the
// RST/RSTACK handshake and retransmit-on-timeout. It holds no reference to
// the UART — the dongle (C4) owns that and writes whatever bytes the codec
// produces, including bytes the codec decides to emit autonomously on
// retransmit or NAK (via the write callback below), which keeps a single
// owner of the physical port while still letting the ASH layer carry its
// own reliability policy end to end.
type ASHCodec struct {
	ackNum  uint8 // next frame number expected from the NCP
	frmNum  uint8 // next frame number we will assign
	ezspSeq uint8 // EZSP sequence number, incremented mod 256 per DATA frame
	state   ashState

	inMsg      []byte
	unescaping bool

	pendingFrmNum      uint8
	pendingInfo        []byte // header+payload of the last DATA frame, pre-randomization
	retransmitAttempts int

	ackTimer     *Timer
	connectTimer *Timer

	write   func([]byte) error
	onEvent func(AshEventKind)
}

// NewASHCodec creates an ASH codec. ackTimer and connectTimer are timers
// constructed by the caller (typically wired to a dongle's single-flight
// event queue, so expiry callbacks stay serialized with everything else);
// write is called whenever the codec needs to autonomously emit bytes
// (retransmission, a NAK on framing/CRC failure); onEvent delivers the
// four upper-layer callback kinds.
func NewASHCodec(ackTimer, connectTimer *Timer, write func([]byte) error, onEvent func(AshEventKind)) *ASHCodec {
	return &ASHCodec{
		ackTimer:     ackTimer,
		connectTimer: connectTimer,
		write:        write,
		onEvent:      onEvent,
	}
}

// IsConnected reports whether the RST/RSTACK handshake has completed.
func (a *ASHCodec) IsConnected() bool {
	return a.state == ashConnected
}

// ResetNCPFrame resets all session counters and returns the literal RST
// byte sequence (cancel byte, control 0xC0, CRC, flag). It arms the
// connect timer: if RSTACK does not arrive within T_CONNECT, ASH_RESET_FAILED
// fires.
func (a *ASHCodec) ResetNCPFrame() []byte {
	a.ackNum = 0
	a.frmNum = 0
	a.ezspSeq = 0
	a.state = ashWaitRSTACK
	a.retransmitAttempts = 0
	a.inMsg = a.inMsg[:0]

	out := []byte{ashCancelByte}
	out = append(out, a.buildControlFrame(ashFrameRST)...)

	a.connectTimer.Start(ashConnectTimeout, a.onConnectTimeout)

	log.Debug().Msg("ASH TX RST")
	return out
}

// AckFrame builds ACK(ack_num).
func (a *ASHCodec) AckFrame() []byte {
	return a.buildControlFrame(ashFrameACK | (a.ackNum & 0x07))
}

// nakFrame builds NAK(ack_num).
func (a *ASHCodec) nakFrame() []byte {
	return a.buildControlFrame(ashFrameNAK | (a.ackNum & 0x07))
}

// buildControlFrame stuffs and frames a single control byte with its CRC.
func (a *ASHCodec) buildControlFrame(control byte) []byte {
	raw := []byte{control}
	crc := crcCCITT(raw)
	raw = append(raw, byte(crc>>8), byte(crc))
	out := ashStuff(raw)
	out = append(out, ashFlagByte)
	return out
}

// DataFrame wraps an EZSP command (first byte cmd_id, followed by its
// payload) in an ASH DATA frame. It prepends the 3-byte EZSP header
// [seq, 0x00, 0x00], randomizes the result, assigns frm_num, arms the
// retransmit timer, and advances frm_num mod 8 for next time.
func (a *ASHCodec) DataFrame(cmdPayload []byte) []byte {
	info := make([]byte, 0, 3+len(cmdPayload))
	info = append(info, a.ezspSeq, 0x00, 0x00)
	info = append(info, cmdPayload...)
	a.ezspSeq++

	frame := a.encodeDataFrame(a.frmNum, false, info)

	a.pendingFrmNum = a.frmNum
	a.pendingInfo = info
	a.retransmitAttempts = 0
	a.frmNum = (a.frmNum + 1) & 0x07

	a.ackTimer.Start(ashAckTimeout, a.onAckTimeout)

	log.Debug().Uint8("frmNum", a.pendingFrmNum).Uint8("ackNum", a.ackNum).Msg("ASH TX DATA")
	return frame
}

// encodeDataFrame builds the wire bytes for a DATA frame with the given
// frame number, retransmit bit, and pre-randomization info bytes.
func (a *ASHCodec) encodeDataFrame(frmNum uint8, retransmit bool, info []byte) []byte {
	control := (frmNum << 4) | (a.ackNum & 0x07)
	if retransmit {
		control |= 0x08
	}

	raw := make([]byte, 0, 1+len(info)+2)
	raw = append(raw, control)
	raw = append(raw, randomize(info)...)

	crc := crcCCITT(raw)
	raw = append(raw, byte(crc>>8), byte(crc))

	out := ashStuff(raw)
	out = append(out, ashFlagByte)
	return out
}

// Decode consumes bytes from the head of *data and returns a complete
// decoded DATA-frame payload (EZSP header still attached) as soon as one
// is available; otherwise it returns nil having consumed whatever prefix
// it processed. Control frames (RSTACK/ACK/NAK) are fully handled inside
// Decode and never returned to the caller.
func (a *ASHCodec) Decode(data *[]byte) []byte {
	buf := *data
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		switch b {
		case ashCancelByte, ashSubstitute:
			a.inMsg = a.inMsg[:0]
			a.unescaping = false
		case ashXON, ashXOFF:
			// flow control bytes carry no framing information.
		case ashEscapeByte:
			a.unescaping = true
		case ashFlagByte:
			frame := append([]byte(nil), a.inMsg...)
			a.inMsg = a.inMsg[:0]
			*data = buf[i+1:]
			if len(frame) == 0 {
				return nil
			}
			return a.processFrame(frame)
		default:
			if a.unescaping {
				a.inMsg = append(a.inMsg, b^ashFlipBit)
				a.unescaping = false
			} else {
				a.inMsg = append(a.inMsg, b)
			}
			if len(a.inMsg) > ashMaxFrameLen {
				a.inMsg = a.inMsg[:0]
			}
		}
	}
	*data = buf[:0]
	return nil
}

// processFrame validates CRC and dispatches a de-stuffed frame.
func (a *ASHCodec) processFrame(raw []byte) []byte {
	if len(raw) < 3 {
		log.Debug().Int("len", len(raw)).Msg("ASH frame too short, discarding")
		return nil
	}

	payload := raw[:len(raw)-2]
	recvCRC := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	if crcCCITT(payload) != recvCRC {
		log.Warn().Uint16("recv", recvCRC).Uint16("want", crcCCITT(payload)).Msg("ASH CRC mismatch, NAKing")
		_ = a.write(a.nakFrame())
		return nil
	}

	control := payload[0]
	switch {
	case control == ashFrameRSTACK:
		a.handleRSTACK()
		return nil
	case control == ashFrameERROR:
		log.Error().Bytes("frame", payload).Msg("ASH ERROR frame received")
		return nil
	case control&0x80 == ashFrameData:
		return a.handleData(payload)
	case control&0xE0 == ashFrameACK:
		a.handleAck(control)
		return nil
	case control&0xE0 == ashFrameNAK:
		a.handleNak()
		return nil
	default:
		log.Debug().Uint8("control", control).Msg("ASH unknown frame type")
		return nil
	}
}

func (a *ASHCodec) handleRSTACK() {
	a.connectTimer.Stop()
	a.ackNum = 0
	a.frmNum = 0
	a.retransmitAttempts = 0
	a.state = ashConnected
	log.Info().Msg("ASH RSTACK received, connected")
	a.onEvent(AshStateChange)
}

func (a *ASHCodec) handleData(payload []byte) []byte {
	control := payload[0]
	frm := (control >> 4) & 0x07
	peerAck := control & 0x07
	info := payload[1:]

	a.applyPeerAck(peerAck)

	if frm != a.ackNum {
		log.Warn().Uint8("expected", a.ackNum).Uint8("got", frm).Msg("ASH out-of-sequence DATA, NAKing")
		_ = a.write(a.nakFrame())
		return nil
	}

	a.ackNum = (a.ackNum + 1) & 0x07
	return randomize(info)
}

func (a *ASHCodec) handleAck(control byte) {
	a.applyPeerAck(control & 0x07)
}

func (a *ASHCodec) handleNak() {
	a.onEvent(AshNak)
	a.scheduleRetransmit()
}

// applyPeerAck clears the outstanding DATA frame when the peer's ack
// number indicates it was received.
func (a *ASHCodec) applyPeerAck(peerAck uint8) {
	if a.ackTimer.IsRunning() && peerAck == ((a.pendingFrmNum+1)&0x07) {
		a.ackTimer.Stop()
		a.retransmitAttempts = 0
		a.pendingInfo = nil
		a.onEvent(AshAck)
	}
}

func (a *ASHCodec) onAckTimeout(_ *Timer) {
	a.scheduleRetransmit()
}

func (a *ASHCodec) onConnectTimeout(_ *Timer) {
	log.Warn().Msg("ASH RST/RSTACK handshake timed out")
	a.state = ashDisconnected
	a.onEvent(AshResetFailed)
}

// scheduleRetransmit resends the outstanding DATA frame with the
// retransmit bit set, up to ashMaxRetries attempts, after which it gives
// up and reports ASH_RESET_FAILED.
func (a *ASHCodec) scheduleRetransmit() {
	if a.pendingInfo == nil {
		return
	}
	a.retransmitAttempts++
	if a.retransmitAttempts > ashMaxRetries {
		log.Warn().Int("attempts", a.retransmitAttempts).Msg("ASH retransmit attempts exhausted")
		a.state = ashDisconnected
		a.onEvent(AshResetFailed)
		return
	}

	frame := a.encodeDataFrame(a.pendingFrmNum, true, a.pendingInfo)
	log.Debug().Uint8("frmNum", a.pendingFrmNum).Int("attempt", a.retransmitAttempts).Msg("ASH retransmitting DATA")
	_ = a.write(frame)
	a.ackTimer.Start(ashAckTimeout, a.onAckTimeout)
}

// ashStuff performs ASH byte stuffing: 0x7E, 0x7D, 0x11, 0x13, 0x18 and
// 0x1A are escaped as 0x7D followed by the byte with bit 5 flipped.
func ashStuff(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	for _, b := range data {
		if b == ashFlagByte || b == ashEscapeByte || b == ashXON || b == ashXOFF || b == ashSubstitute || b == ashCancelByte {
			out = append(out, ashEscapeByte, b^ashFlipBit)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// randomize XORs data against the ASH pseudo-random sequence. It is its
// own inverse: randomize(randomize(x)) == x.
func randomize(data []byte) []byte {
	out := make([]byte, len(data))
	r := byte(0x42)
	for i, b := range data {
		out[i] = b ^ r
		if r&1 != 0 {
			r = (r >> 1) ^ 0xB8
		} else {
			r = r >> 1
		}
	}
	return out
}
