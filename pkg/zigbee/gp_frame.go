package zigbee

import (
	"encoding/binary"
	"fmt"
)

// GPSecurityLevel is the Green Power security level carried on a GP frame.
type GPSecurityLevel uint8

const (
	GPSecurityNone GPSecurityLevel = iota
	GPSecurityShortMIC
	GPSecurityFullMIC
	GPSecurityEncrypted
)

func (l GPSecurityLevel) String() string {
	switch l {
	case GPSecurityNone:
		return "none"
	case GPSecurityShortMIC:
		return "short-MIC"
	case GPSecurityFullMIC:
		return "full-MIC"
	case GPSecurityEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// gpCommissioningCommandID is the GP command carrying a GPD's identity
// and key during commissioning.
const gpCommissioningCommandID = 0xE0

// GPFrame is a decoded Green Power frame, parsed from the EZSP
// GPEP_INCOMING_MESSAGE_HANDLER callback payload.
type GPFrame struct {
	SourceID       uint32
	SecurityLevel  GPSecurityLevel
	FrameCounter   uint32
	CommandID      uint8
	Payload        []byte
	LinkQuality    uint8
	SequenceNumber uint8
}

// IsCommissioning reports whether this frame is a GP commissioning
// command (0xE0).
func (f GPFrame) IsCommissioning() bool {
	return f.CommandID == gpCommissioningCommandID
}

// ParseGPFrame decodes a GPEP_INCOMING_MESSAGE_HANDLER payload:
//
//	[0]     status
//	[1]     link quality
//	[2]     sequence number
//	[3]     application id (0x00 = source-id addressing, the only mode
//	        this core's minimum EZSP command set needs)
//	[4:8]   source id, LE u32
//	[8]     security level
//	[9]     security key type
//	[10:14] security frame counter, LE u32
//	[14]    command id
//	[15]    payload length
//	[16:]   command payload
func ParseGPFrame(raw []byte) (GPFrame, error) {
	const minLen = 16
	if len(raw) < minLen {
		return GPFrame{}, fmt.Errorf("gp frame too short: %d bytes", len(raw))
	}

	appID := raw[3]
	if appID != 0x00 {
		return GPFrame{}, fmt.Errorf("unsupported gp application id 0x%02X", appID)
	}

	payloadLen := int(raw[15])
	if len(raw) < minLen+payloadLen {
		return GPFrame{}, fmt.Errorf("gp frame payload truncated: want %d bytes, have %d", payloadLen, len(raw)-minLen)
	}

	return GPFrame{
		SourceID:       binary.LittleEndian.Uint32(raw[4:8]),
		SecurityLevel:  GPSecurityLevel(raw[8]),
		FrameCounter:   binary.LittleEndian.Uint32(raw[10:14]),
		CommandID:      raw[14],
		Payload:        append([]byte(nil), raw[16:16+payloadLen]...),
		LinkQuality:    raw[1],
		SequenceNumber: raw[2],
	}, nil
}

// EncodeGPEPMessage builds a GPEP_INCOMING_MESSAGE_HANDLER-shaped payload
// for the given frame, mirroring the layout ParseGPFrame expects. Used by
// tests to synthesize NCP traffic.
func EncodeGPEPMessage(status uint8, f GPFrame) []byte {
	out := make([]byte, 16, 16+len(f.Payload))
	out[0] = status
	out[1] = f.LinkQuality
	out[2] = f.SequenceNumber
	out[3] = 0x00
	binary.LittleEndian.PutUint32(out[4:8], f.SourceID)
	out[8] = byte(f.SecurityLevel)
	out[9] = 0x00
	binary.LittleEndian.PutUint32(out[10:14], f.FrameCounter)
	out[14] = f.CommandID
	out[15] = byte(len(f.Payload))
	out = append(out, f.Payload...)
	return out
}
