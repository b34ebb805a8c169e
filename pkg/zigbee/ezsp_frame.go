package zigbee

// EZSP command IDs used by the GP sink's minimum command set (spec.md
// §6). The retrieval pack and the upstream Green Power source this was
// distilled from name these commands symbolically without fixing wire
// values, so the numeric IDs below are an implementation choice (kept
// outside the teacher's legacy EmberZNet command range of 0x00-0x53 to
// avoid any accidental collision), not a grounded external constant.
const (
	ezspGPSinkTableInit                = 0xF0
	ezspGPSinkTableFindOrAllocateEntry = 0xF1
	ezspGPSinkTableGetEntry            = 0xF2
	ezspGPSinkTableSetEntry            = 0xF3
	ezspGPProxyTableProcessGPPairing   = 0xF4
	ezspGPEPIncomingMessageHandler     = 0xF5

	// ezspEmberSuccess is the EmberStatus value signalling a request
	// completed without error, echoed in every GP sink table response.
	ezspEmberSuccess = 0x00
)

// ezspFCResponseBit is the frame-control bit the NCP sets on a direct
// response frame-control-low byte; it is clear on an unsolicited
// callback. Filtering on it (in addition to matching cmd_id) resolves
// spec.md §9 open question 1: a cmd_id-only match can be fooled by an
// unsolicited callback sharing the ID of an outstanding request.
const ezspFCResponseBit = 0x01

// EncodeEzspHeader builds the 4-byte EZSP header (seq, fc_lo, fc_hi,
// cmd_id) used by both ends of the link; fc_hi is always 0 in this
// core's legacy-format usage. Exported for test fixtures that need to
// synthesize NCP traffic.
func EncodeEzspHeader(seq uint8, isResponse bool, cmdID uint8) []byte {
	fcLo := uint8(0x00)
	if isResponse {
		fcLo = ezspFCResponseBit
	}
	return []byte{seq, fcLo, 0x00, cmdID}
}
