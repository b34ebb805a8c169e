package zigbee

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"
)

// gpProfileID is the Zigbee Green Power profile ID.
const gpProfileID = 0xA1E0

// gpCommissioningEndpoint is the fixed GP endpoint used on both ends of
// the local commissioning-mode cluster message.
const gpCommissioningEndpoint = 242

// gpCommissioningClusterID is the Green Power cluster.
const gpCommissioningClusterID = 0x0021

// gpProxyCommissioningModeCommand is the cluster command that toggles
// the sink's local commissioning window.
const gpProxyCommissioningModeCommand = 0x02

// ezspGPProxyCommissioningMode carries the local GP Proxy Commissioning
// Mode cluster message (spec.md §6) to the NCP. Outside the "minimum
// EZSP command set" table but required to open a commissioning window;
// assigned the same implementation-choice numbering scheme as the rest
// of ezsp_frame.go's GP command constants.
const ezspGPProxyCommissioningMode = 0xF6

// gpdTestKey is the fixed Green Power link key used by defaultKeyProvider.
var gpdTestKey = [16]byte{0x59, 0x13, 0x29, 0x50, 0x28, 0x9D, 0x14, 0xFD, 0x73, 0xF9, 0xC3, 0x25, 0xD4, 0x57, 0xAB, 0xB5}

// KeyProvider supplies the link key used to register a GPD in the sink
// table. defaultKeyProvider always returns the fixed test key; a real
// deployment can substitute a provisioning-backed implementation without
// touching the state machine.
type KeyProvider interface {
	GPDKey(sourceID uint32) [16]byte
}

type defaultKeyProvider struct{}

func (defaultKeyProvider) GPDKey(uint32) [16]byte { return gpdTestKey }

// SinkState is the Green Power sink's commissioning state.
type SinkState int

const (
	SinkNotInit SinkState = iota
	SinkReady
	SinkError
	SinkComOpen
	SinkComInProgress
)

// sinkStateNames backs SinkState.String with a compile-time table
// instead of a mutable map (spec.md §9: avoid shared-state singletons).
var sinkStateNames = [...]string{
	SinkNotInit:       "NOT_INIT",
	SinkReady:         "READY",
	SinkError:         "ERROR",
	SinkComOpen:       "COM_OPEN",
	SinkComInProgress: "COM_IN_PROGRESS",
}

func (s SinkState) String() string {
	if int(s) < 0 || int(s) >= len(sinkStateNames) {
		return "UNKNOWN"
	}
	return sinkStateNames[s]
}

// GPSink drives the Green Power commissioning sequence on top of a
// Dongle: find-or-allocate -> get-entry -> set-entry -> proxy-pairing.
// It holds a non-owning reference to the dongle and must not outlive it.
type GPSink struct {
	mu sync.Mutex

	dongle      *Dongle
	keyProvider KeyProvider
	table       *sinkTable
	state       SinkState

	gpfCommFrame GPFrame

	gpRxObservers *observerSet[GpRxObserver]
}

// NewGPSink creates a sink bound to dongle, with tableCapacity sink-table
// slots (0 uses the default). keyProvider may be nil to use the fixed
// test key.
func NewGPSink(dongle *Dongle, tableCapacity int, keyProvider KeyProvider) *GPSink {
	if keyProvider == nil {
		keyProvider = defaultKeyProvider{}
	}
	s := &GPSink{
		dongle:        dongle,
		keyProvider:   keyProvider,
		table:         newSinkTable(tableCapacity),
		state:         SinkNotInit,
		gpRxObservers: newObserverSet[GpRxObserver](),
	}
	dongle.RegisterDongleStateObserver(s)
	dongle.RegisterEzspRxObserver(s)
	return s
}

// RegisterGpRxObserver adds o to the GP-rx observer set. Returns true
// iff o was not already registered.
func (s *GPSink) RegisterGpRxObserver(o GpRxObserver) bool {
	return s.gpRxObservers.Register(o)
}

// UnregisterGpRxObserver removes o. Returns true iff it was registered.
func (s *GPSink) UnregisterGpRxObserver(o GpRxObserver) bool {
	return s.gpRxObservers.Unregister(o)
}

// State returns the sink's current commissioning state.
func (s *GPSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init sends GP_SINK_TABLE_INIT and transitions to READY.
func (s *GPSink) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dongle.SendCommand(ezspGPSinkTableInit, nil)
	s.state = SinkReady
	log.Info().Stringer("state", s.state).Msg("gp sink initialized")
}

// OpenCommissioningSession sends the local GP Proxy Commissioning Mode
// cluster message (options 0x05: enter mode, exit on first pairing) and
// transitions to COM_OPEN.
func (s *GPSink) OpenCommissioningSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SinkReady {
		return ErrSinkNotReady
	}

	payload := make([]byte, 0, 10)
	payload = append(payload, byte(gpProfileID), byte(gpProfileID>>8))
	payload = append(payload, gpCommissioningEndpoint, gpCommissioningEndpoint)
	payload = append(payload, byte(gpCommissioningClusterID), byte(gpCommissioningClusterID>>8))
	payload = append(payload, gpProxyCommissioningModeCommand)
	payload = append(payload, 0x08) // frame control: direction server->client
	payload = append(payload, 0x01, 0x05)

	s.dongle.SendCommand(ezspGPProxyCommissioningMode, payload)
	s.state = SinkComOpen
	log.Info().Stringer("state", s.state).Msg("gp commissioning session opened")
	return nil
}

// RegisterGpd adds sourceID to the sink table directly, outside the
// commissioning handshake (e.g. pre-provisioning a known device).
func (s *GPSink) RegisterGpd(sourceID uint32) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.table.addEntry(sourceID)
	if idx == InvalidSinkEntry {
		return InvalidSinkEntry, ErrSinkTableFull
	}
	return idx, nil
}

// SinkTableStatus reports the sink table's capacity and how many slots
// are occupied.
func (s *GPSink) SinkTableStatus() (capacity, occupied int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.capacity(), s.table.occupiedCount()
}

// HandleDongleState implements DongleStateObserver. A dongle removal
// mid-commissioning moves the sink to ERROR (spec.md §9 open question 3)
// rather than leaving it stuck in COM_IN_PROGRESS forever; recovery
// requires an explicit Init().
func (s *GPSink) HandleDongleState(state DongleState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == DongleRemove && (s.state == SinkComOpen || s.state == SinkComInProgress) {
		log.Warn().Msg("dongle removed mid-commissioning, sink entering ERROR")
		s.state = SinkError
	}
}

// HandleEzspRx implements EzspRxObserver and is the commissioning
// sequence's dispatcher.
func (s *GPSink) HandleEzspRx(cmdID uint8, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmdID {
	case ezspGPSinkTableInit:
		log.Debug().Msg("GP_SINK_TABLE_INIT response")

	case ezspGPEPIncomingMessageHandler:
		s.handleIncomingGPFrame(payload)

	case ezspGPSinkTableFindOrAllocateEntry:
		if s.state != SinkComInProgress || len(payload) < 1 {
			return
		}
		s.dongle.SendCommand(ezspGPSinkTableGetEntry, []byte{payload[0]})

	case ezspGPSinkTableGetEntry:
		if s.state != SinkComInProgress {
			return
		}
		entry := s.buildSetEntryStruct()
		s.dongle.SendCommand(ezspGPSinkTableSetEntry, append([]byte{0x00}, entry...))

	case ezspGPSinkTableSetEntry:
		if s.state != SinkComInProgress {
			return
		}
		pairing := s.buildProxyPairingStruct()
		s.dongle.SendCommand(ezspGPProxyTableProcessGPPairing, pairing)

	case ezspGPProxyTableProcessGPPairing:
		if s.state != SinkComInProgress {
			return
		}
		if s.table.addEntry(s.gpfCommFrame.SourceID) == InvalidSinkEntry {
			log.Warn().Uint32("sourceID", s.gpfCommFrame.SourceID).Msg("sink table full, commissioned GPD not recorded")
		}
		s.state = SinkReady
		log.Info().Stringer("state", s.state).Msg("gp commissioning complete")

	default:
		// Unexpected command in a transient state is ignored without a
		// state change (spec.md §7: ProtocolViolation during commissioning).
	}
}

func (s *GPSink) handleIncomingGPFrame(payload []byte) {
	gpf, err := ParseGPFrame(payload)
	if err != nil {
		log.Debug().Err(err).Msg("discarding malformed GP frame")
		return
	}

	if gpf.SecurityLevel == GPSecurityNone {
		s.notifyGpRx(gpf)

		if s.state == SinkComOpen && gpf.IsCommissioning() {
			s.gpfCommFrame = gpf
			s.state = SinkComInProgress
			s.dongle.SendCommand(ezspGPSinkTableFindOrAllocateEntry, buildGpAddressStruct(gpf.SourceID))
		}
		return
	}

	if s.table.indexOf(gpf.SourceID) != InvalidSinkEntry {
		s.notifyGpRx(gpf)
	}
}

func (s *GPSink) notifyGpRx(gpf GPFrame) {
	s.gpRxObservers.Each(func(o GpRxObserver) { o.HandleGpRx(gpf) })
}

// buildGpAddressStruct lays out the EmberGpAddress struct
// GP_SINK_TABLE_FIND_OR_ALLOCATE_ENTRY expects: address mode (0x00 =
// source-id addressing), the source ID repeated as an IEEE-address
// placeholder (this core only ever addresses GPDs by source ID), and
// an endpoint byte.
func buildGpAddressStruct(sourceID uint32) []byte {
	out := make([]byte, 0, 10)
	out = append(out, 0x00) // GPD address mode: short
	out = append(out, leUint32(sourceID)...)
	out = append(out, leUint32(sourceID)...) // IEEE placeholder
	out = append(out, 0x00)                  // endpoint
	return out
}

// buildSetEntryStruct lays out the GP_SINK_TABLE_SET_ENTRY struct per
// spec.md §6, sourced from the commissioning frame saved by
// handleIncomingGPFrame.
func (s *GPSink) buildSetEntryStruct() []byte {
	srcID := s.gpfCommFrame.SourceID
	commPayload := s.gpfCommFrame.Payload
	key := s.keyProvider.GPDKey(srcID)

	out := make([]byte, 0, 64)
	out = append(out, 0x01)       // internal status: active
	out = append(out, 0xA8, 0x02) // tunneling options
	out = append(out, buildGpAddressStruct(srcID)...)

	deviceID := byte(0x00)
	if len(commPayload) > 0 {
		deviceID = commPayload[0]
	}
	out = append(out, deviceID)

	sinkListSlot := make([]byte, 11)
	sinkListSlot[0] = 0xFF
	out = append(out, sinkListSlot...)
	out = append(out, sinkListSlot...)

	out = append(out, byte(srcID), byte(srcID>>8)) // assigned alias: low 16 bits
	out = append(out, 0x00)                        // groupcast radius
	out = append(out, 0x12)                         // security options
	out = append(out, leUint32(commissioningFrameCounter(commPayload))...)
	out = append(out, key[:]...)

	return out
}

// buildProxyPairingStruct lays out the GP_PROXY_TABLE_PROCESS_GP_PAIRING
// struct per spec.md §6.
func (s *GPSink) buildProxyPairingStruct() []byte {
	srcID := s.gpfCommFrame.SourceID
	commPayload := s.gpfCommFrame.Payload
	key := s.keyProvider.GPDKey(srcID)

	out := make([]byte, 0, 64)
	out = append(out, 0xA8, 0xE5, 0x02, 0x00) // options
	out = append(out, buildGpAddressStruct(srcID)...)
	out = append(out, 0x01)                // communication mode
	out = append(out, 0xFF, 0xFF)          // sink network address
	out = append(out, byte(srcID), byte(srcID>>8))
	out = append(out, 0xFF, 0xFF)          // assigned alias
	out = append(out, make([]byte, 8)...)  // IEEE address placeholder
	out = append(out, key[:]...)
	out = append(out, leUint32(commissioningFrameCounter(commPayload))...)
	out = append(out, 0x00) // forwarding radius

	return out
}

// commissioningFrameCounter reads the GPD-embedded security frame
// counter at commissioning_payload[23:27], as spec.md §4.6 specifies.
func commissioningFrameCounter(commPayload []byte) uint32 {
	if len(commPayload) < 27 {
		return 0
	}
	return binary.LittleEndian.Uint32(commPayload[23:27])
}

func leUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
