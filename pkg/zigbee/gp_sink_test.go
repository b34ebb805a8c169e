package zigbee

import "testing"

// fakeGpRxObserver records every frame delivered via HandleGpRx.
type fakeGpRxObserver struct {
	frames []GPFrame
}

func (o *fakeGpRxObserver) HandleGpRx(f GPFrame) {
	o.frames = append(o.frames, f)
}

// newTestSinkDongle returns a Dongle that has never had Open called, so
// SendCommand is a safe no-op sink for outbound EZSP traffic (pumpLocked
// bails out while d.ash is nil) — enough to drive GPSink's state machine
// purely through its HandleEzspRx dispatcher.
func newTestSinkDongle() *Dongle {
	return NewDongle()
}

func TestGPSink_InitTransitionsToReady(t *testing.T) {
	sink := NewGPSink(newTestSinkDongle(), 4, nil)
	if sink.State() != SinkNotInit {
		t.Fatalf("initial state = %v, want NOT_INIT", sink.State())
	}

	sink.Init()
	if sink.State() != SinkReady {
		t.Fatalf("state after Init = %v, want READY", sink.State())
	}
}

func TestGPSink_OpenCommissioningSessionRequiresReady(t *testing.T) {
	sink := NewGPSink(newTestSinkDongle(), 4, nil)
	if err := sink.OpenCommissioningSession(); err == nil {
		t.Fatal("expected an error opening a commissioning session before Init")
	}
}

func TestGPSink_CommissioningHappyPath(t *testing.T) {
	dongle := newTestSinkDongle()
	sink := NewGPSink(dongle, 4, nil)

	observer := &fakeGpRxObserver{}
	sink.RegisterGpRxObserver(observer)

	sink.Init()
	if err := sink.OpenCommissioningSession(); err != nil {
		t.Fatalf("OpenCommissioningSession: %v", err)
	}
	if sink.State() != SinkComOpen {
		t.Fatalf("state after OpenCommissioningSession = %v, want COM_OPEN", sink.State())
	}

	const sourceID = uint32(0x11223344)
	commFrame := GPFrame{
		SourceID:      sourceID,
		SecurityLevel: GPSecurityNone,
		FrameCounter:  1,
		CommandID:     gpCommissioningCommandID,
		Payload:       make([]byte, 27),
		LinkQuality:   0xC0,
	}
	incoming := EncodeGPEPMessage(ezspEmberSuccess, commFrame)

	sink.HandleEzspRx(ezspGPEPIncomingMessageHandler, incoming)

	if sink.State() != SinkComInProgress {
		t.Fatalf("state after commissioning frame = %v, want COM_IN_PROGRESS", sink.State())
	}
	if len(observer.frames) != 1 || observer.frames[0].SourceID != sourceID {
		t.Fatalf("expected the GP-rx observer to see the commissioning frame, got %+v", observer.frames)
	}

	// find-or-allocate response: carries the allocated slot index.
	sink.HandleEzspRx(ezspGPSinkTableFindOrAllocateEntry, []byte{0x00})
	if sink.State() != SinkComInProgress {
		t.Fatalf("state after find-or-allocate = %v, want still COM_IN_PROGRESS", sink.State())
	}

	// get-entry response.
	sink.HandleEzspRx(ezspGPSinkTableGetEntry, []byte{ezspEmberSuccess})
	if sink.State() != SinkComInProgress {
		t.Fatalf("state after get-entry = %v, want still COM_IN_PROGRESS", sink.State())
	}

	// set-entry response.
	sink.HandleEzspRx(ezspGPSinkTableSetEntry, []byte{ezspEmberSuccess})
	if sink.State() != SinkComInProgress {
		t.Fatalf("state after set-entry = %v, want still COM_IN_PROGRESS", sink.State())
	}

	// proxy-pairing response completes commissioning.
	sink.HandleEzspRx(ezspGPProxyTableProcessGPPairing, []byte{ezspEmberSuccess})
	if sink.State() != SinkReady {
		t.Fatalf("state after proxy-pairing = %v, want READY", sink.State())
	}
}

func TestGPSink_EncryptedFrameFromUnknownSourceIsDropped(t *testing.T) {
	dongle := newTestSinkDongle()
	sink := NewGPSink(dongle, 4, nil)
	observer := &fakeGpRxObserver{}
	sink.RegisterGpRxObserver(observer)

	sink.Init()

	encrypted := GPFrame{
		SourceID:      0xAABBCCDD,
		SecurityLevel: GPSecurityFullMIC,
		CommandID:     0x01,
		Payload:       []byte{0x01, 0x02},
	}
	payload := EncodeGPEPMessage(ezspEmberSuccess, encrypted)

	sink.HandleEzspRx(ezspGPEPIncomingMessageHandler, payload)

	if len(observer.frames) != 0 {
		t.Fatalf("expected an encrypted frame from an unknown source to be dropped, got %+v", observer.frames)
	}
}

func TestGPSink_EncryptedFrameFromKnownSourceIsDelivered(t *testing.T) {
	dongle := newTestSinkDongle()
	sink := NewGPSink(dongle, 4, nil)
	observer := &fakeGpRxObserver{}
	sink.RegisterGpRxObserver(observer)

	const sourceID = uint32(0xAABBCCDD)
	if _, err := sink.RegisterGpd(sourceID); err != nil {
		t.Fatalf("RegisterGpd: %v", err)
	}

	encrypted := GPFrame{
		SourceID:      sourceID,
		SecurityLevel: GPSecurityFullMIC,
		CommandID:     0x01,
		Payload:       []byte{0x01, 0x02},
	}
	payload := EncodeGPEPMessage(ezspEmberSuccess, encrypted)

	sink.HandleEzspRx(ezspGPEPIncomingMessageHandler, payload)

	if len(observer.frames) != 1 || observer.frames[0].SourceID != sourceID {
		t.Fatalf("expected the encrypted frame from a known source to be delivered, got %+v", observer.frames)
	}
}

func TestGPSink_DongleRemovalMidCommissioningEntersError(t *testing.T) {
	dongle := newTestSinkDongle()
	sink := NewGPSink(dongle, 4, nil)

	sink.Init()
	if err := sink.OpenCommissioningSession(); err != nil {
		t.Fatalf("OpenCommissioningSession: %v", err)
	}

	sink.HandleDongleState(DongleRemove)

	if sink.State() != SinkError {
		t.Fatalf("state after mid-commissioning dongle removal = %v, want ERROR", sink.State())
	}
}
