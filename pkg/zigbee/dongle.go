package zigbee

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// ezspQueueItem is a pending outbound EZSP command awaiting its turn to
// be written; see "EZSP pending queue" in spec.md §3.
type ezspQueueItem struct {
	cmdID   uint8
	payload []byte
}

// Dongle owns the ASH codec and the UART for the lifetime of a session.
// It is the only writer of the UART and the single execution context
// every UART-input callback, timer expiry, and user command runs on —
// enforced here with one mutex rather than a channel-per-source design,
// since every mutating entry point already funnels through Go's
// synchronous call stack.
type Dongle struct {
	mu sync.Mutex

	port UARTPort
	ash  *ASHCodec

	queue   []ezspQueueItem
	waitRsp bool

	dongleObservers *observerSet[DongleStateObserver]
	ezspObservers   *observerSet[EzspRxObserver]

	readDone chan struct{}
}

// NewDongle creates a Dongle with no UART attached yet; call Open to
// bring it up.
func NewDongle() *Dongle {
	return &Dongle{
		dongleObservers: newObserverSet[DongleStateObserver](),
		ezspObservers:   newObserverSet[EzspRxObserver](),
	}
}

// RegisterDongleStateObserver adds o to the dongle-state observer set.
// Returns true iff o was not already registered.
func (d *Dongle) RegisterDongleStateObserver(o DongleStateObserver) bool {
	return d.dongleObservers.Register(o)
}

// UnregisterDongleStateObserver removes o. Returns true iff it was
// registered.
func (d *Dongle) UnregisterDongleStateObserver(o DongleStateObserver) bool {
	return d.dongleObservers.Unregister(o)
}

// RegisterEzspRxObserver adds o to the EZSP-rx observer set. Returns
// true iff o was not already registered.
func (d *Dongle) RegisterEzspRxObserver(o EzspRxObserver) bool {
	return d.ezspObservers.Register(o)
}

// UnregisterEzspRxObserver removes o. Returns true iff it was
// registered.
func (d *Dongle) UnregisterEzspRxObserver(o EzspRxObserver) bool {
	return d.ezspObservers.Unregister(o)
}

// Open stores the UART, sends an ASH RST, and starts reading inbound
// bytes. Fails if port is nil or the RST bytes could not be written
// atomically.
func (d *Dongle) Open(port UARTPort) error {
	if port == nil {
		return fmt.Errorf("open dongle: %w", ErrUARTWrite)
	}

	d.mu.Lock()
	d.port = port
	post := func(fn func()) {
		d.mu.Lock()
		defer d.mu.Unlock()
		fn()
	}
	ackTimer := NewTimer(post)
	connectTimer := NewTimer(post)
	d.ash = NewASHCodec(ackTimer, connectTimer, d.writeLocked, d.onAshEvent)
	d.waitRsp = false
	d.queue = nil

	rst := d.ash.ResetNCPFrame()
	err := d.writeLocked(rst)
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("open dongle: write RST: %w", err)
	}

	d.readDone = make(chan struct{})
	go d.readLoop(port, d.readDone)

	return nil
}

// Close tears down the UART and stops the read loop.
func (d *Dongle) Close() error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	if d.readDone != nil {
		<-d.readDone
	}
	return err
}

// writeLocked writes frame to the UART. Caller must hold d.mu. A short
// write or error is an ErrUARTWrite and should be treated by the caller
// as a signal to tear the session down.
func (d *Dongle) writeLocked(frame []byte) error {
	n, err := d.port.Write(frame)
	if err != nil {
		log.Error().Err(err).Msg("UART write failed")
		return fmt.Errorf("%w: %v", ErrUARTWrite, err)
	}
	if n != len(frame) {
		log.Error().Int("wrote", n).Int("want", len(frame)).Msg("UART short write")
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrUARTWrite, n, len(frame))
	}
	return nil
}

// readLoop pulls bytes off the UART one at a time and feeds them to the
// ASH decoder under the dongle's lock, keeping byte processing strictly
// in arrival order per spec.md §5.
func (d *Dongle) readLoop(port UARTPort, done chan struct{}) {
	defer close(done)
	for {
		b, err := port.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("UART read ended")
			}
			return
		}
		d.handleInboundByte(b)
	}
}

func (d *Dongle) handleInboundByte(b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := []byte{b}
	for {
		msg := d.ash.Decode(&buf)
		if msg == nil {
			return
		}
		d.onEzspFrameLocked(msg)
	}
}

// onAshEvent is invoked by the ASH codec (always from within d.mu, since
// it is only ever called from handleInboundByte or a Timer callback
// posted through the mutex) to report a connection-level event upward.
func (d *Dongle) onAshEvent(kind AshEventKind) {
	switch kind {
	case AshStateChange:
		if d.ash.IsConnected() {
			log.Info().Msg("dongle ready")
			d.dongleObservers.Each(func(o DongleStateObserver) { o.HandleDongleState(DongleReady) })
		}
	case AshResetFailed:
		log.Warn().Msg("dongle reset failed, tearing down")
		d.dongleObservers.Each(func(o DongleStateObserver) { o.HandleDongleState(DongleRemove) })
	case AshAck, AshNak:
		// link-layer reliability events; no upper-layer observer in C4's
		// contract beyond dongle-state and ezsp-rx.
	}
}

// SendCommand enqueues an EZSP command for transmission and kicks the
// pump. Delivery order to the NCP matches call order.
func (d *Dongle) SendCommand(cmdID uint8, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue = append(d.queue, ezspQueueItem{cmdID: cmdID, payload: payload})
	d.pumpLocked()
}

// pumpLocked writes the queue head as a DATA frame if nothing is
// currently awaiting a response. Caller must hold d.mu.
func (d *Dongle) pumpLocked() {
	if d.waitRsp || len(d.queue) == 0 || d.ash == nil {
		return
	}

	head := d.queue[0]
	cmdPayload := make([]byte, 0, 1+len(head.payload))
	cmdPayload = append(cmdPayload, head.cmdID)
	cmdPayload = append(cmdPayload, head.payload...)

	frame := d.ash.DataFrame(cmdPayload)
	if err := d.writeLocked(frame); err != nil {
		log.Error().Err(err).Msg("pump: failed to write DATA frame")
		return
	}
	d.waitRsp = true
}

// onEzspFrameLocked handles one fully decoded DATA-frame payload (EZSP
// header still attached): acks it, strips the header, fans it out, and
// advances the pending-command queue on a genuine response. Caller must
// hold d.mu.
func (d *Dongle) onEzspFrameLocked(msg []byte) {
	if err := d.writeLocked(d.ash.AckFrame()); err != nil {
		log.Error().Err(err).Msg("failed to ack inbound DATA frame")
	}

	const headerLen = 4 // seq, fc_lo, fc_hi, cmd_id
	if len(msg) < headerLen {
		log.Debug().Int("len", len(msg)).Msg("EZSP frame shorter than header, discarding")
		return
	}

	fcLo := msg[1]
	cmdID := msg[3]
	payload := msg[headerLen:]
	isResponse := fcLo&ezspFCResponseBit != 0

	log.Debug().Uint8("cmdID", cmdID).Bool("response", isResponse).Int("len", len(payload)).Msg("EZSP RX")

	d.ezspObservers.Each(func(o EzspRxObserver) { o.HandleEzspRx(cmdID, payload) })

	if d.waitRsp && isResponse && len(d.queue) > 0 && d.queue[0].cmdID == cmdID {
		d.queue = d.queue[1:]
		d.waitRsp = false
		d.pumpLocked()
	}
}
