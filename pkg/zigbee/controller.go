package zigbee

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/lorenthub/gpsinkd/pkg/device"
)

// gpdRecord tracks a commissioned Green Power device as the controller
// has last observed it.
type gpdRecord struct {
	sourceID     uint32
	name         string
	lastCommand  uint8
	frameCounter uint32
	linkQuality  uint8
	lastSeen     time.Time
}

// PersistedGPD is the subset of a commissioned GPD's record a DeviceStore
// loads and saves. It mirrors device.Device's shape so a caller backed by
// pkg/db can round-trip it without the zigbee package importing db.
type PersistedGPD struct {
	ID           string
	Name         string
	LastCommand  uint8
	FrameCounter uint32
	LinkQuality  uint8
}

// DeviceStore persists commissioned GPDs across restarts. Optional: a
// Controller with a nil store simply keeps its device set in memory.
type DeviceStore interface {
	List(ctx context.Context) ([]PersistedGPD, error)
	Upsert(ctx context.Context, rec PersistedGPD) error
}

// Controller implements device.Controller and device.EventSubscriber on
// top of a Dongle and GPSink: commissioned GPDs are exposed as
// device.Device records, PermitJoin opens a GP commissioning session,
// and device state is receive-only (GPDs cannot be commanded).
type Controller struct {
	port   UARTPort
	dongle *Dongle
	sink   *GPSink
	store  DeviceStore

	gpds   map[string]*gpdRecord // hex source_id -> record
	gpdsMu sync.RWMutex

	subscribers   []chan device.DiscoveryEvent
	subscribersMu sync.Mutex
}

// NewController opens the serial port, brings up the dongle and GP
// sink, and returns a ready Controller. store may be nil to run without
// cross-restart persistence.
func NewController(portPath string, sinkTableCapacity int, store DeviceStore) (*Controller, error) {
	log.Info().Str("port", portPath).Msg("initializing Green Power controller")

	port, err := OpenSerial(portPath)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}

	c := &Controller{
		port:   port,
		dongle: NewDongle(),
		store:  store,
		gpds:   make(map[string]*gpdRecord),
	}
	c.sink = NewGPSink(c.dongle, sinkTableCapacity, nil)
	c.dongle.RegisterDongleStateObserver(c)
	c.sink.RegisterGpRxObserver(c)

	if store != nil {
		c.loadPersisted()
	}

	if err := c.dongle.Open(port); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("open dongle: %w", err)
	}

	c.sink.Init()

	log.Info().Msg("Green Power controller initialized")
	return c, nil
}

// loadPersisted restores previously commissioned GPDs from the store so
// they appear in ListDevices immediately, before any traffic arrives.
func (c *Controller) loadPersisted() {
	recs, err := c.store.List(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted GP devices")
		return
	}
	c.gpdsMu.Lock()
	defer c.gpdsMu.Unlock()
	for _, r := range recs {
		c.gpds[r.ID] = &gpdRecord{
			name:         r.Name,
			lastCommand:  r.LastCommand,
			frameCounter: r.FrameCounter,
			linkQuality:  r.LinkQuality,
		}
	}
	log.Info().Int("count", len(recs)).Msg("restored persisted GP devices")
}

func (c *Controller) persist(key string, rec *gpdRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.Upsert(context.Background(), PersistedGPD{
		ID:           key,
		Name:         rec.name,
		LastCommand:  rec.lastCommand,
		FrameCounter: rec.frameCounter,
		LinkQuality:  rec.linkQuality,
	}); err != nil {
		log.Warn().Err(err).Str("id", key).Msg("failed to persist GP device")
	}
}

func sourceIDKey(sourceID uint32) string {
	return fmt.Sprintf("%08X", sourceID)
}

// HandleDongleState implements DongleStateObserver and republishes the
// dongle's connectivity as discovery events.
func (c *Controller) HandleDongleState(state DongleState) {
	evtType := "dongle_ready"
	if state == DongleRemove {
		evtType = "dongle_removed"
	}
	c.publishEvent(device.DiscoveryEvent{Type: evtType, Timestamp: time.Now()})
}

// HandleGpRx implements GpRxObserver: it records the GPD's latest
// observed attributes and, the first time a source ID is seen,
// publishes a device_joined event.
func (c *Controller) HandleGpRx(frame GPFrame) {
	key := sourceIDKey(frame.SourceID)

	c.gpdsMu.Lock()
	rec, known := c.gpds[key]
	if !known {
		rec = &gpdRecord{sourceID: frame.SourceID, name: key}
		c.gpds[key] = rec
	}
	rec.lastCommand = frame.CommandID
	rec.frameCounter = frame.FrameCounter
	rec.linkQuality = frame.LinkQuality
	rec.lastSeen = time.Now()
	c.gpdsMu.Unlock()

	c.persist(key, rec)

	if !known {
		dev := recordToDevice(key, rec)
		c.publishEvent(device.DiscoveryEvent{Type: "device_joined", Device: &dev, Timestamp: time.Now()})
	}
}

// gpdStateSchema documents a commissioned GPD's observable attributes.
// Every field is read-only: GPDs are receive-only and cannot be
// commanded, so SetDeviceState rejects any payload a client sends here.
func gpdStateSchema() map[string]any {
	readOnly := func(t string) map[string]any {
		return map[string]any{"type": t, "readOnly": true}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"last_command":  readOnly("integer"),
			"frame_counter": readOnly("integer"),
			"link_quality":  readOnly("integer"),
		},
	}
}

func recordToDevice(key string, rec *gpdRecord) device.Device {
	schema, _ := json.Marshal(gpdStateSchema())
	return device.Device{
		ID:           key,
		Name:         rec.name,
		Type:         device.DeviceTypeSwitch,
		Protocol:     device.ProtocolZigbee,
		Manufacturer: "Green Power",
		Model:        "GPD",
		StateSchema:  schema,
	}
}

func (c *Controller) publishEvent(evt device.DiscoveryEvent) {
	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// --- device.Controller interface ---

func (c *Controller) ListDevices(_ context.Context) ([]device.Device, error) {
	c.gpdsMu.RLock()
	defer c.gpdsMu.RUnlock()

	devices := make([]device.Device, 0, len(c.gpds))
	for key, rec := range c.gpds {
		devices = append(devices, recordToDevice(key, rec))
	}
	return devices, nil
}

func (c *Controller) GetDevice(_ context.Context, id string) (*device.Device, error) {
	c.gpdsMu.RLock()
	defer c.gpdsMu.RUnlock()

	rec, ok := c.gpds[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	dev := recordToDevice(id, rec)
	return &dev, nil
}

func (c *Controller) RenameDevice(_ context.Context, id, newName string) error {
	c.gpdsMu.Lock()
	defer c.gpdsMu.Unlock()

	rec, ok := c.gpds[id]
	if !ok {
		return device.ErrNotFound
	}
	rec.name = newName
	c.persist(id, rec)
	return nil
}

// RemoveDevice is unsupported: the sink table has no removal operation
// in this core's scope (spec.md §3 lifecycle note).
func (c *Controller) RemoveDevice(_ context.Context, _ string, _ bool) error {
	return device.ErrUnsupported
}

func (c *Controller) GetDeviceState(_ context.Context, id string) (device.DeviceState, error) {
	c.gpdsMu.RLock()
	defer c.gpdsMu.RUnlock()

	rec, ok := c.gpds[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return device.DeviceState{
		"last_command":  rec.lastCommand,
		"frame_counter": rec.frameCounter,
		"link_quality":  rec.linkQuality,
	}, nil
}

// SetDeviceState is unsupported: GPDs are receive-only end devices and
// cannot be commanded by the sink.
func (c *Controller) SetDeviceState(_ context.Context, id string, _ map[string]any) (device.DeviceState, error) {
	c.gpdsMu.RLock()
	_, ok := c.gpds[id]
	c.gpdsMu.RUnlock()
	if !ok {
		return nil, device.ErrNotFound
	}
	return nil, device.ErrUnsupported
}

// PermitJoin maps onto OpenCommissioningSession; duration is accepted
// for interface compatibility but the GP commissioning window always
// exits on first pairing (spec.md §4.6: options byte 0x05). Disabling
// (enable == false) is a no-op: nothing is sent to the NCP and the sink
// state is unchanged.
func (c *Controller) PermitJoin(_ context.Context, enable bool, _ int) error {
	if !enable {
		return nil
	}
	return c.sink.OpenCommissioningSession()
}

func (c *Controller) IsConnected() bool {
	return c.sink.State() != SinkNotInit && c.sink.State() != SinkError
}

// RegisterGpd pre-provisions a GPD by source ID (hex-encoded, e.g.
// "01020304") directly into the sink table, bypassing the radio
// commissioning handshake. Implements an optional interface the MCP
// layer probes for via a type assertion, since it is not part of
// device.Controller's protocol-agnostic surface.
func (c *Controller) RegisterGpd(_ context.Context, sourceIDHex string) (uint8, error) {
	var sourceID uint32
	if _, err := fmt.Sscanf(sourceIDHex, "%08X", &sourceID); err != nil {
		return 0, fmt.Errorf("invalid source id %q: %w", sourceIDHex, err)
	}
	return c.sink.RegisterGpd(sourceID)
}

// SinkTableStatus reports the sink table's capacity, occupancy, and
// current commissioning state. Implements the same kind of optional
// interface as RegisterGpd.
func (c *Controller) SinkTableStatus(_ context.Context) (capacity, occupied int, state string) {
	capacity, occupied = c.sink.SinkTableStatus()
	return capacity, occupied, c.sink.State().String()
}

func (c *Controller) Close() {
	if err := c.dongle.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close dongle")
	}
	log.Info().Msg("Green Power controller closed")
}

// --- device.EventSubscriber interface ---

func (c *Controller) Subscribe() chan device.DiscoveryEvent {
	ch := make(chan device.DiscoveryEvent, 16)
	c.subscribersMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subscribersMu.Unlock()
	return ch
}

func (c *Controller) Unsubscribe(ch chan device.DiscoveryEvent) {
	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()

	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}
