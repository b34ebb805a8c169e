package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/lorenthub/gpsinkd/pkg/api"
	"github.com/lorenthub/gpsinkd/pkg/db"
	"github.com/lorenthub/gpsinkd/pkg/device"
	"github.com/lorenthub/gpsinkd/pkg/device/schema"
	"github.com/lorenthub/gpsinkd/pkg/zigbee"

	_ "github.com/lorenthub/gpsinkd/docs"
)

// @title           gpsinkd API
// @version         1.0
// @description     REST API for a Zigbee Green Power sink driver

// @host      localhost:8080
// @BasePath  /api/v1
// @schemes   http https

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Parse flags
	dbPath := flag.String("db", "", "Path to database file (default: ~/.config/gpsinkd/gpsinkd.db)")
	serialPort := flag.String("port", "", "Path to the NCP serial port (overrides the active profile)")
	flag.Parse()

	ctx := context.Background()

	// Open database
	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	log.Info().Str("path", database.Path()).Msg("Database opened")

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Bootstrap if needed (first run)
	needsBootstrap, err := database.NeedsBootstrap(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to check bootstrap status")
	}
	if needsBootstrap {
		log.Info().Msg("First run detected, bootstrapping database...")
		if err := database.Bootstrap(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap database")
		}
		log.Info().Msg("Database bootstrapped successfully")
	}

	// Load configuration
	cfg, err := database.ActiveConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("profile", cfg.Profile.Name).
		Str("serial_port", cfg.SerialPort()).
		Str("api_address", cfg.APIAddress()).
		Msg("Configuration loaded")

	port := cfg.SerialPort()
	if *serialPort != "" {
		port = *serialPort
	}

	// Try to connect to the Zigbee dongle; fall back to NullController
	var controller device.Controller
	var eventSubscriber device.EventSubscriber

	zbController, err := zigbee.NewController(port, 0, newGPDStore(database, cfg.Profile.ID))
	if err != nil {
		log.Warn().Err(err).Str("port", port).Msg("Zigbee controller unavailable, using null controller")
		controller = device.NewNullController()
		eventSubscriber = device.NewNullEventSubscriber()
	} else {
		controller = zbController
		eventSubscriber = zbController
	}

	validator := schema.NewValidator()

	// Create and start API router
	router := api.NewRouter(controller, eventSubscriber, validator)

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down...")
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
		os.Exit(0)
	}()

	// Start server
	addr := cfg.APIAddress()
	log.Info().Str("address", addr).Msg("Starting API server")

	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// gpdStore adapts pkg/db's device record store to zigbee.DeviceStore so
// commissioned GPDs survive a process restart.
type gpdStore struct {
	db        *db.DB
	profileID int64
}

func newGPDStore(database *db.DB, profileID int64) *gpdStore {
	return &gpdStore{db: database, profileID: profileID}
}

func (s *gpdStore) List(ctx context.Context) ([]zigbee.PersistedGPD, error) {
	recs, err := s.db.DeviceRecords().ListByProfile(ctx, s.profileID)
	if err != nil {
		return nil, err
	}
	out := make([]zigbee.PersistedGPD, 0, len(recs))
	for _, r := range recs {
		var state struct {
			LastCommand  uint8  `json:"last_command"`
			FrameCounter uint32 `json:"frame_counter"`
			LinkQuality  uint8  `json:"link_quality"`
		}
		_ = json.Unmarshal(r.State, &state)
		out = append(out, zigbee.PersistedGPD{
			ID:           r.ID,
			Name:         r.Name,
			LastCommand:  state.LastCommand,
			FrameCounter: state.FrameCounter,
			LinkQuality:  state.LinkQuality,
		})
	}
	return out, nil
}

func (s *gpdStore) Upsert(ctx context.Context, rec zigbee.PersistedGPD) error {
	state, _ := json.Marshal(map[string]any{
		"last_command":  rec.LastCommand,
		"frame_counter": rec.FrameCounter,
		"link_quality":  rec.LinkQuality,
	})
	return s.db.DeviceRecords().Upsert(ctx, &db.DeviceRecord{
		ID:           rec.ID,
		ProfileID:    s.profileID,
		Name:         rec.Name,
		Type:         device.DeviceTypeSwitch,
		Protocol:     device.ProtocolZigbee,
		Manufacturer: "Green Power",
		Model:        "GPD",
		Exposes:      []byte("[]"),
		StateSchema:  []byte("{}"),
		State:        state,
	})
}
