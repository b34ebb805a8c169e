package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/lorenthub/gpsinkd/pkg/device"
	"github.com/lorenthub/gpsinkd/pkg/zigbee"
)

// gpctl drives the Green Power sink directly from flags, with no REST or
// MCP surface — useful for bring-up and field debugging of the NCP link
// without a database or a long-running server.
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	serialPort := flag.String("port", "/dev/ttyUSB0", "Path to the NCP serial port")
	window := flag.Duration("window", 180*time.Second, "How long to leave the commissioning window open")
	flag.Parse()

	controller, err := zigbee.NewController(*serialPort, 0, nil)
	if err != nil {
		log.Fatal().Err(err).Str("port", *serialPort).Msg("Failed to open Green Power controller")
	}

	events := controller.Subscribe()

	log.Info().Str("port", *serialPort).Dur("window", *window).Msg("Opening commissioning window")
	if err := controller.PermitJoin(context.Background(), true, int(window.Seconds())); err != nil {
		log.Fatal().Err(err).Msg("Failed to open commissioning session")
	}

	closeTimer := time.AfterFunc(*window, func() {
		if err := controller.PermitJoin(context.Background(), false, 0); err != nil {
			log.Warn().Err(err).Msg("Failed to close commissioning session")
		}
		log.Info().Msg("Commissioning window period elapsed")
	})

	// Handle shutdown gracefully, the same pattern as cmd/api.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down...")
		closeTimer.Stop()
		controller.Unsubscribe(events)
		controller.Close()
		os.Exit(0)
	}()

	log.Info().Msg("Listening for Green Power devices, press Ctrl+C to stop")

	for evt := range events {
		logGPDEvent(evt)
	}
}

func logGPDEvent(evt device.DiscoveryEvent) {
	le := log.Info().Str("type", evt.Type).Time("timestamp", evt.Timestamp)
	if evt.Device != nil {
		le = le.Str("id", evt.Device.ID).Str("name", evt.Device.Name)
	}
	le.Msg("discovery event")
}
