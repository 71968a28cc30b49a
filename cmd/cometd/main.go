package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dokzlo13/cometd/internal/app"
	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/driver"
)

func main() {
	flagSet := pflag.NewFlagSet("cometd", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "config.yaml", "Path to configuration file")
	dryRun := flagSet.Bool("dry-run", false, "Use simulated fixtures instead of the configured transport")
	logLevel := flagSet.String("log-level", "", "Override log.level (debug, info, warn, error)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Setup logging
	setupLogging(cfg.Log.Level, cfg.Log.UseJSON, cfg.Log.Colors)

	log.Info().Str("config", *configPath).Msg("Starting cometd")

	if *dryRun {
		simulateFixtures(cfg)
		log.Info().Int("fixtures", len(cfg.Transport.Sim.Devices)).Msg("Dry run, using simulated fixtures")
	}

	// Create application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	// Start the application
	if err := application.Start(ctx); err != nil {
		_ = application.Stop()
		switch {
		case errors.Is(err, driver.ErrExhaustedFixtures):
			// Nothing to drive; a deliberate shutdown rather than a crash
			log.Warn().Err(err).Msg("Exiting")
			os.Exit(0)
		case ctx.Err() != nil:
			os.Exit(0)
		default:
			log.Fatal().Err(err).Msg("Failed to start application")
		}
	}

	// Wait for shutdown
	application.Wait()

	// Graceful shutdown
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

// simulateFixtures switches to the sim transport. Without configured sim
// devices, one device is simulated per configured fixture position.
func simulateFixtures(cfg *config.Config) {
	cfg.Transport.Kind = config.TransportSim
	if len(cfg.Transport.Sim.Devices) > 0 {
		return
	}

	ids := make([]int, 0, len(cfg.Fixtures.Positions))
	for id := range cfg.Fixtures.Positions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = append(ids, 1)
	}
	slices.Sort(ids)

	for _, id := range ids {
		cfg.Transport.Sim.Devices = append(cfg.Transport.Sim.Devices, config.SimDevice{
			Address: fmt.Sprintf("sim-%02d", id),
			Name:    fmt.Sprintf("%s%02d", cfg.Fixtures.NamePrefix, id),
		})
	}
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		// JSON output for production
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
