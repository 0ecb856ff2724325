package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/rallie-app/rallie/internal/api"
	"github.com/rallie-app/rallie/internal/config"
	"github.com/rallie-app/rallie/internal/db"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/security"
	"github.com/rallie-app/rallie/internal/serialmux"
)

// mode selects what kind of launcher link the server talks to.
type mode string

const (
	modeSerial    mode = "serial"
	modeSimulated mode = "simulated"
	modeDisabled  mode = "disabled"
)

func linkMode(dev, disabled bool) mode {
	switch {
	case disabled:
		return modeDisabled
	case dev:
		return modeSimulated
	default:
		return modeSerial
	}
}

// resolvePort prefers the -port flag over the config file.
func resolvePort(flagPort string, cfg *config.Config) string {
	if flagPort != "" {
		return flagPort
	}
	return cfg.GetSerialPort()
}

func simulatedFactory(path string, _ serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	mux, _ := serialmux.NewSimulatedSerialMux()
	log.Printf("opened simulated launcher for %q", path)
	return mux, nil
}

func serialFactory(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	if err := security.ValidateDevicePath(path); err != nil {
		return nil, err
	}
	return serialmux.NewRealSerialMux(path, opts)
}

// openLinks builds the link manager for m. A serial link with no port
// configured starts without a link; one can be attached later through
// POST /api/serial.
func openLinks(m mode, portPath string, opts serialmux.PortOptions) (*api.LinkManager, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid serial options: %w", err)
	}

	switch m {
	case modeDisabled:
		return api.NewLinkManager(serialmux.NewDisabledSerialMux(), api.LinkSnapshot{Source: string(modeDisabled), Options: opts}, nil), nil

	case modeSimulated:
		if portPath == "" {
			portPath = "simulator"
		}
		link, _ := simulatedFactory(portPath, opts)
		return api.NewLinkManager(link, api.LinkSnapshot{PortPath: portPath, Source: string(modeSimulated), Options: opts}, simulatedFactory), nil

	case modeSerial:
		var links *api.LinkManager
		if portPath == "" {
			log.Print("⚠️ no serial port configured; waiting for POST /api/serial")
			links = api.NewLinkManager(nil, api.LinkSnapshot{Options: opts}, serialFactory)
		} else {
			link, err := serialFactory(portPath, opts)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", portPath, err)
			}
			links = api.NewLinkManager(link, api.LinkSnapshot{PortPath: portPath, Source: "config", Options: opts}, serialFactory)
		}
		links.PathCheck = security.ValidateDevicePath
		return links, nil
	}
	return nil, fmt.Errorf("unknown link mode %q", m)
}

// loadCalibration restores the most recent persisted calibration, or
// installs the configured one when the database has none. A calibration
// built from the config is persisted so the next start restores it. Bounds
// set in the config replace the stored ones of a restored calibration.
func loadCalibration(store *homography.Store, cfg *config.Config, database *db.DB) error {
	if database != nil {
		cal, err := database.LatestCalibration()
		switch {
		case err == nil:
			if cfg.HasBounds() {
				log.Printf("applying configured bounds to restored calibration %s", cal.ID)
				cal.Bounds = cfg.GetBounds()
			} else if cal.Bounds != nil {
				log.Printf("restored calibration %s keeps its stored bounds (%s, %.1fpx)", cal.ID, cal.Bounds.Mode, cal.Bounds.Tolerance)
			}
			store.Restore(cal)
			log.Printf("restored calibration %s (version %d, rms %.3fm)", cal.ID, cal.Version, cal.RMSError)
			return nil
		case !errors.Is(err, homography.ErrNoCalibration):
			log.Printf("failed to load stored calibration: %v", err)
		}
	}

	points, err := cfg.GetCalibration()
	if err != nil {
		return err
	}
	cal, err := store.SetCalibration(points, cfg.GetBounds())
	if err != nil {
		return err
	}
	log.Printf("installed configured calibration (rms %.3fm)", cal.RMSError)
	if database != nil {
		if err := database.RecordCalibration(cal); err != nil {
			log.Printf("failed to persist calibration: %v", err)
		}
	}
	return nil
}
