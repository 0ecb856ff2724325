// Package config loads the launcher configuration file. Every field is
// optional; the Get* accessors supply the built-in default for anything the
// file leaves out, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/serialmux"
	"github.com/rallie-app/rallie/internal/zone"
	"github.com/rallie-app/rallie/internal/zonetable"
)

// ExampleConfigPath is the annotated example shipped with the repository.
const ExampleConfigPath = "config/rallie.example.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration. The same schema is accepted as JSON or
// YAML.
type Config struct {
	// Court geometry and zone grid
	CourtWidth  *float64 `json:"court_width_m,omitempty" yaml:"court_width_m,omitempty"`
	CourtHeight *float64 `json:"court_height_m,omitempty" yaml:"court_height_m,omitempty"`
	GridCols    *int     `json:"grid_cols,omitempty" yaml:"grid_cols,omitempty"`
	GridRows    *int     `json:"grid_rows,omitempty" yaml:"grid_rows,omitempty"`

	// Start-up calibration. Court points may be omitted when 4 or 8 image
	// points are given; the reference landmarks are used instead.
	ImagePoints []court.ImagePoint `json:"image_points,omitempty" yaml:"image_points,omitempty"`
	CourtPoints []court.Point      `json:"court_points,omitempty" yaml:"court_points,omitempty"`

	// Image-space bounds check applied before projection
	BoundsCorners   []court.ImagePoint `json:"bounds_corners,omitempty" yaml:"bounds_corners,omitempty"`
	BoundsTolerance *float64           `json:"bounds_tolerance_px,omitempty" yaml:"bounds_tolerance_px,omitempty"`
	BoundsMode      *string            `json:"bounds_mode,omitempty" yaml:"bounds_mode,omitempty"`

	// Screen the pose oracle's normalised coordinates refer to
	ScreenWidth  *float64 `json:"screen_width_px,omitempty" yaml:"screen_width_px,omitempty"`
	ScreenHeight *float64 `json:"screen_height_px,omitempty" yaml:"screen_height_px,omitempty"`

	// Dispatch
	Strategy        *string           `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	ThresholdLeft   *float64          `json:"threshold_left_m,omitempty" yaml:"threshold_left_m,omitempty"`
	ThresholdRight  *float64          `json:"threshold_right_m,omitempty" yaml:"threshold_right_m,omitempty"`
	ZoneTable       []zonetable.Entry `json:"zone_table,omitempty" yaml:"zone_table,omitempty"`
	FallbackCommand *protocol.Command `json:"fallback_command,omitempty" yaml:"fallback_command,omitempty"`

	// Launcher link
	SerialPort *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`

	// Pose replay
	ReplayInterval *string `json:"replay_interval,omitempty" yaml:"replay_interval,omitempty"` // duration string like "200ms"
	ReplayLoop     *bool   `json:"replay_loop,omitempty" yaml:"replay_loop,omitempty"`
}

// LoadConfig reads a .json, .yaml or .yml file, parses it by extension and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *Config) Validate() error {
	if c.CourtWidth != nil && *c.CourtWidth <= 0 {
		return fmt.Errorf("court_width_m must be positive, got %g", *c.CourtWidth)
	}
	if c.CourtHeight != nil && *c.CourtHeight <= 0 {
		return fmt.Errorf("court_height_m must be positive, got %g", *c.CourtHeight)
	}
	if err := c.GetGrid().Validate(); err != nil {
		return err
	}

	if len(c.ImagePoints) > 0 || len(c.CourtPoints) > 0 {
		if _, err := c.GetCalibration(); err != nil {
			return err
		}
	}

	if c.BoundsMode != nil {
		if _, err := homography.ParseBoundsMode(*c.BoundsMode); err != nil {
			return err
		}
	}
	if n := len(c.BoundsCorners); n != 0 && n < 3 {
		return fmt.Errorf("bounds_corners needs at least 3 points, got %d", n)
	}

	if c.ScreenWidth != nil && *c.ScreenWidth <= 0 {
		return fmt.Errorf("screen_width_px must be positive, got %g", *c.ScreenWidth)
	}
	if c.ScreenHeight != nil && *c.ScreenHeight <= 0 {
		return fmt.Errorf("screen_height_px must be positive, got %g", *c.ScreenHeight)
	}

	if _, err := c.GetZoneTable(); err != nil {
		return err
	}
	if _, err := c.NewStrategy(); err != nil {
		return err
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	if c.ReplayInterval != nil && *c.ReplayInterval != "" {
		d, err := time.ParseDuration(*c.ReplayInterval)
		if err != nil {
			return fmt.Errorf("invalid replay_interval '%s': %w", *c.ReplayInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("replay_interval must be positive, got %s", d)
		}
	}
	return nil
}

// GetGrid returns the zone grid over the configured court area.
func (c *Config) GetGrid() zone.Grid {
	g := zone.DefaultGrid()
	if c.CourtWidth != nil {
		g.Width = *c.CourtWidth
	}
	if c.CourtHeight != nil {
		g.Height = *c.CourtHeight
	}
	if c.GridCols != nil {
		g.Cols = *c.GridCols
	}
	if c.GridRows != nil {
		g.Rows = *c.GridRows
	}
	return g
}

// GetCalibration returns the start-up calibration, or the default one when
// no image points are configured.
func (c *Config) GetCalibration() (court.Calibration, error) {
	if len(c.ImagePoints) == 0 && len(c.CourtPoints) == 0 {
		return court.DefaultCalibration(), nil
	}
	cal := court.Calibration{ImagePoints: c.ImagePoints, CourtPoints: c.CourtPoints}
	if len(cal.CourtPoints) == 0 {
		ref, err := court.ReferencePoints(len(cal.ImagePoints))
		if err != nil {
			return court.Calibration{}, fmt.Errorf("court_points omitted: %w", err)
		}
		cal.CourtPoints = ref
	}
	if err := cal.Validate(); err != nil {
		return court.Calibration{}, err
	}
	return cal, nil
}

// GetBounds returns the bounds check to install with the calibration, or
// nil when no bounds setting is configured. Without corners the store checks
// against the perimeter of whichever calibration the bounds are installed
// with.
func (c *Config) GetBounds() *homography.Bounds {
	if !c.HasBounds() {
		return nil
	}
	b := &homography.Bounds{
		Corners:   append([]court.ImagePoint(nil), c.BoundsCorners...),
		Tolerance: c.GetBoundsTolerance(),
	}
	if c.BoundsMode != nil {
		// Validate has already rejected unknown modes.
		b.Mode, _ = homography.ParseBoundsMode(*c.BoundsMode)
	}
	return b
}

// HasBounds reports whether any bounds setting is present.
func (c *Config) HasBounds() bool {
	return len(c.BoundsCorners) > 0 || c.BoundsMode != nil || c.BoundsTolerance != nil
}

// GetBoundsTolerance returns the bounds tolerance in pixels or the default.
// A negative tolerance disables the check.
func (c *Config) GetBoundsTolerance() float64 {
	if c.BoundsTolerance == nil {
		return 10 // default
	}
	return *c.BoundsTolerance
}

// GetScreenWidth returns the screen width in pixels or the default.
func (c *Config) GetScreenWidth() float64 {
	if c.ScreenWidth == nil {
		return 400 // default
	}
	return *c.ScreenWidth
}

// GetScreenHeight returns the screen height in pixels or the default.
func (c *Config) GetScreenHeight() float64 {
	if c.ScreenHeight == nil {
		return 600 // default
	}
	return *c.ScreenHeight
}

// GetStrategy returns the dispatch strategy name or the default.
func (c *Config) GetStrategy() string {
	if c.Strategy == nil || *c.Strategy == "" {
		return "zone" // default
	}
	return *c.Strategy
}

// GetThresholds returns the left and right thresholds in court meters.
func (c *Config) GetThresholds() (left, right float64) {
	d := dispatch.DefaultThresholds()
	left, right = d.Left, d.Right
	if c.ThresholdLeft != nil {
		left = *c.ThresholdLeft
	}
	if c.ThresholdRight != nil {
		right = *c.ThresholdRight
	}
	return left, right
}

// GetZoneTable builds the zone table, or returns the built-in one when the
// config has neither entries nor a fallback.
func (c *Config) GetZoneTable() (*zonetable.Table, error) {
	if len(c.ZoneTable) == 0 && c.FallbackCommand == nil {
		return zonetable.Default(), nil
	}
	t, err := zonetable.FromConfig(c.ZoneTable, c.FallbackCommand)
	if err != nil {
		return nil, fmt.Errorf("zone_table: %w", err)
	}
	return t, nil
}

// NewStrategy builds the configured dispatch strategy.
func (c *Config) NewStrategy() (dispatch.Strategy, error) {
	table, err := c.GetZoneTable()
	if err != nil {
		return nil, err
	}
	left, right := c.GetThresholds()
	return dispatch.NewStrategy(dispatch.StrategyConfig{
		Name:  c.GetStrategy(),
		Grid:  c.GetGrid(),
		Table: table,
		Left:  left,
		Right: right,
	})
}

// GetSerialPort returns the configured serial device path, or "".
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialOptions returns normalised serial port options.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	norm, err := opts.Normalize()
	if err != nil {
		norm, _ = serialmux.PortOptions{}.Normalize()
	}
	return norm
}

// GetReplayInterval parses and returns the ReplayInterval as a time.Duration.
func (c *Config) GetReplayInterval() time.Duration {
	if c.ReplayInterval == nil || *c.ReplayInterval == "" {
		return 200 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.ReplayInterval)
	if err != nil || d <= 0 {
		return 200 * time.Millisecond // default on parse error
	}
	return d
}

// GetReplayLoop returns the replay_loop value or the default.
func (c *Config) GetReplayLoop() bool {
	if c.ReplayLoop == nil {
		return false // default
	}
	return *c.ReplayLoop
}
