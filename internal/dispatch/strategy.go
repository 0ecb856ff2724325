package dispatch

import (
	"fmt"
	"strings"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/zone"
	"github.com/rallie-app/rallie/internal/zonetable"
)

// Kind says how a decision travels to the launcher.
type Kind string

const (
	// KindFrame decisions are sent as binary command frames.
	KindFrame Kind = "frame"
	// KindText decisions are sent as newline-terminated text commands.
	KindText Kind = "text"
)

// Decision is what a strategy wants sent for one position.
type Decision struct {
	Strategy string                `json:"strategy"`
	Kind     Kind                  `json:"kind"`
	Zone     zone.ID               `json:"zone"`
	Command  protocol.Command      `json:"command"`
	Frame    protocol.CommandFrame `json:"-"`
	Text     string                `json:"text,omitempty"`
	Fallback bool                  `json:"fallback"`
}

// FrameHex is the encoded frame as hex, or "" for text decisions.
func (d Decision) FrameHex() string {
	if d.Kind != KindFrame {
		return ""
	}
	return d.Frame.String()
}

func (d Decision) String() string {
	if d.Kind == KindText {
		return fmt.Sprintf("%s %q", d.Strategy, d.Text)
	}
	return fmt.Sprintf("%s %v [%v] %s", d.Strategy, d.Zone, d.Command, d.Frame)
}

func (d Decision) send(s Sink) error {
	if d.Kind == KindText {
		return s.SendCommand(d.Text)
	}
	return s.SendFrame(d.Frame.Bytes())
}

// Strategy turns a court position into a launcher decision. Implementations
// must be safe for concurrent use.
type Strategy interface {
	Name() string
	Decide(p court.Point) Decision
	// Fallback is sent when no position is available.
	Fallback() Decision
}

// ZoneStrategy maps the position onto a grid and sends the table's command
// for that zone as a binary frame.
type ZoneStrategy struct {
	Grid  zone.Grid
	Table *zonetable.Table
}

// NewZoneStrategy returns a zone strategy; a nil table uses the default.
func NewZoneStrategy(g zone.Grid, t *zonetable.Table) *ZoneStrategy {
	if t == nil {
		t = zonetable.Default()
	}
	return &ZoneStrategy{Grid: g, Table: t}
}

func (*ZoneStrategy) Name() string { return "zone" }

func (s *ZoneStrategy) Decide(p court.Point) Decision {
	id, ok := s.Grid.ZoneFor(p)
	cmd := s.Table.Lookup(id)
	return Decision{
		Strategy: s.Name(),
		Kind:     KindFrame,
		Zone:     id,
		Command:  cmd,
		Frame:    protocol.Encode(cmd),
		Fallback: !ok || !s.Table.Has(id),
	}
}

func (s *ZoneStrategy) Fallback() Decision {
	cmd := s.Table.FallbackCommand()
	return Decision{
		Strategy: s.Name(),
		Kind:     KindFrame,
		Zone:     zone.None,
		Command:  cmd,
		Frame:    protocol.Encode(cmd),
		Fallback: true,
	}
}

// Text commands understood by launchers driven by the threshold strategy.
const (
	CommandLeft   = "LEFT"
	CommandCenter = "CENTER"
	CommandRight  = "RIGHT"
)

// ThresholdStrategy classifies the position into three lanes across the
// court by its X coordinate: x < Left is LEFT, x > Right is RIGHT and
// anything else, including the thresholds themselves, is CENTER.
type ThresholdStrategy struct {
	Left  float64
	Right float64
}

// DefaultThresholds are the lane boundaries in meters.
func DefaultThresholds() *ThresholdStrategy {
	return &ThresholdStrategy{Left: 2, Right: 6}
}

func (*ThresholdStrategy) Name() string { return "threshold" }

func (s *ThresholdStrategy) Decide(p court.Point) Decision {
	text := CommandCenter
	switch {
	case p.X < s.Left:
		text = CommandLeft
	case p.X > s.Right:
		text = CommandRight
	}
	return Decision{Strategy: s.Name(), Kind: KindText, Zone: zone.None, Text: text}
}

func (s *ThresholdStrategy) Fallback() Decision {
	return Decision{Strategy: s.Name(), Kind: KindText, Zone: zone.None, Text: CommandCenter, Fallback: true}
}

// StrategyConfig selects and parameterises a strategy.
type StrategyConfig struct {
	Name  string
	Grid  zone.Grid
	Table *zonetable.Table
	Left  float64
	Right float64
}

// NewStrategy builds the strategy named by cfg.Name ("zone" or "threshold";
// empty means zone).
func NewStrategy(cfg StrategyConfig) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "zone":
		if err := cfg.Grid.Validate(); err != nil {
			return nil, err
		}
		return NewZoneStrategy(cfg.Grid, cfg.Table), nil
	case "threshold":
		if cfg.Left > cfg.Right {
			return nil, fmt.Errorf("threshold strategy: left %.2f is beyond right %.2f", cfg.Left, cfg.Right)
		}
		return &ThresholdStrategy{Left: cfg.Left, Right: cfg.Right}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch strategy %q: expected zone or threshold", cfg.Name)
	}
}
