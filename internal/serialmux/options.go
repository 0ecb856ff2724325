package serialmux

import (
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the launcher controller's UART speed.
const DefaultBaudRate = 115200

var standardBaudRates = []int{
	110, 300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 28800,
	38400, 57600, 115200, 128000, 230400, 256000, 460800, 921600,
}

// PortOptions describes the serial connection parameters used when opening
// the launcher's port. Zero values take the 115200 8N1 defaults. The struct
// is embedded as is in the configuration file.
type PortOptions struct {
	BaudRate int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if !slices.Contains(standardBaudRates, opts.BaudRate) {
		return opts, fmt.Errorf("unsupported baud rate %d", opts.BaudRate)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

func (o PortOptions) String() string {
	n, err := o.Normalize()
	if err != nil {
		return fmt.Sprintf("invalid(%v)", err)
	}
	return fmt.Sprintf("%d %d%s%d", n.BaudRate, n.DataBits, n.Parity, n.StopBits)
}

// Equal reports whether two PortOptions describe the same serial
// configuration once defaults are applied.
func (o PortOptions) Equal(other PortOptions) (bool, error) {
	a, err := o.Normalize()
	if err != nil {
		return false, err
	}
	b, err := other.Normalize()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}
