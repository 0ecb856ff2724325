package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}

// OpenSerialMux opens path through factory and wraps the port in a mux.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	if _, err := opts.Normalize(); err != nil {
		return nil, err
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
