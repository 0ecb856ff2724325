package serialmux

import (
	"bytes"
	"errors"
	"sync"

	"github.com/rallie-app/rallie/internal/protocol"
)

var errFakePortClosed = errors.New("serial port closed")

// FakePort is an in-memory SerialPorter. Bytes queued with QueueBytes or
// QueueResponse are handed to Read; everything written is kept for
// inspection.
type FakePort struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	// ReadError and WriteError fail the next call once.
	ReadError  error
	WriteError error
	// BlockReads makes Read wait for queued bytes instead of returning EOF
	// on an empty buffer.
	BlockReads bool
	Closed     bool
}

func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.in.Len() == 0 {
		p.cond.Wait()
	}
	if p.Closed {
		return 0, errFakePortClosed
	}
	return p.in.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errFakePortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.out.Write(b)
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return nil
}

// QueueBytes makes data available to Read.
func (p *FakePort) QueueBytes(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(data)
	p.cond.Signal()
}

// QueueResponse queues a well-formed launcher response frame.
func (p *FakePort) QueueResponse(code byte) {
	p.QueueBytes(protocol.EncodeResponse(code).Bytes())
}

// Written returns a copy of everything written to the port.
func (p *FakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// WrittenCommands decodes the command frames written so far, skipping text
// lines and anything that is not a valid frame.
func (p *FakePort) WrittenCommands() []protocol.Command {
	data := p.Written()
	var cmds []protocol.Command
	for len(data) > 0 {
		advance, token, _ := protocol.ScanCommands(data, true)
		if advance == 0 {
			break
		}
		data = data[advance:]
		if token == nil {
			continue
		}
		if cmd, err := protocol.DecodeCommand(token); err == nil {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// OpenCall records one FakePortFactory.Open.
type OpenCall struct {
	Path    string
	Options PortOptions
}

// FakePortFactory hands out Port, or fails with Err, and records each call.
type FakePortFactory struct {
	mu    sync.Mutex
	Port  SerialPorter
	Err   error
	calls []OpenCall
}

func NewFakePortFactory(port SerialPorter) *FakePortFactory {
	return &FakePortFactory{Port: port}
}

func (f *FakePortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OpenCall{Path: path, Options: opts})
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Port, nil
}

// LastCall returns the most recent Open, or nil.
func (f *FakePortFactory) LastCall() *OpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	c := f.calls[len(f.calls)-1]
	return &c
}

// Reset forgets recorded calls and clears Err.
func (f *FakePortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.Err = nil
}
