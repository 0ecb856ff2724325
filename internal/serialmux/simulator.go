package serialmux

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/rallie-app/rallie/internal/protocol"
)

// LauncherSimulator is an in-memory launcher on the far end of a serial link.
// Command frames written to it are decoded and answered with Accepted then
// Completed; frames with a bad header or checksum are answered with
// Rejected. Newline-terminated text commands are acknowledged with Accepted.
type LauncherSimulator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    bytes.Buffer
	closed bool

	commands []protocol.Command
	texts    []string
}

// NewLauncherSimulator returns an idle simulator.
func NewLauncherSimulator() *LauncherSimulator {
	s := &LauncherSimulator{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewSimulatedSerialMux returns a mux wired to a fresh simulator, for
// development without hardware.
func NewSimulatedSerialMux() (*SerialMux[*LauncherSimulator], *LauncherSimulator) {
	sim := NewLauncherSimulator()
	return NewSerialMux(sim), sim
}

// Write accepts bytes from the host.
func (s *LauncherSimulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.in = append(s.in, p...)
	s.process()
	return len(p), nil
}

// process consumes complete frames and lines from s.in. Called with s.mu
// held.
func (s *LauncherSimulator) process() {
	for len(s.in) > 0 {
		hdr := bytes.Index(s.in, []byte{protocol.Header1, protocol.Header2})
		nl := bytes.IndexByte(s.in, '\n')

		if nl >= 0 && (hdr < 0 || nl < hdr) {
			line := string(bytes.TrimSpace(s.in[:nl]))
			s.in = s.in[nl+1:]
			if line != "" {
				s.texts = append(s.texts, line)
				s.reply(1)
			}
			continue
		}
		if hdr < 0 {
			return // wait for the rest of a line
		}
		if hdr > 0 {
			s.in = s.in[hdr:]
		}
		if len(s.in) < protocol.CommandFrameLen {
			return
		}
		frame := s.in[:protocol.CommandFrameLen]
		s.in = s.in[protocol.CommandFrameLen:]

		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			log.Printf("simulated launcher rejecting frame % x: %v", frame, err)
			s.reply(0)
			continue
		}
		s.commands = append(s.commands, cmd)
		s.reply(1)
		s.reply(2)
	}
}

func (s *LauncherSimulator) reply(code byte) {
	s.out.Write(protocol.EncodeResponse(code).Bytes())
	s.cond.Broadcast()
}

// Read blocks until a response is available or the simulator is closed.
func (s *LauncherSimulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.out.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// Close unblocks readers. Responses already queued can still be read.
func (s *LauncherSimulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulated launcher already closed")
	}
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Commands returns the command frames received so far.
func (s *LauncherSimulator) Commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.commands...)
}

// TextCommands returns the text commands received so far.
func (s *LauncherSimulator) TextCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}
