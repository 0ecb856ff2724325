// Serialmux provides an abstraction over the launcher's serial link with the
// ability for multiple clients to subscribe to frames read from the port and
// to send command frames to the single device on the other end.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/rallie-app/rallie/internal/protocol"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is how many frames a subscriber may fall behind before
// frames are skipped for it.
const subscriberBuffer = 16

//go:embed templates/*
var adminTemplateFS embed.FS

var sendFrameTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-frame.html.tmpl"))

// SerialMux is a generic serial port multiplexer that allows multiple clients
// to subscribe to frames from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	split        bufio.SplitFunc
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type. It is
// also the launcher sink used by the dispatcher.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving frames read from the
	// serial port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendFrame writes a binary frame to the serial port as is.
	SendFrame([]byte) error
	// SendCommand writes a newline-terminated text command to the serial
	// port.
	SendCommand(string) error
	// Monitor reads frames from the serial port and sends them to the
	// subscribed channels.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux reading launcher response frames from
// port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return NewSerialMuxSplit(port, protocol.ScanResponses)
}

// NewSerialMuxSplit is NewSerialMux with a custom frame splitter.
func NewSerialMuxSplit[T SerialPorter](port T, split bufio.SplitFunc) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		split:       split,
		subscribers: make(map[string]chan []byte),
	}
}

func newSubscriberID() string {
	return uuid.NewString()
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := newSubscriberID()
	ch := make(chan []byte, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendFrame writes frame to the serial port in a single write.
func (s *SerialMux[T]) SendFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrWriteFailed)
	}
	return s.write(frame)
}

// SendCommand sends a text command to the serial port, adding the trailing
// newline if it is missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	return s.write([]byte(command))
}

func (s *SerialMux[T]) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads frames from the serial port and fans them out to
// subscribers until ctx is done, the port reaches EOF or the mux is closed.
// Tokens are copied before they are handed out.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Split(s.split)

	frameChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the loop below can
	// still observe ctx cancellation.
	go func() {
		defer close(frameChan)
		for scan.Scan() {
			frame := bytes.Clone(scan.Bytes())
			select {
			case frameChan <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case frame, ok := <-frameChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- frame:
				default:
					// slow subscriber: skip rather than block the port
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// tailEvent is one SSE message on the debug tail.
type tailEvent struct {
	Kind     string             `json:"kind"`
	Hex      string             `json:"hex"`
	Response *protocol.Response `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func newTailEvent(frame []byte) tailEvent {
	ev := tailEvent{Kind: ClassifyFrame(frame), Hex: hex.EncodeToString(frame)}
	if ev.Kind == EventTypeResponse {
		resp, err := protocol.Decode(frame)
		if err != nil {
			ev.Error = err.Error()
		} else {
			ev.Response = &resp
		}
	}
	return ev
}

// frameFromForm builds a command frame from either a "hex" field holding a
// raw frame or the individual command fields, which are clamped.
func frameFromForm(r *http.Request) ([]byte, error) {
	if raw := strings.TrimSpace(r.FormValue("hex")); raw != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(raw, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return b, nil
	}
	field := func(name string) (int, error) {
		v := strings.TrimSpace(r.FormValue(name))
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", name, v)
		}
		return n, nil
	}
	var cmd protocol.Command
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"upper", &cmd.UpperWheelSpeed},
		{"lower", &cmd.LowerWheelSpeed},
		{"pitch", &cmd.PitchAngle},
		{"yaw", &cmd.YawAngle},
		{"feed", &cmd.FeedSpeed},
		{"control", &cmd.ControlBit},
	} {
		n, err := field(f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = n
	}
	return protocol.Encode(cmd).Bytes(), nil
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachLinkRoutes(mux, s)
}

// AttachLinkRoutes mounts the send-frame page and the live frame tail for
// link under /debug/.
func AttachLinkRoutes(mux *http.ServeMux, link SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	// Basic send / live tail interface using the API endpoints below.
	debug.HandleFunc("send-frame", "send a command frame to the launcher", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendFrameTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write a frame or a text command to the serial port.
	debug.HandleSilentFunc("send-frame-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if text := strings.TrimSpace(r.FormValue("text")); text != "" {
			if err := link.SendCommand(text); err != nil {
				http.Error(w, "Failed to write command", http.StatusInternalServerError)
				return
			}
			io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", text))
			return
		}
		frame, err := frameFromForm(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := link.SendFrame(frame); err != nil {
			http.Error(w, "Failed to write frame", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote frame % x to serial port", frame))
	})

	// API endpoint to issue Server-Sent Events (SSE) for frames read from
	// the serial port, decoded where possible.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := link.Subscribe()
		defer link.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case frame, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(newTailEvent(frame))
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
