package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rallie-app/rallie/internal/serialmux"
)

// LinkFactory opens a launcher link for a port path and options. It is
// injected so tests and the simulated mode can supply their own links.
type LinkFactory func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error)

// ErrLinkClosed is returned by sends after the manager has been closed.
var ErrLinkClosed = errors.New("launcher link is closed")

// ErrLinkUnavailable is returned by sends while no link is open, for example
// after a reload failed.
var ErrLinkUnavailable = errors.New("launcher link unavailable")

// ErrInvalidLinkPath wraps a PathCheck failure. The current link is left
// untouched.
var ErrInvalidLinkPath = errors.New("invalid launcher link path")

// LinkSnapshot describes the link currently in use.
type LinkSnapshot struct {
	PortPath string                `json:"port_path"`
	Source   string                `json:"source"`
	Options  serialmux.PortOptions `json:"options"`
}

// LinkReloadRequest is the body of POST /api/serial.
type LinkReloadRequest struct {
	PortPath string                `json:"port_path"`
	Options  serialmux.PortOptions `json:"options"`
}

// LinkReloadResult reports the outcome of a reload.
type LinkReloadResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Link    *LinkSnapshot `json:"link,omitempty"`
}

// fanoutBuffer is how many frames a LinkManager subscriber may fall behind
// before frames are dropped for it.
const fanoutBuffer = 16

// LinkManager owns the launcher link and lets it be swapped at runtime
// without restarting the dispatcher or the response handler. It implements
// serialmux.SerialMuxInterface itself so every consumer talks to whichever
// link is current.
//
// Subscriptions are served from an internal fanout that re-subscribes to
// each new link after a reload, so channels handed out by Subscribe stay
// valid until Unsubscribe or Close.
type LinkManager struct {
	mu       sync.RWMutex
	current  serialmux.SerialMuxInterface
	snapshot LinkSnapshot
	closed   bool
	// swapped is closed and replaced whenever current changes.
	swapped chan struct{}

	factory  LinkFactory
	reloadMu sync.Mutex

	// PathCheck, when set, vets a reload path before the current link is
	// closed. Set it before the first Reload.
	PathCheck func(path string) error

	done         chan struct{}
	fanoutMu     sync.RWMutex
	subscribers  map[string]chan []byte
	fanoutClosed bool
	fanoutDone   chan struct{}
}

// NewLinkManager wraps initial. factory may be nil, in which case Reload
// always fails.
func NewLinkManager(initial serialmux.SerialMuxInterface, snapshot LinkSnapshot, factory LinkFactory) *LinkManager {
	m := &LinkManager{
		current:     initial,
		snapshot:    snapshot,
		swapped:     make(chan struct{}),
		factory:     factory,
		done:        make(chan struct{}),
		subscribers: make(map[string]chan []byte),
		fanoutDone:  make(chan struct{}),
	}
	go m.runFanout()
	return m
}

// Current returns the link in use, or nil.
func (m *LinkManager) Current() serialmux.SerialMuxInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the configuration of the link in use.
func (m *LinkManager) Snapshot() LinkSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *LinkManager) state() (serialmux.SerialMuxInterface, <-chan struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.swapped, m.closed
}

// runFanout forwards frames from the current link to every subscriber and
// follows the link across reloads.
func (m *LinkManager) runFanout() {
	defer close(m.fanoutDone)
	defer func() {
		m.fanoutMu.Lock()
		m.fanoutClosed = true
		for id, ch := range m.subscribers {
			close(ch)
			delete(m.subscribers, id)
		}
		m.fanoutMu.Unlock()
	}()

	for {
		link, swapped, closed := m.state()
		if closed {
			return
		}
		if link == nil {
			select {
			case <-m.done:
				return
			case <-swapped:
				continue
			}
		}

		id, frames := link.Subscribe()
		if !m.forward(frames, swapped) {
			link.Unsubscribe(id)
			return
		}
		link.Unsubscribe(id)
	}
}

// forward copies frames to subscribers until the link changes (true) or
// the manager shuts down (false).
func (m *LinkManager) forward(frames <-chan []byte, swapped <-chan struct{}) bool {
	for {
		select {
		case <-m.done:
			return false
		case <-swapped:
			return true
		case frame, ok := <-frames:
			if !ok {
				// The link closed under us; wait for a replacement.
				select {
				case <-m.done:
					return false
				case <-swapped:
					return true
				}
			}
			m.fanoutMu.RLock()
			for _, ch := range m.subscribers {
				select {
				case ch <- frame:
				default:
					// slow subscriber: drop rather than stall the link
				}
			}
			m.fanoutMu.RUnlock()
		}
	}
}

// Subscribe returns a channel that receives frames from whichever link is
// current. After Close it returns a closed channel.
func (m *LinkManager) Subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, fanoutBuffer)

	m.fanoutMu.Lock()
	defer m.fanoutMu.Unlock()
	if m.fanoutClosed {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and forgets a subscriber channel.
func (m *LinkManager) Unsubscribe(id string) {
	m.fanoutMu.Lock()
	defer m.fanoutMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *LinkManager) link() (serialmux.SerialMuxInterface, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrLinkClosed
	}
	if m.current == nil {
		return nil, ErrLinkUnavailable
	}
	return m.current, nil
}

// SendFrame writes frame to the current link.
func (m *LinkManager) SendFrame(frame []byte) error {
	link, err := m.link()
	if err != nil {
		return err
	}
	return link.SendFrame(frame)
}

// SendCommand writes a text command to the current link.
func (m *LinkManager) SendCommand(command string) error {
	link, err := m.link()
	if err != nil {
		return err
	}
	return link.SendCommand(command)
}

// Monitor runs the current link's Monitor and moves on to the next link
// after each reload. It returns when ctx is done or the manager is closed.
func (m *LinkManager) Monitor(ctx context.Context) error {
	for {
		link, swapped, closed := m.state()
		if closed {
			return nil
		}
		if link == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return nil
			case <-swapped:
				continue
			}
		}

		linkCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-swapped:
				cancel()
			case <-m.done:
				cancel()
			case <-linkCtx.Done():
			}
		}()
		err := link.Monitor(linkCtx)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("launcher link monitor stopped: %v", err)
		}

		// Wait for a new link (or shutdown) before monitoring again; a link
		// that hit EOF will not produce more frames.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-swapped:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Close closes the current link and every subscriber channel. It is only
// meant for shutdown.
func (m *LinkManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	link := m.current
	m.current = nil
	close(m.done)
	m.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close()
	}
	<-m.fanoutDone
	return err
}

// AttachAdminRoutes mounts the send-frame page and frame tail against the
// manager, so they follow reloads.
func (m *LinkManager) AttachAdminRoutes(mux *http.ServeMux) {
	serialmux.AttachLinkRoutes(mux, m)
}

// Reload closes the current link and opens req in its place. The old link
// is closed first because a serial device cannot be opened twice. If the
// new link fails to open, the manager is left without a link and sends fail
// with ErrLinkUnavailable until a later reload succeeds.
func (m *LinkManager) Reload(ctx context.Context, req LinkReloadRequest) (*LinkReloadResult, error) {
	if m.factory == nil {
		return nil, errors.New("link factory not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req.PortPath = strings.TrimSpace(req.PortPath)
	if m.PathCheck != nil {
		if err := m.PathCheck(req.PortPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLinkPath, err)
		}
	}
	opts, err := req.Options.Normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid serial options: %w", err)
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	current := m.Snapshot()
	if m.Current() != nil && current.PortPath == req.PortPath {
		if same, err := current.Options.Equal(opts); err == nil && same {
			return &LinkReloadResult{
				Success: true,
				Message: fmt.Sprintf("link %q already active", req.PortPath),
				Link:    &current,
			}, nil
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrLinkClosed
	}
	old := m.current
	m.setLocked(nil, LinkSnapshot{})
	m.mu.Unlock()

	if old != nil {
		log.Printf("closing launcher link %q before reload", current.PortPath)
		if err := old.Close(); err != nil {
			log.Printf("warning: failed to close previous launcher link: %v", err)
		}
	}

	next, err := m.factory(req.PortPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open launcher link %s: %w", req.PortPath, err)
	}

	snap := LinkSnapshot{PortPath: req.PortPath, Source: "api", Options: opts}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		next.Close()
		return nil, ErrLinkClosed
	}
	m.setLocked(next, snap)
	m.mu.Unlock()

	log.Printf("launcher link reloaded: %s %s", req.PortPath, opts)
	return &LinkReloadResult{
		Success: true,
		Message: fmt.Sprintf("reloaded launcher link %q", req.PortPath),
		Link:    &snap,
	}, nil
}

// setLocked installs link and wakes Monitor and the fanout. m.mu must be
// held for writing.
func (m *LinkManager) setLocked(link serialmux.SerialMuxInterface, snap LinkSnapshot) {
	m.current = link
	m.snapshot = snap
	close(m.swapped)
	m.swapped = make(chan struct{})
}
