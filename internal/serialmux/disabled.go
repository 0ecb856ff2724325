package serialmux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledSerialMux is a no-op SerialMux used when no launcher is attached
// (--disable-serial). Frames and commands are accepted and discarded so the
// dispatcher and admin routes keep working. Subscribers are tracked so their
// channels close deterministically on Unsubscribe or Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan []byte
	closing     bool
	sent        int
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan []byte),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan []byte) {
	id := newSubscriberID()
	ch := make(chan []byte)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// Already closing: hand back a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) SendFrame([]byte) error { return d.count() }

func (d *DisabledSerialMux) SendCommand(string) error { return d.count() }

func (d *DisabledSerialMux) count() error {
	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	return nil
}

// Sent is the number of frames and commands discarded so far.
func (d *DisabledSerialMux) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
