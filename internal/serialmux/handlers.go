package serialmux

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/rallie-app/rallie/internal/monitoring"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/timeutil"
)

// ResponseRecorder persists decoded launcher responses.
type ResponseRecorder interface {
	RecordResponse(resp protocol.Response, raw []byte, at time.Time) error
}

// LastResponse is the most recent valid response from the launcher.
type LastResponse struct {
	Response protocol.Response `json:"response"`
	At       time.Time         `json:"at"`
}

// ResponseHandler decodes frames read from the launcher. Malformed frames
// are logged and dropped; nothing is resent or resynchronised.
type ResponseHandler struct {
	recorder ResponseRecorder
	clock    timeutil.Clock
	counters *monitoring.Counters
	last     atomic.Pointer[LastResponse]
}

// NewResponseHandler returns a handler. recorder and counters may be nil.
func NewResponseHandler(recorder ResponseRecorder, clock timeutil.Clock, counters *monitoring.Counters) *ResponseHandler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if counters == nil {
		counters = &monitoring.Counters{}
	}
	return &ResponseHandler{recorder: recorder, clock: clock, counters: counters}
}

// HandleFrame decodes one frame. A malformed frame returns the decode error
// after it has been counted and logged; callers keep reading either way.
func (h *ResponseHandler) HandleFrame(raw []byte) error {
	resp, err := protocol.Decode(raw)
	if err != nil {
		h.counters.DroppedFrames.Add(1)
		log.Printf("⚠️ dropping launcher frame % x: %v", raw, err)
		return err
	}

	now := h.clock.Now()
	h.counters.Responses.Add(1)
	h.last.Store(&LastResponse{Response: resp, At: now})
	if resp.Kind == protocol.Unknown {
		log.Printf("launcher sent unknown response code %d", resp.Code)
	}

	if h.recorder != nil {
		if err := h.recorder.RecordResponse(resp, raw, now); err != nil {
			return fmt.Errorf("failed to record response: %w", err)
		}
	}
	return nil
}

// Last returns the most recent valid response, or nil.
func (h *ResponseHandler) Last() *LastResponse {
	return h.last.Load()
}

// Consume handles every frame from ch until it is closed. It is meant to run
// on a channel from Subscribe.
func (h *ResponseHandler) Consume(ch <-chan []byte) {
	for frame := range ch {
		if err := h.HandleFrame(frame); err != nil {
			monitoring.Logf("response handler: %v", err)
		}
	}
}
