package serialmux

import "github.com/rallie-app/rallie/internal/protocol"

const (
	EventTypeResponse = "response"
	EventTypeCommand  = "command"
	EventTypeUnknown  = "unknown"
)

// ClassifyFrame looks at the length and source byte of a framed token and
// returns an event type. It does not verify the checksum.
func ClassifyFrame(frame []byte) string {
	if len(frame) < 3 || frame[0] != protocol.Header1 || frame[1] != protocol.Header2 {
		return EventTypeUnknown
	}
	switch {
	case len(frame) == protocol.ResponseFrameLen && frame[2] == protocol.SourceLauncher:
		return EventTypeResponse
	case len(frame) == protocol.CommandFrameLen && frame[2] == protocol.SourceApp:
		return EventTypeCommand
	default:
		return EventTypeUnknown
	}
}
