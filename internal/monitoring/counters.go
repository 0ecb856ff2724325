package monitoring

import "sync/atomic"

// Counters tracks how the aiming pipeline is doing. The zero value is ready
// to use and safe for concurrent updates.
type Counters struct {
	Dispatches         atomic.Uint64
	Fallbacks          atomic.Uint64
	ProjectionFailures atomic.Uint64
	SendErrors         atomic.Uint64
	Responses          atomic.Uint64
	DroppedFrames      atomic.Uint64
	Calibrations       atomic.Uint64
	CalibrationErrors  atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Dispatches         uint64 `json:"dispatches"`
	Fallbacks          uint64 `json:"fallbacks"`
	ProjectionFailures uint64 `json:"projection_failures"`
	SendErrors         uint64 `json:"send_errors"`
	Responses          uint64 `json:"responses"`
	DroppedFrames      uint64 `json:"dropped_frames"`
	Calibrations       uint64 `json:"calibrations"`
	CalibrationErrors  uint64 `json:"calibration_errors"`
}

// Snapshot copies the counters. Individual fields are read atomically but
// not as a group.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		Dispatches:         c.Dispatches.Load(),
		Fallbacks:          c.Fallbacks.Load(),
		ProjectionFailures: c.ProjectionFailures.Load(),
		SendErrors:         c.SendErrors.Load(),
		Responses:          c.Responses.Load(),
		DroppedFrames:      c.DroppedFrames.Load(),
		Calibrations:       c.Calibrations.Load(),
		CalibrationErrors:  c.CalibrationErrors.Load(),
	}
}
