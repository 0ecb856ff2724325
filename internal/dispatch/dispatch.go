// Package dispatch turns detected player positions into launcher commands.
//
// Each position goes through the calibration in force, then a Strategy,
// then out through a Sink. Sends are fire-and-forget: a failed send is
// counted and logged but does not stop the stream. Without a calibration,
// or when a projection fails, the strategy's fallback is sent instead.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/monitoring"
	"github.com/rallie-app/rallie/internal/pose"
	"github.com/rallie-app/rallie/internal/timeutil"
)

// Sink is the outbound side of the launcher link.
type Sink interface {
	SendFrame(frame []byte) error
	SendCommand(command string) error
}

// Recorder persists dispatch records for diagnostics.
type Recorder interface {
	RecordDispatch(r Record) error
}

// Record is a decision together with where it came from and how sending it
// went.
type Record struct {
	Decision
	At                 time.Time         `json:"at"`
	Image              *court.ImagePoint `json:"image,omitempty"`
	Court              *court.Point      `json:"court,omitempty"`
	CalibrationVersion uint64            `json:"calibration_version,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	SendError          string            `json:"send_error,omitempty"`
}

// Options configures a Dispatcher. Strategy, Sink and Store are required.
type Options struct {
	Strategy Strategy
	Sink     Sink
	Store    *homography.Store
	Recorder Recorder
	Clock    timeutil.Clock
	Counters *monitoring.Counters

	// ScreenWidth and ScreenHeight convert normalised detections into the
	// pixel space the calibration was taken in.
	ScreenWidth  float64
	ScreenHeight float64
}

// Dispatcher runs the position-to-command pipeline. It is safe for
// concurrent use.
type Dispatcher struct {
	strategy Strategy
	sink     Sink
	store    *homography.Store
	recorder Recorder
	clock    timeutil.Clock
	counters *monitoring.Counters
	screenW  float64
	screenH  float64

	// Kept for deduplication; repeated decisions are still sent.
	last atomic.Pointer[Record]
}

// New returns a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Strategy == nil:
		return nil, errors.New("dispatch: strategy is required")
	case opts.Sink == nil:
		return nil, errors.New("dispatch: sink is required")
	case opts.Store == nil:
		return nil, errors.New("dispatch: calibration store is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Counters == nil {
		opts.Counters = &monitoring.Counters{}
	}
	return &Dispatcher{
		strategy: opts.Strategy,
		sink:     opts.Sink,
		store:    opts.Store,
		recorder: opts.Recorder,
		clock:    opts.Clock,
		counters: opts.Counters,
		screenW:  opts.ScreenWidth,
		screenH:  opts.ScreenHeight,
	}, nil
}

// Strategy returns the strategy in use.
func (d *Dispatcher) Strategy() Strategy { return d.strategy }

// Last returns the most recent record, or nil.
func (d *Dispatcher) Last() *Record { return d.last.Load() }

// OnPositionUpdate dispatches a court position. The returned error is the
// transport's; the record is produced either way.
func (d *Dispatcher) OnPositionUpdate(p court.Point) (Record, error) {
	if !p.IsFinite() {
		return d.dispatch(Record{Decision: d.strategy.Fallback(), Reason: "position is not finite"})
	}
	pos := p
	return d.dispatch(Record{Decision: d.strategy.Decide(p), Court: &pos})
}

// OnImagePoint projects a screen position through the calibration in force
// and dispatches it. With no calibration, or when the projection fails, the
// strategy's fallback is sent.
func (d *Dispatcher) OnImagePoint(p court.ImagePoint) (Record, error) {
	img := p
	cal := d.store.Current()
	if cal == nil {
		d.counters.ProjectionFailures.Add(1)
		return d.dispatch(Record{Decision: d.strategy.Fallback(), Image: &img, Reason: homography.ErrNoCalibration.Error()})
	}
	cp, err := cal.Project(p)
	if err != nil {
		d.counters.ProjectionFailures.Add(1)
		return d.dispatch(Record{
			Decision:           d.strategy.Fallback(),
			Image:              &img,
			CalibrationVersion: cal.Version,
			Reason:             err.Error(),
		})
	}
	return d.dispatch(Record{
		Decision:           d.strategy.Decide(cp),
		Image:              &img,
		Court:              &cp,
		CalibrationVersion: cal.Version,
	})
}

func (d *Dispatcher) dispatch(r Record) (Record, error) {
	r.At = d.clock.Now()
	d.counters.Dispatches.Add(1)
	if r.Fallback {
		d.counters.Fallbacks.Add(1)
	}

	err := r.send(d.sink)
	if err != nil {
		d.counters.SendErrors.Add(1)
		r.SendError = err.Error()
		err = fmt.Errorf("dispatch %s: %w", r.Strategy, err)
	}

	rec := r
	d.last.Store(&rec)
	if d.recorder != nil {
		if rerr := d.recorder.RecordDispatch(r); rerr != nil {
			monitoring.Logf("dispatch: failed to record: %v", rerr)
		}
	}
	return r, err
}

// Run consumes observations until the channel closes or ctx is done. Frames
// with no detected person are skipped. It returns ctx.Err() on cancellation
// and nil when the stream ends.
func (d *Dispatcher) Run(ctx context.Context, observations <-chan pose.Observation) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-observations:
			if !ok {
				return nil
			}
			p, ok := o.FootPixel(d.screenW, d.screenH)
			if !ok {
				continue
			}
			r, err := d.OnImagePoint(p)
			if err != nil {
				monitoring.Logf("dispatch: frame %d: %v", o.Frame, err)
				continue
			}
			if r.Reason != "" {
				monitoring.Logf("dispatch: frame %d: fallback (%s)", o.Frame, r.Reason)
			}
		}
	}
}
