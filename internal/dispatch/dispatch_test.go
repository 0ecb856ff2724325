package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/monitoring"
	"github.com/rallie-app/rallie/internal/pose"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/timeutil"
	"github.com/rallie-app/rallie/internal/zone"
)

type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	commands []string
	err      error
}

func (s *fakeSink) SendFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), b...))
	return s.err
}

func (s *fakeSink) SendCommand(c string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, c)
	return s.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *fakeRecorder) RecordDispatch(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

var (
	fallbackFrame = protocol.Encode(protocol.Command{UpperWheelSpeed: 50, LowerWheelSpeed: 50, PitchAngle: 45, YawAngle: 45, FeedSpeed: 50})
	zone0Frame    = protocol.CommandFrame{0x5A, 0xA5, 0x83, 70, 70, 30, 20, 60, 1, 0x4B}
	testNow       = time.Date(2026, 7, 4, 10, 30, 0, 0, time.UTC)
)

func newTestDispatcher(t *testing.T, s Strategy) (*Dispatcher, *fakeSink, *homography.Store, *monitoring.Counters) {
	t.Helper()
	t.Cleanup(monitoring.SetLogger(nil))
	sink := &fakeSink{}
	store := homography.NewStore(nil)
	counters := &monitoring.Counters{}
	d, err := New(Options{
		Strategy:     s,
		Sink:         sink,
		Store:        store,
		Clock:        timeutil.NewMockClock(testNow),
		Counters:     counters,
		ScreenWidth:  400,
		ScreenHeight: 600,
	})
	require.NoError(t, err)
	return d, sink, store, counters
}

func TestOnPositionUpdate_Zone(t *testing.T) {
	d, sink, _, counters := newTestDispatcher(t, NewZoneStrategy(zone.DefaultGrid(), nil))

	r, err := d.OnPositionUpdate(court.Point{X: 0.5, Y: 0.5})
	require.NoError(t, err)
	assert.Equal(t, zone.ID(0), r.Zone)
	assert.False(t, r.Fallback)
	assert.Equal(t, testNow, r.At)
	require.Len(t, sink.frames, 1)
	assert.Equal(t, zone0Frame.Bytes(), sink.frames[0])

	r, err = d.OnPositionUpdate(court.Point{X: 8.23, Y: 0})
	require.NoError(t, err)
	assert.Equal(t, zone.None, r.Zone)
	assert.True(t, r.Fallback)
	assert.Equal(t, fallbackFrame.Bytes(), sink.frames[1])

	last := d.Last()
	require.NotNil(t, last)
	assert.Equal(t, zone.None, last.Zone)
	assert.Equal(t, uint64(2), counters.Dispatches.Load())
	assert.Equal(t, uint64(1), counters.Fallbacks.Load())
}

func TestOnPositionUpdate_Threshold(t *testing.T) {
	d, sink, _, _ := newTestDispatcher(t, DefaultThresholds())

	for _, tt := range []struct {
		x    float64
		want string
	}{
		{0.5, CommandLeft},
		{1.999, CommandLeft},
		{2, CommandCenter},
		{4, CommandCenter},
		{6, CommandCenter},
		{6.01, CommandRight},
		{-3, CommandLeft},
	} {
		r, err := d.OnPositionUpdate(court.Point{X: tt.x, Y: 1})
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.Text, "x=%v", tt.x)
		assert.Equal(t, KindText, r.Kind)
	}
	assert.Len(t, sink.commands, 7)
	assert.Empty(t, sink.frames)
}

func TestOnImagePoint_NoCalibrationSendsFallback(t *testing.T) {
	d, sink, _, counters := newTestDispatcher(t, NewZoneStrategy(zone.DefaultGrid(), nil))

	r, err := d.OnImagePoint(court.ImagePoint{X: 190, Y: 300})
	require.NoError(t, err)
	assert.True(t, r.Fallback)
	assert.Equal(t, homography.ErrNoCalibration.Error(), r.Reason)
	assert.Nil(t, r.Court)
	assert.Equal(t, fallbackFrame.Bytes(), sink.frames[0])
	assert.Equal(t, uint64(1), counters.ProjectionFailures.Load())

	td, tsink, _, _ := newTestDispatcher(t, DefaultThresholds())
	_, err = td.OnImagePoint(court.ImagePoint{X: 190, Y: 300})
	require.NoError(t, err)
	assert.Equal(t, []string{CommandCenter}, tsink.commands)
}

func TestOnImagePoint_Calibrated(t *testing.T) {
	d, sink, store, _ := newTestDispatcher(t, NewZoneStrategy(zone.DefaultGrid(), nil))
	cal, err := store.SetCalibration(court.DefaultCalibration(), &homography.Bounds{
		Corners:   []court.ImagePoint{{X: 120, Y: 450}, {X: 260, Y: 450}, {X: 240, Y: 150}, {X: 140, Y: 150}},
		Tolerance: 10,
		Mode:      homography.BoundsReject,
	})
	require.NoError(t, err)

	// Pixel of a point in the far-right zone.
	px, err := homography.ProjectCourt(court.Point{X: 7.5, Y: 5}, cal.Matrix)
	require.NoError(t, err)

	r, err := d.OnImagePoint(px)
	require.NoError(t, err)
	assert.Equal(t, zone.ID(15), r.Zone)
	assert.Equal(t, cal.Version, r.CalibrationVersion)
	require.NotNil(t, r.Court)
	assert.InDelta(t, 7.5, r.Court.X, 1e-6)
	assert.InDelta(t, 5.0, r.Court.Y, 1e-6)

	// Far outside the calibrated quadrilateral.
	r, err = d.OnImagePoint(court.ImagePoint{X: 5, Y: 5})
	require.NoError(t, err)
	assert.True(t, r.Fallback)
	assert.Contains(t, r.Reason, "projection failed")
	assert.Equal(t, fallbackFrame.Bytes(), sink.frames[1])
}

func TestSendErrorsAreReported(t *testing.T) {
	rec := &fakeRecorder{}
	sink := &fakeSink{err: errors.New("port closed")}
	counters := &monitoring.Counters{}
	d, err := New(Options{
		Strategy: NewZoneStrategy(zone.DefaultGrid(), nil),
		Sink:     sink,
		Store:    homography.NewStore(nil),
		Recorder: rec,
		Counters: counters,
	})
	require.NoError(t, err)

	r, err := d.OnPositionUpdate(court.Point{X: 1, Y: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, sink.err)
	assert.Equal(t, "port closed", r.SendError)
	assert.Equal(t, uint64(1), counters.SendErrors.Load())
	require.Len(t, rec.records, 1)
	assert.Equal(t, "port closed", rec.records[0].SendError)
}

func TestRun(t *testing.T) {
	d, sink, store, _ := newTestDispatcher(t, NewZoneStrategy(zone.DefaultGrid(), nil))
	cal, err := store.SetCalibration(court.DefaultCalibration(), nil)
	require.NoError(t, err)

	px, err := homography.ProjectCourt(court.Point{X: 0.5, Y: 0.5}, cal.Matrix)
	require.NoError(t, err)
	foot := pose.Normalized{X: px.X / 400, Y: 1 - px.Y/600}

	obs := make(chan pose.Observation, 3)
	obs <- pose.Observation{Frame: 1, Detected: false}
	obs <- pose.Observation{Frame: 2, Detected: true, Box: pose.Box{X: foot.X - 0.05, Y: foot.Y, Width: 0.1, Height: 0.3}}
	obs <- pose.Observation{Frame: 3, Detected: true}
	close(obs)

	require.NoError(t, d.Run(context.Background(), obs))
	require.Len(t, sink.frames, 1)
	assert.Equal(t, zone0Frame.Bytes(), sink.frames[0])
}

func TestRunStopsOnCancel(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, DefaultThresholds())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, make(chan pose.Observation)) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Sink: &fakeSink{}, Store: homography.NewStore(nil)})
	assert.Error(t, err)
	_, err = New(Options{Strategy: DefaultThresholds(), Store: homography.NewStore(nil)})
	assert.Error(t, err)
	_, err = New(Options{Strategy: DefaultThresholds(), Sink: &fakeSink{}})
	assert.Error(t, err)
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy(StrategyConfig{Grid: zone.DefaultGrid()})
	require.NoError(t, err)
	assert.Equal(t, "zone", s.Name())

	s, err = NewStrategy(StrategyConfig{Name: "Threshold", Left: 2, Right: 6})
	require.NoError(t, err)
	assert.Equal(t, "threshold", s.Name())

	_, err = NewStrategy(StrategyConfig{Name: "threshold", Left: 6, Right: 2})
	assert.Error(t, err)
	_, err = NewStrategy(StrategyConfig{Name: "zone"})
	assert.Error(t, err, "zero grid is invalid")
	_, err = NewStrategy(StrategyConfig{Name: "random"})
	assert.Error(t, err)
}
