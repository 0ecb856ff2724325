package api

import (
	"bytes"
	"errors"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/db"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/httputil"
	"github.com/rallie-app/rallie/internal/monitoring"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/serialmux"
	"github.com/rallie-app/rallie/internal/testutil"
	"github.com/rallie-app/rallie/internal/timeutil"
	"github.com/rallie-app/rallie/internal/zone"
	"github.com/rallie-app/rallie/internal/zonetable"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	restore := monitoring.SetLogger(nil)
	code := m.Run()
	restore()
	os.Exit(code)
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *homography.Store
	sim      *serialmux.LauncherSimulator
	db       *db.DB
	counters *monitoring.Counters
	clock    *timeutil.MockClock
}

type envOption func(*Options, *dispatch.Options)

func withDB(t *testing.T) envOption {
	return func(o *Options, d *dispatch.Options) {
		database, err := db.NewDB(filepath.Join(t.TempDir(), "rallie.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		o.DB = database
		d.Recorder = database
	}
}

func withLink(link serialmux.SerialMuxInterface) envOption {
	return func(o *Options, d *dispatch.Options) {
		o.Link = link
		d.Sink = link
	}
}

func newTestEnv(t *testing.T, extra ...envOption) *testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(testutil.Epoch)
	counters := &monitoring.Counters{}
	store := homography.NewStore(clock)
	mux, sim := serialmux.NewSimulatedSerialMux()
	t.Cleanup(func() { mux.Close() })

	opts := Options{
		Store:     store,
		Link:      mux,
		Counters:  counters,
		Clock:     clock,
		Grid:      zone.DefaultGrid(),
		Table:     zonetable.Default(),
		ListPorts: func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil },
	}
	dopts := dispatch.Options{
		Strategy:     dispatch.NewZoneStrategy(zone.DefaultGrid(), zonetable.Default()),
		Sink:         mux,
		Store:        store,
		Clock:        clock,
		Counters:     counters,
		ScreenWidth:  400,
		ScreenHeight: 600,
	}
	for _, fn := range extra {
		fn(&opts, &dopts)
	}

	d, err := dispatch.New(dopts)
	require.NoError(t, err)
	opts.Dispatcher = d
	opts.Responses = serialmux.NewResponseHandler(nil, clock, counters)

	s, err := NewServer(opts)
	require.NoError(t, err)
	return &testEnv{
		server:   s,
		handler:  s.ServeMux(),
		store:    store,
		sim:      sim,
		db:       opts.DB,
		counters: counters,
		clock:    clock,
	}
}

func (e *testEnv) calibrate(t *testing.T) {
	t.Helper()
	rec := testutil.Serve(e.handler, testutil.JSONRequest(t, http.MethodPost, "/api/calibration",
		CalibrationRequest{ImagePoints: court.DefaultImagePoints()}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)

	env := newTestEnv(t)
	_, err = NewServer(Options{Store: env.store, Dispatcher: env.server.dispatcher})
	assert.ErrorContains(t, err, "link")
}

func TestCalibration(t *testing.T) {
	env := newTestEnv(t, withDB(t))

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/calibration", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	env.calibrate(t)

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/calibration", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	cal := testutil.DecodeJSON[homography.Calibration](t, rec)
	assert.Equal(t, uint64(1), cal.Version)
	assert.Len(t, cal.CourtPoints, 4)
	assert.True(t, cal.CreatedAt.Equal(testutil.Epoch))
	assert.Equal(t, uint64(1), env.counters.Calibrations.Load())

	stored, err := env.db.LatestCalibration()
	require.NoError(t, err)
	assert.Equal(t, cal.ID, stored.ID)
}

func TestCalibrationFailureKeepsPrevious(t *testing.T) {
	env := newTestEnv(t)
	env.calibrate(t)
	before := env.store.Current()

	tests := []struct {
		name string
		req  CalibrationRequest
	}{
		{"too few points", CalibrationRequest{ImagePoints: court.DefaultImagePoints()[:3]}},
		{"collinear", CalibrationRequest{ImagePoints: []court.ImagePoint{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}}},
		{"court point mismatch", CalibrationRequest{ImagePoints: court.DefaultImagePoints(), CourtPoints: []court.Point{{X: 0, Y: 0}}}},
		{"bad bounds mode", CalibrationRequest{ImagePoints: court.DefaultImagePoints(), Bounds: &BoundsRequest{Mode: "wrap"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/calibration", tt.req))
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
			resp := testutil.DecodeJSON[httputil.ErrorResponse](t, rec)
			assert.True(t, resp.Retry)
			assert.Contains(t, resp.Error, "previous calibration kept")
			assert.Same(t, before, env.store.Current())
		})
	}
	assert.Equal(t, uint64(len(tests)), env.counters.CalibrationErrors.Load())

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodPost, "/api/calibration", strings.NewReader("{")))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	assert.False(t, testutil.DecodeJSON[httputil.ErrorResponse](t, rec).Retry)
}

func TestCalibrationBoundsFromImagePoints(t *testing.T) {
	env := newTestEnv(t)
	rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/calibration", CalibrationRequest{
		ImagePoints: court.DefaultImagePoints(),
		Bounds:      &BoundsRequest{Tolerance: 5, Mode: "reject"},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	b := env.store.Current().Bounds
	require.NotNil(t, b)
	ip := court.DefaultImagePoints()
	assert.Equal(t, []court.ImagePoint{ip[0], ip[1], ip[3], ip[2]}, b.Corners)

	// Inside the trapezoid projects; far outside is rejected and falls back.
	r, err := env.server.dispatcher.OnImagePoint(court.ImagePoint{X: 190, Y: 300})
	require.NoError(t, err)
	assert.False(t, r.Fallback)
	r, err = env.server.dispatcher.OnImagePoint(court.ImagePoint{X: 5, Y: 590})
	require.NoError(t, err)
	assert.True(t, r.Fallback)
	assert.Contains(t, r.Reason, "outside the calibration bounds")
}

func TestPositionCourt(t *testing.T) {
	env := newTestEnv(t)

	rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/position",
		PositionRequest{Court: &court.Point{X: 8.22, Y: 5.48}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	r := testutil.DecodeJSON[dispatch.Record](t, rec)
	assert.Equal(t, zone.ID(15), r.Zone)
	assert.False(t, r.Fallback)
	assert.Equal(t, dispatch.KindFrame, r.Kind)
	assert.Equal(t, zonetable.Default().Lookup(15), r.Command)
	assert.Equal(t, []protocol.Command{r.Command}, env.sim.Commands())

	rec = testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/position",
		PositionRequest{Court: &court.Point{X: 8.23, Y: 0}}))
	require.Equal(t, http.StatusOK, rec.Code)
	r = testutil.DecodeJSON[dispatch.Record](t, rec)
	assert.Equal(t, zone.None, r.Zone)
	assert.True(t, r.Fallback)
	assert.Equal(t, zonetable.Fallback, r.Command)
}

func TestPositionImage(t *testing.T) {
	env := newTestEnv(t)

	// No calibration yet: fallback with a reason.
	rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/position",
		PositionRequest{Image: &court.ImagePoint{X: 190, Y: 300}}))
	require.Equal(t, http.StatusOK, rec.Code)
	r := testutil.DecodeJSON[dispatch.Record](t, rec)
	assert.True(t, r.Fallback)
	assert.Equal(t, homography.ErrNoCalibration.Error(), r.Reason)
	assert.Nil(t, r.Court)

	env.calibrate(t)
	rec = testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/position",
		PositionRequest{Image: &court.ImagePoint{X: 190, Y: 300}}))
	require.Equal(t, http.StatusOK, rec.Code)
	r = testutil.DecodeJSON[dispatch.Record](t, rec)
	assert.False(t, r.Fallback)
	require.NotNil(t, r.Court)
	assert.NotEqual(t, zone.None, r.Zone)
	assert.Equal(t, uint64(1), r.CalibrationVersion)
}

func TestPositionBadRequests(t *testing.T) {
	env := newTestEnv(t)
	for name, body := range map[string]interface{}{
		"neither": PositionRequest{},
		"both":    PositionRequest{Court: &court.Point{}, Image: &court.ImagePoint{}},
		"unknown": map[string]int{"x": 1},
	} {
		t.Run(name, func(t *testing.T) {
			rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/position", body))
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
		})
	}
	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/position", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestPositionSendError(t *testing.T) {
	links := NewLinkManager(nil, LinkSnapshot{}, nil)
	t.Cleanup(func() { links.Close() })
	env := newTestEnv(t, withLink(links))

	rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/position",
		PositionRequest{Court: &court.Point{X: 1, Y: 1}}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadGateway)
	r := testutil.DecodeJSON[dispatch.Record](t, rec)
	assert.Equal(t, zone.ID(0), r.Zone)
	assert.Equal(t, ErrLinkUnavailable.Error(), r.SendError)
	assert.Equal(t, uint64(1), env.counters.SendErrors.Load())
}

func TestCommand(t *testing.T) {
	env := newTestEnv(t)

	rec := testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/command", CommandRequest{
		Command: &protocol.Command{UpperWheelSpeed: 250, LowerWheelSpeed: 70, PitchAngle: -5, YawAngle: 20, FeedSpeed: 60, ControlBit: 1},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := testutil.DecodeJSON[CommandResponse](t, rec)
	want := protocol.Command{UpperWheelSpeed: 100, LowerWheelSpeed: 70, PitchAngle: 0, YawAngle: 20, FeedSpeed: 60, ControlBit: 1}
	require.NotNil(t, resp.Command)
	assert.Equal(t, want, *resp.Command)
	assert.Equal(t, protocol.Encode(want).String(), resp.Frame)
	assert.Equal(t, []protocol.Command{want}, env.sim.Commands())

	rec = testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/command", CommandRequest{Text: dispatch.CommandLeft}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{dispatch.CommandLeft}, env.sim.TextCommands())

	rec = testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/command", CommandRequest{}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	rec = testutil.Serve(env.handler, testutil.JSONRequest(t, http.MethodPost, "/api/command",
		CommandRequest{Command: &protocol.Command{}, Text: "LEFT"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestZones(t *testing.T) {
	env := newTestEnv(t)
	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/zones", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := testutil.DecodeJSON[ZonesResponse](t, rec)
	assert.Equal(t, "zone", resp.Strategy)
	assert.Equal(t, zone.DefaultGrid(), resp.Grid)
	assert.Equal(t, zonetable.Fallback, resp.Fallback)
	require.Len(t, resp.Zones, 16)

	z5 := resp.Zones[5]
	assert.Equal(t, zone.ID(5), z5.ID)
	assert.True(t, z5.Mapped)
	assert.Equal(t, zonetable.Default().Lookup(5), z5.Command)
	assert.InDelta(t, court.SinglesWidth/4, z5.Min.X, 1e-9)
	assert.InDelta(t, court.ServiceDepth/2, z5.Max.Y, 1e-9)
}

func TestZonesReportsUnmappedAndUnreachable(t *testing.T) {
	table, err := zonetable.FromConfig([]zonetable.Entry{
		{Zone: 1, Command: protocol.Command{FeedSpeed: 20}},
		{Zone: 20, Command: protocol.Command{FeedSpeed: 30}},
	}, nil)
	require.NoError(t, err)
	grid := zone.Grid{Width: 8, Height: 4, Cols: 2, Rows: 2}
	env := newTestEnv(t, func(o *Options, _ *dispatch.Options) {
		o.Grid = grid
		o.Table = table
	})

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/zones", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := testutil.DecodeJSON[ZonesResponse](t, rec)

	require.Len(t, resp.Zones, 4)
	assert.True(t, resp.Zones[1].Mapped)
	assert.Equal(t, 20, resp.Zones[1].Command.FeedSpeed)
	assert.False(t, resp.Zones[0].Mapped)
	assert.Equal(t, zonetable.Fallback, resp.Zones[0].Command)
	assert.Equal(t, []zone.ID{0, 2, 3}, resp.Unmapped)
	require.Len(t, resp.Unreachable, 1)
	assert.Equal(t, zone.ID(20), resp.Unreachable[0].Zone)
}

func TestOverlay(t *testing.T) {
	env := newTestEnv(t, func(o *Options, _ *dispatch.Options) {
		o.ScreenWidth, o.ScreenHeight = 390, 844
	})

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/overlay", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := testutil.DecodeJSON[OverlayResponse](t, rec)
	assert.Equal(t, 390.0, resp.Width)
	assert.Equal(t, court.OverlayTrapezoid(390, 844), resp.Corners)

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/overlay?width=400&height=800", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = testutil.DecodeJSON[OverlayResponse](t, rec)
	assert.Equal(t, court.ImagePoint{X: 60, Y: 680}, resp.Corners[0])

	for _, q := range []string{"width=0", "height=-5", "width=abc", "height=NaN", "width=Inf"} {
		rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/overlay?"+q, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	}
	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodPost, "/api/overlay", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, withDB(t))
	env.calibrate(t)
	_, err := env.server.dispatcher.OnPositionUpdate(court.Point{X: 1, Y: 1})
	require.NoError(t, err)
	require.NoError(t, env.db.RecordResponse(protocol.Response{Code: 1, Kind: protocol.Accepted}, protocol.EncodeResponse(1).Bytes(), testutil.Epoch))
	env.clock.Advance(90 * time.Second)

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	st := testutil.DecodeJSON[StatusResponse](t, rec)

	assert.Equal(t, "1m30s", st.Uptime)
	assert.Equal(t, "zone", st.Strategy)
	require.NotNil(t, st.Calibration)
	assert.Equal(t, uint64(1), st.Calibration.Version)
	assert.Equal(t, uint64(1), st.Counters.Dispatches)
	assert.Equal(t, uint64(1), st.Counters.Calibrations)
	require.NotNil(t, st.LastDispatch)
	assert.Equal(t, zone.ID(0), st.LastDispatch.Zone)
	assert.Equal(t, map[string]int{"accepted": 1}, st.ResponseCounts)
	assert.Nil(t, st.Link)
	assert.NotEmpty(t, st.Version.GoVersion)
}

func TestDispatches(t *testing.T) {
	env := newTestEnv(t)
	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/dispatches", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)

	env = newTestEnv(t, withDB(t))
	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/dispatches", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, p := range []court.Point{{X: 1, Y: 1}, {X: 7, Y: 5}, {X: -3, Y: 1}} {
		_, err := env.server.dispatcher.OnPositionUpdate(p)
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/dispatches?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	records := testutil.DecodeJSON[[]dispatch.Record](t, rec)
	require.Len(t, records, 2)
	assert.Equal(t, zone.None, records[0].Zone)
	assert.Equal(t, zone.ID(15), records[1].Zone)

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/dispatches?limit=zero", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestZoneChart(t *testing.T) {
	env := newTestEnv(t)
	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/charts/zones", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)

	env = newTestEnv(t, withDB(t))
	for _, p := range []court.Point{{X: 1, Y: 1}, {X: 1, Y: 1.2}, {X: 20, Y: 1}} {
		_, err := env.server.dispatcher.OnPositionUpdate(p)
		require.NoError(t, err)
	}
	require.NoError(t, env.db.RecordResponse(protocol.Response{Code: 2, Kind: protocol.Completed}, protocol.EncodeResponse(2).Bytes(), testutil.Epoch))

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/charts/zones", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "Zone hits")
	assert.Contains(t, body, "1 fallbacks")
	assert.Contains(t, body, "Launcher responses")
	assert.Contains(t, body, "completed")
}

func TestZoneChartThresholdDecisionsAreNotFallbacks(t *testing.T) {
	env := newTestEnv(t, withDB(t), func(_ *Options, d *dispatch.Options) {
		d.Strategy = dispatch.DefaultThresholds()
	})
	for _, x := range []float64{1, 4, 7} {
		r, err := env.server.dispatcher.OnPositionUpdate(court.Point{X: x, Y: 1})
		require.NoError(t, err)
		require.False(t, r.Fallback)
	}
	_, err := env.server.dispatcher.OnImagePoint(court.ImagePoint{X: 190, Y: 300})
	require.NoError(t, err)

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/charts/zones", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "1 fallbacks", "only the uncalibrated image point falls back")
}

func TestCourtPlot(t *testing.T) {
	env := newTestEnv(t, withDB(t))
	for _, p := range []court.Point{{X: 1, Y: 1}, {X: 4, Y: 3}} {
		_, err := env.server.dispatcher.OnPositionUpdate(p)
		require.NoError(t, err)
	}

	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/court.png", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/court.png?format=svg&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<svg")

	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/court.png?format=gif", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	// Without a database only the last position is drawn.
	env = newTestEnv(t)
	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/court.png", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestSerialPorts(t *testing.T) {
	env := newTestEnv(t)
	rec := testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/serial/ports", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ports":["/dev/ttyUSB0"]}`, rec.Body.String())

	env.server.listPorts = func() ([]string, error) { return nil, errors.New("no udev") }
	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/serial/ports", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)

	// Not reloadable without a LinkManager.
	rec = testutil.Serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/serial", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, withDB(t))
	mux := http.NewServeMux()
	env.server.AttachAdminRoutes(mux)

	rec := testutil.Serve(mux, testutil.LoopbackRequest(http.MethodGet, "/debug/send-frame", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.Serve(mux, testutil.LoopbackRequest(http.MethodGet, "/debug/backup", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.(http.Flusher).Flush()
	}))
	rec := testutil.Serve(h, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusTeapot)
	assert.True(t, rec.Flushed)

	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"502"+colorReset, statusCodeColor(502))
	assert.Equal(t, "101", statusCodeColor(101))
}
