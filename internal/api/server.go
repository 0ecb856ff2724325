// Package api serves the launcher's HTTP interface: calibration, manual
// positions and commands, status, and diagnostic charts.
package api

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/db"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/httputil"
	"github.com/rallie-app/rallie/internal/monitoring"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/serialmux"
	"github.com/rallie-app/rallie/internal/timeutil"
	"github.com/rallie-app/rallie/internal/version"
	"github.com/rallie-app/rallie/internal/zone"
	"github.com/rallie-app/rallie/internal/zonetable"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Options wires a Server to the rest of the system. Store, Dispatcher and
// Link are required.
type Options struct {
	Store      *homography.Store
	Dispatcher *dispatch.Dispatcher
	Link       serialmux.SerialMuxInterface

	// Links enables GET/POST /api/serial when the link is reloadable.
	Links *LinkManager
	// DB enables persistence of calibrations and the dispatch history
	// endpoints. It may be nil.
	DB        *db.DB
	Responses *serialmux.ResponseHandler
	Counters  *monitoring.Counters
	Clock     timeutil.Clock

	Grid  zone.Grid
	Table *zonetable.Table
	// Bounds is installed with calibrations that do not carry their own.
	Bounds *homography.Bounds
	// Screen size for GET /api/overlay; zero uses 400×600.
	ScreenWidth, ScreenHeight float64
	// ListPorts enumerates serial devices; nil uses serialmux.ListPorts.
	ListPorts func() ([]string, error)
}

type Server struct {
	store      *homography.Store
	dispatcher *dispatch.Dispatcher
	link       serialmux.SerialMuxInterface
	links      *LinkManager
	db         *db.DB
	responses  *serialmux.ResponseHandler
	counters   *monitoring.Counters
	clock      timeutil.Clock
	grid       zone.Grid
	table      *zonetable.Table
	bounds     *homography.Bounds
	screenW    float64
	screenH    float64
	listPorts  func() ([]string, error)
	started    time.Time
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("api: calibration store is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("api: dispatcher is required")
	case opts.Link == nil:
		return nil, errors.New("api: launcher link is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Counters == nil {
		opts.Counters = &monitoring.Counters{}
	}
	if opts.Grid.Count() == 0 {
		opts.Grid = zone.DefaultGrid()
	}
	if opts.Table == nil {
		opts.Table = zonetable.Default()
	}
	if opts.ListPorts == nil {
		opts.ListPorts = serialmux.ListPorts
	}
	if opts.ScreenWidth <= 0 || opts.ScreenHeight <= 0 {
		opts.ScreenWidth, opts.ScreenHeight = 400, 600
	}
	return &Server{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		link:       opts.Link,
		links:      opts.Links,
		db:         opts.DB,
		responses:  opts.Responses,
		counters:   opts.Counters,
		clock:      opts.Clock,
		grid:       opts.Grid,
		table:      opts.Table,
		bounds:     opts.Bounds,
		screenW:    opts.ScreenWidth,
		screenH:    opts.ScreenHeight,
		listPorts:  opts.ListPorts,
		started:    opts.Clock.Now(),
	}, nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Debug routes are mounted separately by
// AttachAdminRoutes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/overlay", s.handleOverlay)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/dispatches", s.handleDispatches)
	mux.HandleFunc("/api/charts/zones", s.handleZoneChart)
	mux.HandleFunc("/api/court.png", s.handleCourtPlot)
	mux.HandleFunc("/api/serial", s.handleSerial)
	mux.HandleFunc("/api/serial/ports", s.handleSerialPorts)
	return mux
}

// AttachAdminRoutes mounts the link and database debug pages on mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	s.link.AttachAdminRoutes(mux)
	if s.db != nil {
		s.db.AttachAdminRoutes(mux)
	}
}

// CalibrationRequest is the body of POST /api/calibration. CourtPoints may
// be omitted for 4 or 8 image points, which are then matched to the
// reference court landmarks in order.
type CalibrationRequest struct {
	ImagePoints []court.ImagePoint `json:"image_points"`
	CourtPoints []court.Point      `json:"court_points,omitempty"`
	Bounds      *BoundsRequest     `json:"bounds,omitempty"`
}

// BoundsRequest overrides the configured bounds check for one calibration.
// Omitted corners default to the perimeter of the calibration's corner
// points.
type BoundsRequest struct {
	Corners   []court.ImagePoint `json:"corners,omitempty"`
	Tolerance float64            `json:"tolerance_px"`
	Mode      string             `json:"mode,omitempty"`
}

func (b *BoundsRequest) bounds() (*homography.Bounds, error) {
	mode, err := homography.ParseBoundsMode(b.Mode)
	if err != nil {
		return nil, err
	}
	return &homography.Bounds{Corners: b.Corners, Tolerance: b.Tolerance, Mode: mode}, nil
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cal := s.store.Current()
		if cal == nil {
			httputil.NotFound(w, homography.ErrNoCalibration.Error())
			return
		}
		httputil.WriteJSONOK(w, cal)
	case http.MethodPost:
		s.setCalibration(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// setCalibration installs a new calibration. Any failure leaves the
// previous calibration in force and asks the client to retry.
func (s *Server) setCalibration(w http.ResponseWriter, r *http.Request) {
	var req CalibrationRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	fail := func(err error) {
		s.counters.CalibrationErrors.Add(1)
		log.Printf("calibration rejected: %v", err)
		httputil.WriteRetryableError(w, http.StatusBadRequest,
			fmt.Sprintf("calibration failed, previous calibration kept; please retry: %v", err))
	}

	cal := court.Calibration{ImagePoints: req.ImagePoints, CourtPoints: req.CourtPoints}
	if len(cal.CourtPoints) == 0 {
		ref, err := court.ReferencePoints(len(cal.ImagePoints))
		if err != nil {
			fail(err)
			return
		}
		cal.CourtPoints = ref
	}

	bounds := s.bounds
	if req.Bounds != nil {
		b, err := req.Bounds.bounds()
		if err != nil {
			fail(err)
			return
		}
		bounds = b
	}

	installed, err := s.store.SetCalibration(cal, bounds)
	if err != nil {
		fail(err)
		return
	}
	s.counters.Calibrations.Add(1)
	log.Printf("calibration v%d installed (rms %.3fm)", installed.Version, installed.RMSError)

	if s.db != nil {
		if err := s.db.RecordCalibration(installed); err != nil {
			log.Printf("failed to persist calibration v%d: %v", installed.Version, err)
		}
	}
	httputil.WriteJSONOK(w, installed)
}

// PositionRequest is the body of POST /api/position. Exactly one of Court
// and Image must be set.
type PositionRequest struct {
	Court *court.Point      `json:"court,omitempty"`
	Image *court.ImagePoint `json:"image,omitempty"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req PositionRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var (
		rec dispatch.Record
		err error
	)
	switch {
	case req.Court != nil && req.Image != nil:
		httputil.BadRequest(w, "set either court or image, not both")
		return
	case req.Court != nil:
		rec, err = s.dispatcher.OnPositionUpdate(*req.Court)
	case req.Image != nil:
		rec, err = s.dispatcher.OnImagePoint(*req.Image)
	default:
		httputil.BadRequest(w, "one of court or image is required")
		return
	}
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, rec)
		return
	}
	httputil.WriteJSONOK(w, rec)
}

// CommandRequest is the body of POST /api/command. Exactly one of Command
// and Text must be set. Commands are clamped before encoding.
type CommandRequest struct {
	Command *protocol.Command `json:"command,omitempty"`
	Text    string            `json:"text,omitempty"`
}

// CommandResponse echoes what was written to the launcher.
type CommandResponse struct {
	Command *protocol.Command `json:"command,omitempty"`
	Frame   string            `json:"frame,omitempty"`
	Text    string            `json:"text,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req CommandRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	switch {
	case req.Command != nil && req.Text != "":
		httputil.BadRequest(w, "set either command or text, not both")
	case req.Command != nil:
		cmd := req.Command.Clamp()
		frame := protocol.Encode(cmd)
		if err := s.link.SendFrame(frame.Bytes()); err != nil {
			s.counters.SendErrors.Add(1)
			httputil.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("send frame: %v", err))
			return
		}
		httputil.WriteJSONOK(w, CommandResponse{Command: &cmd, Frame: frame.String()})
	case req.Text != "":
		if err := s.link.SendCommand(req.Text); err != nil {
			s.counters.SendErrors.Add(1)
			httputil.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("send command: %v", err))
			return
		}
		httputil.WriteJSONOK(w, CommandResponse{Text: req.Text})
	default:
		httputil.BadRequest(w, "one of command or text is required")
	}
}

// ZoneInfo is one cell of the grid with the command aimed at it.
type ZoneInfo struct {
	ID      zone.ID          `json:"id"`
	Min     court.Point      `json:"min"`
	Max     court.Point      `json:"max"`
	Command protocol.Command `json:"command"`
	Mapped  bool             `json:"mapped"`
}

// ZonesResponse is the body of GET /api/zones. Unmapped grid zones use the
// fallback; Unreachable entries name zones outside the grid and are never
// dispatched.
type ZonesResponse struct {
	Grid        zone.Grid         `json:"grid"`
	Strategy    string            `json:"strategy"`
	Zones       []ZoneInfo        `json:"zones"`
	Fallback    protocol.Command  `json:"fallback"`
	Unmapped    []zone.ID         `json:"unmapped,omitempty"`
	Unreachable []zonetable.Entry `json:"unreachable,omitempty"`
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := ZonesResponse{
		Grid:     s.grid,
		Strategy: s.dispatcher.Strategy().Name(),
		Zones:    make([]ZoneInfo, 0, s.grid.Count()),
		Fallback: s.table.FallbackCommand(),
		Unmapped: s.table.Missing(s.grid),
	}
	for i := 0; i < s.grid.Count(); i++ {
		id := zone.ID(i)
		lo, hi, _ := s.grid.Bounds(id)
		resp.Zones = append(resp.Zones, ZoneInfo{ID: id, Min: lo, Max: hi, Command: s.table.FallbackCommand()})
	}
	for _, e := range s.table.Entries() {
		if int(e.Zone) >= s.grid.Count() {
			resp.Unreachable = append(resp.Unreachable, e)
			continue
		}
		resp.Zones[e.Zone].Command = e.Command
		resp.Zones[e.Zone].Mapped = true
	}
	httputil.WriteJSONOK(w, resp)
}

// OverlayResponse is the body of GET /api/overlay: the guide trapezoid a
// client draws so the operator can line the camera up with the court.
type OverlayResponse struct {
	Width   float64            `json:"width_px"`
	Height  float64            `json:"height_px"`
	Corners []court.ImagePoint `json:"corners"`
}

// handleOverlay serves the guide for the configured screen, or for the
// width and height query parameters when given.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	width, err := screenParam(r, "width", s.screenW)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	height, err := screenParam(r, "height", s.screenH)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, OverlayResponse{
		Width:   width,
		Height:  height,
		Corners: court.OverlayTrapezoid(width, height),
	})
}

func screenParam(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || !(f > 0) || math.IsInf(f, 1) {
		return 0, fmt.Errorf("invalid %s %q: expected a positive number of pixels", name, v)
	}
	return f, nil
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version        version.Info               `json:"version"`
	Uptime         string                     `json:"uptime"`
	Strategy       string                     `json:"strategy"`
	Calibration    *homography.Calibration    `json:"calibration,omitempty"`
	Counters       monitoring.CounterSnapshot `json:"counters"`
	LastDispatch   *dispatch.Record           `json:"last_dispatch,omitempty"`
	LastResponse   *serialmux.LastResponse    `json:"last_response,omitempty"`
	ResponseCounts map[string]int             `json:"response_counts,omitempty"`
	Link           *LinkSnapshot              `json:"link,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{
		Version:      version.Get(),
		Uptime:       s.clock.Since(s.started).Round(time.Second).String(),
		Strategy:     s.dispatcher.Strategy().Name(),
		Calibration:  s.store.Current(),
		Counters:     s.counters.Snapshot(),
		LastDispatch: s.dispatcher.Last(),
	}
	if s.responses != nil {
		resp.LastResponse = s.responses.Last()
	}
	if s.db != nil {
		counts, err := s.db.ResponseCounts()
		if err != nil {
			log.Printf("status: response counts: %v", err)
		} else {
			resp.ResponseCounts = counts
		}
	}
	if s.links != nil {
		snap := s.links.Snapshot()
		resp.Link = &snap
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "dispatch history requires a database")
		return
	}
	limit := db.DefaultDispatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	records, err := s.db.RecentDispatches(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load dispatches: %v", err))
		return
	}
	if records == nil {
		records = []dispatch.Record{}
	}
	httputil.WriteJSONOK(w, records)
}

func (s *Server) handleSerial(w http.ResponseWriter, r *http.Request) {
	if s.links == nil {
		httputil.NotFound(w, "launcher link is not reloadable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.links.Snapshot())
	case http.MethodPost:
		var req LinkReloadRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		result, err := s.links.Reload(r.Context(), req)
		if errors.Is(err, ErrInvalidLinkPath) {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err != nil {
			log.Printf("launcher link reload failed: %v", err)
			httputil.WriteJSON(w, http.StatusInternalServerError, LinkReloadResult{Success: false, Message: err.Error()})
			return
		}
		httputil.WriteJSONOK(w, result)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleSerialPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list serial ports: %v", err))
		return
	}
	if ports == nil {
		ports = []string{}
	}
	httputil.WriteJSONOK(w, map[string][]string{"ports": ports})
}
