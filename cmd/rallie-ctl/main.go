package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rallie-app/rallie/internal/api"
	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/courtplot"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/httputil"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/security"
	"github.com/rallie-app/rallie/internal/serialmux"
	"github.com/rallie-app/rallie/internal/version"
	"github.com/rallie-app/rallie/internal/zone"
)

var (
	server  = flag.String("server", "http://localhost:8080", "Base URL of the rallie server")
	timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := api.NewClient(*server, nil)
	if err := run(ctx, client, flag.Args(), os.Stdout); err != nil {
		var se *httputil.StatusError
		if errors.As(err, &se) && se.Retry {
			fmt.Fprintf(os.Stderr, "Error: %v (retry after adjusting the input)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`rallie-ctl - command-line client for the rallie launcher server

Usage: rallie-ctl [--server URL] <command> [options]

Commands:
  status                      Show server, calibration and link status
  zones                       Show the zone grid and the command aimed at each zone
  calibrate x,y x,y ...       Install a calibration from 4 or 8 image points
  position [--image] x y      Dispatch a court position (or a screen point with --image)
  command up low pitch yaw feed [control]
                              Send a raw launcher command (values are clamped)
  text <command>              Send a text command such as LEFT
  reload <port>               Switch the launcher link to another serial device
  plot -o court.png           Render recent dispatches on the court
  version                     Show rallie-ctl version
  help                        Show this help message

Examples:
  rallie-ctl calibrate 100,510 300,510 140,330 260,330
  rallie-ctl position 4.1 2.7
  rallie-ctl position --image 190 300
  rallie-ctl --server http://launcher.local:8080 reload /dev/ttyACM0`)
}

// run executes one command against client and writes its result to out.
func run(ctx context.Context, client *api.Client, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("missing command")
	}
	command, args := args[0], args[1:]

	switch command {
	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(out, st)
	case "zones":
		zones, err := client.Zones(ctx)
		if err != nil {
			return err
		}
		printZones(out, zones)
		return nil
	case "calibrate":
		return handleCalibrate(ctx, client, args, out)
	case "position":
		return handlePosition(ctx, client, args, out)
	case "command":
		return handleCommand(ctx, client, args, out)
	case "text":
		if len(args) != 1 {
			return errors.New("usage: text <command>")
		}
		if err := client.SendText(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %q\n", args[0])
		return nil
	case "reload":
		return handleReload(ctx, client, args, out)
	case "plot":
		return handlePlot(ctx, client, args, out)
	case "version":
		fmt.Fprintln(out, version.Get())
		return nil
	case "help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printStatus(out io.Writer, st *api.StatusResponse) error {
	fmt.Fprintf(out, "version:   %s\n", st.Version.Version)
	fmt.Fprintf(out, "uptime:    %s\n", st.Uptime)
	fmt.Fprintf(out, "strategy:  %s\n", st.Strategy)
	if st.Link != nil {
		port := st.Link.PortPath
		if port == "" {
			port = "(none)"
		}
		fmt.Fprintf(out, "link:      %s %s (%s)\n", port, st.Link.Options, st.Link.Source)
	}
	if st.Calibration != nil {
		fmt.Fprintf(out, "calibration: v%d, %d points, rms %.3fm\n",
			st.Calibration.Version, len(st.Calibration.ImagePoints), st.Calibration.RMSError)
	} else {
		fmt.Fprintln(out, "calibration: none (fallback only)")
	}
	if st.LastDispatch != nil {
		fmt.Fprintf(out, "last dispatch: %s at %s\n", describeDispatch(st.LastDispatch), st.LastDispatch.At.Format(time.RFC3339))
	}
	if st.LastResponse != nil {
		fmt.Fprintf(out, "last response: %s at %s\n", st.LastResponse.Response, st.LastResponse.At.Format(time.RFC3339))
	}
	counters, err := json.MarshalIndent(st.Counters, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "counters: %s\n", counters)
	return nil
}

func printZones(out io.Writer, zones *api.ZonesResponse) {
	fmt.Fprintf(out, "%d×%d grid over %.2fm × %.2fm, strategy %s\n",
		zones.Grid.Cols, zones.Grid.Rows, zones.Grid.Width, zones.Grid.Height, zones.Strategy)
	for _, z := range zones.Zones {
		mark := ""
		if !z.Mapped {
			mark = " (fallback)"
		}
		fmt.Fprintf(out, "  zone %2d  [%.2f,%.2f]-[%.2f,%.2f]  %s%s\n",
			z.ID, z.Min.X, z.Min.Y, z.Max.X, z.Max.Y, z.Command, mark)
	}
	fmt.Fprintf(out, "  fallback  %s\n", zones.Fallback)
	for _, e := range zones.Unreachable {
		fmt.Fprintf(out, "  %s is outside the grid, entry unused: %s\n", e.Zone, e.Command)
	}
}

// parsePoint parses "x,y".
func parsePoint(s string) (court.ImagePoint, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return court.ImagePoint{}, fmt.Errorf("point %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return court.ImagePoint{}, fmt.Errorf("point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return court.ImagePoint{}, fmt.Errorf("point %q: %w", s, err)
	}
	return court.ImagePoint{X: x, Y: y}, nil
}

func handleCalibrate(ctx context.Context, client *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	fs.SetOutput(out)
	tolerance := fs.Float64("tolerance", 0, "Bounds tolerance in pixels (negative disables the check)")
	mode := fs.String("mode", "", "Bounds mode: reject or clamp (empty skips the bounds check)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := api.CalibrationRequest{}
	for _, a := range fs.Args() {
		p, err := parsePoint(a)
		if err != nil {
			return err
		}
		req.ImagePoints = append(req.ImagePoints, p)
	}
	if len(req.ImagePoints) == 0 {
		return errors.New("usage: calibrate x,y x,y x,y x,y")
	}
	if *mode != "" {
		req.Bounds = &api.BoundsRequest{Tolerance: *tolerance, Mode: *mode}
	}

	cal, err := client.SetCalibration(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "calibration v%d installed (%s), rms %.3fm\n", cal.Version, cal.ID, cal.RMSError)
	return nil
}

func handlePosition(ctx context.Context, client *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("position", flag.ContinueOnError)
	fs.SetOutput(out)
	image := fs.Bool("image", false, "Treat x y as screen pixels instead of court metres")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: position [--image] x y")
	}
	x, err := strconv.ParseFloat(fs.Arg(0), 64)
	if err != nil {
		return fmt.Errorf("x: %w", err)
	}
	y, err := strconv.ParseFloat(fs.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("y: %w", err)
	}

	if *image {
		rec, err := client.PostImagePosition(ctx, court.ImagePoint{X: x, Y: y})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describeDispatch(rec))
		return nil
	}
	rec, err := client.PostCourtPosition(ctx, court.Point{X: x, Y: y})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, describeDispatch(rec))
	return nil
}

// describeDispatch summarises a record returned by the server. The encoded
// frame is not part of the JSON, so only the command is shown.
func describeDispatch(rec *dispatch.Record) string {
	var s string
	if rec.Kind == dispatch.KindText {
		s = fmt.Sprintf("%s: text %q", rec.Strategy, rec.Text)
	} else {
		s = fmt.Sprintf("%s: %s %s", rec.Strategy, rec.Zone, rec.Command)
	}
	if rec.Fallback {
		s += " fallback"
	}
	if rec.Reason != "" {
		s += " (" + rec.Reason + ")"
	}
	if rec.SendError != "" {
		s += " send failed: " + rec.SendError
	}
	return s
}

func handleCommand(ctx context.Context, client *api.Client, args []string, out io.Writer) error {
	if len(args) != 5 && len(args) != 6 {
		return errors.New("usage: command upper lower pitch yaw feed [control]")
	}
	vals := make([]int, 6)
	vals[5] = 1
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		vals[i] = n
	}
	cmd := protocol.Command{
		UpperWheelSpeed: vals[0],
		LowerWheelSpeed: vals[1],
		PitchAngle:      vals[2],
		YawAngle:        vals[3],
		FeedSpeed:       vals[4],
		ControlBit:      vals[5],
	}
	resp, err := client.SendCommand(ctx, cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s frame %s\n", resp.Command, resp.Frame)
	return nil
}

func handleReload(ctx context.Context, client *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	fs.SetOutput(out)
	baud := fs.Int("baud", 0, "Baud rate (default 115200)")
	parity := fs.String("parity", "", "Parity: N, E or O (default N)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: reload [--baud N] [--parity P] <port>")
	}
	// The server vets the path; a simulated launcher accepts any name.
	res, err := client.ReloadLink(ctx, api.LinkReloadRequest{
		PortPath: fs.Arg(0),
		Options:  serialmux.PortOptions{BaudRate: *baud, Parity: *parity},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Message)
	return nil
}

func handlePlot(ctx context.Context, client *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	fs.SetOutput(out)
	output := fs.String("o", "court.png", "Output file (.png, .svg or .pdf)")
	limit := fs.Int("limit", 50, "Number of recent dispatches to draw")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := security.ValidateOutputPath(*output); err != nil {
		return fmt.Errorf("output path: %w", err)
	}

	zones, err := client.Zones(ctx)
	if err != nil {
		return err
	}
	records, err := client.Dispatches(ctx, *limit)
	if err != nil {
		return err
	}

	opts := courtplot.Options{Title: "Recent dispatches", Grid: zones.Grid, Labels: true}
	// Records arrive newest first; the plot wants oldest first.
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Court != nil {
			opts.Positions = append(opts.Positions, *records[i].Court)
		}
	}
	if len(records) > 0 && records[0].Zone != zone.None {
		opts.Highlight = []zone.ID{records[0].Zone}
	}

	if err := courtplot.Save(*output, opts, 0, 0); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d positions to %s\n", len(opts.Positions), *output)
	return nil
}
