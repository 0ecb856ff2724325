// Package courtplot renders the service-line-to-baseline half court with
// its zone grid and recent player positions.
package courtplot

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/zone"
)

// Default image size.
const (
	DefaultWidth  = 6 * vg.Inch
	DefaultHeight = 5 * vg.Inch
)

var (
	lineColor      = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	gridColor      = color.RGBA{R: 120, G: 120, B: 200, A: 255}
	highlightColor = color.RGBA{R: 255, G: 170, B: 0, A: 110}
	pointColor     = color.RGBA{R: 0, G: 130, B: 80, A: 200}
	latestColor    = color.RGBA{R: 220, G: 30, B: 30, A: 255}
)

// Options describes what to draw.
type Options struct {
	Title string
	Grid  zone.Grid
	// Positions are drawn oldest first; the last one is emphasised.
	Positions []court.Point
	// Highlight lists zones to shade.
	Highlight []zone.ID
	// Labels prints each zone's index at its centre.
	Labels bool
}

// New builds the court plot.
func New(opts Options) (*plot.Plot, error) {
	if err := opts.Grid.Validate(); err != nil {
		return nil, err
	}
	g := opts.Grid

	p := plot.New()
	p.Title.Text = opts.Title
	if p.Title.Text == "" {
		p.Title.Text = "Court zones"
	}
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m, service line to baseline)"

	// Keep the doubles alleys in view when the grid covers the singles court.
	minX, maxX := 0.0, g.Width
	if g.Width == court.SinglesWidth {
		minX, maxX = -court.AlleyWidth, court.SinglesWidth+court.AlleyWidth
	}
	const margin = 0.5
	p.X.Min, p.X.Max = minX-margin, maxX+margin
	p.Y.Min, p.Y.Max = -margin, g.Height+margin

	for _, id := range opts.Highlight {
		lo, hi, ok := g.Bounds(id)
		if !ok {
			return nil, fmt.Errorf("highlight %v is not on a %d×%d grid", id, g.Cols, g.Rows)
		}
		poly, err := plotter.NewPolygon(plotter.XYs{
			{X: lo.X, Y: lo.Y}, {X: hi.X, Y: lo.Y}, {X: hi.X, Y: hi.Y}, {X: lo.X, Y: hi.Y},
		})
		if err != nil {
			return nil, err
		}
		poly.Color = highlightColor
		poly.LineStyle.Width = 0
		p.Add(poly)
	}

	for i := 1; i < g.Cols; i++ {
		x := g.Width * float64(i) / float64(g.Cols)
		if err := addSegment(p, x, 0, x, g.Height, gridColor, true); err != nil {
			return nil, err
		}
	}
	for j := 1; j < g.Rows; j++ {
		y := g.Height * float64(j) / float64(g.Rows)
		if err := addSegment(p, 0, y, g.Width, y, gridColor, true); err != nil {
			return nil, err
		}
	}

	outline, err := plotter.NewLine(plotter.XYs{
		{X: 0, Y: 0}, {X: g.Width, Y: 0}, {X: g.Width, Y: g.Height}, {X: 0, Y: g.Height}, {X: 0, Y: 0},
	})
	if err != nil {
		return nil, err
	}
	outline.Color = lineColor
	outline.Width = vg.Points(2)
	p.Add(outline)

	if g.Width == court.SinglesWidth {
		for _, x := range []float64{-court.AlleyWidth, court.SinglesWidth + court.AlleyWidth} {
			if err := addSegment(p, x, 0, x, g.Height, lineColor, false); err != nil {
				return nil, err
			}
		}
		// Baseline centre mark.
		if err := addSegment(p, g.Width/2, g.Height, g.Width/2, g.Height-0.1, lineColor, false); err != nil {
			return nil, err
		}
	}

	if opts.Labels {
		var xys plotter.XYs
		var labels []string
		for id := zone.ID(0); int(id) < g.Count(); id++ {
			lo, hi, _ := g.Bounds(id)
			xys = append(xys, plotter.XY{X: (lo.X + hi.X) / 2, Y: (lo.Y + hi.Y) / 2})
			labels = append(labels, fmt.Sprint(int(id)))
		}
		l, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
		if err != nil {
			return nil, err
		}
		p.Add(l)
	}

	if err := addPositions(p, opts.Positions); err != nil {
		return nil, err
	}
	return p, nil
}

func addSegment(p *plot.Plot, x0, y0, x1, y1 float64, c color.Color, dashed bool) error {
	l, err := plotter.NewLine(plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y1}})
	if err != nil {
		return err
	}
	l.Color = c
	l.Width = vg.Points(1)
	if dashed {
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	}
	p.Add(l)
	return nil
}

func addPositions(p *plot.Plot, positions []court.Point) error {
	var pts plotter.XYs
	for _, pos := range positions {
		if pos.IsFinite() {
			pts = append(pts, plotter.XY{X: pos.X, Y: pos.Y})
		}
	}
	if len(pts) == 0 {
		return nil
	}

	if len(pts) > 1 {
		trail, err := plotter.NewScatter(pts[:len(pts)-1])
		if err != nil {
			return err
		}
		trail.GlyphStyle.Color = pointColor
		trail.GlyphStyle.Radius = vg.Points(2.5)
		trail.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(trail)
		p.Legend.Add("recent", trail)
	}

	latest, err := plotter.NewScatter(pts[len(pts)-1:])
	if err != nil {
		return err
	}
	latest.GlyphStyle.Color = latestColor
	latest.GlyphStyle.Radius = vg.Points(5)
	latest.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(latest)
	p.Legend.Add("latest", latest)
	p.Legend.Top = true
	return nil
}

// ErrUnsupportedFormat is returned by Write for formats gonum/plot cannot
// produce.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Write renders the plot to w in format ("png", "svg", "pdf", ...) at the
// given size. Zero sizes use the defaults.
func Write(w io.Writer, opts Options, format string, width, height vg.Length) error {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	p, err := New(opts)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, format)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrUnsupportedFormat, format, err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// WritePNG renders the plot as a PNG at the default size.
func WritePNG(w io.Writer, opts Options) error {
	return Write(w, opts, "png", 0, 0)
}

// Save writes the plot to path; the format follows the file extension.
func Save(path string, opts Options, width, height vg.Length) error {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	p, err := New(opts)
	if err != nil {
		return err
	}
	return p.Save(width, height, path)
}
