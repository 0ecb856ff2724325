// Package court defines the two coordinate spaces used by the aiming
// pipeline and the fixed court-space contract that calibrations map into.
//
// Image space is screen pixels with the origin at the top-left corner.
// Court space is meters on the court surface: the origin is where the near
// service line meets the left singles sideline, X runs along the service
// line toward the right sideline and Y runs from the service line toward the
// baseline.
package court

import (
	"errors"
	"fmt"
	"math"
)

const (
	// SinglesWidth is the distance between the singles sidelines in meters.
	SinglesWidth = 8.23
	// ServiceDepth is the distance from the service line to the baseline.
	ServiceDepth = 5.49
	// AlleyWidth is the doubles alley width outside each singles sideline.
	AlleyWidth = 1.37
)

// Point is a position on the court surface in meters.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// ImagePoint is a position in screen pixels, origin top-left.
type ImagePoint struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (p Point) String() string      { return fmt.Sprintf("(%.3fm, %.3fm)", p.X, p.Y) }
func (p ImagePoint) String() string { return fmt.Sprintf("(%.1fpx, %.1fpx)", p.X, p.Y) }

// IsFinite reports whether both coordinates are finite numbers.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// IsFinite reports whether both coordinates are finite numbers.
func (p ImagePoint) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

var (
	ErrPointCountMismatch = errors.New("image and court point counts differ")
	ErrTooFewPoints       = errors.New("calibration needs at least 4 point pairs")
)

// Calibration pairs on-screen landmarks with their court reference points.
// Pairs are matched by index, never by proximity.
type Calibration struct {
	ImagePoints []ImagePoint `json:"image_points" yaml:"image_points"`
	CourtPoints []Point      `json:"court_points" yaml:"court_points"`
}

// Validate checks the structural invariants of the calibration.
func (c Calibration) Validate() error {
	if len(c.ImagePoints) != len(c.CourtPoints) {
		return fmt.Errorf("%w: %d image, %d court", ErrPointCountMismatch, len(c.ImagePoints), len(c.CourtPoints))
	}
	if len(c.ImagePoints) < 4 {
		return fmt.Errorf("%w: got %d", ErrTooFewPoints, len(c.ImagePoints))
	}
	return nil
}

// ReferencePoints returns the canonical court landmarks for a 4 or 8 point
// calibration. The first four are the corners of the service-line-to-baseline
// half court. The extra four are the centre service T, the baseline centre
// mark and the two doubles baseline corners.
func ReferencePoints(n int) ([]Point, error) {
	corners := []Point{
		{X: 0, Y: 0},                       // near left, service line
		{X: SinglesWidth, Y: 0},            // near right, service line
		{X: 0, Y: ServiceDepth},            // far left, baseline
		{X: SinglesWidth, Y: ServiceDepth}, // far right, baseline
	}
	switch n {
	case 4:
		return corners, nil
	case 8:
		return append(corners,
			Point{X: SinglesWidth / 2, Y: 0},
			Point{X: SinglesWidth / 2, Y: ServiceDepth},
			Point{X: -AlleyWidth, Y: ServiceDepth},
			Point{X: SinglesWidth + AlleyWidth, Y: ServiceDepth},
		), nil
	default:
		return nil, fmt.Errorf("unsupported reference point count %d: expected 4 or 8", n)
	}
}

// DefaultImagePoints are the fixed on-screen positions of the four corner
// landmarks used before the operator drags them into place.
func DefaultImagePoints() []ImagePoint {
	return []ImagePoint{
		{X: 120, Y: 450},
		{X: 260, Y: 450},
		{X: 140, Y: 150},
		{X: 240, Y: 150},
	}
}

// DefaultCalibration pairs DefaultImagePoints with the four corner references.
func DefaultCalibration() Calibration {
	ref, _ := ReferencePoints(4)
	return Calibration{ImagePoints: DefaultImagePoints(), CourtPoints: ref}
}

// Perimeter walks the four corner landmarks of a calibration around the
// court: near-left, near-right, far-right, far-left. It returns nil for fewer
// than four points.
func Perimeter(imagePoints []ImagePoint) []ImagePoint {
	if len(imagePoints) < 4 {
		return nil
	}
	return []ImagePoint{imagePoints[0], imagePoints[1], imagePoints[3], imagePoints[2]}
}

// OverlayTrapezoid returns the on-screen guide quadrilateral for a screen of
// the given size, ordered near-left, near-right, far-right, far-left.
func OverlayTrapezoid(screenWidth, screenHeight float64) []ImagePoint {
	topY := screenHeight * 0.55
	bottomY := screenHeight * 0.85
	topInset := screenWidth * 0.25
	bottomInset := screenWidth * 0.15

	return []ImagePoint{
		{X: bottomInset, Y: bottomY},
		{X: screenWidth - bottomInset, Y: bottomY},
		{X: screenWidth - topInset, Y: topY},
		{X: topInset, Y: topY},
	}
}
