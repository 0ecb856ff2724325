package homography

import (
	"fmt"
	"math"
	"strings"

	"github.com/rallie-app/rallie/internal/court"
)

// BoundsMode selects what happens to an image point that falls outside the
// bounding quadrilateral by more than the tolerance.
type BoundsMode int

const (
	// BoundsReject fails the projection.
	BoundsReject BoundsMode = iota
	// BoundsClamp projects the nearest point on the quadrilateral instead.
	BoundsClamp
)

func (m BoundsMode) String() string {
	switch m {
	case BoundsReject:
		return "reject"
	case BoundsClamp:
		return "clamp"
	default:
		return fmt.Sprintf("BoundsMode(%d)", int(m))
	}
}

// ParseBoundsMode parses "reject" or "clamp". An empty string is reject.
func ParseBoundsMode(s string) (BoundsMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return BoundsReject, nil
	case "clamp":
		return BoundsClamp, nil
	default:
		return BoundsReject, fmt.Errorf("unknown bounds mode %q: expected reject or clamp", s)
	}
}

// Bounds is the on-screen validity region for detections, usually the
// calibration trapezoid. It is a heuristic: Tolerance (pixels) is how far
// outside the quadrilateral a point may lie before Mode applies. A negative
// tolerance disables the check.
type Bounds struct {
	Corners   []court.ImagePoint `json:"corners"`
	Tolerance float64            `json:"tolerance"`
	Mode      BoundsMode         `json:"mode"`
}

// Enabled reports whether the bounds describe a polygon and the check is on.
func (b Bounds) Enabled() bool {
	return len(b.Corners) >= 3 && b.Tolerance >= 0
}

// Contains reports whether p lies inside (or on) the polygon.
func (b Bounds) Contains(p court.ImagePoint) bool {
	inside := false
	n := len(b.Corners)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, c := b.Corners[i], b.Corners[j]
		if onSegment(p, a, c) {
			return true
		}
		if (a.Y > p.Y) != (c.Y > p.Y) {
			x := (c.X-a.X)*(p.Y-a.Y)/(c.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Nearest returns the closest point on the polygon boundary to p and the
// distance to it.
func (b Bounds) Nearest(p court.ImagePoint) (court.ImagePoint, float64) {
	best := court.ImagePoint{}
	bestDist := math.Inf(1)
	n := len(b.Corners)
	for i := 0; i < n; i++ {
		q := closestOnSegment(p, b.Corners[i], b.Corners[(i+1)%n])
		if d := math.Hypot(p.X-q.X, p.Y-q.Y); d < bestDist {
			best, bestDist = q, d
		}
	}
	return best, bestDist
}

// Distance is how far p lies outside the polygon; zero when inside.
func (b Bounds) Distance(p court.ImagePoint) float64 {
	if b.Contains(p) {
		return 0
	}
	_, d := b.Nearest(p)
	return d
}

// ProjectWithin projects p like Project after applying the bounds check. A
// nil or disabled Bounds skips the check.
func ProjectWithin(p court.ImagePoint, m Matrix, b *Bounds) (court.Point, error) {
	if b == nil || !b.Enabled() || !p.IsFinite() {
		return Project(p, m)
	}
	if b.Contains(p) {
		return Project(p, m)
	}
	nearest, dist := b.Nearest(p)
	if dist <= b.Tolerance {
		return Project(p, m)
	}
	switch b.Mode {
	case BoundsClamp:
		return Project(nearest, m)
	default:
		return court.Point{}, fmt.Errorf("%w: %v lies %.1fpx outside the calibration bounds (tolerance %.1fpx)",
			ErrProjectionFailed, p, dist, b.Tolerance)
	}
}

func closestOnSegment(p, a, b court.ImagePoint) court.ImagePoint {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return a
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return court.ImagePoint{X: a.X + t*dx, Y: a.Y + t*dy}
}

func onSegment(p, a, b court.ImagePoint) bool {
	q := closestOnSegment(p, a, b)
	return math.Hypot(p.X-q.X, p.Y-q.Y) < 1e-9
}

// MarshalText encodes the mode by name for JSON and YAML.
func (m BoundsMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (m *BoundsMode) UnmarshalText(text []byte) error {
	v, err := ParseBoundsMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
