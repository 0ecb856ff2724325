// Package pose is the boundary to the person detector. A detector reports at
// most one person per camera frame as a normalised bounding box; the aiming
// pipeline only needs the point where the person's feet meet the court.
package pose

import (
	"context"
	"fmt"
	"time"

	"github.com/rallie-app/rallie/internal/court"
)

// Normalized is a point in [0,1]×[0,1] with the origin at the bottom-left of
// the frame, the convention detectors report boxes in.
type Normalized struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is a normalised bounding box. (X, Y) is its bottom-left corner.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Foot returns the bottom-centre of the box.
func (b Box) Foot() Normalized {
	return Normalized{X: b.X + b.Width/2, Y: b.Y}
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// ToImage converts a normalised point into screen pixels of a width×height
// frame, flipping Y to a top-left origin.
func ToImage(n Normalized, width, height float64) court.ImagePoint {
	return court.ImagePoint{X: n.X * width, Y: (1 - n.Y) * height}
}

// Observation is the detector output for one camera frame. Detected is
// false when no person was found and Box is then meaningless.
type Observation struct {
	Frame     uint64    `json:"frame"`
	Timestamp time.Time `json:"ts"`
	Detected  bool      `json:"detected"`
	Box       Box       `json:"box"`
}

// FootPixel returns the foot position in screen pixels, or false when no
// person was detected.
func (o Observation) FootPixel(width, height float64) (court.ImagePoint, bool) {
	if !o.Detected || o.Box.Empty() {
		return court.ImagePoint{}, false
	}
	return ToImage(o.Box.Foot(), width, height), true
}

func (o Observation) String() string {
	if !o.Detected {
		return fmt.Sprintf("frame %d: no person", o.Frame)
	}
	return fmt.Sprintf("frame %d: box (%.3f,%.3f %.3fx%.3f)", o.Frame, o.Box.X, o.Box.Y, o.Box.Width, o.Box.Height)
}

// Oracle produces one observation per processed camera frame. The channel is
// closed when the source is exhausted or ctx is done.
type Oracle interface {
	Observations(ctx context.Context) <-chan Observation
}
