package homography

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/timeutil"
)

// ErrNoCalibration is returned by Store.Project before any calibration has
// succeeded.
var ErrNoCalibration = errors.New("no calibration in force")

// Calibration is an immutable snapshot of a successful calibration. Readers
// obtain it from a Store and must not modify its slices.
type Calibration struct {
	ID          uuid.UUID          `json:"id"`
	Version     uint64             `json:"version"`
	Matrix      Matrix             `json:"matrix"`
	ImagePoints []court.ImagePoint `json:"image_points"`
	CourtPoints []court.Point      `json:"court_points"`
	Bounds      *Bounds            `json:"bounds,omitempty"`
	RMSError    float64            `json:"rms_error_m"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Project maps an image point through this calibration, applying its bounds.
func (c *Calibration) Project(p court.ImagePoint) (court.Point, error) {
	return ProjectWithin(p, c.Matrix, c.Bounds)
}

// Store holds the calibration currently in force. Replacement is a single
// atomic pointer swap so a reader sees either the previous or the next
// snapshot, never a mix. The last successful writer wins.
type Store struct {
	current atomic.Pointer[Calibration]
	clock   timeutil.Clock
}

// NewStore returns an empty store. A nil clock uses the real clock.
func NewStore(clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{clock: clock}
}

// Current returns the calibration in force, or nil.
func (s *Store) Current() *Calibration {
	return s.current.Load()
}

// SetCalibration computes a matrix from cal and, on success, installs it. On
// failure the previous calibration stays in force and the error wraps one of
// ErrInsufficientPoints or ErrDegenerate. Bounds without corners check
// against the perimeter of the calibration's own corner points.
func (s *Store) SetCalibration(cal court.Calibration, bounds *Bounds) (*Calibration, error) {
	m, err := Compute(cal.ImagePoints, cal.CourtPoints)
	if err != nil {
		return nil, err
	}
	rms, err := ReprojectionRMS(m, cal.ImagePoints, cal.CourtPoints)
	if err != nil {
		return nil, fmt.Errorf("%w: calibration points do not reproject: %v", ErrDegenerate, err)
	}

	next := &Calibration{
		ID:          uuid.New(),
		Matrix:      m,
		ImagePoints: append([]court.ImagePoint(nil), cal.ImagePoints...),
		CourtPoints: append([]court.Point(nil), cal.CourtPoints...),
		Bounds:      copyBounds(bounds),
		RMSError:    rms,
		CreatedAt:   s.clock.Now(),
	}
	s.install(next)
	return next, nil
}

// Restore installs a previously computed calibration, e.g. one loaded from
// the database at start-up. The snapshot is copied and given a new version.
// Bounds are completed as in SetCalibration.
func (s *Store) Restore(c *Calibration) {
	if c == nil {
		return
	}
	next := *c
	next.ImagePoints = append([]court.ImagePoint(nil), c.ImagePoints...)
	next.CourtPoints = append([]court.Point(nil), c.CourtPoints...)
	next.Bounds = copyBounds(c.Bounds)
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	s.install(&next)
}

func (s *Store) install(next *Calibration) {
	if next.Bounds != nil && len(next.Bounds.Corners) == 0 {
		next.Bounds.Corners = court.Perimeter(next.ImagePoints)
	}
	for {
		prev := s.current.Load()
		next.Version = 1
		if prev != nil {
			next.Version = prev.Version + 1
		}
		if s.current.CompareAndSwap(prev, next) {
			return
		}
	}
}

// Project maps p through the calibration in force.
func (s *Store) Project(p court.ImagePoint) (court.Point, error) {
	c := s.Current()
	if c == nil {
		return court.Point{}, ErrNoCalibration
	}
	return c.Project(p)
}

func copyBounds(b *Bounds) *Bounds {
	if b == nil {
		return nil
	}
	out := *b
	out.Corners = append([]court.ImagePoint(nil), b.Corners...)
	return &out
}
