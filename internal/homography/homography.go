// Package homography computes planar projective transforms from screen
// pixels to court meters and projects detected positions through them.
//
// Matrices are solved with the normalised direct linear transform: both
// point sets are conditioned (centroid at the origin, mean distance sqrt(2))
// and the stacked 2N×9 system is solved with an SVD. Four pairs give the
// exact transform; more pairs give the least-squares fit.
package homography

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rallie-app/rallie/internal/court"
)

var (
	// ErrInsufficientPoints is returned when the point lists differ in
	// length or hold fewer than four pairs.
	ErrInsufficientPoints = errors.New("insufficient calibration points")
	// ErrDegenerate is returned when the points cannot define a unique,
	// invertible transform.
	ErrDegenerate = errors.New("degenerate homography")
	// ErrProjectionFailed is returned when a point maps to infinity or is
	// rejected by the bounds check.
	ErrProjectionFailed = errors.New("projection failed")
)

const (
	// Epsilon bounds |w'| below which a projected point is treated as lying
	// on the line at infinity.
	Epsilon = 1e-12

	// rankTolerance is the smallest ratio of the eighth to the first singular
	// value accepted for the conditioned system.
	rankTolerance = 1e-9

	// detTolerance is the smallest |det| accepted for the conditioned,
	// unit-norm solution.
	detTolerance = 1e-9

	// collinearTolerance bounds the normalised triangle area under which three
	// conditioned points are treated as collinear.
	collinearTolerance = 1e-9
)

// Matrix is a row-major 3×3 projective transform. It is a value type and is
// safe to share between goroutines.
type Matrix [9]float64

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Det returns the determinant of the matrix.
func (m Matrix) Det() float64 {
	return mat.Det(mat.NewDense(3, 3, m[:]))
}

// normalise scales the matrix so that the bottom-right coefficient is 1, or
// to unit Frobenius norm when that coefficient is (near) zero.
func (m Matrix) normalise() Matrix {
	if math.Abs(m[8]) > Epsilon {
		s := m[8]
		for i := range m {
			m[i] /= s
		}
		return m
	}
	var norm float64
	for _, v := range m {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return m
	}
	for i := range m {
		m[i] /= norm
	}
	return m
}

// Inverse returns the inverse transform (court meters to screen pixels).
func (m Matrix) Inverse() (Matrix, error) {
	det := m.Det()
	if math.Abs(det) <= Epsilon || math.IsNaN(det) {
		return Matrix{}, fmt.Errorf("%w: matrix is singular (det=%g)", ErrDegenerate, det)
	}
	// adjugate / det
	inv := Matrix{
		m[4]*m[8] - m[5]*m[7],
		m[2]*m[7] - m[1]*m[8],
		m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8],
		m[0]*m[8] - m[2]*m[6],
		m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6],
		m[1]*m[6] - m[0]*m[7],
		m[0]*m[4] - m[1]*m[3],
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv.normalise(), nil
}

// apply maps (x, y) through m and returns the homogeneous result.
func (m Matrix) apply(x, y float64) (float64, float64, float64) {
	return m[0]*x + m[1]*y + m[2],
		m[3]*x + m[4]*y + m[5],
		m[6]*x + m[7]*y + m[8]
}

// Compute solves for the transform H with courtPoints[i] ≈ H·imagePoints[i].
// Image points are screen pixels; court points are meters.
func Compute(imagePoints []court.ImagePoint, courtPoints []court.Point) (Matrix, error) {
	n := len(imagePoints)
	if n != len(courtPoints) {
		return Matrix{}, fmt.Errorf("%w: %d image points, %d court points", ErrInsufficientPoints, n, len(courtPoints))
	}
	if n < 4 {
		return Matrix{}, fmt.Errorf("%w: need at least 4 pairs, got %d", ErrInsufficientPoints, n)
	}

	src := make([]vec2, n)
	dst := make([]vec2, n)
	for i := range imagePoints {
		if !imagePoints[i].IsFinite() || !courtPoints[i].IsFinite() {
			return Matrix{}, fmt.Errorf("%w: pair %d is not finite", ErrDegenerate, i)
		}
		src[i] = vec2{imagePoints[i].X, imagePoints[i].Y}
		dst[i] = vec2{courtPoints[i].X, courtPoints[i].Y}
	}
	if i, j, ok := firstRepeat(src); ok {
		return Matrix{}, fmt.Errorf("%w: image points %d and %d coincide", ErrDegenerate, i, j)
	}
	if i, j, ok := firstRepeat(dst); ok {
		return Matrix{}, fmt.Errorf("%w: court points %d and %d coincide", ErrDegenerate, i, j)
	}

	srcN, srcT, err := condition(src)
	if err != nil {
		return Matrix{}, err
	}
	dstN, dstT, err := condition(dst)
	if err != nil {
		return Matrix{}, err
	}
	if n == 4 {
		if collinearTriple(srcN) || collinearTriple(dstN) {
			return Matrix{}, fmt.Errorf("%w: three of the four points are collinear", ErrDegenerate)
		}
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := srcN[i].x, srcN[i].y
		u, v := dstN[i].x, dstN[i].y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Matrix{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerate)
	}
	values := svd.Values(nil)
	if len(values) < 8 || values[0] == 0 || values[7]/values[0] < rankTolerance {
		return Matrix{}, fmt.Errorf("%w: point configuration does not constrain the transform", ErrDegenerate)
	}

	var v mat.Dense
	svd.VTo(&v)
	var hn Matrix
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}
	if det := hn.Det(); math.Abs(det) < detTolerance {
		return Matrix{}, fmt.Errorf("%w: transform is singular (det=%g)", ErrDegenerate, det)
	}

	// H = T_dst⁻¹ · Hn · T_src
	var tmp, h mat.Dense
	tmp.Mul(mat.NewDense(3, 3, hn[:]), srcT.dense())
	h.Mul(dstT.inverse(), &tmp)

	var out Matrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = h.At(r, c)
		}
	}
	for _, c := range out {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return Matrix{}, fmt.Errorf("%w: non-finite coefficient", ErrDegenerate)
		}
	}
	return out.normalise(), nil
}

// Project maps an image point through m into court meters.
func Project(p court.ImagePoint, m Matrix) (court.Point, error) {
	if !p.IsFinite() {
		return court.Point{}, fmt.Errorf("%w: input %v is not finite", ErrProjectionFailed, p)
	}
	x, y, w := m.apply(p.X, p.Y)
	if math.Abs(w) <= Epsilon {
		return court.Point{}, fmt.Errorf("%w: %v maps to infinity", ErrProjectionFailed, p)
	}
	out := court.Point{X: x / w, Y: y / w}
	if !out.IsFinite() {
		return court.Point{}, fmt.Errorf("%w: %v maps to a non-finite point", ErrProjectionFailed, p)
	}
	return out, nil
}

// ProjectCourt maps a court point back to screen pixels through the inverse
// of m.
func ProjectCourt(p court.Point, m Matrix) (court.ImagePoint, error) {
	inv, err := m.Inverse()
	if err != nil {
		return court.ImagePoint{}, err
	}
	x, y, w := inv.apply(p.X, p.Y)
	if math.Abs(w) <= Epsilon {
		return court.ImagePoint{}, fmt.Errorf("%w: %v maps to infinity", ErrProjectionFailed, p)
	}
	return court.ImagePoint{X: x / w, Y: y / w}, nil
}

// ReprojectionRMS returns the root-mean-square court-space distance between
// each projected image point and its paired court point.
func ReprojectionRMS(m Matrix, imagePoints []court.ImagePoint, courtPoints []court.Point) (float64, error) {
	if len(imagePoints) != len(courtPoints) || len(imagePoints) == 0 {
		return 0, ErrInsufficientPoints
	}
	var sum float64
	for i, ip := range imagePoints {
		p, err := Project(ip, m)
		if err != nil {
			return 0, err
		}
		dx, dy := p.X-courtPoints[i].X, p.Y-courtPoints[i].Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(imagePoints))), nil
}

type vec2 struct{ x, y float64 }

type conditioner struct{ s, cx, cy float64 }

// dense returns the similarity transform as a 3×3 matrix.
func (c conditioner) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c.s, 0, -c.s * c.cx,
		0, c.s, -c.s * c.cy,
		0, 0, 1,
	})
}

func (c conditioner) inverse() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 / c.s, 0, c.cx,
		0, 1 / c.s, c.cy,
		0, 0, 1,
	})
}

// condition translates the points to their centroid and scales them to a
// mean distance of sqrt(2).
func condition(pts []vec2) ([]vec2, conditioner, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.x
		cy += p.y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.x-cx, p.y-cy)
	}
	mean /= float64(len(pts))
	if mean == 0 {
		return nil, conditioner{}, fmt.Errorf("%w: all points coincide", ErrDegenerate)
	}

	c := conditioner{s: math.Sqrt2 / mean, cx: cx, cy: cy}
	out := make([]vec2, len(pts))
	for i, p := range pts {
		out[i] = vec2{(p.x - cx) * c.s, (p.y - cy) * c.s}
	}
	return out, c, nil
}

func firstRepeat(pts []vec2) (int, int, bool) {
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			if pts[i] == pts[j] {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// collinearTriple reports whether any three of the (conditioned) points are
// collinear.
func collinearTriple(pts []vec2) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				a, b, c := pts[i], pts[j], pts[k]
				area := (b.x-a.x)*(c.y-a.y) - (b.y-a.y)*(c.x-a.x)
				if math.Abs(area) < collinearTolerance {
					return true
				}
			}
		}
	}
	return false
}
