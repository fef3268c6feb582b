package rotation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Vec3 is a raw sensor vector in sensor-native units
// (m/s² for acceleration, rad/s for angular velocity, µT for magnetic field).
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

func (v Vec3) Scale(k float64) Vec3 { return Vec3{v.X * k, v.Y * k, v.Z * k} }

// Orientation is {azimuth, pitch, roll} in radians.
// Azimuth rotates about Z, pitch about X, roll about Y.
type Orientation [3]float64

const (
	Azimuth = 0
	Pitch   = 1
	Roll    = 2
)

// Degrees converts all three axes without any range normalization.
func (o Orientation) Degrees() [3]float64 {
	return [3]float64{o[0] * 180 / math.Pi, o[1] * 180 / math.Pi, o[2] * 180 / math.Pi}
}

// FromDegrees is the inverse of Degrees.
func FromDegrees(azimuth, pitch, roll float64) Orientation {
	return Orientation{azimuth * math.Pi / 180, pitch * math.Pi / 180, roll * math.Pi / 180}
}

// Matrix is a row-major 3x3 rotation matrix.
type Matrix [9]float64

func Identity() Matrix {
	return Matrix{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// Mul returns a*b.
func Mul(a, b Matrix) Matrix {
	return Matrix{
		a[0]*b[0] + a[1]*b[3] + a[2]*b[6],
		a[0]*b[1] + a[1]*b[4] + a[2]*b[7],
		a[0]*b[2] + a[1]*b[5] + a[2]*b[8],

		a[3]*b[0] + a[4]*b[3] + a[5]*b[6],
		a[3]*b[1] + a[4]*b[4] + a[5]*b[7],
		a[3]*b[2] + a[4]*b[5] + a[5]*b[8],

		a[6]*b[0] + a[7]*b[3] + a[8]*b[6],
		a[6]*b[1] + a[7]*b[4] + a[8]*b[7],
		a[6]*b[2] + a[7]*b[5] + a[8]*b[8],
	}
}

// FromOrientation builds the rotation for an orientation triple.
// Rotation order is roll (Y), then pitch (X), then azimuth (Z).
func FromOrientation(o Orientation) Matrix {
	sinX, cosX := math.Sincos(o[Pitch])
	sinY, cosY := math.Sincos(o[Roll])
	sinZ, cosZ := math.Sincos(o[Azimuth])

	xM := Matrix{
		1, 0, 0,
		0, cosX, sinX,
		0, -sinX, cosX,
	}
	yM := Matrix{
		cosY, 0, sinY,
		0, 1, 0,
		-sinY, 0, cosY,
	}
	zM := Matrix{
		cosZ, sinZ, 0,
		-sinZ, cosZ, 0,
		0, 0, 1,
	}
	return Mul(zM, Mul(xM, yM))
}

// StandardGravity in m/s².
const StandardGravity = 9.80665

const (
	freeFallGravitySquared = 0.01 * StandardGravity * StandardGravity
	minHorizontalNorm      = 0.1
)

// FromGravityMagnetic computes the device-to-world rotation from a gravity
// vector and a geomagnetic vector, both in the device frame. Rows are east,
// north and up. ok is false when the device is in free fall or the two
// vectors are too close to parallel to resolve a heading.
func FromGravityMagnetic(gravity, geomagnetic Vec3) (m Matrix, ok bool) {
	normsqA := gravity.Dot(gravity)
	if normsqA < freeFallGravitySquared {
		return Matrix{}, false
	}
	h := geomagnetic.Cross(gravity)
	normH := h.Norm()
	if normH < minHorizontalNorm {
		return Matrix{}, false
	}
	h = h.Scale(1 / normH)
	a := gravity.Scale(1 / math.Sqrt(normsqA))
	n := a.Cross(h)
	return Matrix{
		h.X, h.Y, h.Z,
		n.X, n.Y, n.Z,
		a.X, a.Y, a.Z,
	}, true
}

// ToOrientation decomposes a rotation matrix into {azimuth, pitch, roll}.
func ToOrientation(m Matrix) Orientation {
	return Orientation{
		math.Atan2(m[1], m[4]),
		math.Asin(clamp1(-m[7])),
		math.Atan2(-m[6], m[8]),
	}
}

// asin is undefined just outside [-1, 1]; accumulated gyro matrices can
// drift there by an ulp or two.
func clamp1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// FromQuaternion converts a unit quaternion into a rotation matrix. Column j
// is basis vector j rotated by q, i.e. q·e_j·q*.
func FromQuaternion(q quat.Number) Matrix {
	var m Matrix
	qc := quat.Conj(q)
	for j, e := range [3]quat.Number{{Imag: 1}, {Jmag: 1}, {Kmag: 1}} {
		r := quat.Mul(quat.Mul(q, e), qc)
		m[j], m[3+j], m[6+j] = r.Imag, r.Jmag, r.Kmag
	}
	return m
}

// Epsilon is the smallest angular speed (rad/s) treated as a real rotation.
const Epsilon = 1e-9

// GyroDelta integrates one gyroscope sample over dt seconds into a delta
// rotation quaternion, exp(ω·dt/2). Below Epsilon the result is the identity.
func GyroDelta(omega Vec3, dt float64) quat.Number {
	if omega.Norm() <= Epsilon {
		return quat.Number{Real: 1}
	}
	h := omega.Scale(dt / 2)
	return quat.Exp(quat.Number{Imag: h.X, Jmag: h.Y, Kmag: h.Z})
}
