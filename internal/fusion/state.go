package fusion

import (
	"gonum.org/v1/gonum/num/quat"

	"sensorfuse/internal/rotation"
)

const ns2s = 1e-9

// state is everything the engine accumulates between Start and Stop.
// All access goes through Engine.mu.
type state struct {
	accel  rotation.Vec3
	magnet rotation.Vec3

	accMag     rotation.Orientation
	haveAccMag bool

	gyroMatrix      rotation.Matrix
	gyroOrientation rotation.Orientation
	timestampNs     int64
	haveTimestamp   bool
	// initState is set until the gyro integration has been anchored to the
	// first available accel/mag orientation.
	initState bool
	seeds     int
	// gyroSeen is set by the first gyro sample, usable or not.
	gyroSeen bool

	fused     rotation.Orientation
	haveFused bool
}

func newState() state {
	return state{
		gyroMatrix: rotation.Identity(),
		initState:  true,
	}
}

// updateAccMag recomputes the direct orientation from the latched
// acceleration and magnetic field. Degenerate geometry keeps the previous
// estimate.
func (st *state) updateAccMag() {
	m, ok := rotation.FromGravityMagnetic(st.accel, st.magnet)
	if !ok {
		return
	}
	st.accMag = rotation.ToOrientation(m)
	st.haveAccMag = true
}

// integrateGyro folds one angular-velocity sample into gyroMatrix.
// Samples are dropped until an accel/mag orientation exists to seed from.
// A gyroscope that first reports after accel/mag-only fusion has begun is
// already anchored by the reseed in fuse, so its seed leaves gyroMatrix alone.
func (st *state) integrateGyro(timestampNs int64, omega rotation.Vec3) {
	st.gyroSeen = true
	if !st.haveAccMag {
		return
	}

	if st.initState {
		if !st.haveFused {
			st.gyroMatrix = rotation.Mul(st.gyroMatrix, rotation.FromOrientation(st.accMag))
		}
		st.initState = false
		st.seeds++
	}

	delta := quat.Number{Real: 1}
	if st.haveTimestamp {
		dt := float64(timestampNs-st.timestampNs) * ns2s
		delta = rotation.GyroDelta(omega, dt)
	}
	st.timestampNs = timestampNs
	st.haveTimestamp = true

	st.gyroMatrix = rotation.Mul(st.gyroMatrix, rotation.FromQuaternion(delta))
	st.gyroOrientation = rotation.ToOrientation(st.gyroMatrix)
}

// fuse runs one complementary-filter step and pulls the gyro state back onto
// the fused result.
func (st *state) fuse() rotation.Orientation {
	fused := Complementary(st.gyroOrientation, st.accMag)
	st.gyroMatrix = rotation.FromOrientation(fused)
	st.gyroOrientation = fused
	st.fused = fused
	st.haveFused = true
	return fused
}
