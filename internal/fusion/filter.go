package fusion

import (
	"math"

	"sensorfuse/internal/rotation"
)

// FilterCoefficient is the weight given to the gyro-integrated estimate.
const FilterCoefficient = 0.98

// Complementary blends the gyro-integrated orientation with the direct
// accelerometer/magnetometer orientation, axis by axis.
func Complementary(gyro, accMag rotation.Orientation) rotation.Orientation {
	var out rotation.Orientation
	for i := range out {
		out[i] = blendAxis(gyro[i], accMag[i])
	}
	return out
}

// blendAxis handles the ±π seam: when the two estimates sit on opposite
// sides of it, the negative one is lifted by 2π before blending so that
// +179° and -179° do not average to 0°.
func blendAxis(gyro, direct float64) float64 {
	const a = FilterCoefficient
	switch {
	case gyro < -0.5*math.Pi && direct > 0:
		return wrapAbovePi(a*(gyro+2*math.Pi) + (1-a)*direct)
	case direct < -0.5*math.Pi && gyro > 0:
		return wrapAbovePi(a*gyro + (1-a)*(direct+2*math.Pi))
	default:
		return a*gyro + (1-a)*direct
	}
}

func wrapAbovePi(v float64) float64 {
	if v > math.Pi {
		return v - 2*math.Pi
	}
	return v
}
