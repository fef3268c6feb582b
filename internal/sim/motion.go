package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"sensorfuse/internal/rotation"
	"sensorfuse/internal/sensors"
)

// Profile yields the true device attitude at an elapsed time.
type Profile interface {
	AttitudeAt(elapsed time.Duration) rotation.Orientation
}

// Sweep is the default profile: a steady yaw rotation with pitch and roll
// sinusoids at unrelated periods so the attitude never repeats in lockstep.
type Sweep struct {
	YawPeriod   time.Duration
	PitchAmpDeg float64
	RollAmpDeg  float64
}

func (s Sweep) AttitudeAt(elapsed time.Duration) rotation.Orientation {
	period := s.YawPeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	phase := float64(elapsed%period) / float64(period)
	az := 2 * math.Pi * phase
	if az > math.Pi {
		az -= 2 * math.Pi
	}

	secs := elapsed.Seconds()
	pitchW := 2 * math.Pi / (period.Seconds() / 3)
	rollW := 2 * math.Pi / (period.Seconds() / 4)
	pitch := s.PitchAmpDeg * math.Pi / 180 * math.Sin(pitchW*secs)
	roll := s.RollAmpDeg * math.Pi / 180 * math.Sin(rollW*secs+0.5)
	return rotation.Orientation{az, pitch, roll}
}

// Field is the local geomagnetic field.
type Field struct {
	StrengthUT     float64
	InclinationDeg float64
}

// Motion turns a Profile into consistent accelerometer, gyroscope and
// magnetometer readings in device coordinates.
type Motion struct {
	Profile Profile
	Field   Field
	// GyroBiasDps is added to every gyroscope axis.
	GyroBiasDps float64
}

// world-frame (east, north, up) vectors seen by a device at rest.
func (m Motion) worldVectors() (gravity, field rotation.Vec3) {
	strength := m.Field.StrengthUT
	if strength == 0 {
		strength = 50
	}
	incl := m.Field.InclinationDeg
	if incl == 0 {
		incl = 60
	}
	sinI, cosI := math.Sincos(incl * math.Pi / 180)
	gravity = rotation.Vec3{Z: rotation.StandardGravity}
	field = rotation.Vec3{Y: strength * cosI, Z: -strength * sinI}
	return gravity, field
}

const gyroStep = time.Millisecond

// Truth returns a noise-free reading of all three sensors at elapsed.
func (m Motion) Truth(elapsed time.Duration) sensors.Reading {
	profile := m.Profile
	if profile == nil {
		profile = Sweep{}
	}

	r := rotation.FromOrientation(profile.AttitudeAt(elapsed))
	gravity, field := m.worldVectors()

	// Body rate from the relative rotation over a short central step, matching
	// how the fusion engine composes gyro deltas on the right.
	r0 := rotation.FromOrientation(profile.AttitudeAt(elapsed - gyroStep))
	r1 := rotation.FromOrientation(profile.AttitudeAt(elapsed + gyroStep))
	d := rotation.Mul(transpose(r0), r1)
	dt := (2 * gyroStep).Seconds()
	bias := m.GyroBiasDps * math.Pi / 180
	gyro := rotation.Vec3{
		X: (d[7]-d[5])/2/dt + bias,
		Y: (d[2]-d[6])/2/dt + bias,
		Z: (d[3]-d[1])/2/dt + bias,
	}

	return sensors.Reading{
		Present: sensors.HasAll,
		Accel:   mulT(r, gravity),
		Gyro:    gyro,
		Mag:     mulT(r, field),
	}
}

func transpose(m rotation.Matrix) rotation.Matrix {
	return rotation.Matrix{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// mulT returns mᵀ·v: a world-frame vector expressed in device coordinates.
func mulT(m rotation.Matrix, v rotation.Vec3) rotation.Vec3 {
	return rotation.Vec3{
		X: m[0]*v.X + m[3]*v.Y + m[6]*v.Z,
		Y: m[1]*v.X + m[4]*v.Y + m[7]*v.Z,
		Z: m[2]*v.X + m[5]*v.Y + m[8]*v.Z,
	}
}

// MaxRange is the full-scale range reported by a simulated device, indexed by
// sensors.Kind: ±4 g, ±2000 dps, ±4900 µT.
var MaxRange = [3]float64{
	4 * rotation.StandardGravity,
	2000 * math.Pi / 180,
	4900,
}

// Device is a sensors.Reader backed by a Motion running in real time.
type Device struct {
	motion Motion
	noise  float64
	clock  func() int64
	start  int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDevice starts the motion clock. noise scales gaussian sensor noise;
// 0 gives clean readings. Equal seeds produce equal noise sequences.
func NewDevice(m Motion, noise float64, seed int64) *Device {
	d := &Device{
		motion: m,
		noise:  noise,
		clock:  sensors.Monotonic,
		rng:    rand.New(rand.NewSource(seed)),
	}
	d.start = d.clock()
	return d
}

func (d *Device) Read() (sensors.Reading, error) {
	now := d.clock()
	r := d.motion.Truth(time.Duration(now - d.start))
	r.TimestampNs = now
	if d.noise <= 0 {
		return r, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	r.Accel = d.jitter(r.Accel, 0.05*d.noise)
	r.Gyro = d.jitter(r.Gyro, 0.002*d.noise)
	r.Mag = d.jitter(r.Mag, 0.5*d.noise)
	return r, nil
}

func (d *Device) jitter(v rotation.Vec3, sigma float64) rotation.Vec3 {
	return rotation.Vec3{
		X: v.X + d.rng.NormFloat64()*sigma,
		Y: v.Y + d.rng.NormFloat64()*sigma,
		Z: v.Z + d.rng.NormFloat64()*sigma,
	}
}
