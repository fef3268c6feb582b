package sensors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sensorfuse/internal/rotation"
)

type Kind int

const (
	Accelerometer Kind = iota
	Gyroscope
	Magnetometer
)

func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Gyroscope:
		return "gyroscope"
	case Magnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mask is a set of sensor kinds.
type Mask uint8

const (
	HasAccel Mask = 1 << Accelerometer
	HasGyro  Mask = 1 << Gyroscope
	HasMag   Mask = 1 << Magnetometer

	HasAll = HasAccel | HasGyro | HasMag
)

func (m Mask) Has(k Kind) bool { return m&(1<<k) != 0 }

// Sample is one timestamped reading from a single sensor.
// TimestampNs is monotonic nanoseconds; only differences are meaningful.
type Sample struct {
	Kind        Kind
	TimestampNs int64
	Values      rotation.Vec3
}

// Sink receives samples from a started Source. Implementations must not block.
type Sink func(Sample)

// Source is one raw sensor. Unsupported sources must never be started.
type Source interface {
	Kind() Kind
	Supported() bool
	// MaximumRange is the full-scale value in sensor-native units.
	MaximumRange() float64
	Start(rate Rate, sink Sink) error
	Stop() error
}

// Reading is one poll of a device that may carry several sensors.
type Reading struct {
	TimestampNs int64
	Present     Mask

	Accel rotation.Vec3
	Gyro  rotation.Vec3
	Mag   rotation.Vec3
}

func (r Reading) Value(k Kind) rotation.Vec3 {
	switch k {
	case Accelerometer:
		return r.Accel
	case Gyroscope:
		return r.Gyro
	default:
		return r.Mag
	}
}

// Reader is a pollable device.
type Reader interface {
	Read() (Reading, error)
}

// ErrNoData is returned by readers that have nothing new since the last poll.
var ErrNoData = errors.New("sensors: no new data")

// Rate selects both the source sampling interval and the fusion tick period.
type Rate int

const (
	RateNormal Rate = iota
	RateUI
	RateGame
	RateFastest
)

func (r Rate) String() string {
	switch r {
	case RateNormal:
		return "NORMAL"
	case RateUI:
		return "UI"
	case RateGame:
		return "GAME"
	case RateFastest:
		return "FASTEST"
	default:
		return fmt.Sprintf("Rate(%d)", int(r))
	}
}

func ParseRate(s string) (Rate, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL":
		return RateNormal, nil
	case "UI":
		return RateUI, nil
	case "GAME":
		return RateGame, nil
	case "FASTEST":
		return RateFastest, nil
	}
	return 0, fmt.Errorf("sensors: unknown rate %q", s)
}

func (r Rate) Valid() bool { return r >= RateNormal && r <= RateFastest }

// SamplingInterval is how often a source delivers samples at this rate.
func (r Rate) SamplingInterval() time.Duration {
	switch r {
	case RateUI:
		return 60 * time.Millisecond
	case RateGame:
		return 20 * time.Millisecond
	case RateFastest:
		return 5 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

// TickPeriod is the fusion tick period at this rate.
func (r Rate) TickPeriod() time.Duration {
	switch r {
	case RateUI:
		return 77 * time.Millisecond
	case RateGame:
		return 37 * time.Millisecond
	case RateFastest:
		return 16 * time.Millisecond
	default:
		return 224 * time.Millisecond
	}
}

var epoch = time.Now()

// Monotonic returns nanoseconds on the process monotonic clock.
func Monotonic() int64 {
	return int64(time.Since(epoch))
}
