package icm20948

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"sensorfuse/internal/i2c"
	"sensorfuse/internal/rotation"
	"sensorfuse/internal/sensors"
)

type BoardConfig struct {
	Bus     int
	Addr    uint16
	MagAddr uint16
	Options Options
}

type imuReader interface {
	Read() (Raw, error)
}

type magReader interface {
	Read() (x, y, z float64, err error)
}

// Board is an ICM-20948 breakout exposed as a sensors.Reader in SI units:
// m/s², rad/s and µT, with the magnetometer rotated into the accel/gyro
// frame.
type Board struct {
	imu   imuReader
	mag   magReader
	bus   *i2c.Bus
	clock func() int64

	mu     sync.Mutex
	magErr error
	closed bool
}

func Open(cfg BoardConfig) (*Board, error) {
	if cfg.Addr == 0 {
		cfg.Addr = DefaultAddress()
	}
	if cfg.MagAddr == 0 {
		cfg.MagAddr = DefaultMagAddress()
	}
	bus, err := i2c.OpenNumber(cfg.Bus)
	if err != nil {
		return nil, err
	}

	imu, err := New(bus.Dev(cfg.Addr), cfg.Options)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	b := &Board{imu: imu, bus: bus, clock: sensors.Monotonic}

	// The bypass mux is open now, so the magnetometer answers on the bus.
	mag, err := NewMagnetometer(bus.Dev(cfg.MagAddr))
	if err != nil {
		log.Printf("icm20948: magnetometer unavailable on %s: %v", bus, err)
	} else {
		b.mag = mag
	}
	log.Printf("icm20948: opened %s addr=0x%02X mag=%v", bus, cfg.Addr, b.mag != nil)
	return b, nil
}

// Mask reports which sensors this board provides.
func (b *Board) Mask() sensors.Mask {
	if b == nil || b.imu == nil {
		return 0
	}
	m := sensors.HasAccel | sensors.HasGyro
	if b.mag != nil {
		m |= sensors.HasMag
	}
	return m
}

// MaxRange is indexed by sensors.Kind.
func (b *Board) MaxRange() [3]float64 {
	return [3]float64{
		AccelRangeG * rotation.StandardGravity,
		GyroRangeDps * math.Pi / 180,
		MagRangeUT,
	}
}

func (b *Board) Read() (sensors.Reading, error) {
	if b == nil || b.imu == nil {
		return sensors.Reading{}, fmt.Errorf("icm20948: board is nil")
	}
	raw, err := b.imu.Read()
	if err != nil {
		return sensors.Reading{}, err
	}

	const degToRad = math.Pi / 180
	r := sensors.Reading{
		TimestampNs: b.clock(),
		Present:     sensors.HasAccel | sensors.HasGyro,
		Accel:       rotation.Vec3{X: raw.Ax, Y: raw.Ay, Z: raw.Az}.Scale(rotation.StandardGravity),
		Gyro:        rotation.Vec3{X: raw.Gx, Y: raw.Gy, Z: raw.Gz}.Scale(degToRad),
	}
	if b.mag == nil {
		return r, nil
	}

	mx, my, mz, err := b.mag.Read()
	b.noteMagErr(err)
	if err != nil {
		return r, nil
	}
	// AK09916 Y and Z point opposite to the accel/gyro axes.
	r.Mag = rotation.Vec3{X: mx, Y: -my, Z: -mz}
	r.Present |= sensors.HasMag
	return r, nil
}

func (b *Board) noteMagErr(err error) {
	if errors.Is(err, ErrMagNotReady) {
		return
	}
	b.mu.Lock()
	prev := b.magErr
	b.magErr = err
	b.mu.Unlock()
	if err != nil && (prev == nil || prev.Error() != err.Error()) {
		log.Printf("icm20948: magnetometer read failed: %v", err)
	}
}

func (b *Board) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.bus != nil {
		return b.bus.Close()
	}
	return nil
}
