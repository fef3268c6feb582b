package icm20948

import (
	"errors"
	"fmt"
	"time"

	"sensorfuse/internal/i2c"
)

// AK09916 magnetometer, reachable at its own address once the ICM-20948
// bypass mux is open.

const (
	magAddrDefault = 0x0C

	regMagWIA2  = 0x01
	magWIA2Val  = 0x09
	regMagST1   = 0x10
	bitMagDRDY  = 0x01
	regMagHXL   = 0x11 // HXL..HZH, TMPS, ST2
	regMagCNTL2 = 0x31
	regMagCNTL3 = 0x32
	bitMagSRST  = 0x01
	bitMagHOFL  = 0x08

	magModeCont100Hz = 0x08

	// MagScaleUT is µT per LSB.
	MagScaleUT = 0.15
	// MagRangeUT is the full-scale range.
	MagRangeUT = 4912.0
)

// ErrMagNotReady is returned when no new magnetometer sample is latched.
var ErrMagNotReady = errors.New("ak09916: no new data")

// ErrMagOverflow is returned when the sample saturated.
var ErrMagOverflow = errors.New("ak09916: magnetic sensor overflow")

type Magnetometer struct {
	dev regIO
}

func DefaultMagAddress() uint16 { return magAddrDefault }

func NewMagnetometer(dev *i2c.Dev) (*Magnetometer, error) {
	if dev == nil {
		return nil, fmt.Errorf("ak09916: dev is nil")
	}
	return newMagWithIO(dev)
}

func newMagWithIO(dev regIO) (*Magnetometer, error) {
	if dev == nil {
		return nil, fmt.Errorf("ak09916: dev is nil")
	}
	m := &Magnetometer{dev: dev}

	wia, err := dev.ReadRegU8(regMagWIA2)
	if err != nil {
		return nil, fmt.Errorf("ak09916: wia read failed: %w", err)
	}
	if wia != magWIA2Val {
		return nil, fmt.Errorf("ak09916: wia2=0x%02X want 0x%02X", wia, magWIA2Val)
	}
	if err := dev.WriteReg(regMagCNTL3, bitMagSRST); err != nil {
		return nil, fmt.Errorf("ak09916: reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := dev.WriteReg(regMagCNTL2, magModeCont100Hz); err != nil {
		return nil, fmt.Errorf("ak09916: mode set failed: %w", err)
	}
	return m, nil
}

// Read returns the latest field in µT in the chip's own axes. It returns
// ErrMagNotReady when nothing new has been measured.
func (m *Magnetometer) Read() (x, y, z float64, err error) {
	if m == nil {
		return 0, 0, 0, fmt.Errorf("ak09916: magnetometer is nil")
	}
	st1, err := m.dev.ReadRegU8(regMagST1)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("ak09916: st1 read failed: %w", err)
	}
	if st1&bitMagDRDY == 0 {
		return 0, 0, 0, ErrMagNotReady
	}

	// Reading through ST2 releases the data registers for the next sample.
	var buf [8]byte
	if err := m.dev.ReadReg(regMagHXL, buf[:]); err != nil {
		return 0, 0, 0, fmt.Errorf("ak09916: data read failed: %w", err)
	}
	if buf[7]&bitMagHOFL != 0 {
		return 0, 0, 0, ErrMagOverflow
	}

	hx := int16(buf[1])<<8 | int16(buf[0])
	hy := int16(buf[3])<<8 | int16(buf[2])
	hz := int16(buf[5])<<8 | int16(buf[4])
	return float64(hx) * MagScaleUT, float64(hy) * MagScaleUT, float64(hz) * MagScaleUT, nil
}
