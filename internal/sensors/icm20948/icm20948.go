package icm20948

import (
	"fmt"
	"time"

	"sensorfuse/internal/i2c"
)

var sleep = time.Sleep

// ICM-20948 accel/gyro driver.
//
// WHO_AM_I at 0x00 should return 0xEA. The on-chip AK09916 magnetometer is
// reached through the I2C bypass mux (see ak09916.go).

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	regPwrMgmt1   = 0x06
	regPwrMgmt2   = 0x07
	bitReset      = 0x80
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	bitIntLatch   = 0x20
	regIntEnable1 = 0x11
	bitRawRdyEn   = 0x01
	regAccelXoutH = 0x2D // contiguous accel+gyro block

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// FS_SEL lives in bits [2:1]; bit 0 enables the DLPF.
	fsGyro500dps = 0x01 << 1
	fsAccel4g    = 0x01 << 1
	dlpfEnable   = 0x01

	baseRateHz = 1125.0
)

// Raw is one accel+gyro sample in sensor units.
type Raw struct {
	// Accel in G.
	Ax, Ay, Az float64
	// Gyro in deg/s.
	Gx, Gy, Gz float64
}

type Options struct {
	// SampleRateHz is the output data rate; 0 means 100 Hz.
	SampleRateHz float64
	// DataReadyInterrupt routes RAW_DATA_0_RDY to the INT pin.
	DataReadyInterrupt bool
}

type Device struct {
	dev regIO
	opt Options

	curBank    byte
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

// AccelRangeG and GyroRangeDps are the configured full-scale ranges.
const (
	AccelRangeG  = 4.0
	GyroRangeDps = 500.0
)

func New(dev *i2c.Dev, opt Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, opt)
}

func newWithIO(dev regIO, opt Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	if opt.SampleRateHz <= 0 {
		opt.SampleRateHz = 100
	}
	if opt.SampleRateHz > baseRateHz {
		return nil, fmt.Errorf("icm20948: sample rate %.0f Hz above %.0f Hz", opt.SampleRateHz, baseRateHz)
	}
	d := &Device{dev: dev, opt: opt, curBank: 0xFF}

	if err := d.setBank(0); err != nil {
		return nil, err
	}
	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// The reset puts the chip back on bank 0.
	d.curBank = 0

	// Wake with auto clock select (PLL when ready).
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.dev.WriteReg(regPwrMgmt2, 0x00); err != nil {
		return fmt.Errorf("icm20948: enable accel/gyro failed: %w", err)
	}

	// Disable the internal I2C master and open the bypass mux so the host
	// talks to the AK09916 directly.
	if err := d.dev.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	pinCfg := byte(bitBypassEn)
	if d.opt.DataReadyInterrupt {
		pinCfg |= bitIntLatch
	}
	if err := d.dev.WriteReg(regIntPinCfg, pinCfg); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}
	intEn := byte(0)
	if d.opt.DataReadyInterrupt {
		intEn = bitRawRdyEn
	}
	if err := d.dev.WriteReg(regIntEnable1, intEn); err != nil {
		return fmt.Errorf("icm20948: int enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := SampleRateDivider(d.opt.SampleRateHz)
	if err := d.dev.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro rate failed: %w", err)
	}
	// ACCEL_SMPLRT_DIV is 12 bits; the high byte stays zero for our rates.
	if err := d.dev.WriteReg(regAccelSmplrt2, div); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regGyroConfig, fsGyro500dps|dlpfEnable); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel4g|dlpfEnable); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = AccelRangeG / 32768.0
	d.scaleGyro = GyroRangeDps / 32768.0
	return nil
}

// SampleRateDivider returns the divider for rate hz: ODR = 1125/(1+div).
func SampleRateDivider(hz float64) byte {
	div := baseRateHz/hz - 1
	if div < 0 {
		return 0
	}
	if div > 255 {
		return 255
	}
	return byte(div)
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Raw, error) {
	if d == nil {
		return Raw{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Raw{}, err
	}

	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Raw{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	ax := int16(buf[0])<<8 | int16(buf[1])
	ay := int16(buf[2])<<8 | int16(buf[3])
	az := int16(buf[4])<<8 | int16(buf[5])
	gx := int16(buf[6])<<8 | int16(buf[7])
	gy := int16(buf[8])<<8 | int16(buf[9])
	gz := int16(buf[10])<<8 | int16(buf[11])

	return Raw{
		Ax: float64(ax) * d.scaleAccel,
		Ay: float64(ay) * d.scaleAccel,
		Az: float64(az) * d.scaleAccel,
		Gx: float64(gx) * d.scaleGyro,
		Gy: float64(gy) * d.scaleGyro,
		Gz: float64(gz) * d.scaleGyro,
	}, nil
}
