package serialsrc

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	serial "github.com/jacobsa/go-serial/serial"

	"sensorfuse/internal/replay"
	"sensorfuse/internal/sensors"
)

// Reader consumes sample lines from a serial-attached IMU. Lines use the
// replay log format (<t_ns>,ax,ay,az,gx,gy,gz,mx,my,mz); the device's own
// timestamps are kept and shifted onto the local monotonic clock.
//
// A background goroutine scans the port. Read returns the latest reading, with
// values of consecutive lines merged per sensor, or sensors.ErrNoData when
// nothing arrived since the last call.
type Reader struct {
	rc    io.ReadCloser
	clock func() int64
	name  string

	mu        sync.Mutex
	latest    sensors.Reading
	fresh     bool
	err       error
	offset    int64
	haveClock bool
	lines     uint64
	bad       uint64

	closeOnce sync.Once
	done      chan struct{}
}

type Config struct {
	Port string
	Baud uint
}

func Open(cfg Config) (*Reader, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("serialsrc: port is required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	opts := serial.OpenOptions{
		PortName:              cfg.Port,
		BaudRate:              cfg.Baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("serialsrc: open %s: %w", cfg.Port, err)
	}
	log.Printf("serialsrc: opened %s at %d baud", cfg.Port, cfg.Baud)
	return newReader(port, cfg.Port, sensors.Monotonic), nil
}

func newReader(rc io.ReadCloser, name string, clock func() int64) *Reader {
	r := &Reader{rc: rc, clock: clock, name: name, done: make(chan struct{})}
	go r.scan()
	return r
}

func (r *Reader) scan() {
	defer close(r.done)
	s := bufio.NewScanner(r.rc)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || line == "START" {
			continue
		}
		_, rd, err := replay.ParseLine(line)
		r.mu.Lock()
		r.lines++
		if err != nil {
			r.bad++
			bad := r.bad
			r.mu.Unlock()
			// Partial lines are normal right after opening the port.
			if bad <= 3 || bad%100 == 0 {
				log.Printf("serialsrc: %s: skipping line (%d bad so far): %v", r.name, bad, err)
			}
			continue
		}
		r.mergeLocked(rd)
		r.mu.Unlock()
	}

	err := s.Err()
	if err == nil {
		err = io.EOF
	}
	r.mu.Lock()
	r.err = fmt.Errorf("serialsrc: %s: %w", r.name, err)
	r.mu.Unlock()
}

func (r *Reader) mergeLocked(rd sensors.Reading) {
	now := r.clock()
	if !r.haveClock {
		r.offset = now - rd.TimestampNs
		r.haveClock = true
	}
	ts := rd.TimestampNs + r.offset
	// A device reset restarts its clock; re-anchor instead of going backwards.
	if ts < r.latest.TimestampNs {
		r.offset = now - rd.TimestampNs
		ts = now
	}

	if !r.fresh {
		r.latest.Present = 0
	}
	r.latest.TimestampNs = ts
	for k := sensors.Accelerometer; k <= sensors.Magnetometer; k++ {
		if !rd.Present.Has(k) {
			continue
		}
		r.latest.Present |= 1 << k
		switch k {
		case sensors.Accelerometer:
			r.latest.Accel = rd.Accel
		case sensors.Gyroscope:
			r.latest.Gyro = rd.Gyro
		case sensors.Magnetometer:
			r.latest.Mag = rd.Mag
		}
	}
	r.fresh = true
}

func (r *Reader) Read() (sensors.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fresh {
		r.fresh = false
		return r.latest, nil
	}
	if r.err != nil {
		return sensors.Reading{}, r.err
	}
	return sensors.Reading{}, sensors.ErrNoData
}

// Stats reports lines seen and lines rejected.
func (r *Reader) Stats() (lines, bad uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines, r.bad
}

func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.rc.Close()
		<-r.done
	})
	return err
}
