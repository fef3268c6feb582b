package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"sensorfuse/internal/rotation"
	"sensorfuse/internal/sensors"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" begins a new segment (next record time is relative to 0 again).
// - Data lines are: <t_ns>,ax,ay,az,gx,gy,gz,mx,my,mz
//   where t_ns is nanoseconds since START. A sensor whose three fields are all
//   empty was not present in that reading.
//
// Units are m/s², rad/s and µT.

type Record struct {
	At      time.Duration
	Start   bool
	Reading sensors.Reading
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNum := 0
	for s.Scan() {
		lineNum++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}
		at, r, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		recs = append(recs, Record{At: at, Reading: r})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ParseLine parses one data line. The returned reading carries the line's
// timestamp in TimestampNs.
func ParseLine(line string) (time.Duration, sensors.Reading, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 10 {
		return 0, sensors.Reading{}, fmt.Errorf("invalid sample line (want 10 fields, got %d): %q", len(fields), line)
	}

	tsStr := strings.TrimSpace(fields[0])
	tsNs, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, sensors.Reading{}, fmt.Errorf("invalid sample timestamp %q: %w", tsStr, err)
	}
	if tsNs < 0 {
		return 0, sensors.Reading{}, fmt.Errorf("invalid sample timestamp (negative): %d", tsNs)
	}

	r := sensors.Reading{TimestampNs: tsNs}
	for k := sensors.Accelerometer; k <= sensors.Magnetometer; k++ {
		v, present, err := parseTriple(fields[1+3*int(k) : 4+3*int(k)])
		if err != nil {
			return 0, sensors.Reading{}, fmt.Errorf("%s: %w", k, err)
		}
		if !present {
			continue
		}
		r.Present |= 1 << k
		switch k {
		case sensors.Accelerometer:
			r.Accel = v
		case sensors.Gyroscope:
			r.Gyro = v
		case sensors.Magnetometer:
			r.Mag = v
		}
	}
	if r.Present == 0 {
		return 0, sensors.Reading{}, fmt.Errorf("sample line has no sensor values: %q", line)
	}
	return time.Duration(tsNs), r, nil
}

func parseTriple(fs []string) (rotation.Vec3, bool, error) {
	var out [3]float64
	empty := 0
	for i, f := range fs {
		f = strings.TrimSpace(f)
		if f == "" {
			empty++
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return rotation.Vec3{}, false, fmt.Errorf("invalid value %q", f)
		}
		out[i] = v
	}
	switch empty {
	case 0:
		return rotation.Vec3{X: out[0], Y: out[1], Z: out[2]}, true, nil
	case 3:
		return rotation.Vec3{}, false, nil
	default:
		return rotation.Vec3{}, false, errors.New("partial vector")
	}
}

// FormatLine is the inverse of ParseLine.
func FormatLine(at time.Duration, r sensors.Reading) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(at.Nanoseconds(), 10))
	for k := sensors.Accelerometer; k <= sensors.Magnetometer; k++ {
		if !r.Present.Has(k) {
			b.WriteString(",,,")
			continue
		}
		v := r.Value(k)
		for _, c := range [3]float64{v.X, v.Y, v.Z} {
			b.WriteByte(',')
			b.WriteString(strconv.FormatFloat(c, 'g', -1, 64))
		}
	}
	return b.String()
}

// Writer records readings. Record times are taken from the readings'
// monotonic timestamps, relative to the first reading written.
type Writer struct {
	f      io.WriteCloser
	w      *bufio.Writer
	origin int64
	have   bool
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func NewWriter(f io.WriteCloser) (*Writer, error) {
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		return nil, err
	}
	return &Writer{f: f, w: bw}, nil
}

func (ww *Writer) WriteReading(r sensors.Reading) error {
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	if r.Present == 0 {
		return errors.New("reading is empty")
	}
	if !ww.have {
		ww.origin = r.TimestampNs
		ww.have = true
	}
	d := time.Duration(r.TimestampNs - ww.origin)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintln(ww.w, FormatLine(d, r))
	return err
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
