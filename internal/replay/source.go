package replay

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"sensorfuse/internal/sensors"
)

// ErrEnd is returned by Source.Read once a non-looping log is exhausted.
var ErrEnd = errors.New("replay: end of log")

type SourceConfig struct {
	// Speed scales playback; 0 means 1.
	Speed float64
	Loop  bool
}

// Source replays a recorded log as a sensors.Reader, releasing each reading
// once its recorded offset has elapsed on the wall clock. Segments are laid
// end to end and each loop continues the timeline, so emitted timestamps
// never go backwards. Timestamps are recorded offsets added to the monotonic
// clock at the first Read.
type Source struct {
	cfg  SourceConfig
	recs []Record
	span time.Duration

	now   func() time.Time
	clock func() int64

	mu      sync.Mutex
	i       int
	started bool
	origin  time.Time
	base    int64
	loops   int
}

func OpenSource(path string, cfg SourceConfig) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replay: %s: %w", path, err)
	}
	return NewSource(recs, cfg)
}

func NewSource(recs []Record, cfg SourceConfig) (*Source, error) {
	if cfg.Speed < 0 {
		return nil, fmt.Errorf("replay: speed must be >= 0")
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1
	}
	flat, span := flatten(recs)
	if len(flat) == 0 {
		return nil, errors.New("replay: log has no samples")
	}
	return &Source{cfg: cfg, recs: flat, span: span, now: time.Now, clock: sensors.Monotonic}, nil
}

// flatten drops START markers and shifts every segment so it begins just
// after the previous one ended.
func flatten(recs []Record) ([]Record, time.Duration) {
	out := make([]Record, 0, len(recs))
	var base, last time.Duration
	for _, r := range recs {
		if r.Start {
			if len(out) > 0 {
				base = last + time.Millisecond
			}
			continue
		}
		r.At += base
		if r.At < last {
			r.At = last
		}
		last = r.At
		out = append(out, r)
	}
	// One nominal sample gap between the end of a pass and the next loop.
	return out, last + time.Millisecond
}

func (s *Source) Read() (sensors.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.started {
		s.started = true
		s.origin = now
		s.base = s.clock()
	}
	if s.i >= len(s.recs) {
		if !s.cfg.Loop {
			return sensors.Reading{}, ErrEnd
		}
		s.i = 0
		s.loops++
	}

	offset := time.Duration(s.loops)*s.span + s.recs[s.i].At
	due := s.origin.Add(time.Duration(float64(offset) / s.cfg.Speed))
	if now.Before(due) {
		return sensors.Reading{}, sensors.ErrNoData
	}

	r := s.recs[s.i].Reading
	r.TimestampNs = s.base + int64(offset)
	s.i++
	return r, nil
}

// Len is the number of samples in one pass.
func (s *Source) Len() int { return len(s.recs) }

// Recorder is a sensors.Reader that writes every successful reading through
// to a log.
type Recorder struct {
	inner sensors.Reader
	w     *Writer

	mu     sync.Mutex
	failed bool
}

func NewRecorder(inner sensors.Reader, w *Writer) *Recorder {
	return &Recorder{inner: inner, w: w}
}

func (r *Recorder) Read() (sensors.Reading, error) {
	rd, err := r.inner.Read()
	if err != nil {
		return rd, err
	}
	if rd.TimestampNs == 0 {
		rd.TimestampNs = sensors.Monotonic()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.failed {
		if werr := r.w.WriteReading(rd); werr != nil {
			log.Printf("replay: recording stopped: %v", werr)
			r.failed = true
		}
	}
	return rd, nil
}

// Failed reports whether a write error has stopped recording.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Close()
}
