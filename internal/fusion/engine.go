package fusion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sensorfuse/internal/dispatch"
	"sensorfuse/internal/rotation"
	"sensorfuse/internal/sensors"
)

// tickPeriod is swapped out by tests.
var tickPeriod = func(r sensors.Rate) time.Duration { return r.TickPeriod() }

var (
	ErrDisposed       = errors.New("fusion: engine disposed")
	ErrNotRunning     = errors.New("fusion: engine not running")
	ErrAlreadyRunning = errors.New("fusion: engine already running")
)

type Sources struct {
	Accelerometer sensors.Source
	Gyroscope     sensors.Source
	Magnetometer  sensors.Source
}

type Config struct {
	Sources  Sources
	Delegate dispatch.Delegate
}

type Snapshot struct {
	Running   bool   `json:"running"`
	Disposed  bool   `json:"disposed,omitempty"`
	Rate      string `json:"rate,omitempty"`
	Supported bool   `json:"supported"`

	GyroActive  bool `json:"gyro_active"`
	Seeded      bool `json:"seeded"`
	SeedCount   int  `json:"seed_count"`
	AccMagValid bool `json:"accmag_valid"`
	FusedValid  bool `json:"fused_valid"`

	// Degrees. Fused uses the dispatched convention (azimuth in [0, 360)).
	FusedDeg        [3]float64 `json:"fused_deg"`
	GyroDeg         [3]float64 `json:"gyro_deg"`
	AccMagDeg       [3]float64 `json:"accmag_deg"`
	LastDispatchDeg [3]float64 `json:"last_dispatch_deg"`
	ToleranceDeg    [3]float64 `json:"tolerance_deg"`

	AccelSamples uint64 `json:"accel_samples"`
	GyroSamples  uint64 `json:"gyro_samples"`
	MagSamples   uint64 `json:"mag_samples"`
	Ticks        uint64 `json:"ticks"`
	Dispatches   uint64 `json:"dispatches"`

	StartedAt      time.Time `json:"started_at,omitempty"`
	LastDispatchAt time.Time `json:"last_dispatch_at,omitempty"`
}

// Engine fuses accelerometer, magnetometer and gyroscope samples into a
// stabilized orientation and hands it to a dispatch filter on a fixed tick.
//
// Sensor callbacks and the tick goroutine share state under mu. The delegate
// is only ever called from the tick goroutine, and Stop joins that goroutine,
// so no callback runs after Stop returns. The delegate must not call back into
// Start, Stop or Dispose.
type Engine struct {
	// lifeMu serializes Start, Stop and Dispose.
	lifeMu sync.Mutex

	mu         sync.Mutex
	src        Sources
	filter     *dispatch.Filter
	disposed   bool
	running    bool
	gyroActive bool
	rate       sensors.Rate
	st         state

	accelSamples   uint64
	gyroSamples    uint64
	magSamples     uint64
	ticks          uint64
	dispatches     uint64
	startedAt      time.Time
	lastDispatchAt time.Time

	started []sensors.Source
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(cfg Config) *Engine {
	return &Engine{
		src:    cfg.Sources,
		filter: dispatch.NewFilter(cfg.Delegate),
		st:     newState(),
	}
}

func supported(s sensors.Source) bool { return s != nil && s.Supported() }

// Supported reports whether both accelerometer and magnetometer are
// available. The gyroscope is optional.
func (e *Engine) Supported() (bool, error) {
	if e == nil {
		return false, fmt.Errorf("fusion: engine is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return false, ErrDisposed
	}
	return supported(e.src.Accelerometer) && supported(e.src.Magnetometer), nil
}

// SetTolerance configures the per-axis dispatch thresholds in degrees.
// It may be called before or while running.
func (e *Engine) SetTolerance(azimuth, pitch, roll float64) error {
	if e == nil {
		return fmt.Errorf("fusion: engine is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if azimuth < 0 || pitch < 0 || roll < 0 {
		return fmt.Errorf("fusion: tolerance must be >= 0 (got %v, %v, %v)", azimuth, pitch, roll)
	}
	e.filter.SetTolerance(azimuth, pitch, roll)
	return nil
}

// Start registers every supported source at rate and begins fusing on the
// rate's tick period. All fusion state is reset, including the one-time gyro
// seed. Cancelling ctx ends the tick loop; Stop is still required to release
// the sources.
func (e *Engine) Start(ctx context.Context, rate sensors.Rate) error {
	if e == nil {
		return fmt.Errorf("fusion: engine is nil")
	}
	if ctx == nil {
		return fmt.Errorf("fusion: ctx is nil")
	}
	if !rate.Valid() {
		return fmt.Errorf("fusion: invalid rate %v", rate)
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	src := e.src
	e.st = newState()
	e.filter.Reset()
	e.rate = rate
	e.accelSamples, e.gyroSamples, e.magSamples = 0, 0, 0
	e.ticks, e.dispatches = 0, 0
	e.startedAt = time.Now().UTC()
	e.lastDispatchAt = time.Time{}
	e.gyroActive = false
	// Samples may arrive as soon as the first source starts.
	e.running = true
	e.mu.Unlock()

	started := make([]sensors.Source, 0, 3)
	for _, s := range []sensors.Source{src.Accelerometer, src.Magnetometer} {
		if !supported(s) {
			continue
		}
		if err := s.Start(rate, e.onSample); err != nil {
			stopSources(started)
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			return fmt.Errorf("fusion: start %s: %w", s.Kind(), err)
		}
		started = append(started, s)
	}

	gyroActive := false
	if supported(src.Gyroscope) {
		if err := src.Gyroscope.Start(rate, e.onSample); err != nil {
			log.Printf("fusion: gyroscope start failed, fusing accel/mag only: %v", err)
		} else {
			started = append(started, src.Gyroscope)
			gyroActive = true
		}
	} else {
		log.Printf("fusion: gyroscope unsupported, fusing accel/mag only")
	}

	e.mu.Lock()
	e.gyroActive = gyroActive
	e.mu.Unlock()

	e.started = started
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run(ctx, tickPeriod(rate), e.stopCh, e.doneCh)

	log.Printf("fusion: started rate=%s tick=%s sources=%d", rate, rate.TickPeriod(), len(started))
	return nil
}

// Stop cancels the tick loop, waits for it to exit and unregisters all
// sources.
func (e *Engine) Stop() error {
	if e == nil {
		return fmt.Errorf("fusion: engine is nil")
	}
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
	e.stopCh, e.doneCh = nil, nil

	stopSources(e.started)
	e.started = nil

	log.Printf("fusion: stopped")
	return nil
}

// Dispose stops the engine if needed and releases all state and sources.
// Every later call returns ErrDisposed.
func (e *Engine) Dispose() error {
	if e == nil {
		return fmt.Errorf("fusion: engine is nil")
	}
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.mu.Lock()
	disposed, running := e.disposed, e.running
	e.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if running {
		if err := e.stopLocked(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.disposed = true
	e.src = Sources{}
	e.filter = nil
	e.st = state{}
	e.mu.Unlock()
	return nil
}

// Ingest feeds one raw sample into the engine. Sources started by the engine
// call this through their sink; it is exported for callers that push samples
// themselves.
func (e *Engine) Ingest(s sensors.Sample) error {
	if e == nil {
		return fmt.Errorf("fusion: engine is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if !e.running {
		return ErrNotRunning
	}

	switch s.Kind {
	case sensors.Accelerometer:
		e.accelSamples++
		e.st.accel = s.Values
		e.st.updateAccMag()
	case sensors.Magnetometer:
		// Latched only; the next accelerometer sample picks it up.
		e.magSamples++
		e.st.magnet = s.Values
	case sensors.Gyroscope:
		e.gyroSamples++
		e.st.integrateGyro(s.TimestampNs, s.Values)
	default:
		return fmt.Errorf("fusion: unknown sample kind %v", s.Kind)
	}
	return nil
}

func (e *Engine) onSample(s sensors.Sample) {
	_ = e.Ingest(s)
}

func (e *Engine) run(ctx context.Context, period time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			e.tick()
		}
	}
}

// tick fuses once and offers the result to the dispatch filter.
func (e *Engine) tick() {
	fused, filter, ok := e.fuseOnce()
	if !ok {
		return
	}
	if filter.Offer(fused) {
		e.mu.Lock()
		e.dispatches++
		e.lastDispatchAt = time.Now().UTC()
		e.mu.Unlock()
	}
}

func (e *Engine) fuseOnce() (rotation.Orientation, *dispatch.Filter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.filter == nil {
		return rotation.Orientation{}, nil, false
	}
	e.ticks++
	if !e.st.haveAccMag {
		return rotation.Orientation{}, nil, false
	}
	// Once the gyroscope has reported, wait for the seed so the reseed below
	// does not get compounded with the seed rotation. A started gyroscope that
	// stays silent leaves the engine fusing accel/mag only.
	if e.gyroActive && e.st.gyroSeen && e.st.initState {
		return rotation.Orientation{}, nil, false
	}
	return e.st.fuse(), e.filter, true
}

func (e *Engine) Snapshot() Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return Snapshot{Disposed: true}
	}

	snap := Snapshot{
		Running:        e.running,
		Supported:      supported(e.src.Accelerometer) && supported(e.src.Magnetometer),
		GyroActive:     e.gyroActive,
		Seeded:         !e.st.initState,
		SeedCount:      e.st.seeds,
		AccMagValid:    e.st.haveAccMag,
		FusedValid:     e.st.haveFused,
		GyroDeg:        e.st.gyroOrientation.Degrees(),
		AccMagDeg:      e.st.accMag.Degrees(),
		AccelSamples:   e.accelSamples,
		GyroSamples:    e.gyroSamples,
		MagSamples:     e.magSamples,
		Ticks:          e.ticks,
		Dispatches:     e.dispatches,
		StartedAt:      e.startedAt,
		LastDispatchAt: e.lastDispatchAt,
	}
	if e.running {
		snap.Rate = e.rate.String()
	}
	if e.st.haveFused {
		snap.FusedDeg = dispatch.Degrees(e.st.fused)
	}
	snap.LastDispatchDeg = e.filter.Last()
	snap.ToleranceDeg = e.filter.Tolerance()
	return snap
}

func stopSources(ss []sensors.Source) {
	for _, s := range ss {
		if err := s.Stop(); err != nil {
			log.Printf("fusion: stop %s: %v", s.Kind(), err)
		}
	}
}
