package fusion

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensorfuse/internal/dispatch"
	"sensorfuse/internal/rotation"
	"sensorfuse/internal/sensors"
)

type fakeSource struct {
	kind      sensors.Kind
	supported bool
	startErr  error

	mu     sync.Mutex
	starts int
	stops  int
	rate   sensors.Rate
	sink   sensors.Sink
}

func (f *fakeSource) Kind() sensors.Kind    { return f.kind }
func (f *fakeSource) Supported() bool       { return f.supported }
func (f *fakeSource) MaximumRange() float64 { return 0 }
func (f *fakeSource) Start(r sensors.Rate, s sensors.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.rate = r
	f.sink = s
	return nil
}
func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.sink = nil
	return nil
}

type fakeRig struct {
	acc, gyro, mag *fakeSource
}

func newRig() fakeRig {
	return fakeRig{
		acc:  &fakeSource{kind: sensors.Accelerometer, supported: true},
		gyro: &fakeSource{kind: sensors.Gyroscope, supported: true},
		mag:  &fakeSource{kind: sensors.Magnetometer, supported: true},
	}
}

func (r fakeRig) sources() Sources {
	return Sources{Accelerometer: r.acc, Gyroscope: r.gyro, Magnetometer: r.mag}
}

type recorder struct {
	mu    sync.Mutex
	calls [][3]float64
}

func (r *recorder) OnOrientation(azimuth, pitch, roll float64) {
	r.mu.Lock()
	r.calls = append(r.calls, [3]float64{azimuth, pitch, roll})
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// slowTicks keeps the background ticker out of the way so tests drive
// fusion through tick() directly.
func slowTicks(t *testing.T) {
	t.Helper()
	old := tickPeriod
	tickPeriod = func(sensors.Rate) time.Duration { return time.Hour }
	t.Cleanup(func() { tickPeriod = old })
}

var (
	flatGravity = rotation.Vec3{Z: rotation.StandardGravity}
	northField  = rotation.Vec3{Y: 22, Z: -40}
)

func mustIngest(t *testing.T, e *Engine, s sensors.Sample) {
	t.Helper()
	if err := e.Ingest(s); err != nil {
		t.Fatalf("Ingest(%v): %v", s.Kind, err)
	}
}

func feedAccMag(t *testing.T, e *Engine, gravity, field rotation.Vec3) {
	t.Helper()
	mustIngest(t, e, sensors.Sample{Kind: sensors.Magnetometer, Values: field})
	mustIngest(t, e, sensors.Sample{Kind: sensors.Accelerometer, Values: gravity})
}

func gyroSample(tsNs int64, omega rotation.Vec3) sensors.Sample {
	return sensors.Sample{Kind: sensors.Gyroscope, TimestampNs: tsNs, Values: omega}
}

func TestEngine_StartRegistersSupportedSources(t *testing.T) {
	slowTicks(t)
	rig := newRig()
	rig.mag.supported = false
	e := New(Config{Sources: rig.sources()})

	ok, err := e.Supported()
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	if ok {
		t.Fatalf("expected unsupported without magnetometer")
	}

	if err := e.Start(context.Background(), sensors.RateGame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rig.acc.starts != 1 || rig.gyro.starts != 1 {
		t.Fatalf("acc starts=%d gyro starts=%d", rig.acc.starts, rig.gyro.starts)
	}
	if rig.mag.starts != 0 {
		t.Fatalf("unsupported magnetometer was started")
	}
	if rig.acc.rate != sensors.RateGame {
		t.Fatalf("rate=%v want GAME", rig.acc.rate)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rig.acc.stops != 1 || rig.gyro.stops != 1 || rig.mag.stops != 0 {
		t.Fatalf("stops acc=%d gyro=%d mag=%d", rig.acc.stops, rig.gyro.stops, rig.mag.stops)
	}
}

func TestEngine_LifecycleErrors(t *testing.T) {
	slowTicks(t)
	rig := newRig()
	e := New(Config{Sources: rig.sources()})
	ctx := context.Background()

	if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop before Start err=%v", err)
	}
	if err := e.Ingest(sensors.Sample{Kind: sensors.Accelerometer}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Ingest before Start err=%v", err)
	}
	if err := e.Start(ctx, sensors.RateUI); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx, sensors.RateUI); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("double Start err=%v", err)
	}
	if rig.acc.starts != 1 {
		t.Fatalf("double Start re-registered source (starts=%d)", rig.acc.starts)
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if rig.acc.stops != 1 {
		t.Fatalf("Dispose did not stop running sources")
	}

	if err := e.Start(ctx, sensors.RateUI); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Start after Dispose err=%v", err)
	}
	if err := e.Stop(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Stop after Dispose err=%v", err)
	}
	if err := e.SetTolerance(1, 1, 1); !errors.Is(err, ErrDisposed) {
		t.Fatalf("SetTolerance after Dispose err=%v", err)
	}
	if _, err := e.Supported(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Supported after Dispose err=%v", err)
	}
	if err := e.Ingest(sensors.Sample{}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Ingest after Dispose err=%v", err)
	}
	if err := e.Dispose(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("second Dispose err=%v", err)
	}
}

func TestEngine_StartFailureRollsBack(t *testing.T) {
	slowTicks(t)
	rig := newRig()
	rig.mag.startErr = errors.New("busy")
	e := New(Config{Sources: rig.sources()})

	if err := e.Start(context.Background(), sensors.RateNormal); err == nil {
		t.Fatalf("expected error")
	}
	if rig.acc.stops != 1 {
		t.Fatalf("accelerometer not rolled back (stops=%d)", rig.acc.stops)
	}
	if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop err=%v want ErrNotRunning", err)
	}
}

func TestEngine_InvalidRate(t *testing.T) {
	e := New(Config{Sources: newRig().sources()})
	if err := e.Start(context.Background(), sensors.Rate(9)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEngine_MagnetometerOnlyLatches(t *testing.T) {
	slowTicks(t)
	e := New(Config{Sources: newRig().sources()})
	if err := e.Start(context.Background(), sensors.RateGame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	mustIngest(t, e, sensors.Sample{Kind: sensors.Accelerometer, Values: flatGravity})
	if e.Snapshot().AccMagValid {
		t.Fatalf("accmag valid without magnetic field")
	}
	mustIngest(t, e, sensors.Sample{Kind: sensors.Magnetometer, Values: northField})
	if e.Snapshot().AccMagValid {
		t.Fatalf("magnetometer sample must not recompute accmag")
	}
	mustIngest(t, e, sensors.Sample{Kind: sensors.Accelerometer, Values: flatGravity})
	if !e.Snapshot().AccMagValid {
		t.Fatalf("expected accmag after accelerometer sample")
	}
}

func TestEngine_DegenerateGeometryKeepsEstimate(t *testing.T) {
	slowTicks(t)
	e := New(Config{Sources: newRig().sources()})
	if err := e.Start(context.Background(), sensors.RateGame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// Facing east.
	feedAccMag(t, e, flatGravity, rotation.Vec3{X: -22, Z: -40})
	before := e.Snapshot().AccMagDeg

	// Free fall.
	mustIngest(t, e, sensors.Sample{Kind: sensors.Accelerometer, Values: rotation.Vec3{Z: 0.1}})
	after := e.Snapshot().AccMagDeg
	if before != after {
		t.Fatalf("accmag changed on degenerate input: %v -> %v", before, after)
	}
	if math.Abs(after[0]-90) > 1e-9 {
		t.Fatalf("azimuth=%v want 90", after[0])
	}
}

func TestEngine_SeedsExactlyOncePerStart(t *testing.T) {
	slowTicks(t)
	e := New(Config{Sources: newRig().sources()})
	ctx := context.Background()
	if err := e.Start(ctx, sensors.RateFastest); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Without an accel/mag orientation the gyro sample cannot seed.
	mustIngest(t, e, gyroSample(1_000, rotation.Vec3{}))
	if s := e.Snapshot(); s.Seeded || s.SeedCount != 0 {
		t.Fatalf("seeded before accmag: %+v", s)
	}

	feedAccMag(t, e, flatGravity, northField)
	for i := int64(0); i < 5; i++ {
		mustIngest(t, e, gyroSample(2_000_000+i*10_000_000, rotation.Vec3{Z: 0.01}))
	}
	e.tick()
	if s := e.Snapshot(); !s.Seeded || s.SeedCount != 1 {
		t.Fatalf("after first run seeded=%v count=%d want true/1", s.Seeded, s.SeedCount)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Start(ctx, sensors.RateFastest); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer e.Stop()
	if s := e.Snapshot(); s.Seeded || s.SeedCount != 0 || s.AccMagValid {
		t.Fatalf("restart did not reset state: %+v", s)
	}
	feedAccMag(t, e, flatGravity, northField)
	mustIngest(t, e, gyroSample(5, rotation.Vec3{}))
	mustIngest(t, e, gyroSample(10, rotation.Vec3{}))
	if s := e.Snapshot(); s.SeedCount != 1 {
		t.Fatalf("seed count after restart=%d want 1", s.SeedCount)
	}
}

func TestEngine_GyroIntegration(t *testing.T) {
	slowTicks(t)
	e := New(Config{Sources: newRig().sources()})
	if err := e.Start(context.Background(), sensors.RateFastest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	feedAccMag(t, e, flatGravity, northField)
	// First sample only seeds and records the timestamp.
	mustIngest(t, e, gyroSample(0, rotation.Vec3{Z: math.Pi / 2}))
	if g := e.Snapshot().GyroDeg; math.Abs(g[0]) > 1e-9 {
		t.Fatalf("gyro azimuth after first sample=%v want 0", g[0])
	}
	// A quarter turn counter-clockwise about Z over one second.
	mustIngest(t, e, gyroSample(1_000_000_000, rotation.Vec3{Z: math.Pi / 2}))
	if g := e.Snapshot().GyroDeg; math.Abs(g[0]+90) > 1e-6 {
		t.Fatalf("gyro azimuth=%v want -90", g[0])
	}
}

func TestEngine_TinyAngularSpeedIsIdentity(t *testing.T) {
	slowTicks(t)
	e := New(Config{Sources: newRig().sources()})
	if err := e.Start(context.Background(), sensors.RateFastest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	feedAccMag(t, e, flatGravity, rotation.Vec3{X: -22, Z: -40})
	mustIngest(t, e, gyroSample(0, rotation.Vec3{}))
	mustIngest(t, e, gyroSample(20_000_000, rotation.Vec3{X: 1e-12}))
	g := e.Snapshot().GyroDeg
	for i, v := range g {
		if math.IsNaN(v) {
			t.Fatalf("gyro axis %d is NaN", i)
		}
	}
	if math.Abs(g[0]-90) > 1e-9 {
		t.Fatalf("gyro azimuth=%v want 90 (seeded, no rotation)", g[0])
	}
}

func TestEngine_TickDispatchesAndReseeds(t *testing.T) {
	slowTicks(t)
	rec := &recorder{}
	e := New(Config{Sources: newRig().sources(), Delegate: rec})
	// Absorb rounding in the blend of two equal estimates.
	if err := e.SetTolerance(1e-6, 1e-6, 1e-6); err != nil {
		t.Fatalf("SetTolerance: %v", err)
	}
	if err := e.Start(context.Background(), sensors.RateGame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// No accmag yet: nothing to fuse.
	e.tick()
	if rec.count() != 0 {
		t.Fatalf("dispatched without data")
	}

	// The gyro reports before accmag exists, so it cannot seed yet.
	mustIngest(t, e, gyroSample(0, rotation.Vec3{}))
	feedAccMag(t, e, flatGravity, rotation.Vec3{X: -22, Z: -40})
	e.tick()
	if rec.count() != 0 {
		t.Fatalf("dispatched before gyro seed")
	}

	mustIngest(t, e, gyroSample(1_000, rotation.Vec3{}))
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("dispatches=%d want 1", rec.count())
	}
	got := rec.calls[0]
	if math.Abs(got[0]-90) > 1e-9 || math.Abs(got[1]) > 1e-9 || math.Abs(got[2]) > 1e-9 {
		t.Fatalf("dispatched=%v want [90 0 0]", got)
	}

	s := e.Snapshot()
	if !s.FusedValid || s.Dispatches != 1 || s.Ticks != 3 {
		t.Fatalf("snapshot=%+v", s)
	}
	if math.Abs(s.GyroDeg[0]-90) > 1e-9 {
		t.Fatalf("gyro not reseeded from fused: %v", s.GyroDeg)
	}

	// Same orientation again: no change, no dispatch.
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("dispatches=%d want 1", rec.count())
	}
}

func TestEngine_WithoutGyroFusesAccMagOnly(t *testing.T) {
	slowTicks(t)
	rig := newRig()
	rig.gyro.supported = false
	rec := &recorder{}
	e := New(Config{Sources: rig.sources(), Delegate: rec})
	if err := e.SetTolerance(0.5, 0.5, 0.5); err != nil {
		t.Fatalf("SetTolerance: %v", err)
	}
	if err := e.Start(context.Background(), sensors.RateGame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	feedAccMag(t, e, flatGravity, rotation.Vec3{X: -22, Z: -40})
	for i := 0; i < 400; i++ {
		e.tick()
	}
	s := e.Snapshot()
	if s.GyroActive {
		t.Fatalf("gyro reported active")
	}
	// The filter converges geometrically toward the accmag estimate.
	if math.Abs(s.FusedDeg[0]-90) > 0.1 {
		t.Fatalf("fused azimuth=%v want ~90", s.FusedDeg[0])
	}
	if rec.count() == 0 {
		t.Fatalf("expected dispatches")
	}
	if s.ToleranceDeg != [3]float64{0.5, 0.5, 0.5} {
		t.Fatalf("tolerance=%v", s.ToleranceDeg)
	}
}

func TestEngine_SilentGyroFusesAccMagOnly(t *testing.T) {
	slowTicks(t)
	rig := newRig()
	rec := &recorder{}
	e := New(Config{Sources: rig.sources(), Delegate: rec})
	if err := e.Start(context.Background(), sensors.RateFastest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// The gyroscope started but never delivers a sample.
	feedAccMag(t, e, flatGravity, rotation.Vec3{X: -22, Z: -40})
	for i := 0; i < 400; i++ {
		e.tick()
	}
	s := e.Snapshot()
	if !s.GyroActive || s.Seeded {
		t.Fatalf("gyro_active=%v seeded=%v want true/false", s.GyroActive, s.Seeded)
	}
	if rec.count() == 0 || s.Dispatches == 0 {
		t.Fatalf("no dispatches with a silent gyroscope: %+v", s)
	}
	if math.Abs(s.FusedDeg[0]-90) > 0.1 {
		t.Fatalf("fused azimuth=%v want ~90", s.FusedDeg[0])
	}

	// A late first gyro sample seeds once without compounding the rotation.
	mustIngest(t, e, gyroSample(0, rotation.Vec3{}))
	s = e.Snapshot()
	if !s.Seeded || s.SeedCount != 1 {
		t.Fatalf("seeded=%v count=%d want true/1", s.Seeded, s.SeedCount)
	}
	if math.Abs(s.GyroDeg[0]-90) > 0.1 {
		t.Fatalf("gyro azimuth=%v want ~90", s.GyroDeg[0])
	}
}

func TestEngine_NilReceiver(t *testing.T) {
	var e *Engine
	if err := e.Ingest(sensors.Sample{Kind: sensors.Accelerometer}); err == nil {
		t.Fatalf("Ingest on nil engine succeeded")
	}
	if err := e.SetTolerance(1, 1, 1); err == nil {
		t.Fatalf("SetTolerance on nil engine succeeded")
	}
	if s := e.Snapshot(); s.Running || s.Supported {
		t.Fatalf("nil engine snapshot=%+v", s)
	}
}

func TestEngine_NoCallbacksAfterStop(t *testing.T) {
	old := tickPeriod
	tickPeriod = func(sensors.Rate) time.Duration { return time.Millisecond }
	t.Cleanup(func() { tickPeriod = old })

	var calls atomic.Int64
	d := dispatch.DelegateFunc(func(float64, float64, float64) { calls.Add(1) })
	rig := newRig()
	rig.gyro.supported = false
	e := New(Config{Sources: rig.sources(), Delegate: d})
	if err := e.Start(context.Background(), sensors.RateFastest); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Keep the direct estimate moving so ticks keep dispatching.
	stopFeed := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := 0; ; i++ {
			select {
			case <-stopFeed:
				return
			default:
			}
			x := float64(i%40) - 20
			_ = e.Ingest(sensors.Sample{Kind: sensors.Magnetometer, Values: rotation.Vec3{X: x, Y: 22, Z: -40}})
			_ = e.Ingest(sensors.Sample{Kind: sensors.Accelerometer, Values: flatGravity})
			time.Sleep(200 * time.Microsecond)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	close(stopFeed)
	<-fed

	if after < 3 {
		t.Fatalf("only %d callbacks before stop", after)
	}
	if got := calls.Load(); got != after {
		t.Fatalf("callbacks after Stop: %d -> %d", after, got)
	}
}

func TestEngine_ContextCancelEndsTicks(t *testing.T) {
	old := tickPeriod
	tickPeriod = func(sensors.Rate) time.Duration { return time.Millisecond }
	t.Cleanup(func() { tickPeriod = old })

	e := New(Config{Sources: newRig().sources()})
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx, sensors.RateFastest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	// Stop still succeeds and releases the sources.
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
