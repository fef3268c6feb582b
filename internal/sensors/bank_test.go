package sensors

import (
	"errors"
	"sync"
	"testing"
	"time"

	"sensorfuse/internal/rotation"
)

type fakeReader struct {
	mu    sync.Mutex
	next  []Reading
	err   error
	reads int
}

func (f *fakeReader) Read() (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return Reading{}, f.err
	}
	if len(f.next) == 0 {
		return Reading{}, ErrNoData
	}
	r := f.next[0]
	f.next = f.next[1:]
	return r, nil
}

func collect(ch chan Sample) Sink {
	return func(s Sample) { ch <- s }
}

func waitSample(t *testing.T, ch chan Sample) Sample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sample")
	}
	return Sample{}
}

func TestBank_FansOutPresentKindsOnly(t *testing.T) {
	trig := make(chan struct{})
	fr := &fakeReader{next: []Reading{{
		TimestampNs: 42,
		Present:     HasAccel | HasGyro,
		Accel:       rotation.Vec3{X: 1},
		Gyro:        rotation.Vec3{Y: 2},
		Mag:         rotation.Vec3{Z: 3},
	}}}
	b := NewBank(fr, BankConfig{Name: "test", Supported: HasAll, Trigger: trig})

	accCh := make(chan Sample, 4)
	magCh := make(chan Sample, 4)
	acc := b.Accelerometer()
	mag := b.Magnetometer()
	if err := acc.Start(RateGame, collect(accCh)); err != nil {
		t.Fatalf("acc start: %v", err)
	}
	if err := mag.Start(RateGame, collect(magCh)); err != nil {
		t.Fatalf("mag start: %v", err)
	}

	trig <- struct{}{}
	s := waitSample(t, accCh)
	if s.Kind != Accelerometer || s.TimestampNs != 42 || s.Values.X != 1 {
		t.Fatalf("sample=%+v", s)
	}

	if err := acc.Stop(); err != nil {
		t.Fatalf("acc stop: %v", err)
	}
	if err := mag.Stop(); err != nil {
		t.Fatalf("mag stop: %v", err)
	}
	select {
	case s := <-magCh:
		t.Fatalf("unexpected mag sample %+v (not present in reading)", s)
	default:
	}
}

func TestBank_MagnetometerBeforeAccelerometer(t *testing.T) {
	trig := make(chan struct{})
	fr := &fakeReader{next: []Reading{{
		TimestampNs: 9,
		Present:     HasAll,
		Accel:       rotation.Vec3{Z: 9.8},
		Gyro:        rotation.Vec3{X: 0.1},
		Mag:         rotation.Vec3{Y: 22},
	}}}
	b := NewBank(fr, BankConfig{Supported: HasAll, Trigger: trig})

	ch := make(chan Sample, 3)
	for _, src := range []Source{b.Accelerometer(), b.Gyroscope(), b.Magnetometer()} {
		if err := src.Start(RateGame, collect(ch)); err != nil {
			t.Fatalf("%s start: %v", src.Kind(), err)
		}
		defer src.Stop()
	}

	trig <- struct{}{}
	want := []Kind{Magnetometer, Accelerometer, Gyroscope}
	for i, k := range want {
		if s := waitSample(t, ch); s.Kind != k {
			t.Fatalf("sample %d kind=%v want %v", i, s.Kind, k)
		}
	}
}

func TestBank_StampsMissingTimestamp(t *testing.T) {
	trig := make(chan struct{})
	fr := &fakeReader{next: []Reading{{Present: HasGyro}}}
	b := NewBank(fr, BankConfig{Supported: HasGyro, Trigger: trig})
	b.clock = func() int64 { return 777 }

	ch := make(chan Sample, 1)
	g := b.Gyroscope()
	if err := g.Start(RateFastest, collect(ch)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Stop()

	trig <- struct{}{}
	if s := waitSample(t, ch); s.TimestampNs != 777 {
		t.Fatalf("ts=%d want 777", s.TimestampNs)
	}
}

func TestBank_UnsupportedKindRejected(t *testing.T) {
	b := NewBank(&fakeReader{}, BankConfig{Supported: HasAccel | HasGyro})
	mag := b.Magnetometer()
	if mag.Supported() {
		t.Fatalf("expected magnetometer unsupported")
	}
	if err := mag.Start(RateNormal, func(Sample) {}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBank_DoubleStartRejected(t *testing.T) {
	b := NewBank(&fakeReader{}, BankConfig{Supported: HasAll, Trigger: make(chan struct{})})
	acc := b.Accelerometer()
	if err := acc.Start(RateNormal, func(Sample) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer acc.Stop()
	if err := acc.Start(RateNormal, func(Sample) {}); err == nil {
		t.Fatalf("expected error on second start")
	}
}

func TestBank_ReadErrorRecorded(t *testing.T) {
	trig := make(chan struct{})
	boom := errors.New("boom")
	fr := &fakeReader{err: boom}
	b := NewBank(fr, BankConfig{Supported: HasAll, Trigger: trig})
	acc := b.Accelerometer()
	if err := acc.Start(RateNormal, func(Sample) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	trig <- struct{}{}
	// A second send only completes once the first poll has finished.
	trig <- struct{}{}
	if err := acc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !errors.Is(b.LastError(), boom) {
		t.Fatalf("LastError=%v want %v", b.LastError(), boom)
	}
}

func TestBank_StopWithoutStartIsNoop(t *testing.T) {
	b := NewBank(&fakeReader{}, BankConfig{Supported: HasAll})
	if err := b.Gyroscope().Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRate_Periods(t *testing.T) {
	cases := []struct {
		in   string
		rate Rate
		tick time.Duration
	}{
		{"normal", RateNormal, 224 * time.Millisecond},
		{"UI", RateUI, 77 * time.Millisecond},
		{" game ", RateGame, 37 * time.Millisecond},
		{"FASTEST", RateFastest, 16 * time.Millisecond},
	}
	for _, tc := range cases {
		r, err := ParseRate(tc.in)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", tc.in, err)
		}
		if r != tc.rate {
			t.Fatalf("ParseRate(%q)=%v want %v", tc.in, r, tc.rate)
		}
		if r.TickPeriod() != tc.tick {
			t.Fatalf("%v tick=%s want %s", r, r.TickPeriod(), tc.tick)
		}
	}
	if _, err := ParseRate("warp"); err == nil {
		t.Fatalf("expected error")
	}
}
