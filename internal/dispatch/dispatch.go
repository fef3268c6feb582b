package dispatch

import (
	"math"
	"sync"

	"sensorfuse/internal/rotation"
)

// Delegate receives orientation changes in degrees.
// Azimuth is in [0, 360); pitch and roll keep their signed ranges.
type Delegate interface {
	OnOrientation(azimuth, pitch, roll float64)
}

type DelegateFunc func(azimuth, pitch, roll float64)

func (f DelegateFunc) OnOrientation(azimuth, pitch, roll float64) { f(azimuth, pitch, roll) }

// Fanout forwards every dispatch to each non-nil delegate in order.
func Fanout(ds ...Delegate) Delegate {
	out := make([]Delegate, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			out = append(out, d)
		}
	}
	return DelegateFunc(func(azimuth, pitch, roll float64) {
		for _, d := range out {
			d.OnOrientation(azimuth, pitch, roll)
		}
	})
}

// Filter suppresses orientation updates that stay within a per-axis
// tolerance of the last dispatched value.
type Filter struct {
	delegate Delegate

	mu        sync.Mutex
	tolerance [3]float64
	last      [3]float64
}

func NewFilter(d Delegate) *Filter {
	return &Filter{delegate: d}
}

// SetTolerance sets the per-axis thresholds in degrees.
func (f *Filter) SetTolerance(azimuth, pitch, roll float64) {
	f.mu.Lock()
	f.tolerance = [3]float64{azimuth, pitch, roll}
	f.mu.Unlock()
}

func (f *Filter) Tolerance() [3]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tolerance
}

// Last returns the last dispatched triple in degrees.
func (f *Filter) Last() [3]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Reset forgets the last dispatched value; tolerances are kept.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.last = [3]float64{}
	f.mu.Unlock()
}

// Offer converts o to degrees and dispatches it if any axis moved beyond its
// tolerance. The delegate always receives the full triple. It reports whether
// a dispatch happened.
func (f *Filter) Offer(o rotation.Orientation) bool {
	deg := Degrees(o)

	f.mu.Lock()
	changed := false
	for i := range deg {
		if math.Abs(f.last[i]-deg[i]) > f.tolerance[i] {
			changed = true
			break
		}
	}
	if changed {
		f.last = deg
	}
	f.mu.Unlock()

	if changed && f.delegate != nil {
		f.delegate.OnOrientation(deg[0], deg[1], deg[2])
	}
	return changed
}

// Degrees converts a fused orientation to the dispatched form.
func Degrees(o rotation.Orientation) [3]float64 {
	deg := o.Degrees()
	if deg[rotation.Azimuth] < 0 {
		deg[rotation.Azimuth] += 360
	}
	return deg
}
