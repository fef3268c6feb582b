package dispatch

import (
	"math"
	"testing"

	"sensorfuse/internal/rotation"
)

type recorder struct {
	calls [][3]float64
}

func (r *recorder) OnOrientation(azimuth, pitch, roll float64) {
	r.calls = append(r.calls, [3]float64{azimuth, pitch, roll})
}

func near(a, b [3]float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestFilter_ToleranceGating(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec)

	if !f.Offer(rotation.FromDegrees(10, 10, 10)) {
		t.Fatalf("expected initial dispatch with zero tolerance")
	}
	f.SetTolerance(2, 2, 2)

	if f.Offer(rotation.FromDegrees(11, 11, 11)) {
		t.Fatalf("11deg change must not dispatch with 2deg tolerance")
	}
	if !f.Offer(rotation.FromDegrees(13, 10, 10)) {
		t.Fatalf("13deg azimuth must dispatch")
	}

	if len(rec.calls) != 2 {
		t.Fatalf("calls=%d want 2", len(rec.calls))
	}
	if got := rec.calls[1]; !near(got, [3]float64{13, 10, 10}) {
		t.Fatalf("dispatched=%v want full triple [13 10 10]", got)
	}
	if !near(f.Last(), [3]float64{13, 10, 10}) {
		t.Fatalf("last=%v", f.Last())
	}
}

func TestFilter_LastOnlyMovesOnDispatch(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec)
	f.SetTolerance(5, 5, 5)

	// Repeated small moves must not creep the latch forward.
	for _, az := range []float64{2, 4, 4.9} {
		if f.Offer(rotation.FromDegrees(az, 0, 0)) {
			t.Fatalf("az=%v dispatched", az)
		}
	}
	if !f.Offer(rotation.FromDegrees(5.1, 0, 0)) {
		t.Fatalf("expected dispatch once cumulative change exceeds tolerance")
	}
}

func TestFilter_ZeroToleranceDispatchesEveryChange(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec)
	f.Offer(rotation.FromDegrees(1, 0, 0))
	f.Offer(rotation.FromDegrees(1, 0, 0))
	f.Offer(rotation.FromDegrees(1.001, 0, 0))
	if len(rec.calls) != 2 {
		t.Fatalf("calls=%d want 2", len(rec.calls))
	}
}

func TestDegrees_AzimuthNormalized(t *testing.T) {
	got := Degrees(rotation.FromDegrees(-30, -20, -170))
	if !near(got, [3]float64{330, -20, -170}) {
		t.Fatalf("got=%v want [330 -20 -170]", got)
	}
}

func TestFanout_SkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	d := Fanout(a, nil, b)
	d.OnOrientation(1, 2, 3)
	if len(a.calls) != 1 || len(b.calls) != 1 {
		t.Fatalf("a=%d b=%d", len(a.calls), len(b.calls))
	}
}
