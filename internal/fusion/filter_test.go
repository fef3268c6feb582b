package fusion

import (
	"math"
	"testing"

	"sensorfuse/internal/rotation"
)

func deg(rad float64) float64 { return rad * 180 / math.Pi }

func TestComplementary_WrapGyroNegative(t *testing.T) {
	gyro := rotation.FromDegrees(-179, -179, -179)
	accMag := rotation.FromDegrees(179, 179, 179)

	got := Complementary(gyro, accMag)
	for i, v := range got {
		d := deg(v)
		if math.Abs(math.Abs(d)-179) > 2.5 {
			t.Fatalf("axis %d fused=%.3f deg, want near ±179", i, d)
		}
	}
	// 0.98*181 + 0.02*179 = 180.96 -> -179.04
	if d := deg(got[0]); math.Abs(d+179.04) > 1e-6 {
		t.Fatalf("azimuth=%.6f want -179.04", d)
	}
}

func TestComplementary_WrapDirectNegative(t *testing.T) {
	gyro := rotation.FromDegrees(179, 0, 0)
	accMag := rotation.FromDegrees(-179, 0, 0)

	d := deg(Complementary(gyro, accMag)[0])
	// 0.98*179 + 0.02*181 = 179.04
	if math.Abs(d-179.04) > 1e-6 {
		t.Fatalf("azimuth=%.6f want 179.04", d)
	}
}

func TestComplementary_NoWrapBlendsDirectly(t *testing.T) {
	gyro := rotation.FromDegrees(10, -20, 30)
	accMag := rotation.FromDegrees(20, -10, 40)

	got := Complementary(gyro, accMag)
	want := [3]float64{10.2, -19.8, 30.2}
	for i := range want {
		if d := deg(got[i]); math.Abs(d-want[i]) > 1e-9 {
			t.Fatalf("axis %d=%.9f want %.9f", i, d, want[i])
		}
	}
}

func TestComplementary_SmallNegativeGyroNotWrapped(t *testing.T) {
	// Only estimates beyond -90° trigger the seam correction.
	d := deg(Complementary(rotation.FromDegrees(-80, 0, 0), rotation.FromDegrees(100, 0, 0))[0])
	want := 0.98*-80 + 0.02*100
	if math.Abs(d-want) > 1e-9 {
		t.Fatalf("azimuth=%.9f want %.9f", d, want)
	}
}
