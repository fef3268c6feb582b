package sim

import (
	"math"
	"testing"
	"time"
)

func TestScenario_ParseAndInterpolateAngleWrap(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    azimuth_deg: 350
    pitch_deg: 0
    roll_deg: -20
  - t: 10s
    azimuth_deg: 10
    pitch_deg: 30
    roll_deg: 20
`)

	script, err := ParseScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScriptYAML: %v", err)
	}
	scn, err := NewScenario(script, false)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 10*time.Second)
	}

	// 350->10 goes through north, halfway is 0.
	got := scn.AttitudeAt(5 * time.Second).Degrees()
	want := [3]float64{0, 15, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("axis %d got=%v want=%v", i, got[i], want[i])
		}
	}

	// Past the end clamps to the last keyframe.
	got = scn.AttitudeAt(time.Minute).Degrees()
	if math.Abs(got[0]-10) > 1e-9 || math.Abs(got[1]-30) > 1e-9 {
		t.Fatalf("clamped attitude=%v", got)
	}

	// Azimuth is reported in (-180, 180].
	got = scn.AttitudeAt(time.Second).Degrees()
	if math.Abs(got[0]+8) > 1e-9 {
		t.Fatalf("azimuth=%v want -8", got[0])
	}
}

func TestScenario_LoopWraps(t *testing.T) {
	scn, err := NewScenario(Script{Keyframes: []Keyframe{
		{T: 0, PitchDeg: 0},
		{T: 4 * time.Second, PitchDeg: 40},
	}}, true)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	got := scn.AttitudeAt(5 * time.Second).Degrees()
	if math.Abs(got[1]-10) > 1e-9 {
		t.Fatalf("pitch=%v want 10", got[1])
	}
}

func TestNewScenario_Validation(t *testing.T) {
	cases := []struct {
		name   string
		script Script
		want   string
	}{
		{"Version", Script{Version: 2, Keyframes: []Keyframe{{T: time.Second}}}, "unsupported scenario version 2"},
		{"Empty", Script{}, "keyframes is required"},
		{"Negative", Script{Keyframes: []Keyframe{{T: -time.Second}}}, "keyframes[0].t must be >= 0"},
		{"Unsorted", Script{Keyframes: []Keyframe{{T: 2 * time.Second}, {T: time.Second}}}, "keyframes must be sorted by t (index 1)"},
		{"Pitch", Script{Keyframes: []Keyframe{{T: time.Second, PitchDeg: 90}}}, "keyframes[0].pitch_deg must be within (-90, 90)"},
		{"NoDuration", Script{Keyframes: []Keyframe{{T: 0}}}, "duration is required (or deriveable from keyframes)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScenario(tc.script, false)
			if err == nil || err.Error() != tc.want {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}
