package sim

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"sensorfuse/internal/rotation"
)

// Script is a deterministic, keyframed attitude profile.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30s
//	keyframes:
//	  - t: 0s
//	    azimuth_deg: 350
//	    pitch_deg: 0
//	    roll_deg: 0
//	  - t: 10s
//	    azimuth_deg: 10
//	    pitch_deg: 20
//	    roll_deg: -15
//
// Keyframes must use non-decreasing t values. Azimuth interpolates along the
// shorter arc.
type Script struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

type Keyframe struct {
	T          time.Duration `yaml:"t"`
	AzimuthDeg float64       `yaml:"azimuth_deg"`
	PitchDeg   float64       `yaml:"pitch_deg"`
	RollDeg    float64       `yaml:"roll_deg"`
}

// Scenario is the validated, runtime representation of a Script.
type Scenario struct {
	script   Script
	duration time.Duration
	loop     bool
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	return s, nil
}

// NewScenario validates script. With loop set, time wraps around Duration();
// otherwise it is clamped to the last keyframe.
func NewScenario(script Script, loop bool) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if math.Abs(kf.PitchDeg) >= 90 {
			return nil, fmt.Errorf("keyframes[%d].pitch_deg must be within (-90, 90)", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Scenario{script: script, duration: dur, loop: loop}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// AttitudeAt returns the scripted attitude at elapsed.
func (s *Scenario) AttitudeAt(elapsed time.Duration) rotation.Orientation {
	if s == nil {
		return rotation.Orientation{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.loop {
		elapsed = elapsed % s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	az := lerpAngleDeg(k0.AzimuthDeg, k1.AzimuthDeg, alpha)
	if az > 180 {
		az -= 360
	}
	return rotation.FromDegrees(
		az,
		lerp(k0.PitchDeg, k1.PitchDeg, alpha),
		lerp(k0.RollDeg, k1.RollDeg, alpha),
	)
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shorter arc and returns [0, 360).
func lerpAngleDeg(a0, a1, t float64) float64 {
	norm := func(x float64) float64 {
		x = math.Mod(x, 360)
		if x < 0 {
			x += 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
