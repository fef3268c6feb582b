package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sensorfuse/internal/sensors"
)

type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Source SourceConfig `yaml:"source"`
	Record RecordConfig `yaml:"record"`
	UDP    UDPConfig    `yaml:"udp"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Web    WebConfig    `yaml:"web"`
}

type EngineConfig struct {
	// Rate is one of NORMAL, UI, GAME, FASTEST.
	Rate      string          `yaml:"rate"`
	Tolerance ToleranceConfig `yaml:"tolerance_deg"`
}

type ToleranceConfig struct {
	Azimuth float64 `yaml:"azimuth"`
	Pitch   float64 `yaml:"pitch"`
	Roll    float64 `yaml:"roll"`
}

type SourceConfig struct {
	// Kind is one of sim, icm20948, serial, replay.
	Kind string `yaml:"kind"`
	// Sensors limits which sensors are reported as supported
	// (accelerometer, gyroscope, magnetometer). Empty means all.
	Sensors []string `yaml:"sensors"`

	Sim      SimConfig      `yaml:"sim"`
	ICM20948 ICM20948Config `yaml:"icm20948"`
	Serial   SerialConfig   `yaml:"serial"`
	Replay   ReplayConfig   `yaml:"replay"`
}

type SimConfig struct {
	Seed        int64         `yaml:"seed"`
	YawPeriod   time.Duration `yaml:"yaw_period"`
	PitchAmpDeg float64       `yaml:"pitch_amp_deg"`
	RollAmpDeg  float64       `yaml:"roll_amp_deg"`
	GyroBiasDps float64       `yaml:"gyro_bias_dps"`
	Noise       float64       `yaml:"noise"`

	// Script, when set, replaces the sweep with a keyframed attitude script.
	Script     string `yaml:"script"`
	ScriptLoop bool   `yaml:"script_loop"`
}

type ICM20948Config struct {
	Bus     int        `yaml:"bus"`
	Addr    uint16     `yaml:"addr"`
	MagAddr uint16     `yaml:"mag_addr"`
	DRDY    DRDYConfig `yaml:"drdy"`
}

// DRDYConfig selects a GPIO line wired to the IMU's data-ready interrupt.
type DRDYConfig struct {
	Enable bool   `yaml:"enable"`
	Chip   string `yaml:"chip"`
	Line   int    `yaml:"line"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud uint   `yaml:"baud"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			msgs := make([]string, 0, len(te.Errors))
			for _, m := range te.Errors {
				msgs = append(msgs, linePrefix.ReplaceAllString(m, ""))
			}
			if strings.Contains(msgs[0], "not found in type") {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
			}
			return Config{}, fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return Config{}, err
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and rejects invalid
// combinations. It is also used by callers that build a Config in code.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Engine.Rate == "" {
		cfg.Engine.Rate = "UI"
	}
	rate, err := sensors.ParseRate(cfg.Engine.Rate)
	if err != nil {
		return fmt.Errorf("engine.rate must be one of NORMAL, UI, GAME, FASTEST")
	}
	cfg.Engine.Rate = rate.String()
	t := cfg.Engine.Tolerance
	if t.Azimuth < 0 || t.Pitch < 0 || t.Roll < 0 {
		return fmt.Errorf("engine.tolerance_deg values must be >= 0")
	}

	src := &cfg.Source
	src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
	if src.Kind == "" {
		src.Kind = "sim"
	}
	for i, s := range src.Sensors {
		s = strings.ToLower(strings.TrimSpace(s))
		if _, ok := sensorKinds[s]; !ok {
			return fmt.Errorf("source.sensors: unknown sensor %q", s)
		}
		src.Sensors[i] = s
	}

	switch src.Kind {
	case "sim":
		if src.Sim.YawPeriod <= 0 {
			src.Sim.YawPeriod = 60 * time.Second
		}
		if src.Sim.PitchAmpDeg == 0 {
			src.Sim.PitchAmpDeg = 10
		}
		if src.Sim.RollAmpDeg == 0 {
			src.Sim.RollAmpDeg = 15
		}
		if src.Sim.Noise < 0 {
			return fmt.Errorf("source.sim.noise must be >= 0")
		}
	case "icm20948":
		if src.ICM20948.Bus < 0 {
			return fmt.Errorf("source.icm20948.bus must be >= 0")
		}
		if src.ICM20948.Bus == 0 {
			src.ICM20948.Bus = 1
		}
		if src.ICM20948.Addr == 0 {
			src.ICM20948.Addr = 0x68
		}
		if src.ICM20948.MagAddr == 0 {
			src.ICM20948.MagAddr = 0x0C
		}
		if src.ICM20948.DRDY.Enable {
			if src.ICM20948.DRDY.Chip == "" {
				src.ICM20948.DRDY.Chip = "gpiochip0"
			}
			if src.ICM20948.DRDY.Line < 0 {
				return fmt.Errorf("source.icm20948.drdy.line must be >= 0")
			}
		}
	case "serial":
		if src.Serial.Port == "" {
			return fmt.Errorf("source.serial.port is required when source.kind is 'serial'")
		}
		if src.Serial.Baud == 0 {
			src.Serial.Baud = 115200
		}
	case "replay":
		if src.Replay.Path == "" {
			return fmt.Errorf("source.replay.path is required when source.kind is 'replay'")
		}
		if src.Replay.Speed == 0 {
			src.Replay.Speed = 1
		}
		if src.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
	default:
		return fmt.Errorf("source.kind must be one of sim, icm20948, serial, replay")
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if src.Kind == "replay" {
			return fmt.Errorf("record cannot be used with source.kind 'replay'")
		}
	}

	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.MQTT.Enable {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "sensorfuse"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "sensorfuse/orientation"
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}

var sensorKinds = map[string]sensors.Kind{
	"accelerometer": sensors.Accelerometer,
	"gyroscope":     sensors.Gyroscope,
	"magnetometer":  sensors.Magnetometer,
}

// SupportedMask turns source.sensors into a mask. Empty means every sensor.
func (s SourceConfig) SupportedMask() sensors.Mask {
	if len(s.Sensors) == 0 {
		return sensors.HasAll
	}
	var m sensors.Mask
	for _, name := range s.Sensors {
		if k, ok := sensorKinds[name]; ok {
			m |= 1 << k
		}
	}
	return m
}

// RateValue returns the parsed engine rate. Only valid after DefaultAndValidate.
func (e EngineConfig) RateValue() sensors.Rate {
	r, _ := sensors.ParseRate(e.Rate)
	return r
}
