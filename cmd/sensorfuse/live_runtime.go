package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sensorfuse/internal/config"
	"sensorfuse/internal/dispatch"
	"sensorfuse/internal/fusion"
	"sensorfuse/internal/gpio"
	"sensorfuse/internal/mqttpub"
	"sensorfuse/internal/replay"
	"sensorfuse/internal/sensors"
	"sensorfuse/internal/sensors/icm20948"
	"sensorfuse/internal/serialsrc"
	"sensorfuse/internal/sim"
	"sensorfuse/internal/udp"
	"sensorfuse/internal/web"
)

// device is an opened sample source plus what it needs released on exit.
type device struct {
	reader   sensors.Reader
	mask     sensors.Mask
	maxRange [3]float64
	trigger  <-chan struct{}
	closers  []func() error
}

type liveRuntime struct {
	cfg    config.Config
	dev    device
	bank   *sensors.Bank
	engine *fusion.Engine
	status *web.Status
	bcast  *web.OrientationBroadcaster
	logs   *web.LogBuffer

	udp  *udp.Broadcaster
	mqtt *mqttpub.Publisher

	closeOnce sync.Once
}

func newLiveRuntime(cfg config.Config, logs *web.LogBuffer) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	dev, err := openDevice(c)
	if err != nil {
		return nil, err
	}
	rt := &liveRuntime{
		cfg:    c,
		dev:    dev,
		status: web.NewStatus(),
		bcast:  web.NewOrientationBroadcaster(),
		logs:   logs,
	}

	var outputs []string
	delegates := []dispatch.Delegate{newLogDelegate(5 * time.Second)}
	if c.UDP.Enable {
		b, err := udp.NewBroadcaster(c.UDP.Dest)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.udp = b
		delegates = append(delegates, b)
		outputs = append(outputs, "udp")
	}
	if c.MQTT.Enable {
		p, err := mqttpub.Connect(mqttpub.Config{
			Broker:   c.MQTT.Broker,
			ClientID: c.MQTT.ClientID,
			Topic:    c.MQTT.Topic,
			QoS:      c.MQTT.QoS,
			Retain:   c.MQTT.Retain,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.mqtt = p
		delegates = append(delegates, p)
		outputs = append(outputs, "mqtt")
	}
	if c.Web.Enable {
		delegates = append(delegates, rt.bcast)
		outputs = append(outputs, "web")
	}
	if c.Record.Enable {
		outputs = append(outputs, "record")
	}

	rt.bank = sensors.NewBank(dev.reader, sensors.BankConfig{
		Name:      c.Source.Kind,
		Supported: c.Source.SupportedMask() & dev.mask,
		MaxRange:  dev.maxRange,
		Trigger:   dev.trigger,
	})
	rt.engine = fusion.New(fusion.Config{
		Sources: fusion.Sources{
			Accelerometer: rt.bank.Accelerometer(),
			Gyroscope:     rt.bank.Gyroscope(),
			Magnetometer:  rt.bank.Magnetometer(),
		},
		Delegate: dispatch.Fanout(delegates...),
	})
	t := c.Engine.Tolerance
	if err := rt.engine.SetTolerance(t.Azimuth, t.Pitch, t.Roll); err != nil {
		rt.Close()
		return nil, err
	}
	rt.status.SetStatic(c.Source.Kind, outputs)
	return rt, nil
}

func openDevice(c config.Config) (device, error) {
	var dev device
	src := c.Source

	switch src.Kind {
	case "sim":
		var profile sim.Profile = sim.Sweep{
			YawPeriod:   src.Sim.YawPeriod,
			PitchAmpDeg: src.Sim.PitchAmpDeg,
			RollAmpDeg:  src.Sim.RollAmpDeg,
		}
		if src.Sim.Script != "" {
			script, err := sim.LoadScript(src.Sim.Script)
			if err != nil {
				return device{}, fmt.Errorf("sim script: %w", err)
			}
			scn, err := sim.NewScenario(script, src.Sim.ScriptLoop)
			if err != nil {
				return device{}, fmt.Errorf("sim script %s: %w", src.Sim.Script, err)
			}
			profile = scn
		}
		motion := sim.Motion{Profile: profile, GyroBiasDps: src.Sim.GyroBiasDps}
		dev.reader = sim.NewDevice(motion, src.Sim.Noise, src.Sim.Seed)
		dev.mask = sensors.HasAll
		dev.maxRange = sim.MaxRange

	case "icm20948":
		ic := src.ICM20948
		if ic.DRDY.Enable {
			trig, err := gpio.Open(gpio.Config{Chip: ic.DRDY.Chip, Line: ic.DRDY.Line})
			if err != nil {
				return device{}, err
			}
			dev.trigger = trig.C()
			dev.closers = append(dev.closers, trig.Close)
		}
		board, err := icm20948.Open(icm20948.BoardConfig{
			Bus:     ic.Bus,
			Addr:    ic.Addr,
			MagAddr: ic.MagAddr,
			Options: icm20948.Options{
				SampleRateHz:       float64(time.Second) / float64(c.Engine.RateValue().SamplingInterval()),
				DataReadyInterrupt: ic.DRDY.Enable,
			},
		})
		if err != nil {
			closeAll(dev.closers)
			return device{}, err
		}
		dev.reader = board
		dev.mask = board.Mask()
		dev.maxRange = board.MaxRange()
		dev.closers = append(dev.closers, board.Close)

	case "serial":
		r, err := serialsrc.Open(serialsrc.Config{Port: src.Serial.Port, Baud: src.Serial.Baud})
		if err != nil {
			return device{}, err
		}
		// The attached IMU is unknown; MaxRange stays zero.
		dev.reader = r
		dev.mask = sensors.HasAll
		dev.closers = append(dev.closers, r.Close)

	case "replay":
		s, err := replay.OpenSource(src.Replay.Path, replay.SourceConfig{
			Speed: src.Replay.Speed,
			Loop:  src.Replay.Loop,
		})
		if err != nil {
			return device{}, err
		}
		log.Printf("replay: %s samples=%d speed=%g loop=%v", src.Replay.Path, s.Len(), src.Replay.Speed, src.Replay.Loop)
		dev.reader = s
		dev.mask = sensors.HasAll

	default:
		return device{}, fmt.Errorf("unknown source kind %q", src.Kind)
	}

	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path)
		if err != nil {
			closeAll(dev.closers)
			return device{}, err
		}
		rec := replay.NewRecorder(dev.reader, w)
		dev.reader = rec
		// Flush the log before the device goes away.
		dev.closers = append([]func() error{rec.Close}, dev.closers...)
		log.Printf("record: writing %s", c.Record.Path)
	}
	return dev, nil
}

// Run starts fusion and, if enabled, the web API, then blocks until ctx ends.
func (rt *liveRuntime) Run(ctx context.Context) error {
	ok, err := rt.engine.Supported()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("source %s does not provide both accelerometer and magnetometer", rt.cfg.Source.Kind)
	}
	if err := rt.engine.Start(ctx, rt.cfg.Engine.RateValue()); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if rt.cfg.Web.Enable {
		log.Printf("web: listening on %s", rt.cfg.Web.Listen)
		go func() {
			errCh <- web.Serve(ctx, rt.cfg.Web.Listen, web.Deps{
				Engine:      rt.engine,
				Orientation: rt.bcast,
				Status:      rt.status,
				Logs:        rt.logs,
			})
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("web: %w", err)
	}
}

// Close disposes the engine, then the outputs, then the device.
func (rt *liveRuntime) Close() {
	rt.closeOnce.Do(func() {
		if rt.engine != nil {
			if err := rt.engine.Dispose(); err != nil {
				log.Printf("fusion: dispose: %v", err)
			}
		}
		if rt.mqtt != nil {
			rt.mqtt.Close(time.Second)
		}
		if rt.udp != nil {
			_ = rt.udp.Close()
		}
		closeAll(rt.dev.closers)
		if rt.bank != nil {
			if err := rt.bank.LastError(); err != nil {
				log.Printf("sensors: last read error: %v", err)
			}
		}
	})
}

func closeAll(fns []func() error) {
	for _, fn := range fns {
		if err := fn(); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

// newLogDelegate logs at most one dispatched orientation per interval.
func newLogDelegate(interval time.Duration) dispatch.Delegate {
	var (
		mu   sync.Mutex
		last time.Time
		n    uint64
	)
	return dispatch.DelegateFunc(func(azimuth, pitch, roll float64) {
		mu.Lock()
		defer mu.Unlock()
		n++
		now := time.Now()
		if now.Sub(last) < interval {
			return
		}
		last = now
		log.Printf("orientation: azimuth=%.1f pitch=%.1f roll=%.1f dispatches=%d", azimuth, pitch, roll, n)
	})
}
