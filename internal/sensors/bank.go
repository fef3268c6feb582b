package sensors

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// BankConfig describes a multi-sensor device.
type BankConfig struct {
	Name      string
	Supported Mask
	// MaxRange is indexed by Kind.
	MaxRange [3]float64
	// Trigger, when set, paces polls instead of the rate's sampling interval
	// (e.g. a data-ready interrupt line).
	Trigger <-chan struct{}
}

// Bank polls one Reader and fans readings out to up to three Sources.
// The poll loop runs while at least one of its sources is started.
type Bank struct {
	cfg    BankConfig
	reader Reader
	clock  func() int64

	mu      sync.Mutex
	sinks   [3]Sink
	active  int
	stopCh  chan struct{}
	doneCh  chan struct{}
	readErr error
}

func NewBank(reader Reader, cfg BankConfig) *Bank {
	if cfg.Name == "" {
		cfg.Name = "bank"
	}
	return &Bank{cfg: cfg, reader: reader, clock: Monotonic}
}

func (b *Bank) Accelerometer() Source { return &bankSource{bank: b, kind: Accelerometer} }
func (b *Bank) Gyroscope() Source     { return &bankSource{bank: b, kind: Gyroscope} }
func (b *Bank) Magnetometer() Source  { return &bankSource{bank: b, kind: Magnetometer} }

// LastError returns the most recent read failure, if any.
func (b *Bank) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readErr
}

func (b *Bank) start(k Kind, rate Rate, sink Sink) error {
	if b.reader == nil {
		return fmt.Errorf("sensors: %s reader is nil", b.cfg.Name)
	}
	if !b.cfg.Supported.Has(k) {
		return fmt.Errorf("sensors: %s %s not supported", b.cfg.Name, k)
	}
	if sink == nil {
		return fmt.Errorf("sensors: %s %s sink is nil", b.cfg.Name, k)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sinks[k] != nil {
		return fmt.Errorf("sensors: %s %s already started", b.cfg.Name, k)
	}
	b.sinks[k] = sink
	b.active++
	if b.active == 1 {
		b.stopCh = make(chan struct{})
		b.doneCh = make(chan struct{})
		go b.run(rate, b.stopCh, b.doneCh)
	}
	return nil
}

func (b *Bank) stop(k Kind) error {
	b.mu.Lock()
	if b.sinks[k] == nil {
		b.mu.Unlock()
		return nil
	}
	b.sinks[k] = nil
	b.active--
	if b.active > 0 {
		b.mu.Unlock()
		return nil
	}
	stopCh, doneCh := b.stopCh, b.doneCh
	b.stopCh, b.doneCh = nil, nil
	b.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

func (b *Bank) run(rate Rate, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	trigger := b.cfg.Trigger
	var tick <-chan time.Time
	if trigger == nil {
		t := time.NewTicker(rate.SamplingInterval())
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-stopCh:
			return
		case <-tick:
		case _, ok := <-trigger:
			if !ok {
				log.Printf("sensors: %s trigger closed", b.cfg.Name)
				return
			}
		}
		b.poll()
	}
}

// fanOutOrder delivers the magnetometer ahead of the accelerometer so the
// accel-triggered recompute sees the field from the same reading.
var fanOutOrder = [...]Kind{Magnetometer, Accelerometer, Gyroscope}

func (b *Bank) poll() {
	r, err := b.reader.Read()
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return
		}
		b.mu.Lock()
		prev := b.readErr
		b.readErr = err
		b.mu.Unlock()
		// Only log transitions so a dead device does not flood the log.
		if prev == nil || prev.Error() != err.Error() {
			log.Printf("sensors: %s read failed: %v", b.cfg.Name, err)
		}
		return
	}
	if r.TimestampNs == 0 {
		r.TimestampNs = b.clock()
	}

	b.mu.Lock()
	b.readErr = nil
	sinks := b.sinks
	b.mu.Unlock()

	for _, k := range fanOutOrder {
		if sinks[k] == nil || !r.Present.Has(k) {
			continue
		}
		sinks[k](Sample{Kind: k, TimestampNs: r.TimestampNs, Values: r.Value(k)})
	}
}

type bankSource struct {
	bank *Bank
	kind Kind
}

func (s *bankSource) Kind() Kind { return s.kind }

func (s *bankSource) Supported() bool {
	return s.bank != nil && s.bank.reader != nil && s.bank.cfg.Supported.Has(s.kind)
}

func (s *bankSource) MaximumRange() float64 { return s.bank.cfg.MaxRange[s.kind] }

func (s *bankSource) Start(rate Rate, sink Sink) error { return s.bank.start(s.kind, rate, sink) }

func (s *bankSource) Stop() error { return s.bank.stop(s.kind) }
