package gpio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Config selects a data-ready input line.
type Config struct {
	// Chip is a gpiochip name or path, e.g. "gpiochip0".
	Chip string
	// Line is the line offset on Chip.
	Line int
	// Consumer labels the request in the kernel; empty means "sensorfuse-drdy".
	Consumer string
}

// Trigger turns rising edges on an input line into ticks on a channel. Edges
// that arrive while a tick is still pending are coalesced.
type Trigger struct {
	ch      chan struct{}
	edges   atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	release   func() error
	mu        sync.Mutex
	closed    bool
}

func newTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// C is the tick channel. It is closed by Close.
func (t *Trigger) C() <-chan struct{} { return t.ch }

// Edges and Dropped report how many edges were seen and how many were
// coalesced into an already pending tick.
func (t *Trigger) Edges() uint64   { return t.edges.Load() }
func (t *Trigger) Dropped() uint64 { return t.dropped.Load() }

func (t *Trigger) pulse() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.edges.Add(1)
	select {
	case t.ch <- struct{}{}:
	default:
		t.dropped.Add(1)
	}
}

func (t *Trigger) Close() error {
	if t == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		if t.release != nil {
			err = t.release()
		}
		t.mu.Lock()
		t.closed = true
		close(t.ch)
		t.mu.Unlock()
	})
	return err
}

// Open requests cfg's line for rising-edge events.
func Open(cfg Config) (*Trigger, error) {
	if cfg.Chip == "" {
		return nil, fmt.Errorf("gpio: chip is required")
	}
	if cfg.Line < 0 {
		return nil, fmt.Errorf("gpio: invalid line %d", cfg.Line)
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "sensorfuse-drdy"
	}
	t := newTrigger()
	release, err := openEdgeFn(cfg, t.pulse)
	if err != nil {
		return nil, err
	}
	t.release = release
	return t, nil
}
