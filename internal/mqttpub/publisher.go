package mqttpub

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensorfuse/internal/dispatch"
)

// maxPending bounds publishes awaiting broker completion. Beyond it new
// orientations are dropped until the broker catches up.
const maxPending = 32

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retain   bool
}

// client is the subset of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher publishes every dispatched orientation as JSON on one topic.
// Publishing never blocks the caller; completion is observed asynchronously.
type Publisher struct {
	cfg        Config
	c          client
	now        func() time.Time
	maxPending int

	mu        sync.Mutex
	published uint64
	failed    uint64
	dropped   uint64
	pending   int
	lastErr   string
	closed    bool
	inflight  sync.WaitGroup
}

func Connect(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqttpub: broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqttpub: topic is required")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqttpub: connection lost: %v", err)
		})

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttpub: connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("mqttpub: connected to %s topic=%s", cfg.Broker, cfg.Topic)
	return newPublisher(cfg, c), nil
}

func newPublisher(cfg Config, c client) *Publisher {
	return &Publisher{cfg: cfg, c: c, now: time.Now, maxPending: maxPending}
}

// OnOrientation implements dispatch.Delegate.
func (p *Publisher) OnOrientation(azimuth, pitch, roll float64) {
	payload, err := dispatch.NewMessage(azimuth, pitch, roll, p.now()).Marshal()
	if err != nil {
		p.record(err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.pending >= p.maxPending {
		p.dropped++
		if p.dropped == 1 {
			log.Printf("mqttpub: %d publishes pending, dropping until the broker catches up", p.pending)
		}
		p.mu.Unlock()
		return
	}
	p.pending++
	p.inflight.Add(1)
	p.mu.Unlock()

	token := p.c.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retain, payload)
	select {
	case <-token.Done():
		p.finish(token.Error())
	default:
		go func() {
			<-token.Done()
			p.finish(token.Error())
		}()
	}
}

func (p *Publisher) finish(err error) {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
	p.record(err)
	p.inflight.Done()
}

func (p *Publisher) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.published++
		p.lastErr = ""
		return
	}
	p.failed++
	if msg := err.Error(); msg != p.lastErr {
		log.Printf("mqttpub: publish to %s failed: %v", p.cfg.Topic, err)
		p.lastErr = msg
	}
}

// Stats returns completed and failed publishes.
func (p *Publisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}

// Dropped returns orientations skipped while too many publishes were pending.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close waits up to timeout for pending publishes and disconnects.
func (p *Publisher) Close(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("mqttpub: closing with publishes still pending")
	}
	p.c.Disconnect(250)
}
