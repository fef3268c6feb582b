package udp

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"sensorfuse/internal/dispatch"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Broadcaster sends one JSON datagram per dispatched orientation.
type Broadcaster struct {
	dest string
	conn udpConn
	now  func() time.Time

	mu      sync.Mutex
	sent    uint64
	errs    uint64
	lastErr string
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial: %w", err)
	}

	return &Broadcaster{dest: dest, conn: conn, now: time.Now}, nil
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// OnOrientation implements dispatch.Delegate. Errors are counted and logged
// on change; a dead receiver must not stall the fusion tick.
func (b *Broadcaster) OnOrientation(azimuth, pitch, roll float64) {
	payload, err := dispatch.NewMessage(azimuth, pitch, roll, b.now()).Marshal()
	if err == nil {
		err = b.Send(payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.errs++
		if msg := err.Error(); msg != b.lastErr {
			log.Printf("udp: send to %s failed: %v", b.dest, err)
			b.lastErr = msg
		}
		return
	}
	b.sent++
	b.lastErr = ""
}

// Stats returns datagrams sent and send failures.
func (b *Broadcaster) Stats() (sent, errs uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent, b.errs
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
