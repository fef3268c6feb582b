package web

import (
	"sync"
	"time"

	"sensorfuse/internal/dispatch"
)

// OrientationBroadcaster fans dispatched orientations out to websocket
// clients. It keeps the most recent value so new subscribers get an
// immediate sample.
type OrientationBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan dispatch.Message
	nextID   int
	last     dispatch.Message
	haveLast bool
	dropped  uint64

	now func() time.Time
}

func NewOrientationBroadcaster() *OrientationBroadcaster {
	return &OrientationBroadcaster{
		subs: make(map[int]chan dispatch.Message),
		now:  time.Now,
	}
}

// OnOrientation implements dispatch.Delegate.
func (b *OrientationBroadcaster) OnOrientation(azimuth, pitch, roll float64) {
	if b == nil {
		return
	}
	b.Publish(dispatch.NewMessage(azimuth, pitch, roll, b.now()))
}

func (b *OrientationBroadcaster) Subscribe(buffer int) (int, <-chan dispatch.Message) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan dispatch.Message, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	// The channel is empty, so this cannot block, and no Publish can slip a
	// newer value in ahead of it.
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

func (b *OrientationBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks: a subscriber whose buffer is full misses the value.
func (b *OrientationBroadcaster) Publish(m dispatch.Message) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = m
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
			b.dropped++
		}
	}
}

// Last returns the most recently published orientation.
func (b *OrientationBroadcaster) Last() (dispatch.Message, bool) {
	if b == nil {
		return dispatch.Message{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

func (b *OrientationBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts values a slow subscriber missed.
func (b *OrientationBroadcaster) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
