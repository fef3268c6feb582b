package mqttpub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensorfuse/internal/dispatch"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newDoneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	calls        []publishCall
	next         func() *fakeToken
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, publishCall{topic, qos, retained, payload.([]byte)})
	if c.next != nil {
		return c.next()
	}
	return newDoneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func TestPublisher_PublishesRetainedJSON(t *testing.T) {
	fc := &fakeClient{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := newPublisher(Config{Topic: "sensorfuse/orientation", QoS: 1, Retain: true}, fc)
	p.now = func() time.Time { return at }

	p.OnOrientation(90, 1.5, -3)

	if len(fc.calls) != 1 {
		t.Fatalf("calls=%d want 1", len(fc.calls))
	}
	call := fc.calls[0]
	if call.topic != "sensorfuse/orientation" || call.qos != 1 || !call.retained {
		t.Fatalf("call=%+v", call)
	}
	var msg dispatch.Message
	if err := json.Unmarshal(call.payload, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.AzimuthDeg != 90 || msg.PitchDeg != 1.5 || msg.RollDeg != -3 || !msg.Time.Equal(at) {
		t.Fatalf("msg=%+v", msg)
	}
	if pub, failed := p.Stats(); pub != 1 || failed != 0 {
		t.Fatalf("published=%d failed=%d", pub, failed)
	}
}

func TestPublisher_PendingTokenCompletesAsynchronously(t *testing.T) {
	pending := &fakeToken{done: make(chan struct{}), err: errors.New("not connected")}
	fc := &fakeClient{next: func() *fakeToken { return pending }}
	p := newPublisher(Config{Topic: "t"}, fc)

	p.OnOrientation(1, 2, 3)
	if pub, failed := p.Stats(); pub != 0 || failed != 0 {
		t.Fatalf("stats before completion=%d/%d", pub, failed)
	}

	close(pending.done)
	p.Close(time.Second)

	if pub, failed := p.Stats(); pub != 0 || failed != 1 {
		t.Fatalf("published=%d failed=%d want 0/1", pub, failed)
	}
	if !fc.disconnected {
		t.Fatalf("expected Disconnect")
	}
}

func TestPublisher_BoundsPendingPublishes(t *testing.T) {
	var pending []*fakeToken
	fc := &fakeClient{next: func() *fakeToken {
		tok := &fakeToken{done: make(chan struct{})}
		pending = append(pending, tok)
		return tok
	}}
	p := newPublisher(Config{Topic: "t", QoS: 1}, fc)
	p.maxPending = 3

	for i := 0; i < 10; i++ {
		p.OnOrientation(float64(i), 0, 0)
	}
	if len(fc.calls) != 3 {
		t.Fatalf("calls=%d want 3", len(fc.calls))
	}
	if got := p.Dropped(); got != 7 {
		t.Fatalf("dropped=%d want 7", got)
	}

	// Completions free slots again.
	for _, tok := range pending {
		close(tok.done)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if pub, _ := p.Stats(); pub == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending publishes never completed")
		}
		time.Sleep(time.Millisecond)
	}
	p.OnOrientation(1, 2, 3)
	if len(fc.calls) != 4 {
		t.Fatalf("calls=%d want 4 after completions", len(fc.calls))
	}
	p.Close(time.Second)
}

func TestPublisher_NoPublishAfterClose(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(Config{Topic: "t"}, fc)
	p.Close(time.Second)
	p.OnOrientation(1, 2, 3)
	if len(fc.calls) != 0 {
		t.Fatalf("calls=%d want 0", len(fc.calls))
	}
}

func TestConnect_Validation(t *testing.T) {
	if _, err := Connect(Config{Topic: "t"}); err == nil || err.Error() != "mqttpub: broker is required" {
		t.Fatalf("err=%v", err)
	}
	if _, err := Connect(Config{Broker: "tcp://localhost:1883"}); err == nil || err.Error() != "mqttpub: topic is required" {
		t.Fatalf("err=%v", err)
	}
}
