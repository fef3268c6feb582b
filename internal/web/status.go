package web

import (
	"sync/atomic"
	"time"

	"sensorfuse/internal/dispatch"
	"sensorfuse/internal/fusion"
)

// Status holds process-level facts that don't belong to the engine.
type Status struct {
	startUnixNano int64
	source        atomic.Value // string
	outputs       atomic.Value // []string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.source.Store("")
	s.outputs.Store([]string{})
	return s
}

// SetStatic records the configured source kind and enabled outputs.
func (s *Status) SetStatic(source string, outputs []string) {
	if source != "" {
		s.source.Store(source)
	}
	if outputs != nil {
		s.outputs.Store(append([]string(nil), outputs...))
	}
}

type StatusSnapshot struct {
	Service     string            `json:"service"`
	Version     string            `json:"version,omitempty"`
	NowUTC      string            `json:"now_utc"`
	UptimeSec   int64             `json:"uptime_sec"`
	Source      string            `json:"source"`
	Outputs     []string          `json:"outputs"`
	Engine      *fusion.Snapshot  `json:"engine,omitempty"`
	Orientation *dispatch.Message `json:"orientation,omitempty"`
	WSClients   int               `json:"ws_clients"`
	WSDropped   uint64            `json:"ws_dropped"`
}

func (s *Status) Snapshot(nowUTC time.Time, eng EngineController, bcast *OrientationBroadcaster) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   serviceName,
		Version:   readBuild().Version,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Source:    s.source.Load().(string),
		Outputs:   s.outputs.Load().([]string),
		WSClients: bcast.Subscribers(),
		WSDropped: bcast.Dropped(),
	}
	if eng != nil {
		es := eng.Snapshot()
		snap.Engine = &es
	}
	if m, ok := bcast.Last(); ok {
		snap.Orientation = &m
	}
	return snap
}
