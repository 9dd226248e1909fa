// Package metrics exposes the bridge's prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch results.
const (
	DispatchOK           = "ok"
	DispatchNotConnected = "not_connected"
	DispatchError        = "error"
)

// Metrics groups the counters and gauges updated by the bridge.
type Metrics struct {
	streamsOpen      prometheus.Gauge
	fragments        prometheus.Counter
	droppedFragments prometheus.Counter
	dispatches       *prometheus.CounterVec
	connectionState  prometheus.Gauge
	inboundFrames    *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbridge_stream_open",
			Help: "Reply streams currently listening",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_stream_fragments_total",
			Help: "Fragments enqueued into reply streams",
		}),
		droppedFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_stream_fragments_dropped_total",
			Help: "Malformed server messages dropped by reply streams",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_dispatch_total",
			Help: "Chat events dispatched, by result",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbridge_connection_state",
			Help: "0 uninitialized, 1 negotiating, 2 connected, 3 disconnected",
		}),
		inboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_inbound_frames_total",
			Help: "Frames read from the pub/sub connection, by type",
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{
		m.streamsOpen, m.fragments, m.droppedFragments,
		m.dispatches, m.connectionState, m.inboundFrames,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.streamsOpen.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.streamsOpen.Dec()
	}
}

func (m *Metrics) FragmentEnqueued() {
	if m != nil {
		m.fragments.Inc()
	}
}

func (m *Metrics) FragmentDropped() {
	if m != nil {
		m.droppedFragments.Inc()
	}
}

func (m *Metrics) Dispatched(result string) {
	if m != nil {
		m.dispatches.WithLabelValues(result).Inc()
	}
}

// ConnectionState records the numeric value of a connection state.
func (m *Metrics) ConnectionState(state int) {
	if m != nil {
		m.connectionState.Set(float64(state))
	}
}

func (m *Metrics) InboundFrame(frameType string) {
	if m != nil {
		m.inboundFrames.WithLabelValues(frameType).Inc()
	}
}
