// Package telemetry aggregates runtime counters for one participant. The
// counters are plain atomics so the hot path never touches a histogram
// lock; prometheus reads them through CounterFunc collectors and the admin
// surface through Snapshot.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the counter set of one participant.
type Metrics struct {
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	MessagesDropped  atomic.Uint64
	Retransmits      atomic.Uint64
	Acknacks         atomic.Uint64
	Heartbeats       atomic.Uint64
	SamplesLost      atomic.Uint64
	PoolExhausted    atomic.Uint64

	// Latency quantile estimates in nanoseconds, fed by the ring
	// timestamps on take.
	latencyP50 atomic.Uint64
	latencyP99 atomic.Uint64
}

// New creates an empty counter set.
func New() *Metrics {
	return &Metrics{}
}

// ObserveLatency feeds one end-to-end latency observation. A coarse
// exponential moving estimate stands in for a full histogram; the admin
// surface only reports p50/p99 approximations.
func (m *Metrics) ObserveLatency(ns uint64) {
	// EMA with 1/8 weight for p50; p99 tracks the maximum, decaying
	// toward the current observation so stale spikes age out.
	old := m.latencyP50.Load()
	m.latencyP50.Store(old - old/8 + ns/8)
	if p99 := m.latencyP99.Load(); ns >= p99 {
		m.latencyP99.Store(ns)
	} else {
		m.latencyP99.Store(p99 - (p99-ns)/256)
	}
}

// Snapshot is a point-in-time copy for the admin JSON surface.
type Snapshot struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	Retransmits      uint64 `json:"retransmits"`
	Acknacks         uint64 `json:"acknacks"`
	Heartbeats       uint64 `json:"heartbeats"`
	SamplesLost      uint64 `json:"samples_lost"`
	PoolExhausted    uint64 `json:"pool_exhausted"`
	LatencyP50NS     uint64 `json:"latency_p50_ns"`
	LatencyP99NS     uint64 `json:"latency_p99_ns"`
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		MessagesDropped:  m.MessagesDropped.Load(),
		Retransmits:      m.Retransmits.Load(),
		Acknacks:         m.Acknacks.Load(),
		Heartbeats:       m.Heartbeats.Load(),
		SamplesLost:      m.SamplesLost.Load(),
		PoolExhausted:    m.PoolExhausted.Load(),
		LatencyP50NS:     m.latencyP50.Load(),
		LatencyP99NS:     m.latencyP99.Load(),
	}
}

// Register installs prometheus collectors reading the atomic counters.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		src  *atomic.Uint64
	}{
		{"hdds_messages_sent_total", "RTPS messages sent.", &m.MessagesSent},
		{"hdds_messages_received_total", "RTPS messages received.", &m.MessagesReceived},
		{"hdds_messages_dropped_total", "Messages dropped before delivery.", &m.MessagesDropped},
		{"hdds_retransmits_total", "Samples retransmitted on NACK.", &m.Retransmits},
		{"hdds_acknacks_total", "ACKNACK submessages processed.", &m.Acknacks},
		{"hdds_heartbeats_total", "HEARTBEAT submessages processed.", &m.Heartbeats},
		{"hdds_samples_lost_total", "Samples lost to ring overflow or eviction.", &m.SamplesLost},
		{"hdds_rx_pool_exhausted_total", "Receive pool exhaustion events.", &m.PoolExhausted},
	}
	for _, c := range counters {
		src := c.src
		if err := reg.Register(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(src.Load()) },
		)); err != nil {
			return err
		}
	}
	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "hdds_latency_p50_nanoseconds", Help: "Approximate end-to-end p50 latency."},
		func() float64 { return float64(m.latencyP50.Load()) },
	))
}
