package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.MessagesSent.Add(3)
	m.Retransmits.Add(1)
	m.SamplesLost.Add(2)

	s := m.Snapshot()
	assert.Equal(t, uint64(3), s.MessagesSent)
	assert.Equal(t, uint64(1), s.Retransmits)
	assert.Equal(t, uint64(2), s.SamplesLost)
	assert.Zero(t, s.MessagesReceived)
}

func TestRegisterExportsCounters(t *testing.T) {
	m := New()
	m.MessagesSent.Add(5)
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "hdds_messages_sent_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 5.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestLatencyEstimates(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		m.ObserveLatency(1000)
	}
	s := m.Snapshot()
	assert.Greater(t, s.LatencyP50NS, uint64(0))
	assert.GreaterOrEqual(t, s.LatencyP99NS, s.LatencyP50NS)
}
