package dds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hdds-platform/hdds/cdr"
	"github.com/hdds-platform/hdds/qos"
)

// Temperature is the sample type used across the entity-layer tests.
type Temperature struct {
	SensorID int32
	Value    float64
}

func (t Temperature) MarshalCDR(e *cdr.Encoder) error {
	if err := e.WriteInt32(t.SensorID); err != nil {
		return err
	}
	return e.WriteFloat64(t.Value)
}

func (t *Temperature) UnmarshalCDR(d *cdr.Decoder) error {
	var err error
	if t.SensorID, err = d.ReadInt32(); err != nil {
		return err
	}
	t.Value, err = d.ReadFloat64()
	return err
}

// newTestParticipant creates a participant on a high domain id, skipping
// the test where the environment forbids multicast.
func newTestParticipant(t *testing.T, domain int) *Participant {
	t.Helper()
	p, err := NewParticipant(domain, qos.Profile{}, WithLog(zaptest.NewLogger(t).Sugar()))
	if err != nil {
		t.Skipf("network unavailable for participant tests: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBasicRoundTrip(t *testing.T) {
	p := newTestParticipant(t, 100)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	topic := NewTopic("temperature", "Temperature")

	writer, err := CreateWriter[Temperature](pub, topic, nil)
	require.NoError(t, err)
	reader, err := CreateReader[Temperature](sub, topic, nil)
	require.NoError(t, err)

	sent := Temperature{SensorID: 1, Value: 25.5}
	require.NoError(t, writer.Write(sent))

	var got Temperature
	require.Eventually(t, func() bool {
		v, ok := reader.Take()
		if ok {
			got = v
		}
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, sent, got)

	// Exactly once: nothing further to take.
	_, ok := reader.Take()
	assert.False(t, ok)
}

func TestTakeWithInfoCarriesWriterAndSeq(t *testing.T) {
	p := newTestParticipant(t, 101)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	topic := NewTopic("t", "Temperature")

	writer, err := CreateWriter[Temperature](pub, topic, nil)
	require.NoError(t, err)
	reader, err := CreateReader[Temperature](sub, topic, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, writer.Write(Temperature{SensorID: int32(i)}))
	}

	var infos []SampleInfo
	require.Eventually(t, func() bool {
		for {
			_, info, ok := reader.TakeWithInfo()
			if !ok {
				break
			}
			infos = append(infos, info)
		}
		return len(infos) == 3
	}, time.Second, 5*time.Millisecond)

	for i, info := range infos {
		assert.Equal(t, int64(i+1), info.Seq, "sequence numbers are monotonic from 1")
		assert.Equal(t, writer.GUID(), info.Writer)
	}
}

func TestIncompatibleQosNoDelivery(t *testing.T) {
	p := newTestParticipant(t, 102)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	topic := NewTopic("t", "Temperature")

	writer, err := CreateWriter[Temperature](pub, topic, &qos.Overrides{
		Reliability: &qos.Reliability{Kind: qos.BestEffort},
	})
	require.NoError(t, err)
	reader, err := CreateReader[Temperature](sub, topic, &qos.Overrides{
		Reliability: &qos.Reliability{Kind: qos.Reliable},
	})
	require.NoError(t, err)

	offered := writer.OfferedIncompatibleQos()
	requested := reader.RequestedIncompatibleQos()
	assert.Equal(t, 1, offered.TotalCount)
	assert.Equal(t, qos.PolicyReliability, offered.LastPolicy)
	assert.Equal(t, 1, requested.TotalCount)

	require.NoError(t, writer.Write(Temperature{Value: 1}))
	time.Sleep(100 * time.Millisecond)
	_, ok := reader.Take()
	assert.False(t, ok, "no sample crosses an incompatible match")
}

// Late joiner with TRANSIENT_LOCAL durability: the last min(N, k) samples
// replay in order before anything new.
func TestTransientLocalLateJoinerReplay(t *testing.T) {
	p := newTestParticipant(t, 103)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	topic := NewTopic("t", "Temperature")

	writer, err := CreateWriter[Temperature](pub, topic, &qos.Overrides{
		Durability: &qos.Durability{Kind: qos.TransientLocal},
		History:    &qos.History{Kind: qos.KeepLast, Depth: 3},
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, writer.Write(Temperature{SensorID: int32(i)}))
	}
	// Let the data worker drain before the reader joins.
	time.Sleep(100 * time.Millisecond)

	reader, err := CreateReader[Temperature](sub, topic, &qos.Overrides{
		Durability: &qos.Durability{Kind: qos.TransientLocal},
	})
	require.NoError(t, err)

	var got []int32
	require.Eventually(t, func() bool {
		for {
			v, ok := reader.Take()
			if !ok {
				break
			}
			got = append(got, v.SensorID)
		}
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{3, 4, 5}, got)
}

func TestContentFilteredReader(t *testing.T) {
	p := newTestParticipant(t, 104)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	base := NewTopic("t", "Temperature")

	cft, err := NewContentFilteredTopic(base, "value > %0", []string{"25.0"})
	require.NoError(t, err)

	writer, err := CreateWriter[Temperature](pub, base, nil)
	require.NoError(t, err)
	reader, err := CreateFilteredReader[Temperature](sub, cft, nil)
	require.NoError(t, err)

	for _, v := range []float64{20.0, 25.5, 30.0} {
		require.NoError(t, writer.Write(Temperature{Value: v}))
	}

	var got []float64
	require.Eventually(t, func() bool {
		for {
			v, ok := reader.Take()
			if !ok {
				break
			}
			got = append(got, v.Value)
		}
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{25.5, 30.0}, got)
}

func TestWaitSetWithReaderStatusCondition(t *testing.T) {
	p := newTestParticipant(t, 105)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	topic := NewTopic("t", "Temperature")

	writer, err := CreateWriter[Temperature](pub, topic, nil)
	require.NoError(t, err)
	reader, err := CreateReader[Temperature](sub, topic, nil)
	require.NoError(t, err)

	ws := NewWaitSet()
	ws.Attach(reader.StatusCondition())

	go func() {
		time.Sleep(20 * time.Millisecond)
		writer.Write(Temperature{Value: 7})
	}()

	triggered, err := ws.Wait(2 * time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, triggered)

	v, ok := reader.Take()
	require.True(t, ok)
	assert.Equal(t, 7.0, v.Value)
}

func TestQosInheritanceThroughPublisher(t *testing.T) {
	p := newTestParticipant(t, 106)
	pub := p.CreatePublisher(&qos.Overrides{
		Reliability: &qos.Reliability{Kind: qos.Reliable},
		History:     &qos.History{Kind: qos.KeepLast, Depth: 9},
	})

	// Unset policies inherit; explicit child settings win.
	writer, err := CreateWriter[Temperature](pub, NewTopic("t", "Temperature"), &qos.Overrides{
		History: &qos.History{Kind: qos.KeepLast, Depth: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, qos.Reliable, writer.core.profile.Reliability.Kind)
	assert.Equal(t, 2, writer.core.profile.History.Depth)
}

func TestWriterBusyOnBackpressure(t *testing.T) {
	p := newTestParticipant(t, 107)
	pub := p.CreatePublisher(nil)
	sub := p.CreateSubscriber(nil)
	topic := NewTopic("t", "Temperature")

	writer, err := CreateWriter[Temperature](pub, topic, &qos.Overrides{
		Reliability: &qos.Reliability{Kind: qos.Reliable},
		History:     &qos.History{Kind: qos.KeepAll},
	})
	require.NoError(t, err)
	// A matched reliable reader that never acks pins the cache.
	_, err = CreateReader[Temperature](sub, topic, &qos.Overrides{
		Reliability: &qos.Reliability{Kind: qos.Reliable},
	})
	require.NoError(t, err)
	writer.core.cache.AckUpTo("never-acks", 0)

	var busy bool
	for i := 0; i < 10_000; i++ {
		if err := writer.Write(Temperature{Value: float64(i)}); err != nil {
			require.ErrorIs(t, err, ErrBusy)
			busy = true
			break
		}
	}
	assert.True(t, busy, "unbounded reliable writes must hit backpressure")
}

func TestCoherentChangeNesting(t *testing.T) {
	p := newTestParticipant(t, 108)
	pub := p.CreatePublisher(nil)
	require.NoError(t, pub.BeginCoherentChanges())
	require.ErrorIs(t, pub.BeginCoherentChanges(), ErrCoherentNesting)
	require.NoError(t, pub.EndCoherentChanges())
	require.ErrorIs(t, pub.EndCoherentChanges(), ErrCoherentNesting)

	sub := p.CreateSubscriber(nil)
	require.NoError(t, sub.BeginAccess())
	require.ErrorIs(t, sub.BeginAccess(), ErrCoherentNesting)
	require.NoError(t, sub.EndAccess())
}

func TestClosedWriterRejectsWrites(t *testing.T) {
	p := newTestParticipant(t, 109)
	pub := p.CreatePublisher(nil)
	writer, err := CreateWriter[Temperature](pub, NewTopic("t", "Temperature"), nil)
	require.NoError(t, err)

	writer.Close()
	require.ErrorIs(t, writer.Write(Temperature{}), ErrClosed)
	writer.Close() // idempotent
}
