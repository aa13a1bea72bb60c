package dds

import (
	"fmt"

	"github.com/hdds-platform/hdds/cdr"
	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/rtps"
)

// DataWriter publishes typed samples on one topic.
type DataWriter[T cdr.Marshaler] struct {
	core *writerCore
}

// CreateWriter allocates the writer's ring and cache, registers it with
// the participant, and triggers the SEDP announcement. The QoS overrides
// resolve against the publisher's profile; a named profile from the
// registry can be resolved by the caller beforehand.
func CreateWriter[T cdr.Marshaler](pub *Publisher, topic Topic, o *qos.Overrides) (*DataWriter[T], error) {
	p := pub.p
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	profile := pub.profile.With(o)
	guid := rtps.GUID{
		Prefix:   p.prefix,
		EntityID: rtps.NewUserEntityID(p.nextEntityKey(), rtps.KindUserWriterNoKey),
	}
	core := newWriterCore(p, topic, profile, guid)
	p.registerWriter(core)
	return &DataWriter[T]{core: core}, nil
}

// Write publishes one sample. Ok means the sample is serialized and
// cached; delivery and acknowledgment proceed asynchronously. ErrBusy
// reports cache backpressure.
func (w *DataWriter[T]) Write(value T) error {
	return w.core.writeEncoded(value.MarshalCDR)
}

// GUID returns the writer's endpoint GUID.
func (w *DataWriter[T]) GUID() rtps.GUID { return w.core.guid }

// StatusCondition returns the writer's status condition.
func (w *DataWriter[T]) StatusCondition() *StatusCondition { return w.core.status }

// OfferedIncompatibleQos returns the accumulated mismatch status.
func (w *DataWriter[T]) OfferedIncompatibleQos() IncompatibleQosStatus {
	return w.core.OfferedIncompatibleQos()
}

// PublicationMatched returns match counts.
func (w *DataWriter[T]) PublicationMatched() MatchedStatus {
	return w.core.PublicationMatched()
}

// Close unregisters the writer and sends the SEDP dispose. Closing twice
// is harmless.
func (w *DataWriter[T]) Close() {
	w.core.close()
}

// DataReader consumes typed samples from one topic.
type DataReader[T any] struct {
	core   *readerCore
	decode func(payload []byte) (T, error)
}

// CreateReader allocates the reader's delivery lanes, registers it, and
// triggers the SEDP announcement. PT constrains *T to implement the CDR
// unmarshaler so decoding needs no reflection.
func CreateReader[T any, PT interface {
	*T
	cdr.Unmarshaler
}](sub *Subscriber, topic Topic, o *qos.Overrides) (*DataReader[T], error) {
	return createReader[T, PT](sub, topic, nil, o)
}

// CreateFilteredReader is CreateReader against a content-filtered topic:
// samples failing the predicate are dropped before delivery but still
// advance sequence tracking.
func CreateFilteredReader[T any, PT interface {
	*T
	cdr.Unmarshaler
}](sub *Subscriber, topic *ContentFilteredTopic, o *qos.Overrides) (*DataReader[T], error) {
	return createReader[T, PT](sub, topic.Topic, topic, o)
}

func createReader[T any, PT interface {
	*T
	cdr.Unmarshaler
}](sub *Subscriber, topic Topic, cft *ContentFilteredTopic, o *qos.Overrides) (*DataReader[T], error) {
	p := sub.p
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	profile := sub.profile.With(o)
	guid := rtps.GUID{
		Prefix:   p.prefix,
		EntityID: rtps.NewUserEntityID(p.nextEntityKey(), rtps.KindUserReaderNoKey),
	}
	core := newReaderCore(p, topic, profile, guid)
	if cft != nil {
		core.filter = cft.filter
	}
	decode := func(payload []byte) (T, error) {
		var value T
		d := cdr.NewDecoder(payload)
		if _, err := d.ReadEncapsulation(); err != nil {
			return value, fmt.Errorf("invalid payload encapsulation: %w", err)
		}
		if err := PT(&value).UnmarshalCDR(d); err != nil {
			return value, err
		}
		return value, nil
	}
	p.registerReader(core)
	return &DataReader[T]{core: core, decode: decode}, nil
}

// Take removes and returns the next sample, or false when none is
// available. Take never blocks; use a WaitSet for readiness.
func (r *DataReader[T]) Take() (T, bool) {
	v, _, ok := r.TakeWithInfo()
	return v, ok
}

// TakeWithInfo is Take plus the sample's metadata.
func (r *DataReader[T]) TakeWithInfo() (T, SampleInfo, bool) {
	var zero T
	for {
		payload, handle, info, ok := r.core.takeRaw()
		if !ok {
			return zero, SampleInfo{}, false
		}
		value, err := r.decode(payload)
		r.core.finishTake(handle)
		if err != nil {
			r.core.log.Debugw("sample decode failed",
				"topic", r.core.topic.Name,
				"writer", info.Writer.String(),
				"error", err,
			)
			continue
		}
		if r.core.filter != nil && !r.core.filter.Eval(value) {
			continue
		}
		return value, info, true
	}
}

// GUID returns the reader's endpoint GUID.
func (r *DataReader[T]) GUID() rtps.GUID { return r.core.guid }

// StatusCondition returns the reader's status condition.
func (r *DataReader[T]) StatusCondition() *StatusCondition { return r.core.status }

// CreateReadCondition returns a condition filtered by the given states.
func (r *DataReader[T]) CreateReadCondition(ss SampleState, vs ViewState, is InstanceState) *ReadCondition {
	return r.core.CreateReadCondition(ss, vs, is)
}

// RequestedIncompatibleQos returns the accumulated mismatch status.
func (r *DataReader[T]) RequestedIncompatibleQos() IncompatibleQosStatus {
	return r.core.RequestedIncompatibleQos()
}

// SubscriptionMatched returns match counts.
func (r *DataReader[T]) SubscriptionMatched() MatchedStatus {
	return r.core.SubscriptionMatched()
}

// SampleLost returns the loss counter.
func (r *DataReader[T]) SampleLost() SampleLostStatus {
	return r.core.SampleLost()
}

// Close unregisters the reader and sends the SEDP dispose.
func (r *DataReader[T]) Close() {
	r.core.close()
}
