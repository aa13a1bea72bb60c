// Package dds is the application-facing entity layer: participants,
// publishers and subscribers, typed data writers and readers, and the
// waitset/condition machinery that ties the runtime fabric, discovery,
// reliability, and QoS enforcement together.
package dds

import (
	"time"

	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/rtps"
)

// StatusKind is a bit in the status masks used by StatusCondition.
type StatusKind uint32

const (
	StatusDataAvailable StatusKind = 1 << iota
	StatusOfferedIncompatibleQos
	StatusRequestedIncompatibleQos
	StatusPublicationMatched
	StatusSubscriptionMatched
	StatusSampleLost
	StatusDeadlineMissed
	StatusLivelinessChanged
)

// StatusAll enables every status.
const StatusAll = StatusKind(0xffffffff)

// IncompatibleQosStatus accumulates QoS mismatches for one endpoint.
type IncompatibleQosStatus struct {
	TotalCount int
	LastPolicy qos.PolicyID
}

// MatchedStatus tracks match counts for one endpoint.
type MatchedStatus struct {
	TotalCount   int
	CurrentCount int
}

// SampleLostStatus counts samples that never reached the application.
type SampleLostStatus struct {
	TotalCount int
}

// DeadlineMissedStatus counts missed deadline periods.
type DeadlineMissedStatus struct {
	TotalCount int
}

// SampleInfo accompanies each taken sample.
type SampleInfo struct {
	// Writer is the publishing endpoint.
	Writer rtps.GUID
	// Seq is the writer's sequence number.
	Seq int64
	// SourceTimestamp is the writer-side timestamp.
	SourceTimestamp time.Time
	// ReceptionTimestamp is when the sample was taken from the reader ring;
	// the time it entered the ring is not recorded.
	ReceptionTimestamp time.Time
}

// SampleState and friends filter ReadConditions.
type SampleState uint8

const (
	AnySampleState SampleState = iota
	NotReadState
)

// ViewState filters by instance novelty.
type ViewState uint8

const (
	AnyViewState ViewState = iota
	NewViewState
)

// InstanceState filters by instance lifecycle.
type InstanceState uint8

const (
	AnyInstanceState InstanceState = iota
	AliveInstanceState
)
