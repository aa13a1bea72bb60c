// Package qos defines the DDS Quality-of-Service policies and the
// request-versus-offered compatibility rules that gate endpoint matching.
package qos

import (
	"math"
	"time"
)

// Infinite represents an unbounded duration. The zero Duration in a period
// policy also means unbounded.
const Infinite = time.Duration(math.MaxInt64)

// ReliabilityKind selects delivery guarantees.
type ReliabilityKind uint8

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

func (k ReliabilityKind) String() string {
	if k == Reliable {
		return "RELIABLE"
	}
	return "BEST_EFFORT"
}

// DurabilityKind selects sample retention for late joiners.
type DurabilityKind uint8

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

func (k DurabilityKind) String() string {
	switch k {
	case TransientLocal:
		return "TRANSIENT_LOCAL"
	case Transient:
		return "TRANSIENT"
	case Persistent:
		return "PERSISTENT"
	}
	return "VOLATILE"
}

// HistoryKind selects the cache retention model.
type HistoryKind uint8

const (
	KeepLast HistoryKind = iota
	KeepAll
)

// OwnershipKind selects single- versus multi-writer instances.
type OwnershipKind uint8

const (
	Shared OwnershipKind = iota
	Exclusive
)

// LivelinessKind selects how a writer asserts it is alive.
type LivelinessKind uint8

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

// DestinationOrderKind selects cross-writer ordering at the reader.
type DestinationOrderKind uint8

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

// Reliability is the RELIABILITY policy.
type Reliability struct {
	Kind ReliabilityKind `yaml:"kind"`
	// MaxBlockingTime bounds how long a reliable write may wait for cache
	// room before reporting Busy.
	MaxBlockingTime time.Duration `yaml:"max_blocking_time"`
}

// Durability is the DURABILITY policy.
type Durability struct {
	Kind DurabilityKind `yaml:"kind"`
}

// History is the HISTORY policy.
type History struct {
	Kind HistoryKind `yaml:"kind"`
	// Depth is the KEEP_LAST depth; ignored under KEEP_ALL.
	Depth int `yaml:"depth"`
}

// EffectiveDepth returns the cache depth implied by the policy, zero for
// KEEP_ALL.
func (h History) EffectiveDepth() int {
	if h.Kind == KeepAll {
		return 0
	}
	if h.Depth <= 0 {
		return 1
	}
	return h.Depth
}

// Deadline is the DEADLINE policy; zero period means no deadline.
type Deadline struct {
	Period time.Duration `yaml:"period"`
}

// LatencyBudget is the LATENCY_BUDGET policy.
type LatencyBudget struct {
	Duration time.Duration `yaml:"duration"`
}

// Lifespan is the LIFESPAN policy; zero means samples never expire.
type Lifespan struct {
	Duration time.Duration `yaml:"duration"`
}

// Ownership is the OWNERSHIP policy.
type Ownership struct {
	Kind OwnershipKind `yaml:"kind"`
	// Strength orders exclusive writers; higher wins.
	Strength int32 `yaml:"strength"`
}

// Liveliness is the LIVELINESS policy.
type Liveliness struct {
	Kind LivelinessKind `yaml:"kind"`
	// LeaseDuration zero means unbounded.
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

// DestinationOrder is the DESTINATION_ORDER policy.
type DestinationOrder struct {
	Kind DestinationOrderKind `yaml:"kind"`
}

// Profile is a complete, concrete QoS assignment for an entity. The zero
// value is the DDS default profile.
type Profile struct {
	Reliability      Reliability      `yaml:"reliability"`
	Durability       Durability       `yaml:"durability"`
	History          History          `yaml:"history"`
	Deadline         Deadline         `yaml:"deadline"`
	LatencyBudget    LatencyBudget    `yaml:"latency_budget"`
	Lifespan         Lifespan         `yaml:"lifespan"`
	Ownership        Ownership        `yaml:"ownership"`
	Liveliness       Liveliness       `yaml:"liveliness"`
	Partition        Partition        `yaml:"partition"`
	DestinationOrder DestinationOrder `yaml:"destination_order"`
	UserData         string           `yaml:"user_data"`
}

// Overrides carries per-policy child settings: a nil field inherits the
// parent's policy, a non-nil one wins.
type Overrides struct {
	Reliability      *Reliability
	Durability       *Durability
	History          *History
	Deadline         *Deadline
	LatencyBudget    *LatencyBudget
	Lifespan         *Lifespan
	Ownership        *Ownership
	Liveliness       *Liveliness
	Partition        *Partition
	DestinationOrder *DestinationOrder
	UserData         *string
}

// With resolves child overrides against the parent profile.
func (p Profile) With(o *Overrides) Profile {
	if o == nil {
		return p
	}
	if o.Reliability != nil {
		p.Reliability = *o.Reliability
	}
	if o.Durability != nil {
		p.Durability = *o.Durability
	}
	if o.History != nil {
		p.History = *o.History
	}
	if o.Deadline != nil {
		p.Deadline = *o.Deadline
	}
	if o.LatencyBudget != nil {
		p.LatencyBudget = *o.LatencyBudget
	}
	if o.Lifespan != nil {
		p.Lifespan = *o.Lifespan
	}
	if o.Ownership != nil {
		p.Ownership = *o.Ownership
	}
	if o.Liveliness != nil {
		p.Liveliness = *o.Liveliness
	}
	if o.Partition != nil {
		p.Partition = *o.Partition
	}
	if o.DestinationOrder != nil {
		p.DestinationOrder = *o.DestinationOrder
	}
	if o.UserData != nil {
		p.UserData = *o.UserData
	}
	return p
}

// period treats zero as infinite so comparisons read naturally.
func period(d time.Duration) time.Duration {
	if d == 0 {
		return Infinite
	}
	return d
}
