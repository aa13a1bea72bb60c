package qos

import "fmt"

// PolicyID identifies a policy in incompatibility reports, using the DDS
// policy id numbering.
type PolicyID int32

const (
	PolicyUserData         PolicyID = 1
	PolicyDurability       PolicyID = 2
	PolicyDeadline         PolicyID = 4
	PolicyLatencyBudget    PolicyID = 5
	PolicyOwnership        PolicyID = 6
	PolicyLiveliness       PolicyID = 8
	PolicyReliability      PolicyID = 11
	PolicyDestinationOrder PolicyID = 12
	PolicyHistory          PolicyID = 13
	PolicyPartition        PolicyID = 10
	PolicyLifespan         PolicyID = 21
)

func (id PolicyID) String() string {
	switch id {
	case PolicyDurability:
		return "DURABILITY"
	case PolicyDeadline:
		return "DEADLINE"
	case PolicyLatencyBudget:
		return "LATENCY_BUDGET"
	case PolicyOwnership:
		return "OWNERSHIP"
	case PolicyLiveliness:
		return "LIVELINESS"
	case PolicyPartition:
		return "PARTITION"
	case PolicyReliability:
		return "RELIABILITY"
	case PolicyDestinationOrder:
		return "DESTINATION_ORDER"
	case PolicyHistory:
		return "HISTORY"
	case PolicyLifespan:
		return "LIFESPAN"
	}
	return fmt.Sprintf("POLICY_%d", int32(id))
}

// Incompatibility names the first policy that forbids a match.
type Incompatibility struct {
	Policy PolicyID
	Detail string
}

func (i *Incompatibility) Error() string {
	return fmt.Sprintf("incompatible %s: %s", i.Policy, i.Detail)
}

// Match applies the request-versus-offered rules: offered is the writer's
// profile, requested the reader's. A nil result means the pair is
// compatible.
func Match(offered, requested Profile) *Incompatibility {
	if offered.Reliability.Kind < requested.Reliability.Kind {
		return &Incompatibility{
			Policy: PolicyReliability,
			Detail: fmt.Sprintf("offered %s < requested %s", offered.Reliability.Kind, requested.Reliability.Kind),
		}
	}
	if offered.Durability.Kind < requested.Durability.Kind {
		return &Incompatibility{
			Policy: PolicyDurability,
			Detail: fmt.Sprintf("offered %s < requested %s", offered.Durability.Kind, requested.Durability.Kind),
		}
	}
	if period(offered.Deadline.Period) > period(requested.Deadline.Period) {
		return &Incompatibility{
			Policy: PolicyDeadline,
			Detail: fmt.Sprintf("offered period %v > requested %v", offered.Deadline.Period, requested.Deadline.Period),
		}
	}
	if period(offered.LatencyBudget.Duration) > period(requested.LatencyBudget.Duration) {
		return &Incompatibility{
			Policy: PolicyLatencyBudget,
			Detail: fmt.Sprintf("offered budget %v > requested %v", offered.LatencyBudget.Duration, requested.LatencyBudget.Duration),
		}
	}
	if offered.Ownership.Kind != requested.Ownership.Kind {
		return &Incompatibility{
			Policy: PolicyOwnership,
			Detail: "ownership kinds differ",
		}
	}
	if offered.Liveliness.Kind < requested.Liveliness.Kind {
		return &Incompatibility{
			Policy: PolicyLiveliness,
			Detail: "offered liveliness kind weaker than requested",
		}
	}
	if period(offered.Liveliness.LeaseDuration) > period(requested.Liveliness.LeaseDuration) {
		return &Incompatibility{
			Policy: PolicyLiveliness,
			Detail: fmt.Sprintf("offered lease %v > requested %v", offered.Liveliness.LeaseDuration, requested.Liveliness.LeaseDuration),
		}
	}
	if !offered.Partition.Intersects(requested.Partition) {
		return &Incompatibility{
			Policy: PolicyPartition,
			Detail: fmt.Sprintf("partitions %v and %v do not intersect", offered.Partition.Names, requested.Partition.Names),
		}
	}
	if offered.DestinationOrder.Kind < requested.DestinationOrder.Kind {
		return &Incompatibility{
			Policy: PolicyDestinationOrder,
			Detail: "offered destination order weaker than requested",
		}
	}
	return nil
}
