package shm

import (
	"errors"
	"fmt"
)

// Policy controls how the transport layer chooses between SHM and UDP for
// a matched endpoint pair.
type Policy uint8

const (
	// Prefer selects SHM when the pair is eligible and falls back to UDP
	// otherwise. This is the default.
	Prefer Policy = iota
	// Require fails selection when the pair is not SHM-eligible.
	Require
	// Disable always selects UDP.
	Disable
)

func (p Policy) String() string {
	switch p {
	case Require:
		return "require"
	case Disable:
		return "disable"
	}
	return "prefer"
}

// Selection failure cases under the Require policy, one per ineligibility
// reason so callers can tell them apart.
var (
	// ErrNoUserData means the remote endpoint announced no user_data.
	ErrNoUserData = errors.New("shm: remote user_data missing")
	// ErrRemoteNoShmCapability means user_data lacks the shm capability.
	ErrRemoteNoShmCapability = errors.New("shm: remote does not advertise shm capability")
	// ErrDifferentHost means the host ids do not match.
	ErrDifferentHost = errors.New("shm: endpoints on different hosts")
	// ErrReliableQosNotSupported means one side is RELIABLE; the SHM ring
	// carries no HEARTBEAT/ACKNACK.
	ErrReliableQosNotSupported = errors.New("shm: reliable qos not supported")
)

// Selection is the outcome of transport selection.
type Selection struct {
	// UseSHM is true when the pair communicates over shared memory.
	UseSHM bool
	// HostID is the verified common host id when UseSHM is true.
	HostID uint32
}

// Select decides between SHM and UDP for one endpoint pair.
//
// Eligibility requires: remote advertises the SHM capability, matching
// host ids, and BestEffort on both sides. Under Prefer an ineligible pair
// silently selects UDP; under Require the specific sentinel error is
// returned.
func Select(policy Policy, remoteUserData string, localBestEffort, remoteBestEffort bool) (Selection, error) {
	if policy == Disable {
		return Selection{}, nil
	}

	fail := func(err error) (Selection, error) {
		if policy == Require {
			return Selection{}, err
		}
		return Selection{}, nil
	}

	if remoteUserData == "" {
		return fail(ErrNoUserData)
	}
	ud := ParseUserData(remoteUserData)
	if !ud.Enabled {
		return fail(ErrRemoteNoShmCapability)
	}
	local := HostID()
	if ud.HostID != local {
		return fail(fmt.Errorf("%w (local=%08x remote=%08x)", ErrDifferentHost, local, ud.HostID))
	}
	if !localBestEffort || !remoteBestEffort {
		return fail(ErrReliableQosNotSupported)
	}
	return Selection{UseSHM: true, HostID: local}, nil
}
