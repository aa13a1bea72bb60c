package transport

import "net/netip"

// Standard DDSI-RTPS port mapping parameters.
const (
	portBase      = 7400
	domainGain    = 250
	participantGain = 2
	offsetUnicast = 10
)

// DefaultMulticastGroup is the IPv4 discovery multicast group.
var DefaultMulticastGroup = netip.AddrFrom4([4]byte{239, 255, 0, 1})

// Ports derives the four well-known ports for a (domain, participant)
// pair per the DDSI-RTPS formula.
type Ports struct {
	MulticastDiscovery int
	MulticastData      int
	UnicastDiscovery   int
	UnicastData        int
}

// PortsFor maps a domain id and intra-host participant index to ports.
func PortsFor(domainID, participantIndex int) Ports {
	d := portBase + domainGain*domainID
	p := participantIndex * participantGain
	return Ports{
		MulticastDiscovery: d,
		MulticastData:      d + 1,
		UnicastDiscovery:   d + offsetUnicast + p,
		UnicastData:        d + offsetUnicast + p + 1,
	}
}
