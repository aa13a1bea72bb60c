package discovery

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/rtps"
)

// ParticipantInfo is the content of one SPDP announcement.
type ParticipantInfo struct {
	GUIDPrefix        rtps.GUIDPrefix
	DomainID          int
	Protocol          rtps.ProtocolVersion
	Vendor            rtps.VendorID
	LeaseDuration     time.Duration
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator
	MetatrafficUnicast []rtps.Locator
	BuiltinEndpoints  uint32
	UserData          string
	IdentityToken     []byte
}

// EndpointKind distinguishes SEDP publication and subscription records.
type EndpointKind uint8

const (
	WriterEndpoint EndpointKind = iota
	ReaderEndpoint
)

func (k EndpointKind) String() string {
	if k == WriterEndpoint {
		return "writer"
	}
	return "reader"
}

// EndpointInfo is the content of one SEDP announcement: everything a
// remote participant needs to decide matching.
type EndpointInfo struct {
	GUID      rtps.GUID
	Kind      EndpointKind
	TopicName string
	TypeName  string
	QoS       qos.Profile
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator
	// TypeHash is an optional structural type fingerprint. Zero means
	// absent; compatibility then falls back to type-name equality.
	TypeHash uint64
}

// TypesCompatible applies structural compatibility: equal hashes when both
// sides carry one, type-name equality otherwise.
func (e EndpointInfo) TypesCompatible(other EndpointInfo) bool {
	if e.TypeHash != 0 && other.TypeHash != 0 {
		return e.TypeHash == other.TypeHash
	}
	return e.TypeName == other.TypeName
}

// Reliability kind values on the wire (discovery numbering).
const (
	wireBestEffort uint32 = 1
	wireReliable   uint32 = 2
)

// MarshalParticipant encodes an SPDP announcement payload.
func MarshalParticipant(p ParticipantInfo) []byte {
	w := newParamWriter()

	var pv [4]byte
	pv[0], pv[1] = p.Protocol.Major, p.Protocol.Minor
	w.add(PIDProtocolVersion, pv[:])
	var vid [4]byte
	copy(vid[:], p.Vendor[:])
	w.add(PIDVendorID, vid[:])
	w.addU32(PIDDomainID, uint32(p.DomainID))
	w.addGUID(PIDParticipantGUID, rtps.GUID{Prefix: p.GUIDPrefix, EntityID: rtps.EntityIDParticipant})
	w.addDuration(PIDParticipantLeaseDuration, p.LeaseDuration)
	for _, loc := range p.UnicastLocators {
		w.addLocator(PIDDefaultUnicastLocator, loc)
	}
	for _, loc := range p.MetatrafficUnicast {
		w.addLocator(PIDMetatrafficUnicastLocator, loc)
	}
	for _, loc := range p.MulticastLocators {
		w.addLocator(PIDDefaultMulticastLocator, loc)
	}
	w.addU32(PIDBuiltinEndpointSet, p.BuiltinEndpoints)
	if p.UserData != "" {
		w.addString(PIDUserData, p.UserData)
	}
	if len(p.IdentityToken) > 0 {
		w.add(PIDIdentityToken, p.IdentityToken)
	}
	return w.finish()
}

// UnmarshalParticipant decodes an SPDP payload.
func UnmarshalParticipant(payload []byte) (ParticipantInfo, error) {
	p := ParticipantInfo{LeaseDuration: 100 * time.Second}
	seenGUID := false
	err := walkParams(payload, func(pid uint16, value []byte) error {
		switch pid {
		case PIDProtocolVersion:
			if len(value) < 2 {
				return ErrMalformedParameter
			}
			p.Protocol = rtps.ProtocolVersion{Major: value[0], Minor: value[1]}
		case PIDVendorID:
			if len(value) < 2 {
				return ErrMalformedParameter
			}
			copy(p.Vendor[:], value[:2])
		case PIDDomainID:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			p.DomainID = int(binary.LittleEndian.Uint32(value))
		case PIDParticipantGUID:
			g, err := paramGUID(value)
			if err != nil {
				return err
			}
			p.GUIDPrefix = g.Prefix
			seenGUID = true
		case PIDParticipantLeaseDuration:
			d, err := paramDuration(value)
			if err != nil {
				return err
			}
			p.LeaseDuration = d
		case PIDDefaultUnicastLocator, PIDUnicastLocator:
			loc, err := paramLocator(value)
			if err != nil {
				return err
			}
			p.UnicastLocators = append(p.UnicastLocators, loc)
		case PIDMetatrafficUnicastLocator:
			loc, err := paramLocator(value)
			if err != nil {
				return err
			}
			p.MetatrafficUnicast = append(p.MetatrafficUnicast, loc)
		case PIDDefaultMulticastLocator, PIDMulticastLocator:
			loc, err := paramLocator(value)
			if err != nil {
				return err
			}
			p.MulticastLocators = append(p.MulticastLocators, loc)
		case PIDBuiltinEndpointSet:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			p.BuiltinEndpoints = binary.LittleEndian.Uint32(value)
		case PIDUserData:
			s, err := paramString(value)
			if err != nil {
				return err
			}
			p.UserData = s
		case PIDIdentityToken:
			p.IdentityToken = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return ParticipantInfo{}, err
	}
	if !seenGUID {
		return ParticipantInfo{}, fmt.Errorf("%w: missing participant guid", ErrMalformedParameter)
	}
	return p, nil
}

// MarshalEndpoint encodes an SEDP announcement payload.
func MarshalEndpoint(e EndpointInfo) []byte {
	w := newParamWriter()
	w.addGUID(PIDEndpointGUID, e.GUID)
	w.addString(PIDTopicName, e.TopicName)
	w.addString(PIDTypeName, e.TypeName)

	var rel [12]byte
	kind := wireBestEffort
	if e.QoS.Reliability.Kind == qos.Reliable {
		kind = wireReliable
	}
	binary.LittleEndian.PutUint32(rel[0:4], kind)
	binary.LittleEndian.PutUint32(rel[4:8], uint32(e.QoS.Reliability.MaxBlockingTime/time.Second))
	binary.LittleEndian.PutUint32(rel[8:12], uint32(e.QoS.Reliability.MaxBlockingTime%time.Second))
	w.add(PIDReliability, rel[:])

	w.addU32(PIDDurability, uint32(e.QoS.Durability.Kind))
	w.addU32(PIDOwnership, uint32(e.QoS.Ownership.Kind))
	if e.QoS.Ownership.Kind == qos.Exclusive {
		w.addU32(PIDOwnershipStrength, uint32(e.QoS.Ownership.Strength))
	}

	var live [12]byte
	binary.LittleEndian.PutUint32(live[0:4], uint32(e.QoS.Liveliness.Kind))
	lease := e.QoS.Liveliness.LeaseDuration
	if lease == 0 {
		binary.LittleEndian.PutUint32(live[4:8], 0x7fffffff)
	} else {
		binary.LittleEndian.PutUint32(live[4:8], uint32(lease/time.Second))
		binary.LittleEndian.PutUint32(live[8:12], uint32(lease%time.Second))
	}
	w.add(PIDLiveliness, live[:])

	if e.QoS.Deadline.Period != 0 {
		w.addDuration(PIDDeadline, e.QoS.Deadline.Period)
	}
	if e.QoS.LatencyBudget.Duration != 0 {
		w.addDuration(PIDLatencyBudget, e.QoS.LatencyBudget.Duration)
	}
	if e.QoS.Lifespan.Duration != 0 {
		w.addDuration(PIDLifespan, e.QoS.Lifespan.Duration)
	}
	w.addU32(PIDDestinationOrder, uint32(e.QoS.DestinationOrder.Kind))

	var hist [8]byte
	binary.LittleEndian.PutUint32(hist[0:4], uint32(e.QoS.History.Kind))
	binary.LittleEndian.PutUint32(hist[4:8], uint32(e.QoS.History.Depth))
	w.add(PIDHistory, hist[:])

	if len(e.QoS.Partition.Names) > 0 {
		w.add(PIDPartition, marshalPartition(e.QoS.Partition.Names))
	}
	if e.QoS.UserData != "" {
		w.addString(PIDUserData, e.QoS.UserData)
	}
	for _, loc := range e.UnicastLocators {
		w.addLocator(PIDUnicastLocator, loc)
	}
	for _, loc := range e.MulticastLocators {
		w.addLocator(PIDMulticastLocator, loc)
	}
	if e.TypeHash != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], e.TypeHash)
		w.add(PIDTypeHash, b[:])
	}
	return w.finish()
}

// UnmarshalEndpoint decodes an SEDP payload. The endpoint kind is derived
// from the entity id.
func UnmarshalEndpoint(payload []byte) (EndpointInfo, error) {
	var e EndpointInfo
	seenGUID := false
	err := walkParams(payload, func(pid uint16, value []byte) error {
		switch pid {
		case PIDEndpointGUID:
			g, err := paramGUID(value)
			if err != nil {
				return err
			}
			e.GUID = g
			seenGUID = true
		case PIDTopicName:
			s, err := paramString(value)
			if err != nil {
				return err
			}
			e.TopicName = s
		case PIDTypeName:
			s, err := paramString(value)
			if err != nil {
				return err
			}
			e.TypeName = s
		case PIDReliability:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			if binary.LittleEndian.Uint32(value) == wireReliable {
				e.QoS.Reliability.Kind = qos.Reliable
			}
		case PIDDurability:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			e.QoS.Durability.Kind = qos.DurabilityKind(binary.LittleEndian.Uint32(value))
		case PIDOwnership:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			e.QoS.Ownership.Kind = qos.OwnershipKind(binary.LittleEndian.Uint32(value))
		case PIDOwnershipStrength:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			e.QoS.Ownership.Strength = int32(binary.LittleEndian.Uint32(value))
		case PIDLiveliness:
			if len(value) < 12 {
				return ErrMalformedParameter
			}
			e.QoS.Liveliness.Kind = qos.LivelinessKind(binary.LittleEndian.Uint32(value[0:4]))
			d, err := paramDuration(value[4:12])
			if err != nil {
				return err
			}
			e.QoS.Liveliness.LeaseDuration = d
		case PIDDeadline:
			d, err := paramDuration(value)
			if err != nil {
				return err
			}
			e.QoS.Deadline.Period = d
		case PIDLatencyBudget:
			d, err := paramDuration(value)
			if err != nil {
				return err
			}
			e.QoS.LatencyBudget.Duration = d
		case PIDLifespan:
			d, err := paramDuration(value)
			if err != nil {
				return err
			}
			e.QoS.Lifespan.Duration = d
		case PIDDestinationOrder:
			if len(value) < 4 {
				return ErrMalformedParameter
			}
			e.QoS.DestinationOrder.Kind = qos.DestinationOrderKind(binary.LittleEndian.Uint32(value))
		case PIDHistory:
			if len(value) < 8 {
				return ErrMalformedParameter
			}
			e.QoS.History.Kind = qos.HistoryKind(binary.LittleEndian.Uint32(value[0:4]))
			e.QoS.History.Depth = int(int32(binary.LittleEndian.Uint32(value[4:8])))
		case PIDPartition:
			names, err := unmarshalPartition(value)
			if err != nil {
				return err
			}
			e.QoS.Partition.Names = names
		case PIDUserData:
			s, err := paramString(value)
			if err != nil {
				return err
			}
			e.QoS.UserData = s
		case PIDUnicastLocator:
			loc, err := paramLocator(value)
			if err != nil {
				return err
			}
			e.UnicastLocators = append(e.UnicastLocators, loc)
		case PIDMulticastLocator:
			loc, err := paramLocator(value)
			if err != nil {
				return err
			}
			e.MulticastLocators = append(e.MulticastLocators, loc)
		case PIDTypeHash:
			if len(value) < 8 {
				return ErrMalformedParameter
			}
			e.TypeHash = binary.LittleEndian.Uint64(value)
		}
		return nil
	})
	if err != nil {
		return EndpointInfo{}, err
	}
	if !seenGUID {
		return EndpointInfo{}, fmt.Errorf("%w: missing endpoint guid", ErrMalformedParameter)
	}
	if e.GUID.EntityID.IsReader() {
		e.Kind = ReaderEndpoint
	}
	return e, nil
}

func marshalPartition(names []string) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(names)))
	for _, name := range names {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)+1))
		buf = append(buf, name...)
		buf = append(buf, 0)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}
	return buf
}

func unmarshalPartition(value []byte) ([]string, error) {
	if len(value) < 4 {
		return nil, ErrMalformedParameter
	}
	count := binary.LittleEndian.Uint32(value)
	if count > 64 {
		return nil, fmt.Errorf("%w: %d partitions", ErrMalformedParameter, count)
	}
	names := make([]string, 0, count)
	body := value[4:]
	for i := uint32(0); i < count; i++ {
		if len(body) < 4 {
			return nil, ErrMalformedParameter
		}
		n := binary.LittleEndian.Uint32(body)
		body = body[4:]
		if n == 0 || int(n) > len(body) {
			return nil, ErrMalformedParameter
		}
		names = append(names, string(body[:n-1]))
		consumed := (int(n) + 3) &^ 3
		if consumed > len(body) {
			consumed = len(body)
		}
		body = body[consumed:]
	}
	return names, nil
}
