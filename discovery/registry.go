package discovery

import (
	"sync"
	"time"

	"github.com/hdds-platform/hdds/rtps"
)

// TopicRegistry maps topic names to discovered endpoints. Reads dominate;
// mutation happens only on discovery events.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string][]EndpointInfo
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string][]EndpointInfo)}
}

// Insert adds or replaces an endpoint, keyed by GUID. Returns true when
// the endpoint is new.
func (r *TopicRegistry) Insert(e EndpointInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoints := r.topics[e.TopicName]
	for i := range endpoints {
		if endpoints[i].GUID == e.GUID {
			endpoints[i] = e
			return false
		}
	}
	r.topics[e.TopicName] = append(endpoints, e)
	return true
}

// Remove drops one endpoint by GUID. Returns true when it was present.
func (r *TopicRegistry) Remove(guid rtps.GUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, endpoints := range r.topics {
		for i := range endpoints {
			if endpoints[i].GUID == guid {
				r.topics[topic] = append(endpoints[:i], endpoints[i+1:]...)
				if len(r.topics[topic]) == 0 {
					delete(r.topics, topic)
				}
				return true
			}
		}
	}
	return false
}

// RemoveByPrefix drops every endpoint of one participant and returns the
// removed records. Called on lease expiry and participant dispose.
func (r *TopicRegistry) RemoveByPrefix(prefix rtps.GUIDPrefix) []EndpointInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []EndpointInfo
	for topic, endpoints := range r.topics {
		kept := endpoints[:0]
		for _, e := range endpoints {
			if e.GUID.Prefix == prefix {
				removed = append(removed, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.topics, topic)
		} else {
			r.topics[topic] = kept
		}
	}
	return removed
}

// FindWriters returns the writers announced on a topic.
func (r *TopicRegistry) FindWriters(topic string) []EndpointInfo {
	return r.find(topic, WriterEndpoint)
}

// FindReaders returns the readers announced on a topic.
func (r *TopicRegistry) FindReaders(topic string) []EndpointInfo {
	return r.find(topic, ReaderEndpoint)
}

func (r *TopicRegistry) find(topic string, kind EndpointKind) []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EndpointInfo
	for _, e := range r.topics[topic] {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Topics returns a snapshot of topic names with writer/reader counts.
func (r *TopicRegistry) Topics() map[string][2]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][2]int, len(r.topics))
	for topic, endpoints := range r.topics {
		var counts [2]int
		for _, e := range endpoints {
			counts[e.Kind]++
		}
		out[topic] = counts
	}
	return out
}

// Lookup returns one endpoint by GUID.
func (r *TopicRegistry) Lookup(guid rtps.GUID) (EndpointInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, endpoints := range r.topics {
		for _, e := range endpoints {
			if e.GUID == guid {
				return e, true
			}
		}
	}
	return EndpointInfo{}, false
}

// PeerState is the lifecycle of one remote participant record.
type PeerState uint8

const (
	// PeerDiscovered means a valid SPDP has been seen.
	PeerDiscovered PeerState = iota
	// PeerMatched means at least one endpoint pair passed QoS matching.
	PeerMatched
	// PeerExpired means the lease ran out; the record is being removed.
	PeerExpired
)

func (s PeerState) String() string {
	switch s {
	case PeerMatched:
		return "matched"
	case PeerExpired:
		return "expired"
	}
	return "discovered"
}

// Peer is one remote participant record.
type Peer struct {
	Info     ParticipantInfo
	State    PeerState
	LastSeen time.Time
}

// ParticipantDB tracks remote participants by GUID prefix.
type ParticipantDB struct {
	mu    sync.RWMutex
	peers map[rtps.GUIDPrefix]*Peer
	epoch uint64
}

// NewParticipantDB creates an empty database.
func NewParticipantDB() *ParticipantDB {
	return &ParticipantDB{peers: make(map[rtps.GUIDPrefix]*Peer)}
}

// Upsert records an SPDP announcement and returns whether the peer is new.
func (db *ParticipantDB) Upsert(info ParticipantInfo, now time.Time) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if peer, ok := db.peers[info.GUIDPrefix]; ok {
		peer.Info = info
		peer.LastSeen = now
		return false
	}
	db.peers[info.GUIDPrefix] = &Peer{Info: info, LastSeen: now}
	db.epoch++
	return true
}

// MarkMatched advances the peer state after a successful endpoint match.
func (db *ParticipantDB) MarkMatched(prefix rtps.GUIDPrefix) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if peer, ok := db.peers[prefix]; ok && peer.State == PeerDiscovered {
		peer.State = PeerMatched
	}
}

// Remove drops one peer, returning whether it existed.
func (db *ParticipantDB) Remove(prefix rtps.GUIDPrefix) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.peers[prefix]; !ok {
		return false
	}
	delete(db.peers, prefix)
	db.epoch++
	return true
}

// Get returns a copy of one peer record.
func (db *ParticipantDB) Get(prefix rtps.GUIDPrefix) (Peer, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if peer, ok := db.peers[prefix]; ok {
		return *peer, true
	}
	return Peer{}, false
}

// Expired returns the prefixes whose lease (plus grace) ran out.
func (db *ParticipantDB) Expired(now time.Time, grace time.Duration) []rtps.GUIDPrefix {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []rtps.GUIDPrefix
	for prefix, peer := range db.peers {
		lease := peer.Info.LeaseDuration
		if lease <= 0 {
			continue
		}
		if now.Sub(peer.LastSeen) > lease+grace {
			out = append(out, prefix)
		}
	}
	return out
}

// Snapshot returns copies of all peer records plus the mutation epoch.
func (db *ParticipantDB) Snapshot() ([]Peer, uint64) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]Peer, 0, len(db.peers))
	for _, peer := range db.peers {
		out = append(out, *peer)
	}
	return out, db.epoch
}

// Len returns the number of tracked peers.
func (db *ParticipantDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.peers)
}
