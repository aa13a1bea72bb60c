package dds

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"sync/atomic"

	"github.com/hdds-platform/hdds/rtps"
	"github.com/hdds-platform/hdds/transport/shm"
)

var participantCounter atomic.Uint32

// newGUIDPrefix derives a participant prefix from host id, process id, and
// a per-process counter, with random tail bytes to survive pid reuse.
func newGUIDPrefix() rtps.GUIDPrefix {
	var p rtps.GUIDPrefix
	binary.BigEndian.PutUint32(p[0:4], shm.HostID())
	binary.BigEndian.PutUint32(p[4:8], uint32(os.Getpid()))
	binary.BigEndian.PutUint16(p[8:10], uint16(participantCounter.Add(1)))
	rand.Read(p[10:12])
	return p
}
