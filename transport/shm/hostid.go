package shm

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// UserData is the parsed SHM capability advertisement carried in SEDP
// user_data: "shm=1;host_id=XXXXXXXX;v=1".
type UserData struct {
	Enabled bool
	HostID  uint32
	Version int
}

// FormatUserData renders the capability string for the local host.
func FormatUserData(hostID uint32) string {
	return fmt.Sprintf("shm=1;host_id=%08x;v=%d", hostID, Version)
}

// ParseUserData parses a capability string. Unknown keys are ignored; a
// string without shm=1 yields Enabled=false.
func ParseUserData(s string) UserData {
	var ud UserData
	for _, kv := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "shm":
			ud.Enabled = value == "1"
		case "host_id":
			if id, err := strconv.ParseUint(value, 16, 32); err == nil {
				ud.HostID = uint32(id)
			}
		case "v":
			if v, err := strconv.Atoi(value); err == nil {
				ud.Version = v
			}
		}
	}
	return ud
}

var (
	hostIDOnce sync.Once
	hostID     uint32
)

// HostID returns a stable identifier for this host, derived from the
// machine id when available and otherwise from hostname plus the first
// hardware address. Two processes on one host always agree.
func HostID() uint32 {
	hostIDOnce.Do(func() {
		h := fnv.New32a()
		if b, err := os.ReadFile("/etc/machine-id"); err == nil && len(b) > 0 {
			h.Write(b)
			hostID = h.Sum32()
			return
		}
		name, _ := os.Hostname()
		h.Write([]byte(name))
		if ifaces, err := net.Interfaces(); err == nil {
			for _, ifi := range ifaces {
				if len(ifi.HardwareAddr) > 0 {
					h.Write(ifi.HardwareAddr)
					break
				}
			}
		}
		hostID = h.Sum32()
	})
	return hostID
}
