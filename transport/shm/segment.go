package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// shmDir returns the backing directory for named segments.
func shmDir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return os.TempDir()
}

func segmentPath(name string) (string, error) {
	if !strings.HasPrefix(name, "/hdds_") || strings.ContainsRune(name[1:], '/') {
		return "", fmt.Errorf("shm: invalid segment name %q", name)
	}
	return filepath.Join(shmDir(), name[1:]), nil
}

// Segment is a mapped shared-memory region.
type Segment struct {
	name string
	path string
	data []byte
	owner bool
}

// CreateSegment creates and maps a fresh segment of the given size,
// replacing any stale file left by a crashed writer.
func CreateSegment(name string, size int) (*Segment, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	os.Remove(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: segment create failed: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shm: segment truncate failed: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap failed: %w", err)
	}
	return &Segment{name: name, path: path, data: data, owner: true}, nil
}

// OpenSegment maps an existing segment read-write (readers still write the
// notify words).
func OpenSegment(name string) (*Segment, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: segment open failed: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: segment stat failed: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap failed: %w", err)
	}
	return &Segment{name: name, path: path, data: data}, nil
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Bytes returns the mapped region.
func (s *Segment) Bytes() []byte { return s.data }

// Close unmaps the segment and, for the creating side, unlinks it.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.owner {
		os.Remove(s.path)
	}
	return err
}

// CleanupDomainSegments removes every segment file of a domain, for crash
// recovery at participant start.
func CleanupDomainSegments(domainID int) int {
	pattern := filepath.Join(shmDir(), fmt.Sprintf("hdds_d%d_w*", domainID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range matches {
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed
}
