package qos

import (
	"strings"

	"github.com/gobwas/glob"
)

// Partition is the PARTITION policy: a set of partition names giving
// logical isolation within a topic. Writers and readers communicate only
// when their partition sets intersect; two empty sets name the default
// partition and match each other.
type Partition struct {
	Names []string `yaml:"names"`
}

// IsDefault reports whether the policy names only the default partition.
func (p Partition) IsDefault() bool {
	return len(p.Names) == 0
}

func isWildcard(name string) bool {
	return strings.ContainsAny(name, "*?[")
}

// matchName compares two partition names. A wildcard pattern matches a
// literal name; two wildcard patterns never match each other.
func matchName(a, b string) bool {
	aw, bw := isWildcard(a), isWildcard(b)
	switch {
	case aw && bw:
		return false
	case aw:
		return globMatch(a, b)
	case bw:
		return globMatch(b, a)
	default:
		return a == b
	}
}

func globMatch(pattern, name string) bool {
	g, err := glob.Compile(pattern)
	if err != nil {
		// An unparsable pattern matches nothing.
		return false
	}
	return g.Match(name)
}

// Intersects reports whether the two partition sets share at least one
// partition.
func (p Partition) Intersects(other Partition) bool {
	if p.IsDefault() && other.IsDefault() {
		return true
	}
	for _, a := range p.Names {
		for _, b := range other.Names {
			if matchName(a, b) {
				return true
			}
		}
	}
	return false
}
