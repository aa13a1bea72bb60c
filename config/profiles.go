package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/hdds-platform/hdds/qos"
)

// ProfileRegistry maps profile names to QoS presets. Lookups read an
// atomically swapped snapshot, so hot reload never blocks entity creation.
// Entities resolve their profile once at creation; a reload affects only
// entities created afterwards — DDS QoS is immutable post-creation for
// most policies.
type ProfileRegistry struct {
	current atomic.Pointer[map[string]qos.Profile]
}

// NewProfileRegistry creates an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	r := &ProfileRegistry{}
	empty := map[string]qos.Profile{}
	r.current.Store(&empty)
	return r
}

// Get resolves one named profile.
func (r *ProfileRegistry) Get(name string) (qos.Profile, bool) {
	m := *r.current.Load()
	p, ok := m[name]
	return p, ok
}

// Names returns the loaded profile names.
func (r *ProfileRegistry) Names() []string {
	m := *r.current.Load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

// LoadFromYAML parses a profile file into a shadow map and swaps it in
// atomically. A parse failure leaves the current registry untouched.
func (r *ProfileRegistry) LoadFromYAML(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read qos profile file: %w", err)
	}
	var parsed struct {
		Profiles map[string]qos.Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(buf, &parsed); err != nil {
		return fmt.Errorf("failed to deserialize qos profiles: %w", err)
	}
	if parsed.Profiles == nil {
		parsed.Profiles = map[string]qos.Profile{}
	}
	r.current.Store(&parsed.Profiles)
	return nil
}
