package instrument

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Instance is anything that can be recorded as an instance of a Class, local or remote.
type Instance interface {
	Name() string
}

// Class describes the backing class of an instrument.
type Class interface {
	// Name identifies the class to the server.
	Name() string

	// DefaultServerName derives a server name from the shared kwargs.
	DefaultServerName(shared Kwargs) string

	// SharedKwargs names the constructor kwargs that select and configure the server rather than one instance.
	SharedKwargs() []string

	// Registry holds the live instances of this class.
	Registry() *Registry
}

// Registry is the collection of live instances of one class.
type Registry struct {
	mut       sync.Mutex
	instances []Instance
}

// Record adds i to the registry. Recording the same instance twice is a no-op.
func (r *Registry) Record(i Instance) {
	r.mut.Lock()
	defer r.mut.Unlock()
	for _, existing := range r.instances {
		if existing == i {
			return
		}
	}
	r.instances = append(r.instances, i)
}

// Remove drops i from the registry, if present.
func (r *Registry) Remove(i Instance) {
	r.mut.Lock()
	defer r.mut.Unlock()
	for idx, existing := range r.instances {
		if existing == i {
			r.instances = append(r.instances[:idx], r.instances[idx+1:]...)
			return
		}
	}
}

// Instances returns a snapshot of the recorded instances in recording order.
func (r *Registry) Instances() []Instance {
	r.mut.Lock()
	defer r.mut.Unlock()
	out := make([]Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// ClassInfo is a Class described by plain data.
type ClassInfo struct {
	ClassName string
	Shared    []string

	// ServerName overrides the default naming scheme if set.
	ServerName func(shared Kwargs) string

	registry Registry
}

func (c *ClassInfo) Name() string { return c.ClassName }

func (c *ClassInfo) SharedKwargs() []string { return c.Shared }

func (c *ClassInfo) Registry() *Registry { return &c.registry }

// DefaultServerName returns "<ClassName>Server", suffixed with the sorted shared kwargs if there are any,
// so that instruments sharing e.g. a physical address end up on the same server.
func (c *ClassInfo) DefaultServerName(shared Kwargs) string {
	if c.ServerName != nil {
		return c.ServerName(shared)
	}
	name := c.ClassName + "Server"
	if len(shared) == 0 {
		return name
	}
	keys := make([]string, 0, len(shared))
	for k := range shared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, shared[k]))
	}
	return name + "-" + strings.Join(parts, ",")
}
