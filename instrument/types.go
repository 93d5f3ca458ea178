package instrument

import (
	"fmt"
	"sort"
)

// ID is the opaque identity a server assigns to one hosted instrument.
type ID string

// Kwargs are keyword arguments passed through to the server verbatim.
type Kwargs map[string]any

// Clone returns a shallow copy of k. A nil Kwargs clones to an empty map.
func (k Kwargs) Clone() Kwargs {
	c := make(Kwargs, len(k))
	for key, v := range k {
		c[key] = v
	}
	return c
}

// Attrs holds the descriptive attributes of a member as reported by the server.
// Beyond the well known keys below, servers may attach any metadata they like.
type Attrs map[string]any

const (
	AttrDoc   = "doc"
	AttrVals  = "vals"
	AttrArgs  = "args"
	AttrUnit  = "unit"
	AttrLabel = "label"
)

// Doc returns the documentation string, or "" if there is none.
func (a Attrs) Doc() string {
	s, _ := a[AttrDoc].(string)
	return s
}

// Clone returns a shallow copy of a.
func (a Attrs) Clone() Attrs {
	c := make(Attrs, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Manifest is what a server returns when an instrument is connected.
// It describes everything that can be proxied on the client.
type Manifest struct {
	ID         ID               `json:"id"`
	Name       string           `json:"name"`
	Methods    map[string]Attrs `json:"methods"`
	Parameters map[string]Attrs `json:"parameters"`
	Functions  map[string]Attrs `json:"functions"`
}

// Validate checks that no member name appears in more than one of the three mappings.
func (m *Manifest) Validate() error {
	seen := map[string]string{}
	check := func(kind string, members map[string]Attrs) error {
		names := make([]string, 0, len(members))
		for name := range members {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if other, ok := seen[name]; ok {
				return fmt.Errorf("member %q is both a %s and a %s", name, other, kind)
			}
			seen[name] = kind
		}
		return nil
	}
	if err := check("method", m.Methods); err != nil {
		return err
	}
	if err := check("parameter", m.Parameters); err != nil {
		return err
	}
	return check("function", m.Functions)
}

// ConnectRequest asks a server to construct an instrument of the given class.
type ConnectRequest struct {
	Class  string `json:"class"`
	Args   []any  `json:"args,omitempty"`
	Kwargs Kwargs `json:"kwargs,omitempty"`
}
