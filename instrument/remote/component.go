package remote

import (
	"fmt"

	"github.com/guseggert/remoteinstrument/instrument"
)

// Kind tags the variant of a Component.
type Kind int

const (
	KindMethod Kind = iota
	KindParameter
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindMethod:
		return "RemoteMethod"
	case KindParameter:
		return "RemoteParameter"
	case KindFunction:
		return "RemoteFunction"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Component is a local stand-in for one member of a remote instrument.
// It is one of *Method, *Parameter or *Function.
type Component interface {
	Name() string
	Kind() Kind
	// Attrs returns a copy of the attributes the server reported for this member.
	Attrs() instrument.Attrs
	Doc() string
	Instrument() *Instrument
}

type component struct {
	name  string
	kind  Kind
	inst  *Instrument
	attrs instrument.Attrs
}

// newComponent copies attrs and rewrites the doc string to name the member and its instrument.
func newComponent(kind Kind, name string, inst *Instrument, instName string, attrs instrument.Attrs) component {
	c := component{
		name:  name,
		kind:  kind,
		inst:  inst,
		attrs: attrs.Clone(),
	}
	if doc := attrs.Doc(); doc != "" {
		c.attrs[instrument.AttrDoc] = fmt.Sprintf("%s %s in RemoteInstrument %s\n---\n\n%s", kind, name, instName, doc)
	}
	return c
}

func (c *component) Name() string { return c.name }

func (c *component) Kind() Kind { return c.kind }

func (c *component) Attrs() instrument.Attrs { return c.attrs.Clone() }

func (c *component) Doc() string { return c.attrs.Doc() }

func (c *component) Instrument() *Instrument { return c.inst }

// Attr returns one attribute as reported by the server.
func (c *component) Attr(key string) (any, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

func (c *component) String() string {
	return fmt.Sprintf("<%s: %s>", c.kind, c.name)
}
