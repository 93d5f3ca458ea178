package remote

import (
	"context"

	"github.com/guseggert/remoteinstrument/instrument"
)

// Method is a proxy for a method of the server instrument.
type Method struct {
	component
}

func newMethod(name string, inst *Instrument, instName string, attrs instrument.Attrs) *Method {
	return &Method{component: newComponent(KindMethod, name, inst, instName, attrs)}
}

// Call invokes the method on the server with positional args and returns whatever the server returns.
func (m *Method) Call(ctx context.Context, args ...any) (any, error) {
	return m.inst.ask(ctx, m.name, args, nil)
}

// CallKwargs is Call with keyword arguments.
func (m *Method) CallKwargs(ctx context.Context, kwargs instrument.Kwargs, args ...any) (any, error) {
	return m.inst.ask(ctx, m.name, args, kwargs)
}
