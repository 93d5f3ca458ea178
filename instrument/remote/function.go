package remote

import (
	"context"
	"fmt"

	"github.com/guseggert/remoteinstrument/instrument"
	"github.com/guseggert/remoteinstrument/instrument/validators"
)

// Function is a proxy for a Function of the server instrument.
// Functions only take positional arguments.
type Function struct {
	component

	args    validators.Args
	argsErr error
}

func newFunction(name string, inst *Instrument, instName string, attrs instrument.Attrs) *Function {
	f := &Function{component: newComponent(KindFunction, name, inst, instName, attrs)}
	f.args, f.argsErr = validators.ArgsFromMetadata(attrs[instrument.AttrArgs])
	return f
}

// Call calls the function on the server.
func (f *Function) Call(ctx context.Context, args ...any) (any, error) {
	return f.inst.ask(ctx, "call", append([]any{f.name}, args...), nil)
}

// Validate checks args against the function's argument validators without contacting the server.
// Functions that report no argument metadata accept no arguments.
func (f *Function) Validate(args ...any) error {
	if f.argsErr != nil {
		return fmt.Errorf("function %s: bad argument metadata: %w", f.name, f.argsErr)
	}
	if err := f.args.Validate(args...); err != nil {
		return fmt.Errorf("function %s: %w", f.name, err)
	}
	return nil
}
