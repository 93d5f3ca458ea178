package remote

import (
	"context"
	"fmt"

	"github.com/guseggert/remoteinstrument/instrument"
	"github.com/guseggert/remoteinstrument/instrument/validators"
)

// Parameter is a proxy for a Parameter of the server instrument.
//
// Get and Set go to the server. Validate and the sweep constructors run locally,
// since they only need the validator the server reported at connect time.
type Parameter struct {
	component

	vals    validators.Validator
	valsErr error
}

func newParameter(name string, inst *Instrument, instName string, attrs instrument.Attrs) *Parameter {
	p := &Parameter{component: newComponent(KindParameter, name, inst, instName, attrs)}
	p.vals, p.valsErr = validators.FromMetadata(attrs[instrument.AttrVals])
	return p
}

// Get reads the current value of the parameter.
func (p *Parameter) Get(ctx context.Context) (any, error) {
	return p.inst.ask(ctx, "get", []any{p.name}, nil)
}

// Set sets the parameter and blocks until the server has done so.
func (p *Parameter) Set(ctx context.Context, value any) error {
	_, err := p.inst.ask(ctx, "set", []any{p.name, value}, nil)
	return err
}

// SetNoWait sends the new value without waiting for the server to apply it.
// Ordering with later requests on the same session is preserved, but errors raised by the set are lost.
func (p *Parameter) SetNoWait(ctx context.Context, value any) error {
	return p.inst.write(ctx, "set", []any{p.name, value}, nil)
}

// Call gets the parameter when called with no args and sets it when called with one.
func (p *Parameter) Call(ctx context.Context, args ...any) (any, error) {
	switch len(args) {
	case 0:
		return p.Get(ctx)
	case 1:
		return nil, p.Set(ctx, args[0])
	default:
		return nil, fmt.Errorf("parameter %s takes 0 or 1 arguments, got %d: %w", p.name, len(args), instrument.ErrUsage)
	}
}

// Validate returns an error if value is not allowed for this parameter.
func (p *Parameter) Validate(value any) error {
	if p.valsErr != nil {
		return fmt.Errorf("parameter %s: bad validator metadata: %w", p.name, p.valsErr)
	}
	if err := p.vals.Validate(value); err != nil {
		return fmt.Errorf("parameter %s: %w", p.name, err)
	}
	return nil
}

// Latest returns the most recent value the server knows of, without reading the instrument.
func (p *Parameter) Latest(ctx context.Context) (any, error) {
	return p.inst.ask(ctx, "callattr", []any{p.name + "._latest"}, nil)
}

// Snapshot returns a JSON-compatible description of the parameter state.
// If update is true the server reads a fresh value first.
func (p *Parameter) Snapshot(ctx context.Context, update bool) (map[string]any, error) {
	res, err := p.inst.ask(ctx, "callattr", []any{p.name + ".snapshot", update}, nil)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	snap, ok := res.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("snapshot of %s: unexpected type %T", p.name, res)
	}
	return snap, nil
}

// SetAttr sets an attribute of the server-side parameter. attr may be a dotted path.
func (p *Parameter) SetAttr(ctx context.Context, attr string, value any) error {
	_, err := p.inst.ask(ctx, "setattr", []any{p.name + "." + attr, value}, nil)
	return err
}

// GetAttr gets an attribute of the server-side parameter. attr may be a dotted path.
func (p *Parameter) GetAttr(ctx context.Context, attr string) (any, error) {
	return p.inst.ask(ctx, "getattr", []any{p.name + "." + attr}, nil)
}

// CallAttr calls a method of the server-side parameter. attr may be a dotted path.
func (p *Parameter) CallAttr(ctx context.Context, attr string, kwargs instrument.Kwargs, args ...any) (any, error) {
	return p.inst.ask(ctx, "callattr", append([]any{p.name + "." + attr}, args...), kwargs)
}

func (p *Parameter) Unit() string {
	s, _ := p.attrs[instrument.AttrUnit].(string)
	return s
}

func (p *Parameter) Label() string {
	if s, ok := p.attrs[instrument.AttrLabel].(string); ok && s != "" {
		return s
	}
	return p.name
}
