// Package echo is an agent backend that hosts simulated instruments in memory.
//
// Instruments are built from per-class templates. Parameters store whatever
// value they are set to (after validating it against their "vals" metadata),
// and functions and methods echo their arguments back to the caller.
package echo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/remoteinstrument/instrument"
	"github.com/guseggert/remoteinstrument/instrument/validators"
	"go.uber.org/zap"
)

// Template describes the members of one instrument class.
type Template struct {
	Methods    map[string]instrument.Attrs
	Parameters map[string]instrument.Attrs
	Functions  map[string]instrument.Attrs
	// Initial holds the starting values of parameters. Unlisted parameters start as nil.
	Initial map[string]any
}

// DummyInstrument is the template registered by default under the class name "DummyInstrument".
func DummyInstrument() Template {
	return Template{
		Methods: map[string]instrument.Attrs{
			"identify": {instrument.AttrDoc: "Return the identification string of the instrument."},
		},
		Parameters: map[string]instrument.Attrs{
			"freq": {
				instrument.AttrDoc:   "Output frequency.",
				instrument.AttrUnit:  "Hz",
				instrument.AttrLabel: "Frequency",
				instrument.AttrVals:  map[string]any{"type": "Numbers", "min_value": 1.0, "max_value": 1e9},
			},
			"amplitude": {
				instrument.AttrDoc:  "Output amplitude.",
				instrument.AttrUnit: "V",
				instrument.AttrVals: map[string]any{"type": "Numbers", "min_value": 0.0, "max_value": 10.0},
			},
			"mode": {
				instrument.AttrVals: map[string]any{"type": "Enum", "values": []any{"sine", "square"}},
			},
		},
		Functions: map[string]instrument.Attrs{
			"reset": {instrument.AttrDoc: "Reset the instrument to its defaults.", instrument.AttrArgs: []any{}},
			"beep": {
				instrument.AttrArgs: []any{map[string]any{"type": "Ints", "min_value": 0.0, "max_value": 5.0}},
			},
		},
		Initial: map[string]any{"freq": 1000.0, "amplitude": 0.0, "mode": "sine"},
	}
}

type parameter struct {
	attrs   instrument.Attrs
	value   any
	updated time.Time
}

type hosted struct {
	id         instrument.ID
	class      string
	name       string
	methods    map[string]instrument.Attrs
	parameters map[string]*parameter
	functions  map[string]instrument.Attrs
}

// Backend is safe for concurrent use by many sessions.
type Backend struct {
	log *zap.SugaredLogger

	mut         sync.Mutex
	templates   map[string]Template
	instruments map[instrument.ID]*hosted
}

type Option func(b *Backend)

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		b.log = l.Named("echo_backend").Sugar()
	}
}

// WithTemplate registers the members that instruments of class get.
func WithTemplate(class string, t Template) Option {
	return func(b *Backend) {
		b.templates[class] = t
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		log:         zap.NewNop().Sugar(),
		templates:   map[string]Template{"DummyInstrument": DummyInstrument()},
		instruments: map[instrument.ID]*hosted{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func keyError(format string, args ...any) error {
	return &instrument.RemoteError{Type: "KeyError", Message: fmt.Sprintf(format, args...)}
}

func attributeError(format string, args ...any) error {
	return &instrument.RemoteError{Type: "AttributeError", Message: fmt.Sprintf(format, args...)}
}

func valueError(err error) error {
	return &instrument.RemoteError{Type: "ValueError", Message: err.Error()}
}

func typeError(format string, args ...any) error {
	return &instrument.RemoteError{Type: "TypeError", Message: fmt.Sprintf(format, args...)}
}

// Connect builds an instrument from the template of req.Class.
// The instrument name is the first positional argument, or the "name" keyword argument.
func (b *Backend) Connect(ctx context.Context, req instrument.ConnectRequest) (*instrument.Manifest, error) {
	name, err := instrumentName(req)
	if err != nil {
		return nil, err
	}

	b.mut.Lock()
	defer b.mut.Unlock()

	tmpl, ok := b.templates[req.Class]
	if !ok {
		return nil, keyError("unknown instrument class %q", req.Class)
	}
	for _, h := range b.instruments {
		if h.name == name {
			return nil, keyError("another instrument has the name: %s", name)
		}
	}

	h := &hosted{
		id:         instrument.ID(uuid.NewString()),
		class:      req.Class,
		name:       name,
		methods:    cloneAttrsMap(tmpl.Methods),
		parameters: map[string]*parameter{},
		functions:  cloneAttrsMap(tmpl.Functions),
	}
	for pname, attrs := range tmpl.Parameters {
		p := &parameter{attrs: instrument.Attrs{}}
		if attrs != nil {
			p.attrs = deepCopy(attrs).(map[string]any)
		}
		if v, ok := tmpl.Initial[pname]; ok {
			p.value = v
			p.updated = time.Now()
		}
		h.parameters[pname] = p
	}
	b.instruments[h.id] = h
	b.log.Infow("created instrument", "ID", h.id, "Class", req.Class, "Name", name)

	return h.manifest(), nil
}

func instrumentName(req instrument.ConnectRequest) (string, error) {
	if len(req.Args) > 0 {
		if name, ok := req.Args[0].(string); ok && name != "" {
			return name, nil
		}
		return "", typeError("instrument name must be a non-empty string, got %v", req.Args[0])
	}
	if name, ok := req.Kwargs["name"].(string); ok && name != "" {
		return name, nil
	}
	return "", typeError("%s needs a name", req.Class)
}

func (h *hosted) manifest() *instrument.Manifest {
	m := &instrument.Manifest{
		ID:         h.id,
		Name:       h.name,
		Methods:    cloneAttrsMap(h.methods),
		Parameters: map[string]instrument.Attrs{},
		Functions:  cloneAttrsMap(h.functions),
	}
	for name, p := range h.parameters {
		m.Parameters[name] = deepCopy(p.attrs).(map[string]any)
	}
	return m
}

// Handle runs one command against a hosted instrument.
func (b *Backend) Handle(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) (any, error) {
	if channel != instrument.ChannelCmd {
		return nil, keyError("unknown channel %q", channel)
	}

	b.mut.Lock()
	defer b.mut.Unlock()

	h, ok := b.instruments[id]
	if !ok {
		return nil, keyError("no instrument with ID %s", id)
	}

	switch op {
	case "get":
		p, err := h.parameter(args)
		if err != nil {
			return nil, err
		}
		return deepCopy(p.value), nil
	case "set":
		if len(args) != 2 {
			return nil, typeError("set takes a parameter name and a value, got %d arguments", len(args))
		}
		p, err := h.parameter(args)
		if err != nil {
			return nil, err
		}
		if err := p.validate(args[1]); err != nil {
			return nil, err
		}
		p.value = args[1]
		p.updated = time.Now()
		return nil, nil
	case "call":
		return h.call(args)
	case "callattr":
		return h.callAttr(args, kwargs)
	case "getattr":
		p, path, err := h.attrPath(args)
		if err != nil {
			return nil, err
		}
		v, ok := lookupPath(p.attrs, path)
		if !ok {
			return nil, attributeError("parameter has no attribute %q", strings.Join(path, "."))
		}
		return deepCopy(v), nil
	case "setattr":
		if len(args) != 2 {
			return nil, typeError("setattr takes a path and a value, got %d arguments", len(args))
		}
		p, path, err := h.attrPath(args)
		if err != nil {
			return nil, err
		}
		if err := storePath(p.attrs, path, args[1]); err != nil {
			return nil, err
		}
		return nil, nil
	case "add_parameter":
		name, err := h.newMemberName(args)
		if err != nil {
			return nil, err
		}
		attrs := instrument.Attrs(deepCopy(map[string]any(kwargs)).(map[string]any))
		if attrs == nil {
			attrs = instrument.Attrs{}
		}
		if _, err := validators.FromMetadata(attrs[instrument.AttrVals]); err != nil {
			return nil, valueError(err)
		}
		p := &parameter{attrs: attrs}
		if initial, ok := attrs["initial_value"]; ok {
			if err := p.validate(initial); err != nil {
				return nil, err
			}
			p.value = initial
			p.updated = time.Now()
		}
		h.parameters[name] = p
		return deepCopy(map[string]any(attrs)), nil
	case "add_function":
		name, err := h.newMemberName(args)
		if err != nil {
			return nil, err
		}
		attrs := instrument.Attrs(deepCopy(map[string]any(kwargs)).(map[string]any))
		if attrs == nil {
			attrs = instrument.Attrs{}
		}
		if _, err := validators.ArgsFromMetadata(attrs[instrument.AttrArgs]); err != nil {
			return nil, valueError(err)
		}
		h.functions[name] = attrs
		return deepCopy(map[string]any(attrs)), nil
	}

	if _, ok := h.methods[op]; ok {
		return map[string]any{"method": op, "args": nilToEmpty(args), "kwargs": map[string]any(kwargs)}, nil
	}
	return nil, attributeError("%s object %s has no attribute %q", h.class, h.name, op)
}

func (h *hosted) parameter(args []any) (*parameter, error) {
	if len(args) == 0 {
		return nil, typeError("missing parameter name")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, typeError("parameter name must be a string, got %T", args[0])
	}
	p, ok := h.parameters[name]
	if !ok {
		return nil, keyError("%s has no parameter %q", h.name, name)
	}
	return p, nil
}

func (p *parameter) validate(v any) error {
	vals, err := validators.FromMetadata(p.attrs[instrument.AttrVals])
	if err != nil {
		return valueError(err)
	}
	if err := vals.Validate(v); err != nil {
		return valueError(err)
	}
	return nil
}

func (h *hosted) call(args []any) (any, error) {
	if len(args) == 0 {
		return nil, typeError("missing function name")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, typeError("function name must be a string, got %T", args[0])
	}
	attrs, ok := h.functions[name]
	if !ok {
		return nil, keyError("%s has no function %q", h.name, name)
	}
	argVals, err := validators.ArgsFromMetadata(attrs[instrument.AttrArgs])
	if err != nil {
		return nil, valueError(err)
	}
	rest := nilToEmpty(args[1:])
	if err := argVals.Validate(rest...); err != nil {
		return nil, valueError(err)
	}
	return rest, nil
}

func (h *hosted) callAttr(args []any, kwargs instrument.Kwargs) (any, error) {
	p, path, err := h.attrPath(args)
	if err != nil {
		return nil, err
	}
	pname, _ := args[0].(string)
	pname, _, _ = strings.Cut(pname, ".")
	switch strings.Join(path, ".") {
	case "_latest":
		latest := map[string]any{"value": deepCopy(p.value), "ts": nil}
		if !p.updated.IsZero() {
			latest["ts"] = p.updated.UTC().Format(time.RFC3339Nano)
		}
		return latest, nil
	case "snapshot":
		snap := map[string]any{}
		for k, v := range p.attrs {
			if k == instrument.AttrDoc {
				continue
			}
			snap[k] = deepCopy(v)
		}
		snap["name"] = pname
		snap["instrument"] = h.name
		snap["value"] = deepCopy(p.value)
		snap["ts"] = nil
		if !p.updated.IsZero() {
			snap["ts"] = p.updated.UTC().Format(time.RFC3339Nano)
		}
		return snap, nil
	}
	return nil, attributeError("parameter %s has no callable attribute %q", pname, strings.Join(path, "."))
}

// attrPath splits the "<parameter>.<attr>[.<attr>...]" path in args[0].
func (h *hosted) attrPath(args []any) (*parameter, []string, error) {
	if len(args) == 0 {
		return nil, nil, typeError("missing attribute path")
	}
	full, ok := args[0].(string)
	if !ok {
		return nil, nil, typeError("attribute path must be a string, got %T", args[0])
	}
	parts := strings.Split(full, ".")
	if len(parts) < 2 {
		return nil, nil, attributeError("attribute path %q names no attribute", full)
	}
	p, err := h.parameter([]any{parts[0]})
	if err != nil {
		return nil, nil, err
	}
	return p, parts[1:], nil
}

func (h *hosted) newMemberName(args []any) (string, error) {
	if len(args) != 1 {
		return "", typeError("expected exactly one member name, got %d arguments", len(args))
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return "", typeError("member name must be a non-empty string")
	}
	_, isParam := h.parameters[name]
	_, isFunc := h.functions[name]
	_, isMethod := h.methods[name]
	if isParam || isFunc || isMethod {
		return "", keyError("duplicate member name %q", name)
	}
	return name, nil
}

// Delete drops an instrument. Deleting an unknown ID is not an error.
func (b *Backend) Delete(ctx context.Context, id instrument.ID) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	if h, ok := b.instruments[id]; ok {
		delete(b.instruments, id)
		b.log.Infow("deleted instrument", "ID", id, "Name", h.name)
	}
	return nil
}

// Restart drops every instrument.
func (b *Backend) Restart(ctx context.Context) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.log.Infow("restarting", "Instruments", len(b.instruments))
	b.instruments = map[instrument.ID]*hosted{}
	return nil
}

// Names returns the names of the hosted instruments, sorted.
func (b *Backend) Names() []string {
	b.mut.Lock()
	defer b.mut.Unlock()
	var names []string
	for _, h := range b.instruments {
		names = append(names, h.name)
	}
	sort.Strings(names)
	return names
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// storePath sets the value at path, creating intermediate objects as needed.
func storePath(m map[string]any, path []string, v any) error {
	cur := m
	for i, key := range path[:len(path)-1] {
		next, ok := cur[key]
		if !ok {
			child := map[string]any{}
			cur[key] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return attributeError("attribute %q is not an object", strings.Join(path[:i+1], "."))
		}
		cur = child
	}
	cur[path[len(path)-1]] = deepCopy(v)
	return nil
}

func cloneAttrsMap(m map[string]instrument.Attrs) map[string]instrument.Attrs {
	out := make(map[string]instrument.Attrs, len(m))
	for k, v := range m {
		out[k] = deepCopy(map[string]any(v)).(map[string]any)
	}
	return out
}

// deepCopy copies the maps and slices of a JSON-like value.
func deepCopy(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = deepCopy(e)
		}
		return out
	case instrument.Attrs:
		return deepCopy(map[string]any(v))
	case []any:
		if v == nil {
			return []any(nil)
		}
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

func nilToEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
