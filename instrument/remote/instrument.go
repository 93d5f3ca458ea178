package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/guseggert/remoteinstrument/instrument"
	"go.uber.org/zap"
)

const loggerName = "remote_instrument"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// SessionSource hands out the session for a server.
// The same (serverName, shared) pair must always yield the same Session within a process.
type SessionSource interface {
	Session(ctx context.Context, serverName string, shared instrument.Kwargs) (instrument.Session, error)
}

// Instrument is a proxy for an instrument that lives on a server process.
// Its methods, parameters and functions are built from the manifest the server returns on connect,
// and every operation on them is forwarded to the server.
type Instrument struct {
	log *zap.SugaredLogger

	sessions   SessionSource
	class      instrument.Class
	serverName string
	shared     instrument.Kwargs
	args       []any
	kwargs     instrument.Kwargs

	mut        sync.RWMutex
	session    instrument.Session
	closed     bool
	id         instrument.ID
	name       string
	methods    map[string]*Method
	parameters map[string]*Parameter
	functions  map[string]*Function
}

type Option func(i *Instrument)

// WithServerName selects the server explicitly instead of deriving it from the class.
func WithServerName(name string) Option {
	return func(i *Instrument) {
		i.serverName = name
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(i *Instrument) {
		i.log = l.Sugar().Named(loggerName)
	}
}

// New creates the instrument on its server and mirrors its API locally.
//
// kwargs named by class.SharedKwargs() select the server and are handed to the session source;
// the rest are passed to the instrument constructor on the server along with args.
func New(ctx context.Context, sessions SessionSource, class instrument.Class, args []any, kwargs instrument.Kwargs, opts ...Option) (*Instrument, error) {
	i := &Instrument{
		log:        defaultLogger,
		sessions:   sessions,
		class:      class,
		args:       args,
		shared:     instrument.Kwargs{},
		kwargs:     instrument.Kwargs{},
		methods:    map[string]*Method{},
		parameters: map[string]*Parameter{},
		functions:  map[string]*Function{},
	}
	for _, o := range opts {
		o(i)
	}

	sharedNames := map[string]bool{}
	for _, name := range class.SharedKwargs() {
		sharedNames[name] = true
	}
	for k, v := range kwargs {
		if sharedNames[k] {
			i.shared[k] = v
		} else {
			i.kwargs[k] = v
		}
	}

	if i.serverName == "" {
		i.serverName = class.DefaultServerName(i.shared)
	}

	sess, err := sessions.Session(ctx, i.serverName, i.shared)
	if err != nil {
		return nil, fmt.Errorf("getting session for server %q: %w", i.serverName, err)
	}
	i.session = sess

	class.Registry().Record(i)
	if err := i.Connect(ctx); err != nil {
		class.Registry().Remove(i)
		return nil, err
	}
	return i, nil
}

// Connect creates the instrument on the server and replaces all members with the ones in the returned manifest.
// Calling it again rebuilds the proxy after the server copy was recreated.
func (i *Instrument) Connect(ctx context.Context) error {
	i.mut.RLock()
	sess, closed := i.session, i.closed
	i.mut.RUnlock()
	if closed || sess == nil {
		return i.closedErr()
	}

	m, err := sess.Connect(ctx, instrument.ConnectRequest{
		Class:  i.class.Name(),
		Args:   i.args,
		Kwargs: i.kwargs,
	})
	if err != nil {
		return fmt.Errorf("connecting %s on server %q: %w", i.class.Name(), i.serverName, err)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest for %s: %w", m.Name, err)
	}

	methods := make(map[string]*Method, len(m.Methods))
	for name, attrs := range m.Methods {
		methods[name] = newMethod(name, i, m.Name, attrs)
	}
	parameters := make(map[string]*Parameter, len(m.Parameters))
	for name, attrs := range m.Parameters {
		parameters[name] = newParameter(name, i, m.Name, attrs)
	}
	functions := make(map[string]*Function, len(m.Functions))
	for name, attrs := range m.Functions {
		functions[name] = newFunction(name, i, m.Name, attrs)
	}

	i.mut.Lock()
	i.id = m.ID
	i.name = m.Name
	i.methods = methods
	i.parameters = parameters
	i.functions = functions
	i.mut.Unlock()

	i.log.Debugw("connected",
		"Instrument", m.Name,
		"ID", m.ID,
		"Methods", len(methods),
		"Parameters", len(parameters),
		"Functions", len(functions),
	)
	return nil
}

func (i *Instrument) closedErr() error {
	return fmt.Errorf("%s: %w", i.Name(), instrument.ErrClosed)
}

// attached returns the session and id to use for a request, failing if the instrument was closed.
func (i *Instrument) attached() (instrument.Session, instrument.ID, error) {
	i.mut.RLock()
	defer i.mut.RUnlock()
	if i.closed || i.session == nil {
		return nil, "", fmt.Errorf("%s: %w", i.name, instrument.ErrClosed)
	}
	return i.session, i.id, nil
}

// ask queries the server copy of this instrument and waits for the response.
// Server errors are returned unchanged.
func (i *Instrument) ask(ctx context.Context, op string, args []any, kwargs instrument.Kwargs) (any, error) {
	sess, id, err := i.attached()
	if err != nil {
		return nil, err
	}
	return sess.Ask(ctx, instrument.ChannelCmd, id, op, args, kwargs)
}

// write sends a command to the server copy of this instrument without waiting for it to run.
func (i *Instrument) write(ctx context.Context, op string, args []any, kwargs instrument.Kwargs) error {
	sess, id, err := i.attached()
	if err != nil {
		return err
	}
	return sess.Write(ctx, instrument.ChannelCmd, id, op, args, kwargs)
}

// AddParameter adds a parameter to the server copy and returns its proxy.
// This is for adding parameters after construction; the server rejects duplicate names or bad kwargs.
func (i *Instrument) AddParameter(ctx context.Context, name string, kwargs instrument.Kwargs) (*Parameter, error) {
	attrs, err := i.addMember(ctx, "add_parameter", name, kwargs)
	if err != nil {
		return nil, err
	}
	i.mut.Lock()
	defer i.mut.Unlock()
	p := newParameter(name, i, i.name, attrs)
	i.parameters[name] = p
	return p, nil
}

// AddFunction adds a function to the server copy and returns its proxy.
func (i *Instrument) AddFunction(ctx context.Context, name string, kwargs instrument.Kwargs) (*Function, error) {
	attrs, err := i.addMember(ctx, "add_function", name, kwargs)
	if err != nil {
		return nil, err
	}
	i.mut.Lock()
	defer i.mut.Unlock()
	f := newFunction(name, i, i.name, attrs)
	i.functions[name] = f
	return f, nil
}

func (i *Instrument) addMember(ctx context.Context, op, name string, kwargs instrument.Kwargs) (instrument.Attrs, error) {
	res, err := i.ask(ctx, op, []any{name}, kwargs)
	if err != nil {
		return nil, err
	}
	switch attrs := res.(type) {
	case nil:
		return instrument.Attrs{}, nil
	case instrument.Attrs:
		return attrs, nil
	case map[string]any:
		return instrument.Attrs(attrs), nil
	default:
		return nil, fmt.Errorf("%s %q: unexpected attributes of type %T from server", op, name, res)
	}
}

// Lookup resolves key against the parameters, then the functions.
// Methods are only reachable through Attr.
func (i *Instrument) Lookup(key string) (Component, error) {
	i.mut.RLock()
	defer i.mut.RUnlock()
	if p, ok := i.parameters[key]; ok {
		return p, nil
	}
	if f, ok := i.functions[key]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%s has no parameter or function %q: %w", i.name, key, instrument.ErrNotFound)
}

// Attr resolves name against the methods, parameters and functions, in that order.
func (i *Instrument) Attr(name string) (Component, error) {
	i.mut.RLock()
	defer i.mut.RUnlock()
	if m, ok := i.methods[name]; ok {
		return m, nil
	}
	if p, ok := i.parameters[name]; ok {
		return p, nil
	}
	if f, ok := i.functions[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%s has no attribute %q: %w", i.name, name, instrument.ErrNotFound)
}

func (i *Instrument) Parameter(name string) (*Parameter, error) {
	i.mut.RLock()
	defer i.mut.RUnlock()
	if p, ok := i.parameters[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%s has no parameter %q: %w", i.name, name, instrument.ErrNotFound)
}

func (i *Instrument) Function(name string) (*Function, error) {
	i.mut.RLock()
	defer i.mut.RUnlock()
	if f, ok := i.functions[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%s has no function %q: %w", i.name, name, instrument.ErrNotFound)
}

func (i *Instrument) Method(name string) (*Method, error) {
	i.mut.RLock()
	defer i.mut.RUnlock()
	if m, ok := i.methods[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%s has no method %q: %w", i.name, name, instrument.ErrNotFound)
}

// Parameters returns a snapshot of the parameter proxies by name.
func (i *Instrument) Parameters() map[string]*Parameter {
	i.mut.RLock()
	defer i.mut.RUnlock()
	out := make(map[string]*Parameter, len(i.parameters))
	for k, v := range i.parameters {
		out[k] = v
	}
	return out
}

// Functions returns a snapshot of the function proxies by name.
func (i *Instrument) Functions() map[string]*Function {
	i.mut.RLock()
	defer i.mut.RUnlock()
	out := make(map[string]*Function, len(i.functions))
	for k, v := range i.functions {
		out[k] = v
	}
	return out
}

// Methods returns a snapshot of the method proxies by name.
func (i *Instrument) Methods() map[string]*Method {
	i.mut.RLock()
	defer i.mut.RUnlock()
	out := make(map[string]*Method, len(i.methods))
	for k, v := range i.methods {
		out[k] = v
	}
	return out
}

// Instances returns every recorded instance of the backing class, local or remote.
func (i *Instrument) Instances() []instrument.Instance {
	return i.class.Registry().Instances()
}

func (i *Instrument) Name() string {
	i.mut.RLock()
	defer i.mut.RUnlock()
	return i.name
}

func (i *Instrument) ID() instrument.ID {
	i.mut.RLock()
	defer i.mut.RUnlock()
	return i.id
}

func (i *Instrument) ServerName() string { return i.serverName }

func (i *Instrument) Class() instrument.Class { return i.class }

// Closed reports whether Close was called and the instrument has not been restarted since.
func (i *Instrument) Closed() bool {
	i.mut.RLock()
	defer i.mut.RUnlock()
	return i.closed
}

// Close tears down the server copy of this instrument and detaches from the session.
// The server is only asked to delete the instrument if it is still alive.
// After Close, every operation that needs the server fails with instrument.ErrClosed.
func (i *Instrument) Close(ctx context.Context) error {
	i.mut.Lock()
	sess, id, name := i.session, i.id, i.name
	i.session = nil
	i.closed = true
	i.mut.Unlock()

	var err error
	if sess != nil {
		if sess.Alive(ctx) {
			err = sess.Delete(ctx, id)
			if err != nil {
				err = fmt.Errorf("deleting %s from server %q: %w", name, i.serverName, err)
			}
		} else {
			i.log.Debugw("server is gone, not deleting instrument", "Instrument", name, "Server", i.serverName)
		}
	}
	i.class.Registry().Remove(i)
	return err
}

// Restart closes the instrument, restarts its server and creates the instrument again.
// The session is re-acquired from the session source before any request is sent.
// Restarting a closed instrument fails; construct a new one instead.
func (i *Instrument) Restart(ctx context.Context) error {
	if i.Closed() {
		return i.closedErr()
	}
	if err := i.Close(ctx); err != nil {
		i.log.Debugf("error closing %s before restart: %s", i.Name(), err)
	}

	sess, err := i.sessions.Session(ctx, i.serverName, i.shared)
	if err != nil {
		return fmt.Errorf("reacquiring session for server %q: %w", i.serverName, err)
	}
	if err := sess.Restart(ctx); err != nil {
		return fmt.Errorf("restarting server %q: %w", i.serverName, err)
	}

	i.mut.Lock()
	i.session = sess
	i.closed = false
	i.mut.Unlock()

	i.class.Registry().Record(i)
	if err := i.Connect(ctx); err != nil {
		return fmt.Errorf("reconnecting after restart: %w", err)
	}
	return nil
}

func (i *Instrument) String() string {
	return fmt.Sprintf("<RemoteInstrument: %s>", i.Name())
}
