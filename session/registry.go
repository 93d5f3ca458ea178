// Package session connects instrument proxies to the agents hosting their instruments.
//
// A Registry hands out one Remote session per server name and set of shared
// keyword arguments. Agents are either reached at configured addresses or
// started on demand as local processes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/remoteinstrument/agent"
	"github.com/guseggert/remoteinstrument/instrument"
	"github.com/guseggert/remoteinstrument/internal/launch"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownServer is returned for a server that has no configured address and cannot be launched.
var ErrUnknownServer = errors.New("unknown server")

// ErrRegistryClosed is returned by a closed Registry.
var ErrRegistryClosed = errors.New("session registry is closed")

// Launched is an agent started by a Launcher.
type Launched interface {
	Address() string
	AgentCerts() *agent.Certs
	Alive(ctx context.Context) bool
	Stop() error
}

// Launcher starts an agent for a server that has no configured address.
type Launcher interface {
	Launch(ctx context.Context, name string) (Launched, error)
}

type localServer struct {
	*launch.Server
}

func (s localServer) Address() string          { return s.Addr }
func (s localServer) AgentCerts() *agent.Certs { return s.Certs }

type localLauncher struct {
	l *launch.Launcher
}

func (l localLauncher) Launch(ctx context.Context, name string) (Launched, error) {
	s, err := l.l.Launch(ctx, name)
	if err != nil {
		return nil, err
	}
	return localServer{Server: s}, nil
}

// LocalLauncher starts agents as child processes of binPath.
// An empty binPath searches for the instrument-agent binary upwards from the working directory.
func LocalLauncher(binPath string, log *zap.Logger) (Launcher, error) {
	opts := []launch.Option{launch.WithLogger(log)}
	if binPath != "" {
		opts = append(opts, launch.WithBinary(binPath))
	}
	l, err := launch.New(opts...)
	if err != nil {
		return nil, err
	}
	return localLauncher{l: l}, nil
}

type serverAddr struct {
	addr  string
	certs *agent.Certs
}

// Registry implements remote.SessionSource.
type Registry struct {
	log           *zap.SugaredLogger
	servers       map[string]serverAddr
	launcher      Launcher
	clientOptions []agent.ClientOption

	opening singleflight.Group

	mut      sync.Mutex
	closed   bool
	sessions map[string]*Remote
	launched []Launched
}

type Option func(r *Registry)

// WithServer routes sessions for the named server to the agent at addr.
func WithServer(name, addr string, certs *agent.Certs) Option {
	return func(r *Registry) {
		r.servers[name] = serverAddr{addr: addr, certs: certs}
	}
}

// WithLauncher starts agents for servers without a configured address.
func WithLauncher(l Launcher) Option {
	return func(r *Registry) {
		r.launcher = l
	}
}

// WithClientOptions customizes the agent clients of new sessions.
func WithClientOptions(opts ...agent.ClientOption) Option {
	return func(r *Registry) {
		r.clientOptions = append(r.clientOptions, opts...)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.log = l.Named("session_registry").Sugar()
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:      zap.NewNop().Sugar(),
		servers:  map[string]serverAddr{},
		sessions: map[string]*Remote{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// sessionKey identifies a server by name and shared kwargs.
// json.Marshal sorts map keys, so equal kwargs give equal keys.
func sessionKey(serverName string, shared instrument.Kwargs) (string, error) {
	if len(shared) == 0 {
		shared = nil
	}
	b, err := json.Marshal([]any{serverName, shared})
	if err != nil {
		return "", fmt.Errorf("encoding shared kwargs: %w", err)
	}
	return string(b), nil
}

func (r *Registry) cached(key string) (*Remote, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.sessions[key], nil
}

// Session returns the session for the server, creating it on first use.
// Concurrent first uses of one key share a single dial or launch, and never wait on other keys.
func (r *Registry) Session(ctx context.Context, serverName string, shared instrument.Kwargs) (instrument.Session, error) {
	key, err := sessionKey(serverName, shared)
	if err != nil {
		return nil, err
	}
	s, err := r.cached(key)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	v, err, _ := r.opening.Do(key, func() (any, error) {
		if s, err := r.cached(key); err != nil || s != nil {
			return s, err
		}
		s, l, err := r.open(ctx, serverName)
		if err != nil {
			return nil, err
		}

		r.mut.Lock()
		defer r.mut.Unlock()
		if r.closed {
			r.discard(serverName, s, l)
			return nil, ErrRegistryClosed
		}
		r.sessions[key] = s
		if l != nil {
			r.launched = append(r.launched, l)
		}
		r.log.Infow("opened session", "Server", serverName, "Key", key)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Remote), nil
}

// open dials the server, launching it first if it has no configured address.
// The returned Launched is nil for configured servers.
func (r *Registry) open(ctx context.Context, serverName string) (*Remote, Launched, error) {
	if sa, ok := r.servers[serverName]; ok {
		s, err := Dial(ctx, r.log, serverName, sa.addr, sa.certs, r.clientOptions...)
		return s, nil, err
	}
	if r.launcher == nil {
		return nil, nil, fmt.Errorf("server %q has no address and no launcher is configured: %w", serverName, ErrUnknownServer)
	}

	l, err := r.launcher.Launch(ctx, serverName)
	if err != nil {
		return nil, nil, fmt.Errorf("launching server %q: %w", serverName, err)
	}
	s, err := Dial(ctx, r.log, serverName, l.Address(), l.AgentCerts(), r.clientOptions...)
	if err != nil {
		r.discard(serverName, nil, l)
		return nil, nil, err
	}
	s.probe = l.Alive
	return s, l, nil
}

func (r *Registry) discard(serverName string, s *Remote, l Launched) {
	if s != nil {
		if err := s.Close(); err != nil {
			r.log.Debugf("error closing session with %q: %s", serverName, err)
		}
	}
	if l != nil {
		if err := l.Stop(); err != nil {
			r.log.Debugf("error stopping server %q: %s", serverName, err)
		}
	}
}

// Close closes every session and stops every launched agent.
func (r *Registry) Close() error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for key, s := range r.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session %s: %w", key, err))
		}
	}
	for _, l := range r.launched {
		if err := l.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	r.sessions = nil
	r.launched = nil
	return errors.Join(errs...)
}
