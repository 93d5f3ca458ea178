package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/guseggert/remoteinstrument/instrument"
)

type request struct {
	op     string
	id     instrument.ID
	args   []any
	kwargs instrument.Kwargs
	write  bool
}

// echoSession is an in-memory Session that stores parameter values and echoes everything else.
type echoSession struct {
	mut      sync.Mutex
	manifest instrument.Manifest
	values   map[string]any
	dead     bool
	requests []request
	deleted  []instrument.ID
	connects int
	restarts int
	// fail makes every ask for the given op return the error.
	fail map[string]error
}

func newEchoSession(m instrument.Manifest) *echoSession {
	return &echoSession{manifest: m, values: map[string]any{}, fail: map[string]error{}}
}

func (s *echoSession) Connect(ctx context.Context, req instrument.ConnectRequest) (*instrument.Manifest, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.dead {
		return nil, fmt.Errorf("server is dead")
	}
	s.connects++
	m := s.manifest
	return &m, nil
}

func (s *echoSession) Ask(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) (any, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.requests = append(s.requests, request{op: op, id: id, args: args, kwargs: kwargs})
	if err, ok := s.fail[op]; ok {
		return nil, err
	}
	return s.handle(op, args, kwargs)
}

func (s *echoSession) Write(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.requests = append(s.requests, request{op: op, id: id, args: args, kwargs: kwargs, write: true})
	_, _ = s.handle(op, args, kwargs)
	return nil
}

func (s *echoSession) handle(op string, args []any, kwargs instrument.Kwargs) (any, error) {
	switch op {
	case "get":
		return s.values[args[0].(string)], nil
	case "set":
		s.values[args[0].(string)] = args[1]
		return nil, nil
	case "call":
		return args[1:], nil
	case "callattr":
		path := args[0].(string)
		name, attr, _ := strings.Cut(path, ".")
		switch attr {
		case "_latest":
			return s.values[name], nil
		case "snapshot":
			return map[string]any{"name": name, "value": s.values[name], "update": args[1]}, nil
		}
		return map[string]any{"path": path, "args": args[1:], "kwargs": map[string]any(kwargs)}, nil
	case "getattr":
		return s.values[args[0].(string)], nil
	case "setattr":
		s.values[args[0].(string)] = args[1]
		return nil, nil
	case "add_parameter", "add_function":
		attrs := map[string]any{}
		for k, v := range kwargs {
			attrs[k] = v
		}
		return attrs, nil
	}
	return map[string]any{"method": op, "args": args, "kwargs": map[string]any(kwargs)}, nil
}

func (s *echoSession) Delete(ctx context.Context, id instrument.ID) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *echoSession) Restart(ctx context.Context) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.restarts++
	s.dead = false
	s.values = map[string]any{}
	return nil
}

func (s *echoSession) Alive(ctx context.Context) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return !s.dead
}

func (s *echoSession) lastRequest() request {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.requests[len(s.requests)-1]
}

func (s *echoSession) numRequests() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.requests)
}

// staticSource hands out one session regardless of the key, recording what it was asked for.
type staticSource struct {
	mut     sync.Mutex
	session instrument.Session
	err     error
	calls   []string
	shared  []instrument.Kwargs
}

func (s *staticSource) Session(ctx context.Context, serverName string, shared instrument.Kwargs) (instrument.Session, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.calls = append(s.calls, serverName)
	s.shared = append(s.shared, shared)
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}
