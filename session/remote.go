package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/guseggert/remoteinstrument/agent"
	"github.com/guseggert/remoteinstrument/agent/rpc"
	"github.com/guseggert/remoteinstrument/instrument"
	"go.uber.org/zap"
)

// Remote is a session with one instrument agent.
type Remote struct {
	log    *zap.SugaredLogger
	name   string
	client *agent.Client
	// probe, if set, is consulted before the agent is asked for a heartbeat.
	probe func(context.Context) bool

	mut  sync.Mutex
	conn *rpc.Conn
}

var _ instrument.Session = (*Remote)(nil)

// Dial connects to the agent at addr and keeps it alive with heartbeats until Close.
// certs must be issued for name, and the agent must prove it holds them.
func Dial(ctx context.Context, log *zap.SugaredLogger, name, addr string, certs *agent.Certs, opts ...agent.ClientOption) (*Remote, error) {
	if certs.ServerName != name {
		return nil, fmt.Errorf("certs are issued for server %q, not %q", certs.ServerName, name)
	}
	client, err := agent.NewClient(log, certs, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("building agent client: %w", err)
	}
	conn, err := client.DialSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing session with %q at %s: %w", name, addr, err)
	}
	client.StartHeartbeat()
	return &Remote{
		log:    log.Named("session").With("Server", name),
		name:   name,
		client: client,
		conn:   conn,
	}, nil
}

func (r *Remote) currentConn() *rpc.Conn {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.conn
}

func (r *Remote) Connect(ctx context.Context, req instrument.ConnectRequest) (*instrument.Manifest, error) {
	return r.currentConn().Connect(ctx, req)
}

func (r *Remote) Ask(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) (any, error) {
	return r.currentConn().Ask(ctx, channel, id, op, args, kwargs)
}

func (r *Remote) Write(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) error {
	return r.currentConn().Write(ctx, channel, id, op, args, kwargs)
}

func (r *Remote) Delete(ctx context.Context, id instrument.ID) error {
	return r.currentConn().Delete(ctx, id)
}

// Restart drops every instrument on the agent and opens a fresh session connection.
func (r *Remote) Restart(ctx context.Context) error {
	if err := r.client.Restart(ctx); err != nil {
		return err
	}
	conn, err := r.client.DialSession(ctx)
	if err != nil {
		return fmt.Errorf("redialing session: %w", err)
	}
	r.mut.Lock()
	old := r.conn
	r.conn = conn
	r.mut.Unlock()
	old.Close()
	r.log.Info("restarted server")
	return nil
}

// Alive reports whether the agent answers a heartbeat.
func (r *Remote) Alive(ctx context.Context) bool {
	if r.probe != nil && !r.probe(ctx) {
		return false
	}
	err := r.client.SendHeartbeat(ctx)
	if err != nil {
		r.log.Debugf("heartbeat failed: %s", err)
		return false
	}
	return true
}

// Name returns the server name the session was opened for.
func (r *Remote) Name() string { return r.name }

// Close stops the heartbeats and closes the connection. Instruments stay on the agent.
func (r *Remote) Close() error {
	r.client.StopHeartbeat()
	return r.currentConn().Close()
}
