package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/remoteinstrument/agent"
	"github.com/guseggert/remoteinstrument/agent/echo"
	"github.com/guseggert/remoteinstrument/instrument"
	"github.com/guseggert/remoteinstrument/instrument/remote"
	"github.com/guseggert/remoteinstrument/instrument/validators"
	"github.com/guseggert/remoteinstrument/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type testAgent struct {
	addr    string
	certs   *agent.Certs
	backend *echo.Backend
	agent   *agent.InstrumentAgent
}

func startAgent(t *testing.T, serverName string) *testAgent {
	t.Helper()
	certs, err := agent.GenerateCerts(serverName)
	require.NoError(t, err)
	addr, err := net.EphemeralLoopbackAddr()
	require.NoError(t, err)

	backend := echo.New()
	a, err := agent.NewInstrumentAgent(
		backend,
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		agent.WithListenAddr(addr),
		agent.WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()
	select {
	case <-a.Ready():
	case err := <-runErr:
		t.Fatalf("agent stopped before listening: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent to listen")
	}
	t.Cleanup(func() { a.Stop() })

	return &testAgent{addr: addr, certs: certs, backend: backend, agent: a}
}

func dummyClass() *instrument.ClassInfo {
	return &instrument.ClassInfo{ClassName: "DummyInstrument", Shared: []string{"address"}}
}

func TestUnknownServer(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	_, err := r.Session(context.Background(), "NowhereServer", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestSessionIsShared(t *testing.T) {
	ctx := context.Background()
	ta := startAgent(t, "DummyServer")
	r := NewRegistry(WithServer("DummyServer", ta.addr, ta.certs))
	defer r.Close()

	sessions := make([]instrument.Session, 8)
	var g errgroup.Group
	for i := range sessions {
		i := i
		g.Go(func() error {
			s, err := r.Session(ctx, "DummyServer", instrument.Kwargs{"address": "GPIB::1", "timeout": 5.0})
			sessions[i] = s
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}

	other, err := r.Session(ctx, "DummyServer", instrument.Kwargs{"address": "GPIB::2"})
	require.NoError(t, err)
	assert.NotSame(t, sessions[0], other)

	again, err := r.Session(ctx, "DummyServer", instrument.Kwargs{"timeout": 5.0, "address": "GPIB::1"})
	require.NoError(t, err)
	assert.Same(t, sessions[0], again)
}

func TestClosedRegistry(t *testing.T) {
	ta := startAgent(t, "DummyServer")
	r := NewRegistry(WithServer("DummyServer", ta.addr, ta.certs))
	_, err := r.Session(context.Background(), "DummyServer", nil)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.Session(context.Background(), "DummyServer", nil)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRemoteInstrument(t *testing.T) {
	ctx := context.Background()
	class := dummyClass()
	serverName := class.DefaultServerName(instrument.Kwargs{"address": "GPIB::8"})
	ta := startAgent(t, serverName)
	r := NewRegistry(WithServer(serverName, ta.addr, ta.certs))
	defer r.Close()

	gen, err := remote.New(ctx, r, class, []any{"gen"}, instrument.Kwargs{"address": "GPIB::8"})
	require.NoError(t, err)
	assert.Equal(t, "gen", gen.Name())
	assert.Equal(t, "DummyInstrumentServer-address=GPIB::8", gen.ServerName())
	assert.Equal(t, []string{"gen"}, ta.backend.Names())

	freq, err := gen.Parameter("freq")
	require.NoError(t, err)
	assert.Equal(t, "Hz", freq.Unit())
	assert.Contains(t, freq.Doc(), "RemoteParameter freq in RemoteInstrument gen")

	v, err := freq.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)
	require.NoError(t, freq.Set(ctx, 2500.0))
	v, err = freq.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, v)

	amp, err := gen.Parameter("amplitude")
	require.NoError(t, err)
	assert.ErrorIs(t, amp.Validate(11.0), validators.ErrInvalid)
	err = amp.Set(ctx, 11.0)
	var remoteErr *instrument.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "ValueError", remoteErr.Type)

	require.NoError(t, amp.SetNoWait(ctx, 4.0))
	v, err = amp.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)

	latest, err := amp.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, latest.(map[string]any)["value"])
	snap, err := amp.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "V", snap["unit"])

	require.NoError(t, amp.SetAttr(ctx, "vals.max_value", 20.0))
	require.NoError(t, amp.Set(ctx, 15.0))

	beep, err := gen.Function("beep")
	require.NoError(t, err)
	v, err = beep.Call(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []any{3.0}, v)

	identify, err := gen.Method("identify")
	require.NoError(t, err)
	v, err = identify.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, "identify", v.(map[string]any)["method"])

	phase, err := gen.AddParameter(ctx, "phase", instrument.Kwargs{"unit": "deg"})
	require.NoError(t, err)
	require.NoError(t, phase.Set(ctx, 90.0))
	c, err := gen.Lookup("phase")
	require.NoError(t, err)
	assert.Same(t, phase, c)

	_, err = gen.AddParameter(ctx, "freq", nil)
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "KeyError", remoteErr.Type)

	require.NoError(t, gen.Close(ctx))
	assert.Empty(t, ta.backend.Names())
	_, err = freq.Get(ctx)
	assert.ErrorIs(t, err, instrument.ErrClosed)
	assert.Empty(t, class.Registry().Instances())
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	class := dummyClass()
	ta := startAgent(t, class.DefaultServerName(nil))
	r := NewRegistry(WithServer(class.DefaultServerName(nil), ta.addr, ta.certs))
	defer r.Close()

	a, err := remote.New(ctx, r, class, []any{"a"}, nil)
	require.NoError(t, err)
	b, err := remote.New(ctx, r, class, []any{"b"}, nil)
	require.NoError(t, err)
	oldID := a.ID()

	freq, err := a.Parameter("freq")
	require.NoError(t, err)
	require.NoError(t, freq.Set(ctx, 42.0))

	require.NoError(t, a.Restart(ctx))
	assert.NotEqual(t, oldID, a.ID())
	// the restart dropped every instrument on the server, b included
	assert.Equal(t, []string{"a"}, ta.backend.Names())

	freq, err = a.Parameter("freq")
	require.NoError(t, err)
	v, err := freq.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	bFreq, err := b.Parameter("freq")
	require.NoError(t, err)
	_, err = bFreq.Get(ctx)
	var remoteErr *instrument.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "KeyError", remoteErr.Type)
}

func TestCloseAfterServerDied(t *testing.T) {
	ctx := context.Background()
	class := dummyClass()
	ta := startAgent(t, class.DefaultServerName(nil))
	r := NewRegistry(
		WithServer(class.DefaultServerName(nil), ta.addr, ta.certs),
		WithClientOptions(agent.WithClientWaitInterval(10*time.Millisecond)),
	)
	defer r.Close()

	inst, err := remote.New(ctx, r, class, []any{"gen"}, nil)
	require.NoError(t, err)

	sess, err := r.Session(ctx, inst.ServerName(), nil)
	require.NoError(t, err)
	assert.True(t, sess.Alive(ctx))

	require.NoError(t, ta.agent.Stop())
	assert.False(t, sess.Alive(ctx))

	// a dead server is not asked to delete the instrument
	require.NoError(t, inst.Close(ctx))
	assert.True(t, inst.Closed())
}

type fakeLaunched struct {
	ta      *testAgent
	stopped bool
}

func (f *fakeLaunched) Address() string                { return f.ta.addr }
func (f *fakeLaunched) AgentCerts() *agent.Certs       { return f.ta.certs }
func (f *fakeLaunched) Alive(ctx context.Context) bool { return !f.stopped }
func (f *fakeLaunched) Stop() error {
	f.stopped = true
	return nil
}

type fakeLauncher struct {
	ta       *testAgent
	launched map[string]*fakeLaunched
	err      error
}

func (f *fakeLauncher) Launch(ctx context.Context, name string) (Launched, error) {
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLaunched{ta: f.ta}
	f.launched[name] = l
	return l, nil
}

func TestLauncher(t *testing.T) {
	ctx := context.Background()
	ta := startAgent(t, "ScopeServer")
	launcher := &fakeLauncher{ta: ta, launched: map[string]*fakeLaunched{}}
	r := NewRegistry(WithLauncher(launcher))

	s, err := r.Session(ctx, "ScopeServer", nil)
	require.NoError(t, err)
	require.Contains(t, launcher.launched, "ScopeServer")
	assert.True(t, s.Alive(ctx))

	// the launcher's liveness check comes first
	launcher.launched["ScopeServer"].stopped = true
	assert.False(t, s.Alive(ctx))

	require.NoError(t, r.Close())
	assert.True(t, launcher.launched["ScopeServer"].stopped)

	failing := NewRegistry(WithLauncher(&fakeLauncher{err: errors.New("no binary")}))
	defer failing.Close()
	_, err = failing.Session(ctx, "ScopeServer", nil)
	assert.ErrorContains(t, err, "no binary")
}

type slowLauncher struct {
	ta       *testAgent
	started  chan struct{}
	release  chan struct{}
	launches atomic.Int32
}

func (l *slowLauncher) Launch(ctx context.Context, name string) (Launched, error) {
	l.launches.Add(1)
	l.started <- struct{}{}
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &fakeLaunched{ta: l.ta}, nil
}

func TestSlowLaunchDoesNotBlockOtherServers(t *testing.T) {
	ctx := context.Background()
	slowAgent := startAgent(t, "SlowServer")
	fastAgent := startAgent(t, "FastServer")
	launcher := &slowLauncher{ta: slowAgent, started: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewRegistry(WithLauncher(launcher), WithServer("FastServer", fastAgent.addr, fastAgent.certs))
	defer r.Close()

	fast, err := r.Session(ctx, "FastServer", nil)
	require.NoError(t, err)

	slow := make([]instrument.Session, 4)
	var g errgroup.Group
	for i := range slow {
		i := i
		g.Go(func() error {
			s, err := r.Session(ctx, "SlowServer", nil)
			slow[i] = s
			return err
		})
	}
	select {
	case <-launcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not start")
	}

	// both a cached session and a new one are served while SlowServer launches
	fastCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	again, err := r.Session(fastCtx, "FastServer", nil)
	require.NoError(t, err)
	assert.Same(t, fast, again)
	other, err := r.Session(fastCtx, "FastServer", instrument.Kwargs{"address": "GPIB::2"})
	require.NoError(t, err)
	assert.NotSame(t, fast, other)

	close(launcher.release)
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), launcher.launches.Load())
	for _, s := range slow[1:] {
		assert.Same(t, slow[0], s)
	}
}

func TestSessionKeys(t *testing.T) {
	key := func(name string, shared instrument.Kwargs) string {
		k, err := sessionKey(name, shared)
		require.NoError(t, err)
		return k
	}
	assert.NotEqual(t, key(`Src {"address":"GPIB::1"}`, nil), key("Src", instrument.Kwargs{"address": "GPIB::1"}))
	assert.Equal(t, key("Src", nil), key("Src", instrument.Kwargs{}))
	assert.Equal(t,
		key("Src", instrument.Kwargs{"address": "GPIB::1", "port": 2}),
		key("Src", instrument.Kwargs{"port": 2, "address": "GPIB::1"}),
	)
}

func TestServerCertsMustMatch(t *testing.T) {
	ta := startAgent(t, "ScopeServer")
	r := NewRegistry(WithServer("SourceServer", ta.addr, ta.certs))
	defer r.Close()
	_, err := r.Session(context.Background(), "SourceServer", nil)
	assert.ErrorContains(t, err, `certs are issued for server "ScopeServer", not "SourceServer"`)
}
