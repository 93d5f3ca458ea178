package rpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/remoteinstrument/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handled struct {
	channel string
	id      instrument.ID
	op      string
	args    []any
	kwargs  instrument.Kwargs
}

type fakeBackend struct {
	mut     sync.Mutex
	calls   []handled
	deleted []instrument.ID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (b *fakeBackend) Connect(ctx context.Context, req instrument.ConnectRequest) (*instrument.Manifest, error) {
	if req.Class == "Broken" {
		return nil, &instrument.RemoteError{Type: "VisaIOError", Message: "no device at " + req.Kwargs["address"].(string)}
	}
	return &instrument.Manifest{
		ID:         "1",
		Name:       req.Args[0].(string),
		Methods:    map[string]instrument.Attrs{"reset": {}},
		Parameters: map[string]instrument.Attrs{"freq": {"unit": "Hz"}},
		Functions:  map[string]instrument.Attrs{},
	}, nil
}

func (b *fakeBackend) Handle(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) (any, error) {
	b.mut.Lock()
	b.calls = append(b.calls, handled{channel: channel, id: id, op: op, args: args, kwargs: kwargs})
	b.mut.Unlock()
	if op == "explode" {
		return nil, errors.New("boom")
	}
	return map[string]any{"op": op, "args": args}, nil
}

func (b *fakeBackend) Delete(ctx context.Context, id instrument.ID) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) Restart(ctx context.Context) error { return nil }

func newTestConn(t *testing.T, backend Backend) *Conn {
	t.Helper()
	log := zap.NewNop().Sugar()
	s := httptest.NewServer(&Server{Log: log, Backend: backend})
	t.Cleanup(s.Close)

	client := &Client{HTTPClient: s.Client(), URL: s.URL, Logger: log}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectAndAsk(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	conn := newTestConn(t, backend)

	m, err := conn.Connect(ctx, instrument.ConnectRequest{Class: "Source", Args: []any{"src"}})
	require.NoError(t, err)
	assert.Equal(t, instrument.ID("1"), m.ID)
	assert.Equal(t, "src", m.Name)
	assert.Equal(t, "Hz", m.Parameters["freq"]["unit"])

	v, err := conn.Ask(ctx, instrument.ChannelCmd, m.ID, "get", []any{"freq"}, instrument.Kwargs{"raw": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"op": "get", "args": []any{"freq"}}, v)

	backend.mut.Lock()
	defer backend.mut.Unlock()
	require.Len(t, backend.calls, 1)
	assert.Equal(t, handled{
		channel: instrument.ChannelCmd,
		id:      "1",
		op:      "get",
		args:    []any{"freq"},
		kwargs:  instrument.Kwargs{"raw": true},
	}, backend.calls[0])
}

func TestRemoteErrors(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t, newFakeBackend())

	_, err := conn.Connect(ctx, instrument.ConnectRequest{Class: "Broken", Kwargs: instrument.Kwargs{"address": "GPIB::8"}})
	var remoteErr *instrument.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "VisaIOError", remoteErr.Type)
	assert.Equal(t, "no device at GPIB::8", remoteErr.Message)

	_, err = conn.Ask(ctx, instrument.ChannelCmd, "1", "explode", nil, nil)
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "Error: boom", remoteErr.Error())

	// a server error leaves the connection usable
	_, err = conn.Ask(ctx, instrument.ChannelCmd, "1", "get", []any{"freq"}, nil)
	assert.NoError(t, err)
}

func TestWriteDoesNotWaitForReply(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	conn := newTestConn(t, backend)

	require.NoError(t, conn.Write(ctx, instrument.ChannelCmd, "1", "explode", nil, nil))
	require.NoError(t, conn.Write(ctx, instrument.ChannelCmd, "1", "set", []any{"freq", 3.0}, nil))

	// the next ask is answered only after both writes ran, so the responses stay in step
	v, err := conn.Ask(ctx, instrument.ChannelCmd, "1", "get", []any{"freq"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"op": "get", "args": []any{"freq"}}, v)

	backend.mut.Lock()
	defer backend.mut.Unlock()
	require.Len(t, backend.calls, 3)
	assert.Equal(t, "explode", backend.calls[0].op)
	assert.Equal(t, "set", backend.calls[1].op)
}

func TestDelete(t *testing.T) {
	backend := newFakeBackend()
	conn := newTestConn(t, backend)

	require.NoError(t, conn.Delete(context.Background(), "1"))
	backend.mut.Lock()
	defer backend.mut.Unlock()
	assert.Equal(t, []instrument.ID{"1"}, backend.deleted)
}

func TestUseAfterClose(t *testing.T) {
	conn := newTestConn(t, newFakeBackend())
	require.NoError(t, conn.Close())

	_, err := conn.Ask(context.Background(), instrument.ChannelCmd, "1", "get", nil, nil)
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.ErrorIs(t, conn.Write(context.Background(), instrument.ChannelCmd, "1", "set", nil, nil), ErrConnClosed)
}
