package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/guseggert/remoteinstrument/instrument"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Backend hosts the real instruments that requests are run against.
// Backends are shared by all connections, so they must be goroutine-safe.
type Backend interface {
	Connect(ctx context.Context, req instrument.ConnectRequest) (*instrument.Manifest, error)
	Handle(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) (any, error)
	Delete(ctx context.Context, id instrument.ID) error
	Restart(ctx context.Context) error
}

type Server struct {
	Log     *zap.SugaredLogger
	Backend Backend
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverRunner{
		log:     s.Log.Named("server_runner"),
		conn:    wsConn,
		ctx:     ctx,
		backend: s.Backend,
	}
	runner.run()
}

type serverRunner struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	ctx     context.Context
	backend Backend
}

// run handles requests one at a time until the client closes the connection.
func (r *serverRunner) run() {
	for {
		var req requestMessage
		err := wsjson.Read(r.ctx, r.conn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.conn.Close(websocket.StatusInternalError, "reading request failed")
			return
		}

		resp := r.handle(req)
		if req.NoReply {
			if resp.Err != nil {
				r.log.Debugw("no-reply request failed", "ID", req.ID, "Op", req.Op, "Error", resp.Err)
			}
			continue
		}
		err = wsjson.Write(r.ctx, r.conn, resp)
		if err != nil {
			r.log.Debugf("error writing response: %s", err)
			r.conn.Close(websocket.StatusInternalError, "writing response failed")
			return
		}
	}
}

func (r *serverRunner) handle(req requestMessage) responseMessage {
	resp := responseMessage{ID: req.ID}
	var err error
	switch req.Kind {
	case kindConnect:
		resp.Manifest, err = r.backend.Connect(r.ctx, instrument.ConnectRequest{
			Class:  req.Class,
			Args:   req.Args,
			Kwargs: req.Kwargs,
		})
	case kindCmd:
		resp.Value, err = r.backend.Handle(r.ctx, req.Channel, req.Instrument, req.Op, req.Args, req.Kwargs)
	case kindDelete:
		err = r.backend.Delete(r.ctx, req.Instrument)
	default:
		err = fmt.Errorf("unknown request kind %q", req.Kind)
	}
	if err != nil {
		resp.Value = nil
		resp.Manifest = nil
		resp.Err = toRemoteError(err)
	}
	return resp
}

func toRemoteError(err error) *instrument.RemoteError {
	var remoteErr *instrument.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	return &instrument.RemoteError{Type: "Error", Message: err.Error()}
}
