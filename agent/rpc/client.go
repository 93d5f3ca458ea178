package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/remoteinstrument/instrument"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// ErrConnClosed is returned for requests on a Conn that was closed or broke.
var ErrConnClosed = errors.New("rpc connection closed")

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Dial opens a WebSocket connection to the server.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	c.Logger.Debugw("dialing WebSocket for session", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn for session: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Conn{
		log:  c.Logger.Named("rpc_conn"),
		conn: wsConn,
	}, nil
}

// Conn is one WebSocket connection to an instrument server.
// Requests are serialized: an Ask holds the connection until its response arrives.
// If the context of a request is canceled while it waits, the connection is closed and unusable afterwards.
type Conn struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	mut    sync.Mutex
	broken error

	closeConnOnce sync.Once
}

// Connect asks the server to construct an instrument and returns its manifest.
func (c *Conn) Connect(ctx context.Context, req instrument.ConnectRequest) (*instrument.Manifest, error) {
	resp, err := c.roundTrip(ctx, requestMessage{
		Kind:   kindConnect,
		Class:  req.Class,
		Args:   req.Args,
		Kwargs: req.Kwargs,
	})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Manifest == nil {
		return nil, errors.New("server returned no manifest")
	}
	return resp.Manifest, nil
}

// Ask sends a command and waits for its result. Errors raised by the server are returned as *instrument.RemoteError.
func (c *Conn) Ask(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) (any, error) {
	resp, err := c.roundTrip(ctx, requestMessage{
		Kind:       kindCmd,
		Channel:    channel,
		Instrument: id,
		Op:         op,
		Args:       args,
		Kwargs:     kwargs,
	})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Value, nil
}

// Write sends a command without waiting for it to run.
func (c *Conn) Write(ctx context.Context, channel string, id instrument.ID, op string, args []any, kwargs instrument.Kwargs) error {
	_, err := c.roundTrip(ctx, requestMessage{
		Kind:       kindCmd,
		Channel:    channel,
		Instrument: id,
		Op:         op,
		Args:       args,
		Kwargs:     kwargs,
		NoReply:    true,
	})
	return err
}

// Delete removes an instrument from the server.
func (c *Conn) Delete(ctx context.Context, id instrument.ID) error {
	resp, err := c.roundTrip(ctx, requestMessage{
		Kind:       kindDelete,
		Instrument: id,
	})
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

// roundTrip sends req and, unless it is a NoReply request, reads the matching response.
func (c *Conn) roundTrip(ctx context.Context, req requestMessage) (*responseMessage, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}

	req.ID = uuid.NewString()
	c.log.Debugw("sending request", "ID", req.ID, "Kind", req.Kind, "Op", req.Op, "NoReply", req.NoReply)
	err := wsjson.Write(ctx, c.conn, req)
	if err != nil {
		return nil, c.fail(fmt.Errorf("writing request: %w", err))
	}
	if req.NoReply {
		return nil, nil
	}

	var resp responseMessage
	err = wsjson.Read(ctx, c.conn, &resp)
	if err != nil {
		return nil, c.fail(fmt.Errorf("reading response: %w", err))
	}
	if resp.ID != req.ID {
		return nil, c.fail(fmt.Errorf("response ID %q does not match request ID %q", resp.ID, req.ID))
	}
	return &resp, nil
}

// fail marks the connection as unusable. It must be called with mut held.
func (c *Conn) fail(err error) error {
	c.log.Debugf("connection failed: %s", err)
	c.broken = fmt.Errorf("%w: %w", ErrConnClosed, err)
	c.close(websocket.StatusInternalError, err.Error())
	return err
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}

// Close closes the connection. Instruments created through it stay on the server.
// Any request blocked on the connection fails.
func (c *Conn) Close() error {
	c.close(websocket.StatusNormalClosure, "")
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.broken == nil {
		c.broken = ErrConnClosed
	}
	return nil
}
