package instrument

import "context"

//go:generate mockgen -destination=mock_session.go -package=instrument github.com/guseggert/remoteinstrument/instrument Session

// ChannelCmd is the channel instrument commands are sent on.
const ChannelCmd = "cmd"

// Session is a connection to a server process that hosts instruments.
// A Session is shared by every proxy created against the same server, so implementations must be goroutine-safe.
type Session interface {
	// Connect constructs an instrument on the server and returns its manifest.
	Connect(ctx context.Context, req ConnectRequest) (*Manifest, error)

	// Ask sends a request and blocks until the server responds.
	// Failures raised by the server are returned as *RemoteError.
	Ask(ctx context.Context, channel string, id ID, op string, args []any, kwargs Kwargs) (any, error)

	// Write sends a request without waiting for the server to process it.
	Write(ctx context.Context, channel string, id ID, op string, args []any, kwargs Kwargs) error

	// Delete removes an instrument from the server.
	Delete(ctx context.Context, id ID) error

	// Restart recreates the server, dropping every instrument it hosts.
	Restart(ctx context.Context) error

	// Alive reports whether the server backing this session is still running.
	Alive(ctx context.Context) bool
}
