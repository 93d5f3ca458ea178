package rpc

import "github.com/guseggert/remoteinstrument/instrument"

type requestKind string

const (
	kindConnect requestKind = "connect"
	kindCmd     requestKind = "cmd"
	kindDelete  requestKind = "delete"
)

// requestMessage is a request message.
// Connect requests carry Class, Args and Kwargs; cmd requests carry Channel, Instrument, Op, Args and Kwargs;
// delete requests carry only Instrument.
type requestMessage struct {
	ID   string
	Kind requestKind

	Channel    string            `json:",omitempty"`
	Instrument instrument.ID     `json:",omitempty"`
	Op         string            `json:",omitempty"`
	Class      string            `json:",omitempty"`
	Args       []any             `json:",omitempty"`
	Kwargs     instrument.Kwargs `json:",omitempty"`

	// NoReply is set for fire-and-forget requests. The server sends no response for them, not even on error.
	NoReply bool `json:",omitempty"`
}

// responseMessage is a response message. At most one of Value/Manifest and Err is meaningful.
type responseMessage struct {
	ID string

	Value    any                     `json:",omitempty"`
	Manifest *instrument.Manifest    `json:",omitempty"`
	Err      *instrument.RemoteError `json:",omitempty"`
}
