package engine

import (
	"github.com/marmos91/fabstream/pkg/fabric"
)

const (
	wantRxFlags = fabric.FlagRecv | fabric.FlagMsg
	wantTxFlags = fabric.FlagSend | fabric.FlagMsg
	wantWrFlags = fabric.FlagRMA | fabric.FlagWrite |
		fabric.FlagCompletion | fabric.FlagDeliveryComplete
)

// payloadAccess is the registration access for payload buffers on each
// side of the transfer.
var payloadAccess = struct {
	rx fabric.Flags
	tx fabric.Flags
}{
	rx: fabric.FlagRecv | fabric.FlagRemoteWrite,
	tx: fabric.FlagSend,
}

// Conn is the state every connection carries regardless of personality:
// the endpoint with its queues, the peer handle, the EOF handshake state,
// and a key source for on-demand registrations.
type Conn struct {
	loop func(*Worker, *Session) Control

	ep   *fabric.Endpoint
	eq   *fabric.EventQueue
	cq   *fabric.CompletionQueue
	av   *fabric.AddressVector
	peer fabric.PeerAddr

	started   bool
	cancelled bool
	eof       struct {
		local  bool
		remote bool
	}

	keys KeySource
}

func (c *Conn) init(av *fabric.AddressVector, keys KeySource, loop func(*Worker, *Session) Control) {
	c.loop = loop
	c.av = av
	c.keys = keys
}

// CompletionQueue exposes the connection's CQ so a worker can bind it into
// a poll set.
func (c *Conn) CompletionQueue() *fabric.CompletionQueue { return c.cq }
