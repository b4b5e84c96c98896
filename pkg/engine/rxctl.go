package engine

import (
	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/fabric"
)

// rxCtl is the generic receive side of a control-message flow: buffers
// posted to the fabric in order, and buffers whose messages have arrived
// but are not yet consumed.
type rxCtl struct {
	posted *FIFO
	rcvd   *FIFO
}

func newRxCtl(depth int) rxCtl {
	return rxCtl{posted: mustFIFO(depth), rcvd: mustFIFO(depth)}
}

// post registers the buffer's payload as a receive slot and queues it at
// the tail of posted, preserving post order for completion matching.
func (rc *rxCtl) post(c *Conn, b *Buffer) {
	err := c.ep.RecvMsg(b.Payload, b.Desc, c.peer, b, fabric.FlagCompletion)
	if err != nil {
		fatalf("posting receive failed", "error", err)
	}
	b.XFC.Owner = OwnerNIC
	if !rc.posted.Put(b) {
		fatalf("posted receives overflow")
	}
}

// complete matches a receive completion against the head of posted and
// returns the buffer with its received length recorded. A head mismatch is
// a broken invariant; completion order must equal post order.
func (rc *rxCtl) complete(cmpl fabric.Completion) *Buffer {
	xfc := xfcOf(cmpl)
	if cmpl.Flags&wantRxFlags != wantRxFlags && !xfc.Cancelled {
		fatalf("unexpected receive completion flags",
			"got", cmpl.Flags, "want", wantRxFlags)
	}

	b := rc.posted.Get()
	if b == nil {
		logger.Debug("received a message, but no receive was posted")
		return nil
	}
	if cmpl.Context != any(b) {
		fatalf("completion does not match posted head",
			"type", b.XFC.Type)
	}
	b.XFC.Owner = OwnerProgram
	b.Nused = cmpl.Len
	return b
}

// cancel marks every posted receive cancelled and asks the fabric to
// cancel it.
func (rc *rxCtl) cancel(ep *fabric.Endpoint) {
	rc.posted.Cancel(ep)
}

// xfcOf recovers the transfer context of a completion's buffer.
func xfcOf(cmpl fabric.Completion) *XferContext {
	b, ok := cmpl.Context.(*Buffer)
	if !ok || b == nil {
		fatalf("completion carries no buffer context")
	}
	return &b.XFC
}
