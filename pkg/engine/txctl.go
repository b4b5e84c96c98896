package engine

import (
	"errors"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/fabric"
)

// txCtl is the generic transmit side of a control-message flow: buffers
// ready to send, buffers posted to the NIC, and the free-list they return
// to on completion.
type txCtl struct {
	ready  *FIFO
	posted *FIFO
	pool   *Pool
}

func newTxCtl(depth, nbufs int) txCtl {
	return txCtl{
		ready:  mustFIFO(depth),
		posted: mustFIFO(depth),
		pool:   NewPool(nbufs),
	}
}

// transmit pushes ready buffers to the NIC while posted credit lasts. A
// "try again" from the fabric ends the pass; the buffers keep their place
// in ready for the next one.
func (tc *txCtl) transmit(c *Conn) {
	for {
		b := tc.ready.Peek()
		if b == nil || tc.posted.Full() {
			return
		}
		err := c.ep.SendMsg(b.Payload[:b.Nused], b.Desc, c.peer, b, fabric.FlagCompletion)
		switch {
		case err == nil:
			tc.ready.Get()
			b.XFC.Owner = OwnerNIC
			if !tc.posted.Put(b) {
				fatalf("posted sends overflow")
			}
		case errors.Is(err, fabric.ErrAgain):
			return
		default:
			fatalf("sending control message failed", "error", err)
		}
	}
}

// complete matches a send completion against the head of posted and
// returns the buffer to the pool. Returns -1 when no send was posted,
// 1 otherwise.
func (tc *txCtl) complete(cmpl fabric.Completion) int {
	xfc := xfcOf(cmpl)
	if cmpl.Flags&wantTxFlags != wantTxFlags && !xfc.Cancelled {
		fatalf("unexpected send completion flags",
			"got", cmpl.Flags, "want", wantTxFlags)
	}

	b := tc.posted.Get()
	if b == nil {
		logger.Debug("send completed, but no send was posted")
		return -1
	}
	if cmpl.Context != any(b) {
		fatalf("completion does not match posted head",
			"type", b.XFC.Type)
	}
	b.XFC.Owner = OwnerProgram
	if !tc.pool.Put(b) {
		fatalf("control buffer pool full")
	}
	return 1
}

// cancel marks every posted send cancelled and asks the fabric to cancel
// it.
func (tc *txCtl) cancel(ep *fabric.Endpoint) {
	tc.posted.Cancel(ep)
}
