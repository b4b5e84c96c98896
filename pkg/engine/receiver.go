package engine

import (
	"errors"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/fabric"
	"github.com/marmos91/fabstream/pkg/wire"
)

const (
	// ctlFIFODepth is the depth of every control-message FIFO.
	ctlFIFODepth = 64

	// ctlPoolSize is the number of message buffers behind each txctl.
	ctlPoolSize = 16
)

// Receiver is the connection state machine of the fget personality. It
// lends registered payload buffers to the transmitter as RDMA targets,
// advertises them in vector messages, converts progress acks into released
// buffers for its sink, and drives the EOF handshake.
type Receiver struct {
	Conn

	eng *Engine

	// nfull is the byte-granularity credit accumulated from progress
	// messages: bytes the remote has written delivery-complete but we
	// have not yet accounted to advertised targets.
	nfull uint64

	// tgtposted holds advertised RDMA target buffers in order of
	// issuance. The remote fills them strictly in that order.
	tgtposted *FIFO

	vec      txCtl
	progress rxCtl
}

// newReceiver builds a receiver on av, with its vector-send pool
// registered up front.
func newReceiver(e *Engine, av *fabric.AddressVector) *Receiver {
	r := &Receiver{
		eng:       e,
		tgtposted: mustFIFO(ctlFIFODepth),
		vec:       newTxCtl(ctlFIFODepth, ctlPoolSize),
		progress:  newRxCtl(ctlFIFODepth),
	}
	r.Conn.init(av, NewKeySource(e.keyPool), r.step)

	for i := 0; i < ctlPoolSize; i++ {
		vb := newVectorBuffer()
		if err := vb.register(e.domain, fabric.FlagSend, &e.keys); err != nil {
			logger.Warn("vector buffer registration failed", "error", err)
			break
		}
		if !r.vec.pool.Put(vb) {
			fatalf("vector buffer pool full")
		}
	}
	return r
}

// start primes the connection on its first loop pass: progress receives
// posted to depth, and enough payload buffers on readyForCxn to cover one
// in-flight wave.
func (r *Receiver) start(w *Worker, s *Session) Control {
	r.started = true

	for !r.progress.posted.Full() {
		pb := newProgressBuffer()
		if err := pb.register(r.eng.domain, fabric.FlagRecv, &r.keys); err != nil {
			fatalf("progress buffer registration failed", "error", err)
		}
		r.progress.post(&r.Conn, pb)
	}

	// One in-flight wave of payload, but never more credit than the
	// transfer can use.
	for credit := min(len(r.eng.pattern), r.eng.entireLen); credit > 0; {
		b := w.payloadRxGet()
		if b == nil {
			logger.Error("could not get a payload buffer")
			return Error
		}
		b.Nused = min(credit, b.Nallocated)
		credit -= b.Nused
		if !s.readyForCxn.Put(b) {
			logger.Error("could not enqueue payload buffer")
			return Error
		}
	}

	return Continue
}

// progressRxProcess consumes one completed progress receive: the credit
// feeds nfull, a zero leftover marks remote EOF, and the buffer reposts.
func (r *Receiver) progressRxProcess(cmpl fabric.Completion) int {
	pb := r.progress.complete(cmpl)
	if pb == nil {
		return -1
	}

	if pb.XFC.Cancelled {
		if err := pb.deregister(); err != nil {
			logger.Warn("progress buffer deregistration failed", "error", err)
		}
		return 0
	}

	var msg wire.Progress
	if err := msg.Decode(pb.bytes()); err != nil {
		logger.Warn("discarding malformed progress message", "error", err)
		r.progress.post(&r.Conn, pb)
		return 0
	}

	logger.Debug("received progress message",
		"nfilled", msg.NFilled, "nleftover", msg.NLeftover)
	r.eng.observeProgressReceived()

	r.nfull += msg.NFilled
	if msg.NLeftover == 0 {
		logger.Debug("received remote EOF")
		r.eof.remote = true
	}

	r.progress.post(&r.Conn, pb)
	return 1
}

// cqProcess drains one completion, dispatching on the transfer context
// type. Returns 0 when the queue was empty, 1 when a completion was
// consumed, -1 on an irrecoverable error.
func (r *Receiver) cqProcess() int {
	cmpl, err := r.cq.Read()
	if errors.Is(err, fabric.ErrAgain) {
		return 0
	}
	if err != nil {
		fatalf("completion queue read failed", "error", err)
	}

	if cmpl.Err != nil {
		xfc := xfcOf(cmpl)
		if !errors.Is(cmpl.Err, fabric.ErrCanceled) || !xfc.Cancelled {
			logger.Error("error completion", "error", cmpl.Err, "flags", cmpl.Flags)
			return -1
		}
	}

	switch xfcOf(cmpl).Type {
	case XferProgress:
		return r.progressRxProcess(cmpl)
	case XferVector:
		return r.vec.complete(cmpl)
	default:
		logger.Error("unexpected xfer context type", "type", xfcOf(cmpl).Type)
		return -1
	}
}

// vectorUpdate packs fresh targets into vector messages. Once the remote
// has declared EOF and we have not, a zero-count vector closes our side
// instead.
func (r *Receiver) vectorUpdate(s *Session) {
	if r.eof.local {
		// The empty vector told the peer no more windows are coming;
		// recycled buffers stay parked.
		return
	}

	if r.eof.remote {
		if r.vec.ready.Full() {
			return
		}
		vb := r.vec.pool.Get()
		if vb == nil {
			return
		}
		vb.Vec = wire.Vector{}
		vb.Nused = vb.Vec.Encode(vb.Payload)
		r.vec.ready.Put(vb)
		r.eof.local = true
		r.eng.observeVectorSent(0)
		logger.Debug("enqueued local EOF")
		return
	}

	for !r.vec.ready.Full() && !s.readyForCxn.Empty() {
		vb := r.vec.pool.Get()
		if vb == nil {
			return
		}

		var msg wire.Vector
		var i uint32
		for ; i < wire.MaxIOVs; i++ {
			h := s.readyForCxn.Get()
			if h == nil {
				break
			}
			h.Nused = 0

			if r.eng.reregister {
				if err := h.register(r.eng.domain, payloadAccess.rx, &r.keys); err != nil {
					fatalf("payload memory registration failed", "error", err)
				}
			}

			r.tgtposted.Put(h)
			msg.IOVs[i] = wire.IOV{
				Addr: 0,
				Len:  uint64(h.Nallocated),
				Key:  h.MR.Key(),
			}
		}
		msg.NIOVs = i
		vb.Vec = msg
		vb.Nused = msg.Encode(vb.Payload)

		r.vec.ready.Put(vb)
		r.eng.observeVectorSent(int(i))
	}
}

// targetsRead converts nfull credit into released buffers. A buffer
// reaches the sink only once its allocation is fully covered, except on
// remote EOF, when a partially filled tail buffer is released too.
func (r *Receiver) targetsRead(s *Session) {
	for r.nfull > 0 && !s.readyForTerminal.Full() {
		h := r.tgtposted.Peek()
		if h == nil {
			break
		}
		if uint64(h.Nused)+r.nfull < uint64(h.Nallocated) {
			h.Nused += int(r.nfull)
			r.nfull = 0
		} else {
			r.nfull -= uint64(h.Nallocated - h.Nused)
			h.Nused = h.Nallocated
			r.tgtposted.Get()
			r.release(h)
			s.readyForTerminal.Put(h)
		}
	}

	// The remote does not necessarily indicate EOF on a target buffer
	// boundary. On EOF, take a partially filled buffer off the queue too.
	if r.eof.remote {
		if h := r.tgtposted.Peek(); h != nil && h.Nused != 0 && !s.readyForTerminal.Full() {
			r.tgtposted.Get()
			r.release(h)
			s.readyForTerminal.Put(h)
		}
	}
}

func (r *Receiver) release(h *Buffer) {
	if r.eng.reregister {
		if err := h.deregister(); err != nil {
			logger.Warn("payload buffer deregistration failed", "error", err)
		}
	}
	r.eng.observeBytesReleased(h.Nused)
}

// step is one pass of the receiver state machine.
func (r *Receiver) step(w *Worker, s *Session) Control {
	if !r.started {
		return r.start(w, s)
	}

	if r.cqProcess() == -1 {
		return r.fail()
	}

	if r.cancelled {
		if r.progress.posted.Empty() && r.vec.posted.Empty() {
			return r.fail()
		}
		return Continue
	} else if Cancelled() {
		r.progress.cancel(r.ep)
		r.vec.cancel(r.ep)
		r.cancelled = true
		return Continue
	}

	if s.terminal.Trade(s.readyForTerminal, s.readyForCxn) == Error {
		return r.fail()
	}

	r.vectorUpdate(s)

	r.vec.transmit(&r.Conn)

	r.targetsRead(s)

	if s.terminal.EOF() && s.readyForTerminal.Empty() &&
		r.eof.remote && r.eof.local && r.vec.posted.Empty() {
		if err := r.ep.Close(); err != nil {
			fatalf("closing endpoint failed", "error", err)
		}
		logger.Debug("receiver closed")
		return End
	}
	return Continue
}

func (r *Receiver) fail() Control {
	if err := r.ep.Close(); err != nil {
		logger.Warn("closing endpoint failed", "error", err)
	}
	logger.Debug("receiver closed on error")
	return Error
}
