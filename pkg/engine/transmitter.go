package engine

import (
	"errors"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/fabric"
	"github.com/marmos91/fabstream/pkg/wire"
)

// wrPostedDepth bounds outstanding RDMA-write buffers, fragments included.
const wrPostedDepth = 64

// Transmitter is the connection state machine of the fput personality. It
// absorbs vector advertisements into its active remote-IOV window, pulls
// payload from its source, issues scatter-gather RDMA writes (fragmenting
// oversize loads once no further advertisements are expected), and reports
// delivery-complete byte counts in progress messages.
type Transmitter struct {
	Conn

	eng *Engine

	// wrposted holds RDMA-write buffers in order of issuance. The head
	// always carries PlaceFirst; completions walk forward only across
	// the program-owned prefix.
	wrposted *FIFO

	// bytesProgress accumulates delivery-complete bytes not yet
	// reported in a progress message.
	bytesProgress uint64

	vec      rxCtl
	progress txCtl

	fragments  *Pool
	fragOffset int

	// riov and riov2 are the double-buffered advertisement windows:
	// each write consumes from the active array and rewrites the
	// residue into the other.
	riov     [wire.MaxIOVs]fabric.RMA
	riov2    [wire.MaxIOVs]fabric.RMA
	nriovs   int
	nextRiov int
	phase    bool

	initial struct {
		msg  wire.Initial
		buf  []byte
		mr   *fabric.MemoryRegion
		desc *fabric.Desc
	}
	ack struct {
		buf  []byte
		mr   *fabric.MemoryRegion
		desc *fabric.Desc
	}
}

// newTransmitter builds a transmitter on av with its static handshake
// buffers and progress pool registered up front.
func newTransmitter(e *Engine, av *fabric.AddressVector) *Transmitter {
	x := &Transmitter{
		eng:       e,
		wrposted:  mustFIFO(wrPostedDepth),
		vec:       newRxCtl(ctlFIFODepth),
		progress:  newTxCtl(ctlFIFODepth, ctlPoolSize),
		fragments: NewPool(wrPostedDepth),
	}
	x.Conn.init(av, NewKeySource(e.keyPool), x.step)

	for i := 0; i < wrPostedDepth; i++ {
		if !x.fragments.Put(newFragment()) {
			fatalf("fragment pool full")
		}
	}

	for i := 0; i < ctlPoolSize; i++ {
		pb := newProgressBuffer()
		if err := pb.register(e.domain, fabric.FlagSend, &e.keys); err != nil {
			logger.Warn("progress buffer registration failed", "error", err)
			break
		}
		if !x.progress.pool.Put(pb) {
			fatalf("progress buffer pool full")
		}
	}

	x.initial.buf = make([]byte, wire.InitialSize)
	mr, err := e.domain.RegisterMemory(x.initial.buf, fabric.FlagSend, e.keys.Next())
	if err != nil {
		fatalf("initial message registration failed", "error", err)
	}
	x.initial.mr = mr
	x.initial.desc = mr.Desc()

	x.ack.buf = make([]byte, wire.AckSize)
	mr, err = e.domain.RegisterMemory(x.ack.buf, fabric.FlagRecv, e.keys.Next())
	if err != nil {
		fatalf("ack message registration failed", "error", err)
	}
	x.ack.mr = mr
	x.ack.desc = mr.Desc()

	return x
}

func (x *Transmitter) activeRiov() *[wire.MaxIOVs]fabric.RMA {
	if !x.phase {
		return &x.riov
	}
	return &x.riov2
}

func (x *Transmitter) residueRiov() *[wire.MaxIOVs]fabric.RMA {
	if !x.phase {
		return &x.riov2
	}
	return &x.riov
}

// start primes the connection on its first loop pass: payload buffers for
// the source, a posted receive for the connection ack, the initial message
// on the listen address, and the first wave of vector receives. The ack
// wait is the one blocking read of the transmitter, interruptible through
// the engine context.
func (x *Transmitter) start(w *Worker, s *Session) Control {
	x.started = true

	for !s.readyForTerminal.Full() {
		b := w.payloadTxGet()
		if b == nil {
			logger.Error("could not get a payload buffer")
			return Error
		}
		b.Nused = 0
		if !s.readyForTerminal.Put(b) {
			fatalf("could not enqueue payload buffer")
		}
	}

	// Post the receive for the connection acknowledgement before the
	// initial message can solicit it.
	err := x.ep.RecvMsg(x.ack.buf, x.ack.desc, x.peer, nil, fabric.FlagCompletion)
	if err != nil {
		fatalf("posting ack receive failed", "error", err)
	}

	x.initial.msg.Encode(x.initial.buf)
	if err := x.ep.SendMsg(x.initial.buf, x.initial.desc, x.peer, nil, 0); err != nil {
		fatalf("sending initial message failed", "error", err)
	}
	logger.Debug("sent initial message", "nsources", x.initial.msg.NSources)

	cmpl, err := x.cq.SRead(x.eng.ctx)
	if err != nil {
		logger.Error("awaiting connection ack", "error", err)
		return Error
	}
	if cmpl.Err != nil {
		logger.Error("connection ack failed", "error", cmpl.Err)
		return Error
	}
	if cmpl.Flags&wantRxFlags != wantRxFlags {
		fatalf("unexpected ack completion flags", "got", cmpl.Flags, "want", wantRxFlags)
	}
	if cmpl.Len != wire.AckSize {
		fatalf("ack is incorrect size", "got", cmpl.Len, "want", wire.AckSize)
	}

	var ack wire.Ack
	if err := ack.Decode(x.ack.buf); err != nil {
		fatalf("malformed connection ack", "error", err)
	}
	peerAddr, err := ack.PeerAddress()
	if err != nil {
		fatalf("malformed connection ack", "error", err)
	}

	// All traffic from here on targets the connection-specific endpoint.
	oaddr := x.peer
	x.peer, err = x.av.Insert(peerAddr)
	if err != nil {
		fatalf("inserting peer address failed", "error", err)
	}
	if err := x.av.Remove(oaddr); err != nil {
		fatalf("removing listen address failed", "error", err)
	}

	for !x.vec.posted.Full() {
		vb := newVectorBuffer()
		if err := vb.register(x.eng.domain, fabric.FlagRecv, &x.keys); err != nil {
			fatalf("vector buffer registration failed", "error", err)
		}
		x.vec.post(&x.Conn, vb)
	}

	return Continue
}

// vectorRxProcess consumes one completed vector receive into vec.rcvd.
// A malformed vector aborts the connection.
func (x *Transmitter) vectorRxProcess(cmpl fabric.Completion) int {
	vb := x.vec.complete(cmpl)
	if vb == nil {
		return -1
	}

	if vb.XFC.Cancelled {
		if err := vb.deregister(); err != nil {
			logger.Warn("vector buffer deregistration failed", "error", err)
		}
		return 0
	}

	if err := vb.Vec.Decode(vb.bytes()); err != nil {
		logger.Error("received malformed vector message, disconnecting", "error", err)
		return -1
	}
	x.eng.observeVectorReceived(int(vb.Vec.NIOVs))

	if !x.vec.rcvd.Put(vb) {
		fatalf("received vectors FIFO full")
	}
	return 1
}

// writeCompleteProcess walks wrposted from its head while every leading
// entry is owned by the program. Fragments return to their pool and
// release their parent; fully drained write buffers are accounted into
// bytesProgress and handed back toward the terminal.
func (x *Transmitter) writeCompleteProcess(s *Session) int {
	h := x.wrposted.Peek()
	if h == nil {
		logger.Error("no RDMA-write completions expected")
		return -1
	}
	if h.XFC.Place&PlaceFirst == 0 {
		logger.Error("expected first-place context at posted head")
		return -1
	}

	for {
		h := x.wrposted.Peek()
		if h == nil || h.XFC.Owner != OwnerProgram || h.XFC.Type != XferFragment {
			break
		}
		x.wrposted.Get()

		parent := h.Parent
		if parent.XFC.NChildren == 0 {
			fatalf("fragment parent has no children")
		}
		parent.XFC.NChildren--

		h.Parent = nil
		h.MR = nil
		h.Desc = nil
		if !x.fragments.Put(h) {
			fatalf("fragment pool full")
		}
	}

	for {
		h := x.wrposted.Peek()
		if h == nil || h.XFC.Owner != OwnerProgram ||
			h.XFC.Type != XferRDMAWrite || h.XFC.NChildren != 0 ||
			s.readyForTerminal.Full() {
			break
		}
		x.wrposted.Get()

		if x.eng.reregister {
			if err := h.deregister(); err != nil {
				logger.Warn("payload buffer deregistration failed", "error", err)
			}
		}

		x.bytesProgress += uint64(h.Nused)
		x.eng.observeBytesWritten(h.Nused)
		s.readyForTerminal.Put(h)
	}
	return 1
}

// cqProcess drains one completion, dispatching on the transfer context
// type.
func (x *Transmitter) cqProcess(s *Session) int {
	cmpl, err := x.cq.Read()
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

	xfcOf(cmpl).Owner = OwnerProgram

	switch xfcOf(cmpl).Type {
	case XferVector:
		return x.vectorRxProcess(cmpl)
	case XferFragment, XferRDMAWrite:
		return x.writeCompleteProcess(s)
	case XferProgress:
		return x.progress.complete(cmpl)
	default:
		logger.Error("unexpected xfer context type", "type", xfcOf(cmpl).Type)
		return -1
	}
}

// vecbufUnload absorbs advertisements from the head of vec.rcvd into the
// active remote-IOV window. A fully absorbed vector buffer reposts; the
// first zero-count vector marks remote EOF.
func (x *Transmitter) vecbufUnload() {
	vb := x.vec.rcvd.Peek()
	if vb == nil {
		return
	}
	riov := x.activeRiov()

	if !x.eof.remote && vb.Vec.NIOVs == 0 {
		logger.Debug("received remote EOF")
		x.eof.remote = true
	}

	i := x.nextRiov
	for ; i < int(vb.Vec.NIOVs) && x.nriovs < wire.MaxIOVs; i++ {
		adv := vb.Vec.IOVs[i]
		logger.Debug("absorbed advertisement",
			"index", i, "addr", adv.Addr, "len", adv.Len, "key", adv.Key)
		riov[x.nriovs] = fabric.RMA{Addr: adv.Addr, Len: adv.Len, Key: adv.Key}
		x.nriovs++
	}

	if i == int(vb.Vec.NIOVs) {
		x.vec.rcvd.Get()
		x.vec.post(&x.Conn, vb)
		x.nextRiov = 0
	} else {
		x.nextRiov = i
	}
}

// bufSplit carves a fragment of ln bytes at the current fragment offset
// off parent. The fragment shares the parent's registration; the parent
// stays where it is until its last fragment is taken.
func (x *Transmitter) bufSplit(parent *Buffer, ln int) *Buffer {
	h := x.fragments.Get()
	if h == nil {
		fatalf("out of fragment headers")
	}

	h.Raddr = uint64(x.fragOffset)
	h.Nused = ln
	h.Nallocated = 0
	h.MR = parent.MR
	h.Desc = parent.Desc
	h.Parent = parent
	h.XFC.Cancelled = false

	parent.XFC.NChildren++
	x.eng.observeFragment()
	return h
}

// targetsWrite is the scatter-gather write planner. It takes payload
// buffers off readyForCxn while their cumulative length fits the first
// maxriovs advertised windows, fragmenting an oversize head only when no
// further advertisements are expected, and issues one RDMA write for the
// collected segments. The consumed advertisements are rewritten as their
// residue into the other window array.
func (x *Transmitter) targetsWrite(s *Session) Control {
	riovIn := x.activeRiov()
	riovOut := x.residueRiov()

	maxriovs := min(x.eng.rmaMaxSegs, x.nriovs)
	maxbytes := 0
	for i := 0; i < maxriovs; i++ {
		maxbytes += int(riovIn[i].Len)
	}

	// While nriovs < rmaMaxSegs more advertisements will arrive, and the
	// next one may allow an unfragmented write with better offload.
	riovsMaxedOut := x.nriovs >= x.eng.rmaMaxSegs

	var iovs [][]byte
	var descs []*fabric.Desc
	var firstH, lastH *Buffer
	total := 0

	for i := 0; i < maxriovs; i++ {
		head := s.readyForCxn.Peek()
		if head == nil || total >= maxbytes || x.wrposted.Full() {
			break
		}

		oversize := head.Nused-x.fragOffset > maxbytes-total
		if oversize && !riovsMaxedOut {
			break
		}

		var ln int
		if oversize {
			ln = maxbytes - total
		} else {
			ln = head.Nused - x.fragOffset
		}

		logger.Debug("planning write segment",
			"offset", x.fragOffset, "nused", head.Nused, "len", ln,
			"total", total, "maxbytes", maxbytes, "nriovs", x.nriovs)

		if x.fragOffset == 0 {
			head.XFC.NChildren = 0
			if x.eng.reregister {
				if err := head.register(x.eng.domain, payloadAccess.tx, &x.keys); err != nil {
					fatalf("payload memory registration failed", "error", err)
				}
			}
		}

		var h *Buffer
		if oversize {
			h = x.bufSplit(head, ln)
		} else {
			s.readyForCxn.Get()
			h = head
		}
		x.wrposted.Put(h)

		if firstH == nil {
			firstH = h
		}
		lastH = h

		h.XFC.Owner = OwnerProgram
		h.XFC.Place = 0

		iovs = append(iovs, head.Payload[x.fragOffset:x.fragOffset+ln])
		descs = append(descs, h.Desc)

		if oversize {
			x.fragOffset += ln
		} else {
			x.fragOffset = 0
		}
		total += ln
	}

	if firstH == nil {
		return Continue
	}

	firstH.XFC.Owner = OwnerNIC
	firstH.XFC.Place = PlaceFirst
	lastH.XFC.Place |= PlaceLast

	nwritten, nriovsOut, err := writeFully(x.ep, iovs, descs,
		riovIn[:x.nriovs], riovOut, total, maxriovs, x.peer, firstH, wantWrFlags)
	if err != nil {
		fatalf("RDMA write failed", "error", err)
	}
	if nwritten != total {
		logger.Error("advertised windows were partially written",
			"nwritten", nwritten, "total", total)
		return Error
	}

	x.nriovs = nriovsOut
	x.phase = !x.phase
	return Continue
}

// writeFully issues one RDMA write of the minimum of the local and remote
// segment sums, then rewrites riovOut to the untouched remote residue.
func writeFully(ep *fabric.Endpoint, iovs [][]byte, descs []*fabric.Desc,
	riovIn []fabric.RMA, riovOut *[wire.MaxIOVs]fabric.RMA,
	total, maxsegs int, addr fabric.PeerAddr, ctx any, flags fabric.Flags,
) (nwritten, nriovsOut int, err error) {
	maxRemote := min(maxsegs, len(riovIn))

	sumRemote := 0
	for i := 0; i < maxRemote; i++ {
		sumRemote += int(riovIn[i].Len)
	}
	ln := min(total, sumRemote)

	var trimmed []fabric.RMA
	remaining := ln
	for i := 0; i < maxRemote && remaining > 0; i++ {
		r := riovIn[i]
		if int(r.Len) > remaining {
			r.Len = uint64(remaining)
			remaining = 0
		} else {
			remaining -= int(r.Len)
		}
		trimmed = append(trimmed, r)
	}

	if err := ep.WriteMsg(iovs, descs, trimmed, addr, ctx, flags); err != nil {
		return 0, 0, err
	}

	j := 0
	remaining = ln
	for i := 0; i < len(riovIn); i++ {
		if remaining >= int(riovIn[i].Len) {
			remaining -= int(riovIn[i].Len)
			continue
		}
		r := riovIn[i]
		if remaining > 0 {
			r.Len -= uint64(remaining)
			r.Addr += uint64(remaining)
			remaining = 0
		}
		riovOut[j] = r
		j++
	}
	return ln, j, nil
}

// progressUpdate reports accumulated delivery-complete bytes, and once the
// source is drained with nothing in flight, the zero-leftover EOF message.
// Data and EOF go in separate messages so the byte count always travels
// with leftover work outstanding.
func (x *Transmitter) progressUpdate(s *Session) {
	reachedEOF := s.terminal.EOF() &&
		s.readyForCxn.Empty() && x.wrposted.Empty() && !x.eof.local

	if x.bytesProgress == 0 && !reachedEOF {
		return
	}
	if x.progress.ready.Full() {
		return
	}
	pb := x.progress.pool.Get()
	if pb == nil {
		return
	}

	var msg wire.Progress
	if x.bytesProgress > 0 {
		msg = wire.Progress{NFilled: x.bytesProgress, NLeftover: 1}
		x.bytesProgress = 0
	} else {
		msg = wire.Progress{NFilled: 0, NLeftover: 0}
		x.eof.local = true
		logger.Debug("enqueued local EOF")
	}
	pb.Nused = msg.Encode(pb.Payload)

	logger.Debug("sending progress message",
		"nfilled", msg.NFilled, "nleftover", msg.NLeftover)
	x.eng.observeProgressSent()

	x.progress.ready.Put(pb)
}

// step is one pass of the transmitter state machine.
func (x *Transmitter) step(w *Worker, s *Session) Control {
	if !x.started {
		return x.start(w, s)
	}

	if x.cqProcess(s) == -1 {
		return x.fail()
	}

	if x.cancelled {
		if x.progress.posted.Empty() && x.vec.posted.Empty() && x.wrposted.Empty() {
			return x.fail()
		}
		return Continue
	} else if Cancelled() {
		x.progress.cancel(x.ep)
		x.vec.cancel(x.ep)
		x.wrposted.Cancel(x.ep)
		x.cancelled = true
		return Continue
	}

	x.vecbufUnload()

	if s.terminal.Trade(s.readyForTerminal, s.readyForCxn) == Error {
		return x.fail()
	}

	if x.targetsWrite(s) == Error {
		return x.fail()
	}

	x.progressUpdate(s)

	x.progress.transmit(&x.Conn)

	if !(s.terminal.EOF() && s.readyForCxn.Empty() &&
		x.wrposted.Empty() && x.bytesProgress == 0 && x.eof.local) {
		return Continue
	}

	// Hunt for the remote EOF among any remaining vector buffers.
	for !x.eof.remote {
		vb := x.vec.rcvd.Get()
		if vb == nil {
			break
		}
		if vb.Vec.NIOVs == 0 {
			x.eof.remote = true
		}
		if err := vb.deregister(); err != nil {
			logger.Warn("vector buffer deregistration failed", "error", err)
		}
	}

	if x.eof.remote && x.progress.posted.Empty() {
		if err := x.ep.Close(); err != nil {
			fatalf("closing endpoint failed", "error", err)
		}
		logger.Debug("transmitter closed")
		return End
	}

	return Continue
}

func (x *Transmitter) fail() Control {
	if err := x.ep.Close(); err != nil {
		logger.Warn("closing endpoint failed", "error", err)
	}
	logger.Debug("transmitter closed on error")
	return Error
}
