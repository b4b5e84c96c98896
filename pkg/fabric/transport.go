package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Frame types on the transport. MSG frames surface as receive completions
// at the peer application; WRITE frames land in registered regions inside
// the provider and are acknowledged with WRITE_ACK.
const (
	frameMsg byte = iota + 1
	frameWrite
	frameWriteAck
)

// maxFrameSize bounds one transport frame. Control messages are small and
// one RDMA write carries at most the sum of twelve advertised segments.
const maxFrameSize = 16 << 20

type epConn struct {
	c   net.Conn
	wmu sync.Mutex

	// sawFrame is set once the connection has carried fabric traffic.
	// Connections that never did (port probes, half-open dials) do not
	// count as peer loss when they drop.
	sawFrame bool

	// sawMsg is set once the connection has carried inbound message or
	// write frames. Only the loss of such a connection strands posted
	// receives; an acknowledgement-only connection strands only pending
	// writes.
	sawMsg bool
}

// writeFrame serializes one frame under the connection write lock. build
// appends the frame body to the scratch buffer it is handed.
func (c *epConn) writeFrame(ftype byte, build func([]byte) []byte) error {
	body := build(make([]byte, 0, 512))

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(body)+1))
	hdr[4] = ftype
	if _, err := c.c.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.c.Write(body)
	return err
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// connTo returns the cached transport connection to dest, dialing it on
// first use.
func (ep *Endpoint) connTo(dest string) (*epConn, error) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := ep.conns[dest]; ok {
		ep.mu.Unlock()
		return c, nil
	}
	ep.mu.Unlock()

	nc, err := net.Dial("tcp", dest)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial %s: %w", dest, err)
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		_ = nc.Close()
		return nil, ErrClosed
	}
	if c, ok := ep.conns[dest]; ok {
		// Lost the dial race; keep the established connection.
		ep.mu.Unlock()
		_ = nc.Close()
		return c, nil
	}
	c := &epConn{c: nc}
	ep.conns[dest] = c
	ep.mu.Unlock()

	go ep.readLoop(c)
	return c, nil
}

func (ep *Endpoint) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c := &epConn{c: nc}
		ep.mu.Lock()
		if ep.closed {
			ep.mu.Unlock()
			_ = nc.Close()
			return
		}
		ep.conns[nc.RemoteAddr().String()] = c
		ep.mu.Unlock()
		go ep.readLoop(c)
	}
}

func (ep *Endpoint) readLoop(c *epConn) {
	defer func() {
		_ = c.c.Close()
		ep.peerLost(c)
	}()

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(c.c, hdr[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n == 0 || n > maxFrameSize {
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.c, frame); err != nil {
			return
		}
		c.sawFrame = true
		if err := ep.dispatchFrame(c, frame[0], frame[1:]); err != nil {
			return
		}
	}
}

// peerLost fails the operations a dropped peer connection strands: writes
// awaiting their delivery acknowledgement, and, when the connection was the
// one carrying inbound messages, every posted receive. The flush runs on
// the connection's own reader, after anything the peer sent before dying
// has been delivered.
func (ep *Endpoint) peerLost(c *epConn) {
	ep.mu.Lock()
	if ep.closed || !c.sawFrame {
		ep.mu.Unlock()
		return
	}
	for addr, cc := range ep.conns {
		if cc == c {
			delete(ep.conns, addr)
		}
	}
	var posted []postedRecv
	if c.sawMsg {
		posted = ep.posted
		ep.posted = nil
	}
	writes := ep.writes
	ep.writes = make(map[uint64]pendingWrite)
	cq := ep.cq
	ep.mu.Unlock()

	err := fmt.Errorf("fabric: peer connection lost: %w", ErrClosed)
	for _, pr := range posted {
		cq.push(Completion{Err: err, Context: pr.ctx})
	}
	for _, pw := range writes {
		cq.push(Completion{Err: err, Context: pw.ctx})
	}
}

func (ep *Endpoint) dispatchFrame(c *epConn, ftype byte, body []byte) error {
	switch ftype {
	case frameMsg:
		c.sawMsg = true
		ep.deliverMsg(body)
		return nil
	case frameWrite:
		c.sawMsg = true
		return ep.applyWrite(c, body)
	case frameWriteAck:
		return ep.completeWrite(body)
	default:
		return fmt.Errorf("fabric: unknown frame type %d", ftype)
	}
}

// deliverMsg matches an inbound message against the oldest posted receive,
// or parks it until one is posted.
func (ep *Endpoint) deliverMsg(body []byte) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	if len(ep.posted) == 0 {
		parked := make([]byte, len(body))
		copy(parked, body)
		ep.backlog = append(ep.backlog, parked)
		ep.mu.Unlock()
		return
	}
	pr := ep.posted[0]
	ep.posted = ep.posted[1:]
	cq := ep.cq
	ep.mu.Unlock()

	n := copy(pr.buf, body)
	cq.push(Completion{Flags: FlagRecv | FlagMsg, Len: n, Context: pr.ctx})
}

// applyWrite lands an inbound RDMA write in its target regions and
// acknowledges delivery. The peer application is never involved.
func (ep *Endpoint) applyWrite(c *epConn, body []byte) error {
	if len(body) < 12 {
		return errors.New("fabric: short write frame")
	}
	token := binary.LittleEndian.Uint64(body[0:])
	nsegs := binary.LittleEndian.Uint32(body[8:])
	off := 12
	if nsegs > rmaIOVLimit || len(body) < off+int(nsegs)*24 {
		return errors.New("fabric: malformed write frame")
	}

	var status byte
	payload := body[off+int(nsegs)*24:]
	for i := 0; i < int(nsegs); i++ {
		rec := body[off+i*24:]
		key := binary.LittleEndian.Uint64(rec[0:])
		addr := binary.LittleEndian.Uint64(rec[8:])
		seglen := binary.LittleEndian.Uint64(rec[16:])
		if seglen > uint64(len(payload)) {
			return errors.New("fabric: write frame payload underrun")
		}
		if err := ep.domain.writeRegion(key, addr, payload[:seglen]); err != nil {
			status = 1
		}
		payload = payload[seglen:]
	}

	return c.writeFrame(frameWriteAck, func(b []byte) []byte {
		b = appendUint64(b, token)
		return append(b, status)
	})
}

// completeWrite retires a pending RDMA write on delivery acknowledgement.
func (ep *Endpoint) completeWrite(body []byte) error {
	if len(body) < 9 {
		return errors.New("fabric: short write-ack frame")
	}
	token := binary.LittleEndian.Uint64(body[0:])
	status := body[8]

	ep.mu.Lock()
	pw, ok := ep.writes[token]
	delete(ep.writes, token)
	cq := ep.cq
	ep.mu.Unlock()
	if !ok {
		// The write was posted without FlagCompletion.
		return nil
	}

	cmpl := Completion{
		Flags:   FlagRMA | FlagWrite | FlagCompletion | FlagDeliveryComplete,
		Len:     pw.len,
		Context: pw.ctx,
	}
	if status != 0 {
		cmpl.Err = fmt.Errorf("fabric: remote write rejected by target")
		cmpl.Flags = 0
	}
	cq.push(cmpl)
	return nil
}
