package fabric

import (
	"fmt"
	"net"
	"sync"
)

// RMA names one remote target segment of an RDMA write: Len bytes at
// offset Addr within the region registered under Key at the peer.
type RMA struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

type postedRecv struct {
	buf  []byte
	ctx  any
	want Flags
}

type pendingWrite struct {
	ctx   any
	len   int
	flags Flags
}

// Endpoint is a reliable-datagram endpoint. Its fabric name is the address
// of its listener; peers address it through their address vectors.
type Endpoint struct {
	domain *Domain
	cq     *CompletionQueue
	eq     *EventQueue
	av     *AddressVector

	srcAddr string

	mu        sync.Mutex
	ln        net.Listener
	posted    []postedRecv
	backlog   [][]byte
	conns     map[string]*epConn
	writes    map[uint64]pendingWrite
	nextToken uint64
	enabled   bool
	closed    bool
}

// OpenEndpoint creates an endpoint bound to info's source address. The
// endpoint is inert until its queues are bound and Enable is called.
func (d *Domain) OpenEndpoint(info *Info) (*Endpoint, error) {
	if info == nil {
		return nil, fmt.Errorf("fabric: nil info")
	}
	return &Endpoint{
		domain:  d,
		srcAddr: info.SrcAddr,
		conns:   make(map[string]*epConn),
		writes:  make(map[uint64]pendingWrite),
	}, nil
}

// BindCompletionQueue attaches cq to the endpoint. Required before Enable.
func (ep *Endpoint) BindCompletionQueue(cq *CompletionQueue) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.enabled {
		return fmt.Errorf("fabric: endpoint already enabled")
	}
	ep.cq = cq
	return nil
}

// BindEventQueue attaches eq to the endpoint.
func (ep *Endpoint) BindEventQueue(eq *EventQueue) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.eq = eq
	return nil
}

// BindAddressVector attaches av to the endpoint. Required before Enable.
func (ep *Endpoint) BindAddressVector(av *AddressVector) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.enabled {
		return fmt.Errorf("fabric: endpoint already enabled")
	}
	ep.av = av
	return nil
}

// Enable starts the endpoint's listener and transport readers.
func (ep *Endpoint) Enable() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.enabled {
		return nil
	}
	if ep.cq == nil || ep.av == nil {
		return fmt.Errorf("fabric: endpoint enabled without completion queue or address vector")
	}
	addr := ep.srcAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fabric: listen %s: %w", addr, err)
	}
	ep.ln = ln
	ep.enabled = true
	go ep.acceptLoop(ln)
	return nil
}

// Name returns the endpoint's fabric address: the bytes peers insert into
// their address vectors to reach it.
func (ep *Endpoint) Name() ([]byte, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.enabled {
		return nil, fmt.Errorf("fabric: endpoint not enabled")
	}
	return []byte(ep.ln.Addr().String()), nil
}

// RecvMsg posts buf as a receive slot. The matching completion carries the
// received length and ctx. Receives complete in post order.
func (ep *Endpoint) RecvMsg(buf []byte, _ *Desc, _ PeerAddr, ctx any, flags Flags) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return ErrClosed
	}
	if len(ep.backlog) > 0 {
		frame := ep.backlog[0]
		ep.backlog = ep.backlog[1:]
		cq := ep.cq
		ep.mu.Unlock()
		n := copy(buf, frame)
		cq.push(Completion{Flags: FlagRecv | FlagMsg, Len: n, Context: ctx})
		return nil
	}
	ep.posted = append(ep.posted, postedRecv{buf: buf, ctx: ctx, want: flags})
	ep.mu.Unlock()
	return nil
}

// SendMsg transmits payload to the peer at addr. A completion with ctx is
// generated only when flags carries FlagCompletion.
func (ep *Endpoint) SendMsg(payload []byte, _ *Desc, addr PeerAddr, ctx any, flags Flags) error {
	dest, err := ep.av.lookup(addr)
	if err != nil {
		return err
	}
	c, err := ep.connTo(dest)
	if err != nil {
		return err
	}
	if err := c.writeFrame(frameMsg, func(b []byte) []byte {
		return append(b, payload...)
	}); err != nil {
		return fmt.Errorf("fabric: send to %s: %w", dest, err)
	}
	if flags&FlagCompletion != 0 {
		ep.cq.push(Completion{Flags: FlagSend | FlagMsg, Len: len(payload), Context: ctx})
	}
	return nil
}

// WriteMsg issues one scatter-gather RDMA write: the concatenation of the
// local segments lands across the remote segments, in order. The completion
// carrying ctx fires once the target provider acknowledges that the bytes
// are in place, honoring FlagDeliveryComplete.
func (ep *Endpoint) WriteMsg(local [][]byte, _ []*Desc, riovs []RMA, addr PeerAddr, ctx any, flags Flags) error {
	var total int
	for _, seg := range local {
		total += len(seg)
	}
	var rtotal uint64
	for _, r := range riovs {
		rtotal += r.Len
	}
	if uint64(total) != rtotal {
		return fmt.Errorf("fabric: write length mismatch: %d local, %d remote", total, rtotal)
	}

	dest, err := ep.av.lookup(addr)
	if err != nil {
		return err
	}
	c, err := ep.connTo(dest)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	ep.nextToken++
	token := ep.nextToken
	if flags&FlagCompletion != 0 {
		ep.writes[token] = pendingWrite{ctx: ctx, len: total, flags: flags}
	}
	ep.mu.Unlock()

	err = c.writeFrame(frameWrite, func(b []byte) []byte {
		b = appendUint64(b, token)
		b = appendUint32(b, uint32(len(riovs)))
		for _, r := range riovs {
			b = appendUint64(b, r.Key)
			b = appendUint64(b, r.Addr)
			b = appendUint64(b, r.Len)
		}
		for _, seg := range local {
			b = append(b, seg...)
		}
		return b
	})
	if err != nil {
		ep.mu.Lock()
		delete(ep.writes, token)
		ep.mu.Unlock()
		return fmt.Errorf("fabric: write to %s: %w", dest, err)
	}
	return nil
}

// Cancel aborts the posted receive carrying ctx. The receive surfaces as an
// error completion with ErrCanceled. Operations already handed to the
// transport are not cancellable; their normal completions still arrive.
func (ep *Endpoint) Cancel(ctx any) error {
	ep.mu.Lock()
	for i, pr := range ep.posted {
		if pr.ctx != ctx {
			continue
		}
		ep.posted = append(ep.posted[:i], ep.posted[i+1:]...)
		cq := ep.cq
		ep.mu.Unlock()
		cq.push(Completion{Err: ErrCanceled, Context: ctx})
		return nil
	}
	ep.mu.Unlock()
	return nil
}

// Close shuts the endpoint down: the listener stops, transport connections
// close, and posted receives are dropped.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ln := ep.ln
	conns := ep.conns
	ep.conns = make(map[string]*epConn)
	ep.posted = nil
	ep.backlog = nil
	ep.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.c.Close()
	}
	return nil
}
