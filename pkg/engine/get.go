package engine

import (
	"fmt"
	"net"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/fabric"
	"github.com/marmos91/fabstream/pkg/wire"
)

// listenCQDepth sizes the handshake completion queue.
const listenCQDepth = 128

// ephemeralBind derives an ephemeral bind address on the same host as
// listenAddr for the connection-specific endpoint.
func ephemeralBind(listenAddr string) string {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil || host == "" {
		return ""
	}
	return net.JoinHostPort(host, "0")
}

// RunGet is the receiver personality: accept one transfer on the listen
// endpoint, answer with a connection-specific endpoint, and drive the
// receive state machine on the worker pool until both EOFs.
func (e *Engine) RunGet() error {
	av, err := e.domain.OpenAddressVector()
	if err != nil {
		return fmt.Errorf("opening address vector: %w", err)
	}

	r := newReceiver(e, av)
	sink := NewSink(e.pattern, e.entireLen)
	sess := NewSession(&r.Conn, sink)

	listenEP, err := e.domain.OpenEndpoint(e.info)
	if err != nil {
		return fmt.Errorf("opening listen endpoint: %w", err)
	}
	defer func() { _ = listenEP.Close() }()

	listenCQ, err := e.domain.OpenCompletionQueue(listenCQDepth)
	if err != nil {
		return fmt.Errorf("opening listen completion queue: %w", err)
	}
	listenEQ, err := e.fabric.OpenEventQueue()
	if err != nil {
		return fmt.Errorf("opening listen event queue: %w", err)
	}
	if err := listenEP.BindCompletionQueue(listenCQ); err != nil {
		return err
	}
	if err := listenEP.BindEventQueue(listenEQ); err != nil {
		return err
	}
	if err := listenEP.BindAddressVector(av); err != nil {
		return err
	}
	if err := listenEP.Enable(); err != nil {
		return fmt.Errorf("enabling listen endpoint: %w", err)
	}

	initialBuf := make([]byte, wire.InitialSize)
	imr, err := e.domain.RegisterMemory(initialBuf, fabric.FlagRecv, e.keys.Next())
	if err != nil {
		return fmt.Errorf("registering initial-message buffer: %w", err)
	}
	err = listenEP.RecvMsg(initialBuf, imr.Desc(), fabric.AddrUnspec, nil, fabric.FlagCompletion)
	if err != nil {
		return fmt.Errorf("posting initial-message receive: %w", err)
	}

	name, _ := listenEP.Name()
	logger.Info("awaiting initial message", "address", string(name))

	// The one blocking wait of this personality, interruptible by the
	// signal-driven context.
	cmpl, err := listenCQ.SRead(e.ctx)
	if err != nil {
		return fmt.Errorf("caught a signal, exiting: %w", err)
	}
	if cmpl.Err != nil {
		return fmt.Errorf("receiving initial message: %w", cmpl.Err)
	}
	if cmpl.Flags&wantRxFlags != wantRxFlags {
		return fmt.Errorf("unexpected handshake completion flags %s", cmpl.Flags)
	}
	if cmpl.Len != wire.InitialSize {
		return fmt.Errorf("initially received %d bytes, expected %d", cmpl.Len, wire.InitialSize)
	}

	var initial wire.Initial
	if err := initial.Decode(initialBuf); err != nil {
		return fmt.Errorf("decoding initial message: %w", err)
	}
	// Multi-source transfers are not designed yet; the fields are
	// reserved and anything else is refused.
	if initial.NSources != 1 || initial.ID != 0 {
		return fmt.Errorf("received nsources %d, id %d, expected 1, 0",
			initial.NSources, initial.ID)
	}
	peerBytes, err := initial.PeerAddress()
	if err != nil {
		return fmt.Errorf("decoding initial message: %w", err)
	}
	logger.Debug("initial message received", "peer", string(peerBytes))

	if r.peer, err = av.Insert(peerBytes); err != nil {
		return fmt.Errorf("inserting peer address: %w", err)
	}

	// Open the connection-specific endpoint the transfer runs on.
	connInfo := *e.info
	connInfo.SrcAddr = ephemeralBind(e.info.SrcAddr)
	if r.ep, err = e.domain.OpenEndpoint(&connInfo); err != nil {
		return fmt.Errorf("opening connection endpoint: %w", err)
	}
	if r.eq, err = e.fabric.OpenEventQueue(); err != nil {
		return err
	}
	if r.cq, err = e.domain.OpenCompletionQueue(0); err != nil {
		return err
	}
	if err := r.ep.BindEventQueue(r.eq); err != nil {
		return err
	}
	if err := r.ep.BindCompletionQueue(r.cq); err != nil {
		return err
	}
	if err := r.ep.BindAddressVector(av); err != nil {
		return err
	}
	if err := r.ep.Enable(); err != nil {
		return fmt.Errorf("enabling connection endpoint: %w", err)
	}

	connName, err := r.ep.Name()
	if err != nil {
		return err
	}
	var ack wire.Ack
	if err := ack.SetPeerAddress(connName); err != nil {
		return err
	}
	ackBuf := make([]byte, wire.AckSize)
	amr, err := e.domain.RegisterMemory(ackBuf, fabric.FlagSend, e.keys.Next())
	if err != nil {
		return fmt.Errorf("registering ack buffer: %w", err)
	}
	ack.Encode(ackBuf)
	if err := r.ep.SendMsg(ackBuf, amr.Desc(), r.peer, nil, 0); err != nil {
		return fmt.Errorf("sending connection ack: %w", err)
	}
	logger.Debug("sent connection ack", "address", string(connName))

	if _, err := e.AssignSession(sess); err != nil {
		return fmt.Errorf("could not assign receiver to a worker: %w", err)
	}
	return e.JoinAll()
}
