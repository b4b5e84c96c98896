package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/wire"
)

// RunPut is the transmitter personality: introduce this endpoint to the
// peer's listen address and drive the transmit state machine on the worker
// pool until both EOFs.
func (e *Engine) RunPut() error {
	av, err := e.domain.OpenAddressVector()
	if err != nil {
		return fmt.Errorf("opening address vector: %w", err)
	}

	x := newTransmitter(e, av)
	source := NewSource(e.pattern, e.entireLen)
	sess := NewSession(&x.Conn, source)

	connInfo := *e.info
	connInfo.SrcAddr = ""
	if x.ep, err = e.domain.OpenEndpoint(&connInfo); err != nil {
		return fmt.Errorf("opening endpoint: %w", err)
	}
	if x.cq, err = e.domain.OpenCompletionQueue(0); err != nil {
		return err
	}
	if x.eq, err = e.fabric.OpenEventQueue(); err != nil {
		return err
	}
	if err := x.ep.BindEventQueue(x.eq); err != nil {
		return err
	}
	if err := x.ep.BindCompletionQueue(x.cq); err != nil {
		return err
	}
	if err := x.ep.BindAddressVector(av); err != nil {
		return err
	}
	if err := x.ep.Enable(); err != nil {
		return fmt.Errorf("enabling endpoint: %w", err)
	}

	if x.peer, err = av.Insert([]byte(e.info.DestAddr)); err != nil {
		return fmt.Errorf("inserting destination address: %w", err)
	}

	nonce := uuid.New()
	x.initial.msg = wire.Initial{NSources: 1, ID: 0}
	copy(x.initial.msg.Nonce[:], nonce[:])

	name, err := x.ep.Name()
	if err != nil {
		return err
	}
	if err := x.initial.msg.SetPeerAddress(name); err != nil {
		return err
	}
	logger.Info("starting transfer", "peer", e.info.DestAddr, "source", string(name))

	if _, err := e.AssignSession(sess); err != nil {
		return fmt.Errorf("could not assign transmitter to a worker: %w", err)
	}
	return e.JoinAll()
}
