package engine

import (
	"context"
	"fmt"

	"github.com/marmos91/fabstream/pkg/fabric"
	"github.com/marmos91/fabstream/pkg/metrics"
)

// ServiceName is the fabric-layer port both personalities rendezvous on.
const ServiceName = "4242"

// Options carry the tunables of one engine instance.
type Options struct {
	// Reregister registers payload buffers immediately before each hand
	// to the NIC and deregisters them on completion, instead of keeping
	// them registered for the life of their pool.
	Reregister bool

	// Contiguous forces single-segment RDMA writes.
	Contiguous bool

	// Pattern is the payload the test terminals produce and verify.
	Pattern string

	// EntireLen is the total transfer length in bytes.
	EntireLen int

	// Metrics receives engine observations; nil disables collection.
	Metrics metrics.EngineMetrics
}

// Engine groups the process-wide fabric state: fabric, domain, resolved
// info, segment limits, the worker scheduler, and the key pool. Every
// component receives it explicitly; only the signal-driven cancellation
// flag stays process-global.
type Engine struct {
	ctx context.Context

	fabric *fabric.Fabric
	domain *fabric.Domain
	info   *fabric.Info

	keyPool *KeyPool
	keys    KeySource

	mrMaxSegs  int
	rxMaxSegs  int
	txMaxSegs  int
	rmaMaxSegs int

	reregister bool
	contiguous bool

	pattern   string
	entireLen int

	metrics metrics.EngineMetrics

	workers workerSet
}

// New opens the fabric described by info and prepares an engine around it.
// ctx bounds the blocking handshake reads; cancel it from the signal path.
func New(ctx context.Context, info *fabric.Info, opts Options) (*Engine, error) {
	if info.VirtAddr {
		return nil, fmt.Errorf(
			"engine: provider %s addresses RDMA by virtual address instead of offset",
			info.Provider)
	}

	fab, err := fabric.New(info)
	if err != nil {
		return nil, fmt.Errorf("engine: opening fabric: %w", err)
	}
	dom, err := fab.OpenDomain()
	if err != nil {
		return nil, fmt.Errorf("engine: opening domain: %w", err)
	}

	pattern := opts.Pattern
	if pattern == "" {
		pattern = Pattern
	}
	entireLen := opts.EntireLen
	if entireLen < 0 {
		return nil, fmt.Errorf("engine: negative transfer length")
	}

	e := &Engine{
		ctx:        ctx,
		fabric:     fab,
		domain:     dom,
		info:       info,
		keyPool:    NewKeyPool(),
		mrMaxSegs:  1,
		rxMaxSegs:  1,
		txMaxSegs:  1,
		rmaMaxSegs: info.RMAIOVLimit,
		reregister: opts.Reregister,
		contiguous: opts.Contiguous,
		pattern:    pattern,
		entireLen:  entireLen,
		metrics:    opts.Metrics,
	}
	if opts.Contiguous {
		e.rmaMaxSegs = 1
	}
	e.keys = NewKeySource(e.keyPool)
	e.workers.init()
	return e, nil
}

func (e *Engine) observeSessionStarted() {
	if e.metrics != nil {
		e.metrics.SessionStarted()
	}
}

func (e *Engine) observeSessionEnded(failed bool) {
	if e.metrics != nil {
		e.metrics.SessionEnded(failed)
	}
}

func (e *Engine) observeBytesWritten(n int) {
	if e.metrics != nil {
		e.metrics.BytesWritten(n)
	}
}

func (e *Engine) observeBytesReleased(n int) {
	if e.metrics != nil {
		e.metrics.BytesReleased(n)
	}
}

func (e *Engine) observeProgressSent() {
	if e.metrics != nil {
		e.metrics.ProgressSent()
	}
}

func (e *Engine) observeProgressReceived() {
	if e.metrics != nil {
		e.metrics.ProgressReceived()
	}
}

func (e *Engine) observeVectorSent(niovs int) {
	if e.metrics != nil {
		e.metrics.VectorSent(niovs)
	}
}

func (e *Engine) observeVectorReceived(niovs int) {
	if e.metrics != nil {
		e.metrics.VectorReceived(niovs)
	}
}

func (e *Engine) observeFragment() {
	if e.metrics != nil {
		e.metrics.FragmentAllocated()
	}
}

func (e *Engine) observeWorkerLoad(worker int, load float64) {
	if e.metrics != nil {
		e.metrics.WorkerLoad(worker, load)
	}
}
