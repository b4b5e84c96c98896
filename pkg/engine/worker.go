package engine

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/pkg/fabric"
)

const (
	// WorkerSessionsMax is the number of session slots per worker,
	// split evenly across its two halves.
	WorkerSessionsMax = 64

	// WorkersMax bounds the worker pool.
	WorkersMax = 128

	sessionsPerHalf = WorkerSessionsMax / 2

	// payloadPoolSize is the per-worker reservoir of free payload
	// buffers, one pool per direction.
	payloadPoolSize = 16
)

// workerHalf is one independently lockable half of a worker: its poll set
// and its slice of session slots. Two threads may drive one worker's two
// halves in parallel; the half mutex serializes access to the sessions
// reachable from it.
type workerHalf struct {
	mtx      sync.Mutex
	pollSet  *fabric.PollSet
	sessions [sessionsPerHalf]*Session
}

// Worker is one OS thread of the scheduler plus its two poll halves and
// its payload-buffer reservoirs.
type Worker struct {
	eng *Engine
	idx int

	halves    [2]workerHalf
	nsessions [2]atomic.Int32

	// sleep pairs with the worker set's mutex for idle parking.
	sleep *sync.Cond

	cancelled atomic.Bool
	failed    bool

	paybufs struct {
		rx *Pool
		tx *Pool
	}
	keys KeySource
	avg  loadAvg
}

func newWorker(e *Engine, idx int) (*Worker, error) {
	w := &Worker{
		eng:  e,
		idx:  idx,
		keys: NewKeySource(e.keyPool),
	}
	w.sleep = sync.NewCond(&e.workers.mtx)
	for half := range w.halves {
		ps, err := e.domain.OpenPollSet()
		if err != nil {
			return nil, err
		}
		w.halves[half].pollSet = ps
	}
	w.paybufs.rx = NewPool(payloadPoolSize)
	w.paybufs.tx = NewPool(payloadPoolSize)
	w.replenishPayloadPool(payloadAccess.rx, w.paybufs.rx)
	w.replenishPayloadPool(payloadAccess.tx, w.paybufs.tx)
	return w, nil
}

// replenishPayloadPool refills pl to half capacity. Buffer lengths cycle
// through a few small coprime sizes so transfers exercise every split of
// the pattern across buffer boundaries.
func (w *Worker) replenishPayloadPool(access fabric.Flags, pl *Pool) bool {
	if pl.Len() >= pl.Cap()/2 {
		return true
	}

	paylen := 0
	for pl.Len() < pl.Cap()/2 {
		switch paylen {
		case 23:
			paylen = 29
		case 29:
			paylen = 31
		case 31:
			paylen = 37
		default:
			paylen = 23
		}
		b := newPayloadBuffer(paylen)
		if !w.eng.reregister {
			if err := b.register(w.eng.domain, access, &w.keys); err != nil {
				logger.Warn("payload buffer registration failed", "error", err)
				break
			}
		}
		logger.Debug("replenishing payload pool", "buflen", b.Nallocated)
		pl.Put(b)
	}
	return pl.Len() > 0
}

// payloadRxGet lends a free receive-side payload buffer, replenishing the
// reservoir as needed.
func (w *Worker) payloadRxGet() *Buffer {
	for {
		if b := w.paybufs.rx.Get(); b != nil {
			return b
		}
		if !w.replenishPayloadPool(payloadAccess.rx, w.paybufs.rx) {
			return nil
		}
	}
}

// payloadTxGet lends a free transmit-side payload buffer.
func (w *Worker) payloadTxGet() *Buffer {
	for {
		if b := w.paybufs.tx.Get(); b != nil {
			return b
		}
		if !w.replenishPayloadPool(payloadAccess.tx, w.paybufs.tx) {
			return nil
		}
	}
}

// runLoop makes one pass over both halves, skipping any half another
// thread holds, and steps every occupied session once. Sessions returning
// End or Error are retired and their completion queues leave the poll set.
func (w *Worker) runLoop() {
	for half := range w.halves {
		h := &w.halves[half]
		if !h.mtx.TryLock() {
			continue
		}

		serviced := h.pollSet.Poll()
		if updated, load := w.avg.note(serviced); updated {
			w.eng.observeWorkerLoad(w.idx, load)
		}

		for i := range h.sessions {
			s := h.sessions[i]
			if s == nil {
				continue
			}

			ctl := s.cxn.loop(w, s)
			if ctl == Continue {
				continue
			}
			if ctl == Error {
				w.failed = true
			}

			h.sessions[i] = nil
			if err := h.pollSet.Del(s.cxn.cq); err != nil {
				logger.Warn("removing completion queue from poll set failed", "error", err)
			}
			w.nsessions[half].Add(-1)
			w.eng.observeSessionEnded(ctl == Error)
			logger.Debug("session retired", "worker", w.idx, "control", ctl)
		}

		h.mtx.Unlock()
	}
}

// assignSession places s into a free slot of either half, adding the
// connection's completion queue to that half's poll set.
func (w *Worker) assignSession(s *Session) bool {
	for half := range w.halves {
		h := &w.halves[half]
		if !h.mtx.TryLock() {
			continue
		}
		for i := range h.sessions {
			if h.sessions[i] != nil {
				continue
			}
			if err := h.pollSet.Add(s.cxn.cq); err != nil {
				logger.Warn("adding completion queue to poll set failed", "error", err)
				continue
			}
			h.sessions[i] = s
			w.nsessions[half].Add(1)
			h.mtx.Unlock()
			return true
		}
		h.mtx.Unlock()
	}
	return false
}

// isIdle retires this worker from the running set when it is the last
// running worker and holds no sessions. The check is racy by design: the
// cheap session-count and running-index reads filter, and the verdict is
// confirmed under the worker-set mutex and both half mutexes.
func (w *Worker) isIdle() bool {
	ws := &w.eng.workers

	if w.nsessions[0].Load() != 0 || w.nsessions[1].Load() != 0 {
		return false
	}
	if int32(w.idx+1) != ws.runningHint.Load() {
		return false
	}
	if !ws.mtx.TryLock() {
		return false
	}

	nlocked := 0
	for ; nlocked < 2; nlocked++ {
		if !w.halves[nlocked].mtx.TryLock() {
			break
		}
	}

	idle := nlocked == 2 &&
		w.nsessions[0].Load() == 0 && w.nsessions[1].Load() == 0 &&
		w.idx+1 == ws.nRunning

	if idle {
		ws.nRunning--
		ws.runningHint.Store(int32(ws.nRunning))
		ws.cond.Signal()
	}

	for half := 0; half < nlocked; half++ {
		w.halves[half].mtx.Unlock()
	}
	ws.mtx.Unlock()

	return idle
}

// idleLoop parks the worker until it is woken back into the running set or
// cancelled.
func (w *Worker) idleLoop() {
	ws := &w.eng.workers
	ws.mtx.Lock()
	for ws.nRunning <= w.idx && !w.cancelled.Load() {
		w.sleep.Wait()
	}
	ws.mtx.Unlock()
}

// outerLoop is the worker thread body: alternate between idle parking and
// draining sessions until cancelled.
func (w *Worker) outerLoop() {
	defer w.eng.workers.wg.Done()
	for !w.cancelled.Load() {
		w.idleLoop()
		for {
			w.runLoop()
			if w.isIdle() || w.cancelled.Load() {
				break
			}
		}
	}
}

// loadAvg tracks the fraction of loop passes that serviced at least one
// completion, as a fixed-point number with 8 fractional bits. The average
// halves toward each new mark every 2^16 passes.
type loadAvg struct {
	average        atomic.Uint32
	loopsSinceMark uint32
	serviced       uint32
}

const loadAvgMarkInterval = 1 << 16

func (a *loadAvg) note(serviced bool) (updated bool, load float64) {
	if a.loopsSinceMark < loadAvgMarkInterval-1 {
		a.loopsSinceMark++
		if serviced {
			a.serviced++
		}
		return false, 0
	}
	avg := (a.average.Load() + 256*a.serviced/loadAvgMarkInterval) / 2
	a.average.Store(avg)
	a.loopsSinceMark = 0
	a.serviced = 0
	return true, float64(avg) / 256
}
