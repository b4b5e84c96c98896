package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// workerSet is the scheduler state: the bounded worker array, the running
// and allocated counts, and the coordination primitives for idle parking
// and graceful join.
//
// The mutex protects nRunning, nAllocated, assignmentSuspended, cond, and
// every worker's sleep condition. runningHint mirrors nRunning for cheap
// racy reads; authoritative reads take the mutex.
type workerSet struct {
	mtx     sync.Mutex
	workers [WorkersMax]*Worker

	nRunning    int
	nAllocated  int
	runningHint atomic.Int32

	cond                *sync.Cond
	assignmentSuspended bool

	wg sync.WaitGroup
}

func (ws *workerSet) init() {
	ws.cond = sync.NewCond(&ws.mtx)
}

// workerCreate allocates, initializes, and launches the next worker, or
// returns nil when the pool is exhausted.
func (e *Engine) workerCreate() *Worker {
	ws := &e.workers

	ws.mtx.Lock()
	if ws.nAllocated == WorkersMax {
		ws.mtx.Unlock()
		return nil
	}
	w, err := newWorker(e, ws.nAllocated)
	if err != nil {
		ws.mtx.Unlock()
		fatalf("worker initialization failed", "error", err)
	}
	ws.workers[ws.nAllocated] = w
	ws.nAllocated++
	ws.mtx.Unlock()

	ws.wg.Add(1)
	go w.outerLoop()
	return w
}

// assignToRunning tries running workers most recently running first.
// Caller holds the worker-set mutex.
func (ws *workerSet) assignToRunning(s *Session) *Worker {
	for iplus1 := ws.nRunning; iplus1 > 0; iplus1-- {
		w := ws.workers[iplus1-1]
		if w.assignSession(s) {
			return w
		}
	}
	return nil
}

// assignToIdle tries the next idle worker. Caller holds the worker-set
// mutex.
func (ws *workerSet) assignToIdle(s *Session) *Worker {
	if ws.nRunning == ws.nAllocated {
		return nil
	}
	w := ws.workers[ws.nRunning]
	if w.assignSession(s) {
		return w
	}
	return nil
}

// wake moves the next idle worker into the running set. Caller holds the
// worker-set mutex; w must be that next idle worker.
func (ws *workerSet) wake(w *Worker) {
	ws.nRunning++
	ws.runningHint.Store(int32(ws.nRunning))
	w.sleep.Signal()
}

// AssignSession places s on a worker: a running worker first, then a
// woken idle one, then a freshly created one. It fails once assignment is
// suspended for shutdown or the pool is exhausted.
func (e *Engine) AssignSession(s *Session) (*Worker, error) {
	ws := &e.workers

	for {
		ws.mtx.Lock()
		if ws.assignmentSuspended {
			ws.mtx.Unlock()
			return nil, fmt.Errorf("engine: worker assignment suspended")
		}
		if w := ws.assignToRunning(s); w != nil {
			ws.mtx.Unlock()
			e.observeSessionStarted()
			return w, nil
		}
		if w := ws.assignToIdle(s); w != nil {
			ws.wake(w)
			ws.mtx.Unlock()
			e.observeSessionStarted()
			return w, nil
		}
		ws.mtx.Unlock()

		if e.workerCreate() == nil {
			return nil, fmt.Errorf("engine: worker pool exhausted")
		}
	}
}

// JoinAll suspends assignment, waits for every worker to go idle, cancels
// and joins them all, and reports whether any worker failed.
func (e *Engine) JoinAll() error {
	ws := &e.workers

	ws.mtx.Lock()
	ws.assignmentSuspended = true
	for ws.nRunning > 0 {
		ws.cond.Wait()
	}
	for i := 0; i < ws.nAllocated; i++ {
		w := ws.workers[i]
		w.cancelled.Store(true)
		w.sleep.Signal()
	}
	nallocated := ws.nAllocated
	ws.mtx.Unlock()

	ws.wg.Wait()

	for i := 0; i < nallocated; i++ {
		if ws.workers[i].failed {
			return fmt.Errorf("engine: a worker failed")
		}
	}
	return nil
}
