package fabric

import (
	"context"
	"strings"
	"sync"
)

// Flags describe both endpoint capabilities and completion events.
type Flags uint64

const (
	// FlagRecv marks the completion of a posted receive.
	FlagRecv Flags = 1 << iota
	// FlagSend marks the completion of a message send.
	FlagSend
	// FlagMsg marks two-sided message traffic.
	FlagMsg
	// FlagRMA marks one-sided RMA traffic.
	FlagRMA
	// FlagWrite marks an RMA write initiated locally.
	FlagWrite
	// FlagRemoteWrite grants remote peers write access to local regions.
	FlagRemoteWrite
	// FlagCompletion requests a completion entry for the operation.
	FlagCompletion
	// FlagDeliveryComplete requests that the completion fire only once
	// the written bytes are visible in the remote region, not merely
	// handed to the transport.
	FlagDeliveryComplete
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagRecv, "recv"},
	{FlagSend, "send"},
	{FlagMsg, "msg"},
	{FlagRMA, "rma"},
	{FlagWrite, "write"},
	{FlagRemoteWrite, "remote write"},
	{FlagCompletion, "completion"},
	{FlagDeliveryComplete, "delivery complete"},
}

// String renders the flag set in the <a,b,c> form used by log messages.
func (f Flags) String() string {
	if f == 0 {
		return "<>"
	}
	var sb strings.Builder
	sb.WriteByte('<')
	first := true
	for _, fn := range flagNames {
		if f&fn.flag == 0 {
			continue
		}
		if !first {
			sb.WriteByte(',')
		}
		sb.WriteString(fn.name)
		first = false
	}
	sb.WriteByte('>')
	return sb.String()
}

// Completion is one dequeued completion-queue entry. Context is the opaque
// value the application attached when it posted the operation; Err is
// non-nil for error completions (ErrCanceled for canceled operations).
type Completion struct {
	Flags   Flags
	Len     int
	Err     error
	Context any
}

// CompletionQueue delivers completions for the operations of the endpoints
// bound to it. Read never blocks; SRead blocks until an entry arrives or the
// context is done.
type CompletionQueue struct {
	ch     chan Completion
	closeO sync.Once
	done   chan struct{}
}

// DefaultCQDepth is the completion backlog a queue holds before the
// provider applies backpressure to its transport readers.
const DefaultCQDepth = 1024

// OpenCompletionQueue creates a completion queue of the given depth.
// A depth of 0 selects DefaultCQDepth.
func (d *Domain) OpenCompletionQueue(depth int) (*CompletionQueue, error) {
	if depth <= 0 {
		depth = DefaultCQDepth
	}
	return &CompletionQueue{
		ch:   make(chan Completion, depth),
		done: make(chan struct{}),
	}, nil
}

// Read dequeues one completion. It returns ErrAgain when the queue is
// empty.
func (cq *CompletionQueue) Read() (Completion, error) {
	select {
	case c := <-cq.ch:
		return c, nil
	default:
		return Completion{}, ErrAgain
	}
}

// SRead dequeues one completion, blocking until one arrives or ctx is done.
func (cq *CompletionQueue) SRead(ctx context.Context) (Completion, error) {
	select {
	case c := <-cq.ch:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-cq.done:
		return Completion{}, ErrClosed
	}
}

// Close shuts the queue down. Pending entries are discarded.
func (cq *CompletionQueue) Close() error {
	cq.closeO.Do(func() { close(cq.done) })
	return nil
}

// ready reports whether the queue currently holds at least one entry.
func (cq *CompletionQueue) ready() bool {
	return len(cq.ch) > 0
}

// push enqueues a completion, blocking if the queue is at depth. Providers
// call this from their transport readers, so a full queue applies
// backpressure to the wire rather than dropping completions.
func (cq *CompletionQueue) push(c Completion) {
	select {
	case cq.ch <- c:
	case <-cq.done:
	}
}

// EventQueue carries connection-management events. The reliable-datagram
// path raises none; the queue exists so every connection owns the same
// resource set as a connected endpoint would.
type EventQueue struct{}

// OpenEventQueue creates an event queue.
func (f *Fabric) OpenEventQueue() (*EventQueue, error) {
	return &EventQueue{}, nil
}

// Close releases the event queue.
func (eq *EventQueue) Close() error { return nil }

// PollSet aggregates completion queues so a worker can test a whole half of
// its sessions with one call.
type PollSet struct {
	mu  sync.Mutex
	cqs []*CompletionQueue
}

// OpenPollSet creates an empty poll set.
func (d *Domain) OpenPollSet() (*PollSet, error) {
	return &PollSet{}, nil
}

// Add includes cq in the set.
func (p *PollSet) Add(cq *CompletionQueue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cqs = append(p.cqs, cq)
	return nil
}

// Del removes cq from the set.
func (p *PollSet) Del(cq *CompletionQueue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.cqs {
		if c == cq {
			p.cqs = append(p.cqs[:i], p.cqs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Poll reports whether any member queue holds a completion.
func (p *PollSet) Poll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cq := range p.cqs {
		if cq.ready() {
			return true
		}
	}
	return false
}

// Close releases the poll set.
func (p *PollSet) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cqs = nil
	return nil
}
