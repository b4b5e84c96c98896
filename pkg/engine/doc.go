// Package engine implements the credit-driven RDMA streaming data plane:
// the per-connection transmitter and receiver state machines, the typed
// buffer and memory-region lifecycle, the control-message controllers, and
// the multi-worker event loop that drives many sessions concurrently.
//
// The protocol between the two personalities is small. The receiver
// advertises windows of registered memory in vector messages; the
// transmitter RDMA-writes payload into them, fragmenting oversize buffers
// across windows when no further advertisements are expected, and reports
// delivery-complete byte counts in progress messages. The receiver turns
// those counts into released buffers for its sink. An empty vector is the
// receiver's EOF; a zero-leftover progress message is the transmitter's.
// Both must be observed before either side closes.
//
// Step functions never block on a completion queue: every connection loop
// is a non-blocking pass a worker can interleave with its other sessions.
package engine
