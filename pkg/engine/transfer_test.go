package engine

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fabstream/pkg/fabric"
)

// captureMetrics implements metrics.EngineMetrics with atomic counters so
// tests can observe the protocol traffic of a transfer.
type captureMetrics struct {
	sessionsStarted  atomic.Int64
	sessionsFailed   atomic.Int64
	bytesWritten     atomic.Int64
	bytesReleased    atomic.Int64
	progressSent     atomic.Int64
	progressReceived atomic.Int64
	vectorsSent      atomic.Int64
	emptyVectorsSent atomic.Int64
	vectorsReceived  atomic.Int64
	fragments        atomic.Int64
}

func (m *captureMetrics) SessionStarted() { m.sessionsStarted.Add(1) }
func (m *captureMetrics) SessionEnded(failed bool) {
	if failed {
		m.sessionsFailed.Add(1)
	}
}
func (m *captureMetrics) BytesWritten(n int)  { m.bytesWritten.Add(int64(n)) }
func (m *captureMetrics) BytesReleased(n int) { m.bytesReleased.Add(int64(n)) }
func (m *captureMetrics) ProgressSent()       { m.progressSent.Add(1) }
func (m *captureMetrics) ProgressReceived()   { m.progressReceived.Add(1) }
func (m *captureMetrics) VectorSent(niovs int) {
	m.vectorsSent.Add(1)
	if niovs == 0 {
		m.emptyVectorsSent.Add(1)
	}
}
func (m *captureMetrics) VectorReceived(int)    { m.vectorsReceived.Add(1) }
func (m *captureMetrics) FragmentAllocated()    { m.fragments.Add(1) }
func (m *captureMetrics) WorkerLoad(int, float64) {}

// freePort reserves a loopback port for a transfer pair.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return port
}

// waitListen blocks until addr accepts connections.
func waitListen(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing listening on %s", addr)
}

type pairResult struct {
	getErr     error
	putErr     error
	getMetrics *captureMetrics
	putMetrics *captureMetrics
}

// runPair runs one full fget/fput transfer in-process over loopback.
func runPair(t *testing.T, entireLen int, getOpts, putOpts Options) pairResult {
	t.Helper()
	t.Cleanup(resetCancelled)

	port := freePort(t)
	ctx := context.Background()

	getInfo, err := fabric.GetInfo("127.0.0.1", port, true, nil)
	require.NoError(t, err)
	putInfo, err := fabric.GetInfo("127.0.0.1", port, false, nil)
	require.NoError(t, err)

	res := pairResult{
		getMetrics: &captureMetrics{},
		putMetrics: &captureMetrics{},
	}
	getOpts.EntireLen = entireLen
	getOpts.Metrics = res.getMetrics
	putOpts.EntireLen = entireLen
	putOpts.Metrics = res.putMetrics

	ge, err := New(ctx, getInfo, getOpts)
	require.NoError(t, err)
	pe, err := New(ctx, putInfo, putOpts)
	require.NoError(t, err)

	getDone := make(chan error, 1)
	go func() { getDone <- ge.RunGet() }()
	waitListen(t, "127.0.0.1:"+port)

	putDone := make(chan error, 1)
	go func() { putDone <- pe.RunPut() }()

	select {
	case res.putErr = <-putDone:
	case <-time.After(120 * time.Second):
		t.Fatal("transmitter did not finish")
	}
	select {
	case res.getErr = <-getDone:
	case <-time.After(120 * time.Second):
		t.Fatal("receiver did not finish")
	}
	return res
}

// ============================================================================
// End-to-End Transfer Tests
// ============================================================================

func TestTransferShort(t *testing.T) {
	entire := 20 * len(Pattern)
	res := runPair(t, entire, Options{}, Options{})

	require.NoError(t, res.getErr)
	require.NoError(t, res.putErr)

	assert.Equal(t, int64(entire), res.putMetrics.bytesWritten.Load())
	assert.Equal(t, int64(entire), res.getMetrics.bytesReleased.Load())

	// The progress counts agree across the link.
	assert.Equal(t, res.putMetrics.progressSent.Load(), res.getMetrics.progressReceived.Load())
	assert.Equal(t, int64(0), res.getMetrics.sessionsFailed.Load())
	assert.Equal(t, int64(0), res.putMetrics.sessionsFailed.Load())
}

func TestTransferFullPattern(t *testing.T) {
	// The reference transfer: 10000 repetitions of the pattern.
	entire := 10000 * len(Pattern)
	res := runPair(t, entire, Options{}, Options{})

	require.NoError(t, res.getErr)
	require.NoError(t, res.putErr)
	assert.Equal(t, int64(entire), res.putMetrics.bytesWritten.Load())
	assert.Equal(t, int64(entire), res.getMetrics.bytesReleased.Load())
}

func TestTransferSingleByte(t *testing.T) {
	res := runPair(t, 1, Options{}, Options{})

	require.NoError(t, res.getErr)
	require.NoError(t, res.putErr)

	assert.Equal(t, int64(1), res.putMetrics.bytesWritten.Load())
	assert.Equal(t, int64(1), res.getMetrics.bytesReleased.Load())

	// The byte travels as (1, 1), then a separate (0, 0) declares EOF.
	assert.Equal(t, int64(2), res.putMetrics.progressSent.Load())
	assert.Equal(t, int64(2), res.getMetrics.progressReceived.Load())

	// The receiver closes with exactly one empty vector.
	assert.Equal(t, int64(1), res.getMetrics.emptyVectorsSent.Load())
}

func TestTransferZeroLength(t *testing.T) {
	res := runPair(t, 0, Options{}, Options{})

	require.NoError(t, res.getErr)
	require.NoError(t, res.putErr)

	assert.Equal(t, int64(0), res.putMetrics.bytesWritten.Load())
	assert.Equal(t, int64(0), res.getMetrics.bytesReleased.Load())

	// Only the zero-leftover EOF progress travels.
	assert.Equal(t, int64(1), res.putMetrics.progressSent.Load())
	assert.Equal(t, int64(1), res.getMetrics.emptyVectorsSent.Load())
}

func TestTransferReregister(t *testing.T) {
	entire := 20 * len(Pattern)
	res := runPair(t, entire,
		Options{Reregister: true}, Options{Reregister: true})

	require.NoError(t, res.getErr)
	require.NoError(t, res.putErr)
	assert.Equal(t, int64(entire), res.getMetrics.bytesReleased.Load())
}

func TestTransferContiguous(t *testing.T) {
	// One pattern's worth keeps the transfer inside the first advertised
	// wave, where buffer and window sizes line up and no load oversizes
	// its window.
	entire := len(Pattern)
	res := runPair(t, entire, Options{}, Options{Contiguous: true})

	require.NoError(t, res.getErr)
	require.NoError(t, res.putErr)
	assert.Equal(t, int64(entire), res.getMetrics.bytesReleased.Load())
	assert.Equal(t, int64(0), res.putMetrics.fragments.Load())
}

func TestTransferTwiceBackToBack(t *testing.T) {
	for i := 0; i < 2; i++ {
		entire := 5 * len(Pattern)
		res := runPair(t, entire, Options{}, Options{})
		require.NoError(t, res.getErr, "round %d", i)
		require.NoError(t, res.putErr, "round %d", i)
		assert.Equal(t, int64(entire), res.getMetrics.bytesReleased.Load(), "round %d", i)
	}
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancellationDuringSteadyState(t *testing.T) {
	t.Cleanup(resetCancelled)

	port := freePort(t)
	ctx := context.Background()

	getInfo, err := fabric.GetInfo("127.0.0.1", port, true, nil)
	require.NoError(t, err)
	putInfo, err := fabric.GetInfo("127.0.0.1", port, false, nil)
	require.NoError(t, err)

	gm := &captureMetrics{}
	entire := 100 * 1000 * 1000 // far more than the test will move

	ge, err := New(ctx, getInfo, Options{EntireLen: entire, Metrics: gm})
	require.NoError(t, err)
	pe, err := New(ctx, putInfo, Options{EntireLen: entire})
	require.NoError(t, err)

	getDone := make(chan error, 1)
	go func() { getDone <- ge.RunGet() }()
	waitListen(t, "127.0.0.1:"+port)
	putDone := make(chan error, 1)
	go func() { putDone <- pe.RunPut() }()

	// Let the transfer reach steady state, then pull the plug.
	deadline := time.Now().Add(10 * time.Second)
	for gm.bytesReleased.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Positive(t, gm.bytesReleased.Load(), "transfer never reached steady state")
	SetCancelled()

	var putErr, getErr error
	select {
	case putErr = <-putDone:
	case <-time.After(30 * time.Second):
		t.Fatal("transmitter did not drain after cancellation")
	}
	select {
	case getErr = <-getDone:
	case <-time.After(30 * time.Second):
		t.Fatal("receiver did not drain after cancellation")
	}

	// Cancellation is an error outcome on both sides, with every worker
	// joined (Run returning proves the join).
	assert.Error(t, putErr)
	assert.Error(t, getErr)
}

func TestSignalBeforeHandshake(t *testing.T) {
	t.Cleanup(resetCancelled)

	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	getInfo, err := fabric.GetInfo("127.0.0.1", port, true, nil)
	require.NoError(t, err)
	ge, err := New(ctx, getInfo, Options{EntireLen: 1})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ge.RunGet() }()
	waitListen(t, "127.0.0.1:"+port)

	SetCancelled()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("receiver did not abandon the handshake")
	}
}

// ============================================================================
// Capability Checks
// ============================================================================

func TestEngineRefusesVirtualAddressing(t *testing.T) {
	info, err := fabric.GetInfo("127.0.0.1", "0", true, nil)
	require.NoError(t, err)
	info.VirtAddr = true

	_, err = New(context.Background(), info, Options{})
	assert.Error(t, err)
}

func TestEngineContiguousForcesSingleSegment(t *testing.T) {
	info, err := fabric.GetInfo("127.0.0.1", "0", true, nil)
	require.NoError(t, err)

	e, err := New(context.Background(), info, Options{Contiguous: true})
	require.NoError(t, err)
	assert.Equal(t, 1, e.rmaMaxSegs)

	e, err = New(context.Background(), info, Options{})
	require.NoError(t, err)
	assert.Equal(t, info.RMAIOVLimit, e.rmaMaxSegs)
}
