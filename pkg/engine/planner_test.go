package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fabstream/pkg/fabric"
	"github.com/marmos91/fabstream/pkg/wire"
)

// plannerHarness wires a transmitter to a loopback target endpoint so the
// scatter-gather planner can be driven directly, without the protocol
// around it.
type plannerHarness struct {
	eng     *Engine
	x       *Transmitter
	s       *Session
	metrics *captureMetrics
}

func newPlannerHarness(t *testing.T) *plannerHarness {
	t.Helper()

	info, err := fabric.GetInfo("127.0.0.1", "0", true, nil)
	require.NoError(t, err)

	m := &captureMetrics{}
	eng, err := New(context.Background(), info, Options{Metrics: m})
	require.NoError(t, err)

	av, err := eng.domain.OpenAddressVector()
	require.NoError(t, err)

	x := newTransmitter(eng, av)

	connInfo := *info
	connInfo.SrcAddr = ""
	x.ep, err = eng.domain.OpenEndpoint(&connInfo)
	require.NoError(t, err)
	x.cq, err = eng.domain.OpenCompletionQueue(0)
	require.NoError(t, err)
	require.NoError(t, x.ep.BindCompletionQueue(x.cq))
	require.NoError(t, x.ep.BindAddressVector(av))
	require.NoError(t, x.ep.Enable())
	t.Cleanup(func() { _ = x.ep.Close() })

	// The write target: a bare endpoint in the same domain.
	target, err := eng.domain.OpenEndpoint(&connInfo)
	require.NoError(t, err)
	tcq, err := eng.domain.OpenCompletionQueue(0)
	require.NoError(t, err)
	tav, err := eng.domain.OpenAddressVector()
	require.NoError(t, err)
	require.NoError(t, target.BindCompletionQueue(tcq))
	require.NoError(t, target.BindAddressVector(tav))
	require.NoError(t, target.Enable())
	t.Cleanup(func() { _ = target.Close() })

	name, err := target.Name()
	require.NoError(t, err)
	x.peer, err = av.Insert(name)
	require.NoError(t, err)

	x.started = true
	s := NewSession(&x.Conn, NewSource(Pattern, 0))

	return &plannerHarness{eng: eng, x: x, s: s, metrics: m}
}

// window registers a target region and installs its advertisement in the
// active remote-IOV array.
func (h *plannerHarness) window(t *testing.T, size int) []byte {
	t.Helper()
	region := make([]byte, size)
	mr, err := h.eng.domain.RegisterMemory(region, fabric.FlagRecv|fabric.FlagRemoteWrite, h.eng.keys.Next())
	require.NoError(t, err)

	riov := h.x.activeRiov()
	riov[h.x.nriovs] = fabric.RMA{Addr: 0, Len: uint64(size), Key: mr.Key()}
	h.x.nriovs++
	return region
}

// load queues one payload buffer of n pattern bytes on readyForCxn.
func (h *plannerHarness) load(t *testing.T, n int) *Buffer {
	t.Helper()
	b := newPayloadBuffer(n)
	for i := range b.Payload {
		b.Payload[i] = Pattern[i%len(Pattern)]
	}
	b.Nused = n
	require.True(t, h.s.readyForCxn.Put(b))
	return b
}

// pump drains completions until one is consumed or the timeout hits.
func (h *plannerHarness) pump(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		switch h.x.cqProcess(h.s) {
		case 1:
			return
		case -1:
			t.Fatal("completion processing failed")
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no completion arrived")
}

// ============================================================================
// Scatter-Gather Planner Tests
// ============================================================================

func TestPlannerWholeBufferAcrossWindows(t *testing.T) {
	h := newPlannerHarness(t)

	w1 := h.window(t, 10)
	w2 := h.window(t, 10)
	w3 := h.window(t, 10)
	h.load(t, 15)

	require.Equal(t, Continue, h.x.targetsWrite(h.s))
	h.pump(t)

	// The buffer lands across the first two windows in order.
	assert.Equal(t, []byte(Pattern[:10]), w1)
	assert.Equal(t, []byte(Pattern[10:15]), w2[:5])
	assert.Equal(t, make([]byte, 10), w3)

	// The residue names the untouched remainder: 5 bytes of the second
	// window, then the third.
	assert.Equal(t, 2, h.x.nriovs)
	residue := h.x.activeRiov()
	assert.Equal(t, uint64(5), residue[0].Addr)
	assert.Equal(t, uint64(5), residue[0].Len)
	assert.Equal(t, uint64(10), residue[1].Len)

	// The write buffer came back with its bytes accounted.
	assert.Equal(t, uint64(15), h.x.bytesProgress)
	assert.Equal(t, int64(15), h.metrics.bytesWritten.Load())
	assert.Equal(t, 1, h.s.readyForTerminal.Len())
	assert.True(t, h.x.wrposted.Empty())
	assert.Equal(t, int64(0), h.metrics.fragments.Load())
}

func TestPlannerFragmentsOversizeLoadWhenWindowsMaxedOut(t *testing.T) {
	h := newPlannerHarness(t)

	// Twelve advertised windows of 8 bytes: the full scatter-gather
	// budget, 96 bytes of capacity.
	regions := make([][]byte, 0, wire.MaxIOVs)
	for i := 0; i < wire.MaxIOVs; i++ {
		regions = append(regions, h.window(t, 8))
	}
	parent := h.load(t, 100)

	require.Equal(t, Continue, h.x.targetsWrite(h.s))

	// The oversize load was fragmented: the parent stays at the head of
	// readyForCxn with one child in flight.
	assert.Same(t, parent, h.s.readyForCxn.Peek())
	assert.Equal(t, uint8(1), parent.XFC.NChildren)
	assert.Equal(t, int64(1), h.metrics.fragments.Load())
	assert.Equal(t, 96, h.x.fragOffset)

	h.pump(t)

	// The fragment retired and released its parent.
	assert.Equal(t, uint8(0), parent.XFC.NChildren)
	assert.True(t, h.x.wrposted.Empty())
	for i, region := range regions {
		assert.Equal(t, []byte(patternBytes(i*8, 8)), region, "window %d", i)
	}

	// No bytes are accounted until the parent itself retires.
	assert.Equal(t, int64(0), h.metrics.bytesWritten.Load())

	// A fresh window lets the 4-byte tail go out unfragmented.
	tail := h.window(t, 8)
	require.Equal(t, Continue, h.x.targetsWrite(h.s))
	h.pump(t)

	assert.Equal(t, []byte(patternBytes(96, 4)), tail[:4])
	assert.Equal(t, 0, h.x.fragOffset)
	assert.Equal(t, int64(100), h.metrics.bytesWritten.Load())
	assert.Equal(t, 1, h.s.readyForTerminal.Len())
}

func TestPlannerHoldsOversizeLoadWhileWindowsExpected(t *testing.T) {
	h := newPlannerHarness(t)

	// One 8-byte window cannot hold the 20-byte load, and with
	// nriovs < rmaMaxSegs more advertisements are expected: no write.
	h.window(t, 8)
	h.load(t, 20)

	require.Equal(t, Continue, h.x.targetsWrite(h.s))
	assert.True(t, h.x.wrposted.Empty())
	assert.Equal(t, 1, h.x.nriovs)
	assert.Equal(t, int64(0), h.metrics.fragments.Load())
	assert.Equal(t, 1, h.s.readyForCxn.Len())
}

func TestPlannerContiguousSingleSegment(t *testing.T) {
	info, err := fabric.GetInfo("127.0.0.1", "0", true, nil)
	require.NoError(t, err)
	eng, err := New(context.Background(), info, Options{Contiguous: true})
	require.NoError(t, err)
	assert.Equal(t, 1, eng.rmaMaxSegs)
}

func patternBytes(offset, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = Pattern[(offset+i)%len(Pattern)]
	}
	return string(out)
}
