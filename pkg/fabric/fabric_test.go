package fabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEndpoint builds an enabled loopback endpoint with its own queues.
func testEndpoint(t *testing.T, d *Domain) (*Endpoint, *CompletionQueue, *AddressVector) {
	t.Helper()

	cq, err := d.OpenCompletionQueue(0)
	require.NoError(t, err)
	av, err := d.OpenAddressVector()
	require.NoError(t, err)

	ep, err := d.OpenEndpoint(&Info{SrcAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, ep.BindCompletionQueue(cq))
	require.NoError(t, ep.BindAddressVector(av))
	require.NoError(t, ep.Enable())
	t.Cleanup(func() { _ = ep.Close() })

	return ep, cq, av
}

func testDomain(t *testing.T) *Domain {
	t.Helper()
	info, err := GetInfo("", "0", true, nil)
	require.NoError(t, err)
	f, err := New(info)
	require.NoError(t, err)
	d, err := f.OpenDomain()
	require.NoError(t, err)
	return d
}

func sread(t *testing.T, cq *CompletionQueue) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmpl, err := cq.SRead(ctx)
	require.NoError(t, err)
	return cmpl
}

// ============================================================================
// GetInfo Tests
// ============================================================================

func TestGetInfo(t *testing.T) {
	t.Run("GrantsRequestedCaps", func(t *testing.T) {
		hints := &Info{Caps: FlagMsg | FlagRMA | FlagRemoteWrite | FlagWrite}
		info, err := GetInfo("127.0.0.1", "4242", true, hints)
		require.NoError(t, err)
		assert.Equal(t, hints.Caps, info.Caps&hints.Caps)
		assert.Equal(t, "127.0.0.1:4242", info.SrcAddr)
		assert.False(t, info.VirtAddr)
		assert.Equal(t, 12, info.RMAIOVLimit)
	})

	t.Run("DestinationForConnectPersonality", func(t *testing.T) {
		info, err := GetInfo("192.0.2.1", "4242", false, nil)
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.1:4242", info.DestAddr)
		assert.Empty(t, info.SrcAddr)
	})

	t.Run("RefusesUnknownCaps", func(t *testing.T) {
		hints := &Info{Caps: 1 << 40}
		_, err := GetInfo("", "4242", true, hints)
		assert.ErrorIs(t, err, ErrNoCapability)
	})
}

// ============================================================================
// Message Tests
// ============================================================================

func TestSendRecvCompletion(t *testing.T) {
	d := testDomain(t)
	a, acq, aav := testEndpoint(t, d)
	b, bcq, _ := testEndpoint(t, d)

	bName, err := b.Name()
	require.NoError(t, err)
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	rxbuf := make([]byte, 64)
	require.NoError(t, b.RecvMsg(rxbuf, nil, AddrUnspec, "rx-ctx", FlagCompletion))

	payload := []byte("hello fabric")
	require.NoError(t, a.SendMsg(payload, nil, peer, "tx-ctx", FlagCompletion))

	tx := sread(t, acq)
	assert.Equal(t, FlagSend|FlagMsg, tx.Flags&(FlagSend|FlagMsg))
	assert.Equal(t, "tx-ctx", tx.Context)
	assert.Equal(t, len(payload), tx.Len)

	rx := sread(t, bcq)
	assert.Equal(t, FlagRecv|FlagMsg, rx.Flags&(FlagRecv|FlagMsg))
	assert.Equal(t, "rx-ctx", rx.Context)
	assert.Equal(t, len(payload), rx.Len)
	assert.Equal(t, payload, rxbuf[:rx.Len])
}

func TestSendWithoutCompletionFlagIsSilent(t *testing.T) {
	d := testDomain(t)
	a, acq, aav := testEndpoint(t, d)
	b, bcq, _ := testEndpoint(t, d)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	rxbuf := make([]byte, 16)
	require.NoError(t, b.RecvMsg(rxbuf, nil, AddrUnspec, nil, FlagCompletion))
	require.NoError(t, a.SendMsg([]byte("quiet"), nil, peer, nil, 0))

	// The receive side still completes.
	rx := sread(t, bcq)
	assert.Equal(t, 5, rx.Len)

	// The send side does not.
	_, err = acq.Read()
	assert.ErrorIs(t, err, ErrAgain)
}

func TestMessagesBeforePostedRecvAreParked(t *testing.T) {
	d := testDomain(t)
	a, _, aav := testEndpoint(t, d)
	b, bcq, _ := testEndpoint(t, d)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	require.NoError(t, a.SendMsg([]byte("early"), nil, peer, nil, 0))

	// Give the frame time to arrive with no receive posted.
	time.Sleep(50 * time.Millisecond)

	rxbuf := make([]byte, 16)
	require.NoError(t, b.RecvMsg(rxbuf, nil, AddrUnspec, "late", FlagCompletion))

	rx := sread(t, bcq)
	assert.Equal(t, "late", rx.Context)
	assert.Equal(t, []byte("early"), rxbuf[:rx.Len])
}

func TestRecvCompletionOrderMatchesPostOrder(t *testing.T) {
	d := testDomain(t)
	a, _, aav := testEndpoint(t, d)
	b, bcq, _ := testEndpoint(t, d)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecvMsg(make([]byte, 8), nil, AddrUnspec, i, FlagCompletion))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, a.SendMsg([]byte{byte(i)}, nil, peer, nil, 0))
	}
	for i := 0; i < 4; i++ {
		rx := sread(t, bcq)
		assert.Equal(t, i, rx.Context)
	}
}

// ============================================================================
// RDMA Write Tests
// ============================================================================

func TestWriteLandsInRegisteredRegion(t *testing.T) {
	d := testDomain(t)
	a, acq, aav := testEndpoint(t, d)
	b, bcq, _ := testEndpoint(t, d)

	target := make([]byte, 64)
	mr, err := d.RegisterMemory(target, FlagRecv|FlagRemoteWrite, 512)
	require.NoError(t, err)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	local := [][]byte{[]byte("scatter"), []byte("gather")}
	riovs := []RMA{
		{Addr: 8, Len: 7, Key: mr.Key()},
		{Addr: 32, Len: 6, Key: mr.Key()},
	}
	flags := FlagCompletion | FlagDeliveryComplete
	require.NoError(t, a.WriteMsg(local, nil, riovs, peer, "wr-ctx", flags))

	cmpl := sread(t, acq)
	assert.Equal(t, "wr-ctx", cmpl.Context)
	assert.NoError(t, cmpl.Err)
	assert.Equal(t, FlagRMA|FlagWrite|FlagCompletion|FlagDeliveryComplete,
		cmpl.Flags&(FlagRMA|FlagWrite|FlagCompletion|FlagDeliveryComplete))
	assert.Equal(t, 13, cmpl.Len)

	// Delivery-complete means the bytes are already in place.
	assert.Equal(t, []byte("scatter"), target[8:15])
	assert.Equal(t, []byte("gather"), target[32:38])

	// The target application never saw a completion.
	_, err = bcq.Read()
	assert.ErrorIs(t, err, ErrAgain)
}

func TestWriteLengthMismatchRejected(t *testing.T) {
	d := testDomain(t)
	a, _, aav := testEndpoint(t, d)
	b, _, _ := testEndpoint(t, d)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	err = a.WriteMsg([][]byte{[]byte("four")}, nil,
		[]RMA{{Addr: 0, Len: 5, Key: 1}}, peer, nil, FlagCompletion)
	assert.Error(t, err)
}

func TestWriteToUnknownKeyFailsCompletion(t *testing.T) {
	d := testDomain(t)
	a, acq, aav := testEndpoint(t, d)
	b, _, _ := testEndpoint(t, d)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	err = a.WriteMsg([][]byte{[]byte("x")}, nil,
		[]RMA{{Addr: 0, Len: 1, Key: 9999}}, peer, "bad", FlagCompletion)
	require.NoError(t, err)

	cmpl := sread(t, acq)
	assert.Equal(t, "bad", cmpl.Context)
	assert.Error(t, cmpl.Err)
}

func TestWriteAfterDeregistrationFails(t *testing.T) {
	d := testDomain(t)
	a, acq, aav := testEndpoint(t, d)
	b, _, _ := testEndpoint(t, d)

	target := make([]byte, 16)
	mr, err := d.RegisterMemory(target, FlagRemoteWrite, 600)
	require.NoError(t, err)
	require.NoError(t, mr.Close())

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	err = a.WriteMsg([][]byte{[]byte("x")}, nil,
		[]RMA{{Addr: 0, Len: 1, Key: 600}}, peer, "gone", FlagCompletion)
	require.NoError(t, err)

	cmpl := sread(t, acq)
	assert.Error(t, cmpl.Err)
}

// ============================================================================
// Cancel Tests
// ============================================================================

func TestCancelPostedRecv(t *testing.T) {
	d := testDomain(t)
	ep, cq, _ := testEndpoint(t, d)

	require.NoError(t, ep.RecvMsg(make([]byte, 8), nil, AddrUnspec, "victim", FlagCompletion))
	require.NoError(t, ep.Cancel("victim"))

	cmpl := sread(t, cq)
	assert.Equal(t, "victim", cmpl.Context)
	assert.ErrorIs(t, cmpl.Err, ErrCanceled)
}

// ============================================================================
// Poll Set and Address Vector Tests
// ============================================================================

func TestPollSet(t *testing.T) {
	d := testDomain(t)
	ps, err := d.OpenPollSet()
	require.NoError(t, err)

	cq, err := d.OpenCompletionQueue(4)
	require.NoError(t, err)
	require.NoError(t, ps.Add(cq))

	assert.False(t, ps.Poll())
	cq.push(Completion{})
	assert.True(t, ps.Poll())

	_, err = cq.Read()
	require.NoError(t, err)
	assert.False(t, ps.Poll())

	require.NoError(t, ps.Del(cq))
	cq.push(Completion{})
	assert.False(t, ps.Poll())
}

func TestAddressVector(t *testing.T) {
	d := testDomain(t)
	av, err := d.OpenAddressVector()
	require.NoError(t, err)

	a1, err := av.Insert([]byte("192.0.2.1:1"))
	require.NoError(t, err)
	a2, err := av.Insert([]byte("192.0.2.2:2"))
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	addr, err := av.lookup(a1)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:1", addr)

	require.NoError(t, av.Remove(a1))
	_, err = av.lookup(a1)
	assert.Error(t, err)
	assert.Error(t, av.Remove(a1))

	_, err = av.Insert(nil)
	assert.Error(t, err)
}

// ============================================================================
// Completion Queue Tests
// ============================================================================

func TestCompletionQueueReadNonBlocking(t *testing.T) {
	d := testDomain(t)
	cq, err := d.OpenCompletionQueue(4)
	require.NoError(t, err)

	_, err = cq.Read()
	assert.ErrorIs(t, err, ErrAgain)

	cq.push(Completion{Len: 7})
	cmpl, err := cq.Read()
	require.NoError(t, err)
	assert.Equal(t, 7, cmpl.Len)
}

func TestCompletionQueueSReadHonorsContext(t *testing.T) {
	d := testDomain(t)
	cq, err := d.OpenCompletionQueue(4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cq.SRead(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "<>", Flags(0).String())
	assert.Equal(t, "<recv,msg>", (FlagRecv | FlagMsg).String())
}

// ============================================================================
// Peer Loss Tests
// ============================================================================

func TestPeerLossFailsPostedRecvs(t *testing.T) {
	d := testDomain(t)
	a, _, aav := testEndpoint(t, d)
	b, bcq, _ := testEndpoint(t, d)

	bName, _ := b.Name()
	peer, err := aav.Insert(bName)
	require.NoError(t, err)

	// Establish a message-carrying connection, then kill the sender.
	require.NoError(t, b.RecvMsg(make([]byte, 8), nil, AddrUnspec, 1, FlagCompletion))
	require.NoError(t, a.SendMsg([]byte("hi"), nil, peer, nil, 0))
	_ = sread(t, bcq)

	require.NoError(t, b.RecvMsg(make([]byte, 8), nil, AddrUnspec, 2, FlagCompletion))
	require.NoError(t, a.Close())

	cmpl := sread(t, bcq)
	assert.Equal(t, 2, cmpl.Context)
	assert.Error(t, cmpl.Err)
	assert.NotErrorIs(t, cmpl.Err, ErrCanceled)
}
