package nbns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueueFIFO(t *testing.T) {
	q := newRequestQueue()
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")

	first := newRequest(addRequest, n, 1, 5, time.Millisecond)
	second := newRequest(deleteRequest, n, 2, 1, time.Millisecond)
	q.push(first)
	q.push(second)

	assert.Equal(t, 2, q.len())
	assert.Same(t, first, q.peek())

	q.remove(first)
	assert.Same(t, second, q.peek())
	q.remove(second)
	assert.Nil(t, q.peek())

	// wake holds at most one pending signal.
	assert.Len(t, q.wake, 1)
}

func TestRequestQueueFind(t *testing.T) {
	q := newRequestQueue()
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")
	r := newRequest(refreshRequest, n, 77, 2, time.Millisecond)
	q.push(r)

	assert.Same(t, r, q.find(77))
	assert.Nil(t, q.find(78))
	assert.True(t, q.pending(refreshRequest, n.Key()))
	assert.False(t, q.pending(addRequest, n.Key()))
	assert.False(t, q.pending(refreshRequest, NameKey{Name: "OTHER", Type: FileServer}))
}

func TestRequestQueueWaitEmpty(t *testing.T) {
	q := newRequestQueue()
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")
	r := newRequest(deleteRequest, n, 1, 1, time.Millisecond)
	q.push(r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.waitEmpty(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.remove(r)
	}()
	require.NoError(t, q.waitEmpty(context.Background()))

	// Emptied and refilled: the new request holds waiters again.
	r2 := newRequest(deleteRequest, n, 2, 1, time.Millisecond)
	q.push(r2)
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.waitEmpty(ctx), context.DeadlineExceeded)

	q.remove(r2)
	q.remove(r2)
	require.NoError(t, q.waitEmpty(context.Background()))
}

func TestRequestQueueWaitEmptyOnEmptyQueue(t *testing.T) {
	q := newRequestQueue()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.waitEmpty(ctx))
}

func TestRequestQueuePurge(t *testing.T) {
	q := newRequestQueue()
	fs1 := mustName(t, "FS1", FileServer, false, "192.168.1.10")
	fs2 := mustName(t, "FS2", FileServer, false, "192.168.1.10")

	head := newRequest(addRequest, fs1, 1, 1, time.Millisecond)
	head.setState(stateSending)
	add := newRequest(addRequest, fs2, 2, 1, time.Millisecond)
	refresh := newRequest(refreshRequest, fs1, 3, 1, time.Millisecond)
	release := newRequest(deleteRequest, fs1, 4, 1, time.Millisecond)
	for _, r := range []*request{head, add, refresh, release} {
		q.push(r)
	}

	purged := q.purge(addRequest, refreshRequest)
	assert.Equal(t, []*request{add, refresh}, purged)
	assert.Equal(t, 2, q.len())
	assert.Same(t, head, q.peek())
	assert.False(t, q.pending(addRequest, fs2.Key()))
	assert.True(t, q.pending(deleteRequest, fs1.Key()))

	q.remove(head)
	assert.Len(t, q.purge(deleteRequest), 1)
	require.NoError(t, q.waitEmpty(context.Background()))
}

func TestRequestResolve(t *testing.T) {
	local := mustName(t, "FS1", FileServer, true, "192.168.1.10", "192.168.2.10")

	r := newRequest(deleteRequest, Name{Name: "FS1", Type: FileServer}, 1, 1, time.Millisecond)
	assert.Empty(t, r.addrs())

	r.resolve(local)
	assert.Equal(t, local.Addrs, r.addrs())
	assert.True(t, r.name.Group)
	assert.Equal(t, local.Key(), r.key)
}

func TestRequestSettle(t *testing.T) {
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")

	r := newRequest(addRequest, n, 1, 1, time.Millisecond)
	r.settle(RCodeOK, 600)
	r.settle(RCodeConflict, 0)

	rcode, _, acked := r.outcome()
	assert.Equal(t, RCodeConflict, rcode)
	assert.False(t, acked)
	assert.True(t, r.errored.Load())

	select {
	case <-r.settled:
	default:
		t.Fatal("settled channel not closed")
	}

	r = newRequest(addRequest, n, 2, 1, time.Millisecond)
	r.settle(RCodeRefused, 0)
	r.settle(RCodeOK, 600)

	rcode, granted, acked := r.outcome()
	assert.Equal(t, RCodeRefused, rcode)
	assert.Zero(t, granted)
	assert.False(t, acked)

	r = newRequest(addRequest, n, 3, 1, time.Millisecond)
	r.settle(RCodeOK, 600)
	rcode, granted, acked = r.outcome()
	assert.Equal(t, RCodeOK, rcode)
	assert.Equal(t, uint32(600), granted)
	assert.True(t, acked)
	assert.False(t, r.errored.Load())
}

func TestTransactionIDWraps(t *testing.T) {
	s := &Server{}
	s.tid.Store(0xFFFE)

	assert.Equal(t, uint16(0xFFFF), s.nextTransactionID())
	assert.Equal(t, uint16(0), s.nextTransactionID())
	assert.Equal(t, uint16(1), s.nextTransactionID())
}
