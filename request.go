package nbns

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type requestKind int

const (
	addRequest requestKind = iota
	deleteRequest
	refreshRequest
)

func (k requestKind) String() string {
	switch k {
	case addRequest:
		return "add"
	case deleteRequest:
		return "delete"
	case refreshRequest:
		return "refresh"
	default:
		return "unknown"
	}
}

type requestState int32

const (
	stateQueued requestState = iota
	stateSending
	stateSucceeded
	stateErrored
)

func (s requestState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateSending:
		return "sending"
	case stateSucceeded:
		return "succeeded"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// request is one unit of outstanding protocol work. The handler worker owns
// it while it is at the head of the queue; the receive loop may only settle
// it through a correlated response.
type request struct {
	kind     requestKind
	key      NameKey
	name     Name
	id       uint16
	retries  int
	interval time.Duration
	created  time.Time

	state   atomic.Int32
	errored atomic.Bool

	mu      sync.Mutex
	rcode   RCode
	granted uint32
	acked   bool

	settled    chan struct{}
	settleOnce sync.Once
}

func newRequest(kind requestKind, name Name, id uint16, retries int, interval time.Duration) *request {
	return &request{
		kind:     kind,
		key:      name.Key(),
		name:     name.clone(),
		id:       id,
		retries:  retries,
		interval: interval,
		created:  time.Now(),
		settled:  make(chan struct{}),
	}
}

func (r *request) String() string {
	return fmt.Sprintf("%s %s tid=%d state=%s", r.kind, r.key, r.id, requestState(r.state.Load()))
}

// resolve fills in a release queued by key only. It is called by the handler
// before anything is sent for r.
func (r *request) resolve(n Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name.Group = n.Group
	r.name.TTL = n.TTL
	r.name.Addrs = slices.Clone(n.Addrs)
}

func (r *request) addrs() []netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name.Addrs
}

func (r *request) setState(s requestState) {
	r.state.Store(int32(s))
}

// settle records a correlated response. A non zero rcode marks the request
// errored; a positive one may carry the TTL granted by the server.
func (r *request) settle(rcode RCode, ttl uint32) {
	r.mu.Lock()
	switch {
	case rcode != RCodeOK:
		r.rcode = rcode
		r.acked = false
	case r.rcode == RCodeOK:
		r.acked = true
		r.granted = ttl
	}
	r.mu.Unlock()

	if rcode != RCodeOK {
		r.errored.Store(true)
	}
	r.settleOnce.Do(func() { close(r.settled) })
}

func (r *request) outcome() (rcode RCode, granted uint32, acked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rcode, r.granted, r.acked
}

// requestQueue is a FIFO shared by the API, the refresh worker and the
// handler worker. The head stays queued while it is processed so responses
// can still be correlated against it. drained is closed whenever the queue
// is empty and replaced when it fills again.
type requestQueue struct {
	mu      sync.Mutex
	items   []*request
	wake    chan struct{}
	drained chan struct{}
}

func newRequestQueue() *requestQueue {
	drained := make(chan struct{})
	close(drained)
	return &requestQueue{wake: make(chan struct{}, 1), drained: drained}
}

func (q *requestQueue) push(r *request) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.drained = make(chan struct{})
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *requestQueue) peek() *request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *requestQueue) remove(r *request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.Index(q.items, r); i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
		q.signalDrained()
	}
}

// purge removes every request the handler has not picked up yet whose kind
// is one of kinds, and returns them.
func (q *requestQueue) purge(kinds ...requestKind) []*request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var purged []*request
	q.items = slices.DeleteFunc(q.items, func(r *request) bool {
		if requestState(r.state.Load()) != stateQueued || !slices.Contains(kinds, r.kind) {
			return false
		}
		purged = append(purged, r)
		return true
	})
	if len(purged) > 0 {
		q.signalDrained()
	}
	return purged
}

// signalDrained must be called with mu held.
func (q *requestQueue) signalDrained() {
	if len(q.items) > 0 {
		return
	}
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
}

// find returns the queued request with transaction id id.
func (q *requestQueue) find(id uint16) *request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.items {
		if r.id == id {
			return r
		}
	}
	return nil
}

// pending reports whether a request of kind for key is already queued.
func (q *requestQueue) pending(kind requestKind, key NameKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.items {
		if r.kind == kind && r.key == key {
			return true
		}
	}
	return false
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// waitEmpty blocks until the queue drains or ctx ends.
func (q *requestQueue) waitEmpty(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d requests still queued: %w", q.len(), ctx.Err())
	}
}
