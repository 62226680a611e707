package nbns

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status tells listeners what happened to a name.
type Status int

const (
	AddSuccess Status = iota
	AddFailed
	AddDuplicate
	AddIOError
	QueryName
	RegisterName
	ReleaseName
	RefreshName
	RefreshIOError
)

func (s Status) String() string {
	switch s {
	case AddSuccess:
		return "ADD_SUCCESS"
	case AddFailed:
		return "ADD_FAILED"
	case AddDuplicate:
		return "ADD_DUPLICATE"
	case AddIOError:
		return "ADD_IOERROR"
	case QueryName:
		return "QUERY_NAME"
	case RegisterName:
		return "REGISTER_NAME"
	case ReleaseName:
		return "RELEASE_NAME"
	case RefreshName:
		return "REFRESH_NAME"
	case RefreshIOError:
		return "REFRESH_IOERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a copy of the name involved plus what happened to it. From is the
// peer that sent the query or registration; it is zero for local add and
// refresh outcomes.
type Event struct {
	ID     uuid.UUID
	Name   string
	Type   NameType
	Group  bool
	Addrs  []netip.Addr
	Status Status
	From   netip.Addr
	Time   time.Time
}

func (e Event) Key() NameKey {
	return NameKey{Name: e.Name, Type: e.Type}
}

func newEvent(name string, typ NameType, group bool, addrs []netip.Addr, status Status, from netip.Addr) Event {
	return Event{
		ID:     uuid.New(),
		Name:   name,
		Type:   typ,
		Group:  group,
		Addrs:  slices.Clone(addrs),
		Status: status,
		From:   from,
		Time:   time.Now(),
	}
}

// AddNameListener receives the outcome of local add and refresh requests.
type AddNameListener interface {
	NameAdded(Event)
}

// QueryNameListener is told about every query this node answered.
type QueryNameListener interface {
	NameQueried(Event)
}

// RemoteNameListener follows registrations and releases by other hosts.
type RemoteNameListener interface {
	RemoteNameRegistered(Event)
	RemoteNameReleased(Event)
}

type AddNameFunc func(Event)

func (f AddNameFunc) NameAdded(e Event) { f(e) }

type QueryNameFunc func(Event)

func (f QueryNameFunc) NameQueried(e Event) { f(e) }

type subscription[L any] struct {
	id       uuid.UUID
	listener L
}

// eventBus fans events out synchronously on the goroutine raising them.
// Listeners run outside the lock and may unsubscribe from inside a callback.
type eventBus struct {
	mu     sync.RWMutex
	add    []subscription[AddNameListener]
	query  []subscription[QueryNameListener]
	remote []subscription[RemoteNameListener]
}

func newEventBus() *eventBus {
	return &eventBus{}
}

func (b *eventBus) subscribeAdd(l AddNameListener) uuid.UUID {
	id := uuid.New()
	b.mu.Lock()
	b.add = append(b.add, subscription[AddNameListener]{id: id, listener: l})
	b.mu.Unlock()
	return id
}

func (b *eventBus) subscribeQuery(l QueryNameListener) uuid.UUID {
	id := uuid.New()
	b.mu.Lock()
	b.query = append(b.query, subscription[QueryNameListener]{id: id, listener: l})
	b.mu.Unlock()
	return id
}

func (b *eventBus) subscribeRemote(l RemoteNameListener) uuid.UUID {
	id := uuid.New()
	b.mu.Lock()
	b.remote = append(b.remote, subscription[RemoteNameListener]{id: id, listener: l})
	b.mu.Unlock()
	return id
}

func (b *eventBus) unsubscribe(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed bool
	b.add, removed = without(b.add, id)
	if removed {
		return true
	}
	b.query, removed = without(b.query, id)
	if removed {
		return true
	}
	b.remote, removed = without(b.remote, id)
	return removed
}

func without[L any](subs []subscription[L], id uuid.UUID) ([]subscription[L], bool) {
	i := slices.IndexFunc(subs, func(s subscription[L]) bool { return s.id == id })
	if i < 0 {
		return subs, false
	}
	return slices.Delete(slices.Clone(subs), i, i+1), true
}

func (b *eventBus) fireAdd(e Event) {
	b.mu.RLock()
	subs := b.add
	b.mu.RUnlock()

	for _, s := range subs {
		s.listener.NameAdded(e)
	}
}

func (b *eventBus) fireQuery(e Event) {
	b.mu.RLock()
	subs := b.query
	b.mu.RUnlock()

	for _, s := range subs {
		s.listener.NameQueried(e)
	}
}

func (b *eventBus) fireRemote(e Event) {
	b.mu.RLock()
	subs := b.remote
	b.mu.RUnlock()

	for _, s := range subs {
		if e.Status == ReleaseName {
			s.listener.RemoteNameReleased(e)
		} else {
			s.listener.RemoteNameRegistered(e)
		}
	}
}
