package nbns

import (
	"cmp"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// localTable holds the names this node owns, one entry per NameKey.
// Readers get copies so no lock is held while packets go out.
type localTable struct {
	mu    sync.RWMutex
	names map[NameKey]*Name
}

func newLocalTable() *localTable {
	return &localTable{names: make(map[NameKey]*Name)}
}

// add inserts n as a tentative entry. It reports false and leaves the table
// untouched when the key is already present.
func (t *localTable) add(n Name) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.names[n.Key()]; exists {
		return false
	}
	entry := n.clone()
	entry.Expiry = time.Time{}
	t.names[n.Key()] = &entry
	return true
}

// confirm records a completed registration of n, inserting it if needed.
func (t *localTable) confirm(n Name, expiry time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := n.clone()
	entry.Expiry = expiry
	t.names[n.Key()] = &entry
}

func (t *localTable) remove(key NameKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.names[key]; !exists {
		return false
	}
	delete(t.names, key)
	return true
}

func (t *localTable) find(key NameKey) (Name, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.names[key]
	if !ok {
		return Name{}, false
	}
	return entry.clone(), true
}

// touch moves the expiry of an existing entry.
func (t *localTable) touch(key NameKey, expiry time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.names[key]
	if !ok {
		return false
	}
	entry.Expiry = expiry
	return true
}

// all returns a snapshot sorted by name and type.
func (t *localTable) all() []Name {
	t.mu.RLock()
	names := make([]Name, 0, len(t.names))
	for _, entry := range t.names {
		names = append(names, entry.clone())
	}
	t.mu.RUnlock()

	slices.SortFunc(names, func(a, b Name) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Type, b.Type))
	})
	return names
}

func (t *localTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

// remoteTable caches names other hosts registered, last write wins.
// It is best effort and entries never expire on their own.
type remoteTable struct {
	mu    sync.RWMutex
	names map[NameKey]RemoteName
}

func newRemoteTable() *remoteTable {
	return &remoteTable{names: make(map[NameKey]RemoteName)}
}

func (t *remoteTable) record(r RemoteName) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.Addrs = slices.Clone(r.Addrs)
	t.names[r.Key()] = r
}

func (t *remoteTable) forget(key NameKey) (RemoteName, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.names[key]
	if ok {
		delete(t.names, key)
	}
	return r, ok
}

func (t *remoteTable) find(key NameKey) (RemoteName, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.names[key]
	r.Addrs = slices.Clone(r.Addrs)
	return r, ok
}

func (t *remoteTable) all() []RemoteName {
	t.mu.RLock()
	names := make([]RemoteName, 0, len(t.names))
	for _, r := range t.names {
		r.Addrs = slices.Clone(r.Addrs)
		names = append(names, r)
	}
	t.mu.RUnlock()

	slices.SortFunc(names, func(a, b RemoteName) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Type, b.Type))
	})
	return names
}

func (t *remoteTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

func containsAddr(addrs []netip.Addr, a netip.Addr) bool {
	return slices.Contains(addrs, a.Unmap())
}
