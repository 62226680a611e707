package nbns

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// NameType is the one byte suffix of a NetBIOS name.
type NameType byte

const (
	WorkStation         NameType = 0x00
	Domain              NameType = 0x00
	Messenger           NameType = 0x03
	FileServer          NameType = 0x20
	DomainMasterBrowser NameType = 0x1B
	DomainControllers   NameType = 0x1C
	MasterBrowser       NameType = 0x1D
	BrowserElection     NameType = 0x1E
)

func (t NameType) String() string {
	switch t {
	case WorkStation:
		return "WorkStation"
	case Messenger:
		return "Messenger"
	case FileServer:
		return "FileServer"
	case DomainMasterBrowser:
		return "DomainMasterBrowser"
	case DomainControllers:
		return "DomainControllers"
	case MasterBrowser:
		return "MasterBrowser"
	case BrowserElection:
		return "BrowserElection"
	default:
		return fmt.Sprintf("0x%02X", byte(t))
	}
}

const maxNameLen = 15

// NameKey identifies a name in the local table and the remote cache.
type NameKey struct {
	Name string
	Type NameType
}

func (k NameKey) String() string {
	return fmt.Sprintf("%s<%02X>", k.Name, byte(k.Type))
}

// Name is a NetBIOS name together with the addresses it is registered for.
// Expiry is only maintained for names in the local table; it stays zero
// until the first successful registration.
type Name struct {
	Name   string
	Type   NameType
	Group  bool
	Addrs  []netip.Addr
	TTL    time.Duration
	Expiry time.Time
}

// NewName validates name and returns a Name ready to be passed to AddName.
// A zero ttl means the server default.
func NewName(name string, typ NameType, group bool, ttl time.Duration, addrs ...netip.Addr) (Name, error) {
	return Name{
		Name:  name,
		Type:  typ,
		Group: group,
		Addrs: addrs,
		TTL:   ttl,
	}.normalize()
}

func (n Name) Key() NameKey {
	return NameKey{Name: n.Name, Type: n.Type}
}

func (n Name) String() string {
	return n.Key().String()
}

// Registered reports whether a registration for the name has completed.
func (n Name) Registered() bool {
	return !n.Expiry.IsZero()
}

func (n Name) clone() Name {
	n.Addrs = slices.Clone(n.Addrs)
	return n
}

func (n Name) normalize() (Name, error) {
	name, err := normalizeName(n.Name)
	if err != nil {
		return Name{}, err
	}
	n.Name = name
	if n.TTL < 0 || n.TTL > MaxTTL {
		return Name{}, fmt.Errorf("%w: ttl %s out of range for %s", ErrInvalidName, n.TTL, name)
	}
	addrs := make([]netip.Addr, 0, len(n.Addrs))
	for _, a := range n.Addrs {
		a = a.Unmap()
		if !a.Is4() {
			return Name{}, fmt.Errorf("%w: address %s for %s is not IPv4", ErrInvalidName, a, name)
		}
		addrs = append(addrs, a)
	}
	n.Addrs = addrs
	return n, nil
}

func normalizeName(name string) (string, error) {
	name = strings.ToUpper(strings.TrimRight(name, " "))
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return "", fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, maxNameLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7E {
			return "", fmt.Errorf("%w: %q contains a non printable character", ErrInvalidName, name)
		}
	}
	return name, nil
}

// RemoteName is a name another host was seen registering on the wire.
type RemoteName struct {
	Name  string
	Type  NameType
	Group bool
	// From is the address the registration was received from.
	From  netip.Addr
	Addrs []netip.Addr
	Seen  time.Time
}

func (r RemoteName) Key() NameKey {
	return NameKey{Name: r.Name, Type: r.Type}
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	transport Transport

	local   *localTable
	remote  *remoteTable
	queue   *requestQueue
	events  *eventBus
	metrics *metrics
	limiter *rate.Limiter

	registerer prometheus.Registerer

	tid atomic.Uint32

	started     atomic.Bool
	stopping    atomic.Bool
	closing     atomic.Bool
	cancel      context.CancelFunc
	stopRefresh context.CancelFunc
	draining    chan struct{}
	done        chan struct{}
	err         error
}
