package nbns

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"
)

const (
	DefaultPort            = 137
	DefaultTTL             = 10800 * time.Second
	DefaultRefreshInterval = 180000 * time.Millisecond

	AddNameRetries     = 5
	DeleteNameRetries  = 1
	RefreshNameRetries = 2

	AddNameInterval     = 2000 * time.Millisecond
	AddNameWINSInterval = 250 * time.Millisecond
	DeleteNameInterval  = 200 * time.Millisecond

	// MaxTTL is the longest lifetime the 32 bit TTL field can carry.
	MaxTTL = math.MaxUint32 * time.Second
)

// Config holds the settings supplied by whoever embeds the name service.
// Loading them from a file is the caller's business.
type Config struct {
	// BindAddress is the local address to bind to. The zero value binds the
	// wildcard address on every interface.
	BindAddress netip.Addr

	// BroadcastAddress is where registrations go when no WINS server is set.
	BroadcastAddress netip.Addr

	PrimaryWINS   netip.Addr
	SecondaryWINS netip.Addr

	Port int

	// TTL is the lifetime requested for names that do not carry their own.
	TTL             time.Duration
	RefreshInterval time.Duration

	AddRetries     int
	DeleteRetries  int
	RefreshRetries int

	AddRetryInterval     time.Duration
	AddWINSRetryInterval time.Duration
	DeleteRetryInterval  time.Duration
	RefreshRetryInterval time.Duration

	// Scope is the optional NetBIOS scope id, e.g. "corp.example".
	Scope string

	// ReleaseOnShutdown queues a release for every local name on Shutdown and
	// waits up to DrainTimeout for them to go out.
	ReleaseOnShutdown bool
	DrainTimeout      time.Duration

	// DefendNames answers broadcast registrations for unique names we own
	// with a negative registration response.
	DefendNames bool

	// QueryRateLimit caps query responses per second. Zero disables the limit.
	QueryRateLimit float64
	QueryBurst     int
}

// DefaultConfig returns the settings the name server runs with when nothing
// else is configured.
func DefaultConfig() Config {
	return Config{
		BroadcastAddress:     netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		Port:                 DefaultPort,
		TTL:                  DefaultTTL,
		RefreshInterval:      DefaultRefreshInterval,
		AddRetries:           AddNameRetries,
		DeleteRetries:        DeleteNameRetries,
		RefreshRetries:       RefreshNameRetries,
		AddRetryInterval:     AddNameInterval,
		AddWINSRetryInterval: AddNameWINSInterval,
		DeleteRetryInterval:  DeleteNameInterval,
		RefreshRetryInterval: AddNameInterval,
		ReleaseOnShutdown:    true,
		DrainTimeout:         5 * time.Second,
		QueryRateLimit:       50,
		QueryBurst:           20,
	}
}

// HasWINS reports whether registrations are sent to a WINS server instead of
// being broadcast.
func (c *Config) HasWINS() bool {
	return c.PrimaryWINS.IsValid()
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.BindAddress.IsValid() && !c.BindAddress.Unmap().Is4() {
		return fmt.Errorf("%w: bind address %s is not IPv4", ErrInvalidConfig, c.BindAddress)
	}
	if !c.HasWINS() {
		if !c.BroadcastAddress.IsValid() {
			return fmt.Errorf("%w: broadcast address not specified", ErrInvalidConfig)
		}
		if !c.BroadcastAddress.Unmap().Is4() {
			return fmt.Errorf("%w: broadcast address %s is not IPv4", ErrInvalidConfig, c.BroadcastAddress)
		}
	} else if !c.PrimaryWINS.Unmap().Is4() {
		return fmt.Errorf("%w: primary WINS address %s is not IPv4", ErrInvalidConfig, c.PrimaryWINS)
	}
	if c.SecondaryWINS.IsValid() {
		if !c.HasWINS() {
			return fmt.Errorf("%w: secondary WINS set without a primary", ErrInvalidConfig)
		}
		if !c.SecondaryWINS.Unmap().Is4() {
			return fmt.Errorf("%w: secondary WINS address %s is not IPv4", ErrInvalidConfig, c.SecondaryWINS)
		}
	}
	if c.TTL < time.Second {
		return fmt.Errorf("%w: ttl %s must be at least one second", ErrInvalidConfig, c.TTL)
	}
	if c.TTL > MaxTTL {
		return fmt.Errorf("%w: ttl %s exceeds %s", ErrInvalidConfig, c.TTL, MaxTTL)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("%w: refresh interval must be positive", ErrInvalidConfig)
	}
	if c.AddRetries < 1 || c.DeleteRetries < 1 || c.RefreshRetries < 1 {
		return fmt.Errorf("%w: retry counts must be at least 1", ErrInvalidConfig)
	}
	if c.AddRetryInterval < 0 || c.AddWINSRetryInterval < 0 || c.DeleteRetryInterval < 0 || c.RefreshRetryInterval < 0 {
		return fmt.Errorf("%w: retry intervals must not be negative", ErrInvalidConfig)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("%w: drain timeout must not be negative", ErrInvalidConfig)
	}
	if c.QueryRateLimit < 0 {
		return fmt.Errorf("%w: query rate limit must not be negative", ErrInvalidConfig)
	}
	if c.QueryRateLimit > 0 && c.QueryBurst < 1 {
		return fmt.Errorf("%w: query burst must be at least 1", ErrInvalidConfig)
	}
	if c.Scope != "" {
		for _, label := range strings.Split(strings.Trim(c.Scope, "."), ".") {
			if label == "" || len(label) > 63 {
				return fmt.Errorf("%w: bad scope label %q", ErrInvalidConfig, label)
			}
		}
	}
	return nil
}
