package nbns

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
)

func SetDebug() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// LocalAddrs returns the addresses names should be registered for. A valid
// bind address is returned as is; otherwise every non loopback IPv4 address
// of the host, falling back to the address of the default route.
func LocalAddrs(bind netip.Addr) ([]netip.Addr, error) {
	if bind.IsValid() && !bind.IsUnspecified() {
		return []netip.Addr{bind.Unmap()}, nil
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}
	var addrs []netip.Addr
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			addrs = append(addrs, ip)
		}
	}
	if len(addrs) > 0 {
		return addrs, nil
	}

	ip, err := outboundAddr()
	if err != nil {
		return nil, err
	}
	return []netip.Addr{ip}, nil
}

// outboundAddr asks the kernel which source address it would use for an
// outside destination. Nothing is sent.
func outboundAddr() (netip.Addr, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to find outbound address: %w", err)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

func nameEvent(n Name, status Status) Event {
	return newEvent(n.Name, n.Type, n.Group, n.Addrs, status, netip.Addr{})
}

func queryEvent(n Name, from netip.Addr) Event {
	return newEvent(n.Name, n.Type, n.Group, n.Addrs, QueryName, from)
}
