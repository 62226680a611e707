package nbns

import (
	"fmt"
	"net"
	"net/netip"
)

// Transport is the datagram socket the name service reads and writes.
// The server owns it after NewServer and closes it on shutdown.
type Transport interface {
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	WriteTo(b []byte, addr netip.AddrPort) error
	Close() error
}

type udpTransport struct {
	conn *net.UDPConn
}

// listenUDP binds the name service port on bind, or on every interface when
// bind is the zero address.
func listenUDP(bind netip.Addr, port int) (*udpTransport, error) {
	if !bind.IsValid() {
		bind = netip.IPv4Unspecified()
	}
	laddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(bind.Unmap(), uint16(port)))

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind name service socket %s: %w", laddr, err)
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, addr, err := t.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

func (t *udpTransport) WriteTo(b []byte, addr netip.AddrPort) error {
	_, err := t.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
