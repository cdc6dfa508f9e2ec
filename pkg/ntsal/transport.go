package ntsal

import (
	"net"

	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/internal/timemath"
)

// Transport is the datagram collaborator. Receive stamps each datagram
// with the local arrival time, which becomes the T4 of the measurement.
// Delivery is unreliable and unordered; the protocol layer copes.
type Transport interface {
	Send(addr *net.UDPAddr, data []byte) error
	Receive(buf []byte) (n int, addr *net.UDPAddr, arrived timemath.Timestamp, err error)
	Close() error
}

type udpTransport struct {
	conn  *net.UDPConn
	clock sysclock.Clock
}

// NewUDPTransport binds a UDP socket on laddr, which may be empty for
// a wildcard bind.
func NewUDPTransport(laddr string, clock sysclock.Clock) (Transport, error) {
	var addr *net.UDPAddr
	if laddr != "" {
		var err error
		addr, err = net.ResolveUDPAddr("udp", laddr)
		if err != nil {
			return nil, err
		}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn, clock: clock}, nil
}

func (t *udpTransport) Send(addr *net.UDPAddr, data []byte) error {
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

func (t *udpTransport) Receive(buf []byte) (int, *net.UDPAddr, timemath.Timestamp, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	// Stamp arrival as close to the read as possible.
	arrived := t.clock.Now()
	if err != nil {
		return 0, nil, 0, err
	}
	return n, addr, arrived, nil
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
