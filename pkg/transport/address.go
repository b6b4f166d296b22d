package transport

import (
	"net"
)

// PeerAddress identifies a CoAP endpoint by network address.
type PeerAddress struct {
	// Addr is the network address of the endpoint.
	Addr net.Addr
}

// String returns a human-readable representation of the peer address.
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return "<nil>"
	}
	return p.Addr.String()
}

// IsValid returns true if the peer address carries an address.
func (p PeerAddress) IsValid() bool {
	return p.Addr != nil
}

// Key returns a comparable identity for the address, suitable as a map key.
// Two addresses with the same network and textual form share a key.
func (p PeerAddress) Key() string {
	if p.Addr == nil {
		return ""
	}
	return p.Addr.Network() + "/" + p.Addr.String()
}

// Equal reports whether p and o denote the same endpoint.
func (p PeerAddress) Equal(o PeerAddress) bool {
	return p.Key() == o.Key()
}

// NewPeerAddress wraps a net.Addr.
func NewPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr}
}

// UDPAddrFromString parses an address string and creates a PeerAddress.
func UDPAddrFromString(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return NewPeerAddress(udpAddr), nil
}
