package discover

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Endpoint is the network address of a node: IP, the UDP port discovery
// runs on, and the TCP port advertised for future session use. Endpoints
// are mutable attributes of a node; identity is not.
type Endpoint struct {
	IP      net.IP
	UDPPort uint16
	TCPPort uint16
}

// NewEndpoint builds an Endpoint from a UDP address and an advertised
// TCP port.
func NewEndpoint(addr *net.UDPAddr, tcpPort uint16) Endpoint {
	return Endpoint{IP: normalizeIP(addr.IP), UDPPort: uint16(addr.Port), TCPPort: tcpPort}
}

// Addr returns the endpoint's UDP address.
func (e Endpoint) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.UDPPort)}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.UDPPort)
}

// normalizeIP reduces an IPv4-mapped address to its 4-byte form so the
// wire encoding is canonical.
func normalizeIP(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip.To16()
}

// appendEndpoint serializes an endpoint: ipLen(1) ip(4|16) udp(2) tcp(2).
func appendEndpoint(buf []byte, e Endpoint) []byte {
	ip := normalizeIP(e.IP)
	buf = append(buf, byte(len(ip)))
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, e.UDPPort)
	buf = binary.BigEndian.AppendUint16(buf, e.TCPPort)
	return buf
}

// payloadReader walks a payload buffer with bounds checking. Every
// shape error maps to ErrMalformedPayload.
type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *payloadReader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrMalformedPayload
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *payloadReader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) readUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *payloadReader) readUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *payloadReader) readEndpoint() (Endpoint, error) {
	var e Endpoint
	ipLen, err := r.readByte()
	if err != nil {
		return e, err
	}
	if ipLen != net.IPv4len && ipLen != net.IPv6len {
		return e, ErrMalformedPayload
	}
	ipBytes, err := r.take(int(ipLen))
	if err != nil {
		return e, err
	}
	e.IP = make(net.IP, ipLen)
	copy(e.IP, ipBytes)
	if e.UDPPort, err = r.readUint16(); err != nil {
		return e, err
	}
	if e.TCPPort, err = r.readUint16(); err != nil {
		return e, err
	}
	return e, nil
}

// finish rejects trailing bytes after a fully parsed payload.
func (r *payloadReader) finish() error {
	if r.remaining() != 0 {
		return ErrMalformedPayload
	}
	return nil
}
