// Package ipstack provides the IPv4 links the TCP engine sends segments over
// and reads segments from.
package ipstack

import (
	"io"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const (
	MAX_MESSAGE_SIZE = 65535
	defaultTTL       = 32
)

// ErrClosed is returned by a link once Close has been called.
var ErrClosed = errors.New("link closed")

// Packet is an inbound IPv4 datagram carrying a TCP segment.
type Packet struct {
	Src     netip.Addr
	Dst     netip.Addr
	Payload []byte
}

// Sender transmits a framed TCP segment to dst and returns the number of
// segment bytes sent.
type Sender interface {
	SendTo(segment []byte, dst netip.Addr) (int, error)
}

// Receiver blocks until the next TCP-carrying datagram arrives.
type Receiver interface {
	ReadPacket() (*Packet, error)
}

type Link interface {
	Sender
	Receiver
	io.Closer
}

// SourceResolver returns the local address used to reach dst.
type SourceResolver interface {
	SourceAddrTo(dst netip.Addr) (netip.Addr, error)
}

// ParsePacket decodes a full IPv4 datagram. Datagrams that are not TCP, fail
// the header checksum or are truncated are rejected.
func ParsePacket(b []byte) (*Packet, error) {
	hdr, err := ipv4.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrap(err, "parse ipv4 header")
	}
	if hdr.Version != ipv4.Version {
		return nil, errors.Errorf("not an ipv4 datagram: version %d", hdr.Version)
	}
	if hdr.Protocol != int(header.TCPProtocolNumber) {
		return nil, errors.Errorf("not a tcp datagram: protocol %d", hdr.Protocol)
	}
	if hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return nil, errors.Errorf("bad total length %d for %d byte datagram", hdr.TotalLen, len(b))
	}
	if header.Checksum(b[:hdr.Len], 0) != 0xffff {
		return nil, errors.New("bad ipv4 header checksum")
	}
	src, ok1 := netip.AddrFromSlice(hdr.Src.To4())
	dst, ok2 := netip.AddrFromSlice(hdr.Dst.To4())
	if !ok1 || !ok2 {
		return nil, errors.New("bad ipv4 address")
	}
	payload := make([]byte, hdr.TotalLen-hdr.Len)
	copy(payload, b[hdr.Len:hdr.TotalLen])
	return &Packet{Src: src, Dst: dst, Payload: payload}, nil
}

// MarshalPacket prepends an IPv4 header with a valid checksum to segment.
func MarshalPacket(src, dst netip.Addr, segment []byte) ([]byte, error) {
	hdr := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(segment),
		TTL:      defaultTTL,
		Protocol: int(header.TCPProtocolNumber),
		Src:      src.AsSlice(),
		Dst:      dst.AsSlice(),
	}
	b, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}
	xsum := ^header.Checksum(b, 0)
	b[10] = byte(xsum >> 8)
	b[11] = byte(xsum)
	return append(b, segment...), nil
}
