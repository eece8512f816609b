package ipstack

import (
	"net"
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// RawLink sends and receives TCP segments on a raw IPv4 socket. It needs
// CAP_NET_RAW, and the host kernel will answer segments for ports it does not
// know with RST unless those are filtered out.
type RawLink struct {
	conn net.PacketConn
	raw  *ipv4.RawConn

	closeOnce sync.Once
	closed    chan struct{}
}

func ListenRaw() (*RawLink, error) {
	c, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, errors.Wrap(err, "open raw tcp socket")
	}
	raw, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "enable IP_HDRINCL")
	}
	return &RawLink{conn: c, raw: raw, closed: make(chan struct{})}, nil
}

// SendTo leaves the source address and header checksum to the kernel.
func (l *RawLink) SendTo(segment []byte, dst netip.Addr) (int, error) {
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(segment),
		TTL:      defaultTTL,
		Protocol: int(header.TCPProtocolNumber),
		Dst:      dst.AsSlice(),
	}
	if err := l.raw.WriteTo(hdr, segment, nil); err != nil {
		return 0, errors.Wrapf(err, "send to %v", dst)
	}
	return len(segment), nil
}

func (l *RawLink) ReadPacket() (*Packet, error) {
	buf := make([]byte, MAX_MESSAGE_SIZE)
	for {
		hdr, payload, _, err := l.raw.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closed:
				return nil, ErrClosed
			default:
			}
			return nil, errors.Wrap(err, "read from raw socket")
		}
		src, ok1 := netip.AddrFromSlice(hdr.Src.To4())
		dst, ok2 := netip.AddrFromSlice(hdr.Dst.To4())
		if !ok1 || !ok2 {
			continue
		}
		p := make([]byte, len(payload))
		copy(p, payload)
		return &Packet{Src: src, Dst: dst, Payload: p}, nil
	}
}

func (l *RawLink) Close() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

// KernelResolver asks the host routing table which source address it would
// use for a destination. Connecting a UDP socket performs the route lookup
// without sending anything.
type KernelResolver struct{}

func (KernelResolver) SourceAddrTo(dst netip.Addr) (netip.Addr, error) {
	c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "no route to host %v", dst)
	}
	defer c.Close()
	src := c.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
	if !src.Is4() || src.IsUnspecified() {
		return netip.Addr{}, errors.Errorf("failed to get src ip for %v", dst)
	}
	return src, nil
}
