package ipstack

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// PipeLink is one end of an in-memory point-to-point link. Every segment
// sent is framed as a full IPv4 datagram and parsed again on the other side.
type PipeLink struct {
	Addr netip.Addr
	peer *PipeLink

	inbound   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// Pipe returns two connected links addressed a and b.
func Pipe(a, b netip.Addr) (*PipeLink, *PipeLink) {
	pa := &PipeLink{Addr: a, inbound: make(chan []byte, 256), closed: make(chan struct{})}
	pb := &PipeLink{Addr: b, inbound: make(chan []byte, 256), closed: make(chan struct{})}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func (p *PipeLink) SendTo(segment []byte, dst netip.Addr) (int, error) {
	if dst != p.peer.Addr {
		return 0, errors.Errorf("no route to host %v", dst)
	}
	b, err := MarshalPacket(p.Addr, dst, segment)
	if err != nil {
		return 0, err
	}
	select {
	case <-p.closed:
		return 0, ErrClosed
	case <-p.peer.closed:
		return 0, errors.Wrap(ErrClosed, "peer")
	case p.peer.inbound <- b:
		return len(segment), nil
	}
}

func (p *PipeLink) ReadPacket() (*Packet, error) {
	for {
		select {
		case <-p.closed:
			return nil, ErrClosed
		case b := <-p.inbound:
			pkt, err := ParsePacket(b)
			if err != nil {
				continue
			}
			return pkt, nil
		}
	}
}

func (p *PipeLink) SourceAddrTo(dst netip.Addr) (netip.Addr, error) {
	if dst != p.peer.Addr {
		return netip.Addr{}, errors.Errorf("no route to host %v", dst)
	}
	return p.Addr, nil
}

func (p *PipeLink) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
