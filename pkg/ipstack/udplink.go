package ipstack

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Interface is the single virtual interface of a host on a UDP-emulated
// network.
type Interface struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
}

// Neighbor is a virtual IP reachable over the link at a UDP address.
type Neighbor struct {
	DestAddr netip.Addr
	UDPAddr  netip.AddrPort
}

// UDPLink carries IPv4 datagrams inside UDP datagrams, one per virtual hop.
type UDPLink struct {
	Iface Interface
	conn  *net.UDPConn

	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort

	closeOnce sync.Once
	closed    chan struct{}
	log       logrus.FieldLogger
}

// NewUDPLink binds iface's UDP address.
func NewUDPLink(iface Interface, neighbors []Neighbor, log logrus.FieldLogger) (*UDPLink, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(iface.UDPAddr))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s for %s", iface.UDPAddr, iface.Name)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &UDPLink{
		Iface:     iface,
		neighbors: make(map[netip.Addr]netip.AddrPort, len(neighbors)),
		conn:      conn,
		closed:    make(chan struct{}),
		log:       log.WithField("iface", iface.Name),
	}
	for _, n := range neighbors {
		l.neighbors[n.DestAddr] = n.UDPAddr
	}
	return l, nil
}

// LocalUDPAddr is the address the link is bound to; useful when the
// configured port was 0.
func (l *UDPLink) LocalUDPAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddNeighbor makes dst reachable through udpAddr.
func (l *UDPLink) AddNeighbor(dst netip.Addr, udpAddr netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.neighbors[dst] = udpAddr
}

func (l *UDPLink) lookup(dst netip.Addr) (netip.AddrPort, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	udpAddr, ok := l.neighbors[dst]
	return udpAddr, ok
}

func (l *UDPLink) SendTo(segment []byte, dst netip.Addr) (int, error) {
	udpAddr, ok := l.lookup(dst)
	if !ok {
		return 0, errors.Errorf("no route to host %v", dst)
	}
	b, err := MarshalPacket(l.Iface.AssignedIP, dst, segment)
	if err != nil {
		return 0, err
	}
	if _, err := l.conn.WriteToUDPAddrPort(b, udpAddr); err != nil {
		return 0, errors.Wrapf(err, "send to %v via %s", dst, udpAddr)
	}
	return len(segment), nil
}

func (l *UDPLink) ReadPacket() (*Packet, error) {
	buf := make([]byte, MAX_MESSAGE_SIZE)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-l.closed:
				return nil, ErrClosed
			default:
			}
			return nil, errors.Wrap(err, "read from udp link")
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			l.log.WithError(err).WithField("from", from).Debug("dropping datagram")
			continue
		}
		if pkt.Dst != l.Iface.AssignedIP {
			l.log.WithField("dst", pkt.Dst).Debug("datagram not addressed to this host, dropping")
			continue
		}
		return pkt, nil
	}
}

// SourceAddrTo answers with the interface address for any known neighbour.
func (l *UDPLink) SourceAddrTo(dst netip.Addr) (netip.Addr, error) {
	if _, ok := l.lookup(dst); !ok {
		return netip.Addr{}, errors.Errorf("no route to host %v", dst)
	}
	return l.Iface.AssignedIP, nil
}

func (l *UDPLink) Close() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}
