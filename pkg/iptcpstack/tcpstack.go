// Package iptcpstack is the TCP engine: the socket table, the segment
// dispatcher and per-state handlers, the connection API and retransmission.
package iptcpstack

import (
	"math/rand"
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/socket"
	"toytcp/pkg/tcppacket"
)

type TCPStack struct {
	// mu guards sockets, ports and every Socket reachable from them.
	mu      sync.RWMutex
	sockets map[socket.SockID]*socket.Socket
	ports   map[uint16]int

	events   *eventQueue
	link     ipstack.Link
	resolver ipstack.SourceResolver
	config   Config
	log      logrus.FieldLogger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// InitializeTCP starts the receive loop on link and the retransmission timer.
// resolver picks the local address for Connect.
func InitializeTCP(link ipstack.Link, resolver ipstack.SourceResolver, config Config) (*TCPStack, error) {
	if link == nil {
		return nil, errors.New("no link to send segments on")
	}
	if resolver == nil {
		resolver = ipstack.KernelResolver{}
	}
	config = config.withDefaults()
	t := &TCPStack{
		sockets:  make(map[socket.SockID]*socket.Socket),
		ports:    make(map[uint16]int),
		events:   newEventQueue(),
		link:     link,
		resolver: resolver,
		config:   config,
		log:      config.Logger,
		done:     make(chan struct{}),
	}
	t.wg.Add(2)
	go t.receiveHandler()
	go t.timer()
	return t, nil
}

// Close stops the background loops and closes the link. Goroutines blocked
// in Accept, Connect, Send or Recv return ErrClosed.
func (t *TCPStack) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.events.close()
		err = t.link.Close()
		t.wg.Wait()
	})
	return err
}

func (t *TCPStack) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// insert must be called with mu held for writing.
func (t *TCPStack) insert(sock *socket.Socket) {
	id := sock.SockID()
	if _, ok := t.sockets[id]; !ok {
		t.ports[id.LocalPort]++
	}
	t.sockets[id] = sock
}

// FindSocket looks a segment's owner up: the connection first, then a
// listener on the local address, then a listener on any address.
// It must be called with mu held.
func (t *TCPStack) FindSocket(localAddr, remoteAddr netip.Addr, localPort, remotePort uint16) *socket.Socket {
	candidates := []socket.SockID{
		{LocalAddr: localAddr, RemoteAddr: remoteAddr, LocalPort: localPort, RemotePort: remotePort},
		{LocalAddr: localAddr, RemoteAddr: socket.UndeterminedAddr, LocalPort: localPort, RemotePort: socket.UndeterminedPort},
		{LocalAddr: socket.UndeterminedAddr, RemoteAddr: socket.UndeterminedAddr, LocalPort: localPort, RemotePort: socket.UndeterminedPort},
	}
	for _, id := range candidates {
		if sock, ok := t.sockets[id]; ok {
			return sock
		}
	}
	return nil
}

func (t *TCPStack) receiveHandler() {
	defer t.wg.Done()
	for {
		pkt, err := t.link.ReadPacket()
		if err != nil {
			if !t.isClosed() {
				t.log.WithError(err).Error("receive handler stopped")
				t.events.close()
			}
			return
		}
		t.handlePacket(pkt)
	}
}

// handlePacket routes one inbound segment to the handler for its socket's
// status. Malformed segments and segments nobody owns are dropped.
func (t *TCPStack) handlePacket(pkt *ipstack.Packet) {
	packet, err := tcppacket.Parse(pkt.Payload)
	if err != nil {
		t.log.WithError(err).WithField("from", pkt.Src).Debug("dropping malformed segment")
		return
	}
	localAddr, remoteAddr := pkt.Dst, pkt.Src

	t.mu.Lock()
	defer t.mu.Unlock()

	sock := t.FindSocket(localAddr, remoteAddr, packet.DstPort(), packet.SrcPort())
	if sock == nil {
		t.log.WithField("segment", packet).Debug("no matching socket, dropping segment")
		return
	}
	if sock.Err != nil {
		// Whoever waited on it has already been told it failed.
		t.log.WithFields(logrus.Fields{"sock": sock.SockID(), "segment": packet}).Debug("socket has failed, dropping segment")
		return
	}
	if !packet.IsCorrectChecksum(localAddr, remoteAddr) {
		t.log.WithField("segment", packet).Debug("invalid checksum, dropping segment")
		return
	}

	log := t.log.WithFields(logrus.Fields{"sock": sock.SockID(), "status": sock.Status})
	log.WithField("segment", packet).Debug("segment received")

	switch sock.Status {
	case socket.Listen:
		err = t.listenHandler(sock, packet, localAddr, remoteAddr)
	case socket.SynRcvd:
		err = t.synrcvdHandler(sock, packet)
	case socket.SynSent:
		err = t.synsentHandler(sock, packet)
	case socket.Established:
		err = t.establishedHandler(sock, packet)
	default:
		log.Debug("not implemented state")
	}
	if err != nil {
		log.WithError(err).Warn("segment handler failed")
	}
}

func (t *TCPStack) listenHandler(listener *socket.Socket, packet tcppacket.TCPPacket, localAddr, remoteAddr netip.Addr) error {
	// An ACK cannot open a connection. RFC 793 answers it with RST.
	if packet.HasFlag(header.TCPFlagAck) {
		return nil
	}
	if !packet.HasFlag(header.TCPFlagSyn) {
		return nil
	}

	// The listener may be bound to any address; the connection takes the
	// one the SYN was sent to.
	conn := socket.NewSocket(localAddr, remoteAddr, listener.LocalPort, packet.SrcPort(), socket.SynRcvd, t.link)
	conn.RecvParam.Next = packet.Seq() + 1
	conn.RecvParam.InitialSeq = packet.Seq()
	conn.RecvParam.Tail = conn.RecvParam.Next
	conn.SendParam.InitialSeq = randomISN()
	conn.SendParam.Window = packet.WindowSize()
	if _, err := conn.SendTCPPacket(conn.SendParam.InitialSeq, conn.RecvParam.Next, header.TCPFlagSyn|header.TCPFlagAck, nil); err != nil {
		return errors.Wrap(err, "failed to send SYN-ACK")
	}
	conn.SendParam.Next = conn.SendParam.InitialSeq + 1
	conn.SendParam.UnackedSeq = conn.SendParam.InitialSeq
	listenerID := listener.SockID()
	conn.ListeningSocket = &listenerID
	t.insert(conn)

	t.log.WithFields(logrus.Fields{"sock": conn.SockID(), "listener": listenerID}).Debug("status: LISTEN -> SYN-RCVD")
	return nil
}

func (t *TCPStack) synrcvdHandler(sock *socket.Socket, packet tcppacket.TCPPacket) error {
	if !packet.HasFlag(header.TCPFlagAck) || !sock.AckAcceptable(packet.Ack()) {
		return nil
	}
	id := sock.SockID()
	sock.AdvanceRecvNext(packet.Seq())
	sock.SendParam.UnackedSeq = packet.Ack()
	sock.RetransmissionQueue.RemoveAcked(packet.Ack())
	sock.Status = socket.Established
	t.log.WithField("sock", id).Debug("status: SYN-RCVD -> ESTABLISHED")

	if sock.ListeningSocket == nil {
		// Simultaneous open: Connect is waiting on the connection itself.
		t.events.publish(id, ConnectionCompleted)
	} else if listener, ok := t.sockets[*sock.ListeningSocket]; ok {
		listener.ConnectedConnectionQueue = append(listener.ConnectedConnectionQueue, id)
		t.events.publish(listener.SockID(), ConnectionCompleted)
	} else {
		t.log.WithFields(logrus.Fields{"sock": id, "listener": *sock.ListeningSocket}).Warn("listening socket is gone")
	}

	if len(packet.Payload()) > 0 {
		return t.establishedHandler(sock, packet)
	}
	return nil
}

func (t *TCPStack) synsentHandler(sock *socket.Socket, packet tcppacket.TCPPacket) error {
	if !packet.HasFlag(header.TCPFlagAck|header.TCPFlagSyn) || !sock.AckAcceptable(packet.Ack()) {
		return nil
	}
	id := sock.SockID()
	sock.RecvParam.Next = packet.Seq() + 1
	sock.RecvParam.InitialSeq = packet.Seq()
	sock.RecvParam.Tail = sock.RecvParam.Next
	sock.SendParam.UnackedSeq = packet.Ack()
	sock.SendParam.Window = packet.WindowSize()
	sock.RetransmissionQueue.RemoveAcked(packet.Ack())

	if seqnum.Value(sock.SendParam.InitialSeq).LessThan(seqnum.Value(sock.SendParam.UnackedSeq)) {
		sock.Status = socket.Established
		t.log.WithField("sock", id).Debug("status: SYN-SENT -> ESTABLISHED")
		_, err := sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck, nil)
		// A lost ACK is recovered when the peer retransmits its SYN-ACK.
		t.events.publish(id, ConnectionCompleted)
		return err
	}

	sock.Status = socket.SynRcvd
	t.log.WithField("sock", id).Debug("status: SYN-SENT -> SYN-RCVD")
	_, err := sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck, nil)
	return err
}

func (t *TCPStack) establishedHandler(sock *socket.Socket, packet tcppacket.TCPPacket) error {
	id := sock.SockID()

	if packet.HasFlag(header.TCPFlagSyn) {
		// Our ACK of the peer's SYN was lost.
		_, err := sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck, nil)
		return err
	}

	if packet.HasFlag(header.TCPFlagAck) && sock.AckAcceptable(packet.Ack()) {
		ack := seqnum.Value(packet.Ack())
		advanced := seqnum.Value(sock.SendParam.UnackedSeq).LessThan(ack)
		if advanced {
			sock.SendParam.UnackedSeq = packet.Ack()
			sock.RetransmissionQueue.RemoveAcked(packet.Ack())
		}
		if advanced || sock.SendParam.Window != packet.WindowSize() {
			sock.SendParam.Window = packet.WindowSize()
			t.events.publish(id, Acked)
		}
	}

	if payload := packet.Payload(); len(payload) > 0 {
		seq, next := seqnum.Value(packet.Seq()), seqnum.Value(sock.RecvParam.Next)
		if seq.LessThan(next) && seq.Add(seqnum.Size(len(payload))).LessThanEq(next) {
			seq = next.Add(1) // entirely old
		} else if seq.LessThan(next) {
			payload = payload[seq.Size(next):]
			seq = next
		}
		if seq != next {
			// No reassembly: drop it and repeat what we expect next.
			_, err := sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck, nil)
			return err
		}
		n, _ := sock.RecvBuffer.Write(payload)
		sock.AdvanceRecvNext(uint32(seq.Add(seqnum.Size(n))))
		sock.UpdateRecvWindow()
		_, err := sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck, nil)
		if n > 0 {
			t.events.publish(id, DataArrived)
		}
		if err != nil {
			return err
		}
	}

	if packet.HasFlag(header.TCPFlagFin) {
		t.log.WithField("sock", id).Debug("FIN received, connection teardown is not implemented")
	}
	return nil
}

// randomISN picks an initial sequence number in [1, 2^31).
func randomISN() uint32 {
	return uint32(rand.Int63n(1<<31-1)) + 1
}
