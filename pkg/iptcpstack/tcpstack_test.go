package iptcpstack

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/socket"
	"toytcp/pkg/tcppacket"
)

var (
	localAddr = netip.MustParseAddr("10.0.0.1")
	peerAddr  = netip.MustParseAddr("10.0.0.2")

	// netip.Addr has unexported fields; cmp needs to be told to use ==.
	addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })
)

type sentSegment struct {
	packet tcppacket.TCPPacket
	dst    netip.Addr
}

// fakeLink records every segment the stack sends and delivers nothing
// unless a test pushes to inbound.
type fakeLink struct {
	mu      sync.Mutex
	sent    []sentSegment
	sendErr error

	notify    chan sentSegment
	inbound   chan *ipstack.Packet
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		notify:  make(chan sentSegment, 1024),
		inbound: make(chan *ipstack.Packet),
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) SendTo(segment []byte, dst netip.Addr) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return 0, l.sendErr
	}
	s := sentSegment{packet: append(tcppacket.TCPPacket(nil), segment...), dst: dst}
	l.sent = append(l.sent, s)
	select {
	case l.notify <- s:
	default:
	}
	return len(segment), nil
}

func (l *fakeLink) ReadPacket() (*ipstack.Packet, error) {
	select {
	case <-l.closed:
		return nil, ipstack.ErrClosed
	case p := <-l.inbound:
		return p, nil
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

func (l *fakeLink) sentSegments() []sentSegment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentSegment(nil), l.sent...)
}

func (l *fakeLink) last(t *testing.T) tcppacket.TCPPacket {
	t.Helper()
	sent := l.sentSegments()
	if len(sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return sent[len(sent)-1].packet
}

func (l *fakeLink) waitSent(t *testing.T) sentSegment {
	t.Helper()
	select {
	case s := <-l.notify:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a segment")
		return sentSegment{}
	}
}

type fixedResolver struct {
	addr netip.Addr
	err  error
}

func (r fixedResolver) SourceAddrTo(netip.Addr) (netip.Addr, error) { return r.addr, r.err }

func testConfig() (Config, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := DefaultConfig()
	// Tests drive retransmit directly.
	cfg.RetransmissionScanInterval = time.Hour
	cfg.Logger = logger
	return cfg, hook
}

func newTestStack(t *testing.T, cfg Config) (*TCPStack, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	stack, err := InitializeTCP(link, fixedResolver{addr: localAddr}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stack.Close() })
	return stack, link
}

// fromPeer frames a segment sent by peerAddr to localAddr.
func fromPeer(srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte) *ipstack.Packet {
	p := tcppacket.Build(header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     seq,
		AckNum:     ack,
		Flags:      flags,
		WindowSize: 8192,
	}, payload, peerAddr, localAddr)
	return &ipstack.Packet{Src: peerAddr, Dst: localAddr, Payload: p}
}

func (t *TCPStack) lookup(id socket.SockID) *socket.Socket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sockets[id]
}

// establishedSocket inserts a connection as if its handshake had completed
// with our ISN 5000 and the peer's 9000.
func establishedSocket(stack *TCPStack, link *fakeLink) *socket.Socket {
	sock := socket.NewSocket(localAddr, peerAddr, 40001, 9000, socket.Established, link)
	sock.SendParam = socket.SendParam{UnackedSeq: 5001, Next: 5001, Window: 8192, InitialSeq: 5000}
	sock.RecvParam.Next = 9001
	sock.RecvParam.InitialSeq = 9000
	sock.RecvParam.Tail = 9001
	stack.mu.Lock()
	stack.insert(sock)
	stack.mu.Unlock()
	return sock
}

func assertNoPureAckQueued(t *testing.T, stack *TCPStack) {
	t.Helper()
	stack.mu.RLock()
	defer stack.mu.RUnlock()
	for id, sock := range stack.sockets {
		for _, e := range sock.RetransmissionQueue.Entries {
			if e.Packet.IsPureAck() {
				t.Errorf("%s: pure ACK %s queued for retransmission", id, e.Packet)
			}
		}
	}
}

func TestInitializeTCPRequiresLink(t *testing.T) {
	if _, err := InitializeTCP(nil, nil, DefaultConfig()); err == nil {
		t.Fatal("expected an error")
	}
}

func TestPassiveOpen(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)

	lid, err := stack.Listen(localAddr, 8080)
	if err != nil {
		t.Fatal(err)
	}

	// SYN from the peer.
	stack.handlePacket(fromPeer(5555, 8080, 1000, 0, header.TCPFlagSyn, nil))

	cid := socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: 8080, RemotePort: 5555}
	conn := stack.lookup(cid)
	if conn == nil {
		t.Fatalf("no connection %s after SYN", cid)
	}
	if conn.Status != socket.SynRcvd {
		t.Fatalf("status = %s, want SYN-RCVD", conn.Status)
	}
	if conn.RecvParam.Next != 1001 || conn.RecvParam.InitialSeq != 1000 {
		t.Errorf("recv = %+v, want next 1001 initial 1000", conn.RecvParam)
	}
	iss := conn.SendParam.InitialSeq
	if iss < 1 || iss >= 1<<31 {
		t.Errorf("ISN %d out of [1, 2^31)", iss)
	}
	if diff := cmp.Diff(socket.SendParam{UnackedSeq: iss, Next: iss + 1, Window: 8192, InitialSeq: iss}, conn.SendParam); diff != "" {
		t.Errorf("send params (-want +got):\n%s", diff)
	}
	if conn.ListeningSocket == nil || *conn.ListeningSocket != lid {
		t.Errorf("ListeningSocket = %v, want %s", conn.ListeningSocket, lid)
	}

	synAck := link.last(t)
	if synAck.Flags() != header.TCPFlagSyn|header.TCPFlagAck {
		t.Errorf("flags = %s, want SYN|ACK", tcppacket.FlagsString(synAck.Flags()))
	}
	if synAck.Seq() != iss || synAck.Ack() != 1001 {
		t.Errorf("SYN-ACK seq=%d ack=%d, want seq=%d ack=1001", synAck.Seq(), synAck.Ack(), iss)
	}
	if !synAck.IsCorrectChecksum(peerAddr, localAddr) {
		t.Error("SYN-ACK has a bad checksum")
	}
	if conn.RetransmissionQueue.Len() != 1 {
		t.Errorf("retransmission queue holds %d segments, want the SYN-ACK", conn.RetransmissionQueue.Len())
	}

	listener := stack.lookup(lid)
	if listener.Status != socket.Listen || len(listener.ConnectedConnectionQueue) != 0 {
		t.Fatalf("listener changed: %s, queue %v", listener.Status, listener.ConnectedConnectionQueue)
	}

	// The peer's ACK completes the handshake.
	stack.handlePacket(fromPeer(5555, 8080, 1001, iss+1, header.TCPFlagAck, nil))

	if conn.Status != socket.Established {
		t.Fatalf("status = %s, want ESTABLISHED", conn.Status)
	}
	if diff := cmp.Diff([]socket.SockID{cid}, listener.ConnectedConnectionQueue, addrComparer); diff != "" {
		t.Errorf("listener queue (-want +got):\n%s", diff)
	}
	if conn.RetransmissionQueue.Len() != 0 {
		t.Error("acknowledged SYN-ACK still queued")
	}

	got, err := stack.Accept(lid)
	if err != nil {
		t.Fatal(err)
	}
	if got != cid {
		t.Errorf("Accept = %s, want %s", got, cid)
	}
	if len(listener.ConnectedConnectionQueue) != 0 {
		t.Error("accepted connection still queued")
	}
}

func TestListenerOnAnyAddress(t *testing.T) {
	cfg, _ := testConfig()
	stack, _ := newTestStack(t, cfg)

	if _, err := stack.Listen(socket.UndeterminedAddr, 8080); err != nil {
		t.Fatal(err)
	}
	stack.handlePacket(fromPeer(5555, 8080, 1000, 0, header.TCPFlagSyn, nil))

	cid := socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: 8080, RemotePort: 5555}
	if stack.lookup(cid) == nil {
		t.Fatalf("connection %s not created by wildcard listener", cid)
	}
}

func TestListenTwice(t *testing.T) {
	cfg, _ := testConfig()
	stack, _ := newTestStack(t, cfg)

	if _, err := stack.Listen(localAddr, 8080); err != nil {
		t.Fatal(err)
	}
	if _, err := stack.Listen(localAddr, 8080); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("err = %v, want ErrAddressInUse", err)
	}
}

func TestListenIgnoresAck(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	if _, err := stack.Listen(localAddr, 8080); err != nil {
		t.Fatal(err)
	}

	stack.handlePacket(fromPeer(5555, 8080, 1000, 77, header.TCPFlagAck, nil))
	stack.handlePacket(fromPeer(5555, 8080, 1000, 77, header.TCPFlagSyn|header.TCPFlagAck, nil))
	stack.handlePacket(fromPeer(5555, 8080, 1000, 0, header.TCPFlagPsh, nil))

	if n := len(stack.Sockets()); n != 1 {
		t.Errorf("%d sockets, want only the listener", n)
	}
	if sent := link.sentSegments(); len(sent) != 0 {
		t.Errorf("sent %d segments in reply", len(sent))
	}
}

func TestBadChecksumDropped(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	if _, err := stack.Listen(localAddr, 8080); err != nil {
		t.Fatal(err)
	}

	pkt := fromPeer(5555, 8080, 1000, 0, header.TCPFlagSyn, nil)
	pkt.Payload[4] ^= 0xff
	stack.handlePacket(pkt)

	if len(stack.Sockets()) != 1 || len(link.sentSegments()) != 0 {
		t.Fatal("corrupted SYN was processed")
	}
}

func TestSynRcvdRejectsUnacceptableAck(t *testing.T) {
	cfg, _ := testConfig()
	stack, _ := newTestStack(t, cfg)
	if _, err := stack.Listen(localAddr, 8080); err != nil {
		t.Fatal(err)
	}
	stack.handlePacket(fromPeer(5555, 8080, 1000, 0, header.TCPFlagSyn, nil))
	conn := stack.lookup(socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: 8080, RemotePort: 5555})
	iss := conn.SendParam.InitialSeq
	before := conn.SendParam

	for _, ack := range []uint32{iss - 1, iss + 2, iss + 1000} {
		stack.handlePacket(fromPeer(5555, 8080, 1001, ack, header.TCPFlagAck, nil))
	}
	// SYN without ACK.
	stack.handlePacket(fromPeer(5555, 8080, 1001, 0, header.TCPFlagSyn, nil))

	if conn.Status != socket.SynRcvd {
		t.Fatalf("status = %s after unacceptable ACKs", conn.Status)
	}
	if diff := cmp.Diff(before, conn.SendParam); diff != "" {
		t.Errorf("send params changed (-before +after):\n%s", diff)
	}
}

func synSentSocket(stack *TCPStack, link *fakeLink) *socket.Socket {
	sock := socket.NewSocket(localAddr, peerAddr, 40001, 9000, socket.SynSent, link)
	sock.SendParam.InitialSeq = 5000
	sock.SendParam.UnackedSeq = 5000
	sock.SendParam.Next = 5001
	stack.mu.Lock()
	stack.insert(sock)
	stack.mu.Unlock()
	return sock
}

func TestSynSentRejectsUnacceptableAck(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := synSentSocket(stack, link)

	stack.handlePacket(fromPeer(9000, 40001, 700, 6000, header.TCPFlagSyn|header.TCPFlagAck, nil))
	stack.handlePacket(fromPeer(9000, 40001, 700, 4999, header.TCPFlagSyn|header.TCPFlagAck, nil))
	stack.handlePacket(fromPeer(9000, 40001, 700, 5001, header.TCPFlagAck, nil))
	stack.handlePacket(fromPeer(9000, 40001, 700, 0, header.TCPFlagSyn, nil))

	if sock.Status != socket.SynSent {
		t.Fatalf("status = %s, want SYN-SENT", sock.Status)
	}
	if sock.RecvParam.Next != 0 || sock.SendParam.UnackedSeq != 5000 {
		t.Errorf("params changed: send %+v recv %+v", sock.SendParam, sock.RecvParam)
	}
	if n := len(link.sentSegments()); n != 0 {
		t.Errorf("sent %d segments", n)
	}
}

func TestSynSentToEstablished(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := synSentSocket(stack, link)

	stack.handlePacket(fromPeer(9000, 40001, 700, 5001, header.TCPFlagSyn|header.TCPFlagAck, nil))

	if sock.Status != socket.Established {
		t.Fatalf("status = %s, want ESTABLISHED", sock.Status)
	}
	if sock.RecvParam.Next != 701 || sock.RecvParam.InitialSeq != 700 {
		t.Errorf("recv = %+v", sock.RecvParam)
	}
	ack := link.last(t)
	if !ack.IsPureAck() || ack.Seq() != 5001 || ack.Ack() != 701 {
		t.Errorf("reply = %s, want ACK seq=5001 ack=701", ack)
	}
	if k, err := stack.events.wait(sock.SockID(), ConnectionCompleted); err != nil || k != ConnectionCompleted {
		t.Fatalf("no ConnectionCompleted: %v", err)
	}
	assertNoPureAckQueued(t, stack)
}

func TestSimultaneousOpen(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := synSentSocket(stack, link)

	// Acceptable, but does not acknowledge our SYN.
	stack.handlePacket(fromPeer(9000, 40001, 700, 5000, header.TCPFlagSyn|header.TCPFlagAck, nil))
	if sock.Status != socket.SynRcvd {
		t.Fatalf("status = %s, want SYN-RCVD", sock.Status)
	}
	if ack := link.last(t); !ack.IsPureAck() || ack.Ack() != 701 {
		t.Errorf("reply = %s", ack)
	}

	stack.handlePacket(fromPeer(9000, 40001, 701, 5001, header.TCPFlagAck, nil))
	if sock.Status != socket.Established {
		t.Fatalf("status = %s, want ESTABLISHED", sock.Status)
	}
	if _, err := stack.events.wait(sock.SockID(), ConnectionCompleted); err != nil {
		t.Fatal(err)
	}
}

func TestActiveOpen(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)

	type result struct {
		id  socket.SockID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := stack.Connect(peerAddr, 9000)
		done <- result{id, err}
	}()

	syn := link.waitSent(t)
	if syn.dst != peerAddr {
		t.Errorf("SYN sent to %s", syn.dst)
	}
	if syn.packet.Flags() != header.TCPFlagSyn {
		t.Errorf("flags = %s, want SYN", tcppacket.FlagsString(syn.packet.Flags()))
	}
	if seq := syn.packet.Seq(); seq < 1 || seq >= 1<<31 {
		t.Errorf("ISN %d out of [1, 2^31)", seq)
	}
	port := syn.packet.SrcPort()
	if !cfg.PortRange.Contains(port) {
		t.Errorf("local port %d out of %+v", port, cfg.PortRange)
	}
	if syn.packet.DstPort() != 9000 {
		t.Errorf("dst port = %d", syn.packet.DstPort())
	}

	id := socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: port, RemotePort: 9000}
	sock := stack.lookup(id)
	if sock == nil {
		t.Fatalf("no socket %s while connecting", id)
	}
	stack.mu.RLock()
	status, send := sock.Status, sock.SendParam
	stack.mu.RUnlock()
	if status != socket.SynSent {
		t.Errorf("status = %s, want SYN-SENT", status)
	}
	iss := syn.packet.Seq()
	if send.InitialSeq != iss || send.UnackedSeq != iss || send.Next != iss+1 {
		t.Errorf("send = %+v", send)
	}

	stack.handlePacket(fromPeer(9000, port, 777, iss+1, header.TCPFlagSyn|header.TCPFlagAck, nil))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.id != id {
			t.Errorf("Connect = %s, want %s", r.id, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}

	ack := link.last(t)
	if !ack.IsPureAck() || ack.Seq() != iss+1 || ack.Ack() != 778 {
		t.Errorf("final ACK = %s", ack)
	}
	assertNoPureAckQueued(t, stack)
}

func TestConnectPortExhaustion(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)

	stack.mu.Lock()
	for p := int(cfg.PortRange.Start); p < int(cfg.PortRange.End); p++ {
		stack.insert(socket.NewSocket(localAddr, peerAddr, uint16(p), 1, socket.Established, link))
	}
	stack.mu.Unlock()

	if _, err := stack.Connect(peerAddr, 9000); !errors.Is(err, ErrNoAvailablePort) {
		t.Fatalf("err = %v, want ErrNoAvailablePort", err)
	}
	if n := len(link.sentSegments()); n != 0 {
		t.Errorf("sent %d segments", n)
	}
}

func TestConnectPicksFreePort(t *testing.T) {
	cfg, _ := testConfig()
	cfg.PortRange = PortRange{Start: 40000, End: 40002}
	var drawMu sync.Mutex
	draws := []int{0, 1}
	cfg.Intn = func(n int) int {
		drawMu.Lock()
		defer drawMu.Unlock()
		if len(draws) == 0 {
			t.Error("more draws than the range has ports")
			return 0
		}
		d := draws[0]
		draws = draws[1:]
		return d
	}
	stack, link := newTestStack(t, cfg)

	stack.mu.Lock()
	stack.insert(socket.NewSocket(localAddr, peerAddr, 40000, 1, socket.Established, link))
	stack.mu.Unlock()

	// Never answered; Close releases it.
	go stack.Connect(peerAddr, 9000)
	if syn := link.waitSent(t); syn.packet.SrcPort() != 40001 {
		t.Fatalf("picked port %d, only 40001 is free", syn.packet.SrcPort())
	}
}

func TestConnectFailures(t *testing.T) {
	cfg, _ := testConfig()

	t.Run("no source address", func(t *testing.T) {
		link := newFakeLink()
		stack, err := InitializeTCP(link, fixedResolver{err: errors.New("no route")}, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer stack.Close()
		if _, err := stack.Connect(peerAddr, 9000); err == nil {
			t.Fatal("expected an error")
		}
		if len(stack.Sockets()) != 0 {
			t.Error("socket left behind")
		}
	})

	t.Run("SYN not sent", func(t *testing.T) {
		stack, link := newTestStack(t, cfg)
		link.setSendErr(errors.New("link down"))
		if _, err := stack.Connect(peerAddr, 9000); err == nil {
			t.Fatal("expected an error")
		}
		if len(stack.Sockets()) != 0 {
			t.Error("socket left behind")
		}
	})

	t.Run("stack closed", func(t *testing.T) {
		stack, _ := newTestStack(t, cfg)
		stack.Close()
		if _, err := stack.Connect(peerAddr, 9000); !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	})
}

func TestRetransmissionGivesUp(t *testing.T) {
	cfg, hook := testConfig()
	cfg.MaxTransmissions = 3
	cfg.RetransmissionTimeout = time.Second
	stack, link := newTestStack(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := stack.Connect(peerAddr, 9000)
		done <- err
	}()
	syn := link.waitSent(t)
	id := socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: syn.packet.SrcPort(), RemotePort: 9000}
	stack.lookup(id) // wait for Connect to release the table

	now := time.Now()
	stack.retransmit(now)
	if n := len(link.sentSegments()); n != 1 {
		t.Fatalf("resent before the timeout: %d segments", n)
	}

	for i := 1; i <= 2; i++ {
		now = now.Add(2 * time.Second)
		stack.retransmit(now)
		resent := link.waitSent(t)
		if diff := cmp.Diff(syn.packet, resent.packet); diff != "" {
			t.Fatalf("retransmission %d differs (-first +resent):\n%s", i, diff)
		}
	}
	stack.mu.RLock()
	count := stack.sockets[id].RetransmissionQueue.Entries[0].TransmissionCount
	stack.mu.RUnlock()
	if count != 3 {
		t.Fatalf("transmission count = %d, want 3", count)
	}

	now = now.Add(2 * time.Second)
	stack.retransmit(now)

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionTimeout) {
			t.Fatalf("Connect err = %v, want ErrConnectionTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect still blocked after giving up")
	}
	if n := len(link.sentSegments()); n != 3 {
		t.Errorf("SYN transmitted %d times, want 3", n)
	}
	stack.mu.RLock()
	queued := stack.sockets[id].RetransmissionQueue.Len()
	stack.mu.RUnlock()
	if queued != 0 {
		t.Errorf("%d segments still queued", queued)
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "connection failed" {
			warned = true
		}
	}
	if !warned {
		t.Error("connection failure not logged")
	}
}

func TestFailedSocketIgnoresLateSegments(t *testing.T) {
	t.Run("SYN-SENT", func(t *testing.T) {
		cfg, _ := testConfig()
		cfg.MaxTransmissions = 1
		cfg.RetransmissionTimeout = time.Second
		stack, link := newTestStack(t, cfg)

		done := make(chan error, 1)
		go func() {
			_, err := stack.Connect(peerAddr, 9000)
			done <- err
		}()
		syn := link.waitSent(t)
		id := socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: syn.packet.SrcPort(), RemotePort: 9000}
		stack.lookup(id)

		stack.retransmit(time.Now().Add(2 * time.Second))
		select {
		case err := <-done:
			if !errors.Is(err, ErrConnectionTimeout) {
				t.Fatalf("Connect err = %v, want ErrConnectionTimeout", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Connect still blocked after giving up")
		}

		stack.handlePacket(fromPeer(9000, id.LocalPort, 777, syn.packet.Seq()+1, header.TCPFlagSyn|header.TCPFlagAck, nil))

		sock := stack.lookup(id)
		stack.mu.RLock()
		status := sock.Status
		stack.mu.RUnlock()
		if status != socket.SynSent {
			t.Errorf("status = %s, want SYN-SENT", status)
		}
		if n := len(link.sentSegments()); n != 1 {
			t.Errorf("sent %d segments, want only the SYN", n)
		}
	})

	t.Run("SYN-RCVD", func(t *testing.T) {
		cfg, _ := testConfig()
		stack, link := newTestStack(t, cfg)
		lid, err := stack.Listen(localAddr, 8080)
		if err != nil {
			t.Fatal(err)
		}
		stack.handlePacket(fromPeer(9000, 8080, 100, 0, header.TCPFlagSyn, nil))
		iss := link.last(t).Seq()
		cid := socket.SockID{LocalAddr: localAddr, RemoteAddr: peerAddr, LocalPort: 8080, RemotePort: 9000}
		conn := stack.lookup(cid)
		if conn == nil {
			t.Fatal("no connection after SYN")
		}

		stack.mu.Lock()
		stack.fail(conn, ErrConnectionTimeout)
		stack.mu.Unlock()

		stack.handlePacket(fromPeer(9000, 8080, 101, iss+1, header.TCPFlagAck, nil))

		stack.mu.RLock()
		status, queued := conn.Status, len(stack.sockets[lid].ConnectedConnectionQueue)
		stack.mu.RUnlock()
		if status != socket.SynRcvd {
			t.Errorf("status = %s, want SYN-RCVD", status)
		}
		if queued != 0 {
			t.Errorf("%d connections queued on the listener", queued)
		}
		if n := len(link.sentSegments()); n != 1 {
			t.Errorf("sent %d segments, want only the SYN-ACK", n)
		}
	})
}

func TestRetransmitDropsAckedEntries(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := establishedSocket(stack, link)

	stack.mu.Lock()
	if _, err := sock.SendTCPPacket(5001, 9001, header.TCPFlagAck|header.TCPFlagPsh, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	sock.SendParam.Next = 5006
	// Acknowledged without the handler seeing it.
	sock.SendParam.UnackedSeq = 5006
	stack.mu.Unlock()

	stack.retransmit(time.Now().Add(time.Hour))

	if n := len(link.sentSegments()); n != 1 {
		t.Errorf("acknowledged segment resent: %d sends", n)
	}
	if sock.RetransmissionQueue.Len() != 0 {
		t.Error("acknowledged segment still queued")
	}
}

func TestEstablishedData(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := establishedSocket(stack, link)
	id := sock.SockID()

	stack.handlePacket(fromPeer(9000, 40001, 9001, 5001, header.TCPFlagAck|header.TCPFlagPsh, []byte("hello")))

	if sock.RecvParam.Next != 9006 {
		t.Errorf("recv next = %d, want 9006", sock.RecvParam.Next)
	}
	if sock.RecvParam.Window != socket.SOCKET_BUFFER_SIZE-5 {
		t.Errorf("window = %d", sock.RecvParam.Window)
	}
	if ack := link.last(t); !ack.IsPureAck() || ack.Ack() != 9006 {
		t.Errorf("reply = %s, want ACK ack=9006", ack)
	}

	// Out of order: dropped and answered with what we expect.
	stack.handlePacket(fromPeer(9000, 40001, 9100, 5001, header.TCPFlagAck, []byte("later")))
	if sock.RecvParam.Next != 9006 {
		t.Errorf("out-of-order segment accepted, next = %d", sock.RecvParam.Next)
	}
	if ack := link.last(t); ack.Ack() != 9006 {
		t.Errorf("duplicate ACK = %d", ack.Ack())
	}

	// Overlapping retransmission: only the new bytes are kept.
	stack.handlePacket(fromPeer(9000, 40001, 9001, 5001, header.TCPFlagAck, []byte("hello world")))
	if sock.RecvParam.Next != 9012 {
		t.Errorf("recv next = %d, want 9012", sock.RecvParam.Next)
	}

	buf := make([]byte, 64)
	n, err := stack.Recv(id, buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "hello world" {
		t.Errorf("Recv = %q", got)
	}
	assertNoPureAckQueued(t, stack)
}

func TestEstablishedAck(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := establishedSocket(stack, link)
	id := sock.SockID()

	n, err := stack.Send(id, []byte("ping"))
	if err != nil || n != 4 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	seg := link.last(t)
	if seg.Seq() != 5001 || string(seg.Payload()) != "ping" || !seg.HasFlag(header.TCPFlagPsh|header.TCPFlagAck) {
		t.Errorf("sent %s", seg)
	}
	if sock.RetransmissionQueue.Len() != 1 {
		t.Fatal("data segment not queued")
	}

	// Beyond SND.NXT: ignored.
	stack.handlePacket(fromPeer(9000, 40001, 9001, 6000, header.TCPFlagAck, nil))
	if sock.SendParam.UnackedSeq != 5001 {
		t.Fatalf("una = %d after unacceptable ACK", sock.SendParam.UnackedSeq)
	}

	stack.handlePacket(fromPeer(9000, 40001, 9001, 5005, header.TCPFlagAck, nil))
	if sock.SendParam.UnackedSeq != 5005 || sock.RetransmissionQueue.Len() != 0 {
		t.Errorf("una = %d, queued %d", sock.SendParam.UnackedSeq, sock.RetransmissionQueue.Len())
	}
	if _, err := stack.events.wait(id, Acked); err != nil {
		t.Fatal(err)
	}
}

func TestSendRequiresEstablished(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	sock := synSentSocket(stack, link)

	if _, err := stack.Send(sock.SockID(), []byte("x")); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("err = %v, want ErrNotEstablished", err)
	}
	if _, err := stack.Send(idA, []byte("x")); !errors.Is(err, ErrNoSuchSocket) {
		t.Errorf("err = %v, want ErrNoSuchSocket", err)
	}
}

func TestAcceptErrors(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)

	if _, err := stack.Accept(idA); !errors.Is(err, ErrNoSuchSocket) {
		t.Errorf("err = %v, want ErrNoSuchSocket", err)
	}

	conn := establishedSocket(stack, link)
	if _, err := stack.Accept(conn.SockID()); !errors.Is(err, ErrNotListening) {
		t.Errorf("err = %v, want ErrNotListening", err)
	}

	lid, err := stack.Listen(localAddr, 8080)
	if err != nil {
		t.Fatal(err)
	}
	stack.events.publish(lid, ConnectionCompleted)
	if _, err := stack.Accept(lid); !errors.Is(err, ErrNoConnectedSocket) {
		t.Errorf("err = %v, want ErrNoConnectedSocket", err)
	}
}

func TestCloseUnblocksAccept(t *testing.T) {
	cfg, _ := testConfig()
	stack, _ := newTestStack(t, cfg)
	lid, err := stack.Listen(localAddr, 8080)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := stack.Accept(lid)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	stack.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept still blocked after Close")
	}
}

func TestSocketsSnapshot(t *testing.T) {
	cfg, _ := testConfig()
	stack, link := newTestStack(t, cfg)
	establishedSocket(stack, link)
	if _, err := stack.Listen(localAddr, 8080); err != nil {
		t.Fatal(err)
	}

	infos := stack.Sockets()
	var got []string
	for _, info := range infos {
		got = append(got, info.ID.String()+" "+info.Status.String())
	}
	want := []string{
		"10.0.0.1:8080 -> 0.0.0.0:0 LISTEN",
		"10.0.0.1:40001 -> 10.0.0.2:9000 ESTABLISHED",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sockets (-want +got):\n%s", diff)
	}
}
