package iptcpstack

import (
	"net/netip"
	"slices"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/socket"
)

// Listen creates a listening socket on localAddr:localPort. localAddr may be
// 0.0.0.0 to accept on any address.
func (t *TCPStack) Listen(localAddr netip.Addr, localPort uint16) (socket.SockID, error) {
	if t.isClosed() {
		return socket.SockID{}, ErrClosed
	}
	sock := socket.NewSocket(localAddr, socket.UndeterminedAddr, localPort, socket.UndeterminedPort, socket.Listen, t.link)
	id := sock.SockID()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sockets[id]; ok {
		return socket.SockID{}, errors.Wrapf(ErrAddressInUse, "listen on %s:%d", localAddr, localPort)
	}
	t.insert(sock)
	t.log.WithField("sock", id).Debug("listening")
	return id, nil
}

// Accept blocks until a connection on the listener id has completed its
// handshake and returns that connection's identity.
func (t *TCPStack) Accept(id socket.SockID) (socket.SockID, error) {
	t.mu.RLock()
	listener, ok := t.sockets[id]
	if ok && listener.Status != socket.Listen {
		t.mu.RUnlock()
		return socket.SockID{}, errors.Wrapf(ErrNotListening, "accept on %s", id)
	}
	t.mu.RUnlock()
	if !ok {
		return socket.SockID{}, errors.Wrapf(ErrNoSuchSocket, "accept on %s", id)
	}

	if _, err := t.events.wait(id, ConnectionCompleted); err != nil {
		return socket.SockID{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	listener, ok = t.sockets[id]
	if !ok {
		return socket.SockID{}, errors.Wrapf(ErrNoSuchSocket, "accept on %s", id)
	}
	if len(listener.ConnectedConnectionQueue) == 0 {
		return socket.SockID{}, errors.Wrapf(ErrNoConnectedSocket, "accept on %s", id)
	}
	conn := listener.ConnectedConnectionQueue[0]
	listener.ConnectedConnectionQueue = listener.ConnectedConnectionQueue[1:]
	return conn, nil
}

// Connect performs an active open to addr:port and blocks until the
// handshake completes or the SYN is given up on.
func (t *TCPStack) Connect(addr netip.Addr, port uint16) (socket.SockID, error) {
	if t.isClosed() {
		return socket.SockID{}, ErrClosed
	}
	localAddr, err := t.resolver.SourceAddrTo(addr)
	if err != nil {
		return socket.SockID{}, errors.Wrapf(err, "connect to %s:%d", addr, port)
	}
	localPort, err := t.selectUnusedPort()
	if err != nil {
		return socket.SockID{}, errors.Wrapf(err, "connect to %s:%d", addr, port)
	}

	sock := socket.NewSocket(localAddr, addr, localPort, port, socket.SynSent, t.link)
	sock.SendParam.InitialSeq = randomISN()
	id := sock.SockID()

	t.mu.Lock()
	if _, err := sock.SendTCPPacket(sock.SendParam.InitialSeq, 0, header.TCPFlagSyn, nil); err != nil {
		t.mu.Unlock()
		return socket.SockID{}, errors.Wrapf(err, "connect to %s:%d", addr, port)
	}
	sock.SendParam.UnackedSeq = sock.SendParam.InitialSeq
	// SYN carries no data but occupies one sequence number.
	sock.SendParam.Next = sock.SendParam.InitialSeq + 1
	t.insert(sock)
	// Waiting with the table locked would deadlock the receive handler.
	t.mu.Unlock()
	t.log.WithFields(logrus.Fields{"sock": id, "status": socket.SynSent}).Debug("SYN sent")

	kind, err := t.events.wait(id, ConnectionCompleted, ConnectionClosed)
	if err != nil {
		return socket.SockID{}, err
	}
	if kind == ConnectionClosed {
		return socket.SockID{}, t.socketErr(id)
	}
	return id, nil
}

// selectUnusedPort draws from the ephemeral range until it finds a port no
// socket uses. Nothing is reserved: two racing Connects may draw the same
// port.
func (t *TCPStack) selectUnusedPort() (uint16, error) {
	r := t.config.PortRange
	for i := 0; i < r.Size(); i++ {
		port := r.Start + uint16(t.config.Intn(r.Size()))
		t.mu.RLock()
		used := t.ports[port] > 0
		t.mu.RUnlock()
		if !used {
			return port, nil
		}
	}
	return 0, errors.Wrapf(ErrNoAvailablePort, "range [%d, %d)", r.Start, r.End)
}

// Send transmits data on an established connection, in segments of at most
// MSS bytes and never more than the peer's window allows in flight. It
// blocks while the window is full.
func (t *TCPStack) Send(id socket.SockID, data []byte) (int, error) {
	cursor := 0
	for cursor < len(data) {
		t.mu.Lock()
		sock, err := t.connection(id)
		if err != nil {
			t.mu.Unlock()
			return cursor, err
		}
		size := min(t.config.MSS, len(data)-cursor, int(sock.SendParam.Window)-int(sock.SendParam.InFlight()))
		if size <= 0 {
			t.mu.Unlock()
			if _, err := t.events.wait(id, Acked, ConnectionClosed); err != nil {
				return cursor, err
			}
			continue
		}
		_, err = sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck|header.TCPFlagPsh, data[cursor:cursor+size])
		if err != nil {
			t.mu.Unlock()
			return cursor, err
		}
		sock.SendParam.Next += uint32(size)
		cursor += size
		t.mu.Unlock()
	}
	return cursor, nil
}

// Recv reads received data into buf, blocking until some is available.
func (t *TCPStack) Recv(id socket.SockID, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		t.mu.Lock()
		sock, ok := t.sockets[id]
		if !ok {
			t.mu.Unlock()
			return 0, errors.Wrapf(ErrNoSuchSocket, "recv on %s", id)
		}
		if !sock.RecvBuffer.IsEmpty() {
			n, _ := sock.RecvBuffer.Read(buf)
			wasClosed := sock.RecvParam.Window == 0
			sock.UpdateRecvWindow()
			var err error
			if wasClosed {
				// Tell the peer the window has reopened.
				_, err = sock.SendTCPPacket(sock.SendParam.Next, sock.RecvParam.Next, header.TCPFlagAck, nil)
			}
			t.mu.Unlock()
			if err != nil {
				t.log.WithError(err).WithField("sock", id).Warn("failed to send window update")
			}
			return n, nil
		}
		if _, err := t.connection(id); err != nil {
			t.mu.Unlock()
			return 0, err
		}
		t.mu.Unlock()
		if _, err := t.events.wait(id, DataArrived, ConnectionClosed); err != nil {
			return 0, err
		}
	}
}

// connection returns the established connection id or the reason it cannot
// carry data. It must be called with mu held.
func (t *TCPStack) connection(id socket.SockID) (*socket.Socket, error) {
	sock, ok := t.sockets[id]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchSocket, "%s", id)
	}
	if sock.Err != nil {
		return nil, sock.Err
	}
	if sock.Status != socket.Established {
		return nil, errors.Wrapf(ErrNotEstablished, "%s is %s", id, sock.Status)
	}
	return sock, nil
}

func (t *TCPStack) socketErr(id socket.SockID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if sock, ok := t.sockets[id]; ok && sock.Err != nil {
		return sock.Err
	}
	return errors.Wrapf(ErrConnectionTimeout, "%s", id)
}

type SocketInfo struct {
	ID        socket.SockID
	Status    socket.TcpStatus
	SendParam socket.SendParam
	RecvParam socket.RecvParam
	// Unacked is the number of segments awaiting acknowledgment.
	Unacked int
	Err     error
}

// Sockets returns a snapshot of the socket table ordered by local port.
func (t *TCPStack) Sockets() []SocketInfo {
	t.mu.RLock()
	infos := make([]SocketInfo, 0, len(t.sockets))
	for id, sock := range t.sockets {
		infos = append(infos, SocketInfo{
			ID:        id,
			Status:    sock.Status,
			SendParam: sock.SendParam,
			RecvParam: sock.RecvParam,
			Unacked:   sock.RetransmissionQueue.Len(),
			Err:       sock.Err,
		})
	}
	t.mu.RUnlock()
	slices.SortFunc(infos, func(a, b SocketInfo) int {
		if a.ID.LocalPort != b.ID.LocalPort {
			return int(a.ID.LocalPort) - int(b.ID.LocalPort)
		}
		if c := a.ID.RemoteAddr.Compare(b.ID.RemoteAddr); c != 0 {
			return c
		}
		return int(a.ID.RemotePort) - int(b.ID.RemotePort)
	})
	return infos
}
