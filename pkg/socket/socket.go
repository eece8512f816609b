// Package socket holds the state of one TCP connection or listener.
package socket

import (
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/tcppacket"
)

const (
	SOCKET_BUFFER_SIZE = 4380

	UndeterminedPort uint16 = 0
)

var UndeterminedAddr = netip.IPv4Unspecified()

// SockID names a connection, or a listener when the remote half is
// undetermined.
type SockID struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
}

func (id SockID) IsListener() bool {
	return id.RemoteAddr == UndeterminedAddr && id.RemotePort == UndeterminedPort
}

func (id SockID) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}

type TcpStatus int

const (
	Listen TcpStatus = iota
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	TimeWait
	CloseWait
	LastAck
)

func (s TcpStatus) String() string {
	states := []string{
		"LISTEN", "SYN-SENT", "SYN-RCVD", "ESTABLISHED", "FIN-WAIT-1",
		"FIN-WAIT-2", "TIME-WAIT", "CLOSE-WAIT", "LAST-ACK",
	}
	if s >= 0 && int(s) < len(states) {
		return states[s]
	}
	return "UNKNOWN"
}

//	      1          2          3          4
//	----------|----------|----------|----------
//	       SND.UNA    SND.NXT    SND.UNA
//	                            +SND.WND
//
// 1 acknowledged, 2 sent and unacknowledged, 3 sendable, 4 not yet sendable.
type SendParam struct {
	UnackedSeq uint32
	Next       uint32
	Window     uint16
	InitialSeq uint32
}

// InFlight is the number of sequence numbers sent but not acknowledged.
func (p *SendParam) InFlight() uint32 {
	return uint32(seqnum.Value(p.UnackedSeq).Size(seqnum.Value(p.Next)))
}

type RecvParam struct {
	Next       uint32
	Window     uint16
	InitialSeq uint32
	Tail       uint32
}

type Socket struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16

	SendParam SendParam
	RecvParam RecvParam
	Status    TcpStatus

	RetransmissionQueue *RetransmissionQueue
	// Listeners only: connections that finished their handshake and wait
	// for Accept.
	ConnectedConnectionQueue []SockID
	// Connections only: the listener that spawned this one. A lookup key
	// into the socket table, not a reference.
	ListeningSocket *SockID

	RecvBuffer *ringbuffer.RingBuffer
	// Err is set once the connection has failed for good.
	Err error

	sender ipstack.Sender
}

func NewSocket(localAddr, remoteAddr netip.Addr, localPort, remotePort uint16, status TcpStatus, sender ipstack.Sender) *Socket {
	return &Socket{
		LocalAddr:  localAddr,
		RemoteAddr: remoteAddr,
		LocalPort:  localPort,
		RemotePort: remotePort,
		SendParam: SendParam{
			Window: SOCKET_BUFFER_SIZE,
		},
		RecvParam: RecvParam{
			Window: SOCKET_BUFFER_SIZE,
		},
		Status:              status,
		RetransmissionQueue: NewRetransmissionQueue(),
		RecvBuffer:          ringbuffer.New(SOCKET_BUFFER_SIZE),
		sender:              sender,
	}
}

func (s *Socket) SockID() SockID {
	return SockID{
		LocalAddr:  s.LocalAddr,
		RemoteAddr: s.RemoteAddr,
		LocalPort:  s.LocalPort,
		RemotePort: s.RemotePort,
	}
}

// SendTCPPacket frames and transmits one segment. Everything except a bare
// ACK is queued for retransmission: retransmitting an ACK would call for an
// ACK of the ACK.
func (s *Socket) SendTCPPacket(seq, ack uint32, flags uint8, payload []byte) (int, error) {
	p := tcppacket.Build(header.TCPFields{
		SrcPort:    s.LocalPort,
		DstPort:    s.RemotePort,
		SeqNum:     seq,
		AckNum:     ack,
		Flags:      flags,
		WindowSize: s.RecvParam.Window,
	}, payload, s.LocalAddr, s.RemoteAddr)
	n, err := s.sender.SendTo(p, s.RemoteAddr)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to send %s", p)
	}
	if p.IsPureAck() {
		return n, nil
	}
	s.RetransmissionQueue.Add(p)
	return n, nil
}

// Resend transmits an already framed segment again, unchanged.
func (s *Socket) Resend(p tcppacket.TCPPacket) (int, error) {
	n, err := s.sender.SendTo(p, s.RemoteAddr)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resend %s", p)
	}
	return n, nil
}

// AckAcceptable reports SND.UNA <= ack <= SND.NXT.
func (s *Socket) AckAcceptable(ack uint32) bool {
	a := seqnum.Value(ack)
	return seqnum.Value(s.SendParam.UnackedSeq).LessThanEq(a) &&
		a.LessThanEq(seqnum.Value(s.SendParam.Next))
}

// AdvanceRecvNext moves RCV.NXT to seq unless that would move it backwards.
func (s *Socket) AdvanceRecvNext(seq uint32) {
	if seqnum.Value(s.RecvParam.Next).LessThan(seqnum.Value(seq)) {
		s.RecvParam.Next = seq
	}
	if seqnum.Value(s.RecvParam.Tail).LessThan(seqnum.Value(s.RecvParam.Next)) {
		s.RecvParam.Tail = s.RecvParam.Next
	}
}

// UpdateRecvWindow advertises the free space left in the receive buffer.
func (s *Socket) UpdateRecvWindow() {
	s.RecvParam.Window = uint16(s.RecvBuffer.Free())
}
