// Package tcppacket frames and parses TCP segments carried in IPv4.
package tcppacket

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	// TcpHeaderLen is the length of every header we emit (no options).
	TcpHeaderLen = header.TCPMinimumSize

	checksumOffset  = 16
	pseudoHeaderLen = 12
)

// TCPPacket is a TCP header followed by its payload.
type TCPPacket []byte

// Build frames a segment and fills in the checksum computed over the IPv4
// pseudo-header for src and dst. DataOffset and Checksum in fields are ignored.
func Build(fields header.TCPFields, payload []byte, src, dst netip.Addr) TCPPacket {
	p := make(TCPPacket, TcpHeaderLen+len(payload))
	fields.DataOffset = TcpHeaderLen
	fields.Checksum = 0
	header.TCP(p).Encode(&fields)
	copy(p[TcpHeaderLen:], payload)
	header.TCP(p).SetChecksum(ComputeTCPChecksum(p, src, dst))
	return p
}

// Parse checks that b holds a well-formed TCP header and returns it as a
// TCPPacket. The returned packet aliases b.
func Parse(b []byte) (TCPPacket, error) {
	if len(b) < TcpHeaderLen {
		return nil, errors.Errorf("segment too short: %d bytes", len(b))
	}
	off := int(header.TCP(b).DataOffset())
	if off < TcpHeaderLen || off > len(b) {
		return nil, errors.Errorf("bad data offset %d for %d byte segment", off, len(b))
	}
	return TCPPacket(b), nil
}

// ComputeTCPChecksum returns the checksum of segment for the src/dst pair.
// The checksum field currently stored in segment does not contribute.
func ComputeTCPChecksum(segment []byte, src, dst netip.Addr) uint16 {
	xsum := header.Checksum(pseudoHeader(src, dst, len(segment)), 0)
	xsum = header.Checksum(segment[:checksumOffset], xsum)
	xsum = header.Checksum(segment[checksumOffset+2:], xsum)
	return ^xsum
}

func pseudoHeader(src, dst netip.Addr, length int) []byte {
	b := make([]byte, pseudoHeaderLen)
	s, d := src.As4(), dst.As4()
	copy(b[0:4], s[:])
	copy(b[4:8], d[:])
	b[9] = uint8(header.TCPProtocolNumber)
	binary.BigEndian.PutUint16(b[10:], uint16(length))
	return b
}

// IsCorrectChecksum validates an inbound segment that travelled from remote
// to local.
func (p TCPPacket) IsCorrectChecksum(local, remote netip.Addr) bool {
	if len(p) < TcpHeaderLen || !local.Is4() || !remote.Is4() {
		return false
	}
	return ComputeTCPChecksum(p, remote, local) == p.Checksum()
}

func (p TCPPacket) SrcPort() uint16 { return header.TCP(p).SourcePort() }

func (p TCPPacket) DstPort() uint16 { return header.TCP(p).DestinationPort() }

func (p TCPPacket) Seq() uint32 { return header.TCP(p).SequenceNumber() }

func (p TCPPacket) Ack() uint32 { return header.TCP(p).AckNumber() }

func (p TCPPacket) Flags() uint8 { return header.TCP(p).Flags() }

func (p TCPPacket) WindowSize() uint16 { return header.TCP(p).WindowSize() }

func (p TCPPacket) Checksum() uint16 { return header.TCP(p).Checksum() }

func (p TCPPacket) Payload() []byte { return header.TCP(p).Payload() }

// HasFlag reports whether every bit of flag is set.
func (p TCPPacket) HasFlag(flag uint8) bool {
	return p.Flags()&flag == flag
}

// IsPureAck reports whether p is a bare acknowledgment. Such segments are
// never retransmitted.
func (p TCPPacket) IsPureAck() bool {
	return len(p.Payload()) == 0 && p.Flags() == header.TCPFlagAck
}

// SegmentLen is the amount of sequence space p occupies.
func (p TCPPacket) SegmentLen() uint32 {
	n := uint32(len(p.Payload()))
	if p.HasFlag(header.TCPFlagSyn) {
		n++
	}
	if p.HasFlag(header.TCPFlagFin) {
		n++
	}
	return n
}

func (p TCPPacket) String() string {
	return fmt.Sprintf("TCP[%d->%d seq=%d ack=%d flags=%s win=%d len=%d]",
		p.SrcPort(), p.DstPort(), p.Seq(), p.Ack(), FlagsString(p.Flags()),
		p.WindowSize(), len(p.Payload()))
}

var flagNames = []struct {
	flag uint8
	name string
}{
	{header.TCPFlagSyn, "SYN"},
	{header.TCPFlagAck, "ACK"},
	{header.TCPFlagPsh, "PSH"},
	{header.TCPFlagFin, "FIN"},
	{header.TCPFlagRst, "RST"},
	{header.TCPFlagUrg, "URG"},
}

// FlagsString renders flags as e.g. "SYN|ACK".
func FlagsString(flags uint8) string {
	var names []string
	for _, f := range flagNames {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}
