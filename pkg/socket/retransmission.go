package socket

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"

	"toytcp/pkg/tcppacket"
)

type RetransmissionEntry struct {
	Packet                 tcppacket.TCPPacket
	LatestTransmissionTime time.Time
	TransmissionCount      uint8
}

// End is the first sequence number after the entry's segment.
func (e *RetransmissionEntry) End() seqnum.Value {
	return seqnum.Value(e.Packet.Seq()).Add(seqnum.Size(e.Packet.SegmentLen()))
}

// RetransmissionQueue holds sent segments in transmission order. It is not
// safe for concurrent use; the socket table lock guards it.
type RetransmissionQueue struct {
	Entries []*RetransmissionEntry
}

func NewRetransmissionQueue() *RetransmissionQueue {
	return &RetransmissionQueue{
		Entries: make([]*RetransmissionEntry, 0),
	}
}

func (rq *RetransmissionQueue) Add(p tcppacket.TCPPacket) {
	rq.Entries = append(rq.Entries, &RetransmissionEntry{
		Packet:                 p,
		LatestTransmissionTime: time.Now(),
		TransmissionCount:      1,
	})
}

func (rq *RetransmissionQueue) Len() int {
	return len(rq.Entries)
}

// RemoveAcked drops every entry whose whole segment lies below ack.
func (rq *RetransmissionQueue) RemoveAcked(ack uint32) int {
	a := seqnum.Value(ack)
	kept := rq.Entries[:0]
	removed := 0
	for _, entry := range rq.Entries {
		if entry.End().LessThanEq(a) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(rq.Entries); i++ {
		rq.Entries[i] = nil
	}
	rq.Entries = kept
	return removed
}

// Remove drops a single entry.
func (rq *RetransmissionQueue) Remove(e *RetransmissionEntry) {
	for i, entry := range rq.Entries {
		if entry == e {
			copy(rq.Entries[i:], rq.Entries[i+1:])
			rq.Entries[len(rq.Entries)-1] = nil
			rq.Entries = rq.Entries[:len(rq.Entries)-1]
			return
		}
	}
}
