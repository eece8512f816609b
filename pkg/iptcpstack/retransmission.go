package iptcpstack

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/socket"
)

func (t *TCPStack) timer() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.RetransmissionScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.retransmit(now)
		}
	}
}

// retransmit resends every queued segment that has waited longer than the
// retransmission timeout. A segment already sent MaxTransmissions times
// fails its connection instead.
func (t *TCPStack) retransmit(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sock := range t.sockets {
		queue := sock.RetransmissionQueue
		una := seqnum.Value(sock.SendParam.UnackedSeq)
		for _, entry := range append([]*socket.RetransmissionEntry(nil), queue.Entries...) {
			if entry.End().LessThanEq(una) {
				queue.Remove(entry)
				continue
			}
			if now.Sub(entry.LatestTransmissionTime) < t.config.RetransmissionTimeout {
				continue
			}
			if entry.TransmissionCount >= t.config.MaxTransmissions {
				t.fail(sock, errors.Wrapf(ErrConnectionTimeout, "%s unacknowledged after %d transmissions",
					entry.Packet, entry.TransmissionCount))
				break
			}

			log := t.log.WithFields(logrus.Fields{
				"sock":    sock.SockID(),
				"segment": entry.Packet,
				"attempt": entry.TransmissionCount + 1,
			})
			if _, err := sock.Resend(entry.Packet); err != nil {
				log.WithError(err).Warn("retransmission failed")
			} else {
				log.Info("retransmitting segment")
			}
			entry.LatestTransmissionTime = now
			entry.TransmissionCount++
		}
	}
}

// fail gives up on sock: its queue is dropped, err is recorded and whoever
// waits on it is woken. It must be called with mu held.
func (t *TCPStack) fail(sock *socket.Socket, err error) {
	if sock.Err == nil {
		sock.Err = err
	}
	sock.RetransmissionQueue.Entries = nil
	id := sock.SockID()
	t.log.WithError(err).WithFields(logrus.Fields{"sock": id, "status": sock.Status}).Warn("connection failed")
	t.events.publish(id, ConnectionClosed)
}
