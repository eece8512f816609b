package iptcpstack

import (
	"sync"

	"github.com/google/netstack/waiter"

	"toytcp/pkg/socket"
)

type TCPEventKind int

const (
	ConnectionCompleted TCPEventKind = iota
	Acked
	DataArrived
	ConnectionClosed
	numEventKinds
)

func (k TCPEventKind) String() string {
	switch k {
	case ConnectionCompleted:
		return "ConnectionCompleted"
	case Acked:
		return "Acked"
	case DataArrived:
		return "DataArrived"
	case ConnectionClosed:
		return "ConnectionClosed"
	}
	return "Unknown"
}

// mask is the waiter event a kind is notified as. ConnectionCompleted is
// only ever published to listeners and to connecting sockets, so it shares
// EventIn with DataArrived without ambiguity: the pending counts tell them
// apart.
func (k TCPEventKind) mask() waiter.EventMask {
	switch k {
	case ConnectionCompleted, DataArrived:
		return waiter.EventIn
	case Acked:
		return waiter.EventOut
	case ConnectionClosed:
		return waiter.EventErr | waiter.EventHUp
	}
	return 0
}

// eventSlot holds the waiters of one socket identity and the events
// published to it and not yet consumed.
type eventSlot struct {
	queue   waiter.Queue
	pending [numEventKinds]int
}

// eventQueue wakes the goroutines waiting on a given identity. Events for
// different identities never overwrite each other.
type eventQueue struct {
	mu sync.Mutex
	// slots is never pruned, like the socket table.
	slots  map[socket.SockID]*eventSlot
	closed bool
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		slots: make(map[socket.SockID]*eventSlot),
		done:  make(chan struct{}),
	}
}

// slot must be called with mu held.
func (q *eventQueue) slot(id socket.SockID) *eventSlot {
	s, ok := q.slots[id]
	if !ok {
		s = &eventSlot{}
		q.slots[id] = s
	}
	return s
}

func (q *eventQueue) publish(id socket.SockID, kind TCPEventKind) {
	q.mu.Lock()
	s := q.slot(id)
	s.pending[kind]++
	q.mu.Unlock()
	s.queue.Notify(kind.mask())
}

// wait blocks until one of kinds has been published for id, consumes it and
// returns which one. Kinds are checked in the order given.
func (q *eventQueue) wait(id socket.SockID, kinds ...TCPEventKind) (TCPEventKind, error) {
	var mask waiter.EventMask
	for _, k := range kinds {
		mask |= k.mask()
	}

	q.mu.Lock()
	s := q.slot(id)
	q.mu.Unlock()

	// Register before looking at the counts so a publish in between still
	// reaches notifyCh.
	waitEntry, notifyCh := waiter.NewChannelEntry(nil)
	s.queue.EventRegister(&waitEntry, mask)
	defer s.queue.EventUnregister(&waitEntry)

	for {
		q.mu.Lock()
		for _, k := range kinds {
			if s.pending[k] > 0 {
				// A closed connection stays closed for every later waiter.
				if k != ConnectionClosed {
					s.pending[k]--
				}
				q.mu.Unlock()
				return k, nil
			}
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return 0, ErrClosed
		}

		select {
		case <-notifyCh:
		case <-q.done:
		}
	}
}

// close wakes every waiter; waits with nothing pending return ErrClosed.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
