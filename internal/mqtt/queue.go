package mqtt

import "github.com/sweeney/spike-detector/internal/log"

type queuedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// offlineQueue holds messages published while the broker is unreachable,
// oldest first. Once full, each add overwrites the oldest message.
// Callers hold RealPublisher.mu.
type offlineQueue struct {
	slots   []queuedMsg
	first   int // oldest message
	n       int
	dropped int
}

func newOfflineQueue(size int) *offlineQueue {
	return &offlineQueue{slots: make([]queuedMsg, size)}
}

func (q *offlineQueue) add(m queuedMsg) {
	size := len(q.slots)
	if q.n < size {
		q.slots[(q.first+q.n)%size] = m
		q.n++
		return
	}
	if q.dropped == 0 {
		log.Warnf("mqtt: offline queue full at %d messages, overwriting oldest", size)
	}
	q.dropped++
	q.slots[q.first] = m
	q.first = (q.first + 1) % size
}

// take empties the queue and returns its messages oldest first, or nil.
func (q *offlineQueue) take() []queuedMsg {
	if q.n == 0 {
		return nil
	}
	out := make([]queuedMsg, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.slots[(q.first+i)%len(q.slots)])
	}
	if q.dropped > 0 {
		log.Warnf("mqtt: lost %d messages while offline", q.dropped)
	}
	q.first, q.n, q.dropped = 0, 0, 0
	return out
}

func (q *offlineQueue) len() int {
	return q.n
}
