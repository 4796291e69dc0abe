// Package queue implements the bounded, lock-free, many-producer
// single-consumer ring buffer used to carry log records and server stat
// deltas from worker sessions to the helper goroutine.
package queue

import "sync/atomic"

// Capacity is fixed at 64 slots per spec.md §3.
const Capacity = 64

// MessageKind tags the union carried in a slot.
type MessageKind uint8

const (
	KindLog MessageKind = iota
	KindStat
)

// StatKind identifies which counter a StatDelta updates.
type StatKind uint8

const (
	StatConnectDelayMS StatKind = iota
	StatG204DelayMS
	StatConnCount
)

// Message is the tagged union described in spec.md §3. Only the fields
// relevant to Kind are meaningful.
type Message struct {
	Kind      MessageKind
	Level     string
	Text      string
	ServerIdx int
	StatK     StatKind
	Value     uint32
}

type slot struct {
	seq uint64
	msg Message
}

// Queue is a bounded MPSC ring buffer, shaped after Dmitry Vyukov's
// sequence-counter design: each slot's seq tracks which "lap" around the
// ring last wrote it, letting producers and the single consumer claim
// slots with nothing but atomic CAS/loads — no mutex on the data path,
// matching spec.md §5's "no locks on the data path" invariant.
type Queue struct {
	mask    uint64
	slots   []slot
	enqPos  uint64 // atomic, producer cursor
	deqPos  uint64 // consumer cursor; single reader, no atomic needed
	dropped uint64 // atomic, BackpressureDrop counter
}

// New creates a queue with the fixed capacity from spec.md §3 (64 slots).
// Capacity must be a power of two; it always is here since it's a constant.
func New() *Queue {
	q := &Queue{
		mask:  Capacity - 1,
		slots: make([]slot, Capacity),
	}
	for i := range q.slots {
		q.slots[i].seq = uint64(i)
	}
	return q
}

// TryPush attempts to enqueue msg. Returns false if the queue is full, in
// which case the caller (a session goroutine) must drop the record —
// BackpressureDrop per spec.md §7, never fatal.
func (q *Queue) TryPush(msg Message) bool {
	for {
		pos := atomic.LoadUint64(&q.enqPos)
		s := &q.slots[pos&q.mask]
		seq := atomic.LoadUint64(&s.seq)
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.enqPos, pos, pos+1) {
				s.msg = msg
				atomic.StoreUint64(&s.seq, pos+1)
				return true
			}
		case diff < 0:
			// slot not yet reclaimed by the consumer: queue is full.
			atomic.AddUint64(&q.dropped, 1)
			return false
		default:
			// another producer just claimed this slot; retry.
		}
	}
}

// TryPop drains the next published slot, if any. Only ever called from the
// single consumer (the helper goroutine).
func (q *Queue) TryPop() (Message, bool) {
	pos := q.deqPos
	s := &q.slots[pos&q.mask]
	seq := atomic.LoadUint64(&s.seq)
	diff := int64(seq) - int64(pos+1)
	if diff != 0 {
		return Message{}, false
	}
	msg := s.msg
	q.deqPos = pos + 1
	atomic.StoreUint64(&s.seq, pos+q.mask+1)
	return msg, true
}

// Dropped reports the cumulative BackpressureDrop count.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Drain pops every currently-available message, in order.
func (q *Queue) Drain() []Message {
	var out []Message
	for {
		msg, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}
