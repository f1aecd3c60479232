package source

import (
	"context"
	"sync"
)

// broadcaster is a bounded, many-producer, multi-consumer fanout channel:
// a fixed-size ring buffer shared by every subscriber. A slow subscriber
// that falls more than capacity messages behind observes a lag count on
// its next read rather than blocking the writer.
//
// There is no ready-made library for this kind of overwrite-on-full
// multi-consumer fanout with a lag count — Go's stdlib channels are
// either unbounded-ish buffered queues or strictly blocking — see
// DESIGN.md.
type broadcaster struct {
	mu       sync.Mutex
	buf      []Message
	cap      int
	next     uint64 // sequence number of the next slot Send will write
	closed   bool
	waitCh   chan struct{} // closed and replaced on every Send/Close
	liveRefs int           // producer tasks still registered (see Ref/Unref)
}

func newBroadcaster(capacity int) *broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &broadcaster{
		buf:    make([]Message, capacity),
		cap:    capacity,
		waitCh: make(chan struct{}),
	}
}

// Ref registers a producer task as live. The source kind calls this once
// per consumer task it spawns so the broadcaster (and, transitively, the
// Source's weak reference) knows when every producer has exited.
func (b *broadcaster) Ref() {
	b.mu.Lock()
	b.liveRefs++
	b.mu.Unlock()
}

// Unref deregisters a producer task. When the last one calls Unref, the
// broadcaster is closed: existing subscribers drain what's buffered and
// then observe closure.
func (b *broadcaster) Unref() {
	b.mu.Lock()
	b.liveRefs--
	if b.liveRefs <= 0 {
		b.closed = true
		b.wakeLocked()
	}
	b.mu.Unlock()
}

// Live reports whether any producer is still registered — the Go stand-in
// for "can the weak reference be upgraded".
func (b *broadcaster) Live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveRefs > 0 && !b.closed
}

// Send is a non-blocking write: it always succeeds by overwriting the
// oldest buffered message once the ring is full. Sending with no
// subscribers is expected and silently ignored — there is no failure
// mode at all, only potential overwrite.
func (b *broadcaster) Send(msg Message) {
	b.mu.Lock()
	b.buf[b.next%uint64(b.cap)] = msg
	b.next++
	b.wakeLocked()
	b.mu.Unlock()
}

func (b *broadcaster) wakeLocked() {
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}

// ErrLagged is returned by receiver.Recv when the reader fell more than
// the buffer's capacity behind; N is how many messages were skipped.
type ErrLagged struct{ N uint64 }

func (e ErrLagged) Error() string { return "source: receiver lagged behind broadcast" }

// ErrClosedSource is returned once every producer has exited and the buffered
// backlog has been fully drained.
var ErrClosedSource = closedErr{}

type closedErr struct{}

func (closedErr) Error() string { return "source: broadcast channel closed" }

// receiver is one subscriber's read cursor into a broadcaster.
type receiver struct {
	b      *broadcaster
	cursor uint64
}

func (b *broadcaster) Subscribe() *receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &receiver{b: b, cursor: b.next}
}

// Recv blocks until a message is available, the receiver has lagged, the
// broadcaster is closed and drained, or ctx is done.
func (r *receiver) Recv(ctx context.Context) (Message, error) {
	b := r.b
	for {
		b.mu.Lock()

		oldest := uint64(0)
		if b.next > uint64(b.cap) {
			oldest = b.next - uint64(b.cap)
		}
		if r.cursor < oldest {
			skipped := oldest - r.cursor
			r.cursor = oldest
			b.mu.Unlock()
			return Message{}, ErrLagged{N: skipped}
		}

		if r.cursor < b.next {
			msg := b.buf[r.cursor%uint64(b.cap)]
			r.cursor++
			b.mu.Unlock()
			return msg, nil
		}

		if b.closed {
			b.mu.Unlock()
			return Message{}, ErrClosedSource
		}

		wait := b.waitCh
		b.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}
