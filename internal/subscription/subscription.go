// Package subscription implements the per-(connection, source) stream
// adapter: Push forwards every upstream message as-is, Pull gates
// delivery on outstanding credit and buffers the backlog in a bounded,
// overwrite-on-full ring buffer.
package subscription

import (
	"context"
	"sync"

	"github.com/redbco/streamrelay/internal/ringbuffer"
	"github.com/redbco/streamrelay/internal/source"
)

// Mode selects Push or Pull delivery discipline.
type Mode int

const (
	ModePush Mode = iota
	ModePull
)

// Envelope is one item on a Subscription's output channel, tagged with
// its source id so the connection manager's merged stream can route it
// without needing per-source case statements.
type Envelope struct {
	SourceID source.ID

	// Exactly one of the following is populated per envelope.
	Results         []source.Result // RESULT batch (Push: len 1; Pull: 1..N)
	MetadataChanged bool
	MetadataText    string
	ProcessLag      *uint64 // RecvError::ProcessLag(n)
	SubscriberLag   *uint64 // RecvError::SubscriberLag(n)
}

// Subscription is the per-(connection, source) adapter. It owns a reader
// goroutine pumping the upstream source.Receiver and an actor goroutine
// implementing the Push/Pull state machine; Request adds Pull-mode credit
// from the connection manager's goroutine without racing the actor.
type Subscription struct {
	sourceID ID
	mode     Mode
	out      chan<- Envelope

	creditCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex // guards requests/lag, shared by the actor, Request and Outstanding
	requests uint64
	lag      uint64
}

// ID is re-exported for readability at call sites; it is source.ID.
type ID = source.ID

// New constructs a Subscription in the given mode and starts its
// goroutines. bufferCapacity and lagThreshold are only meaningful for
// ModePull; lagThreshold of 0 disables lag notices.
func New(sourceID source.ID, upstream source.Receiver, mode Mode, bufferCapacity int, lagThreshold uint64, out chan<- Envelope) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Subscription{
		sourceID: sourceID,
		mode:     mode,
		out:      out,
		creditCh: make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	raw := make(chan rawItem, 1)
	go pumpUpstream(ctx, upstream, raw)
	go s.actor(ctx, raw, bufferCapacity, lagThreshold)

	return s
}

type rawItem struct {
	msg source.Message
	err error
}

func pumpUpstream(ctx context.Context, upstream source.Receiver, raw chan<- rawItem) {
	for {
		msg, err := upstream.Recv(ctx)
		select {
		case raw <- rawItem{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Request adds n credits for a Pull-mode subscription and returns the new
// outstanding total. The increment itself happens synchronously under s.mu
// so the caller (the connection manager, composing a REQUEST_OK response)
// always sees the authoritative count; a non-blocking signal wakes the
// actor to drain any already-buffered backlog against the new credit.
func (s *Subscription) Request(n uint64) uint64 {
	s.mu.Lock()
	s.requests += n
	total := s.requests
	s.mu.Unlock()

	select {
	case s.creditCh <- struct{}{}:
	default:
	}
	return total
}

// Mode returns the subscription's delivery discipline.
func (s *Subscription) Mode() Mode { return s.mode }

// Outstanding returns the current outstanding request credit.
func (s *Subscription) Outstanding() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Close tears down the subscription's goroutines. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) actor(ctx context.Context, raw <-chan rawItem, bufferCapacity int, lagThreshold uint64) {
	defer close(s.done)

	var buf *ringbuffer.RingBuffer[source.Result]
	if s.mode == ModePull && bufferCapacity > 0 {
		buf = ringbuffer.New[source.Result](bufferCapacity)
	}

	emit := func(e Envelope) bool {
		e.SourceID = s.sourceID
		select {
		case s.out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.creditCh:
			if s.mode == ModePull && buf != nil {
				if !s.drainBuffer(buf, emit) {
					return
				}
			}

		case item := <-raw:
			if item.err != nil {
				if lagged, ok := item.err.(source.ErrLagged); ok {
					n := lagged.N
					if !emit(Envelope{ProcessLag: &n}) {
						return
					}
					continue
				}
				// ErrClosedSource or ctx cancellation: upstream ended.
				return
			}

			if item.msg.Kind == source.MessageKindMetadataChanged {
				if !emit(Envelope{MetadataChanged: true, MetadataText: item.msg.MetadataText}) {
					return
				}
				continue
			}

			if !s.handleResult(item.msg.Result, buf, lagThreshold, emit) {
				return
			}
		}
	}
}

// handleResult implements the Push/Pull delivery logic for one received
// Result.
func (s *Subscription) handleResult(res source.Result, buf *ringbuffer.RingBuffer[source.Result], lagThreshold uint64, emit func(Envelope) bool) bool {
	if s.mode == ModePush {
		return emit(Envelope{Results: []source.Result{res}})
	}

	// Pull discipline: buffer, then drain while credit remains.
	var first *source.Result
	if buf != nil {
		evicted, overwritten := buf.PushOverwrite(res)
		if overwritten {
			first = &evicted
		}
	} else {
		first = &res
	}

	s.mu.Lock()
	requests := s.requests
	s.mu.Unlock()

	if requests == 0 {
		if first != nil {
			s.mu.Lock()
			s.lag++
			lag := s.lag
			s.mu.Unlock()

			if lagThreshold > 0 && lag >= lagThreshold {
				return emit(Envelope{SubscriberLag: &lag})
			}
		}
		return true
	}

	// requests > 0: reset lag, emit first (if any), then drain the
	// buffer while requests remain, as one batch. Credit is only spent on
	// results actually placed in the batch — an unevicted first (buffer
	// not yet full) must not consume a request, or the just-buffered
	// result would be silently skipped below.
	s.mu.Lock()
	s.lag = 0
	s.mu.Unlock()

	batch := make([]source.Result, 0, 1)
	if first != nil {
		batch = append(batch, *first)
	}

	s.mu.Lock()
	s.requests -= uint64(len(batch))
	remaining := s.requests
	s.mu.Unlock()

	if buf != nil {
		for remaining > 0 {
			v, ok := buf.Pop()
			if !ok {
				break
			}
			batch = append(batch, v)
			remaining--
		}
		s.mu.Lock()
		s.requests = remaining
		s.mu.Unlock()
	}

	if len(batch) == 0 {
		return true
	}
	return emit(Envelope{Results: batch})
}

// drainBuffer is called when credit is added out-of-band (no new message
// arrived) and buffered backlog already exists to satisfy it.
func (s *Subscription) drainBuffer(buf *ringbuffer.RingBuffer[source.Result], emit func(Envelope) bool) bool {
	s.mu.Lock()
	remaining := s.requests
	s.mu.Unlock()

	if remaining == 0 || buf.Len() == 0 {
		return true
	}

	s.mu.Lock()
	s.lag = 0
	s.mu.Unlock()

	var batch []source.Result
	for remaining > 0 {
		v, ok := buf.Pop()
		if !ok {
			break
		}
		batch = append(batch, v)
		s.mu.Lock()
		s.requests--
		remaining = s.requests
		s.mu.Unlock()
	}

	if len(batch) == 0 {
		return true
	}
	return emit(Envelope{Results: batch})
}
