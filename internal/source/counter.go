package source

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// CounterConfig configures the synthetic counter source.
type CounterConfig struct {
	ID       ID
	Min      uint64
	Max      *uint64 // nil means infinite
	Interval time.Duration
	Lazy     bool
	Logger   zerolog.Logger
}

// CounterSource is a synthetic monotonic tick source, finite or infinite,
// with optional lazy start.
type CounterSource struct {
	id     ID
	bc     *broadcaster
	cfg    CounterConfig
	log    zerolog.Logger
	cancel context.CancelFunc

	startOnce chanceLatch
}

// chanceLatch is a one-shot gate consumed on first Subscribe, used to
// start a lazy counter's ticker only once real demand exists.
type chanceLatch struct {
	ch   chan struct{}
	once int32
}

func newChanceLatch() chanceLatch {
	return chanceLatch{ch: make(chan struct{})}
}

func (l *chanceLatch) trigger() {
	if atomic.CompareAndSwapInt32(&l.once, 0, 1) {
		close(l.ch)
	}
}

func (l *chanceLatch) wait() <-chan struct{} { return l.ch }

// NewCounterSource spawns the counter's ticking task and returns the
// source handle immediately; if cfg.Lazy, the ticker doesn't start
// counting until the first Subscribe call.
func NewCounterSource(cfg CounterConfig) *CounterSource {
	runCtx, cancel := context.WithCancel(context.Background())

	cs := &CounterSource{
		id:        cfg.ID,
		bc:        newBroadcaster(16),
		cfg:       cfg,
		log:       cfg.Logger.With().Str("source", string(cfg.ID)).Str("kind", "counter").Logger(),
		cancel:    cancel,
		startOnce: newChanceLatch(),
	}

	cs.bc.Ref()
	go cs.run(runCtx)

	if !cfg.Lazy {
		cs.startOnce.trigger()
	}

	return cs
}

func (s *CounterSource) ID() ID { return s.id }

func (s *CounterSource) Subscribe() (Receiver, error) {
	if !s.bc.Live() {
		return nil, ErrFiniteSourceEnded
	}
	// Take the read cursor before starting a lazy ticker so the first
	// subscriber observes Min.
	recv := s.bc.Subscribe()
	s.startOnce.trigger()
	return recv, nil
}

func (s *CounterSource) Close() { s.cancel() }

func (s *CounterSource) run(ctx context.Context) {
	defer s.bc.Unref()

	select {
	case <-s.startOnce.wait():
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	count := s.cfg.Min
	for {
		if s.cfg.Max != nil && count > *s.cfg.Max {
			s.log.Info().Msg("counter reached max; source ending")
			return
		}

		s.bc.Send(ResultMessage(Result{
			Kind:     KindCounter,
			SourceID: s.id,
			Count:    count,
		}))
		count++

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
