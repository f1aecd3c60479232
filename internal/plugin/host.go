package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Invoker runs one hook invocation to completion against a fresh guest
// instance and returns its raw JSON output. Implemented by *Runtime
// for real modules and by a fake in tests, so Host's timeout/fail-open
// policy is exercised without compiling any .wasm binary.
type Invoker interface {
	InvokeAuthenticate(ctx context.Context, input []byte) ([]byte, error)
	InvokeIntercept(ctx context.Context, input []byte) ([]byte, error)
}

// Config controls Host's policy.
type Config struct {
	InvocationTimeout time.Duration
	InterceptWorkers  int
	InterceptFailOpen bool
}

// Host is the plugin host: a thin policy layer over Invoker that applies
// per-invocation timeouts, fail-closed authenticate defaults, a
// configurable fail-open/fail-closed intercept default, and offloads
// intercept calls to a bounded worker pool so a slow module never
// stalls a connection manager's goroutine.
type Host struct {
	invoker Invoker
	cfg     Config
	log     zerolog.Logger

	hasAuth      bool
	hasIntercept bool
	pool         *workerPool
}

// NewHost wraps invoker with the host's timeout/fail-open policy.
// hasAuth/hasIntercept record whether each hook was actually configured;
// when a hook isn't configured its corresponding call is a pass-through
// (Authenticate / Forward) without touching invoker at all.
func NewHost(invoker Invoker, cfg Config, hasAuth, hasIntercept bool, log zerolog.Logger) *Host {
	if cfg.InvocationTimeout == 0 {
		cfg.InvocationTimeout = 250 * time.Millisecond
	}
	if cfg.InterceptWorkers == 0 {
		cfg.InterceptWorkers = 1
	}

	h := &Host{
		invoker:      invoker,
		cfg:          cfg,
		log:          log,
		hasAuth:      hasAuth,
		hasIntercept: hasIntercept,
	}
	if hasIntercept {
		h.pool = newWorkerPool(cfg.InterceptWorkers)
	}
	return h
}

// Close shuts down the intercept worker pool, draining in-flight jobs.
func (h *Host) Close() {
	if h.pool != nil {
		h.pool.close()
	}
}

// Authenticate invokes the authenticate hook, if one is configured. A
// timeout, trap, or decode error is treated as Reject — fail-closed,
// since an unauthenticated connection must never be let through
// silently.
func (h *Host) Authenticate(ctx context.Context, req AuthRequest) AuthOutcome {
	if !h.hasAuth {
		return AuthOutcome{Kind: AuthAuthenticate}
	}

	input, err := marshalAuthRequest(req)
	if err != nil {
		h.log.Error().Err(err).Msg("authenticate: failed to marshal request")
		return AuthOutcome{Kind: AuthReject}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.InvocationTimeout)
	defer cancel()

	output, err := h.invoker.InvokeAuthenticate(callCtx, input)
	if err != nil {
		h.log.Warn().Err(err).Msg("authenticate hook failed; rejecting")
		return AuthOutcome{Kind: AuthReject}
	}

	outcome, err := unmarshalAuthResponse(output)
	if err != nil {
		h.log.Warn().Err(err).Msg("authenticate hook returned undecodable output; rejecting")
		return AuthOutcome{Kind: AuthReject}
	}
	return outcome
}

// Intercept invokes the intercept hook, if one is configured, offloaded
// onto the bounded worker pool. A timeout, trap, or decode error is
// resolved by h.cfg.InterceptFailOpen: Forward when true (a misbehaving
// plugin degrades to "no filtering"), Discard when false (a misbehaving
// plugin degrades to dropping events rather than letting them through
// unchecked).
func (h *Host) Intercept(ctx context.Context, auth []byte, conn ConnectionCtx, event EventCtx) PluginAction {
	if !h.hasIntercept {
		return PluginAction{Kind: ActionForward}
	}

	input, err := marshalInterceptRequest(auth, conn, event)
	if err != nil {
		h.log.Error().Err(err).Msg("intercept: failed to marshal request")
		return h.failAction()
	}

	result := make(chan PluginAction, 1)
	submitted := h.pool.submit(func() {
		callCtx, cancel := context.WithTimeout(context.Background(), h.cfg.InvocationTimeout)
		defer cancel()

		output, err := h.invoker.InvokeIntercept(callCtx, input)
		if err != nil {
			h.log.Warn().Err(err).Msg("intercept hook failed")
			result <- h.failAction()
			return
		}

		action, err := unmarshalInterceptResponse(output)
		if err != nil {
			h.log.Warn().Err(err).Msg("intercept hook returned undecodable output")
			result <- h.failAction()
			return
		}
		result <- action
	})
	if !submitted {
		return h.failAction()
	}

	select {
	case action := <-result:
		return action
	case <-ctx.Done():
		return h.failAction()
	}
}

// failAction is the PluginAction returned for every intercept failure
// path, resolved by the fail-open/fail-closed policy in h.cfg.
func (h *Host) failAction() PluginAction {
	if h.cfg.InterceptFailOpen {
		return PluginAction{Kind: ActionForward}
	}
	return PluginAction{Kind: ActionDiscard}
}

// workerPool is the bounded, buffered-channel-backed pool intercept
// calls are offloaded onto (sized by hooks.intercept_workers). submit
// and close are serialized through mu so close never races a send on
// the about-to-be-closed jobs channel.
type workerPool struct {
	mu     sync.Mutex
	jobs   chan func()
	wg     sync.WaitGroup
	closed bool
}

func newWorkerPool(n int) *workerPool {
	p := &workerPool{jobs: make(chan func(), n*4)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.jobs {
				fn()
			}
		}()
	}
	return p
}

// submit enqueues fn, returning false if the pool has already been closed.
func (p *workerPool) submit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.jobs <- fn
	return true
}

func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
