package plugin

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// instanceSeq gives every instantiated module a unique name; wazero
// rejects instantiating two modules under the same name concurrently, and
// each hook invocation needs its own fresh instance so state/resources
// never leak between calls.
var instanceSeq uint64

// Runtime owns one wazero.Runtime per hook world plus their compiled
// modules, built once at startup. Authenticate and intercept get
// separate runtimes, not just separate modules, so the HTTP host
// binding is only ever linkable into the authenticate world —
// capabilities are bound at linker-construction time, holding even if
// an intercept module declares a matching import, since no such host
// module is registered on its runtime and instantiation fails instead
// of silently granting access.
type Runtime struct {
	authRT       wazero.Runtime
	authCompiled wazero.CompiledModule

	interceptRT       wazero.Runtime
	interceptCompiled wazero.CompiledModule

	httpClient *http.Client
	log        zerolog.Logger
}

// NewRuntime compiles authPath and interceptPath, if non-empty. Either may
// be empty, in which case that hook is simply never invokable (Host
// treats "not configured" as a pass-through and never calls in).
func NewRuntime(ctx context.Context, authPath, interceptPath string, log zerolog.Logger) (*Runtime, error) {
	r := &Runtime{
		log: log,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > 0 && req.URL.Scheme != via[0].URL.Scheme {
					return fmt.Errorf("plugin runtime: cross-scheme redirect blocked")
				}
				return nil
			},
		},
	}

	if authPath != "" {
		rt := wazero.NewRuntime(ctx)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("plugin runtime: instantiate wasi for authenticate: %w", err)
		}
		if _, err := rt.NewHostModuleBuilder("env").
			NewFunctionBuilder().
			WithFunc(r.hostHTTPFetch).
			Export("host_http_fetch").
			Instantiate(ctx); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("plugin runtime: bind host_http_fetch: %w", err)
		}

		compiled, err := compileFile(ctx, rt, authPath)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("plugin runtime: compile authenticate module: %w", err)
		}
		r.authRT = rt
		r.authCompiled = compiled
	}

	if interceptPath != "" {
		rt := wazero.NewRuntime(ctx)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("plugin runtime: instantiate wasi for intercept: %w", err)
		}

		compiled, err := compileFile(ctx, rt, interceptPath)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("plugin runtime: compile intercept module: %w", err)
		}
		r.interceptRT = rt
		r.interceptCompiled = compiled
	}

	return r, nil
}

func compileFile(ctx context.Context, rt wazero.Runtime, path string) (wazero.CompiledModule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return rt.CompileModule(ctx, data)
}

// hostHTTPFetch is the host function bound into the authenticate world.
// reqPtr/reqLen address a JSON-encoded fetchRequest in guest memory; it
// performs the fetch, writes a JSON-encoded fetchResponse into guest
// memory via the module's own `alloc` export, and returns the packed
// (ptr<<32 | len) result.
func (r *Runtime) hostHTTPFetch(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
	data, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		return 0
	}

	status, body, err := doHostFetch(ctx, r.httpClient, data)
	if err != nil {
		r.log.Warn().Err(err).Msg("host_http_fetch failed")
		status, body = 0, nil
	}

	out := encodeFetchResponse(status, body)
	return writeToGuest(ctx, mod, out)
}

func writeToGuest(ctx context.Context, mod api.Module, data []byte) uint64 {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(data))
}

// InvokeAuthenticate instantiates a fresh module against authCompiled,
// calls its exported "authenticate" function, and reads back the result.
func (r *Runtime) InvokeAuthenticate(ctx context.Context, input []byte) ([]byte, error) {
	if r.authCompiled == nil {
		return nil, fmt.Errorf("plugin runtime: no authenticate module configured")
	}
	return invoke(ctx, r.authRT, r.authCompiled, "authenticate", input)
}

// InvokeIntercept instantiates a fresh module against interceptCompiled,
// calls its exported "intercept" function, and reads back the result.
func (r *Runtime) InvokeIntercept(ctx context.Context, input []byte) ([]byte, error) {
	if r.interceptCompiled == nil {
		return nil, fmt.Errorf("plugin runtime: no intercept module configured")
	}
	return invoke(ctx, r.interceptRT, r.interceptCompiled, "intercept", input)
}

func invoke(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, fn string, input []byte) ([]byte, error) {
	name := "invocation-" + strconv.FormatUint(atomic.AddUint64(&instanceSeq, 1), 10)
	cfg := wazero.NewModuleConfig().WithName(name)

	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module for %s: %w", fn, err)
	}
	defer mod.Close(ctx)

	inPtr := writeToGuest(ctx, mod, input)
	if inPtr == 0 {
		return nil, fmt.Errorf("%s: failed to write input into guest memory", fn)
	}
	ptr := uint32(inPtr >> 32)
	length := uint32(inPtr)

	exported := mod.ExportedFunction(fn)
	if exported == nil {
		return nil, fmt.Errorf("module does not export %q", fn)
	}

	results, err := exported.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return nil, fmt.Errorf("%s: call trapped: %w", fn, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s: no result returned", fn)
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	out, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%s: failed to read output from guest memory", fn)
	}
	// Copy out of guest memory before the deferred mod.Close invalidates it.
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

// Close releases both runtimes and every compiled module.
func (r *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if r.interceptRT != nil {
		if err := r.interceptRT.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if r.authRT != nil {
		if err := r.authRT.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
