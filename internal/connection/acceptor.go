package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/redbco/streamrelay/internal/config"
	"github.com/redbco/streamrelay/internal/plugin"
	"github.com/redbco/streamrelay/internal/source"
)

// Acceptor is the HTTP-to-WebSocket upgrade layer. It builds a
// gorilla/websocket.Upgrader once, runs the authenticate hook (if any)
// pre-upgrade, and on success spawns a connection manager per
// connection with its own read/write pumps.
type Acceptor struct {
	registry      *source.Registry
	subscriberCfg config.SubscriberConfig
	host          *plugin.Host
	upgrader      websocket.Upgrader
	server        config.ServerConfig
	log           zerolog.Logger

	active   int64
	wg       sync.WaitGroup
	draining int32

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc
}

// NewAcceptor constructs an Acceptor ready to be mounted as an
// http.Handler.
func NewAcceptor(registry *source.Registry, subscriberCfg config.SubscriberConfig, host *plugin.Host, server config.ServerConfig, log zerolog.Logger) *Acceptor {
	return &Acceptor{
		registry:      registry,
		subscriberCfg: subscriberCfg,
		host:          host,
		server:        server,
		log:           log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		cancels: make(map[string]context.CancelFunc),
	}
}

// ActiveConnections reports the number of currently live connections.
func (a *Acceptor) ActiveConnections() int64 {
	return atomic.LoadInt64(&a.active)
}

// Shutdown stops the Acceptor from accepting further upgrades and waits
// for every in-flight connection's Manager to exit. If ctx expires first
// (the configured shutdown_grace_period elapsed), every remaining
// connection's context is cancelled to force it closed rather than
// leaving the process to hang on a client that never disconnects.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&a.draining, 1)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.cancelAll()
		<-done
		return ctx.Err()
	}
}

func (a *Acceptor) cancelAll() {
	a.cancelsMu.Lock()
	defer a.cancelsMu.Unlock()
	for _, cancel := range a.cancels {
		cancel()
	}
}

// ServeHTTP implements http.Handler, mounted at the WebSocket endpoint.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&a.draining) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	authReq := buildAuthRequest(r)

	outcome := a.host.Authenticate(r.Context(), authReq)
	if outcome.Kind == plugin.AuthReject {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var authCtx []byte
	if outcome.Kind == plugin.AuthWithContext {
		authCtx = outcome.Context
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	atomic.AddInt64(&a.active, 1)
	a.wg.Add(1)
	defer func() {
		atomic.AddInt64(&a.active, -1)
		a.wg.Done()
	}()

	a.serve(conn, r, authCtx)
}

func buildAuthRequest(r *http.Request) plugin.AuthRequest {
	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = v
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return plugin.AuthRequest{
		Method:        r.Method,
		PathWithQuery: r.URL.RequestURI(),
		Headers:       headers,
		Authority:     r.Host,
		Scheme:        scheme,
	}
}

// serve runs one connection's read pump, write pump, and Connection
// Manager until any of them exits, then tears everything down.
func (a *Acceptor) serve(conn *websocket.Conn, r *http.Request, authCtx []byte) {
	connID := uuid.NewString()
	log := a.log.With().Str("connection_id", connID).Logger()

	defer conn.Close()

	if a.server.MaxMessageBytes > 0 {
		conn.SetReadLimit(a.server.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.cancelsMu.Lock()
	a.cancels[connID] = cancel
	a.cancelsMu.Unlock()
	defer func() {
		a.cancelsMu.Lock()
		delete(a.cancels, connID)
		a.cancelsMu.Unlock()
	}()

	outCh := make(chan []byte, 64)
	outClosed := make(chan struct{})
	inCh := make(chan inboundCommand, 64)

	go a.writePump(conn, outCh, outClosed, log)
	go a.readPump(conn, inCh, cancel, log)

	connCtx := plugin.ConnectionCtx{RemoteAddr: r.RemoteAddr, ConnectID: connID}
	mgr := NewManager(a.registry, a.subscriberCfg, a.host, connCtx, authCtx, inCh, outCh, outClosed, log)

	log.Info().Msg("connection established")
	mgr.Run(ctx)
	log.Info().Msg("connection closed")
}

// readPump validates and decodes inbound frames — binary frames and
// undeserialisable text close with code 1002 — and forwards valid
// commands to cmdCh. It closes cmdCh and cancels the connection's
// context on any read error or protocol violation.
func (a *Acceptor) readPump(conn *websocket.Conn, cmdCh chan<- inboundCommand, cancel context.CancelFunc, log zerolog.Logger) {
	defer cancel()
	defer close(cmdCh)

	if a.server.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(a.server.ReadTimeout))
	}
	conn.SetPongHandler(func(string) error {
		if a.server.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(a.server.ReadTimeout))
		}
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}

		if msgType != websocket.TextMessage {
			a.closeProtocolError(conn, "Unsupported command form. Only UTF-8 encoded text is supported")
			return
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			a.closeProtocolError(conn, fmt.Sprintf("undeserialisable frame: %s", truncate(data, 99)))
			return
		}

		select {
		case cmdCh <- cmd:
		case <-time.After(a.server.WriteTimeout):
			return
		}
	}
}

func (a *Acceptor) closeProtocolError(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n])
}

// writePump owns all writes to conn: outbound frames and periodic
// pings. Closes outClosed on any write failure so the connection
// manager learns the sink is gone.
func (a *Acceptor) writePump(conn *websocket.Conn, outCh <-chan []byte, outClosed chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(a.server.PingInterval)
	defer ticker.Stop()
	defer close(outClosed)

	for {
		select {
		case data, ok := <-outCh:
			if !ok {
				return
			}
			if a.server.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(a.server.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Msg("write failed; closing connection")
				return
			}

		case <-ticker.C:
			if a.server.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(a.server.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("ping failed; closing connection")
				return
			}
		}
	}
}
