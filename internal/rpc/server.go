package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/metrics"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Config bounds per-connection behavior.
type Config struct {
	// RequestTimeout caps each call independently of connection lifetime.
	RequestTimeout time.Duration
	// PingInterval is how often the server pings an otherwise idle peer.
	PingInterval time.Duration
	// IdleTimeout closes a connection with no inbound frames at all. It
	// must exceed PingInterval so a live peer's pongs keep it open.
	IdleTimeout time.Duration
	// MaxInFlight caps concurrently executing calls per connection.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * c.PingInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 32
	}
	return c
}

// Authenticator resolves an API key, satisfied by *pipeline.Pipeline.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (render.Credential, render.Tenant, error)
}

// MethodFunc executes one call for an authenticated peer.
type MethodFunc func(ctx context.Context, tenant render.Tenant, cred render.Credential, params json.RawMessage) (any, *render.Error)

// Server upgrades HTTP requests to websocket connections and serves
// pipelined calls over them.
type Server struct {
	cfg     Config
	auth    Authenticator
	methods map[string]MethodFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with an empty method table.
func NewServer(cfg Config, auth Authenticator, logger *zap.Logger) *Server {
	metrics.Init()
	return &Server{
		cfg:     cfg.withDefaults(),
		auth:    auth,
		methods: make(map[string]MethodFunc),
		logger:  logger,
	}
}

// Register adds a method to the call table. Not safe to call once the
// server is accepting connections.
func (s *Server) Register(name string, fn MethodFunc) {
	s.methods[name] = fn
}

// ServeHTTP authenticates the upgrade request and hands the hijacked
// connection to the frame loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred, tenant, err := s.auth.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
	if err != nil {
		re := render.AsError(err)
		http.Error(w, re.Message, render.HTTPStatus(re.Code))
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	go s.ServeConn(r.Context(), conn, tenant, cred)
}

// call tracks one request for pipelining: dependents wait on done.
type call struct {
	done   chan struct{}
	failed *render.Error
}

type conn struct {
	srv    *Server
	nc     net.Conn
	tenant render.Tenant
	cred   render.Credential

	outbound chan []byte
	slots    chan struct{}

	mu    sync.Mutex
	calls map[string]*call
}

// ServeConn runs the receive loop until the peer disconnects or the
// context is cancelled. Exported so transports other than HTTP upgrade
// (and tests over net.Pipe) can drive it.
func (s *Server) ServeConn(parent context.Context, nc net.Conn, tenant render.Tenant, cred render.Credential) {
	metrics.IncRPCConnections()
	defer metrics.DecRPCConnections()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := &conn{
		srv:      s,
		nc:       nc,
		tenant:   tenant,
		cred:     cred,
		outbound: make(chan []byte, 64),
		slots:    make(chan struct{}, s.cfg.MaxInFlight),
	}
	c.calls = make(map[string]*call)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	_ = nc.Close()
	wg.Wait()
}

// idleConn extends the read deadline on every successful read. Pong and
// other control frames are consumed inside wsutil without surfacing to
// the read loop, so the deadline must ride on the raw reads for a live
// but quiet peer to stay connected.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}

// readLoop decodes inbound frames and dispatches each call on its own
// goroutine so a slow call never blocks later ones.
func (c *conn) readLoop(ctx context.Context) {
	src := &idleConn{Conn: c.nc, timeout: c.srv.cfg.IdleTimeout}
	if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout)); err != nil {
		return
	}
	for {
		data, op, err := wsutil.ReadClientData(src)
		if err != nil {
			if ctx.Err() == nil {
				c.srv.logger.Debug("rpc connection closed",
					zap.String("tenant_id", c.tenant.ID), zap.Error(err))
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.respondError("", render.NewError(render.CodeInvalidInput, "malformed request frame", err))
			continue
		}
		if req.ID == "" {
			c.respondError("", render.NewError(render.CodeInvalidInput, "request id is required", nil))
			continue
		}

		cl, dup := c.registerCall(req.ID)
		if dup {
			c.respondError(req.ID, render.NewError(render.CodeInvalidInput, "duplicate request id", nil))
			continue
		}
		go c.dispatch(ctx, req, cl)
	}
}

func (c *conn) registerCall(id string) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[id]; ok {
		return nil, true
	}
	cl := &call{done: make(chan struct{})}
	c.calls[id] = cl
	return cl, false
}

func (c *conn) lookupCall(id string) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// dispatch waits for the call's dependency (if any) and an in-flight
// slot, executes the method under the request timeout, and completes the
// call so dependents can run.
func (c *conn) dispatch(ctx context.Context, req Request, cl *call) {
	defer close(cl.done)

	// Promise pipelining: hold this call until its dependency resolves.
	// An unknown dependency id is treated as already resolved.
	if req.After != "" {
		if dep := c.lookupCall(req.After); dep != nil {
			select {
			case <-dep.done:
				if dep.failed != nil {
					cl.failed = render.NewError(render.CodeInvalidInput,
						fmt.Sprintf("dependency %s failed: %s", req.After, dep.failed.Code), nil)
					c.respondError(req.ID, cl.failed)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}

	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return
	}

	fn, ok := c.srv.methods[req.Method]
	if !ok {
		cl.failed = render.NewError(render.CodeInvalidInput, fmt.Sprintf("unknown method %q", req.Method), nil)
		c.respondError(req.ID, cl.failed)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.srv.cfg.RequestTimeout)
	defer cancel()
	result, rerr := fn(callCtx, c.tenant, c.cred, req.Params)
	if rerr != nil {
		cl.failed = rerr
		c.respondError(req.ID, rerr)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		cl.failed = render.NewError(render.CodeInternal, "encode result", err)
		c.respondError(req.ID, cl.failed)
		return
	}
	c.respond(Response{ID: req.ID, Result: payload})
}

func (c *conn) respondError(id string, rerr *render.Error) {
	c.respond(Response{ID: id, Error: rerr})
}

func (c *conn) respond(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.srv.logger.Error("encode response frame", zap.Error(err))
		return
	}
	select {
	case c.outbound <- data:
	default:
		// Outbound queue full means the peer stopped reading; the write
		// loop will tear the connection down on its next write error.
		c.srv.logger.Warn("rpc outbound queue full, dropping response",
			zap.String("tenant_id", c.tenant.ID), zap.String("request_id", resp.ID))
	}
}

// writeLoop is the only writer on the socket. It interleaves responses
// with heartbeat pings.
func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.outbound:
			if err := wsutil.WriteServerMessage(c.nc, ws.OpText, data); err != nil {
				_ = c.nc.Close()
				return
			}
		case <-ticker.C:
			if err := wsutil.WriteServerMessage(c.nc, ws.OpPing, nil); err != nil {
				_ = c.nc.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
