// Package gateway is the daemon's RPC surface: newline-delimited JSON-RPC
// 2.0 over a unix socket under the data dir. Every authenticated method
// carries a token parameter; the authorizer turns it into a principal
// before the method runs. Requests on one connection are dispatched
// concurrently and responses are written as they finish, so a slow call
// never blocks a daemon.ping behind it.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hiboss/hi-boss/internal/audit"
	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/channels"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/cron"
	"github.com/hiboss/hi-boss/internal/engine"
	hbotel "github.com/hiboss/hi-boss/internal/otel"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/policy"
	"github.com/hiboss/hi-boss/internal/provider"
	"github.com/hiboss/hi-boss/internal/router"
	"github.com/hiboss/hi-boss/internal/shared"
)

const (
	// probeTimeout bounds the liveness check against a pre-existing socket
	// file at startup.
	probeTimeout = 200 * time.Millisecond

	// maxFrameBytes caps a single request line.
	maxFrameBytes = 4 << 20
)

// ErrAlreadyRunning means another daemon answered on the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// Runtime is the slice of the engine the RPC methods drive.
type Runtime interface {
	RequestRefresh(agentName, reason string)
	RefreshAll(reason string)
	Abort(ctx context.Context, agentName string) error
	AgentStatus(agentName string) engine.Status
	Snapshot() []engine.Status
}

type Config struct {
	Store     *persistence.Store
	Auth      *policy.Authorizer
	Router    *router.Router
	Engine    Runtime
	Cron      *cron.Scheduler
	Adapters  *channels.Registry
	Providers *provider.Registry
	Bus       *bus.Bus
	Clock     clock.Clock
	Logger    *slog.Logger
	Audit     *audit.Log

	// Tracer and Metrics are optional; nil disables instrumentation.
	Tracer  trace.Tracer
	Metrics *hbotel.Metrics

	SocketPath string
	DataDir    string
	Version    string

	// NextWake reports the one-shot scheduler's next timer, for
	// daemon.status. Optional.
	NextWake func() *time.Time

	// Shutdown requests a graceful daemon stop. daemon.stop calls it on its
	// own goroutine after queueing the response.
	Shutdown func()
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	clk       clock.Clock
	startedAt time.Time

	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		clk:       cfg.Clock,
		startedAt: cfg.Clock.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start claims the socket and begins serving. A live socket at the path
// means another instance owns the data dir and Start fails with
// ErrAlreadyRunning; a dead socket file is replaced.
func (s *Server) Start(ctx context.Context) error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, probeTimeout)
		if err == nil {
			_ = conn.Close()
			return ErrAlreadyRunning
		}
		s.logger.Info("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln
	s.logger.Info("rpc listening", "socket", path)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every open connection, then waits for
// handlers to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				s.logger.Warn("rpc accept failed", "error", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// serveConn reads frames until the peer hangs up. Each request runs on its
// own goroutine; writes are serialized by a per-connection mutex.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	var writeMu sync.Mutex
	write := func(resp *response) {
		raw, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("rpc marshal response", "error", err)
			return
		}
		raw = append(raw, '\n')
		writeMu.Lock()
		_, werr := conn.Write(raw)
		writeMu.Unlock()
		if werr != nil && ctx.Err() == nil && !s.isClosed() {
			s.logger.Debug("rpc write failed", "error", werr)
		}
	}

	var pending sync.WaitGroup
	defer pending.Wait()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			write(&response{
				JSONRPC: "2.0",
				Error:   &Error{Code: CodeParse, Message: "parse error: " + err.Error()},
			})
			continue
		}
		pending.Add(1)
		go func(req request) {
			defer pending.Done()
			if resp := s.handle(ctx, req); resp != nil {
				write(resp)
			}
		}(req)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !s.isClosed() {
		s.logger.Debug("rpc connection closed", "error", err)
	}
}

// handle authorizes and dispatches one request. Requests without an id are
// notifications: they execute but get no response.
func (s *Server) handle(ctx context.Context, req request) *response {
	id, hasID := decodeID(req.ID)
	respond := func(result any, err error) *response {
		if !hasID {
			return nil
		}
		if err != nil {
			return &response{JSONRPC: "2.0", ID: id, Error: toRPCError(err)}
		}
		return &response{JSONRPC: "2.0", ID: id, Result: result}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &response{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &Error{Code: CodeInvalidRequest, Message: "invalid JSON-RPC 2.0 request"},
		}
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithMethod(ctx, req.Method)
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = hbotel.StartServerSpan(ctx, s.cfg.Tracer, "rpc."+req.Method,
			hbotel.AttrMethod.String(req.Method),
			hbotel.AttrTraceID.String(traceID))
		defer span.End()
	}
	started := s.clk.Now()

	principal, result, err := s.dispatch(ctx, req)

	dur := s.clk.Now().Sub(started)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	logArgs := []any{
		"method", req.Method, "trace_id", traceID,
		"duration_ms", dur.Milliseconds(), "outcome", outcome,
	}
	if principal != nil {
		logArgs = append(logArgs, "principal", principal.String())
	}
	if err != nil {
		logArgs = append(logArgs, "error", shared.Redact(err.Error()))
		s.logger.Warn("rpc request failed", logArgs...)
	} else {
		s.logger.Debug("rpc request handled", logArgs...)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RPCRequests.Add(ctx, 1)
		s.cfg.Metrics.RPCDuration.Record(ctx, dur.Seconds())
	}
	if isMutating(req.Method) {
		name := ""
		if principal != nil {
			name = principal.String()
		}
		s.cfg.Audit.Record(ctx, req.Method, name, err)
	}

	return respond(result, err)
}

// dispatch authorizes the caller and routes to the method handler. The
// setup methods run unauthenticated; boss.verify authenticates without a
// level gate.
func (s *Server) dispatch(ctx context.Context, req request) (*policy.Principal, any, error) {
	switch req.Method {
	case "setup.check":
		result, err := s.setupCheck(ctx)
		return nil, result, err
	case "setup.execute":
		result, err := s.setupExecute(ctx, req.Params)
		return nil, result, err
	case "boss.verify":
		return s.bossVerify(ctx, req.Params)
	}

	principal, err := s.cfg.Auth.Authorize(ctx, req.Method, tokenOf(req.Params))
	if err != nil {
		return nil, nil, err
	}

	var result any
	switch req.Method {
	case "daemon.ping":
		result, err = s.daemonPing(ctx)
	case "daemon.status":
		result, err = s.daemonStatus(ctx)
	case "daemon.stop":
		result, err = s.daemonStop(ctx)
	case "daemon.time":
		result, err = s.daemonTime(ctx)
	case "envelope.send":
		result, err = s.envelopeSend(ctx, principal, req.Params)
	case "envelope.list":
		result, err = s.envelopeList(ctx, req.Params)
	case "envelope.get":
		result, err = s.envelopeGet(ctx, req.Params)
	case "agent.register":
		result, err = s.agentRegister(ctx, req.Params)
	case "agent.list":
		result, err = s.agentList(ctx)
	case "agent.status":
		result, err = s.agentStatus(ctx, req.Params)
	case "agent.set":
		result, err = s.agentSet(ctx, req.Params)
	case "agent.delete":
		result, err = s.agentDelete(ctx, req.Params)
	case "agent.refresh":
		result, err = s.agentRefresh(ctx, req.Params)
	case "agent.abort":
		result, err = s.agentAbort(ctx, req.Params)
	case "agent.session-policy.set":
		result, err = s.agentSessionPolicySet(ctx, req.Params)
	case "agent.bind":
		result, err = s.agentBind(ctx, req.Params)
	case "agent.unbind":
		result, err = s.agentUnbind(ctx, req.Params)
	case "cron.create":
		result, err = s.cronCreate(ctx, principal, req.Params)
	case "cron.list":
		result, err = s.cronList(ctx, req.Params)
	case "cron.get":
		result, err = s.cronGet(ctx, req.Params)
	case "cron.enable":
		result, err = s.cronSetEnabled(ctx, principal, req.Params, true)
	case "cron.disable":
		result, err = s.cronSetEnabled(ctx, principal, req.Params, false)
	case "cron.delete":
		result, err = s.cronDelete(ctx, principal, req.Params)
	case "reaction.set":
		result, err = s.reactionSet(ctx, req.Params)
	default:
		return principal, nil, &Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		}
	}
	return principal, result, err
}

// tokenOf peels the token out of params without decoding the rest.
func tokenOf(params json.RawMessage) string {
	var p struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(params, &p)
	return p.Token
}

// isMutating marks the methods the audit log records.
func isMutating(method string) bool {
	switch method {
	case "envelope.send",
		"agent.register", "agent.set", "agent.delete", "agent.refresh",
		"agent.abort", "agent.session-policy.set", "agent.bind", "agent.unbind",
		"cron.create", "cron.enable", "cron.disable", "cron.delete",
		"reaction.set", "setup.execute", "daemon.stop":
		return true
	default:
		return false
	}
}

// decodeParams unmarshals params into dst, tolerating absent params.
func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return invalidParams("", "malformed params: "+err.Error())
	}
	return nil
}
