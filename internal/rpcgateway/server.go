// Package rpcgateway is the Surrogate's client-facing RPC transport: a
// websocket MethodRouter exposing perform_task, perform_task_intent,
// install_task, has_task, ping, and the datastore pass-throughs.
package rpcgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/madsdk/python-execution-environment/internal/config"
	"github.com/madsdk/python-execution-environment/internal/datastore"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/surrogate"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

// Server is the gateway's websocket + health-check front.
type Server struct {
	cfg   *config.Config
	surr  *surrogate.Surrogate
	log   *slog.Logger

	router      *MethodRouter
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer builds a gateway front over surr with the full RPC surface
// registered.
func NewServer(cfg *config.Config, surr *surrogate.Surrogate) *Server {
	s := &Server{
		cfg:     cfg,
		surr:    surr,
		log:     slog.Default().With("component", "rpcgateway"),
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPS, 10)
	s.router = NewMethodRouter()
	s.registerMethods()
	return s
}

func (s *Server) registerMethods() {
	s.router.Register(protocol.MethodPerformTask, s.handlePerformTask)
	s.router.Register(protocol.MethodPerformTaskIntent, s.handlePerformTaskIntent)
	s.router.Register(protocol.MethodInstallTask, s.handleInstallTask)
	s.router.Register(protocol.MethodHasTask, s.handleHasTask)
	s.router.Register(protocol.MethodPing, s.handlePing)
	s.router.Register(protocol.MethodResolveDataHandle, s.handleResolveDataHandle)
	s.router.Register(protocol.MethodRetainDataHandle, s.handleRetainDataHandle)
	s.router.Register(protocol.MethodExpireDataHandle, s.handleExpireDataHandle)
	s.router.Register(protocol.MethodStoreData, s.handleStoreData)
}

// Start begins listening for websocket connections on cfg.Gateway.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.log.Info("rpcgateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpcgateway: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()
	c.run(r.Context())
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}

// --- method handlers -------------------------------------------------

func (s *Server) handlePerformTask(ctx context.Context, args []interface{}) (interface{}, error) {
	name, input, timeout, store, profile, err := parsePerformTaskArgs(args)
	if err != nil {
		return nil, err
	}

	res, err := s.surr.PerformTask(ctx, name, input, surrogate.PerformTaskOpts{
		Timeout: timeout,
		Store:   store,
		Profile: profile,
	})
	if err != nil {
		return nil, err
	}
	if profile {
		return []interface{}{encodeOutput(res.Output), res.Complexity}, nil
	}
	return encodeOutput(res.Output), nil
}

func (s *Server) handlePerformTaskIntent(ctx context.Context, args []interface{}) (interface{}, error) {
	failure := false
	if len(args) > 0 {
		if b, ok := args[0].(bool); ok {
			failure = b
		}
	}
	if failure {
		s.surr.AdjustActivity(-1)
	} else {
		s.surr.AdjustActivity(1)
	}
	return nil, nil
}

func (s *Server) handleInstallTask(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("install_task requires (name, code)")
	}
	name, _ := args[0].(string)
	code, _ := args[1].(string)
	return nil, s.surr.InstallTask(name, code)
}

func (s *Server) handleHasTask(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("has_task requires (name)")
	}
	name, _ := args[0].(string)
	return s.surr.HasTask(name), nil
}

func (s *Server) handlePing(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return s.surr.Ping(args[0]), nil
}

func (s *Server) handleResolveDataHandle(ctx context.Context, args []interface{}) (interface{}, error) {
	h, err := parseHandleArg(args)
	if err != nil {
		return nil, err
	}
	return s.surr.ResolveDataHandle(h)
}

func (s *Server) handleRetainDataHandle(ctx context.Context, args []interface{}) (interface{}, error) {
	h, err := parseHandleArg(args)
	if err != nil {
		return nil, err
	}
	return nil, s.surr.RetainDataHandle(h)
}

func (s *Server) handleExpireDataHandle(ctx context.Context, args []interface{}) (interface{}, error) {
	h, err := parseHandleArg(args)
	if err != nil {
		return nil, err
	}
	return nil, s.surr.ExpireDataHandle(h)
}

func (s *Server) handleStoreData(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("store_data requires (payload)")
	}
	h, err := s.surr.StoreData(args[0])
	if err != nil {
		return nil, err
	}
	return string(h), nil
}

func parseHandleArg(args []interface{}) (datastore.Handle, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("missing data handle argument")
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("data handle argument must be a string")
	}
	return datastore.Handle(s), nil
}

// parsePerformTaskArgs decodes the wire args for perform_task(name,
// input, timeout, store, profile) into its typed components.
func parsePerformTaskArgs(args []interface{}) (name string, in pyruntime.Input, timeout time.Duration, store, profile bool, err error) {
	if len(args) < 2 {
		err = fmt.Errorf("perform_task requires (name, input)")
		return
	}
	name, ok := args[0].(string)
	if !ok {
		err = fmt.Errorf("perform_task: name must be a string")
		return
	}
	in = decodeInput(args[1])

	if len(args) > 2 {
		if secs, ok := args[2].(float64); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if len(args) > 3 {
		if b, ok := args[3].(bool); ok {
			store = b
		}
	}
	if len(args) > 4 {
		if b, ok := args[4].(bool); ok {
			profile = b
		}
	}
	return
}

// decodeInput maps a JSON-decoded value onto the tagged Input variant:
// objects become kwargs, arrays become positional args, everything
// else is a single value.
func decodeInput(v interface{}) pyruntime.Input {
	switch x := v.(type) {
	case map[string]interface{}:
		return pyruntime.KwargsInput(x)
	case []interface{}:
		return pyruntime.ArgsInput(x)
	default:
		return pyruntime.OneInput(x)
	}
}

// encodeOutput converts a datastore.Handle (or slice of handles) back
// to wire-safe strings; everything else passes through unchanged.
func encodeOutput(v interface{}) interface{} {
	switch x := v.(type) {
	case datastore.Handle:
		return string(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = encodeOutput(e)
		}
		return out
	default:
		return v
	}
}
