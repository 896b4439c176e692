package rpcgateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

// Client is one connected websocket peer, reading Request frames and
// writing back Response frames.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger

	writeMu sync.Mutex
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		log:  slog.Default().With("component", "rpcgateway", "client", conn.RemoteAddr().String()),
	}
}

// run reads frames until the connection closes or ctx is cancelled.
func (c *Client) run(ctx context.Context) {
	for {
		var req protocol.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}

		if !c.srv.rateLimiter.Allow() {
			c.writeResponse(protocol.Response{ID: req.ID, Error: "rate limit exceeded"})
			continue
		}

		go c.handle(ctx, req)
	}
}

func (c *Client) handle(ctx context.Context, req protocol.Request) {
	callCtx, cancel := context.WithTimeout(ctx, 130*time.Second)
	defer cancel()

	result, err := c.srv.router.Dispatch(callCtx, req.Method, req.Args)
	resp := protocol.Response{ID: req.ID, Result: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Result = nil
	}
	c.writeResponse(resp)
}

func (c *Client) writeResponse(resp protocol.Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(resp); err != nil {
		c.log.Error("write failed", "error", err)
	}
}

func (c *Client) close() {
	c.conn.Close()
}
