// Package ipc is the typed message fabric between the surrogate, the
// Jailor, and each core worker. Each end registers named functions the
// other end calls, with a correlation id matching responses to
// requests. Callback-shaped traffic (task_callback and the per-core
// callback) travels as fire-and-forget notifications instead of
// request/response, so a completion report never waits on a reply.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CallbackTimeout is the deadline callers put on short request/response
// Calls (the surrogate's install_task, task_exists and core_count).
// Call itself applies no deadline beyond the ctx it is given.
const CallbackTimeout = 5 * time.Second

// Handler is a function registered on one end of a Channel and invoked
// by name from the other end.
type Handler func(ctx context.Context, args ...interface{}) (interface{}, error)

// NotifyHandler is a registered fire-and-forget callback: no response
// frame is sent back.
type NotifyHandler func(args ...interface{})

type frameKind int

const (
	kindRequest frameKind = iota
	kindResponse
	kindNotify
)

type frame struct {
	kind   frameKind
	id     uint64
	method string
	args   []interface{}
	result interface{}
	err    error
}

// Channel is one endpoint of a bidirectional bus. Use NewPair to create
// two endpoints wired to each other.
type Channel struct {
	name string
	out  chan<- frame
	in   <-chan frame

	nextID uint64

	mu       sync.Mutex
	funcs    map[string]Handler
	notifies map[string]NotifyHandler
	pending  map[uint64]chan frame

	closeOnce sync.Once
	done      chan struct{}
}

// NewPair returns two Channels, each reading what the other writes.
func NewPair(nameA, nameB string) (*Channel, *Channel) {
	abuf := make(chan frame, 64)
	bbuf := make(chan frame, 64)

	a := newChannel(nameA, abuf, bbuf)
	b := newChannel(nameB, bbuf, abuf)
	return a, b
}

func newChannel(name string, out chan frame, in chan frame) *Channel {
	c := &Channel{
		name:     name,
		out:      out,
		in:       in,
		funcs:    make(map[string]Handler),
		notifies: make(map[string]NotifyHandler),
		pending:  make(map[uint64]chan frame),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// RegisterFunction exposes fn under name for the other end to Call.
func (c *Channel) RegisterFunction(name string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

// RegisterNotify exposes fn under name for the other end to Notify.
// Used for callback-shaped messages (no reply expected).
func (c *Channel) RegisterNotify(name string, fn NotifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies[name] = fn
}

// Call sends a request to the other end and blocks for its response or
// until ctx is done.
func (c *Channel) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	reply := make(chan frame, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.out <- frame{kind: kindRequest, id: id, method: method, args: args}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("ipc: channel %s closed", c.name)
	}

	select {
	case f := <-reply:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("ipc: channel %s closed", c.name)
	}
}

// Notify sends a fire-and-forget message to the other end's registered
// NotifyHandler for method. No response is awaited; a Notify for a
// method the other end never registered is silently dropped.
func (c *Channel) Notify(method string, args ...interface{}) {
	select {
	case c.out <- frame{kind: kindNotify, method: method, args: args}:
	case <-c.done:
	default:
		go func() {
			select {
			case c.out <- frame{kind: kindNotify, method: method, args: args}:
			case <-c.done:
			}
		}()
	}
}

// readLoop serves inbound frames. Requests and notifications each run
// on their own goroutine so a handler blocked on a lock cannot stall
// response delivery for an outstanding Call on this same endpoint.
func (c *Channel) readLoop() {
	for {
		select {
		case f, ok := <-c.in:
			if !ok {
				return
			}
			switch f.kind {
			case kindRequest:
				go c.serve(f)
			case kindResponse:
				c.mu.Lock()
				reply, ok := c.pending[f.id]
				c.mu.Unlock()
				if ok {
					reply <- f
				}
			case kindNotify:
				c.mu.Lock()
				fn, ok := c.notifies[f.method]
				c.mu.Unlock()
				if ok {
					go fn(f.args...)
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) serve(req frame) {
	c.mu.Lock()
	fn, ok := c.funcs[req.method]
	c.mu.Unlock()

	resp := frame{kind: kindResponse, id: req.id}
	if !ok {
		resp.err = fmt.Errorf("ipc: no such function %q registered on %s", req.method, c.name)
	} else {
		resp.result, resp.err = fn(context.Background(), req.args...)
	}

	select {
	case c.out <- resp:
	case <-c.done:
	}
}

// Close releases the channel's reader goroutine and fails any
// outstanding Call.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
