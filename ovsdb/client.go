// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ovsdb is a client for the OVSDB JSON-RPC management protocol
// (RFC 7047), used here as the bundle/port/mirror configuration source
// feeding ofproto.Bridge reconfiguration.
package ovsdb

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovs-project/ofproto-dpif/ovsdb/internal/jsonrpc"
)

// A Client is an OVSDB client. It runs a single background goroutine that
// reads responses and server-initiated notifications off the wire and
// dispatches them to the callback awaiting each outstanding request by
// JSON-RPC request ID -- request/response correlation happens here rather
// than inline in each RPC method, so concurrent callers can share one
// connection (TestClientIntegrationConcurrent).
type Client struct {
	c  *jsonrpc.Conn
	ll *log.Logger

	echoInterval time.Duration
	stopEcho     chan struct{}
	wg           sync.WaitGroup

	nextID int64

	mu        sync.Mutex
	closed    bool
	callbacks map[string]chan rpcResponse

	statsMu sync.Mutex
	stats   ClientStats
}

// ClientStats reports a Client's internal bookkeeping, for tests that
// assert no callbacks or echo-loop state leaks across RPCs.
type ClientStats struct {
	Callbacks CallbackStats
	EchoLoop  EchoLoopStats
}

// CallbackStats reports the outstanding-request bookkeeping.
type CallbackStats struct {
	// Current is the number of RPCs currently awaiting a response.
	Current int
}

// EchoLoopStats reports the background echo heartbeat's outcomes.
type EchoLoopStats struct {
	Success int
	Failure int
}

// An OptionFunc is a function which can configure a Client.
type OptionFunc func(c *Client) error

// Debug enables debug logging for a Client.
func Debug(ll *log.Logger) OptionFunc {
	return func(c *Client) error {
		c.ll = ll
		return nil
	}
}

// EchoInterval enables a background heartbeat: the Client sends an "echo"
// RPC to the server every d, so a half-open TCP connection to ovsdb-server
// is noticed without waiting for an actual Transact call to fail.
func EchoInterval(d time.Duration) OptionFunc {
	return func(c *Client) error {
		c.echoInterval = d
		return nil
	}
}

// Dial dials a connection to an OVSDB server and returns a Client.
func Dial(network, addr string, options ...OptionFunc) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	return New(conn, options...)
}

// New wraps an existing connection to an OVSDB server and returns a Client.
func New(conn net.Conn, options ...OptionFunc) (*Client, error) {
	client := &Client{
		callbacks: make(map[string]chan rpcResponse),
		stopEcho:  make(chan struct{}),
	}
	for _, o := range options {
		if err := o(client); err != nil {
			return nil, err
		}
	}

	client.c = jsonrpc.NewConn(conn, client.ll)

	client.wg.Add(1)
	go client.loop()

	if client.echoInterval > 0 {
		client.wg.Add(1)
		go client.echoLoop()
	}

	return client, nil
}

// Close closes a Client's connection and waits for its background
// goroutines to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopEcho)
	err := c.c.Close()
	c.wg.Wait()
	return err
}

// Stats returns a snapshot of the Client's internal bookkeeping.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	current := len(c.callbacks)
	c.mu.Unlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats := c.stats
	stats.Callbacks.Current = current
	return stats
}

// loop reads every incoming JSON-RPC message and either dispatches it to
// the callback awaiting that request ID, or -- for server-initiated
// notifications such as ovsdb-server's liveness "echo" -- handles it
// directly. It exits once the connection is closed.
func (c *Client) loop() {
	defer c.wg.Done()

	for {
		res, err := c.c.Receive()
		if err != nil {
			c.failAll(err)
			return
		}
		c.dispatch(res)
	}
}

// dispatch routes one decoded response/notification to its callback, per
// the loop doc comment above.
func (c *Client) dispatch(res *jsonrpc.Response) {
	if res.Method != "" {
		// A request-shaped message from the server. ovsdb-server's own
		// "echo" requests exist purely to detect a stale connection; the
		// client answers in kind by running its own echo cycle rather
		// than replying to this specific request, matching the
		// heartbeat-exchange behavior ovsdb-server expects.
		if res.Method == "echo" {
			go c.runEcho()
		}
		return
	}

	if res.ID == nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.callbacks[*res.ID]
	if ok {
		delete(c.callbacks, *res.ID)
	}
	c.mu.Unlock()

	if !ok {
		// No callback registered for this ID (already timed out, or a
		// stray message); drop it rather than panicking.
		return
	}

	ch <- rpcResponse{Result: res.Result, Error: res.Err()}
}

// failAll delivers err to every outstanding callback, for use when the
// read loop itself fails (e.g. the connection closed).
func (c *Client) failAll(err error) {
	c.mu.Lock()
	cbs := c.callbacks
	c.callbacks = make(map[string]chan rpcResponse)
	c.mu.Unlock()

	for _, ch := range cbs {
		ch <- rpcResponse{Error: err}
	}
}

// rpc performs a single RPC request and waits for its matching response,
// honoring ctx for cancellation while the request is outstanding.
func (c *Client) rpc(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := args
	if params == nil {
		params = []interface{}{}
	}

	id := strconv.FormatInt(atomic.AddInt64(&c.nextID, 1), 10)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("ovsdb: client is closed")
	}
	c.callbacks[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.callbacks, id)
		c.mu.Unlock()
	}

	if err := c.c.Send(jsonrpc.Request{ID: id, Method: method, Params: params}); err != nil {
		cleanup()
		return err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case res := <-ch:
		return rpcResult(res, &result{Reply: out})
	}
}

// echoLoop drives the EchoInterval heartbeat.
func (c *Client) echoLoop() {
	defer c.wg.Done()

	t := time.NewTicker(c.echoInterval)
	defer t.Stop()

	for {
		select {
		case <-c.stopEcho:
			return
		case <-t.C:
			c.runEcho()
		}
	}
}

// runEcho performs one heartbeat cycle and records its outcome in Stats.
func (c *Client) runEcho() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Echo(ctx)

	c.statsMu.Lock()
	if err != nil {
		c.stats.EchoLoop.Failure++
	} else {
		c.stats.EchoLoop.Success++
	}
	c.statsMu.Unlock()
}
