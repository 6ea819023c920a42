// Package pomelo is a client for the pomelo protocol: length-prefixed
// packages over TCP, TLS or WebSocket carrying request/response RPC,
// notifications, server pushes and heartbeats.
//
// A Client is connected once. Connect blocks until the handshake has been
// acknowledged; afterwards requests and notifies may be issued from any
// goroutine. Responses, pushes and the disconnect event are delivered on the
// client's worker goroutine in the order the bytes arrived.
package pomelo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/Zereker/pomelo/protocol"
)

// Errors returned by client operations.
var (
	// ErrHandshakeFailed is returned by Connect when the server refuses the
	// handshake or answers with a malformed document.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrHeartbeatTimeout is the teardown cause when the server stays silent
	// for longer than the negotiated timeout.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrInvalidRoute is returned for an empty route.
	ErrInvalidRoute = errors.New("invalid route")
)

// Client is one session with a pomelo server.
type Client struct {
	id      string
	opts    options
	logger  Logger
	metrics *metrics

	state     stateMachine
	requests  *requestTable
	listeners *listenerTable

	mu   sync.Mutex
	conn *conn

	// Written by the handshake before StateWorking is entered and only
	// read afterwards.
	codec     protocol.Codec
	heartbeat time.Duration
	timeout   time.Duration

	working  chan struct{}
	activity chan struct{}

	connected   chan error
	connectOnce sync.Once
	closing     atomic.Bool
	worker      sync.WaitGroup
}

// NewClient creates a client in StateInited.
func NewClient(opt ...Option) (*Client, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	id := xid.New().String()
	m, err := newMetrics(opts.registerer, id)
	if err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}

	return &Client{
		id:        id,
		opts:      opts,
		logger:    withFields(opts.logger, "client", id),
		metrics:   m,
		requests:  newRequestTable(),
		listeners: newListenerTable(),
		working:   make(chan struct{}),
		activity:  make(chan struct{}, 1),
		connected: make(chan error, 1),
	}, nil
}

// ID returns the unique id used in the client's logs and metrics.
func (c *Client) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return c.state.load()
}

// Connect dials addr and performs the handshake. It returns once the client
// is working, or with the error that closed it. Cancelling ctx before then
// closes the client. A client can only be connected once.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if err := c.transition(StateInited, StateConnecting); err != nil {
		return err
	}
	c.logger.Info("connecting", "addr", addr)

	raw, err := c.opts.dialer.Dial(ctx, addr)
	if err != nil {
		err = errors.Wrapf(err, "dial %s", addr)
		c.teardown(err)
		return err
	}

	cn := newConn(raw, c.onPackage, &c.opts, c.logger, c.metrics)
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()

	if err := c.transition(StateConnecting, StateConnected); err != nil {
		// Closed while dialing.
		cn.close()
		return err
	}

	c.worker.Add(1)
	go c.run(cn)

	if err := c.sendHandshake(cn); err != nil {
		err = errors.Wrap(err, "send handshake")
		c.teardown(err)
		return err
	}

	select {
	case err := <-c.connected:
		return err
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return ctx.Err()
	}
}

// run is the worker goroutine.
func (c *Client) run(cn *conn) {
	defer c.worker.Done()

	err := cn.run(context.Background(), c.heartbeatLoop)
	c.teardown(err)
}

// RequestAsync sends a request. cb is called exactly once, with the response
// body or with the error that prevented it, possibly before RequestAsync
// returns.
func (c *Client) RequestAsync(route string, payload any, cb ResponseCallback) {
	if cb == nil {
		cb = func(any, error) {}
	}
	if route == "" {
		cb(nil, ErrInvalidRoute)
		return
	}

	cn, err := c.workingConn()
	if err != nil {
		cb(nil, err)
		return
	}

	id, err := c.requests.add(route, cb)
	if err != nil {
		cb(nil, err)
		return
	}
	c.metrics.requestStarted()

	data, err := c.codec.Encode(id, protocol.Request, route, payload)
	if err != nil {
		c.fail(id, err)
		return
	}

	err = cn.send(protocol.Data, data, func(err error) {
		if err != nil {
			c.fail(id, err)
		}
	})
	if err != nil {
		c.fail(id, err)
	}
}

// Request sends a request and waits for its response. Cancelling ctx stops
// the wait, not the request.
func (c *Client) Request(ctx context.Context, route string, payload any) (any, error) {
	type result struct {
		body any
		err  error
	}
	ch := make(chan result, 1)

	c.RequestAsync(route, payload, func(body any, err error) {
		ch <- result{body: body, err: err}
	})

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NotifyAsync sends a notify. cb is called exactly once when the package
// has been written or has failed.
func (c *Client) NotifyAsync(route string, payload any, cb NotifyCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	if route == "" {
		cb(ErrInvalidRoute)
		return
	}

	cn, err := c.workingConn()
	if err != nil {
		cb(err)
		return
	}

	data, err := c.codec.Encode(0, protocol.Notify, route, payload)
	if err != nil {
		cb(err)
		return
	}

	if err := cn.send(protocol.Data, data, cb); err != nil {
		cb(err)
	}
}

// Notify sends a notify and waits until it is written.
func (c *Client) Notify(ctx context.Context, route string, payload any) error {
	ch := make(chan error, 1)
	c.NotifyAsync(route, payload, func(err error) {
		ch <- err
	})

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers cb for pushes on event, which is a push route or
// EventDisconnect. Listeners of one event run in registration order.
func (c *Client) AddListener(event string, cb EventCallback) *Listener {
	return c.listeners.add(event, cb)
}

// RemoveListener unregisters l and reports whether it was registered.
func (c *Client) RemoveListener(l *Listener) bool {
	return c.listeners.remove(l)
}

// Disconnect closes the client without waiting for the worker. Outstanding
// requests fail with ErrConnectionClosed before it returns. It is safe to
// call from callbacks and more than once.
func (c *Client) Disconnect() {
	c.teardown(nil)
}

// Join waits for the worker goroutine to exit. It must not be called from
// a callback.
func (c *Client) Join() {
	c.worker.Wait()
}

// Close disconnects and waits for the worker goroutine to exit.
func (c *Client) Close() error {
	c.Disconnect()
	c.Join()
	return nil
}

func (c *Client) transition(from, to State) error {
	if err := c.state.transition(from, to); err != nil {
		return err
	}
	c.logger.Debug("state changed", "from", from, "to", to)
	return nil
}

func (c *Client) currentConn() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) workingConn() (*conn, error) {
	if err := c.state.require(StateWorking); err != nil {
		return nil, err
	}
	cn := c.currentConn()
	if cn == nil {
		return nil, ErrConnectionClosed
	}
	return cn, nil
}

// fail resolves request id with err if it is still outstanding.
func (c *Client) fail(id uint32, err error) {
	p, ok := c.requests.remove(id)
	if !ok {
		return
	}
	c.metrics.requestFinished(err)
	p.cb(nil, err)
}

func (c *Client) resolveConnect(err error) {
	c.connectOnce.Do(func() {
		c.connected <- err
	})
}

// teardown closes the client once. Pending requests are failed in id
// order, a pending Connect is resolved and the disconnect event is emitted.
func (c *Client) teardown(cause error) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	prev, ok := c.state.close()
	if ok {
		c.logger.Debug("state changed", "from", prev, "to", StateClosed)
	}
	if cn := c.currentConn(); cn != nil {
		cn.close()
	}

	closedErr := ErrConnectionClosed
	if cause != nil && !errors.Is(cause, ErrConnectionClosed) {
		closedErr = errors.Wrapf(ErrConnectionClosed, "%v", cause)
	}

	for _, p := range c.requests.drain() {
		c.metrics.requestFinished(closedErr)
		p.cb(nil, closedErr)
	}

	if cause != nil {
		c.resolveConnect(cause)
		c.logger.Info("client closed with error", "state", prev, "error", cause)
	} else {
		c.resolveConnect(ErrConnectionClosed)
		c.logger.Info("client closed", "state", prev)
	}

	c.listeners.emit(EventDisconnect, cause)
	c.metrics.unregister()
}
