package pomelo

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/pomelo/protocol"
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the send queue stayed full for the whole
// write timeout.
var ErrBufferFull = errors.New("send buffer full")

// readBufferSize is the size of a single socket read.
const readBufferSize = 4096

// outbound is a framed package waiting for the write loop.
type outbound struct {
	typ  protocol.PackageType
	data []byte
	done func(error)
}

// conn owns the transport of one session. The read loop feeds every chunk
// to the package parser; all writes go through the send queue so that only
// the write loop touches the socket.
type conn struct {
	raw     net.Conn
	parser  *protocol.Parser
	logger  Logger
	metrics *metrics

	writeTimeout time.Duration

	queue   chan outbound
	closing chan struct{}

	// mu orders enqueues against close: senders hold it shared while they
	// wait for queue space.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newConn(raw net.Conn, handler protocol.Handler, opts *options, logger Logger, m *metrics) *conn {
	return &conn{
		raw:          raw,
		parser:       protocol.NewParser(handler, opts.maxReadLength),
		logger:       logger,
		metrics:      m,
		writeTimeout: opts.writeTimeout,
		queue:        make(chan outbound, opts.bufferSize),
		closing:      make(chan struct{}),
	}
}

// run starts the read and write loops plus any extra loops, and blocks
// until all of them have returned. The transport is closed and every
// queued package is failed before run returns.
func (c *conn) run(ctx context.Context, loops ...func(context.Context) error) error {
	c.logger.Debug("connection established", "addr", c.addr())

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop()
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	for _, loop := range loops {
		loop := loop
		group.Go(func() error {
			return loop(child)
		})
	}

	// Reads only return once the socket is closed.
	group.Go(func() error {
		<-child.Done()
		c.close()
		return nil
	})

	err := group.Wait()
	c.close()
	c.drain()

	c.logger.Debug("connection finished", "addr", c.addr(), "error", err)
	return err
}

// send frames body and queues it. done, if set, is called from the write
// loop with the result of the write, or with ErrConnectionClosed when the
// package is dropped at close. It is not called when send returns an error.
func (c *conn) send(typ protocol.PackageType, body []byte, done func(error)) error {
	data, err := protocol.Encode(typ, body)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}

	o := outbound{typ: typ, data: data, done: done}
	select {
	case c.queue <- o:
		return nil
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.queue <- o:
		return nil
	case <-c.closing:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// close stops accepting packages and closes the transport. Safe to call
// multiple times.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.closing)

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		_ = c.raw.Close()
	})
}

func (c *conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *conn) addr() net.Addr {
	return c.raw.RemoteAddr()
}

// readLoop feeds the parser until the transport fails. Packages are
// dispatched on this goroutine in arrival order.
func (c *conn) readLoop() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			if perr := c.parser.Feed(buf[:n]); perr != nil {
				return perr
			}
		}
		if err != nil {
			if c.isClosed() {
				return ErrConnectionClosed
			}
			return errors.Wrap(err, "read")
		}
	}
}

// writeLoop sends queued packages in order.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			return ErrConnectionClosed
		case o := <-c.queue:
			err := c.write(o)
			if o.done != nil {
				o.done(err)
			}
			if err != nil {
				return err
			}
		}
	}
}

// write sends one package with a deadline.
func (c *conn) write(o outbound) error {
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	if _, err := c.raw.Write(o.data); err != nil {
		c.logger.Debug("write error", "addr", c.addr(), "error", err)
		return errors.Wrapf(err, "write %s", o.typ)
	}

	c.metrics.packageSent(o.typ)
	return nil
}

// drain fails whatever the write loop left behind. It must only run after
// the write loop has returned.
func (c *conn) drain() {
	for {
		select {
		case o := <-c.queue:
			if o.done != nil {
				o.done(ErrConnectionClosed)
			}
		default:
			return
		}
	}
}
