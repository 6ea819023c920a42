package pomelo

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/pomelo/protocol"
)

// heartbeatLoop sends keep-alives and watches for server silence once the
// client is working. It idles for the whole session when the server
// disabled heartbeats.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.working:
	}

	if c.heartbeat <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			cn := c.currentConn()
			if cn == nil {
				return ErrConnectionClosed
			}
			err := cn.send(protocol.Heartbeat, nil, nil)
			if errors.Is(err, ErrBufferFull) {
				c.logger.Warn("heartbeat skipped", "error", err)
				continue
			}
			if err != nil {
				return err
			}

		case <-c.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.timeout)

		case <-timer.C:
			c.logger.Warn("server silent", "timeout", c.timeout)
			return ErrHeartbeatTimeout
		}
	}
}

// touch records inbound traffic for the timeout timer.
func (c *Client) touch() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}
