package pomelo

import (
	"github.com/pkg/errors"

	"github.com/Zereker/pomelo/protocol"
)

// onPackage handles every package the parser completes. It runs on the read
// loop; a returned error ends the session.
func (c *Client) onPackage(t protocol.PackageType, body []byte) error {
	c.metrics.packageReceived(t)
	c.touch()

	switch t {
	case protocol.Handshake:
		return c.onHandshake(body)
	case protocol.Heartbeat:
		return nil
	case protocol.Data:
		return c.onData(body)
	default:
		return c.recoverable(errors.Errorf("unexpected %s package from server", t))
	}
}

func (c *Client) onData(body []byte) error {
	msg, err := c.codec.Decode(body, c.requests.route)
	if errors.Is(err, protocol.ErrUnknownRequest) {
		return c.recoverable(err)
	}
	if err != nil {
		return errors.Wrap(err, "decode message")
	}

	switch msg.Type {
	case protocol.Response:
		p, ok := c.requests.remove(msg.ID)
		if !ok {
			// resolved by a failed write or a teardown in the meantime
			return c.recoverable(errors.Wrapf(protocol.ErrUnknownRequest, "id %d", msg.ID))
		}
		c.metrics.requestFinished(nil)
		p.cb(msg.Body, nil)

	case protocol.Push:
		c.metrics.pushReceived()
		if n := c.listeners.emit(msg.Route, msg.Body); n == 0 {
			c.logger.Debug("push without listener", "route", msg.Route)
		}

	default:
		return c.recoverable(errors.Errorf("unexpected %s message %q from server", msg.Type, msg.Route))
	}
	return nil
}

// recoverable logs err and asks the error callback whether to carry on.
func (c *Client) recoverable(err error) error {
	c.logger.Warn("dropping message", "error", err)
	if c.opts.onError(err) == Disconnect {
		return err
	}
	return nil
}
