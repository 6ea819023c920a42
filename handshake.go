package pomelo

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Zereker/pomelo/protobuf"
	"github.com/Zereker/pomelo/protocol"
)

func (c *Client) sendHandshake(cn *conn) error {
	body, err := json.Marshal(protocol.HandshakeRequest{
		Sys: protocol.HandshakeSys{
			Type:    c.opts.clientType,
			Version: c.opts.clientVersion,
		},
		User: c.opts.userRaw,
	})
	if err != nil {
		return err
	}
	return cn.send(protocol.Handshake, body, nil)
}

// onHandshake validates the server's answer, installs the negotiated
// dictionary, schemas and heartbeat, then acknowledges. Any error here ends
// the session and fails Connect.
func (c *Client) onHandshake(body []byte) error {
	if err := c.state.require(StateConnected); err != nil {
		return errors.Wrap(err, "unexpected handshake")
	}

	var resp protocol.HandshakeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "decode response: %v", err)
	}
	if resp.Code != protocol.CodeOK {
		return errors.Wrapf(ErrHandshakeFailed, "code %d", resp.Code)
	}

	codec, err := negotiatedCodec(resp.Sys)
	if err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "%v", err)
	}

	if c.opts.onHandshake != nil {
		if err := c.opts.onHandshake(resp.User); err != nil {
			return errors.Wrapf(ErrHandshakeFailed, "hook: %v", err)
		}
	}

	c.codec = codec
	c.heartbeat, c.timeout = resp.Sys.Intervals()

	c.logger.Debug("handshake accepted",
		"heartbeat", c.heartbeat,
		"timeout", c.timeout,
		"routes", codec.Dict.Len(),
		"client_protos", len(codec.EncodeProtos),
		"server_protos", len(codec.DecodeProtos))

	cn := c.currentConn()
	if cn == nil {
		return ErrConnectionClosed
	}
	return cn.send(protocol.HandshakeAck, nil, c.onHandshakeAck)
}

func negotiatedCodec(sys protocol.HandshakeResponseSys) (protocol.Codec, error) {
	var codec protocol.Codec

	dict, err := protocol.NewDictionary(sys.Dict)
	if err != nil {
		return codec, err
	}
	codec.Dict = dict

	if sys.Protos == nil {
		return codec, nil
	}
	if codec.EncodeProtos, err = parseProtos(sys.Protos.Client); err != nil {
		return codec, errors.Wrap(err, "client protos")
	}
	if codec.DecodeProtos, err = parseProtos(sys.Protos.Server); err != nil {
		return codec, errors.Wrap(err, "server protos")
	}
	return codec, nil
}

func parseProtos(raw json.RawMessage) (protobuf.Protos, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return protobuf.ParseProtos(raw)
}

// onHandshakeAck runs on the write loop once the ack has been written.
func (c *Client) onHandshakeAck(err error) {
	if err != nil {
		// the write loop ends the session
		return
	}
	if err := c.transition(StateConnected, StateWorking); err != nil {
		c.logger.Debug("handshake finished after close", "error", err)
		return
	}
	close(c.working)

	c.logger.Info("connected", "addr", c.currentConn().addr())
	c.resolveConnect(nil)
}
