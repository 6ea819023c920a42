package pomelotest

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/pomelo/protocol"
)

// stream is the byte stream a session runs over.
type stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Session is one client connected to a Server.
type Session struct {
	server *Server
	conn   stream
	parser *protocol.Parser

	wmu       sync.Mutex
	closeOnce sync.Once

	handshake  chan protocol.HandshakeRequest
	acked      chan struct{}
	working    atomic.Bool
	heartbeats atomic.Int64
	messages   chan *protocol.Message
}

func newSession(s *Server, conn stream) *Session {
	sess := &Session{
		server:    s,
		conn:      conn,
		handshake: make(chan protocol.HandshakeRequest, 1),
		acked:     make(chan struct{}),
		messages:  make(chan *protocol.Message, 64),
	}
	sess.parser = protocol.NewParser(sess.onPackage, 0)
	return sess
}

func (s *Session) run() error {
	defer s.Close()

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if perr := s.parser.Feed(buf[:n]); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) onPackage(t protocol.PackageType, body []byte) error {
	switch t {
	case protocol.Handshake:
		var req protocol.HandshakeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return errors.Wrap(err, "decode handshake")
		}
		select {
		case s.handshake <- req:
		default:
			return errors.New("duplicate handshake")
		}
		resp, err := json.Marshal(s.server.handshakeResponse())
		if err != nil {
			return err
		}
		return s.write(protocol.Handshake, resp)

	case protocol.HandshakeAck:
		if s.working.Swap(true) {
			return errors.New("duplicate handshake ack")
		}
		close(s.acked)
		return nil

	case protocol.Heartbeat:
		s.heartbeats.Add(1)
		if s.server.silent {
			return nil
		}
		return s.write(protocol.Heartbeat, nil)

	case protocol.Data:
		return s.onData(body)
	}
	return errors.Errorf("unexpected %s package", t)
}

func (s *Session) onData(body []byte) error {
	msg, err := s.server.codec.Decode(body, nil)
	if err != nil {
		return err
	}

	select {
	case s.messages <- msg:
	default:
		s.server.logger.Warn("message log full", "route", msg.Route)
	}

	if msg.Type != protocol.Request {
		return nil
	}

	reply := msg.Body
	if h, ok := s.server.handler(msg.Route); ok {
		if reply, err = h(s, msg.Route, msg.Body); err != nil {
			return err
		}
	}
	return s.Respond(msg.ID, msg.Route, reply)
}

// Handshake waits for the client's handshake request.
func (s *Session) Handshake(timeout time.Duration) (protocol.HandshakeRequest, error) {
	select {
	case req := <-s.handshake:
		return req, nil
	case <-time.After(timeout):
		return protocol.HandshakeRequest{}, errors.New("no handshake")
	}
}

// Acked is closed once the client acknowledged the handshake.
func (s *Session) Acked() <-chan struct{} {
	return s.acked
}

// Working reports whether the handshake is complete.
func (s *Session) Working() bool {
	return s.working.Load()
}

// Heartbeats returns how many heartbeats the client sent.
func (s *Session) Heartbeats() int64 {
	return s.heartbeats.Load()
}

// Messages delivers every request and notify the session received.
func (s *Session) Messages() <-chan *protocol.Message {
	return s.messages
}

// Respond sends a response for request id. route selects the body schema.
func (s *Session) Respond(id uint32, route string, body any) error {
	data, err := s.server.codec.Encode(id, protocol.Response, route, body)
	if err != nil {
		return err
	}
	return s.write(protocol.Data, data)
}

// Push sends a server push.
func (s *Session) Push(route string, body any) error {
	data, err := s.server.codec.Encode(0, protocol.Push, route, body)
	if err != nil {
		return err
	}
	return s.write(protocol.Data, data)
}

// WriteRaw writes bytes to the client as they are.
func (s *Session) WriteRaw(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(data)
	return err
}

func (s *Session) write(t protocol.PackageType, body []byte) error {
	data, err := protocol.Encode(t, body)
	if err != nil {
		return err
	}
	return s.WriteRaw(data)
}

// Close closes the session's connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// wsStream reads binary WebSocket messages as one byte stream.
type wsStream struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (w *wsStream) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			typ, r, err := w.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	return w.ws.Close()
}

func (w *wsStream) RemoteAddr() net.Addr {
	return w.ws.RemoteAddr()
}
