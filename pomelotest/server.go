// Package pomelotest provides an in-process pomelo server for tests and
// sample programs. It answers the handshake as configured, echoes
// requests that have no handler and can push to every connected session.
package pomelotest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/pomelo/protobuf"
	"github.com/Zereker/pomelo/protocol"
)

// Logger matches pomelo.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// HandlerFunc answers one request. The returned body is sent as the
// response; an error closes the session.
type HandlerFunc func(s *Session, route string, body any) (any, error)

// Server is a pomelo server bound to a TCP listener.
type Server struct {
	listener *net.TCPListener
	logger   Logger

	code      int
	heartbeat int
	timeout   int
	dict      map[string]int
	protos    *protocol.HandshakeProtos
	user      json.RawMessage
	silent    bool
	codec     protocol.Codec

	mu       sync.Mutex
	shutdown bool
	handlers map[string]HandlerFunc
	sessions map[*Session]struct{}
	accepted chan *Session
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// HandshakeCodeOption sets the code of the handshake response. Anything
// but 200 refuses clients.
func HandshakeCodeOption(code int) ServerOption {
	return func(s *Server) {
		s.code = code
	}
}

// HeartbeatOption sets the negotiated heartbeat and timeout, in seconds.
func HeartbeatOption(heartbeat, timeout int) ServerOption {
	return func(s *Server) {
		s.heartbeat = heartbeat
		s.timeout = timeout
	}
}

// DictOption sets the route dictionary.
func DictOption(dict map[string]int) ServerOption {
	return func(s *Server) {
		s.dict = dict
	}
}

// ProtosOption sets the schemas for client to server and server to client
// bodies.
func ProtosOption(client, server json.RawMessage) ServerOption {
	return func(s *Server) {
		s.protos = &protocol.HandshakeProtos{Client: client, Server: server}
	}
}

// UserOption sets the user section of the handshake response.
func UserOption(user json.RawMessage) ServerOption {
	return func(s *Server) {
		s.user = user
	}
}

// SilentOption stops the server from answering heartbeats.
func SilentOption() ServerOption {
	return func(s *Server) {
		s.silent = true
	}
}

// NewServer creates a server listening on addr, or on a free loopback port
// when addr is empty.
func NewServer(addr string, opts ...ServerOption) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		logger:   slog.Default(),
		code:     protocol.CodeOK,
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[*Session]struct{}),
		accepted: make(chan *Session, 16),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.buildCodec(); err != nil {
		listener.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) buildCodec() error {
	dict, err := protocol.NewDictionary(s.dict)
	if err != nil {
		return err
	}
	s.codec.Dict = dict

	if s.protos == nil {
		return nil
	}
	if len(s.protos.Server) > 0 {
		if s.codec.EncodeProtos, err = protobuf.ParseProtos(s.protos.Server); err != nil {
			return errors.Wrap(err, "server protos")
		}
	}
	if len(s.protos.Client) > 0 {
		if s.codec.DecodeProtos, err = protobuf.ParseProtos(s.protos.Client); err != nil {
			return errors.Wrap(err, "client protos")
		}
	}
	return nil
}

// Handle registers h for requests on route.
func (s *Server) Handle(route string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[route] = h
}

func (s *Server) handler(route string) (HandlerFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[route]
	return h, ok
}

// Serve accepts connections until the context is canceled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		go s.serveSession(conn)
	}
}

// WebSocketHandler serves sessions over WebSocket. Binary messages carry
// the package stream.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade", "error", err)
			return
		}
		s.serveSession(&wsStream{ws: ws})
	})
}

func (s *Server) serveSession(conn stream) {
	sess := newSession(s, conn)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	select {
	case s.accepted <- sess:
	default:
	}

	err := sess.run()
	s.logger.Debug("session finished", "remote_addr", conn.RemoteAddr(), "error", err)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Accept returns the next session the server accepted.
func (s *Server) Accept(ctx context.Context) (*Session, error) {
	select {
	case sess := <-s.accepted:
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions returns the open sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Push sends a push to every session that finished its handshake.
func (s *Server) Push(route string, body any) error {
	for _, sess := range s.Sessions() {
		if !sess.Working() {
			continue
		}
		if err := sess.Push(route, body); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting connections and closes every session.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) handshakeResponse() protocol.HandshakeResponse {
	return protocol.HandshakeResponse{
		Code: s.code,
		Sys: protocol.HandshakeResponseSys{
			Heartbeat: s.heartbeat,
			Timeout:   s.timeout,
			Dict:      s.dict,
			Protos:    s.protos,
		},
		User: s.user,
	}
}
