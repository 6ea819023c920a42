package pomelo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrInvalidDialer is returned when a dialer is misconfigured.
var ErrInvalidDialer = errors.New("invalid dialer")

const defaultDialTimeout = 10 * time.Second

// Dialer opens the byte stream a client speaks the protocol over.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPDialer dials plain TCP.
type TCPDialer struct {
	// Timeout bounds the dial; zero means 10s.
	Timeout time.Duration
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: dialTimeout(d.Timeout)}
	return nd.DialContext(ctx, "tcp", addr)
}

func dialTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return defaultDialTimeout
	}
	return t
}

// TLSConfig describes the certificates and checks of a TLS session.
type TLSConfig struct {
	// CAFile is a PEM bundle of trusted roots. CADir is a directory of
	// PEM files. With neither, the system pool is used.
	CAFile string
	CADir  string
	// CertFile and KeyFile hold the client certificate, if any.
	CertFile string
	KeyFile  string
	// ServerName overrides the name verified against the certificate.
	ServerName string
	// InsecureSkipVerify disables chain and host verification.
	InsecureSkipVerify bool
	// CipherSuites restricts TLS 1.2 suites by their IANA names.
	CipherSuites []string
	// VerifyPeer is called with the DNS names and common name of the
	// server's leaf certificate after the handshake. An error aborts it.
	VerifyPeer func(names []string) error
}

// Build converts c into a crypto/tls configuration.
func (c *TLSConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAFile != "" || c.CADir != "" {
		pool, err := c.rootCAs()
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if len(c.CipherSuites) > 0 {
		ids, err := cipherSuiteIDs(c.CipherSuites)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	}

	if verify := c.VerifyPeer; verify != nil {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server sent no certificate")
			}
			leaf := cs.PeerCertificates[0]
			names := append([]string(nil), leaf.DNSNames...)
			if leaf.Subject.CommonName != "" {
				names = append(names, leaf.Subject.CommonName)
			}
			return verify(names)
		}
	}

	return cfg, nil
}

func (c *TLSConfig) rootCAs() (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA file")
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", c.CAFile)
		}
	}

	if c.CADir != "" {
		entries, err := os.ReadDir(c.CADir)
		if err != nil {
			return nil, errors.Wrap(err, "read CA dir")
		}
		found := false
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(c.CADir, e.Name()))
			if err != nil {
				return nil, errors.Wrap(err, "read CA dir")
			}
			// Non-PEM files are skipped.
			if pool.AppendCertsFromPEM(pem) {
				found = true
			}
		}
		if !found {
			return nil, errors.Errorf("no certificates in %s", c.CADir)
		}
	}

	return pool, nil
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidDialer, "unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TLSDialer dials TCP and runs a TLS handshake on top.
type TLSDialer struct {
	Config  TLSConfig
	Timeout time.Duration
}

// Dial implements Dialer.
func (d *TLSDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	cfg, err := d.Config.Build()
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout(d.Timeout)},
		Config:    cfg,
	}
	return td.DialContext(ctx, "tcp", addr)
}

// WebSocketDialer carries the package stream over a WebSocket. Every binary
// message is a chunk of the stream, so packages may span messages.
type WebSocketDialer struct {
	// Path is used when addr is a bare host:port.
	Path   string
	Header http.Header
	// TLS enables wss:// for bare addresses and configures it.
	TLS     *TLSConfig
	Timeout time.Duration
}

// Dial implements Dialer. addr is either a ws:// or wss:// URL or host:port.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	wd := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout(d.Timeout),
	}
	if d.TLS != nil {
		cfg, err := d.TLS.Build()
		if err != nil {
			return nil, err
		}
		wd.TLSClientConfig = cfg
	}

	ws, resp, err := wd.DialContext(ctx, d.url(addr), d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	return &wsConn{ws: ws}, nil
}

func (d *WebSocketDialer) url(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws://"
	if d.TLS != nil {
		scheme = "wss://"
	}
	path := d.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + addr + path
}

// wsConn adapts a WebSocket to net.Conn.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
