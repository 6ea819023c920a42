package pomelo

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/pomelo/protocol"
)

// ErrorAction defines the action to take when a recoverable error occurs.
type ErrorAction int

const (
	// Disconnect tears the client down.
	Disconnect ErrorAction = iota
	// Continue drops the offending message and keeps the session.
	Continue
)

// options holds the configuration for a client.
type options struct {
	dialer     Dialer
	logger     Logger
	registerer prometheus.Registerer

	// onError is consulted for errors the protocol can survive, such as a
	// response to an unknown request. Fatal errors always tear down.
	onError func(error) ErrorAction
	// onHandshake inspects the user section of the handshake response.
	onHandshake func(user json.RawMessage) error

	clientType    string
	clientVersion string
	user          any
	userRaw       json.RawMessage

	bufferSize    int           // size of the send queue
	maxReadLength int           // maximum body of a received package
	writeTimeout  time.Duration // enqueue wait and socket write deadline
}

// Option is a function that configures client options.
type Option func(*options)

// Default configuration values.
const (
	defaultBufferSize    = 64
	defaultWriteTimeout  = 10 * time.Second
	defaultClientType    = "go-pomelo"
	defaultClientVersion = "0.1.0"
)

// checkOptions validates and sets default values for client options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 || opts.maxReadLength > protocol.MaxBodyLength {
		opts.maxReadLength = protocol.MaxBodyLength
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.clientType == "" {
		opts.clientType = defaultClientType
	}

	if opts.clientVersion == "" {
		opts.clientVersion = defaultClientVersion
	}

	if opts.dialer == nil {
		opts.dialer = &TCPDialer{}
	}

	if opts.user != nil {
		raw, err := json.Marshal(opts.user)
		if err != nil {
			return errors.Wrap(err, "marshal handshake user")
		}
		opts.userRaw = raw
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Continue }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// DialerOption returns an Option that sets how the transport is opened.
// The default dials plain TCP.
func DialerOption(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// HandshakeUserOption returns an Option that sets the user section of the
// handshake request. It must marshal to JSON.
func HandshakeUserOption(user any) Option {
	return func(o *options) {
		o.user = user
	}
}

// ClientTypeOption returns an Option that sets sys.type of the handshake.
func ClientTypeOption(typ string) Option {
	return func(o *options) {
		o.clientType = typ
	}
}

// ClientVersionOption returns an Option that sets sys.version of the handshake.
func ClientVersionOption(version string) Option {
	return func(o *options) {
		o.clientVersion = version
	}
}

// HandshakeHookOption returns an Option that sets a callback receiving the
// user section of an accepted handshake response. A non-nil error fails
// Connect.
func HandshakeHookOption(cb func(user json.RawMessage) error) Option {
	return func(o *options) {
		o.onHandshake = cb
	}
}

// BufferSizeOption returns an Option that sets the size of the send queue.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MessageMaxSize returns an Option that sets the largest package body the
// client accepts. Larger packages are a protocol error.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// WriteTimeoutOption returns an Option that bounds how long a send waits for
// queue space and how long a socket write may take.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked for recoverable errors.
// Return Disconnect to tear the client down, or Continue to drop the message.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that registers the client's collectors
// with reg. Without it no metrics are collected.
func MetricsOption(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
