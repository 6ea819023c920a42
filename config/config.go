// Package config loads client settings from a YAML file.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/pomelo"
)

// Transport kinds.
const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportWebSocket = "ws"
)

// TLS holds certificate paths and checks for the tls transport and for
// wss:// WebSocket addresses.
type TLS struct {
	CAFile             string   `mapstructure:"caFile"`
	CADir              string   `mapstructure:"caDir"`
	CertFile           string   `mapstructure:"certFile"`
	KeyFile            string   `mapstructure:"keyFile"`
	ServerName         string   `mapstructure:"serverName"`
	InsecureSkipVerify bool     `mapstructure:"insecureSkipVerify"`
	CipherSuites       []string `mapstructure:"cipherSuites"`
}

// Handshake is what the client announces to the server.
type Handshake struct {
	Type    string         `mapstructure:"type"`
	Version string         `mapstructure:"version"`
	User    map[string]any `mapstructure:"user"`
}

// Log configures the CLI logger.
type Log struct {
	Level string `mapstructure:"level"`
}

// Config is the content of a client configuration file.
type Config struct {
	Address        string        `mapstructure:"address"`
	Transport      string        `mapstructure:"transport"`
	Path           string        `mapstructure:"path"`
	TLS            *TLS          `mapstructure:"tls"`
	Handshake      Handshake     `mapstructure:"handshake"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	MaxPackageSize int           `mapstructure:"maxPackageSize"`
	SendBufferSize int           `mapstructure:"sendBufferSize"`
	Log            Log           `mapstructure:"log"`
}

// Default values.
const (
	DefaultAddress        = "127.0.0.1:3010"
	DefaultConnectTimeout = 10 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	c := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           c,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportTLS, TransportWebSocket:
	default:
		return errors.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.MaxPackageSize < 0 || c.SendBufferSize < 0 {
		return errors.New("config: sizes must not be negative")
	}
	if c.WriteTimeout < 0 {
		return errors.New("config: writeTimeout must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return level, errors.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return level, nil
}

// Dialer returns the dialer for the configured transport.
func (c *Config) Dialer() pomelo.Dialer {
	switch c.Transport {
	case TransportTLS:
		d := &pomelo.TLSDialer{Timeout: c.ConnectTimeout}
		if c.TLS != nil {
			d.Config = c.TLS.clientConfig()
		}
		return d
	case TransportWebSocket:
		d := &pomelo.WebSocketDialer{Path: c.Path, Timeout: c.ConnectTimeout}
		if c.TLS != nil {
			cfg := c.TLS.clientConfig()
			d.TLS = &cfg
		}
		return d
	default:
		return &pomelo.TCPDialer{Timeout: c.ConnectTimeout}
	}
}

func (t *TLS) clientConfig() pomelo.TLSConfig {
	return pomelo.TLSConfig{
		CAFile:             t.CAFile,
		CADir:              t.CADir,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		CipherSuites:       t.CipherSuites,
	}
}

// Options converts the configuration into client options.
func (c *Config) Options() []pomelo.Option {
	opts := []pomelo.Option{
		pomelo.DialerOption(c.Dialer()),
		pomelo.ClientTypeOption(c.Handshake.Type),
		pomelo.ClientVersionOption(c.Handshake.Version),
		pomelo.BufferSizeOption(c.SendBufferSize),
		pomelo.MessageMaxSize(c.MaxPackageSize),
		pomelo.WriteTimeoutOption(c.WriteTimeout),
	}
	if len(c.Handshake.User) > 0 {
		opts = append(opts, pomelo.HandshakeUserOption(c.Handshake.User))
	}
	return opts
}
