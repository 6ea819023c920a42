package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/pomelo"
)

const sample = `
address: game.example.com:3014
transport: tls
connectTimeout: 3s
writeTimeout: 500ms
maxPackageSize: 65536
sendBufferSize: 128
tls:
  caFile: /etc/pomelo/ca.pem
  serverName: game.example.com
  cipherSuites:
    - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256
handshake:
  type: robot
  version: 2.1.0
  user:
    uid: 42
log:
  level: debug
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "game.example.com:3014", c.Address)
	assert.Equal(t, TransportTLS, c.Transport)
	assert.Equal(t, 3*time.Second, c.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, c.WriteTimeout)
	assert.Equal(t, 65536, c.MaxPackageSize)
	assert.Equal(t, 128, c.SendBufferSize)
	require.NotNil(t, c.TLS)
	assert.Equal(t, "/etc/pomelo/ca.pem", c.TLS.CAFile)
	assert.Equal(t, []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"}, c.TLS.CipherSuites)
	assert.Equal(t, "robot", c.Handshake.Type)
	assert.Equal(t, "2.1.0", c.Handshake.Version)
	assert.Equal(t, map[string]any{"uid": 42}, c.Handshake.User)

	level, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	d, ok := c.Dialer().(*pomelo.TLSDialer)
	require.True(t, ok)
	assert.Equal(t, "game.example.com", d.Config.ServerName)
	assert.Equal(t, 3*time.Second, d.Timeout)

	assert.Len(t, c.Options(), 7)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte("handshake:\n  type: c\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddress, c.Address)
	assert.Equal(t, TransportTCP, c.Transport)
	assert.Equal(t, DefaultConnectTimeout, c.ConnectTimeout)
	assert.Equal(t, "info", c.Log.Level)
	assert.IsType(t, &pomelo.TCPDialer{}, c.Dialer())
	assert.Len(t, c.Options(), 6)

	assert.Equal(t, c, func() *Config {
		d := Default()
		d.Handshake.Type = "c"
		return d
	}())
}

func TestParse_WebSocket(t *testing.T) {
	c, err := Parse([]byte("transport: ws\npath: /pomelo\n"))
	require.NoError(t, err)

	d, ok := c.Dialer().(*pomelo.WebSocketDialer)
	require.True(t, ok)
	assert.Equal(t, "/pomelo", d.Path)
	assert.Nil(t, d.TLS)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"yaml", "address: [\n"},
		{"unknown key", "adress: x\n"},
		{"transport", "transport: quic\n"},
		{"duration", "connectTimeout: soon\n"},
		{"negative", "sendBufferSize: -1\n"},
		{"log level", "log:\n  level: loud\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "game.example.com:3014", c.Address)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
