package protocol

import (
	"encoding/json"
	"time"
)

// CodeOK is the handshake response code of an accepted client.
const CodeOK = 200

// HandshakeSys is the sys section of the handshake request.
type HandshakeSys struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// HandshakeRequest is the body of the client's Handshake package.
type HandshakeRequest struct {
	Sys  HandshakeSys    `json:"sys"`
	User json.RawMessage `json:"user,omitempty"`
}

// HandshakeProtos carries the schema registries of both directions.
type HandshakeProtos struct {
	Client  json.RawMessage `json:"client,omitempty"`
	Server  json.RawMessage `json:"server,omitempty"`
	Version json.RawMessage `json:"version,omitempty"`
}

// HandshakeResponseSys is the sys section of the handshake response.
// Heartbeat and Timeout are in seconds.
type HandshakeResponseSys struct {
	Heartbeat int              `json:"heartbeat,omitempty"`
	Timeout   int              `json:"timeout,omitempty"`
	Dict      map[string]int   `json:"dict,omitempty"`
	Protos    *HandshakeProtos `json:"protos,omitempty"`
}

// HandshakeResponse is the body of the server's Handshake package.
type HandshakeResponse struct {
	Code int                  `json:"code"`
	Sys  HandshakeResponseSys `json:"sys"`
	User json.RawMessage      `json:"user,omitempty"`
}

// timeoutFactor is how many silent heartbeat intervals end a session.
const timeoutFactor = 2

// Intervals converts the negotiated heartbeat to durations. The timeout is
// twice the heartbeat unless the server asked for something longer. A
// non-positive heartbeat disables both.
func (s HandshakeResponseSys) Intervals() (heartbeat, timeout time.Duration) {
	if s.Heartbeat <= 0 {
		return 0, 0
	}
	heartbeat = time.Duration(s.Heartbeat) * time.Second
	timeout = heartbeat * timeoutFactor
	if t := time.Duration(s.Timeout) * time.Second; t > timeout {
		timeout = t
	}
	return heartbeat, timeout
}
