package collab

import (
	"time"
)

// Behaviour when processing a submitted change fails.
const (
	// BehaviourReinit resends the full document state to the submitting
	// client so it can recover.
	BehaviourReinit = "reinit"
	// BehaviourDrop logs the failure and drops the change.
	BehaviourDrop = "drop"
)

// Config is the server runtime configuration.
type Config struct {
	// ServerID identifies this server instance to clients.
	ServerID string
	// BindAddress is the local interface to listen on.
	BindAddress string
	// Port is the websocket listen port.
	Port int
	// BaseURL is the wiki farm base url used for access control callbacks.
	BaseURL string
	// TokenSecret, when set, enables local JWT access token verification
	// instead of the access control callback.
	TokenSecret string
	// PingIntervalMillis and PingTimeoutMillis are advertised to clients in
	// the connection init frame.
	PingIntervalMillis int
	PingTimeoutMillis  int
	// BehaviourOnError selects the recovery strategy when a submitted
	// change cannot be applied.
	BehaviourOnError string
}

func DefaultConfig() *Config {
	return &Config{
		BindAddress:        "0.0.0.0",
		Port:               8081,
		PingIntervalMillis: 25000,
		PingTimeoutMillis:  60000,
		BehaviourOnError:   BehaviourReinit,
	}
}

// SocketSettings are the websocket transport tunables.
type SocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	MaxMessageSize   int64
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     15 * time.Second,
		ReadTimeout:      120 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		MaxMessageSize:   16 * 1024 * 1024,
	}
}
