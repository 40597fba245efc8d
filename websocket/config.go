package websocket

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// defaultMaxPendingConnections is the §6.4 default for
// ServerConfig.MaxPendingConnections.
const defaultMaxPendingConnections = 30

// defaultHandshakeTimeout is the §6.4 default handshake timeout.
const defaultHandshakeTimeout = 10 * time.Second

// ServerConfig configures a raw-TCP WebSocket server (server.go). Every
// field corresponds to an entry in spec.md §6.4's configuration surface;
// the zero value is the package default for each.
type ServerConfig struct {
	MaxIncomingFrameSize   uint64        `envconfig:"WSOCK_MAX_INCOMING_FRAME_SIZE"`
	MaxIncomingMessageSize uint64        `envconfig:"WSOCK_MAX_INCOMING_MESSAGE_SIZE"`
	OutgoingFrameSize      int           `envconfig:"WSOCK_OUTGOING_FRAME_SIZE"`
	HandshakeTimeout       time.Duration `envconfig:"WSOCK_HANDSHAKE_TIMEOUT"`
	MaxPendingConnections  int           `envconfig:"WSOCK_MAX_PENDING_CONNECTIONS"`

	// SupportedSubprotocols is the server's subprotocol preference
	// order, not populated from the environment (a list doesn't map
	// cleanly onto a single env var, and this is the kind of decision
	// callers make in code, not ops).
	SupportedSubprotocols []string

	// OriginAllowed authorizes the Origin header; nil allows every
	// origin (the "origin_allowed_predicate" server callback, §6.4).
	OriginAllowed func(origin string) bool

	// EchoOriginHeader mirrors the request Origin back on the 101
	// response as Access-Control-Allow-Origin (§4.5.1's CORS note).
	EchoOriginHeader bool

	// HandshakeRateLimit, if non-nil, throttles handshake attempts (the
	// abuse-prevention use of golang.org/x/time/rate documented in
	// SPEC_FULL.md's domain stack section). It is one limiter shared by all
	// attempts; remote addresses are not tracked separately. nil means
	// unlimited.
	HandshakeRateLimit *rate.Limiter

	// PingRateLimit, applied per connection, caps inbound Ping
	// frequency before the mandatory Pong reply. nil means unlimited.
	PingRateLimit func() *rate.Limiter

	MaskGenerator MaskGenerator
	Logger        *logrus.Entry
	Metrics       *Metrics
}

// LoadServerConfigFromEnv populates a ServerConfig from environment
// variables via github.com/mstoykov/envconfig, applying package defaults
// for anything left unset, per the grounding in SPEC_FULL.md's ambient
// stack section (grafana-k6's cloudapi.Config uses the same library the
// same way). Code-level struct literals remain the primary configuration
// path for library embedders; this is for the examples/websocket/raw-server
// example binary and similar standalone deployments.
func LoadServerConfigFromEnv() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.MaxIncomingFrameSize == 0 {
		cfg.MaxIncomingFrameSize = defaultMaxFramePayload
	}
	if cfg.MaxIncomingMessageSize == 0 {
		cfg.MaxIncomingMessageSize = defaultMaxFramePayload
	}
	if cfg.OutgoingFrameSize == 0 {
		cfg.OutgoingFrameSize = defaultOutgoingFrameSize
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxPendingConnections == 0 {
		cfg.MaxPendingConnections = defaultMaxPendingConnections
	}
}

// DialConfig configures the client dialer (client.go).
type DialConfig struct {
	Subprotocols           []string
	Origin                 string
	ExtraHeaders           map[string]string
	MaxIncomingFrameSize   uint64
	MaxIncomingMessageSize uint64
	OutgoingFrameSize      int
	HandshakeTimeout       time.Duration
	MaskGenerator          MaskGenerator

	// Authenticator resolves credentials for a 401 response's
	// WWW-Authenticate challenge (§4.5.2, SUPPLEMENTED FEATURES item 1).
	// Only HTTP Basic is implemented by DefaultBasicAuthenticator.
	Authenticator func(challenge string) (username, password string, ok bool)
}

func (cfg *DialConfig) applyDefaults() {
	if cfg.MaxIncomingFrameSize == 0 {
		cfg.MaxIncomingFrameSize = defaultMaxFramePayload
	}
	if cfg.MaxIncomingMessageSize == 0 {
		cfg.MaxIncomingMessageSize = defaultMaxFramePayload
	}
	if cfg.OutgoingFrameSize == 0 {
		cfg.OutgoingFrameSize = defaultOutgoingFrameSize
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}
