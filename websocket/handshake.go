package websocket

import (
	"bufio"
	"net/http"
	"strings"
)

// Default buffer sizes for the connections Upgrade creates.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// UpgradeOptions configures Upgrade. All fields are optional; the zero
// value uses sensible defaults.
type UpgradeOptions struct {
	// Subprotocols is the server's subprotocol preference order. The
	// first entry also present in the client's Sec-WebSocket-Protocol
	// list is selected (§4.5.1).
	Subprotocols []string

	// CheckOrigin verifies the Origin header. nil allows all origins,
	// which is unsafe for browser-facing deployments in production.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sets the read buffer size (default 4096).
	ReadBufferSize int

	// WriteBufferSize sets the write buffer size (default 4096).
	WriteBufferSize int

	// MaxIncomingFrameSize and MaxIncomingMessageSize cap what the
	// resulting Conn accepts on read (§6.4); zero means the package
	// default (INT_MAX-1).
	MaxIncomingFrameSize   uint64
	MaxIncomingMessageSize uint64

	// OutgoingFrameSize is the fragmentation threshold for messages this
	// Conn sends (§6.4); zero means the package default (512 KiB).
	OutgoingFrameSize int

	// MaskGenerator overrides the default crypto/rand-backed masking-key
	// source. Only meaningful for client-role Conns; server Conns never
	// mask outbound frames.
	MaskGenerator MaskGenerator
}

// Upgrade upgrades an HTTP/1.1 request already routed through net/http to
// a server-side WebSocket connection (RFC 6455 Section 4), for embedding
// a WebSocket endpoint inside an existing http.Handler tree. The raw-TCP
// accept path in server.go uses the handshakeRequest/buildServerResponse
// codec directly instead, for listeners that never go through net/http.
//
//nolint:gocyclo,cyclop // one check per RFC 6455 Section 4.2.1 requirement
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	readSize := opts.ReadBufferSize
	if readSize == 0 {
		readSize = defaultReadBufferSize
	}
	writeSize := opts.WriteBufferSize
	if writeSize == 0 {
		writeSize = defaultWriteBufferSize
	}

	if r.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}
	if !headerContainsTokenCI(r.Header.Get("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}
	if !headerContainsTokenCI(r.Header.Get("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, ErrInvalidVersion
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingSecKey
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return nil, ErrOriginDenied
	}

	subprotocol := firstMatch(opts.Subprotocols, splitCommaList(r.Header.Get("Sec-WebSocket-Protocol")))
	accept := computeAcceptKey(key)

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	var reader *bufio.Reader
	if bufrw.Reader.Size() >= readSize {
		reader = bufrw.Reader
	} else {
		reader = bufio.NewReaderSize(netConn, readSize)
	}
	writer := bufio.NewWriterSize(netConn, writeSize)

	cfg := connConfig{
		maxIncomingFrameSize:   opts.MaxIncomingFrameSize,
		maxIncomingMessageSize: opts.MaxIncomingMessageSize,
		outgoingFrameSize:      opts.OutgoingFrameSize,
		maskGenerator:          opts.MaskGenerator,
	}
	conn := newConn(netConn, reader, writer, roleServer, subprotocol, cfg)
	return conn, nil
}

// splitCommaList splits a comma-separated header value and trims each
// entry, ignoring empty entries produced by trailing/doubled commas.
func splitCommaList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, tok := range strings.Split(v, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// checkSameOrigin is a ready-to-use CheckOrigin implementation that
// accepts only an Origin matching the request's own scheme and host, or
// no Origin header at all (non-browser clients such as curl or this
// package's own client.go).
func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return origin == scheme+"://"+r.Host
}
