package websocket

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Server accepts raw TCP/TLS connections and drives the opening
// handshake itself, for listeners that don't go through net/http (the
// net/http-hijacking path is Upgrade in handshake.go). It owns the set
// of connections still mid-handshake — spec.md §1's "pending-connection
// queueing" external collaborator, brought in-scope here because the
// handshake codec itself is core (SPEC_FULL.md §4).
type Server struct {
	cfg ServerConfig
	log *logrus.Entry

	pending chan struct{} // capacity-bounded token bucket for in-flight handshakes
}

// NewServer constructs a Server. cfg's zero-valued fields take the §6.4
// package defaults.
func NewServer(cfg ServerConfig) *Server {
	cfg.applyDefaults()
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		pending: make(chan struct{}, cfg.MaxPendingConnections),
	}
}

// Accept performs the server-side opening handshake on netConn and, on
// success, returns an Open Conn. On failure it writes the appropriate
// HTTP response (400 or 403) itself and returns a non-nil error; the
// caller is responsible for closing netConn either way — Accept never
// closes a connection it didn't fail.
//
// A rate limit (HandshakeRateLimit, one limiter shared by every remote
// address) and a process-wide pending-connection cap (MaxPendingConnections) both apply
// before any bytes are read, so a flood of connection attempts is
// rejected before it can consume a handshake-timeout's worth of time
// each.
func (s *Server) Accept(netConn net.Conn) (*Conn, error) {
	remote := ""
	if addr := netConn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	start := time.Now()

	if s.cfg.HandshakeRateLimit != nil && !s.cfg.HandshakeRateLimit.Allow() {
		s.writeRejection(netConn, 0, "")
		return nil, fmt.Errorf("%w: handshake rate limit exceeded", ErrHandshakeRefused)
	}

	select {
	case s.pending <- struct{}{}:
		defer func() { <-s.pending }()
	default:
		s.writeRejection(netConn, 0, "")
		return nil, fmt.Errorf("%w: too many pending connections", ErrHandshakeRefused)
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = netConn.SetReadDeadline(deadline)
	_ = netConn.SetWriteDeadline(deadline)

	reader := bufio.NewReader(netConn)
	head, err := readRequestHead(reader)
	if err != nil {
		s.log.WithField("remote_addr", remote).WithError(err).Debug("websocket: malformed handshake request")
		s.writeRejection(netConn, 400, "")
		return nil, fmt.Errorf("read handshake request: %w", err)
	}

	req, err := parseHandshakeRequest(head)
	if err != nil {
		s.writeRejection(netConn, 400, "")
		s.cfg.Metrics.observeHandshake(400, time.Since(start).Seconds())
		return nil, fmt.Errorf("parse handshake request: %w", err)
	}

	resp, negotiated, err := buildServerResponse(responseOptions{
		req:           req,
		originAllowed: s.cfg.OriginAllowed,
		subprotocols:  s.cfg.SupportedSubprotocols,
		echoOrigin:    s.cfg.EchoOriginHeader,
	})
	if err == nil && statusFromResponse(resp) == 403 {
		err = fmt.Errorf("%w: origin rejected", ErrOriginDenied)
	}
	if _, writeErr := netConn.Write(resp); writeErr != nil {
		return nil, fmt.Errorf("write handshake response: %w", writeErr)
	}
	if err != nil {
		s.cfg.Metrics.observeHandshake(statusFromResponse(resp), time.Since(start).Seconds())
		return nil, err
	}

	_ = netConn.SetReadDeadline(time.Time{})
	_ = netConn.SetWriteDeadline(time.Time{})

	s.cfg.Metrics.observeHandshake(101, time.Since(start).Seconds())
	s.cfg.Metrics.connectionOpened()

	cfg := connConfig{
		maxIncomingFrameSize:   s.cfg.MaxIncomingFrameSize,
		maxIncomingMessageSize: s.cfg.MaxIncomingMessageSize,
		outgoingFrameSize:      s.cfg.OutgoingFrameSize,
		maskGenerator:          s.cfg.MaskGenerator,
		logger:                 s.log.WithField("remote_addr", remote),
		metrics:                s.cfg.Metrics,
	}
	if s.cfg.PingRateLimit != nil {
		cfg.pingLimiter = s.cfg.PingRateLimit()
	}

	conn := newConn(netConn, reader, bufio.NewWriter(netConn), roleServer, negotiated, cfg)
	return conn, nil
}

// writeRejection writes a bare 400 or 403 when the failure happens
// before buildServerResponse could run (rate limiting, a request that
// couldn't even be read).
func (s *Server) writeRejection(netConn net.Conn, code int, extra string) {
	if code == 0 {
		code = 400
	}
	status := "400 Bad Request"
	if code == 403 {
		status = "403 Access Forbidden"
	}
	_, _ = fmt.Fprintf(netConn, "HTTP/1.1 %s\r\n%s\r\n", status, extra)
}

func statusFromResponse(resp []byte) int {
	switch {
	case len(resp) >= len("HTTP/1.1 101") && string(resp[9:12]) == "101":
		return 101
	case len(resp) >= len("HTTP/1.1 403") && string(resp[9:12]) == "403":
		return 403
	default:
		return 400
	}
}

// readRequestHead reads from r until the CRLF CRLF that terminates an
// HTTP request head, per §4.4.1's "byte slice known to end with CRLF
// CRLF" precondition for parseHandshakeRequest.
func readRequestHead(r *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		head = append(head, line...)
		if len(line) <= 2 { // "\r\n" or "\n": blank line reached
			return head, nil
		}
		if len(head) > defaultMaxHeaderLines*defaultMaxHeaderLine {
			return nil, fmt.Errorf("%w: request head too large", ErrProtocolError)
		}
	}
}
