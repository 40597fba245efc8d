package websocket

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Dial performs a client-side opening handshake against rawURL ("ws://"
// or "wss://") and returns an Open Conn on success. TLS is handled by
// passing a *tls.Conn in via DialTransport; Dial itself only knows about
// plain TCP, matching SPEC_FULL.md §6's "no bespoke TLS wrapper".
func Dial(ctx context.Context, rawURL string, cfg DialConfig) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	conn, err := DialTransport(ctx, netConn, u, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return conn, nil
}

// DialTransport runs the client-side opening handshake over an
// already-connected Transport (typically a *net.TCPConn or a *tls.Conn
// wrapping one), for callers that need control over dialing or TLS that
// Dial doesn't expose.
func DialTransport(ctx context.Context, transport Transport, u *url.URL, cfg DialConfig) (*Conn, error) {
	cfg.applyDefaults()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(cfg.HandshakeTimeout)
	}
	_ = transport.SetReadDeadline(deadline)
	_ = transport.SetWriteDeadline(deadline)

	resource := u.RequestURI()
	if resource == "" {
		resource = "/"
	}

	reader := bufio.NewReader(transport)
	writer := bufio.NewWriter(transport)

	_, protocol, err := performClientHandshake(transport, reader, writer, u.Host, resource, cfg)
	if err != nil {
		return nil, err
	}

	_ = transport.SetReadDeadline(time.Time{})
	_ = transport.SetWriteDeadline(time.Time{})

	dcfg := connConfig{
		maxIncomingFrameSize:   cfg.MaxIncomingFrameSize,
		maxIncomingMessageSize: cfg.MaxIncomingMessageSize,
		outgoingFrameSize:      cfg.OutgoingFrameSize,
		maskGenerator:          cfg.MaskGenerator,
	}
	return newConn(transport, reader, writer, roleClient, protocol, dcfg), nil
}

// performClientHandshake sends the upgrade request and parses the
// response, driving the §4.5.2 status-code dispatch including the 401
// Basic-auth retry (SUPPLEMENTED FEATURES item 1).
func performClientHandshake(transport Transport, reader *bufio.Reader, writer *bufio.Writer, host, resource string, cfg DialConfig) (ok bool, protocol string, err error) {
	key, err := generateClientKey()
	if err != nil {
		return false, "", err
	}

	extraHeaders := cfg.ExtraHeaders
	attempts := 0
	for {
		attempts++
		reqBytes, err := buildClientRequest(buildRequestOptions{
			host:         host,
			resource:     resource,
			key:          key,
			origin:       cfg.Origin,
			protocols:    cfg.Subprotocols,
			extraHeaders: extraHeaders,
		})
		if err != nil {
			return false, "", err
		}
		if _, err := writer.Write(reqBytes); err != nil {
			return false, "", fmt.Errorf("write handshake request: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return false, "", fmt.Errorf("flush handshake request: %w", err)
		}

		resp, err := parseHandshakeResponse(reader)
		if err != nil {
			return false, "", err
		}

		switch resp.statusCode {
		case 101:
			if err := resp.validate101(key, cfg.Subprotocols); err != nil {
				return false, "", err
			}
			return true, resp.acceptedSubprotocol, nil

		case 400:
			if len(resp.serverVersions) > 0 && !containsInt(resp.serverVersions, 13) {
				return false, "", fmt.Errorf("%w: server does not support version 13", ErrUnsupportedVersion)
			}
			return false, "", ErrHandshakeRefused

		case 401:
			if attempts > 1 || cfg.Authenticator == nil {
				return false, "", fmt.Errorf("%w: authentication failed", ErrHandshakeRefused)
			}
			challenge := resp.header.Get("WWW-Authenticate")
			user, pass, ok := cfg.Authenticator(challenge)
			if !ok {
				return false, "", fmt.Errorf("%w: no credentials available", ErrHandshakeRefused)
			}
			if err := skipDeclaredBody(reader, resp.header.Get("Content-Length")); err != nil {
				return false, "", err
			}
			if extraHeaders == nil {
				extraHeaders = make(map[string]string, 1)
			} else {
				cp := make(map[string]string, len(extraHeaders)+1)
				for k, v := range extraHeaders {
					cp[k] = v
				}
				extraHeaders = cp
			}
			extraHeaders["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
			continue

		default:
			return false, "", fmt.Errorf("%w: unhandled HTTP status %d", ErrHandshakeRefused, resp.statusCode)
		}
	}
}

// skipDeclaredBody discards the bytes a 401 rejection's Content-Length
// declares, so a retried handshake on the same connection starts from a
// clean byte boundary (§4.5.2).
func skipDeclaredBody(r *bufio.Reader, contentLength string) error {
	if contentLength == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(contentLength))
	if err != nil || n <= 0 {
		return nil
	}
	_, err = r.Discard(n)
	return err
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// DefaultBasicAuthenticator builds a DialConfig.Authenticator that always
// answers with the given static credentials, for the common case of a
// single fixed username/password rather than deriving them from the
// challenge or a URL's userinfo.
func DefaultBasicAuthenticator(username, password string) func(string) (string, string, bool) {
	return func(string) (string, string, bool) {
		return username, password, true
	}
}
