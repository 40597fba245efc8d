package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/httphead"
)

// handshakeRequest is the parsed form of a client opening-handshake
// request (§3 "Handshake request"). It is the raw-codec counterpart to
// the net/http-hijacking path in handshake.go: server.go's raw TCP/TLS
// accept loop uses this parser directly, and client.go's dialer uses
// buildClientRequest to generate one.
type handshakeRequest struct {
	method     string
	target     string
	httpMajor  int
	httpMinor  int
	host       string
	key        string
	versions   []int // sorted descending, per §3
	origin     string
	protocols  []string
	extensions []string
	header     textproto.MIMEHeader
}

const (
	defaultMaxHeaderLines  = 100
	defaultMaxHeaderLine   = 8 << 10 // 8 KiB, §4.4.1
	maxRequestLineBytes    = 8 << 10
)

// parseHandshakeRequest parses a byte slice known to end with CRLF CRLF
// into a handshakeRequest, per §4.4.1. It returns a non-nil error
// describing the first violation encountered; the caller (server.go) maps
// that to a 400 response.
func parseHandshakeRequest(data []byte) (*handshakeRequest, error) {
	lines, err := splitHeaderLines(data, defaultMaxHeaderLines, defaultMaxHeaderLine)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrProtocolError)
	}

	req := &handshakeRequest{header: make(textproto.MIMEHeader)}
	if err := req.parseRequestLine(lines[0]); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		// RFC 7230: a line starting with SP/HTAB is an obsolete folded
		// continuation of the previous header; the first field of a
		// message MUST NOT be folded (§4.4.1 step 2).
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			return nil, fmt.Errorf("%w: header folding not permitted", ErrProtocolError)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line", ErrProtocolError)
		}
		req.header.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)), strings.TrimSpace(value))
	}

	if err := req.extractFields(); err != nil {
		return nil, err
	}
	return req, nil
}

func (req *handshakeRequest) parseRequestLine(line string) error {
	if len(line) > maxRequestLineBytes {
		return fmt.Errorf("%w: request line too long", ErrProtocolError)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed request line", ErrProtocolError)
	}
	if parts[0] != "GET" {
		return ErrInvalidMethod
	}
	major, minor, ok := parseHTTPVersion(parts[2])
	if !ok || major < 1 || (major == 1 && minor < 1) {
		return fmt.Errorf("%w: HTTP version must be >= 1.1", ErrProtocolError)
	}
	req.method, req.target, req.httpMajor, req.httpMinor = parts[0], parts[1], major, minor
	return nil
}

func parseHTTPVersion(s string) (major, minor int, ok bool) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(s, prefix) {
		return 0, 0, false
	}
	s = s[len(prefix):]
	maj, min, found := strings.Cut(s, ".")
	if !found {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(maj)
	minor, err2 := strconv.Atoi(min)
	return major, minor, err1 == nil && err2 == nil
}

// extractFields validates and extracts the mandatory and optional fields
// §4.4.1 step 4 enumerates.
func (req *handshakeRequest) extractFields() error {
	req.host = req.header.Get("Host")

	req.key = req.header.Get("Sec-WebSocket-Key")
	if req.key == "" {
		return ErrMissingSecKey
	}

	if !headerContainsTokenCI(req.header.Get("Upgrade"), "websocket") {
		return ErrMissingUpgrade
	}
	if !headerContainsTokenCI(req.header.Get("Connection"), "upgrade") {
		return ErrMissingConnection
	}

	versionList := req.header.Get("Sec-WebSocket-Version")
	if versionList == "" {
		return ErrInvalidVersion
	}
	var versions []int
	httphead.ScanTokens([]byte(versionList), func(tok []byte) bool {
		v, err := strconv.Atoi(strings.TrimSpace(string(tok)))
		if err != nil {
			versions = nil
			return false
		}
		versions = append(versions, v)
		return true
	})
	if versions == nil {
		return ErrInvalidVersion
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	req.versions = versions

	if origin := req.header.Get("Origin"); origin != "" {
		if strings.ContainsAny(origin, "\r\n") {
			return fmt.Errorf("%w: Origin contains CRLF", ErrProtocolError)
		}
		req.origin = origin
	}

	if protoList := req.header.Get("Sec-WebSocket-Protocol"); protoList != "" {
		httphead.ScanTokens([]byte(protoList), func(tok []byte) bool {
			name := strings.TrimSpace(string(tok))
			if name != "" && isValidSubprotocolToken(name) {
				req.protocols = append(req.protocols, name)
			}
			return true
		})
	}

	if extList := req.header.Get("Sec-WebSocket-Extensions"); extList != "" {
		httphead.ScanTokens([]byte(extList), func(tok []byte) bool {
			if name := strings.TrimSpace(string(tok)); name != "" {
				req.extensions = append(req.extensions, name)
			}
			return true
		})
	}

	return nil
}

// splitHeaderLines splits a CRLF-terminated HTTP message head into
// individual lines, enforcing the §4.4.1 caps on line count and length.
func splitHeaderLines(data []byte, maxLines, maxLineLen int) ([]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, maxLineLen), maxLineLen)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue // blank line terminating the header block
		}
		if len(line) > maxLineLen {
			return nil, fmt.Errorf("%w: header line exceeds %d bytes", ErrProtocolError, maxLineLen)
		}
		lines = append(lines, line)
		if len(lines) > maxLines {
			return nil, fmt.Errorf("%w: more than %d header lines", ErrProtocolError, maxLines)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	return lines, nil
}

// headerContainsTokenCI reports whether a comma-separated header value
// contains token, case-insensitively, per §4.4.1's Upgrade/Connection
// checks.
func headerContainsTokenCI(header, token string) bool {
	found := false
	httphead.ScanTokens([]byte(header), func(tok []byte) bool {
		if strings.EqualFold(strings.TrimSpace(string(tok)), token) {
			found = true
			return false
		}
		return true
	})
	return found
}

// isValidSubprotocolToken reports whether name is composed only of
// US-ASCII 0x21-0x7E excluding the RFC 2616 separator characters, the
// rule §4.4.1/§4.4.2 impose on Sec-WebSocket-Protocol entries.
func isValidSubprotocolToken(name string) bool {
	const separators = "()<>@,;:\\\"/[]?={} \t"
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c > 0x7E || strings.IndexByte(separators, c) >= 0 {
			return false
		}
	}
	return true
}

// generateClientKey draws 16 random bytes and base64-encodes them as a
// Sec-WebSocket-Key value (§4.4.2).
func generateClientKey() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate client key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf[:]), nil
}

// buildRequestOptions configures buildClientRequest.
type buildRequestOptions struct {
	host          string
	resource      string
	key           string
	origin        string
	protocols     []string
	extensions    []string
	extraHeaders  map[string]string
}

// buildClientRequest renders the canonical client upgrade request bytes
// of §4.4.2. It refuses (returns an error) if resource, host, origin, or
// any extension value contains CRLF; invalid subprotocol names are
// silently dropped rather than failing the whole handshake, per §4.4.2.
func buildClientRequest(opt buildRequestOptions) ([]byte, error) {
	for _, v := range []string{opt.resource, opt.host, opt.origin} {
		if strings.ContainsAny(v, "\r\n") {
			return nil, fmt.Errorf("%w: CRLF in handshake field", ErrProtocolError)
		}
	}
	for _, ext := range opt.extensions {
		if strings.ContainsAny(ext, "\r\n") {
			return nil, fmt.Errorf("%w: CRLF in extension value", ErrProtocolError)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "GET %s HTTP/1.1\r\n", opt.resource)
	fmt.Fprintf(&buf, "Host: %s\r\n", opt.host)
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&buf, "Sec-WebSocket-Key: %s\r\n", opt.key)
	buf.WriteString("Sec-WebSocket-Version: 13\r\n")

	if opt.origin != "" {
		fmt.Fprintf(&buf, "Origin: %s\r\n", opt.origin)
	}
	if len(opt.extensions) > 0 {
		fmt.Fprintf(&buf, "Sec-WebSocket-Extensions: %s\r\n", strings.Join(opt.extensions, ", "))
	}
	if protos := filterValidSubprotocols(opt.protocols); len(protos) > 0 {
		fmt.Fprintf(&buf, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(protos, ", "))
	}
	for name, value := range opt.extraHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// filterValidSubprotocols drops (with the caller expected to log a
// warning) any entry that isn't a valid RFC 2616 token, per §4.4.2.
func filterValidSubprotocols(protos []string) []string {
	var out []string
	for _, p := range protos {
		if isValidSubprotocolToken(p) {
			out = append(out, p)
		}
	}
	return out
}
