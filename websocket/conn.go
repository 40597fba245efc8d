package websocket

import (
	"bufio"
	"context"
	"encoding/json/v2"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// role decides a connection's masking obligation: clients mask outbound
// frames and expect unmasked inbound frames; servers are the mirror
// image (§3 Frame "masking_key").
type role int

const (
	roleServer role = iota
	roleClient
)

// Transport is the bidirectional byte stream the protocol core consumes
// (§6.1, spec.md §1's "external collaborator"). net.Conn and *tls.Conn
// both satisfy it without a bespoke wrapper.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

const (
	// defaultOutgoingFrameSize is the §6.4 default fragmentation
	// threshold for outbound messages: 512 KiB.
	defaultOutgoingFrameSize = 512 << 10

	// defaultCloseWait bounds how long Close waits for the peer's
	// echoed CLOSE frame when the caller's context carries no deadline.
	defaultCloseWait = 5 * time.Second
)

// connConfig carries the subset of ServerConfig/DialConfig (§6.4) a Conn
// needs once it exists; server.go and client.go translate their richer
// config structs down to this before calling newConn.
type connConfig struct {
	maxIncomingFrameSize   uint64
	maxIncomingMessageSize uint64
	outgoingFrameSize      int
	maskGenerator          MaskGenerator
	pingLimiter            *rate.Limiter
	logger                 *logrus.Entry
	metrics                *Metrics
}

// Conn is a single WebSocket connection: the connection driver of §4.7,
// bound to a concrete Transport. All of its protocol state — the
// assembler, the frame cursor, the close flags — is mutated only from
// the goroutine that calls Read; Write, Ping, Pong and Close take
// writeMu and so are safe to call from other goroutines concurrently
// with a Read loop, but Close additionally reads from the transport
// while waiting for the peer's close echo and so must not be called
// concurrently with Read from a second goroutine (the usual pattern is
// for the read loop itself to call Close once Read returns an error).
type Conn struct {
	transport Transport
	reader    *bufio.Reader
	writer    *bufio.Writer

	role role
	cfg  connConfig

	state     connState
	assembler *assembler

	writeMu sync.Mutex

	closeMu        sync.Mutex
	closeSent      bool
	closeReceived  bool
	localCode      CloseCode
	localReason    string
	peerCode       CloseCode
	peerReason     string

	negotiatedSubprotocol string

	lastPing   time.Time
	bytesSent  atomic.Int64
	bytesRecvd atomic.Int64

	// BytesWritten, if set, is called once per frame sent with the
	// payload length plus 2 (the shortest frame header). It is neither
	// the exact encoded frame size (extended-length and mask bytes are
	// not counted) nor the byte count the transport's Write reports.
	BytesWritten func(n int)

	// OnPong is called with a Pong frame's payload and the elapsed time
	// since the connection's last Ping, per §4.3's pong forwarding rule.
	OnPong func(payload []byte, elapsed time.Duration)

	// OnTextFrame and OnBinaryFrame are called once per frame (not once
	// per message) with the frame's own payload and fin flag, letting a
	// caller stream a large message instead of buffering the whole
	// thing (§4.3: "Emit a per-frame event ... so large messages can be
	// consumed streamingly").
	OnTextFrame   func(chunk []byte, fin bool)
	OnBinaryFrame func(chunk []byte, fin bool)
}

func newConn(transport Transport, reader *bufio.Reader, writer *bufio.Writer, r role, negotiatedSubprotocol string, cfg connConfig) *Conn {
	if cfg.maxIncomingFrameSize == 0 {
		cfg.maxIncomingFrameSize = defaultMaxFramePayload
	}
	if cfg.maxIncomingMessageSize == 0 {
		cfg.maxIncomingMessageSize = defaultMaxFramePayload
	}
	if cfg.maskGenerator == nil {
		cfg.maskGenerator = DefaultMaskGenerator
	}
	c := &Conn{
		transport:             transport,
		reader:                reader,
		writer:                writer,
		role:                  r,
		cfg:                   cfg,
		assembler:             newAssembler(cfg.maxIncomingMessageSize),
		negotiatedSubprotocol: negotiatedSubprotocol,
	}
	c.state.store(StateOpen)
	return c
}

// State reports the connection's current protocol-level lifecycle state.
func (c *Conn) State() State { return c.state.load() }

// IsValid reports whether the connection is in the Open state, per §7's
// "a boolean is_valid that is true only while in the Open state".
func (c *Conn) IsValid() bool { return c.state.load() == StateOpen }

// Subprotocol returns the subprotocol frozen at the end of the opening
// handshake, or "" if none was negotiated.
func (c *Conn) Subprotocol() string { return c.negotiatedSubprotocol }

// CloseCode and CloseReason report whichever close code/reason ended up
// governing this connection: the peer's if one was received, otherwise
// the locally-generated one (§7).
func (c *Conn) CloseCode() CloseCode {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeReceived {
		return c.peerCode
	}
	return c.localCode
}

func (c *Conn) CloseReason() string {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeReceived {
		return c.peerReason
	}
	return c.localReason
}

// Read reads the next complete application message, transparently
// reassembling fragments, responding to Pings with Pongs inline (before
// any further frame is processed, per §4.7's liveness requirement), and
// surfacing Pongs and the close handshake through handleCloseFrame.
//
//nolint:gocyclo,cyclop // one branch per §4.3 frame-kind dispatch rule
func (c *Conn) Read() (MessageType, []byte, error) {
	if c.state.isClosed() {
		return 0, nil, ErrClosed
	}

	for {
		f, err := decodeFrame(c.reader, c.cfg.maxIncomingFrameSize)
		if err != nil {
			c.failLocal(err)
			return 0, nil, err
		}
		c.bytesRecvd.Add(int64(len(f.payload)))

		if err := c.checkMasking(f); err != nil {
			c.failLocal(err)
			return 0, nil, err
		}
		if c.cfg.metrics != nil {
			c.cfg.metrics.observeFrameReceived(f.opcode, len(f.payload))
		}

		if f.isControl() {
			switch f.opcode {
			case opcodePing:
				if c.cfg.pingLimiter != nil && !c.cfg.pingLimiter.Allow() {
					err := newProtocolError(ClosePolicyViolation, ErrProtocolError, "ping rate exceeded")
					c.failLocal(err)
					return 0, nil, err
				}
				if err := c.sendControl(opcodePong, f.payload); err != nil {
					return 0, nil, err
				}
				continue
			case opcodePong:
				elapsed := time.Since(c.lastPing)
				if c.OnPong != nil {
					c.OnPong(f.payload, elapsed)
				}
				continue
			case opcodeClose:
				return 0, nil, c.handleCloseFrame(f.payload)
			}
		}

		ev, err := c.assembler.feedData(f)
		if err != nil {
			c.failLocal(err)
			return 0, nil, err
		}
		if ev.msgType == TextMessage && c.OnTextFrame != nil {
			c.OnTextFrame(ev.frameChunk, ev.fin)
		}
		if ev.msgType == BinaryMessage && c.OnBinaryFrame != nil {
			c.OnBinaryFrame(ev.frameChunk, ev.fin)
		}
		if ev.complete {
			if c.cfg.metrics != nil {
				c.cfg.metrics.observeMessageReceived(ev.msgType, len(ev.completeMsg))
			}
			return ev.msgType, ev.completeMsg, nil
		}
	}
}

// checkMasking enforces the role-based masking expectation §3 states:
// servers must receive masked frames, clients must receive unmasked
// ones. Violating this is a policy matter, not framing per se, but the
// safe default is to treat it as a protocol error like any other
// malformed frame.
func (c *Conn) checkMasking(f *frame) error {
	wantMasked := c.role == roleServer
	if f.masked != wantMasked {
		if wantMasked {
			return newProtocolError(CloseProtocolError, ErrMaskRequired, "")
		}
		return newProtocolError(CloseProtocolError, ErrMaskUnexpected, "")
	}
	return nil
}

// failLocal reacts to a read-side error that terminates the connection:
// for protocol-shaped errors it attempts to send the mapped close code
// before tearing the transport down; for anything else (I/O faults) it
// just closes.
func (c *Conn) failLocal(err error) {
	if c.state.isClosed() {
		return
	}
	code := closeCodeFor(err)
	c.closeMu.Lock()
	alreadySent := c.closeSent
	c.closeMu.Unlock()
	if !alreadySent {
		_ = c.sendCloseFrame(code, "")
	}
	c.state.store(StateClosed)
	_ = c.transport.Close()
	if c.cfg.logger != nil {
		c.cfg.logger.WithError(err).WithField("close_code", code).Warn("websocket: connection terminated")
	}
}

// handleCloseFrame implements §4.6 steps 2-3 for the receiving side: it
// decodes the payload, records the peer's code/reason, answers with a
// CLOSE of its own if this endpoint hasn't already sent one, and tears
// the transport down.
func (c *Conn) handleCloseFrame(payload []byte) error {
	code, reason, err := decodeClosePayload(payload)
	if err != nil {
		c.failLocal(err)
		return err
	}

	c.closeMu.Lock()
	c.closeReceived = true
	c.peerCode, c.peerReason = code, reason
	alreadySent := c.closeSent
	c.closeMu.Unlock()

	if !alreadySent {
		respCode := code
		if code == CloseNoStatusReceived {
			respCode = CloseNormalClosure
		}
		_ = c.sendCloseFrame(respCode, "")
	}

	c.state.store(StateClosed)
	_ = c.transport.Close()
	return &closeError{code: code, reason: reason}
}

// ReadText reads the next message and requires it to be text.
func (c *Conn) ReadText() (string, error) {
	mt, data, err := c.Read()
	if err != nil {
		return "", err
	}
	if mt != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(data), nil
}

// ReadJSON reads the next message, requires it to be text, and
// unmarshals it as JSON into v.
func (c *Conn) ReadJSON(v any) error {
	mt, data, err := c.Read()
	if err != nil {
		return err
	}
	if mt != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(data, v)
}

// Write sends data as a single application message of the given type,
// fragmenting it into frames of at most cfg.outgoingFrameSize bytes per
// §4.7. A zero-length message still produces exactly one frame with
// fin=1 and the correct opcode, per §4.7's explicit edge case.
func (c *Conn) Write(mt MessageType, data []byte) error {
	if !c.state.isOpen() {
		return ErrClosed
	}

	var opcode byte
	switch mt {
	case TextMessage:
		opcode = opcodeText
		if !utf8.Valid(data) {
			return ErrInvalidUTF8
		}
	case BinaryMessage:
		opcode = opcodeBinary
	default:
		return ErrInvalidMessageType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	sent := c.closeSent
	c.closeMu.Unlock()
	if sent {
		return ErrAlreadyClosing
	}

	return c.writeFragmentedLocked(opcode, data)
}

// writeFragmentedLocked splits data into §4.7 fragments. Caller holds
// writeMu.
func (c *Conn) writeFragmentedLocked(opcode byte, data []byte) error {
	chunkSize := c.cfg.outgoingFrameSize
	if chunkSize <= 0 {
		chunkSize = defaultOutgoingFrameSize
	}

	if len(data) == 0 {
		return c.writeFrameLocked(opcode, nil, true)
	}

	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		op := opcode
		if offset > 0 {
			op = opcodeContinuation
		}
		fin := end == len(data)
		if err := c.writeFrameLocked(op, data[offset:end], fin); err != nil {
			return err
		}
	}
	return nil
}

// writeFrameLocked masks (client role only, per §4.1/§4.7) and sends a
// single frame. Caller holds writeMu.
func (c *Conn) writeFrameLocked(opcode byte, payload []byte, fin bool) error {
	f := &frame{fin: fin, opcode: opcode, payload: payload}
	if c.role == roleClient {
		key, err := c.cfg.maskGenerator.NextKey()
		if err != nil {
			return fmt.Errorf("draw mask key: %w", err)
		}
		f.masked = true
		f.mask = maskKeyBytes(key)
	}

	if err := encodeFrame(c.writer, f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	// Header size varies (2-14 bytes); BytesWritten reports payload plus
	// the minimum 2-byte header rather than tracking the exact encoded
	// size or the count the transport reports.
	n := len(payload) + 2
	c.bytesSent.Add(int64(n))
	if c.BytesWritten != nil {
		c.BytesWritten(n)
	}
	if c.cfg.metrics != nil {
		c.cfg.metrics.observeFrameSent(opcode, len(payload))
	}
	return nil
}

// sendControl sends a control frame (Ping or Pong), serialized against
// application writes by the same writeMu application messages use,
// since RFC 6455 Section 5.1 forbids interleaving frames mid-write.
func (c *Conn) sendControl(opcode byte, payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if opcode == opcodePing {
		c.lastPing = time.Now()
	}
	return c.writeFrameLocked(opcode, payload, true)
}

// Ping sends a Ping control frame carrying data (at most 125 bytes).
func (c *Conn) Ping(data []byte) error {
	if !c.state.isOpen() {
		return ErrClosed
	}
	return c.sendControl(opcodePing, data)
}

// Pong sends a Pong frame. Read already answers inbound Pings
// automatically; this is for unsolicited liveness announcements.
func (c *Conn) Pong(data []byte) error {
	if !c.state.isOpen() {
		return ErrClosed
	}
	return c.sendControl(opcodePong, data)
}

// WriteText sends text as a TextMessage.
func (c *Conn) WriteText(text string) error { return c.Write(TextMessage, []byte(text)) }

// WriteJSON marshals v as JSON and sends it as a TextMessage.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(TextMessage, data)
}

// sendCloseFrame performs the "send half" of the close handshake: mark
// closeSent, remember the local code/reason, and write the CLOSE frame.
// It does not wait for the peer's echo; Close does that.
func (c *Conn) sendCloseFrame(code CloseCode, reason string) error {
	c.closeMu.Lock()
	if c.closeSent {
		c.closeMu.Unlock()
		return nil
	}
	c.closeSent = true
	c.localCode, c.localReason = code, reason
	c.closeMu.Unlock()

	c.writeMu.Lock()
	err := c.writeFrameLocked(opcodeClose, encodeClosePayload(code, reason), true)
	c.writeMu.Unlock()
	return err
}

// Close performs a normal (code 1000) graceful close: §4.6's three
// steps. It sends CLOSE if this endpoint hasn't already, then waits
// (bounded by ctx, or defaultCloseWait if ctx carries no deadline) for
// the peer's echoed CLOSE before closing the transport, instead of
// closing the instant the local CLOSE is written.
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, CloseNormalClosure, "")
}

// CloseWithCode is Close with an application-chosen code and reason. A
// reason that is not valid UTF-8 is refused with ErrInvalidUTF8 and no
// CLOSE frame is sent.
func (c *Conn) CloseWithCode(ctx context.Context, code CloseCode, reason string) error {
	if c.state.isClosed() {
		return nil
	}
	if !utf8.ValidString(reason) {
		return ErrInvalidUTF8
	}

	sendErr := c.sendCloseFrame(code, reason)
	c.state.store(StateClosing)

	c.closeMu.Lock()
	received := c.closeReceived
	c.closeMu.Unlock()

	if !received {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(defaultCloseWait)
		}
		_ = c.transport.SetReadDeadline(deadline)
		for {
			f, err := decodeFrame(c.reader, c.cfg.maxIncomingFrameSize)
			if err != nil {
				break
			}
			if f.opcode == opcodeClose {
				pc, pr, _ := decodeClosePayload(f.payload)
				c.closeMu.Lock()
				c.closeReceived = true
				c.peerCode, c.peerReason = pc, pr
				c.closeMu.Unlock()
				break
			}
			// Discard other frames while waiting for the echo; the
			// application has already stopped reading by this point.
		}
	}

	c.state.store(StateClosed)
	closeErr := c.transport.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

// RemoteAddr returns the transport's remote address, or "" if the
// transport isn't a net.Conn.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.transport.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}
