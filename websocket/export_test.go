package websocket

// This file exports internal types and functions for testing.

import (
	"bufio"
	"net"
)

// Test exports for frame operations.

// FrameForTest is an exported version of frame for testing.
type FrameForTest struct {
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	Opcode  byte
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// ReadFrameForTest reads a frame (exported for testing).
func ReadFrameForTest(r *bufio.Reader) (*FrameForTest, error) {
	f, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	return &FrameForTest{
		Fin:     f.fin,
		Rsv1:    f.rsv1,
		Rsv2:    f.rsv2,
		Rsv3:    f.rsv3,
		Opcode:  f.opcode,
		Masked:  f.masked,
		Mask:    f.mask,
		Payload: f.payload,
	}, nil
}

// WriteFrameForTest writes a frame (exported for testing).
func WriteFrameForTest(w *bufio.Writer, ft *FrameForTest) error {
	f := &frame{
		fin:     ft.Fin,
		rsv1:    ft.Rsv1,
		rsv2:    ft.Rsv2,
		rsv3:    ft.Rsv3,
		opcode:  ft.Opcode,
		masked:  ft.Masked,
		mask:    ft.Mask,
		payload: ft.Payload,
	}

	return writeFrame(w, f)
}

// GetReaderForTest returns the internal reader from Conn (exported for
// testing low-level frame sequencing; normal code uses Read/ReadText).
func GetReaderForTest(conn *Conn) *bufio.Reader {
	return conn.reader
}

// GetWriterForTest returns the internal writer from Conn (exported for
// testing low-level frame sequencing; normal code uses Write/WriteText).
func GetWriterForTest(conn *Conn) *bufio.Writer {
	return conn.writer
}

// ApplyMaskForTest applies the XOR mask to payload (exported for testing).
func ApplyMaskForTest(data []byte, mask [4]byte) {
	applyMask(data, mask)
}

// WriteFrameNoValidationForTest writes a frame without encodeFrame's
// validation, for constructing deliberately malformed frames.
func WriteFrameNoValidationForTest(w *bufio.Writer, ft *FrameForTest) error {
	f := &frame{
		fin:     ft.Fin,
		rsv1:    ft.Rsv1,
		rsv2:    ft.Rsv2,
		rsv3:    ft.Rsv3,
		opcode:  ft.Opcode,
		masked:  ft.Masked,
		mask:    ft.Mask,
		payload: ft.Payload,
	}

	return writeFrameNoValidation(w, f)
}

// Opcode constants for testing.
const (
	OpcodeContinuationForTest = opcodeContinuation
	OpcodeTextForTest         = opcodeText
	OpcodeBinaryForTest       = opcodeBinary
	OpcodeCloseForTest        = opcodeClose
	OpcodePingForTest         = opcodePing
	OpcodePongForTest         = opcodePong
)

// NewConnForTest builds a Conn from a raw net.Conn for tests driving a
// manual handshake of their own. isServer selects the masking role.
func NewConnForTest(conn net.Conn, reader *bufio.Reader, isServer bool) *Conn {
	r := roleClient
	if isServer {
		r = roleServer
	}
	return newConn(conn, reader, bufio.NewWriter(conn), r, "", connConfig{})
}

// CloseRawForTest closes the underlying transport without running the
// close handshake, for tests simulating an abrupt peer disconnect.
func CloseRawForTest(conn *Conn) error {
	return conn.transport.Close()
}

// StateForTest exposes the connection's lifecycle state for assertions.
func StateForTest(conn *Conn) State {
	return conn.State()
}
