package websocket

import "errors"

// MessageType identifies the two application message kinds RFC 6455
// Section 5.6 defines: Text (UTF-8) and Binary (arbitrary bytes).
type MessageType int

const (
	// TextMessage is a UTF-8 text message (opcode 0x1). The assembler
	// rejects a message of this type whose payload is not valid UTF-8
	// (§4.3), so by the time application code sees one, validity is
	// already guaranteed.
	TextMessage MessageType = 1

	// BinaryMessage is an arbitrary-bytes message (opcode 0x2).
	BinaryMessage MessageType = 2
)

func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

// CloseCode is a WebSocket close status code (RFC 6455 Section 7.4).
type CloseCode int

// Close codes defined or reserved by RFC 6455 Section 7.4.1/7.4.2. The
// 3000-4999 application range (§4.6, §6.3) is always valid and has no
// named constant.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	closeReserved1004            CloseCode = 1004 // never valid on the wire
	CloseNoStatusReceived        CloseCode = 1005 // local only
	CloseAbnormalClosure         CloseCode = 1006 // local only
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	closeReserved1014            CloseCode = 1014
	CloseTLSHandshake            CloseCode = 1015 // local only, never on the wire
)

//nolint:cyclop // one arm per RFC 6455 close code
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormalClosure:
		return "Normal Closure"
	case CloseGoingAway:
		return "Going Away"
	case CloseProtocolError:
		return "Protocol Error"
	case CloseUnsupportedData:
		return "Unsupported Data"
	case CloseNoStatusReceived:
		return "No Status Received"
	case CloseAbnormalClosure:
		return "Abnormal Closure"
	case CloseInvalidFramePayloadData:
		return "Invalid Frame Payload Data"
	case ClosePolicyViolation:
		return "Policy Violation"
	case CloseMessageTooBig:
		return "Message Too Big"
	case CloseMandatoryExtension:
		return "Mandatory Extension"
	case CloseInternalServerErr:
		return "Internal Server Error"
	case CloseServiceRestart:
		return "Service Restart"
	case CloseTryAgainLater:
		return "Try Again Later"
	case CloseTLSHandshake:
		return "TLS Handshake"
	default:
		if cc >= 3000 && cc <= 4999 {
			return "Application Defined"
		}
		return "Unknown"
	}
}

// validOnWire reports whether cc is a close code a peer is permitted to
// send (§4.6, §6.3): 1000-4999 excluding the reserved/local-only values
// 1004, 1005, 1006 and 1015. A CLOSE frame with no code at all is handled
// separately — CloseNoStatusReceived is assigned locally and never parsed
// off the wire.
func (cc CloseCode) validOnWire() bool {
	switch cc {
	case closeReserved1004, CloseNoStatusReceived, CloseAbnormalClosure, CloseTLSHandshake:
		return false
	}
	return cc >= 1000 && cc <= 4999
}

// IsCloseError reports whether err represents an orderly close-frame
// exchange rather than a network fault or protocol violation.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClosed)
}

// AsCloseError extracts the close code and reason a returned error
// carries, if any. It unwraps *ProtocolError and the close coordinator's
// *closeError, the two shapes every close-related error is delivered in
// (§7), so callers never need to know which layer produced the error.
func AsCloseError(err error) (code CloseCode, reason string, ok bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, pe.Reason, true
	}
	var ce *closeError
	if errors.As(err, &ce) {
		return ce.code, ce.reason, true
	}
	return 0, "", false
}

// IsTemporaryError reports whether err is a transient network condition a
// caller might reasonably retry, as opposed to a close frame or protocol
// violation that will recur.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	type temporary interface {
		Temporary() bool
	}
	te, ok := err.(temporary)
	return ok && te.Temporary()
}
