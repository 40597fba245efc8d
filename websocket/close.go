package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// maxCloseReason is the largest UTF-8 byte length a close reason may
// occupy: 125-byte control frame cap minus the 2-byte status code (§4.6).
const maxCloseReason = maxControlPayload - 2

// closeError reports a negotiated or locally-generated close: the code
// and reason that ended up on the wire (or would have, for a purely
// local close such as a transport fault). AsCloseError unwraps it.
type closeError struct {
	code   CloseCode
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("websocket: closed (%d %s): %s", e.code, e.code.String(), e.reason)
}

// Unwrap makes errors.Is(err, ErrClosed) true for any closeError, which
// is how IsCloseError tells an orderly close apart from a protocol
// violation or network fault.
func (e *closeError) Unwrap() error { return ErrClosed }

// decodeClosePayload parses a CLOSE frame's payload per §4.6: empty, or a
// 2-byte big-endian code followed by a UTF-8 reason. A payload of length
// 1 is always a protocol error. An on-wire code outside the valid range
// is returned as a *ProtocolError (ErrInvalidCloseCode, close code 1002)
// (§4.6, §6.3's reserved-code rule); invalid UTF-8 in the reason degrades
// the effective code to 1007 without making the close itself an error —
// the connection still closes, just with a different recorded code.
func decodeClosePayload(payload []byte) (code CloseCode, reason string, err error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatusReceived, "", nil
	case len(payload) == 1:
		return 0, "", newProtocolError(CloseProtocolError, ErrProtocolError, "close payload of length 1")
	}

	code = CloseCode(binary.BigEndian.Uint16(payload[:2]))
	if !code.validOnWire() {
		return 0, "", newProtocolError(CloseProtocolError, ErrInvalidCloseCode, fmt.Sprintf("code %d", code))
	}

	reasonBytes := payload[2:]
	if !utf8.Valid(reasonBytes) {
		// §4.6: invalid reason UTF-8 doesn't fail the close, it just
		// changes the recorded code to 1007.
		return CloseInvalidFramePayloadData, "", nil
	}
	return code, string(reasonBytes), nil
}

// encodeClosePayload builds a CLOSE frame payload for code/reason,
// truncating reason to maxCloseReason UTF-8 bytes without splitting a
// codepoint (§4.6: "truncate to <=123 bytes, then drop any trailing
// incomplete sequence").
func encodeClosePayload(code CloseCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	reason = truncateUTF8(reason, maxCloseReason)
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)
	return payload
}

// truncateUTF8 truncates s to at most n bytes, backing off further if
// that would split a multi-byte rune in the middle.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	// Drop the bytes of a trailing sequence the cut left incomplete; a
	// trailing rune that is still complete is kept.
	for len(s) > 0 {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
