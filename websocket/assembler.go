package websocket

import (
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// assembler reassembles the frame stream Conn decodes into application
// messages, enforcing the fragmentation rules of §4.3. One assembler is
// owned per connection and lives for the connection's whole Open period;
// it is reset after every completed message and on any error that will
// terminate the connection (§3 "Message assembler state" lifetime).
//
// The accumulator is a pooled buffer (bytebufferpool.ByteBuffer) so a
// busy server doesn't repeatedly allocate and discard a growable buffer
// per fragmented message; the buffer returns to the pool the moment a
// completed message has been copied out to the caller.
type assembler struct {
	maxMessageSize uint64

	inMessage   bool
	opcode      byte
	accumulator *bytebufferpool.ByteBuffer
	running     uint64
	utf8        utf8Validator
}

func newAssembler(maxMessageSize uint64) *assembler {
	return &assembler{maxMessageSize: maxMessageSize}
}

// reset returns the pooled accumulator (if any) and clears all
// in-progress-message state, per the lifecycle described in §3.
func (a *assembler) reset() {
	if a.accumulator != nil {
		bytebufferpool.Put(a.accumulator)
		a.accumulator = nil
	}
	a.inMessage = false
	a.opcode = 0
	a.running = 0
	a.utf8 = utf8Validator{}
}

// frameEvent is what the assembler reports back to the connection driver
// for a single decoded frame: a per-frame progress notification, and, on
// the frame that completes a message, the full reassembled payload.
type frameEvent struct {
	msgType     MessageType
	fin         bool
	frameChunk  []byte // this frame's own payload (for OnTextFrame/OnBinaryFrame)
	complete    bool   // true iff this frame finished a message
	completeMsg []byte // valid iff complete
}

// feedData processes one data frame (Continuation, Text, or Binary)
// through the invariants of §4.3: a Continuation without an in-progress
// message is illegal, and a new data frame while one is in progress is
// illegal (must be Continuation). Control frames never reach here — the
// connection driver dispatches them directly (§4.3 point 3).
func (a *assembler) feedData(f *frame) (frameEvent, error) {
	isContinuation := f.isContinuation()

	if isContinuation && !a.inMessage {
		return frameEvent{}, newProtocolError(CloseProtocolError, ErrUnexpectedContinuation, "")
	}
	if !isContinuation && a.inMessage {
		return frameEvent{}, newProtocolError(CloseProtocolError, ErrProtocolError, "data frame received mid-message")
	}

	if !isContinuation {
		a.opcode = f.opcode
		a.accumulator = bytebufferpool.Get()
		a.inMessage = !f.fin
		a.utf8 = utf8Validator{}
	}

	a.running += uint64(len(f.payload))
	if a.running > a.maxMessageSize {
		a.reset()
		return frameEvent{}, newProtocolError(CloseMessageTooBig,
			fmt.Errorf("%w: message exceeds %d bytes", ErrMessageTooLarge, a.maxMessageSize), "")
	}

	msgType := MessageType(a.opcode)
	if msgType == TextMessage {
		if !a.utf8.Feed(f.payload) {
			a.reset()
			return frameEvent{}, newProtocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8, "")
		}
		if f.fin && !a.utf8.Complete() {
			a.reset()
			return frameEvent{}, newProtocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8, "truncated sequence at end of message")
		}
	}

	_, _ = a.accumulator.Write(f.payload)

	ev := frameEvent{msgType: msgType, fin: f.fin, frameChunk: f.payload}
	if f.fin {
		ev.complete = true
		ev.completeMsg = append([]byte(nil), a.accumulator.Bytes()...)
		a.reset()
	}
	return ev, nil
}
