package websocket

import "sync/atomic"

// State is the connection's protocol-level lifecycle state (§3), distinct
// from whether the underlying transport is still open. Transitions are
// monotonic except that Closed is terminal; see conn.go for the exact
// transition table (§4.7).
type State int32

const (
	// StateConnecting is the state before the opening handshake has been
	// attempted. A Conn never reports it, nor StateHandshaking: newConn
	// creates every Conn after its handshake has completed, in StateOpen.
	StateConnecting State = iota

	// StateHandshaking covers the opening HTTP/1.1 Upgrade exchange.
	StateHandshaking

	// StateOpen is the state in which the frame codec and message
	// assembler run and application messages may be sent and received.
	StateOpen

	// StateClosing is entered the moment either side sends or receives a
	// CLOSE frame; no further data frames may be sent from here.
	StateClosing

	// StateClosed is terminal: the transport is down and no further
	// protocol activity is possible.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connState is an atomically-readable wrapper around State so Conn can
// expose IsValid()/State() to callers (e.g. a hub's health sweep) without
// taking the same lock the owning goroutine uses for frame I/O (§5: all
// protocol state is mutated only from the connection's owning goroutine,
// but read access from the outside is still common and must not race).
type connState struct {
	v atomic.Int32
}

func (c *connState) load() State       { return State(c.v.Load()) }
func (c *connState) store(s State)     { c.v.Store(int32(s)) }
func (c *connState) isOpen() bool      { return c.load() == StateOpen }
func (c *connState) isClosed() bool    { return c.load() == StateClosed }
