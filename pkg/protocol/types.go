package protocol

import "errors"

// Message types (fits in uint8).
const (
    MsgUnknown uint8 = iota
    MsgHello          // worker handshake
    MsgHelloAck       // handshake reply
    MsgDecodeRequest  // encoded image bytes in, one per correlation
    MsgDecodeResponse // decoded bitmap or typed failure out
    MsgHeartbeat      // liveness probe, echoed verbatim by the worker
)

// Flags bitmask (uint32). Reserved for forward compatibility; no flag is
// interpreted in version 1.
const (
    FlagCompressed uint32 = 1 << 0
)

// ErrMalformed reports a corrupt wire frame: bad magic, truncated header,
// a length field disagreeing with the data, or an undecodable body. Always
// recoverable locally; the affected request fails, the channel survives.
var ErrMalformed = errors.New("malformed wire frame")

// MaxBodyBytes is the hard ceiling applied to every declared body length
// before any allocation happens. Transports apply their own frame ceiling
// on top of this.
const MaxBodyBytes = 256 << 20
