package protocol

import (
    "crypto/rand"
    "encoding/binary"
    "io"
)

// Fixed header layout (32 bytes) for fast parsing on both sides of the
// process boundary. All integer fields are big-endian, matching the u32
// frame length prefix on the stream.
//
//  0  ..1   Magic   'P''J' (0x504a)
//  2        Version u8
//  3        Type    u8
//  4  ..7   Flags   u32
//  8  ..11  BodyLen u32
//  12 ..27  Correlation [16]byte
//  28 ..31  Reserved u32
const (
    headerSize = 32
    magicWord  = uint16(0x504a) // 'P''J'

    // Version of the wire contract. Bumped on incompatible changes; the
    // handshake rejects mismatches.
    Version = 1
)

// Correlation is the opaque per-request token. It is never reused while a
// pending-table entry referencing it exists.
type Correlation [16]byte

// NewCorrelation generates a random request token.
func NewCorrelation() (out Correlation, err error) {
    _, err = io.ReadFull(rand.Reader, out[:])
    return
}

// Header describes metadata for one envelope.
type Header struct {
    Version     uint8
    Type        uint8
    Flags       uint32
    BodyLen     uint32
    Correlation Correlation
}

// MarshalBinary encodes the header into a fresh 32-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
    buf := make([]byte, headerSize)
    binary.BigEndian.PutUint16(buf[0:2], magicWord)
    buf[2] = h.Version
    buf[3] = h.Type
    binary.BigEndian.PutUint32(buf[4:8], h.Flags)
    binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
    copy(buf[12:28], h.Correlation[:])
    // 28..31 reserved stays zero
    return buf, nil
}

// UnmarshalBinary decodes the header from a 32-byte buffer.
func (h *Header) UnmarshalBinary(buf []byte) error {
    if len(buf) < headerSize {
        return ErrMalformed
    }
    if binary.BigEndian.Uint16(buf[0:2]) != magicWord {
        return ErrMalformed
    }
    h.Version = buf[2]
    h.Type = buf[3]
    h.Flags = binary.BigEndian.Uint32(buf[4:8])
    h.BodyLen = binary.BigEndian.Uint32(buf[8:12])
    copy(h.Correlation[:], buf[12:28])
    return nil
}
