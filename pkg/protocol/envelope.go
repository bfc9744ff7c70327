package protocol

import (
    "fmt"
    "io"
)

// Envelope is a header + body wrapper for a single channel transfer.
// The transport frames it as [u32 BE length][header||body].
type Envelope struct {
    Header Header
    Body   []byte
}

// NewEnvelope builds an envelope of the given type with a fresh version tag.
func NewEnvelope(msgType uint8, corr Correlation, body []byte) *Envelope {
    return &Envelope{
        Header: Header{Version: Version, Type: msgType, Correlation: corr},
        Body:   body,
    }
}

// EncodeFrame returns header+body as a single byte slice, ready to be
// length-prefixed by the transport.
func (e *Envelope) EncodeFrame() ([]byte, error) {
    if len(e.Body) > MaxBodyBytes {
        return nil, fmt.Errorf("%w: body %d bytes exceeds ceiling", ErrMalformed, len(e.Body))
    }
    e.Header.BodyLen = uint32(len(e.Body))
    hb, err := e.Header.MarshalBinary()
    if err != nil {
        return nil, err
    }
    out := make([]byte, headerSize+len(e.Body))
    copy(out, hb)
    copy(out[headerSize:], e.Body)
    return out, nil
}

// DecodeFrame parses a single frame from buf. The declared body length must
// match the frame exactly; trailing or missing bytes are ErrMalformed, so a
// truncated transmission is detected deterministically instead of being
// read out of bounds.
func (e *Envelope) DecodeFrame(buf []byte) error {
    if len(buf) < headerSize {
        return fmt.Errorf("%w: %d-byte frame shorter than header", ErrMalformed, len(buf))
    }
    if err := e.Header.UnmarshalBinary(buf[:headerSize]); err != nil {
        return err
    }
    need := int(e.Header.BodyLen)
    if need > MaxBodyBytes {
        return fmt.Errorf("%w: declared body %d exceeds ceiling", ErrMalformed, need)
    }
    if headerSize+need != len(buf) {
        return fmt.Errorf("%w: declared body %d, frame carries %d", ErrMalformed, need, len(buf)-headerSize)
    }
    e.Body = append(e.Body[:0], buf[headerSize:]...)
    return nil
}

// WriteTo writes header + body to w (no frame length prefix).
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
    b, err := e.EncodeFrame()
    if err != nil {
        return 0, err
    }
    n, err := w.Write(b)
    return int64(n), err
}
