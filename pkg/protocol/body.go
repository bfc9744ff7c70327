package protocol

import (
    "fmt"

    "pixjail/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of body encoding, carried as the
// first byte of Envelope.Body.
type Format uint8

const (
    FormatUnknown Format = iota
    FormatJSON
    FormatCBOR
)

func (f Format) String() string {
    switch f {
    case FormatJSON:
        return codec.ContentJSON
    case FormatCBOR:
        return codec.ContentCBOR
    default:
        return "application/octet-stream"
    }
}

// CodecFor returns a codec instance for a given format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
    switch f {
    case FormatJSON:
        if c := r.Get(codec.ContentJSON); c != nil {
            return c, nil
        }
        return codec.JSON(), nil
    case FormatCBOR:
        if c := r.Get(codec.ContentCBOR); c != nil {
            return c, nil
        }
        return codec.CBOR()
    default:
        return nil, fmt.Errorf("%w: unknown body format %d", ErrMalformed, f)
    }
}

// EncodeBody serializes v using the codec for f and prefixes the body with
// a single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
    c, err := CodecFor(r, f)
    if err != nil {
        return nil, err
    }
    b, err := c.Marshal(v)
    if err != nil {
        return nil, err
    }
    out := make([]byte, 1+len(b))
    out[0] = byte(f)
    copy(out[1:], b)
    return out, nil
}

// DecodeBody decodes a body produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, body []byte, v any) (Format, error) {
    if len(body) == 0 {
        return FormatUnknown, fmt.Errorf("%w: empty body", ErrMalformed)
    }
    f := Format(body[0])
    c, err := CodecFor(r, f)
    if err != nil {
        return f, err
    }
    if err := c.Unmarshal(body[1:], v); err != nil {
        return f, fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    return f, nil
}
