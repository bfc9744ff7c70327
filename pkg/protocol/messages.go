package protocol

import (
    "fmt"

    "pixjail/pkg/imaging"
)

// Message bodies exchanged over the channel. Field names are kept short on
// the wire via cbor tags; every length-carrying field is re-validated after
// decode rather than trusted.

// Hello opens a session. The worker sends it once per connection.
type Hello struct {
    Worker      string `cbor:"w" json:"worker"`
    Version     uint8  `cbor:"v" json:"version"`
    MaxInflight int    `cbor:"mi" json:"max_inflight"`
}

// HelloAck completes the handshake.
type HelloAck struct {
    Accepted bool   `cbor:"ok" json:"accepted"`
    Reason   string `cbor:"r,omitempty" json:"reason,omitempty"`
}

// DecodeRequest carries the untrusted encoded image bytes. The request id
// travels in the envelope header correlation field; the payload is copied
// across the boundary and owned by the receiver.
type DecodeRequest struct {
    Payload  []byte `cbor:"p" json:"payload"`
    SizeHint uint32 `cbor:"sh,omitempty" json:"size_hint,omitempty"`
}

// DecodeResponse is a tagged union: exactly one of Image or Failure is set.
type DecodeResponse struct {
    Image   *ImagePayload   `cbor:"i,omitempty" json:"image,omitempty"`
    Failure *FailurePayload `cbor:"f,omitempty" json:"failure,omitempty"`
}

// ImagePayload is the wire form of a decoded bitmap.
type ImagePayload struct {
    Width       uint32 `cbor:"w" json:"width"`
    Height      uint32 `cbor:"h" json:"height"`
    PixelFormat uint8  `cbor:"pf" json:"pixel_format"`
    Pixels      []byte `cbor:"px" json:"pixels"`
}

// FailurePayload is the wire form of a typed decode failure.
type FailurePayload struct {
    Kind   uint8  `cbor:"k" json:"kind"`
    Detail string `cbor:"d,omitempty" json:"detail,omitempty"`
}

// ImageToWire converts a decoded bitmap into its wire form.
func ImageToWire(m *imaging.Image) *ImagePayload {
    return &ImagePayload{
        Width:       uint32(m.Width),
        Height:      uint32(m.Height),
        PixelFormat: uint8(m.Format),
        Pixels:      m.Pix,
    }
}

// ImageFromWire validates a received bitmap against the caller's ceilings
// and converts it. A bitmap violating the pixel-buffer invariant is
// ErrMalformed, not a partially trusted result.
func ImageFromWire(p *ImagePayload, maxWidth, maxHeight int) (*imaging.Image, error) {
    m := &imaging.Image{
        Width:  int(p.Width),
        Height: int(p.Height),
        Format: imaging.PixelFormat(p.PixelFormat),
        Pix:    p.Pixels,
    }
    if err := m.Validate(maxWidth, maxHeight); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    return m, nil
}

// FailureToWire converts a typed failure into its wire form.
func FailureToWire(f *imaging.Failure) *FailurePayload {
    return &FailurePayload{Kind: uint8(f.Kind), Detail: f.Detail}
}

// FailureFromWire converts back, defaulting foreign kinds to FailUnknown.
func FailureFromWire(p *FailurePayload) *imaging.Failure {
    k := imaging.FailureKind(p.Kind)
    if k > imaging.FailUnavailable {
        k = imaging.FailUnknown
    }
    return &imaging.Failure{Kind: k, Detail: p.Detail}
}
