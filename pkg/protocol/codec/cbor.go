package codec

import (
    cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
    enc cbor.EncMode
    dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949) with core profile.
// Decode options cap container sizes and nesting so an adversarial body
// cannot drive allocations past its own byte length.
func CBOR() (Codec, error) {
    em, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil {
        return nil, err
    }
    dm, err := cbor.DecOptions{
        MaxArrayElements: 1 << 20,
        MaxMapPairs:      1 << 16,
        MaxNestedLevels:  16,
    }.DecMode()
    if err != nil {
        return nil, err
    }
    return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string { return ContentCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
