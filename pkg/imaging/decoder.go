package imaging

import (
    "bytes"
    "context"
    "image"
    "image/draw"
    "image/gif"
    "image/png"
    "time"

    "github.com/gen2brain/jpegn"
    "go.uber.org/zap"
)

// Format is the sniffed encoded-image format.
type Format uint8

const (
    FormatUnknown Format = iota
    FormatJPEG
    FormatPNG
    FormatGIF
)

func (f Format) String() string {
    switch f {
    case FormatJPEG:
        return "jpeg"
    case FormatPNG:
        return "png"
    case FormatGIF:
        return "gif"
    default:
        return "unknown"
    }
}

var (
    magicJPEG = []byte{0xff, 0xd8, 0xff}
    magicPNG  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
    magicGIF7 = []byte("GIF87a")
    magicGIF9 = []byte("GIF89a")
)

// Sniff identifies the encoded format from magic bytes. Every byte of the
// input is untrusted; anything unrecognized is FormatUnknown.
func Sniff(data []byte) Format {
    switch {
    case bytes.HasPrefix(data, magicJPEG):
        return FormatJPEG
    case bytes.HasPrefix(data, magicPNG):
        return FormatPNG
    case bytes.HasPrefix(data, magicGIF7), bytes.HasPrefix(data, magicGIF9):
        return FormatGIF
    default:
        return FormatUnknown
    }
}

// Limits bounds decoder resource use per request.
type Limits struct {
    // MaxWidth/MaxHeight cap declared dimensions (pixels per axis).
    MaxWidth  int
    MaxHeight int
    // MaxPixelBytes caps width*height*bytesPerPixel of the decoded bitmap.
    MaxPixelBytes int
    // Timeout bounds wall-clock time of a single decode.
    Timeout time.Duration
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
    return Limits{
        MaxWidth:      16384,
        MaxHeight:     16384,
        MaxPixelBytes: 256 << 20,
        Timeout:       5 * time.Second,
    }
}

func (l Limits) withDefaults() Limits {
    d := DefaultLimits()
    if l.MaxWidth <= 0 {
        l.MaxWidth = d.MaxWidth
    }
    if l.MaxHeight <= 0 {
        l.MaxHeight = d.MaxHeight
    }
    if l.MaxPixelBytes <= 0 {
        l.MaxPixelBytes = d.MaxPixelBytes
    }
    if l.Timeout <= 0 {
        l.Timeout = d.Timeout
    }
    return l
}

// Decoder turns untrusted encoded bytes into canonical RGBA8 bitmaps.
// It holds no state between requests; a restarted instance behaves
// identically to the previous one.
type Decoder struct {
    limits Limits
    log    *zap.Logger
}

// NewDecoder builds a Decoder with the given limits (zero fields fall back
// to defaults).
func NewDecoder(l Limits) *Decoder {
    return &Decoder{limits: l.withDefaults(), log: zap.L().Named("imaging")}
}

// Limits returns the effective limits.
func (d *Decoder) Limits() Limits { return d.limits }

// Decode sniffs, size-checks, and decodes payload into an RGBA8 Image.
// Failures come back as *Failure; the error is never a panic-in-disguise.
// A panic during the format-specific decode deliberately takes the worker
// process down: crash containment lives at the process boundary, not here.
func (d *Decoder) Decode(ctx context.Context, payload []byte) (*Image, error) {
    f := Sniff(payload)
    if f == FormatUnknown {
        return nil, Failf(FailUnsupported, "unrecognized magic in %d-byte payload", len(payload))
    }

    // Dimensions come from the format header, before any pixel storage is
    // allocated. A decompression bomb dies right here.
    cfg, err := decodeConfig(f, payload)
    if err != nil {
        return nil, Failf(FailMalformed, "%s header: %v", f, err)
    }
    if cfg.Width <= 0 || cfg.Height <= 0 {
        return nil, Failf(FailMalformed, "%s declares %dx%d", f, cfg.Width, cfg.Height)
    }
    if cfg.Width > d.limits.MaxWidth || cfg.Height > d.limits.MaxHeight {
        return nil, Failf(FailTooLarge, "%s declares %dx%d, ceiling %dx%d",
            f, cfg.Width, cfg.Height, d.limits.MaxWidth, d.limits.MaxHeight)
    }
    if need := int64(cfg.Width) * int64(cfg.Height) * int64(RGBA8.BytesPerPixel()); need > int64(d.limits.MaxPixelBytes) {
        return nil, Failf(FailTooLarge, "%s needs %d pixel bytes, ceiling %d", f, need, d.limits.MaxPixelBytes)
    }

    ctx, cancel := context.WithTimeout(ctx, d.limits.Timeout)
    defer cancel()

    type result struct {
        img image.Image
        err error
    }
    ch := make(chan result, 1)
    start := time.Now()
    go func() {
        img, err := decodeFull(f, payload)
        ch <- result{img, err}
    }()

    select {
    case <-ctx.Done():
        d.log.Warn("decode timed out",
            zap.Stringer("format", f),
            zap.Int("bytes", len(payload)),
            zap.Duration("elapsed", time.Since(start)))
        return nil, Failf(FailTimeout, "%s decode exceeded %s", f, d.limits.Timeout)
    case r := <-ch:
        if r.err != nil {
            return nil, Failf(FailMalformed, "%s decode: %v", f, r.err)
        }
        out := toRGBA8(r.img)
        if err := out.Validate(d.limits.MaxWidth, d.limits.MaxHeight); err != nil {
            // Decoded size disagreeing with the header is treated as hostile.
            return nil, Failf(FailTooLarge, "decoded bitmap rejected: %v", err)
        }
        d.log.Debug("decoded",
            zap.Stringer("format", f),
            zap.Int("width", out.Width),
            zap.Int("height", out.Height),
            zap.Duration("elapsed", time.Since(start)))
        return out, nil
    }
}

// decodeConfig reads declared dimensions from the format header only.
func decodeConfig(f Format, data []byte) (image.Config, error) {
    r := bytes.NewReader(data)
    switch f {
    case FormatJPEG:
        return jpegn.DecodeConfig(r)
    case FormatPNG:
        return png.DecodeConfig(r)
    case FormatGIF:
        return gif.DecodeConfig(r)
    }
    return image.Config{}, Failf(FailUnsupported, "format %d", f)
}

func decodeFull(f Format, data []byte) (image.Image, error) {
    r := bytes.NewReader(data)
    switch f {
    case FormatJPEG:
        return jpegn.Decode(r, &jpegn.Options{ToRGBA: true})
    case FormatPNG:
        return png.Decode(r)
    case FormatGIF:
        // First frame only; animation is not part of the canonical bitmap.
        return gif.Decode(r)
    }
    return nil, Failf(FailUnsupported, "format %d", f)
}

// toRGBA8 converts any image.Image into the canonical tightly-packed
// layout. The output is non-premultiplied, so the draw target is NRGBA;
// image.RGBA would silently premultiply translucent pixels.
func toRGBA8(src image.Image) *Image {
    b := src.Bounds()
    w, h := b.Dx(), b.Dy()
    if m, ok := src.(*image.NRGBA); ok && m.Stride == 4*w && b.Min == (image.Point{}) && len(m.Pix) == 4*w*h {
        return &Image{Width: w, Height: h, Format: RGBA8, Pix: m.Pix}
    }
    dst := image.NewNRGBA(image.Rect(0, 0, w, h))
    draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
    return &Image{Width: w, Height: h, Format: RGBA8, Pix: dst.Pix}
}
