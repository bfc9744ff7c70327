// Package imaging holds the canonical decoded-bitmap type, the decode
// failure taxonomy, and the sandboxed decoder itself.
package imaging

import (
    "errors"
    "fmt"
)

// PixelFormat identifies the layout of Image.Pix.
type PixelFormat uint8

const (
    PixelUnknown PixelFormat = iota
    // RGBA8 is the canonical output layout: 4 bytes per pixel, row-major,
    // non-premultiplied.
    RGBA8
)

// BytesPerPixel returns the per-pixel byte width, or 0 for unknown formats.
func (p PixelFormat) BytesPerPixel() int {
    if p == RGBA8 {
        return 4
    }
    return 0
}

func (p PixelFormat) String() string {
    if p == RGBA8 {
        return "rgba8"
    }
    return "unknown"
}

// Image is a decoded bitmap in a single fixed pixel layout.
// Invariant: len(Pix) == Width*Height*Format.BytesPerPixel().
type Image struct {
    Width  int
    Height int
    Format PixelFormat
    Pix    []byte
}

// Validate checks the pixel-buffer invariant and the configured dimension
// ceilings. It is applied on both sides of the process boundary.
func (m *Image) Validate(maxWidth, maxHeight int) error {
    if m.Width <= 0 || m.Height <= 0 {
        return fmt.Errorf("non-positive dimensions %dx%d", m.Width, m.Height)
    }
    if m.Width > maxWidth || m.Height > maxHeight {
        return fmt.Errorf("dimensions %dx%d exceed ceiling %dx%d", m.Width, m.Height, maxWidth, maxHeight)
    }
    bpp := m.Format.BytesPerPixel()
    if bpp == 0 {
        return fmt.Errorf("unknown pixel format %d", m.Format)
    }
    if want := m.Width * m.Height * bpp; len(m.Pix) != want {
        return fmt.Errorf("pixel buffer is %d bytes, want %d", len(m.Pix), want)
    }
    return nil
}

// FailureKind classifies why a decode did not produce an image.
type FailureKind uint8

const (
    FailUnknown FailureKind = iota
    FailUnsupported
    FailMalformed
    FailTooLarge
    FailTimeout
    FailWorkerCrashed
    FailUnavailable
)

func (k FailureKind) String() string {
    switch k {
    case FailUnsupported:
        return "unsupported-format"
    case FailMalformed:
        return "malformed"
    case FailTooLarge:
        return "too-large"
    case FailTimeout:
        return "timeout"
    case FailWorkerCrashed:
        return "worker-crashed"
    case FailUnavailable:
        return "service-unavailable"
    default:
        return "unknown"
    }
}

// Failure is the typed decode failure surfaced to callers. It is never a
// crash of the host process; every fault inside the worker collapses to one
// of the kinds above.
type Failure struct {
    Kind   FailureKind
    Detail string
}

func (f *Failure) Error() string {
    if f.Detail == "" {
        return "decode failed: " + f.Kind.String()
    }
    return "decode failed: " + f.Kind.String() + ": " + f.Detail
}

// Failf builds a Failure with a formatted detail string.
func Failf(kind FailureKind, format string, args ...any) *Failure {
    return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// FailureOf extracts a *Failure from err, if it carries one.
func FailureOf(err error) (*Failure, bool) {
    var f *Failure
    if errors.As(err, &f) {
        return f, true
    }
    return nil, false
}

// KindOf returns the failure kind of err, or FailUnknown for foreign errors.
func KindOf(err error) FailureKind {
    if f, ok := FailureOf(err); ok {
        return f.Kind
    }
    return FailUnknown
}
