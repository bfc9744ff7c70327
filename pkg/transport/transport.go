// Package transport abstracts the duplex byte channel between the host
// process and the isolated decode worker. Every implementation exchanges
// [u32 BE length][payload] frames over a single ordered stream.
package transport

import (
    "context"
    "net"
)

// Kind identifies the channel type.
type Kind int

const (
    KindUnknown Kind = iota
    KindUnix
    KindWinPipe
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindUnix:
        return "unix"
    case KindWinPipe:
        return "winpipe"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// DefaultMaxFrameBytes bounds a single frame when no explicit ceiling is
// configured. It leaves headroom over the largest permitted message body
// (256 MiB of pixel data plus envelope overhead).
const DefaultMaxFrameBytes = 260 << 20

// Options tunes a transport instance.
type Options struct {
    // MaxFrameBytes caps the declared length of any received frame.
    MaxFrameBytes int
}

func (o Options) maxFrame() int {
    if o.MaxFrameBytes <= 0 {
        return DefaultMaxFrameBytes
    }
    return o.MaxFrameBytes
}

// Conn is one ordered duplex frame stream. SendFrame is safe for concurrent
// use; RecvFrame expects a single reader goroutine.
type Conn interface {
    SendFrame([]byte) error
    RecvFrame() ([]byte, error)
    Kind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr
    Close() error
}

// Listener accepts inbound connections.
type Listener interface {
    // Accept blocks until an inbound connection is available or ctx is done.
    Accept(ctx context.Context) (Conn, error)
    Addr() net.Addr
    Close() error
}

// Transport provides dialing/listening for a specific channel kind.
type Transport interface {
    Kind() Kind
    Listen(ctx context.Context, address string) (Listener, error)
    Dial(ctx context.Context, address string) (Conn, error)
}
