package transport

import (
    "bufio"
    "context"
    "encoding/binary"
    "errors"
    "fmt"
    "io"
    "net"
    "sync"
)

// ErrFrameTooLarge reports a declared frame length above the ceiling. The
// length is rejected before any allocation.
var ErrFrameTooLarge = errors.New("frame exceeds size ceiling")

// frameConn turns any net.Conn into a Conn exchanging u32 BE
// length-prefixed frames.
type frameConn struct {
    mu       sync.Mutex
    kind     Kind
    c        net.Conn
    br       *bufio.Reader
    bw       *bufio.Writer
    maxFrame int
}

// NewFrameConn wraps c with length-prefixed framing.
func NewFrameConn(c net.Conn, kind Kind, opts Options) Conn {
    return &frameConn{
        kind:     kind,
        c:        c,
        br:       bufio.NewReader(c),
        bw:       bufio.NewWriter(c),
        maxFrame: opts.maxFrame(),
    }
}

func (s *frameConn) Kind() Kind           { return s.kind }
func (s *frameConn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *frameConn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *frameConn) Close() error         { return s.c.Close() }

func (s *frameConn) SendFrame(b []byte) error {
    if len(b) > s.maxFrame {
        return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(b), s.maxFrame)
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    var lenbuf [4]byte
    binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := s.bw.Write(lenbuf[:]); err != nil {
        return err
    }
    if _, err := s.bw.Write(b); err != nil {
        return err
    }
    return s.bw.Flush()
}

func (s *frameConn) RecvFrame() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
        return nil, err
    }
    n := int(binary.BigEndian.Uint32(lenbuf[:]))
    if n > s.maxFrame {
        return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, s.maxFrame)
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}

// AcceptQueue is shared listener plumbing for concrete transports: a small
// buffer of inbound connections with context-aware Accept.
type AcceptQueue struct {
    newCh   chan Conn
    closeCh chan struct{}
    once    sync.Once
}

func NewAcceptQueue() *AcceptQueue {
    return &AcceptQueue{newCh: make(chan Conn, 8), closeCh: make(chan struct{})}
}

// Offer hands an inbound connection to a waiting Accept, closing it when
// nobody picks it up in time.
func (q *AcceptQueue) Offer(c Conn) {
    select {
    case q.newCh <- c:
    default:
        _ = c.Close()
    }
}

// Accept blocks for the next inbound connection.
func (q *AcceptQueue) Accept(ctx context.Context) (Conn, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-q.closeCh:
        return nil, errors.New("listener closed")
    case c := <-q.newCh:
        return c, nil
    }
}

// Close unblocks all pending Accept calls.
func (q *AcceptQueue) Close() { q.once.Do(func() { close(q.closeCh) }) }

// Closed exposes the close signal for accept loops.
func (q *AcceptQueue) Closed() <-chan struct{} { return q.closeCh }
