package transport

import (
    "bytes"
    "net"
    "testing"
)

func TestFrameRoundtrip(t *testing.T) {
    c1, c2 := net.Pipe()
    a := NewFrameConn(c1, KindMem, Options{})
    b := NewFrameConn(c2, KindMem, Options{})
    defer a.Close()
    defer b.Close()

    payload := []byte("hello across the boundary")
    errCh := make(chan error, 1)
    go func() { errCh <- a.SendFrame(payload) }()

    got, err := b.RecvFrame()
    if err != nil {
        t.Fatalf("recv: %v", err)
    }
    if err := <-errCh; err != nil {
        t.Fatalf("send: %v", err)
    }
    if !bytes.Equal(got, payload) {
        t.Fatalf("frame mismatch: %q", got)
    }
}

func TestFrameEmpty(t *testing.T) {
    c1, c2 := net.Pipe()
    a := NewFrameConn(c1, KindMem, Options{})
    b := NewFrameConn(c2, KindMem, Options{})
    defer a.Close()
    defer b.Close()

    go func() { _ = a.SendFrame(nil) }()
    got, err := b.RecvFrame()
    if err != nil {
        t.Fatalf("recv: %v", err)
    }
    if len(got) != 0 {
        t.Fatalf("expected empty frame, got %d bytes", len(got))
    }
}

func TestFrameSendCeiling(t *testing.T) {
    c1, _ := net.Pipe()
    a := NewFrameConn(c1, KindMem, Options{MaxFrameBytes: 16})
    defer a.Close()

    if err := a.SendFrame(make([]byte, 17)); err == nil {
        t.Fatal("expected error for oversized frame")
    }
}

func TestFrameRecvCeiling(t *testing.T) {
    c1, c2 := net.Pipe()
    // Sender allows big frames, receiver does not: the declared length is
    // rejected before allocation.
    a := NewFrameConn(c1, KindMem, Options{MaxFrameBytes: 1 << 20})
    b := NewFrameConn(c2, KindMem, Options{MaxFrameBytes: 16})
    defer a.Close()
    defer b.Close()

    go func() { _ = a.SendFrame(make([]byte, 1024)) }()
    if _, err := b.RecvFrame(); err == nil {
        t.Fatal("expected error for frame above receive ceiling")
    }
}
