package mem

import (
    "bytes"
    "context"
    "testing"
    "time"

    "pixjail/pkg/transport"
)

func TestDialListenRoundtrip(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    tr := New(transport.Options{})
    l, err := tr.Listen(ctx, "inproc://test")
    if err != nil {
        t.Fatalf("listen: %v", err)
    }
    defer l.Close()

    cli, err := tr.Dial(ctx, "inproc://test")
    if err != nil {
        t.Fatalf("dial: %v", err)
    }
    defer cli.Close()

    srv, err := l.Accept(ctx)
    if err != nil {
        t.Fatalf("accept: %v", err)
    }
    defer srv.Close()

    go func() { _ = cli.SendFrame([]byte("ping")) }()
    got, err := srv.RecvFrame()
    if err != nil {
        t.Fatalf("recv: %v", err)
    }
    if !bytes.Equal(got, []byte("ping")) {
        t.Fatalf("got %q", got)
    }
}

func TestDialNoListener(t *testing.T) {
    tr := New(transport.Options{})
    if _, err := tr.Dial(context.Background(), "inproc://missing"); err == nil {
        t.Fatal("expected error dialing missing listener")
    }
}

func TestAcceptHonorsContext(t *testing.T) {
    tr := New(transport.Options{})
    l, err := tr.Listen(context.Background(), "inproc://idle")
    if err != nil {
        t.Fatalf("listen: %v", err)
    }
    defer l.Close()

    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
    defer cancel()
    if _, err := l.Accept(ctx); err == nil {
        t.Fatal("expected context error")
    }
}
