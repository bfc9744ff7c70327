// Package uds implements the worker channel over a unix domain socket, the
// production transport on POSIX systems.
package uds

import (
    "context"
    "net"
    "os"
    "time"

    "pixjail/pkg/transport"
)

// Transport dials/listens on unix domain sockets with length-prefixed frames.
type Transport struct {
    opts transport.Options
}

func New(opts transport.Options) *Transport { return &Transport{opts: opts} }

func (t *Transport) Kind() transport.Kind { return transport.KindUnix }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := net.Listen("unix", address)
    if err != nil {
        // A socket file left behind by a crashed instance blocks bind.
        // Probe it before removing; a live worker must never be unbound.
        if probe, perr := net.DialTimeout("unix", address, 250*time.Millisecond); perr == nil {
            _ = probe.Close()
            return nil, err
        }
        _ = os.Remove(address)
        if l, err = net.Listen("unix", address); err != nil {
            return nil, err
        }
    }
    ul := &listener{l: l, q: transport.NewAcceptQueue(), opts: t.opts}
    go ul.acceptLoop()
    go func() { <-ctx.Done(); _ = ul.Close() }()
    return ul, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
    d := &net.Dialer{}
    c, err := d.DialContext(ctx, "unix", address)
    if err != nil {
        return nil, err
    }
    conn := transport.NewFrameConn(c, transport.KindUnix, t.opts)
    go func() { <-ctx.Done(); _ = conn.Close() }()
    return conn, nil
}

type listener struct {
    l    net.Listener
    q    *transport.AcceptQueue
    opts transport.Options
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
    return l.q.Accept(ctx)
}

func (l *listener) Close() error {
    l.q.Close()
    return l.l.Close()
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil {
            return
        }
        l.q.Offer(transport.NewFrameConn(c, transport.KindUnix, l.opts))
    }
}
