//go:build windows

// Package winpipe implements the worker channel over a Windows named pipe.
package winpipe

import (
    "context"
    "net"

    "github.com/Microsoft/go-winio"

    "pixjail/pkg/transport"
)

type Transport struct {
    opts transport.Options
}

func New(opts transport.Options) *Transport { return &Transport{opts: opts} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
    l, err := winio.ListenPipe(pipeName, nil)
    if err != nil {
        return nil, err
    }
    wl := &listener{l: l, q: transport.NewAcceptQueue(), opts: t.opts}
    go wl.acceptLoop()
    go func() { <-ctx.Done(); _ = wl.Close() }()
    return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (transport.Conn, error) {
    c, err := winio.DialPipeContext(ctx, pipeName)
    if err != nil {
        return nil, err
    }
    conn := transport.NewFrameConn(c, transport.KindWinPipe, t.opts)
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
        l.q.Offer(transport.NewFrameConn(c, transport.KindWinPipe, l.opts))
    }
}
