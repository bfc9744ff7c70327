// Package mem is an in-process transport using net.Pipe. Useful for tests
// and as a stand-in for the real process boundary.
package mem

import (
    "context"
    "errors"
    "net"
    "sync"

    "pixjail/pkg/transport"
)

type Transport struct {
    mu        sync.Mutex
    opts      transport.Options
    listeners map[string]*listener
}

func New(opts transport.Options) *Transport {
    return &Transport{opts: opts, listeners: make(map[string]*listener)}
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if _, ok := t.listeners[name]; ok {
        return nil, errors.New("mem: listener already exists")
    }
    l := &listener{name: name, q: transport.NewAcceptQueue()}
    t.listeners[name] = l
    go func() {
        <-ctx.Done()
        _ = l.Close()
        t.mu.Lock()
        delete(t.listeners, name)
        t.mu.Unlock()
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (transport.Conn, error) {
    t.mu.Lock()
    l := t.listeners[name]
    t.mu.Unlock()
    if l == nil {
        return nil, errors.New("mem: no such listener")
    }
    c1, c2 := net.Pipe()
    l.q.Offer(transport.NewFrameConn(c1, transport.KindMem, t.opts))
    conn := transport.NewFrameConn(c2, transport.KindMem, t.opts)
    go func() { <-ctx.Done(); _ = conn.Close() }()
    return conn, nil
}

type listener struct {
    name string
    q    *transport.AcceptQueue
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
    return l.q.Accept(ctx)
}

func (l *listener) Close() error {
    l.q.Close()
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
