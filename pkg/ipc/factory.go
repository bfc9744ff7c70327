// Package ipc builds concrete transports for the worker channel by
// configured kind.
package ipc

import (
    "fmt"
    "sync"

    "pixjail/pkg/transport"
    "pixjail/pkg/transport/mem"
    "pixjail/pkg/transport/uds"
)

// Factory builds transports by kind. It owns its mem transport, so a dialer
// and listener built from the same Factory find each other while separate
// factories stay isolated. Shared channel state is carried by the Factory
// instance, not by package globals.
type Factory struct {
    mu  sync.Mutex
    mem *mem.Transport
}

func NewFactory() *Factory { return &Factory{} }

// ByKind returns a transport for "unix", "winpipe", or "mem".
func (f *Factory) ByKind(kind string, opts transport.Options) (transport.Transport, error) {
    switch kind {
    case "unix", "uds":
        return uds.New(opts), nil
    case "winpipe":
        return newWinPipeTransport(opts)
    case "mem":
        f.mu.Lock()
        defer f.mu.Unlock()
        if f.mem == nil {
            f.mem = mem.New(opts)
        }
        return f.mem, nil
    default:
        return nil, fmt.Errorf("unknown channel kind: %q", kind)
    }
}
