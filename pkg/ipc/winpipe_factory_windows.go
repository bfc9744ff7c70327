//go:build windows

package ipc

import (
    "pixjail/pkg/transport"
    "pixjail/pkg/transport/winpipe"
)

func newWinPipeTransport(opts transport.Options) (transport.Transport, error) {
    return winpipe.New(opts), nil
}
