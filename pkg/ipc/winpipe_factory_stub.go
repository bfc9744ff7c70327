//go:build !windows

package ipc

import (
    "fmt"

    "pixjail/pkg/transport"
)

func newWinPipeTransport(transport.Options) (transport.Transport, error) {
    return nil, fmt.Errorf("winpipe transport is not supported on this platform")
}
