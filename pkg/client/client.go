// Package client is the host-facing entry point: hand it untrusted image
// bytes, get back a decoded bitmap or a typed failure. The actual decoding
// happens in the isolated worker process; nothing in this package parses
// pixel data.
package client

import (
    "context"

    "pixjail/pkg/config"
    "pixjail/pkg/connmgr"
    "pixjail/pkg/imaging"
    "pixjail/pkg/transport"
)

// Client is safe for concurrent use; each call gets its own request id and
// completion slot.
type Client struct {
    mgr *connmgr.Manager
}

// New wires a Client from configuration and a concrete transport.
func New(cfg *config.Config, tr transport.Transport) (*Client, error) {
    mgr, err := connmgr.New(connmgr.OptionsFromConfig(cfg, tr))
    if err != nil {
        return nil, err
    }
    return &Client{mgr: mgr}, nil
}

// NewWithManager wraps an existing manager (tests, custom wiring).
func NewWithManager(mgr *connmgr.Manager) *Client {
    return &Client{mgr: mgr}
}

// DecodeImage submits data and blocks until a decoded bitmap or a typed
// failure is available. On failure the returned error carries an
// *imaging.Failure (see imaging.FailureOf); ctx cancellation abandons the
// request without interrupting the worker.
func (c *Client) DecodeImage(ctx context.Context, data []byte) (*imaging.Image, error) {
    return c.mgr.Submit(ctx, data, uint32(len(data)))
}

// State exposes the current channel state for monitoring.
func (c *Client) State() connmgr.State { return c.mgr.State() }

// Close releases the channel; outstanding calls fail with
// service-unavailable.
func (c *Client) Close() error { return c.mgr.Close() }
