// Package worker runs the isolated decode service. It lives in its own
// process; the only thing it shares with the host is the frame stream.
package worker

import (
    "context"
    "fmt"
    "sync"

    "go.uber.org/zap"

    "pixjail/pkg/imaging"
    "pixjail/pkg/protocol"
    "pixjail/pkg/protocol/codec"
    "pixjail/pkg/transport"
)

// Decoder is the per-request decode contract. The production implementation
// is imaging.Decoder; tests inject slow or failing stand-ins.
type Decoder interface {
    Decode(ctx context.Context, payload []byte) (*imaging.Image, error)
}

// Service accepts channel connections and answers decode requests. It is
// stateless between requests: a restarted worker is indistinguishable from
// the previous instance.
type Service struct {
    name        string
    dec         Decoder
    maxInflight int
    reg         *codec.Registry
    log         *zap.Logger
}

// New builds a Service. maxInflight caps concurrently decoding requests per
// connection; further requests wait their turn on the semaphore.
func New(name string, dec Decoder, maxInflight int) (*Service, error) {
    if maxInflight <= 0 {
        maxInflight = 1
    }
    reg, err := codec.NewDefaultRegistry()
    if err != nil {
        return nil, err
    }
    return &Service{
        name:        name,
        dec:         dec,
        maxInflight: maxInflight,
        reg:         reg,
        log:         zap.L().Named("worker"),
    }, nil
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Service) Serve(ctx context.Context, l transport.Listener) error {
    s.log.Info("serving", zap.String("addr", l.Addr().String()), zap.Int("max_inflight", s.maxInflight))
    for {
        conn, err := l.Accept(ctx)
        if err != nil {
            if ctx.Err() != nil {
                return ctx.Err()
            }
            return err
        }
        go s.serveConn(ctx, conn)
    }
}

// serveConn handles one host connection: handshake, then a demultiplexed
// request loop. Responses may complete out of submission order; correlation
// ids carry the pairing.
func (s *Service) serveConn(ctx context.Context, conn transport.Conn) {
    defer conn.Close()

    if err := s.handshake(conn); err != nil {
        s.log.Warn("handshake failed", zap.Error(err))
        return
    }

    var writeMu sync.Mutex
    send := func(e *protocol.Envelope) error {
        b, err := e.EncodeFrame()
        if err != nil {
            return err
        }
        writeMu.Lock()
        defer writeMu.Unlock()
        return conn.SendFrame(b)
    }

    sem := make(chan struct{}, s.maxInflight)
    for {
        b, err := conn.RecvFrame()
        if err != nil {
            s.log.Debug("connection closed", zap.Error(err))
            return
        }
        var env protocol.Envelope
        if err := env.DecodeFrame(b); err != nil {
            s.log.Warn("dropping malformed frame", zap.Error(err))
            continue
        }
        switch env.Header.Type {
        case protocol.MsgHeartbeat:
            echo := protocol.NewEnvelope(protocol.MsgHeartbeat, env.Header.Correlation, nil)
            if err := send(echo); err != nil {
                return
            }
        case protocol.MsgDecodeRequest:
            corr := env.Header.Correlation
            var req protocol.DecodeRequest
            if _, err := protocol.DecodeBody(s.reg, env.Body, &req); err != nil {
                s.log.Warn("malformed request body", zap.Error(err))
                _ = s.respond(send, corr, nil, imaging.Failf(imaging.FailMalformed, "request body: %v", err))
                continue
            }
            select {
            case sem <- struct{}{}:
            case <-ctx.Done():
                return
            }
            go func() {
                defer func() { <-sem }()
                img, err := s.dec.Decode(ctx, req.Payload)
                if err != nil {
                    f, ok := imaging.FailureOf(err)
                    if !ok {
                        f = imaging.Failf(imaging.FailUnknown, "%v", err)
                    }
                    _ = s.respond(send, corr, nil, f)
                    return
                }
                _ = s.respond(send, corr, img, nil)
            }()
        default:
            s.log.Debug("ignoring message", zap.Uint8("type", env.Header.Type))
        }
    }
}

func (s *Service) handshake(conn transport.Conn) error {
    b, err := conn.RecvFrame()
    if err != nil {
        return fmt.Errorf("read hello: %w", err)
    }
    var env protocol.Envelope
    if err := env.DecodeFrame(b); err != nil {
        return fmt.Errorf("hello frame: %w", err)
    }
    if env.Header.Type != protocol.MsgHello {
        return fmt.Errorf("expected hello, got type %d", env.Header.Type)
    }
    var hello protocol.Hello
    if _, err := protocol.DecodeBody(s.reg, env.Body, &hello); err != nil {
        return fmt.Errorf("hello body: %w", err)
    }

    ack := protocol.HelloAck{Accepted: true}
    if hello.Version != protocol.Version {
        ack = protocol.HelloAck{Accepted: false, Reason: fmt.Sprintf("protocol version %d, want %d", hello.Version, protocol.Version)}
    }
    body, err := protocol.EncodeBody(s.reg, protocol.FormatCBOR, &ack)
    if err != nil {
        return err
    }
    out := protocol.NewEnvelope(protocol.MsgHelloAck, env.Header.Correlation, body)
    fb, err := out.EncodeFrame()
    if err != nil {
        return err
    }
    if err := conn.SendFrame(fb); err != nil {
        return err
    }
    if !ack.Accepted {
        return fmt.Errorf("rejected hello: %s", ack.Reason)
    }
    s.log.Info("session established", zap.String("host", hello.Worker), zap.Int("host_max_inflight", hello.MaxInflight))
    return nil
}

func (s *Service) respond(send func(*protocol.Envelope) error, corr protocol.Correlation, img *imaging.Image, fail *imaging.Failure) error {
    resp := protocol.DecodeResponse{}
    if img != nil {
        resp.Image = protocol.ImageToWire(img)
    } else {
        resp.Failure = protocol.FailureToWire(fail)
    }
    body, err := protocol.EncodeBody(s.reg, protocol.FormatCBOR, &resp)
    if err != nil {
        return err
    }
    return send(protocol.NewEnvelope(protocol.MsgDecodeResponse, corr, body))
}
