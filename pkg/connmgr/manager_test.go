package connmgr

import (
    "context"
    "net"
    "sync"
    "testing"
    "time"

    "pixjail/pkg/imaging"
    "pixjail/pkg/protocol"
    "pixjail/pkg/protocol/codec"
    "pixjail/pkg/transport"
    "pixjail/pkg/transport/mem"
    "pixjail/pkg/worker"
)

type stubDecoder struct {
    fn func(ctx context.Context, payload []byte) (*imaging.Image, error)
}

func (s stubDecoder) Decode(ctx context.Context, payload []byte) (*imaging.Image, error) {
    return s.fn(ctx, payload)
}

func fixedImage(w, h int) *imaging.Image {
    return &imaging.Image{Width: w, Height: h, Format: imaging.RGBA8, Pix: make([]byte, w*h*4)}
}

// widthEcho decodes payload[0] as the width of the produced image, sleeping
// first when payload[1] is 's'. Lets tests verify results never cross.
func widthEcho(delay time.Duration) stubDecoder {
    return stubDecoder{fn: func(_ context.Context, payload []byte) (*imaging.Image, error) {
        if len(payload) > 1 && payload[1] == 's' {
            time.Sleep(delay)
        }
        return fixedImage(int(payload[0]), 1), nil
    }}
}

func startWorker(t *testing.T, ctx context.Context, tr transport.Transport, addr string, dec worker.Decoder) {
    t.Helper()
    svc, err := worker.New("test-worker", dec, 4)
    if err != nil {
        t.Fatalf("new worker: %v", err)
    }
    l, err := tr.Listen(ctx, addr)
    if err != nil {
        t.Fatalf("listen: %v", err)
    }
    go func() { _ = svc.Serve(ctx, l) }()
}

func newManager(t *testing.T, tr transport.Transport, addr string, mutate func(*Options)) *Manager {
    t.Helper()
    opts := Options{
        Transport:          tr,
        Address:            addr,
        RequestTimeout:     2 * time.Second,
        HandshakeTimeout:   time.Second,
        MaxInflight:        4,
        QueueDepth:         8,
        BackoffInitial:     10 * time.Millisecond,
        BackoffMax:         50 * time.Millisecond,
        MaxRespawnAttempts: 5,
    }
    if mutate != nil {
        mutate(&opts)
    }
    m, err := New(opts)
    if err != nil {
        t.Fatalf("new manager: %v", err)
    }
    t.Cleanup(func() { _ = m.Close() })
    return m
}

func waitState(t *testing.T, m *Manager, want State) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        if m.State() == want {
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("state never became %s (now %s)", want, m.State())
}

func TestSubmitSuccess(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    startWorker(t, ctx, tr, "inproc://ok", widthEcho(0))
    m := newManager(t, tr, "inproc://ok", nil)

    img, err := m.Submit(ctx, []byte{9}, 1)
    if err != nil {
        t.Fatalf("submit: %v", err)
    }
    if img.Width != 9 || img.Height != 1 || len(img.Pix) != 9*4 {
        t.Fatalf("unexpected image: %#v", img)
    }
    if got := m.State(); got != StateReady {
        t.Fatalf("state = %s", got)
    }
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    startWorker(t, ctx, tr, "inproc://conc", widthEcho(100*time.Millisecond))
    m := newManager(t, tr, "inproc://conc", nil)

    var wg sync.WaitGroup
    results := make([]*imaging.Image, 2)
    errs := make([]error, 2)
    payloads := [][]byte{{3, 's'}, {7, 'f'}} // slow first, fast second
    for i := range payloads {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            results[i], errs[i] = m.Submit(ctx, payloads[i], 0)
        }(i)
    }
    wg.Wait()

    for i := range errs {
        if errs[i] != nil {
            t.Fatalf("submit %d: %v", i, errs[i])
        }
    }
    if results[0].Width != 3 || results[1].Width != 7 {
        t.Fatalf("results crossed: %d / %d", results[0].Width, results[1].Width)
    }
}

func TestTimeoutThenRecovery(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    startWorker(t, ctx, tr, "inproc://slow", widthEcho(400*time.Millisecond))
    m := newManager(t, tr, "inproc://slow", func(o *Options) {
        o.RequestTimeout = 100 * time.Millisecond
    })
    waitState(t, m, StateReady)

    _, err := m.Submit(ctx, []byte{5, 's'}, 0)
    if imaging.KindOf(err) != imaging.FailTimeout {
        t.Fatalf("want timeout, got %v", err)
    }

    // The late reply for the expired id must be discarded, and the next
    // call gets its own fresh result.
    img, err := m.Submit(ctx, []byte{8, 'f'}, 0)
    if err != nil {
        t.Fatalf("submit after timeout: %v", err)
    }
    if img.Width != 8 {
        t.Fatalf("stale result delivered: width %d", img.Width)
    }
    waitState(t, m, StateReady)
}

func TestTimeoutPromotesQueuedRequest(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    startWorker(t, ctx, tr, "inproc://promote", widthEcho(2*time.Second))
    m := newManager(t, tr, "inproc://promote", func(o *Options) {
        o.MaxInflight = 1
        o.QueueDepth = 4
        o.RequestTimeout = 150 * time.Millisecond
    })
    waitState(t, m, StateReady)

    // A wedges the single inflight slot until it times out.
    var wg sync.WaitGroup
    var slowErr error
    wg.Add(1)
    go func() {
        defer wg.Done()
        _, slowErr = m.Submit(ctx, []byte{1, 's'}, 0)
    }()
    time.Sleep(30 * time.Millisecond)

    // B sits behind A in the queue. Once A's timer frees the slot, B must
    // be dispatched and resolve on its own, not starve until ctx dies.
    callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
    defer callCancel()
    img, err := m.Submit(callCtx, []byte{9, 'f'}, 0)
    if err != nil {
        t.Fatalf("queued request never promoted: %v", err)
    }
    if img.Width != 9 {
        t.Fatalf("unexpected image: %#v", img)
    }

    wg.Wait()
    if imaging.KindOf(slowErr) != imaging.FailTimeout {
        t.Fatalf("want timeout for the wedged request, got %v", slowErr)
    }
    waitState(t, m, StateReady)
}

// crashingWorker accepts connections; the first one is dropped right after
// the first request arrives, later ones serve normally.
func crashingWorker(t *testing.T, ctx context.Context, tr transport.Transport, addr string) {
    t.Helper()
    reg, err := codec.NewDefaultRegistry()
    if err != nil {
        t.Fatalf("registry: %v", err)
    }
    l, err := tr.Listen(ctx, addr)
    if err != nil {
        t.Fatalf("listen: %v", err)
    }
    svc, err := worker.New("revived-worker", widthEcho(0), 4)
    if err != nil {
        t.Fatalf("new worker: %v", err)
    }
    go func() {
        first := true
        for {
            conn, err := l.Accept(ctx)
            if err != nil {
                return
            }
            if !first {
                go serveOne(ctx, svc, conn)
                continue
            }
            first = false
            go func(conn transport.Conn) {
                // Handshake, then die mid-decode.
                b, err := conn.RecvFrame()
                if err != nil {
                    return
                }
                var env protocol.Envelope
                if env.DecodeFrame(b) != nil || env.Header.Type != protocol.MsgHello {
                    _ = conn.Close()
                    return
                }
                body, _ := protocol.EncodeBody(reg, protocol.FormatCBOR, &protocol.HelloAck{Accepted: true})
                frame, _ := protocol.NewEnvelope(protocol.MsgHelloAck, env.Header.Correlation, body).EncodeFrame()
                if conn.SendFrame(frame) != nil {
                    return
                }
                _, _ = conn.RecvFrame()
                _ = conn.Close()
            }(conn)
        }
    }()
}

// serveOne feeds a single accepted connection through a worker Service via
// a one-shot listener.
func serveOne(ctx context.Context, svc *worker.Service, conn transport.Conn) {
    l := &oneShotListener{conn: conn, done: make(chan struct{})}
    _ = svc.Serve(ctx, l)
}

type oneShotListener struct {
    conn transport.Conn
    once sync.Once
    done chan struct{}
}

func (l *oneShotListener) Accept(ctx context.Context) (transport.Conn, error) {
    var c transport.Conn
    l.once.Do(func() { c = l.conn })
    if c != nil {
        return c, nil
    }
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.done:
        return nil, context.Canceled
    }
}

func (l *oneShotListener) Addr() net.Addr { return l.conn.LocalAddr() }
func (l *oneShotListener) Close() error {
    select {
    case <-l.done:
    default:
        close(l.done)
    }
    return nil
}

func TestWorkerCrashAndRespawn(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    crashingWorker(t, ctx, tr, "inproc://crash")
    m := newManager(t, tr, "inproc://crash", nil)
    waitState(t, m, StateReady)

    _, err := m.Submit(ctx, []byte{4}, 0)
    if imaging.KindOf(err) != imaging.FailWorkerCrashed {
        t.Fatalf("want worker-crashed, got %v", err)
    }

    waitState(t, m, StateReady)
    img, err := m.Submit(ctx, []byte{6}, 0)
    if err != nil {
        t.Fatalf("submit after respawn: %v", err)
    }
    if img.Width != 6 {
        t.Fatalf("unexpected image: %#v", img)
    }
}

func TestQueueOverflowFailsFast(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    // A worker that never answers decode requests.
    startWorker(t, ctx, tr, "inproc://stuck", stubDecoder{fn: func(ctx context.Context, _ []byte) (*imaging.Image, error) {
        <-ctx.Done()
        return nil, imaging.Failf(imaging.FailTimeout, "shutdown")
    }})
    m := newManager(t, tr, "inproc://stuck", func(o *Options) {
        o.MaxInflight = 1
        o.QueueDepth = 1
        o.RequestTimeout = 10 * time.Second
    })
    waitState(t, m, StateReady)

    release := make(chan struct{})
    for i := 0; i < 2; i++ { // one in flight, one queued
        go func() {
            _, _ = m.Submit(ctx, []byte{1}, 0)
            release <- struct{}{}
        }()
    }
    // Give the two background submits time to occupy the slot and queue.
    time.Sleep(100 * time.Millisecond)

    _, err := m.Submit(ctx, []byte{1}, 0)
    if imaging.KindOf(err) != imaging.FailUnavailable {
        t.Fatalf("want service-unavailable, got %v", err)
    }

    _ = m.Close()
    <-release
    <-release
}

func TestRespawnExhaustion(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    // No listener at this address at all.
    m := newManager(t, tr, "inproc://void", func(o *Options) {
        o.MaxRespawnAttempts = 2
        o.BackoffInitial = 5 * time.Millisecond
        o.BackoffMax = 10 * time.Millisecond
    })
    waitState(t, m, StateDead)

    _, err := m.Submit(ctx, []byte{1}, 0)
    if imaging.KindOf(err) != imaging.FailUnavailable {
        t.Fatalf("want service-unavailable, got %v", err)
    }
}

func TestSubmitContextCancelAbandons(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    tr := mem.New(transport.Options{})
    startWorker(t, ctx, tr, "inproc://abandon", widthEcho(300*time.Millisecond))
    m := newManager(t, tr, "inproc://abandon", nil)
    waitState(t, m, StateReady)

    callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
    defer callCancel()
    _, err := m.Submit(callCtx, []byte{2, 's'}, 0)
    if err != context.DeadlineExceeded {
        t.Fatalf("want deadline exceeded, got %v", err)
    }

    // The worker finishes the abandoned decode; its late reply must not
    // leak into this fresh request.
    img, err := m.Submit(ctx, []byte{9, 'f'}, 0)
    if err != nil {
        t.Fatalf("submit: %v", err)
    }
    if img.Width != 9 {
        t.Fatalf("stale result delivered: width %d", img.Width)
    }
}
