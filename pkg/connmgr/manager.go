// Package connmgr owns the lifecycle of the channel to the decode worker:
// handshake, pipelined in-flight requests, per-request timeouts, crash
// detection, and bounded respawn with backoff.
package connmgr

import (
    "context"
    "fmt"
    "math/rand"
    "sync"
    "time"

    "go.uber.org/zap"

    "pixjail/pkg/config"
    "pixjail/pkg/imaging"
    "pixjail/pkg/protocol"
    "pixjail/pkg/protocol/codec"
    "pixjail/pkg/transport"
)

// State of the worker handle. Transitions:
// Connecting -> Ready on handshake; Ready -> Degraded on one failed or
// timed-out request; Degraded -> Dead on disconnect or a second consecutive
// failure; Dead -> Connecting on respawn.
type State int32

const (
    StateConnecting State = iota
    StateReady
    StateDegraded
    StateDead
)

func (s State) String() string {
    switch s {
    case StateConnecting:
        return "connecting"
    case StateReady:
        return "ready"
    case StateDegraded:
        return "degraded"
    case StateDead:
        return "dead"
    default:
        return "invalid"
    }
}

// Options tunes the manager.
type Options struct {
    Transport transport.Transport
    Address   string
    // HostName identifies this host in the handshake (log-only on the
    // worker side).
    HostName string

    RequestTimeout   time.Duration
    HandshakeTimeout time.Duration
    MaxInflight      int
    QueueDepth       int

    BackoffInitial     time.Duration
    BackoffMax         time.Duration
    BackoffJitter      time.Duration
    MaxRespawnAttempts int

    // Ceilings re-applied to bitmaps received from the worker; the host
    // does not trust the worker's output any more than its input.
    MaxWidth  int
    MaxHeight int
}

func (o Options) withDefaults() Options {
    if o.HostName == "" {
        o.HostName = "pixjail-host"
    }
    if o.RequestTimeout <= 0 {
        o.RequestTimeout = 5 * time.Second
    }
    if o.HandshakeTimeout <= 0 {
        o.HandshakeTimeout = 3 * time.Second
    }
    if o.MaxInflight <= 0 {
        o.MaxInflight = 1
    }
    if o.BackoffInitial <= 0 {
        o.BackoffInitial = 250 * time.Millisecond
    }
    if o.BackoffMax <= 0 {
        o.BackoffMax = 10 * time.Second
    }
    if o.MaxRespawnAttempts <= 0 {
        o.MaxRespawnAttempts = 1
    }
    if o.MaxWidth <= 0 {
        o.MaxWidth = 16384
    }
    if o.MaxHeight <= 0 {
        o.MaxHeight = 16384
    }
    return o
}

// OptionsFromConfig maps the channel/decode config sections onto Options.
func OptionsFromConfig(cfg *config.Config, tr transport.Transport) Options {
    return Options{
        Transport:          tr,
        Address:            cfg.Channel.Address,
        HostName:           cfg.AppName,
        RequestTimeout:     time.Duration(cfg.Channel.RequestTimeoutMS) * time.Millisecond,
        MaxInflight:        cfg.Channel.MaxInflight,
        QueueDepth:         cfg.Channel.QueueDepth,
        BackoffInitial:     time.Duration(cfg.Channel.RespawnBackoffInitialMS) * time.Millisecond,
        BackoffMax:         time.Duration(cfg.Channel.RespawnBackoffMaxMS) * time.Millisecond,
        BackoffJitter:      time.Duration(cfg.Channel.RespawnBackoffJitterMS) * time.Millisecond,
        MaxRespawnAttempts: cfg.Channel.MaxRespawnAttempts,
        MaxWidth:           cfg.Decode.MaxWidth,
        MaxHeight:          cfg.Decode.MaxHeight,
    }
}

type queuedReq struct {
    corr  protocol.Correlation
    frame []byte
    p     *pending
}

// Manager is the single serialization point for the worker handle and the
// pending-request table. All mutation happens under mu.
type Manager struct {
    opts Options
    reg  *codec.Registry
    log  *zap.Logger

    ctx    context.Context
    cancel context.CancelFunc

    mu         sync.Mutex
    state      State
    conn       transport.Conn
    gen        uint64 // bumped per connection; stale read loops are ignored
    pending    map[protocol.Correlation]*pending
    timers     map[protocol.Correlation]*time.Timer
    queue      []queuedReq
    inflight   int
    strikes    int // consecutive failed/timed-out requests
    probeCorr  protocol.Correlation
    probeArmed bool
    respawning bool
    closed     bool
}

// New builds a Manager and starts the first connect cycle. The worker
// process itself is spawned by the platform's service activation; the
// manager only opens the channel.
func New(opts Options) (*Manager, error) {
    opts = opts.withDefaults()
    if opts.Transport == nil {
        return nil, fmt.Errorf("connmgr: transport is required")
    }
    reg, err := codec.NewDefaultRegistry()
    if err != nil {
        return nil, err
    }
    ctx, cancel := context.WithCancel(context.Background())
    m := &Manager{
        opts:       opts,
        reg:        reg,
        log:        zap.L().Named("connmgr"),
        ctx:        ctx,
        cancel:     cancel,
        state:      StateConnecting,
        pending:    make(map[protocol.Correlation]*pending),
        timers:     make(map[protocol.Correlation]*time.Timer),
        respawning: true,
    }
    go m.respawn()
    return m, nil
}

// State reports the current handle state.
func (m *Manager) State() State {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.state
}

// Submit sends one decode request and blocks until it resolves or ctx is
// done. Results never cross between callers; correlation ids pair request
// and response. An abandoned request (ctx cancelled) drops its table entry
// but does not interrupt the worker's decode.
func (m *Manager) Submit(ctx context.Context, payload []byte, sizeHint uint32) (*imaging.Image, error) {
    corr, err := protocol.NewCorrelation()
    if err != nil {
        return nil, err
    }
    body, err := protocol.EncodeBody(m.reg, protocol.FormatCBOR, &protocol.DecodeRequest{Payload: payload, SizeHint: sizeHint})
    if err != nil {
        return nil, err
    }
    frame, err := protocol.NewEnvelope(protocol.MsgDecodeRequest, corr, body).EncodeFrame()
    if err != nil {
        return nil, err
    }
    p := newPending()

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil, imaging.Failf(imaging.FailUnavailable, "channel closed")
    }
    var conn transport.Conn
    switch m.state {
    case StateReady, StateDegraded:
        if m.inflight < m.opts.MaxInflight {
            m.registerLocked(corr, p)
            conn = m.conn
        } else if !m.enqueueLocked(queuedReq{corr, frame, p}) {
            m.mu.Unlock()
            return nil, imaging.Failf(imaging.FailUnavailable, "request queue full")
        }
    default:
        // Dead or Connecting: queue briefly; a fresh submit may kick a new
        // respawn cycle after a previous one gave up.
        if m.state == StateDead && !m.respawning {
            m.respawning = true
            m.state = StateConnecting
            go m.respawn()
        }
        if !m.enqueueLocked(queuedReq{corr, frame, p}) {
            m.mu.Unlock()
            return nil, imaging.Failf(imaging.FailUnavailable, "worker unavailable and queue full")
        }
    }
    m.mu.Unlock()

    if conn != nil {
        m.send(conn, corr, frame)
    }

    select {
    case <-p.done:
        if p.fail != nil {
            return nil, p.fail
        }
        return p.img, nil
    case <-ctx.Done():
        m.abandon(corr)
        return nil, ctx.Err()
    }
}

func (m *Manager) enqueueLocked(q queuedReq) bool {
    if len(m.queue) >= m.opts.QueueDepth {
        return false
    }
    m.queue = append(m.queue, q)
    return true
}

// registerLocked creates the pending-table entry and arms the per-request
// timer. The timer runs independently of the worker: expiry resolves the
// entry even if a reply eventually arrives (and that reply is discarded).
func (m *Manager) registerLocked(corr protocol.Correlation, p *pending) {
    m.pending[corr] = p
    m.inflight++
    m.timers[corr] = time.AfterFunc(m.opts.RequestTimeout, func() { m.expire(corr) })
}

// removeLocked drops a pending entry; a leaked entry is a defect, so every
// resolution path funnels through here.
func (m *Manager) removeLocked(corr protocol.Correlation) {
    delete(m.pending, corr)
    if t := m.timers[corr]; t != nil {
        t.Stop()
        delete(m.timers, corr)
    }
    m.inflight--
}

func (m *Manager) send(conn transport.Conn, corr protocol.Correlation, frame []byte) {
    if err := conn.SendFrame(frame); err != nil {
        m.mu.Lock()
        p := m.pending[corr]
        if p != nil {
            m.removeLocked(corr)
        }
        m.mu.Unlock()
        if p != nil {
            p.resolve(nil, imaging.Failf(imaging.FailWorkerCrashed, "channel write: %v", err))
        }
        // Force the read loop to observe the broken channel.
        _ = conn.Close()
    }
}

// expire resolves a request with Timeout and degrades the handle. A second
// consecutive strike tears the connection down, forcing a respawn. The
// freed inflight slot immediately promotes queued requests; an expired
// entry must never leave a follower stuck in the queue.
func (m *Manager) expire(corr protocol.Correlation) {
    m.mu.Lock()
    p := m.pending[corr]
    if p == nil {
        m.mu.Unlock()
        return
    }
    m.removeLocked(corr)
    m.strikes++
    var closeConn transport.Conn
    var probe transport.Conn
    var probeCorr protocol.Correlation
    if m.strikes >= 2 {
        closeConn = m.conn
    } else if m.state == StateReady {
        m.state = StateDegraded
        m.log.Warn("request timed out, worker presumed wedged", zap.Stringer("state", m.state))
        if c, err := protocol.NewCorrelation(); err == nil && m.conn != nil {
            m.probeCorr = c
            m.probeArmed = true
            probe = m.conn
            probeCorr = c
        }
    }
    var promoted []queuedReq
    var conn transport.Conn
    if closeConn == nil {
        promoted, conn = m.drainQueueLocked()
    }
    m.mu.Unlock()

    p.resolve(nil, imaging.Failf(imaging.FailTimeout, "no response within %s", m.opts.RequestTimeout))

    if probe != nil {
        if frame, err := protocol.NewEnvelope(protocol.MsgHeartbeat, probeCorr, nil).EncodeFrame(); err == nil {
            _ = probe.SendFrame(frame)
        }
    }
    if closeConn != nil {
        m.log.Warn("second consecutive failure, tearing channel down")
        _ = closeConn.Close()
    }
    for _, q := range promoted {
        m.send(conn, q.corr, q.frame)
    }
}

// abandon drops the table entry of a cancelled caller. The worker's own
// timeout still bounds its resource use.
func (m *Manager) abandon(corr protocol.Correlation) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.pending[corr] != nil {
        m.removeLocked(corr)
        return
    }
    for i := range m.queue {
        if m.queue[i].corr == corr {
            m.queue = append(m.queue[:i], m.queue[i+1:]...)
            return
        }
    }
}

// readLoop demultiplexes responses for one connection generation.
func (m *Manager) readLoop(conn transport.Conn, gen uint64) {
    for {
        b, err := conn.RecvFrame()
        if err != nil {
            m.onDisconnect(gen, err)
            return
        }
        var env protocol.Envelope
        if err := env.DecodeFrame(b); err != nil {
            m.log.Warn("dropping malformed frame", zap.Error(err))
            continue
        }
        switch env.Header.Type {
        case protocol.MsgDecodeResponse:
            m.complete(&env)
        case protocol.MsgHeartbeat:
            m.onHeartbeat(env.Header.Correlation)
        default:
            m.log.Debug("ignoring message", zap.Uint8("type", env.Header.Type))
        }
    }
}

func (m *Manager) onHeartbeat(corr protocol.Correlation) {
    m.mu.Lock()
    if !m.probeArmed || corr != m.probeCorr {
        m.mu.Unlock()
        return
    }
    m.probeArmed = false
    m.strikes = 0
    restored := m.state == StateDegraded
    if restored {
        m.state = StateReady
    }
    promoted, conn := m.drainQueueLocked()
    m.mu.Unlock()

    if restored {
        m.log.Info("heartbeat answered, worker healthy again")
    }
    for _, q := range promoted {
        m.send(conn, q.corr, q.frame)
    }
}

// complete correlates one response to its pending entry. Replies for
// already-resolved or unknown ids are discarded.
func (m *Manager) complete(env *protocol.Envelope) {
    corr := env.Header.Correlation
    m.mu.Lock()
    p := m.pending[corr]
    if p == nil {
        m.mu.Unlock()
        m.log.Debug("discarding late response")
        return
    }
    m.removeLocked(corr)
    m.strikes = 0
    if m.state == StateDegraded {
        m.state = StateReady
    }
    next, conn := m.dequeueLocked()
    m.mu.Unlock()

    var resp protocol.DecodeResponse
    switch _, err := protocol.DecodeBody(m.reg, env.Body, &resp); {
    case err != nil:
        p.resolve(nil, imaging.Failf(imaging.FailMalformed, "response body: %v", err))
    case resp.Image != nil:
        img, err := protocol.ImageFromWire(resp.Image, m.opts.MaxWidth, m.opts.MaxHeight)
        if err != nil {
            p.resolve(nil, imaging.Failf(imaging.FailMalformed, "response bitmap: %v", err))
        } else {
            p.resolve(img, nil)
        }
    case resp.Failure != nil:
        p.resolve(nil, protocol.FailureFromWire(resp.Failure))
    default:
        p.resolve(nil, imaging.Failf(imaging.FailMalformed, "response carries neither image nor failure"))
    }

    if next != nil && conn != nil {
        m.send(conn, next.corr, next.frame)
    }
}

// drainQueueLocked promotes as many queued requests as capacity allows and
// returns them for dispatch after the lock is released.
func (m *Manager) drainQueueLocked() ([]queuedReq, transport.Conn) {
    var promoted []queuedReq
    var conn transport.Conn
    for {
        q, c := m.dequeueLocked()
        if q == nil || c == nil {
            break
        }
        promoted = append(promoted, *q)
        conn = c
    }
    return promoted, conn
}

// dequeueLocked promotes the oldest queued request if capacity allows.
func (m *Manager) dequeueLocked() (*queuedReq, transport.Conn) {
    if len(m.queue) == 0 || m.conn == nil || m.inflight >= m.opts.MaxInflight {
        return nil, nil
    }
    if m.state != StateReady && m.state != StateDegraded {
        return nil, nil
    }
    q := m.queue[0]
    m.queue = m.queue[1:]
    m.registerLocked(q.corr, q.p)
    return &q, m.conn
}

// onDisconnect handles a confirmed channel break: every in-flight request
// resolves WorkerCrashed and a respawn cycle starts.
func (m *Manager) onDisconnect(gen uint64, cause error) {
    m.mu.Lock()
    if gen != m.gen || m.closed {
        m.mu.Unlock()
        return
    }
    conn := m.conn
    m.conn = nil
    m.state = StateDead
    m.strikes = 0
    m.probeArmed = false
    failed := make([]*pending, 0, len(m.pending))
    for corr, p := range m.pending {
        failed = append(failed, p)
        if t := m.timers[corr]; t != nil {
            t.Stop()
        }
    }
    m.pending = make(map[protocol.Correlation]*pending)
    m.timers = make(map[protocol.Correlation]*time.Timer)
    m.inflight = 0
    start := !m.respawning
    if start {
        m.respawning = true
        m.state = StateConnecting
    }
    m.mu.Unlock()

    m.log.Warn("worker channel lost", zap.Error(cause), zap.Int("inflight_failed", len(failed)))
    if conn != nil {
        _ = conn.Close()
    }
    for _, p := range failed {
        p.resolve(nil, imaging.Failf(imaging.FailWorkerCrashed, "worker disconnected: %v", cause))
    }
    if start {
        go m.respawn()
    }
}

// respawn runs one bounded reconnect cycle. Only one cycle is in flight at
// a time; exhaustion leaves the handle Dead and fails queued requests with
// ServiceUnavailable.
func (m *Manager) respawn() {
    backoff := m.opts.BackoffInitial
    for attempt := 1; attempt <= m.opts.MaxRespawnAttempts; attempt++ {
        if attempt > 1 {
            delay := backoff
            if m.opts.BackoffJitter > 0 {
                delay += time.Duration(rand.Int63n(int64(m.opts.BackoffJitter)))
            }
            backoff *= 2
            if backoff > m.opts.BackoffMax {
                backoff = m.opts.BackoffMax
            }
            select {
            case <-time.After(delay):
            case <-m.ctx.Done():
                return
            }
        }

        conn, err := m.connect()
        if err != nil {
            m.log.Warn("worker connect failed", zap.Int("attempt", attempt), zap.Error(err))
            continue
        }

        m.mu.Lock()
        if m.closed {
            m.mu.Unlock()
            _ = conn.Close()
            return
        }
        m.conn = conn
        m.gen++
        gen := m.gen
        m.state = StateReady
        m.strikes = 0
        m.respawning = false
        drained, _ := m.drainQueueLocked()
        m.mu.Unlock()

        m.log.Info("worker channel established", zap.Uint64("generation", gen), zap.Int("drained", len(drained)))
        go m.readLoop(conn, gen)
        for _, q := range drained {
            m.send(conn, q.corr, q.frame)
        }
        return
    }

    m.mu.Lock()
    m.state = StateDead
    m.respawning = false
    orphaned := m.queue
    m.queue = nil
    m.mu.Unlock()

    m.log.Error("respawn attempts exhausted", zap.Int("attempts", m.opts.MaxRespawnAttempts), zap.Int("orphaned", len(orphaned)))
    for _, q := range orphaned {
        q.p.resolve(nil, imaging.Failf(imaging.FailUnavailable, "worker did not come back after %d attempts", m.opts.MaxRespawnAttempts))
    }
}

// connect dials and completes the Hello/HelloAck handshake under a timeout.
func (m *Manager) connect() (transport.Conn, error) {
    conn, err := m.opts.Transport.Dial(m.ctx, m.opts.Address)
    if err != nil {
        return nil, err
    }

    corr, err := protocol.NewCorrelation()
    if err != nil {
        _ = conn.Close()
        return nil, err
    }
    body, err := protocol.EncodeBody(m.reg, protocol.FormatCBOR, &protocol.Hello{
        Worker:      m.opts.HostName,
        Version:     protocol.Version,
        MaxInflight: m.opts.MaxInflight,
    })
    if err != nil {
        _ = conn.Close()
        return nil, err
    }
    frame, err := protocol.NewEnvelope(protocol.MsgHello, corr, body).EncodeFrame()
    if err != nil {
        _ = conn.Close()
        return nil, err
    }
    if err := conn.SendFrame(frame); err != nil {
        _ = conn.Close()
        return nil, err
    }

    type res struct {
        ack protocol.HelloAck
        err error
    }
    ch := make(chan res, 1)
    go func() {
        b, err := conn.RecvFrame()
        if err != nil {
            ch <- res{err: err}
            return
        }
        var env protocol.Envelope
        if err := env.DecodeFrame(b); err != nil {
            ch <- res{err: err}
            return
        }
        if env.Header.Type != protocol.MsgHelloAck {
            ch <- res{err: fmt.Errorf("expected hello-ack, got type %d", env.Header.Type)}
            return
        }
        var ack protocol.HelloAck
        if _, err := protocol.DecodeBody(m.reg, env.Body, &ack); err != nil {
            ch <- res{err: err}
            return
        }
        ch <- res{ack: ack}
    }()

    select {
    case r := <-ch:
        if r.err != nil {
            _ = conn.Close()
            return nil, fmt.Errorf("handshake: %w", r.err)
        }
        if !r.ack.Accepted {
            _ = conn.Close()
            return nil, fmt.Errorf("handshake rejected: %s", r.ack.Reason)
        }
        return conn, nil
    case <-time.After(m.opts.HandshakeTimeout):
        _ = conn.Close()
        return nil, fmt.Errorf("handshake timed out after %s", m.opts.HandshakeTimeout)
    }
}

// Close tears the channel down and fails everything outstanding.
func (m *Manager) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    conn := m.conn
    m.conn = nil
    m.state = StateDead
    outstanding := make([]*pending, 0, len(m.pending)+len(m.queue))
    for corr, p := range m.pending {
        outstanding = append(outstanding, p)
        if t := m.timers[corr]; t != nil {
            t.Stop()
        }
    }
    for _, q := range m.queue {
        outstanding = append(outstanding, q.p)
    }
    m.pending = make(map[protocol.Correlation]*pending)
    m.timers = make(map[protocol.Correlation]*time.Timer)
    m.queue = nil
    m.inflight = 0
    m.mu.Unlock()

    m.cancel()
    if conn != nil {
        _ = conn.Close()
    }
    for _, p := range outstanding {
        p.resolve(nil, imaging.Failf(imaging.FailUnavailable, "channel closed"))
    }
    return nil
}
