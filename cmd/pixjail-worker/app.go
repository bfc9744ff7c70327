package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "pixjail/pkg/config"
    "pixjail/pkg/imaging"
    "pixjail/pkg/ipc"
    "pixjail/pkg/observability"
    "pixjail/pkg/transport"
    "pixjail/pkg/worker"
)

// Options holds CLI options for the worker.
type Options struct {
    ConfigPath string
}

// run is the main entry point after CLI parsing. The process is spawned on
// demand by the platform's service activation; it only listens and decodes.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("pixjail-worker started", zap.String("app", cfg.AppName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    dec := imaging.NewDecoder(imaging.Limits{
        MaxWidth:      cfg.Decode.MaxWidth,
        MaxHeight:     cfg.Decode.MaxHeight,
        MaxPixelBytes: cfg.Decode.MaxPixelBytes,
        Timeout:       time.Duration(cfg.Decode.TimeoutMS) * time.Millisecond,
    })
    svc, err := worker.New(cfg.AppName, dec, cfg.Channel.MaxInflight)
    if err != nil {
        zap.L().Error("failed to build service", zap.Error(err))
        return 1
    }

    tr, err := ipc.NewFactory().ByKind(cfg.Channel.Kind, transport.Options{MaxFrameBytes: cfg.Channel.MaxFrameBytes})
    if err != nil {
        zap.L().Error("failed to build transport", zap.Error(err))
        return 1
    }

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    l, err := tr.Listen(ctx, cfg.Channel.Address)
    if err != nil {
        zap.L().Error("failed to listen", zap.String("addr", cfg.Channel.Address), zap.Error(err))
        return 1
    }
    defer l.Close()

    if err := svc.Serve(ctx, l); err != nil && ctx.Err() == nil {
        zap.L().Error("serve failed", zap.Error(err))
        return 1
    }
    zap.L().Info("pixjail-worker stopped")
    return 0
}
